package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/mongoschema/mongoschema/internal/config"
	"github.com/mongoschema/mongoschema/internal/logging"
	"github.com/mongoschema/mongoschema/internal/storage"
	"github.com/mongoschema/mongoschema/internal/target"
)

var (
	cfgFile  string
	logLevel string
	verbose  bool
	version  = "dev"
	commit   = "none"
	date     = "unknown"
)

// Connection flags. They override the config file only when set.
var (
	connURI        string
	connHost       string
	connPort       int
	connUsername   string
	connPassword   string
	connAuthSource string
	connTimeout    time.Duration
)

var rootCmd = &cobra.Command{
	Use:   "mongoschema",
	Short: "Export and re-apply MongoDB collection and index definitions",
	Long: `mongoschema captures the structure of MongoDB databases (collections,
collection options and index definitions, never documents) into a JSON
snapshot, and reconciles a server against such a snapshot.

  mongoschema export --databases app,billing --file schema.json
  mongoschema plan   --file schema.json
  mongoschema import --file schema.json --force-index-recreate`,
	SilenceUsage: true,
}

func Execute() {
	rootCmd.Version = fmt.Sprintf("%s (commit %s, built %s)", version, commit, date)
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "config file (default: ~/.mongoschema/mongoschema.yaml)")
	pf.StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	pf.BoolVarP(&verbose, "verbose", "v", false, "debug logging; export also prints the snapshot")

	pf.StringVar(&connURI, "uri", "", "MongoDB connection string (overrides host/port/credentials)")
	pf.StringVar(&connHost, "host", "localhost", "MongoDB host")
	pf.IntVar(&connPort, "port", 27017, "MongoDB port")
	pf.StringVarP(&connUsername, "username", "u", "", "MongoDB username")
	pf.StringVarP(&connPassword, "password", "p", "", "MongoDB password")
	pf.StringVar(&connAuthSource, "auth-source", "admin", "authentication database")
	pf.DurationVar(&connTimeout, "timeout", 30*time.Second, "server selection timeout")
}

// loadConfig reads the config file and applies the persistent flags the
// user set explicitly.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	applyPersistentFlags(cmd, cfg)
	return cfg, nil
}

func applyPersistentFlags(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("uri") {
		cfg.Connection.URI = connURI
	}
	if flags.Changed("host") {
		cfg.Connection.Host = connHost
	}
	if flags.Changed("port") {
		cfg.Connection.Port = connPort
	}
	if flags.Changed("username") {
		cfg.Connection.Username = connUsername
	}
	if flags.Changed("password") {
		cfg.Connection.Password = connPassword
	}
	if flags.Changed("auth-source") {
		cfg.Connection.AuthSource = connAuthSource
	}
	if flags.Changed("timeout") {
		cfg.Connection.Timeout = connTimeout
	}
	if flags.Changed("log-level") {
		cfg.Logging.Level = logLevel
	}
	if verbose {
		cfg.Logging.Level = "debug"
	}
}

func setupLogger(cfg *config.Config) (*slog.Logger, io.Closer, error) {
	logger, closer, err := logging.Setup(os.Stderr, cfg.Logging.Level, cfg.Logging.Directory)
	if err != nil {
		return nil, nil, fmt.Errorf("setting up logging: %w", err)
	}
	return logger, closer, nil
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

func connect(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*target.MongoClient, error) {
	opts := cfg.Connection.ConnectOptions()
	logger.Debug("connecting", "target", opts.Describe(), "timeout", opts.Timeout)
	client, err := target.Connect(ctx, opts)
	if err != nil {
		return nil, err
	}
	logger.Info("connected", "target", opts.Describe())
	return client, nil
}

func awsOptions(cfg *config.Config) storage.AWSOptions {
	return storage.AWSOptions{Profile: cfg.AWS.Profile, Region: cfg.AWS.Region}
}

func closeClient(client target.Client, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := client.Close(ctx); err != nil {
		logger.Warn("closing connection", "error", err)
	}
}
