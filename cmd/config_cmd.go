package cmd

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/mongoschema/mongoschema/internal/config"
	"github.com/mongoschema/mongoschema/internal/extract"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
	Long:  `View, validate and create the mongoschema configuration file.`,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Display the effective config (secrets masked)",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}

		masked := *cfg
		masked.Connection.Password = maskSecret(cfg.Connection.Password)
		masked.Connection.URI = maskURI(cfg.Connection.URI)

		data, err := yaml.Marshal(&masked)
		if err != nil {
			return fmt.Errorf("marshaling config: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), "# effective configuration")
		fmt.Fprint(cmd.OutOrStdout(), string(data))
		return nil
	},
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the config file",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return fmt.Errorf("config invalid: %w", err)
		}

		out := cmd.OutOrStdout()
		if problems := cfg.Validate(); len(problems) > 0 {
			fmt.Fprintln(out, "Validation errors:")
			for _, p := range problems {
				fmt.Fprintf(out, "  - %s\n", p)
			}
			return fmt.Errorf("%d validation error(s)", len(problems))
		}

		fmt.Fprintln(out, "Configuration is valid.")
		return nil
	},
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Create a config file interactively",
	Long:  `Walk through prompts to create a configuration file at ~/.mongoschema/mongoschema.yaml.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := promptConfig(bufio.NewReader(os.Stdin), cmd.OutOrStdout())
		if err != nil {
			return err
		}

		cfgPath := config.ExpandHome(config.DefaultPath)
		if cfgFile != "" {
			cfgPath = cfgFile
		}
		if err := cfg.Save(cfgPath); err != nil {
			return fmt.Errorf("saving config: %w", err)
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Config written to %s\n\n", cfgPath)
		fmt.Fprintln(out, "Next steps:")
		fmt.Fprintln(out, "  mongoschema config validate   check the file")
		fmt.Fprintln(out, "  mongoschema export            write a snapshot")
		fmt.Fprintln(out, "  mongoschema plan              preview an import")
		return nil
	},
}

// promptConfig asks for the connection and default export settings.
// Secret references such as ${ENV:MONGO_PASSWORD} may be typed as-is.
func promptConfig(reader *bufio.Reader, out io.Writer) (*config.Config, error) {
	cfg := config.Default()

	fmt.Fprintln(out, "mongoschema Configuration Setup")
	fmt.Fprintln(out, "===============================")
	fmt.Fprintln(out)

	fmt.Fprintln(out, "MongoDB Connection")
	fmt.Fprintln(out, "------------------")
	cfg.Connection.URI = prompt(reader, out, "Connection string (leave empty to enter host and port)", "")
	if cfg.Connection.URI == "" {
		cfg.Connection.Host = prompt(reader, out, "Host", cfg.Connection.Host)
		portStr := prompt(reader, out, "Port", strconv.Itoa(cfg.Connection.Port))
		port, err := strconv.Atoi(portStr)
		if err != nil {
			return nil, fmt.Errorf("invalid port: %s", portStr)
		}
		cfg.Connection.Port = port
		cfg.Connection.Username = prompt(reader, out, "Username", "")
		if cfg.Connection.Username != "" {
			cfg.Connection.Password = prompt(reader, out, "Password", "")
			cfg.Connection.AuthSource = prompt(reader, out, "Auth source", cfg.Connection.AuthSource)
		}
	}
	timeoutStr := prompt(reader, out, "Timeout", cfg.Connection.Timeout.String())
	timeout, err := time.ParseDuration(timeoutStr)
	if err != nil {
		return nil, fmt.Errorf("invalid timeout: %s", timeoutStr)
	}
	cfg.Connection.Timeout = timeout
	fmt.Fprintln(out)

	fmt.Fprintln(out, "Snapshots")
	fmt.Fprintln(out, "---------")
	cfg.Export.Databases = extract.ParseDatabaseList(prompt(reader, out, "Databases to export (comma-separated)", ""))
	cfg.Export.File = prompt(reader, out, "Snapshot file or s3://bucket/key", cfg.Export.File)
	cfg.Import.File = cfg.Export.File
	fmt.Fprintln(out)

	if problems := cfg.Validate(); len(problems) > 0 {
		return nil, fmt.Errorf("invalid answers: %s", strings.Join(problems, "; "))
	}
	return cfg, nil
}

func prompt(reader *bufio.Reader, out io.Writer, label, defaultVal string) string {
	if defaultVal != "" {
		fmt.Fprintf(out, "  %s [%s]: ", label, defaultVal)
	} else {
		fmt.Fprintf(out, "  %s: ", label)
	}
	input, _ := reader.ReadString('\n')
	input = strings.TrimSpace(input)
	if input == "" {
		return defaultVal
	}
	return input
}

func maskSecret(s string) string {
	if len(s) <= 4 {
		return strings.Repeat("*", len(s))
	}
	return s[:2] + strings.Repeat("*", len(s)-4) + s[len(s)-2:]
}

// maskURI hides the password of a mongodb:// URI.
func maskURI(uri string) string {
	scheme := strings.Index(uri, "://")
	at := strings.LastIndex(uri, "@")
	if scheme < 0 || at < scheme {
		return uri
	}
	userinfo := uri[scheme+3 : at]
	user, pass, ok := strings.Cut(userinfo, ":")
	if !ok {
		return uri
	}
	return uri[:scheme+3] + user + ":" + maskSecret(pass) + uri[at:]
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configValidateCmd)
	configCmd.AddCommand(configInitCmd)
	rootCmd.AddCommand(configCmd)
}
