package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mongoschema/mongoschema/internal/target"
)

const (
	CurrentVersion = 1
	HomeDir        = "~/.mongoschema"
	DefaultPath    = HomeDir + "/mongoschema.yaml"
	DefaultFile    = "schema.json"
)

// Config is the top-level configuration.
type Config struct {
	Version    int              `yaml:"version"`
	Connection ConnectionConfig `yaml:"connection"`
	Export     ExportConfig     `yaml:"export,omitempty"`
	Import     ImportConfig     `yaml:"import,omitempty"`
	AWS        AWSConfig        `yaml:"aws,omitempty"`
	Logging    LogConfig        `yaml:"logging,omitempty"`
}

// ConnectionConfig selects the MongoDB server. URI, when set, wins over
// the discrete fields.
type ConnectionConfig struct {
	URI        string        `yaml:"uri,omitempty"`
	Host       string        `yaml:"host,omitempty"`
	Port       int           `yaml:"port,omitempty"`
	Username   string        `yaml:"username,omitempty"`
	Password   string        `yaml:"password,omitempty"`
	AuthSource string        `yaml:"auth_source,omitempty"`
	Timeout    time.Duration `yaml:"timeout,omitempty"`
}

// ExportConfig holds defaults for the export command.
type ExportConfig struct {
	Databases []string `yaml:"databases,omitempty"`
	File      string   `yaml:"file,omitempty"` // local path or s3://bucket/key
	Canonical bool     `yaml:"canonical,omitempty"`
}

// ImportConfig holds defaults for the import and plan commands.
type ImportConfig struct {
	File               string   `yaml:"file,omitempty"`
	Databases          []string `yaml:"databases,omitempty"` // empty or "*" = all
	DropDatabases      bool     `yaml:"drop_databases,omitempty"`
	DropCollections    bool     `yaml:"drop_collections,omitempty"`
	ForceIndexRecreate bool     `yaml:"force_index_recreate,omitempty"`
	Parallelism        int      `yaml:"parallelism,omitempty"`
	Report             string   `yaml:"report,omitempty"`
}

// AWSConfig selects credentials for s3:// snapshot locations and
// AWS_SM secret references.
type AWSConfig struct {
	Region  string `yaml:"region,omitempty"`
	Profile string `yaml:"profile,omitempty"`
}

// LogConfig defines logging settings.
type LogConfig struct {
	Level     string `yaml:"level,omitempty"`     // debug, info, warn, error
	Directory string `yaml:"directory,omitempty"` // empty = no log file
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	cfg := &Config{Version: CurrentVersion}
	cfg.applyDefaults()
	return cfg
}

// Load reads and parses the config file from the given path. When path is
// empty the default location is used, and a missing default file yields
// Default().
func Load(path string) (*Config, error) {
	explicit := path != ""
	if !explicit {
		path = ExpandHome(DefaultPath)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if !explicit && errors.Is(err, fs.ErrNotExist) {
			return Default(), nil
		}
		return nil, fmt.Errorf("reading config: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if cfg.Version != CurrentVersion {
		return nil, fmt.Errorf("unsupported config version %d (expected %d)", cfg.Version, CurrentVersion)
	}

	if err := cfg.resolveSecrets(); err != nil {
		return nil, fmt.Errorf("resolving secrets: %w", err)
	}

	cfg.applyDefaults()
	return cfg, nil
}

// Save writes the config to the given path.
func (c *Config) Save(path string) error {
	if path == "" {
		path = ExpandHome(DefaultPath)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	return os.WriteFile(path, data, 0o600)
}

func (c *Config) applyDefaults() {
	if c.Connection.URI == "" {
		if c.Connection.Host == "" {
			c.Connection.Host = "localhost"
		}
		if c.Connection.Port == 0 {
			c.Connection.Port = 27017
		}
	}
	if c.Connection.AuthSource == "" {
		c.Connection.AuthSource = "admin"
	}
	if c.Connection.Timeout == 0 {
		c.Connection.Timeout = 30 * time.Second
	}
	if c.Export.File == "" {
		c.Export.File = DefaultFile
	}
	if c.Import.File == "" {
		c.Import.File = DefaultFile
	}
	if c.Import.Parallelism == 0 {
		c.Import.Parallelism = 1
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

// Validate returns every problem found in the configuration.
func (c *Config) Validate() []string {
	var problems []string

	if c.Version != CurrentVersion {
		problems = append(problems, fmt.Sprintf("version must be %d", CurrentVersion))
	}
	conn := c.Connection
	if conn.URI != "" {
		if !strings.HasPrefix(conn.URI, "mongodb://") && !strings.HasPrefix(conn.URI, "mongodb+srv://") {
			problems = append(problems, "connection.uri must start with mongodb:// or mongodb+srv://")
		}
	} else {
		if conn.Host == "" {
			problems = append(problems, "connection.host is required when connection.uri is empty")
		}
		if conn.Port < 1 || conn.Port > 65535 {
			problems = append(problems, "connection.port must be between 1 and 65535")
		}
	}
	if conn.Password != "" && conn.Username == "" && conn.URI == "" {
		problems = append(problems, "connection.password is set without connection.username")
	}
	if conn.Timeout < 0 {
		problems = append(problems, "connection.timeout must not be negative")
	}
	if c.Import.Parallelism < 1 {
		problems = append(problems, "import.parallelism must be at least 1")
	}
	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		problems = append(problems, "logging.level must be one of debug, info, warn, error")
	}

	return problems
}

// ConnectOptions converts the connection section to driver settings.
func (c ConnectionConfig) ConnectOptions() target.ConnectOptions {
	return target.ConnectOptions{
		URI:        c.URI,
		Host:       c.Host,
		Port:       c.Port,
		Username:   c.Username,
		Password:   c.Password,
		AuthSource: c.AuthSource,
		Timeout:    c.Timeout,
	}
}

var secretPattern = regexp.MustCompile(`\$\{(ENV|VAULT|AWS_SM):([^}]+)\}`)

func (c *Config) resolveSecrets() error {
	var err error
	c.Connection.URI, err = ResolveValue(c.Connection.URI)
	if err != nil {
		return fmt.Errorf("connection uri: %w", err)
	}
	c.Connection.Password, err = ResolveValue(c.Connection.Password)
	if err != nil {
		return fmt.Errorf("connection password: %w", err)
	}
	return nil
}

// ResolveValue replaces every secret reference in val, so a reference may
// stand alone or be embedded, as in "mongodb://app:${ENV:PW}@db:27017".
func ResolveValue(val string) (string, error) {
	var firstErr error
	out := secretPattern.ReplaceAllStringFunc(val, func(m string) string {
		if firstErr != nil {
			return m
		}
		parts := secretPattern.FindStringSubmatch(m)
		v, err := resolveReference(parts[1], parts[2])
		if err != nil {
			firstErr = err
			return m
		}
		return v
	})
	if firstErr != nil {
		return "", firstErr
	}
	return out, nil
}

func resolveReference(provider, ref string) (string, error) {
	switch provider {
	case "ENV":
		v := os.Getenv(ref)
		if v == "" {
			return "", fmt.Errorf("environment variable %s not set", ref)
		}
		return v, nil
	case "VAULT":
		return resolveVault(ref)
	case "AWS_SM":
		return resolveAWSSecretsManager(ref)
	default:
		return "", fmt.Errorf("unknown secrets provider: %s", provider)
	}
}

// ExpandHome expands ~ to the user's home directory.
func ExpandHome(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
