// Package config provides environment-variable-first configuration loading
// with optional YAML file and .env fallbacks.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/shineum/m365-mailer/internal/settings"
)

// defaultMaxMessageSize is 25 MB in bytes.
const defaultMaxMessageSize = 26214400

// Provider names accepted in the provider setting.
const (
	ProviderGraph  = "graph"
	ProviderSES    = "ses"
	ProviderStdout = "stdout"
)

// Config holds the complete application configuration.
type Config struct {
	Provider string        `yaml:"provider"`
	SMTP     SMTPConfig    `yaml:"smtp"`
	Graph    GraphConfig   `yaml:"graph"`
	SES      SESConfig     `yaml:"ses"`
	Admin    AdminConfig   `yaml:"admin"`
	Store    StoreConfig   `yaml:"store"`
	TLS      TLSConfig     `yaml:"tls"`
	Logging  LoggingConfig `yaml:"logging"`
}

// SMTPConfig holds SMTP listener configuration.
type SMTPConfig struct {
	Listen         string `yaml:"listen"`
	Hostname       string `yaml:"hostname"`
	Username       string `yaml:"username"`
	Password       string `yaml:"password"`
	MaxMessageSize int64  `yaml:"max_message_size"`
	SpoolDir       string `yaml:"spool_dir"`
}

// GraphConfig holds bootstrap Microsoft 365 credentials. When set they are
// written to the settings store at startup.
type GraphConfig struct {
	TenantID     string `yaml:"tenant_id"`
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	Sender       string `yaml:"sender"`

	// Endpoint overrides, for sovereign clouds.
	AuthorityURL string `yaml:"authority_url"`
	APIURL       string `yaml:"api_url"`
}

// SESConfig holds AWS SES configuration. Static keys are optional; the
// default AWS credential chain is used without them.
type SESConfig struct {
	Region          string `yaml:"region"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

// AdminConfig holds the admin API configuration. The API is disabled
// unless PasswordHash is set.
type AdminConfig struct {
	Listen       string `yaml:"listen"`
	Username     string `yaml:"username"`
	PasswordHash string `yaml:"password_hash"`
	JWTSecret    string `yaml:"jwt_secret"`
}

// StoreConfig locates the settings database.
type StoreConfig struct {
	Path string `yaml:"path"`
}

// TLSConfig holds TLS certificate file paths.
type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// Load loads configuration from environment variables with sensible defaults.
// Environment variables always take precedence.
func Load() (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()
	cfg.applyEnvVars()
	return cfg, nil
}

// LoadFromFile loads configuration from a YAML file as the base layer,
// then overrides with environment variables. Returns an error if the
// specified file path does not exist.
func LoadFromFile(path string) (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Environment variables always override YAML values
	cfg.applyEnvVars()
	cfg.Provider = strings.ToLower(cfg.Provider)

	return cfg, nil
}

// LoadEnvFile adds variables from a .env file to the process environment
// without overriding ones already set. A missing file is not an error.
func LoadEnvFile(path string) error {
	if path == "" {
		path = ".env"
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	return nil
}

// Validate reports settings that cannot work together.
func (c *Config) Validate() error {
	var errs []error

	switch c.Provider {
	case "", ProviderGraph, ProviderStdout:
	case ProviderSES:
		if !c.SESConfigured() {
			errs = append(errs, errors.New("ses provider requires ses.region (SES_REGION)"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown provider %q", c.Provider))
	}

	if c.SMTP.MaxMessageSize <= 0 {
		errs = append(errs, errors.New("smtp.max_message_size must be positive"))
	}
	if (c.TLS.CertFile == "") != (c.TLS.KeyFile == "") {
		errs = append(errs, errors.New("tls.cert_file and tls.key_file must be set together"))
	}
	if c.AdminEnabled() && c.Admin.Username == "" {
		errs = append(errs, errors.New("admin.username is required when admin.password_hash is set"))
	}

	return errors.Join(errs...)
}

// GraphConfigured returns true if the bootstrap app credentials are set.
func (c *Config) GraphConfigured() bool {
	return c.Graph.TenantID != "" &&
		c.Graph.ClientID != "" &&
		c.Graph.ClientSecret != ""
}

// GraphCredentials returns the bootstrap credentials in settings form.
func (c *Config) GraphCredentials() settings.Credentials {
	return settings.Credentials{
		TenantID:     c.Graph.TenantID,
		ClientID:     c.Graph.ClientID,
		ClientSecret: c.Graph.ClientSecret,
		FromEmail:    c.Graph.Sender,
	}
}

// SESConfigured returns true if an SES region is set.
func (c *Config) SESConfigured() bool {
	return c.SES.Region != ""
}

// AuthEnabled returns true if both SMTP username and password are set.
func (c *Config) AuthEnabled() bool {
	return c.SMTP.Username != "" && c.SMTP.Password != ""
}

// AdminEnabled returns true if an admin password hash is configured.
func (c *Config) AdminEnabled() bool {
	return c.Admin.PasswordHash != ""
}

// applyDefaults sets sensible default values for all configuration fields.
func (c *Config) applyDefaults() {
	c.SMTP.Listen = ":2525"
	c.SMTP.Hostname = "localhost"
	c.SMTP.MaxMessageSize = defaultMaxMessageSize
	c.Admin.Listen = "127.0.0.1:8025"
	c.Admin.Username = "admin"
	c.Store.Path = "m365-mailer.db"
	c.Logging.Level = "info"
}

// applyEnvVars overrides configuration with environment variable values.
// Only non-empty environment variables override existing values.
func (c *Config) applyEnvVars() {
	if v := os.Getenv("PROVIDER"); v != "" {
		c.Provider = strings.ToLower(v)
	}

	setString(&c.SMTP.Listen, "SMTP_LISTEN")
	setString(&c.SMTP.Hostname, "SMTP_HOSTNAME")
	setString(&c.SMTP.Username, "SMTP_USERNAME")
	setString(&c.SMTP.Password, "SMTP_PASSWORD")
	setString(&c.SMTP.SpoolDir, "SMTP_SPOOL_DIR")
	if v := os.Getenv("SMTP_MAX_MESSAGE_SIZE"); v != "" {
		if size, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.SMTP.MaxMessageSize = size
		}
	}

	setString(&c.Graph.TenantID, "GRAPH_TENANT_ID")
	setString(&c.Graph.ClientID, "GRAPH_CLIENT_ID")
	setString(&c.Graph.ClientSecret, "GRAPH_CLIENT_SECRET")
	setString(&c.Graph.Sender, "GRAPH_SENDER")
	setString(&c.Graph.AuthorityURL, "GRAPH_AUTHORITY_URL")
	setString(&c.Graph.APIURL, "GRAPH_API_URL")

	setString(&c.SES.Region, "SES_REGION")
	setString(&c.SES.AccessKeyID, "SES_ACCESS_KEY_ID")
	setString(&c.SES.SecretAccessKey, "SES_SECRET_ACCESS_KEY")

	setString(&c.Admin.Listen, "ADMIN_LISTEN")
	setString(&c.Admin.Username, "ADMIN_USERNAME")
	setString(&c.Admin.PasswordHash, "ADMIN_PASSWORD_HASH")
	setString(&c.Admin.JWTSecret, "ADMIN_JWT_SECRET")

	setString(&c.Store.Path, "STORE_PATH")

	setString(&c.TLS.CertFile, "TLS_CERT_FILE")
	setString(&c.TLS.KeyFile, "TLS_KEY_FILE")

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = strings.ToLower(v)
	}
}

func setString(dst *string, env string) {
	if v := os.Getenv(env); v != "" {
		*dst = v
	}
}
