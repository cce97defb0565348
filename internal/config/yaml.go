package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// YAMLConfig represents the top-level keyhub configuration file. The same
// struct is filled from viper (file + KEYHUB_* env) by the CLI, so every
// field carries both yaml and mapstructure tags.
type YAMLConfig struct {
	Server ServerConfig  `yaml:"server" mapstructure:"server"`
	Store  StoreConfig   `yaml:"store" mapstructure:"store"`
	Auth   AuthConfig    `yaml:"auth" mapstructure:"auth"`
	Keys   KeysConfig    `yaml:"keys" mapstructure:"keys"`
	Audit  AuditConfig   `yaml:"audit" mapstructure:"audit"`
	Log    LoggingConfig `yaml:"log" mapstructure:"log"`
}

// ServerConfig controls the HTTP server behavior.
type ServerConfig struct {
	Host            string     `yaml:"host" mapstructure:"host"`
	Port            int        `yaml:"port" mapstructure:"port" validate:"min=1,max=65535"`
	ShutdownTimeout string     `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout" validate:"duration"`
	CORS            CORSConfig `yaml:"cors" mapstructure:"cors"`
	// LoginRateLimit is the number of login attempts allowed per IP per
	// minute. Zero disables the limiter.
	LoginRateLimit int `yaml:"login_rate_limit" mapstructure:"login_rate_limit" validate:"min=0"`
}

// CORSConfig controls cross-origin resource sharing settings.
type CORSConfig struct {
	Origins []string `yaml:"origins" mapstructure:"origins"`
}

// StoreConfig selects the database.
type StoreConfig struct {
	Driver    string `yaml:"driver" mapstructure:"driver" validate:"oneof=sqlite postgres mysql"`
	DSN       string `yaml:"dsn" mapstructure:"dsn" validate:"required_unless=Driver sqlite"`
	DataDir   string `yaml:"data_dir" mapstructure:"data_dir"`
	OpTimeout string `yaml:"op_timeout" mapstructure:"op_timeout" validate:"duration"`
}

// AuthConfig controls session token issuance.
type AuthConfig struct {
	JWTSecret        string   `yaml:"jwt_secret" mapstructure:"jwt_secret"`
	RefreshSecret    string   `yaml:"refresh_secret" mapstructure:"refresh_secret"`
	Issuer           string   `yaml:"issuer" mapstructure:"issuer" validate:"required"`
	AccessTTL        string   `yaml:"access_ttl" mapstructure:"access_ttl" validate:"duration"`
	RefreshTTL       string   `yaml:"refresh_ttl" mapstructure:"refresh_ttl" validate:"duration"`
	RenewalThreshold string   `yaml:"renewal_threshold" mapstructure:"renewal_threshold" validate:"duration"`
	AdminRoles       []string `yaml:"admin_roles" mapstructure:"admin_roles" validate:"dive,required"`
}

// KeysConfig controls the auth key lifecycle.
type KeysConfig struct {
	// AutoApprove creates keys already approved and active. When false, new
	// keys wait in PENDING until an admin approves them.
	AutoApprove bool `yaml:"auto_approve" mapstructure:"auto_approve"`
}

// AuditConfig controls the audit writer.
type AuditConfig struct {
	Async         bool   `yaml:"async" mapstructure:"async"`
	BufferSize    int    `yaml:"buffer_size" mapstructure:"buffer_size" validate:"min=1"`
	BatchSize     int    `yaml:"batch_size" mapstructure:"batch_size" validate:"min=1"`
	FlushInterval string `yaml:"flush_interval" mapstructure:"flush_interval" validate:"duration"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	Level  string `yaml:"level" mapstructure:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" mapstructure:"format" validate:"oneof=text json"`
}

// LoadYAMLConfig reads and parses a YAML configuration file. Environment
// variables referenced as ${VAR_NAME} in the file are expanded before parsing.
// Fields absent from the file keep their defaults.
func LoadYAMLConfig(path string) (*YAMLConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	content := os.ExpandEnv(string(data))

	cfg := DefaultYAMLConfig()
	if err := yaml.Unmarshal([]byte(content), cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	return cfg, nil
}

// DefaultYAMLConfig returns a YAMLConfig pre-filled with sensible defaults.
func DefaultYAMLConfig() *YAMLConfig {
	return &YAMLConfig{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ShutdownTimeout: "30s",
			CORS: CORSConfig{
				Origins: []string{"*"},
			},
			LoginRateLimit: 30,
		},
		Store: StoreConfig{
			Driver:    DriverSQLite,
			OpTimeout: "5s",
		},
		Auth: AuthConfig{
			Issuer:           "keyhub",
			AccessTTL:        "15m",
			RefreshTTL:       "168h",
			RenewalThreshold: "120s",
			AdminRoles:       []string{"admin", "super_admin"},
		},
		Keys: KeysConfig{
			AutoApprove: true,
		},
		Audit: AuditConfig{
			Async:         true,
			BufferSize:    1000,
			BatchSize:     100,
			FlushInterval: "1s",
		},
		Log: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// WriteDefaultConfig writes the default configuration to a YAML file.
func WriteDefaultConfig(path string) error {
	data, err := yaml.Marshal(DefaultYAMLConfig())
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// Validate checks the configuration using struct tags and returns an error
// listing every offending field.
func (c *YAMLConfig) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := v.RegisterValidation("duration", validateDuration); err != nil {
		return fmt.Errorf("register duration validator: %w", err)
	}

	if err := v.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return err
		}
		msgs := make([]string, 0, len(verrs))
		for _, fe := range verrs {
			msgs = append(msgs, fmt.Sprintf("%s: failed %q (value %v)", fe.Namespace(), fe.Tag(), fe.Value()))
		}
		return fmt.Errorf("invalid configuration: %s", strings.Join(msgs, "; "))
	}
	return nil
}

// validateDuration accepts empty strings (meaning "use default") and
// anything time.ParseDuration accepts.
func validateDuration(fl validator.FieldLevel) bool {
	s := fl.Field().String()
	if s == "" {
		return true
	}
	_, err := time.ParseDuration(s)
	return err == nil
}

// Duration parses a validated duration field, falling back to def when the
// field is empty or unparseable.
func Duration(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return def
	}
	return d
}
