package cli

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/faucetdb/keyhub/internal/config"
)

var (
	cfgFile    string
	appVersion string // set in Execute, reported by serve and the OpenAPI document

	// configErr holds a failure to read an explicitly named config file.
	// Commands report it from loadConfig.
	configErr error

	registerInit sync.Once
)

// Execute creates the root command tree and runs it.
func Execute(version, commit, date string) error {
	appVersion = version
	rootCmd := newRootCmd(version, commit, date)
	return rootCmd.Execute()
}

func newRootCmd(version, commit, date string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keyhub",
		Short: "Session authentication and OpenAPI auth key management",
		Long: `keyhub authenticates users and administrators with short-lived session
tokens and manages the long-lived auth keys that gate the external OpenAPI.

Keys move through PENDING, ACTIVE, EXPIRED, REJECTED and REVOKED; every
mutation and login attempt is written to an append-only audit trail.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./keyhub.yaml)")
	cmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "data directory for the SQLite store (default: ~/.keyhub)")

	registerInit.Do(func() { cobra.OnInitialize(initConfig) })

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newVersionCmd(version, commit, date))
	cmd.AddCommand(newAccountCmd())
	cmd.AddCommand(newKeyCmd())
	cmd.AddCommand(newAuditCmd())
	cmd.AddCommand(newOpenAPICmd())
	cmd.AddCommand(newConfigCmd())

	return cmd
}

// initConfig layers the built-in defaults, the optional config file and
// KEYHUB_* environment variables. Nested keys map to env names with dots
// replaced by underscores, e.g. KEYHUB_AUTH_JWT_SECRET.
func initConfig() {
	configErr = nil
	viper.Reset()
	viper.SetConfigType("yaml")

	defaults, err := yaml.Marshal(config.DefaultYAMLConfig())
	if err == nil {
		err = viper.ReadConfig(bytes.NewReader(defaults))
	}
	if err != nil {
		configErr = fmt.Errorf("load default config: %w", err)
		return
	}

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("keyhub")
		viper.AddConfigPath(".")
		viper.AddConfigPath("$HOME/.keyhub")
	}

	viper.SetEnvPrefix("KEYHUB")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.MergeInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &notFound) {
			configErr = fmt.Errorf("read config: %w", err)
		}
	}
}

// loadConfig returns the effective, validated configuration.
func loadConfig() (*config.YAMLConfig, error) {
	if configErr != nil {
		return nil, configErr
	}
	cfg := config.DefaultYAMLConfig()
	if err := viper.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if dataDir != "" || (cfg.Store.Driver == config.DriverSQLite && cfg.Store.DataDir == "" && cfg.Store.DSN == "") {
		cfg.Store.DataDir = resolveDataDir()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
