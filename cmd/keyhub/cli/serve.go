package cli

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/faucetdb/keyhub/internal/config"
	"github.com/faucetdb/keyhub/internal/metrics"
	"github.com/faucetdb/keyhub/internal/server"
	"github.com/faucetdb/keyhub/internal/service"
	"github.com/faucetdb/keyhub/internal/token"
)

const banner = `
 _              _           _
| | _____ _   _| |__  _   _| |__
| |/ / _ \ | | | '_ \| | | | '_ \
|   <  __/ |_| | | | | |_| | |_) |
|_|\_\___|\__, |_| |_|\__,_|_.__/
          |___/
`

func newServeCmd() *cobra.Command {
	var dev bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the keyhub API server",
		Long:  "Start the HTTP server for session login, auth key management and the key-gated OpenAPI.",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			if err := viper.BindPFlag("server.port", cmd.Flags().Lookup("port")); err != nil {
				return err
			}
			return viper.BindPFlag("server.host", cmd.Flags().Lookup("host"))
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(dev)
		},
	}

	cmd.Flags().IntP("port", "p", 8080, "HTTP listen port")
	cmd.Flags().String("host", "0.0.0.0", "HTTP listen host")
	cmd.Flags().BoolVar(&dev, "dev", false, "Enable development mode (debug logging)")

	return cmd
}

func runServe(dev bool) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if dev {
		cfg.Log.Level = "debug"
	}

	fmt.Print(banner)
	fmt.Println()

	logger := newLogger(cfg.Log, os.Stderr)

	// 1. Store
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()
	logger.Info("store initialized", "driver", store.Driver(), "data_dir", cfg.Store.DataDir)

	// 2. Metrics
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	// 3. Token codecs
	accessSecret := cfg.Auth.JWTSecret
	if accessSecret == "" {
		accessSecret = ephemeralSecret()
		logger.Warn("no jwt_secret configured, using an ephemeral one; sessions will not survive a restart")
	}
	refreshSecret := cfg.Auth.RefreshSecret
	if refreshSecret == "" {
		refreshSecret = ephemeralSecret()
		logger.Warn("no refresh_secret configured, using an ephemeral one")
	}
	if refreshSecret == accessSecret {
		return fmt.Errorf("auth.refresh_secret must differ from auth.jwt_secret")
	}
	access := token.NewCodec(accessSecret, cfg.Auth.Issuer, config.Duration(cfg.Auth.AccessTTL, 15*time.Minute))
	refresh := token.NewCodec(refreshSecret, cfg.Auth.Issuer+"/refresh", config.Duration(cfg.Auth.RefreshTTL, 7*24*time.Hour))

	// 4. Services
	audit := service.NewAuditTrail(store, logger,
		service.WithAuditBuffer(cfg.Audit.BufferSize),
		service.WithAuditBatch(cfg.Audit.BatchSize, config.Duration(cfg.Audit.FlushInterval, time.Second)),
		service.WithAuditMetrics(m),
	)
	if cfg.Audit.Async {
		audit.Start()
		defer audit.Stop()
	}
	keys := service.NewAuthKeyService(store, audit, logger,
		service.WithAutoApprove(cfg.Keys.AutoApprove),
		service.WithOpTimeout(config.Duration(cfg.Store.OpTimeout, 5*time.Second)),
		service.WithKeyMetrics(m),
	)
	guard := service.NewSessionGuard(access, audit,
		config.Duration(cfg.Auth.RenewalThreshold, 2*time.Minute), logger,
		service.WithGuardMetrics(m),
	)
	auth := service.NewAuthService(store, access, refresh, audit, logger)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	hasAdmin, err := store.HasAnyAdmin(ctx)
	cancel()
	if err != nil {
		logger.Warn("could not check for admin accounts", "error", err)
	} else if !hasAdmin {
		logger.Warn("no admin account exists; create one with 'keyhub account create --kind admin'")
	}

	// 5. HTTP server
	srvCfg := server.DefaultConfig()
	srvCfg.Host = cfg.Server.Host
	srvCfg.Port = cfg.Server.Port
	srvCfg.ShutdownTimeout = config.Duration(cfg.Server.ShutdownTimeout, 30*time.Second)
	srvCfg.CORSOrigins = cfg.Server.CORS.Origins
	srvCfg.AdminRoles = cfg.Auth.AdminRoles
	srvCfg.LoginRateLimit = cfg.Server.LoginRateLimit
	srvCfg.BaseURL = fmt.Sprintf("http://localhost:%d", cfg.Server.Port)
	srvCfg.Version = versionString()

	srv := server.New(srvCfg, server.Deps{
		Store:    store,
		Auth:     auth,
		Keys:     keys,
		Guard:    guard,
		Audit:    audit,
		Metrics:  m,
		Gatherer: reg,
	}, logger)

	fmt.Printf("  keyhub %s\n", versionString())
	fmt.Printf("  API:      http://%s:%d/api/v1\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Printf("  OpenAPI:  http://%s:%d/openapi/v1\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Printf("  Docs:     http://%s:%d/openapi.json\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Printf("  Metrics:  http://%s:%d/metrics\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Println()

	return srv.ListenAndServe()
}
