package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/faucetdb/keyhub/internal/config"
	"github.com/faucetdb/keyhub/internal/model"
	"github.com/faucetdb/keyhub/internal/service"
)

// dataDir holds the --data-dir persistent flag value (set on root command).
var dataDir string

// resolveDataDir returns the data directory from --data-dir flag,
// KEYHUB_DATA_DIR env var, or ~/.keyhub as fallback.
func resolveDataDir() string {
	if dataDir != "" {
		return dataDir
	}
	if envDir := os.Getenv("KEYHUB_DATA_DIR"); envDir != "" {
		return envDir
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".keyhub")
}

// openStore opens the configured store.
func openStore(cfg *config.YAMLConfig) (*config.Store, error) {
	store, err := config.OpenStore(config.StoreOptions{
		Driver:  cfg.Store.Driver,
		DSN:     cfg.Store.DSN,
		DataDir: cfg.Store.DataDir,
	})
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	return store, nil
}

// newLogger builds the process logger from the log section.
func newLogger(cfg config.LoggingConfig, w io.Writer) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// keyTools bundles what the offline key and audit commands need. The audit
// trail is left synchronous so every record is written before exit.
type keyTools struct {
	store *config.Store
	audit *service.AuditTrail
	keys  *service.AuthKeyService
}

func openKeyTools(cfg *config.YAMLConfig) (*keyTools, error) {
	store, err := openStore(cfg)
	if err != nil {
		return nil, err
	}
	logger := newLogger(cfg.Log, os.Stderr)
	audit := service.NewAuditTrail(store, logger)
	keys := service.NewAuthKeyService(store, audit, logger,
		service.WithAutoApprove(cfg.Keys.AutoApprove),
		service.WithOpTimeout(config.Duration(cfg.Store.OpTimeout, 5*time.Second)),
	)
	return &keyTools{store: store, audit: audit, keys: keys}, nil
}

func (t *keyTools) Close() error {
	return t.store.Close()
}

// cliActor is the administrator recorded for changes made from the command
// line. With --as it is the named admin account; otherwise the system
// actor with ID 0.
func (t *keyTools) cliActor(ctx context.Context, login string) (service.Actor, error) {
	actor := service.Actor{
		Principal: model.Principal{ID: 0, Kind: model.KindAdmin, Role: "system"},
		IP:        "local",
		UserAgent: "keyhub-cli/" + versionString(),
	}
	if login == "" {
		return actor, nil
	}
	acct, err := t.store.GetAccountByLogin(ctx, model.KindAdmin, login)
	if err != nil {
		return actor, fmt.Errorf("admin %q: %w", login, err)
	}
	actor.Principal = acct.Principal()
	return actor, nil
}

// ephemeralSecret returns a random signing secret for runs without a
// configured one. Tokens signed with it do not survive a restart.
func ephemeralSecret() string {
	return strings.ReplaceAll(uuid.NewString()+uuid.NewString(), "-", "")
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func formatDate(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.UTC().Format(model.DateOnly)
}

// versionString returns a display version string.
func versionString() string {
	if appVersion == "" || appVersion == "dev" {
		return "dev"
	}
	if strings.HasPrefix(appVersion, "v") {
		return appVersion
	}
	return "v" + appVersion
}
