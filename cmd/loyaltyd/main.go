package main

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/esprobar/loyalty/internal/httpserver"
	"github.com/esprobar/loyalty/internal/odoo"
	"github.com/esprobar/loyalty/internal/outbox"
	"github.com/esprobar/loyalty/internal/store/gormstore"
	"github.com/esprobar/loyalty/pkg/redemption"
	"github.com/glebarez/sqlite"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

const (
	flagDatabaseURL    = "database-url"
	flagListenAddr     = "listen-addr"
	flagJWTSigningKey  = "jwt-signing-key"
	flagJWTIssuer      = "jwt-issuer"
	flagAllowedOrigins = "allowed-origins"
	flagOdooBaseURL    = "odoo-base-url"
	flagOdooAPIKey     = "odoo-api-key"
	flagSyncInterval   = "sync-interval"
	flagSyncMaxRetries = "sync-max-retries"

	configKeyDatabaseURL    = "database_url"
	configKeyListenAddr     = "listen_addr"
	configKeyJWTSigningKey  = "jwt_signing_key"
	configKeyJWTIssuer      = "jwt_issuer"
	configKeyAllowedOrigins = "allowed_origins"
	configKeyOdooBaseURL    = "odoo_base_url"
	configKeyOdooAPIKey     = "odoo_api_key"
	configKeySyncInterval   = "sync_interval"
	configKeySyncMaxRetries = "sync_max_retries"

	defaultDatabaseURL  = "sqlite:///tmp/loyalty.db"
	defaultListenAddr   = ":8080"
	defaultSyncInterval = 5 * time.Second
)

type runtimeConfig struct {
	DatabaseURL    string
	ListenAddr     string
	JWTSigningKey  string
	JWTIssuer      string
	AllowedOrigins string
	OdooBaseURL    string
	OdooAPIKey     string
	SyncInterval   time.Duration
	SyncMaxRetries int
}

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "loyaltyd: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := &runtimeConfig{}
	cmd := &cobra.Command{
		Use:           "loyaltyd",
		Short:         "Espro loyalty redemption engine",
		SilenceUsage:  true,
		SilenceErrors: true,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfig(cmd, cfg)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServer(ctx, cfg)
		},
	}

	cmd.Flags().String(flagDatabaseURL, defaultDatabaseURL, "PostgreSQL or sqlite connection string")
	cmd.Flags().String(flagListenAddr, defaultListenAddr, "HTTP listen address")
	cmd.Flags().String(flagJWTSigningKey, "", "HMAC signing key for session tokens")
	cmd.Flags().String(flagJWTIssuer, "", "expected session token issuer")
	cmd.Flags().String(flagAllowedOrigins, "", "comma-delimited CORS origins")
	cmd.Flags().String(flagOdooBaseURL, "", "ERP ledger base URL (empty disables the sync worker)")
	cmd.Flags().String(flagOdooAPIKey, "", "ERP ledger API key")
	cmd.Flags().Duration(flagSyncInterval, defaultSyncInterval, "outbox poll interval")
	cmd.Flags().Int(flagSyncMaxRetries, 0, "retry budget for balance sync jobs (0 keeps the default)")

	return cmd
}

func loadConfig(cmd *cobra.Command, cfg *runtimeConfig) error {
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	bindings := map[string]string{
		configKeyDatabaseURL:    "DATABASE_URL",
		configKeyListenAddr:     "LISTEN_ADDR",
		configKeyJWTSigningKey:  "JWT_SIGNING_KEY",
		configKeyJWTIssuer:      "JWT_ISSUER",
		configKeyAllowedOrigins: "ALLOWED_ORIGINS",
		configKeyOdooBaseURL:    "ODOO_BASE_URL",
		configKeyOdooAPIKey:     "ODOO_API_KEY",
		configKeySyncInterval:   "SYNC_INTERVAL",
		configKeySyncMaxRetries: "SYNC_MAX_RETRIES",
	}
	for configKey, envName := range bindings {
		if err := viper.BindEnv(configKey, envName); err != nil {
			return err
		}
	}
	flagByKey := map[string]string{
		configKeyDatabaseURL:    flagDatabaseURL,
		configKeyListenAddr:     flagListenAddr,
		configKeyJWTSigningKey:  flagJWTSigningKey,
		configKeyJWTIssuer:      flagJWTIssuer,
		configKeyAllowedOrigins: flagAllowedOrigins,
		configKeyOdooBaseURL:    flagOdooBaseURL,
		configKeyOdooAPIKey:     flagOdooAPIKey,
		configKeySyncInterval:   flagSyncInterval,
		configKeySyncMaxRetries: flagSyncMaxRetries,
	}
	for configKey, flagName := range flagByKey {
		if err := viper.BindPFlag(configKey, cmd.Flags().Lookup(flagName)); err != nil {
			return err
		}
	}

	cfg.DatabaseURL = viper.GetString(configKeyDatabaseURL)
	if cfg.DatabaseURL == "" {
		cfg.DatabaseURL = defaultDatabaseURL
	}
	cfg.ListenAddr = viper.GetString(configKeyListenAddr)
	cfg.JWTSigningKey = viper.GetString(configKeyJWTSigningKey)
	cfg.JWTIssuer = viper.GetString(configKeyJWTIssuer)
	cfg.AllowedOrigins = viper.GetString(configKeyAllowedOrigins)
	cfg.OdooBaseURL = viper.GetString(configKeyOdooBaseURL)
	cfg.OdooAPIKey = viper.GetString(configKeyOdooAPIKey)
	cfg.SyncInterval = viper.GetDuration(configKeySyncInterval)
	cfg.SyncMaxRetries = viper.GetInt(configKeySyncMaxRetries)

	if cfg.JWTSigningKey == "" {
		return fmt.Errorf("jwt signing key is required")
	}
	return nil
}

func runServer(ctx context.Context, cfg *runtimeConfig) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	gormDB, cleanup, driver, err := openDatabase(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("database open: %w", err)
	}
	defer func() { _ = cleanup() }()

	storeOptions := []gormstore.Option{}
	if cfg.SyncMaxRetries > 0 {
		storeOptions = append(storeOptions, gormstore.WithSyncMaxRetries(cfg.SyncMaxRetries))
	}
	store := gormstore.New(gormDB, storeOptions...)
	if driver == "sqlite" {
		if err := store.Migrate(); err != nil {
			return fmt.Errorf("auto migrate: %w", err)
		}
	}

	clock := func() int64 { return time.Now().UTC().Unix() }
	service, err := redemption.NewService(store, clock,
		redemption.WithOperationLogger(operationLogger{logger: logger}),
		redemption.WithContentionGuard(0),
	)
	if err != nil {
		return fmt.Errorf("redemption service init: %w", err)
	}

	serverCfg := httpserver.Config{
		ListenAddr:     cfg.ListenAddr,
		AllowedOrigins: httpserver.ParseAllowedOrigins(cfg.AllowedOrigins),
		JWTSigningKey:  cfg.JWTSigningKey,
		JWTIssuer:      cfg.JWTIssuer,
	}
	if err := serverCfg.Validate(); err != nil {
		return fmt.Errorf("server config: %w", err)
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return httpserver.Run(groupCtx, serverCfg, service, logger)
	})

	if cfg.OdooBaseURL != "" {
		ledgerClient, err := odoo.NewClient(odoo.Config{BaseURL: cfg.OdooBaseURL, APIKey: cfg.OdooAPIKey})
		if err != nil {
			return fmt.Errorf("odoo client init: %w", err)
		}
		workerOptions := []outbox.Option{}
		if cfg.SyncInterval > 0 {
			workerOptions = append(workerOptions, outbox.WithPollInterval(cfg.SyncInterval))
		}
		worker, err := outbox.New(store, ledgerClient, logger, workerOptions...)
		if err != nil {
			return fmt.Errorf("outbox worker init: %w", err)
		}
		group.Go(func() error {
			return worker.Run(groupCtx)
		})
	} else {
		logger.Warn("odoo base url not configured, balance sync worker disabled")
	}

	return group.Wait()
}

// operationLogger bridges domain operation callbacks onto zap.
type operationLogger struct {
	logger *zap.Logger
}

func (adapter operationLogger) LogOperation(ctx context.Context, entry redemption.OperationLog) {
	fields := []zap.Field{
		zap.String("operation", entry.Operation),
		zap.String("status", entry.Status),
		zap.String("user_id", entry.UserID.String()),
		zap.String("reward_id", entry.RewardID.String()),
		zap.Int64("amount_cents", entry.Amount.Int64()),
	}
	if entry.VoucherCode != "" {
		fields = append(fields, zap.String("voucher_code", entry.VoucherCode))
	}
	if entry.Error != nil {
		fields = append(fields, zap.Error(entry.Error))
		adapter.logger.Warn("redemption operation", fields...)
		return
	}
	adapter.logger.Info("redemption operation", fields...)
}

func openDatabase(ctx context.Context, dsn string) (*gorm.DB, func() error, string, error) {
	driver, sqlitePath, err := resolveDriver(dsn)
	if err != nil {
		return nil, nil, "", err
	}

	var db *gorm.DB
	gormCfg := &gorm.Config{}
	switch driver {
	case "postgres":
		db, err = gorm.Open(postgres.Open(dsn), gormCfg)
	case "sqlite":
		db, err = gorm.Open(sqlite.Open(sqlitePath), gormCfg)
	default:
		return nil, nil, "", fmt.Errorf("unsupported database scheme %q", driver)
	}
	if err != nil {
		return nil, nil, "", err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, nil, "", err
	}
	cleanup := func() error { return sqlDB.Close() }
	return db.WithContext(ctx), cleanup, driver, nil
}

func resolveDriver(dsn string) (string, string, error) {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return "postgres", "", nil
	}
	if strings.HasPrefix(dsn, "sqlite://") {
		u, err := url.Parse(dsn)
		if err != nil {
			return "", "", fmt.Errorf("parse sqlite url: %w", err)
		}
		path := u.Path
		if path == "" {
			path = u.Host
		}
		if path == "" || path == "/" {
			path = "loyalty.db"
		}
		sqlitePath, err := normalizeSQLitePath(path)
		return "sqlite", sqlitePath, err
	}
	// Treat everything else as a direct sqlite path.
	sqlitePath, err := normalizeSQLitePath(dsn)
	return "sqlite", sqlitePath, err
}

func normalizeSQLitePath(path string) (string, error) {
	if path == ":memory:" {
		return path, nil
	}
	if strings.HasPrefix(path, "/") {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return "", err
		}
		return path, nil
	}
	abs := filepath.Join(".", path)
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return "", err
	}
	return abs, nil
}
