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

	"github.com/MarkoPoloResearchLab/raffle/internal/httpserver"
	"github.com/MarkoPoloResearchLab/raffle/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/raffle/internal/store/pgstore"
	"github.com/MarkoPoloResearchLab/raffle/pkg/raffle"
	"github.com/glebarez/sqlite"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

const (
	flagDatabaseURL       = "database-url"
	flagListenAddr        = "listen-addr"
	flagStoreBackend      = "store"
	flagTotalTickets      = "total-tickets"
	flagReservationTTL    = "reservation-ttl"
	flagSweepInterval     = "sweep-interval"
	flagTicketPriceCents  = "ticket-price-cents"
	flagAllowedOrigins    = "allowed-origins"
	flagSessionSigningKey = "session-signing-key"
	flagSessionIssuer     = "session-issuer"
	flagSessionCookieName = "session-cookie-name"
	flagAdminEmails       = "admin-emails"

	configKeyDatabaseURL       = "database_url"
	configKeyListenAddr        = "listen_addr"
	configKeyStoreBackend      = "store_backend"
	configKeyTotalTickets      = "total_tickets"
	configKeyReservationTTL    = "reservation_ttl"
	configKeySweepInterval     = "sweep_interval"
	configKeyTicketPriceCents  = "ticket_price_cents"
	configKeyAllowedOrigins    = "allowed_origins"
	configKeySessionSigningKey = "session_signing_key"
	configKeySessionIssuer     = "session_issuer"
	configKeySessionCookieName = "session_cookie_name"
	configKeyAdminEmails       = "admin_emails"

	backendGorm = "gorm"
	backendPgx  = "pgx"

	defaultDatabaseURL    = "sqlite:///tmp/raffle.db"
	defaultListenAddr     = ":9090"
	defaultTotalTickets   = 1000
	defaultReservationTTL = 12 * time.Hour
	defaultSweepInterval  = time.Hour
	defaultPriceCents     = 1000
)

type runtimeConfig struct {
	DatabaseURL       string
	ListenAddr        string
	StoreBackend      string
	TotalTickets      int
	ReservationTTL    time.Duration
	SweepInterval     time.Duration
	TicketPriceCents  int64
	AllowedOrigins    string
	SessionSigningKey string
	SessionIssuer     string
	SessionCookieName string
	AdminEmails       string
}

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "raffled: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := &runtimeConfig{}
	cmd := &cobra.Command{
		Use:           "raffled",
		Short:         "Raffle ticket sales server",
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

	cmd.Flags().String(flagDatabaseURL, defaultDatabaseURL, "database connection string")
	cmd.Flags().String(flagListenAddr, defaultListenAddr, "HTTP listen address")
	cmd.Flags().String(flagStoreBackend, backendGorm, "storage backend: gorm or pgx")
	cmd.Flags().Int(flagTotalTickets, defaultTotalTickets, "number of raffle tickets")
	cmd.Flags().Duration(flagReservationTTL, defaultReservationTTL, "how long a reservation may stay pending")
	cmd.Flags().Duration(flagSweepInterval, defaultSweepInterval, "how often expired reservations are reclaimed")
	cmd.Flags().Int64(flagTicketPriceCents, defaultPriceCents, "price of one ticket in cents")
	cmd.Flags().String(flagAllowedOrigins, "", "comma separated CORS origins")
	cmd.Flags().String(flagSessionSigningKey, "", "session JWT signing key")
	cmd.Flags().String(flagSessionIssuer, "", "session JWT issuer")
	cmd.Flags().String(flagSessionCookieName, "", "session cookie name")
	cmd.Flags().String(flagAdminEmails, "", "comma separated admin email allowlist")

	return cmd
}

func loadConfig(cmd *cobra.Command, cfg *runtimeConfig) error {
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	bindings := map[string]struct {
		env  string
		flag string
	}{
		configKeyDatabaseURL:       {env: "DATABASE_URL", flag: flagDatabaseURL},
		configKeyListenAddr:        {env: "LISTEN_ADDR", flag: flagListenAddr},
		configKeyStoreBackend:      {env: "STORE_BACKEND", flag: flagStoreBackend},
		configKeyTotalTickets:      {env: "TOTAL_TICKETS", flag: flagTotalTickets},
		configKeyReservationTTL:    {env: "RESERVATION_TTL", flag: flagReservationTTL},
		configKeySweepInterval:     {env: "SWEEP_INTERVAL", flag: flagSweepInterval},
		configKeyTicketPriceCents:  {env: "TICKET_PRICE_CENTS", flag: flagTicketPriceCents},
		configKeyAllowedOrigins:    {env: "ALLOWED_ORIGINS", flag: flagAllowedOrigins},
		configKeySessionSigningKey: {env: "SESSION_SIGNING_KEY", flag: flagSessionSigningKey},
		configKeySessionIssuer:     {env: "SESSION_ISSUER", flag: flagSessionIssuer},
		configKeySessionCookieName: {env: "SESSION_COOKIE_NAME", flag: flagSessionCookieName},
		configKeyAdminEmails:       {env: "ADMIN_EMAILS", flag: flagAdminEmails},
	}
	for key, binding := range bindings {
		if err := viper.BindEnv(key, binding.env); err != nil {
			return err
		}
		if err := viper.BindPFlag(key, cmd.Flags().Lookup(binding.flag)); err != nil {
			return err
		}
	}

	cfg.DatabaseURL = viper.GetString(configKeyDatabaseURL)
	cfg.ListenAddr = viper.GetString(configKeyListenAddr)
	cfg.StoreBackend = viper.GetString(configKeyStoreBackend)
	cfg.TotalTickets = viper.GetInt(configKeyTotalTickets)
	cfg.ReservationTTL = viper.GetDuration(configKeyReservationTTL)
	cfg.SweepInterval = viper.GetDuration(configKeySweepInterval)
	cfg.TicketPriceCents = viper.GetInt64(configKeyTicketPriceCents)
	cfg.AllowedOrigins = viper.GetString(configKeyAllowedOrigins)
	cfg.SessionSigningKey = viper.GetString(configKeySessionSigningKey)
	cfg.SessionIssuer = viper.GetString(configKeySessionIssuer)
	cfg.SessionCookieName = viper.GetString(configKeySessionCookieName)
	cfg.AdminEmails = viper.GetString(configKeyAdminEmails)

	if cfg.DatabaseURL == "" {
		cfg.DatabaseURL = defaultDatabaseURL
	}
	if cfg.TotalTickets <= 0 {
		cfg.TotalTickets = defaultTotalTickets
	}
	if cfg.ReservationTTL <= 0 {
		cfg.ReservationTTL = defaultReservationTTL
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = defaultSweepInterval
	}
	if cfg.TicketPriceCents <= 0 {
		cfg.TicketPriceCents = defaultPriceCents
	}
	if cfg.StoreBackend != backendGorm && cfg.StoreBackend != backendPgx {
		return fmt.Errorf("unsupported store backend %q", cfg.StoreBackend)
	}
	if cfg.StoreBackend == backendPgx && !strings.HasPrefix(cfg.DatabaseURL, "postgres") {
		return fmt.Errorf("pgx backend requires a postgres database url")
	}
	if cfg.SessionSigningKey == "" {
		return fmt.Errorf("session signing key is required")
	}
	return nil
}

func runServer(ctx context.Context, cfg *runtimeConfig) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	numbering, err := raffle.NewNumbering(cfg.TotalTickets)
	if err != nil {
		return fmt.Errorf("numbering: %w", err)
	}

	store, cleanup, err := openStore(ctx, cfg, numbering)
	if err != nil {
		return fmt.Errorf("store open: %w", err)
	}
	defer cleanup()

	clock := func() int64 { return time.Now().UTC().Unix() }
	operationLogger := &zapOperationLogger{logger: logger}

	service, err := raffle.NewService(store, numbering, clock, raffle.WithOperationLogger(operationLogger))
	if err != nil {
		return fmt.Errorf("raffle service init: %w", err)
	}
	seeded, err := service.Initialize(ctx)
	if err != nil {
		return fmt.Errorf("ticket seed: %w", err)
	}
	if seeded > 0 {
		logger.Info("ticket key space seeded", zap.Int("tickets", seeded))
	}

	reclaimer, err := raffle.NewReclaimer(store, cfg.ReservationTTL, clock, raffle.WithReclaimerLogger(operationLogger))
	if err != nil {
		return fmt.Errorf("reclaimer init: %w", err)
	}
	go func() {
		if runErr := reclaimer.Run(ctx, cfg.SweepInterval); runErr != nil && ctx.Err() == nil {
			logger.Error("reclaimer stopped", zap.Error(runErr))
		}
	}()

	serverConfig := httpserver.Config{
		ListenAddr:        cfg.ListenAddr,
		AllowedOrigins:    httpserver.ParseList(cfg.AllowedOrigins),
		SessionSigningKey: cfg.SessionSigningKey,
		SessionIssuer:     cfg.SessionIssuer,
		SessionCookieName: cfg.SessionCookieName,
		AdminEmails:       httpserver.ParseList(cfg.AdminEmails),
		TicketPriceCents:  cfg.TicketPriceCents,
	}
	if err := serverConfig.Validate(); err != nil {
		return fmt.Errorf("server config: %w", err)
	}
	return httpserver.Run(ctx, serverConfig, service)
}

func openStore(ctx context.Context, cfg *runtimeConfig, numbering raffle.Numbering) (raffle.Store, func() error, error) {
	if cfg.StoreBackend == backendPgx {
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		store := pgstore.New(pool, numbering)
		if err := store.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, nil, err
		}
		cleanup := func() error {
			pool.Close()
			return nil
		}
		return store, cleanup, nil
	}

	gormDB, cleanup, err := openDatabase(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}
	store := gormstore.New(gormDB, numbering)
	if err := store.Migrate(); err != nil {
		_ = cleanup()
		return nil, nil, fmt.Errorf("auto migrate: %w", err)
	}
	return store, cleanup, nil
}

func openDatabase(ctx context.Context, dsn string) (*gorm.DB, func() error, error) {
	driver, sqlitePath, err := resolveDriver(dsn)
	if err != nil {
		return nil, nil, err
	}

	var db *gorm.DB
	switch driver {
	case "postgres":
		db, err = gorm.Open(postgres.Open(dsn), &gorm.Config{})
	case "sqlite":
		db, err = gorm.Open(sqlite.Open(sqlitePath), &gorm.Config{})
	default:
		return nil, nil, fmt.Errorf("unsupported database scheme %q", driver)
	}
	if err != nil {
		return nil, nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, nil, err
	}
	cleanup := func() error { return sqlDB.Close() }
	return db.WithContext(ctx), cleanup, nil
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
			path = "raffle.db"
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

// zapOperationLogger bridges domain operation callbacks onto structured logs.
type zapOperationLogger struct {
	logger *zap.Logger
}

func (adapter *zapOperationLogger) LogOperation(_ context.Context, entry raffle.OperationLog) {
	fields := []zap.Field{
		zap.String("operation", entry.Operation),
		zap.String("status", entry.Status),
		zap.Strings("numbers", entry.Numbers),
	}
	if entry.UserID.String() != "" {
		fields = append(fields, zap.String("user_id", entry.UserID.String()))
	}
	if entry.Error != nil {
		fields = append(fields, zap.Error(entry.Error))
		adapter.logger.Warn("raffle operation failed", fields...)
		return
	}
	adapter.logger.Info("raffle operation", fields...)
}
