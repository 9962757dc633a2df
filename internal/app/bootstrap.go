package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"finance-tracker/internal/auth"
	"finance-tracker/internal/db"
	"finance-tracker/internal/entry"
	"finance-tracker/internal/maintenance"
	"finance-tracker/internal/observability"
)

const minJWTSecretBytes = 32

type Options struct {
	LoadDotEnv    bool
	RunMigrations bool
}

type Runtime struct {
	Handler http.Handler
	Sweeper *maintenance.Sweeper
	Logger  *observability.Logger
	Close   func() error
}

// storage is the persistence picked by STORAGE_DRIVER.
type storage struct {
	users   auth.UserStore
	tokens  auth.TokenStore
	entries entry.Store
	ping    func(context.Context) error
	close   func() error
}

func Build(options Options) (*Runtime, error) {
	if options.LoadDotEnv {
		_ = godotenv.Load()
	}

	logger := observability.NewLogger().With(map[string]any{"service": envOrDefault("SERVICE_NAME", "finance-tracker")})

	jwtSecret, err := mustEnv("JWT_SECRET")
	if err != nil {
		return nil, err
	}
	if len(jwtSecret) < minJWTSecretBytes {
		return nil, fmt.Errorf("JWT_SECRET must be at least %d bytes", minJWTSecretBytes)
	}

	if err := observability.InitSentry(os.Getenv("SENTRY_DSN"), envOrDefault("APP_ENV", "development"), os.Getenv("APP_RELEASE")); err != nil {
		logger.Error("init_sentry_failed", map[string]any{"error": err.Error()})
	}

	store, err := openStorage(options, logger)
	if err != nil {
		return nil, err
	}
	closers := []func() error{store.close}
	fail := func(err error) (*Runtime, error) {
		for _, closeFn := range closers {
			_ = closeFn()
		}
		return nil, err
	}

	events := observability.NewEventBuffer(envIntOrDefault("EVENT_BUFFER_SIZE", 256))
	users := auth.NewObservedUserStore(store.users, events)
	tokens := auth.NewObservedTokenStore(store.tokens, events)

	issuer := auth.NewTokenIssuer(
		jwtSecret,
		envMinutesOrDefault("ACCESS_TOKEN_TTL_MINUTES", 15),
		envHoursOrDefault("REFRESH_TOKEN_TTL_HOURS", 168),
	)
	registry := auth.NewTokenRegistry(tokens)
	guard := auth.NewLockoutGuard(
		users,
		envIntOrDefault("LOGIN_MAX_ATTEMPTS", 3),
		envMinutesOrDefault("LOGIN_LOCK_MINUTES", 10),
	)
	verifier := auth.NewTOTPVerifier(envOrDefault("TOTP_ISSUER", "FinanceTracker"))
	authService := auth.NewService(users, registry, issuer, guard, verifier).
		WithNotifier(auth.NewLogNotifier(logger))

	if err := authService.BootstrapAdmin(
		context.Background(),
		os.Getenv("ADMIN_USERNAME"),
		os.Getenv("ADMIN_EMAIL"),
		os.Getenv("ADMIN_PASSWORD"),
	); err != nil {
		return fail(fmt.Errorf("bootstrap admin: %w", err))
	}

	windows, closeWindows, err := openWindowStore(logger)
	if err != nil {
		return fail(err)
	}
	closers = append(closers, closeWindows)

	limitMax := envIntOrDefault("RESET_RATE_LIMIT_MAX", 2)
	limitWindow := envSecondsOrDefault("RESET_RATE_LIMIT_WINDOW_SECONDS", 60)
	forgotLimiter := auth.NewRateLimiter("forgot", windows, limitMax, limitWindow)
	resetLimiter := auth.NewRateLimiter("reset", windows, limitMax, limitWindow)

	sweeper := maintenance.NewSweeper(registry, guard, users, logger.With(map[string]any{"component": "maintenance"}), maintenance.Config{
		SweepInterval: envSecondsOrDefault("SWEEP_INTERVAL_SECONDS", 60),
		PurgeInterval: envHoursOrDefault("USER_PURGE_INTERVAL_HOURS", 24),
		IdleAfter:     envDaysOrDefault("USER_IDLE_DAYS", 30),
	})
	cleanupHandler := maintenance.NewCleanupHandler(sweeper, events, logger, os.Getenv("CRON_SECRET"))

	authHandler := auth.NewHandler(authService)
	entryHandler := entry.NewHandler(store.entries)
	protect := func(fn http.HandlerFunc) http.Handler {
		return auth.Middleware(authService, fn)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /auth/signup", authHandler.Signup)
	mux.HandleFunc("POST /auth/signin", authHandler.Signin)
	mux.HandleFunc("POST /auth/verify-2fa", authHandler.VerifyTwoFactor)
	mux.HandleFunc("POST /auth/refresh", authHandler.Refresh)
	mux.HandleFunc("POST /auth/logout", authHandler.Logout)
	mux.Handle("POST /auth/forgot-password", forgotLimiter.Middleware(http.HandlerFunc(authHandler.ForgotPassword)))
	mux.Handle("POST /auth/reset-password", resetLimiter.Middleware(http.HandlerFunc(authHandler.ResetPassword)))
	mux.Handle("POST /auth/2fa/enable", protect(authHandler.EnableTwoFactor))
	mux.Handle("POST /auth/2fa/disable", protect(authHandler.DisableTwoFactor))
	mux.Handle("GET /auth/me", protect(authHandler.Me))
	mux.Handle("GET /entries", protect(entryHandler.ListEntries))
	mux.Handle("POST /entries", protect(entryHandler.CreateEntry))
	mux.Handle("DELETE /entries/{id}", protect(entryHandler.DeleteEntry))
	mux.HandleFunc("GET /internal/maintenance/cleanup", cleanupHandler.Handle)
	mux.HandleFunc("POST /internal/maintenance/cleanup", cleanupHandler.Handle)
	mux.HandleFunc("GET /internal/maintenance/events", cleanupHandler.Events)
	mux.HandleFunc("GET /health", healthHandler(store.ping))

	handler := observability.RecoverMiddleware(logger, observability.RequestLoggingMiddleware(logger, mux))

	return &Runtime{
		Handler: handler,
		Sweeper: sweeper,
		Logger:  logger,
		Close: func() error {
			observability.FlushSentry()
			var firstErr error
			for _, closeFn := range closers {
				if err := closeFn(); err != nil && firstErr == nil {
					firstErr = err
				}
			}
			return firstErr
		},
	}, nil
}

func openStorage(options Options, logger *observability.Logger) (storage, error) {
	driver := strings.ToLower(envOrDefault("STORAGE_DRIVER", "postgres"))
	switch driver {
	case "memory":
		logger.Warn("memory_storage_enabled", map[string]any{"note": "state is lost on restart"})
		return storage{
			users:   auth.NewMemoryUserStore(),
			tokens:  auth.NewMemoryTokenStore(),
			entries: entry.NewMemoryStore(),
			ping:    func(context.Context) error { return nil },
			close:   func() error { return nil },
		}, nil
	case "postgres":
	default:
		return storage{}, fmt.Errorf("unknown STORAGE_DRIVER: %s", driver)
	}

	databaseURL, err := mustEnv("DATABASE_URL")
	if err != nil {
		return storage{}, err
	}

	database, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return storage{}, fmt.Errorf("open database: %w", err)
	}

	database.SetMaxOpenConns(envIntOrDefault("DB_MAX_OPEN_CONNS", 10))
	database.SetMaxIdleConns(envIntOrDefault("DB_MAX_IDLE_CONNS", 5))
	database.SetConnMaxLifetime(envMinutesOrDefault("DB_CONN_MAX_LIFETIME_MINUTES", 30))
	database.SetConnMaxIdleTime(envMinutesOrDefault("DB_CONN_MAX_IDLE_TIME_MINUTES", 10))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := database.PingContext(ctx); err != nil {
		_ = database.Close()
		return storage{}, fmt.Errorf("ping database: %w", err)
	}

	if options.RunMigrations {
		applied, err := db.RunMigrations(ctx, database)
		if err != nil {
			_ = database.Close()
			return storage{}, fmt.Errorf("run migrations: %w", err)
		}
		if len(applied) > 0 {
			logger.Info("migrations_applied", map[string]any{"versions": applied})
		}
	}

	repo := auth.NewRepository(database)
	return storage{
		users:   repo,
		tokens:  repo,
		entries: entry.NewRepository(database),
		ping:    database.PingContext,
		close:   database.Close,
	}, nil
}

// openWindowStore shares rate-limit windows through Redis when REDIS_URL is
// set, and keeps them in process memory otherwise.
func openWindowStore(logger *observability.Logger) (auth.WindowStore, func() error, error) {
	redisURL := strings.TrimSpace(os.Getenv("REDIS_URL"))
	if redisURL == "" {
		return auth.NewMemoryWindowStore(), func() error { return nil }, nil
	}

	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, nil, fmt.Errorf("parse REDIS_URL: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("ping redis: %w", err)
	}

	logger.Info("redis_rate_limit_enabled", map[string]any{"addr": opts.Addr})
	return auth.NewRedisWindowStore(client), client.Close, nil
}

func healthHandler(ping func(context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		status := http.StatusOK
		body := map[string]any{"status": "ok", "time": time.Now().UTC().Format(time.RFC3339)}
		if err := ping(ctx); err != nil {
			status = http.StatusServiceUnavailable
			body = map[string]any{"status": "degraded", "time": time.Now().UTC().Format(time.RFC3339)}
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(body)
	}
}

func mustEnv(name string) (string, error) {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return "", fmt.Errorf("missing required env: %s", name)
	}
	return value, nil
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func envIntOrDefault(name string, fallback int) int {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil || parsed <= 0 {
		return fallback
	}
	return parsed
}

func envMinutesOrDefault(name string, fallback int) time.Duration {
	return time.Duration(envIntOrDefault(name, fallback)) * time.Minute
}

func envHoursOrDefault(name string, fallback int) time.Duration {
	return time.Duration(envIntOrDefault(name, fallback)) * time.Hour
}

func envDaysOrDefault(name string, fallback int) time.Duration {
	return time.Duration(envIntOrDefault(name, fallback)) * 24 * time.Hour
}

func envSecondsOrDefault(name string, fallback int) time.Duration {
	return time.Duration(envIntOrDefault(name, fallback)) * time.Second
}

func EnvBoolOrDefault(name string, fallback bool) bool {
	value := strings.TrimSpace(strings.ToLower(os.Getenv(name)))
	if value == "" {
		return fallback
	}

	switch value {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}
