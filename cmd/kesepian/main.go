package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"kesepian/internal/admin"
	"kesepian/internal/api"
	"kesepian/internal/config"
	"kesepian/internal/console"
	"kesepian/internal/conversation"
	"kesepian/internal/credstore"
	"kesepian/internal/crypto"
	"kesepian/internal/notice"
	"kesepian/internal/route"
	"kesepian/internal/session"
	"kesepian/internal/storage"
)

func main() {
	// A missing .env is fine; the environment may already be set.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(2)
	}

	setupLogger(cfg.Log.Level, cfg.Log.Format)
	log.Info().
		Str("api", cfg.API.BaseURL).
		Str("credential_backend", cfg.Store.Backend).
		Bool("sealed", cfg.Crypto.Enabled()).
		Msg("starting kesepian")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	kv, closeKV, err := openKV(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open credential storage")
	}
	defer closeKV()

	var sealer credstore.Sealer
	if cfg.Crypto.Enabled() {
		s, err := crypto.NewSealer(cfg.Crypto.CurrentKeyID, cfg.Crypto.Keys)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to initialize token sealer")
		}
		sealer = s
	} else if cfg.Store.Backend != config.BackendMemory {
		log.Warn().Msg("CREDENTIAL_KEY_B64 not set; session token is stored unsealed")
	}

	term := console.New(os.Stdin, os.Stdout, log.Logger, color.NoColor)
	notifier := notice.Multi(term, notice.Log(log.Logger))

	creds := credstore.New(credstore.Config{
		KV:        kv,
		Sealer:    sealer,
		KeyPrefix: cfg.Store.KeyPrefix,
		Logger:    log.Logger,
	})
	router := route.NewRouter(nil)
	client := api.New(api.Config{
		BaseURL:     cfg.API.BaseURL,
		Timeout:     cfg.API.Timeout,
		UserAgent:   cfg.API.UserAgent,
		Credentials: creds,
		Navigator:   router,
		Notifier:    notifier,
		Logger:      log.Logger,
	})
	sessions := session.New(session.Config{
		Gateway:     client,
		Credentials: creds,
		Notifier:    notifier,
		Logger:      log.Logger,
	})
	router.SetState(sessions)
	client.OnUnauthorized(sessions.Expire)

	chat := conversation.New(conversation.Config{
		Gateway:   client,
		Navigator: router,
		Notifier:  notifier,
		Confirmer: term,
		Logger:    log.Logger,
	})
	channel := admin.New(admin.Config{
		Gateway:      client,
		Identity:     sessions,
		Navigator:    router,
		Notifier:     notifier,
		Confirmer:    term,
		OwnerEmail:   cfg.Admin.OwnerEmail,
		CheckTimeout: cfg.Admin.CheckTimeout,
		Logger:       log.Logger,
	})
	affordance := admin.NewAffordance(client, cfg.Admin.CheckTimeout, log.Logger)
	sessions.OnChange(affordance.Listen(ctx))
	term.Bind(console.Deps{
		Session:    sessions,
		Router:     router,
		Chat:       chat,
		Admin:      channel,
		Affordance: affordance,
	})

	var metricsServer *http.Server
	if cfg.Metrics.Addr != "" {
		mux := http.NewServeMux()
		mux.Handle(cfg.Metrics.Path, promhttp.Handler())
		metricsServer = &http.Server{
			Addr:              cfg.Metrics.Addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			log.Info().Str("addr", cfg.Metrics.Addr).Msg("metrics server started")
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error().Err(err).Msg("metrics server failed")
			}
		}()
	}

	if err := sessions.Initialize(ctx); err != nil {
		log.Error().Err(err).Msg("failed to restore session")
	}

	if err := term.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Msg("console stopped")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if metricsServer != nil {
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("failed to stop metrics server")
		}
	}
	sessions.Wait()
	affordance.Wait()

	log.Info().Msg("stopped")
}

// openKV builds the key-value backend for the credential store.
func openKV(ctx context.Context, cfg *config.Config) (credstore.KV, func(), error) {
	switch cfg.Store.Backend {
	case config.BackendMemory:
		return credstore.NewMemoryKV(), func() {}, nil
	case config.BackendRedis:
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			_ = rdb.Close()
			return nil, nil, fmt.Errorf("connect redis: %w", err)
		}
		return credstore.NewRedisKV(rdb), func() { _ = rdb.Close() }, nil
	default:
		store, err := storage.Open(ctx, cfg.Store.Backend, cfg.Store.DSN, cfg.Store.AutoMigrate)
		if err != nil {
			return nil, nil, err
		}
		return credstore.NewSQLKV(store), func() { _ = store.Close() }, nil
	}
}

// setupLogger writes to stderr so log lines never interleave with the
// console's own output on stdout.
func setupLogger(level, format string) {
	zerolog.TimeFieldFormat = time.RFC3339
	zerolog.SetGlobalLevel(parseLogLevel(level))
	if format == config.LogFormatJSON {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
		return
	}
	log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).With().Timestamp().Logger()
}

func parseLogLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "error":
		return zerolog.ErrorLevel
	case "disabled", "off":
		return zerolog.Disabled
	default:
		return zerolog.WarnLevel
	}
}
