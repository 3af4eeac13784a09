package main

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/handoffd/handoffd/flow"
	"github.com/handoffd/handoffd/internal/api"
	"github.com/handoffd/handoffd/internal/config"
	"github.com/handoffd/handoffd/internal/metrics"
	"github.com/handoffd/handoffd/kv"
	"github.com/handoffd/handoffd/provider/google"
	"github.com/handoffd/handoffd/session"
	"github.com/handoffd/handoffd/token"
	"github.com/handoffd/handoffd/userdb"
)

func main() {
	log := zerolog.New(os.Stderr).With().Timestamp().Logger()

	if err := run(log); err != nil {
		log.Fatal().Err(err).Msg("startup failed")
	}
}

func run(log zerolog.Logger) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rdb, err := openRedis(cfg.RedisURL)
	if err != nil {
		return err
	}
	defer rdb.Close()

	kvStore := kv.NewStore(rdb)
	latency, err := kvStore.Ping(ctx)
	if err != nil {
		return err
	}
	log.Info().Str("addr", cfg.RedisURL).Dur("latency", latency).Msg("connected to ephemeral store")

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := db.PingContext(ctx); err != nil {
		return err
	}

	users := userdb.NewStore(db)
	if err := users.EnsureSchema(ctx); err != nil {
		return err
	}
	log.Info().Msg("connected to user database")

	codec, err := token.NewCodec(cfg.Pepper)
	if err != nil {
		return err
	}

	provider, err := google.New(ctx, google.Config{
		ClientID:     cfg.GoogleClientID,
		ClientSecret: cfg.GoogleClientSecret,
		PublicURL:    cfg.PublicURL,
	}, log)
	if err != nil {
		return err
	}

	sessions := session.NewStore(kvStore, session.DefaultConfig(), log)
	registry := metrics.New()

	svc, err := flow.NewService(sessions, codec, provider, users, log,
		flow.WithMetrics(registry))
	if err != nil {
		return err
	}

	handler := api.NewServer(svc, log,
		api.WithMetricsHandler(registry.Handler())).Router(cfg.AllowedOrigins)

	srv := &http.Server{
		Addr:         cfg.BindAddress,
		Handler:      handler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.BindAddress).Msg("listening")
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// openRedis accepts either a redis:// URL or a bare host:port.
func openRedis(raw string) (*redis.Client, error) {
	if strings.HasPrefix(raw, "redis://") || strings.HasPrefix(raw, "rediss://") {
		opts, err := redis.ParseURL(raw)
		if err != nil {
			return nil, err
		}
		return redis.NewClient(opts), nil
	}
	return redis.NewClient(&redis.Options{Addr: raw}), nil
}
