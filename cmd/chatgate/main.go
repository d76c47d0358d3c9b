package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"chatgate/internal/config"
	"chatgate/internal/crypto"
	"chatgate/internal/gate"
	"chatgate/internal/httpapi"
	"chatgate/internal/metrics"
	"chatgate/internal/proxy"
	"chatgate/internal/session"
	"chatgate/internal/storage"
	"chatgate/internal/vault"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	setupLogger(cfg.Log.Level)
	log.Info().
		Str("session_backend", cfg.Session.Backend).
		Str("vault_backend", cfg.Vault.Backend).
		Str("proxy_mode", cfg.Proxy.Mode).
		Msg("starting chatgate")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	m := metrics.Global()
	var checks []func(context.Context) error

	var sessionStore session.Store
	switch cfg.Session.Backend {
	case config.BackendRedis:
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Fatal().Err(err).Msg("failed to connect redis")
		}
		defer rdb.Close()
		sessionStore = session.NewRedisStore(rdb)
		checks = append(checks, func(ctx context.Context) error { return rdb.Ping(ctx).Err() })
	default:
		sessionStore = session.NewMemoryStore()
	}
	sessions, err := session.NewManager(sessionStore, cfg.Session.Secret, cfg.Session.TTL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize sessions")
	}

	var keyring *crypto.Keyring
	if len(cfg.Crypto.Keys) > 0 {
		keyring, err = crypto.NewKeyring(cfg.Crypto.CurrentKeyID, cfg.Crypto.Keys)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to initialize keyring")
		}
	}

	var (
		vaultStore vault.Store
		auditor    vault.Auditor
	)
	switch cfg.Vault.Backend {
	case config.BackendSQL:
		db, err := storage.Open(ctx, cfg.DB.Driver, cfg.DB.DSN, cfg.DB.AutoMigrate)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to initialize storage")
		}
		defer db.Close()
		vaultStore, err = storage.NewVaultStore(db, keyring)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to initialize sql vault")
		}
		auditor = db
		checks = append(checks, db.Ping)
	case config.BackendPebble:
		ps, err := vault.OpenPebble(cfg.Vault.PebbleDir, keyring)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to open pebble vault")
		}
		vaultStore = ps
	default:
		vaultStore = vault.NewMemoryStore()
	}
	defer vaultStore.Close()

	vaultService, err := vault.NewService(vault.Config{
		Store:   vaultStore,
		Auditor: auditor,
		Logger:  log.Logger.With().Str("component", "vault").Logger(),
		Metrics: m,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize vault")
	}

	seeds, err := vault.LoadSeeds(cfg.Vault.SeedFile, cfg.Vault.SeedJSON)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load vault seeds")
	}
	seeded, err := vault.Seed(ctx, vaultStore, seeds)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to seed vault")
	}
	log.Info().Int("seeded", seeded).Int("available", len(seeds)).Msg("vault ready")
	if cfg.Durable() {
		n, err := vaultService.Reseal(ctx)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to reseal vault secrets")
		}
		log.Info().Int("resealed", n).Str("key_id", keyring.CurrentKeyID()).Msg("vault secrets use current key")
	}

	proxyService, err := proxy.New(proxy.Config{
		Mode:         cfg.Proxy.Mode,
		Vault:        vaultService,
		HTTPClient:   &http.Client{Timeout: cfg.Proxy.ClientTimeout},
		MaxRetries:   cfg.Proxy.MaxRetries,
		BackoffBase:  cfg.Proxy.BackoffBase,
		Logger:       log.Logger.With().Str("component", "proxy").Logger(),
		Metrics:      m,
		GoogleSearch: cfg.Proxy.GoogleSearch,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize proxy")
	}

	clientGate, err := gate.NewAllowList(cfg.Auth.ClientPasswords)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load client passwords")
	}
	ownerGate, err := gate.NewAllowList(cfg.Auth.OwnerPasswords)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load owner password")
	}

	api, err := httpapi.New(httpapi.Config{
		Sessions:     sessions,
		ClientGate:   clientGate,
		OwnerGate:    ownerGate,
		Vault:        vaultService,
		Proxy:        proxyService,
		Auditor:      auditor,
		CookieSecure: cfg.Session.CookieSecure,
		CORSOrigins:  cfg.HTTP.CORSOrigins,
		HealthPath:   cfg.HTTP.HealthPath,
		MetricsPath:  cfg.HTTP.MetricsPath,
		Ready: func(ctx context.Context) error {
			for _, check := range checks {
				if err := check(ctx); err != nil {
					return err
				}
			}
			return nil
		},
		Logger:  log.Logger.With().Str("component", "http").Logger(),
		Metrics: m,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize http api")
	}

	errCh := make(chan error, 1)
	httpServer := &http.Server{
		Addr:              cfg.HTTP.ListenAddr,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       cfg.HTTP.ReadTimeout,
	}
	go func() {
		log.Info().Str("addr", cfg.HTTP.ListenAddr).Msg("http server started")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		log.Error().Err(err).Msg("runtime error")
		cancel()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("failed to stop http server")
	}

	log.Info().Msg("stopped")
}

func setupLogger(level string) {
	zerolog.TimeFieldFormat = time.RFC3339
	zerolog.SetGlobalLevel(parseLogLevel(level))
	log.Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func parseLogLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}
