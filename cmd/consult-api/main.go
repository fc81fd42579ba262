package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/hackgods/consultation-signaling/internal/api"
	"github.com/hackgods/consultation-signaling/internal/auth"
	"github.com/hackgods/consultation-signaling/internal/config"
	"github.com/hackgods/consultation-signaling/internal/consultation"
	"github.com/hackgods/consultation-signaling/internal/db"
	"github.com/hackgods/consultation-signaling/internal/logging"
	"github.com/hackgods/consultation-signaling/internal/push"
	redisclient "github.com/hackgods/consultation-signaling/internal/redis"
)

const version = "0.3.0"

func main() {
	cfg, err := config.Load()
	if err != nil {
		boot := logging.New("prod", "consult-api")
		boot.Fatal().Err(err).Msg("config load error")
	}

	logger := logging.New(cfg.Env, "consult-api")
	logger.Info().
		Str("http_port", cfg.HTTPPort).
		Str("store", cfg.Store).
		Bool("push", cfg.PushEnabled).
		Msg("consult-api starting up")

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	issuer := auth.NewIssuer(cfg.TokenSecret, cfg.TokenTTL)

	var (
		repo   consultation.Repository
		pgPool *pgxpool.Pool
	)
	switch cfg.Store {
	case config.StorePostgres:
		if err := db.Migrate(cfg.PostgresDSN, logger); err != nil {
			logger.Fatal().Err(err).Msg("migration error")
		}

		pgCtx, cancelPg := context.WithTimeout(rootCtx, 10*time.Second)
		pgPool, err = db.ConnectPostgres(pgCtx, cfg.PostgresDSN)
		cancelPg()
		if err != nil {
			logger.Fatal().Err(err).Msg("postgres connection error")
		}
		defer pgPool.Close()
		logger.Info().Msg("connected to Postgres")

		repo = consultation.NewPgRepository(pgPool)
	default:
		mem := consultation.NewMemoryRepository()
		if err := seedMemory(rootCtx, mem, issuer, logger); err != nil {
			logger.Fatal().Err(err).Msg("seed memory store")
		}
		repo = mem
	}

	var (
		rdb    *redis.Client
		locker redisclient.Locker
	)
	if cfg.RedisAddr != "" {
		rdb, err = redisclient.NewRedisClient(rootCtx, cfg.RedisAddr, cfg.RedisUsername, cfg.RedisPassword)
		if err != nil {
			logger.Fatal().Err(err).Msg("redis connection error")
		}
		defer func() {
			if err := rdb.Close(); err != nil {
				logger.Error().Err(err).Msg("error closing redis")
			}
		}()
		logger.Info().Str("addr", cfg.RedisAddr).Msg("connected to Redis")
		locker = redisclient.NewRedisLocker(rdb, cfg.LockTTL, redisclient.WithWait(250*time.Millisecond))
	} else {
		logger.Warn().Msg("REDIS_ADDR not set, using in-process consultation locks")
		locker = redisclient.NewLocalLocker()
	}

	var opts []consultation.ServiceOption
	var hub *push.Hub
	if cfg.PushEnabled {
		hub = push.NewHub(logger)
		opts = append(opts, consultation.WithNotifier(hub))
	}

	svc := consultation.NewService(repo, locker, cfg.PendingTTL, logger, opts...)

	router := api.NewRouter(api.RouterConfig{
		Service:    svc,
		Issuer:     issuer,
		AuthScheme: cfg.AuthScheme,
		Hub:        hub,
		PgPool:     pgPool,
		Redis:      rdb,
		Store:      cfg.Store,
		Env:        cfg.Env,
		Version:    version,
		Logger:     logger,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", srv.Addr).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("http server error")
		}
	}()

	<-rootCtx.Done()
	logger.Info().Msg("shutting down consult-api")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown failed")
		os.Exit(1)
	}
}

// seedMemory gives the in-memory store one doctor and one patient so the
// backend is usable without running cmd/seed. Their tokens are logged.
func seedMemory(ctx context.Context, repo *consultation.MemoryRepository, issuer *auth.Issuer, logger zerolog.Logger) error {
	doc, err := repo.CreateDoctor(ctx, "Dr. Demo", "doctor@example.com", true)
	if err != nil {
		return err
	}
	pat, err := repo.CreatePatient(ctx, "Demo Patient", "patient@example.com")
	if err != nil {
		return err
	}

	doctorToken, err := issuer.Issue(consultation.Principal{UserID: doc.ID, Role: consultation.RoleDoctor}, doc.Name)
	if err != nil {
		return err
	}
	patientToken, err := issuer.Issue(consultation.Principal{UserID: pat.ID, Role: consultation.RolePatient}, pat.Name)
	if err != nil {
		return err
	}

	logger.Info().
		Str("doctor_id", string(doc.ID)).
		Str("doctor_token", doctorToken).
		Str("patient_id", string(pat.ID)).
		Str("patient_token", patientToken).
		Msg("memory store seeded")
	return nil
}
