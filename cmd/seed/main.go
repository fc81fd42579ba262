package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/hackgods/consultation-signaling/internal/auth"
	"github.com/hackgods/consultation-signaling/internal/config"
	"github.com/hackgods/consultation-signaling/internal/consultation"
	"github.com/hackgods/consultation-signaling/internal/db"
	"github.com/hackgods/consultation-signaling/internal/logging"
)

const (
	doctorCount  = 25
	patientCount = 2000
	tokensShown  = 3
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		boot := logging.New("prod", "seed")
		boot.Fatal().Err(err).Msg("config load error")
	}
	logger := logging.New(cfg.Env, "seed")

	if cfg.PostgresDSN == "" {
		logger.Fatal().Msg("POSTGRES_DSN is required")
	}

	if err := db.Migrate(cfg.PostgresDSN, logger); err != nil {
		logger.Fatal().Err(err).Msg("migration error")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := db.ConnectPostgres(ctx, cfg.PostgresDSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("connect postgres")
	}
	defer pool.Close()

	faker := gofakeit.New(uint64(time.Now().UnixNano()))
	issuer := auth.NewIssuer(cfg.TokenSecret, cfg.TokenTTL)

	seedCtx := context.Background()
	doctors, err := seedDoctors(seedCtx, pool, faker, doctorCount, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("seed doctors")
	}
	patients, err := seedPatients(seedCtx, pool, faker, patientCount, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("seed patients")
	}

	// print a few ready-to-use tokens for consultctl
	for _, d := range doctors[:min(tokensShown, len(doctors))] {
		if err := printToken(os.Stdout, issuer, consultation.RoleDoctor, d); err != nil {
			logger.Error().Err(err).Msg("print token")
		}
	}
	for _, p := range patients[:min(tokensShown, len(patients))] {
		if err := printToken(os.Stdout, issuer, consultation.RolePatient, p); err != nil {
			logger.Error().Err(err).Msg("print token")
		}
	}

	logger.Info().Int("doctors", len(doctors)).Int("patients", len(patients)).Msg("seed complete")
}

type account struct {
	id   consultation.ID
	name string
}

func printToken(w io.Writer, issuer *auth.Issuer, role consultation.Role, a account) error {
	token, err := issuer.Issue(consultation.Principal{UserID: a.id, Role: role}, a.name)
	if err != nil {
		return fmt.Errorf("issue token for %s %s: %w", role, a.id, err)
	}
	_, err = fmt.Fprintf(w, "%-7s id=%-5s name=%q\n  AUTH_TOKEN=%s\n", role, a.id, a.name, token)
	return err
}

func seedDoctors(ctx context.Context, pool *pgxpool.Pool, faker *gofakeit.Faker, count int, logger zerolog.Logger) ([]account, error) {
	logger.Info().Int("count", count).Msg("seeding doctors")

	tx, err := pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	out := make([]account, 0, count)
	for i := 0; i < count; i++ {
		name := "Dr. " + faker.LastName()
		// roughly one in five doctors is off shift
		available := faker.Number(1, 5) != 1

		var id int64
		err := tx.QueryRow(ctx, `
			INSERT INTO doctors (name, email, available, created_at, updated_at)
			VALUES ($1, $2, $3, now(), now())
			RETURNING id
		`, name, faker.Email(), available).Scan(&id)
		if err != nil {
			return nil, err
		}
		out = append(out, account{id: consultation.IDFromInt64(id), name: name})
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	logger.Info().Msg("doctors seeded")
	return out, nil
}

func seedPatients(ctx context.Context, pool *pgxpool.Pool, faker *gofakeit.Faker, count int, logger zerolog.Logger) ([]account, error) {
	logger.Info().Int("count", count).Msg("seeding patients")

	const batchSize = 500

	out := make([]account, 0, count)
	for offset := 0; offset < count; offset += batchSize {
		end := min(offset+batchSize, count)

		tx, err := pool.Begin(ctx)
		if err != nil {
			return nil, err
		}

		for i := offset; i < end; i++ {
			name := faker.Name()

			var id int64
			err := tx.QueryRow(ctx, `
				INSERT INTO patients (name, email, created_at, updated_at)
				VALUES ($1, $2, now(), now())
				RETURNING id
			`, name, faker.Email()).Scan(&id)
			if err != nil {
				_ = tx.Rollback(ctx)
				return nil, err
			}
			out = append(out, account{id: consultation.IDFromInt64(id), name: name})
		}

		if err := tx.Commit(ctx); err != nil {
			return nil, err
		}

		logger.Info().Int("done", end).Int("total", count).Msg("patients batch committed")
	}

	return out, nil
}
