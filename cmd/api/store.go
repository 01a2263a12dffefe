package main

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/riverqueue/river/rivermigrate"
	"github.com/sirupsen/logrus"

	"github.com/inaiurai/idleclaim/internal/config"
	"github.com/inaiurai/idleclaim/internal/models"
	"github.com/inaiurai/idleclaim/internal/notify"
	"github.com/inaiurai/idleclaim/internal/repository"
)

// accountStore is everything the server needs from a store.
type accountStore interface {
	GetAccount(ctx context.Context, id uuid.UUID) (*models.Account, error)
	GetByEmail(ctx context.Context, email string) (*models.Account, error)
	CreateAccount(ctx context.Context, a *models.Account) error
	ApplyClaim(ctx context.Context, w repository.ClaimWrite) (int64, error)
	ListLedger(ctx context.Context, accountID uuid.UUID, limit int) ([]*models.CreditLedger, error)
}

// openStore builds the configured store. The returned func releases it.
func openStore(ctx context.Context, cfg *config.Config, log *logrus.Logger) (accountStore, func(), error) {
	opts := repository.SchemaOptions{AutoRepair: cfg.SchemaAutoRepair, Logger: log.WithField("component", "schema")}
	if !cfg.SchemaAutoRepair {
		log.Warn("automatic schema repair disabled; drift will fail requests")
	}

	if cfg.StoreDriver == config.DriverSQLite {
		s, err := repository.OpenSQLite(cfg.SQLitePath, opts)
		if err != nil {
			return nil, nil, err
		}
		if cfg.ClaimWebhookURL != "" {
			log.Warn("CLAIM_WEBHOOK_URL is ignored by the sqlite store")
		}
		log.WithField("path", cfg.SQLitePath).Info("using sqlite store")
		return s, func() { s.Close() }, nil
	}
	return openPostgres(ctx, cfg, opts, log)
}

func openPostgres(ctx context.Context, cfg *config.Config, opts repository.SchemaOptions, log *logrus.Logger) (accountStore, func(), error) {
	pcfg, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("parse DATABASE_URL: %w", err)
	}
	pcfg.MaxConns = cfg.DBMaxConns
	pcfg.MinConns = cfg.DBMinConns

	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, nil, fmt.Errorf("create database pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("cannot reach PostgreSQL: %w", err)
	}
	log.Info("connected to PostgreSQL")

	migrator, err := rivermigrate.New(riverpgxv5.New(pool), nil)
	if err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("create river migrator: %w", err)
	}
	if _, err := migrator.Migrate(ctx, rivermigrate.DirectionUp, nil); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("river migrate up: %w", err)
	}
	if err := repository.MigratePostgres(ctx, pool, log); err != nil {
		pool.Close()
		return nil, nil, err
	}

	// The insert func is set after the river client exists; the client needs
	// the workers and the store needs the insert func.
	var insertMu sync.Mutex
	var insertFn notify.InsertTxFunc
	insertClaimRecorded := func(ctx context.Context, tx pgx.Tx, args notify.ClaimRecordedArgs) error {
		insertMu.Lock()
		fn := insertFn
		insertMu.Unlock()
		if fn == nil {
			return fmt.Errorf("river insert not wired")
		}
		return fn(ctx, tx, args)
	}
	store := repository.NewAccountRepo(pool, notify.Hook(insertClaimRecorded), opts)

	workers := river.NewWorkers()
	river.AddWorker(workers, notify.NewClaimRecordedWorker(cfg.ClaimWebhookURL, log.WithField("component", "notify")))

	riverClient, err := river.NewClient(riverpgxv5.New(pool), &river.Config{
		Queues: map[string]river.QueueConfig{
			river.QueueDefault: {MaxWorkers: cfg.NotifyMaxWorkers},
		},
		Workers: workers,
	})
	if err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("create river client: %w", err)
	}

	insertMu.Lock()
	insertFn = func(ctx context.Context, tx pgx.Tx, args notify.ClaimRecordedArgs) error {
		_, err := riverClient.InsertTx(ctx, tx, args, nil)
		return err
	}
	insertMu.Unlock()

	riverCtx, stopRiver := context.WithCancel(context.WithoutCancel(ctx))
	go func() {
		if err := riverClient.Start(riverCtx); err != nil && riverCtx.Err() == nil {
			log.WithError(err).Error("river client stopped")
		}
	}()

	cleanup := func() {
		if err := riverClient.Stop(riverCtx); err != nil {
			log.WithError(err).Warn("river stop")
		}
		stopRiver()
		pool.Close()
	}
	return store, cleanup, nil
}
