// Package app builds the collaborators both binaries share from configuration.
package app

import (
	"context"
	"crypto/tls"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"regserv/pkg/db"
	"regserv/pkg/proc"
	"regserv/pkg/s3"
	"regserv/services/directory"
	"regserv/services/lounge"
	"regserv/services/mailer"
	"regserv/services/registry"
	"regserv/services/snapshot"
	"regserv/services/web/internal/config"
)

// Store is a snapshot store that also accepts already-encoded documents, used by restore.
type Store interface {
	registry.Store
	WriteRaw(ctx context.Context, data []byte) error
}

// OpenStore opens the configured snapshot backend. The returned func releases it.
func OpenStore(ctx context.Context, cfg config.Config) (Store, func(), error) {
	switch cfg.Store {
	case config.StorePostgres:
		pool, err := OpenDatabase(ctx, cfg)
		if err != nil {
			return nil, nil, err
		}
		store, err := snapshot.NewPostgresStore(pool)
		if err != nil {
			pool.Close()
			return nil, nil, err
		}
		return store, pool.Close, nil
	default:
		store, err := snapshot.NewFileStore(cfg.SnapshotPath)
		if err != nil {
			return nil, nil, err
		}
		return store, func() {}, nil
	}
}

// OpenDatabase connects to Postgres and applies pending migrations.
func OpenDatabase(ctx context.Context, cfg config.Config) (*pgxpool.Pool, error) {
	pool, err := db.Open(ctx, cfg.DBDSN)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}
	return pool, nil
}

// Directory builds the provisioning client for the configured ircd.
func Directory(cfg config.Config, logger zerolog.Logger) (*directory.Client, error) {
	profile, err := directory.LoadProfile(cfg.IRC.Profile)
	if err != nil {
		return nil, err
	}
	var tlsConfig *tls.Config
	if cfg.IRC.TLS {
		tlsConfig = &tls.Config{ServerName: cfg.IRC.Host, MinVersion: tls.VersionTLS12}
	}
	return directory.New(directory.Config{
		Addr:             cfg.IRC.Addr(),
		Operator:         cfg.IRC.Operator,
		OperatorPassword: cfg.IRC.Password,
		StageTimeout:     cfg.IRC.StageTimeout,
		Profile:          &profile,
		TLS:              tlsConfig,
		Logger:           logger.With().Str("component", "directory").Logger(),
	})
}

// Mailer builds the msmtp sender.
func Mailer(cfg config.Config, logger zerolog.Logger) (*mailer.Sender, error) {
	return mailer.New(mailer.Config{
		Command: mailer.MsmtpCommand(cfg.Mail.Command, cfg.Mail.Config),
		Timeout: cfg.Mail.Timeout,
		Logger:  logger.With().Str("component", "mailer").Logger(),
	})
}

// Lounge builds the web chat account store, or returns nil when it is disabled.
func Lounge(cfg config.Config, logger zerolog.Logger) (*lounge.Accounts, error) {
	if !cfg.Lounge.Enabled {
		return nil, nil
	}
	command := lounge.DockerCommand(cfg.Lounge.UID, cfg.Lounge.GID)
	if cfg.Lounge.Command != "" {
		command = proc.Split(cfg.Lounge.Command)
	}
	return lounge.New(lounge.Config{
		Command: command,
		DataDir: cfg.Lounge.DataDir,
		Timeout: cfg.Lounge.Timeout,
		Logger:  logger.With().Str("component", "lounge").Logger(),
	})
}

// Bucket connects to the backup bucket.
func Bucket(ctx context.Context, cfg config.Config) (*s3.Bucket, error) {
	bucket, err := s3.NewBucket(ctx, cfg.Backup.S3())
	if err != nil {
		return nil, fmt.Errorf("backup bucket: %w", err)
	}
	return bucket, nil
}
