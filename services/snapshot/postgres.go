package snapshot

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"regserv/pkg/db"
	"regserv/services/registry"
)

const snapshotRowID = 1

// PostgresStore keeps the snapshot document in the single-row registry_snapshots table. Each
// checkpoint is one upsert, so readers see either the old or the new document.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore wraps an open pool. Run db.Migrate first.
func NewPostgresStore(pool *pgxpool.Pool) (*PostgresStore, error) {
	if pool == nil {
		return nil, errors.New("pool is required")
	}
	return &PostgresStore{pool: pool}, nil
}

// Load reads the snapshot row; a missing row is an empty registry.
func (s *PostgresStore) Load(ctx context.Context) (registry.State, error) {
	var row struct {
		Data string `db:"data"`
	}
	err := db.Get(ctx, s.pool, &row, `SELECT data::text AS data FROM registry_snapshots WHERE id = $1`, snapshotRowID)
	if db.NotFound(err) {
		return registry.NewState(), nil
	}
	if err != nil {
		return registry.State{}, fmt.Errorf("select snapshot: %w", err)
	}
	return Decode([]byte(row.Data))
}

// Checkpoint upserts the encoded state.
func (s *PostgresStore) Checkpoint(ctx context.Context, state registry.State) error {
	data, err := Encode(state)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	return s.WriteRaw(ctx, data)
}

// WriteRaw replaces the stored document with an already encoded snapshot.
func (s *PostgresStore) WriteRaw(ctx context.Context, data []byte) error {
	query := `
        INSERT INTO registry_snapshots (id, data, updated_at)
        VALUES ($1, $2::jsonb, now())
        ON CONFLICT (id) DO UPDATE SET
            data = EXCLUDED.data,
            updated_at = EXCLUDED.updated_at;
    `
	if _, err := db.Exec(ctx, s.pool, query, snapshotRowID, string(data)); err != nil {
		return fmt.Errorf("upsert snapshot: %w", err)
	}
	return nil
}
