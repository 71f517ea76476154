// Package postgres provides a PostgreSQL storage.Store. It uses pgx/v5 for
// connection pooling and keeps attributes as JSONB.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ContextBroker/ContextBroker/pkg/debug"
	"github.com/ContextBroker/ContextBroker/pkg/ngsi"
	"github.com/ContextBroker/ContextBroker/pkg/observability"
	"github.com/ContextBroker/ContextBroker/pkg/storage"
)

// Store is a PostgreSQL-backed storage.Store.
type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

var _ storage.Store = (*Store)(nil)

// New connects to the database. When MigrateOnStart is set the schema is
// brought up to date before New returns.
func New(ctx context.Context, cfg Config) (*Store, error) {
	cfg.defaults()

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parsing DSN: %w", err)
	}
	poolCfg.MaxConns = cfg.MaxConns
	poolCfg.MinConns = cfg.MinConns
	poolCfg.MaxConnLifetime = cfg.MaxConnLifetime

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	s := &Store{pool: pool, logger: slog.Default()}
	if cfg.MigrateOnStart {
		if err := s.migrate(ctx); err != nil {
			pool.Close()
			return nil, fmt.Errorf("running migrations: %w", err)
		}
	}
	return s, nil
}

// Put merges el into its snapshot inside one transaction. The row is
// locked while attributes are merged so concurrent writers do not lose
// attributes.
func (s *Store) Put(ctx context.Context, el ngsi.ContextElement) (storage.Snapshot, error) {
	if err := storage.ValidateElement(el); err != nil {
		observability.StoredElementsTotal.WithLabelValues("postgres", "error").Inc()
		return storage.Snapshot{}, err
	}

	snap := storage.Snapshot{Tenant: storage.GetTenant(ctx), ID: el.ID, Type: el.Type}

	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var stored []byte
		err := tx.QueryRow(ctx, `
			SELECT attributes FROM elements
			WHERE tenant = $1 AND entity_type = $2 AND entity_id = $3
			FOR UPDATE
		`, snap.Tenant, snap.Type, snap.ID).Scan(&stored)

		var current []ngsi.ContextAttribute
		switch {
		case errors.Is(err, pgx.ErrNoRows):
		case err != nil:
			return fmt.Errorf("reading element: %w", err)
		default:
			if err := json.Unmarshal(stored, &current); err != nil {
				return fmt.Errorf("unmarshaling attributes: %w", err)
			}
		}

		snap.Attributes = storage.MergeAttributes(current, el.Attributes)
		attrs, err := json.Marshal(snap.Attributes)
		if err != nil {
			return fmt.Errorf("marshaling attributes: %w", err)
		}

		return tx.QueryRow(ctx, `
			INSERT INTO elements (tenant, entity_type, entity_id, attributes, revision, updated_at)
			VALUES ($1, $2, $3, $4, 1, $5)
			ON CONFLICT (tenant, entity_type, entity_id) DO UPDATE
			SET attributes = EXCLUDED.attributes,
			    revision   = elements.revision + 1,
			    updated_at = EXCLUDED.updated_at
			RETURNING revision, updated_at
		`, snap.Tenant, snap.Type, snap.ID, attrs, time.Now().UTC()).Scan(&snap.Revision, &snap.UpdatedAt)
	})
	if err != nil {
		observability.StoredElementsTotal.WithLabelValues("postgres", "error").Inc()
		return storage.Snapshot{}, fmt.Errorf("storing element %s: %w", el.ID, err)
	}

	observability.StoredElementsTotal.WithLabelValues("postgres", "ok").Inc()
	debug.Log(debug.Storage, "stored", "store", "postgres", "tenant", snap.Tenant,
		"type", snap.Type, "id", snap.ID, "revision", snap.Revision)
	return snap, nil
}

// Get returns the snapshot of one element.
func (s *Store) Get(ctx context.Context, entityType, id string) (storage.Snapshot, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT tenant, entity_type, entity_id, attributes, revision, updated_at
		FROM elements
		WHERE tenant = $1 AND entity_type = $2 AND entity_id = $3
	`, storage.GetTenant(ctx), entityType, id)

	snap, err := scanSnapshot(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return storage.Snapshot{}, storage.ErrNotFound
	}
	if err != nil {
		return storage.Snapshot{}, fmt.Errorf("querying element: %w", err)
	}
	return snap, nil
}

// List returns one page of the tenant's snapshots ordered by type and id.
func (s *Store) List(ctx context.Context, opts storage.ListOptions) (storage.ListResult, error) {
	query := `
		SELECT tenant, entity_type, entity_id, attributes, revision, updated_at
		FROM elements
		WHERE tenant = $1
	`
	args := []any{storage.GetTenant(ctx)}

	if opts.Type != "" {
		args = append(args, opts.Type)
		query += fmt.Sprintf(" AND entity_type = $%d", len(args))
	}
	if afterType, afterID, ok := opts.AfterKey(); ok {
		args = append(args, afterType, afterID)
		query += fmt.Sprintf(" AND (entity_type, entity_id) > ($%d, $%d)", len(args)-1, len(args))
	}

	limit := opts.EffectiveLimit()
	args = append(args, limit+1)
	query += fmt.Sprintf(" ORDER BY entity_type, entity_id LIMIT $%d", len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return storage.ListResult{}, fmt.Errorf("listing elements: %w", err)
	}
	defer rows.Close()

	result := storage.ListResult{Snapshots: []storage.Snapshot{}}
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return storage.ListResult{}, fmt.Errorf("scanning element: %w", err)
		}
		result.Snapshots = append(result.Snapshots, snap)
	}
	if err := rows.Err(); err != nil {
		return storage.ListResult{}, fmt.Errorf("listing elements: %w", err)
	}

	if len(result.Snapshots) > limit {
		result.Snapshots = result.Snapshots[:limit]
		result.HasMore = true
		result.Next = result.Snapshots[limit-1].Cursor()
	}
	return result, nil
}

// Delete removes an element's snapshot.
func (s *Store) Delete(ctx context.Context, entityType, id string) error {
	tag, err := s.pool.Exec(ctx,
		"DELETE FROM elements WHERE tenant = $1 AND entity_type = $2 AND entity_id = $3",
		storage.GetTenant(ctx), entityType, id)
	if err != nil {
		return fmt.Errorf("deleting element: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// HealthCheck verifies the database connection.
func (s *Store) HealthCheck(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases the connection pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func scanSnapshot(row pgx.Row) (storage.Snapshot, error) {
	var snap storage.Snapshot
	var attrs []byte
	if err := row.Scan(&snap.Tenant, &snap.Type, &snap.ID, &attrs, &snap.Revision, &snap.UpdatedAt); err != nil {
		return storage.Snapshot{}, err
	}
	if err := json.Unmarshal(attrs, &snap.Attributes); err != nil {
		return storage.Snapshot{}, fmt.Errorf("unmarshaling attributes: %w", err)
	}
	return snap, nil
}
