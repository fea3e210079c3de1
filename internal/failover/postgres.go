package failover

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"streamshare/internal/models"
)

// SourcesSchema creates the table PostgresResolver reads from.
const SourcesSchema = `CREATE TABLE IF NOT EXISTS stream_sources (
	source_type TEXT NOT NULL,
	source_id   TEXT NOT NULL,
	variant     TEXT NOT NULL DEFAULT '',
	title       TEXT NOT NULL DEFAULT '',
	format      TEXT NOT NULL DEFAULT '',
	command     TEXT[] NOT NULL,
	output_dir  TEXT NOT NULL DEFAULT '',
	enabled     BOOLEAN NOT NULL DEFAULT TRUE,
	PRIMARY KEY (source_type, source_id, variant)
)`

const resolveSourceSQL = `SELECT source_type, source_id, variant, title, format, command, output_dir
FROM stream_sources
WHERE source_type = $1 AND source_id = $2 AND variant IN ($3, '') AND enabled
ORDER BY variant DESC
LIMIT 1`

// Querier is the part of a pgx pool the resolver uses.
type Querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresConfig describes the resolver's connection pool.
type PostgresConfig struct {
	DSN             string
	MaxConnections  int32
	MaxConnIdleTime time.Duration
	ConnectTimeout  time.Duration
	QueryTimeout    time.Duration
	ApplicationName string
}

// PostgresResolver looks descriptors up in the stream_sources table.
type PostgresResolver struct {
	db           Querier
	pool         *pgxpool.Pool
	queryTimeout time.Duration
}

// NewPostgresResolver wraps an existing querier.
func NewPostgresResolver(db Querier, queryTimeout time.Duration) *PostgresResolver {
	if queryTimeout <= 0 {
		queryTimeout = 5 * time.Second
	}
	return &PostgresResolver{db: db, queryTimeout: queryTimeout}
}

// OpenPostgresResolver opens a pool from cfg.
func OpenPostgresResolver(ctx context.Context, cfg PostgresConfig) (*PostgresResolver, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("postgres dsn required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	if cfg.MaxConnections > 0 {
		poolCfg.MaxConns = cfg.MaxConnections
	}
	if cfg.MaxConnIdleTime > 0 {
		poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	}
	if cfg.ConnectTimeout > 0 {
		poolCfg.ConnConfig.ConnectTimeout = cfg.ConnectTimeout
	}
	if cfg.ApplicationName != "" {
		if poolCfg.ConnConfig.RuntimeParams == nil {
			poolCfg.ConnConfig.RuntimeParams = make(map[string]string)
		}
		poolCfg.ConnConfig.RuntimeParams["application_name"] = cfg.ApplicationName
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	r := NewPostgresResolver(pool, cfg.QueryTimeout)
	r.pool = pool
	return r, nil
}

// EnsureSchema creates the sources table when the resolver owns its pool.
func (r *PostgresResolver) EnsureSchema(ctx context.Context) error {
	if r.pool == nil {
		return nil
	}
	if _, err := r.pool.Exec(ctx, SourcesSchema); err != nil {
		return fmt.Errorf("create stream_sources: %w", err)
	}
	return nil
}

// Ping checks connectivity of an owned pool.
func (r *PostgresResolver) Ping(ctx context.Context) error {
	if r.pool == nil {
		return nil
	}
	return r.pool.Ping(ctx)
}

// Close releases an owned pool.
func (r *PostgresResolver) Close() {
	if r != nil && r.pool != nil {
		r.pool.Close()
	}
}

// Resolve implements Resolver. A row for the exact variant wins over the
// variant-less row of the same source.
func (r *PostgresResolver) Resolve(ctx context.Context, ref models.SourceRef) (models.SourceDescriptor, error) {
	ctx, cancel := context.WithTimeout(ctx, r.queryTimeout)
	defer cancel()
	var desc models.SourceDescriptor
	err := r.db.QueryRow(ctx, resolveSourceSQL, ref.Type, ref.ID, ref.Variant).Scan(
		&desc.Type, &desc.ID, &desc.Variant, &desc.Title, &desc.Format, &desc.Command, &desc.OutputDir,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.SourceDescriptor{}, fmt.Errorf("%w: %s has no enabled source row", ErrUnresolvable, ref)
	}
	if err != nil {
		return models.SourceDescriptor{}, fmt.Errorf("resolve %s: %w", ref, err)
	}
	if desc.Variant == "" {
		desc.Variant = ref.Variant
	}
	return desc, nil
}
