package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/listing-cli/internal/cache"
	"github.com/sells-group/listing-cli/internal/db"
	"github.com/sells-group/listing-cli/internal/model"
	"github.com/sells-group/listing-cli/internal/resilience"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	nowFunc func() time.Time
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

var (
	pgUpsertListing = db.MustUpsertSQL(db.Postgres, db.UpsertConfig{
		Table:        "listings",
		Columns:      []string{"id", "source", "external_id", "url", "fields", "confidence", "issues", "fetched_at", "created_at", "updated_at"},
		ConflictKeys: []string{"source", "external_id"},
		UpdateCols:   []string{"url", "fields", "confidence", "issues", "fetched_at", "updated_at"},
	})
	pgUpsertCache = db.MustUpsertSQL(db.Postgres, db.UpsertConfig{
		Table:        "extraction_cache",
		Columns:      []string{"key", "fields", "confidence", "created_at", "expires_at"},
		ConflictKeys: []string{"key"},
	})
	pgUpsertSession = db.MustUpsertSQL(db.Postgres, db.UpsertConfig{
		Table:        "sessions",
		Columns:      []string{"key", "data", "updated_at"},
		ConflictKeys: []string{"key"},
	})
)

// preparedStatements lists queries to prepare on each new connection for
// faster execution of the hot per-item store operations.
var preparedStatements = map[string]string{
	"upsert_listing":        pgUpsertListing,
	"upsert_extraction":     pgUpsertCache,
	"get_cached_extraction": `SELECT key, fields, confidence, created_at, expires_at FROM extraction_cache WHERE key = $1 AND expires_at > $2`,
	"insert_dead_letter":    pgInsertDeadLetter,
	"upsert_session":        pgUpsertSession,
	"get_session":           `SELECT data FROM sessions WHERE key = $1`,
}

const pgInsertDeadLetter = `INSERT INTO dead_letters
 (id, source, external_id, url, error_kind, attempts, last_error, content_type, payload, fetched_at, recorded_at)
 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
 ON CONFLICT (id) DO NOTHING`

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return newPostgresWithPool(pool), nil
}

func newPostgresWithPool(pool db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool, nowFunc: time.Now}
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS listings (
	id          TEXT PRIMARY KEY,
	source      TEXT NOT NULL,
	external_id TEXT NOT NULL,
	url         TEXT NOT NULL DEFAULT '',
	fields      JSONB NOT NULL,
	confidence  DOUBLE PRECISION NOT NULL,
	issues      JSONB,
	fetched_at  TIMESTAMPTZ,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (source, external_id)
);

CREATE TABLE IF NOT EXISTS dead_letters (
	id           TEXT PRIMARY KEY,
	source       TEXT NOT NULL,
	external_id  TEXT NOT NULL,
	url          TEXT NOT NULL DEFAULT '',
	error_kind   TEXT NOT NULL,
	attempts     INTEGER NOT NULL,
	last_error   TEXT NOT NULL,
	content_type TEXT,
	payload      BYTEA,
	fetched_at   TIMESTAMPTZ,
	recorded_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS extraction_cache (
	key        TEXT PRIMARY KEY,
	fields     JSONB NOT NULL,
	confidence DOUBLE PRECISION NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	expires_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS sessions (
	key        TEXT PRIMARY KEY,
	data       BYTEA NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_dead_letters_source ON dead_letters(source);
CREATE INDEX IF NOT EXISTS idx_dead_letters_kind ON dead_letters(error_kind);
CREATE INDEX IF NOT EXISTS idx_extraction_cache_expires_at ON extraction_cache(expires_at);
`

// Ping checks connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.pool.Ping(ctx), "postgres: ping")
}

// Migrate creates the schema.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

// Close releases the pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// SaveListing inserts or replaces the listing for (source, external_id).
func (s *PostgresStore) SaveListing(ctx context.Context, l model.Listing) error {
	if l.ID == "" {
		l.ID = uuid.NewString()
	}
	now := s.nowFunc().UTC()
	if l.CreatedAt.IsZero() {
		l.CreatedAt = now
	}

	fieldsJSON, err := json.Marshal(l.Fields)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal listing fields")
	}
	var issuesJSON []byte
	if len(l.Issues) > 0 {
		if issuesJSON, err = json.Marshal(l.Issues); err != nil {
			return eris.Wrap(err, "postgres: marshal listing issues")
		}
	}

	_, err = s.pool.Exec(ctx, pgUpsertListing,
		l.ID, l.Source, l.ExternalID, l.URL, fieldsJSON, l.Confidence, issuesJSON,
		nullTime(l.FetchedAt), l.CreatedAt, now,
	)
	return eris.Wrapf(err, "postgres: save listing %s:%s", l.Source, l.ExternalID)
}

// GetListing returns the listing or (nil, nil) when absent.
func (s *PostgresStore) GetListing(ctx context.Context, source, externalID string) (*model.Listing, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, source, external_id, url, fields, confidence, issues, fetched_at, created_at
		 FROM listings WHERE source = $1 AND external_id = $2`,
		source, externalID,
	)

	var (
		l                      model.Listing
		fieldsJSON, issuesJSON []byte
		fetched                *time.Time
	)
	err := row.Scan(&l.ID, &l.Source, &l.ExternalID, &l.URL, &fieldsJSON, &l.Confidence, &issuesJSON, &fetched, &l.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: get listing")
	}
	if fetched != nil {
		l.FetchedAt = *fetched
	}
	if err := unmarshalListing(&l, fieldsJSON, issuesJSON); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal listing")
	}
	return &l, nil
}

// CountListings returns the number of stored listings.
func (s *PostgresStore) CountListings(ctx context.Context) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM listings`).Scan(&n)
	return n, eris.Wrap(err, "postgres: count listings")
}

// RecordDeadLetter appends a dead letter. Recording the same id twice is a
// no-op.
func (s *PostgresStore) RecordDeadLetter(ctx context.Context, dl resilience.DeadLetter) error {
	if dl.ID == "" {
		dl.ID = uuid.NewString()
	}
	if dl.RecordedAt.IsZero() {
		dl.RecordedAt = s.nowFunc().UTC()
	}

	var (
		contentType *string
		payload     []byte
		fetched     *time.Time
	)
	if dl.Item != nil {
		contentType = &dl.Item.ContentType
		payload = dl.Item.Payload
		if payload == nil {
			payload = []byte{}
		}
		fetched = nullTime(dl.Item.FetchedAt)
	}

	_, err := s.pool.Exec(ctx, pgInsertDeadLetter,
		dl.ID, dl.Target.Source, dl.Target.ExternalID, dl.Target.URL, dl.ErrorKind, dl.Attempts, dl.LastError,
		contentType, payload, fetched, dl.RecordedAt,
	)
	return eris.Wrapf(err, "postgres: record dead letter %s", dl.Target.Key())
}

// ListDeadLetters returns dead letters newest first.
func (s *PostgresStore) ListDeadLetters(ctx context.Context, filter resilience.DeadLetterFilter) ([]resilience.DeadLetter, error) {
	query := `SELECT id, source, external_id, url, error_kind, attempts, last_error, content_type, payload, fetched_at, recorded_at
	          FROM dead_letters WHERE 1=1`
	args := []any{}
	argIdx := 1

	if filter.Source != "" {
		query += fmt.Sprintf(` AND source = $%d`, argIdx)
		args = append(args, filter.Source)
		argIdx++
	}
	if filter.ErrorKind != "" {
		query += fmt.Sprintf(` AND error_kind = $%d`, argIdx)
		args = append(args, filter.ErrorKind)
		argIdx++
	}
	query += fmt.Sprintf(` ORDER BY recorded_at DESC, id LIMIT $%d`, argIdx)
	args = append(args, listLimit(filter.Limit))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list dead letters")
	}
	defer rows.Close()

	var out []resilience.DeadLetter
	for rows.Next() {
		var (
			dl          resilience.DeadLetter
			contentType *string
			payload     []byte
			fetched     *time.Time
		)
		if err := rows.Scan(&dl.ID, &dl.Target.Source, &dl.Target.ExternalID, &dl.Target.URL,
			&dl.ErrorKind, &dl.Attempts, &dl.LastError, &contentType, &payload, &fetched, &dl.RecordedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan dead letter")
		}
		if contentType != nil {
			dl.Item = &model.RawItem{
				Source:      dl.Target.Source,
				ExternalID:  dl.Target.ExternalID,
				URL:         dl.Target.URL,
				ContentType: *contentType,
				Payload:     payload,
			}
			if fetched != nil {
				dl.Item.FetchedAt = *fetched
			}
		}
		out = append(out, dl)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list dead letters iterate")
}

// CountDeadLetters returns the number of recorded dead letters.
func (s *PostgresStore) CountDeadLetters(ctx context.Context) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM dead_letters`).Scan(&n)
	return n, eris.Wrap(err, "postgres: count dead letters")
}

// GetCachedExtraction returns the unexpired entry for key or (nil, nil).
func (s *PostgresStore) GetCachedExtraction(ctx context.Context, key string) (*cache.Entry, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT key, fields, confidence, created_at, expires_at FROM extraction_cache WHERE key = $1 AND expires_at > $2`,
		key, s.nowFunc().UTC(),
	)

	var (
		e          cache.Entry
		fieldsJSON []byte
	)
	err := row.Scan(&e.Key, &fieldsJSON, &e.Confidence, &e.CreatedAt, &e.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: get cached extraction")
	}
	if err := json.Unmarshal(fieldsJSON, &e.Fields); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal cached fields")
	}
	return &e, nil
}

// SetCachedExtraction upserts e.
func (s *PostgresStore) SetCachedExtraction(ctx context.Context, e cache.Entry) error {
	fieldsJSON, err := json.Marshal(e.Fields)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal cached fields")
	}
	_, err = s.pool.Exec(ctx, pgUpsertCache, e.Key, fieldsJSON, e.Confidence, e.CreatedAt, e.ExpiresAt)
	return eris.Wrap(err, "postgres: set cached extraction")
}

// DeleteExpiredExtractions removes entries expired at now.
func (s *PostgresStore) DeleteExpiredExtractions(ctx context.Context, now time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM extraction_cache WHERE expires_at <= $1`, now.UTC())
	if err != nil {
		return 0, eris.Wrap(err, "postgres: delete expired extractions")
	}
	return tag.RowsAffected(), nil
}

// GetSession returns the blob for key or (nil, nil).
func (s *PostgresStore) GetSession(ctx context.Context, key string) ([]byte, error) {
	var data []byte
	err := s.pool.QueryRow(ctx, `SELECT data FROM sessions WHERE key = $1`, key).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get session %s", key)
	}
	return data, nil
}

// PutSession replaces the blob for key in a single statement.
func (s *PostgresStore) PutSession(ctx context.Context, key string, data []byte) error {
	_, err := s.pool.Exec(ctx, pgUpsertSession, key, data, s.nowFunc().UTC())
	return eris.Wrapf(err, "postgres: put session %s", key)
}

// DeleteSession removes the blob for key. Missing keys are not an error.
func (s *PostgresStore) DeleteSession(ctx context.Context, key string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM sessions WHERE key = $1`, key)
	return eris.Wrapf(err, "postgres: delete session %s", key)
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
