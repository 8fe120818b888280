package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/listing-cli/internal/cache"
	"github.com/sells-group/listing-cli/internal/db"
	"github.com/sells-group/listing-cli/internal/model"
	"github.com/sells-group/listing-cli/internal/resilience"
)

// SQLiteStore implements Store using modernc.org/sqlite. Timestamps are
// stored as unix milliseconds so range comparisons are numeric.
type SQLiteStore struct {
	db      *sql.DB
	nowFunc func() time.Time
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := conn.Exec(pragma); err != nil {
			conn.Close() //nolint:errcheck
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: conn, nowFunc: time.Now}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS listings (
	id          TEXT PRIMARY KEY,
	source      TEXT NOT NULL,
	external_id TEXT NOT NULL,
	url         TEXT NOT NULL DEFAULT '',
	fields      TEXT NOT NULL,
	confidence  REAL NOT NULL,
	issues      TEXT,
	fetched_at  INTEGER NOT NULL DEFAULT 0,
	created_at  INTEGER NOT NULL,
	updated_at  INTEGER NOT NULL,
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
	payload      BLOB,
	fetched_at   INTEGER,
	recorded_at  INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS extraction_cache (
	key        TEXT PRIMARY KEY,
	fields     TEXT NOT NULL,
	confidence REAL NOT NULL,
	created_at INTEGER NOT NULL,
	expires_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS sessions (
	key        TEXT PRIMARY KEY,
	data       BLOB NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_dead_letters_source ON dead_letters(source);
CREATE INDEX IF NOT EXISTS idx_dead_letters_kind ON dead_letters(error_kind);
CREATE INDEX IF NOT EXISTS idx_extraction_cache_expires_at ON extraction_cache(expires_at);
`

var (
	sqliteUpsertListing = db.MustUpsertSQL(db.SQLite, db.UpsertConfig{
		Table:        "listings",
		Columns:      []string{"id", "source", "external_id", "url", "fields", "confidence", "issues", "fetched_at", "created_at", "updated_at"},
		ConflictKeys: []string{"source", "external_id"},
		UpdateCols:   []string{"url", "fields", "confidence", "issues", "fetched_at", "updated_at"},
	})
	sqliteUpsertCache = db.MustUpsertSQL(db.SQLite, db.UpsertConfig{
		Table:        "extraction_cache",
		Columns:      []string{"key", "fields", "confidence", "created_at", "expires_at"},
		ConflictKeys: []string{"key"},
	})
	sqliteUpsertSession = db.MustUpsertSQL(db.SQLite, db.UpsertConfig{
		Table:        "sessions",
		Columns:      []string{"key", "data", "updated_at"},
		ConflictKeys: []string{"key"},
	})
)

// Migrate creates the schema.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// SaveListing inserts or replaces the listing for (source, external_id).
// The original id and created_at survive a replace.
func (s *SQLiteStore) SaveListing(ctx context.Context, l model.Listing) error {
	if l.ID == "" {
		l.ID = uuid.NewString()
	}
	now := s.nowFunc().UTC()
	if l.CreatedAt.IsZero() {
		l.CreatedAt = now
	}

	fieldsJSON, issuesJSON, err := marshalListing(l)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal listing")
	}

	_, err = s.db.ExecContext(ctx, sqliteUpsertListing,
		l.ID, l.Source, l.ExternalID, l.URL, string(fieldsJSON), l.Confidence, issuesJSON,
		toMillis(l.FetchedAt), toMillis(l.CreatedAt), toMillis(now),
	)
	return eris.Wrapf(err, "sqlite: save listing %s:%s", l.Source, l.ExternalID)
}

// GetListing returns the listing or (nil, nil) when absent.
func (s *SQLiteStore) GetListing(ctx context.Context, source, externalID string) (*model.Listing, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, source, external_id, url, fields, confidence, issues, fetched_at, created_at
		 FROM listings WHERE source = ? AND external_id = ?`,
		source, externalID,
	)

	var (
		l                  model.Listing
		fieldsJSON         string
		issuesJSON         sql.NullString
		fetched, createdMs int64
	)
	err := row.Scan(&l.ID, &l.Source, &l.ExternalID, &l.URL, &fieldsJSON, &l.Confidence, &issuesJSON, &fetched, &createdMs)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: get listing")
	}
	l.FetchedAt = fromMillis(fetched)
	l.CreatedAt = fromMillis(createdMs)
	if err := unmarshalListing(&l, []byte(fieldsJSON), []byte(issuesJSON.String)); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal listing")
	}
	return &l, nil
}

// CountListings returns the number of stored listings.
func (s *SQLiteStore) CountListings(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM listings`).Scan(&n)
	return n, eris.Wrap(err, "sqlite: count listings")
}

// RecordDeadLetter appends a dead letter. Recording the same id twice is a
// no-op.
func (s *SQLiteStore) RecordDeadLetter(ctx context.Context, dl resilience.DeadLetter) error {
	if dl.ID == "" {
		dl.ID = uuid.NewString()
	}
	if dl.RecordedAt.IsZero() {
		dl.RecordedAt = s.nowFunc().UTC()
	}

	var (
		contentType sql.NullString
		payload     []byte
		fetched     sql.NullInt64
	)
	if dl.Item != nil {
		contentType = sql.NullString{String: dl.Item.ContentType, Valid: true}
		payload = dl.Item.Payload
		if payload == nil {
			payload = []byte{}
		}
		fetched = sql.NullInt64{Int64: toMillis(dl.Item.FetchedAt), Valid: true}
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO dead_letters
		 (id, source, external_id, url, error_kind, attempts, last_error, content_type, payload, fetched_at, recorded_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO NOTHING`,
		dl.ID, dl.Target.Source, dl.Target.ExternalID, dl.Target.URL, dl.ErrorKind, dl.Attempts, dl.LastError,
		contentType, payload, fetched, toMillis(dl.RecordedAt),
	)
	return eris.Wrapf(err, "sqlite: record dead letter %s", dl.Target.Key())
}

// ListDeadLetters returns dead letters newest first.
func (s *SQLiteStore) ListDeadLetters(ctx context.Context, filter resilience.DeadLetterFilter) ([]resilience.DeadLetter, error) {
	query := `SELECT id, source, external_id, url, error_kind, attempts, last_error, content_type, payload, fetched_at, recorded_at
	          FROM dead_letters WHERE 1=1`
	var args []any

	if filter.Source != "" {
		query += ` AND source = ?`
		args = append(args, filter.Source)
	}
	if filter.ErrorKind != "" {
		query += ` AND error_kind = ?`
		args = append(args, filter.ErrorKind)
	}
	query += ` ORDER BY recorded_at DESC, id LIMIT ?`
	args = append(args, listLimit(filter.Limit))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list dead letters")
	}
	defer rows.Close() //nolint:errcheck

	var out []resilience.DeadLetter
	for rows.Next() {
		var (
			dl          resilience.DeadLetter
			contentType sql.NullString
			payload     []byte
			fetched     sql.NullInt64
			recorded    int64
		)
		if err := rows.Scan(&dl.ID, &dl.Target.Source, &dl.Target.ExternalID, &dl.Target.URL,
			&dl.ErrorKind, &dl.Attempts, &dl.LastError, &contentType, &payload, &fetched, &recorded); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan dead letter")
		}
		dl.RecordedAt = fromMillis(recorded)
		if contentType.Valid {
			dl.Item = &model.RawItem{
				Source:      dl.Target.Source,
				ExternalID:  dl.Target.ExternalID,
				URL:         dl.Target.URL,
				ContentType: contentType.String,
				Payload:     payload,
				FetchedAt:   fromMillis(fetched.Int64),
			}
		}
		out = append(out, dl)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list dead letters iterate")
}

// CountDeadLetters returns the number of recorded dead letters.
func (s *SQLiteStore) CountDeadLetters(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM dead_letters`).Scan(&n)
	return n, eris.Wrap(err, "sqlite: count dead letters")
}

// GetCachedExtraction returns the unexpired entry for key or (nil, nil).
func (s *SQLiteStore) GetCachedExtraction(ctx context.Context, key string) (*cache.Entry, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT key, fields, confidence, created_at, expires_at FROM extraction_cache
		 WHERE key = ? AND expires_at > ?`,
		key, toMillis(s.nowFunc()),
	)

	var (
		e                  cache.Entry
		fieldsJSON         string
		createdMs, expires int64
	)
	err := row.Scan(&e.Key, &fieldsJSON, &e.Confidence, &createdMs, &expires)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: get cached extraction")
	}
	e.CreatedAt = fromMillis(createdMs)
	e.ExpiresAt = fromMillis(expires)
	if err := json.Unmarshal([]byte(fieldsJSON), &e.Fields); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal cached fields")
	}
	return &e, nil
}

// SetCachedExtraction upserts e.
func (s *SQLiteStore) SetCachedExtraction(ctx context.Context, e cache.Entry) error {
	fieldsJSON, err := json.Marshal(e.Fields)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal cached fields")
	}
	_, err = s.db.ExecContext(ctx, sqliteUpsertCache,
		e.Key, string(fieldsJSON), e.Confidence, toMillis(e.CreatedAt), toMillis(e.ExpiresAt),
	)
	return eris.Wrap(err, "sqlite: set cached extraction")
}

// DeleteExpiredExtractions removes entries expired at now.
func (s *SQLiteStore) DeleteExpiredExtractions(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM extraction_cache WHERE expires_at <= ?`, toMillis(now))
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: delete expired extractions")
	}
	n, err := res.RowsAffected()
	return n, eris.Wrap(err, "sqlite: rows affected")
}

// GetSession returns the blob for key or (nil, nil).
func (s *SQLiteStore) GetSession(ctx context.Context, key string) ([]byte, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx, `SELECT data FROM sessions WHERE key = ?`, key).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return data, eris.Wrapf(err, "sqlite: get session %s", key)
}

// PutSession replaces the blob for key in a single statement.
func (s *SQLiteStore) PutSession(ctx context.Context, key string, data []byte) error {
	_, err := s.db.ExecContext(ctx, sqliteUpsertSession, key, data, toMillis(s.nowFunc()))
	return eris.Wrapf(err, "sqlite: put session %s", key)
}

// DeleteSession removes the blob for key. Missing keys are not an error.
func (s *SQLiteStore) DeleteSession(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE key = ?`, key)
	return eris.Wrapf(err, "sqlite: delete session %s", key)
}

// helpers

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func marshalListing(l model.Listing) (fields []byte, issues any, err error) {
	fields, err = json.Marshal(l.Fields)
	if err != nil {
		return nil, nil, err
	}
	if len(l.Issues) == 0 {
		return fields, nil, nil
	}
	b, err := json.Marshal(l.Issues)
	if err != nil {
		return nil, nil, err
	}
	return fields, string(b), nil
}

func unmarshalListing(l *model.Listing, fields, issues []byte) error {
	if err := json.Unmarshal(fields, &l.Fields); err != nil {
		return err
	}
	if len(issues) > 0 {
		return json.Unmarshal(issues, &l.Issues)
	}
	return nil
}
