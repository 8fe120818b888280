// Package store persists validated listings, dead letters, cached
// extractions and session blobs in SQLite or Postgres.
package store

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/listing-cli/internal/cache"
	"github.com/sells-group/listing-cli/internal/model"
	"github.com/sells-group/listing-cli/internal/resilience"
	"github.com/sells-group/listing-cli/internal/session"
)

// Store defines the persistence interface for the listing pipeline.
type Store interface {
	// Listings
	SaveListing(ctx context.Context, l model.Listing) error
	GetListing(ctx context.Context, source, externalID string) (*model.Listing, error)
	CountListings(ctx context.Context) (int, error)

	// Dead letters
	RecordDeadLetter(ctx context.Context, dl resilience.DeadLetter) error
	ListDeadLetters(ctx context.Context, filter resilience.DeadLetterFilter) ([]resilience.DeadLetter, error)
	CountDeadLetters(ctx context.Context) (int, error)

	// Extraction cache
	GetCachedExtraction(ctx context.Context, key string) (*cache.Entry, error)
	SetCachedExtraction(ctx context.Context, e cache.Entry) error
	DeleteExpiredExtractions(ctx context.Context, now time.Time) (int64, error)

	// Session blobs
	GetSession(ctx context.Context, key string) ([]byte, error)
	PutSession(ctx context.Context, key string, data []byte) error
	DeleteSession(ctx context.Context, key string) error

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

var (
	_ Store                     = (*SQLiteStore)(nil)
	_ Store                     = (*PostgresStore)(nil)
	_ cache.Backing             = Store(nil)
	_ resilience.DeadLetterSink = Store(nil)
)

// Driver names accepted by Open.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Open connects to the configured backend and runs migrations.
func Open(ctx context.Context, driver, dsn string, poolCfg *PoolConfig) (Store, error) {
	var (
		s   Store
		err error
	)
	switch driver {
	case "", DriverSQLite:
		s, err = NewSQLite(dsn)
	case DriverPostgres:
		s, err = NewPostgres(ctx, dsn, poolCfg)
	default:
		return nil, eris.Errorf("store: unknown driver %q", driver)
	}
	if err != nil {
		return nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		s.Close() //nolint:errcheck
		return nil, err
	}
	return s, nil
}

// SessionBlobs adapts a Store to session.BlobStore.
func SessionBlobs(s Store) session.BlobStore {
	return sessionBlobs{s: s}
}

type sessionBlobs struct {
	s Store
}

func (b sessionBlobs) Get(ctx context.Context, key string) ([]byte, error) {
	return b.s.GetSession(ctx, key)
}

func (b sessionBlobs) Put(ctx context.Context, key string, data []byte) error {
	return b.s.PutSession(ctx, key, data)
}

func (b sessionBlobs) Delete(ctx context.Context, key string) error {
	return b.s.DeleteSession(ctx, key)
}

const defaultListLimit = 100

func listLimit(n int) int {
	if n <= 0 {
		return defaultListLimit
	}
	return n
}
