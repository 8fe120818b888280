package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/listing-cli/internal/monitoring"
)

// Probe checks whether snap still grants an authenticated session, usually
// by fetching a page that only logged-in users can see.
type Probe func(ctx context.Context, snap *Snapshot) (bool, error)

// Store owns the persisted session of one source. Writes are serialised;
// reads of the in-memory snapshot may run concurrently.
type Store struct {
	source string
	blobs  BlobStore
	sink   monitoring.Sink

	mu      sync.RWMutex
	current *Snapshot

	writeMu sync.Mutex
}

// NewStore creates a session store for source backed by blobs. sink may be nil.
func NewStore(source string, blobs BlobStore, sink monitoring.Sink) *Store {
	return &Store{source: source, blobs: blobs, sink: monitoring.OrNop(sink)}
}

// Source returns the source this store belongs to.
func (s *Store) Source() string { return s.source }

// Load reads the persisted snapshot. It returns (nil, nil) when none exists.
func (s *Store) Load(ctx context.Context) (*Snapshot, error) {
	data, err := s.blobs.Get(ctx, s.source)
	if err != nil {
		return nil, eris.Wrapf(err, "session: load %s", s.source)
	}
	if data == nil {
		return nil, nil
	}

	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, eris.Wrapf(err, "session: decode %s", s.source)
	}

	s.mu.Lock()
	s.current = snap.Clone()
	s.mu.Unlock()
	return &snap, nil
}

// Save persists snap, replacing any previous snapshot.
func (s *Store) Save(ctx context.Context, snap *Snapshot) error {
	if snap == nil {
		return eris.New("session: nil snapshot")
	}
	if snap.CapturedAt.IsZero() {
		snap.CapturedAt = time.Now().UTC()
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return eris.Wrapf(err, "session: encode %s", s.source)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if err := s.blobs.Put(ctx, s.source, data); err != nil {
		return eris.Wrapf(err, "session: save %s", s.source)
	}

	s.mu.Lock()
	s.current = snap.Clone()
	s.mu.Unlock()

	s.sink.Emit(monitoring.NewEvent(monitoring.EventSessionSaved, s.source, map[string]any{
		"cookies": len(snap.Cookies),
	}))
	return nil
}

// Current returns a copy of the in-memory snapshot, or nil.
func (s *Store) Current() *Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current.Clone()
}

// Validate runs probe against the current snapshot. Any probe error or
// panic counts as invalid. An invalid result drops the in-memory snapshot
// so the next load starts a fresh session.
func (s *Store) Validate(ctx context.Context, probe Probe) (ok bool) {
	snap := s.Current()
	if snap == nil || probe == nil {
		return false
	}

	defer func() {
		if r := recover(); r != nil {
			zap.L().Warn("session: probe panicked",
				zap.String("source", s.source),
				zap.String("panic", fmt.Sprint(r)),
			)
			ok = false
		}
		if !ok {
			s.invalidate("probe_failed")
		}
	}()

	authed, err := probe(ctx, snap)
	if err != nil {
		zap.L().Debug("session: probe error", zap.String("source", s.source), zap.Error(err))
		return false
	}
	return authed
}

// Clear deletes the persisted snapshot and forgets the in-memory one.
func (s *Store) Clear(ctx context.Context) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if err := s.blobs.Delete(ctx, s.source); err != nil {
		return eris.Wrapf(err, "session: clear %s", s.source)
	}
	s.invalidate("cleared")
	return nil
}

func (s *Store) invalidate(reason string) {
	s.mu.Lock()
	had := s.current != nil
	s.current = nil
	s.mu.Unlock()

	if had {
		s.sink.Emit(monitoring.NewEvent(monitoring.EventSessionInvalidated, s.source, map[string]any{
			"reason": reason,
		}))
	}
}

// StartAutosave periodically captures and saves the session until ctx is
// done. capture may return nil to skip a round. The returned channel is
// closed when the loop exits.
func (s *Store) StartAutosave(ctx context.Context, interval time.Duration, capture func(ctx context.Context) (*Snapshot, error)) <-chan struct{} {
	done := make(chan struct{})
	if interval <= 0 {
		close(done)
		return done
	}

	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				snap, err := capture(ctx)
				if err != nil {
					zap.L().Warn("session: autosave capture failed", zap.String("source", s.source), zap.Error(err))
					continue
				}
				if snap.Empty() {
					continue
				}
				if err := s.Save(ctx, snap); err != nil {
					zap.L().Warn("session: autosave failed", zap.String("source", s.source), zap.Error(err))
				}
			}
		}
	}()
	return done
}
