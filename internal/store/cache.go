package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Store is the CacheStore. It is safe for concurrent use.
type Store struct {
	backend Backend
	now     func() time.Time
	kinds   map[Kind]*kindState
}

type kindState struct {
	mu      sync.RWMutex
	records map[string]Record
}

// Option customizes a Store.
type Option func(*Store)

// WithClock overrides the time source used for versioned keys.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// Open loads every kind from the backend into memory.
func Open(ctx context.Context, backend Backend, opts ...Option) (*Store, error) {
	s := &Store{
		backend: backend,
		now:     time.Now,
		kinds:   make(map[Kind]*kindState, len(Kinds)),
	}
	for _, opt := range opts {
		opt(s)
	}

	for _, kind := range Kinds {
		start := time.Now()
		records, err := backend.Load(ctx, kind)
		if err != nil {
			return nil, fmt.Errorf("load %s cache: %w", kind, err)
		}
		if records == nil {
			records = make(map[string]Record)
		}
		// Backfill structured keys for entries written without one.
		for key, rec := range records {
			if rec.Ref.BaseKey == "" {
				rec.Ref = ParseCompositeKey(key)
				records[key] = rec
			}
		}
		s.kinds[kind] = &kindState{records: records}
		log.Debug().
			Str("kind", string(kind)).
			Int("records", len(records)).
			Dur("duration", time.Since(start)).
			Msg("Cache kind loaded")
	}
	return s, nil
}

// Close releases the backend.
func (s *Store) Close() error {
	return s.backend.Close()
}

func (s *Store) state(kind Kind) *kindState {
	ks, ok := s.kinds[kind]
	if !ok {
		panic(fmt.Sprintf("store: unknown cache kind %q", kind))
	}
	return ks
}

// Get returns a copy of the record stored under key. The boolean is false
// when no record exists, which callers treat as an empty state.
func (s *Store) Get(kind Kind, key string) (Record, bool) {
	ks := s.state(kind)
	ks.mu.RLock()
	defer ks.mu.RUnlock()

	rec, ok := ks.records[key]
	if !ok {
		return Record{}, false
	}
	return rec.Clone(), true
}

// ListAll returns a snapshot of every record of the given kind.
func (s *Store) ListAll(kind Kind) map[string]Record {
	ks := s.state(kind)
	ks.mu.RLock()
	defer ks.mu.RUnlock()

	out := make(map[string]Record, len(ks.records))
	for k, rec := range ks.records {
		out[k] = rec.Clone()
	}
	return out
}

// Put stores rec under key. The returned error is a *PersistError when the
// record was applied in memory but not written durably.
func (s *Store) Put(ctx context.Context, kind Kind, key string, rec Record) error {
	return s.Update(ctx, kind, key, func(Record, bool) (Record, bool) {
		return rec, true
	})
}

// Update applies fn to the current record for key as a single atomic step.
// fn receives a copy of the existing record (and whether it exists) and
// returns the replacement plus whether to write it at all. Returning false
// leaves the store untouched and skips persistence.
func (s *Store) Update(ctx context.Context, kind Kind, key string, fn func(cur Record, exists bool) (Record, bool)) error {
	ks := s.state(kind)
	ks.mu.Lock()
	defer ks.mu.Unlock()

	cur, exists := ks.records[key]
	if exists {
		cur = cur.Clone()
	}
	next, write := fn(cur, exists)
	if !write {
		return nil
	}
	if err := next.Validate(); err != nil {
		return fmt.Errorf("put %s/%s: %w", kind, key, err)
	}
	if exists && next.Version < cur.Version {
		return fmt.Errorf("put %s/%s (v%d over v%d): %w", kind, key, next.Version, cur.Version, ErrVersionRegression)
	}
	if next.Ref.BaseKey == "" {
		next.Ref = CompositeKey{BaseKey: key, Version: next.Version}
	}
	ks.records[key] = next.Clone()

	return s.persistLocked(ctx, kind, ks)
}

// PutVersioned stores rec as a history entry under a fresh composite key
// derived from key, rec.Version, and the current time, and returns that key.
// It does not touch the bare "current" record.
func (s *Store) PutVersioned(ctx context.Context, kind Kind, key string, rec Record) (string, error) {
	ref := CompositeKey{BaseKey: key, Version: rec.Version, Timestamp: s.now().UnixMilli()}
	return s.putRef(ctx, kind, ref, rec)
}

// PutVariant stores one split variant of a versioned entry as its own
// sub-record. ordinal is 1-based.
func (s *Store) PutVariant(ctx context.Context, kind Kind, parent CompositeKey, ordinal int, rec Record) (string, error) {
	ref := parent
	ref.VariantIndex = ordinal
	return s.putRef(ctx, kind, ref, rec)
}

func (s *Store) putRef(ctx context.Context, kind Kind, ref CompositeKey, rec Record) (string, error) {
	if err := rec.Validate(); err != nil {
		return "", fmt.Errorf("put versioned %s/%s: %w", kind, ref.BaseKey, err)
	}
	ks := s.state(kind)
	ks.mu.Lock()
	defer ks.mu.Unlock()

	// Two generations finishing in the same millisecond must not collide.
	for {
		if _, taken := ks.records[ref.String()]; !taken {
			break
		}
		ref.Timestamp++
	}
	rec.Ref = ref
	key := ref.String()
	ks.records[key] = rec.Clone()

	return key, s.persistLocked(ctx, kind, ks)
}

// persistLocked writes a snapshot of the kind. The caller holds ks.mu.
func (s *Store) persistLocked(ctx context.Context, kind Kind, ks *kindState) error {
	snapshot := make(map[string]Record, len(ks.records))
	for k, rec := range ks.records {
		snapshot[k] = rec
	}
	start := time.Now()
	if err := s.backend.Save(ctx, kind, snapshot); err != nil {
		log.Warn().
			Err(err).
			Str("kind", string(kind)).
			Msg("Cache write failed, in-memory state remains authoritative")
		return &PersistError{Kind: kind, Err: err}
	}
	log.Debug().
		Str("kind", string(kind)).
		Int("records", len(snapshot)).
		Dur("duration", time.Since(start)).
		Msg("Cache kind persisted")
	return nil
}
