// Package store provides durable key-value persistence for the three cache
// kinds the card service keeps: image analysis, card details, and generated
// art. Each kind is a flat mapping from key (or versioned key) to Record,
// loaded fully into memory at startup and rewritten in full on every
// mutation through a pluggable Backend.
//
// The in-memory maps are the only shared mutable state in the service. Each
// kind has its own lock; a mutation updates the map and persists a snapshot
// while holding that lock, so readers never observe a partially applied
// write. A persistence failure does not roll back the in-memory update: the
// process keeps serving the new state and the caller receives a PersistError
// to log as a warning.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"
)

// Kind identifies one of the independent record collections.
type Kind string

const (
	KindAnalysis    Kind = "analysis"
	KindCardDetails Kind = "card-details"
	KindArt         Kind = "art"
)

// Kinds lists every cache kind in load order.
var Kinds = []Kind{KindAnalysis, KindCardDetails, KindArt}

// Status is the lifecycle state recorded on a Record.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusTimedOut   Status = "timedOut"
)

// InFlight reports whether a record with this status still has a worker
// attached to it.
func (s Status) InFlight() bool {
	return s == StatusPending || s == StatusProcessing
}

// Terminal reports whether no further transition is expected.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusTimedOut
}

// CompositeKey identifies a stored record structurally. Bare "current"
// records carry only BaseKey and Version; history entries add the timestamp
// of the generation, and per-variant sub-records add a 1-based VariantIndex.
type CompositeKey struct {
	BaseKey      string `json:"baseKey"`
	Version      int    `json:"version,omitempty"`
	Timestamp    int64  `json:"timestamp,omitempty"`
	VariantIndex int    `json:"variantIndex,omitempty"`
}

// String renders the storage key: "<key>_v<version>_<timestamp>" for history
// entries, with a "_variant<N>" suffix for per-variant sub-records, or the
// bare key when no timestamp is set.
func (k CompositeKey) String() string {
	if k.Timestamp == 0 {
		return k.BaseKey
	}
	s := k.BaseKey + "_v" + strconv.Itoa(k.Version) + "_" + strconv.FormatInt(k.Timestamp, 10)
	if k.VariantIndex > 0 {
		s += "_variant" + strconv.Itoa(k.VariantIndex)
	}
	return s
}

// IsVariant reports whether the key addresses a single split variant rather
// than a primary entry.
func (k CompositeKey) IsVariant() bool {
	return k.VariantIndex > 0
}

// ParseCompositeKey recovers a CompositeKey from a storage key written by a
// build that did not carry the structured key on the record. Keys that do not
// follow the versioned layout are returned as bare keys.
func ParseCompositeKey(s string) CompositeKey {
	idx := strings.LastIndex(s, "_v")
	for idx > 0 {
		rest := strings.Split(s[idx+2:], "_")
		if len(rest) == 2 || (len(rest) == 3 && strings.HasPrefix(rest[2], "variant")) {
			version, verr := strconv.Atoi(rest[0])
			ts, terr := strconv.ParseInt(rest[1], 10, 64)
			if verr == nil && terr == nil {
				k := CompositeKey{BaseKey: s[:idx], Version: version, Timestamp: ts}
				if len(rest) == 3 {
					k.VariantIndex, _ = strconv.Atoi(strings.TrimPrefix(rest[2], "variant"))
				}
				return k
			}
		}
		idx = strings.LastIndex(s[:idx], "_v")
	}
	return CompositeKey{BaseKey: s}
}

// Record is the shape shared by all three cache kinds. Analysis and
// card-detail records keep their model output in Payload; art records use the
// URL fields.
type Record struct {
	Ref             CompositeKey    `json:"ref"`
	URL             string          `json:"url,omitempty"`
	AllImageURLs    []string        `json:"allImageUrls"`
	ThumbnailURL    string          `json:"thumbnailUrl,omitempty"`
	Version         int             `json:"version"`
	CreatedAt       time.Time       `json:"createdAt"`
	TaskID          string          `json:"taskId,omitempty"`
	Backend         string          `json:"backend,omitempty"`
	Status          Status          `json:"status"`
	ProgressPercent int             `json:"progressPercent"`
	ErrorMessage    string          `json:"errorMessage,omitempty"`
	IsFallback      bool            `json:"isFallback"`
	Payload         json.RawMessage `json:"payload,omitempty"`
}

// Clone returns a deep copy so callers can never mutate store-owned slices.
func (r Record) Clone() Record {
	r.AllImageURLs = slices.Clone(r.AllImageURLs)
	if r.AllImageURLs == nil {
		r.AllImageURLs = []string{}
	}
	r.Payload = slices.Clone(r.Payload)
	return r
}

// Validate checks the record-level invariants.
func (r Record) Validate() error {
	if r.Status == StatusCompleted && r.URL == "" {
		return ErrCompletedWithoutURL
	}
	if r.ProgressPercent < 0 || r.ProgressPercent > 100 {
		return fmt.Errorf("progress %d out of range", r.ProgressPercent)
	}
	return nil
}

var (
	// ErrCompletedWithoutURL rejects a completed record with no primary image.
	ErrCompletedWithoutURL = errors.New("completed record must have a url")

	// ErrVersionRegression rejects a write that would lower a key's version.
	ErrVersionRegression = errors.New("record version must not decrease")

	// ErrInvalidKey rejects a caller key that cannot name a current record.
	ErrInvalidKey = errors.New("invalid key")
)

// ValidateKey checks that key can be used as a caller-facing key. Keys that
// read as a history or variant storage key ("<key>_v<n>_<ts>") are refused:
// they share the kind's map with the records PutVersioned writes.
func ValidateKey(key string) error {
	if key == "" {
		return fmt.Errorf("%w: empty", ErrInvalidKey)
	}
	if ParseCompositeKey(key).Timestamp != 0 {
		return fmt.Errorf("%w: %q has the form of a versioned storage key", ErrInvalidKey, key)
	}
	return nil
}

// PersistError reports that an update was applied in memory but could not be
// written to the backend. It is a warning, not a failure of the operation.
type PersistError struct {
	Kind Kind
	Err  error
}

func (e *PersistError) Error() string {
	return fmt.Sprintf("persist %s cache: %v", e.Kind, e.Err)
}

func (e *PersistError) Unwrap() error {
	return e.Err
}

// IsPersistWarning reports whether err only signals a failed durable write.
func IsPersistWarning(err error) bool {
	var pe *PersistError
	return errors.As(err, &pe)
}

// Backend persists whole-kind snapshots. Load returns an empty map (not an
// error) when nothing has been stored yet. Save must be all-or-nothing.
type Backend interface {
	Load(ctx context.Context, kind Kind) (map[string]Record, error)
	Save(ctx context.Context, kind Kind, records map[string]Record) error
	Close() error
}
