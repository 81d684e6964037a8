// Package gallery builds the paginated gallery view over the art cache: one
// item per key, showing the latest completed generation and its variants.
package gallery

import (
	"cmp"
	"fmt"
	"hash/fnv"
	"slices"
	"strings"
	"time"

	"github.com/fpang/card-art-studio/internal/store"
	"github.com/fpang/card-art-studio/internal/variant"
)

// Filter selects the gallery ordering.
type Filter string

const (
	// FilterAll lists keys in the order they were first generated.
	FilterAll Filter = "all"
	// FilterRecent lists the most recently generated art first.
	FilterRecent Filter = "recent"
	// FilterPopular lists keys by a stable popularity score.
	FilterPopular Filter = "popular"
)

// Page size limits.
const (
	DefaultLimit = 20
	MaxLimit     = 100
)

// ParseFilter accepts "", "all", "recent" and "popular".
func ParseFilter(s string) (Filter, error) {
	switch f := Filter(strings.ToLower(s)); f {
	case "":
		return FilterAll, nil
	case FilterAll, FilterRecent, FilterPopular:
		return f, nil
	default:
		return "", fmt.Errorf("unknown gallery filter %q", s)
	}
}

// Item is one key's entry in the gallery.
type Item struct {
	Key          string            `json:"key"`
	PrimaryURL   string            `json:"primaryUrl"`
	ThumbnailURL string            `json:"thumbnailUrl,omitempty"`
	Variants     []variant.Variant `json:"variants"`
	Version      int               `json:"version"`
	CreatedAt    time.Time         `json:"createdAt"`
	IsFallback   bool              `json:"isFallback"`
}

// Page is one slice of the gallery. Page numbers are 1-based.
type Page struct {
	Items      []Item `json:"items"`
	TotalItems int    `json:"totalItems"`
	TotalPages int    `json:"totalPages"`
	Page       int    `json:"page"`
	Limit      int    `json:"limit"`
}

// Reader is the part of the store the gallery needs.
type Reader interface {
	ListAll(kind store.Kind) map[string]store.Record
}

// Aggregator is the GalleryAggregator.
type Aggregator struct {
	reader Reader
}

// New creates an Aggregator over r.
func New(r Reader) *Aggregator {
	return &Aggregator{reader: r}
}

// group collects every stored record for one key.
type group struct {
	key       string
	primaries []entry
	variants  []entry
	firstSeen time.Time
}

type entry struct {
	storageKey string
	rec        store.Record
}

// List returns one page of the gallery. Out-of-range page and limit values
// are clamped; a page past the end is empty.
func (a *Aggregator) List(page, limit int, filter Filter, search string) Page {
	if limit <= 0 {
		limit = DefaultLimit
	}
	limit = min(limit, MaxLimit)
	page = max(page, 1)

	items := a.Items(filter, search)

	total := len(items)
	out := Page{
		Items:      []Item{},
		TotalItems: total,
		TotalPages: (total + limit - 1) / limit,
		Page:       page,
		Limit:      limit,
	}
	start := (page - 1) * limit
	if start < total {
		out.Items = items[start:min(start+limit, total)]
	}
	return out
}

// Items returns every gallery item, filtered and sorted, without paging.
func (a *Aggregator) Items(filter Filter, search string) []Item {
	groups := groupRecords(a.reader.ListAll(store.KindArt))

	search = strings.ToLower(strings.TrimSpace(search))
	items := make([]Item, 0, len(groups))
	meta := make(map[string]*group, len(groups))
	for _, g := range groups {
		if search != "" && !strings.Contains(strings.ToLower(g.key), search) {
			continue
		}
		item, ok := g.item()
		if !ok {
			continue
		}
		items = append(items, item)
		meta[item.Key] = g
	}

	switch filter {
	case FilterRecent:
		slices.SortFunc(items, func(x, y Item) int {
			return cmp.Or(y.CreatedAt.Compare(x.CreatedAt), cmp.Compare(x.Key, y.Key))
		})
	case FilterPopular:
		slices.SortFunc(items, func(x, y Item) int {
			return cmp.Or(
				cmp.Compare(popularity(meta[y.Key]), popularity(meta[x.Key])),
				cmp.Compare(x.Key, y.Key),
			)
		})
	default:
		slices.SortFunc(items, func(x, y Item) int {
			return cmp.Or(meta[x.Key].firstSeen.Compare(meta[y.Key].firstSeen), cmp.Compare(x.Key, y.Key))
		})
	}
	return items
}

// groupRecords groups completed art records by base key. Records that hold
// a single already-split quadrant, rather than a primary entry or a
// per-variant sub-record, are discarded.
func groupRecords(records map[string]store.Record) map[string]*group {
	groups := make(map[string]*group)
	for storageKey, rec := range records {
		if rec.Status != store.StatusCompleted || rec.URL == "" {
			continue
		}
		ref := rec.Ref
		if ref.BaseKey == "" {
			ref = store.ParseCompositeKey(storageKey)
			rec.Ref = ref
		}

		g, ok := groups[ref.BaseKey]
		if !ok {
			g = &group{key: ref.BaseKey, firstSeen: rec.CreatedAt}
			groups[ref.BaseKey] = g
		}
		if rec.CreatedAt.Before(g.firstSeen) {
			g.firstSeen = rec.CreatedAt
		}

		e := entry{storageKey: storageKey, rec: rec}
		switch {
		case ref.IsVariant():
			g.variants = append(g.variants, e)
		case isQuadrant(rec.URL):
			continue
		default:
			g.primaries = append(g.primaries, e)
		}
	}
	return groups
}

func isQuadrant(url string) bool {
	_, ok := variant.QuadrantOrdinal(url)
	return ok
}

// item selects the highest-version primary and attaches its variants.
func (g *group) item() (Item, bool) {
	if len(g.primaries) == 0 {
		return Item{}, false
	}
	primary := slices.MaxFunc(g.primaries, func(x, y entry) int {
		return cmp.Or(
			cmp.Compare(x.rec.Version, y.rec.Version),
			x.rec.CreatedAt.Compare(y.rec.CreatedAt),
			cmp.Compare(x.storageKey, y.storageKey),
		)
	}).rec

	item := Item{
		Key:          g.key,
		PrimaryURL:   primary.URL,
		ThumbnailURL: primary.ThumbnailURL,
		Version:      primary.Version,
		CreatedAt:    primary.CreatedAt,
		IsFallback:   primary.IsFallback,
	}
	switch {
	case len(primary.AllImageURLs) > 0:
		item.Variants = variant.SplitVariants(primary.AllImageURLs)
	default:
		item.Variants = g.subRecordVariants(primary.Version)
	}
	if len(item.Variants) == 0 {
		item.Variants = variant.SplitVariants([]string{primary.URL})
	}
	return item, true
}

// subRecordVariants orders the per-variant sub-records of the newest entry
// with the given version by ordinal.
func (g *group) subRecordVariants(version int) []variant.Variant {
	var latest int64
	for _, e := range g.variants {
		if e.rec.Ref.Version == version {
			latest = max(latest, e.rec.Ref.Timestamp)
		}
	}
	var subs []store.Record
	for _, e := range g.variants {
		if e.rec.Ref.Version == version && e.rec.Ref.Timestamp == latest {
			subs = append(subs, e.rec)
		}
	}
	slices.SortFunc(subs, func(x, y store.Record) int {
		return cmp.Compare(x.Ref.VariantIndex, y.Ref.VariantIndex)
	})
	out := make([]variant.Variant, len(subs))
	for i, s := range subs {
		out[i] = variant.Variant{URL: s.URL, Ordinal: s.Ref.VariantIndex}
	}
	return out
}

// popularity is a stable pseudo-popularity score: keys regenerated more
// often rank higher, and a hash of the key spreads the rest.
func popularity(g *group) uint64 {
	h := fnv.New32a()
	h.Write([]byte(g.key))
	versions := make(map[int]bool)
	for _, e := range g.primaries {
		versions[e.rec.Version] = true
	}
	return uint64(len(versions))<<32 | uint64(h.Sum32())
}
