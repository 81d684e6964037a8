package generation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/fpang/card-art-studio/internal/assets"
	"github.com/fpang/card-art-studio/internal/chat"
	"github.com/fpang/card-art-studio/internal/metadata"
	"github.com/fpang/card-art-studio/internal/store"
)

const analysisTimeout = 2 * time.Minute

// MetadataFetcher is fetchMetadata. *metadata.Client implements it.
type MetadataFetcher interface {
	FetchMetadata(ctx context.Context, key string) (*metadata.Token, error)
}

// ImageDescriber is describeImage. *chat.Describer implements it.
type ImageDescriber interface {
	DescribeImage(ctx context.Context, key, name, imageURL string, traits []assets.Trait) (*chat.Analysis, error)
}

// ErrVisionUnavailable is returned when no vision model is configured and
// fallback text is disabled.
var ErrVisionUnavailable = errors.New("vision model is not configured")

// Details is the analysis result served for a card.
type Details struct {
	Key         string           `json:"key"`
	Card        chat.CardDetails `json:"cardDetails"`
	Description string           `json:"description"`
	IsFallback  bool             `json:"isFallback"`
}

type analysisPayload struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// brief is what a generation prompt is built from.
type brief struct {
	name        string
	description string
	imageURL    string
	traits      []assets.Trait
}

// CardDetails returns the cached analysis for key, running the vision model
// once when nothing usable is cached. Concurrent callers for the same key
// share one analysis. Fallback text is cached too, but a later call retries
// the model before serving it again.
func (o *Orchestrator) CardDetails(ctx context.Context, key string) (*Details, error) {
	if err := store.ValidateKey(key); err != nil {
		return nil, err
	}
	if d, ok := o.cachedDetails(key); ok && !d.IsFallback {
		return d, nil
	}
	v, err, _ := o.analysis.Do(key, func() (any, error) {
		return o.analyze(ctx, key, nil)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Details), nil
}

func (o *Orchestrator) cachedDetails(key string) (*Details, bool) {
	rec, ok := o.store.Get(store.KindCardDetails, key)
	if !ok || len(rec.Payload) == 0 {
		return nil, false
	}
	d := &Details{Key: key, IsFallback: rec.IsFallback}
	if err := json.Unmarshal(rec.Payload, &d.Card); err != nil {
		log.Warn().Err(err).Str("key", key).Msg("Discarding unreadable card details")
		return nil, false
	}
	if an, ok := o.store.Get(store.KindAnalysis, key); ok && len(an.Payload) > 0 {
		var p analysisPayload
		if err := json.Unmarshal(an.Payload, &p); err == nil {
			d.Description = p.Description
		}
	}
	return d, true
}

// analyze fetches metadata (unless tok is given), describes the token image
// and caches both results.
func (o *Orchestrator) analyze(ctx context.Context, key string, tok *metadata.Token) (*Details, error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), analysisTimeout)
	defer cancel()

	if tok == nil {
		var err error
		tok, err = o.token(ctx, key)
		if errors.Is(err, metadata.ErrNotFound) {
			return nil, err
		}
		if err != nil {
			return o.fallbackDetails(ctx, key, &metadata.Token{Key: key, Name: "#" + key}, err)
		}
	}

	if o.describer == nil || tok.ImageURL == "" {
		return o.fallbackDetails(ctx, key, tok, ErrVisionUnavailable)
	}

	start := time.Now()
	analysis, err := o.describer.DescribeImage(ctx, key, tok.Name, tok.ImageURL, tok.Traits)
	if err != nil {
		return o.fallbackDetails(ctx, key, tok, err)
	}

	d := &Details{Key: key, Card: analysis.Card, Description: analysis.Description}
	o.storeDetails(ctx, key, tok, d, "")
	log.Info().
		Str("key", key).
		Str("name", d.Card.Name).
		Dur("duration", time.Since(start)).
		Msg("Card analysis cached")
	return d, nil
}

func (o *Orchestrator) token(ctx context.Context, key string) (*metadata.Token, error) {
	if o.metadata == nil {
		return &metadata.Token{Key: key, Name: "#" + key}, nil
	}
	tok, err := o.metadata.FetchMetadata(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("fetch metadata: %w", err)
	}
	return tok, nil
}

// fallbackDetails substitutes the default card text when configured.
func (o *Orchestrator) fallbackDetails(ctx context.Context, key string, tok *metadata.Token, cause error) (*Details, error) {
	if !o.opts.FallbackEnabled {
		return nil, cause
	}
	log.Warn().Err(cause).Str("key", key).Msg("Card analysis failed, using default card text")
	d := &Details{
		Key: key,
		Card: chat.CardDetails{
			Name:       tok.Name,
			FlavorText: o.opts.DefaultCardText,
		},
		Description: o.opts.DefaultCardText,
		IsFallback:  true,
	}
	o.storeDetails(ctx, key, tok, d, cause.Error())
	return d, nil
}

// storeDetails writes the analysis and card-details records. Each record's
// URL is the image that was analyzed; without one the record is kept as
// failed so it still carries the fallback text.
func (o *Orchestrator) storeDetails(ctx context.Context, key string, tok *metadata.Token, d *Details, errMsg string) {
	url := tok.ImageURL
	if url == "" && d.IsFallback {
		url = o.opts.PlaceholderImageURL
	}
	status := store.StatusCompleted
	if url == "" {
		status = store.StatusFailed
	}

	analysis, _ := json.Marshal(analysisPayload{Name: tok.Name, Description: d.Description})
	card, _ := json.Marshal(d.Card)

	for kind, payload := range map[store.Kind][]byte{store.KindAnalysis: analysis, store.KindCardDetails: card} {
		err := o.store.Update(ctx, kind, key, func(cur store.Record, exists bool) (store.Record, bool) {
			version := 1
			if exists {
				version = cur.Version
			}
			return store.Record{
				URL:             url,
				Version:         version,
				CreatedAt:       o.now(),
				Status:          status,
				ProgressPercent: 100,
				ErrorMessage:    errMsg,
				IsFallback:      d.IsFallback,
				Payload:         payload,
			}, true
		})
		if err != nil {
			log.Warn().Err(err).Str("key", key).Str("kind", string(kind)).Msg("Failed to cache card analysis")
		}
	}
}

// brief collects the prompt inputs for key. Every lookup is best effort: a
// prompt can always be built from the key alone.
func (o *Orchestrator) brief(ctx context.Context, key string) brief {
	b := brief{name: "#" + key}

	tok, err := o.token(ctx, key)
	if err != nil {
		log.Warn().Err(err).Str("key", key).Msg("Metadata unavailable, generating from key only")
		return b
	}
	b.name, b.imageURL, b.traits = tok.Name, tok.ImageURL, tok.Traits

	if d, ok := o.cachedDetails(key); ok && !d.IsFallback {
		b.description = d.Description
		return b
	}
	if o.describer == nil || tok.ImageURL == "" {
		return b
	}
	v, err, _ := o.analysis.Do(key, func() (any, error) {
		return o.analyze(ctx, key, tok)
	})
	if err != nil {
		log.Warn().Err(err).Str("key", key).Msg("Card analysis failed, generating without description")
		return b
	}
	if d := v.(*Details); !d.IsFallback {
		b.description = d.Description
	}
	return b
}
