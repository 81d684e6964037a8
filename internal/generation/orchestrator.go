// Package generation is the entry point for art generation. It guarantees at
// most one running job per key, runs jobs in the background, falls back to a
// secondary backend when the primary fails, and records terminal failures.
package generation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/fpang/card-art-studio/internal/assets"
	"github.com/fpang/card-art-studio/internal/jobs"
	"github.com/fpang/card-art-studio/internal/jobutil"
	"github.com/fpang/card-art-studio/internal/metrics"
	"github.com/fpang/card-art-studio/internal/store"
)

// RequestStatus is the outcome of RequestGeneration.
type RequestStatus string

const (
	StatusStarted           RequestStatus = "started"
	StatusAlreadyInProgress RequestStatus = "alreadyInProgress"
	StatusCached            RequestStatus = "cached"
)

// Params are the caller's options for one request.
type Params struct {
	// Regenerate starts a new version even when completed art exists.
	Regenerate bool
	Style      string
}

// Handle is returned immediately by RequestGeneration. JobID identifies the
// running (or cached) generation and is the taskId clients see.
type Handle struct {
	Status  RequestStatus
	JobID   string
	Version int
}

// AlreadyInProgress reports whether another job already owns the key.
func (h Handle) AlreadyInProgress() bool {
	return h.Status == StatusAlreadyInProgress
}

// Options configures an Orchestrator.
type Options struct {
	Primary   jobs.Backend
	Secondary jobs.Backend

	// GridBackends asks these backends for one 2x2 grid image instead of
	// separate variants.
	GridBackends []string
	Variants     int

	FallbackEnabled     bool
	PlaceholderImageURL string
	DefaultCardText     string

	SubmitTimeout time.Duration
}

// Orchestrator is the GenerationOrchestrator. It is safe for concurrent use.
type Orchestrator struct {
	store     *store.Store
	worker    *jobs.Worker
	metadata  MetadataFetcher
	describer ImageDescriber
	emitter   *metrics.Emitter
	opts      Options
	grid      map[string]bool
	now       func() time.Time

	mu       sync.Mutex
	inflight map[string]string // key -> job ID
	wg       sync.WaitGroup

	analysis singleflight.Group
}

// New creates an Orchestrator. metadata and describer may be nil; prompts
// are then built from the key alone.
func New(st *store.Store, worker *jobs.Worker, md MetadataFetcher, describer ImageDescriber, opts Options) (*Orchestrator, error) {
	if opts.Primary == nil {
		return nil, errors.New("a primary generation backend is required")
	}
	if opts.Variants <= 0 {
		opts.Variants = 4
	}
	if opts.SubmitTimeout <= 0 {
		opts.SubmitTimeout = 30 * time.Second
	}
	o := &Orchestrator{
		store:     st,
		worker:    worker,
		metadata:  md,
		describer: describer,
		opts:      opts,
		grid:      make(map[string]bool),
		now:       time.Now,
		inflight:  make(map[string]string),
	}
	for _, b := range opts.GridBackends {
		o.grid[b] = true
	}
	return o, nil
}

// WithMetrics emits one EMF document per request outcome.
func (o *Orchestrator) WithMetrics(e *metrics.Emitter) *Orchestrator {
	o.emitter = e
	return o
}

// RequestGeneration starts a background job for key unless one is already
// running or completed art exists and no regeneration was asked for. It
// returns without waiting for the job.
func (o *Orchestrator) RequestGeneration(ctx context.Context, key string, params Params) (Handle, error) {
	if err := store.ValidateKey(key); err != nil {
		return Handle{}, err
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	cur, exists := o.store.Get(store.KindArt, key)

	if id, running := o.inflight[key]; running {
		o.countRequest(StatusAlreadyInProgress)
		return Handle{Status: StatusAlreadyInProgress, JobID: id, Version: cur.Version}, nil
	}
	if exists && cur.Status.InFlight() {
		o.countRequest(StatusAlreadyInProgress)
		return Handle{Status: StatusAlreadyInProgress, JobID: cur.TaskID, Version: cur.Version}, nil
	}
	if exists && cur.Status == store.StatusCompleted && !cur.IsFallback && !params.Regenerate {
		o.countRequest(StatusCached)
		return Handle{Status: StatusCached, JobID: cur.TaskID, Version: cur.Version}, nil
	}

	job := jobs.Job{
		ID:      jobs.GenerateID("gen-"),
		Key:     key,
		Version: nextVersion(cur, exists),
		State:   jobs.StateSubmitted,
	}

	err := o.store.Update(ctx, store.KindArt, key, func(cur store.Record, exists bool) (store.Record, bool) {
		if !exists {
			cur = store.Record{Version: job.Version, CreatedAt: o.now()}
		}
		cur.Status = store.StatusPending
		cur.ProgressPercent = 0
		cur.TaskID = job.ID
		cur.Backend = o.opts.Primary.Name()
		cur.ErrorMessage = ""
		return cur, true
	})
	if err != nil && !store.IsPersistWarning(err) {
		return Handle{}, fmt.Errorf("record pending generation: %w", err)
	}

	o.inflight[key] = job.ID
	o.wg.Add(1)
	go o.run(context.WithoutCancel(ctx), job, params)

	log.Info().
		Str("key", key).
		Str("jobId", job.ID).
		Int("version", job.Version).
		Bool("regenerate", params.Regenerate).
		Msg("Generation started")
	o.countRequest(StatusStarted)
	return Handle{Status: StatusStarted, JobID: job.ID, Version: job.Version}, nil
}

// nextVersion returns the version a new job for the key will produce. Only
// real completed art advances the counter; a failed attempt or a placeholder
// is retried under the same version.
func nextVersion(cur store.Record, exists bool) int {
	switch {
	case !exists:
		return 1
	case cur.URL != "" && !cur.IsFallback:
		return cur.Version + 1
	case cur.Version > 0:
		return cur.Version
	default:
		return 1
	}
}

// ArtStatus returns the current art record for key. The boolean is false
// when nothing has been generated yet.
func (o *Orchestrator) ArtStatus(key string) (store.Record, bool) {
	if store.ValidateKey(key) != nil {
		return store.Record{}, false
	}
	return o.store.Get(store.KindArt, key)
}

// Active reports whether this process is running a job for key.
func (o *Orchestrator) Active(key string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.inflight[key]
	return ok
}

// Wait blocks until every background job has finished or ctx is done.
func (o *Orchestrator) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *Orchestrator) run(ctx context.Context, job jobs.Job, params Params) {
	defer o.wg.Done()
	defer func() {
		o.mu.Lock()
		delete(o.inflight, job.Key)
		o.mu.Unlock()
	}()

	brief := o.brief(ctx, job.Key)

	result := o.attempt(ctx, job, o.opts.Primary, brief, params)
	if result.State == jobs.StateCompleted {
		return
	}

	rootCause := result.Err
	if result.State == jobs.StateFailed && o.opts.Secondary != nil {
		log.Warn().
			Str("key", job.Key).
			Str("jobId", job.ID).
			Str("primary", o.opts.Primary.Name()).
			Str("secondary", o.opts.Secondary.Name()).
			Str("error", rootCause).
			Msg("Primary backend failed, trying secondary")

		second := o.attempt(ctx, job, o.opts.Secondary, brief, params)
		if second.State == jobs.StateCompleted {
			return
		}
		log.Warn().
			Str("key", job.Key).
			Str("jobId", job.ID).
			Str("error", second.Err).
			Msg("Secondary backend failed as well")
	}

	if o.substitutePlaceholder(ctx, job, rootCause) {
		return
	}

	status := result.State.RecordStatus()
	if err := jobutil.SetJobError(ctx, job.Key, job.ID, rootCause, o.failureWriter(status)); err != nil && !store.IsPersistWarning(err) {
		log.Error().Err(err).Str("key", job.Key).Msg("Failed to record generation failure")
	}
}

// attempt submits one job to backend and polls it to a terminal state.
func (o *Orchestrator) attempt(ctx context.Context, job jobs.Job, backend jobs.Backend, b brief, params Params) jobs.Job {
	job.State = jobs.StateSubmitted
	job.Backend = backend.Name()
	job.Err = ""
	job.Attempts = 0
	job.Progress = 0
	job.Output = nil
	job.StartedAt = time.Time{}
	job.Prompt = assets.RenderArtPrompt(assets.ArtData{
		Name:        b.name,
		Description: b.description,
		Traits:      b.traits,
		Style:       params.Style,
		Grid:        o.grid[backend.Name()],
	})

	submitCtx, cancel := context.WithTimeout(ctx, o.opts.SubmitTimeout)
	taskID, err := backend.Submit(submitCtx, jobs.SubmitRequest{
		Key:               job.Key,
		Prompt:            job.Prompt,
		ReferenceImageURL: b.imageURL,
		Variants:          o.opts.Variants,
	})
	cancel()
	if err != nil {
		log.Error().
			Err(err).
			Str("key", job.Key).
			Str("backend", backend.Name()).
			Msg("Failed to submit generation task")
		return jobs.Fail(job, "submit: "+err.Error())
	}
	job.TaskID = taskID

	log.Info().
		Str("key", job.Key).
		Str("jobId", job.ID).
		Str("taskId", taskID).
		Str("backend", backend.Name()).
		Msg("Generation task submitted")

	return o.worker.Run(ctx, job, backend)
}

// substitutePlaceholder stores the configured placeholder image as a flagged
// completed record when the key has no real art to fall back on.
func (o *Orchestrator) substitutePlaceholder(ctx context.Context, job jobs.Job, rootCause string) bool {
	if !o.opts.FallbackEnabled || o.opts.PlaceholderImageURL == "" {
		return false
	}
	substituted := false
	err := o.store.Update(ctx, store.KindArt, job.Key, func(cur store.Record, exists bool) (store.Record, bool) {
		if exists && (cur.TaskID != job.ID || (cur.URL != "" && !cur.IsFallback)) {
			return cur, false
		}
		substituted = true
		return store.Record{
			URL:             o.opts.PlaceholderImageURL,
			AllImageURLs:    []string{o.opts.PlaceholderImageURL},
			Version:         job.Version,
			CreatedAt:       o.now(),
			TaskID:          job.ID,
			Backend:         job.Backend,
			Status:          store.StatusCompleted,
			ProgressPercent: 100,
			ErrorMessage:    rootCause,
			IsFallback:      true,
		}, true
	})
	if err != nil && !store.IsPersistWarning(err) {
		log.Error().Err(err).Str("key", job.Key).Msg("Failed to store placeholder art")
		return false
	}
	if substituted {
		log.Warn().
			Str("key", job.Key).
			Str("jobId", job.ID).
			Str("error", rootCause).
			Msg("Generation failed, placeholder art substituted")
	}
	return substituted
}

// failureWriter records a terminal failure on the job's record. When the key
// already had real art, that art stays current and completed and the failure
// is reported in errorMessage; otherwise the record takes the terminal
// status. A record already taken over by a newer job is left alone.
func (o *Orchestrator) failureWriter(status store.Status) jobutil.ErrorWriter {
	return func(ctx context.Context, key, jobID, msg string) error {
		records := o.store.ListAll(store.KindArt)
		return o.store.Update(ctx, store.KindArt, key, func(cur store.Record, exists bool) (store.Record, bool) {
			if exists && cur.TaskID != jobID {
				return cur, false
			}
			if prev, ok := previousArt(records, key, cur); ok {
				prev.ErrorMessage = msg
				return prev, true
			}
			cur.Status = status
			cur.TaskID = jobID
			cur.ErrorMessage = msg
			return cur, true
		})
	}
}

// previousArt rebuilds the completed record a failed or interrupted job was
// meant to replace, from the newest history entry of cur's version. ok is
// false when cur carries no real art.
func previousArt(records map[string]store.Record, key string, cur store.Record) (store.Record, bool) {
	if cur.URL == "" || cur.IsFallback {
		return store.Record{}, false
	}

	var (
		best  store.Record
		found bool
	)
	for storageKey, rec := range records {
		ref := rec.Ref
		if ref.Timestamp == 0 {
			ref = store.ParseCompositeKey(storageKey)
		}
		if ref.BaseKey != key || ref.Timestamp == 0 || ref.IsVariant() || ref.Version != cur.Version {
			continue
		}
		if rec.Status != store.StatusCompleted {
			continue
		}
		if !found || ref.Timestamp > best.Ref.Timestamp {
			rec.Ref = ref
			best, found = rec, true
		}
	}

	if !found {
		cur.Status = store.StatusCompleted
		cur.ProgressPercent = 100
		return cur, true
	}
	best.Ref = store.CompositeKey{}
	return best, true
}

func (o *Orchestrator) countRequest(status RequestStatus) {
	o.emitter.New().
		Dimension("Outcome", string(status)).
		Count("GenerationRequests").
		Flush()
}
