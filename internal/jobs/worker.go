package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/fpang/card-art-studio/internal/metrics"
	"github.com/fpang/card-art-studio/internal/store"
)

// Defaults for a Worker. Without WithMaxElapsed only the attempt ceiling
// ends a job that keeps running.
const (
	DefaultInterval    = 5 * time.Second
	DefaultMaxAttempts = 60
)

// AssetProcessor derives processed assets from a job's output.
// *variant.Processor implements it.
type AssetProcessor interface {
	MakeThumbnail(ctx context.Context, url string) (string, error)
	Thumbnails(ctx context.Context, urls []string) []string
	SplitGrid(ctx context.Context, url string) ([]string, error)
}

// Worker is the PollingWorker. One Worker serves every job; each Run call
// drives a single job and keeps no state between calls.
type Worker struct {
	store       *store.Store
	processor   AssetProcessor
	emitter     *metrics.Emitter
	interval    time.Duration
	maxAttempts int
	maxElapsed  time.Duration
	splitGrid   map[string]bool
	sleep       func(context.Context, time.Duration) error
	now         func() time.Time
}

// Option configures a Worker.
type Option func(*Worker)

// WithInterval sets the delay before each poll.
func WithInterval(d time.Duration) Option {
	return func(w *Worker) {
		if d > 0 {
			w.interval = d
		}
	}
}

// WithMaxAttempts caps the number of polls, transient failures included.
func WithMaxAttempts(n int) Option {
	return func(w *Worker) {
		if n > 0 {
			w.maxAttempts = n
		}
	}
}

// WithMaxElapsed caps total polling wall-clock time. Zero disables the cap.
func WithMaxElapsed(d time.Duration) Option {
	return func(w *Worker) {
		w.maxElapsed = d
	}
}

// WithProcessor enables thumbnails and grid splitting.
func WithProcessor(p AssetProcessor) Option {
	return func(w *Worker) {
		w.processor = p
	}
}

// WithMetrics emits one EMF document per finished job.
func WithMetrics(e *metrics.Emitter) Option {
	return func(w *Worker) {
		w.emitter = e
	}
}

// WithSplitGrid marks backends whose single output image is a 2x2 grid.
func WithSplitGrid(backends ...string) Option {
	return func(w *Worker) {
		for _, b := range backends {
			w.splitGrid[b] = true
		}
	}
}

// WithSleeper replaces the interval wait, for tests.
func WithSleeper(fn func(context.Context, time.Duration) error) Option {
	return func(w *Worker) {
		if fn != nil {
			w.sleep = fn
		}
	}
}

// WithClock replaces the time source.
func WithClock(now func() time.Time) Option {
	return func(w *Worker) {
		if now != nil {
			w.now = now
		}
	}
}

// NewWorker creates a Worker persisting into st.
func NewWorker(st *store.Store, opts ...Option) *Worker {
	w := &Worker{
		store:       st,
		interval:    DefaultInterval,
		maxAttempts: DefaultMaxAttempts,
		splitGrid:   make(map[string]bool),
		sleep:       sleepContext,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run polls backend until job reaches a terminal state and returns it.
// Cancelling ctx does not stop the loop: a started job always finishes.
//
// Progress is persisted after every non-terminal poll. On completion the
// result is processed and stored as a new version; Failed and TimedOut jobs
// are returned without touching the record so the caller can try a fallback
// before recording the failure.
func (w *Worker) Run(ctx context.Context, job Job, backend Backend) Job {
	ctx = context.WithoutCancel(ctx)
	if job.StartedAt.IsZero() {
		job.StartedAt = w.now()
	}
	job.Backend = backend.Name()

	log.Info().
		Str("key", job.Key).
		Str("jobId", job.ID).
		Str("taskId", job.TaskID).
		Str("backend", job.Backend).
		Int("version", job.Version).
		Msg("Polling generation task")

	for !job.State.Terminal() {
		if job.Attempts >= w.maxAttempts {
			job = Expire(job, fmt.Sprintf("no terminal status after %d polls", job.Attempts))
			break
		}
		if w.maxElapsed > 0 && w.now().Sub(job.StartedAt) >= w.maxElapsed {
			job = Expire(job, fmt.Sprintf("no terminal status after %s", w.maxElapsed))
			break
		}

		_ = w.sleep(ctx, w.interval)
		job.Attempts++

		resp, err := backend.Poll(ctx, job.TaskID)
		if err != nil {
			if IsTerminal(err) {
				job = Fail(job, err.Error())
				break
			}
			log.Warn().
				Err(err).
				Str("key", job.Key).
				Str("taskId", job.TaskID).
				Int("attempt", job.Attempts).
				Msg("Poll failed, retrying")
			continue
		}

		next, err := Advance(job, resp)
		if err != nil {
			log.Error().
				Err(err).
				Str("key", job.Key).
				Str("taskId", job.TaskID).
				Msg("Unusable poll response")
			job = Fail(job, err.Error())
			break
		}
		job = next

		log.Debug().
			Str("key", job.Key).
			Str("taskId", job.TaskID).
			Str("state", string(job.State)).
			Int("progress", job.Progress).
			Int("attempt", job.Attempts).
			Msg("Poll result")

		if !job.State.Terminal() {
			w.persistProgress(ctx, job)
		}
	}

	if job.State == StateCompleted {
		if err := w.complete(ctx, job); err != nil {
			log.Error().Err(err).Str("key", job.Key).Msg("Failed to store generation result")
			job.State = StateFailed
			job.Err = "store result: " + err.Error()
		}
	}

	w.recordMetrics(job)
	return job
}

// persistProgress writes the interim state onto the current record. The
// previous completed result, if any, stays in place.
func (w *Worker) persistProgress(ctx context.Context, job Job) {
	err := w.store.Update(ctx, store.KindArt, job.Key, func(cur store.Record, exists bool) (store.Record, bool) {
		if exists && cur.Status.Terminal() && cur.TaskID == job.ID {
			return cur, false
		}
		if !exists {
			cur = store.Record{Version: job.Version, CreatedAt: job.StartedAt}
		}
		cur.Status = job.State.RecordStatus()
		cur.ProgressPercent = job.Progress
		cur.TaskID = job.ID
		cur.Backend = job.Backend
		cur.ErrorMessage = ""
		return cur, true
	})
	if err != nil {
		log.Warn().Err(err).Str("key", job.Key).Msg("Failed to persist job progress")
	}
}

// complete processes the output and stores it as a versioned entry, then
// makes it the current record.
func (w *Worker) complete(ctx context.Context, job Job) error {
	out := job.Output
	rec := store.Record{
		URL:             out.Primary,
		AllImageURLs:    out.All,
		Version:         job.Version,
		CreatedAt:       w.now(),
		TaskID:          job.ID,
		Backend:         job.Backend,
		Status:          store.StatusCompleted,
		ProgressPercent: 100,
	}

	var quadrants []string
	if w.processor != nil {
		if w.splitGrid[job.Backend] && len(out.All) == 1 {
			q, err := w.processor.SplitGrid(ctx, out.Primary)
			if err != nil {
				log.Warn().Err(err).Str("key", job.Key).Msg("Grid split failed, keeping combined image")
			} else {
				quadrants = q
				rec.AllImageURLs = q
			}
		}
		thumb, err := w.processor.MakeThumbnail(ctx, out.Primary)
		if err != nil {
			log.Warn().Err(err).Str("key", job.Key).Msg("Thumbnail generation failed, continuing without thumbnail")
		}
		rec.ThumbnailURL = thumb
	}

	versionKey, err := w.store.PutVersioned(ctx, store.KindArt, job.Key, rec)
	if err != nil && !store.IsPersistWarning(err) {
		return err
	}

	if len(quadrants) > 0 {
		w.storeVariants(ctx, job, versionKey, rec, quadrants)
	}

	err = w.store.Update(ctx, store.KindArt, job.Key, func(cur store.Record, exists bool) (store.Record, bool) {
		if exists && cur.Version > rec.Version {
			log.Warn().
				Str("key", job.Key).
				Int("current", cur.Version).
				Int("result", rec.Version).
				Msg("Newer version already current, keeping it")
			return cur, false
		}
		return rec, true
	})
	if err != nil && !store.IsPersistWarning(err) {
		return err
	}

	log.Info().
		Str("key", job.Key).
		Str("taskId", job.TaskID).
		Str("versionKey", versionKey).
		Str("source", string(out.Source)).
		Int("images", len(rec.AllImageURLs)).
		Int("attempts", job.Attempts).
		Msg("Generation completed")
	return nil
}

func (w *Worker) storeVariants(ctx context.Context, job Job, versionKey string, parent store.Record, urls []string) {
	ref, ok := w.store.Get(store.KindArt, versionKey)
	if !ok {
		return
	}
	thumbs := w.processor.Thumbnails(ctx, urls)
	for i, u := range urls {
		sub := store.Record{
			URL:             u,
			AllImageURLs:    []string{u},
			ThumbnailURL:    thumbs[i],
			Version:         parent.Version,
			CreatedAt:       parent.CreatedAt,
			TaskID:          parent.TaskID,
			Backend:         parent.Backend,
			Status:          store.StatusCompleted,
			ProgressPercent: 100,
		}
		if _, err := w.store.PutVariant(ctx, store.KindArt, ref.Ref, i+1, sub); err != nil {
			log.Warn().Err(err).Str("key", job.Key).Int("variant", i+1).Msg("Failed to store variant record")
		}
	}
}

func (w *Worker) recordMetrics(job Job) {
	w.emitter.New().
		Dimension("Backend", job.Backend).
		Dimension("Outcome", string(job.State)).
		Metric("PollAttempts", float64(job.Attempts), metrics.UnitCount).
		Metric("JobDurationMs", float64(w.now().Sub(job.StartedAt).Milliseconds()), metrics.UnitMilliseconds).
		Property("key", job.Key).
		Property("jobId", job.ID).
		Property("taskId", job.TaskID).
		Flush()
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
