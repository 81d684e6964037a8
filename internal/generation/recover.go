package generation

import (
	"context"
	"maps"
	"slices"

	"github.com/rs/zerolog/log"

	"github.com/fpang/card-art-studio/internal/store"
)

// InterruptedMessage is recorded on jobs found in flight at startup.
const InterruptedMessage = "interrupted by restart"

// RecoverStale marks current art records left pending or processing by a
// previous process as timed out, so the in-flight guard does not refuse the
// key forever. An interrupted regeneration puts the previous art back. Keys
// for which active returns true are skipped. It returns the keys it
// recovered.
func RecoverStale(ctx context.Context, st *store.Store, active func(key string) bool) ([]string, error) {
	var recovered []string
	records := st.ListAll(store.KindArt)
	for _, key := range slices.Sorted(maps.Keys(records)) {
		rec := records[key]
		if rec.Ref.Timestamp != 0 || !rec.Status.InFlight() {
			continue
		}
		if active != nil && active(key) {
			continue
		}
		changed := false
		err := st.Update(ctx, store.KindArt, key, func(cur store.Record, exists bool) (store.Record, bool) {
			if !exists || !cur.Status.InFlight() {
				return cur, false
			}
			changed = true
			if prev, ok := previousArt(records, key, cur); ok {
				prev.ErrorMessage = InterruptedMessage
				return prev, true
			}
			cur.Status = store.StatusTimedOut
			cur.ErrorMessage = InterruptedMessage
			return cur, true
		})
		if err != nil && !store.IsPersistWarning(err) {
			return recovered, err
		}
		if changed {
			log.Warn().
				Str("key", key).
				Str("jobId", rec.TaskID).
				Msg("Recovered interrupted generation")
			recovered = append(recovered, key)
		}
	}
	return recovered, nil
}

// RecoverStale recovers stale records for keys this orchestrator is not
// running.
func (o *Orchestrator) RecoverStale(ctx context.Context) ([]string, error) {
	return RecoverStale(ctx, o.store, o.Active)
}
