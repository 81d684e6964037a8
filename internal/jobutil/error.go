// Package jobutil records the terminal failure of a generation job.
package jobutil

import (
	"context"

	"github.com/rs/zerolog/log"
)

// ErrorWriter persists a job failure for key. The orchestrator's writer
// marks the current art record failed or timed out.
type ErrorWriter func(ctx context.Context, key, taskID, errMsg string) error

// SetJobError logs the failure and delegates persistence to write.
func SetJobError(ctx context.Context, key, taskID, msg string, write ErrorWriter) error {
	log.Error().
		Str("key", key).
		Str("taskId", taskID).
		Str("error", msg).
		Msg("Job failed")
	return write(ctx, key, taskID, msg)
}
