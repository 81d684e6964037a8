package jobs

import "github.com/google/uuid"

// GenerateID creates a new random task ID with the given prefix. Backends
// that finish synchronously use it in place of a remote task ID.
// The prefix should include a trailing dash, e.g. "imagen-".
func GenerateID(prefix string) string {
	return prefix + uuid.NewString()
}
