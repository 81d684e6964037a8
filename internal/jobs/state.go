// Package jobs models one external image-generation request as a finite
// state machine and drives it to a terminal state with a polling worker.
//
// State transitions are pure: Advance takes the current Job and one poll
// response and returns the next Job. The Worker owns the loop, the clock and
// persistence; it never holds a lock across a poll.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fpang/card-art-studio/internal/store"
)

// State is a GenerationJob lifecycle state.
type State string

const (
	StateSubmitted  State = "submitted"
	StateProcessing State = "processing"
	StateCompleted  State = "completed"
	StateFailed     State = "failed"
	StateTimedOut   State = "timedOut"
)

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateTimedOut
}

// RecordStatus maps the state onto the status stored on a cache record.
func (s State) RecordStatus() store.Status {
	switch s {
	case StateSubmitted:
		return store.StatusPending
	case StateProcessing:
		return store.StatusProcessing
	case StateCompleted:
		return store.StatusCompleted
	case StateFailed:
		return store.StatusFailed
	default:
		return store.StatusTimedOut
	}
}

// RemoteStatus is the external service's view of a task, normalized by each
// Backend.
type RemoteStatus string

const (
	RemoteQueued    RemoteStatus = "queued"
	RemoteRunning   RemoteStatus = "running"
	RemoteCompleted RemoteStatus = "completed"
	RemoteFailed    RemoteStatus = "failed"
)

// PollResponse is one status check result. A backend fills whichever URL
// fields the service returned; they are reconciled once, on completion.
type PollResponse struct {
	Status        RemoteStatus
	Progress      int
	TemporaryURLs []string
	PermanentURLs []string
	SingleURL     string
	Error         string
}

// OutputSource records which response field a GenerationOutput came from.
type OutputSource string

const (
	SourceTemporary OutputSource = "temporary"
	SourcePermanent OutputSource = "permanent"
	SourceSingle    OutputSource = "single"
)

// GenerationOutput is the resolved result of a completed job.
type GenerationOutput struct {
	Primary string       `json:"primary"`
	All     []string     `json:"all"`
	Source  OutputSource `json:"source"`
}

// ResolveOutput picks the output URLs from a completion response: temporary
// URLs first, then permanent URLs, then the single combined URL. Empty
// strings are ignored. ok is false when no URL is present at all.
func ResolveOutput(resp PollResponse) (GenerationOutput, bool) {
	if urls := nonEmpty(resp.TemporaryURLs); len(urls) > 0 {
		return GenerationOutput{Primary: urls[0], All: urls, Source: SourceTemporary}, true
	}
	if urls := nonEmpty(resp.PermanentURLs); len(urls) > 0 {
		return GenerationOutput{Primary: urls[0], All: urls, Source: SourcePermanent}, true
	}
	if resp.SingleURL != "" {
		return GenerationOutput{Primary: resp.SingleURL, All: []string{resp.SingleURL}, Source: SourceSingle}, true
	}
	return GenerationOutput{}, false
}

func nonEmpty(urls []string) []string {
	var out []string
	for _, u := range urls {
		if u != "" {
			out = append(out, u)
		}
	}
	return out
}

// Job is one generation attempt for a key. ID is the handle issued to
// callers and stored on the record; TaskID is the backend's own task ID.
// Version is the version the result will be stored under if the job
// completes.
type Job struct {
	ID        string
	Key       string
	Version   int
	TaskID    string
	Backend   string
	Prompt    string
	State     State
	Progress  int
	Output    *GenerationOutput
	Err       string
	Attempts  int
	StartedAt time.Time
}

// ErrTerminalState is returned when Advance is called on a finished job.
var ErrTerminalState = errors.New("job is already in a terminal state")

// Advance applies one poll response to j. It returns an *IntegrityError when
// the response cannot be interpreted; the caller fails the job in that case.
// A completion response received while still Submitted is accepted directly:
// the service accepted and finished the task between two polls.
func Advance(j Job, resp PollResponse) (Job, error) {
	if j.State.Terminal() {
		return j, ErrTerminalState
	}

	switch resp.Status {
	case RemoteQueued, RemoteRunning:
		j.State = StateProcessing
		j.Progress = max(j.Progress, clampProgress(resp.Progress))
		return j, nil

	case RemoteCompleted:
		out, ok := ResolveOutput(resp)
		if !ok {
			return j, &IntegrityError{Detail: "task reported completion without any image URL"}
		}
		j.State = StateCompleted
		j.Progress = 100
		j.Output = &out
		return j, nil

	case RemoteFailed:
		j.State = StateFailed
		j.Err = resp.Error
		if j.Err == "" {
			j.Err = "generation failed without an error message"
		}
		return j, nil

	default:
		return j, &IntegrityError{Detail: fmt.Sprintf("unknown task status %q", resp.Status)}
	}
}

// Fail moves a non-terminal job to Failed with msg.
func Fail(j Job, msg string) Job {
	if j.State.Terminal() {
		return j
	}
	j.State = StateFailed
	j.Err = msg
	return j
}

// Expire moves a non-terminal job to TimedOut.
func Expire(j Job, reason string) Job {
	if j.State.Terminal() {
		return j
	}
	j.State = StateTimedOut
	j.Err = reason
	return j
}

func clampProgress(p int) int {
	return min(max(p, 0), 100)
}

// SubmitRequest is what a Backend needs to start a task.
type SubmitRequest struct {
	Key               string
	Prompt            string
	ReferenceImageURL string
	Variants          int
}

// Backend is an asynchronous image-generation service.
type Backend interface {
	// Name identifies the backend in records, logs and metrics.
	Name() string
	// Submit starts a task and returns its ID.
	Submit(ctx context.Context, req SubmitRequest) (string, error)
	// Poll returns the task's current status. Errors are classified with
	// Transient, *TerminalError or *IntegrityError.
	Poll(ctx context.Context, taskID string) (PollResponse, error)
}
