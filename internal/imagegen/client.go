// Package imagegen is a client for a task-based asynchronous image
// generation API. A task is created with a prompt (and optionally a
// reference image) and then polled until it reports completion or failure.
//
// The service is inconsistent about where it puts its output: finished
// tasks may carry "temporary_image_urls", "image_urls", a single
// "image_url", or several of them. The client passes all of them through
// and leaves the choice to jobs.ResolveOutput.
package imagegen

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/fpang/card-art-studio/internal/jobs"
)

const (
	// BackendName identifies this backend on records and metrics.
	BackendName = "imagegen"

	// defaultTimeout is the HTTP client timeout for a single API call.
	defaultTimeout = 30 * time.Second

	// defaultVariants is how many images a task asks for.
	defaultVariants = 4
)

// Client submits and polls generation tasks.
type Client struct {
	httpClient *http.Client
	apiKey     string
	baseURL    string
	model      string
}

var _ jobs.Backend = (*Client)(nil)

// NewClient creates a client for the API rooted at baseURL.
func NewClient(baseURL, apiKey, model string) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: defaultTimeout},
		apiKey:     apiKey,
		baseURL:    strings.TrimRight(baseURL, "/"),
		model:      model,
	}
}

// WithTimeout sets the timeout of a single API call.
func (c *Client) WithTimeout(d time.Duration) *Client {
	if d > 0 {
		c.httpClient.Timeout = d
	}
	return c
}

// Name implements jobs.Backend.
func (c *Client) Name() string { return BackendName }

// --- API types ---

type submitRequest struct {
	Model    string `json:"model,omitempty"`
	Prompt   string `json:"prompt"`
	ImageURL string `json:"image_url,omitempty"`
	N        int    `json:"n"`
}

type apiErr struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

// apiError tolerates both {"error": "text"} and {"error": {"message": ...}}.
type apiError struct {
	apiErr
}

func (e *apiError) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		e.Message = s
		return nil
	}
	return json.Unmarshal(b, &e.apiErr)
}

type submitResponse struct {
	TaskID string    `json:"task_id"`
	Error  *apiError `json:"error,omitempty"`
}

type taskResponse struct {
	TaskID             string    `json:"task_id"`
	Status             string    `json:"status"`
	Progress           progress  `json:"progress"`
	ImageURLs          []string  `json:"image_urls,omitempty"`
	TemporaryImageURLs []string  `json:"temporary_image_urls,omitempty"`
	ImageURL           string    `json:"image_url,omitempty"`
	Error              *apiError `json:"error,omitempty"`
}

// progress accepts 45, 45.5, "45" or "45%".
type progress int

func (p *progress) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		return nil
	}
	var f float64
	if err := json.Unmarshal(b, &f); err == nil {
		*p = progress(f)
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("progress: %w", err)
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "%")
	if s == "" {
		return nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("progress %q: %w", s, err)
	}
	*p = progress(f)
	return nil
}

// --- Operations ---

// Submit creates a task and returns its ID (submitGenerationJob).
func (c *Client) Submit(ctx context.Context, req jobs.SubmitRequest) (string, error) {
	n := req.Variants
	if n <= 0 {
		n = defaultVariants
	}
	payload, err := json.Marshal(submitRequest{
		Model:    c.model,
		Prompt:   req.Prompt,
		ImageURL: req.ReferenceImageURL,
		N:        n,
	})
	if err != nil {
		return "", fmt.Errorf("encode submit request: %w", err)
	}

	body, status, err := c.do(ctx, http.MethodPost, "/tasks", payload)
	if err != nil {
		return "", jobs.Transient("submit", err)
	}

	var resp submitResponse
	if status >= 400 {
		_ = json.Unmarshal(body, &resp)
		return "", classify("submit", status, resp.Error, body)
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", jobs.Transient("submit", fmt.Errorf("parse response: %w (body: %s)", err, truncate(string(body), 200)))
	}
	if resp.Error != nil {
		return "", &jobs.TerminalError{Message: resp.Error.Message}
	}
	if resp.TaskID == "" {
		return "", &jobs.IntegrityError{Detail: "submit returned no task_id (body: " + truncate(string(body), 200) + ")"}
	}

	log.Info().Str("key", req.Key).Str("taskId", resp.TaskID).Int("n", n).Msg("Generation task submitted")
	return resp.TaskID, nil
}

// Poll fetches a task's status (pollGenerationJob).
func (c *Client) Poll(ctx context.Context, taskID string) (jobs.PollResponse, error) {
	body, status, err := c.do(ctx, http.MethodGet, "/tasks/"+url.PathEscape(taskID), nil)
	if err != nil {
		return jobs.PollResponse{}, jobs.Transient("poll", err)
	}
	if status >= 400 {
		var resp taskResponse
		_ = json.Unmarshal(body, &resp)
		return jobs.PollResponse{}, classify("poll", status, resp.Error, body)
	}

	var resp taskResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return jobs.PollResponse{}, jobs.Transient("poll", fmt.Errorf("parse response: %w (body: %s)", err, truncate(string(body), 200)))
	}

	out := jobs.PollResponse{
		Status:        normalizeStatus(resp.Status),
		Progress:      int(resp.Progress),
		TemporaryURLs: resp.TemporaryImageURLs,
		PermanentURLs: resp.ImageURLs,
		SingleURL:     resp.ImageURL,
	}
	if resp.Error != nil {
		out.Error = resp.Error.Message
	}
	return out, nil
}

func normalizeStatus(s string) jobs.RemoteStatus {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "pending", "queued", "submitted", "staged":
		return jobs.RemoteQueued
	case "processing", "running", "in_progress", "started":
		return jobs.RemoteRunning
	case "completed", "complete", "finished", "succeeded", "success":
		return jobs.RemoteCompleted
	case "failed", "failure", "error", "cancelled", "canceled":
		return jobs.RemoteFailed
	default:
		return jobs.RemoteStatus(s)
	}
}

// classify maps an HTTP error response onto the job error taxonomy:
// throttling and server errors are retryable, other client errors are final.
func classify(op string, status int, apiError *apiError, body []byte) error {
	msg := fmt.Sprintf("HTTP %d", status)
	if apiError != nil && apiError.Message != "" {
		msg = apiError.Message
	} else if len(body) > 0 {
		msg = fmt.Sprintf("HTTP %d: %s", status, truncate(string(body), 200))
	}
	if status == http.StatusTooManyRequests || status >= 500 || status < 400 {
		return jobs.Transient(op, fmt.Errorf("%s", msg))
	}
	log.Error().Str("op", op).Int("statusCode", status).Str("errorMessage", msg).Msg("Image generation API error")
	return &jobs.TerminalError{Message: msg}
}

func (c *Client) do(ctx context.Context, method, path string, payload []byte) ([]byte, int, error) {
	start := time.Now()
	var reqBody io.Reader
	if payload != nil {
		reqBody = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return nil, 0, fmt.Errorf("build request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	log.Debug().Str("method", method).Str("path", path).Msg("Image generation API request")
	resp, err := c.httpClient.Do(req)
	duration := time.Since(start)
	if err != nil {
		log.Debug().Int("statusCode", 0).Dur("duration", duration).Err(err).Msg("Image generation API response")
		return nil, 0, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	log.Debug().Int("statusCode", resp.StatusCode).Dur("duration", duration).Msg("Image generation API response")

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("read response: %w", err)
	}
	return body, resp.StatusCode, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
