package imagegen

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/fpang/card-art-studio/internal/jobs"
)

// newTestClient creates a Client pointing at a test HTTP server.
func newTestClient(server *httptest.Server) *Client {
	return &Client{
		httpClient: server.Client(),
		apiKey:     "test-key",
		baseURL:    server.URL,
		model:      "card-v1",
	}
}

func TestSubmit(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/tasks" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer test-key" {
			t.Errorf("missing bearer token")
		}
		var req submitRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if req.Prompt != "a fox" || req.ImageURL != "https://x/ref.png" || req.N != 4 || req.Model != "card-v1" {
			t.Errorf("unexpected request body: %+v", req)
		}
		json.NewEncoder(w).Encode(submitResponse{TaskID: "task-42"})
	}))
	defer server.Close()

	id, err := newTestClient(server).Submit(context.Background(), jobs.SubmitRequest{
		Key:               "1834",
		Prompt:            "a fox",
		ReferenceImageURL: "https://x/ref.png",
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if id != "task-42" {
		t.Errorf("task id = %q", id)
	}
}

func TestSubmitErrors(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		transient bool
	}{
		{"bad request", http.StatusBadRequest, `{"error":{"message":"prompt rejected"}}`, false},
		{"throttled", http.StatusTooManyRequests, `{"error":"slow down"}`, true},
		{"server error", http.StatusBadGateway, `<html>bad gateway</html>`, true},
		{"missing task id", http.StatusOK, `{}`, false},
		{"error in body", http.StatusOK, `{"error":"quota exhausted"}`, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer server.Close()

			_, err := newTestClient(server).Submit(context.Background(), jobs.SubmitRequest{Prompt: "p"})
			if err == nil {
				t.Fatal("expected error")
			}
			if jobs.IsTransient(err) != tt.transient {
				t.Errorf("IsTransient(%v) = %v, want %v", err, !tt.transient, tt.transient)
			}
		})
	}
}

func TestPoll(t *testing.T) {
	tests := []struct {
		name string
		body string
		want jobs.PollResponse
	}{
		{
			name: "processing with string progress",
			body: `{"task_id":"t","status":"processing","progress":"45%"}`,
			want: jobs.PollResponse{Status: jobs.RemoteRunning, Progress: 45},
		},
		{
			name: "queued",
			body: `{"task_id":"t","status":"pending","progress":0}`,
			want: jobs.PollResponse{Status: jobs.RemoteQueued},
		},
		{
			name: "completed with both url arrays",
			body: `{"status":"completed","progress":100,"image_urls":["p1","p2"],"temporary_image_urls":["t1","t2"],"image_url":"grid"}`,
			want: jobs.PollResponse{
				Status:        jobs.RemoteCompleted,
				Progress:      100,
				TemporaryURLs: []string{"t1", "t2"},
				PermanentURLs: []string{"p1", "p2"},
				SingleURL:     "grid",
			},
		},
		{
			name: "failed",
			body: `{"status":"failed","error":{"message":"nsfw content"}}`,
			want: jobs.PollResponse{Status: jobs.RemoteFailed, Error: "nsfw content"},
		},
		{
			name: "unknown status passes through",
			body: `{"status":"Exploded"}`,
			want: jobs.PollResponse{Status: "Exploded"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.Method != http.MethodGet || r.URL.Path != "/tasks/task-42" {
					t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
				}
				w.Write([]byte(tt.body))
			}))
			defer server.Close()

			got, err := newTestClient(server).Poll(context.Background(), "task-42")
			if err != nil {
				t.Fatalf("Poll: %v", err)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("Poll mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestPollMalformedBodyIsTransient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status": "processing", "progress": `))
	}))
	defer server.Close()

	_, err := newTestClient(server).Poll(context.Background(), "t")
	if err == nil || !jobs.IsTransient(err) {
		t.Errorf("expected transient error, got %v", err)
	}
}

func TestPollUnknownTaskIsTerminal(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"error":"task not found"}`))
	}))
	defer server.Close()

	_, err := newTestClient(server).Poll(context.Background(), "t")
	if !jobs.IsTerminal(err) {
		t.Fatalf("expected terminal error, got %v", err)
	}
	if err.Error() != "task not found" {
		t.Errorf("message = %q", err.Error())
	}
}

func TestPollNetworkErrorIsTransient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	client := newTestClient(server)
	server.Close()

	_, err := client.Poll(context.Background(), "t")
	if err == nil || !jobs.IsTransient(err) {
		t.Errorf("expected transient error, got %v", err)
	}
}

func TestPollTimeoutIsTransient(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	client := newTestClient(server).WithTimeout(50 * time.Millisecond)
	_, err := client.Poll(context.Background(), "t")
	if err == nil || !jobs.IsTransient(err) {
		t.Errorf("expected transient timeout, got %v", err)
	}
}
