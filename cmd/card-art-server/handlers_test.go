package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/fpang/card-art-studio/internal/gallery"
	"github.com/fpang/card-art-studio/internal/generation"
	"github.com/fpang/card-art-studio/internal/jobs"
	"github.com/fpang/card-art-studio/internal/metadata"
	"github.com/fpang/card-art-studio/internal/store"
)

// gatedBackend completes every task with four images once gate is closed.
type gatedBackend struct {
	gate chan struct{}

	mu      sync.Mutex
	submits int
}

func (b *gatedBackend) Name() string { return "imagegen" }

func (b *gatedBackend) Submit(context.Context, jobs.SubmitRequest) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.submits++
	return fmt.Sprintf("task-%d", b.submits), nil
}

func (b *gatedBackend) Poll(context.Context, string) (jobs.PollResponse, error) {
	<-b.gate
	return jobs.PollResponse{
		Status:        jobs.RemoteCompleted,
		TemporaryURLs: []string{"https://cdn/a.png", "https://cdn/b.png", "https://cdn/c.png", "https://cdn/d.png"},
	}, nil
}

type testEnv struct {
	handler http.Handler
	store   *store.Store
	orch    *generation.Orchestrator
	backend *gatedBackend
	assets  string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	backend, err := store.NewFileBackend(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	st, err := store.Open(context.Background(), backend)
	if err != nil {
		t.Fatal(err)
	}
	gb := &gatedBackend{gate: make(chan struct{})}
	worker := jobs.NewWorker(st, jobs.WithSleeper(func(context.Context, time.Duration) error { return nil }))
	orch, err := generation.New(st, worker, nil, nil, generation.Options{Primary: gb})
	if err != nil {
		t.Fatal(err)
	}

	srv := newServer(orch, gallery.New(st))
	srv.assetsDir = t.TempDir()
	srv.assetsPrefix = "/processed"
	return &testEnv{handler: srv.routes(), store: st, orch: orch, backend: gb, assets: srv.assetsDir}
}

func (e *testEnv) do(t *testing.T, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) finish(t *testing.T) {
	t.Helper()
	close(e.backend.gate)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.orch.Wait(ctx); err != nil {
		t.Fatal(err)
	}
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return v
}

func TestGenerateAndPollStatus(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/cards/1834/generate", "")
	if rec.Code != http.StatusAccepted {
		t.Fatalf("generate status = %d: %s", rec.Code, rec.Body)
	}
	first := decode[generateResponse](t, rec)
	if !first.Success || first.Status != "started" || first.StatusEndpoint != "/api/cards/1834/art" || first.Version != 1 {
		t.Errorf("generate response = %+v", first)
	}

	second := decode[generateResponse](t, env.do(t, http.MethodPost, "/api/cards/1834/generate", `{"style":"ink"}`))
	if !second.AlreadyInProgress || second.TaskID != first.TaskID {
		t.Errorf("duplicate generate = %+v, want alreadyInProgress %s", second, first.TaskID)
	}

	inFlight := decode[artStatusResponse](t, env.do(t, http.MethodGet, "/api/cards/1834/art", ""))
	if !inFlight.Success || (inFlight.Status != "pending" && inFlight.Status != "processing") || inFlight.FullArtURL != "" {
		t.Errorf("in-flight status = %+v", inFlight)
	}

	env.finish(t)

	done := env.do(t, http.MethodGet, "/api/cards/1834/art", "")
	got := decode[artStatusResponse](t, done)
	want := artStatusResponse{
		Success:         true,
		Key:             "1834",
		Status:          "completed",
		ProgressPercent: 100,
		FullArtURL:      "https://cdn/a.png",
		AllImageURLs:    []string{"https://cdn/a.png", "https://cdn/b.png", "https://cdn/c.png", "https://cdn/d.png"},
		Version:         1,
		TaskID:          first.TaskID,
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("completed status mismatch (-want +got):\n%s", diff)
	}

	// Repeated polls of a completed key are byte-identical.
	again := env.do(t, http.MethodGet, "/api/cards/1834/art", "")
	if again.Body.String() != done.Body.String() {
		t.Errorf("status changed:\n%s\n%s", done.Body, again.Body)
	}

	cached := decode[generateResponse](t, env.do(t, http.MethodPost, "/api/cards/1834/generate", ""))
	if cached.Status != "cached" {
		t.Errorf("generate after completion = %+v", cached)
	}
}

func TestArtStatusEmptyState(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodGet, "/api/cards/unknown/art", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	got := decode[artStatusResponse](t, rec)
	if !got.Success || got.Status != statusNone {
		t.Errorf("response = %+v", got)
	}
}

func TestGalleryEndpoint(t *testing.T) {
	env := newTestEnv(t)
	for _, key := range []string{"1", "2", "3"} {
		env.do(t, http.MethodPost, "/api/cards/"+key+"/generate", "")
	}
	env.finish(t)

	rec := env.do(t, http.MethodGet, "/api/gallery?page=2&limit=2&filter=recent", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body)
	}
	got := decode[galleryResponse](t, rec)
	if !got.Success || got.TotalItems != 3 || got.TotalPages != 2 || got.Page != 2 || len(got.Items) != 1 {
		t.Errorf("gallery = %+v", got)
	}
	if len(got.Items) == 1 && len(got.Items[0].Variants) != 4 {
		t.Errorf("variants = %+v", got.Items[0].Variants)
	}

	for _, bad := range []string{"filter=hot", "page=x", "limit=-"} {
		if rec := env.do(t, http.MethodGet, "/api/gallery?"+bad, ""); rec.Code != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400", bad, rec.Code)
		}
	}
}

func TestRouting(t *testing.T) {
	env := newTestEnv(t)
	tests := []struct {
		method, target string
		want           int
	}{
		{http.MethodGet, "/api/cards/1/generate", http.StatusMethodNotAllowed},
		{http.MethodPost, "/api/cards/1/art", http.StatusMethodNotAllowed},
		{http.MethodGet, "/api/cards/1/unknown", http.StatusNotFound},
		{http.MethodGet, "/api/cards/1", http.StatusNotFound},
		{http.MethodPost, "/api/gallery", http.StatusMethodNotAllowed},
		{http.MethodGet, "/api/cards/" + strings.Repeat("k", maxKeyLen+1) + "/art", http.StatusBadRequest},
		{http.MethodGet, "/healthz", http.StatusOK},
	}
	for _, tt := range tests {
		if rec := env.do(t, tt.method, tt.target, ""); rec.Code != tt.want {
			t.Errorf("%s %s = %d, want %d", tt.method, tt.target, rec.Code, tt.want)
		}
	}
	if rec := env.do(t, http.MethodPost, "/api/cards/1/generate", "{not json"); rec.Code != http.StatusBadRequest {
		t.Errorf("bad body = %d, want 400", rec.Code)
	}
}

func TestProcessedAssetsServed(t *testing.T) {
	env := newTestEnv(t)
	if err := os.WriteFile(filepath.Join(env.assets, "thumb-1.webp"), []byte("RIFF"), 0o644); err != nil {
		t.Fatal(err)
	}
	rec := env.do(t, http.MethodGet, "/processed/thumb-1.webp", "")
	if rec.Code != http.StatusOK || rec.Body.String() != "RIFF" {
		t.Errorf("asset = %d %q", rec.Code, rec.Body)
	}
	if rec.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Error("missing nosniff header")
	}
}

type stubGenerator struct {
	details *generation.Details
	err     error
}

func (s stubGenerator) RequestGeneration(context.Context, string, generation.Params) (generation.Handle, error) {
	return generation.Handle{}, s.err
}

func (s stubGenerator) ArtStatus(string) (store.Record, bool) { return store.Record{}, false }

func (s stubGenerator) CardDetails(context.Context, string) (*generation.Details, error) {
	return s.details, s.err
}

func TestDetailsEndpoint(t *testing.T) {
	tests := []struct {
		name string
		gen  stubGenerator
		want int
	}{
		{"found", stubGenerator{details: &generation.Details{Key: "1", Description: "d", IsFallback: true}}, http.StatusOK},
		{"unknown token", stubGenerator{err: fmt.Errorf("fetch metadata: %w", metadata.ErrNotFound)}, http.StatusNotFound},
		{"model failure", stubGenerator{err: fmt.Errorf("model down")}, http.StatusBadGateway},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newServer(tt.gen, gallery.New(memStore{})).routes()
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/cards/1/details", nil))
			if rec.Code != tt.want {
				t.Fatalf("status = %d, want %d: %s", rec.Code, tt.want, rec.Body)
			}
			if tt.want == http.StatusOK {
				var got map[string]any
				if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
					t.Fatal(err)
				}
				if got["success"] != true || got["description"] != "d" || got["isFallback"] != true {
					t.Errorf("body = %v", got)
				}
			}
		})
	}
}

func TestGenerateFailureIsReported(t *testing.T) {
	h := newServer(stubGenerator{err: fmt.Errorf("disk full")}, gallery.New(memStore{})).routes()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/cards/1/generate", nil))
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d", rec.Code)
	}
}

type memStore map[string]store.Record

func (m memStore) ListAll(store.Kind) map[string]store.Record { return m }

func TestStorageKeysAreNotCardKeys(t *testing.T) {
	env := newTestEnv(t)
	env.do(t, http.MethodPost, "/api/cards/1834/generate", "")
	env.finish(t)

	var historyKey string
	for k, rec := range env.store.ListAll(store.KindArt) {
		if rec.Ref.Timestamp != 0 && !rec.Ref.IsVariant() {
			historyKey = k
		}
	}
	if historyKey == "" {
		t.Fatal("no history entry stored")
	}
	before, _ := env.store.Get(store.KindArt, historyKey)

	for _, tt := range []struct{ method, target, body string }{
		{http.MethodGet, "/api/cards/" + historyKey + "/art", ""},
		{http.MethodPost, "/api/cards/" + historyKey + "/generate", ""},
		{http.MethodPost, "/api/cards/" + historyKey + "/generate", `{"regenerate":true}`},
		{http.MethodGet, "/api/cards/" + historyKey + "/details", ""},
	} {
		rec := env.do(t, tt.method, tt.target, tt.body)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("%s %s = %d, want 400", tt.method, tt.target, rec.Code)
		}
	}

	after, _ := env.store.Get(store.KindArt, historyKey)
	if diff := cmp.Diff(before, after); diff != "" {
		t.Errorf("history entry changed (-before +after):\n%s", diff)
	}
	if env.orch.Active(historyKey) {
		t.Error("a job was started for a storage key")
	}
}
