package metadata

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/fpang/card-art-studio/internal/assets"
	"github.com/fpang/card-art-studio/internal/jobs"
)

func newTestClient(server *httptest.Server) *Client {
	c := NewClient(server.URL, "k", "https://ipfs.example.com/ipfs")
	c.httpClient = server.Client()
	return c
}

func TestFetchMetadata(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/1834" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if r.Header.Get("X-API-Key") != "k" {
			t.Error("missing api key header")
		}
		w.Write([]byte(`{
			"name": "Ember Fox",
			"image": "ipfs://Qm123/1834.png",
			"attributes": [
				{"trait_type": "Fur", "value": "Flame"},
				{"trait_type": "Level", "value": 7},
				{"value": "orphan"}
			]
		}`))
	}))
	defer server.Close()

	got, err := newTestClient(server).FetchMetadata(context.Background(), "1834")
	if err != nil {
		t.Fatalf("FetchMetadata: %v", err)
	}
	want := &Token{
		Key:      "1834",
		Name:     "Ember Fox",
		ImageURL: "https://ipfs.example.com/ipfs/Qm123/1834.png",
		Traits:   []assets.Trait{{Type: "Fur", Value: "Flame"}, {Type: "Level", Value: "7"}},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("token mismatch (-want +got):\n%s", diff)
	}
}

func TestFetchMetadataErrors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		check  func(error) bool
	}{
		{"not found", http.StatusNotFound, ``, func(err error) bool { return errors.Is(err, ErrNotFound) }},
		{"server error", http.StatusInternalServerError, ``, jobs.IsTransient},
		{"forbidden", http.StatusForbidden, ``, jobs.IsTerminal},
		{"no image", http.StatusOK, `{"name":"x"}`, jobs.IsTerminal},
		{"garbage", http.StatusOK, `<html>`, jobs.IsTerminal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer server.Close()

			_, err := newTestClient(server).FetchMetadata(context.Background(), "1")
			if err == nil || !tt.check(err) {
				t.Errorf("unexpected error classification: %v", err)
			}
		})
	}
}
