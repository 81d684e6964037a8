package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/klauspost/compress/gzhttp"
	"github.com/rs/zerolog/log"

	"github.com/fpang/card-art-studio/internal/gallery"
	"github.com/fpang/card-art-studio/internal/generation"
	"github.com/fpang/card-art-studio/internal/jobs"
	"github.com/fpang/card-art-studio/internal/metadata"
	"github.com/fpang/card-art-studio/internal/store"
)

const (
	cardsPrefix = "/api/cards/"
	maxKeyLen   = 128
	maxBodySize = 16 << 10
)

// generator is the part of the orchestrator the handlers use.
type generator interface {
	RequestGeneration(ctx context.Context, key string, params generation.Params) (generation.Handle, error)
	ArtStatus(key string) (store.Record, bool)
	CardDetails(ctx context.Context, key string) (*generation.Details, error)
}

type lister interface {
	List(page, limit int, filter gallery.Filter, search string) gallery.Page
}

type server struct {
	gen     generator
	gallery lister

	// assetsDir is served under assetsPrefix when assets are stored locally.
	assetsDir    string
	assetsPrefix string
}

func newServer(gen generator, gl lister) *server {
	return &server{gen: gen, gallery: gl}
}

func (s *server) routes() http.Handler {
	mux := http.NewServeMux()

	api := http.NewServeMux()
	api.HandleFunc(cardsPrefix, s.handleCards)
	api.HandleFunc("/api/gallery", s.handleGallery)
	mux.Handle("/api/", gzhttp.GzipHandler(api))

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		io.WriteString(w, "ok")
	})

	if s.assetsDir != "" {
		prefix := strings.TrimRight(s.assetsPrefix, "/") + "/"
		files := http.StripPrefix(prefix, http.FileServer(http.Dir(s.assetsDir)))
		mux.Handle(prefix, withStaticHeaders(files))
	}

	return withLogging(mux)
}

// handleCards dispatches /api/cards/{key}/{action}.
func (s *server) handleCards(w http.ResponseWriter, r *http.Request) {
	key, action, ok := jobs.ParseRoute(r.URL.Path, cardsPrefix)
	if !ok {
		httpError(w, http.StatusNotFound, "not found")
		return
	}
	if len(key) > maxKeyLen {
		httpError(w, http.StatusBadRequest, "key too long")
		return
	}
	if err := store.ValidateKey(key); err != nil {
		httpError(w, http.StatusBadRequest, "invalid key")
		return
	}

	switch action {
	case "generate":
		if r.Method != http.MethodPost {
			httpError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		s.handleGenerate(w, r, key)
	case "art":
		if r.Method != http.MethodGet {
			httpError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		s.handleArtStatus(w, key)
	case "details":
		if r.Method != http.MethodGet {
			httpError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		s.handleDetails(w, r, key)
	default:
		httpError(w, http.StatusNotFound, "not found")
	}
}

type generateRequest struct {
	Regenerate bool   `json:"regenerate"`
	Style      string `json:"style"`
}

type generateResponse struct {
	Success           bool   `json:"success"`
	Status            string `json:"status"`
	AlreadyInProgress bool   `json:"alreadyInProgress"`
	TaskID            string `json:"taskId"`
	StatusEndpoint    string `json:"statusEndpoint"`
	Version           int    `json:"version"`
}

// POST /api/cards/{key}/generate
func (s *server) handleGenerate(w http.ResponseWriter, r *http.Request, key string) {
	var req generateRequest
	body := http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		httpError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	h, err := s.gen.RequestGeneration(r.Context(), key, generation.Params{
		Regenerate: req.Regenerate,
		Style:      req.Style,
	})
	if errors.Is(err, store.ErrInvalidKey) {
		httpError(w, http.StatusBadRequest, "invalid key")
		return
	}
	if err != nil {
		log.Error().Err(err).Str("key", key).Msg("Failed to start generation")
		httpError(w, http.StatusInternalServerError, "failed to start generation")
		return
	}

	respondJSON(w, http.StatusAccepted, generateResponse{
		Success:           true,
		Status:            string(h.Status),
		AlreadyInProgress: h.AlreadyInProgress(),
		TaskID:            h.JobID,
		StatusEndpoint:    jobs.StatusEndpoint(cardsPrefix, key),
		Version:           h.Version,
	})
}

type artStatusResponse struct {
	Success         bool     `json:"success"`
	Key             string   `json:"key"`
	Status          string   `json:"status"`
	ProgressPercent int      `json:"progressPercent"`
	FullArtURL      string   `json:"fullArtUrl,omitempty"`
	AllImageURLs    []string `json:"allImageUrls,omitempty"`
	ThumbnailURL    string   `json:"thumbnailUrl,omitempty"`
	Version         int      `json:"version"`
	TaskID          string   `json:"taskId,omitempty"`
	IsFallback      bool     `json:"isFallback"`
	Error           string   `json:"error,omitempty"`
}

// statusNone is reported for keys with no art record.
const statusNone = "none"

// GET /api/cards/{key}/art
// Always 200: a key without art is a valid empty state.
func (s *server) handleArtStatus(w http.ResponseWriter, key string) {
	rec, ok := s.gen.ArtStatus(key)
	if !ok {
		respondJSON(w, http.StatusOK, artStatusResponse{Success: true, Key: key, Status: statusNone})
		return
	}
	respondJSON(w, http.StatusOK, artStatusResponse{
		Success:         true,
		Key:             key,
		Status:          string(rec.Status),
		ProgressPercent: rec.ProgressPercent,
		FullArtURL:      rec.URL,
		AllImageURLs:    rec.AllImageURLs,
		ThumbnailURL:    rec.ThumbnailURL,
		Version:         rec.Version,
		TaskID:          rec.TaskID,
		IsFallback:      rec.IsFallback,
		Error:           rec.ErrorMessage,
	})
}

type detailsResponse struct {
	Success bool `json:"success"`
	*generation.Details
}

// GET /api/cards/{key}/details
func (s *server) handleDetails(w http.ResponseWriter, r *http.Request, key string) {
	d, err := s.gen.CardDetails(r.Context(), key)
	switch {
	case errors.Is(err, store.ErrInvalidKey):
		httpError(w, http.StatusBadRequest, "invalid key")
		return
	case errors.Is(err, metadata.ErrNotFound):
		httpError(w, http.StatusNotFound, "token not found")
		return
	case err != nil:
		log.Error().Err(err).Str("key", key).Msg("Card analysis failed")
		httpError(w, http.StatusBadGateway, "card analysis failed: "+err.Error())
		return
	}
	respondJSON(w, http.StatusOK, detailsResponse{Success: true, Details: d})
}

type galleryResponse struct {
	Success bool `json:"success"`
	gallery.Page
}

// GET /api/gallery?page=&limit=&filter=&search=
func (s *server) handleGallery(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httpError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	q := r.URL.Query()
	page, err := intParam(q.Get("page"), 1)
	if err != nil {
		httpError(w, http.StatusBadRequest, "invalid page")
		return
	}
	limit, err := intParam(q.Get("limit"), gallery.DefaultLimit)
	if err != nil {
		httpError(w, http.StatusBadRequest, "invalid limit")
		return
	}
	filter, err := gallery.ParseFilter(q.Get("filter"))
	if err != nil {
		httpError(w, http.StatusBadRequest, err.Error())
		return
	}

	respondJSON(w, http.StatusOK, galleryResponse{
		Success: true,
		Page:    s.gallery.List(page, limit, filter, q.Get("search")),
	})
}

func intParam(v string, def int) (int, error) {
	if v == "" {
		return def, nil
	}
	return strconv.Atoi(v)
}

// --- Middleware ---

func withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		if strings.HasPrefix(r.URL.Path, "/api/") {
			log.Info().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Dur("duration", time.Since(start)).
				Msg("API request")
		}
	})
}

func withStaticHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("Cache-Control", "public, max-age=86400, immutable")
		next.ServeHTTP(w, r)
	})
}
