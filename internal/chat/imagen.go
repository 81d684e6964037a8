package chat

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"google.golang.org/genai"

	"github.com/fpang/card-art-studio/internal/jobs"
	"github.com/fpang/card-art-studio/internal/variant"
)

// ImagenBackendName identifies the Imagen backend on records and metrics.
const ImagenBackendName = "imagen"

// ImageGenerator is the subset of *genai.Models used for image generation.
type ImageGenerator interface {
	GenerateImages(ctx context.Context, model string, prompt string, config *genai.GenerateImagesConfig) (*genai.GenerateImagesResponse, error)
}

// ImagenBackend adapts Imagen to jobs.Backend. Imagen answers synchronously,
// so Submit renders and stores the images immediately and Poll reports the
// stored result. Results are dropped once polled as completed.
type ImagenBackend struct {
	models ImageGenerator
	model  string
	sink   variant.Sink

	mu      sync.Mutex
	results map[string]jobs.PollResponse
}

var _ jobs.Backend = (*ImagenBackend)(nil)

// NewImagenBackend creates the backend. Generated images are written to sink.
func NewImagenBackend(models ImageGenerator, model string, sink variant.Sink) *ImagenBackend {
	if model == "" {
		model = DefaultImageModel
	}
	return &ImagenBackend{
		models:  models,
		model:   model,
		sink:    sink,
		results: make(map[string]jobs.PollResponse),
	}
}

// Name implements jobs.Backend.
func (b *ImagenBackend) Name() string { return ImagenBackendName }

// Submit generates the images and returns a local task ID.
func (b *ImagenBackend) Submit(ctx context.Context, req jobs.SubmitRequest) (string, error) {
	n := req.Variants
	if n <= 0 {
		n = 4
	}
	start := time.Now()
	log.Info().
		Str("key", req.Key).
		Str("model", b.model).
		Int("n", n).
		Msg("Generating images with Imagen")

	resp, err := b.models.GenerateImages(ctx, b.model, req.Prompt, &genai.GenerateImagesConfig{
		NumberOfImages: int32(n),
	})
	if err != nil {
		return "", classifyError("imagen generate", err)
	}

	taskID := jobs.GenerateID("imagen-")
	var urls []string
	var filtered []string
	for i, img := range resp.GeneratedImages {
		if img == nil || img.Image == nil || len(img.Image.ImageBytes) == 0 {
			if img != nil && img.RAIFilteredReason != "" {
				filtered = append(filtered, img.RAIFilteredReason)
			}
			continue
		}
		mimeType := img.Image.MIMEType
		if mimeType == "" {
			mimeType = "image/png"
		}
		name := fmt.Sprintf("%s-%d%s", taskID, i+1, extensionFor(mimeType))
		u, err := b.sink.Save(ctx, name, mimeType, img.Image.ImageBytes)
		if err != nil {
			return "", jobs.Transient("imagen store", err)
		}
		urls = append(urls, u)
	}

	result := jobs.PollResponse{Status: jobs.RemoteCompleted, Progress: 100, PermanentURLs: urls}
	if len(urls) == 0 {
		msg := "Imagen returned no images"
		if len(filtered) > 0 {
			msg += ": " + strings.Join(filtered, "; ")
		}
		result = jobs.PollResponse{Status: jobs.RemoteFailed, Error: msg}
	}

	b.mu.Lock()
	b.results[taskID] = result
	b.mu.Unlock()

	log.Info().
		Str("key", req.Key).
		Str("taskId", taskID).
		Int("images", len(urls)).
		Dur("duration", time.Since(start)).
		Msg("Imagen generation finished")
	return taskID, nil
}

// Poll returns the stored result for taskID.
func (b *ImagenBackend) Poll(_ context.Context, taskID string) (jobs.PollResponse, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	result, ok := b.results[taskID]
	if !ok {
		return jobs.PollResponse{}, &jobs.TerminalError{Message: "unknown imagen task " + taskID}
	}
	delete(b.results, taskID)
	return result, nil
}

func extensionFor(mimeType string) string {
	switch mimeType {
	case "image/jpeg":
		return ".jpg"
	case "image/webp":
		return ".webp"
	default:
		return ".png"
	}
}
