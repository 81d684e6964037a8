package variant

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"sync"
	"time"

	"github.com/chai2010/webp"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"
	"golang.org/x/sync/errgroup"
)

// Quality selects the thumbnail bounding box.
type Quality string

const (
	QualityHigh Quality = "high"
	QualityLow  Quality = "low"
)

// MaxEdge returns the longest-edge bound for q: 800px for high, 400px for low.
func (q Quality) MaxEdge() int {
	if q == QualityLow {
		return 400
	}
	return 800
}

const (
	webpQuality = 80

	// defaultConcurrency bounds parallel fetch+encode work per job.
	defaultConcurrency = 4
)

// Processor derives processed assets from generation output.
type Processor struct {
	fetcher     Fetcher
	sink        Sink
	quality     Quality
	concurrency int
}

// NewProcessor creates a Processor. An empty quality means QualityHigh.
func NewProcessor(fetcher Fetcher, sink Sink, quality Quality) *Processor {
	if quality == "" {
		quality = QualityHigh
	}
	return &Processor{
		fetcher:     fetcher,
		sink:        sink,
		quality:     quality,
		concurrency: defaultConcurrency,
	}
}

// MakeThumbnail fetches url, downsizes it to the configured bounding box,
// re-encodes it as WebP, and stores it under a random name. Callers treat a
// failure as "no thumbnail"; the original URL remains usable.
func (p *Processor) MakeThumbnail(ctx context.Context, url string) (string, error) {
	start := time.Now()
	img, err := p.decode(ctx, url)
	if err != nil {
		return "", err
	}

	bounds := img.Bounds()
	maxEdge := p.quality.MaxEdge()
	newWidth, newHeight := calculateThumbnailDimensions(bounds.Dx(), bounds.Dy(), maxEdge)

	var out image.Image = img
	if newWidth != bounds.Dx() || newHeight != bounds.Dy() {
		resized := image.NewRGBA(image.Rect(0, 0, newWidth, newHeight))
		draw.CatmullRom.Scale(resized, resized.Bounds(), img, bounds, draw.Over, nil)
		out = resized
	}

	data, err := encodeWebP(out)
	if err != nil {
		return "", err
	}

	name := "thumb-" + uuid.NewString() + ".webp"
	thumbURL, err := p.sink.Save(ctx, name, "image/webp", data)
	if err != nil {
		return "", fmt.Errorf("store thumbnail: %w", err)
	}

	log.Debug().
		Str("source", url).
		Str("thumbnail", thumbURL).
		Int("orig_width", bounds.Dx()).
		Int("orig_height", bounds.Dy()).
		Int("new_width", newWidth).
		Int("new_height", newHeight).
		Int("output_size", len(data)).
		Dur("duration", time.Since(start)).
		Msg("Thumbnail generated")
	return thumbURL, nil
}

// Thumbnails generates a thumbnail per URL with bounded concurrency. Failed
// entries are left empty and logged; the result is index-aligned with urls.
func (p *Processor) Thumbnails(ctx context.Context, urls []string) []string {
	out := make([]string, len(urls))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.concurrency)

	var mu sync.Mutex
	for i, u := range urls {
		g.Go(func() error {
			thumb, err := p.MakeThumbnail(gctx, u)
			if err != nil {
				log.Warn().Err(err).Str("url", u).Msg("Thumbnail generation failed, continuing without thumbnail")
				return nil
			}
			mu.Lock()
			out[i] = thumb
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return out
}

// SplitGrid crops a single 2x2 grid image into its four quadrants, ordered
// top-left, top-right, bottom-left, bottom-right, and stores each one. The
// stored names carry the "_q<N>" quadrant marker.
func (p *Processor) SplitGrid(ctx context.Context, url string) ([]string, error) {
	img, err := p.decode(ctx, url)
	if err != nil {
		return nil, err
	}
	b := img.Bounds()
	halfW, halfH := b.Dx()/2, b.Dy()/2
	if halfW == 0 || halfH == 0 {
		return nil, fmt.Errorf("grid image too small to split: %dx%d", b.Dx(), b.Dy())
	}

	quadrants := []image.Rectangle{
		image.Rect(b.Min.X, b.Min.Y, b.Min.X+halfW, b.Min.Y+halfH),
		image.Rect(b.Min.X+halfW, b.Min.Y, b.Min.X+2*halfW, b.Min.Y+halfH),
		image.Rect(b.Min.X, b.Min.Y+halfH, b.Min.X+halfW, b.Min.Y+2*halfH),
		image.Rect(b.Min.X+halfW, b.Min.Y+halfH, b.Min.X+2*halfW, b.Min.Y+2*halfH),
	}

	base := "grid-" + uuid.NewString()
	out := make([]string, len(quadrants))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.concurrency)
	for i, r := range quadrants {
		g.Go(func() error {
			crop := image.NewRGBA(image.Rect(0, 0, r.Dx(), r.Dy()))
			draw.Copy(crop, image.Point{}, img, r, draw.Src, nil)
			data, err := encodeWebP(crop)
			if err != nil {
				return err
			}
			u, err := p.sink.Save(gctx, quadrantName(base, i+1), "image/webp", data)
			if err != nil {
				return fmt.Errorf("store quadrant %d: %w", i+1, err)
			}
			out[i] = u
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	log.Debug().Str("source", url).Strs("quadrants", out).Msg("Grid image split into quadrants")
	return out, nil
}

func (p *Processor) decode(ctx context.Context, url string) (image.Image, error) {
	data, _, err := p.fetcher.Fetch(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("fetch source image: %w", err)
	}
	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}
	log.Debug().Str("url", url).Str("format", format).Msg("Source image decoded")
	return img, nil
}

func encodeWebP(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := webp.Encode(&buf, img, &webp.Options{Quality: webpQuality}); err != nil {
		return nil, fmt.Errorf("failed to encode as WebP: %w", err)
	}
	if buf.Len() == 0 {
		return nil, fmt.Errorf("WebP encoding produced empty output")
	}
	return buf.Bytes(), nil
}

// calculateThumbnailDimensions calculates new dimensions maintaining aspect ratio.
func calculateThumbnailDimensions(width, height, maxDimension int) (int, int) {
	if width <= maxDimension && height <= maxDimension {
		return width, height
	}

	if width > height {
		newWidth := maxDimension
		newHeight := int(float64(height) * float64(maxDimension) / float64(width))
		return newWidth, max(newHeight, 1)
	}

	newHeight := maxDimension
	newWidth := int(float64(width) * float64(maxDimension) / float64(height))
	return max(newWidth, 1), newHeight
}
