package variant

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestSplitVariantsPreservesOrderAndLength(t *testing.T) {
	raw := []string{"https://x/a.png", "https://x/b.png", "https://x/a.png", "https://x/d.png"}
	got := SplitVariants(raw)
	want := []Variant{
		{URL: "https://x/a.png", Ordinal: 1},
		{URL: "https://x/b.png", Ordinal: 2},
		{URL: "https://x/a.png", Ordinal: 3},
		{URL: "https://x/d.png", Ordinal: 4},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("SplitVariants mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(raw, URLs(got)); diff != "" {
		t.Errorf("URLs mismatch (-want +got):\n%s", diff)
	}
}

func TestSplitVariantsEmpty(t *testing.T) {
	if got := SplitVariants(nil); len(got) != 0 {
		t.Errorf("SplitVariants(nil) = %v, want empty", got)
	}
}

func TestQuadrantOrdinal(t *testing.T) {
	tests := []struct {
		url    string
		want   int
		wantOK bool
	}{
		{"/processed/grid-abc_q1.webp", 1, true},
		{"https://cdn/x_q4.png?sig=1", 4, true},
		{"https://cdn/x_q4", 4, true},
		{"https://cdn/x_q5.png", 0, false},
		{"https://cdn/square.png", 0, false},
		{"https://cdn/x_q1/other.png", 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			got, ok := QuadrantOrdinal(tt.url)
			if got != tt.want || ok != tt.wantOK {
				t.Errorf("QuadrantOrdinal(%q) = %d, %v; want %d, %v", tt.url, got, ok, tt.want, tt.wantOK)
			}
		})
	}
}

func TestCalculateThumbnailDimensions(t *testing.T) {
	tests := []struct {
		w, h, max    int
		wantW, wantH int
	}{
		{1600, 1200, 800, 800, 600},
		{1200, 1600, 800, 600, 800},
		{640, 480, 800, 640, 480},
		{4000, 1, 400, 400, 1},
	}
	for _, tt := range tests {
		gotW, gotH := calculateThumbnailDimensions(tt.w, tt.h, tt.max)
		if gotW != tt.wantW || gotH != tt.wantH {
			t.Errorf("calculateThumbnailDimensions(%d, %d, %d) = %dx%d, want %dx%d",
				tt.w, tt.h, tt.max, gotW, gotH, tt.wantW, tt.wantH)
		}
	}
}

type memFetcher struct {
	images map[string][]byte
}

func (f *memFetcher) Fetch(_ context.Context, url string) ([]byte, string, error) {
	data, ok := f.images[url]
	if !ok {
		return nil, "", errors.New("not found")
	}
	return data, "image/png", nil
}

func solidPNG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x % 256), G: uint8(y % 256), B: 128, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

func decodeSaved(t *testing.T, dir, url string) image.Image {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(dir, filepath.Base(url)))
	if err != nil {
		t.Fatalf("read saved asset: %v", err)
	}
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("decode saved asset: %v", err)
	}
	return img
}

func TestMakeThumbnailBoundsLongestEdge(t *testing.T) {
	dir := t.TempDir()
	sink, err := NewLocalSink(dir, "/processed/")
	if err != nil {
		t.Fatal(err)
	}
	fetcher := &memFetcher{images: map[string][]byte{"https://x/big.png": solidPNG(t, 1000, 500)}}

	p := NewProcessor(fetcher, sink, QualityLow)
	url, err := p.MakeThumbnail(context.Background(), "https://x/big.png")
	if err != nil {
		t.Fatalf("MakeThumbnail: %v", err)
	}
	if !strings.HasPrefix(url, "/processed/thumb-") || !strings.HasSuffix(url, ".webp") {
		t.Errorf("thumbnail url = %q", url)
	}

	b := decodeSaved(t, dir, url).Bounds()
	if b.Dx() != 400 || b.Dy() != 200 {
		t.Errorf("thumbnail size = %dx%d, want 400x200", b.Dx(), b.Dy())
	}
}

func TestThumbnailsFailureIsNonFatal(t *testing.T) {
	dir := t.TempDir()
	sink, err := NewLocalSink(dir, "/processed")
	if err != nil {
		t.Fatal(err)
	}
	fetcher := &memFetcher{images: map[string][]byte{"ok": solidPNG(t, 100, 100)}}

	p := NewProcessor(fetcher, sink, QualityHigh)
	got := p.Thumbnails(context.Background(), []string{"missing", "ok"})
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	if got[0] != "" {
		t.Errorf("failed entry should be empty, got %q", got[0])
	}
	if got[1] == "" {
		t.Error("successful entry should have a thumbnail")
	}
}

func TestSplitGridProducesMarkedQuadrants(t *testing.T) {
	dir := t.TempDir()
	sink, err := NewLocalSink(dir, "/processed")
	if err != nil {
		t.Fatal(err)
	}
	fetcher := &memFetcher{images: map[string][]byte{"grid": solidPNG(t, 200, 100)}}

	p := NewProcessor(fetcher, sink, QualityHigh)
	urls, err := p.SplitGrid(context.Background(), "grid")
	if err != nil {
		t.Fatalf("SplitGrid: %v", err)
	}
	if len(urls) != 4 {
		t.Fatalf("got %d quadrants, want 4", len(urls))
	}
	for i, u := range urls {
		n, ok := QuadrantOrdinal(u)
		if !ok || n != i+1 {
			t.Errorf("quadrant %d url %q has ordinal %d, %v", i, u, n, ok)
		}
		b := decodeSaved(t, dir, u).Bounds()
		if b.Dx() != 100 || b.Dy() != 50 {
			t.Errorf("quadrant %d size = %dx%d, want 100x50", i+1, b.Dx(), b.Dy())
		}
	}
}

func TestHTTPFetcherReadsLocalAssets(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "a.png"), solidPNG(t, 2, 2), 0o644); err != nil {
		t.Fatal(err)
	}
	f := NewHTTPFetcher(dir, "/processed")
	data, mime, err := f.Fetch(context.Background(), "/processed/a.png")
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(data) == 0 || mime != "image/png" {
		t.Errorf("Fetch = %d bytes, %q", len(data), mime)
	}
}
