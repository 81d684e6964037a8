package variant

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// maxFetchBytes bounds how much of a remote image is read.
const maxFetchBytes = 32 << 20

// Fetcher retrieves source image bytes.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (data []byte, mimeType string, err error)
}

// Sink persists a processed asset and returns the URL it is served from.
type Sink interface {
	Save(ctx context.Context, name, contentType string, data []byte) (string, error)
}

// LocalSink writes assets into a processed-assets directory served under
// URLPrefix (for example "/processed").
type LocalSink struct {
	Dir       string
	URLPrefix string
}

var _ Sink = (*LocalSink)(nil)

// NewLocalSink creates the directory if needed.
func NewLocalSink(dir, urlPrefix string) (*LocalSink, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create processed assets directory: %w", err)
	}
	return &LocalSink{Dir: dir, URLPrefix: strings.TrimRight(urlPrefix, "/")}, nil
}

// Save writes data under name through a temp file and returns a relative URL.
func (s *LocalSink) Save(_ context.Context, name, _ string, data []byte) (string, error) {
	name = filepath.Base(name)
	dst := filepath.Join(s.Dir, name)

	tmp, err := os.CreateTemp(s.Dir, name+".*.tmp")
	if err != nil {
		return "", fmt.Errorf("create temp asset: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return "", fmt.Errorf("write asset: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("close asset: %w", err)
	}
	if err := os.Chmod(tmpPath, 0o644); err != nil {
		return "", fmt.Errorf("chmod asset: %w", err)
	}
	if err := os.Rename(tmpPath, dst); err != nil {
		return "", fmt.Errorf("rename asset: %w", err)
	}

	return path.Join(s.URLPrefix, name), nil
}

// HTTPFetcher downloads images over HTTP. URLs under LocalPrefix are read
// from LocalDir instead, so assets written by a LocalSink can be processed
// again without a round trip through the server.
type HTTPFetcher struct {
	Client      *http.Client
	LocalDir    string
	LocalPrefix string
}

var _ Fetcher = (*HTTPFetcher)(nil)

// NewHTTPFetcher returns a fetcher with a bounded request timeout.
func NewHTTPFetcher(localDir, localPrefix string) *HTTPFetcher {
	return &HTTPFetcher{
		Client:      &http.Client{Timeout: 30 * time.Second},
		LocalDir:    localDir,
		LocalPrefix: strings.TrimRight(localPrefix, "/"),
	}
}

func (f *HTTPFetcher) Fetch(ctx context.Context, url string) ([]byte, string, error) {
	if f.LocalPrefix != "" && strings.HasPrefix(url, f.LocalPrefix+"/") {
		name := filepath.Base(strings.TrimPrefix(url, f.LocalPrefix+"/"))
		data, err := os.ReadFile(filepath.Join(f.LocalDir, name))
		if err != nil {
			return nil, "", fmt.Errorf("read local asset: %w", err)
		}
		return data, http.DetectContentType(data), nil
	}

	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := f.Client.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("fetch %s: status %d", url, resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchBytes))
	if err != nil {
		return nil, "", fmt.Errorf("failed to read response: %w", err)
	}

	mimeType := resp.Header.Get("Content-Type")
	if mimeType == "" {
		mimeType = http.DetectContentType(data)
	}
	log.Debug().
		Str("url", url).
		Int("bytes", len(data)).
		Dur("duration", time.Since(start)).
		Msg("Source image fetched")
	return data, mimeType, nil
}
