// Package metadata fetches NFT token metadata (name, image, traits) from an
// ERC-721 style metadata endpoint.
package metadata

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/fpang/card-art-studio/internal/assets"
	"github.com/fpang/card-art-studio/internal/jobs"
)

const defaultTimeout = 15 * time.Second

// ErrNotFound is returned when the provider has no token for the key.
var ErrNotFound = errors.New("token not found")

// Token is the metadata the card pipeline needs for one key.
type Token struct {
	Key      string         `json:"key"`
	Name     string         `json:"name"`
	ImageURL string         `json:"imageUrl"`
	Traits   []assets.Trait `json:"traits"`
}

// Client reads token metadata from {baseURL}/{key}.
type Client struct {
	httpClient  *http.Client
	baseURL     string
	apiKey      string
	ipfsGateway string
}

// NewClient creates a metadata client. ipfs:// image URLs are rewritten onto
// ipfsGateway when it is set.
func NewClient(baseURL, apiKey, ipfsGateway string) *Client {
	return &Client{
		httpClient:  &http.Client{Timeout: defaultTimeout},
		baseURL:     strings.TrimRight(baseURL, "/"),
		apiKey:      apiKey,
		ipfsGateway: strings.TrimRight(ipfsGateway, "/"),
	}
}

type tokenResponse struct {
	Name       string      `json:"name"`
	Image      string      `json:"image"`
	ImageURL   string      `json:"image_url"`
	Attributes []attribute `json:"attributes"`
}

type attribute struct {
	TraitType string          `json:"trait_type"`
	Value     json.RawMessage `json:"value"`
}

// FetchMetadata returns the token for key (fetchMetadata).
func (c *Client) FetchMetadata(ctx context.Context, key string) (*Token, error) {
	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/"+url.PathEscape(key), nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, jobs.Transient("fetch metadata", err)
	}
	defer resp.Body.Close()

	log.Debug().
		Str("key", key).
		Int("statusCode", resp.StatusCode).
		Dur("duration", time.Since(start)).
		Msg("Metadata API response")

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, jobs.Transient("fetch metadata", fmt.Errorf("read response: %w", err))
	}
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%s: %w", key, ErrNotFound)
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, jobs.Transient("fetch metadata", fmt.Errorf("HTTP %d", resp.StatusCode))
	case resp.StatusCode >= 400:
		return nil, &jobs.TerminalError{Message: fmt.Sprintf("metadata HTTP %d", resp.StatusCode)}
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return nil, &jobs.IntegrityError{Detail: "metadata response: " + err.Error()}
	}

	tok := &Token{
		Key:      key,
		Name:     tr.Name,
		ImageURL: c.resolveImage(tr),
	}
	if tok.Name == "" {
		tok.Name = "#" + key
	}
	for _, a := range tr.Attributes {
		if a.TraitType == "" {
			continue
		}
		tok.Traits = append(tok.Traits, assets.Trait{Type: a.TraitType, Value: traitValue(a.Value)})
	}
	if tok.ImageURL == "" {
		return nil, &jobs.IntegrityError{Detail: "metadata for " + key + " has no image"}
	}
	return tok, nil
}

func (c *Client) resolveImage(tr tokenResponse) string {
	img := tr.Image
	if img == "" {
		img = tr.ImageURL
	}
	if rest, ok := strings.CutPrefix(img, "ipfs://"); ok && c.ipfsGateway != "" {
		return c.ipfsGateway + "/" + strings.TrimPrefix(rest, "ipfs/")
	}
	return img
}

// traitValue renders string, number and boolean trait values as text.
func traitValue(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		return strconv.FormatFloat(f, 'f', -1, 64)
	}
	return strings.Trim(string(raw), `"`)
}
