package chat

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"google.golang.org/genai"

	"github.com/fpang/card-art-studio/internal/assets"
	"github.com/fpang/card-art-studio/internal/jsonutil"
	"github.com/fpang/card-art-studio/internal/variant"
)

// CardDetails is the structured game text generated for a card.
type CardDetails struct {
	Name       string `json:"name"`
	Type       string `json:"type"`
	Rarity     string `json:"rarity"`
	Attack     int    `json:"attack"`
	Defense    int    `json:"defense"`
	Cost       int    `json:"cost"`
	Ability    string `json:"ability"`
	FlavorText string `json:"flavorText"`
}

// Analysis is the result of describeImage.
type Analysis struct {
	Description string      `json:"description"`
	Card        CardDetails `json:"card"`
}

// ContentGenerator is the subset of *genai.Models used for text generation.
type ContentGenerator interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

// Describer asks a vision model to describe a token image.
type Describer struct {
	models  ContentGenerator
	model   string
	fetcher variant.Fetcher
}

// NewDescriber creates a Describer. An empty model selects DefaultVisionModel.
func NewDescriber(models ContentGenerator, model string, fetcher variant.Fetcher) *Describer {
	if model == "" {
		model = DefaultVisionModel
	}
	return &Describer{models: models, model: model, fetcher: fetcher}
}

// DescribeImage fetches the image at imageURL and returns a free-text
// description plus generated card details (describeImage).
func (d *Describer) DescribeImage(ctx context.Context, key, name, imageURL string, traits []assets.Trait) (*Analysis, error) {
	log.Debug().
		Str("key", key).
		Str("image_url", imageURL).
		Int("traits", len(traits)).
		Msg("Starting image description")

	data, mimeType, err := d.fetcher.Fetch(ctx, imageURL)
	if err != nil {
		return nil, fmt.Errorf("fetch token image: %w", err)
	}
	if !strings.HasPrefix(mimeType, "image/") {
		mimeType = http.DetectContentType(data)
	}

	config := &genai.GenerateContentConfig{
		SystemInstruction: &genai.Content{
			Parts: []*genai.Part{{Text: assets.CardAnalysisSystemPrompt}},
		},
		ResponseMIMEType: "application/json",
	}
	prompt := assets.RenderAnalysisPrompt(assets.AnalysisData{Key: key, Name: name, Traits: traits})
	contents := []*genai.Content{{
		Role: "user",
		Parts: []*genai.Part{
			{InlineData: &genai.Blob{MIMEType: mimeType, Data: data}},
			{Text: prompt},
		},
	}}

	callStart := time.Now()
	resp, err := d.models.GenerateContent(ctx, d.model, contents, config)
	if err != nil {
		return nil, classifyError("describe", err)
	}
	text := resp.Text()
	log.Debug().
		Str("key", key).
		Str("model", d.model).
		Int("response_length", len(text)).
		Dur("duration", time.Since(callStart)).
		Msg("Image description received")

	analysis, err := jsonutil.ParseJSON[Analysis](text)
	if err != nil {
		return nil, fmt.Errorf("parse description: %w", err)
	}
	if analysis.Card.Name == "" {
		analysis.Card.Name = name
	}
	return &analysis, nil
}
