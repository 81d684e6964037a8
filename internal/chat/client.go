// Package chat wraps the Gemini API (google.golang.org/genai) for the two
// model calls the card service makes: describing a token image and, as a
// secondary generation backend, rendering card art with Imagen.
package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
	"google.golang.org/genai"

	"github.com/fpang/card-art-studio/internal/jobs"
)

// NewClient creates a Gemini API client authenticated with apiKey.
func NewClient(ctx context.Context, apiKey string) (*genai.Client, error) {
	if apiKey == "" {
		return nil, errors.New("gemini API key is empty")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create Gemini client: %w", err)
	}
	return client, nil
}

// classifyError maps a Gemini API error onto the job error taxonomy.
// Throttling, server errors and network failures are retryable; rejected
// requests (bad prompt, auth, safety) are final.
func classifyError(op string, err error) error {
	if err == nil {
		return nil
	}

	var apiErr genai.APIError
	var apiErrPtr *genai.APIError
	switch {
	case errors.As(err, &apiErr):
		return classifyAPIError(op, &apiErr)
	case errors.As(err, &apiErrPtr):
		return classifyAPIError(op, apiErrPtr)
	}

	errLower := strings.ToLower(err.Error())
	switch {
	case strings.Contains(errLower, "api key not valid") ||
		strings.Contains(errLower, "permission denied"):
		log.Error().Err(err).Str("op", op).Msg("Gemini rejected credentials")
		return &jobs.TerminalError{Message: err.Error()}
	default:
		return jobs.Transient(op, err)
	}
}

func classifyAPIError(op string, err *genai.APIError) error {
	switch {
	case err.Code == 429 || err.Code >= 500:
		return jobs.Transient(op, err)
	case err.Code >= 400:
		log.Error().Int("code", err.Code).Str("op", op).Str("message", err.Message).Msg("Gemini API error")
		return &jobs.TerminalError{Message: err.Message}
	default:
		return jobs.Transient(op, err)
	}
}
