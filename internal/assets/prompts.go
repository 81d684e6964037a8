// Package assets embeds the prompt templates sent to the vision and image
// generation models. The prompt text itself is treated as opaque content.
package assets

import (
	"bytes"
	_ "embed"
	"text/template"
)

// CardAnalysisSystemPrompt is the system instruction for the vision model.
//
//go:embed prompts/card-analysis-system.txt
var CardAnalysisSystemPrompt string

//go:embed prompts/card-analysis.txt
var cardAnalysisTemplate string

//go:embed prompts/card-art.txt
var cardArtTemplate string

// Pre-parsed templates. template.Must panics on malformed templates,
// catching errors at program startup rather than at call time.
var (
	analysisPromptTmpl = template.Must(template.New("analysis").Parse(cardAnalysisTemplate))
	artPromptTmpl      = template.Must(template.New("art").Parse(cardArtTemplate))
)

// Trait is one NFT attribute.
type Trait struct {
	Type  string
	Value string
}

// AnalysisData is injected into the card analysis prompt.
type AnalysisData struct {
	Key    string
	Name   string
	Traits []Trait
}

// ArtData is injected into the image generation prompt.
type ArtData struct {
	Name        string
	Description string
	Traits      []Trait
	Style       string
	// Grid asks for four variations in one 2x2 image, for backends that
	// return a single image per task.
	Grid bool
}

// RenderAnalysisPrompt renders the vision prompt for one token.
func RenderAnalysisPrompt(data AnalysisData) string {
	return renderTemplate(analysisPromptTmpl, data)
}

// RenderArtPrompt renders the generation prompt for one token.
func RenderArtPrompt(data ArtData) string {
	return renderTemplate(artPromptTmpl, data)
}

func renderTemplate(tmpl *template.Template, data any) string {
	var buf bytes.Buffer
	// Execution errors are not expected with these templates; whatever was
	// rendered is returned.
	_ = tmpl.Execute(&buf, data)
	return buf.String()
}
