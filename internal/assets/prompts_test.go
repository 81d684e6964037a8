package assets

import (
	"strings"
	"testing"
)

func TestRenderArtPrompt(t *testing.T) {
	got := RenderArtPrompt(ArtData{
		Name:        "Ember Fox",
		Description: "A fox made of embers.",
		Traits:      []Trait{{Type: "Fur", Value: "Flame"}, {Type: "Eyes", Value: "Gold"}},
		Grid:        true,
	})
	for _, want := range []string{
		"Ember Fox",
		"A fox made of embers.",
		"Fur Flame, Eyes Gold",
		"painterly fantasy card art",
		"2x2 grid",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("prompt missing %q:\n%s", want, got)
		}
	}
}

func TestRenderArtPromptStyleOverride(t *testing.T) {
	got := RenderArtPrompt(ArtData{Name: "X", Style: "pixel art"})
	if !strings.Contains(got, "Style: pixel art.") {
		t.Errorf("style not applied:\n%s", got)
	}
	if strings.Contains(got, "2x2") || strings.Contains(got, "Keep these traits") {
		t.Errorf("optional sections rendered without data:\n%s", got)
	}
}

func TestRenderAnalysisPrompt(t *testing.T) {
	got := RenderAnalysisPrompt(AnalysisData{Key: "1834", Name: "Ember Fox", Traits: []Trait{{Type: "Fur", Value: "Flame"}}})
	if !strings.Contains(got, `"Ember Fox" (token 1834)`) || !strings.Contains(got, "- Fur: Flame") {
		t.Errorf("unexpected prompt:\n%s", got)
	}
	if CardAnalysisSystemPrompt == "" {
		t.Error("system prompt not embedded")
	}
}
