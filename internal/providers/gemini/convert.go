package gemini

import (
	"errors"

	"github.com/ncecere/gemini_chat_gateway/internal/models"
)

func buildGenerateContentRequest(contents []models.Content, cfg models.GenerationConfig) (geminiGenerateRequest, error) {
	out := make([]geminiContent, 0, len(contents))
	for _, content := range contents {
		parts := make([]geminiPart, 0, len(content.Parts))
		for _, part := range content.Parts {
			switch {
			case part.Inline != nil:
				if len(part.Inline.Data) == 0 {
					continue
				}
				parts = append(parts, geminiPart{InlineData: &geminiInlineData{
					MimeType: part.Inline.MimeType,
					Data:     part.Inline.Data,
				}})
			case part.Text != "":
				parts = append(parts, geminiPart{Text: part.Text})
			}
		}
		if len(parts) == 0 {
			continue
		}
		role := content.Role
		if role == "" {
			role = "user"
		}
		out = append(out, geminiContent{Role: role, Parts: parts})
	}
	if len(out) == 0 {
		return geminiGenerateRequest{}, errors.New("gemini: at least one content part is required")
	}

	return geminiGenerateRequest{
		Contents:         out,
		GenerationConfig: convertGenerationConfig(cfg),
	}, nil
}

func convertGenerationConfig(cfg models.GenerationConfig) *geminiGenerationConfig {
	gc := &geminiGenerationConfig{}
	if cfg.Temperature > 0 {
		t := cfg.Temperature
		gc.Temperature = &t
	}
	if cfg.TopP > 0 {
		p := cfg.TopP
		gc.TopP = &p
	}
	if cfg.TopK > 0 {
		k := cfg.TopK
		gc.TopK = &k
	}
	if cfg.MaxOutputTokens > 0 {
		m := cfg.MaxOutputTokens
		gc.MaxOutputTokens = &m
	}
	if len(cfg.ResponseModalities) > 0 {
		gc.ResponseModalities = append(gc.ResponseModalities, cfg.ResponseModalities...)
	}
	if gc.Temperature == nil && gc.TopP == nil && gc.TopK == nil && gc.MaxOutputTokens == nil && len(gc.ResponseModalities) == 0 {
		return nil
	}
	return gc
}

// convertFragments flattens the first candidate into text and image fragments.
// Thought parts are internal reasoning and never surface to the caller.
func convertFragments(v geminiGenerateResponse) []models.Fragment {
	candidate := v.FirstCandidate()
	if candidate == nil || candidate.Content == nil {
		return nil
	}
	fragments := make([]models.Fragment, 0, len(candidate.Content.Parts))
	for _, part := range candidate.Content.Parts {
		switch {
		case part.Thought:
			continue
		case part.Text != "":
			fragments = append(fragments, models.NewTextFragment(part.Text))
		case part.InlineData != nil && len(part.InlineData.Data) > 0:
			fragments = append(fragments, models.NewImageFragment(part.InlineData.Data, part.InlineData.MimeType))
		}
	}
	return fragments
}
