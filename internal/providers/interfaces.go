package providers

import (
	"context"

	"github.com/ncecere/gemini_chat_gateway/internal/models"
)

// Generator performs one blocking generation call with the given credential.
type Generator interface {
	Generate(ctx context.Context, credential, model string, contents []models.Content, cfg models.GenerationConfig) ([]models.Fragment, error)
}

// StreamGenerator performs one streaming generation call. The returned func
// releases the stream and reports the error that ended it.
type StreamGenerator interface {
	StreamGenerate(ctx context.Context, credential, model string, contents []models.Content, cfg models.GenerationConfig) (<-chan models.Fragment, func() error, error)
}

// Provider is the generation backend the executor depends on.
type Provider interface {
	Generator
	StreamGenerator
}

// Prober checks whether a credential is currently accepted by the provider.
type Prober interface {
	Probe(ctx context.Context, credential string) error
}
