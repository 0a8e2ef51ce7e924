package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/ncecere/gemini_chat_gateway/internal/models"
	"github.com/ncecere/gemini_chat_gateway/internal/providers"
	"github.com/ncecere/gemini_chat_gateway/internal/providers/gemini"
)

const (
	// GuidanceText is returned when a request carries neither text nor images.
	GuidanceText = "Please provide a message or upload images."

	imagePromptFormat = "Generate an image of: %s"
	processedText     = "I've processed your request. How else can I help you?"
	analyzedFormat    = "I've analyzed the %d image(s) you uploaded. How can I help you with them?"
)

var defaultConfig = models.GenerationConfig{
	Temperature:     0.7,
	TopP:            0.95,
	TopK:            40,
	MaxOutputTokens: 8192,
}

// Kind separates failures worth retrying on another credential from those
// that would fail identically everywhere.
type Kind int

const (
	Retryable Kind = iota
	Fatal
)

func (k Kind) String() string {
	if k == Fatal {
		return "fatal"
	}
	return "retryable"
}

// Failure is the error returned by Execute.
type Failure struct {
	Kind   Kind
	Reason string
	Err    error
}

func (f *Failure) Error() string { return f.Reason }

func (f *Failure) Unwrap() error { return f.Err }

// AsFailure extracts the classification from err when present.
func AsFailure(err error) (*Failure, bool) {
	var failure *Failure
	if errors.As(err, &failure) {
		return failure, true
	}
	return nil, false
}

var retryableMarkers = []string{"quota", "rate", "limit", "429", "resource", "exhaust"}

// Classify maps a provider error onto a failure kind.
func Classify(err error) Kind {
	var apiErr *gemini.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.StatusCode {
		case http.StatusNotFound:
			return Fatal
		case http.StatusTooManyRequests:
			return Retryable
		}
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range retryableMarkers {
		if strings.Contains(msg, marker) {
			return Retryable
		}
	}
	if strings.Contains(msg, "model not found") {
		return Fatal
	}
	return Retryable
}

// Recorder receives per-call latency observations.
type Recorder interface {
	RecordProviderCall(model, outcome string, duration time.Duration)
}

// Options configure an Executor.
type Options struct {
	Timeout  time.Duration
	Logger   *slog.Logger
	Recorder Recorder
}

// Executor performs one generation attempt with one credential.
type Executor struct {
	provider providers.Provider
	timeout  time.Duration
	logger   *slog.Logger
	recorder Recorder
}

func New(provider providers.Provider, opts Options) *Executor {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		provider: provider,
		timeout:  opts.Timeout,
		logger:   logger,
		recorder: opts.Recorder,
	}
}

// Execute runs the request against the provider using credential. Streaming
// is tried first; any streaming error triggers a single blocking retry with
// the same payload. Errors are *Failure, except the caller's own context
// error when ctx ends first.
func (e *Executor) Execute(ctx context.Context, req models.GenerationRequest, credential string) (models.GenerationResult, error) {
	contents, images, ok := buildContents(req)
	if !ok {
		return models.GenerationResult{Text: GuidanceText}, nil
	}
	cfg := buildConfig(req)

	ctx, span := otel.Tracer("chatd/executor").Start(ctx, "gemini.generate")
	span.SetAttributes(
		attribute.String("gemini.model", req.Model),
		attribute.Int("gemini.images", images),
		attribute.Bool("gemini.generate_image", req.GenerateImage),
	)
	defer span.End()

	start := time.Now()
	result, err := e.stream(ctx, credential, req.Model, contents, cfg)
	if err != nil {
		if ctx.Err() != nil {
			return models.GenerationResult{}, ctx.Err()
		}
		e.logger.Warn("streaming generation failed, retrying without streaming",
			slog.String("model", req.Model),
			slog.String("error", err.Error()),
		)
		span.AddEvent("stream_fallback")
		result, err = e.generate(ctx, credential, req.Model, contents, cfg)
	}
	if err != nil {
		kind := Classify(err)
		e.record(req.Model, kind.String(), time.Since(start))
		span.RecordError(err)
		span.SetStatus(codes.Error, kind.String())
		return models.GenerationResult{}, &Failure{Kind: kind, Reason: err.Error(), Err: err}
	}
	e.record(req.Model, "ok", time.Since(start))

	if result.Empty() {
		result.Text = fallbackText(images)
	}
	return result, nil
}

// callContext bounds a single provider call. The streaming attempt and the
// blocking fallback each get the full timeout.
func (e *Executor) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if e.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, e.timeout)
}

func (e *Executor) stream(ctx context.Context, credential, model string, contents []models.Content, cfg models.GenerationConfig) (models.GenerationResult, error) {
	ctx, cancel := e.callContext(ctx)
	defer cancel()
	fragments, finish, err := e.provider.StreamGenerate(ctx, credential, model, contents, cfg)
	if err != nil {
		return models.GenerationResult{}, err
	}
	var acc models.Accumulator
	for fragment := range fragments {
		acc.Add(fragment)
	}
	if err := finish(); err != nil {
		return models.GenerationResult{}, err
	}
	return acc.Result(), nil
}

func (e *Executor) generate(ctx context.Context, credential, model string, contents []models.Content, cfg models.GenerationConfig) (models.GenerationResult, error) {
	ctx, cancel := e.callContext(ctx)
	defer cancel()
	fragments, err := e.provider.Generate(ctx, credential, model, contents, cfg)
	if err != nil {
		return models.GenerationResult{}, err
	}
	var acc models.Accumulator
	for _, fragment := range fragments {
		acc.Add(fragment)
	}
	return acc.Result(), nil
}

func (e *Executor) record(model, outcome string, d time.Duration) {
	if e.recorder == nil {
		return
	}
	e.recorder.RecordProviderCall(model, outcome, d)
}

// buildContents returns the user turn and the number of images it carries.
// Images with no bytes are dropped.
func buildContents(req models.GenerationRequest) ([]models.Content, int, bool) {
	parts := make([]models.Part, 0, len(req.Images)+1)
	if req.Text != "" {
		text := req.Text
		if req.GenerateImage {
			text = fmt.Sprintf(imagePromptFormat, text)
		}
		parts = append(parts, models.Part{Text: text})
	}
	images := 0
	for i := range req.Images {
		img := req.Images[i]
		if len(img.Data) == 0 {
			continue
		}
		parts = append(parts, models.Part{Inline: &img})
		images++
	}
	if len(parts) == 0 {
		return nil, 0, false
	}
	return []models.Content{{Role: "user", Parts: parts}}, images, true
}

func buildConfig(req models.GenerationRequest) models.GenerationConfig {
	cfg := defaultConfig
	if req.GenerateImage && strings.Contains(strings.ToLower(req.Model), "image") {
		cfg.ResponseModalities = []string{models.ModalityImage, models.ModalityText}
	}
	return cfg
}

func fallbackText(images int) string {
	if images > 0 {
		return fmt.Sprintf(analyzedFormat, images)
	}
	return processedText
}
