package executor

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/ncecere/gemini_chat_gateway/internal/models"
	"github.com/ncecere/gemini_chat_gateway/internal/providers/gemini"
	"github.com/ncecere/gemini_chat_gateway/internal/providers/streamutil"
)

type fakeProvider struct {
	streamFragments []models.Fragment
	streamErr       error
	startErr        error
	generateResult  []models.Fragment
	generateErr     error
	stallStream     bool

	streamCalls   int
	generateCalls int
	lastContents  []models.Content
	lastConfig    models.GenerationConfig
	lastKey       string
	generateCtx   error
	generateLeft  time.Duration
}

func (f *fakeProvider) StreamGenerate(ctx context.Context, credential, model string, contents []models.Content, cfg models.GenerationConfig) (<-chan models.Fragment, func() error, error) {
	f.streamCalls++
	f.lastContents = contents
	f.lastConfig = cfg
	f.lastKey = credential
	if f.startErr != nil {
		return nil, nil, f.startErr
	}
	ch, finish := streamutil.Forward(ctx, nil, func(ctx context.Context, yield streamutil.YieldFunc) error {
		if f.stallStream {
			<-ctx.Done()
			return ctx.Err()
		}
		for _, fragment := range f.streamFragments {
			if !yield(fragment) {
				return nil
			}
		}
		return f.streamErr
	})
	return ch, finish, nil
}

func (f *fakeProvider) Generate(ctx context.Context, credential, model string, contents []models.Content, cfg models.GenerationConfig) ([]models.Fragment, error) {
	f.generateCalls++
	f.generateCtx = ctx.Err()
	if deadline, ok := ctx.Deadline(); ok {
		f.generateLeft = time.Until(deadline)
	}
	return f.generateResult, f.generateErr
}

type recorded struct {
	model, outcome string
}

type fakeRecorder struct{ calls []recorded }

func (r *fakeRecorder) RecordProviderCall(model, outcome string, _ time.Duration) {
	r.calls = append(r.calls, recorded{model, outcome})
}

func TestExecuteEmptyRequestShortCircuits(t *testing.T) {
	provider := &fakeProvider{}
	exec := New(provider, Options{})

	result, err := exec.Execute(context.Background(), models.GenerationRequest{Model: "gemini-2.5-flash"}, "key")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Text != GuidanceText {
		t.Fatalf("expected guidance text, got %q", result.Text)
	}
	if provider.streamCalls+provider.generateCalls != 0 {
		t.Fatalf("provider must not be called for an empty request")
	}
}

func TestExecuteDropsEmptyImages(t *testing.T) {
	provider := &fakeProvider{}
	exec := New(provider, Options{})

	req := models.GenerationRequest{
		Model:  "gemini-2.5-flash",
		Images: []models.InlineImage{{Data: nil, MimeType: "image/png"}, {Data: []byte{}, MimeType: "image/jpeg"}},
	}
	result, err := exec.Execute(context.Background(), req, "key")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Text != GuidanceText {
		t.Fatalf("expected guidance text for images without data, got %q", result.Text)
	}
	if provider.streamCalls+provider.generateCalls != 0 {
		t.Fatalf("provider must not be called when no image carries data")
	}

	req.Images = append(req.Images, models.InlineImage{Data: []byte{7}, MimeType: "image/webp"})
	result, err = exec.Execute(context.Background(), req, "key")
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	parts := provider.lastContents[0].Parts
	if len(parts) != 1 || parts[0].Inline.MimeType != "image/webp" {
		t.Fatalf("expected only the non-empty image, got %+v", parts)
	}
	if result.Text != "I've analyzed the 1 image(s) you uploaded. How can I help you with them?" {
		t.Fatalf("fallback must count images actually sent, got %q", result.Text)
	}
}

func TestExecuteFallbackGetsItsOwnTimeout(t *testing.T) {
	provider := &fakeProvider{
		stallStream:    true,
		generateResult: []models.Fragment{models.NewTextFragment("late but fine")},
	}
	exec := New(provider, Options{Timeout: 50 * time.Millisecond})

	result, err := exec.Execute(context.Background(), models.GenerationRequest{Text: "hi", Model: "m"}, "k")
	if err != nil {
		t.Fatalf("fallback should succeed after a stalled stream: %v", err)
	}
	if result.Text != "late but fine" {
		t.Fatalf("unexpected text %q", result.Text)
	}
	if provider.generateCtx != nil {
		t.Fatalf("fallback ran on an expired context: %v", provider.generateCtx)
	}
	if provider.generateLeft <= 0 || provider.generateLeft > 50*time.Millisecond {
		t.Fatalf("fallback should carry a fresh deadline, got %v left", provider.generateLeft)
	}
}

func TestExecuteReturnsCallerCancellation(t *testing.T) {
	provider := &fakeProvider{stallStream: true}
	exec := New(provider, Options{})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := exec.Execute(ctx, models.GenerationRequest{Text: "hi", Model: "m"}, "k")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected caller deadline, got %v", err)
	}
	if _, ok := AsFailure(err); ok {
		t.Fatalf("caller cancellation must not be classified")
	}
	if provider.generateCalls != 0 {
		t.Fatalf("no fallback after the caller gave up")
	}
}

func TestExecuteBuildsPayload(t *testing.T) {
	provider := &fakeProvider{streamFragments: []models.Fragment{models.NewTextFragment("ok")}}
	exec := New(provider, Options{})

	req := models.GenerationRequest{
		Text:          "a lighthouse",
		Images:        []models.InlineImage{{Data: []byte{1}, MimeType: "image/png"}, {Data: []byte{2}, MimeType: "image/jpeg"}},
		Model:         "gemini-2.5-flash-image-preview",
		GenerateImage: true,
	}
	if _, err := exec.Execute(context.Background(), req, "key-b"); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if provider.lastKey != "key-b" {
		t.Fatalf("credential not forwarded: %q", provider.lastKey)
	}
	if len(provider.lastContents) != 1 || provider.lastContents[0].Role != "user" {
		t.Fatalf("expected one user content, got %+v", provider.lastContents)
	}
	parts := provider.lastContents[0].Parts
	if len(parts) != 3 {
		t.Fatalf("expected text + 2 images, got %d parts", len(parts))
	}
	if parts[0].Text != "Generate an image of: a lighthouse" {
		t.Fatalf("unexpected prompt %q", parts[0].Text)
	}
	if parts[1].Inline.MimeType != "image/png" || parts[2].Inline.MimeType != "image/jpeg" {
		t.Fatalf("images out of order")
	}
	cfg := provider.lastConfig
	if cfg.Temperature != 0.7 || cfg.TopP != 0.95 || cfg.TopK != 40 || cfg.MaxOutputTokens != 8192 {
		t.Fatalf("unexpected sampling config %+v", cfg)
	}
	if len(cfg.ResponseModalities) != 2 || cfg.ResponseModalities[0] != "IMAGE" || cfg.ResponseModalities[1] != "TEXT" {
		t.Fatalf("expected IMAGE,TEXT modalities, got %v", cfg.ResponseModalities)
	}
}

func TestExecuteModalitySelection(t *testing.T) {
	cases := []struct {
		name          string
		model         string
		generateImage bool
		wantModality  bool
	}{
		{"image model with flag", "gemini-2.5-flash-IMAGE-preview", true, true},
		{"image model without flag", "gemini-2.5-flash-image-preview", false, false},
		{"text model with flag", "gemini-2.5-pro", true, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			provider := &fakeProvider{streamFragments: []models.Fragment{models.NewTextFragment("ok")}}
			exec := New(provider, Options{})
			req := models.GenerationRequest{Text: "cat", Model: tc.model, GenerateImage: tc.generateImage}
			if _, err := exec.Execute(context.Background(), req, "k"); err != nil {
				t.Fatalf("execute: %v", err)
			}
			got := len(provider.lastConfig.ResponseModalities) > 0
			if got != tc.wantModality {
				t.Fatalf("modalities set=%v, want %v", got, tc.wantModality)
			}
			if tc.generateImage && provider.lastContents[0].Parts[0].Text != "Generate an image of: cat" {
				t.Fatalf("image flag must rewrite the prompt regardless of model")
			}
		})
	}
}

func TestExecuteAccumulatesStream(t *testing.T) {
	provider := &fakeProvider{streamFragments: []models.Fragment{
		models.NewTextFragment("Hel"),
		models.NewImageFragment([]byte{9}, "image/png"),
		models.NewTextFragment("lo"),
		models.NewImageFragment([]byte{8}, "image/webp"),
	}}
	exec := New(provider, Options{})

	result, err := exec.Execute(context.Background(), models.GenerationRequest{Text: "hi", Model: "m"}, "k")
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if result.Text != "Hello" {
		t.Fatalf("unexpected text %q", result.Text)
	}
	if len(result.Images) != 2 || result.Images[0].MimeType != "image/png" || result.Images[1].MimeType != "image/webp" {
		t.Fatalf("unexpected images %+v", result.Images)
	}
	if provider.generateCalls != 0 {
		t.Fatalf("no fallback expected after a clean stream")
	}
}

func TestExecuteFallsBackAndDiscardsPartialStream(t *testing.T) {
	recorder := &fakeRecorder{}
	provider := &fakeProvider{
		streamFragments: []models.Fragment{models.NewTextFragment("partial ")},
		streamErr:       errors.New("connection reset"),
		generateResult:  []models.Fragment{models.NewTextFragment("complete answer")},
	}
	exec := New(provider, Options{Recorder: recorder})

	result, err := exec.Execute(context.Background(), models.GenerationRequest{Text: "hi", Model: "m"}, "k")
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if result.Text != "complete answer" {
		t.Fatalf("partial stream output must be discarded, got %q", result.Text)
	}
	if provider.streamCalls != 1 || provider.generateCalls != 1 {
		t.Fatalf("expected one stream and one blocking call, got %d/%d", provider.streamCalls, provider.generateCalls)
	}
	if len(recorder.calls) != 1 || recorder.calls[0].outcome != "ok" {
		t.Fatalf("unexpected recorder calls %+v", recorder.calls)
	}
}

func TestExecuteFallsBackWhenStreamCannotStart(t *testing.T) {
	provider := &fakeProvider{
		startErr:       errors.New("dial tcp: connection refused"),
		generateResult: []models.Fragment{models.NewTextFragment("ok")},
	}
	exec := New(provider, Options{})
	result, err := exec.Execute(context.Background(), models.GenerationRequest{Text: "hi", Model: "m"}, "k")
	if err != nil || result.Text != "ok" {
		t.Fatalf("expected fallback success, got %q err=%v", result.Text, err)
	}
}

func TestExecuteFallbackTexts(t *testing.T) {
	provider := &fakeProvider{}
	exec := New(provider, Options{})

	result, err := exec.Execute(context.Background(), models.GenerationRequest{Text: "hi", Model: "m"}, "k")
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if result.Text != "I've processed your request. How else can I help you?" {
		t.Fatalf("unexpected fallback %q", result.Text)
	}

	req := models.GenerationRequest{
		Model:  "m",
		Images: []models.InlineImage{{Data: []byte{1}, MimeType: "image/png"}, {Data: []byte{2}, MimeType: "image/png"}},
	}
	result, err = exec.Execute(context.Background(), req, "k")
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if result.Text != "I've analyzed the 2 image(s) you uploaded. How can I help you with them?" {
		t.Fatalf("unexpected image fallback %q", result.Text)
	}
}

func TestExecuteClassifiesFinalError(t *testing.T) {
	provider := &fakeProvider{
		streamErr:   errors.New("stream broke"),
		generateErr: &gemini.APIError{StatusCode: http.StatusTooManyRequests, Status: "RESOURCE_EXHAUSTED", Message: "Resource has been exhausted"},
	}
	exec := New(provider, Options{})
	_, err := exec.Execute(context.Background(), models.GenerationRequest{Text: "hi", Model: "m"}, "k")
	failure, ok := AsFailure(err)
	if !ok {
		t.Fatalf("expected *Failure, got %T", err)
	}
	if failure.Kind != Retryable {
		t.Fatalf("quota errors must be retryable")
	}
	var apiErr *gemini.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("failure should unwrap to the provider error")
	}
}

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want Kind
	}{
		{"quota", errors.New("Quota exceeded for project"), Retryable},
		{"rate", errors.New("Rate limited"), Retryable},
		{"429 text", errors.New("upstream said 429"), Retryable},
		{"resource exhausted", errors.New("RESOURCE_EXHAUSTED"), Retryable},
		{"model not found", errors.New("Model not found: gemini-x"), Fatal},
		{"quota wins over model", errors.New("model not found, quota exceeded"), Retryable},
		{"other", errors.New("internal server error"), Retryable},
		{"api 404", &gemini.APIError{StatusCode: http.StatusNotFound, Status: "NOT_FOUND", Message: "models/gemini-nope is not found for API version v1beta, or is not supported for generateContent."}, Fatal},
		{"api 429", &gemini.APIError{StatusCode: http.StatusTooManyRequests, Message: "slow down"}, Retryable},
		{"api 500", &gemini.APIError{StatusCode: http.StatusInternalServerError, Message: "backend error"}, Retryable},
		{"wrapped 404", fmt.Errorf("call: %w", &gemini.APIError{StatusCode: http.StatusNotFound, Message: "gone"}), Fatal},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Classify(tc.err); got != tc.want {
				t.Fatalf("Classify(%q) = %v, want %v", tc.err, got, tc.want)
			}
		})
	}
}
