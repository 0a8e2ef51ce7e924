package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/ncecere/gemini_chat_gateway/internal/executor"
	"github.com/ncecere/gemini_chat_gateway/internal/models"
	"github.com/ncecere/gemini_chat_gateway/internal/requestctx"
	"github.com/ncecere/gemini_chat_gateway/internal/rotator"
)

const (
	DefaultRetryBackoff = 500 * time.Millisecond

	highDemandText = "I'm experiencing high demand right now. Please try again in a moment."
)

var (
	// ErrModelUnavailable marks requests the provider rejected for the model itself.
	ErrModelUnavailable = errors.New("model unavailable")
	// ErrServiceUnavailable marks requests that failed on every attempt.
	ErrServiceUnavailable = errors.New("service unavailable")
)

// Error carries the user-facing message for a failed request. errors.Is
// matches it against its Code sentinel.
type Error struct {
	Code    error
	Message string
	Cause   error
}

func (e *Error) Error() string { return e.Message }

func (e *Error) Is(target error) bool { return target == e.Code }

func (e *Error) Unwrap() error { return e.Cause }

// Executor performs one attempt with one credential.
type Executor interface {
	Execute(ctx context.Context, req models.GenerationRequest, credential string) (models.GenerationResult, error)
}

type Options struct {
	DefaultModel string
	RetryBackoff time.Duration
	Logger       *slog.Logger
}

// Service drives generation attempts across the credential pool.
type Service struct {
	exec         Executor
	pool         *rotator.Rotator
	defaultModel string
	retryBackoff time.Duration
	logger       *slog.Logger
}

func NewService(exec Executor, pool *rotator.Rotator, opts Options) *Service {
	wait := opts.RetryBackoff
	if wait <= 0 {
		wait = DefaultRetryBackoff
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		exec:         exec,
		pool:         pool,
		defaultModel: strings.TrimSpace(opts.DefaultModel),
		retryBackoff: wait,
		logger:       logger,
	}
}

// Generate runs req against the pool, making at most one attempt per
// credential. Retryable failures exclude the credential and move on after a
// fixed wait; a fatal failure ends the request without touching the pool.
func (s *Service) Generate(ctx context.Context, req models.GenerationRequest) (models.GenerationResult, error) {
	if strings.TrimSpace(req.Model) == "" {
		req.Model = s.defaultModel
	}
	requestID := requestctx.RequestID(ctx)
	attempts := s.pool.Size()

	var (
		result  models.GenerationResult
		lastErr error
		attempt int
	)
	op := func() error {
		attempt++
		credential, index := s.pool.Select()
		res, err := s.exec.Execute(ctx, req, credential)
		if err == nil {
			s.pool.ReportSuccess(index)
			result = res
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return backoff.Permanent(ctxErr)
		}
		lastErr = err

		kind := executor.Classify(err)
		if failure, ok := executor.AsFailure(err); ok {
			kind = failure.Kind
		}
		s.logger.Warn("generation attempt failed",
			slog.String("request_id", requestID),
			slog.String("model", req.Model),
			slog.Int("attempt", attempt),
			slog.Int("credential_index", index),
			slog.String("credential", rotator.Mask(credential)),
			slog.String("kind", kind.String()),
			slog.String("error", err.Error()),
		)
		if kind == executor.Fatal {
			return backoff.Permanent(&Error{
				Code:    ErrModelUnavailable,
				Message: fmt.Sprintf("Model '%s' is not available. Please try a different model.", req.Model),
				Cause:   err,
			})
		}
		s.pool.ReportFailure(index)
		return err
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(s.retryBackoff), uint64(attempts-1)),
		ctx,
	)
	err := backoff.Retry(op, policy)
	if err == nil {
		return result, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return models.GenerationResult{}, ctxErr
	}
	if errors.Is(err, ErrModelUnavailable) {
		return models.GenerationResult{}, err
	}

	if s.pool.AllExcluded() {
		s.pool.ClearExcluded()
		s.logger.Warn("all credentials excluded, returning high demand notice",
			slog.String("request_id", requestID),
			slog.Int("pool_size", attempts),
		)
		return models.GenerationResult{Text: highDemandText, Degraded: true}, nil
	}

	if lastErr == nil {
		lastErr = err
	}
	s.logger.Error("generation failed on every attempt",
		slog.String("request_id", requestID),
		slog.String("model", req.Model),
		slog.String("error", lastErr.Error()),
	)
	return models.GenerationResult{}, &Error{
		Code:    ErrServiceUnavailable,
		Message: fmt.Sprintf("Service temporarily unavailable. Please try again. Error: %s", lastErr.Error()),
		Cause:   lastErr,
	}
}

// DefaultModel is used when a request names no model.
func (s *Service) DefaultModel() string {
	return s.defaultModel
}
