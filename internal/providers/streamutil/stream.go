package streamutil

import (
	"context"
	"sync"

	"github.com/ncecere/gemini_chat_gateway/internal/models"
)

// YieldFunc receives converted fragments. Returning false stops further forwarding.
type YieldFunc func(models.Fragment) bool

// Forward wraps provider-specific streaming logic with a shared channel lifecycle so adapters follow the
// same contract when emitting fragments. The forward callback should invoke yield for every fragment until it
// returns false or the stream is exhausted, and return the error that ended the stream, if any.
//
// The returned finish func releases the underlying stream, waits for the forwarding goroutine and reports
// the terminal error. Callers that drained the channel get the error that ended the stream.
func Forward(ctx context.Context, closer func() error, forward func(ctx context.Context, yield YieldFunc) error) (<-chan models.Fragment, func() error) {
	fragments := make(chan models.Fragment)
	stop := make(chan struct{})
	done := make(chan struct{})
	var streamErr error

	var closeOnce, stopOnce sync.Once
	callCloser := func() {
		if closer == nil {
			return
		}
		closeOnce.Do(func() {
			_ = closer()
		})
	}

	go func() {
		defer close(done)
		defer close(fragments)
		defer callCloser()

		streamErr = forward(ctx, func(f models.Fragment) bool {
			select {
			case <-ctx.Done():
				return false
			case <-stop:
				return false
			case fragments <- f:
				return true
			}
		})
		if streamErr == nil && ctx.Err() != nil {
			streamErr = ctx.Err()
		}
	}()

	return fragments, func() error {
		stopOnce.Do(func() { close(stop) })
		callCloser()
		<-done
		return streamErr
	}
}
