package streamutil

import (
	"context"
	"errors"
	"testing"

	"github.com/ncecere/gemini_chat_gateway/internal/models"
)

func TestForwardDeliversInOrderAndReportsTerminalError(t *testing.T) {
	boom := errors.New("stream broke")
	closed := 0
	ch, finish := Forward(context.Background(), func() error { closed++; return nil }, func(ctx context.Context, yield YieldFunc) error {
		for _, text := range []string{"a", "b", "c"} {
			if !yield(models.NewTextFragment(text)) {
				return nil
			}
		}
		return boom
	})

	var got string
	for f := range ch {
		got += f.Text
	}
	if got != "abc" {
		t.Fatalf("unexpected fragments: %q", got)
	}
	if err := finish(); !errors.Is(err, boom) {
		t.Fatalf("expected terminal error, got %v", err)
	}
	if closed != 1 {
		t.Fatalf("closer should run exactly once, ran %d", closed)
	}
}

func TestForwardFinishUnblocksAbandonedConsumer(t *testing.T) {
	ch, finish := Forward(context.Background(), nil, func(ctx context.Context, yield YieldFunc) error {
		for {
			if !yield(models.NewTextFragment("x")) {
				return nil
			}
		}
	})
	<-ch
	if err := finish(); err != nil {
		t.Fatalf("abandoning the stream should not report an error, got %v", err)
	}
}

func TestForwardReportsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	ch, finish := Forward(ctx, nil, func(ctx context.Context, yield YieldFunc) error {
		yield(models.NewTextFragment("never"))
		return nil
	})
	for range ch {
	}
	if err := finish(); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
