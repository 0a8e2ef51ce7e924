package redisclient

import (
	"context"
	"testing"

	miniredis "github.com/alicebob/miniredis/v2"

	"github.com/ncecere/gemini_chat_gateway/internal/config"
)

func TestNewDisabledWithoutURL(t *testing.T) {
	if client := New(config.RedisConfig{}); client != nil {
		t.Fatal("expected nil client when redis is not configured")
	}
	if err := Ping(context.Background(), nil); err != nil {
		t.Fatalf("ping on nil client should be a no-op: %v", err)
	}
}

func TestNewAcceptsURLAndBareAddress(t *testing.T) {
	server := miniredis.RunT(t)

	for _, url := range []string{"redis://" + server.Addr() + "/0", server.Addr()} {
		client := New(config.RedisConfig{URL: url, PoolSize: 2})
		if client == nil {
			t.Fatalf("expected client for %q", url)
		}
		if err := Ping(context.Background(), client); err != nil {
			t.Fatalf("ping %q: %v", url, err)
		}
		_ = client.Close()
	}
}
