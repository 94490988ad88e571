package cache

import (
	"testing"

	"github.com/alicebob/miniredis/v2"

	"go_dbchange/internal/config"
)

func TestNewClient(t *testing.T) {
	mr := miniredis.RunT(t)

	client, err := NewClient(config.RedisConfig{Addr: mr.Addr()})
	if err != nil {
		t.Fatalf("NewClient() failed: %v", err)
	}
	defer client.Close()
}

func TestNewClient_Unreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	if _, err := NewClient(config.RedisConfig{Addr: addr}); err == nil {
		t.Error("Expected error for unreachable Redis")
	}
}
