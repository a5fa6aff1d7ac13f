package redisstore

import (
	"context"
	"errors"
	"testing"

	"github.com/Sternrassler/subgraph-backfill/pkg/model"
	"github.com/Sternrassler/subgraph-backfill/pkg/store"
	"github.com/redis/go-redis/v9"
)

func TestNewDocumentStore_Panic(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Error("NewDocumentStore should panic with nil redis client")
		}
	}()
	NewDocumentStore(nil, "")
}

func TestDocumentStore_Keys(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	defer client.Close()

	s := NewDocumentStore(client, "")
	if got := s.docKey("swaps", "0x1"); got != "backfill:swaps:0x1" {
		t.Errorf("docKey() = %q", got)
	}
	if got := s.indexKey("swaps"); got != "backfill:swaps:ids" {
		t.Errorf("indexKey() = %q", got)
	}
}

func TestDocumentStore_ValidationBeforeNetwork(t *testing.T) {
	// Unreachable address: validation must fail before any command is sent.
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1"})
	defer client.Close()
	s := NewDocumentStore(client, "test")

	err := s.BatchWrite(context.Background(), "swaps", []model.Document{{ID: ""}})
	if !errors.Is(err, store.ErrInvalidInput) {
		t.Errorf("BatchWrite() error = %v, want ErrInvalidInput", err)
	}
	if err := s.BatchWrite(context.Background(), "swaps", nil); err != nil {
		t.Errorf("empty BatchWrite() error = %v, want nil", err)
	}
}
