package storage_test

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/livechat/internal/storage"
	"github.com/livechat/internal/storage/filestore"
	"github.com/livechat/internal/storage/memory"
	redisstorage "github.com/livechat/internal/storage/redis"
)

// exercise runs the common contract against one backend.
func exercise(t *testing.T, s storage.Store) {
	t.Helper()
	ctx := context.Background()

	if _, err := s.Get(ctx, "missing"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("Get missing = %v, want ErrNotFound", err)
	}
	if err := s.Set(ctx, "live_chat_state_v1", []byte(`{"roomId":"r1"}`)); err != nil {
		t.Fatalf("Set: %v", err)
	}
	got, err := s.Get(ctx, "live_chat_state_v1")
	if err != nil || string(got) != `{"roomId":"r1"}` {
		t.Fatalf("Get = %q, %v", got, err)
	}
	if err := s.Set(ctx, "live_chat_state_v1", []byte(`{"roomId":"r2"}`)); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	got, _ = s.Get(ctx, "live_chat_state_v1")
	if string(got) != `{"roomId":"r2"}` {
		t.Fatalf("after overwrite = %q", got)
	}
	if err := s.Delete(ctx, "live_chat_state_v1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.Get(ctx, "live_chat_state_v1"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("Get after delete = %v", err)
	}

	if err := s.SetTTL(ctx, "admin_basic_auth", []byte("Basic x"), 30*time.Millisecond); err != nil {
		t.Fatalf("SetTTL: %v", err)
	}
	if _, err := s.Get(ctx, "admin_basic_auth"); err != nil {
		t.Fatalf("Get before expiry: %v", err)
	}
	time.Sleep(60 * time.Millisecond)
	if _, err := s.Get(ctx, "admin_basic_auth"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("Get after expiry = %v", err)
	}
}

func TestMemory(t *testing.T) {
	exercise(t, memory.New())
}

func TestMemoryFailWrites(t *testing.T) {
	m := memory.New()
	quota := errors.New("quota exceeded")
	m.FailWrites(quota)
	if err := m.Set(context.Background(), "k", []byte("v")); !errors.Is(err, quota) {
		t.Fatalf("Set = %v", err)
	}
	m.FailWrites(nil)
	if err := m.Set(context.Background(), "k", []byte("v")); err != nil {
		t.Fatalf("Set after reset: %v", err)
	}
}

func TestFilestore(t *testing.T) {
	fs, err := filestore.New(t.TempDir())
	if err != nil {
		t.Fatalf("filestore.New: %v", err)
	}
	exercise(t, fs)
}

func TestFilestoreKeyEscaping(t *testing.T) {
	dir := t.TempDir()
	fs, err := filestore.New(dir)
	if err != nil {
		t.Fatal(err)
	}
	if err := fs.Set(context.Background(), "../outside/key", []byte("x")); err != nil {
		t.Fatalf("Set: %v", err)
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 1 {
		t.Fatalf("expected one file inside %s, got %d", dir, len(entries))
	}
}

// Redis backend runs only when REDIS_URL points at a disposable instance.
func TestRedis(t *testing.T) {
	url := os.Getenv("REDIS_URL")
	if url == "" {
		t.Skip("REDIS_URL not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := redisstorage.New(ctx, url, "livechat-test:")
	if err != nil {
		t.Fatalf("redis: %v", err)
	}
	defer c.Close()
	defer c.FlushPrefix(context.Background())
	exercise(t, c)
}
