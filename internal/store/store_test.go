package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func exerciseKV(t *testing.T, kv KV) {
	t.Helper()
	ctx := context.Background()
	if _, ok, err := kv.Load(ctx, "never-saved"); err != nil || ok {
		t.Fatalf("expected absent key, ok=%v err=%v", ok, err)
	}
	if err := kv.Save(ctx, KeyIdentity, []byte(`"node-1"`)); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := kv.Save(ctx, KeyIdentity, []byte(`"node-2"`)); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	got, ok, err := kv.Load(ctx, KeyIdentity)
	if err != nil || !ok || string(got) != `"node-2"` {
		t.Fatalf("unexpected load: %q ok=%v err=%v", got, ok, err)
	}
	err = kv.SaveBatch(ctx, map[string][]byte{
		KeyTweets:          []byte(`[]`),
		KeyTweetRecipients: []byte(`{}`),
		KeyUnsentTweets:    []byte(`{"bob":["x"]}`),
	})
	if err != nil {
		t.Fatalf("save batch: %v", err)
	}
	var unsent map[string][]string
	ok, err = LoadJSON(ctx, kv, KeyUnsentTweets, &unsent)
	if err != nil || !ok {
		t.Fatalf("load json: ok=%v err=%v", ok, err)
	}
	if len(unsent["bob"]) != 1 || unsent["bob"][0] != "x" {
		t.Fatalf("unexpected unsent: %v", unsent)
	}
}

func TestMemoryKV(t *testing.T) {
	m := NewMemory()
	exerciseKV(t, m)
	boom := errors.New("disk full")
	m.SetFailSaves(boom)
	if err := SaveJSON(context.Background(), m, KeyPeers, []string{"a"}); !errors.Is(err, boom) {
		t.Fatalf("expected injected failure, got %v", err)
	}
	_ = m.Close()
	if _, _, err := m.Load(context.Background(), KeyPeers); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected closed error, got %v", err)
	}
}

func TestSQLiteKVPersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "node.db")
	kv, err := Open(ctx, path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	exerciseKV(t, kv)
	if err := kv.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	kv, err = Open(ctx, path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer kv.Close()
	var id string
	if ok, err := LoadJSON(ctx, kv, KeyIdentity, &id); err != nil || !ok || id != "node-2" {
		t.Fatalf("identity not persisted: %q ok=%v err=%v", id, ok, err)
	}
}

func TestPostgresKV(t *testing.T) {
	dsn := os.Getenv("TWEETMESH_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TWEETMESH_TEST_POSTGRES_DSN not set")
	}
	kv, err := Open(context.Background(), dsn)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer kv.Close()
	exerciseKV(t, kv)
}

func TestOpenMemoryDSN(t *testing.T) {
	kv, err := Open(context.Background(), "memory:")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, ok := kv.(*Memory); !ok {
		t.Fatalf("expected memory backend, got %T", kv)
	}
}
