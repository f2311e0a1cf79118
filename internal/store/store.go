// Package store is the durable key-value substrate. Values are opaque bytes;
// callers own the encoding.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	KeyIdentity        = "identity"
	KeyPeers           = "peers"
	KeyTweets          = "tweets"
	KeyTweetRecipients = "tweet_recipients"
	KeyUnsentTweets    = "unsent_tweets"
)

var ErrClosed = errors.New("store closed")

type KV interface {
	// Load returns the value for key; ok is false when the key was never saved.
	Load(ctx context.Context, key string) (value []byte, ok bool, err error)
	Save(ctx context.Context, key string, value []byte) error
	// SaveBatch writes every entry or none of them.
	SaveBatch(ctx context.Context, entries map[string][]byte) error
	Close() error
}

// Open picks a backend from dsn: "memory:" for a process-local map,
// postgres:// or postgresql:// URLs for Postgres, anything else is a SQLite
// file path.
func Open(ctx context.Context, dsn string) (KV, error) {
	dsn = strings.TrimSpace(dsn)
	switch {
	case dsn == "" || dsn == "memory:":
		return NewMemory(), nil
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		return OpenPostgres(ctx, dsn)
	default:
		if err := os.MkdirAll(filepath.Dir(dsn), 0700); err != nil {
			return nil, err
		}
		return OpenSQLite(ctx, dsn)
	}
}

// LoadJSON decodes key into v. It reports false when the key is absent.
func LoadJSON(ctx context.Context, kv KV, key string, v any) (bool, error) {
	data, ok, err := kv.Load(ctx, key)
	if err != nil || !ok {
		return false, err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("decode %s: %w", key, err)
	}
	return true, nil
}

func SaveJSON(ctx context.Context, kv KV, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return kv.Save(ctx, key, data)
}
