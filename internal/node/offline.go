package node

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"tweetmesh/internal/config"
	"tweetmesh/internal/connman"
	"tweetmesh/internal/distrib"
	"tweetmesh/internal/metrics"
	"tweetmesh/internal/proto"
	"tweetmesh/internal/store"
	"tweetmesh/internal/transport"
)

// Local is what a stopped node holds on disk.
type Local struct {
	ID      string
	Peers   []connman.PeerRecord
	Tweets  []proto.Tweet
	Stats   distrib.Stats
	Metrics metrics.Snapshot
}

// staticDir is a directory with an identity and no sessions. Tweets created
// through it wait in the log until the next run catches peers up.
type staticDir struct{ id string }

func (d staticDir) LocalID() string           { return d.id }
func (staticDir) Senders() []transport.Sender { return nil }

func openOffline(ctx context.Context, cfg config.Config) (store.KV, *distrib.Engine, string, error) {
	kv, err := store.Open(ctx, cfg.Store)
	if err != nil {
		return nil, nil, "", fmt.Errorf("open store: %w", err)
	}
	id, _, err := kv.Load(ctx, store.KeyIdentity)
	if err != nil {
		_ = kv.Close()
		return nil, nil, "", err
	}
	engine, err := distrib.New(distrib.Options{
		Directory: staticDir{id: string(id)},
		Store:     kv,
		Username:  cfg.DisplayName,
		MaxTweets: cfg.Limits.MaxTweets,
	})
	if err != nil {
		_ = kv.Close()
		return nil, nil, "", err
	}
	if err := engine.Load(ctx); err != nil {
		engine.Stop()
		_ = kv.Close()
		return nil, nil, "", err
	}
	return kv, engine, string(id), nil
}

// Inspect reads identity, peer book, tweet log and the last metrics snapshot
// without touching the network. Run it only while the node is stopped.
func Inspect(ctx context.Context, cfg config.Config) (Local, error) {
	kv, engine, id, err := openOffline(ctx, cfg)
	if err != nil {
		return Local{}, err
	}
	defer kv.Close()
	defer engine.Stop()

	out := Local{ID: id, Tweets: engine.Tweets(), Stats: engine.Stats()}
	if _, err := store.LoadJSON(ctx, kv, store.KeyPeers, &out.Peers); err != nil {
		return Local{}, err
	}
	out.Metrics = readSnapshot(cfg.MetricsPath)
	return out, nil
}

// PostOffline appends a tweet to the stored log. It needs an identity from
// an earlier run and is delivered by catch-up once the node is online.
func PostOffline(ctx context.Context, cfg config.Config, content string) (string, error) {
	kv, engine, _, err := openOffline(ctx, cfg)
	if err != nil {
		return "", err
	}
	defer kv.Close()
	defer engine.Stop()
	return engine.CreateTweet(content, nil)
}

func readSnapshot(path string) metrics.Snapshot {
	if path == "" {
		return metrics.Snapshot{}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return metrics.Snapshot{}
	}
	var snap metrics.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return metrics.Snapshot{}
	}
	return snap
}
