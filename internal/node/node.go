// Package node assembles one runnable tweetmesh node from its configuration.
package node

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"tweetmesh/internal/config"
	"tweetmesh/internal/connman"
	"tweetmesh/internal/debuglog"
	"tweetmesh/internal/distrib"
	"tweetmesh/internal/events"
	"tweetmesh/internal/eventws"
	"tweetmesh/internal/metrics"
	"tweetmesh/internal/pprofutil"
	"tweetmesh/internal/ratelimit"
	"tweetmesh/internal/store"
	"tweetmesh/internal/transport"
	"tweetmesh/internal/transport/quicnet"
)

const snapshotInterval = time.Second

type Node struct {
	Config  config.Config
	Store   store.KV
	Bus     *events.Bus
	Metrics *metrics.Metrics
	Limiter *ratelimit.Limiter
	Links   *connman.Manager
	Tweets  *distrib.Engine

	tr     transport.Transport
	ownsTr bool

	closeOnce   sync.Once
	stopSnap    chan struct{}
	snapDone    chan struct{}
	snapOnce    sync.Once
	snapRunning atomic.Bool
}

type Options struct {
	// Transport replaces the QUIC transport. The caller keeps ownership.
	Transport transport.Transport
	Metrics   *metrics.Metrics
	Now       func() time.Time
}

// New opens the store, binds the transport and wires the connection manager
// to the distribution engine. Nothing touches the network until Run.
func New(ctx context.Context, cfg config.Config, opts Options) (*Node, error) {
	kv, err := store.Open(ctx, cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	tr, owns := opts.Transport, false
	if tr == nil {
		book := make(map[string]string, len(cfg.Peers))
		for _, p := range cfg.Peers {
			book[p.ID] = p.Addr
		}
		qt, err := quicnet.Listen(quicnet.Options{
			ListenAddr:    cfg.ListenAddr,
			AdvertiseAddr: cfg.AdvertiseAddr,
			Book:          book,
		})
		if err != nil {
			_ = kv.Close()
			return nil, err
		}
		tr, owns = qt, true
	}
	m := opts.Metrics
	if m == nil {
		m = metrics.New()
	}
	bus := events.NewBus()
	limiter := ratelimit.New(cfg.Rules(), opts.Now)

	links, err := connman.New(connman.Options{
		Transport:   tr,
		Store:       kv,
		Limiter:     limiter,
		Events:      bus,
		Metrics:     m,
		DisplayName: cfg.DisplayName,
		Primary:     endpoint("primary", cfg.Signal.Primary),
		Fallback:    endpoint("fallback", cfg.Signal.Fallback),
		Now:         opts.Now,
	})
	if err != nil {
		closeAll(tr, owns, kv)
		return nil, err
	}
	engine, err := distrib.New(distrib.Options{
		Directory:    links,
		Store:        kv,
		Limiter:      limiter,
		Events:       bus,
		Metrics:      m,
		Username:     cfg.DisplayName,
		Now:          opts.Now,
		MaxTweets:    cfg.Limits.MaxTweets,
		CatchUpBatch: cfg.Limits.CatchUpBatch,
	})
	if err != nil {
		closeAll(tr, owns, kv)
		return nil, err
	}
	if err := engine.Load(ctx); err != nil {
		debuglog.Logf("node: load tweets: %v", err)
	}
	links.AddHandler(engine)
	for _, p := range cfg.Peers {
		links.Remember(p.ID, p.Name)
	}
	return &Node{
		Config:   cfg,
		Store:    kv,
		Bus:      bus,
		Metrics:  m,
		Limiter:  limiter,
		Links:    links,
		Tweets:   engine,
		tr:       tr,
		ownsTr:   owns,
		stopSnap: make(chan struct{}),
		snapDone: make(chan struct{}),
	}, nil
}

func endpoint(name, addr string) transport.Endpoint {
	if addr == "" {
		return transport.Endpoint{}
	}
	return transport.Endpoint{Name: name, Addr: addr}
}

func closeAll(tr transport.Transport, owns bool, kv store.KV) {
	if owns {
		_ = tr.Close()
	}
	_ = kv.Close()
}

// Run brings the node online and serves until ctx ends, then closes it.
// Failing every registration tier is not fatal: the node stays up and can
// be retried. ready, when non-nil, receives the local id once Start returns.
func (n *Node) Run(ctx context.Context, ready chan<- string) error {
	n.startSnapshotWriter(snapshotInterval)
	if err := pprofutil.StartFromEnv(nil); err != nil {
		debuglog.Logf("node: %v", err)
	}
	if addr := n.Config.EventsAddr; addr != "" {
		srv := eventws.New(ctx, n.Bus, func() any { return n.Status() })
		allow := pprofutil.AllowPublic("TWEETMESH_EVENTS_ALLOW_PUBLIC")
		go func() {
			if err := eventws.ListenAndServe(ctx, addr, allow, srv, nil); err != nil {
				debuglog.Logf("node: events surface: %v", err)
			}
		}()
	}
	if err := n.Links.Start(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			_ = n.Close()
			return nil
		}
		debuglog.Logf("node: start: %v", err)
		n.Bus.Status(fmt.Sprintf("offline: %v", err))
	}
	if ready != nil {
		select {
		case ready <- n.Links.LocalID():
		default:
		}
	}
	<-ctx.Done()
	return n.Close()
}

// Close stops every component and releases the store and owned transport.
func (n *Node) Close() error {
	var err error
	n.closeOnce.Do(func() {
		n.Links.Stop()
		n.Tweets.Stop()
		n.stopSnapshotWriter()
		if werr := n.Metrics.WriteSnapshot(n.Config.MetricsPath); werr != nil {
			debuglog.Logf("node: write metrics: %v", werr)
		}
		if n.ownsTr {
			_ = n.tr.Close()
		}
		err = n.Store.Close()
	})
	return err
}

func (n *Node) startSnapshotWriter(interval time.Duration) {
	if n.Config.MetricsPath == "" {
		return
	}
	n.snapRunning.Store(true)
	go func() {
		defer close(n.snapDone)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := n.Metrics.WriteSnapshot(n.Config.MetricsPath); err != nil {
					debuglog.RateLimitedf("node:snapshot", time.Minute, "node: write metrics: %v", err)
				}
			case <-n.stopSnap:
				return
			}
		}
	}()
}

func (n *Node) stopSnapshotWriter() {
	n.snapOnce.Do(func() { close(n.stopSnap) })
	if !n.snapRunning.Load() {
		return
	}
	select {
	case <-n.snapDone:
	case <-time.After(time.Second):
	}
}

// Status is what the node reports on /status and in the REPL.
type Status struct {
	ID          string                `json:"id"`
	DisplayName string                `json:"displayName"`
	State       connman.LinkState     `json:"state"`
	Quality     connman.Quality       `json:"quality"`
	Sessions    []connman.SessionInfo `json:"sessions"`
	Peers       []connman.PeerRecord  `json:"peers"`
	Tweets      distrib.Stats         `json:"tweets"`
	Metrics     metrics.Snapshot      `json:"metrics"`
}

func (n *Node) Status() Status {
	return Status{
		ID:          n.Links.LocalID(),
		DisplayName: n.Links.DisplayName(),
		State:       n.Links.State(),
		Quality:     n.Links.Quality(),
		Sessions:    n.Links.Sessions(),
		Peers:       n.Links.Peers(),
		Tweets:      n.Tweets.Stats(),
		Metrics:     n.Metrics.Snapshot(),
	}
}
