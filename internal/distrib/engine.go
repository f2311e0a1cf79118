// Package distrib keeps the local tweet log and makes sure every tweet reaches
// every connected peer exactly once: fan-out on create, flood on receive,
// catch-up when a session opens, and per-peer bookkeeping of what is known to
// be delivered.
package distrib

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"tweetmesh/internal/debuglog"
	"tweetmesh/internal/events"
	"tweetmesh/internal/metrics"
	"tweetmesh/internal/proto"
	"tweetmesh/internal/ratelimit"
	"tweetmesh/internal/store"
	"tweetmesh/internal/transport"
)

const (
	defaultMaxTweets    = 1000
	defaultCatchUpBatch = 20
	defaultCatchUpDelay = 250 * time.Millisecond
)

var (
	ErrEmptyTweet   = errors.New("tweet has neither content nor attachment")
	ErrTweetTooLong = errors.New("tweet content too long")
	ErrNoIdentity   = errors.New("local identity not assigned")
	ErrNotFound     = errors.New("tweet not found")
)

// Directory is the view of live sessions the engine needs.
type Directory interface {
	LocalID() string
	Senders() []transport.Sender
}

type Options struct {
	Directory Directory
	Store     store.KV
	Limiter   *ratelimit.Limiter
	Events    *events.Bus
	Metrics   *metrics.Metrics
	Username  string
	Now       func() time.Time

	// Zero values fall back to TWEETMESH_* env settings, then defaults.
	MaxTweets    int
	CatchUpBatch int
	CatchUpDelay time.Duration
}

type Engine struct {
	dir      Directory
	kv       store.KV
	limiter  *ratelimit.Limiter
	bus      *events.Bus
	metrics  *metrics.Metrics
	username string
	now      func() time.Time

	maxTweets int
	batch     int
	delay     time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	persistMu sync.Mutex

	mu         sync.Mutex
	tweets     map[string]proto.Tweet
	order      []string // ascending by (timestamp, id)
	recipients map[string]map[string]bool
	unsent     map[string][]string
	catchUpGen map[string]uint64
	stopped    bool
}

func New(opts Options) (*Engine, error) {
	if opts.Directory == nil {
		return nil, errors.New("distrib: directory required")
	}
	e := &Engine{
		dir:        opts.Directory,
		kv:         opts.Store,
		limiter:    opts.Limiter,
		bus:        opts.Events,
		metrics:    opts.Metrics,
		username:   opts.Username,
		now:        opts.Now,
		maxTweets:  opts.MaxTweets,
		batch:      opts.CatchUpBatch,
		delay:      opts.CatchUpDelay,
		tweets:     make(map[string]proto.Tweet),
		recipients: make(map[string]map[string]bool),
		unsent:     make(map[string][]string),
		catchUpGen: make(map[string]uint64),
	}
	if e.kv == nil {
		e.kv = store.NewMemory()
	}
	if e.now == nil {
		e.now = time.Now
	}
	if e.maxTweets <= 0 {
		e.maxTweets = envPositive("TWEETMESH_MAX_TWEETS", defaultMaxTweets)
	}
	if e.batch <= 0 {
		e.batch = envPositive("TWEETMESH_CATCHUP_BATCH", defaultCatchUpBatch)
	}
	if e.delay <= 0 {
		e.delay = time.Duration(envPositive("TWEETMESH_CATCHUP_DELAY_MS", int(defaultCatchUpDelay/time.Millisecond))) * time.Millisecond
	}
	e.ctx, e.cancel = context.WithCancel(context.Background())
	return e, nil
}

func envPositive(key string, def int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		return def
	}
	return v
}

// Stop cancels running catch-ups and waits for them.
func (e *Engine) Stop() {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return
	}
	e.stopped = true
	e.mu.Unlock()
	e.cancel()
	e.wg.Wait()
}

type persisted struct {
	tweets     []proto.Tweet
	recipients map[string][]string
	unsent     map[string][]string
}

// Load replaces in-memory state with what the store holds. Missing keys leave
// the corresponding state empty.
func (e *Engine) Load(ctx context.Context) error {
	var (
		tweets     []proto.Tweet
		recipients map[string][]string
		unsent     map[string][]string
	)
	if _, err := store.LoadJSON(ctx, e.kv, store.KeyTweets, &tweets); err != nil {
		return err
	}
	if _, err := store.LoadJSON(ctx, e.kv, store.KeyTweetRecipients, &recipients); err != nil {
		return err
	}
	if _, err := store.LoadJSON(ctx, e.kv, store.KeyUnsentTweets, &unsent); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.tweets = make(map[string]proto.Tweet, len(tweets))
	e.order = e.order[:0]
	e.recipients = make(map[string]map[string]bool, len(recipients))
	e.unsent = make(map[string][]string, len(unsent))
	for _, t := range tweets {
		if t.ID == "" {
			continue
		}
		e.insertLocked(t)
	}
	for id, peers := range recipients {
		if _, ok := e.tweets[id]; !ok {
			continue
		}
		set := make(map[string]bool, len(peers))
		for _, p := range peers {
			set[p] = true
		}
		e.recipients[id] = set
	}
	for peer, ids := range unsent {
		for _, id := range ids {
			if _, ok := e.tweets[id]; ok && !e.recipients[id][peer] {
				e.enqueueLocked(peer, id)
			}
		}
	}
	for len(e.order) > e.maxTweets {
		e.evictLocked(e.order[0])
	}
	return nil
}

func (e *Engine) snapshotLocked() persisted {
	p := persisted{
		tweets:     make([]proto.Tweet, 0, len(e.order)),
		recipients: make(map[string][]string, len(e.recipients)),
		unsent:     make(map[string][]string, len(e.unsent)),
	}
	for _, id := range e.order {
		p.tweets = append(p.tweets, e.tweets[id])
	}
	for id, set := range e.recipients {
		peers := make([]string, 0, len(set))
		for peer := range set {
			peers = append(peers, peer)
		}
		sort.Strings(peers)
		p.recipients[id] = peers
	}
	for peer, ids := range e.unsent {
		p.unsent[peer] = append([]string(nil), ids...)
	}
	return p
}

// persist writes the log and its bookkeeping in one batch. Failures are
// logged; memory stays authoritative.
func (e *Engine) persist() {
	e.persistMu.Lock()
	defer e.persistMu.Unlock()
	e.mu.Lock()
	snap := e.snapshotLocked()
	e.mu.Unlock()
	entries := make(map[string][]byte, 3)
	for key, v := range map[string]any{
		store.KeyTweets:          snap.tweets,
		store.KeyTweetRecipients: snap.recipients,
		store.KeyUnsentTweets:    snap.unsent,
	} {
		data, err := json.Marshal(v)
		if err != nil {
			debuglog.Logf("distrib: encode %s: %v", key, err)
			return
		}
		entries[key] = data
	}
	if err := e.kv.SaveBatch(context.Background(), entries); err != nil {
		debuglog.Logf("distrib: persist: %v", err)
	}
}

// insertLocked adds t keeping order sorted. It reports false for known ids.
func (e *Engine) insertLocked(t proto.Tweet) bool {
	if _, ok := e.tweets[t.ID]; ok {
		return false
	}
	e.tweets[t.ID] = t
	i := sort.Search(len(e.order), func(i int) bool {
		o := e.tweets[e.order[i]]
		if o.Timestamp != t.Timestamp {
			return o.Timestamp > t.Timestamp
		}
		return o.ID > t.ID
	})
	e.order = append(e.order, "")
	copy(e.order[i+1:], e.order[i:])
	e.order[i] = t.ID
	return true
}

// storeLocked inserts t and evicts the oldest entries over the cap. It
// reports whether t is new and still present afterwards.
func (e *Engine) storeLocked(t proto.Tweet) bool {
	if !e.insertLocked(t) {
		return false
	}
	evicted := 0
	for len(e.order) > e.maxTweets {
		e.evictLocked(e.order[0])
		evicted++
	}
	e.metrics.AddTweetsEvicted(evicted)
	_, ok := e.tweets[t.ID]
	return ok
}

func (e *Engine) evictLocked(id string) {
	if _, ok := e.tweets[id]; !ok {
		return
	}
	delete(e.tweets, id)
	delete(e.recipients, id)
	for i, o := range e.order {
		if o == id {
			e.order = append(e.order[:i], e.order[i+1:]...)
			break
		}
	}
	for peer := range e.unsent {
		e.dequeueLocked(peer, id)
	}
}

func (e *Engine) enqueueLocked(peer, id string) {
	for _, q := range e.unsent[peer] {
		if q == id {
			return
		}
	}
	e.unsent[peer] = append(e.unsent[peer], id)
}

func (e *Engine) dequeueLocked(peer, id string) {
	q := e.unsent[peer]
	for i, x := range q {
		if x == id {
			q = append(q[:i], q[i+1:]...)
			break
		}
	}
	if len(q) == 0 {
		delete(e.unsent, peer)
		return
	}
	e.unsent[peer] = q
}

// markDeliveredLocked records that peer holds id.
func (e *Engine) markDeliveredLocked(id, peer string) bool {
	if _, ok := e.tweets[id]; !ok {
		return false
	}
	set := e.recipients[id]
	if set == nil {
		set = make(map[string]bool)
		e.recipients[id] = set
	}
	changed := !set[peer]
	set[peer] = true
	before := len(e.unsent[peer])
	e.dequeueLocked(peer, id)
	return changed || len(e.unsent[peer]) != before
}

// markUndeliveredLocked demotes peer after a failed send.
func (e *Engine) markUndeliveredLocked(id, peer string) {
	if _, ok := e.tweets[id]; !ok {
		return
	}
	if set := e.recipients[id]; set != nil {
		delete(set, peer)
	}
	e.enqueueLocked(peer, id)
}

// sendTo delivers payload carrying ids to s and books the outcome.
func (e *Engine) sendTo(s transport.Sender, payload []byte, ids []string) error {
	peer := s.PeerID()
	err := s.Send(payload)
	e.mu.Lock()
	for _, id := range ids {
		if err != nil {
			e.markUndeliveredLocked(id, peer)
		} else {
			e.markDeliveredLocked(id, peer)
		}
	}
	e.mu.Unlock()
	if err != nil {
		e.metrics.IncTweetSendFailures()
		debuglog.RateLimitedf("distrib:send:"+peer, time.Minute, "distrib: send to %s: %v", peer, err)
	}
	return err
}
