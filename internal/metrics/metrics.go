package metrics

import (
	"encoding/json"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

type Transition struct {
	From   string    `json:"from"`
	To     string    `json:"to"`
	Reason string    `json:"reason,omitempty"`
	At     time.Time `json:"at"`
}

type Snapshot struct {
	GeneratedAt time.Time      `json:"generated_at"`
	Link        LinkMetrics    `json:"link"`
	Sessions    SessionMetrics `json:"sessions"`
	Tweets      TweetMetrics   `json:"tweets"`
	CatchUp     CatchUpMetrics `json:"catch_up"`
	Recent      []Transition   `json:"recent"`
}

type LinkMetrics struct {
	Registrations     uint64 `json:"registrations"`
	RegisterFailures  uint64 `json:"register_failures"`
	SignalLost        uint64 `json:"signal_lost"`
	ReconnectAttempts uint64 `json:"reconnect_attempts"`
	FallbackSwitches  uint64 `json:"fallback_switches"`
}

type SessionMetrics struct {
	Opened         uint64 `json:"opened"`
	Closed         uint64 `json:"closed"`
	Rejected       uint64 `json:"rejected"`
	Replaced       uint64 `json:"replaced"`
	TimedOut       uint64 `json:"timed_out"`
	DialFailures   uint64 `json:"dial_failures"`
	ConnectLimited uint64 `json:"connect_limited"`
}

type TweetMetrics struct {
	Created       uint64 `json:"created"`
	Received      uint64 `json:"received"`
	DropDuplicate uint64 `json:"drop_duplicate"`
	DropInvalid   uint64 `json:"drop_invalid"`
	Forwarded     uint64 `json:"forwarded"`
	SendFailures  uint64 `json:"send_failures"`
	Acked         uint64 `json:"acked"`
	Evicted       uint64 `json:"evicted"`
}

type CatchUpMetrics struct {
	Batches      uint64 `json:"batches"`
	BatchFailed  uint64 `json:"batch_failed"`
	TweetsQueued uint64 `json:"tweets_queued"`
}

type Metrics struct {
	registrations     atomic.Uint64
	registerFailures  atomic.Uint64
	signalLost        atomic.Uint64
	reconnectAttempts atomic.Uint64
	fallbackSwitches  atomic.Uint64

	sessionsOpened   atomic.Uint64
	sessionsClosed   atomic.Uint64
	sessionsRejected atomic.Uint64
	sessionsReplaced atomic.Uint64
	sessionsTimedOut atomic.Uint64
	dialFailures     atomic.Uint64
	connectLimited   atomic.Uint64

	tweetsCreated       atomic.Uint64
	tweetsReceived      atomic.Uint64
	tweetsDropDuplicate atomic.Uint64
	tweetsDropInvalid   atomic.Uint64
	tweetsForwarded     atomic.Uint64
	tweetSendFailures   atomic.Uint64
	tweetsAcked         atomic.Uint64
	tweetsEvicted       atomic.Uint64

	catchUpBatches     atomic.Uint64
	catchUpBatchFailed atomic.Uint64
	catchUpQueued      atomic.Uint64

	recent *Recent
}

func New() *Metrics {
	return &Metrics{recent: NewRecent(64)}
}

func (m *Metrics) Recent() *Recent {
	if m == nil {
		return nil
	}
	return m.recent
}

// Every Inc method tolerates a nil receiver so components can run unmetered.

func (m *Metrics) IncRegistrations() {
	if m != nil {
		m.registrations.Add(1)
	}
}

func (m *Metrics) IncRegisterFailures() {
	if m != nil {
		m.registerFailures.Add(1)
	}
}

func (m *Metrics) IncSignalLost() {
	if m != nil {
		m.signalLost.Add(1)
	}
}

func (m *Metrics) IncReconnectAttempts() {
	if m != nil {
		m.reconnectAttempts.Add(1)
	}
}

func (m *Metrics) IncFallbackSwitches() {
	if m != nil {
		m.fallbackSwitches.Add(1)
	}
}

func (m *Metrics) IncSessionsOpened() {
	if m != nil {
		m.sessionsOpened.Add(1)
	}
}

func (m *Metrics) IncSessionsClosed() {
	if m != nil {
		m.sessionsClosed.Add(1)
	}
}

func (m *Metrics) IncSessionsRejected() {
	if m != nil {
		m.sessionsRejected.Add(1)
	}
}

func (m *Metrics) IncSessionsReplaced() {
	if m != nil {
		m.sessionsReplaced.Add(1)
	}
}

func (m *Metrics) IncSessionsTimedOut() {
	if m != nil {
		m.sessionsTimedOut.Add(1)
	}
}

func (m *Metrics) IncDialFailures() {
	if m != nil {
		m.dialFailures.Add(1)
	}
}

func (m *Metrics) IncConnectLimited() {
	if m != nil {
		m.connectLimited.Add(1)
	}
}

func (m *Metrics) IncTweetsCreated() {
	if m != nil {
		m.tweetsCreated.Add(1)
	}
}

func (m *Metrics) IncTweetsReceived() {
	if m != nil {
		m.tweetsReceived.Add(1)
	}
}

func (m *Metrics) IncTweetsDropDuplicate() {
	if m != nil {
		m.tweetsDropDuplicate.Add(1)
	}
}

func (m *Metrics) IncTweetsDropInvalid() {
	if m != nil {
		m.tweetsDropInvalid.Add(1)
	}
}

func (m *Metrics) IncTweetsForwarded() {
	if m != nil {
		m.tweetsForwarded.Add(1)
	}
}

func (m *Metrics) IncTweetSendFailures() {
	if m != nil {
		m.tweetSendFailures.Add(1)
	}
}

func (m *Metrics) IncTweetsAcked() {
	if m != nil {
		m.tweetsAcked.Add(1)
	}
}

func (m *Metrics) AddTweetsEvicted(n int) {
	if m != nil && n > 0 {
		m.tweetsEvicted.Add(uint64(n))
	}
}

func (m *Metrics) IncCatchUpBatches() {
	if m != nil {
		m.catchUpBatches.Add(1)
	}
}

func (m *Metrics) IncCatchUpBatchFailed() {
	if m != nil {
		m.catchUpBatchFailed.Add(1)
	}
}

func (m *Metrics) AddCatchUpQueued(n int) {
	if m != nil && n > 0 {
		m.catchUpQueued.Add(uint64(n))
	}
}

func (m *Metrics) RecordTransition(from, to, reason string) {
	if m == nil {
		return
	}
	m.recent.Add(Transition{From: from, To: to, Reason: reason, At: time.Now().UTC()})
}

func (m *Metrics) Snapshot() Snapshot {
	recent := []Transition{}
	if m.recent != nil {
		recent = m.recent.List()
	}
	return Snapshot{
		GeneratedAt: time.Now().UTC(),
		Link: LinkMetrics{
			Registrations:     m.registrations.Load(),
			RegisterFailures:  m.registerFailures.Load(),
			SignalLost:        m.signalLost.Load(),
			ReconnectAttempts: m.reconnectAttempts.Load(),
			FallbackSwitches:  m.fallbackSwitches.Load(),
		},
		Sessions: SessionMetrics{
			Opened:         m.sessionsOpened.Load(),
			Closed:         m.sessionsClosed.Load(),
			Rejected:       m.sessionsRejected.Load(),
			Replaced:       m.sessionsReplaced.Load(),
			TimedOut:       m.sessionsTimedOut.Load(),
			DialFailures:   m.dialFailures.Load(),
			ConnectLimited: m.connectLimited.Load(),
		},
		Tweets: TweetMetrics{
			Created:       m.tweetsCreated.Load(),
			Received:      m.tweetsReceived.Load(),
			DropDuplicate: m.tweetsDropDuplicate.Load(),
			DropInvalid:   m.tweetsDropInvalid.Load(),
			Forwarded:     m.tweetsForwarded.Load(),
			SendFailures:  m.tweetSendFailures.Load(),
			Acked:         m.tweetsAcked.Load(),
			Evicted:       m.tweetsEvicted.Load(),
		},
		CatchUp: CatchUpMetrics{
			Batches:      m.catchUpBatches.Load(),
			BatchFailed:  m.catchUpBatchFailed.Load(),
			TweetsQueued: m.catchUpQueued.Load(),
		},
		Recent: recent,
	}
}

func (m *Metrics) WriteSnapshot(path string) error {
	if path == "" {
		return nil
	}
	snap := m.Snapshot()
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

type Recent struct {
	mu   sync.Mutex
	cap  int
	list []Transition
}

func NewRecent(capacity int) *Recent {
	if capacity <= 0 {
		capacity = 64
	}
	return &Recent{cap: capacity}
}

func (r *Recent) Add(t Transition) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.list) >= r.cap {
		copy(r.list, r.list[1:])
		r.list[len(r.list)-1] = t
		return
	}
	r.list = append(r.list, t)
}

func (r *Recent) List() []Transition {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Transition, len(r.list))
	copy(out, r.list)
	return out
}
