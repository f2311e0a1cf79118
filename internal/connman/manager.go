// Package connman owns the node's signaling registration and its live peer
// sessions. Handshake and ping traffic is handled here; every other payload is
// passed to the registered Handlers.
package connman

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"tweetmesh/internal/debuglog"
	"tweetmesh/internal/events"
	"tweetmesh/internal/metrics"
	"tweetmesh/internal/proto"
	"tweetmesh/internal/ratelimit"
	"tweetmesh/internal/store"
	"tweetmesh/internal/transport"
)

type LinkState string

const (
	StateUninitialized  LinkState = "uninitialized"
	StateConnecting     LinkState = "connecting"
	StateOnlinePrimary  LinkState = "online_primary"
	StateOnlineFallback LinkState = "online_fallback"
	StateOnlineDirect   LinkState = "online_direct"
	StateDisconnected   LinkState = "disconnected"
)

func (s LinkState) Online() bool {
	return s == StateOnlinePrimary || s == StateOnlineFallback || s == StateOnlineDirect
}

var (
	ErrInvalidPeer        = errors.New("invalid peer id")
	ErrSelfConnect        = errors.New("cannot connect to self")
	ErrNotOnline          = errors.New("node is not online")
	ErrAlreadyStarted     = errors.New("connection manager already started")
	ErrStopped            = errors.New("connection manager stopped")
	ErrRegistrationFailed = errors.New("registration failed")

	errTimeout      = errors.New("session inactive")
	errStale        = errors.New("link state changed")
	errUnresponsive = errors.New("session did not answer ping")
)

// Handler observes session lifecycle. Calls for one session arrive in order on
// that session's reader goroutine; SessionOpened may race with the first
// SessionData of the same session.
type Handler interface {
	SessionOpened(s transport.Sender)
	SessionData(s transport.Sender, env proto.Envelope)
	SessionClosed(peerID string, err error)
}

type Options struct {
	Transport   transport.Transport
	Store       store.KV
	Limiter     *ratelimit.Limiter
	Events      *events.Bus
	Metrics     *metrics.Metrics
	DisplayName string

	Primary  transport.Endpoint
	Fallback transport.Endpoint
	// Direct defaults to an endpoint named "direct".
	Direct transport.Endpoint

	Now func() time.Time

	// Zero values fall back to TWEETMESH_* env settings, then defaults.
	HealthInterval    time.Duration
	InactivityTimeout time.Duration
	ReconnectAttempts int
	DirectAttempts    int
	ReconnectBase     time.Duration
	ReconnectMax      time.Duration
	VerifyDelay       time.Duration
	FallbackCooldown  time.Duration
	DialTimeout       time.Duration
	// LivenessTimeout bounds the wait for an answer to a liveness ping.
	LivenessTimeout   time.Duration
}

type tier struct {
	ep    transport.Endpoint
	state LinkState
}

type Manager struct {
	tr      transport.Transport
	kv      store.KV
	limiter *ratelimit.Limiter
	bus     *events.Bus
	metrics *metrics.Metrics
	name    string
	now     func() time.Time

	primary  transport.Endpoint
	fallback transport.Endpoint
	direct   transport.Endpoint

	healthEvery       time.Duration
	inactivity        time.Duration
	reconnectAttempts int
	directAttempts    int
	reconnectBase     time.Duration
	reconnectMax      time.Duration
	verifyDelay       time.Duration
	cooldown          time.Duration
	dialTimeout       time.Duration
	livenessTimeout   time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu         sync.Mutex
	state      LinkState
	gen        uint64
	localID    string
	sessions   map[string]*session
	dialing    map[string]chan struct{}
	handshaked map[string]bool
	peers      map[string]*PeerRecord
	handlers   []Handler
	switching  bool
	lastSwitch time.Time
	stopped    bool
}

func New(opts Options) (*Manager, error) {
	if opts.Transport == nil {
		return nil, errors.New("connman: transport required")
	}
	m := &Manager{
		tr:                opts.Transport,
		kv:                opts.Store,
		limiter:           opts.Limiter,
		bus:               opts.Events,
		metrics:           opts.Metrics,
		name:              opts.DisplayName,
		now:               opts.Now,
		primary:           opts.Primary,
		fallback:          opts.Fallback,
		direct:            opts.Direct,
		healthEvery:       opts.HealthInterval,
		inactivity:        opts.InactivityTimeout,
		reconnectAttempts: opts.ReconnectAttempts,
		directAttempts:    opts.DirectAttempts,
		reconnectBase:     opts.ReconnectBase,
		reconnectMax:      opts.ReconnectMax,
		verifyDelay:       opts.VerifyDelay,
		cooldown:          opts.FallbackCooldown,
		dialTimeout:       opts.DialTimeout,
		livenessTimeout:   opts.LivenessTimeout,
		state:             StateUninitialized,
		sessions:          make(map[string]*session),
		dialing:           make(map[string]chan struct{}),
		handshaked:        make(map[string]bool),
		peers:             make(map[string]*PeerRecord),
	}
	if m.kv == nil {
		m.kv = store.NewMemory()
	}
	if m.now == nil {
		m.now = time.Now
	}
	if m.direct.Name == "" {
		m.direct.Name = "direct"
	}
	m.direct.Direct = true
	if m.healthEvery <= 0 {
		m.healthEvery = healthInterval()
	}
	if m.inactivity <= 0 {
		m.inactivity = inactivityTimeout()
	}
	if m.reconnectAttempts <= 0 {
		m.reconnectAttempts = reconnectAttempts()
	}
	if m.directAttempts <= 0 {
		m.directAttempts = defaultDirectAttempts
	}
	if m.reconnectBase <= 0 {
		m.reconnectBase = defaultReconnectBase
	}
	if m.reconnectMax <= 0 {
		m.reconnectMax = defaultReconnectMax
	}
	if m.verifyDelay <= 0 {
		m.verifyDelay = defaultVerifyDelay
	}
	if m.cooldown <= 0 {
		m.cooldown = fallbackCooldown()
	}
	if m.dialTimeout <= 0 {
		m.dialTimeout = defaultDialTimeout
	}
	if m.livenessTimeout <= 0 {
		m.livenessTimeout = defaultLivenessTimeout
	}
	m.ctx, m.cancel = context.WithCancel(context.Background())
	return m, nil
}

// AddHandler must be called before Start.
func (m *Manager) AddHandler(h Handler) {
	if h == nil {
		return
	}
	m.mu.Lock()
	m.handlers = append(m.handlers, h)
	m.mu.Unlock()
}

func (m *Manager) LocalID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.localID
}

func (m *Manager) State() LinkState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Manager) DisplayName() string {
	return m.name
}

// Start registers the node, walking primary, fallback and direct tiers in that
// order. It blocks until the node is online or every tier failed.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return ErrStopped
	}
	if m.state != StateUninitialized {
		m.mu.Unlock()
		return ErrAlreadyStarted
	}
	m.gen++
	gen := m.gen
	m.setStateLocked(StateConnecting, "start")
	m.mu.Unlock()

	m.loadIdentity(ctx)
	m.loadPeers(ctx)
	m.tr.SetHandler(m)

	m.mu.Lock()
	if !m.stopped {
		m.goLocked(m.runHealth)
	}
	m.mu.Unlock()
	return m.establish(ctx, gen, m.startTiers(), true)
}

// Retry restarts registration after the node gave up. It is a no-op unless
// the link is disconnected.
func (m *Manager) Retry(ctx context.Context) error {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return ErrStopped
	}
	if m.state != StateDisconnected {
		m.mu.Unlock()
		return nil
	}
	m.gen++
	gen := m.gen
	m.setStateLocked(StateConnecting, "manual retry")
	m.mu.Unlock()
	return m.establish(ctx, gen, m.startTiers(), true)
}

// Stop closes every session and waits for background loops. The transport is
// left to its owner.
func (m *Manager) Stop() {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	m.gen++
	m.setStateLocked(StateDisconnected, "stop")
	sessions := make([]*session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.sessions = make(map[string]*session)
	m.handshaked = make(map[string]bool)
	for _, rec := range m.peers {
		if rec.Status == StatusOnline {
			rec.Status = StatusOffline
		}
	}
	m.mu.Unlock()

	m.cancel()
	for _, s := range sessions {
		s.cancel()
		_ = s.conn.Close()
	}
	m.wg.Wait()
	m.persistPeers()
}

func (m *Manager) startTiers() []tier {
	var out []tier
	if configured(m.primary) {
		out = append(out, tier{ep: m.primary, state: StateOnlinePrimary})
	}
	return append(out, m.fallbackTiers()...)
}

func (m *Manager) fallbackTiers() []tier {
	var out []tier
	if configured(m.fallback) {
		out = append(out, tier{ep: m.fallback, state: StateOnlineFallback})
	}
	return append(out, tier{ep: m.direct, state: StateOnlineDirect})
}

func configured(ep transport.Endpoint) bool {
	return !ep.Direct && (ep.Name != "" || ep.Addr != "")
}

// establish walks tiers until one registers. With fresh unset the current
// identity is never traded for a new one.
func (m *Manager) establish(ctx context.Context, gen uint64, tiers []tier, fresh bool) error {
	id := m.LocalID()
	var lastErr error
	for _, t := range tiers {
		if !m.current(gen) {
			return errStale
		}
		var (
			got string
			err error
		)
		if t.ep.Direct {
			got, err = m.registerDirect(ctx, gen, t.ep, id, fresh)
		} else {
			got, err = m.registerOnce(ctx, t.ep, id, fresh)
		}
		if err == nil {
			if !m.goOnline(gen, got, t.state) {
				return errStale
			}
			return nil
		}
		if errors.Is(err, errStale) {
			return err
		}
		lastErr = err
		m.metrics.IncRegisterFailures()
		debuglog.Logf("connman: register via %s failed: %v", t.ep.Name, err)
		if ctx.Err() != nil {
			break
		}
	}
	m.mu.Lock()
	if m.gen == gen && !m.stopped {
		m.setStateLocked(StateDisconnected, "registration exhausted")
	}
	m.mu.Unlock()
	m.bus.Status("registration failed on every endpoint; retry to reconnect")
	return fmt.Errorf("%w: %v", ErrRegistrationFailed, lastErr)
}

// registerOnce retries a non-network rejection once without an identity when
// fresh is set.
func (m *Manager) registerOnce(ctx context.Context, ep transport.Endpoint, id string, fresh bool) (string, error) {
	got, err := m.tr.Register(ctx, ep, id)
	if err == nil {
		return got, nil
	}
	if !fresh || id == "" || transport.Retryable(err) || ctx.Err() != nil {
		return "", err
	}
	debuglog.Logf("connman: %s rejected identity %s: %v; registering fresh", ep.Name, id, err)
	return m.tr.Register(ctx, ep, "")
}

func (m *Manager) registerDirect(ctx context.Context, gen uint64, ep transport.Endpoint, id string, fresh bool) (string, error) {
	if id == "" {
		id = uuid.NewString()
	}
	var lastErr error
	for attempt := 0; attempt < m.directAttempts; attempt++ {
		if attempt > 0 {
			if err := m.sleep(ctx, backoffFor(attempt-1, m.reconnectBase, m.reconnectMax)); err != nil {
				return "", err
			}
			if !m.current(gen) {
				return "", errStale
			}
		}
		got, err := m.tr.Register(ctx, ep, id)
		if err == nil {
			return got, nil
		}
		lastErr = err
		if fresh && errors.Is(err, transport.ErrIDTaken) {
			id = uuid.NewString()
		}
	}
	return "", lastErr
}

func (m *Manager) goOnline(gen uint64, id string, state LinkState) bool {
	m.mu.Lock()
	if m.gen != gen || m.stopped {
		m.mu.Unlock()
		return false
	}
	m.localID = id
	m.setStateLocked(state, "registered")
	m.mu.Unlock()

	m.metrics.IncRegistrations()
	if err := m.kv.Save(context.Background(), store.KeyIdentity, []byte(id)); err != nil {
		debuglog.Logf("connman: persist identity: %v", err)
	}
	m.bus.Status(fmt.Sprintf("online via %s as %s", state, id))
	return true
}

// SignalLost implements transport.Handler.
func (m *Manager) SignalLost(err error) {
	m.metrics.IncSignalLost()
	m.mu.Lock()
	if m.stopped || !m.state.Online() {
		m.mu.Unlock()
		return
	}
	prev := m.state
	m.gen++
	gen := m.gen
	m.setStateLocked(StateDisconnected, "signal lost")
	m.goLocked(func() { m.reconnectLoop(gen, prev) })
	m.mu.Unlock()
	debuglog.Logf("connman: signaling lost: %v", err)
	m.bus.Status("signaling connection lost; reconnecting")
}

func (m *Manager) reconnectLoop(gen uint64, prev LinkState) {
	id := m.LocalID()
	for attempt := 0; attempt < m.reconnectAttempts; attempt++ {
		if err := m.sleep(m.ctx, backoffFor(attempt, m.reconnectBase, m.reconnectMax)); err != nil {
			return
		}
		if !m.current(gen) {
			return
		}
		m.metrics.IncReconnectAttempts()
		ctx, cancel := context.WithTimeout(m.ctx, m.dialTimeout)
		err := m.tr.Reconnect(ctx)
		cancel()
		if err != nil {
			debuglog.Logf("connman: reconnect attempt %d/%d: %v", attempt+1, m.reconnectAttempts, err)
			continue
		}
		if err := m.sleep(m.ctx, m.verifyDelay); err != nil {
			return
		}
		if !m.current(gen) {
			return
		}
		if m.tr.Online() {
			m.goOnline(gen, id, prev)
			return
		}
	}
	if !m.current(gen) {
		return
	}
	debuglog.Logf("connman: reconnect exhausted after %d attempts", m.reconnectAttempts)
	m.switchToFallback(errors.New("reconnect attempts exhausted"), true)
}

// switchToFallback re-registers under the fallback tiers with the same
// identity and redials every peer that had a session or is in the book.
// Sessions that survive handshake again. Unforced switches only run from an
// online state and honour the cooldown.
func (m *Manager) switchToFallback(cause error, force bool) {
	now := m.now()
	m.mu.Lock()
	if m.stopped || m.switching || m.state == StateUninitialized {
		m.mu.Unlock()
		return
	}
	if !force {
		if !m.state.Online() {
			m.mu.Unlock()
			return
		}
		if !m.lastSwitch.IsZero() && now.Sub(m.lastSwitch) < m.cooldown {
			m.mu.Unlock()
			debuglog.RateLimitedf("connman:fallback-cooldown", time.Minute, "connman: fallback switch suppressed by cooldown: %v", cause)
			return
		}
	}
	m.switching = true
	m.lastSwitch = now
	m.gen++
	gen := m.gen
	m.setStateLocked(StateConnecting, "fallback")
	m.handshaked = make(map[string]bool)
	for _, s := range m.sessions {
		s.sentHello = false
		s.gotHello = false
	}
	targets := m.redialTargetsLocked()
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.switching = false
		m.mu.Unlock()
	}()

	m.metrics.IncFallbackSwitches()
	debuglog.Logf("connman: switching to fallback signaling: %v", cause)
	m.bus.Status("switching to fallback signaling")
	if err := m.establish(m.ctx, gen, m.fallbackTiers(), false); err != nil {
		return
	}
	for _, id := range targets {
		if _, err := m.connect(m.ctx, id); err != nil {
			debuglog.Debugf("connman: redial %s after fallback: %v", id, err)
			continue
		}
		m.announce(id)
	}
}

func (m *Manager) redialTargetsLocked() []string {
	seen := make(map[string]bool, len(m.sessions)+len(m.peers))
	var out []string
	for id := range m.sessions {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	for id := range m.peers {
		if !seen[id] && id != m.localID {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}

func (m *Manager) current(gen uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.gen == gen && !m.stopped
}

func (m *Manager) setStateLocked(to LinkState, reason string) {
	if m.state == to {
		return
	}
	m.metrics.RecordTransition(string(m.state), string(to), reason)
	debuglog.Debugf("connman: link %s -> %s (%s)", m.state, to, reason)
	m.state = to
}

// goLocked starts fn tracked by the wait group. Callers hold m.mu and have
// checked m.stopped, so no Add races Stop's Wait.
func (m *Manager) goLocked(fn func()) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		fn()
	}()
}

func (m *Manager) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-m.ctx.Done():
		return m.ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (m *Manager) loadIdentity(ctx context.Context) {
	data, ok, err := m.kv.Load(ctx, store.KeyIdentity)
	if err != nil {
		debuglog.Logf("connman: load identity: %v", err)
		return
	}
	if !ok || len(data) == 0 {
		return
	}
	m.mu.Lock()
	if m.localID == "" {
		m.localID = string(data)
	}
	m.mu.Unlock()
}
