package connman

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"tweetmesh/internal/metrics"
	"tweetmesh/internal/proto"
	"tweetmesh/internal/ratelimit"
	"tweetmesh/internal/store"
	"tweetmesh/internal/transport"
	"tweetmesh/internal/transport/memnet"
)

type recorder struct {
	mu     sync.Mutex
	opened []string
	data   []proto.Envelope
	closed []closeEvent
}

type closeEvent struct {
	peer string
	err  error
}

func (r *recorder) SessionOpened(s transport.Sender) {
	r.mu.Lock()
	r.opened = append(r.opened, s.PeerID())
	r.mu.Unlock()
}

func (r *recorder) SessionData(_ transport.Sender, env proto.Envelope) {
	r.mu.Lock()
	r.data = append(r.data, env)
	r.mu.Unlock()
}

func (r *recorder) SessionClosed(peerID string, err error) {
	r.mu.Lock()
	r.closed = append(r.closed, closeEvent{peer: peerID, err: err})
	r.mu.Unlock()
}

func (r *recorder) closedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.closed)
}

func (r *recorder) openedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.opened)
}

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type testNode struct {
	m   *Manager
	tr  *memnet.Transport
	kv  *store.Memory
	rec *recorder
	met *metrics.Metrics
}

func newTestNode(t *testing.T, net *memnet.Network, name string, tweak func(*Options)) *testNode {
	t.Helper()
	n := &testNode{
		tr:  net.NewTransport(),
		kv:  store.NewMemory(),
		rec: &recorder{},
		met: metrics.New(),
	}
	opts := Options{
		Transport:         n.tr,
		Store:             n.kv,
		Metrics:           n.met,
		DisplayName:       name,
		Primary:           transport.Endpoint{Name: "primary"},
		Fallback:          transport.Endpoint{Name: "fallback"},
		HealthInterval:    time.Hour,
		ReconnectBase:     time.Millisecond,
		ReconnectMax:      5 * time.Millisecond,
		VerifyDelay:       time.Millisecond,
		FallbackCooldown:  time.Hour,
		DirectAttempts:    2,
		ReconnectAttempts: 3,
	}
	if tweak != nil {
		tweak(&opts)
	}
	if opts.Store != nil {
		if kv, ok := opts.Store.(*store.Memory); ok {
			n.kv = kv
		}
	}
	m, err := New(opts)
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	m.AddHandler(n.rec)
	n.m = m
	t.Cleanup(func() {
		m.Stop()
		_ = n.tr.Close()
	})
	return n
}

func startNode(t *testing.T, n *testNode) {
	t.Helper()
	if err := n.m.Start(context.Background()); err != nil {
		t.Fatalf("start %s: %v", n.m.DisplayName(), err)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func countType(payloads [][]byte, typ string) int {
	n := 0
	for _, p := range payloads {
		if got, ok := proto.PeekType(p); ok && got == typ {
			n++
		}
	}
	return n
}

func TestStartRegistersPrimaryAndPersistsIdentity(t *testing.T) {
	net := memnet.NewNetwork()
	kv := store.NewMemory()
	a := newTestNode(t, net, "alice", func(o *Options) { o.Store = kv })
	startNode(t, a)
	if got := a.m.State(); got != StateOnlinePrimary {
		t.Fatalf("expected online_primary, got %s", got)
	}
	id := a.m.LocalID()
	if id == "" {
		t.Fatalf("expected assigned identity")
	}
	data, ok, err := kv.Load(context.Background(), store.KeyIdentity)
	if err != nil || !ok || string(data) != id {
		t.Fatalf("identity not persisted: %q ok=%v err=%v", data, ok, err)
	}
	a.m.Stop()
	_ = a.tr.Close()

	again := newTestNode(t, net, "alice", func(o *Options) { o.Store = kv })
	startNode(t, again)
	if again.m.LocalID() != id {
		t.Fatalf("expected identity %s reused, got %s", id, again.m.LocalID())
	}
}

func TestStartWalksFallbackTiers(t *testing.T) {
	net := memnet.NewNetwork()
	net.FailEndpoint("primary", transport.ErrNetwork)
	a := newTestNode(t, net, "alice", nil)
	startNode(t, a)
	if got := a.m.State(); got != StateOnlineFallback {
		t.Fatalf("expected online_fallback, got %s", got)
	}

	net.FailEndpoint("fallback", transport.ErrServer)
	b := newTestNode(t, net, "bob", nil)
	startNode(t, b)
	if got := b.m.State(); got != StateOnlineDirect {
		t.Fatalf("expected online_direct, got %s", got)
	}
	if b.m.LocalID() == "" {
		t.Fatalf("expected self-generated identity in direct mode")
	}
}

func TestRegistrationExhaustionThenManualRetry(t *testing.T) {
	net := memnet.NewNetwork()
	for _, name := range []string{"primary", "fallback", "direct"} {
		net.FailEndpoint(name, transport.ErrServer)
	}
	a := newTestNode(t, net, "alice", nil)
	err := a.m.Start(context.Background())
	if !errors.Is(err, ErrRegistrationFailed) {
		t.Fatalf("expected ErrRegistrationFailed, got %v", err)
	}
	if got := a.m.State(); got != StateDisconnected {
		t.Fatalf("expected disconnected, got %s", got)
	}
	if _, err := a.m.ConnectToPeer(context.Background(), "bob"); !errors.Is(err, ErrNotOnline) {
		t.Fatalf("expected ErrNotOnline, got %v", err)
	}
	net.FailEndpoint("primary", nil)
	if err := a.m.Retry(context.Background()); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if got := a.m.State(); got != StateOnlinePrimary {
		t.Fatalf("expected online_primary after retry, got %s", got)
	}
}

func TestIdentityTakenRegistersFresh(t *testing.T) {
	net := memnet.NewNetwork()
	squatter := net.NewTransport()
	if _, err := squatter.Register(context.Background(), transport.Endpoint{Name: "primary"}, "taken"); err != nil {
		t.Fatalf("squatter register: %v", err)
	}
	defer squatter.Close()

	kv := store.NewMemory()
	if err := kv.Save(context.Background(), store.KeyIdentity, []byte("taken")); err != nil {
		t.Fatalf("seed identity: %v", err)
	}
	a := newTestNode(t, net, "alice", func(o *Options) { o.Store = kv })
	startNode(t, a)
	if a.m.State() != StateOnlinePrimary {
		t.Fatalf("expected primary after fresh registration, got %s", a.m.State())
	}
	if id := a.m.LocalID(); id == "taken" || id == "" {
		t.Fatalf("expected a new identity, got %q", id)
	}
}

func TestConnectToPeerRejectsBadInput(t *testing.T) {
	net := memnet.NewNetwork()
	a := newTestNode(t, net, "alice", nil)
	if _, err := a.m.ConnectToPeer(context.Background(), "bob"); !errors.Is(err, ErrNotOnline) {
		t.Fatalf("expected ErrNotOnline before start, got %v", err)
	}
	startNode(t, a)
	if _, err := a.m.ConnectToPeer(context.Background(), "  "); !errors.Is(err, ErrInvalidPeer) {
		t.Fatalf("expected ErrInvalidPeer, got %v", err)
	}
	if _, err := a.m.ConnectToPeer(context.Background(), a.m.LocalID()); !errors.Is(err, ErrSelfConnect) {
		t.Fatalf("expected ErrSelfConnect, got %v", err)
	}
}

func TestConnectLimiterDeniesAfterMaxAttempts(t *testing.T) {
	net := memnet.NewNetwork()
	clock := &testClock{t: time.Unix(1_700_000_000, 0)}
	limiter := ratelimit.New(map[string]ratelimit.Rule{
		ratelimit.KindConnect: {MaxAttempts: 5, Window: time.Minute},
	}, clock.Now)
	a := newTestNode(t, net, "alice", func(o *Options) { o.Limiter = limiter })
	b := newTestNode(t, net, "bob", nil)
	startNode(t, a)
	startNode(t, b)

	peer := b.m.LocalID()
	for i := 1; i <= 11; i++ {
		s, err := a.m.ConnectToPeer(context.Background(), peer)
		if i <= 5 {
			if err != nil || s == nil {
				t.Fatalf("connect %d: unexpected error %v", i, err)
			}
			continue
		}
		var rl *ratelimit.Error
		if !errors.As(err, &rl) {
			t.Fatalf("connect %d: expected rate limit error, got %v", i, err)
		}
		if rl.Wait <= 0 {
			t.Fatalf("connect %d: expected positive wait, got %s", i, rl.Wait)
		}
	}
	if got := net.Dials(peer); got != 1 {
		t.Fatalf("expected a single dial, got %d", got)
	}
	if got := len(a.m.Sessions()); got != 1 {
		t.Fatalf("expected one session, got %d", got)
	}
}

func TestHandshakeNamesBothSides(t *testing.T) {
	net := memnet.NewNetwork()
	a := newTestNode(t, net, "alice", nil)
	b := newTestNode(t, net, "bob", nil)
	startNode(t, a)
	startNode(t, b)
	if _, err := a.m.ConnectToPeer(context.Background(), b.m.LocalID()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	waitFor(t, "both peer records", func() bool {
		ra, okA := a.m.Peer(b.m.LocalID())
		rb, okB := b.m.Peer(a.m.LocalID())
		return okA && okB && ra.DisplayName == "bob" && rb.DisplayName == "alice"
	})
	conns := net.Conns(a.m.LocalID(), b.m.LocalID())
	if len(conns) != 1 {
		t.Fatalf("expected one open link, got %d", len(conns))
	}
	if got := countType(conns[0].Sent(), proto.MsgTypeHandshake); got != 1 {
		t.Fatalf("expected alice to send one handshake, got %d", got)
	}
	back := net.Conns(b.m.LocalID(), a.m.LocalID())
	if got := countType(back[0].Sent(), proto.MsgTypeHandshake); got != 1 {
		t.Fatalf("expected bob to reply once, got %d", got)
	}
}

func TestHandshakeRepliesExactlyOnce(t *testing.T) {
	net := memnet.NewNetwork()
	a := newTestNode(t, net, "alice", nil)
	startNode(t, a)

	raw := net.NewTransport()
	rawID, err := raw.Register(context.Background(), transport.Endpoint{Name: "primary"}, "")
	if err != nil {
		t.Fatalf("raw register: %v", err)
	}
	defer raw.Close()
	conn, err := raw.Connect(context.Background(), a.m.LocalID())
	if err != nil {
		t.Fatalf("raw connect: %v", err)
	}
	hello, _ := proto.EncodeHandshake("mallory")
	for i := 0; i < 3; i++ {
		if err := conn.Send(hello); err != nil {
			t.Fatalf("send handshake: %v", err)
		}
	}
	// A ping after the handshakes proves they were all processed.
	ping, _ := proto.EncodePing(time.Now().UnixMilli())
	if err := conn.Send(ping); err != nil {
		t.Fatalf("send ping: %v", err)
	}
	var got []string
	for len(got) == 0 || got[len(got)-1] != proto.MsgTypePingReply {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		payload, err := conn.Receive(ctx)
		cancel()
		if err != nil {
			t.Fatalf("receive: %v (got %v)", err, got)
		}
		typ, _ := proto.PeekType(payload)
		got = append(got, typ)
	}
	if len(got) != 2 || got[0] != proto.MsgTypeHandshake {
		t.Fatalf("expected one handshake reply then ping_reply, got %v", got)
	}
	if rec, ok := a.m.Peer(rawID); !ok || rec.DisplayName != "mallory" {
		t.Fatalf("expected peer record for raw peer, got %+v ok=%v", rec, ok)
	}
}

func TestDuplicateConnectRaceLeavesOneSession(t *testing.T) {
	net := memnet.NewNetwork()
	a := newTestNode(t, net, "alice", nil)
	b := newTestNode(t, net, "bob", nil)
	startNode(t, a)
	startNode(t, b)
	aID, bID := a.m.LocalID(), b.m.LocalID()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, _ = a.m.ConnectToPeer(context.Background(), bID)
	}()
	go func() {
		defer wg.Done()
		_, _ = b.m.ConnectToPeer(context.Background(), aID)
	}()
	wg.Wait()

	waitFor(t, "a single shared link", func() bool {
		sa, sb := a.m.Sessions(), b.m.Sessions()
		return len(sa) == 1 && len(sb) == 1 && sa[0].ConnID == sb[0].ConnID &&
			len(net.Conns(aID, bID)) == 1 && len(net.Conns(bID, aID)) == 1
	})
}

func TestDeadSessionReplacedWhenPingFails(t *testing.T) {
	net := memnet.NewNetwork()
	a := newTestNode(t, net, "alice", nil)
	b := newTestNode(t, net, "bob", nil)
	startNode(t, a)
	startNode(t, b)
	bID := b.m.LocalID()
	if _, err := a.m.ConnectToPeer(context.Background(), bID); err != nil {
		t.Fatalf("connect: %v", err)
	}
	first := a.m.Sessions()[0].ConnID
	conns := net.Conns(a.m.LocalID(), bID)
	conns[0].SetSendError(transport.ErrNetwork)

	if _, err := a.m.ConnectToPeer(context.Background(), bID); err != nil {
		t.Fatalf("reconnect: %v", err)
	}
	if got := net.Dials(bID); got != 2 {
		t.Fatalf("expected a second dial, got %d", got)
	}
	sessions := a.m.Sessions()
	if len(sessions) != 1 || sessions[0].ConnID == first {
		t.Fatalf("expected a fresh session, got %+v", sessions)
	}
	if a.rec.closedCount() != 1 || a.rec.openedCount() != 2 {
		t.Fatalf("expected 1 close and 2 opens, got %d/%d", a.rec.closedCount(), a.rec.openedCount())
	}
}

func TestRemoteCloseNotifiesHandlers(t *testing.T) {
	net := memnet.NewNetwork()
	a := newTestNode(t, net, "alice", nil)
	b := newTestNode(t, net, "bob", nil)
	startNode(t, a)
	startNode(t, b)
	bID := b.m.LocalID()
	if _, err := a.m.ConnectToPeer(context.Background(), bID); err != nil {
		t.Fatalf("connect: %v", err)
	}
	waitFor(t, "bob session", func() bool { return len(b.m.Sessions()) == 1 })
	b.m.Disconnect(a.m.LocalID())
	waitFor(t, "alice close", func() bool { return a.rec.closedCount() == 1 })
	if len(a.m.Sessions()) != 0 {
		t.Fatalf("expected no sessions after remote close")
	}
	if rec, ok := a.m.Peer(bID); ok && rec.Status != StatusOffline {
		t.Fatalf("expected offline status, got %s", rec.Status)
	}
}

func TestSignalLossReconnects(t *testing.T) {
	net := memnet.NewNetwork()
	a := newTestNode(t, net, "alice", nil)
	startNode(t, a)
	id := a.m.LocalID()
	a.tr.DropSignal()
	waitFor(t, "reconnect", func() bool { return a.m.State() == StateOnlinePrimary })
	if a.m.LocalID() != id {
		t.Fatalf("identity changed across reconnect")
	}
	if a.met.Snapshot().Link.ReconnectAttempts == 0 {
		t.Fatalf("expected reconnect attempts to be counted")
	}
}

func TestReconnectExhaustionSwitchesToFallback(t *testing.T) {
	net := memnet.NewNetwork()
	a := newTestNode(t, net, "alice", nil)
	startNode(t, a)
	id := a.m.LocalID()
	net.FailEndpoint("primary", transport.ErrNetwork)
	a.tr.DropSignal()
	waitFor(t, "fallback", func() bool { return a.m.State() == StateOnlineFallback })
	if a.m.LocalID() != id {
		t.Fatalf("expected identity %s kept on fallback, got %s", id, a.m.LocalID())
	}
	if got := a.met.Snapshot().Link.FallbackSwitches; got != 1 {
		t.Fatalf("expected one fallback switch, got %d", got)
	}
}

func TestPeerUnavailableSwitchesOncePerCooldown(t *testing.T) {
	net := memnet.NewNetwork()
	a := newTestNode(t, net, "alice", nil)
	startNode(t, a)
	if _, err := a.m.ConnectToPeer(context.Background(), "ghost"); !errors.Is(err, transport.ErrPeerUnavailable) {
		t.Fatalf("expected ErrPeerUnavailable, got %v", err)
	}
	waitFor(t, "fallback", func() bool { return a.m.State() == StateOnlineFallback })
	if _, err := a.m.ConnectToPeer(context.Background(), "ghost"); !errors.Is(err, transport.ErrPeerUnavailable) {
		t.Fatalf("expected ErrPeerUnavailable, got %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	if got := a.met.Snapshot().Link.FallbackSwitches; got != 1 {
		t.Fatalf("expected cooldown to hold switches at 1, got %d", got)
	}
}

func TestInactivitySweepTimesOut(t *testing.T) {
	net := memnet.NewNetwork()
	clock := &testClock{t: time.Now()}
	a := newTestNode(t, net, "alice", func(o *Options) {
		o.Now = clock.Now
		o.InactivityTimeout = 30 * time.Minute
	})
	b := newTestNode(t, net, "bob", nil)
	startNode(t, a)
	startNode(t, b)
	bID := b.m.LocalID()
	if _, err := a.m.ConnectToPeer(context.Background(), bID); err != nil {
		t.Fatalf("connect: %v", err)
	}
	waitFor(t, "handshake", func() bool {
		rec, ok := a.m.Peer(bID)
		return ok && rec.DisplayName == "bob"
	})
	clock.Advance(31 * time.Minute)
	a.m.sweep(context.Background())

	a.rec.mu.Lock()
	closed := append([]closeEvent(nil), a.rec.closed...)
	a.rec.mu.Unlock()
	if len(closed) == 0 || closed[0].peer != bID || !errors.Is(closed[0].err, errTimeout) {
		t.Fatalf("expected timeout close for bob, got %+v", closed)
	}
	if got := a.met.Snapshot().Sessions.TimedOut; got != 1 {
		t.Fatalf("expected one timed out session, got %d", got)
	}
	// bob stays in the book, so the same sweep redials him.
	if len(a.m.Sessions()) != 1 {
		t.Fatalf("expected sweep to redial the known peer")
	}
}

func TestSweepDialsRememberedPeers(t *testing.T) {
	net := memnet.NewNetwork()
	a := newTestNode(t, net, "alice", nil)
	b := newTestNode(t, net, "bob", nil)
	startNode(t, a)
	startNode(t, b)
	a.m.Remember(b.m.LocalID(), "bob")
	a.m.sweep(context.Background())
	if len(a.m.Sessions()) != 1 {
		t.Fatalf("expected a session to the remembered peer")
	}
	if a.m.Quality() != QualityGood {
		t.Fatalf("expected good quality, got %s", a.m.Quality())
	}
}

func TestPeersSurviveRestart(t *testing.T) {
	net := memnet.NewNetwork()
	kv := store.NewMemory()
	a := newTestNode(t, net, "alice", func(o *Options) { o.Store = kv })
	b := newTestNode(t, net, "bob", nil)
	startNode(t, a)
	startNode(t, b)
	bID := b.m.LocalID()
	if _, err := a.m.ConnectToPeer(context.Background(), bID); err != nil {
		t.Fatalf("connect: %v", err)
	}
	waitFor(t, "handshake", func() bool {
		rec, ok := a.m.Peer(bID)
		return ok && rec.DisplayName == "bob"
	})
	a.m.Stop()
	_ = a.tr.Close()

	again := newTestNode(t, net, "alice", func(o *Options) {
		o.Store = kv
		o.Primary = transport.Endpoint{}
		o.Fallback = transport.Endpoint{}
	})
	again.m.loadPeers(context.Background())
	rec, ok := again.m.Peer(bID)
	if !ok || rec.DisplayName != "bob" || rec.Status != StatusOffline {
		t.Fatalf("expected remembered offline bob, got %+v ok=%v", rec, ok)
	}
	if !again.m.ForgetPeer(bID) {
		t.Fatalf("expected forget to succeed")
	}
	if _, ok := again.m.Peer(bID); ok {
		t.Fatalf("expected bob forgotten")
	}
}

func TestQualityAggregate(t *testing.T) {
	cases := []struct {
		name string
		qs   []Quality
		want Quality
	}{
		{"none", nil, QualityUnknown},
		{"any error", []Quality{QualityGood, QualityError}, QualityError},
		{"majority poor", []Quality{QualityPoor, QualityPoor, QualityGood}, QualityPoor},
		{"majority medium", []Quality{QualityMedium, QualityMedium, QualityGood}, QualityMedium},
		{"split", []Quality{QualityPoor, QualityMedium, QualityGood}, QualityGood},
		{"all unknown", []Quality{QualityUnknown}, QualityUnknown},
	}
	for _, tc := range cases {
		m := &Manager{state: StateOnlinePrimary, sessions: make(map[string]*session)}
		for i, q := range tc.qs {
			m.sessions[string(rune('a'+i))] = &session{quality: q}
		}
		if got := m.Quality(); got != tc.want {
			t.Fatalf("%s: expected %s, got %s", tc.name, tc.want, got)
		}
	}
	m := &Manager{state: StateDisconnected, sessions: map[string]*session{"a": {quality: QualityGood}}}
	if got := m.Quality(); got != QualityUnknown {
		t.Fatalf("expected unknown while offline, got %s", got)
	}
}

func TestQualityForRTT(t *testing.T) {
	if qualityForRTT(100*time.Millisecond) != QualityGood {
		t.Fatalf("expected good")
	}
	if qualityForRTT(300*time.Millisecond) != QualityMedium {
		t.Fatalf("expected medium at 300ms")
	}
	if qualityForRTT(time.Second) != QualityPoor {
		t.Fatalf("expected poor at 1s")
	}
}

func TestStopRejectsFurtherWork(t *testing.T) {
	net := memnet.NewNetwork()
	a := newTestNode(t, net, "alice", nil)
	startNode(t, a)
	a.m.Stop()
	a.m.Stop()
	if err := a.m.Start(context.Background()); !errors.Is(err, ErrStopped) {
		t.Fatalf("expected ErrStopped, got %v", err)
	}
	if _, err := a.m.ConnectToPeer(context.Background(), "bob"); !errors.Is(err, ErrNotOnline) {
		t.Fatalf("expected ErrNotOnline after stop, got %v", err)
	}
}

// stubConn is a link whose openness and send result are set by the test. It
// never delivers anything.
type stubConn struct {
	id   string
	peer string

	mu      sync.Mutex
	open    bool
	sendErr error
	sent    [][]byte

	once   sync.Once
	closed chan struct{}
}

func newStubConn(id, peer string) *stubConn {
	return &stubConn{id: id, peer: peer, open: true, closed: make(chan struct{})}
}

func (c *stubConn) ID() string     { return c.id }
func (c *stubConn) PeerID() string { return c.peer }

func (c *stubConn) Send(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return c.sendErr
	}
	c.sent = append(c.sent, append([]byte(nil), payload...))
	return nil
}

func (c *stubConn) Receive(ctx context.Context) ([]byte, error) {
	select {
	case <-c.closed:
		return nil, transport.ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *stubConn) Open() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case <-c.closed:
		return false
	default:
		return c.open
	}
}

func (c *stubConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *stubConn) setOpen(open bool) {
	c.mu.Lock()
	c.open = open
	c.mu.Unlock()
}

func (c *stubConn) setSendError(err error) {
	c.mu.Lock()
	c.sendErr = err
	c.mu.Unlock()
}

func (r *recorder) closedEvents() []closeEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]closeEvent(nil), r.closed...)
}

func sessionPeers(m *Manager) []string {
	var out []string
	for _, s := range m.Sessions() {
		out = append(out, s.PeerID)
	}
	return out
}

func TestUnresponsiveSessionReplacedOnConnect(t *testing.T) {
	net := memnet.NewNetwork()
	a := newTestNode(t, net, "alice", func(o *Options) { o.LivenessTimeout = 50 * time.Millisecond })
	startNode(t, a)

	silent := net.NewTransport()
	silentID, err := silent.Register(context.Background(), transport.Endpoint{Name: "primary"}, "")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	defer silent.Close()
	if _, err := silent.Connect(context.Background(), a.m.LocalID()); err != nil {
		t.Fatalf("connect to alice: %v", err)
	}
	waitFor(t, "inbound session", func() bool { return len(a.m.Sessions()) == 1 })
	first := a.m.Sessions()[0].ConnID

	// The link is open and sends succeed, but nothing ever comes back.
	if _, err := a.m.ConnectToPeer(context.Background(), silentID); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if got := net.Dials(silentID); got != 1 {
		t.Fatalf("expected alice to dial after the failed liveness check, got %d dials", got)
	}
	sessions := a.m.Sessions()
	if len(sessions) != 1 || sessions[0].ConnID == first {
		t.Fatalf("expected the silent session replaced, got %+v", sessions)
	}
	if a.rec.closedCount() != 1 {
		t.Fatalf("expected the stale session closed once, got %d", a.rec.closedCount())
	}
}

func TestDuplicateInboundChecksExistingSession(t *testing.T) {
	net := memnet.NewNetwork()
	a := newTestNode(t, net, "alice", func(o *Options) { o.LivenessTimeout = 50 * time.Millisecond })
	b := newTestNode(t, net, "bob", nil)
	startNode(t, a)
	startNode(t, b)

	// A responsive session survives a second inbound link.
	bID := b.m.LocalID()
	if _, err := b.m.ConnectToPeer(context.Background(), a.m.LocalID()); err != nil {
		t.Fatalf("bob connect: %v", err)
	}
	waitFor(t, "alice session", func() bool { return len(a.m.Sessions()) == 1 })
	kept := a.m.Sessions()[0].ConnID
	extra := newStubConn("extra", bID)
	a.m.Incoming(extra)
	if extra.Open() {
		t.Fatalf("expected the duplicate link rejected")
	}
	if got := a.m.Sessions(); len(got) != 1 || got[0].ConnID != kept {
		t.Fatalf("expected the live session kept, got %+v", got)
	}

	// A session that never answers gives way to the newcomer.
	silent := newStubConn("silent", "carol")
	a.m.Incoming(silent)
	fresh := newStubConn("fresh", "carol")
	a.m.Incoming(fresh)
	if silent.Open() {
		t.Fatalf("expected the unresponsive session torn down")
	}
	found := false
	for _, s := range a.m.Sessions() {
		if s.PeerID == "carol" {
			found = s.ConnID == "fresh"
		}
	}
	if !found {
		t.Fatalf("expected the new link adopted, got %+v", a.m.Sessions())
	}
	silent.mu.Lock()
	pings := countType(silent.sent, proto.MsgTypePing)
	silent.mu.Unlock()
	if pings != 1 {
		t.Fatalf("expected one liveness ping on the old link, got %d", pings)
	}
}

func TestSweepDropsClosedChannels(t *testing.T) {
	net := memnet.NewNetwork()
	a := newTestNode(t, net, "alice", nil)
	startNode(t, a)
	dead := newStubConn("dead", "dave")
	live := newStubConn("live", "erin")
	a.m.Incoming(dead)
	a.m.Incoming(live)
	dead.setOpen(false)

	a.m.sweep(context.Background())

	peers := sessionPeers(a.m)
	if len(peers) != 1 || peers[0] != "erin" {
		t.Fatalf("expected only erin to survive, got %v", peers)
	}
	closed := a.rec.closedEvents()
	if len(closed) != 1 || closed[0].peer != "dave" || closed[0].err != nil {
		t.Fatalf("expected an offline close for dave, got %+v", closed)
	}
	live.mu.Lock()
	pings := countType(live.sent, proto.MsgTypePing)
	live.mu.Unlock()
	if pings != 1 {
		t.Fatalf("expected the surviving session pinged once, got %d", pings)
	}
}

func TestSweepDropsSessionsThatFailPing(t *testing.T) {
	net := memnet.NewNetwork()
	a := newTestNode(t, net, "alice", nil)
	startNode(t, a)
	broken := newStubConn("broken", "frank")
	a.m.Incoming(broken)
	broken.setSendError(transport.ErrNetwork)

	a.m.sweep(context.Background())

	if len(a.m.Sessions()) != 0 {
		t.Fatalf("expected the session dropped, got %+v", a.m.Sessions())
	}
	closed := a.rec.closedEvents()
	if len(closed) != 1 || closed[0].peer != "frank" || !errors.Is(closed[0].err, transport.ErrNetwork) {
		t.Fatalf("expected an error close for frank, got %+v", closed)
	}
	if broken.Open() {
		t.Fatalf("expected the link closed")
	}
}

func TestSweepReconnectsDownedLink(t *testing.T) {
	net := memnet.NewNetwork()
	a := newTestNode(t, net, "alice", nil)
	startNode(t, a)
	id := a.m.LocalID()
	dead := newStubConn("dead", "gina")
	a.m.Incoming(dead)
	dead.setOpen(false)
	a.tr.LoseSignalQuietly()

	a.m.sweep(context.Background())

	// Session checks wait for the next cycle.
	if peers := sessionPeers(a.m); len(peers) != 1 {
		t.Fatalf("expected session checks skipped while the link is down, got %v", peers)
	}
	if got := a.met.Snapshot().Link.SignalLost; got != 1 {
		t.Fatalf("expected the downed link reported once, got %d", got)
	}
	waitFor(t, "reconnect", func() bool { return a.m.State() == StateOnlinePrimary && a.tr.Online() })
	if a.m.LocalID() != id {
		t.Fatalf("identity changed across reconnect")
	}
}

func TestFallbackSwitchRedialsAndHandshakesAgain(t *testing.T) {
	net := memnet.NewNetwork()
	a := newTestNode(t, net, "alice", nil)
	b := newTestNode(t, net, "bob", nil)
	c := newTestNode(t, net, "carol", nil)
	startNode(t, a)
	startNode(t, b)
	startNode(t, c)
	aID, bID, cID := a.m.LocalID(), b.m.LocalID(), c.m.LocalID()
	if _, err := a.m.ConnectToPeer(context.Background(), bID); err != nil {
		t.Fatalf("connect: %v", err)
	}
	waitFor(t, "handshake", func() bool {
		rec, ok := a.m.Peer(bID)
		return ok && rec.DisplayName == "bob"
	})
	a.m.Remember(cID, "carol")

	a.m.switchToFallback(errors.New("test switch"), true)

	if got := a.m.State(); got != StateOnlineFallback {
		t.Fatalf("expected online_fallback, got %s", got)
	}
	if a.m.LocalID() != aID {
		t.Fatalf("identity changed on fallback")
	}
	peers := sessionPeers(a.m)
	if len(peers) != 2 {
		t.Fatalf("expected sessions to bob and carol, got %v", peers)
	}
	if net.Dials(bID) != 1 || net.Dials(cID) != 1 {
		t.Fatalf("expected bob reused and carol dialed, got %d/%d", net.Dials(bID), net.Dials(cID))
	}
	toBob := net.Conns(aID, bID)
	if len(toBob) != 1 {
		t.Fatalf("expected one link to bob, got %d", len(toBob))
	}
	if got := countType(toBob[0].Sent(), proto.MsgTypeHandshake); got != 2 {
		t.Fatalf("expected bob greeted again after the switch, got %d handshakes", got)
	}
	toCarol := net.Conns(aID, cID)
	if len(toCarol) != 1 || countType(toCarol[0].Sent(), proto.MsgTypeHandshake) != 1 {
		t.Fatalf("expected one handshake to carol")
	}
}

// pickyTransport rejects any identity on the fallback endpoint while reject is
// set, and records every registration.
type pickyTransport struct {
	*memnet.Transport
	reject atomic.Bool

	mu    sync.Mutex
	calls []string
}

func (p *pickyTransport) Register(ctx context.Context, ep transport.Endpoint, id string) (string, error) {
	p.mu.Lock()
	p.calls = append(p.calls, ep.Name+":"+id)
	p.mu.Unlock()
	if ep.Name == "fallback" && p.reject.Load() {
		return "", transport.ErrIDTaken
	}
	return p.Transport.Register(ctx, ep, id)
}

func TestFallbackSwitchKeepsIdentity(t *testing.T) {
	net := memnet.NewNetwork()
	picky := &pickyTransport{Transport: net.NewTransport()}
	a := newTestNode(t, net, "alice", func(o *Options) { o.Transport = picky })
	startNode(t, a)
	id := a.m.LocalID()
	picky.reject.Store(true)
	picky.mu.Lock()
	picky.calls = nil
	picky.mu.Unlock()

	a.m.switchToFallback(errors.New("test switch"), true)

	if got := a.m.State(); got != StateOnlineDirect {
		t.Fatalf("expected direct after the fallback refused, got %s", got)
	}
	if a.m.LocalID() != id {
		t.Fatalf("expected identity %s kept, got %s", id, a.m.LocalID())
	}
	picky.mu.Lock()
	defer picky.mu.Unlock()
	for _, call := range picky.calls {
		if call != "fallback:"+id && call != "direct:"+id {
			t.Fatalf("unexpected registration %q during the switch", call)
		}
	}
}
