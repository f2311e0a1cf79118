package connman

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"tweetmesh/internal/debuglog"
	"tweetmesh/internal/proto"
	"tweetmesh/internal/ratelimit"
	"tweetmesh/internal/transport"
)

const (
	rttGood   = 300 * time.Millisecond
	rttMedium = time.Second
)

type session struct {
	conn     transport.Conn
	outgoing bool
	ctx      context.Context
	cancel   context.CancelFunc
	opened   time.Time

	// Guarded by Manager.mu. seen is closed and replaced whenever the peer
	// sends anything.
	seen        chan struct{}
	lastSeen    time.Time
	quality     Quality
	sentHello   bool
	gotHello    bool
	displayName string
}

type SessionInfo struct {
	PeerID      string    `json:"peerId"`
	ConnID      string    `json:"connId"`
	DisplayName string    `json:"displayName,omitempty"`
	Outgoing    bool      `json:"outgoing"`
	Opened      time.Time `json:"opened"`
	LastSeen    time.Time `json:"lastSeen"`
	Quality     Quality   `json:"quality"`
}

// ConnectToPeer returns a live session to peerID, dialing one if needed.
// Every call counts against the connect limiter of the local identity.
func (m *Manager) ConnectToPeer(ctx context.Context, peerID string) (transport.Sender, error) {
	peerID = strings.TrimSpace(peerID)
	if peerID == "" {
		return nil, ErrInvalidPeer
	}
	m.mu.Lock()
	state, local := m.state, m.localID
	m.mu.Unlock()
	if !state.Online() {
		return nil, ErrNotOnline
	}
	if peerID == local {
		return nil, ErrSelfConnect
	}
	if err := m.limiter.Check(ratelimit.KindConnect, local); err != nil {
		m.metrics.IncConnectLimited()
		return nil, err
	}
	conn, err := m.connect(ctx, peerID)
	if err != nil {
		if errors.Is(err, transport.ErrPeerUnavailable) || transport.Retryable(err) {
			m.mu.Lock()
			if !m.stopped && m.state.Online() {
				m.goLocked(func() { m.switchToFallback(err, false) })
			}
			m.mu.Unlock()
		}
		return nil, err
	}
	return conn, nil
}

// connect reuses a session that answers a liveness ping, waits on a dial already in
// flight, or dials. It is not rate limited.
func (m *Manager) connect(ctx context.Context, peerID string) (transport.Conn, error) {
	for {
		m.mu.Lock()
		if m.stopped {
			m.mu.Unlock()
			return nil, ErrStopped
		}
		s := m.sessions[peerID]
		wait, inFlight := m.dialing[peerID]
		if s == nil && !inFlight {
			ch := make(chan struct{})
			m.dialing[peerID] = ch
			m.mu.Unlock()
			return m.dial(ctx, peerID, ch)
		}
		m.mu.Unlock()

		if s != nil {
			err := m.checkAlive(s)
			if err == nil {
				return s.conn, nil
			}
			debuglog.Debugf("connman: session %s failed liveness check: %v", peerID, err)
			m.closeSession(s, err, StatusOffline)
			continue
		}
		select {
		case <-wait:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (m *Manager) dial(ctx context.Context, peerID string, done chan struct{}) (transport.Conn, error) {
	defer func() {
		m.mu.Lock()
		if m.dialing[peerID] == done {
			delete(m.dialing, peerID)
		}
		m.mu.Unlock()
		close(done)
	}()
	dctx, cancel := context.WithTimeout(ctx, m.dialTimeout)
	defer cancel()
	conn, err := m.tr.Connect(dctx, peerID)
	if err != nil {
		m.metrics.IncDialFailures()
		m.markPeer(peerID, StatusError)
		return nil, fmt.Errorf("connect %s: %w", peerID, err)
	}
	s, _ := m.adopt(conn, true)
	if s == nil {
		return nil, ErrStopped
	}
	return s.conn, nil
}

// Incoming implements transport.Handler.
func (m *Manager) Incoming(c transport.Conn) {
	m.adopt(c, false)
}

// adopt registers conn as the session for its peer. If the two links run in
// opposite directions, the one dialed by the lexicographically smaller
// identity wins on both ends. Otherwise the existing session is pinged: it
// survives if it answers and is torn down if it does not. The final decision
// is taken under the lock against the session that was checked. The returned
// session is the one that won.
func (m *Manager) adopt(conn transport.Conn, outgoing bool) (*session, bool) {
	peerID := conn.PeerID()
	var (
		alive    *session
		replaced *session
	)
	for {
		m.mu.Lock()
		if m.stopped || peerID == "" || peerID == m.localID {
			m.mu.Unlock()
			_ = conn.Close()
			return nil, false
		}
		old := m.sessions[peerID]
		if old == nil {
			break
		}
		if old.conn == conn {
			m.mu.Unlock()
			return old, true
		}
		if !old.conn.Open() || m.preferLocked(peerID, outgoing, old) {
			replaced = old
			delete(m.handshaked, peerID)
			break
		}
		if old == alive {
			m.mu.Unlock()
			m.metrics.IncSessionsRejected()
			debuglog.Debugf("connman: keep session %s to %s, reject %s", old.conn.ID(), peerID, conn.ID())
			_ = conn.Close()
			return old, false
		}
		m.mu.Unlock()
		if err := m.checkAlive(old); err != nil {
			debuglog.Debugf("connman: session %s to %s failed liveness check: %v", old.conn.ID(), peerID, err)
			m.closeSession(old, err, StatusOffline)
			continue
		}
		alive = old
	}
	now := m.now()
	ctx, cancel := context.WithCancel(m.ctx)
	s := &session{
		conn:     conn,
		outgoing: outgoing,
		ctx:      ctx,
		cancel:   cancel,
		opened:   now,
		seen:     make(chan struct{}),
		lastSeen: now,
		quality:  QualityGood,
	}
	m.sessions[peerID] = s
	m.updatePeerLocked(peerID, StatusOnline, QualityGood, now)
	// The dialer speaks first; the accepting side answers in onHandshake.
	hello := outgoing && !m.handshaked[peerID]
	if hello {
		s.sentHello = true
	}
	m.goLocked(func() { m.readLoop(s) })
	handlers := append([]Handler(nil), m.handlers...)
	m.mu.Unlock()

	if replaced != nil {
		m.metrics.IncSessionsReplaced()
		replaced.cancel()
		_ = replaced.conn.Close()
	}
	m.metrics.IncSessionsOpened()
	if hello {
		m.sendHandshake(s)
	}
	for _, h := range handlers {
		h.SessionOpened(conn)
	}
	m.bus.Connected(peerID)
	m.bus.PeersChanged()
	m.persistPeers()
	return s, true
}

func (m *Manager) preferLocked(peerID string, outgoing bool, old *session) bool {
	if old.outgoing == outgoing {
		return false
	}
	winner := m.localID
	if peerID < winner {
		winner = peerID
	}
	dialer := peerID
	if outgoing {
		dialer = m.localID
	}
	return dialer == winner
}

func (m *Manager) readLoop(s *session) {
	for {
		payload, err := s.conn.Receive(s.ctx)
		if err != nil {
			m.closeSession(s, err, statusFor(err))
			return
		}
		env, err := proto.DecodeEnvelope(payload)
		if err != nil {
			debuglog.RateLimitedf("connman:decode:"+s.conn.PeerID(), time.Minute, "connman: drop payload from %s: %v", s.conn.PeerID(), err)
			continue
		}
		m.markSeen(s)
		m.dispatch(s, env)
	}
}

func (m *Manager) dispatch(s *session, env proto.Envelope) {
	switch env.Type {
	case proto.MsgTypeHandshake:
		m.onHandshake(s, env.DisplayName)
	case proto.MsgTypePing:
		payload, err := proto.EncodePingReply(env.Timestamp)
		if err == nil {
			err = s.conn.Send(payload)
		}
		if err != nil {
			debuglog.Debugf("connman: ping reply to %s: %v", s.conn.PeerID(), err)
		}
	case proto.MsgTypePingReply:
		m.onPingReply(s, env.OriginalTimestamp)
	default:
		m.mu.Lock()
		handlers := append([]Handler(nil), m.handlers...)
		m.mu.Unlock()
		for _, h := range handlers {
			h.SessionData(s.conn, env)
		}
	}
}

// onHandshake answers exactly once when the peer spoke first. Repeats on the
// same session are ignored.
func (m *Manager) onHandshake(s *session, name string) {
	peerID := s.conn.PeerID()
	now := m.now()
	m.mu.Lock()
	if m.sessions[peerID] != s || s.gotHello {
		m.mu.Unlock()
		return
	}
	s.gotHello = true
	s.displayName = name
	reply := !s.sentHello
	if reply {
		s.sentHello = true
	}
	m.handshaked[peerID] = true
	rec := m.peers[peerID]
	if rec == nil {
		rec = &PeerRecord{ID: peerID}
		m.peers[peerID] = rec
	}
	if name != "" {
		rec.DisplayName = name
	}
	rec.Status = StatusOnline
	rec.LastSeen = now
	rec.Quality = s.quality
	m.mu.Unlock()

	if reply {
		m.sendHandshake(s)
	}
	m.bus.PeersChanged()
	m.persistPeers()
}

// announce sends a handshake on the session to peerID unless one was already
// sent since the last reset.
func (m *Manager) announce(peerID string) {
	m.mu.Lock()
	s := m.sessions[peerID]
	if s == nil || s.sentHello {
		m.mu.Unlock()
		return
	}
	s.sentHello = true
	m.mu.Unlock()
	m.sendHandshake(s)
}

func (m *Manager) sendHandshake(s *session) {
	payload, err := proto.EncodeHandshake(m.name)
	if err == nil {
		err = s.conn.Send(payload)
	}
	if err != nil {
		debuglog.Logf("connman: handshake to %s: %v", s.conn.PeerID(), err)
	}
}

func (m *Manager) onPingReply(s *session, originalMs int64) {
	now := m.now()
	q := qualityForRTT(now.Sub(time.UnixMilli(originalMs)))
	peerID := s.conn.PeerID()
	m.mu.Lock()
	if m.sessions[peerID] == s {
		s.quality = q
		s.lastSeen = now
		m.updatePeerLocked(peerID, StatusOnline, q, now)
	}
	m.mu.Unlock()
}

func qualityForRTT(rtt time.Duration) Quality {
	switch {
	case rtt < rttGood:
		return QualityGood
	case rtt < rttMedium:
		return QualityMedium
	default:
		return QualityPoor
	}
}

func (m *Manager) ping(s *session) error {
	if !s.conn.Open() {
		return transport.ErrClosed
	}
	payload, err := proto.EncodePing(m.now().UnixMilli())
	if err != nil {
		return err
	}
	return s.conn.Send(payload)
}

// checkAlive pings s and waits up to the liveness timeout for any traffic back. A
// send that is merely queued does not count as an answer.
func (m *Manager) checkAlive(s *session) error {
	m.mu.Lock()
	seen := s.seen
	m.mu.Unlock()
	if err := m.ping(s); err != nil {
		return err
	}
	timer := time.NewTimer(m.livenessTimeout)
	defer timer.Stop()
	select {
	case <-seen:
		return nil
	case <-timer.C:
		return errUnresponsive
	case <-s.ctx.Done():
		return transport.ErrClosed
	}
}

func (m *Manager) markSeen(s *session) {
	now := m.now()
	m.mu.Lock()
	s.lastSeen = now
	close(s.seen)
	s.seen = make(chan struct{})
	m.mu.Unlock()
}

// closeSession tears s down. Bookkeeping and notifications only happen when s
// is still the registered session for its peer.
func (m *Manager) closeSession(s *session, cause error, status PeerStatus) {
	peerID := s.conn.PeerID()
	now := m.now()
	m.mu.Lock()
	current := m.sessions[peerID] == s
	if current {
		delete(m.sessions, peerID)
		delete(m.handshaked, peerID)
		m.updatePeerLocked(peerID, status, qualityForStatus(status), now)
	}
	handlers := append([]Handler(nil), m.handlers...)
	m.mu.Unlock()

	s.cancel()
	_ = s.conn.Close()
	if !current {
		return
	}
	m.metrics.IncSessionsClosed()
	if status == StatusTimeout {
		m.metrics.IncSessionsTimedOut()
	}
	var reported error
	if status != StatusOffline {
		reported = cause
	}
	debuglog.Debugf("connman: session %s to %s closed (%s): %v", s.conn.ID(), peerID, status, cause)
	for _, h := range handlers {
		h.SessionClosed(peerID, reported)
	}
	m.bus.Disconnected(peerID, reported)
	m.bus.PeersChanged()
	m.persistPeers()
}

func statusFor(err error) PeerStatus {
	switch {
	case err == nil, errors.Is(err, transport.ErrClosed), errors.Is(err, io.EOF), errors.Is(err, context.Canceled):
		return StatusOffline
	case errors.Is(err, errTimeout):
		return StatusTimeout
	default:
		return StatusError
	}
}

// Session returns the live session to peerID.
func (m *Manager) Session(peerID string) (transport.Sender, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.sessions[peerID]
	if s == nil || !s.conn.Open() {
		return nil, false
	}
	return s.conn, true
}

// Senders lists every open session.
func (m *Manager) Senders() []transport.Sender {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]transport.Sender, 0, len(m.sessions))
	for _, s := range m.sessions {
		if s.conn.Open() {
			out = append(out, s.conn)
		}
	}
	return out
}

func (m *Manager) Sessions() []SessionInfo {
	m.mu.Lock()
	out := make([]SessionInfo, 0, len(m.sessions))
	for id, s := range m.sessions {
		out = append(out, SessionInfo{
			PeerID:      id,
			ConnID:      s.conn.ID(),
			DisplayName: s.displayName,
			Outgoing:    s.outgoing,
			Opened:      s.opened,
			LastSeen:    s.lastSeen,
			Quality:     s.quality,
		})
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].PeerID < out[j].PeerID })
	return out
}

// Disconnect closes the session to peerID, if any.
func (m *Manager) Disconnect(peerID string) bool {
	m.mu.Lock()
	s := m.sessions[peerID]
	m.mu.Unlock()
	if s == nil {
		return false
	}
	m.closeSession(s, nil, StatusOffline)
	return true
}
