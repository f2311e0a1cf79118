package connman

import (
	"context"
	"time"

	"tweetmesh/internal/debuglog"
	"tweetmesh/internal/transport"
)

func (m *Manager) runHealth() {
	ticker := time.NewTicker(m.healthEvery)
	defer ticker.Stop()
	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.sweep(m.ctx)
		}
	}
}

// sweep drops dead and idle sessions, pings the rest and dials known peers
// that have no session. A link that went down without a SignalLost report is
// treated as one.
func (m *Manager) sweep(ctx context.Context) {
	trOnline := m.tr.Online()
	now := m.now()
	m.mu.Lock()
	if m.stopped || m.switching || !m.state.Online() {
		m.mu.Unlock()
		return
	}
	if !trOnline {
		m.mu.Unlock()
		m.SignalLost(transport.ErrSignalLost)
		return
	}
	var dead, idle, live []*session
	for _, s := range m.sessions {
		switch {
		case !s.conn.Open():
			dead = append(dead, s)
		case now.Sub(s.lastSeen) > m.inactivity:
			idle = append(idle, s)
		default:
			live = append(live, s)
		}
	}
	m.mu.Unlock()

	for _, s := range dead {
		m.closeSession(s, transport.ErrClosed, StatusOffline)
	}
	for _, s := range idle {
		m.closeSession(s, errTimeout, StatusTimeout)
	}
	for _, s := range live {
		if err := m.ping(s); err != nil {
			m.closeSession(s, err, StatusError)
		}
	}

	m.mu.Lock()
	var missing []string
	for id := range m.peers {
		if m.sessions[id] == nil && m.dialing[id] == nil && id != m.localID {
			missing = append(missing, id)
		}
	}
	m.mu.Unlock()
	for _, id := range missing {
		if ctx.Err() != nil {
			return
		}
		if _, err := m.connect(ctx, id); err != nil {
			debuglog.RateLimitedf("connman:redial:"+id, time.Minute, "connman: redial %s: %v", id, err)
		}
	}
}
