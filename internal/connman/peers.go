package connman

import (
	"context"
	"sort"
	"strings"
	"time"

	"tweetmesh/internal/debuglog"
	"tweetmesh/internal/store"
)

type PeerStatus string

const (
	StatusOnline  PeerStatus = "online"
	StatusOffline PeerStatus = "offline"
	StatusError   PeerStatus = "error"
	StatusTimeout PeerStatus = "timeout"
)

type Quality string

const (
	QualityUnknown Quality = "unknown"
	QualityGood    Quality = "good"
	QualityMedium  Quality = "medium"
	QualityPoor    Quality = "poor"
	QualityError   Quality = "error"
)

// PeerRecord is the remembered view of a peer, kept across sessions and
// restarts until ForgetPeer.
type PeerRecord struct {
	ID          string     `json:"id"`
	DisplayName string     `json:"displayName,omitempty"`
	Status      PeerStatus `json:"status"`
	LastSeen    time.Time  `json:"lastSeen"`
	Quality     Quality    `json:"quality"`
}

func qualityForStatus(s PeerStatus) Quality {
	if s == StatusError {
		return QualityError
	}
	return QualityUnknown
}

// updatePeerLocked only touches peers already in the book.
func (m *Manager) updatePeerLocked(id string, status PeerStatus, q Quality, now time.Time) {
	rec := m.peers[id]
	if rec == nil {
		return
	}
	rec.Status = status
	rec.Quality = q
	rec.LastSeen = now
}

func (m *Manager) markPeer(id string, status PeerStatus) {
	m.mu.Lock()
	rec := m.peers[id]
	if rec == nil || m.sessions[id] != nil {
		m.mu.Unlock()
		return
	}
	rec.Status = status
	rec.Quality = qualityForStatus(status)
	m.mu.Unlock()
	m.bus.PeersChanged()
}

// Remember adds a peer to the book without a session, for statically
// configured peers. Existing records keep their state.
func (m *Manager) Remember(id, displayName string) {
	id = strings.TrimSpace(id)
	if id == "" {
		return
	}
	m.mu.Lock()
	if id == m.localID || m.peers[id] != nil {
		m.mu.Unlock()
		return
	}
	m.peers[id] = &PeerRecord{ID: id, DisplayName: displayName, Status: StatusOffline, Quality: QualityUnknown}
	m.mu.Unlock()
	m.bus.PeersChanged()
	m.persistPeers()
}

// ForgetPeer removes id from the book. A live session is left alone.
func (m *Manager) ForgetPeer(id string) bool {
	m.mu.Lock()
	_, ok := m.peers[id]
	delete(m.peers, id)
	m.mu.Unlock()
	if !ok {
		return false
	}
	m.bus.PeersChanged()
	m.persistPeers()
	return true
}

func (m *Manager) Peer(id string) (PeerRecord, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec := m.peers[id]
	if rec == nil {
		return PeerRecord{}, false
	}
	return *rec, true
}

// Peers returns the book ordered by most recently seen.
func (m *Manager) Peers() []PeerRecord {
	m.mu.Lock()
	out := m.peersLocked()
	m.mu.Unlock()
	return out
}

func (m *Manager) peersLocked() []PeerRecord {
	out := make([]PeerRecord, 0, len(m.peers))
	for _, rec := range m.peers {
		out = append(out, *rec)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastSeen.Equal(out[j].LastSeen) {
			return out[i].LastSeen.After(out[j].LastSeen)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Quality summarises every live session: unknown when offline or alone, error
// if any session errored, poor or medium by majority, good if any is good.
func (m *Manager) Quality() Quality {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.state.Online() || len(m.sessions) == 0 {
		return QualityUnknown
	}
	counts := make(map[Quality]int)
	for _, s := range m.sessions {
		counts[s.quality]++
	}
	n := len(m.sessions)
	switch {
	case counts[QualityError] > 0:
		return QualityError
	case counts[QualityPoor]*2 > n:
		return QualityPoor
	case counts[QualityMedium]*2 > n:
		return QualityMedium
	case counts[QualityGood] > 0:
		return QualityGood
	default:
		return QualityUnknown
	}
}

func (m *Manager) loadPeers(ctx context.Context) {
	var list []PeerRecord
	ok, err := store.LoadJSON(ctx, m.kv, store.KeyPeers, &list)
	if err != nil {
		debuglog.Logf("connman: load peers: %v", err)
		return
	}
	if !ok {
		return
	}
	m.mu.Lock()
	for i := range list {
		rec := list[i]
		if rec.ID == "" {
			continue
		}
		rec.Status = StatusOffline
		rec.Quality = QualityUnknown
		m.peers[rec.ID] = &rec
	}
	m.mu.Unlock()
}

func (m *Manager) persistPeers() {
	m.mu.Lock()
	list := m.peersLocked()
	m.mu.Unlock()
	if err := store.SaveJSON(context.Background(), m.kv, store.KeyPeers, list); err != nil {
		debuglog.Logf("connman: persist peers: %v", err)
	}
}
