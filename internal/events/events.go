// Package events fans node activity out to UI-side observers.
package events

import (
	"sync"
	"time"

	"tweetmesh/internal/debuglog"
)

type Kind string

const (
	KindConnected       Kind = "connected"
	KindDisconnected    Kind = "disconnected"
	KindPeersChanged    Kind = "peers_changed"
	KindMessagesChanged Kind = "messages_changed"
	KindStatus          Kind = "status"
)

type Event struct {
	Kind   Kind      `json:"kind"`
	PeerID string    `json:"peer_id,omitempty"`
	Error  string    `json:"error,omitempty"`
	Status string    `json:"status,omitempty"`
	At     time.Time `json:"at"`
}

// Bus delivers every event to every subscriber in subscription order. A
// panicking subscriber is logged and skipped; the rest still run.
type Bus struct {
	mu     sync.RWMutex
	nextID int
	subs   []subscriber
}

type subscriber struct {
	id int
	fn func(Event)
}

func NewBus() *Bus {
	return &Bus{}
}

// Subscribe registers fn and returns a function that removes it.
func (b *Bus) Subscribe(fn func(Event)) func() {
	if b == nil || fn == nil {
		return func() {}
	}
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs = append(b.subs, subscriber{id: id, fn: fn})
	b.mu.Unlock()
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, s := range b.subs {
			if s.id == id {
				b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
				return
			}
		}
	}
}

func (b *Bus) Publish(ev Event) {
	if b == nil {
		return
	}
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	b.mu.RLock()
	subs := make([]subscriber, len(b.subs))
	copy(subs, b.subs)
	b.mu.RUnlock()
	for _, s := range subs {
		deliver(s, ev)
	}
}

func deliver(s subscriber, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			debuglog.Logf("events: subscriber %d panicked on %s: %v", s.id, ev.Kind, r)
		}
	}()
	s.fn(ev)
}

func (b *Bus) Connected(peerID string) {
	b.Publish(Event{Kind: KindConnected, PeerID: peerID})
}

func (b *Bus) Disconnected(peerID string, err error) {
	ev := Event{Kind: KindDisconnected, PeerID: peerID}
	if err != nil {
		ev.Error = err.Error()
	}
	b.Publish(ev)
}

func (b *Bus) PeersChanged() {
	b.Publish(Event{Kind: KindPeersChanged})
}

func (b *Bus) MessagesChanged() {
	b.Publish(Event{Kind: KindMessagesChanged})
}

// Status publishes an informational line. Nothing may branch on it.
func (b *Bus) Status(msg string) {
	b.Publish(Event{Kind: KindStatus, Status: msg})
}
