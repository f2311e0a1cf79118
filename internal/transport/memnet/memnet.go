// Package memnet is an in-process transport. Nodes on one Network reach each
// other through buffered pipes; endpoints and links can be failed on demand.
package memnet

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"tweetmesh/internal/transport"
)

const pipeBuffer = 256

type Network struct {
	mu        sync.Mutex
	nodes     map[string]*Transport
	failing   map[string]error
	conns     []*Conn
	dialCount map[string]int
}

func NewNetwork() *Network {
	return &Network{
		nodes:     make(map[string]*Transport),
		failing:   make(map[string]error),
		dialCount: make(map[string]int),
	}
}

// FailEndpoint makes Register and Reconnect against the named endpoint fail
// with err. A nil err heals it.
func (n *Network) FailEndpoint(name string, err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if err == nil {
		delete(n.failing, name)
		return
	}
	n.failing[name] = err
}

// Dials returns how many times Connect was called towards peerID.
func (n *Network) Dials(peerID string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.dialCount[peerID]
}

// Conns lists every open connection held by node id towards peer.
func (n *Network) Conns(id, peer string) []*Conn {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []*Conn
	for _, c := range n.conns {
		if c.local == id && c.peer == peer && c.Open() {
			out = append(out, c)
		}
	}
	return out
}

func (n *Network) NewTransport() *Transport {
	return &Transport{net: n}
}

type Transport struct {
	net     *Network
	mu      sync.Mutex
	id      string
	ep      transport.Endpoint
	online  bool
	handler transport.Handler
	closed  bool
}

func (t *Transport) SetHandler(h transport.Handler) {
	t.mu.Lock()
	t.handler = h
	t.mu.Unlock()
}

func (t *Transport) Register(_ context.Context, ep transport.Endpoint, id string) (string, error) {
	n := t.net
	n.mu.Lock()
	defer n.mu.Unlock()
	if err, ok := n.failing[ep.Name]; ok {
		return "", err
	}
	if id == "" {
		id = uuid.NewString()
	}
	if other, ok := n.nodes[id]; ok && other != t && other.isOnline() {
		return "", fmt.Errorf("register %s: %w", id, transport.ErrIDTaken)
	}
	t.mu.Lock()
	if t.id != "" && t.id != id && n.nodes[t.id] == t {
		delete(n.nodes, t.id)
	}
	t.id = id
	t.ep = ep
	t.online = true
	t.closed = false
	t.mu.Unlock()
	n.nodes[id] = t
	return id, nil
}

func (t *Transport) Reconnect(_ context.Context) error {
	n := t.net
	n.mu.Lock()
	defer n.mu.Unlock()
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.id == "" || t.closed {
		return transport.ErrNotRegistered
	}
	if err, ok := n.failing[t.ep.Name]; ok {
		return err
	}
	t.online = true
	n.nodes[t.id] = t
	return nil
}

// DropSignal simulates loss of the signaling channel. Existing links survive.
func (t *Transport) DropSignal() {
	t.mu.Lock()
	t.online = false
	h := t.handler
	t.mu.Unlock()
	if h != nil {
		h.SignalLost(transport.ErrSignalLost)
	}
}

// LoseSignalQuietly takes the signaling channel down without telling the
// handler, as when a watch stream dies unnoticed.
func (t *Transport) LoseSignalQuietly() {
	t.mu.Lock()
	t.online = false
	t.mu.Unlock()
}

func (t *Transport) Online() bool {
	return t.isOnline()
}

func (t *Transport) isOnline() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.online && !t.closed
}

func (t *Transport) Endpoint() transport.Endpoint {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ep
}

func (t *Transport) Connect(ctx context.Context, peerID string) (transport.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	t.mu.Lock()
	local, online := t.id, t.online && !t.closed
	t.mu.Unlock()
	if !online {
		return nil, transport.ErrNotRegistered
	}
	n := t.net
	n.mu.Lock()
	n.dialCount[peerID]++
	remote := n.nodes[peerID]
	n.mu.Unlock()
	if remote == nil || !remote.isOnline() {
		return nil, fmt.Errorf("connect %s: %w", peerID, transport.ErrPeerUnavailable)
	}
	mine, theirs := newPipe(local, peerID)
	n.mu.Lock()
	n.conns = append(n.conns, mine, theirs)
	n.mu.Unlock()
	remote.mu.Lock()
	h := remote.handler
	remote.mu.Unlock()
	if h != nil {
		h.Incoming(theirs)
	}
	return mine, nil
}

func (t *Transport) Close() error {
	t.mu.Lock()
	t.closed = true
	t.online = false
	id := t.id
	t.mu.Unlock()
	n := t.net
	n.mu.Lock()
	if n.nodes[id] == t {
		delete(n.nodes, id)
	}
	n.mu.Unlock()
	return nil
}

// Conn is one end of an in-memory link.
type Conn struct {
	id     string
	local  string
	peer   string
	in     chan []byte
	remote *Conn
	link   *link

	mu      sync.Mutex
	sendErr error
	sent    [][]byte
}

type link struct {
	once   sync.Once
	closed chan struct{}
}

func newPipe(a, b string) (*Conn, *Conn) {
	l := &link{closed: make(chan struct{})}
	handle := uuid.NewString()
	ca := &Conn{id: handle, local: a, peer: b, in: make(chan []byte, pipeBuffer), link: l}
	cb := &Conn{id: handle, local: b, peer: a, in: make(chan []byte, pipeBuffer), link: l}
	ca.remote = cb
	cb.remote = ca
	return ca, cb
}

func (c *Conn) ID() string     { return c.id }
func (c *Conn) PeerID() string { return c.peer }

// SetSendError makes Send fail with err while the link stays open, which is
// how a half-dead channel looks from above.
func (c *Conn) SetSendError(err error) {
	c.mu.Lock()
	c.sendErr = err
	c.mu.Unlock()
}

// Sent returns a copy of every payload accepted by Send.
func (c *Conn) Sent() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(c.sent))
	copy(out, c.sent)
	return out
}

func (c *Conn) Send(payload []byte) error {
	if !c.Open() {
		return transport.ErrClosed
	}
	c.mu.Lock()
	if c.sendErr != nil {
		err := c.sendErr
		c.mu.Unlock()
		return err
	}
	msg := append([]byte(nil), payload...)
	c.sent = append(c.sent, msg)
	c.mu.Unlock()
	select {
	case c.remote.in <- msg:
		return nil
	default:
		return transport.ErrSendQueueFull
	}
}

func (c *Conn) Receive(ctx context.Context) ([]byte, error) {
	select {
	case p := <-c.in:
		return p, nil
	default:
	}
	select {
	case p := <-c.in:
		return p, nil
	case <-c.link.closed:
		return nil, transport.ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Conn) Open() bool {
	select {
	case <-c.link.closed:
		return false
	default:
		return true
	}
}

func (c *Conn) Close() error {
	c.link.once.Do(func() { close(c.link.closed) })
	return nil
}
