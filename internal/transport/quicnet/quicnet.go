// Package quicnet carries peer links over QUIC. Identities and addresses come
// from the rendezvous service, or from a static address book in direct mode.
package quicnet

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	quic "github.com/quic-go/quic-go"

	"tweetmesh/internal/debuglog"
	"tweetmesh/internal/proto"
	"tweetmesh/internal/signal"
	"tweetmesh/internal/transport"
)

const (
	defaultSendQueue   = 256
	defaultDialTimeout = 8 * time.Second
	defaultKeepAlive   = 10 * time.Second
	defaultIdleTimeout = 60 * time.Second
	defaultHostLinks   = 16
	helloTimeout       = 5 * time.Second
	helloType          = "link_hello"
)

type Options struct {
	ListenAddr string
	// AdvertiseAddr is what peers are told to dial. Defaults to the bound
	// listener address.
	AdvertiseAddr string
	// Book maps peer ids to link addresses. It is the only source in direct
	// mode and a fallback when the rendezvous service has no entry.
	Book        map[string]string
	SendQueue   int
	DialTimeout time.Duration
	KeepAlive   time.Duration
	IdleTimeout time.Duration
	// MaxLinksPerHost caps inbound links from one remote host. Zero reads
	// TWEETMESH_MAX_LINKS_PER_HOST; negative disables the cap.
	MaxLinksPerHost int
}

// linkHello is the first frame on every link, written by the dialer.
type linkHello struct {
	Type string `json:"type"`
	From string `json:"from"`
	To   string `json:"to"`
}

type Transport struct {
	opts      Options
	advertise string
	listener  *quic.Listener
	serverTLS *tls.Config
	clientTLS *tls.Config
	quicConf  *quic.Config

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	id          string
	ep          transport.Endpoint
	online      bool
	closed      bool
	handler     transport.Handler
	client      *signal.Client
	watchGen    uint64
	watchCancel context.CancelFunc
	conns       map[*Conn]struct{}
	book        map[string]string
	hosts       *hostLimiter
}

// Listen binds the link listener and starts accepting peers. The transport
// is offline until Register succeeds.
func Listen(opts Options) (*Transport, error) {
	if opts.SendQueue <= 0 {
		opts.SendQueue = defaultSendQueue
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = defaultDialTimeout
	}
	if opts.KeepAlive <= 0 {
		opts.KeepAlive = defaultKeepAlive
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = defaultIdleTimeout
	}
	if opts.MaxLinksPerHost == 0 {
		opts.MaxLinksPerHost = envInt("TWEETMESH_MAX_LINKS_PER_HOST", defaultHostLinks)
	}
	serverTLS, err := serverTLSConfig()
	if err != nil {
		return nil, err
	}
	clientTLS, err := clientTLSConfig()
	if err != nil {
		return nil, err
	}
	quicConf := &quic.Config{KeepAlivePeriod: opts.KeepAlive, MaxIdleTimeout: opts.IdleTimeout}
	listener, err := quic.ListenAddr(opts.ListenAddr, serverTLS, quicConf)
	if err != nil {
		return nil, fmt.Errorf("quic listen %s: %w", opts.ListenAddr, err)
	}
	advertise := opts.AdvertiseAddr
	if advertise == "" {
		advertise = listener.Addr().String()
	}
	book := make(map[string]string, len(opts.Book))
	for id, addr := range opts.Book {
		book[id] = addr
	}
	ctx, cancel := context.WithCancel(context.Background())
	t := &Transport{
		opts:      opts,
		advertise: advertise,
		listener:  listener,
		serverTLS: serverTLS,
		clientTLS: clientTLS,
		quicConf:  quicConf,
		ctx:       ctx,
		cancel:    cancel,
		conns:     make(map[*Conn]struct{}),
		book:      book,
		hosts:     newHostLimiter(opts.MaxLinksPerHost),
	}
	debuglog.Logf("quicnet: listening on %s (advertise %s)", listener.Addr(), advertise)
	go t.acceptLoop()
	return t, nil
}

// Addr is the advertised link address.
func (t *Transport) Addr() string { return t.advertise }

func (t *Transport) SetHandler(h transport.Handler) {
	t.mu.Lock()
	t.handler = h
	t.mu.Unlock()
}

// AddPeer records or replaces an address book entry.
func (t *Transport) AddPeer(id, addr string) {
	t.mu.Lock()
	t.book[id] = addr
	t.mu.Unlock()
}

func (t *Transport) Register(ctx context.Context, ep transport.Endpoint, id string) (string, error) {
	if ep.Direct {
		return t.registerDirect(ep, id)
	}
	client, err := t.clientFor(ep.Addr)
	if err != nil {
		return "", err
	}
	got, err := client.Register(ctx, id, t.advertise)
	if err != nil {
		return "", err
	}
	if err := t.watch(ctx, client, got); err != nil {
		return "", err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return "", transport.ErrClosed
	}
	t.id = got
	t.ep = ep
	t.online = true
	return got, nil
}

func (t *Transport) registerDirect(ep transport.Endpoint, id string) (string, error) {
	if id == "" {
		id = uuid.NewString()
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return "", transport.ErrClosed
	}
	if addr, ok := t.book[id]; ok && addr != t.advertise {
		return "", fmt.Errorf("register %s: %w", id, transport.ErrIDTaken)
	}
	t.stopWatchLocked()
	t.id = id
	t.ep = ep
	t.online = true
	return id, nil
}

// Reconnect re-registers the current id on the current endpoint.
func (t *Transport) Reconnect(ctx context.Context) error {
	t.mu.Lock()
	id, ep, closed := t.id, t.ep, t.closed
	if !closed && id != "" && ep.Direct {
		t.online = true
	}
	t.mu.Unlock()
	if closed || id == "" {
		return transport.ErrNotRegistered
	}
	if ep.Direct {
		return nil
	}
	client, err := t.clientFor(ep.Addr)
	if err != nil {
		return err
	}
	if _, err := client.Register(ctx, id, t.advertise); err != nil {
		return err
	}
	if err := t.watch(ctx, client, id); err != nil {
		return err
	}
	t.mu.Lock()
	t.online = !t.closed
	t.mu.Unlock()
	return nil
}

func (t *Transport) clientFor(addr string) (*signal.Client, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, transport.ErrClosed
	}
	if t.client != nil && t.client.Addr() == addr {
		return t.client, nil
	}
	if t.client != nil {
		t.stopWatchLocked()
		_ = t.client.Close()
		t.client = nil
	}
	c, err := signal.Dial(addr)
	if err != nil {
		return nil, err
	}
	t.client = c
	return c, nil
}

// watch holds the registration open. Losing the stream takes the transport
// offline and reports SignalLost once.
func (t *Transport) watch(ctx context.Context, client *signal.Client, id string) error {
	wctx, cancel := context.WithCancel(t.ctx)
	stop := context.AfterFunc(ctx, cancel)
	w, err := client.Watch(wctx, id)
	stop()
	if err != nil {
		cancel()
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return err
	}
	t.mu.Lock()
	t.stopWatchLocked()
	t.watchGen++
	gen := t.watchGen
	t.watchCancel = cancel
	t.mu.Unlock()
	go t.follow(w, gen)
	return nil
}

func (t *Transport) follow(w *signal.Watcher, gen uint64) {
	var err error
	for err == nil {
		_, err = w.Next()
	}
	t.mu.Lock()
	if t.closed || t.watchGen != gen {
		t.mu.Unlock()
		return
	}
	t.online = false
	t.watchCancel = nil
	h := t.handler
	t.mu.Unlock()
	debuglog.Logf("quicnet: signaling lost: %v", err)
	if h != nil {
		h.SignalLost(fmt.Errorf("%w: %v", transport.ErrSignalLost, err))
	}
}

func (t *Transport) stopWatchLocked() {
	t.watchGen++
	if t.watchCancel != nil {
		t.watchCancel()
		t.watchCancel = nil
	}
}

func (t *Transport) Online() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.online && !t.closed
}

func (t *Transport) resolve(ctx context.Context, peerID string) (string, error) {
	t.mu.Lock()
	ep, client := t.ep, t.client
	bookAddr, inBook := t.book[peerID]
	t.mu.Unlock()
	if ep.Direct || client == nil {
		if !inBook {
			return "", fmt.Errorf("connect %s: %w", peerID, transport.ErrPeerUnavailable)
		}
		return bookAddr, nil
	}
	addr, err := client.Lookup(ctx, peerID)
	if err == nil {
		return addr, nil
	}
	if errors.Is(err, transport.ErrPeerUnavailable) && inBook {
		return bookAddr, nil
	}
	return "", err
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
	addr, err := t.resolve(ctx, peerID)
	if err != nil {
		return nil, err
	}
	dctx, cancel := context.WithTimeout(ctx, t.opts.DialTimeout)
	defer cancel()
	qc, err := quic.DialAddr(dctx, addr, t.clientTLS, t.quicConf)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("dial %s at %s: %v: %w", peerID, addr, err, transport.ErrNetwork)
	}
	stream, err := qc.OpenStreamSync(dctx)
	if err != nil {
		_ = qc.CloseWithError(0, "open stream")
		return nil, fmt.Errorf("open stream to %s: %v: %w", peerID, err, transport.ErrNetwork)
	}
	hello, err := json.Marshal(linkHello{Type: helloType, From: local, To: peerID})
	if err != nil {
		_ = qc.CloseWithError(0, "hello")
		return nil, err
	}
	if err := proto.WriteFrame(stream, hello); err != nil {
		_ = qc.CloseWithError(0, "hello")
		return nil, fmt.Errorf("hello to %s: %v: %w", peerID, err, transport.ErrNetwork)
	}
	debuglog.Debugf("quicnet: linked to %s at %s", peerID, addr)
	return t.track(peerID, qc, stream, nil)
}

// track registers a live link. release, when set, runs once the link closes.
func (t *Transport) track(peerID string, qc *quic.Conn, stream *quic.Stream, release func()) (*Conn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		_ = qc.CloseWithError(0, "closed")
		return nil, transport.ErrClosed
	}
	c := newConn(peerID, qc, stream, t.opts.SendQueue, func(c *Conn) {
		t.untrack(c)
		if release != nil {
			release()
		}
	})
	t.conns[c] = struct{}{}
	return c, nil
}

func (t *Transport) untrack(c *Conn) {
	t.mu.Lock()
	delete(t.conns, c)
	t.mu.Unlock()
}

func (t *Transport) acceptLoop() {
	for {
		qc, err := t.listener.Accept(t.ctx)
		if err != nil {
			if t.ctx.Err() == nil {
				debuglog.Logf("quicnet: accept: %v", err)
			}
			return
		}
		go t.accept(qc)
	}
}

func (t *Transport) accept(qc *quic.Conn) {
	host := hostOf(qc.RemoteAddr())
	if !t.hosts.acquire(host) {
		debuglog.RateLimitedf("quicnet:cap:"+host, time.Minute, "quicnet: too many links from %s", host)
		_ = qc.CloseWithError(2, "too many links")
		return
	}
	adopted := false
	defer func() {
		if !adopted {
			t.hosts.release(host)
		}
	}()
	ctx, cancel := context.WithTimeout(t.ctx, helloTimeout)
	defer cancel()
	stream, err := qc.AcceptStream(ctx)
	if err != nil {
		_ = qc.CloseWithError(0, "no stream")
		return
	}
	_ = stream.SetReadDeadline(time.Now().Add(helloTimeout))
	payload, err := proto.ReadFrame(stream)
	_ = stream.SetReadDeadline(time.Time{})
	if err != nil {
		debuglog.Debugf("quicnet: hello from %s: %v", qc.RemoteAddr(), err)
		_ = qc.CloseWithError(0, "no hello")
		return
	}
	var hello linkHello
	if err := json.Unmarshal(payload, &hello); err != nil || hello.Type != helloType || hello.From == "" {
		_ = qc.CloseWithError(1, "bad hello")
		return
	}
	t.mu.Lock()
	local, h := t.id, t.handler
	t.mu.Unlock()
	if h == nil || local == "" || hello.To != local {
		debuglog.Debugf("quicnet: reject link from %s addressed to %q", hello.From, hello.To)
		_ = qc.CloseWithError(1, "wrong peer")
		return
	}
	c, err := t.track(hello.From, qc, stream, func() { t.hosts.release(host) })
	if err != nil {
		return
	}
	adopted = true
	h.Incoming(c)
}

func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.online = false
	t.stopWatchLocked()
	client := t.client
	t.client = nil
	conns := make([]*Conn, 0, len(t.conns))
	for c := range t.conns {
		conns = append(conns, c)
	}
	t.mu.Unlock()

	t.cancel()
	for _, c := range conns {
		_ = c.Close()
	}
	if client != nil {
		_ = client.Close()
	}
	return t.listener.Close()
}

func envInt(key string, def int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return v
}
