package quicnet

import (
	"context"
	"sync"

	"github.com/google/uuid"
	quic "github.com/quic-go/quic-go"

	"tweetmesh/internal/debuglog"
	"tweetmesh/internal/proto"
	"tweetmesh/internal/transport"
)

// Conn is one peer link: a single bidirectional QUIC stream carrying length
// prefixed frames. Writes go through a bounded queue drained by one writer.
type Conn struct {
	id     string
	peer   string
	qc     *quic.Conn
	stream *quic.Stream

	out    chan []byte
	in     chan []byte
	closed chan struct{}
	once   sync.Once

	onClose func(*Conn)
}

func newConn(peer string, qc *quic.Conn, stream *quic.Stream, queue int, onClose func(*Conn)) *Conn {
	c := &Conn{
		id:      uuid.NewString(),
		peer:    peer,
		qc:      qc,
		stream:  stream,
		out:     make(chan []byte, queue),
		in:      make(chan []byte, queue),
		closed:  make(chan struct{}),
		onClose: onClose,
	}
	go c.readLoop()
	go c.writeLoop()
	return c
}

func (c *Conn) ID() string     { return c.id }
func (c *Conn) PeerID() string { return c.peer }

func (c *Conn) Send(payload []byte) error {
	if !c.Open() {
		return transport.ErrClosed
	}
	msg := append([]byte(nil), payload...)
	select {
	case c.out <- msg:
		return nil
	case <-c.closed:
		return transport.ErrClosed
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
	case <-c.closed:
		return nil, transport.ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Conn) Open() bool {
	select {
	case <-c.closed:
		return false
	default:
		return c.qc.Context().Err() == nil
	}
}

func (c *Conn) Close() error {
	c.once.Do(func() {
		close(c.closed)
		_ = c.qc.CloseWithError(0, "closed")
		if c.onClose != nil {
			c.onClose(c)
		}
	})
	return nil
}

func (c *Conn) readLoop() {
	for {
		payload, err := proto.ReadFrame(c.stream)
		if err != nil {
			debuglog.Debugf("quicnet: read from %s: %v", c.peer, err)
			_ = c.Close()
			return
		}
		select {
		case c.in <- payload:
		case <-c.closed:
			return
		}
	}
}

func (c *Conn) writeLoop() {
	for {
		select {
		case <-c.closed:
			return
		case payload := <-c.out:
			if err := proto.WriteFrame(c.stream, payload); err != nil {
				debuglog.Debugf("quicnet: write to %s: %v", c.peer, err)
				_ = c.Close()
				return
			}
		}
	}
}
