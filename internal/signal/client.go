package signal

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/timestamppb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"tweetmesh/internal/transport"
)

type Client struct {
	addr string
	conn *grpc.ClientConn
}

// Dial prepares a client for the service at addr. No connection is made
// until the first call.
func Dial(addr string, opts ...grpc.DialOption) (*Client, error) {
	if len(opts) == 0 {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("signal %s: %w", addr, transport.ErrServer)
	}
	return &Client{addr: addr, conn: conn}, nil
}

func (c *Client) Addr() string { return c.addr }

func (c *Client) Close() error {
	return c.conn.Close()
}

// Register claims id (or asks for one when empty) for the link address addr.
func (c *Client) Register(ctx context.Context, id, addr string) (string, error) {
	req, err := structpb.NewStruct(map[string]any{"id": id, "addr": addr})
	if err != nil {
		return "", err
	}
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, methodRegister, req, out); err != nil {
		return "", c.mapErr(ctx, "register", err)
	}
	got := out.GetFields()["id"].GetStringValue()
	if got == "" {
		return "", fmt.Errorf("signal %s: empty id: %w", c.addr, transport.ErrServer)
	}
	return got, nil
}

func (c *Client) Lookup(ctx context.Context, id string) (string, error) {
	out := new(wrapperspb.StringValue)
	if err := c.conn.Invoke(ctx, methodLookup, wrapperspb.String(id), out); err != nil {
		return "", c.mapErr(ctx, "lookup "+id, err)
	}
	return out.GetValue(), nil
}

// Watcher is an open Watch stream.
type Watcher struct {
	c      *Client
	ctx    context.Context
	stream grpc.ClientStream
}

// Watch opens the keepalive stream for id and waits for the first heartbeat,
// so a nil error means the registration is held.
func (c *Client) Watch(ctx context.Context, id string) (*Watcher, error) {
	stream, err := c.conn.NewStream(ctx, &serviceDesc.Streams[0], methodWatch)
	if err != nil {
		return nil, c.mapErr(ctx, "watch", err)
	}
	if err := stream.SendMsg(wrapperspb.String(id)); err != nil {
		return nil, c.mapErr(ctx, "watch", err)
	}
	if err := stream.CloseSend(); err != nil {
		return nil, c.mapErr(ctx, "watch", err)
	}
	w := &Watcher{c: c, ctx: ctx, stream: stream}
	if _, err := w.Next(); err != nil {
		return nil, err
	}
	return w, nil
}

// Next blocks for the next heartbeat. Any error means the registration is
// no longer held by this stream.
func (w *Watcher) Next() (time.Time, error) {
	beat := new(timestamppb.Timestamp)
	if err := w.stream.RecvMsg(beat); err != nil {
		if errors.Is(err, io.EOF) {
			return time.Time{}, fmt.Errorf("signal %s: watch ended: %w", w.c.addr, transport.ErrSignalLost)
		}
		return time.Time{}, w.c.mapErr(w.ctx, "watch", err)
	}
	return beat.AsTime(), nil
}

func (c *Client) mapErr(ctx context.Context, op string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	st, _ := status.FromError(err)
	var kind error
	switch st.Code() {
	case codes.AlreadyExists:
		kind = transport.ErrIDTaken
	case codes.NotFound:
		kind = transport.ErrPeerUnavailable
	case codes.Unavailable, codes.DeadlineExceeded, codes.Canceled:
		kind = transport.ErrNetwork
	default:
		kind = transport.ErrServer
	}
	return fmt.Errorf("signal %s: %s: %s: %w", c.addr, op, st.Message(), kind)
}
