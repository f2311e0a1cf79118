// Package eventws exposes node status and the event stream to local UIs:
// GET /status returns a JSON snapshot and GET /events upgrades to a
// websocket that carries every bus event as a JSON message.
package eventws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"tweetmesh/internal/debuglog"
	"tweetmesh/internal/events"
	"tweetmesh/internal/pprofutil"
)

const (
	subscriberBuffer = 64
	writeTimeout     = 5 * time.Second
)

type Server struct {
	bus    *events.Bus
	status func() any
	ctx    context.Context
}

// New serves bus events and the value returned by status. Websocket
// streams end when ctx does.
func New(ctx context.Context, bus *events.Bus, status func() any) *Server {
	return &Server{bus: bus, status: status, ctx: ctx}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /status", s.serveStatus)
	mux.HandleFunc("GET /events", s.serveEvents)
	return mux
}

func (s *Server) serveStatus(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	var v any
	if s.status != nil {
		v = s.status()
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		debuglog.Debugf("eventws: encode status: %v", err)
	}
}

func (s *Server) serveEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		debuglog.Debugf("eventws: accept: %v", err)
		return
	}
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	stop := context.AfterFunc(s.ctx, cancel)
	defer stop()
	// Client frames are ignored; reading keeps control frames flowing.
	ctx = conn.CloseRead(ctx)

	queue := make(chan events.Event, subscriberBuffer)
	unsubscribe := s.bus.Subscribe(func(ev events.Event) {
		select {
		case queue <- ev:
		default:
			debuglog.RateLimitedf("eventws:slow", time.Minute, "eventws: slow subscriber, dropping %s", ev.Kind)
		}
	})
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusGoingAway, "shutting down")
			return
		case ev := <-queue:
			wctx, wcancel := context.WithTimeout(ctx, writeTimeout)
			err := wsjson.Write(wctx, conn, ev)
			wcancel()
			if err != nil {
				debuglog.Debugf("eventws: write: %v", err)
				_ = conn.CloseNow()
				return
			}
		}
	}
}

// ListenAndServe serves s on addr until ctx ends. addr must be loopback
// unless allowPublic is set. ready, when non-nil, receives the bound address.
func ListenAndServe(ctx context.Context, addr string, allowPublic bool, s *Server, ready chan<- string) error {
	if !allowPublic && !pprofutil.IsLoopbackBind(addr) {
		return fmt.Errorf("events addr must be loopback: %s", addr)
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("events listen: %w", err)
	}
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	debuglog.Logf("eventws: listening on http://%s", ln.Addr())
	if ready != nil {
		ready <- ln.Addr().String()
	}
	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Shutdown(sctx)
	}()
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
