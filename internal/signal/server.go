// Package signal is the rendezvous service nodes register with to obtain an
// identity and to look up each other's link addresses. It is a small gRPC
// service built on well-known protobuf types.
package signal

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/timestamppb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"tweetmesh/internal/debuglog"
)

const (
	ServiceName = "tweetmesh.signal.Rendezvous"

	methodRegister = "/" + ServiceName + "/Register"
	methodLookup   = "/" + ServiceName + "/Lookup"
	methodWatch    = "/" + ServiceName + "/Watch"

	DefaultHeartbeat = 5 * time.Second
	DefaultGrace     = 15 * time.Second
)

type entry struct {
	addr     string
	watchers int
	expires  time.Time
}

// Server keeps id -> address registrations. A registration stays live while
// a Watch stream is open for it and for Grace afterwards.
type Server struct {
	Heartbeat time.Duration
	Grace     time.Duration
	Now       func() time.Time

	mu      sync.Mutex
	entries map[string]*entry
}

func NewServer() *Server {
	return &Server{
		Heartbeat: DefaultHeartbeat,
		Grace:     DefaultGrace,
		Now:       time.Now,
		entries:   make(map[string]*entry),
	}
}

func (s *Server) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *Server) liveLocked(e *entry, now time.Time) bool {
	return e != nil && (e.watchers > 0 || now.Before(e.expires))
}

// Register claims id for addr. An empty id is assigned. A live claim from a
// different address is refused.
func (s *Server) Register(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	fields := req.GetFields()
	addr := fields["addr"].GetStringValue()
	if addr == "" {
		return nil, status.Error(codes.InvalidArgument, "addr is required")
	}
	id := fields["id"].GetStringValue()
	if id == "" {
		id = uuid.NewString()
	}
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	if e := s.entries[id]; s.liveLocked(e, now) && e.addr != addr {
		return nil, status.Errorf(codes.AlreadyExists, "id %s is taken", id)
	}
	e := s.entries[id]
	if e == nil {
		e = &entry{}
		s.entries[id] = e
	}
	e.addr = addr
	e.expires = now.Add(s.Grace)
	debuglog.Debugf("signal: registered %s at %s", id, addr)
	return &structpb.Struct{Fields: map[string]*structpb.Value{"id": structpb.NewStringValue(id)}}, nil
}

func (s *Server) Lookup(_ context.Context, req *wrapperspb.StringValue) (*wrapperspb.StringValue, error) {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.entries[req.GetValue()]
	if !s.liveLocked(e, now) {
		return nil, status.Errorf(codes.NotFound, "peer %s not registered", req.GetValue())
	}
	return wrapperspb.String(e.addr), nil
}

// Watch holds the registration open and streams heartbeats until the client
// goes away. The first heartbeat is sent immediately.
func (s *Server) Watch(req *wrapperspb.StringValue, stream grpc.ServerStream) error {
	id := req.GetValue()
	now := s.now()
	s.mu.Lock()
	e := s.entries[id]
	if !s.liveLocked(e, now) {
		s.mu.Unlock()
		return status.Errorf(codes.NotFound, "peer %s not registered", id)
	}
	e.watchers++
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		e.watchers--
		e.expires = s.now().Add(s.Grace)
		s.mu.Unlock()
	}()

	interval := s.Heartbeat
	if interval <= 0 {
		interval = DefaultHeartbeat
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if err := stream.SendMsg(timestamppb.New(s.now())); err != nil {
			return err
		}
		select {
		case <-stream.Context().Done():
			return nil
		case <-ticker.C:
		}
		s.mu.Lock()
		current := s.entries[id] == e
		s.mu.Unlock()
		if !current {
			return status.Errorf(codes.NotFound, "peer %s evicted", id)
		}
	}
}

// Evict drops id regardless of watchers. Open watches for it end on their
// next heartbeat.
func (s *Server) Evict(id string) {
	s.mu.Lock()
	delete(s.entries, id)
	s.mu.Unlock()
}

// Entries returns the number of live registrations.
func (s *Server) Entries() int {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, e := range s.entries {
		if s.liveLocked(e, now) {
			n++
			continue
		}
		delete(s.entries, id)
	}
	return n
}

type rendezvous interface {
	Register(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Lookup(context.Context, *wrapperspb.StringValue) (*wrapperspb.StringValue, error)
	Watch(*wrapperspb.StringValue, grpc.ServerStream) error
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*rendezvous)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Register", Handler: registerHandler},
		{MethodName: "Lookup", Handler: lookupHandler},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "Watch", Handler: watchHandler, ServerStreams: true},
	},
}

func registerHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(rendezvous).Register(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodRegister}
	return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
		return srv.(rendezvous).Register(ctx, req.(*structpb.Struct))
	})
}

func lookupHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(wrapperspb.StringValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(rendezvous).Lookup(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodLookup}
	return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
		return srv.(rendezvous).Lookup(ctx, req.(*wrapperspb.StringValue))
	})
}

func watchHandler(srv any, stream grpc.ServerStream) error {
	in := new(wrapperspb.StringValue)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(rendezvous).Watch(in, stream)
}

// NewGRPCServer returns a gRPC server with s registered on it.
func NewGRPCServer(s *Server, opts ...grpc.ServerOption) *grpc.Server {
	srv := grpc.NewServer(opts...)
	srv.RegisterService(&serviceDesc, s)
	return srv
}

// ListenAndServe serves s on addr until ctx ends. ready, when non-nil,
// receives the bound address once the listener is up.
func ListenAndServe(ctx context.Context, addr string, s *Server, ready chan<- string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	srv := NewGRPCServer(s)
	debuglog.Logf("signal: listening on %s", lis.Addr())
	if ready != nil {
		ready <- lis.Addr().String()
	}
	go func() {
		<-ctx.Done()
		srv.Stop()
	}()
	return srv.Serve(lis)
}
