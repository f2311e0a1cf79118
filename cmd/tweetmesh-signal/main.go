package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"tweetmesh/internal/debuglog"
	rendezvous "tweetmesh/internal/signal"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("tweetmesh-signal", flag.ContinueOnError)
	fs.SetOutput(stderr)
	addr := fs.String("addr", "127.0.0.1:4271", "listen addr (host:port)")
	heartbeat := fs.Duration("heartbeat", rendezvous.DefaultHeartbeat, "watch heartbeat interval")
	grace := fs.Duration("grace", rendezvous.DefaultGrace, "registration lifetime after its watch ends")
	debug := fs.Bool("debug", false, "enable debug logging")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 1
	}
	if *debug {
		_ = os.Setenv(debuglog.EnvDebug, "1")
	}
	if *heartbeat <= 0 || *grace <= 0 {
		fmt.Fprintln(stderr, "heartbeat and grace must be positive")
		return 1
	}
	srv := rendezvous.NewServer()
	srv.Heartbeat = *heartbeat
	srv.Grace = *grace

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ready := make(chan string, 1)
	done := make(chan error, 1)
	go func() { done <- rendezvous.ListenAndServe(ctx, *addr, srv, ready) }()
	select {
	case actual := <-ready:
		fmt.Fprintf(stdout, "READY addr=%s heartbeat=%s grace=%s\n", actual, *heartbeat, *grace)
	case err := <-done:
		fmt.Fprintf(stderr, "listen failed: %v\n", err)
		return 1
	}
	go reportEntries(ctx, srv, time.Minute)
	if err := <-done; err != nil && ctx.Err() == nil {
		fmt.Fprintf(stderr, "serve failed: %v\n", err)
		return 1
	}
	return 0
}

func reportEntries(ctx context.Context, srv *rendezvous.Server, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			debuglog.Debugf("signal: %d live registrations", srv.Entries())
		}
	}
}
