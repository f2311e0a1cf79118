// Package pprofutil guards the optional debug listeners a node opens.
package pprofutil

import (
	"fmt"
	"io"
	"net"
	"net/http"
	_ "net/http/pprof"
	"os"
	"strings"
	"sync"
	"time"
)

const defaultAddr = "127.0.0.1:6060"

var (
	startOnce sync.Once
	startErr  error
)

// StartFromEnv serves net/http/pprof when TWEETMESH_PPROF=1. The address
// comes from TWEETMESH_PPROF_ADDR and must be loopback unless
// TWEETMESH_PPROF_ALLOW_PUBLIC=1.
func StartFromEnv(logw io.Writer) error {
	if strings.TrimSpace(os.Getenv("TWEETMESH_PPROF")) != "1" {
		return nil
	}
	startOnce.Do(func() {
		addr := strings.TrimSpace(os.Getenv("TWEETMESH_PPROF_ADDR"))
		if addr == "" {
			addr = defaultAddr
		}
		if !AllowPublic("TWEETMESH_PPROF_ALLOW_PUBLIC") && !IsLoopbackBind(addr) {
			startErr = fmt.Errorf("TWEETMESH_PPROF_ADDR must be loopback unless TWEETMESH_PPROF_ALLOW_PUBLIC=1: %s", addr)
			return
		}
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			startErr = fmt.Errorf("pprof listen failed: %w", err)
			return
		}
		if logw != nil {
			fmt.Fprintf(logw, "pprof enabled: http://%s/debug/pprof/\n", ln.Addr())
		}
		srv := &http.Server{
			Handler:           http.DefaultServeMux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			_ = srv.Serve(ln)
		}()
	})
	return startErr
}

func AllowPublic(env string) bool {
	return strings.TrimSpace(os.Getenv(env)) == "1"
}

func IsLoopbackBind(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	host = strings.TrimSpace(host)
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
