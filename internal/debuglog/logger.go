// Package debuglog writes node diagnostics to stderr.
package debuglog

import (
	"fmt"
	"os"
	"sync"
	"time"
)

const queueSize = 2048

// EnvDebug switches on debug output and the async queue.
const EnvDebug = "TWEETMESH_DEBUG"

type logger struct {
	once sync.Once
	ch   chan string
}

var (
	global  logger
	rlMu    sync.Mutex
	rlLast  = make(map[string]time.Time)
	rlSweep = time.Now()
)

// Enabled reports whether TWEETMESH_DEBUG=1.
func Enabled() bool {
	return os.Getenv(EnvDebug) == "1"
}

func (l *logger) start() {
	l.once.Do(func() {
		l.ch = make(chan string, queueSize)
		go func() {
			for msg := range l.ch {
				_, _ = os.Stderr.WriteString(msg)
			}
		}()
	})
}

// Logf writes one line to stderr, queued in debug mode.
func Logf(format string, args ...any) {
	msg := fmt.Sprintf(format+"\n", args...)
	if !Enabled() {
		_, _ = os.Stderr.WriteString(msg)
		return
	}
	global.start()
	select {
	case global.ch <- msg:
	default:
		// queue saturated, drop
	}
}

func Debugf(format string, args ...any) {
	if !Enabled() {
		return
	}
	Logf(format, args...)
}

// RateLimitedf logs at most once per interval for a given key.
func RateLimitedf(key string, interval time.Duration, format string, args ...any) {
	if !Enabled() || key == "" {
		return
	}
	now := time.Now()
	rlMu.Lock()
	last := rlLast[key]
	if now.Sub(last) < interval {
		rlMu.Unlock()
		return
	}
	rlLast[key] = now
	if now.Sub(rlSweep) > 2*interval {
		for k, ts := range rlLast {
			if now.Sub(ts) > 4*interval {
				delete(rlLast, k)
			}
		}
		rlSweep = now
	}
	rlMu.Unlock()
	Logf(format, args...)
}
