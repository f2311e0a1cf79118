package connman

import (
	"math/rand"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	defaultHealthIntervalSec   = 15
	defaultInactivitySec       = 30 * 60
	defaultReconnectAttempts   = 5
	defaultDirectAttempts      = 5
	defaultFallbackCooldownSec = 30
	defaultReconnectBase       = 1 * time.Second
	defaultReconnectMax        = 30 * time.Second
	defaultVerifyDelay         = 500 * time.Millisecond
	defaultDialTimeout         = 10 * time.Second
	defaultLivenessTimeout     = 2 * time.Second
	backoffJitter              = 250 * time.Millisecond
)

func envInt(key string) (int, bool) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return 0, false
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false
	}
	return v, true
}

func healthInterval() time.Duration {
	if v, ok := envInt("TWEETMESH_HEALTH_INTERVAL_SEC"); ok && v > 0 {
		return time.Duration(v) * time.Second
	}
	return defaultHealthIntervalSec * time.Second
}

func inactivityTimeout() time.Duration {
	if v, ok := envInt("TWEETMESH_INACTIVITY_TIMEOUT_SEC"); ok && v > 0 {
		return time.Duration(v) * time.Second
	}
	return defaultInactivitySec * time.Second
}

func reconnectAttempts() int {
	if v, ok := envInt("TWEETMESH_RECONNECT_ATTEMPTS"); ok && v > 0 {
		return v
	}
	return defaultReconnectAttempts
}

func fallbackCooldown() time.Duration {
	if v, ok := envInt("TWEETMESH_FALLBACK_COOLDOWN_SEC"); ok && v >= 0 {
		return time.Duration(v) * time.Second
	}
	return defaultFallbackCooldownSec * time.Second
}

// backoffFor returns base<<attempt plus jitter, capped.
func backoffFor(attempt int, base, limit time.Duration) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt > 30 {
		attempt = 30
	}
	d := base * time.Duration(1<<attempt)
	if base > 0 {
		j := backoffJitter
		if j > base {
			j = base
		}
		d += time.Duration(rand.Int63n(int64(j)))
	}
	if limit > 0 && d > limit {
		return limit
	}
	return d
}
