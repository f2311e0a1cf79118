package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"tweetmesh/internal/ratelimit"
)

const (
	DefaultListenAddr = "0.0.0.0:4270"
	DefaultDataDir    = "~/.tweetmesh"
	storeFileName     = "tweetmesh.db"
	metricsFileName   = "metrics.json"
)

// Config is the node configuration. AdvertiseAddr is the link address
// announced to the rendezvous service; empty means the bound listen address.
type Config struct {
	DisplayName   string       `yaml:"display_name"`
	DataDir       string       `yaml:"data_dir"`
	ListenAddr    string       `yaml:"listen_addr"`
	AdvertiseAddr string       `yaml:"advertise_addr"`
	Store         string       `yaml:"store"`
	EventsAddr    string       `yaml:"events_addr"`
	MetricsPath   string       `yaml:"metrics_path"`
	Signal        SignalConfig `yaml:"signal"`
	Peers         []StaticPeer `yaml:"peers"`
	Limits        Limits       `yaml:"limits"`
}

// SignalConfig names the rendezvous services. Both empty means direct mode.
type SignalConfig struct {
	Primary  string `yaml:"primary"`
	Fallback string `yaml:"fallback"`
}

// StaticPeer is an address book entry used in direct mode and dialed at start.
type StaticPeer struct {
	ID   string `yaml:"id"`
	Addr string `yaml:"addr"`
	Name string `yaml:"name"`
}

type Limits struct {
	ConnectAttempts int           `yaml:"connect_attempts"`
	ConnectWindow   time.Duration `yaml:"connect_window"`
	TweetAttempts   int           `yaml:"tweet_attempts"`
	TweetWindow     time.Duration `yaml:"tweet_window"`
	MaxTweets       int           `yaml:"max_tweets"`
	CatchUpBatch    int           `yaml:"catch_up_batch"`
}

func Default() Config {
	return Config{
		DataDir:    DefaultDataDir,
		ListenAddr: DefaultListenAddr,
		Limits: Limits{
			ConnectAttempts: ratelimit.DefaultConnectAttempts,
			ConnectWindow:   ratelimit.DefaultConnectWindow,
			TweetAttempts:   ratelimit.DefaultTweetAttempts,
			TweetWindow:     ratelimit.DefaultTweetWindow,
			MaxTweets:       1000,
			CatchUpBatch:    20,
		},
	}
}

// Load reads path over the defaults (an empty path skips the file), applies
// TWEETMESH_* overrides and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := decode(data, &cfg); err != nil {
			return Config{}, err
		}
	}
	if err := cfg.ApplyEnv(); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func decode(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("parse config: %w", err)
	}
	return nil
}

func (c *Config) ApplyEnv() error {
	for key, dst := range map[string]*string{
		"TWEETMESH_DISPLAY_NAME":    &c.DisplayName,
		"TWEETMESH_DATA_DIR":        &c.DataDir,
		"TWEETMESH_LISTEN_ADDR":     &c.ListenAddr,
		"TWEETMESH_ADVERTISE_ADDR":  &c.AdvertiseAddr,
		"TWEETMESH_STORE":           &c.Store,
		"TWEETMESH_EVENTS_ADDR":     &c.EventsAddr,
		"TWEETMESH_METRICS_PATH":    &c.MetricsPath,
		"TWEETMESH_SIGNAL_PRIMARY":  &c.Signal.Primary,
		"TWEETMESH_SIGNAL_FALLBACK": &c.Signal.Fallback,
	} {
		if v, ok := os.LookupEnv(key); ok {
			*dst = strings.TrimSpace(v)
		}
	}
	if raw := strings.TrimSpace(os.Getenv("TWEETMESH_PEERS")); raw != "" {
		peers, err := ParsePeers(raw)
		if err != nil {
			return fmt.Errorf("TWEETMESH_PEERS: %w", err)
		}
		c.Peers = peers
	}
	for key, dst := range map[string]*int{
		"TWEETMESH_CONNECT_ATTEMPTS": &c.Limits.ConnectAttempts,
		"TWEETMESH_TWEET_ATTEMPTS":   &c.Limits.TweetAttempts,
		"TWEETMESH_MAX_TWEETS":       &c.Limits.MaxTweets,
		"TWEETMESH_CATCHUP_BATCH":    &c.Limits.CatchUpBatch,
	} {
		if v, ok := envInt(key); ok {
			*dst = v
		}
	}
	return nil
}

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

// ParsePeers reads "id@host:port[,id@host:port...]".
func ParsePeers(raw string) ([]StaticPeer, error) {
	var out []StaticPeer
	for _, item := range strings.Split(raw, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		id, addr, ok := strings.Cut(item, "@")
		if !ok || id == "" || addr == "" {
			return nil, fmt.Errorf("bad peer entry %q", item)
		}
		out = append(out, StaticPeer{ID: id, Addr: addr})
	}
	return out, nil
}

// ValidateFields requires every value to be set and expands a leading ~ in
// keys naming a path or directory.
func ValidateFields(fields map[string]*string) error {
	home, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("error finding user home directory: %w", err)
	}
	for key, value := range fields {
		if strings.TrimSpace(*value) == "" {
			return fmt.Errorf("%s is required", key)
		}
		if strings.HasSuffix(key, "_dir") || strings.HasSuffix(key, "_path") {
			if strings.HasPrefix(*value, "~") {
				*value = filepath.Join(home, (*value)[1:])
			}
		}
	}
	return nil
}

func (c *Config) Validate() error {
	if err := ValidateFields(map[string]*string{
		"display_name": &c.DisplayName,
		"data_dir":     &c.DataDir,
		"listen_addr":  &c.ListenAddr,
	}); err != nil {
		return err
	}
	if c.Store == "" {
		c.Store = filepath.Join(c.DataDir, storeFileName)
	} else if strings.HasPrefix(c.Store, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("error finding user home directory: %w", err)
		}
		c.Store = filepath.Join(home, c.Store[1:])
	}
	if c.MetricsPath == "" {
		c.MetricsPath = filepath.Join(c.DataDir, metricsFileName)
	} else if err := ValidateFields(map[string]*string{"metrics_path": &c.MetricsPath}); err != nil {
		return err
	}
	for i, p := range c.Peers {
		if p.ID == "" || p.Addr == "" {
			return fmt.Errorf("peers[%d]: id and addr are required", i)
		}
	}
	l := c.Limits
	if l.ConnectAttempts < 0 || l.TweetAttempts < 0 || l.MaxTweets < 0 || l.CatchUpBatch < 0 ||
		l.ConnectWindow < 0 || l.TweetWindow < 0 {
		return errors.New("limits must not be negative")
	}
	return nil
}

// Direct reports whether no rendezvous service is configured.
func (c Config) Direct() bool {
	return c.Signal.Primary == "" && c.Signal.Fallback == ""
}

func (c Config) Rules() map[string]ratelimit.Rule {
	rules := ratelimit.DefaultRules()
	if c.Limits.ConnectAttempts > 0 && c.Limits.ConnectWindow > 0 {
		rules[ratelimit.KindConnect] = ratelimit.Rule{MaxAttempts: c.Limits.ConnectAttempts, Window: c.Limits.ConnectWindow}
	}
	if c.Limits.TweetAttempts > 0 && c.Limits.TweetWindow > 0 {
		rules[ratelimit.KindTweet] = ratelimit.Rule{MaxAttempts: c.Limits.TweetAttempts, Window: c.Limits.TweetWindow}
	}
	return rules
}
