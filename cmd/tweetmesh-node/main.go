package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"tweetmesh/internal/config"
	"tweetmesh/internal/debuglog"
	"tweetmesh/internal/node"
	"tweetmesh/internal/proto"
	"tweetmesh/internal/ratelimit"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 || args[0] == "--help" || args[0] == "-h" {
		printUsage(stdout)
		return 0
	}
	switch args[0] {
	case "run":
		return runNode(args[1:], os.Stdin, stdout, stderr)
	case "post":
		return runPost(args[1:], stdout, stderr)
	case "list":
		return runList(args[1:], stdout, stderr)
	case "peers":
		return runPeers(args[1:], stdout, stderr)
	case "status":
		return runStatus(args[1:], stdout, stderr)
	default:
		fmt.Fprintf(stderr, "unknown command: %s\n", args[0])
		printUsage(stderr)
		return 1
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "usage: tweetmesh-node <run|post|list|peers|status> [args]")
	fmt.Fprintln(w, "  run    [--config file] [--name n] [--addr ip:port] [--events ip:port] [--peers id@addr,...] [--no-repl] [--debug]")
	fmt.Fprintln(w, "  post   [--config file] <text>")
	fmt.Fprintln(w, "  list   [--config file] [--n 20]")
	fmt.Fprintln(w, "  peers  [--config file]")
	fmt.Fprintln(w, "  status [--config file]")
	fmt.Fprintln(w, "offline commands read the local store; stop the node first")
}

type commonFlags struct {
	config *string
	name   *string
	data   *string
}

func addCommon(fs *flag.FlagSet) commonFlags {
	return commonFlags{
		config: fs.String("config", "", "YAML config file"),
		name:   fs.String("name", "", "display name (TWEETMESH_DISPLAY_NAME)"),
		data:   fs.String("data", "", "data directory (TWEETMESH_DATA_DIR)"),
	}
}

// load applies flag overrides through the same TWEETMESH_* variables the
// config layer reads, so flags win over the file.
func (c commonFlags) load(extra map[string]string) (config.Config, error) {
	overrides := map[string]string{
		"TWEETMESH_DISPLAY_NAME": *c.name,
		"TWEETMESH_DATA_DIR":     *c.data,
	}
	for k, v := range extra {
		overrides[k] = v
	}
	for k, v := range overrides {
		if v != "" {
			_ = os.Setenv(k, v)
		}
	}
	return config.Load(*c.config)
}

func runNode(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.SetOutput(stderr)
	common := addCommon(fs)
	addr := fs.String("addr", "", "link listen addr (host:port)")
	events := fs.String("events", "", "status/events HTTP addr (loopback)")
	peers := fs.String("peers", "", "static peers id@host:port,...")
	noRepl := fs.Bool("no-repl", false, "do not read commands from stdin")
	debug := fs.Bool("debug", false, "enable debug logging")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if *debug {
		_ = os.Setenv(debuglog.EnvDebug, "1")
	}
	cfg, err := common.load(map[string]string{
		"TWEETMESH_LISTEN_ADDR": *addr,
		"TWEETMESH_EVENTS_ADDR": *events,
		"TWEETMESH_PEERS":       *peers,
	})
	if err != nil {
		fmt.Fprintf(stderr, "config: %v\n", err)
		return 1
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	n, err := node.New(ctx, cfg, node.Options{})
	if err != nil {
		fmt.Fprintf(stderr, "load node failed: %v\n", err)
		return 1
	}
	ready := make(chan string, 1)
	done := make(chan error, 1)
	go func() { done <- n.Run(ctx, ready) }()
	select {
	case id := <-ready:
		fmt.Fprintf(stdout, "READY id=%s state=%s\n", id, n.Links.State())
	case err := <-done:
		fmt.Fprintf(stderr, "run failed: %v\n", err)
		return 1
	}
	if !*noRepl {
		go func() {
			if repl(ctx, stdin, stdout, n) {
				stop()
			}
		}()
	}
	if err := <-done; err != nil {
		fmt.Fprintf(stderr, "run failed: %v\n", err)
		return 1
	}
	return 0
}

func runPost(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("post", flag.ContinueOnError)
	fs.SetOutput(stderr)
	common := addCommon(fs)
	if err := fs.Parse(args); err != nil {
		return 1
	}
	text := strings.Join(fs.Args(), " ")
	cfg, err := common.load(nil)
	if err != nil {
		fmt.Fprintf(stderr, "config: %v\n", err)
		return 1
	}
	id, err := node.PostOffline(context.Background(), cfg, text)
	if err != nil {
		fmt.Fprintf(stderr, "post: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "queued %s\n", id)
	return 0
}

func runList(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("list", flag.ContinueOnError)
	fs.SetOutput(stderr)
	common := addCommon(fs)
	n := fs.Int("n", 20, "max entries")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	cfg, err := common.load(nil)
	if err != nil {
		fmt.Fprintf(stderr, "config: %v\n", err)
		return 1
	}
	local, err := node.Inspect(context.Background(), cfg)
	if err != nil {
		fmt.Fprintf(stderr, "list: %v\n", err)
		return 1
	}
	printTweets(stdout, local.Tweets, *n)
	return 0
}

func runPeers(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("peers", flag.ContinueOnError)
	fs.SetOutput(stderr)
	common := addCommon(fs)
	if err := fs.Parse(args); err != nil {
		return 1
	}
	cfg, err := common.load(nil)
	if err != nil {
		fmt.Fprintf(stderr, "config: %v\n", err)
		return 1
	}
	local, err := node.Inspect(context.Background(), cfg)
	if err != nil {
		fmt.Fprintf(stderr, "peers: %v\n", err)
		return 1
	}
	for _, p := range local.Peers {
		fmt.Fprintf(stdout, "%s name=%q last_seen=%s\n", p.ID, p.DisplayName, formatTime(p.LastSeen))
	}
	return 0
}

func runStatus(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	fs.SetOutput(stderr)
	common := addCommon(fs)
	if err := fs.Parse(args); err != nil {
		return 1
	}
	cfg, err := common.load(nil)
	if err != nil {
		fmt.Fprintf(stderr, "config: %v\n", err)
		return 1
	}
	local, err := node.Inspect(context.Background(), cfg)
	if err != nil {
		fmt.Fprintf(stderr, "status: %v\n", err)
		return 1
	}
	id := local.ID
	if id == "" {
		id = "(not registered yet)"
	}
	snap := local.Metrics
	fmt.Fprintln(stdout, "Local node summary (last run):")
	fmt.Fprintf(stdout, "  id: %s\n", id)
	fmt.Fprintf(stdout, "  known peers: %d\n", len(local.Peers))
	fmt.Fprintf(stdout, "  tweets: %d (unsent entries: %d)\n", local.Stats.Tweets, local.Stats.Unsent)
	fmt.Fprintf(stdout, "  sessions: opened=%d closed=%d timed_out=%d rejected=%d\n",
		snap.Sessions.Opened, snap.Sessions.Closed, snap.Sessions.TimedOut, snap.Sessions.Rejected)
	fmt.Fprintf(stdout, "  tweets: created=%d received=%d forwarded=%d dropped: duplicate=%d invalid=%d\n",
		snap.Tweets.Created, snap.Tweets.Received, snap.Tweets.Forwarded, snap.Tweets.DropDuplicate, snap.Tweets.DropInvalid)
	fmt.Fprintf(stdout, "  link: registrations=%d signal_lost=%d fallback_switches=%d\n",
		snap.Link.Registrations, snap.Link.SignalLost, snap.Link.FallbackSwitches)
	return 0
}

func printTweets(w io.Writer, tweets []proto.Tweet, limit int) {
	if limit > 0 && len(tweets) > limit {
		tweets = tweets[:limit]
	}
	for _, t := range tweets {
		fmt.Fprintf(w, "%s %s @%s: %s\n", formatTime(time.UnixMilli(t.Timestamp)), shortID(t.ID), t.Username, t.Content)
	}
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

type replHandlers struct {
	post       func(text string)
	connect    func(id string)
	disconnect func(id string)
	forget     func(id string)
	remove     func(id string)
	list       func()
	peers      func()
	status     func()
	retry      func()
	unknown    func(w io.Writer)
}

// dispatchRepl runs one REPL line and reports whether the loop should end.
func dispatchRepl(line string, w io.Writer, h replHandlers) bool {
	cmd, rest, _ := strings.Cut(strings.TrimSpace(line), " ")
	rest = strings.TrimSpace(rest)
	call := func(fn func(string), arg string) {
		if fn == nil {
			return
		}
		if arg == "" {
			fmt.Fprintf(w, "%s needs an argument\n", cmd)
			return
		}
		fn(arg)
	}
	switch cmd {
	case "":
	case "quit", "exit":
		return true
	case "post":
		call(h.post, rest)
	case "connect":
		call(h.connect, rest)
	case "disconnect":
		call(h.disconnect, rest)
	case "forget":
		call(h.forget, rest)
	case "delete":
		call(h.remove, rest)
	case "list":
		callIf(h.list)
	case "peers":
		callIf(h.peers)
	case "status":
		callIf(h.status)
	case "retry":
		callIf(h.retry)
	case "help":
		fmt.Fprintln(w, "commands: post <text> | connect <id> | disconnect <id> | forget <id> | delete <tweet-id> | list | peers | status | retry | quit")
	default:
		if h.unknown != nil {
			h.unknown(w)
		}
	}
	return false
}

func callIf(fn func()) {
	if fn != nil {
		fn()
	}
}

// repl reads commands until quit, end of input or ctx. It reports whether
// the user asked to quit.
func repl(ctx context.Context, in io.Reader, out io.Writer, n *node.Node) bool {
	h := replHandlers{
		post: func(text string) {
			id, err := n.Tweets.CreateTweet(text, nil)
			var limited *ratelimit.Error
			switch {
			case errors.As(err, &limited):
				fmt.Fprintf(out, "slow down: retry in %s\n", limited.Wait.Round(time.Second))
			case err != nil:
				fmt.Fprintf(out, "post: %v\n", err)
			default:
				fmt.Fprintf(out, "posted %s\n", shortID(id))
			}
		},
		connect: func(id string) {
			cctx, cancel := context.WithTimeout(ctx, 30*time.Second)
			defer cancel()
			if _, err := n.Links.ConnectToPeer(cctx, id); err != nil {
				fmt.Fprintf(out, "connect: %v\n", err)
				return
			}
			fmt.Fprintf(out, "connected to %s\n", id)
		},
		disconnect: func(id string) {
			if !n.Links.Disconnect(id) {
				fmt.Fprintf(out, "no session with %s\n", id)
			}
		},
		forget: func(id string) {
			if !n.Links.ForgetPeer(id) {
				fmt.Fprintf(out, "unknown peer %s\n", id)
			}
		},
		remove: func(id string) {
			if err := n.Tweets.Delete(id); err != nil {
				fmt.Fprintf(out, "delete: %v\n", err)
			}
		},
		list: func() { printTweets(out, n.Tweets.Tweets(), 20) },
		peers: func() {
			for _, p := range n.Links.Peers() {
				fmt.Fprintf(out, "%s name=%q status=%s quality=%s\n", p.ID, p.DisplayName, p.Status, p.Quality)
			}
		},
		status: func() {
			st := n.Status()
			fmt.Fprintf(out, "id=%s state=%s quality=%s sessions=%d tweets=%d\n",
				st.ID, st.State, st.Quality, len(st.Sessions), st.Tweets.Tweets)
		},
		retry: func() {
			if err := n.Links.Retry(ctx); err != nil {
				fmt.Fprintf(out, "retry: %v\n", err)
			}
		},
		unknown: func(w io.Writer) { fmt.Fprintln(w, "unknown command; try help") },
	}
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		scanner.Buffer(make([]byte, 0, 4096), proto.MaxContentLength*4+64)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return false
		case line, ok := <-lines:
			if !ok {
				return false
			}
			if dispatchRepl(line, out, h) {
				return true
			}
		}
	}
}
