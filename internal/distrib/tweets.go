package distrib

import (
	"sort"
	"strings"
	"unicode/utf8"

	"tweetmesh/internal/debuglog"
	"tweetmesh/internal/proto"
	"tweetmesh/internal/ratelimit"
)

// CreateTweet stores a new local tweet and sends it to every open session.
// It returns once sends were attempted; acknowledgments arrive later.
func (e *Engine) CreateTweet(content string, att *proto.Attachment) (string, error) {
	if strings.TrimSpace(content) == "" && att == nil {
		return "", ErrEmptyTweet
	}
	if utf8.RuneCountInString(content) > proto.MaxContentLength {
		return "", ErrTweetTooLong
	}
	local := e.dir.LocalID()
	if local == "" {
		return "", ErrNoIdentity
	}
	if err := e.limiter.Check(ratelimit.KindTweet, local); err != nil {
		return "", err
	}
	ts := e.now().UnixMilli()
	t := proto.Tweet{
		ID:         proto.TweetID(e.username, content, ts, att, local),
		Username:   e.username,
		Content:    content,
		Timestamp:  ts,
		Attachment: att,
	}
	e.mu.Lock()
	isNew := e.storeLocked(t)
	e.mu.Unlock()
	if !isNew {
		return t.ID, nil
	}
	e.metrics.IncTweetsCreated()
	e.fanOut(t, "")
	e.persist()
	e.bus.MessagesChanged()
	return t.ID, nil
}

// fanOut sends t to every open session except skip whose peer is not yet a
// recipient. Peers are counted as recipients from the moment the send is
// accepted; a failed send puts the id on that peer's unsent queue.
func (e *Engine) fanOut(t proto.Tweet, skip string) {
	senders := e.dir.Senders()
	if len(senders) == 0 {
		return
	}
	payload, err := proto.EncodeTweet(t)
	if err != nil {
		debuglog.Logf("distrib: encode tweet %s: %v", t.ID, err)
		return
	}
	for _, s := range senders {
		peer := s.PeerID()
		if peer == skip {
			continue
		}
		e.mu.Lock()
		_, present := e.tweets[t.ID]
		already := e.recipients[t.ID][peer]
		e.mu.Unlock()
		if !present || already {
			continue
		}
		if err := e.sendTo(s, payload, []string{t.ID}); err == nil && skip != "" {
			e.metrics.IncTweetsForwarded()
		}
	}
}

// Delete removes a tweet locally, with its recipient set and queue entries.
// Nothing is sent to peers.
func (e *Engine) Delete(id string) error {
	e.mu.Lock()
	if _, ok := e.tweets[id]; !ok {
		e.mu.Unlock()
		return ErrNotFound
	}
	e.evictLocked(id)
	e.mu.Unlock()
	e.persist()
	e.bus.MessagesChanged()
	return nil
}

func (e *Engine) DeleteAll() {
	e.mu.Lock()
	e.tweets = make(map[string]proto.Tweet)
	e.order = nil
	e.recipients = make(map[string]map[string]bool)
	e.unsent = make(map[string][]string)
	e.mu.Unlock()
	e.persist()
	e.bus.MessagesChanged()
}

// Tweets lists the log newest first.
func (e *Engine) Tweets() []proto.Tweet {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]proto.Tweet, 0, len(e.order))
	for i := len(e.order) - 1; i >= 0; i-- {
		out = append(out, e.tweets[e.order[i]])
	}
	return out
}

func (e *Engine) Tweet(id string) (proto.Tweet, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.tweets[id]
	return t, ok
}

// Pending returns the unsent queue for peer in queue order.
func (e *Engine) Pending(peer string) []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.unsent[peer]...)
}

// Recipients returns the peers known to hold id, sorted.
func (e *Engine) Recipients(id string) []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, 0, len(e.recipients[id]))
	for peer := range e.recipients[id] {
		out = append(out, peer)
	}
	sort.Strings(out)
	return out
}

type Stats struct {
	Tweets  int            `json:"tweets"`
	Unsent  int            `json:"unsent"`
	Backlog map[string]int `json:"backlog,omitempty"`
}

func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	st := Stats{Tweets: len(e.tweets), Backlog: make(map[string]int, len(e.unsent))}
	for peer, q := range e.unsent {
		st.Unsent += len(q)
		st.Backlog[peer] = len(q)
	}
	return st
}
