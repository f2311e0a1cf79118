package distrib

import (
	"encoding/json"
	"time"

	"tweetmesh/internal/debuglog"
	"tweetmesh/internal/proto"
	"tweetmesh/internal/transport"
)

// SessionData handles tweet traffic from one session.
func (e *Engine) SessionData(s transport.Sender, env proto.Envelope) {
	switch env.Type {
	case proto.MsgTypeTweet:
		e.receiveTweet(s, env.Tweet)
	case proto.MsgTypeAllTweets:
		e.receiveBatch(s, env.Tweets)
	case proto.MsgTypeTweetAck:
		e.acknowledge(s.PeerID(), []string{env.ID})
	case proto.MsgTypeBulkTweetAck:
		e.acknowledge(s.PeerID(), env.IDs)
	}
}

// accept validates raw and stores it, marking the sender as a holder. It
// returns the tweet, whether it was new, and whether it was valid at all.
func (e *Engine) accept(peer string, raw json.RawMessage) (proto.Tweet, bool, bool) {
	t, err := proto.ParseTweet(raw, e.now())
	if err != nil {
		e.metrics.IncTweetsDropInvalid()
		debuglog.RateLimitedf("distrib:invalid:"+peer, time.Minute, "distrib: drop tweet from %s: %v", peer, err)
		return proto.Tweet{}, false, false
	}
	e.mu.Lock()
	isNew := e.storeLocked(t)
	e.markDeliveredLocked(t.ID, peer)
	e.mu.Unlock()
	if isNew {
		e.metrics.IncTweetsReceived()
	} else {
		e.metrics.IncTweetsDropDuplicate()
	}
	return t, isNew, true
}

func (e *Engine) receiveTweet(s transport.Sender, raw json.RawMessage) {
	peer := s.PeerID()
	t, isNew, ok := e.accept(peer, raw)
	if !ok {
		return
	}
	if ack, err := proto.EncodeTweetAck(t.ID); err == nil {
		if err := s.Send(ack); err != nil {
			debuglog.Debugf("distrib: ack %s to %s: %v", t.ID, peer, err)
		}
	}
	if isNew {
		e.fanOut(t, peer)
		e.bus.MessagesChanged()
	}
	e.persist()
}

// receiveBatch validates each entry on its own and answers with a single
// bulk acknowledgment naming every accepted id.
func (e *Engine) receiveBatch(s transport.Sender, raws []json.RawMessage) {
	peer := s.PeerID()
	var (
		acked []string
		fresh []proto.Tweet
	)
	for _, raw := range raws {
		t, isNew, ok := e.accept(peer, raw)
		if !ok {
			continue
		}
		acked = append(acked, t.ID)
		if isNew {
			fresh = append(fresh, t)
		}
	}
	if len(acked) > 0 {
		if ack, err := proto.EncodeBulkTweetAck(acked); err == nil {
			if err := s.Send(ack); err != nil {
				debuglog.Debugf("distrib: bulk ack to %s: %v", peer, err)
			}
		}
	}
	for _, t := range fresh {
		e.fanOut(t, peer)
	}
	if len(fresh) > 0 {
		e.bus.MessagesChanged()
	}
	if len(acked) > 0 {
		e.persist()
	}
}

func (e *Engine) acknowledge(peer string, ids []string) {
	changed := false
	e.mu.Lock()
	for _, id := range ids {
		if id == "" {
			continue
		}
		if e.markDeliveredLocked(id, peer) {
			changed = true
		}
	}
	e.mu.Unlock()
	for range ids {
		e.metrics.IncTweetsAcked()
	}
	if changed {
		e.persist()
	}
}
