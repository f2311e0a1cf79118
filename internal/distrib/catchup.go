package distrib

import (
	"time"

	"tweetmesh/internal/debuglog"
	"tweetmesh/internal/proto"
	"tweetmesh/internal/transport"
)

// SessionOpened starts catch-up towards the new session. A catch-up still
// running for an earlier session of the same peer stops at its next batch.
func (e *Engine) SessionOpened(s transport.Sender) {
	peer := s.PeerID()
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return
	}
	e.catchUpGen[peer]++
	gen := e.catchUpGen[peer]
	ids := e.backlogLocked(peer)
	if len(ids) == 0 {
		e.mu.Unlock()
		return
	}
	e.wg.Add(1)
	e.mu.Unlock()
	e.metrics.AddCatchUpQueued(len(ids))
	go func() {
		defer e.wg.Done()
		e.catchUp(s, gen, ids)
	}()
}

// SessionClosed abandons catch-up for peer. Delivery bookkeeping is kept.
func (e *Engine) SessionClosed(peerID string, _ error) {
	e.mu.Lock()
	e.catchUpGen[peerID]++
	e.mu.Unlock()
}

// backlogLocked returns, oldest first, every id on peer's unsent queue or
// missing peer from its recipient set.
func (e *Engine) backlogLocked(peer string) []string {
	queued := make(map[string]bool, len(e.unsent[peer]))
	for _, id := range e.unsent[peer] {
		queued[id] = true
	}
	var out []string
	for _, id := range e.order {
		if queued[id] || !e.recipients[id][peer] {
			out = append(out, id)
		}
	}
	return out
}

func (e *Engine) catchUpCurrent(peer string, gen uint64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return !e.stopped && e.catchUpGen[peer] == gen
}

func (e *Engine) catchUp(s transport.Sender, gen uint64, ids []string) {
	peer := s.PeerID()
	defer e.persist()
	for start := 0; start < len(ids); start += e.batch {
		if start > 0 {
			timer := time.NewTimer(e.delay)
			select {
			case <-e.ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
		}
		if !e.catchUpCurrent(peer, gen) {
			return
		}
		end := start + e.batch
		if end > len(ids) {
			end = len(ids)
		}
		e.mu.Lock()
		batch := make([]proto.Tweet, 0, end-start)
		batchIDs := make([]string, 0, end-start)
		for _, id := range ids[start:end] {
			if t, ok := e.tweets[id]; ok {
				batch = append(batch, t)
				batchIDs = append(batchIDs, id)
			}
		}
		e.mu.Unlock()
		if len(batch) == 0 {
			continue
		}
		payload, err := proto.EncodeAllTweets(batch)
		if err != nil {
			debuglog.Logf("distrib: encode catch-up batch for %s: %v", peer, err)
			return
		}
		if err := e.sendTo(s, payload, batchIDs); err != nil {
			e.metrics.IncCatchUpBatchFailed()
			e.mu.Lock()
			for _, id := range ids[end:] {
				e.markUndeliveredLocked(id, peer)
			}
			e.mu.Unlock()
			return
		}
		e.metrics.IncCatchUpBatches()
	}
}
