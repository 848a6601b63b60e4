package chainsync

import (
	"sort"
	"time"

	"github.com/tendermint/chainsync/types"
)

// justificationRequest is a pending request for the justification of one
// block. Requests are keyed by hash so that siblings at the same number
// resolve independently.
type justificationRequest struct {
	hash   types.Hash
	number int64
	// nil means every connected peer is a candidate
	peers map[types.NodeID]struct{}

	inFlight map[types.NodeID]struct{}
	tried    map[types.NodeID]struct{}
	// when the last candidate was tried without success
	exhaustedAt time.Time

	// a justification received before the block itself
	received     []byte
	receivedFrom types.NodeID
}

func (r *justificationRequest) isCandidate(id types.NodeID) bool {
	if r.peers == nil {
		return true
	}
	_, ok := r.peers[id]
	return ok
}

type justificationTracker struct {
	requests      map[types.Hash]*justificationRequest
	retryInterval time.Duration
}

func newJustificationTracker(retryInterval time.Duration) *justificationTracker {
	return &justificationTracker{
		requests:      map[types.Hash]*justificationRequest{},
		retryInterval: retryInterval,
	}
}

// add registers a request. Requesting an already pending hash widens its
// candidate set.
func (jt *justificationTracker) add(hash types.Hash, number int64, peers []types.NodeID) {
	r, ok := jt.requests[hash]
	if !ok {
		r = &justificationRequest{
			hash:     hash,
			number:   number,
			inFlight: map[types.NodeID]struct{}{},
			tried:    map[types.NodeID]struct{}{},
		}
		if len(peers) > 0 {
			r.peers = map[types.NodeID]struct{}{}
		}
		jt.requests[hash] = r
	} else if len(peers) == 0 {
		r.peers = nil
	}
	if r.peers != nil {
		for _, id := range peers {
			r.peers[id] = struct{}{}
		}
	}
}

func (jt *justificationTracker) get(hash types.Hash) *justificationRequest {
	return jt.requests[hash]
}

func (jt *justificationTracker) resolve(hash types.Hash) {
	delete(jt.requests, hash)
}

func (jt *justificationTracker) sorted() []*justificationRequest {
	rs := make([]*justificationRequest, 0, len(jt.requests))
	for _, r := range jt.requests {
		rs = append(rs, r)
	}
	sort.Slice(rs, func(i, j int) bool {
		if rs[i].number != rs[j].number {
			return rs[i].number < rs[j].number
		}
		return rs[i].hash.String() < rs[j].hash.String()
	})
	return rs
}

// next returns a request the peer should be asked for. A peer is asked at
// most once per round; a round ends when every candidate was asked, and
// the next one starts after the retry interval or when the peer set
// changes.
func (jt *justificationTracker) next(p *peerState, now time.Time) (*justificationRequest, bool) {
	for _, r := range jt.sorted() {
		if r.received != nil || !r.isCandidate(p.id) || p.bestNumber < r.number {
			continue
		}
		if _, ok := r.inFlight[p.id]; ok {
			continue
		}
		if _, ok := r.tried[p.id]; ok {
			if r.exhaustedAt.IsZero() || now.Sub(r.exhaustedAt) < jt.retryInterval {
				continue
			}
			r.tried = map[types.NodeID]struct{}{}
			r.exhaustedAt = time.Time{}
		}
		return r, true
	}
	return nil, false
}

func (jt *justificationTracker) sent(r *justificationRequest, peer types.NodeID) {
	r.inFlight[peer] = struct{}{}
}

// failed marks peer as tried for r. When no candidate in peers is left
// untried and nothing is in flight, the round is over.
func (jt *justificationTracker) failed(r *justificationRequest, peer types.NodeID, peers map[types.NodeID]*peerState, now time.Time) {
	delete(r.inFlight, peer)
	r.tried[peer] = struct{}{}
	if len(r.inFlight) > 0 {
		return
	}
	for id, p := range peers {
		if _, ok := r.tried[id]; !ok && r.isCandidate(id) && p.canServe() && p.bestNumber >= r.number {
			return
		}
	}
	r.exhaustedAt = now
}

// peersChanged starts a new round for every request.
func (jt *justificationTracker) peersChanged() {
	for _, r := range jt.requests {
		r.tried = map[types.NodeID]struct{}{}
		r.exhaustedAt = time.Time{}
	}
}

// removePeer cancels the requests in flight to peer. Requests limited to a
// set of peers that are all gone are abandoned and returned.
func (jt *justificationTracker) removePeer(peer types.NodeID, connected map[types.NodeID]*peerState) []*justificationRequest {
	var abandoned []*justificationRequest
	for hash, r := range jt.requests {
		delete(r.inFlight, peer)
		delete(r.tried, peer)
		if r.peers == nil {
			continue
		}
		alive := false
		for id := range r.peers {
			if _, ok := connected[id]; ok && id != peer {
				alive = true
				break
			}
		}
		if !alive {
			abandoned = append(abandoned, r)
			delete(jt.requests, hash)
		}
	}
	return abandoned
}

func (jt *justificationTracker) len() int {
	return len(jt.requests)
}
