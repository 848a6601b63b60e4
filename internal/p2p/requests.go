package p2p

import (
	"fmt"
	"sort"
	"time"

	"github.com/tendermint/chainsync/config"
	"github.com/tendermint/chainsync/types"
)

// RequestClass groups requests sharing a timeout.
type RequestClass uint8

const (
	ClassProbe RequestClass = iota + 1
	ClassRange
	ClassJustification
)

func (c RequestClass) String() string {
	switch c {
	case ClassProbe:
		return "probe"
	case ClassRange:
		return "range"
	case ClassJustification:
		return "justification"
	default:
		return fmt.Sprintf("unknown class: %d", uint8(c))
	}
}

// Request is an outbound message expecting exactly one Response with the
// same ID from the receiving peer.
type Request interface {
	RequestID() uint64
	RequestClass() RequestClass
}

// Response answers the Request with the same ID.
type Response interface {
	RequestID() uint64
}

// ExpiredRequest is a request whose deadline passed without a response.
type ExpiredRequest struct {
	Peer  types.NodeID
	ID    uint64
	Class RequestClass
}

type trackedRequest struct {
	class    RequestClass
	deadline time.Time
}

// RequestTracker enforces per class request deadlines on behalf of a
// consumer that never blocks on a response. It is not safe for concurrent
// use.
type RequestTracker struct {
	timeouts map[RequestClass]time.Duration
	pending  map[types.NodeID]map[uint64]trackedRequest
}

// NewRequestTracker returns a tracker using the timeouts of cfg.
func NewRequestTracker(cfg *config.P2PConfig) *RequestTracker {
	return &RequestTracker{
		timeouts: map[RequestClass]time.Duration{
			ClassProbe:         cfg.ProbeTimeout,
			ClassRange:         cfg.RangeTimeout,
			ClassJustification: cfg.JustificationTimeout,
		},
		pending: map[types.NodeID]map[uint64]trackedRequest{},
	}
}

// Track starts the deadline of req sent to peer at now.
func (rt *RequestTracker) Track(peer types.NodeID, req Request, now time.Time) {
	reqs, ok := rt.pending[peer]
	if !ok {
		reqs = map[uint64]trackedRequest{}
		rt.pending[peer] = reqs
	}
	reqs[req.RequestID()] = trackedRequest{
		class:    req.RequestClass(),
		deadline: now.Add(rt.timeouts[req.RequestClass()]),
	}
}

// Complete stops tracking the request answered by resp. It reports whether
// the request was still tracked; late responses return false.
func (rt *RequestTracker) Complete(peer types.NodeID, resp Response) bool {
	reqs, ok := rt.pending[peer]
	if !ok {
		return false
	}
	if _, ok := reqs[resp.RequestID()]; !ok {
		return false
	}
	delete(reqs, resp.RequestID())
	if len(reqs) == 0 {
		delete(rt.pending, peer)
	}
	return true
}

// Expire removes and returns every request whose deadline is not after now,
// ordered by peer and request ID.
func (rt *RequestTracker) Expire(now time.Time) []ExpiredRequest {
	var expired []ExpiredRequest
	for peer, reqs := range rt.pending {
		for id, req := range reqs {
			if now.Before(req.deadline) {
				continue
			}
			expired = append(expired, ExpiredRequest{Peer: peer, ID: id, Class: req.class})
			delete(reqs, id)
		}
		if len(reqs) == 0 {
			delete(rt.pending, peer)
		}
	}
	sort.Slice(expired, func(i, j int) bool {
		if expired[i].Peer != expired[j].Peer {
			return expired[i].Peer < expired[j].Peer
		}
		return expired[i].ID < expired[j].ID
	})
	return expired
}

// RemovePeer forgets every request sent to peer.
func (rt *RequestTracker) RemovePeer(peer types.NodeID) {
	delete(rt.pending, peer)
}

// Len returns the number of tracked requests.
func (rt *RequestTracker) Len() int {
	n := 0
	for _, reqs := range rt.pending {
		n += len(reqs)
	}
	return n
}
