package chainsync

import (
	"fmt"

	"github.com/tendermint/chainsync/types"
)

type syncState uint8

const (
	stateIdle syncState = iota
	stateProbing
	stateRanging
)

func (s syncState) String() string {
	switch s {
	case stateIdle:
		return "Idle"
	case stateProbing:
		return "Probing"
	case stateRanging:
		return "Ranging"
	default:
		return fmt.Sprintf("unknown syncState: %d", s)
	}
}

type requestKind uint8

const (
	requestProbe requestKind = iota + 1
	requestRange
	requestFork
	requestJustification
)

func (k requestKind) String() string {
	switch k {
	case requestProbe:
		return "AncestorProbe"
	case requestRange:
		return "BlockRange"
	case requestFork:
		return "ForkRange"
	case requestJustification:
		return "Justification"
	default:
		return fmt.Sprintf("unknown requestKind: %d", k)
	}
}

// pendingRequest is the single in-flight request of a peer. Which fields are
// set depends on kind:
//
//	requestProbe:         at
//	requestRange:         from, start, count
//	requestFork:          from, count, hash (the fork target)
//	requestJustification: hash, number
type pendingRequest struct {
	id    uint64
	kind  requestKind
	at    int64
	from  types.BlockID
	start int64
	count int

	hash   types.Hash
	number int64
}

func (r *pendingRequest) String() string {
	switch r.kind {
	case requestProbe:
		return fmt.Sprintf("%v{at:%d}", r.kind, r.at)
	case requestRange, requestFork:
		return fmt.Sprintf("%v{from:%v count:%d}", r.kind, r.from, r.count)
	default:
		return fmt.Sprintf("%v{#%d %v}", r.kind, r.number, r.hash.Short())
	}
}

// peerState is an entry of the peer table. search is only meaningful while
// state is stateProbing; a ranging peer downloads (commonNumber, bestNumber].
type peerState struct {
	id         types.NodeID
	session    uint64
	role       types.Role
	bestHash   types.Hash
	bestNumber int64
	// highest block believed to be identical on both chains
	commonNumber int64

	state   syncState
	search  ancestorSearch
	pending *pendingRequest

	strikes int
	// consecutive ancestor searches restarted by UnknownParent imports
	researches int
	// no common ancestor within the search depth
	incompatible bool
	// too many strikes
	excluded bool
	// ancestor search gave up on bad probe responses; cleared by a new best
	searchAbandoned bool
}

func newPeerState(ev PeerConnected, session uint64) *peerState {
	return &peerState{
		id:         ev.Peer,
		session:    session,
		role:       ev.Role,
		bestHash:   ev.BestHash,
		bestNumber: ev.BestNumber,
	}
}

// isDownloadSource reports whether blocks may be requested from the peer.
func (p *peerState) isDownloadSource() bool {
	return !p.role.IsLight() && !p.incompatible && !p.excluded
}

// canServe reports whether any request may be sent to the peer now.
func (p *peerState) canServe() bool {
	return p.pending == nil && !p.role.IsLight() && !p.excluded
}

// clampCommon restores common <= min(localBest, best) after either side
// moved its best block down.
func (p *peerState) clampCommon(localBest int64) {
	if p.commonNumber > localBest {
		p.commonNumber = localBest
	}
	if p.commonNumber > p.bestNumber {
		p.commonNumber = p.bestNumber
	}
	if p.commonNumber < 0 {
		p.commonNumber = 0
	}
}

// raiseCommon moves the common number up to n, never past either best.
func (p *peerState) raiseCommon(n, localBest int64) {
	if n > p.commonNumber {
		p.commonNumber = n
	}
	p.clampCommon(localBest)
}

// PeerInfo is a read only view of a peer table entry.
type PeerInfo struct {
	ID           types.NodeID
	Role         types.Role
	BestHash     types.Hash
	BestNumber   int64
	CommonNumber int64
	State        string
	Pending      string
	Strikes      int
	Incompatible bool
}

func (p *peerState) info() PeerInfo {
	pi := PeerInfo{
		ID:           p.id,
		Role:         p.role,
		BestHash:     p.bestHash,
		BestNumber:   p.bestNumber,
		CommonNumber: p.commonNumber,
		State:        p.state.String(),
		Strikes:      p.strikes,
		Incompatible: p.incompatible,
	}
	if p.pending != nil {
		pi.Pending = p.pending.String()
	}
	return pi
}
