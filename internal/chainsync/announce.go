package chainsync

import (
	"github.com/decred/dcrd/lru"

	"github.com/tendermint/chainsync/types"
)

// announceKey identifies an announcement per connection, so that a peer
// repeats its announcements after reconnecting.
type announceKey struct {
	peer    types.NodeID
	session uint64
	hash    types.Hash
}

// seenAnnouncements remembers recently handled announcements so that a block
// announced twice by the same peer is handled once.
type seenAnnouncements struct {
	cache lru.Cache
}

func newSeenAnnouncements(size int) *seenAnnouncements {
	return &seenAnnouncements{cache: lru.NewCache(uint(size))}
}

// add records the announcement and reports whether it is new.
func (s *seenAnnouncements) add(p *peerState, hash types.Hash) bool {
	key := announceKey{peer: p.id, session: p.session, hash: hash}
	if s.cache.Contains(key) {
		return false
	}
	s.cache.Add(key)
	return true
}

// forget drops an announcement so that it is handled again if repeated.
func (s *seenAnnouncements) forget(p *peerState, hash types.Hash) {
	s.cache.Delete(announceKey{peer: p.id, session: p.session, hash: hash})
}

// onBlockAnnounce handles an unsolicited block announcement.
//
// A block whose parent is known is fetched from the announcer right away, or
// imported from the header alone on a light node. A new best block further
// ahead is reached through ancestor search and download. Any other block
// with an unknown parent becomes a fork target served by the announcer.
func (e *Engine) onBlockAnnounce(p *peerState, m *BlockAnnounce) {
	if err := m.Header.ValidateBasic(); err != nil {
		e.strike(p, err)
		return
	}
	header := m.Header
	hash := header.Hash()
	if !e.seen.add(p, hash) {
		return
	}
	if e.isBlacklisted(hash) {
		e.logger.Debug("ignoring announcement of bad block", "peer", p.id, "hash", hash)
		return
	}
	if m.IsBest {
		e.setPeerBest(p, hash, header.Number)
	}
	if e.isKnown(hash) {
		return
	}
	if p.role.IsLight() || p.excluded {
		return
	}

	parentKnown := e.isKnown(header.ParentHash)
	switch {
	case parentKnown && e.role.IsLight():
		e.importBlocks(p, []*types.Block{{Header: header}}, hash)
	case parentKnown:
		e.forks.add(hash, header.Number, []types.NodeID{p.id}, false, true)
	case m.IsBest && header.Number > e.info.BestNumber:
		// closed by ancestor search and download
	case header.Number <= e.info.FinalizedNumber:
		e.logger.Debug("ignoring announcement below finalized block",
			"peer", p.id, "number", header.Number, "hash", hash)
	default:
		e.logger.Debug("fetching announced fork", "peer", p.id, "number", header.Number, "hash", hash)
		e.forks.add(hash, header.Number, []types.NodeID{p.id}, false, false)
	}
}

// announceNewBest tells every peer about a new local best block.
func (e *Engine) announceNewBest() {
	if e.role.IsLight() || !e.cfg.AnnounceNewBest || e.info.BestHash == e.lastAnnounced {
		return
	}
	e.lastAnnounced = e.info.BestHash
	if len(e.peers) == 0 {
		return
	}
	header, err := e.client.Header(types.BlockHash(e.info.BestHash))
	if err != nil || header == nil {
		e.logger.Error("failed to load best header", "hash", e.info.BestHash, "err", err)
		return
	}
	e.broadcast(&BlockAnnounce{Header: header, IsBest: true})
}

// announceBlock announces a stored block on request.
func (e *Engine) announceBlock(hash types.Hash, data []byte) {
	if e.role.IsLight() {
		e.logger.Debug("light nodes do not announce blocks", "hash", hash)
		return
	}
	header, err := e.client.Header(types.BlockHash(hash))
	if err != nil {
		e.logger.Error("failed to load header", "hash", hash, "err", err)
		return
	}
	if header == nil {
		e.logger.Error("can't announce unknown block", "hash", hash)
		return
	}
	e.broadcast(&BlockAnnounce{Header: header, IsBest: hash == e.info.BestHash, Data: data})
}
