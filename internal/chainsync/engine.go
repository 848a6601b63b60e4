package chainsync

import (
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/tendermint/chainsync/config"
	"github.com/tendermint/chainsync/internal/p2p"
	"github.com/tendermint/chainsync/libs/log"
	"github.com/tendermint/chainsync/types"
)

// SyncStatus is derived from the peer table and the local best block on
// every tick.
type SyncStatus int32

const (
	// StatusOffline means no peer is connected.
	StatusOffline SyncStatus = iota
	// StatusMajorSyncing means some peer is being searched or downloaded
	// from while its best block is far ahead of ours.
	StatusMajorSyncing
	// StatusIdle means the node follows its peers.
	StatusIdle
)

func (s SyncStatus) String() string {
	switch s {
	case StatusOffline:
		return "Offline"
	case StatusMajorSyncing:
		return "MajorSyncing"
	case StatusIdle:
		return "Idle"
	default:
		return fmt.Sprintf("unknown SyncStatus: %d", s)
	}
}

// Snapshot is a copy of the engine state taken at the end of a tick.
type Snapshot struct {
	Status                SyncStatus
	Chain                 types.ChainInfo
	Peers                 []PeerInfo
	InFlight              int
	QueuedRanges          int
	QueuedBlocks          int
	ForkTargets           int
	PendingJustifications int
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger of the engine.
func WithLogger(logger log.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithMetrics sets the metrics of the engine.
func WithMetrics(metrics *Metrics) Option {
	return func(e *Engine) { e.metrics = metrics }
}

/*
Engine keeps the local chain in sync with its peers.

All inputs (peer events, messages, request failures and control operations)
are queued by Deliver and friends, which never block and are safe to call
from any goroutine. They are processed by Tick, which must be called from a
single goroutine and returns the messages to send. The engine never waits
for a response: the transport reports answers and timeouts as later events.

Every peer has at most one request in flight. On each tick peers are visited
in ascending ID order and an idle peer is handed, in this order:

	a fork target it can serve
	the next ancestor probe or block range of its best chain
	a pending justification request

Which block is best is decided by the chain store. The engine only delivers
blocks whose parents are known, in ascending order.
*/
type Engine struct {
	cfg     *config.SyncConfig
	role    types.Role
	client  Client
	logger  log.Logger
	metrics *Metrics

	events chan Event

	// owned by the goroutine calling Tick
	peers          map[types.NodeID]*peerState
	queue          *downloadQueue
	forks          *forkTargets
	justifications *justificationTracker
	seen           *seenAnnouncements
	blacklist      map[types.Hash]struct{}
	lastRequestID  uint64
	lastSession    uint64
	lastAnnounced  types.Hash
	info           types.ChainInfo
	now            time.Time
	out            []p2p.Envelope

	status   int32
	snapshot atomic.Value
}

// NewEngine returns an engine syncing client. The role of the local node is
// taken from cfg.
func NewEngine(cfg *config.SyncConfig, client Client, options ...Option) (*Engine, error) {
	if err := cfg.ValidateBasic(); err != nil {
		return nil, err
	}
	role, err := cfg.NodeRole()
	if err != nil {
		return nil, err
	}

	e := &Engine{
		cfg:            cfg,
		role:           role,
		client:         client,
		logger:         log.NewNopLogger(),
		metrics:        NopMetrics(),
		events:         make(chan Event, cfg.EventQueueSize),
		peers:          map[types.NodeID]*peerState{},
		queue:          newDownloadQueue(cfg.MaxBlocksPerRequest, int64(cfg.MaxQueuedBlocks)),
		forks:          newForkTargets(cfg.MaxForkLookback),
		justifications: newJustificationTracker(cfg.JustificationRetryInterval),
		seen:           newSeenAnnouncements(cfg.AnnounceCacheSize),
		blacklist:      map[types.Hash]struct{}{},
		status:         int32(StatusOffline),
	}
	for _, opt := range options {
		opt(e)
	}

	e.info = client.Info()
	e.lastAnnounced = e.info.BestHash
	e.snapshot.Store(Snapshot{Status: StatusOffline, Chain: e.info})
	return e, nil
}

// Role returns the role of the local node.
func (e *Engine) Role() types.Role { return e.role }

// Deliver queues an event for the next tick. It returns ErrQueueFull
// instead of blocking.
func (e *Engine) Deliver(ev Event) error {
	select {
	case e.events <- ev:
		return nil
	default:
		return ErrQueueFull
	}
}

// QueuedEvents returns the number of events waiting for the next tick.
func (e *Engine) QueuedEvents() int { return len(e.events) }

// RequestJustification asks the peers for the justification of a block.
// Without peers every connected peer is a candidate, now and later.
func (e *Engine) RequestJustification(hash types.Hash, number int64, peers ...types.NodeID) error {
	return e.Deliver(justificationControl{hash: hash, number: number, peers: peers})
}

// SetSyncForkRequest asks for a block outside of the best chain. It is
// fetched from peers, or from every connected full peer when peers is
// empty.
func (e *Engine) SetSyncForkRequest(peers []types.NodeID, hash types.Hash, number int64) error {
	return e.Deliver(forkControl{peers: peers, hash: hash, number: number})
}

// AnnounceBlock announces a stored block to every peer, flagged as best if
// it is the local best block. Light nodes never announce.
func (e *Engine) AnnounceBlock(hash types.Hash, data []byte) error {
	return e.Deliver(announceControl{hash: hash, data: data})
}

// Status returns the status computed by the last tick.
func (e *Engine) Status() SyncStatus {
	return SyncStatus(atomic.LoadInt32(&e.status))
}

// IsMajorSyncing reports whether the last tick found the node far behind.
func (e *Engine) IsMajorSyncing() bool { return e.Status() == StatusMajorSyncing }

// IsOffline reports whether the last tick found no connected peer.
func (e *Engine) IsOffline() bool { return e.Status() == StatusOffline }

// Snapshot returns the state recorded by the last tick.
func (e *Engine) Snapshot() Snapshot {
	return e.snapshot.Load().(Snapshot)
}

// Tick processes the events queued so far, imports what can be imported,
// hands out new requests and returns the messages to send.
func (e *Engine) Tick(now time.Time) []p2p.Envelope {
	e.now = now
	e.info = e.client.Info()

	for n := len(e.events); n > 0; n-- {
		e.handleEvent(<-e.events)
	}

	e.importReady()
	e.info = e.client.Info()
	e.updatePeers()
	e.updateJustifications()
	e.updateForkTargets()

	for _, p := range e.sortedPeers() {
		if p.canServe() {
			e.scheduleRequest(p)
		}
	}

	e.announceNewBest()
	e.updateStatus()

	out := e.out
	e.out = nil
	return out
}

func (e *Engine) handleEvent(ev Event) {
	switch ev := ev.(type) {
	case PeerConnected:
		e.onPeerConnected(ev)
	case PeerDisconnected:
		e.onPeerDisconnected(ev.Peer)
	case MessageReceived:
		e.onMessage(ev.From, ev.Message)
	case RequestFailed:
		p, ok := e.peers[ev.Peer]
		if !ok || p.pending == nil || p.pending.id != ev.ID {
			return
		}
		req := p.pending
		p.pending = nil
		e.requestFailed(p, req, errRequestTimedOut)
	case justificationControl:
		e.logger.Debug("requesting justification", "number", ev.number, "hash", ev.hash)
		e.justifications.add(ev.hash, ev.number, ev.peers)
	case forkControl:
		e.addForkRequest(ev)
	case announceControl:
		e.announceBlock(ev.hash, ev.data)
	default:
		e.logger.Error("unknown event", "type", fmt.Sprintf("%T", ev))
	}
}

func (e *Engine) onPeerConnected(ev PeerConnected) {
	if err := ev.Peer.Validate(); err != nil {
		e.logger.Error("rejecting peer", "peer", ev.Peer, "err", err)
		return
	}
	p, ok := e.peers[ev.Peer]
	if !ok {
		e.lastSession++
		p = newPeerState(ev, e.lastSession)
		e.peers[ev.Peer] = p
		e.justifications.peersChanged()
		e.logger.Info("peer connected", "peer", ev.Peer, "role", ev.Role.String(), "best", ev.BestNumber)
	}
	e.setPeerBest(p, ev.BestHash, ev.BestNumber)
}

// onPeerDisconnected forgets a peer along with the downloads only it was
// responsible for.
func (e *Engine) onPeerDisconnected(id types.NodeID) {
	if _, ok := e.peers[id]; !ok {
		return
	}
	delete(e.peers, id)
	e.queue.removePeer(id)
	for _, t := range e.forks.removePeer(id) {
		e.logger.Info("dropping fork target without peers", "number", t.number, "hash", t.hash)
	}
	for _, r := range e.justifications.removePeer(id, e.peers) {
		e.logger.Info("abandoning justification request, no candidate peer left",
			"number", r.number, "hash", r.hash)
	}
	e.justifications.peersChanged()
	e.logger.Info("peer disconnected", "peer", id)
}

// setPeerBest records a new best block of a peer. A peer whose best block
// is known has nothing to offer to the best chain.
func (e *Engine) setPeerBest(p *peerState, hash types.Hash, number int64) {
	if p.bestHash != hash {
		p.searchAbandoned = false
	}
	p.bestHash, p.bestNumber = hash, number
	p.clampCommon(e.info.BestNumber)
	if e.isKnown(hash) {
		p.raiseCommon(number, e.info.BestNumber)
		p.state = stateIdle
	}
}

func (e *Engine) onMessage(from types.NodeID, msg interface{}) {
	switch m := msg.(type) {
	case *AncestorRequest, *BlockRequest, *JustificationRequest:
		e.serve(from, m)
		return
	}

	p, ok := e.peers[from]
	if !ok {
		e.logger.Debug("ignoring message from unknown peer", "peer", from, "type", fmt.Sprintf("%T", msg))
		return
	}
	if m, ok := msg.(*BlockAnnounce); ok {
		e.onBlockAnnounce(p, m)
		return
	}

	resp, ok := msg.(p2p.Response)
	if !ok {
		e.logger.Error("unknown message", "peer", from, "type", fmt.Sprintf("%T", msg))
		return
	}
	if p.pending == nil || p.pending.id != resp.RequestID() {
		e.logger.Debug("ignoring late response", "peer", from, "id", resp.RequestID())
		return
	}
	req := p.pending
	p.pending = nil

	switch m := msg.(type) {
	case *AncestorResponse:
		if req.kind == requestProbe {
			e.onAncestorResponse(p, req, m)
			return
		}
	case *BlockResponse:
		if req.kind == requestRange || req.kind == requestFork {
			e.onBlockResponse(p, req, m)
			return
		}
	case *JustificationResponse:
		if req.kind == requestJustification {
			e.onJustificationResponse(p, req, m)
			return
		}
	}
	e.requestFailed(p, req, errUnexpectedResponse)
}

// requestFailed returns the work of a failed request to the pool and
// charges the peer.
func (e *Engine) requestFailed(p *peerState, req *pendingRequest, err error) {
	switch req.kind {
	case requestProbe:
		if p.state == stateProbing {
			p.search.retries++
			if p.search.retries > e.cfg.MaxProbeRetries {
				p.state = stateIdle
				p.searchAbandoned = true
				e.logger.Info("abandoning ancestor search", "peer", p.id, "err", err)
			}
		}
	case requestRange:
		e.queue.release(req.start, p.id)
	case requestFork:
		if t := e.forks.get(req.hash); t != nil && t.inFlight == p.id {
			t.inFlight = ""
		}
	case requestJustification:
		if r := e.justifications.get(req.hash); r != nil {
			e.justifications.failed(r, p.id, e.peers, e.now)
		}
	}
	e.strike(p, err)
}

// strike charges a peer for a protocol error. Too many strikes and the peer
// is no longer asked for anything.
func (e *Engine) strike(p *peerState, err error) {
	p.strikes++
	e.metrics.PeerStrikes.Add(1)
	e.logger.Debug("peer error", "err", peerError{err: err, peerID: p.id}, "strikes", p.strikes)
	if p.strikes < e.cfg.MaxPeerStrikes || p.excluded {
		return
	}
	p.excluded = true
	p.state = stateIdle
	e.queue.removePeer(p.id)
	e.logger.Info("no longer syncing from peer", "peer", p.id, "err", err)
}

func (e *Engine) onAncestorResponse(p *peerState, req *pendingRequest, m *AncestorResponse) {
	if p.state != stateProbing {
		return
	}
	if m.Number != req.at {
		e.requestFailed(p, req, errUnexpectedResponse)
		return
	}
	if !m.Found {
		e.requestFailed(p, req, errProbeNotFound)
		return
	}
	if e.isBlacklisted(m.Hash) {
		e.logger.Info("peer chain contains a bad block", "peer", p.id, "number", m.Number, "hash", m.Hash)
		e.blacklistBranch(p.bestHash)
		p.state = stateIdle
		return
	}
	if p.search.record(req.at, e.isKnown(m.Hash)) {
		return
	}
	p.incompatible = true
	p.state = stateIdle
	e.logger.Info("peer chain has no common ancestor within search depth",
		"peer", p.id, "best", p.bestNumber, "depth", e.cfg.MaxAncestorSearchDepth)
}

func (e *Engine) onBlockResponse(p *peerState, req *pendingRequest, m *BlockResponse) {
	if err := e.validateBlocks(req, m.Blocks); err != nil {
		if err == errBadBlock && req.kind == requestRange {
			// the window lies below the peer's best block
			e.blacklistBranch(p.bestHash)
		}
		e.requestFailed(p, req, err)
		return
	}
	if e.role.IsLight() {
		for _, b := range m.Blocks {
			b.Body = nil
		}
	}

	if req.kind == requestRange {
		e.queue.complete(req.start, p.id, ascending(m.Blocks))
		return
	}

	t := e.forks.get(req.hash)
	if t == nil || t.inFlight != p.id {
		return
	}
	t.inFlight = ""
	if t.next != req.from.Hash {
		return
	}
	blocks, err := e.forks.link(t, m.Blocks, e.isKnown)
	if err != nil {
		e.logger.Info("dropping fork target", "number", t.number, "hash", t.hash, "err", err)
		e.dropForkTarget(p, t)
		return
	}
	if len(blocks) == 0 {
		return
	}
	if !e.importBlocks(p, blocks, t.hash) {
		e.logger.Info("dropping fork target, import failed", "number", t.number, "hash", t.hash)
		e.dropForkTarget(p, t)
	}
	e.info = e.client.Info()
}

// dropForkTarget gives up on a target. A later announcement of it by the peer
// adds it again.
func (e *Engine) dropForkTarget(p *peerState, t *forkTarget) {
	e.forks.remove(t.hash)
	e.seen.forget(p, t.hash)
}

// validateBlocks checks that a block response is a descending parent-linked
// chain starting at the requested block.
func (e *Engine) validateBlocks(req *pendingRequest, blocks []*types.Block) error {
	if len(blocks) == 0 {
		return errEmptyResponse
	}
	if len(blocks) > req.count {
		return errTooManyBlocks
	}
	for i, b := range blocks {
		if b == nil {
			return errBrokenChain
		}
		if err := b.Header.ValidateBasic(); err != nil {
			return err
		}
		if !e.role.IsLight() && b.Body == nil {
			return errMissingBody
		}
		if e.isBlacklisted(b.Hash()) {
			return errBadBlock
		}
		if i > 0 {
			prev := blocks[i-1].Header
			if prev.ParentHash != b.Hash() || prev.Number != b.Number()+1 {
				return errBrokenChain
			}
		}
	}

	first := blocks[0]
	if req.from.ByHash && first.Hash() != req.from.Hash {
		return errWrongAnchor
	}
	var top int64
	if req.kind == requestRange {
		top = req.start + int64(req.count) - 1
	} else {
		top = req.number
	}
	if first.Number() != top {
		return errWrongAnchor
	}
	return nil
}

func (e *Engine) onJustificationResponse(p *peerState, req *pendingRequest, m *JustificationResponse) {
	r := e.justifications.get(req.hash)
	if r == nil {
		// resolved by an earlier response
		return
	}
	if m.Hash != req.hash {
		e.requestFailed(p, req, errUnexpectedResponse)
		return
	}
	if !m.Found {
		e.justifications.failed(r, p.id, e.peers, e.now)
		return
	}
	delete(r.inFlight, p.id)

	j := m.Justification
	if j == nil {
		j = []byte{}
	}
	if e.isKnown(r.hash) {
		e.applyJustification(r, j, p.id)
		return
	}
	e.logger.Debug("received justification for unknown block, fetching it",
		"peer", p.id, "number", r.number, "hash", r.hash)
	r.received, r.receivedFrom = j, p.id
	e.forks.add(r.hash, r.number, []types.NodeID{p.id}, false, false)
}

func (e *Engine) applyJustification(r *justificationRequest, j []byte, from types.NodeID) {
	if err := e.client.FinalizeBlock(types.BlockHash(r.hash), j, true); err != nil {
		e.logger.Error("failed to import justification",
			"peer", from, "number", r.number, "hash", r.hash, "err", err)
		r.received = nil
		e.justifications.failed(r, from, e.peers, e.now)
		return
	}
	e.justifications.resolve(r.hash)
	e.metrics.ResolvedJustifications.Add(1)
	e.info = e.client.Info()
	e.logger.Info("imported justification", "peer", from, "number", r.number, "hash", r.hash)
}

func (e *Engine) addForkRequest(ev forkControl) {
	if e.isKnown(ev.hash) {
		e.logger.Debug("fork target already known", "number", ev.number, "hash", ev.hash)
		return
	}
	var peers []types.NodeID
	if len(ev.peers) == 0 {
		for _, p := range e.sortedPeers() {
			peers = append(peers, p.id)
		}
	}
	for _, id := range ev.peers {
		if _, ok := e.peers[id]; ok {
			peers = append(peers, id)
		}
	}
	if len(peers) == 0 {
		e.logger.Info("no connected peer for fork request", "number", ev.number, "hash", ev.hash)
		return
	}
	e.logger.Debug("adding fork target", "number", ev.number, "hash", ev.hash, "peers", len(peers))
	e.forks.add(ev.hash, ev.number, peers, true, false)
}

// importReady imports the downloaded ranges that are ready, lowest first.
func (e *Engine) importReady() {
	restarted := map[types.NodeID]bool{}
	for _, r := range e.queue.drain(e.info.BestNumber, e.isKnown) {
		if restarted[r.peer] {
			continue
		}
		p := e.peers[r.peer]
		var tip types.Hash
		if p != nil {
			tip = p.bestHash
		}
		if !e.importBlocks(p, r.blocks, tip) && p != nil {
			restarted[r.peer] = true
		}
	}
}

// importBlocks hands ascending blocks to the chain store until one fails.
// It reports whether all of them were stored. tip is the head of the branch
// the blocks were fetched for and is blacklisted along with a bad block.
func (e *Engine) importBlocks(p *peerState, blocks []*types.Block, tip types.Hash) bool {
	for _, b := range blocks {
		res, err := e.client.ImportBlock(b)
		if err != nil {
			e.logger.Error("failed to import block", "number", b.Number(), "hash", b.Hash(), "err", err)
			if p != nil {
				e.strike(p, errImportFailed)
			}
			return false
		}

		switch res {
		case types.ImportResultImported:
			e.metrics.ImportedBlocks.Add(1)
			e.onImported(p, b)
		case types.ImportResultAlreadyKnown:
		case types.ImportResultUnknownParent:
			e.logger.Debug("block with unknown parent", "number", b.Number(), "hash", b.Hash())
			if p != nil {
				e.restartSearch(p)
			}
			return false
		case types.ImportResultKnownBad:
			e.logger.Info("bad block", "number", b.Number(), "hash", b.Hash(), "tip", tip)
			e.blacklistBranch(b.Hash(), tip)
			if p != nil {
				e.strike(p, errBadBlock)
			}
			return false
		case types.ImportResultEquivocation:
			e.logger.Info("equivocating block", "number", b.Number(), "hash", b.Hash())
			if p != nil {
				e.strike(p, errEquivocation)
			}
			return false
		}
	}
	return true
}

// onImported assumes every ranging peer at or above the imported block
// shares it. A wrong guess shows up as an UnknownParent import later.
func (e *Engine) onImported(from *peerState, b *types.Block) {
	e.info = e.client.Info()
	if from != nil {
		from.researches = 0
	}
	for _, p := range e.peers {
		if p.state != stateRanging {
			continue
		}
		n := b.Number()
		if n > p.bestNumber {
			n = p.bestNumber
		}
		p.raiseCommon(n, e.info.BestNumber)
	}
}

// restartSearch sends a peer back to ancestor search after its blocks did
// not attach where expected.
func (e *Engine) restartSearch(p *peerState) {
	e.queue.removePeer(p.id)
	p.researches++
	if p.researches > e.cfg.MaxProbeRetries {
		p.incompatible = true
		p.state = stateIdle
		e.logger.Info("peer blocks keep missing their parents, no longer syncing from it", "peer", p.id)
		return
	}
	e.startSearch(p)
}

func (e *Engine) startSearch(p *peerState) {
	p.state = stateProbing
	p.search = newAncestorSearch(e.info.BestNumber, p.bestNumber,
		e.cfg.MaxAncestorSearchDepth, e.cfg.ShallowForkThreshold)
	e.logger.Debug("starting ancestor search", "peer", p.id, "best", p.bestNumber, "local_best", e.info.BestNumber)
}

func (e *Engine) finishSearch(p *peerState, common int64) {
	// may lower the common number of a connected peer after an UnknownParent
	// re-search; the searched value wins over the optimistic one
	p.commonNumber = common
	p.clampCommon(e.info.BestNumber)
	e.logger.Debug("found common ancestor", "peer", p.id, "common", p.commonNumber, "probes", p.search.probes)
	if e.isKnown(p.bestHash) {
		p.state = stateIdle
		return
	}
	p.state = stateRanging
}

// updatePeers moves peers between states after imports changed the local
// chain.
func (e *Engine) updatePeers() {
	for _, p := range e.sortedPeers() {
		p.clampCommon(e.info.BestNumber)
		if p.state != stateIdle && e.isBlacklisted(p.bestHash) {
			e.logger.Info("best block of peer descends from a bad block, no longer downloading it",
				"peer", p.id, "best", p.bestNumber, "hash", p.bestHash)
			p.state = stateIdle
			e.queue.removePeer(p.id)
			continue
		}
		if e.isKnown(p.bestHash) {
			p.raiseCommon(p.bestNumber, e.info.BestNumber)
			p.state = stateIdle
			continue
		}
		if p.state == stateRanging && p.commonNumber >= p.bestNumber && p.pending == nil {
			// the peer's chain is not the one we imported
			e.restartSearch(p)
		}
	}
	for _, r := range e.queue.sorted() {
		if !r.downloaded() {
			continue
		}
		if p, ok := e.peers[r.peer]; !ok || p.state != stateRanging {
			e.queue.release(r.start, r.peer)
		}
	}
}

// updateJustifications resolves requests whose justification is now stored
// and applies justifications that arrived before their block.
func (e *Engine) updateJustifications() {
	for _, r := range e.justifications.sorted() {
		j, err := e.client.Justification(types.BlockHash(r.hash))
		if err != nil {
			e.logger.Error("failed to load justification", "hash", r.hash, "err", err)
			continue
		}
		if j != nil {
			// stored along with the block
			if err := e.client.FinalizeBlock(types.BlockHash(r.hash), j, true); err != nil {
				e.logger.Error("failed to finalize block", "number", r.number, "hash", r.hash, "err", err)
			}
			e.justifications.resolve(r.hash)
			e.metrics.ResolvedJustifications.Add(1)
			e.info = e.client.Info()
			continue
		}
		if r.received == nil {
			continue
		}
		if e.isKnown(r.hash) {
			e.applyJustification(r, r.received, r.receivedFrom)
		} else if e.forks.get(r.hash) == nil {
			// the block could not be fetched, ask again
			r.received = nil
		}
	}
}

// updateForkTargets drops targets that are stored by now.
func (e *Engine) updateForkTargets() {
	for _, t := range e.forks.sorted() {
		if t.inFlight == "" && e.isKnown(t.hash) {
			e.forks.remove(t.hash)
		}
	}
}

// scheduleRequest hands an idle peer its next request, if any.
func (e *Engine) scheduleRequest(p *peerState) {
	if t, count, ok := e.forks.next(p.id, e.info.FinalizedNumber, e.cfg.MaxBlocksPerRequest); ok {
		e.requestFork(p, t, count)
		return
	}
	if p.isDownloadSource() {
		if p.state == stateIdle && e.shouldSearch(p) {
			e.startSearch(p)
		}
		if p.state == stateProbing && e.requestProbe(p) {
			return
		}
		if p.state == stateRanging && e.requestRange(p) {
			return
		}
	}
	if r, ok := e.justifications.next(p, e.now); ok {
		e.requestJustification(p, r)
	}
}

func (e *Engine) shouldSearch(p *peerState) bool {
	return !p.searchAbandoned &&
		p.bestNumber > e.info.FinalizedNumber &&
		!e.isBlacklisted(p.bestHash) &&
		!e.isKnown(p.bestHash)
}

func (e *Engine) requestProbe(p *peerState) bool {
	n, done := p.search.next()
	if done {
		e.finishSearch(p, n)
		return false
	}
	id := e.nextRequestID()
	p.pending = &pendingRequest{id: id, kind: requestProbe, at: n}
	e.metrics.AncestorProbes.Add(1)
	e.send(p.id, &AncestorRequest{ID: id, Number: n})
	return true
}

// requestRange asks the peer for the lowest missing window of its chain.
// Blocks are requested top down; the window ending at the peer's best block
// is anchored at its hash so that a reorg on the peer side cannot hand us
// another branch.
func (e *Engine) requestRange(p *peerState) bool {
	start, count, ok := e.queue.needed(p.commonNumber, p.bestNumber, e.info.BestNumber)
	if !ok {
		return false
	}
	end := start + int64(count) - 1
	from := types.BlockNumber(end)
	if end == p.bestNumber {
		from = types.BlockHash(p.bestHash)
	}
	e.queue.add(start, count, p.id)

	id := e.nextRequestID()
	p.pending = &pendingRequest{id: id, kind: requestRange, from: from, start: start, count: count}
	e.send(p.id, &BlockRequest{
		ID:        id,
		From:      from,
		Direction: Descending,
		Max:       count,
		Fields:    e.blockFields(),
	})
	return true
}

func (e *Engine) requestFork(p *peerState, t *forkTarget, count int) {
	t.inFlight = p.id
	from := types.BlockHash(t.next)
	id := e.nextRequestID()
	p.pending = &pendingRequest{id: id, kind: requestFork, from: from, count: count, hash: t.hash, number: t.nextNumber}
	e.send(p.id, &BlockRequest{
		ID:        id,
		From:      from,
		Direction: Descending,
		Max:       count,
		Fields:    e.blockFields(),
	})
}

func (e *Engine) requestJustification(p *peerState, r *justificationRequest) {
	e.justifications.sent(r, p.id)
	id := e.nextRequestID()
	p.pending = &pendingRequest{id: id, kind: requestJustification, hash: r.hash, number: r.number}
	e.send(p.id, &JustificationRequest{ID: id, Hash: r.hash, Number: r.number})
}

func (e *Engine) blockFields() BlockFields {
	if e.role.IsLight() {
		return FieldHeader | FieldJustification
	}
	return FieldHeader | FieldBody | FieldJustification
}

func (e *Engine) updateStatus() {
	status := StatusIdle
	if len(e.peers) == 0 {
		status = StatusOffline
	}
	var (
		inFlight     int
		incompatible int
		peers        = make([]PeerInfo, 0, len(e.peers))
	)
	for _, p := range e.sortedPeers() {
		if (p.state == stateProbing || p.state == stateRanging) &&
			p.bestNumber-e.info.BestNumber > e.cfg.MajorSyncThreshold {
			status = StatusMajorSyncing
		}
		if p.pending != nil {
			inFlight++
		}
		if p.incompatible {
			incompatible++
		}
		peers = append(peers, p.info())
	}

	if old := SyncStatus(atomic.SwapInt32(&e.status, int32(status))); old != status {
		e.logger.Info("sync status changed", "status", status.String(), "best", e.info.BestNumber)
	}
	e.snapshot.Store(Snapshot{
		Status:                status,
		Chain:                 e.info,
		Peers:                 peers,
		InFlight:              inFlight,
		QueuedRanges:          e.queue.len(),
		QueuedBlocks:          e.queue.queuedBlocks(),
		ForkTargets:           e.forks.len(),
		PendingJustifications: e.justifications.len(),
	})

	syncing := 0.0
	if status == StatusMajorSyncing {
		syncing = 1
	}
	e.metrics.Peers.Set(float64(len(e.peers)))
	e.metrics.Syncing.Set(syncing)
	e.metrics.BestNumber.Set(float64(e.info.BestNumber))
	e.metrics.FinalizedNumber.Set(float64(e.info.FinalizedNumber))
	e.metrics.QueuedBlocks.Set(float64(e.queue.queuedBlocks()))
	e.metrics.IncompatiblePeers.Set(float64(incompatible))
	e.metrics.PendingJustifications.Set(float64(e.justifications.len()))
}

func (e *Engine) sortedPeers() []*peerState {
	ps := make([]*peerState, 0, len(e.peers))
	for _, p := range e.peers {
		ps = append(ps, p)
	}
	sort.Slice(ps, func(i, j int) bool { return ps[i].id < ps[j].id })
	return ps
}

func (e *Engine) isKnown(hash types.Hash) bool {
	header, err := e.client.Header(types.BlockHash(hash))
	if err != nil {
		e.logger.Error("failed to load header", "hash", hash, "err", err)
		return false
	}
	return header != nil
}

// blacklistBranch marks blocks as bad. Peers whose best block is blacklisted
// stop downloading on the next tick.
func (e *Engine) blacklistBranch(hashes ...types.Hash) {
	for _, h := range hashes {
		if !h.IsZero() {
			e.blacklist[h] = struct{}{}
		}
	}
}

func (e *Engine) isBlacklisted(hash types.Hash) bool {
	_, ok := e.blacklist[hash]
	return ok
}

func (e *Engine) nextRequestID() uint64 {
	e.lastRequestID++
	return e.lastRequestID
}

func (e *Engine) send(to types.NodeID, msg interface{}) {
	e.out = append(e.out, p2p.Envelope{To: to, Message: msg})
}

func (e *Engine) broadcast(msg interface{}) {
	e.out = append(e.out, p2p.Envelope{Broadcast: true, Message: msg})
}
