// Package synctest runs sync engines against each other in memory.
//
// A Network ticks every engine in turn from a single goroutine and routes
// their messages directly into the inboxes of the receivers, so scenarios
// are deterministic and need no real transport. Time is simulated: every
// Poll advances the clock by PollInterval.
package synctest

import (
	"encoding/hex"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	dbm "github.com/tendermint/tm-db"
	"lukechampine.com/frand"

	"github.com/tendermint/chainsync/config"
	"github.com/tendermint/chainsync/internal/chainsync"
	"github.com/tendermint/chainsync/internal/store"
	"github.com/tendermint/chainsync/libs/log"
	"github.com/tendermint/chainsync/types"
)

const (
	// PollInterval is the simulated time between two polls.
	PollInterval = 100 * time.Millisecond

	// MaxPolls bounds every blocking helper of the network.
	MaxPolls = 5000
)

// Network is a fully connected set of peers.
type Network struct {
	t       *testing.T
	genesis *types.Header
	logger  log.Logger
	now     time.Time
	nextID  int

	peers     []*Peer
	connected map[[2]types.NodeID]bool
}

// Peer is one node of the network: a chain store and the engine syncing it.
type Peer struct {
	ID     types.NodeID
	Role   types.Role
	Engine *chainsync.Engine
	Store  *store.BlockStore

	network *Network
	// events not delivered yet because the engine queue was full
	inbox []chainsync.Event
}

// NewNetwork creates a network of n full peers sharing a genesis block.
// Peers connect to each other on the first Poll.
func NewNetwork(t *testing.T, n int) *Network {
	net := &Network{
		t:         t,
		genesis:   types.NewGenesis("synctest"),
		logger:    log.NewTestingLogger(t),
		now:       time.Unix(1600000000, 0),
		connected: map[[2]types.NodeID]bool{},
	}
	for i := 0; i < n; i++ {
		net.AddFullPeer()
	}
	return net
}

// AddFullPeer adds a full peer at genesis.
func (net *Network) AddFullPeer() *Peer {
	return net.addPeer(types.RoleFull)
}

// AddLightPeer adds a light peer at genesis.
func (net *Network) AddLightPeer() *Peer {
	return net.addPeer(types.RoleLight)
}

func (net *Network) addPeer(role types.Role) *Peer {
	id := types.NodeID(fmt.Sprintf("peer%03d", net.nextID))
	net.nextID++
	logger := net.logger.With("node", id)

	bs, err := store.NewBlockStore(dbm.NewMemDB(), net.genesis, role, store.WithLogger(logger))
	require.NoError(net.t, err)

	cfg := config.TestSyncConfig()
	cfg.Role = role.String()
	engine, err := chainsync.NewEngine(cfg, bs, chainsync.WithLogger(logger))
	require.NoError(net.t, err)

	p := &Peer{ID: id, Role: role, Engine: engine, Store: bs, network: net}
	net.peers = append(net.peers, p)
	return p
}

// Peer returns the i-th peer. Indices shift down when a peer is removed.
func (net *Network) Peer(i int) *Peer {
	require.Less(net.t, i, len(net.peers), "no peer at index %d", i)
	return net.peers[i]
}

// Peers returns the peers in index order.
func (net *Network) Peers() []*Peer {
	return net.peers
}

// Now returns the simulated time.
func (net *Network) Now() time.Time {
	return net.now
}

// RemovePeer drops the i-th peer. Its former peers see it disconnect.
func (net *Network) RemovePeer(i int) {
	removed := net.Peer(i)
	net.peers = append(net.peers[:i:i], net.peers[i+1:]...)
	for _, p := range net.peers {
		key := pairKey(p.ID, removed.ID)
		if net.connected[key] {
			delete(net.connected, key)
			p.inbox = append(p.inbox, chainsync.PeerDisconnected{Peer: removed.ID})
		}
	}
}

// Poll connects new peers, then ticks every engine once in index order and
// routes the messages it produced.
func (net *Network) Poll() {
	net.connect()
	for _, p := range net.peers {
		p.deliver()
		for _, env := range p.Engine.Tick(net.now) {
			if env.Broadcast {
				for _, to := range net.peers {
					if net.connected[pairKey(p.ID, to.ID)] {
						to.receive(p.ID, env.Message)
					}
				}
				continue
			}
			if to := net.lookup(env.To); to != nil && net.connected[pairKey(p.ID, to.ID)] {
				to.receive(p.ID, env.Message)
			}
		}
	}
	net.now = net.now.Add(PollInterval)
}

// PollUntil polls until done returns true, failing the test after MaxPolls.
func (net *Network) PollUntil(done func() bool) {
	net.t.Helper()
	for i := 0; i < MaxPolls; i++ {
		net.Poll()
		if done() {
			return
		}
	}
	require.FailNow(net.t, "network did not reach the expected state", "after %d polls", MaxPolls)
}

// PollFor polls for d of simulated time.
func (net *Network) PollFor(d time.Duration) {
	until := net.now.Add(d)
	for net.now.Before(until) {
		net.Poll()
	}
}

// BlockUntilSync polls until every pair of peers is connected and no message,
// event or request is outstanding anywhere.
func (net *Network) BlockUntilSync() {
	net.t.Helper()
	net.PollUntil(net.isIdle)
}

func (net *Network) isIdle() bool {
	for _, p := range net.peers {
		for _, q := range net.peers {
			if p != q && !net.connected[pairKey(p.ID, q.ID)] {
				return false
			}
		}
		snap := p.Engine.Snapshot()
		if len(p.inbox) > 0 || p.Engine.QueuedEvents() > 0 || snap.InFlight > 0 || snap.QueuedRanges > 0 {
			return false
		}
	}
	return true
}

func (net *Network) connect() {
	for _, p := range net.peers {
		for _, q := range net.peers {
			key := pairKey(p.ID, q.ID)
			if p.ID >= q.ID || net.connected[key] {
				continue
			}
			net.connected[key] = true
			p.inbox = append(p.inbox, q.status())
			q.inbox = append(q.inbox, p.status())
		}
	}
}

func (net *Network) lookup(id types.NodeID) *Peer {
	for _, p := range net.peers {
		if p.ID == id {
			return p
		}
	}
	return nil
}

func pairKey(a, b types.NodeID) [2]types.NodeID {
	if b < a {
		a, b = b, a
	}
	return [2]types.NodeID{a, b}
}

func (p *Peer) status() chainsync.PeerConnected {
	info := p.Store.Info()
	return chainsync.PeerConnected{
		Peer:       p.ID,
		Role:       p.Role,
		BestHash:   info.BestHash,
		BestNumber: info.BestNumber,
	}
}

func (p *Peer) receive(from types.NodeID, msg interface{}) {
	p.inbox = append(p.inbox, chainsync.MessageReceived{From: from, Message: msg})
}

// deliver hands the inbox to the engine, keeping what does not fit for the
// next poll.
func (p *Peer) deliver() {
	for i, ev := range p.inbox {
		if err := p.Engine.Deliver(ev); err != nil {
			p.inbox = p.inbox[i:]
			return
		}
	}
	p.inbox = nil
}

// PushBlocks builds n blocks on top of the local best block and returns the
// hash of the last one. Unforked blocks built by different peers on the same
// parent are identical; forked ones are unique.
func (p *Peer) PushBlocks(n int, fork bool) types.Hash {
	return p.PushBlocksAt(types.BlockHash(p.Store.Info().BestHash), n, fork)
}

// PushBlocksAt builds n blocks on top of the referenced block.
func (p *Peer) PushBlocksAt(at types.BlockID, n int, fork bool) types.Hash {
	t := p.network.t
	t.Helper()
	parent, err := p.Store.Header(at)
	require.NoError(t, err)
	require.NotNil(t, parent, "unknown block %v", at)

	var salt []byte
	if fork {
		salt = []byte(hex.EncodeToString(frand.Bytes(8)))
	}
	for i := 0; i < n; i++ {
		header := &types.Header{
			Number:     parent.Number + 1,
			ParentHash: parent.Hash(),
			Extra:      salt,
		}
		block := &types.Block{Header: header}
		if !p.Role.IsLight() {
			block.Body = &types.Body{}
		}
		res, err := p.Store.ImportBlock(block)
		require.NoError(t, err)
		require.True(t, res.IsSuccess(), "importing %v: %v", block, res)
		parent = header
	}
	return parent.Hash()
}

// HasBlock reports whether the peer stores the block.
func (p *Peer) HasBlock(hash types.Hash) bool {
	h, err := p.Store.Header(types.BlockHash(hash))
	require.NoError(p.network.t, err)
	return h != nil
}

// Justification returns the justification stored for the canonical block
// at number n.
func (p *Peer) Justification(n int64) []byte {
	j, err := p.Store.Justification(types.BlockNumber(n))
	require.NoError(p.network.t, err)
	return j
}

// BestNumber returns the local best block number.
func (p *Peer) BestNumber() int64 { return p.Store.Info().BestNumber }

// BlocksCount returns the number of stored blocks, genesis included.
func (p *Peer) BlocksCount() int64 { return p.Store.BlockCount() }

// NumPeers returns the number of peers known to the engine.
func (p *Peer) NumPeers() int { return len(p.Engine.Snapshot().Peers) }

func (p *Peer) IsOffline() bool      { return p.Engine.IsOffline() }
func (p *Peer) IsMajorSyncing() bool { return p.Engine.IsMajorSyncing() }

// CanonEquals reports whether both peers have the same best block.
func (p *Peer) CanonEquals(other *Peer) bool {
	a, b := p.Store.Info(), other.Store.Info()
	return a.BestHash == b.BestHash && a.BestNumber == b.BestNumber
}

// CanonicalChain returns the hashes of the canonical chain from genesis to
// the best block and checks that they are parent linked.
func (p *Peer) CanonicalChain() []types.Hash {
	t := p.network.t
	t.Helper()
	best := p.BestNumber()
	chain := make([]types.Hash, 0, best+1)
	var prev types.Hash
	for n := int64(0); n <= best; n++ {
		h, err := p.Store.Header(types.BlockNumber(n))
		require.NoError(t, err)
		require.NotNil(t, h, "%v: no canonical block at %d", p.ID, n)
		require.Equal(t, prev, h.ParentHash, "%v: block %d does not link to its parent", p.ID, n)
		prev = h.Hash()
		chain = append(chain, prev)
	}
	return chain
}

// RequestJustification asks the peer's engine for a justification.
func (p *Peer) RequestJustification(hash types.Hash, number int64) {
	require.NoError(p.network.t, p.Engine.RequestJustification(hash, number))
}

// SetSyncForkRequest asks the peer's engine for a side branch block.
func (p *Peer) SetSyncForkRequest(peers []types.NodeID, hash types.Hash, number int64) {
	require.NoError(p.network.t, p.Engine.SetSyncForkRequest(peers, hash, number))
}

// AnnounceBlock makes the peer announce a stored block.
func (p *Peer) AnnounceBlock(hash types.Hash, data []byte) {
	require.NoError(p.network.t, p.Engine.AnnounceBlock(hash, data))
}
