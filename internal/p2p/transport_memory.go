package p2p

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/tendermint/chainsync/libs/log"
	"github.com/tendermint/chainsync/types"
)

var (
	// ErrTransportClosed is returned when sending through a closed transport.
	ErrTransportClosed = errors.New("transport is closed")
	// ErrNotConnected is returned when sending to a peer that is not linked.
	ErrNotConnected = errors.New("peer is not connected")
	// ErrQueueFull is returned when the receiver's inbox is full. The message
	// is dropped.
	ErrQueueFull = errors.New("peer inbox is full")
)

// MemoryNetwork is an in-memory "network" that uses Go channels to communicate
// between endpoints. Transports are created with CreateTransport and linked
// pairwise with Connect. It is used by the simulator and in tests.
type MemoryNetwork struct {
	logger     log.Logger
	bufferSize int

	mtx        sync.RWMutex
	transports map[types.NodeID]*MemoryTransport
}

// NewMemoryNetwork creates a new in-memory network. bufferSize is the
// capacity of every transport's inbox.
func NewMemoryNetwork(logger log.Logger, bufferSize int) *MemoryNetwork {
	return &MemoryNetwork{
		logger:     logger,
		bufferSize: bufferSize,
		transports: map[types.NodeID]*MemoryTransport{},
	}
}

// CreateTransport creates a new memory transport with the given node ID.
func (n *MemoryNetwork) CreateTransport(nodeID types.NodeID) (*MemoryTransport, error) {
	if err := nodeID.Validate(); err != nil {
		return nil, err
	}

	n.mtx.Lock()
	defer n.mtx.Unlock()
	if _, ok := n.transports[nodeID]; ok {
		return nil, fmt.Errorf("transport with node ID %q already exists", nodeID)
	}
	t := &MemoryTransport{
		network:  n,
		nodeID:   nodeID,
		logger:   n.logger.With("local", nodeID),
		peers:    map[types.NodeID]bool{},
		inCh:     make(chan Envelope, n.bufferSize),
		updateCh: make(chan PeerUpdate, n.bufferSize),
		closeCh:  make(chan struct{}),
	}
	n.transports[nodeID] = t
	return t, nil
}

// GetTransport looks up a transport in the network, returning nil if not found.
func (n *MemoryNetwork) GetTransport(id types.NodeID) *MemoryTransport {
	n.mtx.RLock()
	defer n.mtx.RUnlock()
	return n.transports[id]
}

// NodeIDs returns the IDs of all transports in ascending order.
func (n *MemoryNetwork) NodeIDs() []types.NodeID {
	n.mtx.RLock()
	defer n.mtx.RUnlock()
	ids := make([]types.NodeID, 0, len(n.transports))
	for id := range n.transports {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Connect links two transports and notifies both sides with PeerStatusUp.
// Connecting already linked transports is a no-op.
func (n *MemoryNetwork) Connect(a, b types.NodeID) error {
	if a == b {
		return fmt.Errorf("can't connect %q to itself", a)
	}
	ta, tb := n.GetTransport(a), n.GetTransport(b)
	if ta == nil || tb == nil {
		return fmt.Errorf("unknown transport in link %q <-> %q", a, b)
	}
	if !ta.link(b) || !tb.link(a) {
		return nil
	}
	ta.notify(PeerUpdate{NodeID: b, Status: PeerStatusUp})
	tb.notify(PeerUpdate{NodeID: a, Status: PeerStatusUp})
	return nil
}

// Disconnect unlinks two transports and notifies both sides with
// PeerStatusDown.
func (n *MemoryNetwork) Disconnect(a, b types.NodeID) {
	ta, tb := n.GetTransport(a), n.GetTransport(b)
	if ta != nil && ta.unlink(b) {
		ta.notify(PeerUpdate{NodeID: b, Status: PeerStatusDown})
	}
	if tb != nil && tb.unlink(a) {
		tb.notify(PeerUpdate{NodeID: a, Status: PeerStatusDown})
	}
}

// RemoveTransport disconnects a transport from all its peers, removes it
// from the network and closes it.
func (n *MemoryNetwork) RemoveTransport(id types.NodeID) {
	t := n.GetTransport(id)
	if t == nil {
		return
	}
	for _, peer := range t.Peers() {
		n.Disconnect(id, peer)
	}

	n.mtx.Lock()
	delete(n.transports, id)
	n.mtx.Unlock()

	t.Close()
}

// MemoryTransport is the endpoint of one node in a MemoryNetwork.
type MemoryTransport struct {
	network *MemoryNetwork
	nodeID  types.NodeID
	logger  log.Logger

	mtx   sync.RWMutex
	peers map[types.NodeID]bool

	inCh      chan Envelope
	updateCh  chan PeerUpdate
	closeCh   chan struct{}
	closeOnce sync.Once
}

// NodeID returns the ID of the local node.
func (t *MemoryTransport) NodeID() types.NodeID { return t.nodeID }

// String displays the transport.
func (t *MemoryTransport) String() string {
	return fmt.Sprintf("memory:%v", t.nodeID)
}

// Receive returns the inbound message channel. It is never closed.
func (t *MemoryTransport) Receive() <-chan Envelope { return t.inCh }

// PeerUpdates returns the channel of link changes of this transport.
func (t *MemoryTransport) PeerUpdates() <-chan PeerUpdate { return t.updateCh }

// Done returns a channel closed once the transport is closed.
func (t *MemoryTransport) Done() <-chan struct{} { return t.closeCh }

// Peers returns the linked peers in ascending order.
func (t *MemoryTransport) Peers() []types.NodeID {
	t.mtx.RLock()
	defer t.mtx.RUnlock()
	peers := make([]types.NodeID, 0, len(t.peers))
	for id := range t.peers {
		peers = append(peers, id)
	}
	sort.Slice(peers, func(i, j int) bool { return peers[i] < peers[j] })
	return peers
}

// IsConnected reports whether the transport is linked to id.
func (t *MemoryTransport) IsConnected(id types.NodeID) bool {
	t.mtx.RLock()
	defer t.mtx.RUnlock()
	return t.peers[id]
}

// Send delivers e to its receiver, or to every linked peer when e.Broadcast
// is set. Sending never blocks: a message for a full inbox is dropped and
// reported as a PeerError.
func (t *MemoryTransport) Send(e Envelope) error {
	select {
	case <-t.closeCh:
		return ErrTransportClosed
	default:
	}

	if e.Broadcast {
		var firstErr error
		for _, peer := range t.Peers() {
			if err := t.sendTo(peer, e.Message); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		return firstErr
	}
	return t.sendTo(e.To, e.Message)
}

func (t *MemoryTransport) sendTo(to types.NodeID, msg interface{}) error {
	if !t.IsConnected(to) {
		return PeerError{NodeID: to, Err: ErrNotConnected}
	}
	peer := t.network.GetTransport(to)
	if peer == nil {
		return PeerError{NodeID: to, Err: ErrNotConnected}
	}

	select {
	case peer.inCh <- Envelope{From: t.nodeID, Message: msg}:
		return nil
	case <-peer.closeCh:
		return PeerError{NodeID: to, Err: ErrTransportClosed}
	default:
		t.logger.Error("dropping message", "peer", to, "msg", fmt.Sprintf("%T", msg))
		return PeerError{NodeID: to, Err: ErrQueueFull}
	}
}

// Close closes the transport. Linked peers are not notified; use
// MemoryNetwork.RemoveTransport for that.
func (t *MemoryTransport) Close() {
	t.closeOnce.Do(func() { close(t.closeCh) })
}

func (t *MemoryTransport) link(id types.NodeID) bool {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	if t.peers[id] {
		return false
	}
	t.peers[id] = true
	return true
}

func (t *MemoryTransport) unlink(id types.NodeID) bool {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	if !t.peers[id] {
		return false
	}
	delete(t.peers, id)
	return true
}

func (t *MemoryTransport) notify(pu PeerUpdate) {
	select {
	case t.updateCh <- pu:
	case <-t.closeCh:
	default:
		t.logger.Error("dropping peer update", "peer", pu.NodeID, "status", pu.Status)
	}
}
