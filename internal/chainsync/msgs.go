package chainsync

import (
	"fmt"

	"github.com/tendermint/chainsync/internal/p2p"
	"github.com/tendermint/chainsync/types"
)

// Direction is the order in which a block request walks the chain.
type Direction uint8

const (
	// Ascending walks the canonical chain of the serving peer upwards.
	Ascending Direction = iota
	// Descending walks parent links downwards.
	Descending
)

func (d Direction) String() string {
	if d == Descending {
		return "descending"
	}
	return "ascending"
}

// BlockFields selects the data returned for every block of a block request.
type BlockFields uint8

const (
	FieldHeader BlockFields = 1 << iota
	FieldBody
	FieldJustification
)

// Has reports whether all the fields of f2 are set in f.
func (f BlockFields) Has(f2 BlockFields) bool { return f&f2 == f2 }

// AncestorRequest asks a peer for the hash of its canonical block at Number.
type AncestorRequest struct {
	ID     uint64
	Number int64
}

func (m *AncestorRequest) RequestID() uint64              { return m.ID }
func (m *AncestorRequest) RequestClass() p2p.RequestClass { return p2p.ClassProbe }

// AncestorResponse answers an AncestorRequest. Found is false when the peer
// has no canonical block at Number.
type AncestorResponse struct {
	ID     uint64
	Number int64
	Hash   types.Hash
	Found  bool
}

func (m *AncestorResponse) RequestID() uint64 { return m.ID }

// BlockRequest asks for up to Max blocks starting at From.
type BlockRequest struct {
	ID        uint64
	From      types.BlockID
	Direction Direction
	Max       int
	Fields    BlockFields
}

func (m *BlockRequest) RequestID() uint64              { return m.ID }
func (m *BlockRequest) RequestClass() p2p.RequestClass { return p2p.ClassRange }

func (m *BlockRequest) String() string {
	return fmt.Sprintf("BlockRequest{%d from:%v %v max:%d}", m.ID, m.From, m.Direction, m.Max)
}

// BlockResponse carries the blocks of a BlockRequest in request order. An
// empty response means the peer does not know From.
type BlockResponse struct {
	ID     uint64
	Blocks []*types.Block
}

func (m *BlockResponse) RequestID() uint64 { return m.ID }

// JustificationRequest asks for the justification of the block Hash.
type JustificationRequest struct {
	ID     uint64
	Hash   types.Hash
	Number int64
}

func (m *JustificationRequest) RequestID() uint64              { return m.ID }
func (m *JustificationRequest) RequestClass() p2p.RequestClass { return p2p.ClassJustification }

// JustificationResponse answers a JustificationRequest. An empty
// justification is valid, so absence is signalled by Found.
type JustificationResponse struct {
	ID            uint64
	Hash          types.Hash
	Justification []byte
	Found         bool
}

func (m *JustificationResponse) RequestID() uint64 { return m.ID }

// BlockAnnounce is sent unsolicited to every peer when a node has a new block.
// Data is an opaque payload attached by the announcer.
type BlockAnnounce struct {
	Header *types.Header
	IsBest bool
	Data   []byte
}

// Status is exchanged by peers when they connect. It is handled by the
// transport glue and turned into a PeerConnected event.
type Status struct {
	Role        types.Role
	BestHash    types.Hash
	BestNumber  int64
	GenesisHash types.Hash
}

// Event is an input to the engine, delivered between ticks.
type Event interface{}

// PeerConnected is delivered once the handshake with a peer completed. It is
// also accepted for an already connected peer and then refreshes its best.
type PeerConnected struct {
	Peer       types.NodeID
	Role       types.Role
	BestHash   types.Hash
	BestNumber int64
}

// PeerDisconnected is delivered when a peer is gone.
type PeerDisconnected struct {
	Peer types.NodeID
}

// MessageReceived wraps any message received from a peer: requests to
// serve, responses to our requests and announcements.
type MessageReceived struct {
	From    types.NodeID
	Message interface{}
}

// RequestFailed is delivered when a request to Peer timed out or could not
// be sent.
type RequestFailed struct {
	Peer types.NodeID
	ID   uint64
}

// control operations are queued with the other events so that they take
// effect on the goroutine running Tick.
type (
	justificationControl struct {
		hash   types.Hash
		number int64
		peers  []types.NodeID
	}
	forkControl struct {
		peers  []types.NodeID
		hash   types.Hash
		number int64
	}
	announceControl struct {
		hash types.Hash
		data []byte
	}
)
