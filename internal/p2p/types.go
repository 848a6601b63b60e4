package p2p

import (
	"fmt"

	"github.com/tendermint/chainsync/types"
)

// Envelope contains a message with sender/receiver routing info.
type Envelope struct {
	From      types.NodeID // sender (empty if outbound)
	To        types.NodeID // receiver (empty if inbound)
	Broadcast bool         // send to all connected peers (ignores To)
	Message   interface{}  // message payload
}

func (e Envelope) String() string {
	switch {
	case e.Broadcast:
		return fmt.Sprintf("Envelope{broadcast %T}", e.Message)
	case e.From != "":
		return fmt.Sprintf("Envelope{%v -> %T}", e.From, e.Message)
	default:
		return fmt.Sprintf("Envelope{%T -> %v}", e.Message, e.To)
	}
}

// PeerStatus is a peer status.
type PeerStatus string

const (
	PeerStatusUp   PeerStatus = "up"   // connected and ready
	PeerStatusDown PeerStatus = "down" // disconnected
)

// PeerUpdate is a peer update event sent via PeerUpdates.
type PeerUpdate struct {
	NodeID types.NodeID
	Status PeerStatus
}

// PeerError is an error attributed to a single peer.
type PeerError struct {
	NodeID types.NodeID
	Err    error
}

func (pe PeerError) Error() string { return fmt.Sprintf("peer=%q: %s", pe.NodeID, pe.Err.Error()) }
func (pe PeerError) Unwrap() error { return pe.Err }
