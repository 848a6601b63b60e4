package chainsync

import (
	"errors"
	"fmt"

	"github.com/tendermint/chainsync/types"
)

var (
	// ErrQueueFull is returned by Deliver and the control operations when
	// the event queue has no room left. The caller may retry after the next
	// tick.
	ErrQueueFull = errors.New("sync event queue is full")

	errUnexpectedResponse  = errors.New("response does not match the pending request")
	errEmptyResponse       = errors.New("empty response")
	errTooManyBlocks       = errors.New("response holds more blocks than requested")
	errBrokenChain         = errors.New("blocks are not linked by parent hash")
	errMissingBody         = errors.New("block without body")
	errWrongAnchor         = errors.New("first block does not match the request")
	errProbeNotFound       = errors.New("peer has no block at probed number")
	errBadBlock            = errors.New("peer served a known bad block")
	errEquivocation        = errors.New("peer served an equivocating block")
	errImportFailed        = errors.New("block import failed")
	errRequestTimedOut     = errors.New("request timed out")
	errForkLookbackReached = errors.New("fork target is deeper than the lookback limit")
)

// peerError is a protocol failure attributed to one peer. It costs the peer
// a strike.
type peerError struct {
	err    error
	peerID types.NodeID
}

func (e peerError) Error() string {
	return fmt.Sprintf("error with peer %v: %s", e.peerID, e.err.Error())
}

func (e peerError) Unwrap() error { return e.err }
