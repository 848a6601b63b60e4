package types

import "fmt"

// ChainInfo summarises the local chain as seen by a chain store.
type ChainInfo struct {
	GenesisHash     Hash
	BestHash        Hash
	BestNumber      int64
	FinalizedHash   Hash
	FinalizedNumber int64
}

func (ci ChainInfo) String() string {
	return fmt.Sprintf("ChainInfo{best:#%d %v finalized:#%d %v}",
		ci.BestNumber, ci.BestHash.Short(), ci.FinalizedNumber, ci.FinalizedHash.Short())
}

// ImportResult is the outcome of handing a block to the chain store.
type ImportResult uint8

const (
	// ImportResultImported means the block was stored. Whether it became the
	// best block is decided by the store.
	ImportResultImported ImportResult = iota + 1
	// ImportResultAlreadyKnown means the block was already stored.
	ImportResultAlreadyKnown
	// ImportResultKnownBad means the block is invalid and must never be
	// requested again.
	ImportResultKnownBad
	// ImportResultUnknownParent means the parent of the block is not stored.
	ImportResultUnknownParent
	// ImportResultEquivocation means the block conflicts with one already
	// stored by the same producer.
	ImportResultEquivocation
)

func (r ImportResult) String() string {
	switch r {
	case ImportResultImported:
		return "Imported"
	case ImportResultAlreadyKnown:
		return "AlreadyKnown"
	case ImportResultKnownBad:
		return "KnownBad"
	case ImportResultUnknownParent:
		return "UnknownParent"
	case ImportResultEquivocation:
		return "Equivocation"
	default:
		return fmt.Sprintf("unknown ImportResult: %d", uint8(r))
	}
}

// IsSuccess reports whether the block is now stored.
func (r ImportResult) IsSuccess() bool {
	return r == ImportResultImported || r == ImportResultAlreadyKnown
}
