package chainsync

import "github.com/tendermint/chainsync/types"

// Client is the chain store the engine reads from and imports into. It must
// be safe for concurrent use; the engine never holds a lock over it.
// *store.BlockStore implements Client.
type Client interface {
	Info() types.ChainInfo
	BestHeader() (*types.Header, error)
	// Header returns nil and no error for unknown blocks.
	Header(id types.BlockID) (*types.Header, error)
	// Body returns nil for unknown blocks and on header only stores.
	Body(hash types.Hash) (*types.Body, error)
	ImportBlock(block *types.Block) (types.ImportResult, error)
	// Justification returns nil when no justification is stored. An empty
	// non-nil slice is a valid justification.
	Justification(id types.BlockID) ([]byte, error)
	FinalizeBlock(id types.BlockID, justification []byte, notify bool) error
}
