package store

import (
	"errors"
	"fmt"
	"sync"

	"github.com/gogo/protobuf/proto"
	"github.com/google/orderedcode"
	dbm "github.com/tendermint/tm-db"

	"github.com/tendermint/chainsync/libs/log"
	"github.com/tendermint/chainsync/types"
)

var (
	// ErrUnknownBlock is returned when an operation references a block that
	// is not stored.
	ErrUnknownBlock = errors.New("unknown block")
	// ErrFinalizeConflict is returned when finalizing a block that does not
	// descend from the last finalized block.
	ErrFinalizeConflict = errors.New("block conflicts with finalized chain")
	// ErrMissingBody is returned when a full store is handed a header only
	// block.
	ErrMissingBody = errors.New("full store requires block bodies")
	// ErrGenesisMismatch is returned when opening a database created for a
	// different genesis block.
	ErrGenesisMismatch = errors.New("database holds a different genesis block")
)

// Verifier checks a block before it is stored. Returning anything but
// ImportResultImported rejects the block with that result.
type Verifier interface {
	VerifyBlock(block *types.Block) types.ImportResult
}

// VerifierFunc adapts a function to Verifier.
type VerifierFunc func(*types.Block) types.ImportResult

func (f VerifierFunc) VerifyBlock(block *types.Block) types.ImportResult { return f(block) }

// Option configures a BlockStore.
type Option func(*BlockStore)

// WithVerifier installs a block verifier.
func WithVerifier(v Verifier) Option {
	return func(bs *BlockStore) { bs.verifier = v }
}

// WithLogger sets the logger of the store.
func WithLogger(logger log.Logger) Option {
	return func(bs *BlockStore) { bs.logger = logger }
}

// WithFinalityNotifier installs a callback run, outside of the store lock,
// for every block finalized with notify set.
func WithFinalityNotifier(fn func(hash types.Hash, number int64)) Option {
	return func(bs *BlockStore) { bs.onFinalized = fn }
}

/*
BlockStore is the chain store of a node. It holds every imported header
(including side branches), the bodies of a full node, justifications, and an
index of the canonical chain by number.

Canonicity is decided here: the best block is the highest block descending
from the last finalized block, and the first one imported wins ties. Any
change of the best block rewrites the canonical index in the same batch.

The store is safe for concurrent use.
*/
type BlockStore struct {
	db          dbm.DB
	role        types.Role
	logger      log.Logger
	verifier    Verifier
	onFinalized func(types.Hash, int64)

	mtx   sync.RWMutex
	info  types.ChainInfo
	count int64
}

// NewBlockStore opens the store held in db, initializing it with genesis if
// it is empty.
func NewBlockStore(db dbm.DB, genesis *types.Header, role types.Role, opts ...Option) (*BlockStore, error) {
	if err := genesis.ValidateBasic(); err != nil {
		return nil, fmt.Errorf("invalid genesis: %w", err)
	}
	if !genesis.IsGenesis() {
		return nil, fmt.Errorf("genesis has number %d", genesis.Number)
	}

	bs := &BlockStore{
		db:     db,
		role:   role,
		logger: log.NewNopLogger(),
	}
	for _, opt := range opts {
		opt(bs)
	}

	storedGenesis, err := bs.loadMeta(metaGenesis)
	if err != nil {
		return nil, err
	}
	if storedGenesis == nil {
		if err := bs.initGenesis(genesis); err != nil {
			return nil, err
		}
		return bs, nil
	}
	if *storedGenesis != genesis.Hash() {
		return nil, fmt.Errorf("%w: stored %v, expected %v", ErrGenesisMismatch, storedGenesis.Short(), genesis.Hash().Short())
	}
	if err := bs.loadInfo(); err != nil {
		return nil, err
	}
	return bs, nil
}

func (bs *BlockStore) initGenesis(genesis *types.Header) error {
	hash := genesis.Hash()
	batch := bs.db.NewBatch()
	defer batch.Close()

	if err := batch.Set(headerKey(hash), genesis.Bytes()); err != nil {
		return err
	}
	if bs.role != types.RoleLight {
		if err := batch.Set(bodyKey(hash), (&types.Body{}).Bytes()); err != nil {
			return err
		}
	}
	if err := batch.Set(canonicalKey(0), hash[:]); err != nil {
		return err
	}
	for _, meta := range []string{metaGenesis, metaBest, metaFinalized} {
		if err := batch.Set(metaKey(meta), hash[:]); err != nil {
			return err
		}
	}
	if err := batch.WriteSync(); err != nil {
		return err
	}

	bs.info = types.ChainInfo{
		GenesisHash:   hash,
		BestHash:      hash,
		FinalizedHash: hash,
	}
	bs.count = 1
	return nil
}

func (bs *BlockStore) loadInfo() error {
	var info types.ChainInfo
	for meta, dst := range map[string]*types.Hash{
		metaGenesis:   &info.GenesisHash,
		metaBest:      &info.BestHash,
		metaFinalized: &info.FinalizedHash,
	} {
		h, err := bs.loadMeta(meta)
		if err != nil {
			return err
		}
		if h == nil {
			return fmt.Errorf("missing %s metadata", meta)
		}
		*dst = *h
	}

	best, err := bs.loadHeader(info.BestHash)
	if err != nil {
		return err
	}
	finalized, err := bs.loadHeader(info.FinalizedHash)
	if err != nil {
		return err
	}
	if best == nil || finalized == nil {
		return errors.New("corrupted store: best or finalized header missing")
	}
	info.BestNumber = best.Number
	info.FinalizedNumber = finalized.Number

	iter, err := bs.db.Iterator(prefixStart(prefixHeader), prefixStart(prefixHeader+1))
	if err != nil {
		return err
	}
	defer iter.Close()
	var count int64
	for ; iter.Valid(); iter.Next() {
		count++
	}
	if err := iter.Error(); err != nil {
		return err
	}

	bs.info = info
	bs.count = count
	return nil
}

// Role returns the role the store was opened with.
func (bs *BlockStore) Role() types.Role { return bs.role }

// Info returns a summary of the chain.
func (bs *BlockStore) Info() types.ChainInfo {
	bs.mtx.RLock()
	defer bs.mtx.RUnlock()
	return bs.info
}

// BestHeader returns the header of the best block.
func (bs *BlockStore) BestHeader() (*types.Header, error) {
	bs.mtx.RLock()
	defer bs.mtx.RUnlock()
	return bs.loadHeader(bs.info.BestHash)
}

// BlockCount returns the number of stored headers, genesis included.
func (bs *BlockStore) BlockCount() int64 {
	bs.mtx.RLock()
	defer bs.mtx.RUnlock()
	return bs.count
}

// Header returns the header referenced by id, or nil if it is unknown. A
// number resolves against the canonical chain.
func (bs *BlockStore) Header(id types.BlockID) (*types.Header, error) {
	bs.mtx.RLock()
	defer bs.mtx.RUnlock()

	hash, ok, err := bs.resolve(id)
	if err != nil || !ok {
		return nil, err
	}
	return bs.loadHeader(hash)
}

// Body returns the body of the block, or nil if it is unknown or the store
// is a light store.
func (bs *BlockStore) Body(hash types.Hash) (*types.Body, error) {
	if bs.role == types.RoleLight {
		return nil, nil
	}

	bz, err := bs.db.Get(bodyKey(hash))
	if err != nil || bz == nil {
		return nil, err
	}
	return types.BodyFromBytes(bz)
}

// Justification returns the justification of the referenced block, or nil
// if there is none.
func (bs *BlockStore) Justification(id types.BlockID) ([]byte, error) {
	bs.mtx.RLock()
	defer bs.mtx.RUnlock()

	hash, ok, err := bs.resolve(id)
	if err != nil || !ok {
		return nil, err
	}
	return bs.loadJustification(hash)
}

// IsBad reports whether the hash was marked bad.
func (bs *BlockStore) IsBad(hash types.Hash) bool {
	ok, err := bs.db.Has(badKey(hash))
	if err != nil {
		panic(err)
	}
	return ok
}

// MarkBad makes every future import of the block fail with KnownBad.
func (bs *BlockStore) MarkBad(hash types.Hash) error {
	bs.mtx.Lock()
	defer bs.mtx.Unlock()
	return bs.db.SetSync(badKey(hash), []byte{1})
}

// ImportBlock stores block if its parent is known. The error return is
// reserved for invalid input and database failures.
func (bs *BlockStore) ImportBlock(block *types.Block) (types.ImportResult, error) {
	if block == nil {
		return 0, errors.New("nil block")
	}
	header := block.Header
	if err := header.ValidateBasic(); err != nil {
		return 0, fmt.Errorf("invalid header: %w", err)
	}
	if bs.role != types.RoleLight && block.Body == nil {
		return 0, ErrMissingBody
	}
	hash := header.Hash()

	bs.mtx.Lock()
	defer bs.mtx.Unlock()

	if bs.IsBad(hash) {
		return types.ImportResultKnownBad, nil
	}
	known, err := bs.db.Has(headerKey(hash))
	if err != nil {
		return 0, err
	}
	if known {
		return types.ImportResultAlreadyKnown, nil
	}
	if header.IsGenesis() {
		// a genesis block we don't know belongs to another network
		return types.ImportResultKnownBad, nil
	}

	parent, err := bs.loadHeader(header.ParentHash)
	if err != nil {
		return 0, err
	}
	if parent == nil {
		return types.ImportResultUnknownParent, nil
	}
	if header.Number != parent.Number+1 {
		bs.logger.Info("rejecting block with invalid number",
			"hash", hash, "number", header.Number, "parent_number", parent.Number)
		if err := bs.db.SetSync(badKey(hash), []byte{1}); err != nil {
			return 0, err
		}
		return types.ImportResultKnownBad, nil
	}

	if bs.verifier != nil {
		if res := bs.verifier.VerifyBlock(block); res != types.ImportResultImported {
			if res == types.ImportResultKnownBad {
				if err := bs.db.SetSync(badKey(hash), []byte{1}); err != nil {
					return 0, err
				}
			}
			return res, nil
		}
	}

	batch := bs.db.NewBatch()
	defer batch.Close()

	if err := batch.Set(headerKey(hash), header.Bytes()); err != nil {
		return 0, err
	}
	if bs.role != types.RoleLight {
		if err := batch.Set(bodyKey(hash), block.Body.Bytes()); err != nil {
			return 0, err
		}
	}
	if block.Justification != nil {
		if err := batch.Set(justificationKey(hash), encodeJustification(block.Justification)); err != nil {
			return 0, err
		}
	}

	info := bs.info
	if header.Number > info.BestNumber {
		ok, err := bs.descendsFromFinalized(header)
		if err != nil {
			return 0, err
		}
		if ok {
			if err := bs.setBest(batch, header); err != nil {
				return 0, err
			}
			info.BestHash, info.BestNumber = hash, header.Number
		}
	}

	if err := batch.WriteSync(); err != nil {
		return 0, err
	}
	bs.info = info
	bs.count++

	return types.ImportResultImported, nil
}

// FinalizeBlock marks the referenced block and its ancestors final, storing
// justification if it is not nil. If the best chain does not contain the
// block, the block becomes the best block.
func (bs *BlockStore) FinalizeBlock(id types.BlockID, justification []byte, notify bool) error {
	bs.mtx.Lock()

	hash, ok, err := bs.resolve(id)
	if err != nil {
		bs.mtx.Unlock()
		return err
	}
	var header *types.Header
	if ok {
		if header, err = bs.loadHeader(hash); err != nil {
			bs.mtx.Unlock()
			return err
		}
	}
	if header == nil {
		bs.mtx.Unlock()
		return fmt.Errorf("%w: %v", ErrUnknownBlock, id)
	}

	batch := bs.db.NewBatch()
	defer batch.Close()

	if justification != nil {
		if err := batch.Set(justificationKey(hash), encodeJustification(justification)); err != nil {
			bs.mtx.Unlock()
			return err
		}
	}

	info := bs.info
	canonical, err := bs.isCanonical(header)
	if err != nil {
		bs.mtx.Unlock()
		return err
	}

	finalizing := header.Number > info.FinalizedNumber
	switch {
	case header.Number <= info.FinalizedNumber && !canonical:
		bs.mtx.Unlock()
		return fmt.Errorf("%w: #%d %v is below finalized #%d", ErrFinalizeConflict, header.Number, hash.Short(), info.FinalizedNumber)

	case finalizing && !canonical:
		ok, err := bs.descendsFromFinalized(header)
		if err != nil {
			bs.mtx.Unlock()
			return err
		}
		if !ok {
			bs.mtx.Unlock()
			return fmt.Errorf("%w: #%d %v", ErrFinalizeConflict, header.Number, hash.Short())
		}
		if err := bs.setBest(batch, header); err != nil {
			bs.mtx.Unlock()
			return err
		}
		bs.logger.Info("finalized block outside of best chain; reorganizing",
			"hash", hash, "number", header.Number, "old_best", info.BestHash, "old_best_number", info.BestNumber)
		info.BestHash, info.BestNumber = hash, header.Number
	}

	if finalizing {
		if err := batch.Set(metaKey(metaFinalized), hash[:]); err != nil {
			bs.mtx.Unlock()
			return err
		}
		info.FinalizedHash, info.FinalizedNumber = hash, header.Number
	}

	if err := batch.WriteSync(); err != nil {
		bs.mtx.Unlock()
		return err
	}
	bs.info = info
	bs.mtx.Unlock()

	if notify && bs.onFinalized != nil {
		bs.onFinalized(hash, header.Number)
	}
	return nil
}

// Close closes the underlying database.
func (bs *BlockStore) Close() error {
	return bs.db.Close()
}

//-----------------------------------------------------------------------------

func (bs *BlockStore) resolve(id types.BlockID) (types.Hash, bool, error) {
	if id.ByHash {
		return id.Hash, true, nil
	}
	h, err := bs.canonicalHash(id.Number)
	if err != nil || h == nil {
		return types.Hash{}, false, err
	}
	return *h, true, nil
}

func (bs *BlockStore) loadHeader(hash types.Hash) (*types.Header, error) {
	bz, err := bs.db.Get(headerKey(hash))
	if err != nil || bz == nil {
		return nil, err
	}
	h, err := types.HeaderFromBytes(bz)
	if err != nil {
		panic(fmt.Errorf("corrupted header %v: %w", hash.Short(), err))
	}
	return h, nil
}

func (bs *BlockStore) loadJustification(hash types.Hash) ([]byte, error) {
	bz, err := bs.db.Get(justificationKey(hash))
	if err != nil || bz == nil {
		return nil, err
	}
	j, err := proto.NewBuffer(bz).DecodeRawBytes(true)
	if err != nil {
		panic(fmt.Errorf("corrupted justification %v: %w", hash.Short(), err))
	}
	return j, nil
}

func (bs *BlockStore) canonicalHash(number int64) (*types.Hash, error) {
	if number < 0 {
		return nil, nil
	}
	bz, err := bs.db.Get(canonicalKey(number))
	if err != nil || bz == nil {
		return nil, err
	}
	h, err := types.HashFromBytes(bz)
	if err != nil {
		panic(fmt.Errorf("corrupted canonical index at #%d: %w", number, err))
	}
	return &h, nil
}

func (bs *BlockStore) loadMeta(name string) (*types.Hash, error) {
	bz, err := bs.db.Get(metaKey(name))
	if err != nil || bz == nil {
		return nil, err
	}
	h, err := types.HashFromBytes(bz)
	if err != nil {
		return nil, fmt.Errorf("corrupted %s metadata: %w", name, err)
	}
	return &h, nil
}

func (bs *BlockStore) isCanonical(header *types.Header) (bool, error) {
	if header.Number > bs.info.BestNumber {
		return false, nil
	}
	h, err := bs.canonicalHash(header.Number)
	if err != nil || h == nil {
		return false, err
	}
	return *h == header.Hash(), nil
}

// forkPoint walks back from header to the first block of the canonical
// chain.
func (bs *BlockStore) forkPoint(header *types.Header) (*types.Header, error) {
	cur := header
	for {
		ok, err := bs.isCanonical(cur)
		if err != nil {
			return nil, err
		}
		if ok {
			return cur, nil
		}
		parent, err := bs.loadHeader(cur.ParentHash)
		if err != nil {
			return nil, err
		}
		if parent == nil {
			return nil, fmt.Errorf("corrupted store: missing parent of #%d %v", cur.Number, cur.Hash().Short())
		}
		cur = parent
	}
}

// descendsFromFinalized reports whether header's parent chain goes through
// the finalized block. The parent of header must be stored.
func (bs *BlockStore) descendsFromFinalized(header *types.Header) (bool, error) {
	parent, err := bs.loadHeader(header.ParentHash)
	if err != nil {
		return false, err
	}
	if parent == nil {
		return false, fmt.Errorf("%w: parent of #%d", ErrUnknownBlock, header.Number)
	}
	fork, err := bs.forkPoint(parent)
	if err != nil {
		return false, err
	}
	return fork.Number >= bs.info.FinalizedNumber, nil
}

// setBest rewrites the canonical index so that it ends at header. header
// must descend from the finalized block.
func (bs *BlockStore) setBest(batch dbm.Batch, header *types.Header) error {
	for n := bs.info.BestNumber; n > header.Number; n-- {
		if err := batch.Delete(canonicalKey(n)); err != nil {
			return err
		}
	}

	cur := header
	for {
		hash := cur.Hash()
		ok, err := bs.isCanonical(cur)
		if err != nil {
			return err
		}
		if ok {
			break
		}
		if err := batch.Set(canonicalKey(cur.Number), hash[:]); err != nil {
			return err
		}
		if cur, err = bs.loadHeader(cur.ParentHash); err != nil {
			return err
		}
		if cur == nil {
			return errors.New("corrupted store: broken parent chain")
		}
	}

	best := header.Hash()
	return batch.Set(metaKey(metaBest), best[:])
}

func encodeJustification(j []byte) []byte {
	buf := proto.NewBuffer(make([]byte, 0, len(j)+2))
	if err := buf.EncodeRawBytes(j); err != nil {
		panic(err)
	}
	return buf.Bytes()
}

//---------------------------------- KEY ENCODING -----------------------------------------

// key prefixes
const (
	prefixHeader        = int64(0)
	prefixBody          = int64(1)
	prefixJustification = int64(2)
	prefixCanonical     = int64(3)
	prefixBad           = int64(4)
	prefixMeta          = int64(5)
)

const (
	metaGenesis   = "genesis"
	metaBest      = "best"
	metaFinalized = "finalized"
)

func prefixStart(prefix int64) []byte {
	key, err := orderedcode.Append(nil, prefix)
	if err != nil {
		panic(err)
	}
	return key
}

func hashKey(prefix int64, hash types.Hash) []byte {
	key, err := orderedcode.Append(nil, prefix, string(hash[:]))
	if err != nil {
		panic(err)
	}
	return key
}

func headerKey(hash types.Hash) []byte        { return hashKey(prefixHeader, hash) }
func bodyKey(hash types.Hash) []byte          { return hashKey(prefixBody, hash) }
func justificationKey(hash types.Hash) []byte { return hashKey(prefixJustification, hash) }
func badKey(hash types.Hash) []byte           { return hashKey(prefixBad, hash) }

func canonicalKey(number int64) []byte {
	key, err := orderedcode.Append(nil, prefixCanonical, number)
	if err != nil {
		panic(err)
	}
	return key
}

func metaKey(name string) []byte {
	key, err := orderedcode.Append(nil, prefixMeta, name)
	if err != nil {
		panic(err)
	}
	return key
}
