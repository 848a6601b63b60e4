package types

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

const (
	// HashSize is the size in bytes of a block hash.
	HashSize = sha256.Size

	// MaxExtraBytes bounds the opaque payload carried in a header.
	MaxExtraBytes = 1024
)

// Hash identifies a block. It is the SHA256 of the encoded header.
type Hash [HashSize]byte

// ZeroHash is the parent hash of the genesis block.
var ZeroHash Hash

// IsZero reports whether h is the zero hash.
func (h Hash) IsZero() bool {
	return h == ZeroHash
}

// String returns the upper-case hex encoding of the hash.
func (h Hash) String() string {
	return strings.ToUpper(hex.EncodeToString(h[:]))
}

// Short returns the first 6 bytes of the hash in hex, for log lines.
func (h Hash) Short() string {
	return strings.ToUpper(hex.EncodeToString(h[:6]))
}

// HashFromBytes copies bz into a Hash. bz must be exactly HashSize long.
func HashFromBytes(bz []byte) (Hash, error) {
	var h Hash
	if len(bz) != HashSize {
		return h, fmt.Errorf("expected hash of %d bytes, got %d", HashSize, len(bz))
	}
	copy(h[:], bz)
	return h, nil
}

// HashFromHex parses an upper or lower case hex string into a Hash.
func HashFromHex(s string) (Hash, error) {
	bz, err := hex.DecodeString(s)
	if err != nil {
		return Hash{}, err
	}
	return HashFromBytes(bz)
}

// BlockID references a block either by number or by hash. A lookup by number
// resolves against the canonical chain of whoever performs it.
type BlockID struct {
	Hash   Hash
	Number int64
	ByHash bool
}

// BlockHash returns a BlockID referencing a block by hash.
func BlockHash(h Hash) BlockID {
	return BlockID{Hash: h, ByHash: true}
}

// BlockNumber returns a BlockID referencing the canonical block at number n.
func BlockNumber(n int64) BlockID {
	return BlockID{Number: n}
}

func (id BlockID) String() string {
	if id.ByHash {
		return "hash:" + id.Hash.Short()
	}
	return fmt.Sprintf("number:%d", id.Number)
}

// Header is the block metadata the sync engine moves between peers. Headers
// are immutable once imported and are referenced by their hash.
type Header struct {
	Number     int64
	ParentHash Hash
	StateRoot  Hash
	// Extra is an opaque payload. Blocks built on the same parent with the
	// same payload hash identically.
	Extra []byte
}

// Hash computes the block hash of the header.
func (h *Header) Hash() Hash {
	if h == nil {
		return ZeroHash
	}
	return sha256.Sum256(h.Bytes())
}

// IsGenesis reports whether the header is a genesis header.
func (h *Header) IsGenesis() bool {
	return h.Number == 0
}

// ValidateBasic performs stateless validation of the header.
func (h *Header) ValidateBasic() error {
	if h == nil {
		return errors.New("nil header")
	}
	if h.Number < 0 {
		return fmt.Errorf("negative number %d", h.Number)
	}
	if h.Number == 0 && !h.ParentHash.IsZero() {
		return errors.New("genesis header with non-zero parent")
	}
	if h.Number > 0 && h.ParentHash.IsZero() {
		return errors.New("zero parent hash")
	}
	if len(h.Extra) > MaxExtraBytes {
		return fmt.Errorf("extra too big: %d > %d", len(h.Extra), MaxExtraBytes)
	}
	return nil
}

func (h *Header) String() string {
	if h == nil {
		return "nil-Header"
	}
	return fmt.Sprintf("Header{#%d %v parent:%v}", h.Number, h.Hash().Short(), h.ParentHash.Short())
}

// Body holds the transactions of a block. Light nodes never store bodies.
type Body struct {
	Txs [][]byte
}

// Equal reports whether two bodies carry the same transactions.
func (b *Body) Equal(other *Body) bool {
	if b == nil || other == nil {
		return b == other
	}
	if len(b.Txs) != len(other.Txs) {
		return false
	}
	for i := range b.Txs {
		if !bytes.Equal(b.Txs[i], other.Txs[i]) {
			return false
		}
	}
	return true
}

// Block is a header plus the optional data a peer sends along with it.
// Body is nil for header-only transfers and Justification is nil when none
// was requested or none is known.
type Block struct {
	Header        *Header
	Body          *Body
	Justification []byte
}

// Hash returns the hash of the block header.
func (b *Block) Hash() Hash {
	return b.Header.Hash()
}

// Number returns the number of the block.
func (b *Block) Number() int64 {
	return b.Header.Number
}

func (b *Block) String() string {
	if b == nil {
		return "nil-Block"
	}
	return fmt.Sprintf("Block{%v body:%t}", b.Header, b.Body != nil)
}

// NewGenesis returns the genesis header shared by every node of a network.
func NewGenesis(chainID string) *Header {
	return &Header{
		Number: 0,
		Extra:  []byte(chainID),
	}
}
