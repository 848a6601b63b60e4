package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func makeChild(parent *Header, extra []byte) *Header {
	return &Header{
		Number:     parent.Number + 1,
		ParentHash: parent.Hash(),
		Extra:      extra,
	}
}

func TestHeaderHashDeterministic(t *testing.T) {
	genesis := NewGenesis("test-chain")
	a := makeChild(genesis, nil)
	b := makeChild(genesis, nil)
	require.Equal(t, a.Hash(), b.Hash(), "same parent and payload must hash identically")

	fork := makeChild(genesis, []byte("fork"))
	require.NotEqual(t, a.Hash(), fork.Hash())

	other := NewGenesis("other-chain")
	assert.NotEqual(t, genesis.Hash(), other.Hash())
	assert.Equal(t, ZeroHash, (*Header)(nil).Hash())
}

func TestHeaderValidateBasic(t *testing.T) {
	genesis := NewGenesis("test-chain")
	child := makeChild(genesis, nil)

	testCases := []struct {
		name      string
		malleate  func(h *Header)
		expectErr bool
	}{
		{"valid child", func(h *Header) {}, false},
		{"negative number", func(h *Header) { h.Number = -1 }, true},
		{"zero parent", func(h *Header) { h.ParentHash = ZeroHash }, true},
		{"genesis with parent", func(h *Header) { h.Number = 0 }, true},
		{"oversized extra", func(h *Header) { h.Extra = make([]byte, MaxExtraBytes+1) }, true},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			h := *child
			tc.malleate(&h)
			err := h.ValidateBasic()
			if tc.expectErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}
		})
	}

	require.NoError(t, genesis.ValidateBasic())
	var nilHeader *Header
	require.Error(t, nilHeader.ValidateBasic())
}

func TestHeaderEncodingPreservesHash(t *testing.T) {
	genesis := NewGenesis("test-chain")
	h := makeChild(genesis, []byte{0x01, 0x02})
	h.StateRoot[0] = 0xAA

	decoded, err := HeaderFromBytes(h.Bytes())
	require.NoError(t, err)
	require.Equal(t, h, decoded)
	require.Equal(t, h.Hash(), decoded.Hash())

	_, err = HeaderFromBytes(nil)
	require.Error(t, err)
	_, err = HeaderFromBytes([]byte{0x01, 0x05, 0x01})
	require.Error(t, err)
}

func TestBodyEncoding(t *testing.T) {
	body := &Body{Txs: [][]byte{[]byte("tx1"), []byte("tx-two")}}
	decoded, err := BodyFromBytes(body.Bytes())
	require.NoError(t, err)
	require.True(t, body.Equal(decoded))

	empty, err := BodyFromBytes((&Body{}).Bytes())
	require.NoError(t, err)
	require.Len(t, empty.Txs, 0)

	assert.False(t, body.Equal(nil))
	assert.True(t, (*Body)(nil).Equal(nil))
}

func TestHashHex(t *testing.T) {
	h := NewGenesis("test-chain").Hash()
	parsed, err := HashFromHex(h.String())
	require.NoError(t, err)
	require.Equal(t, h, parsed)
	require.Len(t, h.Short(), 12)

	_, err = HashFromHex("abcd")
	require.Error(t, err)
}

func TestBlockID(t *testing.T) {
	h := NewGenesis("test-chain").Hash()
	assert.True(t, BlockHash(h).ByHash)
	assert.False(t, BlockNumber(7).ByHash)
	assert.Equal(t, "number:7", BlockNumber(7).String())
	assert.Equal(t, "hash:"+h.Short(), BlockHash(h).String())
}
