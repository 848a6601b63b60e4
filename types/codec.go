package types

import (
	"errors"
	"fmt"

	"github.com/gogo/protobuf/proto"
)

// The header and body encodings are length-prefixed varint/bytes sequences
// written with the protobuf buffer primitives. They are the input to the
// header hash and the on-disk representation used by the block store.

// Bytes returns the canonical encoding of the header.
func (h *Header) Bytes() []byte {
	buf := proto.NewBuffer(make([]byte, 0, 8+3*HashSize+len(h.Extra)))
	mustEncode(buf.EncodeVarint(uint64(h.Number)))
	mustEncode(buf.EncodeRawBytes(h.ParentHash[:]))
	mustEncode(buf.EncodeRawBytes(h.StateRoot[:]))
	mustEncode(buf.EncodeRawBytes(h.Extra))
	return buf.Bytes()
}

// HeaderFromBytes decodes a header previously encoded with Header.Bytes.
func HeaderFromBytes(bz []byte) (*Header, error) {
	if len(bz) == 0 {
		return nil, errors.New("empty header bytes")
	}
	buf := proto.NewBuffer(bz)

	number, err := buf.DecodeVarint()
	if err != nil {
		return nil, fmt.Errorf("decoding number: %w", err)
	}
	parent, err := decodeHash(buf)
	if err != nil {
		return nil, fmt.Errorf("decoding parent hash: %w", err)
	}
	root, err := decodeHash(buf)
	if err != nil {
		return nil, fmt.Errorf("decoding state root: %w", err)
	}
	extra, err := buf.DecodeRawBytes(true)
	if err != nil {
		return nil, fmt.Errorf("decoding extra: %w", err)
	}
	if len(extra) == 0 {
		extra = nil
	}

	h := &Header{
		Number:     int64(number),
		ParentHash: parent,
		StateRoot:  root,
		Extra:      extra,
	}
	return h, h.ValidateBasic()
}

// Bytes returns the encoding of the body.
func (b *Body) Bytes() []byte {
	buf := proto.NewBuffer(nil)
	mustEncode(buf.EncodeVarint(uint64(len(b.Txs))))
	for _, tx := range b.Txs {
		mustEncode(buf.EncodeRawBytes(tx))
	}
	return buf.Bytes()
}

// BodyFromBytes decodes a body previously encoded with Body.Bytes.
func BodyFromBytes(bz []byte) (*Body, error) {
	buf := proto.NewBuffer(bz)
	n, err := buf.DecodeVarint()
	if err != nil {
		return nil, fmt.Errorf("decoding tx count: %w", err)
	}
	if n > uint64(len(bz)) {
		return nil, fmt.Errorf("tx count %d exceeds encoded size", n)
	}
	body := &Body{Txs: make([][]byte, 0, n)}
	for i := uint64(0); i < n; i++ {
		tx, err := buf.DecodeRawBytes(true)
		if err != nil {
			return nil, fmt.Errorf("decoding tx %d: %w", i, err)
		}
		body.Txs = append(body.Txs, tx)
	}
	return body, nil
}

func decodeHash(buf *proto.Buffer) (Hash, error) {
	bz, err := buf.DecodeRawBytes(false)
	if err != nil {
		return Hash{}, err
	}
	return HashFromBytes(bz)
}

func mustEncode(err error) {
	if err != nil {
		panic(err)
	}
}
