package chainsync

import (
	"github.com/tendermint/chainsync/types"
)

// serve answers a request from a peer out of the local chain store.
func (e *Engine) serve(from types.NodeID, msg interface{}) {
	switch m := msg.(type) {
	case *AncestorRequest:
		resp := &AncestorResponse{ID: m.ID, Number: m.Number}
		header, err := e.client.Header(types.BlockNumber(m.Number))
		if err != nil {
			e.logger.Error("failed to load header", "number", m.Number, "err", err)
		} else if header != nil {
			resp.Hash, resp.Found = header.Hash(), true
		}
		e.send(from, resp)

	case *BlockRequest:
		blocks, err := e.collectBlocks(m)
		if err != nil {
			e.logger.Error("failed to serve block request", "peer", from, "req", m, "err", err)
		}
		e.send(from, &BlockResponse{ID: m.ID, Blocks: blocks})

	case *JustificationRequest:
		resp := &JustificationResponse{ID: m.ID, Hash: m.Hash}
		j, err := e.client.Justification(types.BlockHash(m.Hash))
		if err != nil {
			e.logger.Error("failed to load justification", "hash", m.Hash, "err", err)
		} else if j != nil {
			resp.Justification, resp.Found = j, true
		}
		e.send(from, resp)
	}
}

// collectBlocks walks the chain from m.From. Descending requests follow
// parent links, so they serve side branches as well. Ascending requests
// follow the canonical chain and stop where it leaves the first block's
// branch.
func (e *Engine) collectBlocks(m *BlockRequest) ([]*types.Block, error) {
	max := m.Max
	if max > e.cfg.MaxBlocksPerRequest {
		max = e.cfg.MaxBlocksPerRequest
	}
	var blocks []*types.Block
	header, err := e.client.Header(m.From)
	for err == nil && header != nil && len(blocks) < max {
		hash := header.Hash()
		b := &types.Block{Header: header}
		if m.Fields.Has(FieldBody) && !e.role.IsLight() {
			if b.Body, err = e.client.Body(hash); err != nil {
				break
			}
			if b.Body == nil {
				break
			}
		}
		if m.Fields.Has(FieldJustification) {
			if b.Justification, err = e.client.Justification(types.BlockHash(hash)); err != nil {
				break
			}
		}
		blocks = append(blocks, b)

		if m.Direction == Descending {
			if header.IsGenesis() {
				break
			}
			header, err = e.client.Header(types.BlockHash(header.ParentHash))
			continue
		}
		header, err = e.client.Header(types.BlockNumber(header.Number + 1))
		if header != nil && header.ParentHash != hash {
			break
		}
	}
	return blocks, err
}
