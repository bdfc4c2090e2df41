package node

import (
	"reflect"

	"github.com/gitzhang10/pocbft/chain"
	"github.com/gitzhang10/pocbft/vote"
)

const (
	VoteTag uint8 = iota
	HeaderTag
	BlockRequestTag
)

// BlockRequest asks a peer for the header of a block it voted for.
type BlockRequest struct {
	ChainID uint16
	Hash    chain.Hash
}

var reflectedTypesMap = map[uint8]reflect.Type{
	VoteTag:         reflect.TypeOf(vote.Message{}),
	HeaderTag:       reflect.TypeOf(chain.BlockHeader{}),
	BlockRequestTag: reflect.TypeOf(BlockRequest{}),
}

func tagOf(msg interface{}) (uint8, bool) {
	switch msg.(type) {
	case *vote.Message:
		return VoteTag, true
	case *chain.BlockHeader:
		return HeaderTag, true
	case *BlockRequest:
		return BlockRequestTag, true
	}
	return 0, false
}
