package chain

import (
	"context"
	"errors"
)

// HeaderReader gives read access to the local chain of block headers.
type HeaderReader interface {
	// BestHeader returns the newest stored header, nil when the store is empty.
	BestHeader() *BlockHeader
	HeaderByHeight(height uint64) (*BlockHeader, bool)
	HasBlock(hash Hash) bool
}

// AgentStore returns the serialised consensus agents registered at or below a height.
type AgentStore interface {
	LoadAgents(height uint64) ([][]byte, error)
}

// PunishStore counts yellow cards received by an address within a range of rounds.
type PunishStore interface {
	YellowCards(address Address, fromRound, toRound int64) int
}

// Network is the p2p layer as seen from consensus.
type Network interface {
	// Broadcast sends msg to every consensus peer except excludeNode
	// and reports whether any peer accepted it.
	Broadcast(chainID uint16, msg interface{}, excludeNode string) bool
	UpdateConsensusMembership(chainID uint16, addresses map[Address]struct{})
	RequestBlock(chainID uint16, node string, hash Hash)
}

// ErrSigning wraps every failure of a Signer.
var ErrSigning = errors.New("signing failed")

// Signer holds the keys of the local packing addresses.
type Signer interface {
	Sign(ctx context.Context, address Address, hash []byte) ([]byte, error)
	PublicKey(address Address) ([]byte, bool)
}
