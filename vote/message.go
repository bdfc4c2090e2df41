/*
Package vote collects the two-stage votes of a chain's validators, detects
quorum per vote target and emits finality results.

A target is one (height, round, slot, vote round) tuple. Stage-1 votes declare
the block a validator intends to finalize, or EMPTY to skip the slot. Once a
quorum of stage-1 votes agrees on a hash, every validator casts a stage-2 vote
for it, and a quorum of stage-2 votes is the finality result.
*/
package vote

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/bits-and-blooms/bitset"
	"github.com/gitzhang10/pocbft/chain"
)

// Stage is the phase of a vote.
type Stage uint8

const (
	StagePreVote Stage = iota + 1
	StageConfirm
)

func (s Stage) valid() bool {
	return s == StagePreVote || s == StageConfirm
}

// Target keys a vote summary bucket. Ballots that agree on a target and a block
// hash are byte-identical, so their signatures aggregate.
type Target struct {
	Height         uint64
	RoundIndex     int64
	RoundStartTime int64
	SlotIndex      int
	VoteRoundIndex int64
}

// Ballot is the signed content of a vote.
type Ballot struct {
	Height         uint64
	RoundIndex     int64
	RoundStartTime int64
	SlotIndex      int
	VoteRoundIndex int64
	Stage          Stage
	BlockHash      chain.Hash
}

// Target returns the bucket the ballot is counted in.
func (b *Ballot) Target() Target {
	return Target{
		Height:         b.Height,
		RoundIndex:     b.RoundIndex,
		RoundStartTime: b.RoundStartTime,
		SlotIndex:      b.SlotIndex,
		VoteRoundIndex: b.VoteRoundIndex,
	}
}

// SignHash is the digest validators sign. It does not depend on the signer,
// so signatures over the same ballot aggregate.
func (b *Ballot) SignHash() ([]byte, error) {
	data, err := chain.Encode(b)
	if err != nil {
		return nil, err
	}
	sum := sha256.Sum256(data)
	return sum[:], nil
}

// Message is a signed vote as carried on the wire.
type Message struct {
	Ballot
	Signer    []byte // BLS public key
	Signature []byte
}

// SignerAddress is the packing address of the signer.
func (m *Message) SignerAddress() chain.Address {
	return chain.AddressFromPubKey(m.Signer)
}

// ID identifies a message for rebroadcast deduplication.
func (m *Message) ID() (string, error) {
	h, err := m.Ballot.SignHash()
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(append(h, m.Signer...))
	return hex.EncodeToString(sum[:]), nil
}

// Result is the finality output of a target: a quorum of signatures over the same ballot.
type Result struct {
	Height         uint64
	RoundIndex     int64
	RoundStartTime int64
	SlotIndex      int
	VoteRoundIndex int64
	Stage          Stage
	BlockHash      chain.Hash
	Signers        []uint64 // bitset words, bit i is the member of slot i+1
	Signature      []byte   // aggregated BLS signature
}

// Ballot rebuilds the ballot the result's signatures cover.
func (r *Result) Ballot() Ballot {
	return Ballot{
		Height:         r.Height,
		RoundIndex:     r.RoundIndex,
		RoundStartTime: r.RoundStartTime,
		SlotIndex:      r.SlotIndex,
		VoteRoundIndex: r.VoteRoundIndex,
		Stage:          r.Stage,
		BlockHash:      r.BlockHash,
	}
}

// SignerSet returns the signers as a bitset.
func (r *Result) SignerSet() *bitset.BitSet {
	return bitset.From(r.Signers)
}

// IsEmpty reports whether the result skips its slot.
func (r *Result) IsEmpty() bool {
	return r.BlockHash.IsEmpty()
}
