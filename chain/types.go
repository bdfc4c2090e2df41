/*
Package chain holds the data model shared by the consensus packages and
the narrow contracts through which they reach block storage, validator
registration, punishment records, the network and key custody.
*/
package chain

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"

	"github.com/hashicorp/go-msgpack/codec"
)

// HashLength is the size of a block hash in bytes.
const HashLength = 32

// Hash identifies a block.
type Hash [HashLength]byte

// EmptyHash is the sentinel voted for a slot that produced no block.
var EmptyHash Hash

// IsEmpty reports whether h is the EMPTY sentinel.
func (h Hash) IsEmpty() bool {
	return h == EmptyHash
}

func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// Address is the string form of a packing, agent or reward address.
type Address string

// AddressFromPubKey derives the address owning a public key.
func AddressFromPubKey(pubKey []byte) Address {
	sum := sha256.Sum256(pubKey)
	return Address(hex.EncodeToString(sum[:20]))
}

// Agent is a registered consensus node.
// CreditVal is not part of the registration, it is recomputed every time a round is built.
type Agent struct {
	PackingAddress Address
	AgentAddress   Address
	RewardAddress  Address
	PubKey         []byte
	CreditVal      float64 `codec:"-"`
}

// BlockHeader carries the round metadata recorded by the producer of a block.
type BlockHeader struct {
	Height               uint64
	Hash                 Hash
	PreHash              Hash
	Time                 int64 // unix seconds, nominally the end of the producing slot
	Packer               Address
	RoundIndex           int64
	RoundStartTime       int64
	PackingIndexOfRound  int
	ConsensusMemberCount int
}

// ComputeHash returns the hash of the header content, ignoring the Hash field.
func (h *BlockHeader) ComputeHash() (Hash, error) {
	c := *h
	c.Hash = EmptyHash
	data, err := Encode(&c)
	if err != nil {
		return EmptyHash, err
	}
	return sha256.Sum256(data), nil
}

// ScheduledTime is the time at which the header's slot nominally ended.
func (h *BlockHeader) ScheduledTime(packingInterval int64) int64 {
	return h.RoundStartTime + int64(h.PackingIndexOfRound)*packingInterval
}

// Encode encodes the data into bytes with msgpack.
func Encode(data interface{}) ([]byte, error) {
	var buf bytes.Buffer
	enc := codec.NewEncoder(&buf, &codec.MsgpackHandle{})
	if err := enc.Encode(data); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Decode decodes msgpack bytes into data, which must be a pointer.
func Decode(s []byte, data interface{}) error {
	dec := codec.NewDecoder(bytes.NewReader(s), &codec.MsgpackHandle{})
	return dec.Decode(data)
}

// EncodeAgent serialises an agent registration.
func EncodeAgent(a *Agent) ([]byte, error) {
	return Encode(a)
}

// ErrAgentMalformed is returned when an agent registration cannot be decoded.
var ErrAgentMalformed = errors.New("agent registration is malformed")

// DecodeAgent parses an agent registration written by EncodeAgent.
func DecodeAgent(data []byte) (*Agent, error) {
	var a Agent
	if err := Decode(data, &a); err != nil {
		return nil, err
	}
	if a.PackingAddress == "" || len(a.PubKey) == 0 {
		return nil, ErrAgentMalformed
	}
	return &a, nil
}
