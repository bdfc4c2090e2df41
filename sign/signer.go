package sign

import (
	"context"
	"fmt"
	"sync"

	"github.com/gitzhang10/pocbft/chain"
	"go.dedis.ch/kyber/v3"
)

// KeySigner keeps the BLS keys of the packing addresses controlled by this node.
type KeySigner struct {
	lock sync.RWMutex
	keys map[chain.Address]kyber.Scalar
	pubs map[chain.Address][]byte
}

// NewKeySigner creates an empty signer.
func NewKeySigner() *KeySigner {
	return &KeySigner{
		keys: make(map[chain.Address]kyber.Scalar),
		pubs: make(map[chain.Address][]byte),
	}
}

// AddKey registers an encoded BLS private key and returns the address it controls.
func (s *KeySigner) AddKey(priv []byte) (chain.Address, error) {
	x, err := DecodeBLSPrivateKey(priv)
	if err != nil {
		return "", err
	}
	pub, err := suite.G2().Point().Mul(x, nil).MarshalBinary()
	if err != nil {
		return "", err
	}
	addr := chain.AddressFromPubKey(pub)
	s.lock.Lock()
	defer s.lock.Unlock()
	s.keys[addr] = x
	s.pubs[addr] = pub
	return addr, nil
}

// Addresses lists the addresses this signer can sign for.
func (s *KeySigner) Addresses() []chain.Address {
	s.lock.RLock()
	defer s.lock.RUnlock()
	out := make([]chain.Address, 0, len(s.keys))
	for a := range s.keys {
		out = append(out, a)
	}
	return out
}

// PublicKey implements chain.Signer.
func (s *KeySigner) PublicKey(address chain.Address) ([]byte, bool) {
	s.lock.RLock()
	defer s.lock.RUnlock()
	pub, ok := s.pubs[address]
	return pub, ok
}

// Sign implements chain.Signer.
func (s *KeySigner) Sign(ctx context.Context, address chain.Address, hash []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", chain.ErrSigning, err)
	}
	s.lock.RLock()
	x, ok := s.keys[address]
	s.lock.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: no key for address %s", chain.ErrSigning, address)
	}
	sig, err := SignBLS(x, hash)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", chain.ErrSigning, err)
	}
	return sig, nil
}
