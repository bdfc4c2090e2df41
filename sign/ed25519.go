/*
Package sign wraps the two signature schemes of the node: ed25519 for the
envelope of every network message, and BLS on the bn256 pairing curve for
consensus votes, whose signatures over the same target are aggregated into
a single finality signature.
*/
package sign

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
)

// GenED25519Keys generates a fresh ed25519 key pair.
func GenED25519Keys() (ed25519.PrivateKey, ed25519.PublicKey) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		panic(err)
	}
	return priv, pub
}

// SignEd25519 signs msg with priv.
func SignEd25519(priv ed25519.PrivateKey, msg []byte) []byte {
	return ed25519.Sign(priv, msg)
}

// VerifySignEd25519 checks sig against pub and msg.
func VerifySignEd25519(pub ed25519.PublicKey, msg, sig []byte) (bool, error) {
	if len(pub) != ed25519.PublicKeySize {
		return false, errors.New("ed25519 public key has a wrong length")
	}
	return ed25519.Verify(pub, msg, sig), nil
}
