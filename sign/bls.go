package sign

import (
	"errors"
	"fmt"

	"go.dedis.ch/kyber/v3"
	"go.dedis.ch/kyber/v3/pairing/bn256"
	kybersign "go.dedis.ch/kyber/v3/sign"
	"go.dedis.ch/kyber/v3/sign/bdn"
	"go.dedis.ch/kyber/v3/sign/bls"
)

var suite = bn256.NewSuite()

// ErrNoSignatures is returned when aggregating an empty signature set.
var ErrNoSignatures = errors.New("no signatures to aggregate")

// GenBLSKeys generates a BLS key pair and returns both halves encoded.
func GenBLSKeys() (priv, pub []byte) {
	x, X := bls.NewKeyPair(suite, suite.RandomStream())
	priv, err := x.MarshalBinary()
	if err != nil {
		panic(err)
	}
	pub, err = X.MarshalBinary()
	if err != nil {
		panic(err)
	}
	return priv, pub
}

// DecodeBLSPrivateKey parses a key written by GenBLSKeys.
func DecodeBLSPrivateKey(data []byte) (kyber.Scalar, error) {
	x := suite.G2().Scalar()
	if err := x.UnmarshalBinary(data); err != nil {
		return nil, err
	}
	return x, nil
}

// DecodeBLSPublicKey parses a public key written by GenBLSKeys.
func DecodeBLSPublicKey(data []byte) (kyber.Point, error) {
	X := suite.G2().Point()
	if err := X.UnmarshalBinary(data); err != nil {
		return nil, err
	}
	return X, nil
}

// BLSPublicKey derives the encoded public key of an encoded private key.
func BLSPublicKey(priv []byte) ([]byte, error) {
	x, err := DecodeBLSPrivateKey(priv)
	if err != nil {
		return nil, err
	}
	return suite.G2().Point().Mul(x, nil).MarshalBinary()
}

// SignBLS signs msg with the private scalar x.
func SignBLS(x kyber.Scalar, msg []byte) ([]byte, error) {
	return bls.Sign(suite, x, msg)
}

// VerifyBLS verifies a single signature made by the encoded public key.
func VerifyBLS(pub, msg, sig []byte) error {
	X, err := DecodeBLSPublicKey(pub)
	if err != nil {
		return fmt.Errorf("decode public key: %w", err)
	}
	return bls.Verify(suite, X, msg, sig)
}

// AggregateBLS folds the signatures of the signers at the given roster positions into one.
// Signers must be ascending and sigs must follow the same order. Every signature is
// weighted by a coefficient derived from the whole roster, so a key chosen after
// seeing the others cannot cancel them out.
func AggregateBLS(roster [][]byte, signers []int, sigs [][]byte) ([]byte, error) {
	if len(sigs) == 0 {
		return nil, ErrNoSignatures
	}
	mask, err := newMask(roster, signers)
	if err != nil {
		return nil, err
	}
	agg, err := bdn.AggregateSignatures(suite, sigs, mask)
	if err != nil {
		return nil, err
	}
	return agg.MarshalBinary()
}

// VerifyAggregateBLS checks an aggregated signature over msg made by the signers at the
// given roster positions.
func VerifyAggregateBLS(roster [][]byte, signers []int, msg, aggSig []byte) error {
	if len(signers) == 0 {
		return ErrNoSignatures
	}
	mask, err := newMask(roster, signers)
	if err != nil {
		return err
	}
	pub, err := bdn.AggregatePublicKeys(suite, mask)
	if err != nil {
		return err
	}
	return bdn.Verify(suite, pub, msg, aggSig)
}

func newMask(roster [][]byte, signers []int) (*kybersign.Mask, error) {
	points := make([]kyber.Point, 0, len(roster))
	for _, p := range roster {
		X, err := DecodeBLSPublicKey(p)
		if err != nil {
			return nil, fmt.Errorf("decode public key: %w", err)
		}
		points = append(points, X)
	}
	mask, err := kybersign.NewMask(suite, points, nil)
	if err != nil {
		return nil, err
	}
	for _, i := range signers {
		if err := mask.SetBit(i, true); err != nil {
			return nil, fmt.Errorf("signer %d: %w", i, err)
		}
	}
	return mask, nil
}
