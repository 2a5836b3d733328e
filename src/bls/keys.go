package bls

import (
	"bytes"
	"fmt"

	"go.dedis.ch/kyber/v3"
	"go.dedis.ch/kyber/v3/pairing/bn256"
	"go.dedis.ch/kyber/v3/sign/bls"

	"github.com/xorspace/membrane/src/xor"
)

/*
Section authority is BLS. Every section has a threshold key: the PublicKeySet
is public knowledge, and each elder holds one SecretKeyShare. The types in
this package wrap the kyber implementation (bn256 pairing suite, public keys
on G2) and keep keys in marshaled form so they can be compared, used as map
keys, and serialized without ceremony.
*/

// Suite is the pairing suite used for all section keys and signatures.
var Suite = bn256.NewSuite()

// PublicKey is a BLS public key in marshaled form.
type PublicKey struct {
	Data []byte `json:"data"`
}

// NewPublicKey wraps a kyber point into a PublicKey.
func NewPublicKey(point kyber.Point) PublicKey {
	data, err := point.MarshalBinary()
	if err != nil {
		panic(fmt.Errorf("failed to marshal BLS point: %v", err))
	}
	return PublicKey{Data: data}
}

// Point unmarshals the key back into a kyber point.
func (pk PublicKey) Point() (kyber.Point, error) {
	point := Suite.G2().Point()
	if err := point.UnmarshalBinary(pk.Data); err != nil {
		return nil, err
	}
	return point, nil
}

// Equal returns whether two public keys are identical.
func (pk PublicKey) Equal(other PublicKey) bool {
	return bytes.Equal(pk.Data, other.Data)
}

// IsZero returns whether the key is unset.
func (pk PublicKey) IsZero() bool {
	return len(pk.Data) == 0
}

// Verify checks that sig is a valid signature of data under this key.
func (pk PublicKey) Verify(data, sig []byte) error {
	point, err := pk.Point()
	if err != nil {
		return err
	}
	return bls.Verify(Suite, point, data, sig)
}

// XorName derives the XOR-space name of the key. It is used to address a
// section by its key (e.g. as the destination of failure observations).
func (pk PublicKey) XorName() xor.Name {
	return xor.FromContent(pk.Data)
}

func (pk PublicKey) String() string {
	if pk.IsZero() {
		return "bls(nil)"
	}
	return fmt.Sprintf("bls(%02x%02x%02x..)", pk.Data[0], pk.Data[1], pk.Data[2])
}

// SecretKey is a full BLS secret key. Only tests, the first node of a
// network, and combined DKG outcomes with threshold 0 ever hold one; regular
// elders hold SecretKeyShares.
type SecretKey struct {
	scalar kyber.Scalar
}

// NewSecretKey wraps a kyber scalar.
func NewSecretKey(scalar kyber.Scalar) SecretKey {
	return SecretKey{scalar: scalar}
}

// RandomSecretKey generates a fresh secret key.
func RandomSecretKey() SecretKey {
	return SecretKey{scalar: Suite.G2().Scalar().Pick(Suite.RandomStream())}
}

// Public returns the matching public key.
func (sk SecretKey) Public() PublicKey {
	return NewPublicKey(Suite.G2().Point().Mul(sk.scalar, nil))
}

// Sign produces a plain (non-threshold) BLS signature of data.
func (sk SecretKey) Sign(data []byte) []byte {
	sig, err := bls.Sign(Suite, sk.scalar, data)
	if err != nil {
		panic(fmt.Errorf("BLS signing cannot fail on valid inputs: %v", err))
	}
	return sig
}

// KeyedSig is a signature tagged with the public key that produced it, so a
// verifier can check it against expected authority.
type KeyedSig struct {
	PublicKey PublicKey `json:"public_key"`
	Signature []byte    `json:"signature"`
}

// Verify checks the signature over data against the embedded key.
func (ks KeyedSig) Verify(data []byte) error {
	return ks.PublicKey.Verify(data, ks.Signature)
}
