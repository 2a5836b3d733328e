package bls

import (
	"errors"
	"fmt"

	"go.dedis.ch/kyber/v3"
	"go.dedis.ch/kyber/v3/share"
	"go.dedis.ch/kyber/v3/sign/tbls"
)

/*
Threshold key material. The conventions follow the section-key model: a
PublicKeySet with threshold t requires t+1 signature shares to produce a
combined section signature. Share indices are elder positions; kyber maps
share index i to the polynomial evaluated at x=i+1.
*/

// ErrNotEnoughShares is returned by the aggregator while it is still below
// the threshold.
var ErrNotEnoughShares = errors.New("not enough signature shares")

// PublicKeySet is the public material of a threshold key: the commitments to
// the coefficients of the secret polynomial. Commitment 0 is the section key.
type PublicKeySet struct {
	Commitments [][]byte `json:"commitments"`
}

// NewPublicKeySet wraps a kyber public polynomial.
func NewPublicKeySet(poly *share.PubPoly) PublicKeySet {
	_, commits := poly.Info()
	set := PublicKeySet{}
	for _, c := range commits {
		set.Commitments = append(set.Commitments, NewPublicKey(c).Data)
	}
	return set
}

// Threshold returns t: one more than t signature shares are needed to
// produce a section signature.
func (ps PublicKeySet) Threshold() int {
	return len(ps.Commitments) - 1
}

// PublicKey returns the section key represented by this set.
func (ps PublicKeySet) PublicKey() PublicKey {
	if len(ps.Commitments) == 0 {
		return PublicKey{}
	}
	return PublicKey{Data: ps.Commitments[0]}
}

// PublicKeyShare returns the public key share at the given elder position.
func (ps PublicKeySet) PublicKeyShare(index int) (PublicKey, error) {
	poly, err := ps.PubPoly()
	if err != nil {
		return PublicKey{}, err
	}
	return NewPublicKey(poly.Eval(index).V), nil
}

// PubPoly reconstructs the kyber public polynomial.
func (ps PublicKeySet) PubPoly() (*share.PubPoly, error) {
	if len(ps.Commitments) == 0 {
		return nil, errors.New("empty public key set")
	}
	commits := make([]kyber.Point, len(ps.Commitments))
	for i, data := range ps.Commitments {
		point := Suite.G2().Point()
		if err := point.UnmarshalBinary(data); err != nil {
			return nil, err
		}
		commits[i] = point
	}
	return share.NewPubPoly(Suite.G2(), Suite.G2().Point().Base(), commits), nil
}

// Equal returns whether two key sets are identical.
func (ps PublicKeySet) Equal(other PublicKeySet) bool {
	if len(ps.Commitments) != len(other.Commitments) {
		return false
	}
	for i := range ps.Commitments {
		if !(PublicKey{Data: ps.Commitments[i]}).Equal(PublicKey{Data: other.Commitments[i]}) {
			return false
		}
	}
	return true
}

// SecretKeyShare is one elder's share of the section secret key.
type SecretKeyShare struct {
	Index int    `json:"index"`
	Data  []byte `json:"data"`
}

// NewSecretKeyShare wraps a kyber private share.
func NewSecretKeyShare(s *share.PriShare) SecretKeyShare {
	data, err := s.V.MarshalBinary()
	if err != nil {
		panic(fmt.Errorf("failed to marshal BLS scalar: %v", err))
	}
	return SecretKeyShare{Index: s.I, Data: data}
}

// PriShare unmarshals the kyber private share.
func (s SecretKeyShare) PriShare() (*share.PriShare, error) {
	scalar := Suite.G2().Scalar()
	if err := scalar.UnmarshalBinary(s.Data); err != nil {
		return nil, err
	}
	return &share.PriShare{I: s.Index, V: scalar}, nil
}

// PublicKeyShare returns the public counterpart of this share.
func (s SecretKeyShare) PublicKeyShare() (PublicKey, error) {
	ps, err := s.PriShare()
	if err != nil {
		return PublicKey{}, err
	}
	return NewPublicKey(Suite.G2().Point().Mul(ps.V, nil)), nil
}

// ThresholdSign produces a signature share of data. Shares from threshold+1
// distinct indices combine into a section signature.
func (s SecretKeyShare) ThresholdSign(data []byte) ([]byte, error) {
	ps, err := s.PriShare()
	if err != nil {
		return nil, err
	}
	return tbls.Sign(Suite, ps, data)
}

// SectionKeyShare is the outcome of a DKG for one participant: the section's
// public key set plus this participant's index and secret share.
type SectionKeyShare struct {
	PublicKeySet   PublicKeySet   `json:"public_key_set"`
	Index          int            `json:"index"`
	SecretKeyShare SecretKeyShare `json:"secret_key_share"`
}

// SecretKeySet is a full secret polynomial. Only tests and the first node of
// a network hold one; it is what a DKG distributes without any single owner.
type SecretKeySet struct {
	poly *share.PriPoly
}

// RandomSecretKeySet generates a secret key set with the given threshold.
func RandomSecretKeySet(threshold int) SecretKeySet {
	poly := share.NewPriPoly(Suite.G2(), threshold+1, nil, Suite.RandomStream())
	return SecretKeySet{poly: poly}
}

// PublicKeySet returns the public material of the set.
func (s SecretKeySet) PublicKeySet() PublicKeySet {
	return NewPublicKeySet(s.poly.Commit(Suite.G2().Point().Base()))
}

// SecretKeyShare returns the share at the given elder position.
func (s SecretKeySet) SecretKeyShare(index int) SecretKeyShare {
	return NewSecretKeyShare(s.poly.Eval(index))
}

// Secret returns the combined secret key.
func (s SecretKeySet) Secret() SecretKey {
	return NewSecretKey(s.poly.Secret())
}

// CombineSignatures recovers a section signature from signature shares. The
// shares must be tbls shares over the same data; threshold+1 of them are
// required out of n participants.
func CombineSignatures(keySet PublicKeySet, data []byte, sigShares [][]byte, n int) ([]byte, error) {
	poly, err := keySet.PubPoly()
	if err != nil {
		return nil, err
	}
	return tbls.Recover(Suite, poly, data, sigShares, keySet.Threshold()+1, n)
}

// VerifyShare checks a single signature share against the key set.
func VerifyShare(keySet PublicKeySet, data, sigShare []byte) error {
	poly, err := keySet.PubPoly()
	if err != nil {
		return err
	}
	return tbls.Verify(Suite, poly, data, sigShare)
}

// ShareIndex extracts the elder position baked into a signature share.
func ShareIndex(sigShare []byte) (int, error) {
	return tbls.SigShare(sigShare).Index()
}

// KeyedSigAggregator accumulates signature shares over a fixed payload until
// threshold+1 distinct shares combine into one KeyedSig. Adding further
// shares after completion is a no-op.
type KeyedSigAggregator struct {
	keySet  PublicKeySet
	n       int
	payload []byte
	shares  map[int][]byte
	result  *KeyedSig
}

// NewKeyedSigAggregator creates an aggregator for the given key set, total
// participant count and payload.
func NewKeyedSigAggregator(keySet PublicKeySet, n int, payload []byte) *KeyedSigAggregator {
	return &KeyedSigAggregator{
		keySet:  keySet,
		n:       n,
		payload: payload,
		shares:  make(map[int][]byte),
	}
}

// Add verifies and stores a signature share. It returns the combined KeyedSig
// once enough shares have accumulated, or ErrNotEnoughShares before that.
func (a *KeyedSigAggregator) Add(sigShare []byte) (*KeyedSig, error) {
	if a.result != nil {
		return a.result, nil
	}

	if err := VerifyShare(a.keySet, a.payload, sigShare); err != nil {
		return nil, err
	}

	index, err := ShareIndex(sigShare)
	if err != nil {
		return nil, err
	}

	a.shares[index] = sigShare

	if len(a.shares) < a.keySet.Threshold()+1 {
		return nil, ErrNotEnoughShares
	}

	collected := make([][]byte, 0, len(a.shares))
	for _, s := range a.shares {
		collected = append(collected, s)
	}

	combined, err := CombineSignatures(a.keySet, a.payload, collected, a.n)
	if err != nil {
		return nil, err
	}

	a.result = &KeyedSig{PublicKey: a.keySet.PublicKey(), Signature: combined}

	return a.result, nil
}
