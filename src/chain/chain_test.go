package chain

import (
	"testing"

	"github.com/xorspace/membrane/src/bls"
)

// keyed returns a fresh key plus a signature over it by the signer.
func keyed(signer bls.SecretKey) (bls.PublicKey, bls.SecretKey, []byte) {
	sk := bls.RandomSecretKey()
	pk := sk.Public()
	return pk, sk, signer.Sign(pk.Data)
}

func TestInsert(t *testing.T) {
	rootSK := bls.RandomSecretKey()
	c := NewSectionChain(rootSK.Public())

	k1, sk1, sig1 := keyed(rootSK)
	if err := c.Insert(rootSK.Public(), k1, sig1); err != nil {
		t.Fatalf("err: %v", err)
	}

	if !c.LastKey().Equal(k1) {
		t.Fatalf("LastKey should be k1")
	}

	// unknown parent
	stranger := bls.RandomSecretKey()
	k2, _, sig2 := keyed(stranger)
	if err := c.Insert(stranger.Public(), k2, sig2); err != ErrUntrustedKey {
		t.Fatalf("expected ErrUntrustedKey, got %v", err)
	}

	// bad signature
	k3, _, _ := keyed(sk1)
	if err := c.Insert(k1, k3, []byte("garbage")); err != ErrInvalidSignature {
		t.Fatalf("expected ErrInvalidSignature, got %v", err)
	}

	// idempotent re-insert
	if err := c.Insert(rootSK.Public(), k1, sig1); err != nil {
		t.Fatalf("err: %v", err)
	}
	if c.Len() != 2 {
		t.Fatalf("re-insert should not grow the chain, len=%d", c.Len())
	}
}

func TestProofChain(t *testing.T) {
	rootSK := bls.RandomSecretKey()
	c := NewSectionChain(rootSK.Public())

	k1, sk1, sig1 := keyed(rootSK)
	if err := c.Insert(rootSK.Public(), k1, sig1); err != nil {
		t.Fatalf("err: %v", err)
	}
	k2, _, sig2 := keyed(sk1)
	if err := c.Insert(k1, k2, sig2); err != nil {
		t.Fatalf("err: %v", err)
	}

	proof, err := c.GetProofChainToCurrent(k1)
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if !proof.RootKey().Equal(k1) {
		t.Fatalf("proof root should be k1")
	}
	if !proof.LastKey().Equal(k2) {
		t.Fatalf("proof tip should be k2")
	}
	if proof.Len() != 2 {
		t.Fatalf("proof len should be 2, got %d", proof.Len())
	}

	unknown := bls.RandomSecretKey().Public()
	if _, err := c.GetProofChainToCurrent(unknown); err != ErrKeyNotInChain {
		t.Fatalf("expected ErrKeyNotInChain, got %v", err)
	}
}

func TestSelfVerify(t *testing.T) {
	rootSK := bls.RandomSecretKey()
	c := NewSectionChain(rootSK.Public())

	k1, sk1, sig1 := keyed(rootSK)
	if err := c.Insert(rootSK.Public(), k1, sig1); err != nil {
		t.Fatalf("err: %v", err)
	}
	k2, _, sig2 := keyed(sk1)
	if err := c.Insert(k1, k2, sig2); err != nil {
		t.Fatalf("err: %v", err)
	}

	if !c.SelfVerify() {
		t.Fatalf("valid chain should self-verify")
	}

	// tamper a link
	c.Links[2].Signature = c.Links[1].Signature
	if c.SelfVerify() {
		t.Fatalf("tampered chain should not self-verify")
	}
}

func TestJoin(t *testing.T) {
	rootSK := bls.RandomSecretKey()
	c := NewSectionChain(rootSK.Public())

	k1, sk1, sig1 := keyed(rootSK)
	if err := c.Insert(rootSK.Public(), k1, sig1); err != nil {
		t.Fatalf("err: %v", err)
	}

	// other extends past our tip
	other := NewSectionChain(k1)
	k2, _, sig2 := keyed(sk1)
	if err := other.Insert(k1, k2, sig2); err != nil {
		t.Fatalf("err: %v", err)
	}

	if err := c.Join(other); err != nil {
		t.Fatalf("err: %v", err)
	}
	if !c.LastKey().Equal(k2) {
		t.Fatalf("joined tip should be k2")
	}

	// disjoint chain
	disjoint := NewSectionChain(bls.RandomSecretKey().Public())
	if err := c.Join(disjoint); err != ErrUntrustedKey {
		t.Fatalf("expected ErrUntrustedKey, got %v", err)
	}
}

func TestMainBranch(t *testing.T) {
	rootSK := bls.RandomSecretKey()
	c := NewSectionChain(rootSK.Public())

	// two competing children of root, then one gets a grandchild
	ka, ska, siga := keyed(rootSK)
	kb, _, sigb := keyed(rootSK)
	if err := c.Insert(rootSK.Public(), ka, siga); err != nil {
		t.Fatalf("err: %v", err)
	}
	if err := c.Insert(rootSK.Public(), kb, sigb); err != nil {
		t.Fatalf("err: %v", err)
	}

	kc, _, sigc := keyed(ska)
	if err := c.Insert(ka, kc, sigc); err != nil {
		t.Fatalf("err: %v", err)
	}

	if !c.LastKey().Equal(kc) {
		t.Fatalf("deepest branch should win")
	}
}

func TestMarshalRoundtrip(t *testing.T) {
	rootSK := bls.RandomSecretKey()
	c := NewSectionChain(rootSK.Public())
	k1, _, sig1 := keyed(rootSK)
	if err := c.Insert(rootSK.Public(), k1, sig1); err != nil {
		t.Fatalf("err: %v", err)
	}

	data, err := c.Marshal()
	if err != nil {
		t.Fatalf("err: %v", err)
	}

	decoded := new(SectionChain)
	if err := decoded.Unmarshal(data); err != nil {
		t.Fatalf("err: %v", err)
	}

	if !decoded.SelfVerify() {
		t.Fatalf("decoded chain should self-verify")
	}
	if !decoded.LastKey().Equal(k1) {
		t.Fatalf("decoded tip mismatch")
	}
}
