package bls

import (
	"testing"
)

func TestSignVerify(t *testing.T) {
	sk := RandomSecretKey()
	pk := sk.Public()

	data := []byte("section key handover")
	sig := sk.Sign(data)

	if err := pk.Verify(data, sig); err != nil {
		t.Fatalf("signature should verify: %v", err)
	}
	if err := pk.Verify([]byte("other"), sig); err == nil {
		t.Fatal("signature should not verify other data")
	}
}

func TestKeyedSig(t *testing.T) {
	sk := RandomSecretKey()

	data := []byte("payload")
	ks := KeyedSig{PublicKey: sk.Public(), Signature: sk.Sign(data)}

	if err := ks.Verify(data); err != nil {
		t.Fatalf("keyed sig should self-verify: %v", err)
	}
}

func TestThresholdZero(t *testing.T) {
	// A single-owner key set: threshold 0, one share combines alone.
	sks := RandomSecretKeySet(0)
	keySet := sks.PublicKeySet()

	if keySet.Threshold() != 0 {
		t.Fatalf("threshold = %d, want 0", keySet.Threshold())
	}

	data := []byte("genesis")
	sigShare, err := sks.SecretKeyShare(0).ThresholdSign(data)
	if err != nil {
		t.Fatalf("err: %v", err)
	}

	combined, err := CombineSignatures(keySet, data, [][]byte{sigShare}, 1)
	if err != nil {
		t.Fatalf("err: %v", err)
	}

	if err := keySet.PublicKey().Verify(data, combined); err != nil {
		t.Fatalf("combined signature should verify under section key: %v", err)
	}
}

func TestThresholdCombine(t *testing.T) {
	n := 7
	threshold := 4 // supermajority(7)-1

	sks := RandomSecretKeySet(threshold)
	keySet := sks.PublicKeySet()

	data := []byte("elder agreement")

	var shares [][]byte
	for i := 0; i < threshold+1; i++ {
		s, err := sks.SecretKeyShare(i).ThresholdSign(data)
		if err != nil {
			t.Fatalf("err: %v", err)
		}
		shares = append(shares, s)
	}

	combined, err := CombineSignatures(keySet, data, shares, n)
	if err != nil {
		t.Fatalf("err: %v", err)
	}

	if err := keySet.PublicKey().Verify(data, combined); err != nil {
		t.Fatalf("combined signature should verify: %v", err)
	}

	// One share short must not combine.
	if _, err := CombineSignatures(keySet, data, shares[:threshold], n); err == nil {
		t.Fatal("combining below threshold should fail")
	}
}

func TestKeyedSigAggregator(t *testing.T) {
	n := 7
	threshold := 4

	sks := RandomSecretKeySet(threshold)
	keySet := sks.PublicKeySet()

	data := []byte("proposal")
	agg := NewKeyedSigAggregator(keySet, n, data)

	for i := 0; i < threshold; i++ {
		s, _ := sks.SecretKeyShare(i).ThresholdSign(data)
		if _, err := agg.Add(s); err != ErrNotEnoughShares {
			t.Fatalf("share %d: expected ErrNotEnoughShares, got %v", i, err)
		}
	}

	// Duplicate share does not count towards the threshold.
	dup, _ := sks.SecretKeyShare(0).ThresholdSign(data)
	if _, err := agg.Add(dup); err != ErrNotEnoughShares {
		t.Fatalf("duplicate share should not complete aggregation: %v", err)
	}

	last, _ := sks.SecretKeyShare(threshold).ThresholdSign(data)
	ks, err := agg.Add(last)
	if err != nil {
		t.Fatalf("err: %v", err)
	}

	if err := ks.Verify(data); err != nil {
		t.Fatalf("aggregated sig should verify: %v", err)
	}

	if !ks.PublicKey.Equal(keySet.PublicKey()) {
		t.Fatal("aggregated sig should carry the section key")
	}
}

func TestPublicKeyShareConsistency(t *testing.T) {
	sks := RandomSecretKeySet(2)
	keySet := sks.PublicKeySet()

	for i := 0; i < 5; i++ {
		fromSet, err := keySet.PublicKeyShare(i)
		if err != nil {
			t.Fatalf("err: %v", err)
		}
		fromShare, err := sks.SecretKeyShare(i).PublicKeyShare()
		if err != nil {
			t.Fatalf("err: %v", err)
		}
		if !fromSet.Equal(fromShare) {
			t.Fatalf("share %d: public key share mismatch", i)
		}
	}
}
