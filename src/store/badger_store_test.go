package store

import (
	"fmt"
	"io/ioutil"
	"os"
	"testing"

	"github.com/xorspace/membrane/src/bls"
	"github.com/xorspace/membrane/src/chain"
	cm "github.com/xorspace/membrane/src/common"
	"github.com/xorspace/membrane/src/knowledge"
	"github.com/xorspace/membrane/src/xor"
)

func testSignedSAP(t *testing.T, prefix xor.Prefix, nElders int) (bls.SecretKeySet, knowledge.SignedSAP) {
	skSet := bls.RandomSecretKeySet(0)
	elders := make([]knowledge.Peer, nElders)
	for i := 0; i < nElders; i++ {
		elders[i] = knowledge.Peer{
			Name: prefix.Substituted(xor.RandomName()),
			Addr: fmt.Sprintf("127.0.0.1:%d", 9000+i),
		}
	}
	sap := knowledge.NewSAP(prefix, elders, skSet.PublicKeySet())
	data, err := sap.Marshal()
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	return skSet, knowledge.SignedSAP{
		Value: sap,
		Sig: bls.KeyedSig{
			PublicKey: skSet.PublicKeySet().PublicKey(),
			Signature: skSet.Secret().Sign(data),
		},
	}
}

func testSignedMember(t *testing.T, skSet bls.SecretKeySet, name xor.Name, age uint8) knowledge.SignedNodeState {
	state := knowledge.NewNodeState(knowledge.Peer{Name: name, Addr: "127.0.0.1:9100"}, age)
	data, err := state.Marshal()
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	return knowledge.SignedNodeState{
		Value: state,
		Sig: bls.KeyedSig{
			PublicKey: skSet.PublicKeySet().PublicKey(),
			Signature: skSet.Secret().Sign(data),
		},
	}
}

func initBadgerStore(t *testing.T) *BadgerStore {
	os.RemoveAll("test_data")
	os.Mkdir("test_data", os.ModeDir|0777)
	dir, err := ioutil.TempDir("test_data", "badger")
	if err != nil {
		t.Fatal(err)
	}

	store, err := NewBadgerStore(dir)
	if err != nil {
		t.Fatal(err)
	}

	return store
}

func removeBadgerStore(store *BadgerStore, t *testing.T) {
	if err := store.Close(); err != nil {
		t.Fatal(err)
	}
	if err := os.RemoveAll(store.path); err != nil {
		t.Fatal(err)
	}
}

func TestBadgerStoreRoundtrip(t *testing.T) {
	store := initBadgerStore(t)
	path := store.path

	skSet, sap := testSignedSAP(t, xor.EmptyPrefix, 3)

	c := chain.NewSectionChain(sap.SectionKey())
	childSK := bls.RandomSecretKey()
	err := c.Insert(sap.SectionKey(), childSK.Public(),
		skSet.Secret().Sign(childSK.Public().Data))
	if err != nil {
		t.Fatalf("err: %v", err)
	}

	if err := store.SetChain(c); err != nil {
		t.Fatalf("err: %v", err)
	}
	if err := store.SetSAP(sap); err != nil {
		t.Fatalf("err: %v", err)
	}

	p1, err := xor.ParsePrefix("1")
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	_, remoteSAP := testSignedSAP(t, p1, 3)
	if err := store.SetNetworkSAP(remoteSAP); err != nil {
		t.Fatalf("err: %v", err)
	}

	member := testSignedMember(t, skSet, xor.RandomName(), 5)
	if err := store.SetMember(member); err != nil {
		t.Fatalf("err: %v", err)
	}
	gone := testSignedMember(t, skSet, xor.RandomName(), 5)
	if err := store.SetMember(gone); err != nil {
		t.Fatalf("err: %v", err)
	}
	if err := store.RemoveMember(gone.Value.Name); err != nil {
		t.Fatalf("err: %v", err)
	}

	if err := store.Close(); err != nil {
		t.Fatalf("err: %v", err)
	}

	// Reopen and verify everything came back.
	reopened, err := LoadBadgerStore(path)
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	defer removeBadgerStore(reopened, t)

	gotChain, err := reopened.GetChain()
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if gotChain.Len() != 2 {
		t.Fatalf("expected chain of 2 links, got %d", gotChain.Len())
	}
	if !gotChain.LastKey().Equal(childSK.Public()) {
		t.Fatalf("wrong chain tip after reload")
	}

	gotSAP, err := reopened.GetSAP()
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if !gotSAP.SectionKey().Equal(sap.SectionKey()) {
		t.Fatalf("wrong SAP after reload")
	}
	if !gotSAP.SelfVerify() {
		t.Fatalf("reloaded SAP should self-verify")
	}

	saps, err := reopened.NetworkSAPs()
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if len(saps) != 1 {
		t.Fatalf("expected 1 network SAP, got %d", len(saps))
	}
	if !saps[0].SectionKey().Equal(remoteSAP.SectionKey()) {
		t.Fatalf("wrong network SAP after reload")
	}

	members, err := reopened.Members()
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if len(members) != 1 {
		t.Fatalf("expected 1 member, got %d", len(members))
	}
	if !members[0].Value.Name.Equal(member.Value.Name) {
		t.Fatalf("wrong member after reload")
	}
	if !members[0].SelfVerify() {
		t.Fatalf("reloaded member should self-verify")
	}
}

func TestInmemStoreEmpty(t *testing.T) {
	store := NewInmemStore()

	if _, err := store.GetChain(); !cm.IsStore(err, cm.Empty) {
		t.Fatalf("expected Empty store error, got %v", err)
	}
	if _, err := store.GetSAP(); !cm.IsStore(err, cm.Empty) {
		t.Fatalf("expected Empty store error, got %v", err)
	}
	if _, err := store.GetMember(xor.RandomName()); !cm.IsStore(err, cm.KeyNotFound) {
		t.Fatalf("expected KeyNotFound store error, got %v", err)
	}
}

func TestInmemStoreMembers(t *testing.T) {
	store := NewInmemStore()

	skSet, _ := testSignedSAP(t, xor.EmptyPrefix, 1)
	member := testSignedMember(t, skSet, xor.RandomName(), 5)

	if err := store.SetMember(member); err != nil {
		t.Fatalf("err: %v", err)
	}
	got, err := store.GetMember(member.Value.Name)
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if got.Value.Age != 5 {
		t.Fatalf("wrong member age: %d", got.Value.Age)
	}
	if err := store.RemoveMember(member.Value.Name); err != nil {
		t.Fatalf("err: %v", err)
	}
	if _, err := store.GetMember(member.Value.Name); !cm.IsStore(err, cm.KeyNotFound) {
		t.Fatalf("expected KeyNotFound after removal, got %v", err)
	}
}
