package node

import (
	"fmt"
	"testing"

	"github.com/xorspace/membrane/src/bls"
	"github.com/xorspace/membrane/src/chain"
	"github.com/xorspace/membrane/src/crypto/keys"
	"github.com/xorspace/membrane/src/dkg"
	"github.com/xorspace/membrane/src/knowledge"
	"github.com/xorspace/membrane/src/store"
	"github.com/xorspace/membrane/src/wire"
	"github.com/xorspace/membrane/src/xor"
)

func newTestValidator(t *testing.T) *Validator {
	key, err := keys.GenerateECDSAKey()
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	return NewValidator(key, "")
}

// signSAP wraps a SAP in the signature of the given secret key set.
func signSAP(t *testing.T, sap knowledge.SectionAuthorityProvider, skSet bls.SecretKeySet) knowledge.SignedSAP {
	data, err := sap.Marshal()
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	return knowledge.SignedSAP{
		Value: sap,
		Sig: bls.KeyedSig{
			PublicKey: skSet.PublicKeySet().PublicKey(),
			Signature: skSet.Secret().Sign(data),
		},
	}
}

func signMember(t *testing.T, state knowledge.NodeState, skSet bls.SecretKeySet) knowledge.SignedNodeState {
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

// buildKnowledge assembles a section whose chain walks keySets[0..upTo],
// with the given elders at the tip. All key sets are threshold 0 so a single
// share is a full signature.
func buildKnowledge(
	t *testing.T,
	conf *Config,
	prefix xor.Prefix,
	elders []knowledge.Peer,
	keySets []bls.SecretKeySet,
	upTo int,
) *knowledge.NetworkKnowledge {

	genesisKey := keySets[0].PublicKeySet().PublicKey()
	c := chain.NewSectionChain(genesisKey)
	for i := 1; i <= upTo; i++ {
		parent := keySets[i-1]
		key := keySets[i].PublicKeySet().PublicKey()
		err := c.Insert(parent.PublicKeySet().PublicKey(), key, parent.Secret().Sign(key.Data))
		if err != nil {
			t.Fatalf("err: %v", err)
		}
	}

	sap := knowledge.NewSAP(prefix, elders, keySets[upTo].PublicKeySet())
	signed := signSAP(t, sap, keySets[upTo])

	nk, err := knowledge.New(genesisKey, c, signed, nil, conf.Logger.WithField("test", t.Name()))
	if err != nil {
		t.Fatalf("err: %v", err)
	}

	var members []knowledge.SignedNodeState
	for _, e := range elders {
		members = append(members, signMember(t, knowledge.NewNodeState(e, knowledge.MinAdultAge), keySets[upTo]))
	}
	nk.MergeMembers(members)

	return nk
}

func keyShareOf(skSet bls.SecretKeySet) *bls.SectionKeyShare {
	return &bls.SectionKeyShare{
		PublicKeySet:   skSet.PublicKeySet(),
		Index:          0,
		SecretKeyShare: skSet.SecretKeyShare(0),
	}
}

func nodeMsgTo(src knowledge.Peer, dstName xor.Name, dstKey bls.PublicKey, data []byte) *wire.WireMsg {
	return wire.NewWireMsg(src, wire.Dst{Name: dstName, SectionPK: dstKey}, wire.Payload{
		Type: wire.TypeNode,
		Node: &wire.NodeMsg{Data: data},
	})
}

// A message addressed at the current section key is admitted with no
// anti-entropy reply.
func TestAEAdmitWhenCurrent(t *testing.T) {
	conf := TestConfig(t)
	v := newTestValidator(t)
	peer := knowledge.Peer{Name: v.Name(), Addr: "addr-b"}

	nk, keyShare, err := knowledge.FirstNode(peer, conf.JoinAge, conf.Logger.WithField("test", t.Name()))
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	core := NewCore(v, peer.Addr, nk, &keyShare, store.NewInmemStore(), conf)

	src := knowledge.Peer{Name: xor.RandomName(), Addr: "addr-a"}
	core.HandleWireMsg(nodeMsgTo(src, peer.Name, nk.SectionKey(), []byte("payload")))

	out, _, delivered := core.Drain()
	if len(out) != 0 {
		t.Fatalf("expected no AE reply, got %d messages", len(out))
	}
	if len(delivered) != 1 || string(delivered[0].Data) != "payload" {
		t.Fatalf("expected the payload to be delivered, got %v", delivered)
	}
}

// A message addressed at an older key on our chain earns the sender exactly
// one Retry whose proof chain spans from that key to the tip, and the sender
// uses it to update and resend.
func TestAERetryRoundtrip(t *testing.T) {
	conf := TestConfig(t)
	vA := newTestValidator(t)
	vB := newTestValidator(t)
	peerA := knowledge.Peer{Name: vA.Name(), Addr: "addr-a"}
	peerB := knowledge.Peer{Name: vB.Name(), Addr: "addr-b"}
	elders := []knowledge.Peer{peerA, peerB}

	keySets := []bls.SecretKeySet{
		bls.RandomSecretKeySet(0), // genesis
		bls.RandomSecretKeySet(0), // k1
		bls.RandomSecretKeySet(0), // k2
	}
	k1 := keySets[1].PublicKeySet().PublicKey()
	k2 := keySets[2].PublicKeySet().PublicKey()

	// B is at the tip, A fell behind by one key.
	coreB := NewCore(vB, peerB.Addr,
		buildKnowledge(t, conf, xor.EmptyPrefix, elders, keySets, 2),
		keyShareOf(keySets[2]), store.NewInmemStore(), conf)
	coreA := NewCore(vA, peerA.Addr,
		buildKnowledge(t, conf, xor.EmptyPrefix, elders, keySets[:2], 1),
		keyShareOf(keySets[1]), store.NewInmemStore(), conf)

	original := nodeMsgTo(peerA, peerB.Name, k1, []byte("stale"))
	coreB.HandleWireMsg(original)

	out, _, delivered := coreB.Drain()
	if len(delivered) != 0 {
		t.Fatalf("stale message should not be delivered")
	}
	if len(out) != 1 {
		t.Fatalf("expected exactly one Retry, got %d messages", len(out))
	}
	retry := out[0]
	if retry.msg.Payload.Type != wire.TypeAERetry {
		t.Fatalf("expected AERetry, got %s", retry.msg.Payload.Type)
	}
	if retry.target.Name != peerA.Name {
		t.Fatalf("Retry should go back to the sender")
	}
	proof := retry.msg.Payload.AERetry.ProofChain
	if !proof.RootKey().Equal(k1) {
		t.Fatalf("proof chain should root at the stale key")
	}
	if !proof.LastKey().Equal(k2) {
		t.Fatalf("proof chain should reach the current tip")
	}

	// A digests the Retry: learns k2 and resends the bounced message.
	coreA.HandleWireMsg(retry.msg)
	out, _, _ = coreA.Drain()
	if len(out) != 1 {
		t.Fatalf("expected the bounced message to be resent, got %d messages", len(out))
	}
	resent := out[0]
	if !resent.msg.ID.Equal(original.ID) {
		t.Fatalf("resent message should keep its id")
	}
	if !resent.msg.Dst.SectionPK.Equal(k2) {
		t.Fatalf("resent message should be addressed at the new key")
	}

	learned, err := coreA.Knowledge().SectionByName(peerB.Name)
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if !learned.SectionKey().Equal(k2) {
		t.Fatalf("A should have learned the new section key")
	}

	// B admits the resent message.
	coreB.HandleWireMsg(resent.msg)
	_, _, delivered = coreB.Drain()
	if len(delivered) != 1 || string(delivered[0].Data) != "stale" {
		t.Fatalf("resent message should be delivered")
	}
}

// A message for a name in a section we know better than the sender earns a
// Redirect, and the sender resends to the advertised section's closest
// elder.
func TestAERedirect(t *testing.T) {
	conf := TestConfig(t)
	vA := newTestValidator(t)
	vB := newTestValidator(t)

	p0, err := xor.ParsePrefix("0")
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	p1, err := xor.ParsePrefix("1")
	if err != nil {
		t.Fatalf("err: %v", err)
	}

	genesis := bls.RandomSecretKeySet(0)

	// B owns prefix 0.
	peerB := knowledge.Peer{Name: p0.Substituted(vB.Name()), Addr: "addr-b"}
	keySetsB := []bls.SecretKeySet{genesis, bls.RandomSecretKeySet(0)}
	nkB := buildKnowledge(t, conf, p0, []knowledge.Peer{peerB}, keySetsB, 1)
	coreB := NewCore(vB, peerB.Addr, nkB, keyShareOf(keySetsB[1]), store.NewInmemStore(), conf)

	// Teach B the SAP of prefix 1, chained off the shared genesis.
	foreign := bls.RandomSecretKeySet(0)
	foreignKey := foreign.PublicKeySet().PublicKey()
	foreignElders := []knowledge.Peer{}
	for i := 0; i < 3; i++ {
		foreignElders = append(foreignElders, knowledge.Peer{
			Name: p1.Substituted(xor.RandomName()),
			Addr: fmt.Sprintf("addr-c%d", i),
		})
	}
	foreignChain := chain.NewSectionChain(genesis.PublicKeySet().PublicKey())
	err = foreignChain.Insert(genesis.PublicKeySet().PublicKey(), foreignKey,
		genesis.Secret().Sign(foreignKey.Data))
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	foreignSigned := signSAP(t, knowledge.NewSAP(p1, foreignElders, foreign.PublicKeySet()), foreign)
	if !nkB.UpdateKnowledgeIfValid(foreignSigned, foreignChain, nil, peerB.Name, false) {
		t.Fatalf("B should accept the foreign SAP")
	}

	// A addresses a name in prefix 1 with a key nobody knows.
	peerA := knowledge.Peer{Name: vA.Name(), Addr: "addr-a"}
	target := p1.Substituted(xor.RandomName())
	unknownKey := bls.RandomSecretKey().Public()
	original := nodeMsgTo(peerA, target, unknownKey, []byte("lost"))

	coreB.HandleWireMsg(original)
	out, _, delivered := coreB.Drain()
	if len(delivered) != 0 {
		t.Fatalf("misdirected message should not be delivered")
	}
	if len(out) != 1 || out[0].msg.Payload.Type != wire.TypeAERedirect {
		t.Fatalf("expected exactly one Redirect")
	}
	redirect := out[0].msg
	if !redirect.Payload.AERedirect.SectionAuth.Value.Prefix.Equal(p1) {
		t.Fatalf("Redirect should advertise the target's section")
	}

	// A digests the Redirect and resends to the closest advertised elder.
	nkA, keyShareA, err := knowledge.FirstNode(peerA, conf.JoinAge, conf.Logger.WithField("test", t.Name()))
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	coreA := NewCore(vA, peerA.Addr, nkA, &keyShareA, store.NewInmemStore(), conf)
	coreA.HandleWireMsg(redirect)

	out, _, _ = coreA.Drain()
	if len(out) != 1 {
		t.Fatalf("expected the bounced message to be resent, got %d messages", len(out))
	}
	resent := out[0]
	if !resent.msg.Dst.SectionPK.Equal(foreignKey) {
		t.Fatalf("resent message should be addressed at the advertised key")
	}
	want := closestPeer(foreignElders, target)
	if resent.target.Name != want.Name {
		t.Fatalf("resent message should go to the closest advertised elder")
	}
}

// A stale peer replaying the same Retry forever only gets a bounded number
// of resends.
func TestAERetryCap(t *testing.T) {
	conf := TestConfig(t)
	vA := newTestValidator(t)
	vB := newTestValidator(t)
	peerA := knowledge.Peer{Name: vA.Name(), Addr: "addr-a"}
	peerB := knowledge.Peer{Name: vB.Name(), Addr: "addr-b"}
	elders := []knowledge.Peer{peerA, peerB}

	keySets := []bls.SecretKeySet{
		bls.RandomSecretKeySet(0),
		bls.RandomSecretKeySet(0),
		bls.RandomSecretKeySet(0),
	}
	coreB := NewCore(vB, peerB.Addr,
		buildKnowledge(t, conf, xor.EmptyPrefix, elders, keySets, 2),
		keyShareOf(keySets[2]), store.NewInmemStore(), conf)
	coreA := NewCore(vA, peerA.Addr,
		buildKnowledge(t, conf, xor.EmptyPrefix, elders, keySets[:2], 1),
		keyShareOf(keySets[1]), store.NewInmemStore(), conf)

	original := nodeMsgTo(peerA, peerB.Name, keySets[1].PublicKeySet().PublicKey(), []byte("x"))
	coreB.HandleWireMsg(original)
	out, _, _ := coreB.Drain()
	retryMsg := out[0].msg

	resends := 0
	for i := 0; i < conf.MaxAERetries+3; i++ {
		coreA.HandleWireMsg(retryMsg)
		out, _, _ = coreA.Drain()
		resends += len(out)
	}
	if resends != conf.MaxAERetries {
		t.Fatalf("expected %d resends, got %d", conf.MaxAERetries, resends)
	}
}

// The delivery group for a destination inside our own prefix is every elder
// but ourselves.
func TestDeliveryGroupOwnSection(t *testing.T) {
	conf := TestConfig(t)
	v := newTestValidator(t)
	self := knowledge.Peer{Name: v.Name(), Addr: "addr-self"}

	elders := []knowledge.Peer{self}
	for i := 1; i < knowledge.ElderSize; i++ {
		elders = append(elders, knowledge.Peer{
			Name: xor.RandomName(),
			Addr: fmt.Sprintf("addr-%d", i),
		})
	}

	keySets := []bls.SecretKeySet{bls.RandomSecretKeySet(0)}
	core := NewCore(v, self.Addr,
		buildKnowledge(t, conf, xor.EmptyPrefix, elders, keySets, 0),
		keyShareOf(keySets[0]), store.NewInmemStore(), conf)

	// A name in our prefix that is not a member.
	group, err := core.DeliveryGroup(xor.RandomName())
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if len(group) != knowledge.ElderSize-1 {
		t.Fatalf("expected %d recipients, got %d", knowledge.ElderSize-1, len(group))
	}
	for _, p := range group {
		if p.Name.Equal(self.Name) {
			t.Fatalf("delivery group must not contain ourselves")
		}
	}
}

// Sending to ourselves selects nobody; sending to a known member selects
// exactly that member.
func TestDeliveryGroupDirect(t *testing.T) {
	conf := TestConfig(t)
	vA := newTestValidator(t)
	vB := newTestValidator(t)
	peerA := knowledge.Peer{Name: vA.Name(), Addr: "addr-a"}
	peerB := knowledge.Peer{Name: vB.Name(), Addr: "addr-b"}

	keySets := []bls.SecretKeySet{bls.RandomSecretKeySet(0)}
	core := NewCore(vA, peerA.Addr,
		buildKnowledge(t, conf, xor.EmptyPrefix, []knowledge.Peer{peerA, peerB}, keySets, 0),
		keyShareOf(keySets[0]), store.NewInmemStore(), conf)

	group, err := core.DeliveryGroup(peerA.Name)
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if len(group) != 0 {
		t.Fatalf("sending to ourselves should select nobody")
	}

	group, err = core.DeliveryGroup(peerB.Name)
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if len(group) != 1 || group[0].Name != peerB.Name {
		t.Fatalf("expected the member itself, got %v", group)
	}
}

// A single-candidate DkgStart runs the whole pipeline synchronously: session
// outcome, handover proposal, signature aggregation, chain extension, SAP
// install.
func TestSingleCandidateDkgHandover(t *testing.T) {
	conf := TestConfig(t)
	v := newTestValidator(t)
	peer := knowledge.Peer{Name: v.Name(), Addr: "addr-self"}

	nk, keyShare, err := knowledge.FirstNode(peer, conf.JoinAge, conf.Logger.WithField("test", t.Name()))
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	genesisKey := nk.GenesisKey()
	st := store.NewInmemStore()
	core := NewCore(v, peer.Addr, nk, &keyShare, st, conf)

	candidates := knowledge.NewElderCandidates(xor.EmptyPrefix, []knowledge.Peer{peer})
	id := dkg.NewSessionID(candidates, 7)
	start := wire.NewWireMsg(peer,
		wire.Dst{Name: peer.Name, SectionPK: nk.SectionKey()},
		wire.Payload{
			Type: wire.TypeDkgStart,
			DkgStart: &wire.DkgStart{
				SessionID:  id,
				Candidates: candidates,
			},
		})
	core.HandleWireMsg(start)

	if core.Knowledge().Chain().Len() != 2 {
		t.Fatalf("expected the chain to grow to 2 links, got %d", core.Knowledge().Chain().Len())
	}
	newKey := core.Knowledge().SectionKey()
	if newKey.Equal(genesisKey) {
		t.Fatalf("section key should have rotated")
	}
	if core.KeyShare() == nil || !core.KeyShare().PublicKeySet.PublicKey().Equal(newKey) {
		t.Fatalf("key share should match the new section key")
	}
	if !core.Knowledge().SignedSAP().SelfVerify() {
		t.Fatalf("installed SAP should self-verify")
	}

	// The new authority reached the store.
	storedChain, err := st.GetChain()
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if !storedChain.LastKey().Equal(newKey) {
		t.Fatalf("store should hold the new chain tip")
	}
	storedSAP, err := st.GetSAP()
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if !storedSAP.SectionKey().Equal(newKey) {
		t.Fatalf("store should hold the new SAP")
	}
}
