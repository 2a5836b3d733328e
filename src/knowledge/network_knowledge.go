package knowledge

import (
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/xorspace/membrane/src/bls"
	"github.com/xorspace/membrane/src/chain"
	"github.com/xorspace/membrane/src/xor"
)

// NetworkKnowledge aggregates everything one node knows about the network:
// the genesis key, its own section's chain and signed SAP, the member roster,
// and the prefix map of remote sections. All mutation flows through
// UpdateKnowledgeIfValid so the invariants hold after every operation.
type NetworkKnowledge struct {
	genesisKey bls.PublicKey
	chain      *chain.SectionChain
	signedSAP  SignedSAP
	peers      *SectionPeers
	prefixMap  *PrefixMap

	lock sync.RWMutex

	logger *logrus.Entry
}

// New validates the pieces in order and assembles them. The prefix map is
// optional; a fresh one anchored at the genesis key is created if nil. The
// node's own SAP is seeded into the map; a failure there is logged but does
// not abort, the rest of the network will teach us via anti-entropy.
func New(
	genesisKey bls.PublicKey,
	sectionChain *chain.SectionChain,
	signedSAP SignedSAP,
	prefixMap *PrefixMap,
	logger *logrus.Entry,
) (*NetworkKnowledge, error) {

	if !sectionChain.RootKey().Equal(genesisKey) {
		return nil, NewTrustErr(InvalidGenesisKey, "chain root is not the genesis key")
	}
	if !signedSAP.Sig.PublicKey.Equal(sectionChain.LastKey()) {
		return nil, NewTrustErr(UntrustedSectionAuthProvider, "SAP is not signed by the chain tip")
	}
	if !signedSAP.SelfVerify() {
		return nil, NewTrustErr(UntrustedSectionAuthProvider, "signature check failed")
	}
	if !signedSAP.SectionKey().Equal(signedSAP.Sig.PublicKey) {
		return nil, NewTrustErr(UntrustedSectionAuthProvider, "signing key is not the section key")
	}
	if !sectionChain.SelfVerify() {
		return nil, NewTrustErr(UntrustedProofChain, "chain does not self-verify")
	}
	if prefixMap == nil {
		prefixMap = NewPrefixMap(genesisKey)
	} else if !prefixMap.GenesisKey().Equal(genesisKey) {
		return nil, NewTrustErr(InvalidGenesisKey, "prefix map genesis disagrees")
	}

	nk := &NetworkKnowledge{
		genesisKey: genesisKey,
		chain:      sectionChain.Clone(),
		signedSAP:  signedSAP,
		peers:      NewSectionPeers(),
		prefixMap:  prefixMap,
		logger:     logger,
	}

	proof, err := nk.chain.GetProofChainToCurrent(genesisKey)
	if err == nil {
		_, err = nk.prefixMap.VerifyWithChainAndUpdate(signedSAP, proof, nk.chain)
	}
	if err != nil {
		nk.logger.WithError(err).Warn("Failed to seed own SAP into prefix map")
	}

	return nk, nil
}

// FirstNode bootstraps the knowledge of the very first node of a network. It
// generates a threshold-0 key set whose public key becomes the genesis key,
// builds a single-elder SAP over the whole name space, and signs the
// bootstrap peer's membership directly with the genesis secret. Returns the
// knowledge plus the node's section key share.
func FirstNode(peer Peer, age uint8, logger *logrus.Entry) (*NetworkKnowledge, bls.SectionKeyShare, error) {
	skSet := bls.RandomSecretKeySet(0)
	keySet := skSet.PublicKeySet()
	genesisKey := keySet.PublicKey()

	sap := NewSAP(xor.EmptyPrefix, []Peer{peer}, keySet)
	sapData, err := sap.Marshal()
	if err != nil {
		return nil, bls.SectionKeyShare{}, err
	}
	signedSAP := SignedSAP{
		Value: sap,
		Sig: bls.KeyedSig{
			PublicKey: genesisKey,
			Signature: skSet.Secret().Sign(sapData),
		},
	}

	nk, err := New(genesisKey, chain.NewSectionChain(genesisKey), signedSAP, nil, logger)
	if err != nil {
		return nil, bls.SectionKeyShare{}, err
	}

	state := NewNodeState(peer, age)
	stateData, err := state.Marshal()
	if err != nil {
		return nil, bls.SectionKeyShare{}, err
	}
	nk.peers.Update(SignedNodeState{
		Value: state,
		Sig: bls.KeyedSig{
			PublicKey: genesisKey,
			Signature: skSet.Secret().Sign(stateData),
		},
	})

	keyShare := bls.SectionKeyShare{
		PublicKeySet:   keySet,
		Index:          0,
		SecretKeyShare: skSet.SecretKeyShare(0),
	}

	return nk, keyShare, nil
}

// GenesisKey returns the network's genesis key.
func (nk *NetworkKnowledge) GenesisKey() bls.PublicKey {
	return nk.genesisKey
}

// SectionKey returns the current tip of our section chain.
func (nk *NetworkKnowledge) SectionKey() bls.PublicKey {
	nk.lock.RLock()
	defer nk.lock.RUnlock()
	return nk.chain.LastKey()
}

// Prefix returns our section's prefix.
func (nk *NetworkKnowledge) Prefix() xor.Prefix {
	nk.lock.RLock()
	defer nk.lock.RUnlock()
	return nk.signedSAP.Value.Prefix
}

// SignedSAP returns our section's current signed SAP.
func (nk *NetworkKnowledge) SignedSAP() SignedSAP {
	nk.lock.RLock()
	defer nk.lock.RUnlock()
	return nk.signedSAP
}

// Chain returns a copy of our section chain.
func (nk *NetworkKnowledge) Chain() *chain.SectionChain {
	nk.lock.RLock()
	defer nk.lock.RUnlock()
	return nk.chain.Clone()
}

// HasChainKey returns whether the key appears on our section chain.
func (nk *NetworkKnowledge) HasChainKey(key bls.PublicKey) bool {
	nk.lock.RLock()
	defer nk.lock.RUnlock()
	return nk.chain.HasKey(key)
}

// GetProofChainToCurrent returns the sub-chain from the given key to the
// current tip, the proof carried by anti-entropy retries.
func (nk *NetworkKnowledge) GetProofChainToCurrent(fromKey bls.PublicKey) (*chain.SectionChain, error) {
	nk.lock.RLock()
	defer nk.lock.RUnlock()
	return nk.chain.GetProofChainToCurrent(fromKey)
}

// Elders returns the current elders of our section.
func (nk *NetworkKnowledge) Elders() []Peer {
	nk.lock.RLock()
	defer nk.lock.RUnlock()
	elders := make([]Peer, len(nk.signedSAP.Value.Elders))
	copy(elders, nk.signedSAP.Value.Elders)
	return elders
}

// IsElder returns whether the name is one of our section's elders.
func (nk *NetworkKnowledge) IsElder(name xor.Name) bool {
	nk.lock.RLock()
	defer nk.lock.RUnlock()
	return nk.signedSAP.Value.HasElder(name)
}

// Members returns every signed roster record.
func (nk *NetworkKnowledge) Members() []SignedNodeState {
	nk.lock.RLock()
	defer nk.lock.RUnlock()
	return nk.peers.All()
}

// ActiveMembers returns the joined members plus any member that left but is
// still listed as an elder; the latter must keep receiving section traffic
// until the next DKG rotates them out.
func (nk *NetworkKnowledge) ActiveMembers() []NodeState {
	nk.lock.RLock()
	defer nk.lock.RUnlock()
	var active []NodeState
	for _, m := range nk.peers.All() {
		if m.Value.IsJoined() || nk.signedSAP.Value.HasElder(m.Value.Name) {
			active = append(active, m.Value)
		}
	}
	return active
}

// Adults returns the joined members that are not elders.
func (nk *NetworkKnowledge) Adults() []NodeState {
	nk.lock.RLock()
	defer nk.lock.RUnlock()
	var adults []NodeState
	for _, m := range nk.peers.Joined() {
		if !nk.signedSAP.Value.HasElder(m.Name) {
			adults = append(adults, m)
		}
	}
	return adults
}

// GetMember returns the roster record for a name.
func (nk *NetworkKnowledge) GetMember(name xor.Name) (SignedNodeState, bool) {
	nk.lock.RLock()
	defer nk.lock.RUnlock()
	return nk.peers.Get(name)
}

// SectionByName returns the known SAP matching the name.
func (nk *NetworkKnowledge) SectionByName(name xor.Name) (SignedSAP, error) {
	nk.lock.RLock()
	defer nk.lock.RUnlock()
	return nk.prefixMap.SectionByName(name)
}

// ClosestSAP returns the known SAP closest to the name, excluding our own
// prefix when excludeSelf is set.
func (nk *NetworkKnowledge) ClosestSAP(name xor.Name, excludeSelf bool) (SignedSAP, error) {
	nk.lock.RLock()
	defer nk.lock.RUnlock()
	var exclude *xor.Prefix
	if excludeSelf {
		own := nk.signedSAP.Value.Prefix
		exclude = &own
	}
	return nk.prefixMap.Closest(name, exclude)
}

// NetworkSections returns every known SAP across the network.
func (nk *NetworkKnowledge) NetworkSections() []SignedSAP {
	nk.lock.RLock()
	defer nk.lock.RUnlock()
	return nk.prefixMap.All()
}

// UpdateKnowledgeIfValid is the single entry point for network knowledge
// updates. The proof chain must root at the genesis key. The signed SAP is
// verified and folded into the prefix map; if its prefix covers ourName and
// updateSAP is set, it also replaces our own SAP and chain. updateSAP is
// only set when the caller holds a key share for the new SAP (a completed
// DKG or a handover install); plain anti-entropy traffic must never make a
// node adopt a key it cannot sign with. Returns whether anything changed,
// which tells the caller whether to rebroadcast what it learned.
func (nk *NetworkKnowledge) UpdateKnowledgeIfValid(
	signed SignedSAP,
	proofChain *chain.SectionChain,
	members []SignedNodeState,
	ourName xor.Name,
	updateSAP bool,
) bool {

	nk.lock.Lock()
	defer nk.lock.Unlock()

	// Anti-entropy proof chains start at whichever of our keys the sender saw
	// in the stale message, so they rarely root at genesis; rooting at any
	// key we already trust is enough. VerifyWithChainAndUpdate enforces that.
	if !proofChain.RootKey().Equal(nk.genesisKey) && !nk.chain.HasKey(proofChain.RootKey()) {
		nk.logger.WithField("root", proofChain.RootKey().String()).
			Debug("Proof chain roots at a key outside our chain")
	}

	if stored, ok := nk.prefixMap.Get(signed.Value.Prefix); ok &&
		signed.Value.ElderCount() < stored.Value.ElderCount() {
		nk.logger.WithFields(logrus.Fields{
			"prefix": signed.Value.Prefix.String(),
			"from":   stored.Value.ElderCount(),
			"to":     signed.Value.ElderCount(),
		}).Warn("Accepting SAP with fewer elders than the stored one")
	}

	changed, err := nk.prefixMap.VerifyWithChainAndUpdate(signed, proofChain, nk.chain)
	if err != nil {
		nk.logger.WithError(err).Debug("Rejected section knowledge update")
		return false
	}

	// Adopting a new own SAP replaces our whole chain, so here the proof
	// chain must be complete back to genesis.
	if signed.Value.Prefix.Matches(ourName) && updateSAP &&
		proofChain.RootKey().Equal(nk.genesisKey) {
		if !nk.signedSAP.SectionKey().Equal(signed.SectionKey()) {
			nk.chain = proofChain.Clone()
			nk.signedSAP = signed
			if nk.peers.Retain(signed.Value.Prefix) {
				changed = true
			}
			changed = true
			nk.logger.WithFields(logrus.Fields{
				"prefix": signed.Value.Prefix.String(),
				"key":    signed.SectionKey().String(),
			}).Info("Switched to new section authority")
		}
	}

	if len(members) > 0 {
		if nk.mergeMembers(members) {
			changed = true
		}
	}

	return changed
}

// MergeMembers folds signed roster records into the member roster. A record
// is accepted only if it self-verifies and its signing key is on our chain.
// Returns whether the roster changed.
func (nk *NetworkKnowledge) MergeMembers(members []SignedNodeState) bool {
	nk.lock.Lock()
	defer nk.lock.Unlock()
	return nk.mergeMembers(members)
}

func (nk *NetworkKnowledge) mergeMembers(members []SignedNodeState) bool {
	changed := false
	for _, m := range members {
		if !m.SelfVerify() {
			nk.logger.WithField("name", m.Value.Name.String()).
				Debug("Rejecting member state with bad signature")
			continue
		}
		if !nk.chain.HasKey(m.Sig.PublicKey) {
			nk.logger.WithField("name", m.Value.Name.String()).
				Debug("Rejecting member state signed by unknown key")
			continue
		}
		if nk.peers.Update(m) {
			changed = true
		}
	}
	if nk.peers.Retain(nk.signedSAP.Value.Prefix) {
		changed = true
	}
	return changed
}

// TrySplit checks whether the section is ready to split in two. It is when
// we have a full elder set and the mature members, partitioned by the bit
// just past our prefix, form two halves of at least RecommendedSectionSize
// each. Returns the elder candidates for both child prefixes.
func (nk *NetworkKnowledge) TrySplit(excluded map[xor.Name]bool) (ElderCandidates, ElderCandidates, bool) {
	nk.lock.RLock()
	defer nk.lock.RUnlock()
	return nk.trySplit(excluded)
}

func (nk *NetworkKnowledge) trySplit(excluded map[xor.Name]bool) (ElderCandidates, ElderCandidates, bool) {
	prefix := nk.signedSAP.Value.Prefix
	if nk.signedSAP.Value.ElderCount() < ElderSize {
		return ElderCandidates{}, ElderCandidates{}, false
	}
	if prefix.BitCount() >= xor.NameBits {
		return ElderCandidates{}, ElderCandidates{}, false
	}

	var zero, one []NodeState
	for _, m := range nk.peers.Mature(excluded) {
		if m.Name.Bit(prefix.BitCount()) {
			one = append(one, m)
		} else {
			zero = append(zero, m)
		}
	}

	if len(zero) < RecommendedSectionSize || len(one) < RecommendedSectionSize {
		return ElderCandidates{}, ElderCandidates{}, false
	}

	p0 := prefix.Pushed(false)
	p1 := prefix.Pushed(true)
	ec0 := NewElderCandidates(p0, elderCandidates(zero, p0))
	ec1 := NewElderCandidates(p1, elderCandidates(one, p1))
	return ec0, ec1, true
}

// PromoteAndDemoteElders returns the elder candidate sets that should run
// DKG: both children on a split, one set when the best possible elder set
// differs from the current one, or nothing when no churn is needed.
func (nk *NetworkKnowledge) PromoteAndDemoteElders(excluded map[xor.Name]bool) []ElderCandidates {
	nk.lock.RLock()
	defer nk.lock.RUnlock()

	if ec0, ec1, ok := nk.trySplit(excluded); ok {
		return []ElderCandidates{ec0, ec1}
	}

	prefix := nk.signedSAP.Value.Prefix
	best := elderCandidates(nk.peers.Mature(excluded), prefix)

	current := nk.signedSAP.Value.ElderNames()
	if sameNames(best, current) {
		return nil
	}
	if len(best) < Supermajority(len(current)) {
		nk.logger.WithFields(logrus.Fields{
			"current": len(current),
			"best":    len(best),
		}).Debug("Not enough candidates to rotate elders")
		return nil
	}

	return []ElderCandidates{NewElderCandidates(prefix, best)}
}

func sameNames(peers []Peer, names []xor.Name) bool {
	if len(peers) != len(names) {
		return false
	}
	set := make(map[xor.Name]bool, len(names))
	for _, n := range names {
		set[n] = true
	}
	for _, p := range peers {
		if !set[p.Name] {
			return false
		}
	}
	return true
}
