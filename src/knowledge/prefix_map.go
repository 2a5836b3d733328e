package knowledge

import (
	"fmt"

	"github.com/xorspace/membrane/src/bls"
	"github.com/xorspace/membrane/src/chain"
	"github.com/xorspace/membrane/src/xor"
)

// PrefixMap caches the latest known SAP for every known prefix. Entries are
// standalone verifiable: each was accepted through a proof chain rooted in
// something we trust. Invariant: no stored prefix is a strict prefix of
// another stored prefix.
type PrefixMap struct {
	genesisKey bls.PublicKey
	sections   map[xor.Prefix]SignedSAP
}

// NewPrefixMap creates an empty map anchored at the genesis key.
func NewPrefixMap(genesisKey bls.PublicKey) *PrefixMap {
	return &PrefixMap{
		genesisKey: genesisKey,
		sections:   make(map[xor.Prefix]SignedSAP),
	}
}

// GenesisKey returns the trust anchor of the map.
func (pm *PrefixMap) GenesisKey() bls.PublicKey {
	return pm.genesisKey
}

// Get returns the SAP stored for an exact prefix.
func (pm *PrefixMap) Get(prefix xor.Prefix) (SignedSAP, bool) {
	s, ok := pm.sections[prefix]
	return s, ok
}

// SectionByName returns the SAP whose prefix matches the name. With the
// prefix tree invariant there is at most one.
func (pm *PrefixMap) SectionByName(name xor.Name) (SignedSAP, error) {
	for prefix, s := range pm.sections {
		if prefix.Matches(name) {
			return s, nil
		}
	}
	return SignedSAP{}, NewTrustErr(NoMatchingSection, fmt.Sprintf("name %s", name))
}

// Closest returns the stored SAP whose prefix is closest to the name,
// skipping the excluded prefix (normally our own). Used for AE redirects.
func (pm *PrefixMap) Closest(name xor.Name, exclude *xor.Prefix) (SignedSAP, error) {
	var best *SignedSAP
	for prefix, s := range pm.sections {
		if exclude != nil && prefix.Equal(*exclude) {
			continue
		}
		if best == nil || prefix.CmpDistance(best.Value.Prefix, name) < 0 {
			candidate := s
			best = &candidate
		}
	}
	if best == nil {
		return SignedSAP{}, NewTrustErr(NoMatchingSection, fmt.Sprintf("name %s", name))
	}
	return *best, nil
}

// All returns every stored SAP.
func (pm *PrefixMap) All() []SignedSAP {
	all := make([]SignedSAP, 0, len(pm.sections))
	for _, s := range pm.sections {
		all = append(all, s)
	}
	return all
}

// Len returns the number of stored prefixes.
func (pm *PrefixMap) Len() int {
	return len(pm.sections)
}

// SectionKeys returns the current section key of every stored prefix. These
// act as additional trust anchors for cross-referencing proof chains.
func (pm *PrefixMap) SectionKeys() []bls.PublicKey {
	keys := make([]bls.PublicKey, 0, len(pm.sections))
	for _, s := range pm.sections {
		keys = append(keys, s.SectionKey())
	}
	return keys
}

// VerifyWithChainAndUpdate is the trust gate for foreign SAPs. The SAP must
// self-verify, its key must be the proof chain's tip, and the proof chain
// must carry at least one key we already trust: our genesis, a key on
// ourChain, or the current key of any prefix already stored. On acceptance
// the entry for the prefix is inserted or, if present, overwritten only by a
// strict descendant. Returns whether the map changed.
func (pm *PrefixMap) VerifyWithChainAndUpdate(signed SignedSAP, proofChain, ourChain *chain.SectionChain) (bool, error) {
	if !signed.SelfVerify() {
		return false, NewTrustErr(UntrustedSectionAuthProvider, "signature check failed")
	}
	if !signed.SectionKey().Equal(signed.Sig.PublicKey) {
		return false, NewTrustErr(UntrustedSectionAuthProvider, "signing key is not the section key")
	}
	if !proofChain.SelfVerify() {
		return false, NewTrustErr(UntrustedProofChain, "chain does not self-verify")
	}
	if !proofChain.LastKey().Equal(signed.Sig.PublicKey) {
		return false, NewTrustErr(UntrustedProofChain, "chain tip does not match SAP key")
	}
	if !pm.isTrusted(proofChain, ourChain) {
		return false, NewTrustErr(UntrustedProofChain,
			fmt.Sprintf("no key of the chain rooted at %s is trusted", proofChain.RootKey()))
	}

	prefix := signed.Value.Prefix

	if stored, ok := pm.sections[prefix]; ok {
		if stored.SectionKey().Equal(signed.SectionKey()) {
			return false, nil
		}
		// Overwrite only by a strict descendant; conflicting siblings with no
		// descent relation are rejected.
		if !proofChain.HasKey(stored.SectionKey()) {
			return false, NewTrustErr(UntrustedSectionAuthProvider,
				fmt.Sprintf("SAP for %s does not descend from the stored one", prefix))
		}
	}

	return pm.insert(signed), nil
}

// Seed re-inserts a SAP that was already accepted through the trust gate in
// a previous run and reloaded from disk. Only the signature is re-checked.
func (pm *PrefixMap) Seed(signed SignedSAP) bool {
	if !signed.SelfVerify() {
		return false
	}
	return pm.insert(signed)
}

// isTrusted accepts a proof chain when any of its keys is already known:
// the genesis key, a key on our own chain, or the current key of a stored
// prefix. A trusted intermediate key vouches for everything after it, so the
// root itself does not have to be known.
func (pm *PrefixMap) isTrusted(proofChain, ourChain *chain.SectionChain) bool {
	known := []bls.PublicKey{pm.genesisKey}
	if ourChain != nil {
		known = append(known, ourChain.Keys()...)
	}
	known = append(known, pm.SectionKeys()...)
	return proofChain.HasAnyOf(known)
}

// insert stores the SAP and maintains the prefix tree invariant by dropping
// any stored ancestor of the new prefix. Descendants of the new prefix are
// fresher knowledge and keep the new entry out instead.
func (pm *PrefixMap) insert(signed SignedSAP) bool {
	prefix := signed.Value.Prefix
	for stored := range pm.sections {
		if prefix.IsStrictPrefixOf(stored) {
			return false
		}
	}
	for stored := range pm.sections {
		if stored.IsStrictPrefixOf(prefix) {
			delete(pm.sections, stored)
		}
	}
	pm.sections[prefix] = signed
	return true
}
