package knowledge

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/ugorji/go/codec"

	"github.com/xorspace/membrane/src/bls"
	"github.com/xorspace/membrane/src/xor"
)

// SectionAuthorityProvider is the snapshot of one section epoch: the prefix
// the section owns, its elders and the threshold key set they hold shares of.
// Replaced wholesale on every successful DKG.
type SectionAuthorityProvider struct {
	Prefix       xor.Prefix       `json:"prefix"`
	Elders       []Peer           `json:"elders"`
	PublicKeySet bls.PublicKeySet `json:"public_key_set"`
}

// NewSAP builds a SAP with elders sorted by name so that its serialized form
// is deterministic.
func NewSAP(prefix xor.Prefix, elders []Peer, keySet bls.PublicKeySet) SectionAuthorityProvider {
	sorted := make([]Peer, len(elders))
	copy(sorted, elders)
	sort.Slice(sorted, func(i, j int) bool {
		return bytes.Compare(sorted[i].Name[:], sorted[j].Name[:]) < 0
	})
	return SectionAuthorityProvider{
		Prefix:       prefix,
		Elders:       sorted,
		PublicKeySet: keySet,
	}
}

// SectionKey returns the section's current signing key.
func (sap SectionAuthorityProvider) SectionKey() bls.PublicKey {
	return sap.PublicKeySet.PublicKey()
}

// ElderCount returns the number of elders.
func (sap SectionAuthorityProvider) ElderCount() int {
	return len(sap.Elders)
}

// HasElder returns whether the name is one of the section's elders.
func (sap SectionAuthorityProvider) HasElder(name xor.Name) bool {
	for _, e := range sap.Elders {
		if e.Name.Equal(name) {
			return true
		}
	}
	return false
}

// ElderNames returns the elder names in sorted order.
func (sap SectionAuthorityProvider) ElderNames() []xor.Name {
	names := make([]xor.Name, len(sap.Elders))
	for i, e := range sap.Elders {
		names[i] = e.Name
	}
	return names
}

func (sap SectionAuthorityProvider) String() string {
	return fmt.Sprintf("SAP{%s, key: %s, elders: %d}",
		sap.Prefix, sap.SectionKey(), len(sap.Elders))
}

//Marshal - canonical json encoding, the byte form that gets section-signed
func (sap *SectionAuthorityProvider) Marshal() ([]byte, error) {
	b := new(bytes.Buffer)
	jh := new(codec.JsonHandle)
	jh.Canonical = true
	enc := codec.NewEncoder(b, jh)

	if err := enc.Encode(sap); err != nil {
		return nil, err
	}

	return b.Bytes(), nil
}

// Unmarshal ...
func (sap *SectionAuthorityProvider) Unmarshal(data []byte) error {
	b := bytes.NewBuffer(data)
	jh := new(codec.JsonHandle)
	jh.Canonical = true
	dec := codec.NewDecoder(b, jh)

	return dec.Decode(sap)
}

// SignedSAP is a SAP with the section signature that makes it standalone
// verifiable. The signing key is the SAP's own section key.
type SignedSAP struct {
	Value SectionAuthorityProvider `json:"value"`
	Sig   bls.KeyedSig             `json:"sig"`
}

// SelfVerify checks the signature against the serialized SAP.
func (s SignedSAP) SelfVerify() bool {
	data, err := s.Value.Marshal()
	if err != nil {
		return false
	}
	return s.Sig.Verify(data) == nil
}

// SectionKey returns the signed SAP's section key.
func (s SignedSAP) SectionKey() bls.PublicKey {
	return s.Value.SectionKey()
}

// Marshal ...
func (s *SignedSAP) Marshal() ([]byte, error) {
	b := new(bytes.Buffer)
	jh := new(codec.JsonHandle)
	jh.Canonical = true
	enc := codec.NewEncoder(b, jh)

	if err := enc.Encode(s); err != nil {
		return nil, err
	}

	return b.Bytes(), nil
}

// Unmarshal ...
func (s *SignedSAP) Unmarshal(data []byte) error {
	b := bytes.NewBuffer(data)
	jh := new(codec.JsonHandle)
	jh.Canonical = true
	dec := codec.NewDecoder(b, jh)

	return dec.Decode(s)
}

// ElderCandidates is a proposed elder set for one prefix, the input to a DKG
// session. The resulting key set turns it into a SAP.
type ElderCandidates struct {
	Prefix xor.Prefix `json:"prefix"`
	Elders []Peer     `json:"elders"`
}

// NewElderCandidates sorts the peers by name, matching SAP ordering.
func NewElderCandidates(prefix xor.Prefix, elders []Peer) ElderCandidates {
	sorted := make([]Peer, len(elders))
	copy(sorted, elders)
	sort.Slice(sorted, func(i, j int) bool {
		return bytes.Compare(sorted[i].Name[:], sorted[j].Name[:]) < 0
	})
	return ElderCandidates{Prefix: prefix, Elders: sorted}
}

// Names returns the candidate names in sorted order.
func (ec ElderCandidates) Names() []xor.Name {
	names := make([]xor.Name, len(ec.Elders))
	for i, e := range ec.Elders {
		names[i] = e.Name
	}
	return names
}

// Contains returns whether the name is among the candidates.
func (ec ElderCandidates) Contains(name xor.Name) bool {
	for _, e := range ec.Elders {
		if e.Name.Equal(name) {
			return true
		}
	}
	return false
}

// IndexOf returns the position of the name in the sorted candidate list, or
// -1. This is the participant index used by the DKG.
func (ec ElderCandidates) IndexOf(name xor.Name) int {
	for i, e := range ec.Elders {
		if e.Name.Equal(name) {
			return i
		}
	}
	return -1
}

// Len returns the number of candidates.
func (ec ElderCandidates) Len() int {
	return len(ec.Elders)
}

// IntoSAP pairs the candidates with a freshly generated key set.
func (ec ElderCandidates) IntoSAP(keySet bls.PublicKeySet) SectionAuthorityProvider {
	return NewSAP(ec.Prefix, ec.Elders, keySet)
}

func (ec ElderCandidates) String() string {
	return fmt.Sprintf("ElderCandidates{%s, %d elders}", ec.Prefix, len(ec.Elders))
}
