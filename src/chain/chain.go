package chain

import (
	"bytes"
	"errors"

	"github.com/ugorji/go/codec"

	"github.com/xorspace/membrane/src/bls"
)

var (
	// ErrUntrustedKey is returned when inserting under a parent key that is
	// not part of the chain.
	ErrUntrustedKey = errors.New("parent key is not in the chain")

	// ErrInvalidSignature is returned when a link's signature does not verify
	// under its parent key.
	ErrInvalidSignature = errors.New("invalid chain link signature")

	// ErrKeyNotInChain is returned when asking for a proof chain from a key
	// that is not on the main branch.
	ErrKeyNotInChain = errors.New("key is not in the chain")
)

// Link is one entry of a section chain: a BLS public key and the signature of
// its marshaled form under the parent key. The root link has no signature and
// points at itself.
type Link struct {
	Key         bls.PublicKey `json:"key"`
	Signature   []byte        `json:"signature"`
	ParentIndex int           `json:"parent_index"`
}

// SectionChain is the append-only history of a section's signing keys. Every
// non-root key is signed by its immediate predecessor, so a verifier that
// trusts any key on the chain can extend that trust to the tip. Forks can
// exist transiently (two DKGs racing); the main branch is the deepest one,
// with ties broken on key bytes so all nodes agree.
type SectionChain struct {
	Links []Link `json:"links"`
}

// NewSectionChain creates a chain containing only the genesis key.
func NewSectionChain(root bls.PublicKey) *SectionChain {
	return &SectionChain{
		Links: []Link{{Key: root}},
	}
}

// RootKey returns the genesis key of the chain.
func (c *SectionChain) RootKey() bls.PublicKey {
	return c.Links[0].Key
}

// LastKey returns the tip of the main branch.
func (c *SectionChain) LastKey() bls.PublicKey {
	return c.Links[c.mainBranchTip()].Key
}

// Len returns the number of keys on the chain.
func (c *SectionChain) Len() int {
	return len(c.Links)
}

// HasKey returns whether the key appears anywhere on the chain.
func (c *SectionChain) HasKey(key bls.PublicKey) bool {
	return c.indexOf(key) >= 0
}

// Keys returns all keys on the chain, insertion-ordered.
func (c *SectionChain) Keys() []bls.PublicKey {
	keys := make([]bls.PublicKey, len(c.Links))
	for i, l := range c.Links {
		keys[i] = l.Key
	}
	return keys
}

// HasAnyOf returns whether any of the given keys appears on the chain.
func (c *SectionChain) HasAnyOf(keys []bls.PublicKey) bool {
	for _, k := range keys {
		if c.HasKey(k) {
			return true
		}
	}
	return false
}

// Insert appends a new key signed by parent. It fails with ErrUntrustedKey if
// parent is unknown and ErrInvalidSignature if the signature does not verify.
// Re-inserting an existing link is a no-op.
func (c *SectionChain) Insert(parent, key bls.PublicKey, signature []byte) error {
	parentIndex := c.indexOf(parent)
	if parentIndex < 0 {
		return ErrUntrustedKey
	}

	if err := parent.Verify(key.Data, signature); err != nil {
		return ErrInvalidSignature
	}

	for _, l := range c.Links {
		if l.Key.Equal(key) && l.ParentIndex == parentIndex {
			return nil
		}
	}

	c.Links = append(c.Links, Link{
		Key:         key,
		Signature:   signature,
		ParentIndex: parentIndex,
	})

	return nil
}

// Join merges another chain into this one. Both must share this chain's keys
// somewhere; links hanging off unknown parents are rejected.
func (c *SectionChain) Join(other *SectionChain) error {
	if !c.HasKey(other.RootKey()) {
		return ErrUntrustedKey
	}

	// Walk repeatedly so out-of-order links find their parents.
	for inserted := true; inserted; {
		inserted = false
		for i, l := range other.Links {
			if i == 0 || c.HasKey(l.Key) {
				continue
			}
			parent := other.Links[l.ParentIndex].Key
			if !c.HasKey(parent) {
				continue
			}
			if err := c.Insert(parent, l.Key, l.Signature); err != nil {
				return err
			}
			inserted = true
		}
	}

	return nil
}

// GetProofChainToCurrent returns the sub-chain from fromKey (inclusive) to
// the current tip of the main branch. It fails with ErrKeyNotInChain if
// fromKey is not on the main branch.
func (c *SectionChain) GetProofChainToCurrent(fromKey bls.PublicKey) (*SectionChain, error) {
	return c.GetProofChain(fromKey, c.LastKey())
}

// GetProofChain returns the sub-chain from fromKey to toKey, both inclusive.
// toKey must descend from fromKey.
func (c *SectionChain) GetProofChain(fromKey, toKey bls.PublicKey) (*SectionChain, error) {
	toIndex := c.indexOf(toKey)
	if toIndex < 0 {
		return nil, ErrKeyNotInChain
	}

	// Collect the path from toKey back to fromKey.
	var path []Link
	for i := toIndex; ; i = c.Links[i].ParentIndex {
		path = append(path, c.Links[i])
		if c.Links[i].Key.Equal(fromKey) {
			break
		}
		if i == 0 {
			return nil, ErrKeyNotInChain
		}
	}

	// Reverse into a fresh linear chain rooted at fromKey.
	proof := NewSectionChain(fromKey)
	for i := len(path) - 2; i >= 0; i-- {
		proof.Links = append(proof.Links, Link{
			Key:         path[i].Key,
			Signature:   path[i].Signature,
			ParentIndex: len(proof.Links) - 1,
		})
	}

	return proof, nil
}

// SelfVerify re-walks the chain checking every link's signature and parent
// index. Used on receipt of a foreign chain.
func (c *SectionChain) SelfVerify() bool {
	if len(c.Links) == 0 {
		return false
	}
	if c.Links[0].ParentIndex != 0 || len(c.Links[0].Signature) != 0 {
		return false
	}
	for i, l := range c.Links[1:] {
		if l.ParentIndex < 0 || l.ParentIndex > i {
			return false
		}
		parent := c.Links[l.ParentIndex].Key
		if err := parent.Verify(l.Key.Data, l.Signature); err != nil {
			return false
		}
	}
	return true
}

func (c *SectionChain) indexOf(key bls.PublicKey) int {
	for i, l := range c.Links {
		if l.Key.Equal(key) {
			return i
		}
	}
	return -1
}

// mainBranchTip returns the index of the deepest link; ties are broken by
// comparing key bytes so every node picks the same tip.
func (c *SectionChain) mainBranchTip() int {
	depths := make([]int, len(c.Links))
	for i := 1; i < len(c.Links); i++ {
		depths[i] = depths[c.Links[i].ParentIndex] + 1
	}

	tip := 0
	for i := 1; i < len(c.Links); i++ {
		if depths[i] > depths[tip] {
			tip = i
		} else if depths[i] == depths[tip] &&
			bytes.Compare(c.Links[i].Key.Data, c.Links[tip].Key.Data) > 0 {
			tip = i
		}
	}
	return tip
}

// Clone returns a deep copy of the chain.
func (c *SectionChain) Clone() *SectionChain {
	clone := &SectionChain{Links: make([]Link, len(c.Links))}
	copy(clone.Links, c.Links)
	return clone
}

//Marshal - canonical json encoding of the chain
func (c *SectionChain) Marshal() ([]byte, error) {
	b := new(bytes.Buffer)
	jh := new(codec.JsonHandle)
	jh.Canonical = true
	enc := codec.NewEncoder(b, jh)

	if err := enc.Encode(c); err != nil {
		return nil, err
	}

	return b.Bytes(), nil
}

// Unmarshal ...
func (c *SectionChain) Unmarshal(data []byte) error {
	b := bytes.NewBuffer(data)
	jh := new(codec.JsonHandle)
	jh.Canonical = true
	dec := codec.NewDecoder(b, jh)

	return dec.Decode(c)
}
