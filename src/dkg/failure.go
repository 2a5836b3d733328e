package dkg

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/sha256"
	"fmt"
	"sort"

	"github.com/ugorji/go/codec"

	"github.com/xorspace/membrane/src/crypto/keys"
	"github.com/xorspace/membrane/src/knowledge"
	"github.com/xorspace/membrane/src/xor"
)

// SessionID identifies one key generation attempt: the prefix and elder set
// it is for, plus a generation counter bumped on every re-attempt so stale
// messages from a prior attempt are ignored.
type SessionID struct {
	Prefix     xor.Prefix `json:"prefix"`
	Elders     []xor.Name `json:"elders"`
	Generation uint64     `json:"generation"`
}

// NewSessionID derives the id for a candidate set at a generation.
func NewSessionID(candidates knowledge.ElderCandidates, generation uint64) SessionID {
	return SessionID{
		Prefix:     candidates.Prefix,
		Elders:     candidates.Names(),
		Generation: generation,
	}
}

// Hash returns a compact digest used to key the session map and to route
// messages.
func (id SessionID) Hash() xor.Name {
	data, err := id.Marshal()
	if err != nil {
		panic(fmt.Sprintf("failed to marshal session id: %v", err))
	}
	return xor.FromContent(data)
}

// Equal returns whether two ids name the same attempt.
func (id SessionID) Equal(other SessionID) bool {
	return id.Hash().Equal(other.Hash())
}

func (id SessionID) String() string {
	h := id.Hash()
	return fmt.Sprintf("DKG-%s-g%d-%s", id.Prefix, id.Generation, h)
}

//Marshal - canonical json encoding
func (id *SessionID) Marshal() ([]byte, error) {
	b := new(bytes.Buffer)
	jh := new(codec.JsonHandle)
	jh.Canonical = true
	enc := codec.NewEncoder(b, jh)

	if err := enc.Encode(id); err != nil {
		return nil, err
	}

	return b.Bytes(), nil
}

// Unmarshal ...
func (id *SessionID) Unmarshal(data []byte) error {
	b := bytes.NewBuffer(data)
	jh := new(codec.JsonHandle)
	jh.Canonical = true
	dec := codec.NewDecoder(b, jh)

	return dec.Decode(id)
}

// failurePayload is the byte string a failure observation signs: the session
// id plus the sorted set of participants held responsible.
func failurePayload(id SessionID, failed []xor.Name) []byte {
	sorted := make([]xor.Name, len(failed))
	copy(sorted, failed)
	sort.Slice(sorted, func(i, j int) bool {
		return bytes.Compare(sorted[i][:], sorted[j][:]) < 0
	})

	b := new(bytes.Buffer)
	jh := new(codec.JsonHandle)
	jh.Canonical = true
	enc := codec.NewEncoder(b, jh)
	if err := enc.Encode(struct {
		SessionID SessionID  `json:"session_id"`
		Failed    []xor.Name `json:"failed"`
	}{id, sorted}); err != nil {
		panic(fmt.Sprintf("failed to marshal failure payload: %v", err))
	}

	digest := sha256.Sum256(b.Bytes())
	return digest[:]
}

// FailureSig is one participant's observation that a session cannot succeed,
// signed with its node identity key. The signer's name is derived from the
// public key, which ties the observation to a specific elder candidate.
type FailureSig struct {
	PublicKey []byte `json:"public_key"`
	Signature string `json:"signature"`
}

// NewFailureSig signs the observation that failed blocked the session.
func NewFailureSig(priv *ecdsa.PrivateKey, id SessionID, failed []xor.Name) (FailureSig, error) {
	r, s, err := keys.Sign(priv, failurePayload(id, failed))
	if err != nil {
		return FailureSig{}, err
	}
	return FailureSig{
		PublicKey: keys.FromPublicKey(&priv.PublicKey),
		Signature: keys.EncodeSignature(r, s),
	}, nil
}

// SignerName returns the node name of the observer.
func (fs FailureSig) SignerName() xor.Name {
	return xor.FromContent(fs.PublicKey)
}

// Verify checks the signature over (session id, failed set).
func (fs FailureSig) Verify(id SessionID, failed []xor.Name) bool {
	pub := keys.ToPublicKey(fs.PublicKey)
	r, s, err := keys.DecodeSignature(fs.Signature)
	if err != nil {
		return false
	}
	return keys.Verify(pub, failurePayload(id, failed), r, s)
}

// FailureSigSet collects failure observations for one session, grouped by
// the failed-participant set they blame. Agreement is reached when one group
// gathers a supermajority of the elder candidates.
type FailureSigSet struct {
	SessionID SessionID `json:"session_id"`

	// keyed by the digest of the blamed set
	groups map[xor.Name]*failureGroup
}

type failureGroup struct {
	Failed []xor.Name              `json:"failed"`
	Sigs   map[xor.Name]FailureSig `json:"sigs"`
}

// NewFailureSigSet creates an empty set for the session.
func NewFailureSigSet(id SessionID) *FailureSigSet {
	return &FailureSigSet{
		SessionID: id,
		groups:    make(map[xor.Name]*failureGroup),
	}
}

// Insert adds an observation. Returns whether it was novel.
func (fss *FailureSigSet) Insert(sig FailureSig, failed []xor.Name) bool {
	groupKey := xor.FromContent(failurePayload(fss.SessionID, failed))
	group, ok := fss.groups[groupKey]
	if !ok {
		sorted := make([]xor.Name, len(failed))
		copy(sorted, failed)
		sort.Slice(sorted, func(i, j int) bool {
			return bytes.Compare(sorted[i][:], sorted[j][:]) < 0
		})
		group = &failureGroup{
			Failed: sorted,
			Sigs:   make(map[xor.Name]FailureSig),
		}
		fss.groups[groupKey] = group
	}

	signer := sig.SignerName()
	if _, exists := group.Sigs[signer]; exists {
		return false
	}
	group.Sigs[signer] = sig
	return true
}

// CheckAgreement returns the blamed set that reached the threshold, if any.
func (fss *FailureSigSet) CheckAgreement(threshold int) ([]xor.Name, bool) {
	for _, group := range fss.groups {
		if len(group.Sigs) >= threshold {
			return group.Failed, true
		}
	}
	return nil, false
}

// SigsFor returns the observations blaming exactly the given set.
func (fss *FailureSigSet) SigsFor(failed []xor.Name) []FailureSig {
	groupKey := xor.FromContent(failurePayload(fss.SessionID, failed))
	group, ok := fss.groups[groupKey]
	if !ok {
		return nil
	}
	sigs := make([]FailureSig, 0, len(group.Sigs))
	for _, s := range group.Sigs {
		sigs = append(sigs, s)
	}
	return sigs
}

// Len returns the total number of observations held.
func (fss *FailureSigSet) Len() int {
	total := 0
	for _, group := range fss.groups {
		total += len(group.Sigs)
	}
	return total
}
