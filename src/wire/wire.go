package wire

import (
	"bytes"
	"fmt"

	"github.com/ugorji/go/codec"

	"github.com/xorspace/membrane/src/bls"
	"github.com/xorspace/membrane/src/chain"
	"github.com/xorspace/membrane/src/dkg"
	"github.com/xorspace/membrane/src/knowledge"
	"github.com/xorspace/membrane/src/xor"
)

// MsgType tags the payload variant of a WireMsg.
type MsgType uint8

const (
	// TypeNode - an opaque domain message for the upper layers
	TypeNode MsgType = iota
	// TypeAERetry - anti-entropy retry carrying a proof chain
	TypeAERetry
	// TypeAERedirect - anti-entropy redirect to a closer section
	TypeAERedirect
	// TypeDkgStart - start a key generation session
	TypeDkgStart
	// TypeDkgMessage - one keygen protocol message
	TypeDkgMessage
	// TypeDkgNotReady - the sender could not process our message
	TypeDkgNotReady
	// TypeDkgRetry - message history for a peer that fell behind
	TypeDkgRetry
	// TypeDkgFailureObservation - a signed observation that a session failed
	TypeDkgFailureObservation
	// TypeHandoverProposal - signature shares over a DKG outcome
	TypeHandoverProposal
)

func (t MsgType) String() string {
	switch t {
	case TypeNode:
		return "Node"
	case TypeAERetry:
		return "AERetry"
	case TypeAERedirect:
		return "AERedirect"
	case TypeDkgStart:
		return "DkgStart"
	case TypeDkgMessage:
		return "DkgMessage"
	case TypeDkgNotReady:
		return "DkgNotReady"
	case TypeDkgRetry:
		return "DkgRetry"
	case TypeDkgFailureObservation:
		return "DkgFailureObservation"
	case TypeHandoverProposal:
		return "HandoverProposal"
	}
	return "Unknown"
}

// Dst addresses a message: the name it is for and the section key the sender
// believes is current there. The anti-entropy responder compares SectionPK
// against its chain to detect stale senders.
type Dst struct {
	Name      xor.Name      `json:"name"`
	SectionPK bls.PublicKey `json:"section_pk"`
}

// NodeMsg is an opaque payload for the layers above the membership core.
type NodeMsg struct {
	Data []byte `json:"data"`
}

// AntiEntropyRetry teaches the recipient our current section authority. The
// proof chain links the key the recipient trusted to our current one, and
// the bounced message comes back whole so it can be re-addressed and resent.
// Roster records ride along so members propagate with the SAP.
type AntiEntropyRetry struct {
	SectionAuth knowledge.SignedSAP          `json:"section_auth"`
	ProofChain  chain.SectionChain           `json:"proof_chain"`
	Members     []knowledge.SignedNodeState  `json:"members,omitempty"`
	BouncedMsg  []byte                       `json:"bounced_msg"`
}

// AntiEntropyRedirect points the sender at a section closer to its target.
// No proof chain: the recipient verifies the SAP's self-signature but only
// trusts it fully once a Retry with a real chain arrives.
type AntiEntropyRedirect struct {
	SectionAuth knowledge.SignedSAP `json:"section_auth"`
	BouncedMsg  []byte              `json:"bounced_msg"`
}

// DkgStart instructs an elder candidate to begin a session.
type DkgStart struct {
	SessionID  dkg.SessionID              `json:"session_id"`
	Candidates knowledge.ElderCandidates  `json:"candidates"`
}

// DkgMessage carries one keygen message.
type DkgMessage struct {
	SessionID dkg.SessionID `json:"session_id"`
	Message   dkg.Message   `json:"message"`
}

// DkgNotReady reports that a message could not be processed yet; bounced
// back so the recipient knows which message triggered it.
type DkgNotReady struct {
	SessionID dkg.SessionID `json:"session_id"`
	Message   dkg.Message   `json:"message"`
}

// DkgRetry ships message history to a peer that reported not-ready.
type DkgRetry struct {
	SessionID dkg.SessionID `json:"session_id"`
	History   []dkg.Message `json:"history"`
}

// DkgFailureObservation carries one participant's signed failure claim.
type DkgFailureObservation struct {
	SessionID dkg.SessionID  `json:"session_id"`
	Sig       dkg.FailureSig `json:"sig"`
	Failed    []xor.Name     `json:"failed"`
}

// SectionHandoverProposal carries a DKG participant's signature shares over
// the freshly generated SAP: one share under the new key set for the SAP's
// self-signature, one under the old key set for the chain link. Aggregating
// a supermajority of each yields the section-signed SAP and its chain entry.
type SectionHandoverProposal struct {
	SAP         knowledge.SectionAuthorityProvider `json:"sap"`
	SAPSigShare []byte                             `json:"sap_sig_share"`
	KeySigShare []byte                             `json:"key_sig_share"`
}

// Payload is the tagged union of every system message. Exactly the field
// matching Type is set.
type Payload struct {
	Type MsgType `json:"type"`

	Node               *NodeMsg                 `json:"node,omitempty"`
	AERetry            *AntiEntropyRetry        `json:"ae_retry,omitempty"`
	AERedirect         *AntiEntropyRedirect     `json:"ae_redirect,omitempty"`
	DkgStart           *DkgStart                `json:"dkg_start,omitempty"`
	DkgMessage         *DkgMessage              `json:"dkg_message,omitempty"`
	DkgNotReady        *DkgNotReady             `json:"dkg_not_ready,omitempty"`
	DkgRetry           *DkgRetry                `json:"dkg_retry,omitempty"`
	FailureObservation *DkgFailureObservation   `json:"dkg_failure,omitempty"`
	HandoverProposal   *SectionHandoverProposal `json:"handover,omitempty"`
}

// WireMsg is the envelope every message travels in.
type WireMsg struct {
	ID      xor.Name       `json:"id"`
	Src     knowledge.Peer `json:"src"`
	Dst     Dst            `json:"dst"`
	Payload Payload        `json:"payload"`
}

// NewWireMsg stamps an envelope with a fresh random id.
func NewWireMsg(src knowledge.Peer, dst Dst, payload Payload) *WireMsg {
	return &WireMsg{
		ID:      xor.RandomName(),
		Src:     src,
		Dst:     dst,
		Payload: payload,
	}
}

func (w *WireMsg) String() string {
	return fmt.Sprintf("WireMsg{%s, %s -> %s}", w.Payload.Type, w.Src.Name, w.Dst.Name)
}

//Marshal - canonical json encoding
func (w *WireMsg) Marshal() ([]byte, error) {
	b := new(bytes.Buffer)
	jh := new(codec.JsonHandle)
	jh.Canonical = true
	enc := codec.NewEncoder(b, jh)

	if err := enc.Encode(w); err != nil {
		return nil, err
	}

	return b.Bytes(), nil
}

// Unmarshal ...
func (w *WireMsg) Unmarshal(data []byte) error {
	b := bytes.NewBuffer(data)
	jh := new(codec.JsonHandle)
	jh.Canonical = true
	dec := codec.NewDecoder(b, jh)

	return dec.Decode(w)
}
