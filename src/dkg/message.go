package dkg

import (
	"bytes"
	"fmt"

	"github.com/ugorji/go/codec"
)

// Phase is the stage of the underlying key generation protocol. It is
// internal to this package; sessions expose only commands.
type Phase uint8

const (
	// PhaseInitialization - participants announce themselves
	PhaseInitialization Phase = iota
	// PhaseContribution - participants broadcast commitments and deal shares
	PhaseContribution
	// PhaseComplaint - participants accuse contributors of bad shares
	PhaseComplaint
	// PhaseJustification - accused contributors reveal the disputed shares
	PhaseJustification
	// PhaseCommitment - participants acknowledge a complete contribution set
	PhaseCommitment
	// PhaseFinalization - keys can be generated
	PhaseFinalization
)

func (p Phase) String() string {
	switch p {
	case PhaseInitialization:
		return "Initialization"
	case PhaseContribution:
		return "Contribution"
	case PhaseComplaint:
		return "Complaint"
	case PhaseJustification:
		return "Justification"
	case PhaseCommitment:
		return "Commitment"
	case PhaseFinalization:
		return "Finalization"
	}
	return "Unknown"
}

// Broadcast is the target index of a message addressed to every participant.
const Broadcast = -1

// Message is one unit of the key generation protocol. Sender and Target are
// participant indices into the sorted candidate list; Target is Broadcast
// for messages addressed to everyone. The remaining fields are used by the
// phases that need them.
type Message struct {
	Phase  Phase `json:"phase"`
	Sender int   `json:"sender"`
	Target int   `json:"target"`

	// Contribution broadcast: the sender's polynomial commitments.
	Commitments [][]byte `json:"commitments,omitempty"`

	// Contribution directed and Justification: a dealt share.
	Share []byte `json:"share,omitempty"`

	// Complaint and Justification: the contributor under accusation.
	Accused int `json:"accused,omitempty"`
}

func (m Message) String() string {
	if m.Target == Broadcast {
		return fmt.Sprintf("%s from %d", m.Phase, m.Sender)
	}
	return fmt.Sprintf("%s from %d to %d", m.Phase, m.Sender, m.Target)
}

//Marshal - canonical json encoding
func (m *Message) Marshal() ([]byte, error) {
	b := new(bytes.Buffer)
	jh := new(codec.JsonHandle)
	jh.Canonical = true
	enc := codec.NewEncoder(b, jh)

	if err := enc.Encode(m); err != nil {
		return nil, err
	}

	return b.Bytes(), nil
}

// Unmarshal ...
func (m *Message) Unmarshal(data []byte) error {
	b := bytes.NewBuffer(data)
	jh := new(codec.JsonHandle)
	jh.Canonical = true
	dec := codec.NewDecoder(b, jh)

	return dec.Decode(m)
}
