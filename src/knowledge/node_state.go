package knowledge

import (
	"bytes"
	"fmt"

	"github.com/ugorji/go/codec"

	"github.com/xorspace/membrane/src/bls"
	"github.com/xorspace/membrane/src/xor"
)

// Peer is a network participant: an XOR name plus the address it can be
// reached at.
type Peer struct {
	Name xor.Name `json:"name"`
	Addr string   `json:"addr"`
}

func (p Peer) String() string {
	return fmt.Sprintf("%s@%s", p.Name, p.Addr)
}

// MembershipState is the lifecycle state of a section member.
type MembershipState uint8

const (
	// Joined - the node is an active member of the section
	Joined MembershipState = iota
	// Left - the node has left the section
	Left
	// Relocated - the node has been relocated to another section
	Relocated
)

func (s MembershipState) String() string {
	switch s {
	case Joined:
		return "Joined"
	case Left:
		return "Left"
	case Relocated:
		return "Relocated"
	}
	return "Unknown"
}

// NodeState is the roster record of one member: who it is, where it is, how
// old it is and whether it is still with us.
type NodeState struct {
	Name  xor.Name        `json:"name"`
	Addr  string          `json:"addr"`
	Age   uint8           `json:"age"`
	State MembershipState `json:"state"`
}

// NewNodeState returns a Joined record for the peer.
func NewNodeState(peer Peer, age uint8) NodeState {
	return NodeState{
		Name:  peer.Name,
		Addr:  peer.Addr,
		Age:   age,
		State: Joined,
	}
}

// Peer returns the addressable form of the member.
func (ns NodeState) Peer() Peer {
	return Peer{Name: ns.Name, Addr: ns.Addr}
}

// IsJoined returns whether the member is active.
func (ns NodeState) IsJoined() bool {
	return ns.State == Joined
}

// IsMature returns whether the member is old enough for elder promotion.
func (ns NodeState) IsMature() bool {
	return ns.Age >= MinAdultAge
}

//Marshal - canonical json encoding, the byte form that gets section-signed
func (ns *NodeState) Marshal() ([]byte, error) {
	b := new(bytes.Buffer)
	jh := new(codec.JsonHandle)
	jh.Canonical = true
	enc := codec.NewEncoder(b, jh)

	if err := enc.Encode(ns); err != nil {
		return nil, err
	}

	return b.Bytes(), nil
}

// Unmarshal ...
func (ns *NodeState) Unmarshal(data []byte) error {
	b := bytes.NewBuffer(data)
	jh := new(codec.JsonHandle)
	jh.Canonical = true
	dec := codec.NewDecoder(b, jh)

	return dec.Decode(ns)
}

// SignedNodeState is a NodeState paired with a section signature proving a
// section key on the chain vouched for it.
type SignedNodeState struct {
	Value NodeState    `json:"value"`
	Sig   bls.KeyedSig `json:"sig"`
}

// SelfVerify checks the signature against the serialized state.
func (sns SignedNodeState) SelfVerify() bool {
	data, err := sns.Value.Marshal()
	if err != nil {
		return false
	}
	return sns.Sig.Verify(data) == nil
}

// Marshal ...
func (sns *SignedNodeState) Marshal() ([]byte, error) {
	b := new(bytes.Buffer)
	jh := new(codec.JsonHandle)
	jh.Canonical = true
	enc := codec.NewEncoder(b, jh)

	if err := enc.Encode(sns); err != nil {
		return nil, err
	}

	return b.Bytes(), nil
}

// Unmarshal ...
func (sns *SignedNodeState) Unmarshal(data []byte) error {
	b := bytes.NewBuffer(data)
	jh := new(codec.JsonHandle)
	jh.Canonical = true
	dec := codec.NewDecoder(b, jh)

	return dec.Decode(sns)
}
