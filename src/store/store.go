// Package store persists the section state a node must not lose across
// restarts: the section chain, its own signed SAP, the SAPs it has learned
// about remote sections, and the member roster.
package store

import (
	"github.com/xorspace/membrane/src/chain"
	"github.com/xorspace/membrane/src/knowledge"
	"github.com/xorspace/membrane/src/xor"
)

// Store is an interface for backend stores.
type Store interface {
	// SetChain stores the section chain, replacing any previous one.
	SetChain(c *chain.SectionChain) error
	// GetChain returns the stored section chain.
	GetChain() (*chain.SectionChain, error)
	// SetSAP stores the node's own signed SAP.
	SetSAP(sap knowledge.SignedSAP) error
	// GetSAP returns the node's own signed SAP.
	GetSAP() (knowledge.SignedSAP, error)
	// SetNetworkSAP stores the signed SAP of a remote section, keyed by
	// prefix.
	SetNetworkSAP(sap knowledge.SignedSAP) error
	// NetworkSAPs returns all stored remote-section SAPs.
	NetworkSAPs() ([]knowledge.SignedSAP, error)
	// SetMember inserts or replaces a roster record.
	SetMember(member knowledge.SignedNodeState) error
	// GetMember returns a roster record by name.
	GetMember(name xor.Name) (knowledge.SignedNodeState, error)
	// Members returns the whole roster.
	Members() ([]knowledge.SignedNodeState, error)
	// RemoveMember deletes a roster record.
	RemoveMember(name xor.Name) error
	// Close closes the underlying database.
	Close() error
	// StorePath returns the filepath of the underlying database.
	StorePath() string
}
