package store

import (
	"sync"

	"github.com/xorspace/membrane/src/chain"
	cm "github.com/xorspace/membrane/src/common"
	"github.com/xorspace/membrane/src/knowledge"
	"github.com/xorspace/membrane/src/xor"
)

// InmemStore implements the Store interface with plain in-memory maps. It is
// the backend for tests and for nodes run with no datadir; nothing survives a
// restart.
type InmemStore struct {
	sync.RWMutex
	chain       *chain.SectionChain
	sap         *knowledge.SignedSAP
	networkSAPs map[xor.Prefix]knowledge.SignedSAP
	members     map[xor.Name]knowledge.SignedNodeState
}

// NewInmemStore ...
func NewInmemStore() *InmemStore {
	return &InmemStore{
		networkSAPs: make(map[xor.Prefix]knowledge.SignedSAP),
		members:     make(map[xor.Name]knowledge.SignedNodeState),
	}
}

// SetChain implements the Store interface.
func (s *InmemStore) SetChain(c *chain.SectionChain) error {
	s.Lock()
	defer s.Unlock()
	s.chain = c.Clone()
	return nil
}

// GetChain implements the Store interface.
func (s *InmemStore) GetChain() (*chain.SectionChain, error) {
	s.RLock()
	defer s.RUnlock()
	if s.chain == nil {
		return nil, cm.NewStoreErr("Chain", cm.Empty, "chain")
	}
	return s.chain.Clone(), nil
}

// SetSAP implements the Store interface.
func (s *InmemStore) SetSAP(sap knowledge.SignedSAP) error {
	s.Lock()
	defer s.Unlock()
	s.sap = &sap
	return nil
}

// GetSAP implements the Store interface.
func (s *InmemStore) GetSAP() (knowledge.SignedSAP, error) {
	s.RLock()
	defer s.RUnlock()
	if s.sap == nil {
		return knowledge.SignedSAP{}, cm.NewStoreErr("SAP", cm.Empty, "sap")
	}
	return *s.sap, nil
}

// SetNetworkSAP implements the Store interface.
func (s *InmemStore) SetNetworkSAP(sap knowledge.SignedSAP) error {
	s.Lock()
	defer s.Unlock()
	s.networkSAPs[sap.Value.Prefix] = sap
	return nil
}

// NetworkSAPs implements the Store interface.
func (s *InmemStore) NetworkSAPs() ([]knowledge.SignedSAP, error) {
	s.RLock()
	defer s.RUnlock()
	res := make([]knowledge.SignedSAP, 0, len(s.networkSAPs))
	for _, sap := range s.networkSAPs {
		res = append(res, sap)
	}
	return res, nil
}

// SetMember implements the Store interface.
func (s *InmemStore) SetMember(member knowledge.SignedNodeState) error {
	s.Lock()
	defer s.Unlock()
	s.members[member.Value.Name] = member
	return nil
}

// GetMember implements the Store interface.
func (s *InmemStore) GetMember(name xor.Name) (knowledge.SignedNodeState, error) {
	s.RLock()
	defer s.RUnlock()
	member, ok := s.members[name]
	if !ok {
		return knowledge.SignedNodeState{}, cm.NewStoreErr("Member", cm.KeyNotFound, name.String())
	}
	return member, nil
}

// Members implements the Store interface.
func (s *InmemStore) Members() ([]knowledge.SignedNodeState, error) {
	s.RLock()
	defer s.RUnlock()
	res := make([]knowledge.SignedNodeState, 0, len(s.members))
	for _, member := range s.members {
		res = append(res, member)
	}
	return res, nil
}

// RemoveMember implements the Store interface.
func (s *InmemStore) RemoveMember(name xor.Name) error {
	s.Lock()
	defer s.Unlock()
	delete(s.members, name)
	return nil
}

// Close implements the Store interface.
func (s *InmemStore) Close() error {
	return nil
}

// StorePath implements the Store interface.
func (s *InmemStore) StorePath() string {
	return ""
}
