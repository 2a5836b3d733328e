package knowledge

import (
	"bytes"
	"sort"

	"github.com/xorspace/membrane/src/xor"
)

// SectionPeers is the member roster of one section. Every entry carries the
// section signature it was accepted with, so the roster can be shipped to
// lagging peers and re-verified against their chain.
type SectionPeers struct {
	members map[xor.Name]SignedNodeState
}

// NewSectionPeers creates an empty roster.
func NewSectionPeers() *SectionPeers {
	return &SectionPeers{
		members: make(map[xor.Name]SignedNodeState),
	}
}

// Get returns the record for a name.
func (sp *SectionPeers) Get(name xor.Name) (SignedNodeState, bool) {
	m, ok := sp.members[name]
	return m, ok
}

// Update inserts or overwrites the record for the state's name. Returns
// whether the roster changed.
func (sp *SectionPeers) Update(signed SignedNodeState) bool {
	name := signed.Value.Name
	if existing, ok := sp.members[name]; ok {
		if existing.Value == signed.Value {
			return false
		}
		// A member that already left cannot silently rejoin under the same
		// record; a new join produces a fresh signed state anyway.
		if existing.Value.State != Joined && signed.Value.State == Joined &&
			existing.Value.Age >= signed.Value.Age {
			return false
		}
	}
	sp.members[name] = signed
	return true
}

// Retain drops every member whose name no longer matches the prefix. Returns
// whether the roster changed.
func (sp *SectionPeers) Retain(prefix xor.Prefix) bool {
	changed := false
	for name := range sp.members {
		if !prefix.Matches(name) {
			delete(sp.members, name)
			changed = true
		}
	}
	return changed
}

// All returns every record, sorted by name.
func (sp *SectionPeers) All() []SignedNodeState {
	all := make([]SignedNodeState, 0, len(sp.members))
	for _, m := range sp.members {
		all = append(all, m)
	}
	sort.Slice(all, func(i, j int) bool {
		return bytes.Compare(all[i].Value.Name[:], all[j].Value.Name[:]) < 0
	})
	return all
}

// Joined returns the states of all active members.
func (sp *SectionPeers) Joined() []NodeState {
	var joined []NodeState
	for _, m := range sp.members {
		if m.Value.IsJoined() {
			joined = append(joined, m.Value)
		}
	}
	sort.Slice(joined, func(i, j int) bool {
		return bytes.Compare(joined[i].Name[:], joined[j].Name[:]) < 0
	})
	return joined
}

// Mature returns the joined members old enough for elder promotion,
// excluding the given names.
func (sp *SectionPeers) Mature(excluded map[xor.Name]bool) []NodeState {
	var mature []NodeState
	for _, m := range sp.members {
		if m.Value.IsJoined() && m.Value.IsMature() && !excluded[m.Value.Name] {
			mature = append(mature, m.Value)
		}
	}
	sort.Slice(mature, func(i, j int) bool {
		return bytes.Compare(mature[i].Name[:], mature[j].Name[:]) < 0
	})
	return mature
}

// Len returns the roster size.
func (sp *SectionPeers) Len() int {
	return len(sp.members)
}

// elderCandidates picks up to ElderSize peers from the members, preferring
// older nodes and breaking age ties by XOR distance to the prefix name.
func elderCandidates(members []NodeState, prefix xor.Prefix) []Peer {
	sorted := make([]NodeState, len(members))
	copy(sorted, members)
	center := prefix.Name()
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Age != sorted[j].Age {
			return sorted[i].Age > sorted[j].Age
		}
		return xor.CmpDistance(sorted[i].Name, sorted[j].Name, center) < 0
	})

	n := len(sorted)
	if n > ElderSize {
		n = ElderSize
	}
	elders := make([]Peer, n)
	for i := 0; i < n; i++ {
		elders[i] = sorted[i].Peer()
	}
	return elders
}
