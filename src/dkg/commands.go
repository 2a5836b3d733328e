package dkg

import (
	"time"

	"github.com/xorspace/membrane/src/bls"
	"github.com/xorspace/membrane/src/knowledge"
	"github.com/xorspace/membrane/src/xor"
)

// Command is an instruction a session emits for its owner to execute. The
// session itself never touches the network or the clock; this keeps it
// deterministic and directly testable.
type Command interface {
	isCommand()
}

// SendMessages delivers one keygen message to a set of peers.
type SendMessages struct {
	Recipients []knowledge.Peer
	SessionID  SessionID
	Message    Message
}

// SendNotReady tells a peer we could not process its message yet; the peer
// answers with its message history.
type SendNotReady struct {
	Recipient knowledge.Peer
	SessionID SessionID
	Message   Message
}

// SendRetry ships our message history to a peer that reported not-ready.
type SendRetry struct {
	Recipient knowledge.Peer
	SessionID SessionID
	History   []Message
}

// SendFailureObservation broadcasts our signed observation that the session
// is blocked.
type SendFailureObservation struct {
	Recipients []knowledge.Peer
	SessionID  SessionID
	Sig        FailureSig
	Failed     []xor.Name
}

// ScheduleTimeout asks the owner to call HandleTimeout with the token after
// the duration, unless a newer token superseded it.
type ScheduleTimeout struct {
	Duration time.Duration
	Token    uint64
}

// HandleOutcome reports a successful key generation: the new section
// authority and our share of its key.
type HandleOutcome struct {
	SAP     knowledge.SectionAuthorityProvider
	Outcome bls.SectionKeyShare
}

// HandleFailure reports supermajority agreement that the session failed.
// The owner decides whether to retry with a new generation.
type HandleFailure struct {
	SessionID SessionID
	Failed    []xor.Name
	Sigs      []FailureSig
}

func (SendMessages) isCommand()           {}
func (SendNotReady) isCommand()           {}
func (SendRetry) isCommand()              {}
func (SendFailureObservation) isCommand() {}
func (ScheduleTimeout) isCommand()        {}
func (HandleOutcome) isCommand()          {}
func (HandleFailure) isCommand()          {}
