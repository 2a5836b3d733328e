package dkg

import (
	"crypto/ecdsa"

	"github.com/sirupsen/logrus"

	"github.com/xorspace/membrane/src/knowledge"
	"github.com/xorspace/membrane/src/xor"
)

const (
	// maxCachedSessions bounds how many unknown sessions may hold queued
	// messages at once.
	maxCachedSessions = 10

	// maxCachedMessages bounds the queue per unknown session.
	maxCachedMessages = 100

	// retainedGenerations is how far behind the newest generation of a prefix
	// a session may fall before it is garbage collected.
	retainedGenerations = 1
)

type queuedMsg struct {
	sender xor.Name
	msg    Message
}

// Voter owns every DKG session of one node. It routes inputs to the right
// session, parks messages for sessions that have not started yet, abandons
// attempts that were superseded, and garbage collects old ones.
type Voter struct {
	ourName  xor.Name
	priv     *ecdsa.PrivateKey
	sessions map[xor.Name]*Session
	cache    map[xor.Name][]queuedMsg

	logger *logrus.Entry
}

// NewVoter constructor
func NewVoter(ourName xor.Name, priv *ecdsa.PrivateKey, logger *logrus.Entry) *Voter {
	return &Voter{
		ourName:  ourName,
		priv:     priv,
		sessions: make(map[xor.Name]*Session),
		cache:    make(map[xor.Name][]queuedMsg),
		logger:   logger,
	}
}

// Start begins a session for the candidate set, replaying any messages that
// arrived before it existed. Starting an already-running session is a no-op.
func (v *Voter) Start(candidates knowledge.ElderCandidates, generation uint64) ([]Command, error) {
	id := NewSessionID(candidates, generation)
	hash := id.Hash()
	if _, ok := v.sessions[hash]; ok {
		return nil, nil
	}

	session, err := NewSession(candidates, generation, v.ourName, v.priv, v.logger)
	if err != nil {
		return nil, err
	}
	v.sessions[hash] = session

	v.abandonSuperseded(id)
	v.collectGarbage(id)

	cmds := session.Start()

	// Replay messages that raced ahead of the start.
	if queued, ok := v.cache[hash]; ok {
		delete(v.cache, hash)
		for _, q := range queued {
			cmds = append(cmds, session.HandleMessage(q.sender, q.msg)...)
		}
	}

	return cmds, nil
}

// HandleMessage routes a keygen message to its session, or parks it briefly
// if the session does not exist yet.
func (v *Voter) HandleMessage(hash xor.Name, sender xor.Name, msg Message) []Command {
	session, ok := v.sessions[hash]
	if !ok {
		v.park(hash, sender, msg)
		return nil
	}
	return session.HandleMessage(sender, msg)
}

// HandleTimeout routes a progress timer expiry to its session.
func (v *Voter) HandleTimeout(hash xor.Name, token uint64) []Command {
	session, ok := v.sessions[hash]
	if !ok {
		return nil
	}
	return session.HandleTimeout(token)
}

// HandleNotReady answers a history request for a session we run.
func (v *Voter) HandleNotReady(hash xor.Name, sender xor.Name) []Command {
	session, ok := v.sessions[hash]
	if !ok {
		return nil
	}
	return session.HandleNotReady(sender)
}

// HandleRetry replays a received message history into its session.
func (v *Voter) HandleRetry(hash xor.Name, history []Message) []Command {
	session, ok := v.sessions[hash]
	if !ok {
		return nil
	}
	return session.HandleDkgHistory(history)
}

// HandleFailureObservation routes a failure observation to its session.
func (v *Voter) HandleFailureObservation(hash xor.Name, sig FailureSig, failed []xor.Name) []Command {
	session, ok := v.sessions[hash]
	if !ok {
		return nil
	}
	return session.ProcessFailureObservation(sig, failed)
}

// Get returns the session for an id hash.
func (v *Voter) Get(hash xor.Name) (*Session, bool) {
	s, ok := v.sessions[hash]
	return s, ok
}

// Len returns the number of live sessions.
func (v *Voter) Len() int {
	return len(v.sessions)
}

// AbandonAll marks every session not matching the predicate as complete.
// Used when we stop being an elder candidate.
func (v *Voter) AbandonAll(keep func(SessionID) bool) {
	for _, s := range v.sessions {
		if keep == nil || !keep(s.ID()) {
			s.Abandon()
		}
	}
}

func (v *Voter) park(hash xor.Name, sender xor.Name, msg Message) {
	if _, ok := v.cache[hash]; !ok && len(v.cache) >= maxCachedSessions {
		v.logger.Debug("Dropping message for unknown session, cache full")
		return
	}
	queued := v.cache[hash]
	if len(queued) >= maxCachedMessages {
		return
	}
	v.cache[hash] = append(queued, queuedMsg{sender: sender, msg: msg})
}

// abandonSuperseded completes any older-generation session for the same
// prefix and candidate space; it can no longer win.
func (v *Voter) abandonSuperseded(id SessionID) {
	for _, s := range v.sessions {
		sid := s.ID()
		if sid.Prefix.Equal(id.Prefix) && sid.Generation < id.Generation && !s.Complete() {
			v.logger.WithField("session", sid.String()).Info("Abandoning superseded DKG session")
			s.Abandon()
		}
	}
}

// collectGarbage drops completed sessions that fell too far behind the
// newest generation of their prefix. They are kept around for a while so
// lagging peers still get replies.
func (v *Voter) collectGarbage(newest SessionID) {
	for hash, s := range v.sessions {
		sid := s.ID()
		if !sid.Prefix.Equal(newest.Prefix) {
			continue
		}
		if sid.Generation+retainedGenerations < newest.Generation {
			delete(v.sessions, hash)
			delete(v.cache, hash)
		}
	}
}
