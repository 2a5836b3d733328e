package dkg

import (
	"crypto/ecdsa"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/xorspace/membrane/src/bls"
	"github.com/xorspace/membrane/src/knowledge"
	"github.com/xorspace/membrane/src/xor"
)

// DKGProgressInterval bounds how long a session may sit idle before its
// timed phase transition fires.
const DKGProgressInterval = 6 * time.Second

// Session runs one key generation attempt for one elder candidate set. It is
// a pure state machine: inputs are messages, timeouts and failure
// observations; outputs are Commands. A session that succeeded or reached
// failure agreement is complete; it is kept around to keep answering peers
// that still think it is running, but produces no further outcomes.
type Session struct {
	id         SessionID
	candidates knowledge.ElderCandidates
	ourName    xor.Name
	ourIndex   int
	priv       *ecdsa.PrivateKey
	keygen     *KeyGen
	timerToken uint64
	failures   *FailureSigSet
	complete   bool

	logger *logrus.Entry
}

// NewSession creates the session for one attempt. Fails if ourName is not
// among the candidates.
func NewSession(
	candidates knowledge.ElderCandidates,
	generation uint64,
	ourName xor.Name,
	priv *ecdsa.PrivateKey,
	logger *logrus.Entry,
) (*Session, error) {

	index := candidates.IndexOf(ourName)
	if index < 0 {
		return nil, fmt.Errorf("we are not a candidate of this session")
	}

	id := NewSessionID(candidates, generation)
	threshold := knowledge.Supermajority(candidates.Len()) - 1

	return &Session{
		id:         id,
		candidates: candidates,
		ourName:    ourName,
		ourIndex:   index,
		priv:       priv,
		keygen:     NewKeyGen(candidates.Len(), threshold, index, logger),
		failures:   NewFailureSigSet(id),
		logger: logger.WithFields(logrus.Fields{
			"session": id.String(),
			"index":   index,
		}),
	}, nil
}

// ID returns the session's id.
func (s *Session) ID() SessionID {
	return s.id
}

// Complete returns whether the session reached an outcome or failure
// agreement.
func (s *Session) Complete() bool {
	return s.complete
}

// Start broadcasts our opening messages and arms the progress timer.
func (s *Session) Start() []Command {
	s.logger.WithField("participants", s.candidates.Len()).Info("Starting DKG session")
	cmds := s.dispatch(s.keygen.Initialize())
	if !s.complete {
		cmds = append(cmds, s.resetTimer())
	}
	return cmds
}

// HandleMessage feeds one keygen message from a peer into the session.
func (s *Session) HandleMessage(sender xor.Name, msg Message) []Command {
	if s.complete {
		return nil
	}
	if s.candidates.IndexOf(sender) != msg.Sender {
		s.logger.WithFields(logrus.Fields{
			"sender": sender.String(),
			"index":  msg.Sender,
		}).Debug("Dropping message with mismatched sender")
		return nil
	}

	out, err := s.keygen.Handle(msg)
	if err != nil {
		switch err.(type) {
		case UnexpectedPhaseErr, MissingPartErr:
			s.logger.WithError(err).Debug("Requesting history exchange")
			return []Command{SendNotReady{
				Recipient: s.candidates.Elders[msg.Sender],
				SessionID: s.id,
				Message:   msg,
			}}
		default:
			s.logger.WithError(err).Debug("Dropping unprocessable message")
			return nil
		}
	}

	cmds := s.dispatch(out)
	if len(out) > 0 && !s.complete {
		cmds = append(cmds, s.resetTimer())
	}
	return cmds
}

// HandleTimeout advances the timed phase transition. Stale tokens from
// superseded timers are ignored.
func (s *Session) HandleTimeout(token uint64) []Command {
	if s.complete || token != s.timerToken {
		return nil
	}

	out, err := s.keygen.TimedPhaseTransition()
	if err != nil {
		blockers := s.keygen.PossibleBlockers()
		names := make([]xor.Name, 0, len(blockers))
		for _, i := range blockers {
			names = append(names, s.candidates.Elders[i].Name)
		}
		s.logger.WithFields(logrus.Fields{
			"error":    err.Error(),
			"blockers": len(names),
		}).Warn("DKG stalled, reporting failure")
		return s.reportFailure(names)
	}

	cmds := s.dispatch(out)
	if !s.complete {
		cmds = append(cmds, s.resetTimer())
	}
	return cmds
}

// HandleNotReady answers a peer that could not process one of our messages
// by shipping it our whole message history.
func (s *Session) HandleNotReady(sender xor.Name) []Command {
	index := s.candidates.IndexOf(sender)
	if index < 0 {
		return nil
	}
	return []Command{SendRetry{
		Recipient: s.candidates.Elders[index],
		SessionID: s.id,
		History:   s.keygen.CachedMessages(),
	}}
}

// HandleDkgHistory replays a batch of missed messages. Messages the keygen
// still cannot handle are dropped.
func (s *Session) HandleDkgHistory(history []Message) []Command {
	if s.complete {
		return nil
	}

	var out []Message
	for _, msg := range history {
		more, err := s.keygen.Handle(msg)
		if err != nil {
			s.logger.WithError(err).Debug("Dropping history message")
			continue
		}
		out = append(out, more...)
	}

	cmds := s.dispatch(out)
	if len(out) > 0 && !s.complete {
		cmds = append(cmds, s.resetTimer())
	}
	return cmds
}

// ProcessFailureObservation records a peer's signed observation that the
// session is blocked and checks for agreement.
func (s *Session) ProcessFailureObservation(sig FailureSig, failed []xor.Name) []Command {
	if s.complete {
		return nil
	}

	signer := sig.SignerName()
	if !s.candidates.Contains(signer) {
		s.logger.WithField("signer", signer.String()).
			Debug("Dropping failure observation from non-candidate")
		return nil
	}
	if !sig.Verify(s.id, failed) {
		s.logger.WithField("signer", signer.String()).
			Debug("Dropping failure observation with bad signature")
		return nil
	}

	if s.failures.Insert(sig, failed) {
		return s.checkFailureAgreement()
	}
	return nil
}

// ReportFailure signs and broadcasts our own observation against the
// participants blocking the session.
func (s *Session) ReportFailure(failed []xor.Name) []Command {
	if s.complete {
		return nil
	}
	return s.reportFailure(failed)
}

// Abandon marks the session complete without an outcome. Used when elder
// candidates changed and the attempt is moot.
func (s *Session) Abandon() {
	s.complete = true
}

// dispatch turns keygen messages into send commands and runs the outcome
// check. Messages addressed to ourselves were already applied by the keygen.
func (s *Session) dispatch(msgs []Message) []Command {
	var cmds []Command
	for _, msg := range msgs {
		recipients := s.recipients(msg)
		if len(recipients) == 0 {
			continue
		}
		cmds = append(cmds, SendMessages{
			Recipients: recipients,
			SessionID:  s.id,
			Message:    msg,
		})
	}
	return append(cmds, s.check()...)
}

func (s *Session) recipients(msg Message) []knowledge.Peer {
	if msg.Target == Broadcast {
		var peers []knowledge.Peer
		for i, p := range s.candidates.Elders {
			if i != s.ourIndex {
				peers = append(peers, p)
			}
		}
		return peers
	}
	if msg.Target == s.ourIndex {
		return nil
	}
	return []knowledge.Peer{s.candidates.Elders[msg.Target]}
}

// check inspects the keygen for a finalized outcome. The generated share
// must be consistent with the combined key set; a mismatch means two
// sessions with the same id collided and the outcome is corrupt.
func (s *Session) check() []Command {
	if s.complete || !s.keygen.IsFinalized() {
		return nil
	}

	keySet, keyShare, err := s.keygen.GenerateKeys()
	if err != nil {
		s.logger.WithError(err).Error("Failed to generate keys")
		return s.reportFailure(nil)
	}

	ourShare, err := keyShare.PublicKeyShare()
	if err == nil {
		setShare, serr := keySet.PublicKeyShare(s.ourIndex)
		if serr != nil || !setShare.Equal(ourShare) {
			err = FinalizationMismatchErr{Detail: "public key share mismatch"}
		}
	}
	if err != nil {
		s.logger.WithError(err).Error("DKG outcome failed consistency check")
		return s.reportFailure(nil)
	}

	s.complete = true
	sap := s.candidates.IntoSAP(keySet)
	s.logger.WithField("section_key", sap.SectionKey().String()).
		Info("DKG session succeeded")

	return []Command{HandleOutcome{
		SAP: sap,
		Outcome: bls.SectionKeyShare{
			PublicKeySet:   keySet,
			Index:          s.ourIndex,
			SecretKeyShare: keyShare,
		},
	}}
}

func (s *Session) reportFailure(failed []xor.Name) []Command {
	sig, err := NewFailureSig(s.priv, s.id, failed)
	if err != nil {
		s.logger.WithError(err).Error("Failed to sign failure observation")
		return nil
	}
	if !s.failures.Insert(sig, failed) {
		return nil
	}

	var recipients []knowledge.Peer
	for i, p := range s.candidates.Elders {
		if i != s.ourIndex {
			recipients = append(recipients, p)
		}
	}

	cmds := []Command{SendFailureObservation{
		Recipients: recipients,
		SessionID:  s.id,
		Sig:        sig,
		Failed:     failed,
	}}
	return append(cmds, s.checkFailureAgreement()...)
}

func (s *Session) checkFailureAgreement() []Command {
	threshold := knowledge.Supermajority(s.candidates.Len())
	failed, ok := s.failures.CheckAgreement(threshold)
	if !ok {
		return nil
	}

	s.complete = true
	s.logger.WithField("failed", len(failed)).Warn("DKG failure agreement reached")

	return []Command{HandleFailure{
		SessionID: s.id,
		Failed:    failed,
		Sigs:      s.failures.SigsFor(failed),
	}}
}

func (s *Session) resetTimer() Command {
	s.timerToken++
	return ScheduleTimeout{Duration: DKGProgressInterval, Token: s.timerToken}
}
