package dkg

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"go.dedis.ch/kyber/v3"
	"go.dedis.ch/kyber/v3/share"

	"github.com/xorspace/membrane/src/bls"
)

// KeyGen drives the synchronous threshold key generation for one participant.
// Every participant deals a random polynomial of degree threshold: it
// broadcasts the polynomial's commitments and sends each peer its evaluation.
// The section key set is the sum of all commitments; each participant's
// secret share is the sum of the evaluations it received. Messages may arrive
// in any order; those that cannot be processed yet are parked and replayed
// when the state advances.
type KeyGen struct {
	n         int
	threshold int
	ourIndex  int

	phase       Phase
	initialized map[int]bool
	secret      *share.PriPoly
	commitments map[int]*share.PubPoly
	shares      map[int]kyber.Scalar
	acks        map[int]bool
	complaints  map[int]bool

	pending []Message
	seen    map[string]bool
	log     []Message

	logger *logrus.Entry
}

// NewKeyGen creates a keygen for n participants with the given signing
// threshold, acting as the participant at ourIndex.
func NewKeyGen(n, threshold, ourIndex int, logger *logrus.Entry) *KeyGen {
	return &KeyGen{
		n:           n,
		threshold:   threshold,
		ourIndex:    ourIndex,
		phase:       PhaseInitialization,
		initialized: make(map[int]bool),
		commitments: make(map[int]*share.PubPoly),
		shares:      make(map[int]kyber.Scalar),
		acks:        make(map[int]bool),
		complaints:  make(map[int]bool),
		seen:        make(map[string]bool),
		logger:      logger,
	}
}

// Initialize returns our opening broadcast. Our own messages are applied to
// our own state as they are produced, so the local participant goes through
// the same transitions as remote ones without a network self-loop.
func (kg *KeyGen) Initialize() []Message {
	msg := Message{
		Phase:  PhaseInitialization,
		Sender: kg.ourIndex,
		Target: Broadcast,
	}
	kg.remember(msg)
	kg.initialized[kg.ourIndex] = true

	out := []Message{msg}
	if kg.phase == PhaseInitialization && len(kg.initialized) == kg.n {
		out = append(out, kg.contribute()...)
	}
	return out
}

// Handle processes one message and returns any messages to send out in
// response. Duplicates and messages directed at other participants are
// silently ignored.
func (kg *KeyGen) Handle(msg Message) ([]Message, error) {
	if msg.Sender < 0 || msg.Sender >= kg.n {
		return nil, fmt.Errorf("sender index %d out of range", msg.Sender)
	}
	if msg.Target != Broadcast && msg.Target != kg.ourIndex {
		return nil, nil
	}
	if kg.isDuplicate(msg) {
		return nil, nil
	}

	out, err := kg.process(msg)
	if err != nil {
		return out, err
	}

	more := kg.replayPending()
	return append(out, more...), nil
}

func (kg *KeyGen) process(msg Message) ([]Message, error) {
	switch msg.Phase {
	case PhaseInitialization:
		return kg.processInitialization(msg)
	case PhaseContribution:
		return kg.processContribution(msg)
	case PhaseComplaint:
		return kg.processComplaint(msg)
	case PhaseJustification:
		return kg.processJustification(msg)
	case PhaseCommitment:
		return kg.processAck(msg)
	}
	return nil, fmt.Errorf("unknown message phase %d", msg.Phase)
}

func (kg *KeyGen) processInitialization(msg Message) ([]Message, error) {
	kg.remember(msg)
	kg.initialized[msg.Sender] = true
	if kg.phase == PhaseInitialization && len(kg.initialized) == kg.n {
		return kg.contribute(), nil
	}
	return nil, nil
}

// contribute moves to the contribution phase: deal our polynomial.
func (kg *KeyGen) contribute() []Message {
	kg.phase = PhaseContribution
	kg.secret = share.NewPriPoly(bls.Suite.G2(), kg.threshold+1, nil, bls.Suite.RandomStream())
	pubPoly := kg.secret.Commit(bls.Suite.G2().Point().Base())
	_, commits := pubPoly.Info()

	marshaled := make([][]byte, len(commits))
	for i, c := range commits {
		data, err := c.MarshalBinary()
		if err != nil {
			panic(fmt.Sprintf("failed to marshal commitment: %v", err))
		}
		marshaled[i] = data
	}

	out := []Message{{
		Phase:       PhaseContribution,
		Sender:      kg.ourIndex,
		Target:      Broadcast,
		Commitments: marshaled,
	}}

	for j := 0; j < kg.n; j++ {
		shareData, err := kg.secret.Eval(j).V.MarshalBinary()
		if err != nil {
			panic(fmt.Sprintf("failed to marshal share: %v", err))
		}
		out = append(out, Message{
			Phase:  PhaseContribution,
			Sender: kg.ourIndex,
			Target: j,
			Share:  shareData,
		})
	}

	for _, m := range out {
		kg.remember(m)
	}

	// Apply our own contribution locally.
	kg.commitments[kg.ourIndex] = pubPoly
	kg.shares[kg.ourIndex] = kg.secret.Eval(kg.ourIndex).V

	return append(out, kg.maybeAck()...)
}

func (kg *KeyGen) processContribution(msg Message) ([]Message, error) {
	if kg.phase == PhaseInitialization {
		kg.park(msg)
		return nil, UnexpectedPhaseErr{Expected: PhaseContribution, Actual: kg.phase}
	}

	if msg.Target == Broadcast {
		if len(msg.Commitments) != kg.threshold+1 {
			kg.logger.WithField("sender", msg.Sender).
				Debug("Dropping contribution with wrong commitment count")
			return nil, nil
		}
		pubPoly, err := unmarshalCommitments(msg.Commitments)
		if err != nil {
			kg.logger.WithError(err).WithField("sender", msg.Sender).
				Debug("Dropping contribution with bad commitments")
			return nil, nil
		}
		kg.remember(msg)
		kg.commitments[msg.Sender] = pubPoly
		return kg.maybeAck(), nil
	}

	// A directed share. We need the sender's commitments to check it.
	if kg.commitments[msg.Sender] == nil {
		kg.park(msg)
		return nil, nil
	}

	scalar := bls.Suite.G2().Scalar()
	if err := scalar.UnmarshalBinary(msg.Share); err != nil {
		kg.logger.WithError(err).WithField("sender", msg.Sender).
			Debug("Dropping malformed share")
		return nil, nil
	}

	kg.remember(msg)

	if !kg.verifyShare(msg.Sender, kg.ourIndex, scalar) {
		kg.logger.WithField("sender", msg.Sender).Warn("Received invalid share, complaining")
		complaint := Message{
			Phase:   PhaseComplaint,
			Sender:  kg.ourIndex,
			Target:  Broadcast,
			Accused: msg.Sender,
		}
		kg.remember(complaint)
		kg.complaints[msg.Sender] = true
		return []Message{complaint}, nil
	}

	kg.shares[msg.Sender] = scalar
	return kg.maybeAck(), nil
}

func (kg *KeyGen) processComplaint(msg Message) ([]Message, error) {
	kg.remember(msg)
	if msg.Accused != kg.ourIndex {
		kg.complaints[msg.Accused] = true
		return nil, nil
	}
	if kg.secret == nil {
		return nil, nil
	}

	// Reveal the complainer's share publicly so everyone can arbitrate.
	shareData, err := kg.secret.Eval(msg.Sender).V.MarshalBinary()
	if err != nil {
		panic(fmt.Sprintf("failed to marshal share: %v", err))
	}
	justification := Message{
		Phase:   PhaseJustification,
		Sender:  kg.ourIndex,
		Target:  Broadcast,
		Accused: msg.Sender,
		Share:   shareData,
	}
	kg.remember(justification)
	return []Message{justification}, nil
}

func (kg *KeyGen) processJustification(msg Message) ([]Message, error) {
	// msg.Sender is the accused contributor, msg.Accused the complainer whose
	// share is being revealed.
	if kg.commitments[msg.Sender] == nil {
		kg.park(msg)
		return nil, nil
	}

	scalar := bls.Suite.G2().Scalar()
	if err := scalar.UnmarshalBinary(msg.Share); err != nil {
		return nil, nil
	}

	kg.remember(msg)

	if !kg.verifyShare(msg.Sender, msg.Accused, scalar) {
		kg.logger.WithField("sender", msg.Sender).Warn("Justification failed verification")
		kg.complaints[msg.Sender] = true
		return nil, nil
	}

	delete(kg.complaints, msg.Sender)
	if msg.Accused == kg.ourIndex && kg.shares[msg.Sender] == nil {
		kg.shares[msg.Sender] = scalar
		return kg.maybeAck(), nil
	}
	return nil, nil
}

func (kg *KeyGen) processAck(msg Message) ([]Message, error) {
	if kg.phase == PhaseInitialization {
		kg.park(msg)
		return nil, UnexpectedPhaseErr{Expected: PhaseCommitment, Actual: kg.phase}
	}
	if kg.commitments[msg.Sender] == nil {
		kg.park(msg)
		return nil, MissingPartErr{Participant: msg.Sender}
	}
	kg.remember(msg)
	kg.acks[msg.Sender] = true
	kg.maybeFinalize()
	return nil, nil
}

// maybeAck broadcasts our acknowledgment once we hold every contribution.
func (kg *KeyGen) maybeAck() []Message {
	if kg.phase != PhaseContribution {
		return nil
	}
	if len(kg.commitments) < kg.n || len(kg.shares) < kg.n {
		return nil
	}
	kg.phase = PhaseCommitment
	ack := Message{
		Phase:  PhaseCommitment,
		Sender: kg.ourIndex,
		Target: Broadcast,
	}
	kg.remember(ack)
	kg.acks[kg.ourIndex] = true
	kg.maybeFinalize()
	return []Message{ack}
}

func (kg *KeyGen) maybeFinalize() {
	if kg.phase != PhaseCommitment {
		return
	}
	if len(kg.acks) == kg.n && len(kg.commitments) == kg.n && len(kg.shares) == kg.n {
		kg.phase = PhaseFinalization
	}
}

// replayPending retries parked messages until no further progress is made.
func (kg *KeyGen) replayPending() []Message {
	var out []Message
	for {
		if len(kg.pending) == 0 {
			return out
		}
		pending := kg.pending
		kg.pending = nil
		progressed := false
		for _, msg := range pending {
			before := len(kg.pending)
			more, err := kg.process(msg)
			if err != nil {
				// Still not processable; keep parked unless process re-parked
				// it already.
				if len(kg.pending) == before {
					kg.pending = append(kg.pending, msg)
				}
				continue
			}
			if len(kg.pending) == before {
				progressed = true
			}
			out = append(out, more...)
		}
		if !progressed {
			return out
		}
	}
}

// TimedPhaseTransition is driven by the progress timer. It either produces
// catch-up messages or reports that the keygen is stalled; the caller turns a
// stall into a failure observation against PossibleBlockers.
func (kg *KeyGen) TimedPhaseTransition() ([]Message, error) {
	switch kg.phase {
	case PhaseInitialization:
		if len(kg.initialized) == kg.n {
			return kg.contribute(), nil
		}
		return nil, StalledErr{Phase: kg.phase}
	case PhaseContribution:
		if out := kg.maybeAck(); out != nil {
			return out, nil
		}
		return nil, StalledErr{Phase: kg.phase}
	case PhaseCommitment:
		kg.maybeFinalize()
		if kg.phase == PhaseFinalization {
			return nil, nil
		}
		return nil, StalledErr{Phase: kg.phase}
	}
	return nil, nil
}

// PossibleBlockers returns the indices of the participants we are waiting on
// in the current phase.
func (kg *KeyGen) PossibleBlockers() []int {
	var blockers []int
	for i := 0; i < kg.n; i++ {
		switch kg.phase {
		case PhaseInitialization:
			if !kg.initialized[i] {
				blockers = append(blockers, i)
			}
		case PhaseContribution:
			if kg.commitments[i] == nil || kg.shares[i] == nil || kg.complaints[i] {
				blockers = append(blockers, i)
			}
		case PhaseCommitment:
			if !kg.acks[i] {
				blockers = append(blockers, i)
			}
		}
	}
	return blockers
}

// IsFinalized returns whether keys can be generated.
func (kg *KeyGen) IsFinalized() bool {
	return kg.phase == PhaseFinalization
}

// GenerateKeys returns the combined public key set and our secret share.
func (kg *KeyGen) GenerateKeys() (bls.PublicKeySet, bls.SecretKeyShare, error) {
	if !kg.IsFinalized() {
		return bls.PublicKeySet{}, bls.SecretKeyShare{}, fmt.Errorf("key generation not finalized")
	}

	// Sum the commitment polynomials pointwise.
	combined := make([]kyber.Point, kg.threshold+1)
	for k := range combined {
		combined[k] = bls.Suite.G2().Point().Null()
	}
	for i := 0; i < kg.n; i++ {
		_, commits := kg.commitments[i].Info()
		for k := range combined {
			combined[k] = bls.Suite.G2().Point().Add(combined[k], commits[k])
		}
	}
	marshaled := make([][]byte, len(combined))
	for k, p := range combined {
		data, err := p.MarshalBinary()
		if err != nil {
			return bls.PublicKeySet{}, bls.SecretKeyShare{}, err
		}
		marshaled[k] = data
	}
	keySet := bls.PublicKeySet{Commitments: marshaled}

	// Sum the shares we were dealt.
	sum := bls.Suite.G2().Scalar().Zero()
	for i := 0; i < kg.n; i++ {
		sum = bls.Suite.G2().Scalar().Add(sum, kg.shares[i])
	}
	keyShare := bls.NewSecretKeyShare(&share.PriShare{I: kg.ourIndex, V: sum})

	return keySet, keyShare, nil
}

// CachedMessages returns every message this keygen has produced or accepted,
// the history replayed to peers that fell behind.
func (kg *KeyGen) CachedMessages() []Message {
	history := make([]Message, len(kg.log))
	copy(history, kg.log)
	return history
}

func unmarshalCommitments(data [][]byte) (*share.PubPoly, error) {
	commits := make([]kyber.Point, len(data))
	for i, d := range data {
		p := bls.Suite.G2().Point()
		if err := p.UnmarshalBinary(d); err != nil {
			return nil, err
		}
		commits[i] = p
	}
	return share.NewPubPoly(bls.Suite.G2(), bls.Suite.G2().Point().Base(), commits), nil
}

func (kg *KeyGen) verifyShare(dealer, target int, scalar kyber.Scalar) bool {
	expected := kg.commitments[dealer].Eval(target).V
	actual := bls.Suite.G2().Point().Mul(scalar, nil)
	return actual.Equal(expected)
}

func (kg *KeyGen) park(msg Message) {
	msgKey := kg.key(msg)
	for _, p := range kg.pending {
		if kg.key(p) == msgKey {
			return
		}
	}
	kg.pending = append(kg.pending, msg)
}

func (kg *KeyGen) isDuplicate(msg Message) bool {
	return kg.seen[kg.key(msg)]
}

func (kg *KeyGen) remember(msg Message) {
	msgKey := kg.key(msg)
	if kg.seen[msgKey] {
		return
	}
	kg.seen[msgKey] = true
	kg.log = append(kg.log, msg)
}

func (kg *KeyGen) key(msg Message) string {
	data, err := msg.Marshal()
	if err != nil {
		panic(fmt.Sprintf("failed to marshal message: %v", err))
	}
	return string(data)
}
