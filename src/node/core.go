package node

import (
	"fmt"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/xorspace/membrane/src/bls"
	"github.com/xorspace/membrane/src/dkg"
	"github.com/xorspace/membrane/src/knowledge"
	"github.com/xorspace/membrane/src/store"
	"github.com/xorspace/membrane/src/wire"
	"github.com/xorspace/membrane/src/xor"
)

// MinDeliveryGroupSize is the smallest recipient count the delivery-group
// selector accepts: enough that at least one recipient is honest under the
// supermajority assumption.
var MinDeliveryGroupSize = 1 + knowledge.ElderSize - knowledge.Supermajority(knowledge.ElderSize)

// outMsg is one outbound envelope queued by the core for the node to send.
type outMsg struct {
	target knowledge.Peer
	msg    *wire.WireMsg
}

// timeoutReq asks the node to arm a timer for a DKG session.
type timeoutReq struct {
	sessionID dkg.SessionID
	token     uint64
	duration  time.Duration
}

// ReceivedMsg is an admitted domain message handed to the layers above.
type ReceivedMsg struct {
	From knowledge.Peer
	Data []byte
}

// handoverAggregation collects the two signature aggregates a DKG outcome
// needs before it can be installed: the new key set's signature over the SAP
// and the old key set's signature over the new section key.
type handoverAggregation struct {
	sap    knowledge.SectionAuthorityProvider
	sapAgg *bls.KeyedSigAggregator
	keyAgg *bls.KeyedSigAggregator
	sapSig *bls.KeyedSig
	keySig *bls.KeyedSig
	oldKey bls.PublicKey
	done   bool
}

// Core owns all membership state of one node: network knowledge, the DKG
// voter, the current key share and the handover aggregations in flight. It
// performs no I/O itself; inbound messages and timer expiries are fed in by
// the owning Node, and everything the core wants sent or scheduled is queued
// until the node drains it. All methods must be called from a single
// goroutine.
type Core struct {
	validator *Validator
	ourPeer   knowledge.Peer

	knowledge *knowledge.NetworkKnowledge
	keyShare  *bls.SectionKeyShare
	voter     *dkg.Voter
	store     store.Store

	// generation feeds session ids; bumped past the chain length whenever a
	// DKG attempt fails so the retry gets a fresh id.
	generation uint64

	// handovers, keyed by new section key string, aggregate proposal shares.
	handovers map[string]*handoverAggregation

	// pendingOutcomes holds our own key share per new section key until the
	// matching handover aggregation completes.
	pendingOutcomes map[string]bls.SectionKeyShare

	// aeRetries counts resends per (peer, bounced message id) so a stale or
	// malicious peer cannot keep us bouncing the same message forever.
	aeRetries    map[string]int
	maxAERetries int

	outbox    []outMsg
	timeouts  []timeoutReq
	delivered []ReceivedMsg

	logger *logrus.Entry
}

// NewCore assembles a core around existing network knowledge. keyShare is
// nil when the node holds no share of the current section key (it is not an
// elder).
func NewCore(
	validator *Validator,
	addr string,
	nk *knowledge.NetworkKnowledge,
	keyShare *bls.SectionKeyShare,
	st store.Store,
	conf *Config,
) *Core {

	logger := conf.Logger.WithField("this_node", validator.Name().String())

	return &Core{
		validator:       validator,
		ourPeer:         knowledge.Peer{Name: validator.Name(), Addr: addr},
		knowledge:       nk,
		keyShare:        keyShare,
		voter:           dkg.NewVoter(validator.Name(), validator.Key, logger),
		store:           st,
		generation:      uint64(nk.Chain().Len()),
		handovers:       make(map[string]*handoverAggregation),
		pendingOutcomes: make(map[string]bls.SectionKeyShare),
		aeRetries:       make(map[string]int),
		maxAERetries:    conf.MaxAERetries,
		logger:          logger,
	}
}

// OurPeer returns this node's addressable identity.
func (c *Core) OurPeer() knowledge.Peer {
	return c.ourPeer
}

// Knowledge exposes the network knowledge for read access.
func (c *Core) Knowledge() *knowledge.NetworkKnowledge {
	return c.knowledge
}

// KeyShare returns the current section key share, or nil.
func (c *Core) KeyShare() *bls.SectionKeyShare {
	return c.keyShare
}

// Drain empties the queues filled by the last batch of calls.
func (c *Core) Drain() ([]outMsg, []timeoutReq, []ReceivedMsg) {
	out, tts, del := c.outbox, c.timeouts, c.delivered
	c.outbox, c.timeouts, c.delivered = nil, nil, nil
	return out, tts, del
}

//==============================================================================
//Inbound dispatch

// HandleWireMsg is the single entry point for inbound envelopes.
func (c *Core) HandleWireMsg(msg *wire.WireMsg) {
	c.logger.WithFields(logrus.Fields{
		"type": msg.Payload.Type.String(),
		"from": msg.Src.Name.String(),
	}).Debug("Processing message")

	switch msg.Payload.Type {
	case wire.TypeAERetry:
		c.handleAERetry(msg)
		return
	case wire.TypeAERedirect:
		c.handleAERedirect(msg)
		return
	}

	if !c.antiEntropyAdmit(msg) {
		return
	}

	switch msg.Payload.Type {
	case wire.TypeNode:
		c.delivered = append(c.delivered, ReceivedMsg{
			From: msg.Src,
			Data: msg.Payload.Node.Data,
		})
	case wire.TypeDkgStart:
		c.handleDkgStart(msg.Payload.DkgStart)
	case wire.TypeDkgMessage:
		p := msg.Payload.DkgMessage
		cmds := c.voter.HandleMessage(p.SessionID.Hash(), msg.Src.Name, p.Message)
		c.executeDkgCommands(p.SessionID, cmds)
	case wire.TypeDkgNotReady:
		p := msg.Payload.DkgNotReady
		cmds := c.voter.HandleNotReady(p.SessionID.Hash(), msg.Src.Name)
		c.executeDkgCommands(p.SessionID, cmds)
	case wire.TypeDkgRetry:
		p := msg.Payload.DkgRetry
		cmds := c.voter.HandleRetry(p.SessionID.Hash(), p.History)
		c.executeDkgCommands(p.SessionID, cmds)
	case wire.TypeDkgFailureObservation:
		p := msg.Payload.FailureObservation
		cmds := c.voter.HandleFailureObservation(p.SessionID.Hash(), p.Sig, p.Failed)
		c.executeDkgCommands(p.SessionID, cmds)
	case wire.TypeHandoverProposal:
		c.handleHandoverProposal(msg.Src, msg.Payload.HandoverProposal)
	default:
		c.logger.WithField("type", msg.Payload.Type.String()).
			Debug("Dropping message of unknown type")
	}
}

// HandleTimeout feeds a DKG progress timer expiry into its session.
func (c *Core) HandleTimeout(id dkg.SessionID, token uint64) {
	cmds := c.voter.HandleTimeout(id.Hash(), token)
	c.executeDkgCommands(id, cmds)
}

//==============================================================================
//Anti-entropy responder

// antiEntropyAdmit decides whether an inbound message may reach its handler.
// A message addressed at our current section key is admitted. One addressed
// at an older key on our chain earns the sender a Retry teaching it the rest
// of the chain. One addressed somewhere we know better than the sender earns
// a Redirect. Anything else is dropped.
func (c *Core) antiEntropyAdmit(msg *wire.WireMsg) bool {
	if !c.knowledge.IsElder(c.ourPeer.Name) {
		return true
	}

	dstKey := msg.Dst.SectionPK
	if dstKey.Equal(c.knowledge.SectionKey()) {
		return true
	}

	if c.knowledge.HasChainKey(dstKey) {
		c.sendAERetry(msg.Src, dstKey, msg)
		return false
	}

	sap, err := c.knowledge.ClosestSAP(msg.Dst.Name, true)
	if err != nil {
		c.logger.WithFields(logrus.Fields{
			"dst":    msg.Dst.Name.String(),
			"dst_pk": dstKey.String(),
		}).Debug("No matching section for misdirected message, dropping")
		return false
	}

	bounced, err := msg.Marshal()
	if err != nil {
		c.logger.WithError(err).Error("Failed to marshal bounced message")
		return false
	}

	c.send(msg.Src, wire.Dst{Name: msg.Src.Name, SectionPK: c.knowledge.SectionKey()},
		wire.Payload{
			Type: wire.TypeAERedirect,
			AERedirect: &wire.AntiEntropyRedirect{
				SectionAuth: sap,
				BouncedMsg:  bounced,
			},
		})
	return false
}

func (c *Core) sendAERetry(to knowledge.Peer, fromKey bls.PublicKey, bounced *wire.WireMsg) {
	proofChain, err := c.knowledge.GetProofChainToCurrent(fromKey)
	if err != nil {
		c.logger.WithError(err).Debug("No proof chain for stale sender, dropping")
		return
	}

	var bouncedBytes []byte
	if bounced != nil {
		bouncedBytes, err = bounced.Marshal()
		if err != nil {
			c.logger.WithError(err).Error("Failed to marshal bounced message")
			return
		}
	}

	c.send(to, wire.Dst{Name: to.Name, SectionPK: c.knowledge.SectionKey()},
		wire.Payload{
			Type: wire.TypeAERetry,
			AERetry: &wire.AntiEntropyRetry{
				SectionAuth: c.knowledge.SignedSAP(),
				ProofChain:  *proofChain,
				Members:     c.knowledge.Members(),
				BouncedMsg:  bouncedBytes,
			},
		})
}

// handleAERetry runs when a peer teaches us its newer section authority in
// response to a message we misaddressed. We fold in what it taught us and
// resend the bounced message at the key it advertised, whether or not the
// update changed anything (a concurrent peer may have taught us already).
func (c *Core) handleAERetry(msg *wire.WireMsg) {
	p := msg.Payload.AERetry
	proofChain := p.ProofChain

	updated := c.knowledge.UpdateKnowledgeIfValid(
		p.SectionAuth, &proofChain, p.Members, c.ourPeer.Name, false)
	if updated {
		c.persistKnowledge()
	}

	if len(p.BouncedMsg) == 0 {
		return
	}

	bounced := new(wire.WireMsg)
	if err := bounced.Unmarshal(p.BouncedMsg); err != nil {
		c.logger.WithError(err).Debug("Discarding unparseable bounced message")
		return
	}

	if !c.allowResend(msg.Src, bounced.ID) {
		return
	}

	bounced.Dst.SectionPK = p.SectionAuth.SectionKey()
	c.outbox = append(c.outbox, outMsg{target: msg.Src, msg: bounced})
}

// handleAERedirect runs when a peer points us at a section closer to our
// target. The SAP comes without a proof chain so it is only self-verified,
// not folded into the prefix map; resending at its key will elicit a Retry
// carrying a real chain if anything is off.
func (c *Core) handleAERedirect(msg *wire.WireMsg) {
	p := msg.Payload.AERedirect
	if !p.SectionAuth.SelfVerify() {
		c.logger.WithField("from", msg.Src.Name.String()).
			Debug("Discarding redirect with bad SAP signature")
		return
	}

	bounced := new(wire.WireMsg)
	if err := bounced.Unmarshal(p.BouncedMsg); err != nil {
		c.logger.WithError(err).Debug("Discarding unparseable bounced message")
		return
	}

	elders := p.SectionAuth.Value.Elders
	if len(elders) == 0 {
		return
	}
	elder := closestPeer(elders, bounced.Dst.Name)

	if !c.allowResend(elder, bounced.ID) {
		return
	}

	bounced.Dst.SectionPK = p.SectionAuth.SectionKey()
	c.outbox = append(c.outbox, outMsg{target: elder, msg: bounced})
}

func (c *Core) allowResend(to knowledge.Peer, msgID xor.Name) bool {
	key := to.Name.String() + "|" + msgID.String()
	if c.aeRetries[key] >= c.maxAERetries {
		c.logger.WithFields(logrus.Fields{
			"peer": to.Name.String(),
			"msg":  msgID.String(),
		}).Warn("Giving up on bounced message, retry cap reached")
		return false
	}
	c.aeRetries[key]++
	return true
}

//==============================================================================
//Delivery groups

// DeliveryGroup selects the peers a message for target should be sent to,
// following the closest-section rule. For a target inside our own section
// the group is every other elder; otherwise elders of known sections are
// accumulated in prefix-distance order until the group is large enough that
// at least one member is honest.
func (c *Core) DeliveryGroup(target xor.Name) ([]knowledge.Peer, error) {
	if target.Equal(c.ourPeer.Name) {
		return nil, nil
	}

	if member, ok := c.knowledge.GetMember(target); ok && member.Value.IsJoined() {
		return []knowledge.Peer{member.Value.Peer()}, nil
	}

	if !c.knowledge.IsElder(c.ourPeer.Name) {
		// Not an elder: hand the message to our elders, they relay.
		return c.otherElders(), nil
	}

	return c.sectionDeliveryGroup(target)
}

func (c *Core) sectionDeliveryGroup(target xor.Name) ([]knowledge.Peer, error) {
	sections := c.knowledge.NetworkSections()
	if len(sections) == 0 {
		return nil, knowledge.CannotRouteErr{Required: MinDeliveryGroupSize, Got: 0}
	}

	sort.Slice(sections, func(i, j int) bool {
		return sections[i].Value.Prefix.CmpDistance(sections[j].Value.Prefix, target) < 0
	})

	if sections[0].Value.Prefix.Equal(c.knowledge.Prefix()) {
		return c.otherElders(), nil
	}

	limit := MinDeliveryGroupSize
	if sections[0].Value.Prefix.Matches(target) {
		limit = knowledge.ElderSize
	}

	var group []knowledge.Peer
	for _, sap := range sections {
		for _, e := range sap.Value.Elders {
			if !e.Name.Equal(c.ourPeer.Name) {
				group = append(group, e)
			}
		}
		if len(group) >= limit {
			break
		}
	}

	if len(group) < MinDeliveryGroupSize {
		return nil, knowledge.CannotRouteErr{Required: MinDeliveryGroupSize, Got: len(group)}
	}

	sort.Slice(group, func(i, j int) bool {
		return xor.CmpDistance(group[i].Name, group[j].Name, target) < 0
	})
	if len(group) > limit {
		group = group[:limit]
	}

	return group, nil
}

func (c *Core) otherElders() []knowledge.Peer {
	var out []knowledge.Peer
	for _, e := range c.knowledge.Elders() {
		if !e.Name.Equal(c.ourPeer.Name) {
			out = append(out, e)
		}
	}
	return out
}

// SendToName queues a domain message for the delivery group of target. Each
// recipient is addressed at the section key we believe covers it.
func (c *Core) SendToName(target xor.Name, data []byte) error {
	group, err := c.DeliveryGroup(target)
	if err != nil {
		return err
	}

	dstKey := c.knowledge.SectionKey()
	if sap, err := c.knowledge.SectionByName(target); err == nil {
		dstKey = sap.SectionKey()
	}

	for _, peer := range group {
		c.send(peer, wire.Dst{Name: target, SectionPK: dstKey}, wire.Payload{
			Type: wire.TypeNode,
			Node: &wire.NodeMsg{Data: data},
		})
	}
	return nil
}

//==============================================================================
//DKG orchestration

// CheckChurn compares the ideal elder sets against the current one and, if
// they differ, starts the key generation that will rotate them. Every elder
// derives the same candidate sets from the shared roster, so the sessions
// line up without coordination.
func (c *Core) CheckChurn(excluded map[xor.Name]bool) {
	if !c.knowledge.IsElder(c.ourPeer.Name) {
		return
	}

	for _, candidates := range c.knowledge.PromoteAndDemoteElders(excluded) {
		c.startDKG(candidates, c.generation)
	}
}

func (c *Core) startDKG(candidates knowledge.ElderCandidates, generation uint64) {
	id := dkg.NewSessionID(candidates, generation)

	// Candidates that are not current elders would never learn of the
	// session on their own.
	for _, peer := range candidates.Elders {
		if peer.Name.Equal(c.ourPeer.Name) {
			continue
		}
		c.send(peer, wire.Dst{Name: peer.Name, SectionPK: c.knowledge.SectionKey()},
			wire.Payload{
				Type: wire.TypeDkgStart,
				DkgStart: &wire.DkgStart{
					SessionID:  id,
					Candidates: candidates,
				},
			})
	}

	if !candidates.Contains(c.ourPeer.Name) {
		return
	}

	cmds, err := c.voter.Start(candidates, generation)
	if err != nil {
		c.logger.WithError(err).Error("Failed to start DKG session")
		return
	}
	c.executeDkgCommands(id, cmds)
}

func (c *Core) handleDkgStart(p *wire.DkgStart) {
	if !p.Candidates.Contains(c.ourPeer.Name) {
		c.logger.WithField("session", p.SessionID.String()).
			Debug("Ignoring DkgStart, we are not a candidate")
		return
	}

	cmds, err := c.voter.Start(p.Candidates, p.SessionID.Generation)
	if err != nil {
		c.logger.WithError(err).Error("Failed to start DKG session")
		return
	}
	c.executeDkgCommands(p.SessionID, cmds)
}

// executeDkgCommands turns session commands into queued envelopes, timer
// requests, and state transitions.
func (c *Core) executeDkgCommands(id dkg.SessionID, cmds []dkg.Command) {
	for _, cmd := range cmds {
		switch cmd := cmd.(type) {
		case dkg.SendMessages:
			for _, peer := range cmd.Recipients {
				c.send(peer, c.dkgDst(peer), wire.Payload{
					Type: wire.TypeDkgMessage,
					DkgMessage: &wire.DkgMessage{
						SessionID: cmd.SessionID,
						Message:   cmd.Message,
					},
				})
			}
		case dkg.SendNotReady:
			c.send(cmd.Recipient, c.dkgDst(cmd.Recipient), wire.Payload{
				Type: wire.TypeDkgNotReady,
				DkgNotReady: &wire.DkgNotReady{
					SessionID: cmd.SessionID,
					Message:   cmd.Message,
				},
			})
		case dkg.SendRetry:
			c.send(cmd.Recipient, c.dkgDst(cmd.Recipient), wire.Payload{
				Type: wire.TypeDkgRetry,
				DkgRetry: &wire.DkgRetry{
					SessionID: cmd.SessionID,
					History:   cmd.History,
				},
			})
		case dkg.SendFailureObservation:
			for _, peer := range cmd.Recipients {
				c.send(peer, c.dkgDst(peer), wire.Payload{
					Type: wire.TypeDkgFailureObservation,
					FailureObservation: &wire.DkgFailureObservation{
						SessionID: cmd.SessionID,
						Sig:       cmd.Sig,
						Failed:    cmd.Failed,
					},
				})
			}
		case dkg.ScheduleTimeout:
			c.timeouts = append(c.timeouts, timeoutReq{
				sessionID: id,
				token:     cmd.Token,
				duration:  cmd.Duration,
			})
		case dkg.HandleOutcome:
			c.handleDkgOutcome(cmd)
		case dkg.HandleFailure:
			c.handleDkgFailure(cmd)
		default:
			c.logger.Error("Unknown DKG command")
		}
	}
}

func (c *Core) dkgDst(peer knowledge.Peer) wire.Dst {
	return wire.Dst{Name: peer.Name, SectionPK: c.knowledge.SectionKey()}
}

// handleDkgOutcome runs when our own DKG session finished: we hold a fresh
// key share but the section has not signed anything yet. We propose the
// handover by circulating our signature shares: one under the new key set
// over the SAP, and, if we hold a share of the current key, one under the
// old key set over the new section key.
func (c *Core) handleDkgOutcome(cmd dkg.HandleOutcome) {
	sapBytes, err := cmd.SAP.Marshal()
	if err != nil {
		c.logger.WithError(err).Error("Failed to serialize DKG outcome SAP")
		return
	}

	sapShare, err := cmd.Outcome.SecretKeyShare.ThresholdSign(sapBytes)
	if err != nil {
		c.logger.WithError(err).Error("Failed to sign DKG outcome SAP")
		return
	}

	newKey := cmd.SAP.SectionKey()
	c.pendingOutcomes[newKey.String()] = cmd.Outcome

	var keyShare []byte
	if c.keyShare != nil {
		keyShare, err = c.keyShare.SecretKeyShare.ThresholdSign(newKey.Data)
		if err != nil {
			c.logger.WithError(err).Error("Failed to sign new section key")
			return
		}
	}

	c.logger.WithField("new_key", newKey.String()).Info("DKG completed, proposing handover")

	proposal := &wire.SectionHandoverProposal{
		SAP:         cmd.SAP,
		SAPSigShare: sapShare,
		KeySigShare: keyShare,
	}

	// Both old and new elders aggregate; send to the union.
	recipients := unionPeers(c.knowledge.Elders(), cmd.SAP.Elders)
	for _, peer := range recipients {
		if peer.Name.Equal(c.ourPeer.Name) {
			continue
		}
		c.send(peer, c.dkgDst(peer), wire.Payload{
			Type:             wire.TypeHandoverProposal,
			HandoverProposal: proposal,
		})
	}

	// Apply our own proposal locally.
	c.handleHandoverProposal(c.ourPeer, proposal)
}

// handleHandoverProposal folds one participant's signature shares into the
// aggregation for that outcome. When both the SAP signature (new key set)
// and the chain-link signature (old key set) complete, the new authority is
// installed and broadcast.
func (c *Core) handleHandoverProposal(from knowledge.Peer, p *wire.SectionHandoverProposal) {
	newKey := p.SAP.SectionKey()
	agg, ok := c.handovers[newKey.String()]
	if !ok {
		sapBytes, err := p.SAP.Marshal()
		if err != nil {
			c.logger.WithError(err).Error("Failed to serialize proposed SAP")
			return
		}
		oldSet := c.knowledge.SignedSAP().Value.PublicKeySet
		agg = &handoverAggregation{
			sap:    p.SAP,
			sapAgg: bls.NewKeyedSigAggregator(p.SAP.PublicKeySet, p.SAP.ElderCount(), sapBytes),
			keyAgg: bls.NewKeyedSigAggregator(oldSet, c.knowledge.SignedSAP().Value.ElderCount(), newKey.Data),
			oldKey: c.knowledge.SectionKey(),
		}
		c.handovers[newKey.String()] = agg
	}

	if agg.done {
		return
	}

	if agg.sapSig == nil && len(p.SAPSigShare) > 0 {
		sig, err := agg.sapAgg.Add(p.SAPSigShare)
		if err != nil && err != bls.ErrNotEnoughShares {
			c.logger.WithError(err).WithField("from", from.Name.String()).
				Debug("Rejecting SAP signature share")
		}
		agg.sapSig = sig
	}

	if agg.keySig == nil && len(p.KeySigShare) > 0 {
		sig, err := agg.keyAgg.Add(p.KeySigShare)
		if err != nil && err != bls.ErrNotEnoughShares {
			c.logger.WithError(err).WithField("from", from.Name.String()).
				Debug("Rejecting key signature share")
		}
		agg.keySig = sig
	}

	if agg.sapSig != nil && agg.keySig != nil {
		c.finalizeHandover(agg)
	}
}

// finalizeHandover installs a fully signed handover: extend the chain with
// the new key, adopt the new SAP (with our key share if we are one of its
// elders), persist, and teach the whole section via anti-entropy.
func (c *Core) finalizeHandover(agg *handoverAggregation) {
	agg.done = true

	newKey := agg.sap.SectionKey()

	proofChain := c.knowledge.Chain().Clone()
	if err := proofChain.Insert(agg.oldKey, newKey, agg.keySig.Signature); err != nil {
		c.logger.WithError(err).Error("Failed to extend chain with handover key")
		return
	}

	signed := knowledge.SignedSAP{Value: agg.sap, Sig: *agg.sapSig}

	if outcome, ok := c.pendingOutcomes[newKey.String()]; ok && agg.sap.HasElder(c.ourPeer.Name) {
		c.keyShare = &outcome
	} else if !agg.sap.HasElder(c.ourPeer.Name) && agg.sap.Prefix.Matches(c.ourPeer.Name) {
		// Demoted: we keep following the section but can no longer sign.
		c.keyShare = nil
	}
	delete(c.pendingOutcomes, newKey.String())

	updated := c.knowledge.UpdateKnowledgeIfValid(
		signed, proofChain, nil, c.ourPeer.Name, true)

	c.logger.WithFields(logrus.Fields{
		"prefix":  agg.sap.Prefix.String(),
		"new_key": newKey.String(),
		"updated": updated,
	}).Info("Section handover complete")

	c.generation = uint64(c.knowledge.Chain().Len())
	c.persistKnowledge()

	// After a split our prefix lengthened, and sessions keyed to the parent
	// prefix can never finalize against the new chain.
	ourPrefix := c.knowledge.Prefix()
	c.voter.AbandonAll(func(id dkg.SessionID) bool {
		return id.Prefix.Equal(ourPrefix)
	})

	// New SAPs travel the network on the anti-entropy channel.
	for _, m := range c.knowledge.Members() {
		peer := m.Value.Peer()
		if peer.Name.Equal(c.ourPeer.Name) || !m.Value.IsJoined() {
			continue
		}
		c.sendAERetry(peer, c.knowledge.GenesisKey(), nil)
	}

	// A split installs one child; the sibling session finishes on its own.
	c.CheckChurn(nil)
}

// handleDkgFailure runs on supermajority agreement that a session is stuck.
// The next attempt excludes the blamed participants and uses a bumped
// generation so its id cannot collide with the failed one.
func (c *Core) handleDkgFailure(cmd dkg.HandleFailure) {
	c.logger.WithFields(logrus.Fields{
		"session": cmd.SessionID.String(),
		"failed":  len(cmd.Failed),
	}).Warn("DKG session failed, retrying without blamed participants")

	if cmd.SessionID.Generation >= c.generation {
		c.generation = cmd.SessionID.Generation + 1
	}

	excluded := make(map[xor.Name]bool, len(cmd.Failed))
	for _, name := range cmd.Failed {
		excluded[name] = true
	}
	c.CheckChurn(excluded)
}

//==============================================================================
//Helpers

func (c *Core) send(to knowledge.Peer, dst wire.Dst, payload wire.Payload) {
	c.outbox = append(c.outbox, outMsg{
		target: to,
		msg:    wire.NewWireMsg(c.ourPeer, dst, payload),
	})
}

// persistKnowledge writes the durable slice of the network knowledge to the
// store. Persistence failures are logged, not fatal: the network re-teaches
// everything via anti-entropy.
func (c *Core) persistKnowledge() {
	if c.store == nil {
		return
	}
	if err := c.store.SetChain(c.knowledge.Chain()); err != nil {
		c.logger.WithError(err).Error("Failed to persist section chain")
	}
	sap := c.knowledge.SignedSAP()
	if err := c.store.SetSAP(sap); err != nil {
		c.logger.WithError(err).Error("Failed to persist section authority")
	}
	for _, remote := range c.knowledge.NetworkSections() {
		if remote.Value.Prefix.Equal(sap.Value.Prefix) {
			continue
		}
		if err := c.store.SetNetworkSAP(remote); err != nil {
			c.logger.WithError(err).Error("Failed to persist network section")
		}
	}
	for _, m := range c.knowledge.Members() {
		if err := c.store.SetMember(m); err != nil {
			c.logger.WithError(err).Error("Failed to persist member state")
		}
	}
}

// Stats returns a map of core statistics for the HTTP service.
func (c *Core) Stats() map[string]string {
	return map[string]string{
		"name":         c.ourPeer.Name.String(),
		"moniker":      c.validator.Moniker,
		"prefix":       c.knowledge.Prefix().String(),
		"section_key":  c.knowledge.SectionKey().String(),
		"chain_len":    fmt.Sprint(c.knowledge.Chain().Len()),
		"num_elders":   fmt.Sprint(len(c.knowledge.Elders())),
		"num_members":  fmt.Sprint(len(c.knowledge.Members())),
		"num_sections": fmt.Sprint(len(c.knowledge.NetworkSections())),
		"is_elder":     fmt.Sprint(c.knowledge.IsElder(c.ourPeer.Name)),
		"dkg_sessions": fmt.Sprint(c.voter.Len()),
	}
}

func closestPeer(peers []knowledge.Peer, target xor.Name) knowledge.Peer {
	best := peers[0]
	for _, p := range peers[1:] {
		if xor.CmpDistance(p.Name, best.Name, target) < 0 {
			best = p
		}
	}
	return best
}

func unionPeers(a, b []knowledge.Peer) []knowledge.Peer {
	seen := make(map[xor.Name]bool, len(a)+len(b))
	var out []knowledge.Peer
	for _, p := range append(append([]knowledge.Peer{}, a...), b...) {
		if !seen[p.Name] {
			seen[p.Name] = true
			out = append(out, p)
		}
	}
	return out
}
