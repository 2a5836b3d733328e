package node

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/xorspace/membrane/src/chain"
	"github.com/xorspace/membrane/src/dkg"
	"github.com/xorspace/membrane/src/knowledge"
	"github.com/xorspace/membrane/src/net"
	"github.com/xorspace/membrane/src/wire"
	"github.com/xorspace/membrane/src/xor"
)

// NodeState captures the lifecycle of a running node.
type NodeState uint32

const (
	//Running - the node is processing messages
	Running NodeState = iota
	//Shutdown - the node is stopped
	Shutdown
)

type dkgTimeout struct {
	sessionID dkg.SessionID
	token     uint64
}

//Node wraps a Core with the I/O that feeds it: the transport consumer, the
//DKG timers and the outbound sender.
type Node struct {
	conf   *Config
	logger *logrus.Entry

	validator *Validator

	core     *Core
	coreLock sync.Mutex

	trans net.Transport
	netCh <-chan net.Envelope

	timeoutCh  chan dkgTimeout
	rcvCh      chan ReceivedMsg
	shutdownCh chan struct{}

	state     NodeState
	stateLock sync.Mutex
}

//NewNode is a factory method that returns a Node instance
func NewNode(conf *Config,
	validator *Validator,
	core *Core,
	trans net.Transport,
) *Node {

	return &Node{
		conf:       conf,
		logger:     conf.Logger.WithField("this_node", validator.Name().String()),
		validator:  validator,
		core:       core,
		trans:      trans,
		netCh:      trans.Consumer(),
		timeoutCh:  make(chan dkgTimeout, 16),
		rcvCh:      make(chan ReceivedMsg, 64),
		shutdownCh: make(chan struct{}),
	}
}

//RunAsync calls Run as a separate thread
func (n *Node) RunAsync() {
	go n.Run()
}

//Run invokes the main loop of the node
func (n *Node) Run() {
	for {
		select {
		case env := <-n.netCh:
			n.coreLock.Lock()
			n.core.HandleWireMsg(env.Msg)
			n.flushLocked()
			n.coreLock.Unlock()
		case to := <-n.timeoutCh:
			n.coreLock.Lock()
			n.core.HandleTimeout(to.sessionID, to.token)
			n.flushLocked()
			n.coreLock.Unlock()
		case <-n.shutdownCh:
			return
		}
	}
}

// Submit routes a domain payload towards the name that should handle it.
func (n *Node) Submit(target xor.Name, data []byte) error {
	n.coreLock.Lock()
	defer n.coreLock.Unlock()
	if err := n.core.SendToName(target, data); err != nil {
		return err
	}
	n.flushLocked()
	return nil
}

// CheckChurn triggers elder promotion checks, starting DKG if needed.
func (n *Node) CheckChurn() {
	n.coreLock.Lock()
	defer n.coreLock.Unlock()
	n.core.CheckChurn(nil)
	n.flushLocked()
}

// Rcv returns the channel of admitted domain messages.
func (n *Node) Rcv() <-chan ReceivedMsg {
	return n.rcvCh
}

// Core exposes the underlying core for the HTTP service.
func (n *Node) Core() *Core {
	return n.core
}

// GetStats returns a snapshot of node statistics.
func (n *Node) GetStats() map[string]string {
	n.coreLock.Lock()
	defer n.coreLock.Unlock()
	return n.core.Stats()
}

// GetMembers returns the section roster.
func (n *Node) GetMembers() []knowledge.SignedNodeState {
	n.coreLock.Lock()
	defer n.coreLock.Unlock()
	return n.core.Knowledge().Members()
}

// GetSections returns every known section authority.
func (n *Node) GetSections() []knowledge.SignedSAP {
	n.coreLock.Lock()
	defer n.coreLock.Unlock()
	return n.core.Knowledge().NetworkSections()
}

// GetChain returns the section chain.
func (n *Node) GetChain() *chain.SectionChain {
	n.coreLock.Lock()
	defer n.coreLock.Unlock()
	return n.core.Knowledge().Chain()
}

// flushLocked drains the core's queues: sends envelopes, arms timers and
// forwards delivered payloads. Callers must hold coreLock.
func (n *Node) flushLocked() {
	out, timeouts, delivered := n.core.Drain()

	for _, o := range out {
		n.sendAsync(o.target.Addr, o.msg)
	}

	for _, t := range timeouts {
		n.armTimer(t)
	}

	for _, d := range delivered {
		select {
		case n.rcvCh <- d:
		default:
			n.logger.Warn("Receive channel full, dropping message")
		}
	}
}

func (n *Node) sendAsync(addr string, msg *wire.WireMsg) {
	go func() {
		if err := n.trans.Send(addr, msg); err != nil {
			n.logger.WithFields(logrus.Fields{
				"target": addr,
				"error":  err,
			}).Debug("Failed to send message")
		}
	}()
}

func (n *Node) armTimer(t timeoutReq) {
	id, token := t.sessionID, t.token
	time.AfterFunc(t.duration, func() {
		select {
		case n.timeoutCh <- dkgTimeout{sessionID: id, token: token}:
		case <-n.shutdownCh:
		}
	})
}

//Shutdown stops the node and closes the transport
func (n *Node) Shutdown() {
	n.stateLock.Lock()
	defer n.stateLock.Unlock()

	if n.state == Shutdown {
		return
	}

	n.logger.Info("Shutdown")
	n.state = Shutdown
	close(n.shutdownCh)
	n.trans.Close()
}

//GetState returns the current node state
func (n *Node) GetState() NodeState {
	n.stateLock.Lock()
	defer n.stateLock.Unlock()
	return n.state
}
