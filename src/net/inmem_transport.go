package net

import (
	"fmt"
	"sync"
	"time"

	"github.com/xorspace/membrane/src/wire"
)

var inmemAddrSeq int
var inmemAddrLock sync.Mutex

// NewInmemAddr returns a new in-memory addr with a generated sequence id.
func NewInmemAddr() string {
	inmemAddrLock.Lock()
	defer inmemAddrLock.Unlock()
	inmemAddrSeq++
	return fmt.Sprintf("inmem-%d", inmemAddrSeq)
}

// InmemTransport implements the Transport interface, to allow membrane to be
// tested in-memory without going over a network.
type InmemTransport struct {
	sync.RWMutex
	consumerCh chan Envelope
	localAddr  string
	peers      map[string]*InmemTransport
	timeout    time.Duration
}

// NewInmemTransport is used to initialize a new transport and generates a
// random local address if none is specified.
func NewInmemTransport(addr string) (string, *InmemTransport) {
	if addr == "" {
		addr = NewInmemAddr()
	}
	trans := &InmemTransport{
		consumerCh: make(chan Envelope, 64),
		localAddr:  addr,
		peers:      make(map[string]*InmemTransport),
		timeout:    50 * time.Millisecond,
	}
	return addr, trans
}

// Consumer implements the Transport interface.
func (i *InmemTransport) Consumer() <-chan Envelope {
	return i.consumerCh
}

// LocalAddr implements the Transport interface.
func (i *InmemTransport) LocalAddr() string {
	return i.localAddr
}

// Send implements the Transport interface.
func (i *InmemTransport) Send(target string, msg *wire.WireMsg) error {
	i.RLock()
	peer, ok := i.peers[target]
	i.RUnlock()
	if !ok {
		return fmt.Errorf("failed to connect to peer: %v", target)
	}

	// Copy through the wire form so the receiver cannot share memory with
	// the sender.
	data, err := msg.Marshal()
	if err != nil {
		return err
	}
	delivered := new(wire.WireMsg)
	if err := delivered.Unmarshal(data); err != nil {
		return err
	}

	select {
	case peer.consumerCh <- Envelope{From: i.localAddr, Msg: delivered}:
		return nil
	case <-time.After(i.timeout):
		return fmt.Errorf("send to %v timed out", target)
	}
}

// Connect is used to connect this transport to another transport for a given
// peer name. This allows for local routing.
func (i *InmemTransport) Connect(peer string, t Transport) {
	trans := t.(*InmemTransport)
	i.Lock()
	defer i.Unlock()
	i.peers[peer] = trans
}

// Disconnect is used to remove the ability to route to a given peer.
func (i *InmemTransport) Disconnect(peer string) {
	i.Lock()
	defer i.Unlock()
	delete(i.peers, peer)
}

// DisconnectAll is used to remove all routes to peers.
func (i *InmemTransport) DisconnectAll() {
	i.Lock()
	defer i.Unlock()
	i.peers = make(map[string]*InmemTransport)
}

// Close is used to permanently disable the transport.
func (i *InmemTransport) Close() error {
	i.DisconnectAll()
	return nil
}
