package net

import (
	"github.com/xorspace/membrane/src/wire"
)

// Envelope is an inbound message plus the transport address it arrived from.
type Envelope struct {
	From string
	Msg  *wire.WireMsg
}

// Transport provides a network interface for exchanging wire messages with
// other nodes. Implementations deliver inbound traffic on the consumer
// channel; the owner drains it into its command processor.
type Transport interface {
	// Consumer returns a channel that can be used to consume inbound
	// messages.
	Consumer() <-chan Envelope

	// LocalAddr is used to return our local address to distinguish from our
	// peers.
	LocalAddr() string

	// Send delivers one message to a target address.
	Send(target string, msg *wire.WireMsg) error

	// Close permanently closes the transport.
	Close() error
}
