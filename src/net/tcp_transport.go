package net

import (
	"bufio"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/ugorji/go/codec"

	"github.com/xorspace/membrane/src/wire"
)

var (
	// ErrTransportShutdown is returned when operations on a transport are
	// invoked after it's been terminated.
	ErrTransportShutdown = errors.New("transport shutdown")
)

// TCPTransport implements the Transport interface over plain TCP with a
// canonical JSON stream per connection. Outbound connections are pooled per
// target.
type TCPTransport struct {
	connPool     map[string][]*tcpConn
	connPoolLock sync.Mutex

	consumerCh chan Envelope

	listener net.Listener
	maxPool  int
	timeout  time.Duration

	shutdown     bool
	shutdownCh   chan struct{}
	shutdownLock sync.Mutex

	logger *logrus.Entry
}

type tcpConn struct {
	target string
	conn   net.Conn
	w      *bufio.Writer
	enc    *codec.Encoder
}

func (c *tcpConn) Release() error {
	return c.conn.Close()
}

// NewTCPTransport creates a new network transport listening on bindAddr.
func NewTCPTransport(
	bindAddr string,
	maxPool int,
	timeout time.Duration,
	logger *logrus.Entry,
) (*TCPTransport, error) {

	list, err := net.Listen("tcp", bindAddr)
	if err != nil {
		return nil, err
	}

	t := &TCPTransport{
		connPool:   make(map[string][]*tcpConn),
		consumerCh: make(chan Envelope, 64),
		listener:   list,
		maxPool:    maxPool,
		timeout:    timeout,
		shutdownCh: make(chan struct{}),
		logger:     logger,
	}

	go t.listen()

	return t, nil
}

// Consumer implements the Transport interface.
func (t *TCPTransport) Consumer() <-chan Envelope {
	return t.consumerCh
}

// LocalAddr implements the Transport interface.
func (t *TCPTransport) LocalAddr() string {
	return t.listener.Addr().String()
}

// Send implements the Transport interface.
func (t *TCPTransport) Send(target string, msg *wire.WireMsg) error {
	conn, err := t.getConn(target)
	if err != nil {
		return err
	}

	if t.timeout > 0 {
		conn.conn.SetWriteDeadline(time.Now().Add(t.timeout))
	}
	if err := conn.enc.Encode(msg); err != nil {
		conn.Release()
		return err
	}
	if err := conn.w.Flush(); err != nil {
		conn.Release()
		return err
	}

	t.returnConn(conn)
	return nil
}

// Close implements the Transport interface.
func (t *TCPTransport) Close() error {
	t.shutdownLock.Lock()
	defer t.shutdownLock.Unlock()

	if !t.shutdown {
		close(t.shutdownCh)
		t.listener.Close()
		t.shutdown = true
	}

	t.connPoolLock.Lock()
	defer t.connPoolLock.Unlock()
	for _, conns := range t.connPool {
		for _, conn := range conns {
			conn.Release()
		}
	}
	t.connPool = make(map[string][]*tcpConn)

	return nil
}

func (t *TCPTransport) getConn(target string) (*tcpConn, error) {
	t.connPoolLock.Lock()
	conns := t.connPool[target]
	if len(conns) > 0 {
		conn := conns[len(conns)-1]
		t.connPool[target] = conns[:len(conns)-1]
		t.connPoolLock.Unlock()
		return conn, nil
	}
	t.connPoolLock.Unlock()

	dialer := &net.Dialer{Timeout: t.timeout}
	conn, err := dialer.Dial("tcp", target)
	if err != nil {
		return nil, err
	}

	w := bufio.NewWriter(conn)
	jh := new(codec.JsonHandle)
	jh.Canonical = true
	return &tcpConn{
		target: target,
		conn:   conn,
		w:      w,
		enc:    codec.NewEncoder(w, jh),
	}, nil
}

func (t *TCPTransport) returnConn(conn *tcpConn) {
	t.connPoolLock.Lock()
	defer t.connPoolLock.Unlock()

	if t.shutdown || len(t.connPool[conn.target]) >= t.maxPool {
		conn.Release()
		return
	}
	t.connPool[conn.target] = append(t.connPool[conn.target], conn)
}

func (t *TCPTransport) listen() {
	for {
		conn, err := t.listener.Accept()
		if err != nil {
			select {
			case <-t.shutdownCh:
				return
			default:
				t.logger.WithError(err).Error("Failed to accept connection")
				continue
			}
		}
		t.logger.WithField("node", conn.RemoteAddr()).Debug("Accepted connection")
		go t.handleConn(conn)
	}
}

// handleConn decodes a stream of wire messages from an inbound connection
// and forwards them to the consumer channel.
func (t *TCPTransport) handleConn(conn net.Conn) {
	defer conn.Close()

	r := bufio.NewReader(conn)
	jh := new(codec.JsonHandle)
	jh.Canonical = true
	dec := codec.NewDecoder(r, jh)

	for {
		msg := new(wire.WireMsg)
		if err := dec.Decode(msg); err != nil {
			select {
			case <-t.shutdownCh:
			default:
				t.logger.WithError(err).Debug("Connection closed")
			}
			return
		}

		select {
		case t.consumerCh <- Envelope{From: conn.RemoteAddr().String(), Msg: msg}:
		case <-t.shutdownCh:
			return
		}
	}
}

// String implements the fmt.Stringer interface.
func (t *TCPTransport) String() string {
	return fmt.Sprintf("TCPTransport(%s)", t.LocalAddr())
}
