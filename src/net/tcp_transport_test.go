package net

import (
	"testing"
	"time"

	"github.com/xorspace/membrane/src/bls"
	"github.com/xorspace/membrane/src/common"
	"github.com/xorspace/membrane/src/knowledge"
	"github.com/xorspace/membrane/src/wire"
	"github.com/xorspace/membrane/src/xor"
)

func testWireMsg() *wire.WireMsg {
	src := knowledge.Peer{Name: xor.RandomName(), Addr: "127.0.0.1:0"}
	dst := wire.Dst{Name: xor.RandomName(), SectionPK: bls.RandomSecretKey().Public()}
	return wire.NewWireMsg(src, dst, wire.Payload{
		Type: wire.TypeNode,
		Node: &wire.NodeMsg{Data: []byte("hello")},
	})
}

func TestTCPTransportSendReceive(t *testing.T) {
	logger := common.NewTestEntry(t)

	trans1, err := NewTCPTransport("127.0.0.1:0", 2, time.Second, logger)
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	defer trans1.Close()

	trans2, err := NewTCPTransport("127.0.0.1:0", 2, time.Second, logger)
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	defer trans2.Close()

	sent := testWireMsg()
	if err := trans1.Send(trans2.LocalAddr(), sent); err != nil {
		t.Fatalf("err: %v", err)
	}

	select {
	case env := <-trans2.Consumer():
		if !env.Msg.ID.Equal(sent.ID) {
			t.Fatalf("message id mismatch")
		}
		if env.Msg.Payload.Type != wire.TypeNode {
			t.Fatalf("payload type mismatch: %v", env.Msg.Payload.Type)
		}
		if string(env.Msg.Payload.Node.Data) != "hello" {
			t.Fatalf("payload data mismatch")
		}
		if !env.Msg.Dst.SectionPK.Equal(sent.Dst.SectionPK) {
			t.Fatalf("section pk mismatch")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for message")
	}
}

func TestInmemTransportSendReceive(t *testing.T) {
	addr1, trans1 := NewInmemTransport("")
	addr2, trans2 := NewInmemTransport("")
	defer trans1.Close()
	defer trans2.Close()

	trans1.Connect(addr2, trans2)
	trans2.Connect(addr1, trans1)

	sent := testWireMsg()
	if err := trans1.Send(addr2, sent); err != nil {
		t.Fatalf("err: %v", err)
	}

	select {
	case env := <-trans2.Consumer():
		if env.From != addr1 {
			t.Fatalf("wrong sender addr: %s", env.From)
		}
		if !env.Msg.ID.Equal(sent.ID) {
			t.Fatalf("message id mismatch")
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for message")
	}

	// Unknown target fails.
	if err := trans1.Send("inmem-unknown", sent); err == nil {
		t.Fatalf("send to unknown peer should fail")
	}
}
