package node

import (
	"testing"
	"time"

	"github.com/xorspace/membrane/src/bls"
	"github.com/xorspace/membrane/src/knowledge"
	"github.com/xorspace/membrane/src/net"
	"github.com/xorspace/membrane/src/store"
	"github.com/xorspace/membrane/src/xor"
)

// startTestNodes builds n nodes of the same section connected by in-memory
// transports, all at the same chain tip.
func startTestNodes(t *testing.T, conf *Config, count int) []*Node {
	validators := make([]*Validator, count)
	transports := make([]*net.InmemTransport, count)
	addrs := make([]string, count)
	elders := make([]knowledge.Peer, count)

	for i := 0; i < count; i++ {
		validators[i] = newTestValidator(t)
		addr, trans := net.NewInmemTransport("")
		transports[i] = trans
		addrs[i] = addr
		elders[i] = knowledge.Peer{Name: validators[i].Name(), Addr: addr}
	}

	for i := range transports {
		for j := range transports {
			if i != j {
				transports[i].Connect(addrs[j], transports[j])
			}
		}
	}

	keySets := []bls.SecretKeySet{bls.RandomSecretKeySet(0)}

	nodes := make([]*Node, count)
	for i := 0; i < count; i++ {
		nk := buildKnowledge(t, conf, xor.EmptyPrefix, elders, keySets, 0)
		core := NewCore(validators[i], addrs[i], nk, keyShareOf(keySets[0]), store.NewInmemStore(), conf)
		nodes[i] = NewNode(conf, validators[i], core, transports[i])
		nodes[i].RunAsync()
	}

	return nodes
}

func shutdownNodes(nodes []*Node) {
	for _, n := range nodes {
		n.Shutdown()
	}
}

func TestSubmitDelivers(t *testing.T) {
	conf := TestConfig(t)
	nodes := startTestNodes(t, conf, 2)
	defer shutdownNodes(nodes)

	target := nodes[1].Core().OurPeer().Name
	if err := nodes[0].Submit(target, []byte("hello")); err != nil {
		t.Fatalf("err: %v", err)
	}

	select {
	case got := <-nodes[1].Rcv():
		if string(got.Data) != "hello" {
			t.Fatalf("wrong payload: %s", got.Data)
		}
		if got.From.Name != nodes[0].Core().OurPeer().Name {
			t.Fatalf("wrong sender")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for delivery")
	}
}

// A stale sender is corrected over the wire: the target bounces a Retry, the
// sender learns the new key and the resent message is delivered.
func TestStaleSenderRepairedOverTransport(t *testing.T) {
	conf := TestConfig(t)

	vA := newTestValidator(t)
	vB := newTestValidator(t)
	addrA, transA := net.NewInmemTransport("")
	addrB, transB := net.NewInmemTransport("")
	transA.Connect(addrB, transB)
	transB.Connect(addrA, transA)

	peerA := knowledge.Peer{Name: vA.Name(), Addr: addrA}
	peerB := knowledge.Peer{Name: vB.Name(), Addr: addrB}
	elders := []knowledge.Peer{peerA, peerB}

	keySets := []bls.SecretKeySet{
		bls.RandomSecretKeySet(0),
		bls.RandomSecretKeySet(0),
	}

	nodeA := NewNode(conf, vA,
		NewCore(vA, addrA, buildKnowledge(t, conf, xor.EmptyPrefix, elders, keySets[:1], 0),
			keyShareOf(keySets[0]), store.NewInmemStore(), conf), transA)
	nodeB := NewNode(conf, vB,
		NewCore(vB, addrB, buildKnowledge(t, conf, xor.EmptyPrefix, elders, keySets, 1),
			keyShareOf(keySets[1]), store.NewInmemStore(), conf), transB)
	defer nodeA.Shutdown()
	defer nodeB.Shutdown()
	nodeA.RunAsync()
	nodeB.RunAsync()

	// A still believes the genesis key is current.
	if err := nodeA.Submit(peerB.Name, []byte("catch-up")); err != nil {
		t.Fatalf("err: %v", err)
	}

	select {
	case got := <-nodeB.Rcv():
		if string(got.Data) != "catch-up" {
			t.Fatalf("wrong payload: %s", got.Data)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for repaired delivery")
	}
}
