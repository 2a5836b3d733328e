package membrane

import (
	"testing"

	"github.com/xorspace/membrane/src/crypto/keys"
	"github.com/xorspace/membrane/src/knowledge"
	"github.com/xorspace/membrane/src/node"
	"github.com/xorspace/membrane/src/store"
	"github.com/xorspace/membrane/src/xor"
)

func testConfig(t *testing.T) *Config {
	key, err := keys.GenerateECDSAKey()
	if err != nil {
		t.Fatalf("err: %v", err)
	}

	config := NewTestConfig(t)
	config.Key = key
	config.BindAddr = "127.0.0.1:0"
	config.NoService = true

	return config
}

func TestInitGenesis(t *testing.T) {
	config := testConfig(t)
	config.Genesis = true

	engine := NewMembrane(config)

	if err := engine.Init(); err != nil {
		t.Fatalf("err: %v", err)
	}
	defer engine.Node.Shutdown()

	core := engine.Node.Core()

	if !core.Knowledge().Prefix().Equal(xor.EmptyPrefix) {
		t.Fatalf("genesis prefix should be %s, not %s",
			xor.EmptyPrefix, core.Knowledge().Prefix())
	}

	if core.KeyShare() == nil {
		t.Fatal("genesis node should hold a section key share")
	}

	if len(core.Knowledge().Elders()) != 1 {
		t.Fatalf("genesis section should have 1 elder, not %d",
			len(core.Knowledge().Elders()))
	}

	// The genesis state must have been persisted.
	storedChain, err := engine.Store.GetChain()
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if !storedChain.RootKey().Equal(core.Knowledge().GenesisKey()) {
		t.Fatal("stored chain root should be the genesis key")
	}
}

func TestReloadKnowledge(t *testing.T) {
	config := testConfig(t)
	config.Genesis = true

	engine := NewMembrane(config)
	engine.Store = store.NewInmemStore()

	validator := node.NewValidator(config.Key, "")
	ourPeer := knowledge.Peer{Name: validator.Name(), Addr: "127.0.0.1:2377"}

	nk, _, err := engine.genesisKnowledge(ourPeer)
	if err != nil {
		t.Fatalf("err: %v", err)
	}

	reloaded, err := engine.loadKnowledge()
	if err != nil {
		t.Fatalf("err: %v", err)
	}

	if !reloaded.GenesisKey().Equal(nk.GenesisKey()) {
		t.Fatal("reloaded genesis key should match")
	}
	if !reloaded.SectionKey().Equal(nk.SectionKey()) {
		t.Fatal("reloaded section key should match")
	}
	if len(reloaded.Members()) != len(nk.Members()) {
		t.Fatalf("reloaded members should be %d, not %d",
			len(nk.Members()), len(reloaded.Members()))
	}
	if !reloaded.IsElder(validator.Name()) {
		t.Fatal("reloaded knowledge should keep us as elder")
	}
}
