package membrane

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/xorspace/membrane/src/bls"
	"github.com/xorspace/membrane/src/crypto/keys"
	"github.com/xorspace/membrane/src/knowledge"
	"github.com/xorspace/membrane/src/net"
	"github.com/xorspace/membrane/src/node"
	"github.com/xorspace/membrane/src/service"
	"github.com/xorspace/membrane/src/store"
)

// Membrane is a struct containing the key parts of a membrane node.
type Membrane struct {
	Config    *Config
	Node      *node.Node
	Transport net.Transport
	Store     store.Store
	Service   *service.Service
}

// NewMembrane is a factory method to create a Membrane from a Config.
func NewMembrane(config *Config) *Membrane {
	return &Membrane{
		Config: config,
	}
}

func (m *Membrane) initKey() error {
	if m.Config.Key == nil {
		keyfile := keys.NewSimpleKeyfile(m.Config.Keyfile())

		privKey, err := keyfile.ReadKey()
		if err != nil {
			m.Config.Logger().Warn("Cannot read private key from file", err)

			privKey, err = keys.GenerateECDSAKey()
			if err != nil {
				m.Config.Logger().Error("Cannot generate a new private key", err)
				return err
			}

			if err := keyfile.WriteKey(privKey); err != nil {
				m.Config.Logger().Error("Cannot write private key to file", err)
				return err
			}

			m.Config.Logger().WithField("file", m.Config.Keyfile()).
				Debug("Generated a new private key")
		}

		m.Config.Key = privKey
	}
	return nil
}

func (m *Membrane) initStore() error {
	if !m.Config.Store {
		m.Store = store.NewInmemStore()

		m.Config.Logger().Debug("Created new in-mem store")

		return nil
	}

	dbDir := m.Config.DatabaseDir

	m.Config.Logger().WithField("path", dbDir).Debug("Attempting to load or create database")

	if m.Config.Genesis {
		badgerStore, err := store.NewBadgerStore(dbDir)
		if err != nil {
			return err
		}
		m.Store = badgerStore

		m.Config.Logger().Debug("Created new badger store from fresh database")

		return nil
	}

	badgerStore, err := store.LoadBadgerStore(dbDir)
	if err != nil {
		return err
	}
	m.Store = badgerStore

	m.Config.Logger().Debug("Loaded badger store from existing database")

	return nil
}

func (m *Membrane) initTransport() error {
	transport, err := net.NewTCPTransport(
		m.Config.BindAddr,
		m.Config.MaxPool,
		m.Config.TCPTimeout,
		m.Config.Logger(),
	)

	if err != nil {
		return err
	}

	m.Transport = transport

	return nil
}

func (m *Membrane) initNode() error {
	validator := node.NewValidator(m.Config.Key, m.Config.Moniker)

	addr := m.Config.AdvertiseAddr
	if addr == "" {
		addr = m.Transport.LocalAddr()
	}

	ourPeer := knowledge.Peer{
		Name: validator.Name(),
		Addr: addr,
	}

	m.Config.Logger().WithFields(logrus.Fields{
		"name": ourPeer.Name.String(),
		"addr": ourPeer.Addr,
	}).Debug("NODE")

	var (
		nk       *knowledge.NetworkKnowledge
		keyShare *bls.SectionKeyShare
		err      error
	)

	if m.Config.Genesis {
		nk, keyShare, err = m.genesisKnowledge(ourPeer)
	} else {
		nk, err = m.loadKnowledge()
	}
	if err != nil {
		return err
	}

	nodeConfig := m.Config.NodeConfig()

	core := node.NewCore(validator, addr, nk, keyShare, m.Store, nodeConfig)

	m.Node = node.NewNode(nodeConfig, validator, core, m.Transport)

	return nil
}

// genesisKnowledge bootstraps the knowledge of the first node of a brand new
// network, and seeds the store with its genesis state.
func (m *Membrane) genesisKnowledge(ourPeer knowledge.Peer) (*knowledge.NetworkKnowledge, *bls.SectionKeyShare, error) {
	nk, share, err := knowledge.FirstNode(ourPeer, uint8(m.Config.JoinAge), m.Config.Logger())
	if err != nil {
		return nil, nil, err
	}

	if err := m.Store.SetChain(nk.Chain()); err != nil {
		return nil, nil, err
	}
	if err := m.Store.SetSAP(nk.SignedSAP()); err != nil {
		return nil, nil, err
	}
	for _, member := range nk.Members() {
		if err := m.Store.SetMember(member); err != nil {
			return nil, nil, err
		}
	}

	return nk, &share, nil
}

// loadKnowledge rebuilds network knowledge from a previous run of this node.
// Everything in the store passed the trust gates before being persisted, so
// network sections are seeded back without their proof chains. The section
// key share is not persisted; until the next handover completes this node
// follows the section without contributing signature shares.
func (m *Membrane) loadKnowledge() (*knowledge.NetworkKnowledge, error) {
	sectionChain, err := m.Store.GetChain()
	if err != nil {
		return nil, fmt.Errorf("loading chain: %s", err)
	}

	signedSAP, err := m.Store.GetSAP()
	if err != nil {
		return nil, fmt.Errorf("loading SAP: %s", err)
	}

	genesisKey := sectionChain.RootKey()

	prefixMap := knowledge.NewPrefixMap(genesisKey)

	networkSAPs, err := m.Store.NetworkSAPs()
	if err != nil {
		return nil, fmt.Errorf("loading network sections: %s", err)
	}
	for _, s := range networkSAPs {
		if !prefixMap.Seed(s) {
			m.Config.Logger().WithField("prefix", s.Value.Prefix.String()).
				Warn("Dropping stored section that no longer verifies")
		}
	}

	nk, err := knowledge.New(genesisKey, sectionChain, signedSAP, prefixMap, m.Config.Logger())
	if err != nil {
		return nil, err
	}

	members, err := m.Store.Members()
	if err != nil {
		return nil, fmt.Errorf("loading members: %s", err)
	}
	nk.MergeMembers(members)

	return nk, nil
}

func (m *Membrane) initService() error {
	if !m.Config.NoService {
		m.Service = service.NewService(m.Config.ServiceAddr, m.Node, m.Config.Logger())
	}
	return nil
}

// Init initialises the different components of a Membrane node in the
// correct order.
func (m *Membrane) Init() error {
	if err := m.initKey(); err != nil {
		return err
	}

	if err := m.initStore(); err != nil {
		return err
	}

	if err := m.initTransport(); err != nil {
		return err
	}

	if err := m.initNode(); err != nil {
		return err
	}

	if err := m.initService(); err != nil {
		return err
	}

	return nil
}

// Run starts the service and the node, and blocks until the node shuts down.
func (m *Membrane) Run() {
	if m.Service != nil {
		go m.Service.Serve()
	}

	m.Node.Run()
}
