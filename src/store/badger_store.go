package store

import (
	"fmt"
	"os"
	"strings"

	"github.com/dgraph-io/badger"

	"github.com/xorspace/membrane/src/chain"
	cm "github.com/xorspace/membrane/src/common"
	"github.com/xorspace/membrane/src/knowledge"
	"github.com/xorspace/membrane/src/xor"
)

const (
	chainKey      = "chain"
	sapKey        = "sap"
	networkPrefix = "netsap"
	memberPrefix  = "member"
)

// BadgerStore is a persistent Store backed by a badger database. Writes go
// both to an in-memory mirror and to disk; reads are served from memory.
type BadgerStore struct {
	inmemStore *InmemStore
	db         *badger.DB
	path       string
}

// NewBadgerStore opens (or creates) a database at path and loads whatever
// state it holds into the in-memory mirror.
func NewBadgerStore(path string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(path)
	opts.SyncWrites = false
	opts.Logger = nil
	handle, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	store := &BadgerStore{
		inmemStore: NewInmemStore(),
		db:         handle,
		path:       path,
	}
	if err := store.loadAll(); err != nil {
		store.Close()
		return nil, err
	}
	return store, nil
}

// LoadBadgerStore opens an existing database; it fails if path does not
// exist.
func LoadBadgerStore(path string) (*BadgerStore, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, err
	}
	return NewBadgerStore(path)
}

//==============================================================================
//Keys

func networkSAPKey(prefix xor.Prefix) []byte {
	return []byte(fmt.Sprintf("%s_%s", networkPrefix, prefix.String()))
}

func memberKey(name xor.Name) []byte {
	return []byte(fmt.Sprintf("%s_%s", memberPrefix, name.String()))
}

//==============================================================================
//Implement the Store interface

// SetChain implements the Store interface.
func (s *BadgerStore) SetChain(c *chain.SectionChain) error {
	if err := s.inmemStore.SetChain(c); err != nil {
		return err
	}
	val, err := c.Marshal()
	if err != nil {
		return err
	}
	return s.dbSet([]byte(chainKey), val)
}

// GetChain implements the Store interface.
func (s *BadgerStore) GetChain() (*chain.SectionChain, error) {
	return s.inmemStore.GetChain()
}

// SetSAP implements the Store interface.
func (s *BadgerStore) SetSAP(sap knowledge.SignedSAP) error {
	if err := s.inmemStore.SetSAP(sap); err != nil {
		return err
	}
	val, err := sap.Marshal()
	if err != nil {
		return err
	}
	return s.dbSet([]byte(sapKey), val)
}

// GetSAP implements the Store interface.
func (s *BadgerStore) GetSAP() (knowledge.SignedSAP, error) {
	return s.inmemStore.GetSAP()
}

// SetNetworkSAP implements the Store interface.
func (s *BadgerStore) SetNetworkSAP(sap knowledge.SignedSAP) error {
	if err := s.inmemStore.SetNetworkSAP(sap); err != nil {
		return err
	}
	val, err := sap.Marshal()
	if err != nil {
		return err
	}
	return s.dbSet(networkSAPKey(sap.Value.Prefix), val)
}

// NetworkSAPs implements the Store interface.
func (s *BadgerStore) NetworkSAPs() ([]knowledge.SignedSAP, error) {
	return s.inmemStore.NetworkSAPs()
}

// SetMember implements the Store interface.
func (s *BadgerStore) SetMember(member knowledge.SignedNodeState) error {
	if err := s.inmemStore.SetMember(member); err != nil {
		return err
	}
	val, err := member.Marshal()
	if err != nil {
		return err
	}
	return s.dbSet(memberKey(member.Value.Name), val)
}

// GetMember implements the Store interface.
func (s *BadgerStore) GetMember(name xor.Name) (knowledge.SignedNodeState, error) {
	return s.inmemStore.GetMember(name)
}

// Members implements the Store interface.
func (s *BadgerStore) Members() ([]knowledge.SignedNodeState, error) {
	return s.inmemStore.Members()
}

// RemoveMember implements the Store interface.
func (s *BadgerStore) RemoveMember(name xor.Name) error {
	if err := s.inmemStore.RemoveMember(name); err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		err := txn.Delete(memberKey(name))
		if err != nil && isDBKeyNotFound(err) {
			return nil
		}
		return err
	})
}

// Close implements the Store interface.
func (s *BadgerStore) Close() error {
	return s.db.Close()
}

// StorePath implements the Store interface.
func (s *BadgerStore) StorePath() string {
	return s.path
}

//==============================================================================
//DB Methods

func (s *BadgerStore) dbSet(key, val []byte) error {
	tx := s.db.NewTransaction(true)
	defer tx.Discard()

	if err := tx.Set(key, val); err != nil {
		return err
	}

	return tx.Commit()
}

func (s *BadgerStore) dbGet(key []byte) ([]byte, error) {
	var val []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		val, err = item.ValueCopy(nil)
		return err
	})
	return val, err
}

// loadAll walks the database and fills the in-memory mirror.
func (s *BadgerStore) loadAll() error {
	if val, err := s.dbGet([]byte(chainKey)); err == nil {
		c := new(chain.SectionChain)
		if err := c.Unmarshal(val); err != nil {
			return err
		}
		if err := s.inmemStore.SetChain(c); err != nil {
			return err
		}
	} else if !isDBKeyNotFound(err) {
		return err
	}

	if val, err := s.dbGet([]byte(sapKey)); err == nil {
		sap := new(knowledge.SignedSAP)
		if err := sap.Unmarshal(val); err != nil {
			return err
		}
		if err := s.inmemStore.SetSAP(*sap); err != nil {
			return err
		}
	} else if !isDBKeyNotFound(err) {
		return err
	}

	return s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			key := string(item.Key())
			val, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}

			switch {
			case strings.HasPrefix(key, networkPrefix+"_"):
				sap := new(knowledge.SignedSAP)
				if err := sap.Unmarshal(val); err != nil {
					return err
				}
				s.inmemStore.SetNetworkSAP(*sap)
			case strings.HasPrefix(key, memberPrefix+"_"):
				member := new(knowledge.SignedNodeState)
				if err := member.Unmarshal(val); err != nil {
					return err
				}
				s.inmemStore.SetMember(*member)
			}
		}
		return nil
	})
}

//++++++++++++++++++++++++++++++++++++++++++++++++++++++++++++++++++++++++++++++

func isDBKeyNotFound(err error) bool {
	return err.Error() == badger.ErrKeyNotFound.Error()
}

func mapError(err error, name, key string) error {
	if err != nil {
		if isDBKeyNotFound(err) {
			return cm.NewStoreErr(name, cm.KeyNotFound, key)
		}
	}
	return err
}
