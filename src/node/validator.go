package node

import (
	"crypto/ecdsa"

	"github.com/xorspace/membrane/src/crypto/keys"
	"github.com/xorspace/membrane/src/xor"
)

//Validator struct holds information about the validator for a node
type Validator struct {
	Key     *ecdsa.PrivateKey
	Moniker string

	name     *xor.Name
	pubBytes []byte
	pubHex   string
}

//NewValidator is a factory method for a Validator
func NewValidator(key *ecdsa.PrivateKey, moniker string) *Validator {
	return &Validator{
		Key:     key,
		Moniker: moniker,
	}
}

//Name returns the validator's XOR-space name, derived from its public key
func (v *Validator) Name() xor.Name {
	if v.name == nil {
		name := xor.FromContent(v.PublicKeyBytes())
		v.name = &name
	}
	return *v.name
}

//PublicKeyBytes returns the validator's public key as a byte array
func (v *Validator) PublicKeyBytes() []byte {
	if v.pubBytes == nil || len(v.pubBytes) == 0 {
		v.pubBytes = keys.FromPublicKey(&v.Key.PublicKey)
	}
	return v.pubBytes
}

//PublicKeyHex returns the validator's public key as a hex string
func (v *Validator) PublicKeyHex() string {
	if len(v.pubHex) == 0 {
		v.pubHex = keys.PublicKeyHex(&v.Key.PublicKey)
	}
	return v.pubHex
}
