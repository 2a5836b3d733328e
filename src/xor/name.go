package xor

import (
	"bytes"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// NameLen is the size of a Name in bytes.
const NameLen = 32

// NameBits is the size of a Name in bits.
const NameBits = NameLen * 8

// Name is a 256-bit number in XOR space. Nodes and data are both addressed by
// Names; the distance between two Names is their bitwise XOR interpreted as a
// big-endian integer.
type Name [NameLen]byte

// FromContent derives a Name from arbitrary content by hashing it.
func FromContent(data []byte) Name {
	var name Name
	copy(name[:], sha256sum(data))
	return name
}

func sha256sum(data []byte) []byte {
	hasher := sha256.New()
	hasher.Write(data)
	return hasher.Sum(nil)
}

// RandomName returns a Name drawn from the built-in CSPRNG. Used for tests and
// for first-node bootstrap.
func RandomName() Name {
	var name Name
	if _, err := rand.Read(name[:]); err != nil {
		panic(fmt.Errorf("failed to read random bytes: %v", err))
	}
	return name
}

// Bit returns the i-th bit of the name, counted from the most significant.
func (n Name) Bit(i uint) bool {
	if i >= NameBits {
		return false
	}
	return n[i/8]&(1<<(7-i%8)) != 0
}

// WithFlippedBit returns a copy of the name with the i-th bit flipped.
func (n Name) WithFlippedBit(i uint) Name {
	if i >= NameBits {
		return n
	}
	n[i/8] ^= 1 << (7 - i%8)
	return n
}

// Xor returns the bitwise XOR of two names.
func (n Name) Xor(other Name) Name {
	var res Name
	for i := 0; i < NameLen; i++ {
		res[i] = n[i] ^ other[i]
	}
	return res
}

// CmpDistance compares the distances of lhs and rhs to target. It returns -1
// if lhs is closer, 1 if rhs is closer, and 0 if they are equidistant (which
// implies lhs == rhs).
func CmpDistance(lhs, rhs, target Name) int {
	ld := lhs.Xor(target)
	rd := rhs.Xor(target)
	return bytes.Compare(ld[:], rd[:])
}

// Equal returns whether two names are identical.
func (n Name) Equal(other Name) bool {
	return n == other
}

// CommonPrefixLen returns the number of leading bits shared with other.
func (n Name) CommonPrefixLen(other Name) uint {
	for i := uint(0); i < NameBits; i++ {
		if n.Bit(i) != other.Bit(i) {
			return i
		}
	}
	return NameBits
}

// MarshalText encodes the name as lowercase hex.
func (n Name) MarshalText() ([]byte, error) {
	return []byte(hex.EncodeToString(n[:])), nil
}

// UnmarshalText decodes a hex string produced by MarshalText.
func (n *Name) UnmarshalText(text []byte) error {
	raw, err := hex.DecodeString(string(text))
	if err != nil {
		return err
	}
	if len(raw) != NameLen {
		return fmt.Errorf("wrong name length %d", len(raw))
	}
	copy(n[:], raw)
	return nil
}

func (n Name) String() string {
	return fmt.Sprintf("%02x%02x%02x..", n[0], n[1], n[2])
}
