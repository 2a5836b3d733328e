package xor

import (
	"fmt"
	"strings"
)

// Prefix identifies a region of XOR space: all names whose first BitCount bits
// equal the prefix's name bits. A section owns exactly one prefix.
type Prefix struct {
	name     Name
	bitCount uint
}

// EmptyPrefix is the prefix of the whole name space.
var EmptyPrefix = Prefix{}

// NewPrefix builds a prefix from the first bitCount bits of name. Trailing
// bits are zeroed so that equal prefixes compare equal.
func NewPrefix(name Name, bitCount uint) Prefix {
	if bitCount > NameBits {
		bitCount = NameBits
	}
	return Prefix{name: canonical(name, bitCount), bitCount: bitCount}
}

// ParsePrefix parses a string of '0' and '1' characters. Used in tests and in
// log output round-trips.
func ParsePrefix(s string) (Prefix, error) {
	p := Prefix{}
	for _, c := range s {
		switch c {
		case '0':
			p = p.Pushed(false)
		case '1':
			p = p.Pushed(true)
		default:
			return Prefix{}, fmt.Errorf("invalid character %q in prefix", c)
		}
	}
	return p, nil
}

func canonical(name Name, bitCount uint) Name {
	var res Name
	fullBytes := bitCount / 8
	copy(res[:fullBytes], name[:fullBytes])
	if rem := bitCount % 8; rem != 0 {
		mask := byte(0xff) << (8 - rem)
		res[fullBytes] = name[fullBytes] & mask
	}
	return res
}

// Name returns the canonical name of the prefix (trailing bits zero).
func (p Prefix) Name() Name {
	return p.name
}

// BitCount returns the length of the prefix in bits.
func (p Prefix) BitCount() uint {
	return p.bitCount
}

// IsEmpty returns whether this is the prefix of the whole name space.
func (p Prefix) IsEmpty() bool {
	return p.bitCount == 0
}

// Matches returns whether the name falls within this prefix.
func (p Prefix) Matches(name Name) bool {
	return canonical(name, p.bitCount) == p.name
}

// Pushed returns the child prefix extended with one bit.
func (p Prefix) Pushed(bit bool) Prefix {
	if p.bitCount >= NameBits {
		return p
	}
	name := p.name
	if bit {
		name = name.WithFlippedBit(p.bitCount)
	}
	return Prefix{name: name, bitCount: p.bitCount + 1}
}

// Popped returns the parent prefix, one bit shorter.
func (p Prefix) Popped() Prefix {
	if p.bitCount == 0 {
		return p
	}
	return NewPrefix(p.name, p.bitCount-1)
}

// Sibling returns the prefix with the last bit flipped.
func (p Prefix) Sibling() Prefix {
	if p.bitCount == 0 {
		return p
	}
	return Prefix{name: p.name.WithFlippedBit(p.bitCount - 1), bitCount: p.bitCount}
}

// IsPrefixOf returns whether every name matched by other is also matched by p.
func (p Prefix) IsPrefixOf(other Prefix) bool {
	return p.bitCount <= other.bitCount && p.Matches(other.name)
}

// IsStrictPrefixOf is IsPrefixOf excluding equality.
func (p Prefix) IsStrictPrefixOf(other Prefix) bool {
	return p.bitCount < other.bitCount && p.Matches(other.name)
}

// IsCompatible returns whether the two prefixes overlap, i.e. one is a prefix
// of the other.
func (p Prefix) IsCompatible(other Prefix) bool {
	return p.IsPrefixOf(other) || other.IsPrefixOf(p)
}

// Equal returns whether two prefixes are identical.
func (p Prefix) Equal(other Prefix) bool {
	return p.bitCount == other.bitCount && p.name == other.name
}

// Substituted returns the closest name to target that falls within the prefix:
// the prefix bits followed by target's remaining bits.
func (p Prefix) Substituted(target Name) Name {
	res := target
	for i := uint(0); i < p.bitCount; i++ {
		if res.Bit(i) != p.name.Bit(i) {
			res = res.WithFlippedBit(i)
		}
	}
	return res
}

// CmpDistance compares which of the two prefixes contains names closer to
// target. Returns -1 if p is closer, 1 if other is closer, 0 if equal.
func (p Prefix) CmpDistance(other Prefix, target Name) int {
	return CmpDistance(p.Substituted(target), other.Substituted(target), target)
}

// MarshalText encodes the prefix as its bit string.
func (p Prefix) MarshalText() ([]byte, error) {
	if p.bitCount == 0 {
		return []byte{}, nil
	}
	return []byte(p.String()), nil
}

// UnmarshalText parses a bit string produced by MarshalText.
func (p *Prefix) UnmarshalText(text []byte) error {
	parsed, err := ParsePrefix(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

func (p Prefix) String() string {
	var b strings.Builder
	for i := uint(0); i < p.bitCount; i++ {
		if p.name.Bit(i) {
			b.WriteByte('1')
		} else {
			b.WriteByte('0')
		}
	}
	if b.Len() == 0 {
		return "()"
	}
	return b.String()
}
