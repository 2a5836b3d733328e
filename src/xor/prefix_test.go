package xor

import (
	"testing"
)

func TestPrefixMatches(t *testing.T) {
	name := Name{0xb0} // 10110000...

	tests := []struct {
		prefix  string
		matches bool
	}{
		{"", true},
		{"1", true},
		{"10", true},
		{"101", true},
		{"1011", true},
		{"0", false},
		{"11", false},
		{"1010", false},
	}

	for _, tt := range tests {
		p, err := ParsePrefix(tt.prefix)
		if err != nil {
			t.Fatalf("err: %v", err)
		}
		if p.Matches(name) != tt.matches {
			t.Fatalf("prefix %q Matches(%v) = %v, want %v", tt.prefix, name, !tt.matches, tt.matches)
		}
	}
}

func TestPrefixPushedPopped(t *testing.T) {
	p, _ := ParsePrefix("10")

	if got := p.Pushed(true).String(); got != "101" {
		t.Fatalf("Pushed(true) = %s", got)
	}
	if got := p.Pushed(false).String(); got != "100" {
		t.Fatalf("Pushed(false) = %s", got)
	}
	if got := p.Popped().String(); got != "1" {
		t.Fatalf("Popped() = %s", got)
	}
	if got := p.Sibling().String(); got != "11" {
		t.Fatalf("Sibling() = %s", got)
	}
}

func TestPrefixCompatibility(t *testing.T) {
	p1, _ := ParsePrefix("10")
	p2, _ := ParsePrefix("101")
	p3, _ := ParsePrefix("11")

	if !p1.IsStrictPrefixOf(p2) {
		t.Fatal("10 should be a strict prefix of 101")
	}
	if p1.IsStrictPrefixOf(p1) {
		t.Fatal("a prefix is not a strict prefix of itself")
	}
	if !p1.IsCompatible(p2) || p1.IsCompatible(p3) {
		t.Fatal("compatibility broken")
	}
}

func TestPrefixCmpDistance(t *testing.T) {
	target := Name{0xff}

	p1, _ := ParsePrefix("1")
	p0, _ := ParsePrefix("0")

	if p1.CmpDistance(p0, target) != -1 {
		t.Fatal("prefix 1 should be closer to 0xff.. than prefix 0")
	}
	if p0.CmpDistance(p1, target) != 1 {
		t.Fatal("prefix 0 should be further from 0xff.. than prefix 1")
	}
	if p1.CmpDistance(p1, target) != 0 {
		t.Fatal("a prefix is equidistant to itself")
	}
}

func TestCmpDistance(t *testing.T) {
	target := Name{}
	near := Name{0x01}
	far := Name{0x80}

	if CmpDistance(near, far, target) != -1 {
		t.Fatal("0x01.. should be closer to zero than 0x80..")
	}
	if CmpDistance(far, near, target) != 1 {
		t.Fatal("0x80.. should be further from zero than 0x01..")
	}
}

func TestCommonPrefixLen(t *testing.T) {
	a := Name{0xf0}
	b := Name{0xf8}

	if got := a.CommonPrefixLen(b); got != 4 {
		t.Fatalf("CommonPrefixLen = %d, want 4", got)
	}
	if got := a.CommonPrefixLen(a); got != NameBits {
		t.Fatalf("CommonPrefixLen with self = %d, want %d", got, NameBits)
	}
}
