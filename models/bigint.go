package models

import (
	"fmt"
	"math/big"
)

// BigInt is an unbounded integer that marshals as a decimal JSON string.
// Difficulty, distance and total distance are carried as BigInt end to end
// and only narrowed where the protocol demands it.
type BigInt struct {
	big.Int
}

// NewBigInt creates a BigInt from an int64.
func NewBigInt(v int64) *BigInt {
	b := &BigInt{}
	b.SetInt64(v)
	return b
}

// NewBigIntFromString parses a BigInt in the given base.
func NewBigIntFromString(s string, base int) (*BigInt, error) {
	b := &BigInt{}
	if _, ok := b.SetString(s, base); !ok {
		return nil, fmt.Errorf("invalid base-%d integer %q", base, s)
	}
	return b, nil
}

// Copy returns an independent copy.
func (b *BigInt) Copy() *BigInt {
	out := &BigInt{}
	out.Set(&b.Int)
	return out
}

// MarshalJSON encodes the value as a decimal string.
func (b *BigInt) MarshalJSON() ([]byte, error) {
	return []byte(`"` + b.String() + `"`), nil
}

// UnmarshalJSON accepts a decimal string or a bare number.
func (b *BigInt) UnmarshalJSON(data []byte) error {
	s := string(data)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	if _, ok := b.SetString(s, 10); !ok {
		return fmt.Errorf("invalid integer %q", s)
	}
	return nil
}
