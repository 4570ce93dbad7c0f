package mse

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/bits"
)

// ErrOverflow is returned by checked U128 arithmetic.
var ErrOverflow = errors.New("u128 overflow")

// U128 is an unsigned 128-bit value, for balance-style amounts that exceed
// 64 bits. Flat encoding is 16 bytes big-endian.
type U128 struct {
	hi, lo uint64
}

func U128From64(v uint64) U128 {
	return U128{lo: v}
}

func U128FromParts(hi, lo uint64) U128 {
	return U128{hi: hi, lo: lo}
}

func (v U128) IsZero() bool {
	return v.hi == 0 && v.lo == 0
}

// Lo64 returns the low 64 bits; ok is false if the value does not fit.
func (v U128) Lo64() (lo uint64, ok bool) {
	return v.lo, v.hi == 0
}

func (v U128) Cmp(other U128) int {
	switch {
	case v.hi != other.hi:
		if v.hi < other.hi {
			return -1
		}
		return 1
	case v.lo != other.lo:
		if v.lo < other.lo {
			return -1
		}
		return 1
	default:
		return 0
	}
}

func (v U128) Add(other U128) (U128, error) {
	lo, carry := bits.Add64(v.lo, other.lo, 0)
	hi, carry := bits.Add64(v.hi, other.hi, carry)
	if carry != 0 {
		return U128{}, ErrOverflow
	}
	return U128{hi: hi, lo: lo}, nil
}

func (v U128) Sub(other U128) (U128, error) {
	lo, borrow := bits.Sub64(v.lo, other.lo, 0)
	hi, borrow := bits.Sub64(v.hi, other.hi, borrow)
	if borrow != 0 {
		return U128{}, ErrOverflow
	}
	return U128{hi: hi, lo: lo}, nil
}

func (v U128) String() string {
	if v.hi == 0 {
		return fmt.Sprintf("%d", v.lo)
	}
	return fmt.Sprintf("0x%016x%016x", v.hi, v.lo)
}

func (v U128) FlatWidth() int {
	return 16
}

func (v U128) MarshalFlat(buf []byte) []byte {
	buf = appendUint64(buf, v.hi)
	return appendUint64(buf, v.lo)
}

func (v *U128) UnmarshalFlat(buf []byte) error {
	if len(buf) != 16 {
		return fmt.Errorf("invalid u128 width %d: %w", len(buf), ErrMalformed)
	}
	v.hi = binary.BigEndian.Uint64(buf[0:8])
	v.lo = binary.BigEndian.Uint64(buf[8:16])
	return nil
}
