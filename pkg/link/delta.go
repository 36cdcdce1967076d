package link

import (
	"fmt"
	"math/big"
)

// DeltaSize is the wire width of a physics delta: a signed 128-bit
// integer, big-endian two's complement.
const DeltaSize = 16

// Delta is a signed 128-bit conserved-quantity change.
type Delta [DeltaSize]byte

var (
	deltaMod = new(big.Int).Lsh(big.NewInt(1), 128)
	deltaMax = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 127), big.NewInt(1))
	deltaMin = new(big.Int).Neg(new(big.Int).Lsh(big.NewInt(1), 127))
)

// DeltaFromBig encodes v, failing when v is outside [-2^127, 2^127-1].
func DeltaFromBig(v *big.Int) (Delta, error) {
	var d Delta
	if v.Cmp(deltaMin) < 0 || v.Cmp(deltaMax) > 0 {
		return d, fmt.Errorf("physics delta %s overflows 128 bits", v)
	}
	enc := v
	if v.Sign() < 0 {
		enc = new(big.Int).Add(deltaMod, v)
	}
	enc.FillBytes(d[:])
	return d, nil
}

// DeltaFromInt64 encodes a small delta.
func DeltaFromInt64(v int64) Delta {
	d, _ := DeltaFromBig(big.NewInt(v))
	return d
}

// ParseDelta decodes a decimal string.
func ParseDelta(s string) (Delta, error) {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return Delta{}, fmt.Errorf("malformed physics delta %q", s)
	}
	return DeltaFromBig(v)
}

// Big decodes the two's-complement value.
func (d Delta) Big() *big.Int {
	v := new(big.Int).SetBytes(d[:])
	if d[0]&0x80 != 0 {
		v.Sub(v, deltaMod)
	}
	return v
}

// IsZero reports whether the delta is exactly zero.
func (d Delta) IsZero() bool {
	return d == Delta{}
}

// Sign returns -1, 0, or +1.
func (d Delta) Sign() int {
	if d.IsZero() {
		return 0
	}
	if d[0]&0x80 != 0 {
		return -1
	}
	return 1
}

// String renders the decimal value.
func (d Delta) String() string {
	return d.Big().String()
}
