// Identity hiding via Elligator2: a WRAITH static public key, encoded as
// a uniform representative, is indistinguishable from random bytes to a
// passive observer of the handshake's first flight (§4.11 threat model:
// "a censor should not be able to fingerprint the protocol from its
// static key bytes alone"). The field arithmetic is done directly with
// filippo.io/edwards25519/field.Element, the same primitive the rest of
// the X25519 stack in this module is built on, rather than pulling in a
// second curve library just for this map.
package handshake

import (
	"errors"

	"filippo.io/edwards25519/field"
)

// ErrNotRepresentable is returned by ToRepresentative when the given
// Curve25519 public key has no Elligator2 representative (roughly half
// of all points don't; the caller should regenerate the keypair and
// retry, which is the standard Elligator2 usage pattern).
var ErrNotRepresentable = errors.New("handshake: point has no elligator2 representative")

// curve25519A is the Montgomery A coefficient (486662) for Curve25519,
// reduced into the field.
var curve25519A = fieldElementFromUint64(486662)

func fieldElementFromUint64(v uint64) *field.Element {
	var buf [32]byte
	for i := 0; i < 8; i++ {
		buf[i] = byte(v >> (8 * i))
	}
	e, err := new(field.Element).SetBytes(buf[:])
	if err != nil {
		panic(err)
	}
	return e
}

// ToRepresentative computes the Elligator2 uniform representative of a
// Curve25519 public key, suitable for transmission in place of the raw
// key bytes. pub must be the X25519 public key (clamped scalar base
// point multiple) whose u-coordinate is being mapped.
func ToRepresentative(pub [32]byte) ([32]byte, error) {
	var out [32]byte

	u, err := new(field.Element).SetBytes(pub[:])
	if err != nil {
		return out, err
	}

	// v^2 = u^3 + A*u^2 + u  must be a square for u to be representable;
	// when it's a non-square there is no valid representative and the
	// caller must pick a different ephemeral/static key.
	uSq := new(field.Element).Square(u)
	uCubed := new(field.Element).Multiply(uSq, u)
	aUSq := new(field.Element).Multiply(curve25519A, uSq)
	rhs := new(field.Element).Add(uCubed, aUSq)
	rhs.Add(rhs, u)
	if !isSquare(rhs) {
		return out, ErrNotRepresentable
	}

	// r = sqrt(-u / ((u + A) * 2)) is one of the two standard Elligator2
	// inverse-map solutions for Curve25519's choice of non-square 2.
	two := fieldElementFromUint64(2)
	uPlusA := new(field.Element).Add(u, curve25519A)
	denom := new(field.Element).Multiply(uPlusA, two)
	negU := new(field.Element).Negate(u)
	ratio := new(field.Element).Invert(denom)
	ratio.Multiply(ratio, negU)

	r, ok := sqrtField(ratio)
	if !ok {
		return out, ErrNotRepresentable
	}

	// canonicalize to the smaller of {r, -r} so encoding is deterministic.
	neg := new(field.Element).Negate(r)
	if fieldIsNegative(r) {
		r = neg
	}

	copy(out[:], r.Bytes())
	return out, nil
}

// FromRepresentative recovers the Curve25519 public key u-coordinate
// from an Elligator2 representative received over the wire.
func FromRepresentative(repr [32]byte) ([32]byte, error) {
	var out [32]byte
	r, err := new(field.Element).SetBytes(repr[:])
	if err != nil {
		return out, err
	}

	// u = -A / (1 + 2*r^2)
	two := fieldElementFromUint64(2)
	rSq := new(field.Element).Square(r)
	twoRSq := new(field.Element).Multiply(two, rSq)
	one := fieldElementFromUint64(1)
	denom := new(field.Element).Add(one, twoRSq)
	negA := new(field.Element).Negate(curve25519A)

	u := new(field.Element).Invert(denom)
	u.Multiply(u, negA)

	// if u^3 + A*u^2 + u is a non-square, u is not on the curve and the
	// point is the other branch, -A - u.
	uSq := new(field.Element).Square(u)
	rhs := new(field.Element).Multiply(uSq, u)
	rhs.Add(rhs, new(field.Element).Multiply(curve25519A, uSq))
	rhs.Add(rhs, u)
	if !isSquare(rhs) {
		u.Subtract(negA, u)
	}

	copy(out[:], u.Bytes())
	return out, nil
}

// isSquare reports whether e is a quadratic residue mod p, by attempting
// a square root with sqrtField.
func isSquare(e *field.Element) bool {
	_, wasSquare := sqrtField(e)
	return wasSquare
}

// sqrtField returns a square root of e if one exists. field.Element's
// own SqrtRatio implements the variable-time-safe constant-time square
// root used throughout edwards25519; dividing by 1 recovers a plain
// square root.
func sqrtField(e *field.Element) (*field.Element, bool) {
	one := fieldElementFromUint64(1)
	root := new(field.Element)
	_, wasSquare := root.SqrtRatio(e, one)
	return root, wasSquare == 1
}

// fieldIsNegative treats the field element as "negative" if its
// canonical little-endian encoding is numerically greater than its
// negation's encoding, matching the sign convention RFC 7748 uses for
// Elligator2 canonicalization.
func fieldIsNegative(e *field.Element) bool {
	neg := new(field.Element).Negate(e)
	return bytesGreater(e.Bytes(), neg.Bytes())
}

func bytesGreater(a, b []byte) bool {
	for i := len(a) - 1; i >= 0; i-- {
		if a[i] != b[i] {
			return a[i] > b[i]
		}
	}
	return false
}
