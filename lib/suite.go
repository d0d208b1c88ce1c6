package lib

import (
	"go.dedis.ch/kyber/v3"
	"go.dedis.ch/kyber/v3/group/edwards25519"
	"go.dedis.ch/kyber/v3/xof/blake2xb"
)

var (
	// Suite is the Ed25519 curve. Every ciphertext, commitment and proof
	// of an election lives in this group.
	Suite = edwards25519.NewBlakeSHA256Ed25519WithRand(blake2xb.New(nil))
	// Stream is used to generate random curve points and scalars.
	Stream = Suite.RandomStream()
)

// RandomKeyPair creates a random public/private Diffie-Hellman key pair.
func RandomKeyPair() (x kyber.Scalar, X kyber.Point) {
	x = Suite.Scalar().Pick(Stream)
	X = Suite.Point().Mul(x, nil)
	return
}
