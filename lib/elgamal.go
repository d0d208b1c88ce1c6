package lib

import (
	"go.dedis.ch/kyber/v3"
	"go.dedis.ch/kyber/v3/util/random"
	"golang.org/x/xerrors"
)

// Ciphertext is an ElGamal pair (Alpha, Beta) = (g^r, y^r * m).
type Ciphertext struct {
	Alpha kyber.Point
	Beta  kyber.Point
}

// Encrypt performs the ElGamal encryption algorithm on an embedded message.
func Encrypt(public kyber.Point, message []byte) (K, C kyber.Point) {
	M := Suite.Point().Embed(message, random.New())

	// ElGamal-encrypt the point to produce ciphertext (K,C).
	k := Suite.Scalar().Pick(random.New()) // ephemeral private key
	K = Suite.Point().Mul(k, nil)          // ephemeral DH public key
	S := Suite.Point().Mul(k, public)      // ephemeral DH shared secret
	C = S.Add(S, M)                        // message blinded with secret
	return
}

// Decrypt performs the ElGamal decryption algorithm.
func Decrypt(private kyber.Scalar, K, C kyber.Point) kyber.Point {
	S := Suite.Point().Mul(private, K) // regenerate shared secret
	return Suite.Point().Sub(C, S)     // use to un-blind the message
}

// EncryptValue encrypts g^value so that ciphertext products map to sums of
// plaintext values. The ephemeral scalar is returned for proof generation.
func EncryptValue(public kyber.Point, value int64) (*Ciphertext, kyber.Scalar) {
	r := Suite.Scalar().Pick(random.New())
	alpha := Suite.Point().Mul(r, nil)
	beta := Suite.Point().Mul(r, public)
	if value != 0 {
		m := Suite.Point().Mul(Suite.Scalar().SetInt64(value), nil)
		beta.Add(beta, m)
	}
	return &Ciphertext{Alpha: alpha, Beta: beta}, r
}

// NeutralCiphertext is the identity of the homomorphic fold: it encrypts
// zero with zero randomness.
func NeutralCiphertext() *Ciphertext {
	return &Ciphertext{
		Alpha: Suite.Point().Null(),
		Beta:  Suite.Point().Null(),
	}
}

// Fold multiplies other into c, adding the plaintext values.
func (c *Ciphertext) Fold(other *Ciphertext) {
	c.Alpha.Add(c.Alpha, other.Alpha)
	c.Beta.Add(c.Beta, other.Beta)
}

// Weighted returns the ciphertext exponentiated by weight, multiplying the
// plaintext value. The receiver is left untouched.
func (c *Ciphertext) Weighted(weight int64) *Ciphertext {
	w := Suite.Scalar().SetInt64(weight)
	return &Ciphertext{
		Alpha: Suite.Point().Mul(w, c.Alpha),
		Beta:  Suite.Point().Mul(w, c.Beta),
	}
}

// Clone returns a deep copy of the ciphertext.
func (c *Ciphertext) Clone() *Ciphertext {
	return &Ciphertext{
		Alpha: Suite.Point().Set(c.Alpha),
		Beta:  Suite.Point().Set(c.Beta),
	}
}

// RecoverValue solves the bounded discrete logarithm of m, walking the
// exponents 0..max. Tallies are small integers relative to the group order,
// so the walk is the standard decoding for exponential ElGamal.
func RecoverValue(m kyber.Point, max int64) (int64, error) {
	acc := Suite.Point().Null()
	base := Suite.Point().Base()
	for v := int64(0); v <= max; v++ {
		if acc.Equal(m) {
			return v, nil
		}
		acc.Add(acc, base)
	}
	return 0, xerrors.Errorf("no discrete log below %d", max)
}
