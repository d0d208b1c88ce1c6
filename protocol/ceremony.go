// Package protocol implements the client-side cryptography of an election:
// the material each trustee keeps on its own machine during the key
// ceremony, the partial decryptions it later produces, and the ballot
// encryption performed by voters. Nothing in this package touches the
// server store; payloads are handed to the service operations.
package protocol

import (
	"crypto/sha256"

	"go.dedis.ch/kyber/v3"
	"go.dedis.ch/kyber/v3/encrypt/ecies"
	"go.dedis.ch/kyber/v3/share"
	"go.dedis.ch/kyber/v3/sign/schnorr"
	"go.dedis.ch/kyber/v3/util/random"
	"golang.org/x/xerrors"

	"github.com/clcert/psifos/lib"
)

// TrusteeKit holds one trustee's private ceremony material. It never leaves
// the trustee's control; only derived public values (certificate, encrypted
// points, acknowledgements) are submitted to the server.
type TrusteeKit struct {
	// Index is the trustee's 1-based ceremony index.
	Index int
	// Public is the trustee's own key, uploaded at the secret_key step.
	Public kyber.Point

	secret kyber.Scalar
	poly   *share.PriPoly
	xi     kyber.Scalar
}

// NewTrusteeKit generates the trustee's key pair (ceremony step 1).
func NewTrusteeKit(index int) *TrusteeKit {
	secret, public := lib.RandomKeyPair()
	return &TrusteeKit{Index: index, Public: public, secret: secret}
}

// GenerateCertificate picks the secret polynomial of degree threshold-1 and
// returns the Feldman commitments to its coefficients (step 2 to 3). The
// polynomial itself stays inside the kit.
func (k *TrusteeKit) GenerateCertificate(threshold int) (*lib.Certificate, error) {
	if k.poly != nil {
		return nil, xerrors.Errorf("certificate for trustee %d: %w",
			k.Index, lib.ErrDuplicateSubmission)
	}
	k.poly = share.NewPriPoly(lib.Suite, threshold, nil, random.New())
	_, commits := k.poly.Commit(nil).Info()
	return &lib.Certificate{Commits: commits}, nil
}

// ComputePoints evaluates the polynomial at every trustee's index and
// encrypts each point to its recipient (step 3 to 4). The server relays the
// blobs but cannot read them.
func (k *TrusteeKit) ComputePoints(trustees []*lib.TrusteeCrypto) ([]*lib.SharedPoint, error) {
	if k.poly == nil {
		return nil, xerrors.Errorf("trustee %d has no polynomial yet: %w",
			k.Index, lib.ErrInvalidElectionState)
	}
	points := make([]*lib.SharedPoint, 0, len(trustees))
	for _, tc := range trustees {
		if tc.Key == nil {
			return nil, xerrors.Errorf("trustee %d has no key: %w",
				tc.Index, lib.ErrCeremonyIncomplete)
		}
		// PriPoly.Eval(i) evaluates at x = i+1.
		eval := k.poly.Eval(tc.Index - 1)
		buf, err := eval.V.MarshalBinary()
		if err != nil {
			return nil, xerrors.Errorf("marshalling point: %v", err)
		}
		blob, err := ecies.Encrypt(lib.Suite, tc.Key, buf, sha256.New)
		if err != nil {
			return nil, xerrors.Errorf("encrypting point for trustee %d: %v",
				tc.Index, err)
		}
		points = append(points, &lib.SharedPoint{
			Sender:    k.Index,
			Recipient: tc.Index,
			Point:     blob,
		})
	}
	return points, nil
}

// Acknowledge decrypts the points addressed to this trustee and checks each
// against its sender's certificate, Feldman style: g^point must equal the
// sender's commitment polynomial evaluated at this trustee's index (step 4
// to 5). On success the kit accumulates its combined secret share and signs
// one acknowledgement per sender. A failed check is reported as an
// InvalidShare naming the sender, so the points can be re-issued.
func (k *TrusteeKit) Acknowledge(points []*lib.SharedPoint,
	trustees []*lib.TrusteeCrypto) ([]*lib.Acknowledgement, error) {

	if len(points) != len(trustees) {
		return nil, xerrors.Errorf("received %d points for %d trustees: %w",
			len(points), len(trustees), lib.ErrCeremonyIncomplete)
	}

	certs := make(map[int]*lib.Certificate, len(trustees))
	for _, tc := range trustees {
		if tc.Certificate == nil {
			return nil, xerrors.Errorf("trustee %d has no certificate: %w",
				tc.Index, lib.ErrCeremonyIncomplete)
		}
		certs[tc.Index] = tc.Certificate
	}

	xi := lib.Suite.Scalar().Zero()
	acks := make([]*lib.Acknowledgement, 0, len(points))
	for _, sp := range points {
		if sp.Recipient != k.Index {
			return nil, xerrors.Errorf("point from %d addressed to %d, not %d: %w",
				sp.Sender, sp.Recipient, k.Index, lib.ErrInvalidShare)
		}
		cert, ok := certs[sp.Sender]
		if !ok {
			return nil, xerrors.Errorf("point from unknown trustee %d: %w",
				sp.Sender, lib.ErrInvalidShare)
		}

		buf, err := ecies.Decrypt(lib.Suite, k.secret, sp.Point, sha256.New)
		if err != nil {
			return nil, xerrors.Errorf("point from trustee %d: %v: %w",
				sp.Sender, err, lib.ErrInvalidShare)
		}
		v := lib.Suite.Scalar()
		if err := v.UnmarshalBinary(buf); err != nil {
			return nil, xerrors.Errorf("point from trustee %d: %v: %w",
				sp.Sender, err, lib.ErrInvalidShare)
		}

		expected := cert.PubPoly().Eval(k.Index - 1).V
		if !lib.Suite.Point().Mul(v, nil).Equal(expected) {
			return nil, xerrors.Errorf("point from trustee %d fails the "+
				"commitment check: %w", sp.Sender, lib.ErrInvalidShare)
		}

		sig, err := schnorr.Sign(lib.Suite, k.secret,
			lib.AckMessage(sp.Sender, k.Index, cert))
		if err != nil {
			return nil, xerrors.Errorf("signing acknowledgement: %v", err)
		}
		acks = append(acks, &lib.Acknowledgement{
			Sender:    sp.Sender,
			Recipient: k.Index,
			Signature: sig,
		})
		xi.Add(xi, v)
	}

	k.xi = xi
	return acks, nil
}

// SecretShare returns the trustee's combined secret share, available once
// every point has been acknowledged.
func (k *TrusteeKit) SecretShare() (kyber.Scalar, error) {
	if k.xi == nil {
		return nil, xerrors.Errorf("trustee %d has not acknowledged its "+
			"points: %w", k.Index, lib.ErrCeremonyIncomplete)
	}
	return k.xi, nil
}

// VerificationKey returns g^x_i for the trustee's combined share. It must
// match the key every other party derives from the certificates.
func (k *TrusteeKit) VerificationKey() (kyber.Point, error) {
	xi, err := k.SecretShare()
	if err != nil {
		return nil, err
	}
	return lib.Suite.Point().Mul(xi, nil), nil
}
