package lib

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"

	"go.dedis.ch/kyber/v3"
	"go.dedis.ch/kyber/v3/share"
	"golang.org/x/xerrors"
)

// TrusteeStep tracks how far a trustee has advanced through the key
// ceremony. Steps only move forward; abandonment is a stuck ceremony, not a
// transition.
type TrusteeStep int

const (
	// StepConfig is the initial state, right after the trustee is bound to
	// the election.
	StepConfig TrusteeStep = iota
	// StepSecretKey depicts that the trustee generated its key pair and
	// uploaded the public half.
	StepSecretKey
	// StepCertificates depicts that every trustee key is known and the
	// trustee may commit to its polynomial.
	StepCertificates
	// StepCoefficients depicts that the certificate (the Feldman
	// commitments to the polynomial) has been published.
	StepCoefficients
	// StepPoints depicts that the trustee distributed its encrypted secret
	// shares to the other trustees.
	StepPoints
	// StepWaitingDecryptions depicts that the trustee acknowledged the
	// shares it received; the ceremony is over for this trustee.
	StepWaitingDecryptions
	// StepDecryptionsSent depicts that the trustee submitted its partial
	// decryptions for every tally.
	StepDecryptionsSent
)

var stepNames = map[TrusteeStep]string{
	StepConfig:             "config",
	StepSecretKey:          "secret_key",
	StepCertificates:       "certificates",
	StepCoefficients:       "coefficients",
	StepPoints:             "points",
	StepWaitingDecryptions: "waiting_decryptions",
	StepDecryptionsSent:    "decryptions_sent",
}

func (s TrusteeStep) String() string {
	if name, ok := stepNames[s]; ok {
		return name
	}
	return "unknown"
}

// Advance returns the step moved to target, or ErrDuplicateSubmission when
// the trustee resubmits a step already completed.
func (s TrusteeStep) Advance(target TrusteeStep) (TrusteeStep, error) {
	if target <= s {
		return s, xerrors.Errorf("step %v already completed: %w",
			target, ErrDuplicateSubmission)
	}
	if target != s+1 || target > StepDecryptionsSent {
		return s, xerrors.Errorf("cannot move from step %v to %v: %w",
			s, target, ErrInvalidElectionState)
	}
	return target, nil
}

// Trustee is a fixed identity holding one share of the election key.
type Trustee struct {
	UUID string
	// Index is the 1-based evaluation point of the trustee in every secret
	// sharing polynomial.
	Index   int
	Name    string
	LoginID string
	Email   string
}

// Certificate is a trustee's public commitment to its secret polynomial of
// degree threshold-1: the Feldman commitments g^a_k. The first commitment is
// the trustee's contribution to the election key.
type Certificate struct {
	Commits []kyber.Point
}

// PubPoly rebuilds the commitment polynomial over the standard base.
func (c *Certificate) PubPoly() *share.PubPoly {
	return share.NewPubPoly(Suite, nil, c.Commits)
}

// Hash is a digest over the commitments, signed by acknowledgements.
func (c *Certificate) Hash() []byte {
	h := sha256.New()
	for _, p := range c.Commits {
		_, _ = p.MarshalTo(h)
	}
	return h.Sum(nil)
}

// SharedPoint carries the secret share sender computed for recipient,
// encrypted to the recipient's trustee key. The server stores these blobs
// but cannot read them.
type SharedPoint struct {
	Sender    int
	Recipient int
	Point     []byte
}

// Acknowledgement is a trustee's confirmation that the point it received
// from Sender validates against the sender's certificate. The signature is
// issued with the acknowledging trustee's key over AckMessage.
type Acknowledgement struct {
	Sender    int
	Recipient int
	Signature []byte
}

// AckMessage is the payload an acknowledgement signs: the sender's
// certificate digest bound to both ceremony indices.
func AckMessage(sender, recipient int, cert *Certificate) []byte {
	msg := make([]byte, 16)
	binary.LittleEndian.PutUint64(msg, uint64(sender))
	binary.LittleEndian.PutUint64(msg[8:], uint64(recipient))
	return append(msg, cert.Hash()...)
}

// Decryption holds one trustee's partial decryption of one tally: a factor
// and a Chaum-Pedersen transcript per ciphertext. Never mutated once stored.
type Decryption struct {
	Question int
	Group    string
	Type     TallyType

	Factors []kyber.Point
	Proofs  []*DecryptionProof
}

// TrusteeCrypto binds a trustee to one election and carries the evolving
// ceremony state. Created when the ceremony starts, mutated monotonically
// through the steps, never deleted mid-ceremony.
type TrusteeCrypto struct {
	Trustee

	CurrentStep TrusteeStep

	// Key is the trustee's own public key, used to encrypt shared points
	// to this trustee and to verify its acknowledgement signatures.
	Key kyber.Point
	// PublicKeyHash is the published digest of Key.
	PublicKeyHash string

	Certificate      *Certificate
	Acknowledgements []*Acknowledgement

	// VerificationKey is g^x_i for the trustee's combined secret share,
	// derivable from every certificate once the ceremony completes.
	VerificationKey kyber.Point

	Decryptions []*Decryption
}

// HashPoint returns the hex digest of a public key point.
func HashPoint(p kyber.Point) string {
	h := sha256.New()
	_, _ = p.MarshalTo(h)
	return hex.EncodeToString(h.Sum(nil))
}

// Decryption returns the stored partial decryption for a tally slot, or nil.
func (tc *TrusteeCrypto) Decryption(question int, group string) *Decryption {
	for _, d := range tc.Decryptions {
		if d.Question == question && d.Group == group {
			return d
		}
	}
	return nil
}

// CeremonyComplete reports whether every trustee finished the ceremony.
func CeremonyComplete(trustees []*TrusteeCrypto) bool {
	if len(trustees) == 0 {
		return false
	}
	for _, tc := range trustees {
		if tc.CurrentStep < StepWaitingDecryptions {
			return false
		}
	}
	return true
}

// CombinedKey folds every trustee's first commitment into the election key.
// The fold is commutative, so any trustee ordering yields the same key.
func CombinedKey(trustees []*TrusteeCrypto) (*PublicKey, error) {
	if !CeremonyComplete(trustees) {
		return nil, xerrors.Errorf("%d trustees registered: %w",
			len(trustees), ErrCeremonyIncomplete)
	}
	y := Suite.Point().Null()
	for _, tc := range trustees {
		y.Add(y, tc.Certificate.Commits[0])
	}
	return &PublicKey{Y: y}, nil
}

// VerificationKey computes g^x_index from every certificate: the sum of all
// commitment polynomials evaluated at the trustee's index. Any party can
// derive it, so decryption factors are publicly checkable.
func VerificationKey(trustees []*TrusteeCrypto, index int) (kyber.Point, error) {
	v := Suite.Point().Null()
	for _, tc := range trustees {
		if tc.Certificate == nil {
			return nil, xerrors.Errorf("trustee %d has no certificate: %w",
				tc.Index, ErrCeremonyIncomplete)
		}
		// PubPoly.Eval(i) evaluates at x = i+1.
		v.Add(v, tc.Certificate.PubPoly().Eval(index-1).V)
	}
	return v, nil
}
