package lib

import (
	"go.dedis.ch/kyber/v3"
	"go.dedis.ch/kyber/v3/proof/dleq"
	"go.dedis.ch/kyber/v3/share"
	"golang.org/x/xerrors"
)

// DecryptionProof is a Chaum-Pedersen transcript showing that a decryption
// factor was produced with the secret share behind the trustee's
// verification key: log_G(vk) = log_Alpha(factor).
type DecryptionProof struct {
	C  kyber.Scalar
	R  kyber.Scalar
	VG kyber.Point
	VH kyber.Point
}

// NewDecryptionProof partially decrypts one ciphertext with the secret
// share x, returning the factor Alpha^x together with its transcript.
func NewDecryptionProof(c *Ciphertext, x kyber.Scalar) (*DecryptionProof, kyber.Point, error) {
	p, _, factor, err := dleq.NewDLEQProof(Suite, Suite.Point().Base(), c.Alpha, x)
	if err != nil {
		return nil, nil, xerrors.Errorf("dleq proof: %v", err)
	}
	return &DecryptionProof{C: p.C, R: p.R, VG: p.VG, VH: p.VH}, factor, nil
}

// Verify checks the transcript against the ciphertext, the trustee's
// verification key and the submitted factor.
func (p *DecryptionProof) Verify(c *Ciphertext, vk, factor kyber.Point) error {
	transcript := &dleq.Proof{C: p.C, R: p.R, VG: p.VG, VH: p.VH}
	err := transcript.Verify(Suite, Suite.Point().Base(), c.Alpha, vk, factor)
	if err != nil {
		return xerrors.Errorf("%v: %w", err, ErrInvalidDecryptionProof)
	}
	return nil
}

// Verify checks a trustee's whole partial decryption of one tally. A single
// bad transcript rejects the submission; it is never silently skipped.
func (d *Decryption) Verify(t *Tally, vk kyber.Point) error {
	cts := t.Ciphertexts()
	if len(d.Factors) != len(cts) || len(d.Proofs) != len(cts) {
		return xerrors.Errorf("question %d expects %d factors: %w",
			d.Question, len(cts), ErrInvalidDecryptionProof)
	}
	for i, c := range cts {
		if err := d.Proofs[i].Verify(c, vk, d.Factors[i]); err != nil {
			return xerrors.Errorf("question %d factor %d: %w", d.Question, i, err)
		}
	}
	return nil
}

// CombineFactors recovers the plaintext point of every ciphertext from a
// quorum of decryption factors, keyed by 1-based trustee index. The Lagrange
// coefficients are taken for the specific participating subset, so any
// quorum of size >= threshold recovers the same plaintexts.
func CombineFactors(cts []*Ciphertext, factors map[int][]kyber.Point,
	threshold, n int) ([]kyber.Point, error) {

	if len(factors) < threshold {
		return nil, xerrors.Errorf("%d of %d decryptions: %w",
			len(factors), threshold, ErrQuorumNotReached)
	}

	messages := make([]kyber.Point, len(cts))
	for i, c := range cts {
		shares := make([]*share.PubShare, 0, len(factors))
		for index, fs := range factors {
			shares = append(shares, &share.PubShare{I: index - 1, V: fs[i]})
		}
		s, err := share.RecoverCommit(Suite, shares, threshold, n)
		if err != nil {
			return nil, xerrors.Errorf("recovering ciphertext %d: %v", i, err)
		}
		messages[i] = Suite.Point().Sub(c.Beta, s)
	}
	return messages, nil
}

// CombineTally recovers the plaintext result of one tally from verified
// decryptions keyed by trustee index. Homomorphic tallies decode per-option
// counts through the bounded discrete log; mixnet tallies decode the
// embedded ballot bytes.
func CombineTally(t *Tally, decs map[int]*Decryption, threshold, n int) (*QuestionResult, error) {
	factors := make(map[int][]kyber.Point, len(decs))
	for index, d := range decs {
		factors[index] = d.Factors
	}

	messages, err := CombineFactors(t.Ciphertexts(), factors, threshold, n)
	if err != nil {
		return nil, err
	}

	result := &QuestionResult{Question: t.Question}
	if t.Type == TallyHomomorphic {
		result.Counts = make([]int64, len(messages))
		for i, m := range messages {
			v, err := RecoverValue(m, int64(t.NumTallied))
			if err != nil {
				return nil, xerrors.Errorf("question %d option %d: %v",
					t.Question, i, err)
			}
			result.Counts[i] = v
		}
		return result, nil
	}

	result.Plaintexts = make([][]byte, len(messages))
	for i, m := range messages {
		data, err := m.Data()
		if err != nil {
			return nil, xerrors.Errorf("question %d ballot %d: %v",
				t.Question, i, err)
		}
		result.Plaintexts[i] = data
	}
	return result, nil
}
