package lib

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"go.dedis.ch/kyber/v3"
	"go.dedis.ch/kyber/v3/proof"
	"golang.org/x/xerrors"
)

// Answer is a voter's encrypted response to one question. For closed
// questions it carries one ciphertext per option together with a disjunctive
// proof per option and one aggregate selection-count proof. For mixnet
// questions it carries a single ciphertext embedding the raw choice.
type Answer struct {
	Question int
	Choices  []*Ciphertext

	// IndividualProofs prove each ciphertext encrypts zero or one.
	IndividualProofs [][]byte
	// OverallProof proves the number of selections lies within the
	// question's answer bounds.
	OverallProof []byte
}

// Ballot is the complete encrypted vote, one answer per question.
type Ballot struct {
	Answers []*Answer
}

// Hash returns the audit receipt of the ballot, a hex digest over every
// ciphertext in question order.
func (b *Ballot) Hash() string {
	h := sha256.New()
	for _, a := range b.Answers {
		for _, c := range a.Choices {
			_, _ = c.Alpha.MarshalTo(h)
			_, _ = c.Beta.MarshalTo(h)
		}
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Answer returns the answer for the given question number.
func (b *Ballot) Answer(question int) (*Answer, error) {
	for _, a := range b.Answers {
		if a.Question == question {
			return a, nil
		}
	}
	return nil, xerrors.Errorf("ballot has no answer for question %d: %w",
		question, ErrInvalidBallotProof)
}

// ChoicePredicate is the disjunction proving an ElGamal pair (A, B)
// encrypts zero or one: either log_G A = log_Y B, or log_G A = log_Y (B-G),
// with the same ephemeral scalar r on both legs.
func ChoicePredicate() proof.Predicate {
	return proof.Or(
		proof.And(proof.Rep("A", "r", "G"), proof.Rep("B", "r", "Y")),
		proof.And(proof.Rep("A", "r", "G"), proof.Rep("B1", "r", "Y")),
	)
}

// ChoicePoints builds the public point bindings for ChoicePredicate.
func ChoicePoints(key kyber.Point, c *Ciphertext) map[string]kyber.Point {
	return map[string]kyber.Point{
		"G":  Suite.Point().Base(),
		"Y":  key,
		"A":  c.Alpha,
		"B":  c.Beta,
		"B1": Suite.Point().Sub(c.Beta, Suite.Point().Base()),
	}
}

// CountPredicate is the disjunction proving an aggregated pair encrypts a
// selection count within [min, max].
func CountPredicate(min, max int) proof.Predicate {
	legs := make([]proof.Predicate, 0, max-min+1)
	for k := min; k <= max; k++ {
		legs = append(legs, proof.And(
			proof.Rep("A", "r", "G"),
			proof.Rep(fmt.Sprintf("B%d", k), "r", "Y"),
		))
	}
	if len(legs) == 1 {
		return legs[0]
	}
	return proof.Or(legs...)
}

// CountPoints builds the public point bindings for CountPredicate. The
// aggregate pair is the fold of every option ciphertext of the answer.
func CountPoints(key kyber.Point, agg *Ciphertext, min, max int) map[string]kyber.Point {
	base := Suite.Point().Base()
	points := map[string]kyber.Point{
		"G": base,
		"Y": key,
		"A": agg.Alpha,
	}
	for k := min; k <= max; k++ {
		shift := Suite.Point().Mul(Suite.Scalar().SetInt64(int64(k)), nil)
		points[fmt.Sprintf("B%d", k)] = Suite.Point().Sub(agg.Beta, shift)
	}
	return points
}

// ChoiceTag binds an individual proof to its question and option.
func ChoiceTag(question, option int) string {
	return fmt.Sprintf("psifos-choice-%d-%d", question, option)
}

// CountTag binds an overall proof to its question.
func CountTag(question int) string {
	return fmt.Sprintf("psifos-count-%d", question)
}

// Aggregate folds every option ciphertext of the answer into one pair
// encrypting the number of selections.
func (a *Answer) Aggregate() *Ciphertext {
	agg := NeutralCiphertext()
	for _, c := range a.Choices {
		agg.Fold(c)
	}
	return agg
}

// Verify checks the answer's well-formedness against the election key. A
// failure means the ballot must be rejected as a whole, never partially
// stored.
func (a *Answer) Verify(key kyber.Point, q *Question) error {
	if q.TallyType() != TallyHomomorphic {
		if len(a.Choices) != 1 {
			return xerrors.Errorf("question %d expects a single ciphertext: %w",
				q.Num, ErrInvalidBallotProof)
		}
		return nil
	}

	if len(a.Choices) != q.TotalOptions {
		return xerrors.Errorf("question %d expects %d ciphertexts, got %d: %w",
			q.Num, q.TotalOptions, len(a.Choices), ErrInvalidBallotProof)
	}
	if len(a.IndividualProofs) != len(a.Choices) || len(a.OverallProof) == 0 {
		return xerrors.Errorf("question %d is missing proofs: %w",
			q.Num, ErrInvalidBallotProof)
	}

	for i, c := range a.Choices {
		verifier := ChoicePredicate().Verifier(Suite, ChoicePoints(key, c))
		err := proof.HashVerify(Suite, ChoiceTag(q.Num, i), verifier, a.IndividualProofs[i])
		if err != nil {
			return xerrors.Errorf("question %d option %d: %v: %w",
				q.Num, i, err, ErrInvalidBallotProof)
		}
	}

	points := CountPoints(key, a.Aggregate(), q.MinAnswers, q.MaxAnswers)
	verifier := CountPredicate(q.MinAnswers, q.MaxAnswers).Verifier(Suite, points)
	err := proof.HashVerify(Suite, CountTag(q.Num), verifier, a.OverallProof)
	if err != nil {
		return xerrors.Errorf("question %d selection count: %v: %w",
			q.Num, err, ErrInvalidBallotProof)
	}
	return nil
}

// Verify checks every answer of the ballot against the election questions.
func (b *Ballot) Verify(key *PublicKey, questions []*Question) error {
	if key == nil || key.Y == nil {
		return xerrors.Errorf("election key not combined yet: %w", ErrCeremonyIncomplete)
	}
	if len(b.Answers) != len(questions) {
		return xerrors.Errorf("ballot answers %d questions, election has %d: %w",
			len(b.Answers), len(questions), ErrInvalidBallotProof)
	}
	for _, q := range questions {
		answer, err := b.Answer(q.Num)
		if err != nil {
			return err
		}
		if err := answer.Verify(key.Y, q); err != nil {
			return err
		}
	}
	return nil
}
