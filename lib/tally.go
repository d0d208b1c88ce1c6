package lib

import (
	"crypto/sha256"
	"encoding/hex"

	"go.dedis.ch/kyber/v3"
	"go.dedis.ch/kyber/v3/proof"
	"go.dedis.ch/kyber/v3/shuffle"
	"go.dedis.ch/kyber/v3/util/random"
	"golang.org/x/xerrors"
)

// Tally is the accumulator for one question, or for one (question, group)
// slot when the election asks for grouped results. Exactly one variant
// field matching Type is set, so the engine can switch exhaustively on the
// tag instead of relying on a class hierarchy.
type Tally struct {
	Question int
	// Group is empty for the election-wide accumulator.
	Group string
	Type  TallyType

	// NumTallied counts the effective (weighted) votes folded in so far.
	// Immutable once Computed is set.
	NumTallied int
	Computed   bool

	Homomorphic *HomomorphicTally
	Mixnet      *MixnetTally
	STV         *STVTally
}

// HomomorphicTally is the per-option running ciphertext product.
type HomomorphicTally struct {
	Options []*Ciphertext
}

// MixnetTally collects whole ballots for re-encryption mixing.
type MixnetTally struct {
	// Ballots are the accumulated ciphertexts; after Mix they are permuted
	// and re-encrypted.
	Ballots []*Ciphertext
	// Proof is the Neff shuffle transcript, empty until Mix runs.
	Proof []byte
}

// STVTally is a mixnet tally carrying the STV resolution parameters.
type STVTally struct {
	MixnetTally
	NumOfWinners     int
	IncludeBlankNull bool
}

// NewTally initializes the accumulator variant matching the question.
func NewTally(q *Question, group string) *Tally {
	t := &Tally{Question: q.Num, Group: group, Type: q.TallyType()}
	switch t.Type {
	case TallyHomomorphic:
		options := make([]*Ciphertext, q.TotalOptions)
		for i := range options {
			options[i] = NeutralCiphertext()
		}
		t.Homomorphic = &HomomorphicTally{Options: options}
	case TallySTV:
		t.STV = &STVTally{
			NumOfWinners:     q.NumOfWinners,
			IncludeBlankNull: q.IncludeBlankNull,
		}
	default:
		t.Mixnet = &MixnetTally{}
	}
	return t
}

// mixnet returns the mixnet payload shared by the MIXNET and STVNC variants.
func (t *Tally) mixnet() *MixnetTally {
	if t.STV != nil {
		return &t.STV.MixnetTally
	}
	return t.Mixnet
}

// Accumulate folds one answer into the tally. Homomorphic slots multiply
// the weighted ciphertexts per option; mixnet slots collect the ballot for
// later shuffling, once per effective vote so the mix output decrypts to
// the weighted multiset.
func (t *Tally) Accumulate(a *Answer, weight int64) error {
	if t.Computed {
		return xerrors.Errorf("tally for question %d already computed: %w",
			t.Question, ErrInvalidElectionState)
	}
	switch t.Type {
	case TallyHomomorphic:
		if len(a.Choices) != len(t.Homomorphic.Options) {
			return xerrors.Errorf("answer carries %d options, tally has %d: %w",
				len(a.Choices), len(t.Homomorphic.Options), ErrInvalidBallotProof)
		}
		for i, c := range a.Choices {
			t.Homomorphic.Options[i].Fold(c.Weighted(weight))
		}
	default:
		m := t.mixnet()
		for w := int64(0); w < weight; w++ {
			m.Ballots = append(m.Ballots, a.Choices[0].Clone())
		}
	}
	t.NumTallied += int(weight)
	return nil
}

// Finish seals the accumulator. Mixnet variants are re-encrypted and
// permuted under the election key with a Neff shuffle proof; homomorphic
// variants are already final.
func (t *Tally) Finish(key *PublicKey) error {
	if t.Computed {
		return nil
	}
	if t.Type != TallyHomomorphic {
		if err := t.mix(key.Y); err != nil {
			return err
		}
	}
	t.Computed = true
	return nil
}

// mix generates the re-encryption shuffle of the collected ballots.
func (t *Tally) mix(key kyber.Point) error {
	m := t.mixnet()
	if len(m.Ballots) < 2 {
		// a shuffle of fewer than two pairs proves nothing and the
		// shuffle argument rejects it; the set is published as-is
		return nil
	}
	x := make([]kyber.Point, len(m.Ballots))
	y := make([]kyber.Point, len(m.Ballots))
	for i, b := range m.Ballots {
		x[i], y[i] = b.Alpha, b.Beta
	}
	v, w, prover := shuffle.Shuffle(Suite, nil, key, x, y, random.New())
	prf, err := proof.HashProve(Suite, MixTag(t.Question), prover)
	if err != nil {
		return xerrors.Errorf("proving shuffle of question %d: %v", t.Question, err)
	}
	mixed := make([]*Ciphertext, len(v))
	for i := range v {
		mixed[i] = &Ciphertext{Alpha: v[i], Beta: w[i]}
	}
	m.Ballots, m.Proof = mixed, prf
	return nil
}

// VerifyMix checks the shuffle proof of a mixnet tally against the original
// ballot set it was accumulated from.
func VerifyMix(key kyber.Point, question int, before, after []*Ciphertext, prf []byte) error {
	if len(before) < 2 {
		return xerrors.New("cannot verify less than 2 points")
	}
	x := make([]kyber.Point, len(before))
	y := make([]kyber.Point, len(before))
	v := make([]kyber.Point, len(after))
	w := make([]kyber.Point, len(after))
	for i, b := range before {
		x[i], y[i] = b.Alpha, b.Beta
	}
	for i, a := range after {
		v[i], w[i] = a.Alpha, a.Beta
	}
	verifier := shuffle.Verifier(Suite, nil, key, x, y, v, w)
	return proof.HashVerify(Suite, MixTag(question), verifier, prf)
}

// MixTag binds a shuffle proof to its question.
func MixTag(question int) string {
	return "psifos-mix-" + hex.EncodeToString([]byte{byte(question)})
}

// Ciphertexts exposes the sealed accumulator content that trustees partially
// decrypt: option products for homomorphic tallies, mixed ballots otherwise.
func (t *Tally) Ciphertexts() []*Ciphertext {
	if t.Type == TallyHomomorphic {
		return t.Homomorphic.Options
	}
	return t.mixnet().Ballots
}

// Hash digests the accumulated ciphertexts for the public tally receipt.
func (t *Tally) Hash() string {
	h := sha256.New()
	for _, c := range t.Ciphertexts() {
		_, _ = c.Alpha.MarshalTo(h)
		_, _ = c.Beta.MarshalTo(h)
	}
	return hex.EncodeToString(h.Sum(nil))
}
