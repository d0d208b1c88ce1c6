package lib

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.dedis.ch/kyber/v3"
	"golang.org/x/xerrors"
)

func closedQuestion(num, options int) *Question {
	return &Question{
		Num:          num,
		Type:         QuestionClosed,
		TotalOptions: options,
		MinAnswers:   1,
		MaxAnswers:   1,
	}
}

func closedAnswer(public kyber.Point, q *Question, selection []int) *Answer {
	a := &Answer{Question: q.Num}
	for _, m := range selection {
		c, _ := EncryptValue(public, int64(m))
		a.Choices = append(a.Choices, c)
	}
	return a
}

func TestHomomorphicTally(t *testing.T) {
	secret, public := RandomKeyPair()
	q := closedQuestion(1, 3)

	tally := NewTally(q, "")
	require.Equal(t, TallyHomomorphic, tally.Type)

	require.NoError(t, tally.Accumulate(closedAnswer(public, q, []int{1, 0, 0}), 2))
	require.NoError(t, tally.Accumulate(closedAnswer(public, q, []int{0, 1, 0}), 1))
	require.NoError(t, tally.Accumulate(closedAnswer(public, q, []int{1, 0, 0}), 1))
	assert.Equal(t, 4, tally.NumTallied)

	require.NoError(t, tally.Finish(&PublicKey{Y: public}))
	assert.True(t, tally.Computed)

	expected := []int64{3, 1, 0}
	for i, c := range tally.Ciphertexts() {
		m := Suite.Point().Sub(c.Beta, Suite.Point().Mul(secret, c.Alpha))
		v, err := RecoverValue(m, int64(tally.NumTallied))
		require.NoError(t, err)
		assert.Equal(t, expected[i], v)
	}
}

func TestTallySealed(t *testing.T) {
	_, public := RandomKeyPair()
	q := closedQuestion(1, 2)

	tally := NewTally(q, "")
	require.NoError(t, tally.Accumulate(closedAnswer(public, q, []int{1, 0}), 1))
	require.NoError(t, tally.Finish(&PublicKey{Y: public}))

	err := tally.Accumulate(closedAnswer(public, q, []int{0, 1}), 1)
	require.True(t, xerrors.Is(err, ErrInvalidElectionState))

	// finishing again is a no-op
	require.NoError(t, tally.Finish(&PublicKey{Y: public}))
}

func TestTallyOptionMismatch(t *testing.T) {
	_, public := RandomKeyPair()
	tally := NewTally(closedQuestion(1, 3), "")

	err := tally.Accumulate(closedAnswer(public, closedQuestion(1, 2), []int{1, 0}), 1)
	require.True(t, xerrors.Is(err, ErrInvalidBallotProof))
}

func rawAnswer(public kyber.Point, q *Question, payload []byte) *Answer {
	alpha, beta := Encrypt(public, payload)
	return &Answer{
		Question: q.Num,
		Choices:  []*Ciphertext{{Alpha: alpha, Beta: beta}},
	}
}

func TestMixnetTally(t *testing.T) {
	_, public := RandomKeyPair()
	q := &Question{Num: 1, Type: QuestionMixnet}

	tally := NewTally(q, "")
	require.Equal(t, TallyMixnet, tally.Type)

	a := rawAnswer(public, q, []byte("alice"))
	b := rawAnswer(public, q, []byte("bob"))
	require.NoError(t, tally.Accumulate(a, 2))
	require.NoError(t, tally.Accumulate(b, 1))
	assert.Equal(t, 3, tally.NumTallied)
	assert.Len(t, tally.Mixnet.Ballots, 3, "one entry per effective vote")

	before := make([]*Ciphertext, len(tally.Mixnet.Ballots))
	for i, c := range tally.Mixnet.Ballots {
		before[i] = c.Clone()
	}

	require.NoError(t, tally.Finish(&PublicKey{Y: public}))
	require.NotEmpty(t, tally.Mixnet.Proof)
	require.NoError(t, VerifyMix(public, q.Num, before, tally.Mixnet.Ballots,
		tally.Mixnet.Proof))

	// a transcript does not verify against a different input set
	err := VerifyMix(public, q.Num, before[1:], tally.Mixnet.Ballots[1:],
		tally.Mixnet.Proof)
	require.Error(t, err)
}

func TestMixnetTallySingleBallot(t *testing.T) {
	_, public := RandomKeyPair()
	q := &Question{Num: 1, Type: QuestionMixnet}

	tally := NewTally(q, "")
	require.NoError(t, tally.Accumulate(rawAnswer(public, q, []byte("solo")), 1))
	require.NoError(t, tally.Finish(&PublicKey{Y: public}))

	// a single pair cannot be shuffled, the set is published as-is
	assert.Empty(t, tally.Mixnet.Proof)
	assert.Len(t, tally.Mixnet.Ballots, 1)
}

func TestSTVTallyVariant(t *testing.T) {
	q := &Question{Num: 1, Type: QuestionSTVNC, NumOfWinners: 2}
	tally := NewTally(q, "")
	require.Equal(t, TallySTV, tally.Type)
	require.NotNil(t, tally.STV)
	assert.Equal(t, 2, tally.STV.NumOfWinners)
	assert.Nil(t, tally.Mixnet)
}
