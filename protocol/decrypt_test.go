package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/xerrors"

	"github.com/clcert/psifos/lib"
)

func TestPartialDecrypt(t *testing.T) {
	const n, threshold = 3, 2
	kits, trustees := runCeremony(t, n, threshold)
	key, err := lib.CombinedKey(trustees)
	require.NoError(t, err)

	q := &lib.Question{Num: 1, Type: lib.QuestionClosed, TotalOptions: 2,
		MinAnswers: 1, MaxAnswers: 1}
	tally := lib.NewTally(q, "")
	for i := 0; i < 3; i++ {
		a, err := EncryptAnswer(key, q, []int{1, 0})
		require.NoError(t, err)
		require.NoError(t, tally.Accumulate(a, 1))
	}
	require.NoError(t, tally.Finish(key))

	decs := make(map[int]*lib.Decryption)
	for _, kit := range kits[:threshold] {
		d, err := PartialDecrypt(kit, tally)
		require.NoError(t, err)
		assert.Equal(t, q.Num, d.Question)
		assert.Len(t, d.Factors, 2)

		// the transcript verifies against the publicly derivable key
		vk, err := lib.VerificationKey(trustees, kit.Index)
		require.NoError(t, err)
		require.NoError(t, d.Verify(tally, vk))
		decs[kit.Index] = d
	}

	result, err := lib.CombineTally(tally, decs, threshold, n)
	require.NoError(t, err)
	assert.Equal(t, []int64{3, 0}, result.Counts)
}

func TestPartialDecryptGuards(t *testing.T) {
	kits, _ := runCeremony(t, 3, 2)

	q := &lib.Question{Num: 1, Type: lib.QuestionClosed, TotalOptions: 2,
		MinAnswers: 1, MaxAnswers: 1}
	open := lib.NewTally(q, "")
	_, err := PartialDecrypt(kits[0], open)
	require.True(t, xerrors.Is(err, lib.ErrInvalidElectionState),
		"the tally must be sealed first")

	// a kit that never acknowledged has no share to decrypt with
	stranger := NewTrusteeKit(4)
	open.Computed = true
	_, err = PartialDecrypt(stranger, open)
	require.True(t, xerrors.Is(err, lib.ErrCeremonyIncomplete))
}

func TestPartialDecryptAll(t *testing.T) {
	kits, trustees := runCeremony(t, 3, 2)
	key, err := lib.CombinedKey(trustees)
	require.NoError(t, err)

	q1 := &lib.Question{Num: 1, Type: lib.QuestionClosed, TotalOptions: 2,
		MinAnswers: 1, MaxAnswers: 1}
	q2 := &lib.Question{Num: 2, Type: lib.QuestionClosed, TotalOptions: 2,
		MinAnswers: 1, MaxAnswers: 1}
	var tallies []*lib.Tally
	for _, q := range []*lib.Question{q1, q2} {
		tally := lib.NewTally(q, "")
		a, err := EncryptAnswer(key, q, []int{0, 1})
		require.NoError(t, err)
		require.NoError(t, tally.Accumulate(a, 1))
		require.NoError(t, tally.Finish(key))
		tallies = append(tallies, tally)
	}

	decs, err := PartialDecryptAll(kits[0], tallies)
	require.NoError(t, err)
	require.Len(t, decs, 2)
	assert.Equal(t, 1, decs[0].Question)
	assert.Equal(t, 2, decs[1].Question)
}
