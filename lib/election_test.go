package lib

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/xerrors"
)

func TestStatusAdvance(t *testing.T) {
	s := SettingUp
	for _, next := range []ElectionStatus{ReadyKeyGeneration, ReadyOpening,
		Started, Ended, ComputingTally, TallyComputed, DecryptionsUploaded,
		DecryptionsCombined, ResultsReleased} {
		moved, err := s.Advance(next)
		require.NoError(t, err)
		s = moved
	}
	_, err := s.Advance(ResultsReleased + 1)
	require.True(t, xerrors.Is(err, ErrInvalidElectionState))
}

func TestStatusAdvanceSkip(t *testing.T) {
	_, err := SettingUp.Advance(Started)
	require.True(t, xerrors.Is(err, ErrInvalidElectionState))

	// statuses never regress
	_, err = Ended.Advance(Started)
	require.True(t, xerrors.Is(err, ErrInvalidElectionState))
}

func TestStatusAtLeast(t *testing.T) {
	assert.True(t, TallyComputed.AtLeast(Ended))
	assert.True(t, TallyComputed.AtLeast(TallyComputed))
	assert.False(t, Started.AtLeast(Ended))
}

func TestDefaultThreshold(t *testing.T) {
	assert.Equal(t, 1, DefaultThreshold(1))
	assert.Equal(t, 2, DefaultThreshold(3))
	assert.Equal(t, 3, DefaultThreshold(4))
	assert.Equal(t, 3, DefaultThreshold(5))
}

func TestWindowOpen(t *testing.T) {
	e := &Election{}
	assert.False(t, e.WindowOpen(100), "never opened")

	e.VotingStartedAt = 100
	assert.False(t, e.WindowOpen(99))
	assert.True(t, e.WindowOpen(100))
	assert.True(t, e.WindowOpen(1e9), "no explicit stop yet")

	e.VotingEndedAt = 200
	assert.True(t, e.WindowOpen(199))
	assert.False(t, e.WindowOpen(200), "end bound is exclusive")
}

func TestElectionQuestion(t *testing.T) {
	e := &Election{Questions: []*Question{{Num: 1}, {Num: 2}}}
	q, err := e.Question(2)
	require.NoError(t, err)
	assert.Equal(t, 2, q.Num)

	_, err = e.Question(3)
	require.Error(t, err)
}
