package lib

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.dedis.ch/kyber/v3/share"
	"go.dedis.ch/kyber/v3/util/random"
	"golang.org/x/xerrors"
)

func TestStepAdvance(t *testing.T) {
	s := StepConfig
	for _, next := range []TrusteeStep{StepSecretKey, StepCertificates,
		StepCoefficients, StepPoints, StepWaitingDecryptions,
		StepDecryptionsSent} {
		moved, err := s.Advance(next)
		require.NoError(t, err)
		s = moved
	}

	// resubmission of a completed step
	_, err := StepCoefficients.Advance(StepCoefficients)
	require.True(t, xerrors.Is(err, ErrDuplicateSubmission))

	// skipping a step
	_, err = StepSecretKey.Advance(StepPoints)
	require.True(t, xerrors.Is(err, ErrInvalidElectionState))
}

func newCertificate(threshold int) (*share.PriPoly, *Certificate) {
	poly := share.NewPriPoly(Suite, threshold, nil, random.New())
	_, commits := poly.Commit(nil).Info()
	return poly, &Certificate{Commits: commits}
}

func ceremonyTrustees(n, threshold int) ([]*share.PriPoly, []*TrusteeCrypto) {
	polys := make([]*share.PriPoly, n)
	trustees := make([]*TrusteeCrypto, n)
	for i := range trustees {
		poly, cert := newCertificate(threshold)
		polys[i] = poly
		trustees[i] = &TrusteeCrypto{
			Trustee:     Trustee{Index: i + 1},
			CurrentStep: StepWaitingDecryptions,
			Certificate: cert,
		}
	}
	return polys, trustees
}

func TestCombinedKeyOrderIndependent(t *testing.T) {
	_, trustees := ceremonyTrustees(3, 2)

	key, err := CombinedKey(trustees)
	require.NoError(t, err)

	reversed := []*TrusteeCrypto{trustees[2], trustees[0], trustees[1]}
	key2, err := CombinedKey(reversed)
	require.NoError(t, err)
	assert.True(t, key.Y.Equal(key2.Y))
}

func TestCombinedKeyIncomplete(t *testing.T) {
	_, err := CombinedKey(nil)
	require.True(t, xerrors.Is(err, ErrCeremonyIncomplete))

	_, trustees := ceremonyTrustees(3, 2)
	trustees[1].CurrentStep = StepPoints
	_, err = CombinedKey(trustees)
	require.True(t, xerrors.Is(err, ErrCeremonyIncomplete))
}

func TestVerificationKey(t *testing.T) {
	polys, trustees := ceremonyTrustees(3, 2)

	// the verification key derived from the certificates must match
	// g^(sum of the polynomial evaluations at the trustee's index)
	for _, tc := range trustees {
		x := Suite.Scalar().Zero()
		for _, poly := range polys {
			x.Add(x, poly.Eval(tc.Index-1).V)
		}
		expected := Suite.Point().Mul(x, nil)

		vk, err := VerificationKey(trustees, tc.Index)
		require.NoError(t, err)
		assert.True(t, vk.Equal(expected))
	}
}

func TestAckMessage(t *testing.T) {
	_, cert := newCertificate(2)
	_, other := newCertificate(2)

	msg := AckMessage(1, 2, cert)
	assert.Equal(t, msg, AckMessage(1, 2, cert))
	assert.NotEqual(t, msg, AckMessage(2, 1, cert))
	assert.NotEqual(t, msg, AckMessage(1, 2, other))
}

func TestTrusteeDecryptionLookup(t *testing.T) {
	tc := &TrusteeCrypto{Decryptions: []*Decryption{
		{Question: 1, Group: ""},
		{Question: 1, Group: "north"},
	}}
	require.NotNil(t, tc.Decryption(1, ""))
	require.NotNil(t, tc.Decryption(1, "north"))
	require.Nil(t, tc.Decryption(2, ""))
}
