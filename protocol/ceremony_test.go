package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.dedis.ch/kyber/v3"
	"go.dedis.ch/kyber/v3/sign/schnorr"
	"golang.org/x/xerrors"

	"github.com/clcert/psifos/lib"
)

// runCeremony walks n kits through the whole ceremony and returns them with
// the shared trustee records, acknowledged and ready to decrypt.
func runCeremony(t *testing.T, n, threshold int) ([]*TrusteeKit, []*lib.TrusteeCrypto) {
	kits := make([]*TrusteeKit, n)
	trustees := make([]*lib.TrusteeCrypto, n)
	for i := range kits {
		kits[i] = NewTrusteeKit(i + 1)
		trustees[i] = &lib.TrusteeCrypto{
			Trustee: lib.Trustee{Index: i + 1},
			Key:     kits[i].Public,
		}
	}

	for i, kit := range kits {
		cert, err := kit.GenerateCertificate(threshold)
		require.NoError(t, err)
		trustees[i].Certificate = cert
	}

	inbox := make(map[int][]*lib.SharedPoint)
	for _, kit := range kits {
		points, err := kit.ComputePoints(trustees)
		require.NoError(t, err)
		for _, p := range points {
			inbox[p.Recipient] = append(inbox[p.Recipient], p)
		}
	}

	for i, kit := range kits {
		acks, err := kit.Acknowledge(inbox[kit.Index], trustees)
		require.NoError(t, err)
		trustees[i].Acknowledgements = acks
		trustees[i].CurrentStep = lib.StepWaitingDecryptions
	}
	return kits, trustees
}

func TestCeremony(t *testing.T) {
	const n, threshold = 3, 2
	kits, trustees := runCeremony(t, n, threshold)

	// every acknowledgement signature checks out against the signer's key
	for i, tc := range trustees {
		for _, ack := range tc.Acknowledgements {
			msg := lib.AckMessage(ack.Sender, ack.Recipient,
				trustees[ack.Sender-1].Certificate)
			require.NoError(t, schnorr.Verify(lib.Suite, kits[i].Public, msg,
				ack.Signature))
		}
	}

	// the kit's own verification key matches the one anyone derives from
	// the certificates
	for i, kit := range kits {
		own, err := kit.VerificationKey()
		require.NoError(t, err)
		derived, err := lib.VerificationKey(trustees, i+1)
		require.NoError(t, err)
		assert.True(t, own.Equal(derived))
	}

	// a threshold of shares decrypts what the combined key encrypted
	key, err := lib.CombinedKey(trustees)
	require.NoError(t, err)

	c, _ := lib.EncryptValue(key.Y, 5)
	factors := make(map[int][]kyber.Point)
	for _, kit := range kits[:threshold] {
		xi, err := kit.SecretShare()
		require.NoError(t, err)
		factors[kit.Index] = []kyber.Point{lib.Suite.Point().Mul(xi, c.Alpha)}
	}
	messages, err := lib.CombineFactors([]*lib.Ciphertext{c}, factors, threshold, n)
	require.NoError(t, err)
	v, err := lib.RecoverValue(messages[0], 10)
	require.NoError(t, err)
	assert.Equal(t, int64(5), v)
}

func TestCeremonyCorruptedPoint(t *testing.T) {
	const n, threshold = 3, 2
	kits := make([]*TrusteeKit, n)
	trustees := make([]*lib.TrusteeCrypto, n)
	for i := range kits {
		kits[i] = NewTrusteeKit(i + 1)
		trustees[i] = &lib.TrusteeCrypto{
			Trustee: lib.Trustee{Index: i + 1},
			Key:     kits[i].Public,
		}
	}
	for i, kit := range kits {
		cert, err := kit.GenerateCertificate(threshold)
		require.NoError(t, err)
		trustees[i].Certificate = cert
	}

	inbox := make(map[int][]*lib.SharedPoint)
	for _, kit := range kits {
		points, err := kit.ComputePoints(trustees)
		require.NoError(t, err)
		for _, p := range points {
			inbox[p.Recipient] = append(inbox[p.Recipient], p)
		}
	}

	// flip a byte of the blob trustee 2 sent to trustee 1
	for _, p := range inbox[1] {
		if p.Sender == 2 {
			p.Point[len(p.Point)-1] ^= 0xff
		}
	}
	_, err := kits[0].Acknowledge(inbox[1], trustees)
	require.True(t, xerrors.Is(err, lib.ErrInvalidShare))
	assert.Contains(t, err.Error(), "trustee 2", "the sender is named")

	// the other trustees are unaffected
	_, err = kits[1].Acknowledge(inbox[2], trustees)
	require.NoError(t, err)
}

func TestCeremonyOrderGuards(t *testing.T) {
	kit := NewTrusteeKit(1)

	_, err := kit.ComputePoints(nil)
	require.True(t, xerrors.Is(err, lib.ErrInvalidElectionState),
		"no polynomial before the certificate step")

	_, err = kit.SecretShare()
	require.True(t, xerrors.Is(err, lib.ErrCeremonyIncomplete))

	_, err = kit.GenerateCertificate(2)
	require.NoError(t, err)
	_, err = kit.GenerateCertificate(2)
	require.True(t, xerrors.Is(err, lib.ErrDuplicateSubmission))
}

func TestCeremonySingleTrustee(t *testing.T) {
	kits, trustees := runCeremony(t, 1, 1)

	key, err := lib.CombinedKey(trustees)
	require.NoError(t, err)

	xi, err := kits[0].SecretShare()
	require.NoError(t, err)

	c, _ := lib.EncryptValue(key.Y, 2)
	factors := map[int][]kyber.Point{1: {lib.Suite.Point().Mul(xi, c.Alpha)}}
	messages, err := lib.CombineFactors([]*lib.Ciphertext{c}, factors, 1, 1)
	require.NoError(t, err)
	v, err := lib.RecoverValue(messages[0], 10)
	require.NoError(t, err)
	assert.Equal(t, int64(2), v)
}
