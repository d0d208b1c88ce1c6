package lib

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.dedis.ch/kyber/v3"
	"go.dedis.ch/kyber/v3/share"
	"go.dedis.ch/kyber/v3/util/random"
	"golang.org/x/xerrors"
)

// sharedSecret splits a fresh secret x over n trustees with the given
// threshold and returns the election key g^x plus the per-trustee shares,
// keyed by 1-based index.
func sharedSecret(n, threshold int) (kyber.Point, map[int]kyber.Scalar) {
	poly := share.NewPriPoly(Suite, threshold, nil, random.New())
	shares := make(map[int]kyber.Scalar, n)
	for i := 1; i <= n; i++ {
		shares[i] = poly.Eval(i - 1).V
	}
	return poly.Commit(nil).Commit(), shares
}

func TestDecryptionProof(t *testing.T) {
	x, vk := RandomKeyPair()
	_, public := RandomKeyPair()

	c, _ := EncryptValue(public, 1)
	prf, factor, err := NewDecryptionProof(c, x)
	require.NoError(t, err)
	require.NoError(t, prf.Verify(c, vk, factor))

	// a transcript does not verify against someone else's key
	_, otherVK := RandomKeyPair()
	require.Error(t, prf.Verify(c, otherVK, factor))

	// nor against a forged factor
	err = prf.Verify(c, vk, Suite.Point().Pick(random.New()))
	require.True(t, xerrors.Is(err, ErrInvalidDecryptionProof))
}

func TestCombineFactorsQuorums(t *testing.T) {
	const n, threshold = 3, 2
	key, shares := sharedSecret(n, threshold)

	values := []int64{3, 1, 0}
	cts := make([]*Ciphertext, len(values))
	for i, v := range values {
		cts[i], _ = EncryptValue(key, v)
	}

	factorsOf := func(index int) []kyber.Point {
		fs := make([]kyber.Point, len(cts))
		for i, c := range cts {
			fs[i] = Suite.Point().Mul(shares[index], c.Alpha)
		}
		return fs
	}

	// any quorum of size >= threshold recovers the same plaintexts
	for _, quorum := range [][]int{{1, 2}, {2, 3}, {1, 3}, {1, 2, 3}} {
		factors := make(map[int][]kyber.Point)
		for _, index := range quorum {
			factors[index] = factorsOf(index)
		}
		messages, err := CombineFactors(cts, factors, threshold, n)
		require.NoError(t, err)
		for i, m := range messages {
			v, err := RecoverValue(m, 10)
			require.NoError(t, err)
			assert.Equal(t, values[i], v, "quorum %v", quorum)
		}
	}

	// below the threshold nothing is recoverable
	_, err := CombineFactors(cts, map[int][]kyber.Point{1: factorsOf(1)},
		threshold, n)
	require.True(t, xerrors.Is(err, ErrQuorumNotReached))
}

func TestCombineTallyHomomorphic(t *testing.T) {
	const n, threshold = 3, 2
	key, shares := sharedSecret(n, threshold)

	q := closedQuestion(1, 3)
	tally := NewTally(q, "")
	require.NoError(t, tally.Accumulate(closedAnswer(key, q, []int{1, 0, 0}), 2))
	require.NoError(t, tally.Accumulate(closedAnswer(key, q, []int{0, 0, 1}), 1))
	require.NoError(t, tally.Finish(&PublicKey{Y: key}))

	decs := make(map[int]*Decryption)
	for _, index := range []int{1, 3} {
		d := &Decryption{Question: q.Num, Type: tally.Type}
		for _, c := range tally.Ciphertexts() {
			prf, factor, err := NewDecryptionProof(c, shares[index])
			require.NoError(t, err)
			d.Factors = append(d.Factors, factor)
			d.Proofs = append(d.Proofs, prf)
		}
		decs[index] = d
	}

	result, err := CombineTally(tally, decs, threshold, n)
	require.NoError(t, err)
	assert.Equal(t, []int64{2, 0, 1}, result.Counts)
	assert.Nil(t, result.Plaintexts)
}

func TestCombineTallyMixnet(t *testing.T) {
	const n, threshold = 3, 2
	key, shares := sharedSecret(n, threshold)

	q := &Question{Num: 1, Type: QuestionMixnet}
	tally := NewTally(q, "")
	for _, name := range []string{"alice", "bob", "carol"} {
		require.NoError(t, tally.Accumulate(rawAnswer(key, q, []byte(name)), 1))
	}
	require.NoError(t, tally.Finish(&PublicKey{Y: key}))

	decs := make(map[int]*Decryption)
	for _, index := range []int{2, 3} {
		d := &Decryption{Question: q.Num, Type: tally.Type}
		for _, c := range tally.Ciphertexts() {
			prf, factor, err := NewDecryptionProof(c, shares[index])
			require.NoError(t, err)
			d.Factors = append(d.Factors, factor)
			d.Proofs = append(d.Proofs, prf)
		}
		decs[index] = d
	}

	result, err := CombineTally(tally, decs, threshold, n)
	require.NoError(t, err)
	require.Len(t, result.Plaintexts, 3)

	found := make(map[string]bool)
	for _, p := range result.Plaintexts {
		found[string(p)] = true
	}
	assert.True(t, found["alice"] && found["bob"] && found["carol"],
		"every ballot decodes after the mix, order aside")
}

func TestDecryptionVerify(t *testing.T) {
	x, vk := RandomKeyPair()
	_, public := RandomKeyPair()

	q := closedQuestion(1, 2)
	tally := NewTally(q, "")
	require.NoError(t, tally.Accumulate(closedAnswer(public, q, []int{1, 0}), 1))
	require.NoError(t, tally.Finish(&PublicKey{Y: public}))

	d := &Decryption{Question: q.Num, Type: tally.Type}
	for _, c := range tally.Ciphertexts() {
		prf, factor, err := NewDecryptionProof(c, x)
		require.NoError(t, err)
		d.Factors = append(d.Factors, factor)
		d.Proofs = append(d.Proofs, prf)
	}
	require.NoError(t, d.Verify(tally, vk))

	// one tampered factor rejects the whole submission
	d.Factors[1] = Suite.Point().Pick(random.New())
	err := d.Verify(tally, vk)
	require.True(t, xerrors.Is(err, ErrInvalidDecryptionProof))

	// missing factors are rejected up front
	short := &Decryption{Question: q.Num, Factors: d.Factors[:1], Proofs: d.Proofs[:1]}
	err = short.Verify(tally, vk)
	require.True(t, xerrors.Is(err, ErrInvalidDecryptionProof))
}
