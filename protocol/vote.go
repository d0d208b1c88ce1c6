package protocol

import (
	"go.dedis.ch/kyber/v3"
	"go.dedis.ch/kyber/v3/proof"
	"golang.org/x/xerrors"

	"github.com/clcert/psifos/lib"
)

// EncryptAnswer produces the encrypted, proof-carrying answer for a closed
// question. selection holds one 0/1 entry per option.
func EncryptAnswer(key *lib.PublicKey, q *lib.Question, selection []int) (*lib.Answer, error) {
	if len(selection) != q.TotalOptions {
		return nil, xerrors.Errorf("selection covers %d of %d options",
			len(selection), q.TotalOptions)
	}
	count := 0
	for _, m := range selection {
		if m != 0 && m != 1 {
			return nil, xerrors.Errorf("selection entries must be 0 or 1, got %d", m)
		}
		count += m
	}
	if count < q.MinAnswers || count > q.MaxAnswers {
		return nil, xerrors.Errorf("%d selections, question allows [%d, %d]",
			count, q.MinAnswers, q.MaxAnswers)
	}

	a := &lib.Answer{Question: q.Num}
	rsum := lib.Suite.Scalar().Zero()
	for i, m := range selection {
		c, r := lib.EncryptValue(key.Y, int64(m))
		rsum.Add(rsum, r)

		pred := lib.ChoicePredicate()
		prover := pred.Prover(lib.Suite,
			map[string]kyber.Scalar{"r": r},
			lib.ChoicePoints(key.Y, c),
			map[proof.Predicate]int{pred: m})
		prf, err := proof.HashProve(lib.Suite, lib.ChoiceTag(q.Num, i), prover)
		if err != nil {
			return nil, xerrors.Errorf("proving option %d: %v", i, err)
		}

		a.Choices = append(a.Choices, c)
		a.IndividualProofs = append(a.IndividualProofs, prf)
	}

	pred := lib.CountPredicate(q.MinAnswers, q.MaxAnswers)
	prover := pred.Prover(lib.Suite,
		map[string]kyber.Scalar{"r": rsum},
		lib.CountPoints(key.Y, a.Aggregate(), q.MinAnswers, q.MaxAnswers),
		map[proof.Predicate]int{pred: count - q.MinAnswers})
	prf, err := proof.HashProve(lib.Suite, lib.CountTag(q.Num), prover)
	if err != nil {
		return nil, xerrors.Errorf("proving selection count: %v", err)
	}
	a.OverallProof = prf
	return a, nil
}

// EncryptRawAnswer embeds an opaque payload (a ranked choice, a write-in)
// for a mixnet or STV question. The payload must fit the curve's embedding
// size.
func EncryptRawAnswer(key *lib.PublicKey, q *lib.Question, payload []byte) (*lib.Answer, error) {
	if len(payload) > lib.Suite.Point().EmbedLen() {
		return nil, xerrors.Errorf("payload of %d bytes exceeds embedding size %d",
			len(payload), lib.Suite.Point().EmbedLen())
	}
	alpha, beta := lib.Encrypt(key.Y, payload)
	return &lib.Answer{
		Question: q.Num,
		Choices:  []*lib.Ciphertext{{Alpha: alpha, Beta: beta}},
	}, nil
}

// EncryptBallot builds a complete ballot: selections[i] answers
// questions[i], interpreted as a 0/1 vector for closed questions and as
// payload bytes for mixnet questions.
func EncryptBallot(key *lib.PublicKey, questions []*lib.Question, selections [][]int) (*lib.Ballot, error) {
	if len(selections) != len(questions) {
		return nil, xerrors.Errorf("%d selections for %d questions",
			len(selections), len(questions))
	}
	b := &lib.Ballot{}
	for i, q := range questions {
		var a *lib.Answer
		var err error
		if q.TallyType() == lib.TallyHomomorphic {
			a, err = EncryptAnswer(key, q, selections[i])
		} else {
			payload := make([]byte, len(selections[i]))
			for j, s := range selections[i] {
				payload[j] = byte(s)
			}
			a, err = EncryptRawAnswer(key, q, payload)
		}
		if err != nil {
			return nil, err
		}
		b.Answers = append(b.Answers, a)
	}
	return b, nil
}
