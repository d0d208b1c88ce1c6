package lib

// QuestionType is the contest kind, which determines the tally strategy.
type QuestionType string

const (
	// QuestionClosed is a fixed-option contest, tallied homomorphically.
	QuestionClosed QuestionType = "CLOSED"
	// QuestionMixnet is an open contest whose ballots are mixed and
	// decrypted individually.
	QuestionMixnet QuestionType = "MIXNET"
	// QuestionSTVNC is a ranked contest, mixed like QuestionMixnet and
	// resolved by single transferable vote afterwards.
	QuestionSTVNC QuestionType = "STVNC"
)

// TallyType selects the accumulator variant for a question.
type TallyType string

const (
	// TallyHomomorphic folds ballots into a per-option ciphertext product.
	TallyHomomorphic TallyType = "HOMOMORPHIC"
	// TallyMixnet re-encrypts and permutes whole ballots.
	TallyMixnet TallyType = "MIXNET"
	// TallySTV is a mixnet tally carrying STV resolution parameters.
	TallySTV TallyType = "STVNC"
)

// Question is one contest of an election.
type Question struct {
	Num         int
	Type        QuestionType
	Text        string
	Description string

	// TotalOptions is the number of ciphertexts a closed answer must carry.
	TotalOptions  int
	ClosedOptions []string

	MinAnswers int
	MaxAnswers int

	IncludeBlankNull bool
	// NumOfWinners applies to STVNC questions only.
	NumOfWinners int
}

// TallyType derives the accumulator variant from the question type.
func (q *Question) TallyType() TallyType {
	switch q.Type {
	case QuestionMixnet:
		return TallyMixnet
	case QuestionSTVNC:
		return TallySTV
	default:
		return TallyHomomorphic
	}
}
