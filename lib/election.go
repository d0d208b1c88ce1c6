package lib

import (
	"go.dedis.ch/kyber/v3"
	"golang.org/x/xerrors"
)

// ElectionStatus is the single source of truth for which operations are
// legal on an election. It only ever advances forward.
type ElectionStatus uint32

const (
	// SettingUp is the initial phase: questions, voters and trustees are
	// being registered.
	SettingUp ElectionStatus = iota + 1
	// ReadyKeyGeneration depicts that the trustee key ceremony is running.
	ReadyKeyGeneration
	// ReadyOpening depicts that the ceremony finished and the election key
	// has been combined.
	ReadyOpening
	// Started depicts that the election is open for ballot casting.
	Started
	// Ended depicts that the voting window has closed.
	Ended
	// ComputingTally depicts that ballots are being accumulated.
	ComputingTally
	// TallyComputed depicts that every question has an accumulated tally.
	TallyComputed
	// DecryptionsUploaded depicts that a quorum of trustees has submitted
	// partial decryptions.
	DecryptionsUploaded
	// DecryptionsCombined depicts that the plaintext results have been
	// recovered from the quorum.
	DecryptionsCombined
	// ResultsReleased depicts that the results have been published.
	ResultsReleased
)

var statusNames = map[ElectionStatus]string{
	SettingUp:           "setting_up",
	ReadyKeyGeneration:  "ready_key_generation",
	ReadyOpening:        "ready_opening",
	Started:             "started",
	Ended:               "ended",
	ComputingTally:      "computing_tally",
	TallyComputed:       "tally_computed",
	DecryptionsUploaded: "decryptions_uploaded",
	DecryptionsCombined: "decryptions_combined",
	ResultsReleased:     "results_released",
}

func (s ElectionStatus) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return "unknown"
}

// Advance returns the status moved to target, or ErrInvalidElectionState if
// target is not the immediate successor. Statuses never regress.
func (s ElectionStatus) Advance(target ElectionStatus) (ElectionStatus, error) {
	if target != s+1 || target > ResultsReleased {
		return s, xerrors.Errorf("cannot move from %v to %v: %w",
			s, target, ErrInvalidElectionState)
	}
	return target, nil
}

// AtLeast reports whether the status has reached the given phase.
func (s ElectionStatus) AtLeast(target ElectionStatus) bool {
	return s >= target
}

// ElectionType separates binding elections from informal queries.
type ElectionType string

const (
	// TypeQuery is an informal consultation.
	TypeQuery ElectionType = "Query"
	// TypeElection is a binding election.
	TypeElection ElectionType = "Election"
)

// LoginType determines how the voter roll is interpreted at casting time.
type LoginType string

const (
	// LoginClosed restricts casting to the registered roll.
	LoginClosed LoginType = "Close"
	// LoginOpen lets any authenticated identity cast, registering it on
	// first contact with weight 1.
	LoginOpen LoginType = "Open"
	// LoginSemiPublic behaves like LoginOpen but keeps the roll visible.
	LoginSemiPublic LoginType = "Semi Public"
)

// PublicKey is the combined ElGamal election key. The group parameters are
// fixed by the suite; Y is the product of every trustee's first polynomial
// commitment and is set exactly once, when the ceremony completes.
type PublicKey struct {
	Y kyber.Point
}

// Election is the base object of a voting procedure and the anchor of the
// entity model: voters, trustees, tallies and results all reference it by
// UUID.
type Election struct {
	UUID      string // UUID is the immutable identifier.
	ShortName string // ShortName is the immutable URL-safe name.
	Name      string
	Description string

	Type      ElectionType
	LoginType LoginType
	Status    ElectionStatus

	Questions []*Question

	// Key is the combined election key, nil until the ceremony completes.
	Key *PublicKey
	// Threshold is the minimum number of trustees needed to decrypt.
	Threshold int
	// MaxWeight is the largest voter weight on the roll.
	MaxWeight int

	Grouped       bool // Grouped asks for a per-group result breakdown.
	Normalization bool

	TotalVoters   int
	TotalTrustees int

	EncryptedTallyHash  string
	DecryptionsUploaded int

	VotingStartedAt int64 // unix seconds, 0 while not started
	VotingEndedAt   int64 // unix seconds, 0 while not ended

	VotersByWeightInit string
	VotersByWeightEnd  string
}

// DefaultThreshold is the quorum used when an election does not set one
// explicitly: a strict majority of the n trustees.
func DefaultThreshold(n int) int {
	return n/2 + 1
}

// WindowOpen reports whether now falls inside the voting window. The end
// bound is exclusive; a zero VotingEndedAt means no explicit stop yet.
func (e *Election) WindowOpen(now int64) bool {
	if e.VotingStartedAt == 0 || now < e.VotingStartedAt {
		return false
	}
	return e.VotingEndedAt == 0 || now < e.VotingEndedAt
}

// Question returns the question with the given number.
func (e *Election) Question(num int) (*Question, error) {
	for _, q := range e.Questions {
		if q.Num == num {
			return q, nil
		}
	}
	return nil, xerrors.Errorf("election %s has no question %d", e.UUID, num)
}

// QuestionResult is the decoded outcome for one question.
type QuestionResult struct {
	Question int
	// Counts holds the per-option vote counts of a homomorphic tally.
	Counts []int64
	// Plaintexts holds the decoded ballots of a mixnet tally, in mixed order.
	Plaintexts [][]byte
}

// GroupResult is the outcome restricted to one voter group.
type GroupResult struct {
	Group   string
	Results []*QuestionResult
}

// Results is the final output of an election, written exactly once after
// quorum combination succeeds.
type Results struct {
	TotalResult   []*QuestionResult
	GroupedResult []*GroupResult
}
