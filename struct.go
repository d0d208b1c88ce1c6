package psifos

import (
	"go.dedis.ch/kyber/v3"

	"github.com/clcert/psifos/lib"
)

// Ballot submission modes.
const (
	// ModeCast submits the ballot for the count.
	ModeCast = "cast"
	// ModeAudit spoils the ballot: it is stored for verification and never
	// counted.
	ModeAudit = "audit"
)

// CreateElection message.
type CreateElection struct {
	Election *lib.Election
}

// CreateElectionReply message.
type CreateElectionReply struct {
	UUID string
}

// AddQuestion message.
type AddQuestion struct {
	Election string
	Question *lib.Question
}

// AddQuestionReply message.
type AddQuestionReply struct{}

// AddVoters message. Uploads a batch of the voter roll.
type AddVoters struct {
	Election string
	Voters   []*lib.Voter
}

// AddVotersReply message.
type AddVotersReply struct {
	Total int
}

// AddTrustee message.
type AddTrustee struct {
	Election string
	Name     string
	LoginID  string
	Email    string
}

// AddTrusteeReply message.
type AddTrusteeReply struct {
	UUID  string
	Index int
}

// StartKeyCeremony message.
type StartKeyCeremony struct {
	Election string
}

// StartKeyCeremonyReply message.
type StartKeyCeremonyReply struct {
	Threshold int
}

// SubmitTrusteeStep message. Exactly one payload field is set, matching the
// step being completed: Key for secret_key, Certificate for coefficients,
// Points for the share exchange, Acknowledgements to close the ceremony.
type SubmitTrusteeStep struct {
	Election string
	Index    int

	Key              kyber.Point
	Certificate      *lib.Certificate
	Points           []*lib.SharedPoint
	Acknowledgements []*lib.Acknowledgement
}

// SubmitTrusteeStepReply message.
type SubmitTrusteeStepReply struct {
	CurrentStep lib.TrusteeStep
}

// CombinedPublicKey message.
type CombinedPublicKey struct {
	Election string
}

// CombinedPublicKeyReply message.
type CombinedPublicKeyReply struct {
	Key *lib.PublicKey
}

// CeremonyStatus message.
type CeremonyStatus struct {
	Election string
}

// TrusteeProgress is one trustee's position in the ceremony.
type TrusteeProgress struct {
	Index       int
	Name        string
	CurrentStep lib.TrusteeStep
}

// CeremonyStatusReply message.
type CeremonyStatusReply struct {
	Complete bool
	Trustees []*TrusteeProgress
}

// OpenElection message.
type OpenElection struct {
	Election string
	At       int64
}

// OpenElectionReply message.
type OpenElectionReply struct{}

// CloseElection message.
type CloseElection struct {
	Election string
	At       int64
}

// CloseElectionReply message.
type CloseElectionReply struct{}

// CastBallot message.
type CastBallot struct {
	Election string
	LoginID  string
	Ballot   *lib.Ballot
	// Mode is ModeCast or ModeAudit.
	Mode string
	// CastAt is the submission timestamp deciding replacement order; zero
	// means now.
	CastAt int64
}

// CastBallotReply message.
type CastBallotReply struct {
	// Receipt is the ballot hash published for audit matching.
	Receipt string
	Audited bool
}

// ComputeTally message.
type ComputeTally struct {
	Election string
}

// ComputeTallyReply message.
type ComputeTallyReply struct {
	Tallies []*lib.Tally
}

// SubmitDecryption message.
type SubmitDecryption struct {
	Election    string
	Index       int
	Decryptions []*lib.Decryption
}

// SubmitDecryptionReply message.
type SubmitDecryptionReply struct {
	// Combined reports whether this submission completed the quorum and
	// triggered combination.
	Combined bool
}

// PendingDecryptions message.
type PendingDecryptions struct {
	Election string
}

// PendingDecryptionsReply message.
type PendingDecryptionsReply struct {
	// Missing lists the indices of trustees that have not submitted yet.
	Missing []int
}

// CombineDecryptions message.
type CombineDecryptions struct {
	Election string
	Question int
}

// CombineDecryptionsReply message.
type CombineDecryptionsReply struct {
	Result *lib.QuestionResult
}

// ReleaseResults message.
type ReleaseResults struct {
	Election string
}

// ReleaseResultsReply message.
type ReleaseResultsReply struct {
	Results *lib.Results
}
