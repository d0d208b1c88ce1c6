package lib

// Voter is an election-scoped identity with at most one current cast vote.
type Voter struct {
	LoginID string
	Name    string

	// WeightInit is the voter's influence on the tally as registered.
	WeightInit int
	// WeightEnd records the weight actually exercised. Set at tally time;
	// adjustments before that are made by the roll administrator.
	WeightEnd int

	Group string

	ValidCastVotes   int
	InvalidCastVotes int

	// CastVote is the current ballot, nil until the voter casts.
	CastVote *CastVote
}

// CastVote is a voter's current encrypted ballot.
type CastVote struct {
	Ballot *Ballot
	// Hash is the audit receipt matching the public bulletin board.
	Hash    string
	IsValid bool
	// CastAt is the unix timestamp deciding replacement order.
	CastAt int64
}

// Replace installs cv as the voter's current vote if it is at least as
// recent as the stored one and reports whether it did. Last cast wins;
// equal timestamps favor the newcomer so a resubmitted ballot sticks.
func (v *Voter) Replace(cv *CastVote) bool {
	if v.CastVote != nil && cv.CastAt < v.CastVote.CastAt {
		return false
	}
	v.CastVote = cv
	return true
}

// AuditedBallot is a spoiled ballot kept for cast-as-intended verification.
// It is never tallied.
type AuditedBallot struct {
	VoterLoginID string
	Ballot       *Ballot
	Hash         string
	AddedAt      int64
}
