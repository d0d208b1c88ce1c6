package lib

// Public lifecycle events recorded on the election's append-only log.
const (
	EventVoterFileUploaded  = "voter_file_uploaded"
	EventRollModified       = "electoral_roll_modified"
	EventTrusteeCreated     = "trustee_created"
	EventPublicKeyUploaded  = "public_key_uploaded"
	EventVotingStarted      = "voting_started"
	EventVotingStopped      = "voting_stopped"
	EventTallyComputed      = "tally_computed"
	EventDecryptionReceived = "decryption_recieved"
	EventDecryptionsCombine = "decryptions_combined"
	EventResultsReleased    = "results_released"
)

// ElectionEvent is one entry of the public audit log.
type ElectionEvent struct {
	Election  string
	Event     string
	Params    string
	CreatedAt int64
}
