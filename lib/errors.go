package lib

import "golang.org/x/xerrors"

// Protocol error kinds. Operations wrap these with context identifying the
// election, trustee or question that failed; callers match with xerrors.Is.
var (
	// ErrInvalidElectionState flags an operation attempted in the wrong
	// phase of the election. Never retried automatically.
	ErrInvalidElectionState = xerrors.New("invalid election state")

	// ErrInvalidBallotProof flags a ballot whose well-formedness proofs do
	// not verify against the election key. The ballot is not stored.
	ErrInvalidBallotProof = xerrors.New("invalid ballot proof")

	// ErrInvalidShare flags a shared point that fails the Feldman check
	// against the sender's certificate.
	ErrInvalidShare = xerrors.New("invalid share")

	// ErrInvalidDecryptionProof flags a partial decryption whose
	// Chaum-Pedersen proof does not verify.
	ErrInvalidDecryptionProof = xerrors.New("invalid decryption proof")

	// ErrCeremonyIncomplete is returned while any trustee has not finished
	// the key ceremony. A pending condition, not a failure.
	ErrCeremonyIncomplete = xerrors.New("key ceremony incomplete")

	// ErrQuorumNotReached is returned while fewer than threshold trustees
	// have submitted valid decryptions. A pending condition, not a failure.
	ErrQuorumNotReached = xerrors.New("quorum not reached")

	// ErrDuplicateSubmission flags a trustee resubmitting a ceremony step
	// or decryption that was already recorded.
	ErrDuplicateSubmission = xerrors.New("duplicate submission")
)
