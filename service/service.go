// Package service drives the cryptographic lifecycle of elections: the
// trustee key ceremony, ballot admission, tally accumulation and threshold
// decryption. Every operation is gated by the election status, the single
// source of truth for which phase the election is in. Callers (the HTTP
// layer, trustee clients, voting clients) invoke the handlers synchronously
// and may do so concurrently.
package service

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"strconv"
	"sync"
	"time"

	uuid "github.com/satori/go.uuid"
	"go.dedis.ch/kyber/v3/sign/schnorr"
	"go.dedis.ch/onet/v3/log"
	"golang.org/x/xerrors"

	"github.com/clcert/psifos"
	"github.com/clcert/psifos/lib"
)

// Service is the core structure of the application.
type Service struct {
	// finalizeMutex protects tally computation and decryption combination,
	// the two operations that must run at most once.
	finalizeMutex sync.Mutex

	storage *storage
}

// New opens the election store at path and returns the service.
func New(path string) (*Service, error) {
	st, err := openStorage(path)
	if err != nil {
		return nil, err
	}
	return &Service{storage: st}, nil
}

// Close releases the underlying store.
func (s *Service) Close() error {
	return s.storage.close()
}

// CreateElection message handler. Registers a new election in setting_up.
func (s *Service) CreateElection(req *psifos.CreateElection) (*psifos.CreateElectionReply, error) {
	e := req.Election
	if e == nil || e.ShortName == "" {
		return nil, xerrors.New("election needs at least a short name")
	}
	if e.UUID == "" {
		e.UUID = uuid.NewV4().String()
	}
	if e.Type == "" {
		e.Type = lib.TypeElection
	}
	if e.LoginType == "" {
		e.LoginType = lib.LoginClosed
	}
	if e.MaxWeight < 1 {
		e.MaxWeight = 1
	}
	e.Status = lib.SettingUp

	if err := s.storage.saveElection(e); err != nil {
		return nil, err
	}
	log.Lvl2("created election", e.ShortName, e.UUID)
	return &psifos.CreateElectionReply{UUID: e.UUID}, nil
}

// AddQuestion message handler. Only legal while setting up.
func (s *Service) AddQuestion(req *psifos.AddQuestion) (*psifos.AddQuestionReply, error) {
	q := req.Question
	if q == nil || q.TotalOptions < 1 {
		return nil, xerrors.New("question needs options")
	}
	if q.MaxAnswers < q.MinAnswers {
		return nil, xerrors.New("question answer bounds are inverted")
	}
	_, err := s.storage.updateElection(req.Election, func(e *lib.Election) error {
		if e.Status != lib.SettingUp {
			return xerrors.Errorf("election is %v: %w", e.Status,
				lib.ErrInvalidElectionState)
		}
		if q.Num == 0 {
			q.Num = len(e.Questions) + 1
		}
		for _, other := range e.Questions {
			if other.Num == q.Num {
				return xerrors.Errorf("question %d exists: %w", q.Num,
					lib.ErrDuplicateSubmission)
			}
		}
		e.Questions = append(e.Questions, q)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &psifos.AddQuestionReply{}, nil
}

// AddVoters message handler. Uploads a batch of the roll while setting up.
func (s *Service) AddVoters(req *psifos.AddVoters) (*psifos.AddVotersReply, error) {
	e, err := s.storage.election(req.Election)
	if err != nil {
		return nil, err
	}
	if e.Status != lib.SettingUp {
		return nil, xerrors.Errorf("election is %v: %w", e.Status,
			lib.ErrInvalidElectionState)
	}
	for _, v := range req.Voters {
		if v.LoginID == "" {
			return nil, xerrors.New("voter without login id")
		}
		if v.WeightInit < 1 {
			v.WeightInit = 1
		}
		if err := s.storage.saveVoter(e.UUID, v); err != nil {
			return nil, err
		}
	}

	voters, err := s.storage.voters(e.UUID)
	if err != nil {
		return nil, err
	}
	e, err = s.storage.updateElection(e.UUID, func(e *lib.Election) error {
		e.TotalVoters = len(voters)
		for _, v := range voters {
			if v.WeightInit > e.MaxWeight {
				e.MaxWeight = v.WeightInit
			}
		}
		e.VotersByWeightInit = weightSummary(voters, func(v *lib.Voter) int {
			return v.WeightInit
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.event(e.UUID, lib.EventVoterFileUploaded, strconv.Itoa(len(req.Voters)))
	return &psifos.AddVotersReply{Total: e.TotalVoters}, nil
}

// AddTrustee message handler. Binds a trustee identity to the election.
func (s *Service) AddTrustee(req *psifos.AddTrustee) (*psifos.AddTrusteeReply, error) {
	var tc *lib.TrusteeCrypto
	e, err := s.storage.updateElection(req.Election, func(e *lib.Election) error {
		if e.Status != lib.SettingUp {
			return xerrors.Errorf("election is %v: %w", e.Status,
				lib.ErrInvalidElectionState)
		}
		e.TotalTrustees++
		tc = &lib.TrusteeCrypto{
			Trustee: lib.Trustee{
				UUID:    uuid.NewV4().String(),
				Index:   e.TotalTrustees,
				Name:    req.Name,
				LoginID: req.LoginID,
				Email:   req.Email,
			},
			CurrentStep:     lib.StepConfig,
			Key:             lib.Suite.Point().Null(),
			VerificationKey: lib.Suite.Point().Null(),
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if err := s.storage.saveTrustee(e.UUID, tc); err != nil {
		return nil, err
	}
	s.event(e.UUID, lib.EventTrusteeCreated, tc.LoginID)
	return &psifos.AddTrusteeReply{UUID: tc.UUID, Index: tc.Index}, nil
}

// StartKeyCeremony message handler. Checks the setup is complete and moves
// the election to ready_key_generation.
func (s *Service) StartKeyCeremony(req *psifos.StartKeyCeremony) (*psifos.StartKeyCeremonyReply, error) {
	e, err := s.storage.updateElection(req.Election, func(e *lib.Election) error {
		if len(e.Questions) == 0 {
			return xerrors.Errorf("election has no questions: %w",
				lib.ErrInvalidElectionState)
		}
		if e.TotalTrustees == 0 {
			return xerrors.Errorf("election has no trustees: %w",
				lib.ErrInvalidElectionState)
		}
		if e.LoginType == lib.LoginClosed && e.TotalVoters == 0 {
			return xerrors.Errorf("closed election has no voters: %w",
				lib.ErrInvalidElectionState)
		}
		if e.Threshold == 0 {
			e.Threshold = lib.DefaultThreshold(e.TotalTrustees)
		}
		if e.Threshold < 1 || e.Threshold > e.TotalTrustees {
			return xerrors.Errorf("threshold %d out of range for %d trustees",
				e.Threshold, e.TotalTrustees)
		}
		next, err := e.Status.Advance(lib.ReadyKeyGeneration)
		if err != nil {
			return err
		}
		e.Status = next
		return nil
	})
	if err != nil {
		return nil, err
	}
	log.Lvl2("key ceremony started for", e.ShortName, "threshold", e.Threshold)
	return &psifos.StartKeyCeremonyReply{Threshold: e.Threshold}, nil
}

// SubmitTrusteeStep message handler. Dispatches on the payload to the step
// being completed and returns the trustee's new step.
func (s *Service) SubmitTrusteeStep(req *psifos.SubmitTrusteeStep) (*psifos.SubmitTrusteeStepReply, error) {
	e, err := s.storage.election(req.Election)
	if err != nil {
		return nil, err
	}
	if e.Status != lib.ReadyKeyGeneration {
		return nil, xerrors.Errorf("election is %v: %w", e.Status,
			lib.ErrInvalidElectionState)
	}

	var tc *lib.TrusteeCrypto
	switch {
	case req.Key != nil:
		tc, err = s.submitTrusteeKey(e, req)
	case req.Certificate != nil:
		tc, err = s.submitCertificate(e, req)
	case req.Points != nil:
		tc, err = s.submitPoints(e, req)
	case req.Acknowledgements != nil:
		tc, err = s.submitAcknowledgements(e, req)
	default:
		return nil, xerrors.New("step submission carries no payload")
	}
	if err != nil {
		return nil, psifos.ErrorOrNil(err, "ceremony step")
	}
	return &psifos.SubmitTrusteeStepReply{CurrentStep: tc.CurrentStep}, nil
}

// submitTrusteeKey records the trustee's public key (step 0 to 1). Once
// every trustee has a key the whole set advances to the certificates step.
func (s *Service) submitTrusteeKey(e *lib.Election, req *psifos.SubmitTrusteeStep) (*lib.TrusteeCrypto, error) {
	tc, err := s.storage.updateTrustee(e.UUID, req.Index, func(tc *lib.TrusteeCrypto) error {
		next, err := tc.CurrentStep.Advance(lib.StepSecretKey)
		if err != nil {
			return err
		}
		tc.CurrentStep = next
		tc.Key = req.Key
		tc.PublicKeyHash = lib.HashPoint(req.Key)
		return nil
	})
	if err != nil {
		return nil, err
	}

	trustees, err := s.storage.trustees(e.UUID)
	if err != nil {
		return nil, err
	}
	for _, other := range trustees {
		if other.CurrentStep < lib.StepSecretKey {
			return tc, nil
		}
	}
	for _, other := range trustees {
		updated, err := s.storage.updateTrustee(e.UUID, other.Index,
			func(tc *lib.TrusteeCrypto) error {
				if tc.CurrentStep == lib.StepSecretKey {
					tc.CurrentStep = lib.StepCertificates
				}
				return nil
			})
		if err != nil {
			return nil, err
		}
		if updated.Index == tc.Index {
			tc = updated
		}
	}
	return tc, nil
}

// submitCertificate records the Feldman commitments (step 2 to 3).
func (s *Service) submitCertificate(e *lib.Election, req *psifos.SubmitTrusteeStep) (*lib.TrusteeCrypto, error) {
	if len(req.Certificate.Commits) != e.Threshold {
		return nil, xerrors.Errorf("certificate carries %d commitments, "+
			"threshold is %d: %w", len(req.Certificate.Commits), e.Threshold,
			lib.ErrInvalidShare)
	}
	return s.storage.updateTrustee(e.UUID, req.Index, func(tc *lib.TrusteeCrypto) error {
		next, err := tc.CurrentStep.Advance(lib.StepCoefficients)
		if err != nil {
			return err
		}
		tc.CurrentStep = next
		tc.Certificate = req.Certificate
		return nil
	})
}

// submitPoints stores the encrypted shared points (step 3 to 4). The server
// relays the blobs; it cannot read them.
func (s *Service) submitPoints(e *lib.Election, req *psifos.SubmitTrusteeStep) (*lib.TrusteeCrypto, error) {
	if len(req.Points) != e.TotalTrustees {
		return nil, xerrors.Errorf("expected %d points, got %d: %w",
			e.TotalTrustees, len(req.Points), lib.ErrInvalidShare)
	}
	seen := make(map[int]bool, len(req.Points))
	for _, p := range req.Points {
		if p.Sender != req.Index {
			return nil, xerrors.Errorf("point claims sender %d, trustee is %d: %w",
				p.Sender, req.Index, lib.ErrInvalidShare)
		}
		if p.Recipient < 1 || p.Recipient > e.TotalTrustees || seen[p.Recipient] {
			return nil, xerrors.Errorf("bad point recipient %d: %w",
				p.Recipient, lib.ErrInvalidShare)
		}
		seen[p.Recipient] = true
	}

	tc, err := s.storage.updateTrustee(e.UUID, req.Index, func(tc *lib.TrusteeCrypto) error {
		next, err := tc.CurrentStep.Advance(lib.StepPoints)
		if err != nil {
			return err
		}
		tc.CurrentStep = next
		return nil
	})
	if err != nil {
		return nil, err
	}
	if err := s.storage.savePoints(e.UUID, req.Points); err != nil {
		return nil, err
	}
	return tc, nil
}

// submitAcknowledgements closes the ceremony for one trustee (step 4 to 5):
// it checks one signed acknowledgement per sender, derives the trustee's
// verification key from the certificates, and, when this was the last
// trustee, combines the election key.
func (s *Service) submitAcknowledgements(e *lib.Election, req *psifos.SubmitTrusteeStep) (*lib.TrusteeCrypto, error) {
	trustees, err := s.storage.trustees(e.UUID)
	if err != nil {
		return nil, err
	}
	certs := make(map[int]*lib.Certificate, len(trustees))
	var self *lib.TrusteeCrypto
	for _, tc := range trustees {
		if tc.Certificate == nil {
			return nil, xerrors.Errorf("trustee %d has no certificate: %w",
				tc.Index, lib.ErrCeremonyIncomplete)
		}
		certs[tc.Index] = tc.Certificate
		if tc.Index == req.Index {
			self = tc
		}
	}
	if self == nil {
		return nil, xerrors.Errorf("no trustee %d in election %s", req.Index, e.UUID)
	}

	if len(req.Acknowledgements) != len(trustees) {
		return nil, xerrors.Errorf("expected %d acknowledgements, got %d: %w",
			len(trustees), len(req.Acknowledgements), lib.ErrInvalidShare)
	}
	for _, ack := range req.Acknowledgements {
		if ack.Recipient != req.Index {
			return nil, xerrors.Errorf("acknowledgement issued by %d, trustee "+
				"is %d: %w", ack.Recipient, req.Index, lib.ErrInvalidShare)
		}
		cert, ok := certs[ack.Sender]
		if !ok {
			return nil, xerrors.Errorf("acknowledgement for unknown trustee "+
				"%d: %w", ack.Sender, lib.ErrInvalidShare)
		}
		msg := lib.AckMessage(ack.Sender, ack.Recipient, cert)
		if err := schnorr.Verify(lib.Suite, self.Key, msg, ack.Signature); err != nil {
			return nil, xerrors.Errorf("acknowledgement of trustee %d for "+
				"sender %d: %v: %w", req.Index, ack.Sender, err, lib.ErrInvalidShare)
		}
	}

	vk, err := lib.VerificationKey(trustees, req.Index)
	if err != nil {
		return nil, err
	}
	tc, err := s.storage.updateTrustee(e.UUID, req.Index, func(tc *lib.TrusteeCrypto) error {
		next, err := tc.CurrentStep.Advance(lib.StepWaitingDecryptions)
		if err != nil {
			return err
		}
		tc.CurrentStep = next
		tc.Acknowledgements = req.Acknowledgements
		tc.VerificationKey = vk
		return nil
	})
	if err != nil {
		return nil, err
	}

	return tc, s.maybeCombineKey(e.UUID)
}

// maybeCombineKey folds the election key and opens the election for voting
// preparation once every trustee finished the ceremony.
func (s *Service) maybeCombineKey(election string) error {
	trustees, err := s.storage.trustees(election)
	if err != nil {
		return err
	}
	if !lib.CeremonyComplete(trustees) {
		return nil
	}
	key, err := lib.CombinedKey(trustees)
	if err != nil {
		return err
	}
	_, err = s.storage.updateElection(election, func(e *lib.Election) error {
		if e.Status != lib.ReadyKeyGeneration {
			return nil
		}
		next, err := e.Status.Advance(lib.ReadyOpening)
		if err != nil {
			return err
		}
		e.Status = next
		e.Key = key
		return nil
	})
	if err != nil {
		return err
	}
	s.event(election, lib.EventPublicKeyUploaded, "")
	log.Lvl2("election key combined for", election)
	return nil
}

// CombinedPublicKey message handler. Fails while the ceremony is running.
func (s *Service) CombinedPublicKey(req *psifos.CombinedPublicKey) (*psifos.CombinedPublicKeyReply, error) {
	e, err := s.storage.election(req.Election)
	if err != nil {
		return nil, err
	}
	if e.Key == nil {
		return nil, xerrors.Errorf("election %s: %w", e.UUID,
			lib.ErrCeremonyIncomplete)
	}
	return &psifos.CombinedPublicKeyReply{Key: e.Key}, nil
}

// CeremonyStatus message handler. Reports each trustee's step; a trustee
// that never advances shows up here as awaited, it is not skipped.
func (s *Service) CeremonyStatus(req *psifos.CeremonyStatus) (*psifos.CeremonyStatusReply, error) {
	trustees, err := s.storage.trustees(req.Election)
	if err != nil {
		return nil, err
	}
	reply := &psifos.CeremonyStatusReply{Complete: lib.CeremonyComplete(trustees)}
	for _, tc := range trustees {
		reply.Trustees = append(reply.Trustees, &psifos.TrusteeProgress{
			Index:       tc.Index,
			Name:        tc.Name,
			CurrentStep: tc.CurrentStep,
		})
	}
	return reply, nil
}

// OpenElection message handler. Opens the voting window.
func (s *Service) OpenElection(req *psifos.OpenElection) (*psifos.OpenElectionReply, error) {
	at := req.At
	if at == 0 {
		at = time.Now().Unix()
	}
	_, err := s.storage.updateElection(req.Election, func(e *lib.Election) error {
		next, err := e.Status.Advance(lib.Started)
		if err != nil {
			return err
		}
		e.Status = next
		e.VotingStartedAt = at
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.event(req.Election, lib.EventVotingStarted, "")
	return &psifos.OpenElectionReply{}, nil
}

// CloseElection message handler. Closes the voting window.
func (s *Service) CloseElection(req *psifos.CloseElection) (*psifos.CloseElectionReply, error) {
	at := req.At
	if at == 0 {
		at = time.Now().Unix()
	}
	_, err := s.storage.updateElection(req.Election, func(e *lib.Election) error {
		next, err := e.Status.Advance(lib.Ended)
		if err != nil {
			return err
		}
		e.Status = next
		e.VotingEndedAt = at
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.event(req.Election, lib.EventVotingStopped, "")
	return &psifos.CloseElectionReply{}, nil
}

// CastBallot message handler. Admits a ballot in cast or audit mode. An
// invalid proof rejects the whole ballot; nothing of it is stored besides
// the voter's invalid counter.
func (s *Service) CastBallot(req *psifos.CastBallot) (*psifos.CastBallotReply, error) {
	e, err := s.storage.election(req.Election)
	if err != nil {
		return nil, err
	}
	if e.Status != lib.Started {
		return nil, xerrors.Errorf("election is %v: %w", e.Status,
			lib.ErrInvalidElectionState)
	}
	now := req.CastAt
	if now == 0 {
		now = time.Now().Unix()
	}
	if !e.WindowOpen(now) {
		return nil, xerrors.Errorf("voting window closed: %w",
			lib.ErrInvalidElectionState)
	}
	if req.Ballot == nil {
		return nil, xerrors.Errorf("no ballot: %w", lib.ErrInvalidBallotProof)
	}

	_, err = s.storage.voter(e.UUID, req.LoginID)
	if err != nil {
		if e.LoginType == lib.LoginClosed {
			return nil, xerrors.Errorf("voter %s is not on the roll: %w",
				req.LoginID, lib.ErrInvalidElectionState)
		}
		// open registration: first contact registers the voter
		v := &lib.Voter{LoginID: req.LoginID, Name: req.LoginID,
			WeightInit: 1}
		if err := s.storage.saveVoter(e.UUID, v); err != nil {
			return nil, err
		}
		if _, err := s.storage.updateElection(e.UUID, func(e *lib.Election) error {
			e.TotalVoters++
			return nil
		}); err != nil {
			return nil, err
		}
	}

	if err := req.Ballot.Verify(e.Key, e.Questions); err != nil {
		if _, uerr := s.storage.updateVoter(e.UUID, req.LoginID,
			func(v *lib.Voter) error {
				v.InvalidCastVotes++
				return nil
			}); uerr != nil {
			log.Error("recording invalid cast:", uerr)
		}
		log.Lvl2("rejected ballot from", req.LoginID, err)
		return nil, psifos.ErrorOrNil(err, "ballot rejected")
	}

	receipt := req.Ballot.Hash()
	if req.Mode == psifos.ModeAudit {
		err := s.storage.saveAudited(e.UUID, &lib.AuditedBallot{
			VoterLoginID: req.LoginID,
			Ballot:       req.Ballot,
			Hash:         receipt,
			AddedAt:      now,
		})
		if err != nil {
			return nil, err
		}
		return &psifos.CastBallotReply{Receipt: receipt, Audited: true}, nil
	}

	// last cast wins; the update is atomic so concurrent casts for the
	// same voter cannot keep a stale ballot
	_, err = s.storage.updateVoter(e.UUID, req.LoginID, func(v *lib.Voter) error {
		v.ValidCastVotes++
		v.Replace(&lib.CastVote{
			Ballot:  req.Ballot,
			Hash:    receipt,
			IsValid: true,
			CastAt:  now,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &psifos.CastBallotReply{Receipt: receipt}, nil
}

// ComputeTally message handler. Accumulates every voter's latest valid
// ballot into per-question (and per-group) tallies. Idempotent: once the
// tally is computed the stored accumulators are returned unchanged.
func (s *Service) ComputeTally(req *psifos.ComputeTally) (*psifos.ComputeTallyReply, error) {
	s.finalizeMutex.Lock()
	defer s.finalizeMutex.Unlock()

	e, err := s.storage.election(req.Election)
	if err != nil {
		return nil, err
	}
	if e.Status.AtLeast(lib.TallyComputed) {
		tallies, err := s.storage.tallies(e.UUID)
		if err != nil {
			return nil, err
		}
		sortTallies(tallies)
		return &psifos.ComputeTallyReply{Tallies: tallies}, nil
	}
	if e.Status != lib.Ended {
		return nil, xerrors.Errorf("election is %v: %w", e.Status,
			lib.ErrInvalidElectionState)
	}

	e, err = s.storage.updateElection(e.UUID, func(e *lib.Election) error {
		next, err := e.Status.Advance(lib.ComputingTally)
		if err != nil {
			return err
		}
		e.Status = next
		return nil
	})
	if err != nil {
		return nil, err
	}

	voters, err := s.storage.voters(e.UUID)
	if err != nil {
		return nil, err
	}

	tallies := make(map[string]*lib.Tally)
	slot := func(q *lib.Question, group string) *lib.Tally {
		key := strconv.Itoa(q.Num) + "/" + group
		if t, ok := tallies[key]; ok {
			return t
		}
		t := lib.NewTally(q, group)
		tallies[key] = t
		return t
	}
	for _, q := range e.Questions {
		slot(q, "")
	}

	for _, v := range voters {
		if v.CastVote == nil || !v.CastVote.IsValid {
			continue
		}
		weight := int64(v.WeightInit)
		for _, q := range e.Questions {
			answer, err := v.CastVote.Ballot.Answer(q.Num)
			if err != nil {
				return nil, err
			}
			if err := slot(q, "").Accumulate(answer, weight); err != nil {
				return nil, err
			}
			if e.Grouped && v.Group != "" {
				if err := slot(q, v.Group).Accumulate(answer, weight); err != nil {
					return nil, err
				}
			}
		}
		if _, err := s.storage.updateVoter(e.UUID, v.LoginID,
			func(v *lib.Voter) error {
				v.WeightEnd = v.WeightInit
				return nil
			}); err != nil {
			return nil, err
		}
	}

	var sealed []*lib.Tally
	for _, t := range tallies {
		if err := t.Finish(e.Key); err != nil {
			return nil, err
		}
		if err := s.storage.saveTally(e.UUID, t); err != nil {
			return nil, err
		}
		sealed = append(sealed, t)
	}
	sortTallies(sealed)

	voters, err = s.storage.voters(e.UUID)
	if err != nil {
		return nil, err
	}
	_, err = s.storage.updateElection(e.UUID, func(e *lib.Election) error {
		next, err := e.Status.Advance(lib.TallyComputed)
		if err != nil {
			return err
		}
		e.Status = next
		e.EncryptedTallyHash = talliesHash(sealed)
		e.VotersByWeightEnd = weightSummary(voters, func(v *lib.Voter) int {
			return v.WeightEnd
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.event(e.UUID, lib.EventTallyComputed, "")
	log.Lvl2("tally computed for", e.ShortName)
	return &psifos.ComputeTallyReply{Tallies: sealed}, nil
}

// SubmitDecryption message handler. Verifies a trustee's factors for every
// tally slot and records them, then re-evaluates whether the quorum now
// holds and combines at most once.
func (s *Service) SubmitDecryption(req *psifos.SubmitDecryption) (*psifos.SubmitDecryptionReply, error) {
	s.finalizeMutex.Lock()
	defer s.finalizeMutex.Unlock()

	e, err := s.storage.election(req.Election)
	if err != nil {
		return nil, err
	}
	if !e.Status.AtLeast(lib.TallyComputed) {
		return nil, xerrors.Errorf("election is %v: %w", e.Status,
			lib.ErrInvalidElectionState)
	}
	alreadyCombined := e.Status.AtLeast(lib.DecryptionsCombined)

	tc, err := s.storage.trustee(e.UUID, req.Index)
	if err != nil {
		return nil, err
	}
	tallies, err := s.storage.tallies(e.UUID)
	if err != nil {
		return nil, err
	}
	if len(req.Decryptions) != len(tallies) {
		return nil, xerrors.Errorf("expected decryptions for %d tallies, "+
			"got %d: %w", len(tallies), len(req.Decryptions),
			lib.ErrInvalidDecryptionProof)
	}
	for _, d := range req.Decryptions {
		t := findTally(tallies, d.Question, d.Group)
		if t == nil {
			return nil, xerrors.Errorf("no tally for question %d group %q: %w",
				d.Question, d.Group, lib.ErrInvalidDecryptionProof)
		}
		if tc.Decryption(d.Question, d.Group) != nil {
			return nil, xerrors.Errorf("trustee %d already decrypted "+
				"question %d: %w", req.Index, d.Question,
				lib.ErrDuplicateSubmission)
		}
		if err := d.Verify(t, tc.VerificationKey); err != nil {
			log.Lvl2("rejected decryption from trustee", req.Index, err)
			return nil, psifos.ErrorOrNil(err, "decryption rejected")
		}
	}

	_, err = s.storage.updateTrustee(e.UUID, req.Index,
		func(tc *lib.TrusteeCrypto) error {
			next, err := tc.CurrentStep.Advance(lib.StepDecryptionsSent)
			if err != nil {
				return err
			}
			tc.CurrentStep = next
			tc.Decryptions = append(tc.Decryptions, req.Decryptions...)
			return nil
		})
	if err != nil {
		return nil, err
	}
	s.event(e.UUID, lib.EventDecryptionReceived, strconv.Itoa(req.Index))

	e, err = s.storage.updateElection(e.UUID, func(e *lib.Election) error {
		e.DecryptionsUploaded++
		if e.Status == lib.TallyComputed && e.DecryptionsUploaded >= e.Threshold {
			next, err := e.Status.Advance(lib.DecryptionsUploaded)
			if err != nil {
				return err
			}
			e.Status = next
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	// a late decryption after combination is recorded but changes nothing
	if alreadyCombined {
		return &psifos.SubmitDecryptionReply{}, nil
	}
	combined, err := s.maybeCombine(e)
	if err != nil {
		return nil, err
	}
	return &psifos.SubmitDecryptionReply{Combined: combined}, nil
}

// maybeCombine runs the quorum combination once. The caller holds
// finalizeMutex; the status check makes re-triggering a no-op.
func (s *Service) maybeCombine(e *lib.Election) (bool, error) {
	if e.Status != lib.DecryptionsUploaded {
		return false, nil
	}

	trustees, err := s.storage.trustees(e.UUID)
	if err != nil {
		return false, err
	}
	tallies, err := s.storage.tallies(e.UUID)
	if err != nil {
		return false, err
	}

	results := &lib.Results{}
	grouped := make(map[string]*lib.GroupResult)
	sortTallies(tallies)
	for _, t := range tallies {
		decs := make(map[int]*lib.Decryption)
		for _, tc := range trustees {
			if d := tc.Decryption(t.Question, t.Group); d != nil {
				decs[tc.Index] = d
			}
		}
		log.Lvl3("combining question", t.Question, "group", t.Group,
			"with", len(decs), "decryptions")
		result, err := lib.CombineTally(t, decs, e.Threshold, e.TotalTrustees)
		if err != nil {
			return false, err
		}
		if t.Group == "" {
			results.TotalResult = append(results.TotalResult, result)
			continue
		}
		g, ok := grouped[t.Group]
		if !ok {
			g = &lib.GroupResult{Group: t.Group}
			grouped[t.Group] = g
			results.GroupedResult = append(results.GroupedResult, g)
		}
		g.Results = append(g.Results, result)
	}
	sort.Slice(results.GroupedResult, func(i, j int) bool {
		return results.GroupedResult[i].Group < results.GroupedResult[j].Group
	})

	if err := s.storage.saveResults(e.UUID, results); err != nil {
		return false, err
	}
	_, err = s.storage.updateElection(e.UUID, func(e *lib.Election) error {
		next, err := e.Status.Advance(lib.DecryptionsCombined)
		if err != nil {
			return err
		}
		e.Status = next
		return nil
	})
	if err != nil {
		return false, err
	}
	s.event(e.UUID, lib.EventDecryptionsCombine, "")
	log.Lvl2("decryptions combined for", e.ShortName)
	return true, nil
}

// PendingDecryptions message handler. Reports which trustees are awaited.
func (s *Service) PendingDecryptions(req *psifos.PendingDecryptions) (*psifos.PendingDecryptionsReply, error) {
	trustees, err := s.storage.trustees(req.Election)
	if err != nil {
		return nil, err
	}
	reply := &psifos.PendingDecryptionsReply{}
	for _, tc := range trustees {
		if tc.CurrentStep < lib.StepDecryptionsSent {
			reply.Missing = append(reply.Missing, tc.Index)
		}
	}
	return reply, nil
}

// CombineDecryptions message handler. Externally re-triggerable combination
// for one question; idempotent once the results exist.
func (s *Service) CombineDecryptions(req *psifos.CombineDecryptions) (*psifos.CombineDecryptionsReply, error) {
	s.finalizeMutex.Lock()
	defer s.finalizeMutex.Unlock()

	e, err := s.storage.election(req.Election)
	if err != nil {
		return nil, err
	}
	if !e.Status.AtLeast(lib.DecryptionsCombined) {
		if _, err := s.maybeCombine(e); err != nil {
			return nil, err
		}
		e, err = s.storage.election(e.UUID)
		if err != nil {
			return nil, err
		}
		if !e.Status.AtLeast(lib.DecryptionsCombined) {
			return nil, xerrors.Errorf("election %s: %w", e.UUID,
				lib.ErrQuorumNotReached)
		}
	}

	results, err := s.storage.results(e.UUID)
	if err != nil {
		return nil, err
	}
	for _, r := range results.TotalResult {
		if r.Question == req.Question {
			return &psifos.CombineDecryptionsReply{Result: r}, nil
		}
	}
	return nil, xerrors.Errorf("no result for question %d", req.Question)
}

// ReleaseResults message handler. The explicit publish action.
func (s *Service) ReleaseResults(req *psifos.ReleaseResults) (*psifos.ReleaseResultsReply, error) {
	e, err := s.storage.updateElection(req.Election, func(e *lib.Election) error {
		next, err := e.Status.Advance(lib.ResultsReleased)
		if err != nil {
			return err
		}
		e.Status = next
		return nil
	})
	if err != nil {
		return nil, err
	}
	results, err := s.storage.results(e.UUID)
	if err != nil {
		return nil, err
	}
	s.event(e.UUID, lib.EventResultsReleased, "")
	log.Lvl1("results released for", e.ShortName)
	return &psifos.ReleaseResultsReply{Results: results}, nil
}

// Election returns the stored election record.
func (s *Service) Election(uuid string) (*lib.Election, error) {
	return s.storage.election(uuid)
}

// Trustees returns the ceremony records of an election, public fields only
// from the trustees' point of view but served whole to the administrator.
func (s *Service) Trustees(election string) ([]*lib.TrusteeCrypto, error) {
	return s.storage.trustees(election)
}

// Points returns the encrypted shared points addressed to one trustee.
func (s *Service) Points(election string, recipient int) ([]*lib.SharedPoint, error) {
	return s.storage.pointsFor(election, recipient)
}

// AuditedBallots returns the spoiled ballots kept for verification.
func (s *Service) AuditedBallots(election string) ([]*lib.AuditedBallot, error) {
	return s.storage.auditedBallots(election)
}

// Events returns the election's public audit log in insertion order.
func (s *Service) Events(election string) ([]*lib.ElectionEvent, error) {
	return s.storage.events(election)
}

// event appends to the election's public audit log. Log failures are
// reported, not fatal: the entity change already committed.
func (s *Service) event(election, name, params string) {
	err := s.storage.logEvent(&lib.ElectionEvent{
		Election:  election,
		Event:     name,
		Params:    params,
		CreatedAt: time.Now().Unix(),
	})
	if err != nil {
		log.Error("logging event:", err)
	}
}

func findTally(tallies []*lib.Tally, question int, group string) *lib.Tally {
	for _, t := range tallies {
		if t.Question == question && t.Group == group {
			return t
		}
	}
	return nil
}

func sortTallies(tallies []*lib.Tally) {
	sort.Slice(tallies, func(i, j int) bool {
		if tallies[i].Question != tallies[j].Question {
			return tallies[i].Question < tallies[j].Question
		}
		return tallies[i].Group < tallies[j].Group
	})
}

func talliesHash(tallies []*lib.Tally) string {
	h := sha256.New()
	for _, t := range tallies {
		h.Write([]byte(t.Hash()))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// weightSummary renders the weight distribution of the roll, mirroring the
// voters_by_weight bookkeeping of the published election data.
func weightSummary(voters []*lib.Voter, weight func(*lib.Voter) int) string {
	counts := make(map[string]int)
	for _, v := range voters {
		counts[strconv.Itoa(weight(v))]++
	}
	buf, err := json.Marshal(counts)
	if err != nil {
		return ""
	}
	return string(buf)
}
