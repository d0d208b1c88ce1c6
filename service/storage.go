package service

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"go.dedis.ch/onet/v3/network"
	"go.dedis.ch/protobuf"
	bolt "go.etcd.io/bbolt"
	"golang.org/x/xerrors"

	"github.com/clcert/psifos/lib"
)

// constructors lets protobuf rebuild kyber points and scalars on decode.
var constructors = network.DefaultConstructors(lib.Suite)

var (
	bucketElections = []byte("elections")
	bucketVoters    = []byte("voters")
	bucketTrustees  = []byte("trustees")
	bucketPoints    = []byte("points")
	bucketTallies   = []byte("tallies")
	bucketAudited   = []byte("audited")
	bucketResults   = []byte("results")
	bucketEvents    = []byte("events")
)

// storage is the durable record of the entity model: an arena of entities
// keyed by election UUID plus their own identifier. Bolt serializes writers,
// which is what makes the per-voter compare-and-replace and the monotonic
// status updates atomic.
type storage struct {
	db *bolt.DB
}

func openStorage(path string) (*storage, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, xerrors.Errorf("opening db: %v", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketElections, bucketVoters,
			bucketTrustees, bucketPoints, bucketTallies, bucketAudited,
			bucketResults, bucketEvents} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, xerrors.Errorf("creating buckets: %v", err)
	}
	return &storage{db: db}, nil
}

func (s *storage) close() error {
	return s.db.Close()
}

func encode(v interface{}) ([]byte, error) {
	return protobuf.Encode(v)
}

func decode(buf []byte, v interface{}) error {
	return protobuf.DecodeWithConstructors(buf, v, constructors)
}

func subKey(election string, parts ...interface{}) []byte {
	key := election
	for _, p := range parts {
		key += fmt.Sprintf("/%v", p)
	}
	return []byte(key)
}

func put(tx *bolt.Tx, bucket, key []byte, v interface{}) error {
	buf, err := encode(v)
	if err != nil {
		return xerrors.Errorf("encoding %s: %v", key, err)
	}
	return tx.Bucket(bucket).Put(key, buf)
}

// scan decodes every value under the election's key prefix.
func scan(tx *bolt.Tx, bucket []byte, election string, fn func(buf []byte) error) error {
	c := tx.Bucket(bucket).Cursor()
	prefix := []byte(election + "/")
	for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
		if err := fn(v); err != nil {
			return err
		}
	}
	return nil
}

func (s *storage) saveElection(e *lib.Election) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return put(tx, bucketElections, []byte(e.UUID), e)
	})
}

func (s *storage) election(uuid string) (*lib.Election, error) {
	e := &lib.Election{}
	err := s.db.View(func(tx *bolt.Tx) error {
		buf := tx.Bucket(bucketElections).Get([]byte(uuid))
		if buf == nil {
			return xerrors.Errorf("no election %s", uuid)
		}
		return decode(buf, e)
	})
	if err != nil {
		return nil, err
	}
	return e, nil
}

// updateElection applies fn to the election inside one write transaction.
func (s *storage) updateElection(uuid string, fn func(*lib.Election) error) (*lib.Election, error) {
	e := &lib.Election{}
	err := s.db.Update(func(tx *bolt.Tx) error {
		buf := tx.Bucket(bucketElections).Get([]byte(uuid))
		if buf == nil {
			return xerrors.Errorf("no election %s", uuid)
		}
		if err := decode(buf, e); err != nil {
			return err
		}
		if err := fn(e); err != nil {
			return err
		}
		return put(tx, bucketElections, []byte(uuid), e)
	})
	if err != nil {
		return nil, err
	}
	return e, nil
}

func (s *storage) saveVoter(election string, v *lib.Voter) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return put(tx, bucketVoters, subKey(election, v.LoginID), v)
	})
}

func (s *storage) voter(election, loginID string) (*lib.Voter, error) {
	v := &lib.Voter{}
	err := s.db.View(func(tx *bolt.Tx) error {
		buf := tx.Bucket(bucketVoters).Get(subKey(election, loginID))
		if buf == nil {
			return xerrors.Errorf("no voter %s in election %s", loginID, election)
		}
		return decode(buf, v)
	})
	if err != nil {
		return nil, err
	}
	return v, nil
}

// updateVoter applies fn to the voter's record atomically. Concurrent casts
// for the same voter serialize here, so replacement is decided on the
// freshest stored ballot, never a stale read.
func (s *storage) updateVoter(election, loginID string, fn func(*lib.Voter) error) (*lib.Voter, error) {
	v := &lib.Voter{}
	err := s.db.Update(func(tx *bolt.Tx) error {
		buf := tx.Bucket(bucketVoters).Get(subKey(election, loginID))
		if buf == nil {
			return xerrors.Errorf("no voter %s in election %s", loginID, election)
		}
		if err := decode(buf, v); err != nil {
			return err
		}
		if err := fn(v); err != nil {
			return err
		}
		return put(tx, bucketVoters, subKey(election, loginID), v)
	})
	if err != nil {
		return nil, err
	}
	return v, nil
}

func (s *storage) voters(election string) ([]*lib.Voter, error) {
	var voters []*lib.Voter
	err := s.db.View(func(tx *bolt.Tx) error {
		return scan(tx, bucketVoters, election, func(buf []byte) error {
			v := &lib.Voter{}
			if err := decode(buf, v); err != nil {
				return err
			}
			voters = append(voters, v)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return voters, nil
}

func (s *storage) saveTrustee(election string, tc *lib.TrusteeCrypto) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return put(tx, bucketTrustees, subKey(election, tc.Index), tc)
	})
}

func (s *storage) trustee(election string, index int) (*lib.TrusteeCrypto, error) {
	tc := &lib.TrusteeCrypto{}
	err := s.db.View(func(tx *bolt.Tx) error {
		buf := tx.Bucket(bucketTrustees).Get(subKey(election, index))
		if buf == nil {
			return xerrors.Errorf("no trustee %d in election %s", index, election)
		}
		return decode(buf, tc)
	})
	if err != nil {
		return nil, err
	}
	return tc, nil
}

func (s *storage) updateTrustee(election string, index int,
	fn func(*lib.TrusteeCrypto) error) (*lib.TrusteeCrypto, error) {

	tc := &lib.TrusteeCrypto{}
	err := s.db.Update(func(tx *bolt.Tx) error {
		buf := tx.Bucket(bucketTrustees).Get(subKey(election, index))
		if buf == nil {
			return xerrors.Errorf("no trustee %d in election %s", index, election)
		}
		if err := decode(buf, tc); err != nil {
			return err
		}
		if err := fn(tc); err != nil {
			return err
		}
		return put(tx, bucketTrustees, subKey(election, index), tc)
	})
	if err != nil {
		return nil, err
	}
	return tc, nil
}

func (s *storage) trustees(election string) ([]*lib.TrusteeCrypto, error) {
	var trustees []*lib.TrusteeCrypto
	err := s.db.View(func(tx *bolt.Tx) error {
		return scan(tx, bucketTrustees, election, func(buf []byte) error {
			tc := &lib.TrusteeCrypto{}
			if err := decode(buf, tc); err != nil {
				return err
			}
			trustees = append(trustees, tc)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return trustees, nil
}

func (s *storage) savePoints(election string, points []*lib.SharedPoint) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		for _, p := range points {
			key := subKey(election, p.Sender, p.Recipient)
			if err := put(tx, bucketPoints, key, p); err != nil {
				return err
			}
		}
		return nil
	})
}

// pointsFor collects the shared points addressed to one trustee.
func (s *storage) pointsFor(election string, recipient int) ([]*lib.SharedPoint, error) {
	var points []*lib.SharedPoint
	err := s.db.View(func(tx *bolt.Tx) error {
		return scan(tx, bucketPoints, election, func(buf []byte) error {
			p := &lib.SharedPoint{}
			if err := decode(buf, p); err != nil {
				return err
			}
			if p.Recipient == recipient {
				points = append(points, p)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return points, nil
}

func (s *storage) saveTally(election string, t *lib.Tally) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return put(tx, bucketTallies, subKey(election, t.Question, t.Group), t)
	})
}

func (s *storage) tallies(election string) ([]*lib.Tally, error) {
	var tallies []*lib.Tally
	err := s.db.View(func(tx *bolt.Tx) error {
		return scan(tx, bucketTallies, election, func(buf []byte) error {
			t := &lib.Tally{}
			if err := decode(buf, t); err != nil {
				return err
			}
			tallies = append(tallies, t)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return tallies, nil
}

func (s *storage) saveAudited(election string, ab *lib.AuditedBallot) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAudited)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		return put(tx, bucketAudited, subKey(election, seq), ab)
	})
}

func (s *storage) auditedBallots(election string) ([]*lib.AuditedBallot, error) {
	var ballots []*lib.AuditedBallot
	err := s.db.View(func(tx *bolt.Tx) error {
		return scan(tx, bucketAudited, election, func(buf []byte) error {
			ab := &lib.AuditedBallot{}
			if err := decode(buf, ab); err != nil {
				return err
			}
			ballots = append(ballots, ab)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return ballots, nil
}

// saveResults writes the final results. They are written exactly once;
// a second write is a duplicate submission.
func (s *storage) saveResults(election string, r *lib.Results) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketResults).Get([]byte(election)) != nil {
			return xerrors.Errorf("results for %s already written: %w",
				election, lib.ErrDuplicateSubmission)
		}
		return put(tx, bucketResults, []byte(election), r)
	})
}

func (s *storage) results(election string) (*lib.Results, error) {
	r := &lib.Results{}
	err := s.db.View(func(tx *bolt.Tx) error {
		buf := tx.Bucket(bucketResults).Get([]byte(election))
		if buf == nil {
			return xerrors.Errorf("no results for election %s", election)
		}
		return decode(buf, r)
	})
	if err != nil {
		return nil, err
	}
	return r, nil
}

func (s *storage) logEvent(ev *lib.ElectionEvent) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEvents)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		key := subKey(ev.Election, sequenceString(seq))
		return put(tx, bucketEvents, key, ev)
	})
}

func (s *storage) events(election string) ([]*lib.ElectionEvent, error) {
	var events []*lib.ElectionEvent
	err := s.db.View(func(tx *bolt.Tx) error {
		return scan(tx, bucketEvents, election, func(buf []byte) error {
			ev := &lib.ElectionEvent{}
			if err := decode(buf, ev); err != nil {
				return err
			}
			events = append(events, ev)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return events, nil
}

// sequenceString renders a sequence number so that keys sort in insertion
// order under the cursor scan.
func sequenceString(seq uint64) string {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, seq)
	return fmt.Sprintf("%x", buf)
}
