package protocol

import (
	"go.dedis.ch/kyber/v3"
	"golang.org/x/xerrors"

	"github.com/clcert/psifos/lib"
)

// PartialDecrypt produces the trustee's decryption factors for one sealed
// tally, each with a Chaum-Pedersen transcript tying it to the trustee's
// verification key.
func PartialDecrypt(kit *TrusteeKit, t *lib.Tally) (*lib.Decryption, error) {
	xi, err := kit.SecretShare()
	if err != nil {
		return nil, err
	}
	if !t.Computed {
		return nil, xerrors.Errorf("tally for question %d not sealed: %w",
			t.Question, lib.ErrInvalidElectionState)
	}

	cts := t.Ciphertexts()
	d := &lib.Decryption{
		Question: t.Question,
		Group:    t.Group,
		Type:     t.Type,
		Factors:  make([]kyber.Point, 0, len(cts)),
		Proofs:   make([]*lib.DecryptionProof, 0, len(cts)),
	}
	for _, c := range cts {
		prf, factor, err := lib.NewDecryptionProof(c, xi)
		if err != nil {
			return nil, err
		}
		d.Factors = append(d.Factors, factor)
		d.Proofs = append(d.Proofs, prf)
	}
	return d, nil
}

// PartialDecryptAll runs PartialDecrypt over every tally of an election.
func PartialDecryptAll(kit *TrusteeKit, tallies []*lib.Tally) ([]*lib.Decryption, error) {
	decs := make([]*lib.Decryption, 0, len(tallies))
	for _, t := range tallies {
		d, err := PartialDecrypt(kit, t)
		if err != nil {
			return nil, err
		}
		decs = append(decs, d)
	}
	return decs, nil
}
