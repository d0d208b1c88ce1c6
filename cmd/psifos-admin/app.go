// psifos-admin drives an election through its whole lifecycle against a
// local store: setup from a toml description, the trustee key ceremony,
// voting, tally and threshold decryption. The demo command runs all of it
// in one process with simulated trustees, which is also a useful smoke test
// of the cryptographic pipeline.
package main

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
	"go.dedis.ch/onet/v3/log"
	"gopkg.in/urfave/cli.v1"

	"github.com/clcert/psifos"
	"github.com/clcert/psifos/lib"
	"github.com/clcert/psifos/protocol"
	"github.com/clcert/psifos/service"
)

type electionConfig struct {
	Election struct {
		ShortName   string `toml:"short_name"`
		Name        string
		Description string
		LoginType   string `toml:"login_type"`
		Threshold   int
		Grouped     bool
	}
	Question []struct {
		Type         string
		Text         string
		TotalOptions int `toml:"total_options"`
		MinAnswers   int `toml:"min_answers"`
		MaxAnswers   int `toml:"max_answers"`
	}
	Voter []struct {
		LoginID string `toml:"login_id"`
		Name    string
		Weight  int
		Group   string
	}
	Trustee []struct {
		Name    string
		LoginID string `toml:"login_id"`
		Email   string
	}
	Vote []struct {
		Voter string
		// Selections holds one selection per question: a 0/1 vector for
		// closed questions, payload bytes for mixnet questions.
		Selections [][]int
	}
}

var cmds = cli.Commands{
	{
		Name:      "create",
		Usage:     "create an election from a toml description and start the key ceremony",
		ArgsUsage: "election.toml",
		Action:    create,
	},
	{
		Name:      "status",
		Usage:     "show an election's status, ceremony progress and awaited trustees",
		ArgsUsage: "election-uuid",
		Action:    status,
	},
	{
		Name:      "open",
		Usage:     "open the voting window",
		ArgsUsage: "election-uuid",
		Action:    open,
	},
	{
		Name:      "close",
		Usage:     "close the voting window",
		ArgsUsage: "election-uuid",
		Action:    closeElection,
	},
	{
		Name:      "tally",
		Usage:     "accumulate the cast ballots into encrypted tallies",
		ArgsUsage: "election-uuid",
		Action:    tally,
	},
	{
		Name:      "release",
		Usage:     "release and print the combined results",
		ArgsUsage: "election-uuid",
		Action:    release,
	},
	{
		Name:      "demo",
		Usage:     "run a complete election locally with simulated trustees",
		ArgsUsage: "election.toml",
		Action:    demo,
	},
}

func main() {
	app := cli.NewApp()
	app.Name = "psifos-admin"
	app.Usage = "administrate verifiable elections"
	app.Commands = cmds
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "db",
			Value: "psifos.db",
			Usage: "path of the election store",
		},
		cli.IntFlag{
			Name:  "debug, d",
			Value: 1,
			Usage: "debug level from 1 to 5",
		},
	}
	app.Before = func(c *cli.Context) error {
		log.SetDebugVisible(c.GlobalInt("debug"))
		return nil
	}
	log.ErrFatal(app.Run(os.Args))
}

func openService(c *cli.Context) *service.Service {
	s, err := service.New(c.GlobalString("db"))
	log.ErrFatal(err)
	return s
}

func loadConfig(c *cli.Context) *electionConfig {
	if c.NArg() < 1 {
		log.Fatal("please give the election description file")
	}
	cfg := &electionConfig{}
	_, err := toml.DecodeFile(c.Args().First(), cfg)
	log.ErrFatal(err)
	return cfg
}

func electionArg(c *cli.Context) string {
	if c.NArg() < 1 {
		log.Fatal("please give the election uuid")
	}
	return c.Args().First()
}

// setup registers the election, its questions, voters and trustees, and
// moves it into the key ceremony.
func setup(s *service.Service, cfg *electionConfig) (string, []int) {
	e := &lib.Election{
		ShortName:   cfg.Election.ShortName,
		Name:        cfg.Election.Name,
		Description: cfg.Election.Description,
		LoginType:   lib.LoginType(cfg.Election.LoginType),
		Threshold:   cfg.Election.Threshold,
		Grouped:     cfg.Election.Grouped,
	}
	created, err := s.CreateElection(&psifos.CreateElection{Election: e})
	log.ErrFatal(err)
	election := created.UUID

	for i, q := range cfg.Question {
		qt := lib.QuestionType(q.Type)
		if qt == "" {
			qt = lib.QuestionClosed
		}
		_, err = s.AddQuestion(&psifos.AddQuestion{
			Election: election,
			Question: &lib.Question{
				Num:          i + 1,
				Type:         qt,
				Text:         q.Text,
				TotalOptions: q.TotalOptions,
				MinAnswers:   q.MinAnswers,
				MaxAnswers:   q.MaxAnswers,
			},
		})
		log.ErrFatal(err)
	}

	var voters []*lib.Voter
	for _, v := range cfg.Voter {
		voters = append(voters, &lib.Voter{
			LoginID:    v.LoginID,
			Name:       v.Name,
			WeightInit: v.Weight,
			Group:      v.Group,
		})
	}
	if len(voters) > 0 {
		_, err = s.AddVoters(&psifos.AddVoters{Election: election, Voters: voters})
		log.ErrFatal(err)
	}

	var indices []int
	for _, t := range cfg.Trustee {
		reply, err := s.AddTrustee(&psifos.AddTrustee{
			Election: election,
			Name:     t.Name,
			LoginID:  t.LoginID,
			Email:    t.Email,
		})
		log.ErrFatal(err)
		indices = append(indices, reply.Index)
	}

	ceremony, err := s.StartKeyCeremony(&psifos.StartKeyCeremony{Election: election})
	log.ErrFatal(err)
	log.Infof("election %s created, ceremony started with threshold %d",
		election, ceremony.Threshold)
	return election, indices
}

func create(c *cli.Context) error {
	s := openService(c)
	defer s.Close()
	setup(s, loadConfig(c))
	return nil
}

func status(c *cli.Context) error {
	s := openService(c)
	defer s.Close()
	election := electionArg(c)

	ceremony, err := s.CeremonyStatus(&psifos.CeremonyStatus{Election: election})
	log.ErrFatal(err)
	fmt.Println("ceremony complete:", ceremony.Complete)
	for _, t := range ceremony.Trustees {
		fmt.Printf("  trustee %d (%s): %v\n", t.Index, t.Name, t.CurrentStep)
	}
	pending, err := s.PendingDecryptions(&psifos.PendingDecryptions{Election: election})
	if err == nil && len(pending.Missing) > 0 {
		fmt.Println("awaiting decryptions from trustees:", pending.Missing)
	}
	return nil
}

func open(c *cli.Context) error {
	s := openService(c)
	defer s.Close()
	_, err := s.OpenElection(&psifos.OpenElection{Election: electionArg(c)})
	return err
}

func closeElection(c *cli.Context) error {
	s := openService(c)
	defer s.Close()
	_, err := s.CloseElection(&psifos.CloseElection{Election: electionArg(c)})
	return err
}

func tally(c *cli.Context) error {
	s := openService(c)
	defer s.Close()
	reply, err := s.ComputeTally(&psifos.ComputeTally{Election: electionArg(c)})
	if err != nil {
		return err
	}
	for _, t := range reply.Tallies {
		fmt.Printf("question %d: %d votes tallied\n", t.Question, t.NumTallied)
	}
	return nil
}

func release(c *cli.Context) error {
	s := openService(c)
	defer s.Close()
	reply, err := s.ReleaseResults(&psifos.ReleaseResults{Election: electionArg(c)})
	if err != nil {
		return err
	}
	printResults(reply.Results)
	return nil
}

func printResults(r *lib.Results) {
	for _, qr := range r.TotalResult {
		if qr.Counts != nil {
			fmt.Printf("question %d counts: %v\n", qr.Question, qr.Counts)
			continue
		}
		fmt.Printf("question %d ballots:\n", qr.Question)
		for _, p := range qr.Plaintexts {
			fmt.Printf("  %x\n", p)
		}
	}
	for _, g := range r.GroupedResult {
		fmt.Println("group", g.Group)
		for _, qr := range g.Results {
			fmt.Printf("  question %d counts: %v\n", qr.Question, qr.Counts)
		}
	}
}

// demo plays every role at once: administrator, the trustees and the
// voters share this process and the local store.
func demo(c *cli.Context) error {
	s := openService(c)
	defer s.Close()
	cfg := loadConfig(c)
	election, indices := setup(s, cfg)

	kits := runCeremony(s, election, indices)
	key, err := s.CombinedPublicKey(&psifos.CombinedPublicKey{Election: election})
	log.ErrFatal(err)

	_, err = s.OpenElection(&psifos.OpenElection{Election: election})
	log.ErrFatal(err)

	e, err := s.Election(election)
	log.ErrFatal(err)
	for _, v := range cfg.Vote {
		b, err := protocol.EncryptBallot(key.Key, e.Questions, v.Selections)
		log.ErrFatal(err)
		reply, err := s.CastBallot(&psifos.CastBallot{
			Election: election,
			LoginID:  v.Voter,
			Ballot:   b,
			Mode:     psifos.ModeCast,
		})
		log.ErrFatal(err)
		log.Lvl2("voter", v.Voter, "receipt", reply.Receipt)
	}

	_, err = s.CloseElection(&psifos.CloseElection{Election: election})
	log.ErrFatal(err)
	tallied, err := s.ComputeTally(&psifos.ComputeTally{Election: election})
	log.ErrFatal(err)

	for _, kit := range kits {
		decs, err := protocol.PartialDecryptAll(kit, tallied.Tallies)
		log.ErrFatal(err)
		reply, err := s.SubmitDecryption(&psifos.SubmitDecryption{
			Election:    election,
			Index:       kit.Index,
			Decryptions: decs,
		})
		log.ErrFatal(err)
		if reply.Combined {
			break
		}
	}

	results, err := s.ReleaseResults(&psifos.ReleaseResults{Election: election})
	log.ErrFatal(err)
	printResults(results.Results)
	return nil
}

// runCeremony walks every simulated trustee through the seven steps,
// fetching the shared state between steps the way real trustee clients do.
func runCeremony(s *service.Service, election string, indices []int) []*protocol.TrusteeKit {
	e, err := s.Election(election)
	log.ErrFatal(err)

	var kits []*protocol.TrusteeKit
	for _, index := range indices {
		kits = append(kits, protocol.NewTrusteeKit(index))
	}
	for _, kit := range kits {
		_, err := s.SubmitTrusteeStep(&psifos.SubmitTrusteeStep{
			Election: election, Index: kit.Index, Key: kit.Public,
		})
		log.ErrFatal(err)
	}

	for _, kit := range kits {
		cert, err := kit.GenerateCertificate(e.Threshold)
		log.ErrFatal(err)
		_, err = s.SubmitTrusteeStep(&psifos.SubmitTrusteeStep{
			Election: election, Index: kit.Index, Certificate: cert,
		})
		log.ErrFatal(err)
	}

	trustees, err := s.Trustees(election)
	log.ErrFatal(err)
	for _, kit := range kits {
		points, err := kit.ComputePoints(trustees)
		log.ErrFatal(err)
		_, err = s.SubmitTrusteeStep(&psifos.SubmitTrusteeStep{
			Election: election, Index: kit.Index, Points: points,
		})
		log.ErrFatal(err)
	}

	for _, kit := range kits {
		points, err := s.Points(election, kit.Index)
		log.ErrFatal(err)
		acks, err := kit.Acknowledge(points, trustees)
		log.ErrFatal(err)
		_, err = s.SubmitTrusteeStep(&psifos.SubmitTrusteeStep{
			Election: election, Index: kit.Index, Acknowledgements: acks,
		})
		log.ErrFatal(err)
	}
	return kits
}
