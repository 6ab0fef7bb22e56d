package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/thrasher-corp/withdrawer/config"
	"github.com/thrasher-corp/withdrawer/database"
	"github.com/thrasher-corp/withdrawer/database/drivers"
	"github.com/thrasher-corp/withdrawer/database/migrations"
	"github.com/thrasher-corp/withdrawer/database/repository/processing"
	"github.com/thrasher-corp/withdrawer/engine"
	"github.com/thrasher-corp/withdrawer/log"
	"github.com/thrasher-corp/withdrawer/vault"
	"github.com/thrasher-corp/withdrawer/withdraw"
	"github.com/urfave/cli/v2"
)

var (
	errInvalidReconcileStatus = errors.New("reconcile status must be paid or failed")
	errReferenceRequired      = errors.New("a reference is required to mark a withdrawal paid")
	errIDRequired             = errors.New("withdrawal id is required")
)

var runCommand = &cli.Command{
	Name:   "run",
	Usage:  "connects to the exchange and processes withdrawal requests until interrupted",
	Action: run,
}

var sealCommand = &cli.Command{
	Name:   "seal",
	Usage:  "seals a secret with the passphrase and prints the value to place in the config",
	Action: seal,
}

var lookupCommand = &cli.Command{
	Name:  "lookup",
	Usage: "prints the processing record of a withdrawal",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:     "id",
			Usage:    "the exchange withdrawal id",
			Required: true,
		},
	},
	Action: lookup,
}

var pendingCommand = &cli.Command{
	Name:   "pending",
	Usage:  "prints every withdrawal still pending, including uncertain payouts awaiting reconciliation",
	Action: pending,
}

var reconcileCommand = &cli.Command{
	Name:  "reconcile",
	Usage: "resolves a pending withdrawal after the payout has been checked manually",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:     "id",
			Usage:    "the exchange withdrawal id",
			Required: true,
		},
		&cli.StringFlag{
			Name:     "status",
			Usage:    "paid or failed",
			Required: true,
		},
		&cli.StringFlag{
			Name:  "reference",
			Usage: "transaction hash or message id of the payout, required for paid",
		},
	},
	Action: reconcile,
}

var migrateCommand = &cli.Command{
	Name:  "migrate",
	Usage: "runs database schema migrations",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  "command",
			Usage: "up|down|status|reset",
			Value: migrations.CommandUp,
		},
		&cli.StringFlag{
			Name:  "args",
			Usage: "arguments to pass to goose",
		},
	},
	Action: migrate,
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		return nil, err
	}
	if verbose {
		cfg.Logging.Level = "INFO|DEBUG|WARN|ERROR"
	}
	if err := log.SetupGlobalLogger(&cfg.Logging); err != nil {
		return nil, err
	}
	return cfg, nil
}

func run(c *cli.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	defer func() {
		if err := log.CloseLogger(); err != nil {
			fmt.Println(err)
		}
	}()
	passphrase, err := readPassphrase("Passphrase: ", false)
	if err != nil {
		return err
	}
	s, err := engine.New(cfg, passphrase)
	clear(passphrase)
	if err != nil {
		return err
	}
	if err := s.Start(); err != nil {
		return err
	}
	waitForInterrupt(c.Context)
	return s.Stop()
}

func seal(_ *cli.Context) error {
	secret, err := prompt("Secret: ")
	if err != nil {
		return err
	}
	passphrase, err := readPassphrase("Passphrase: ", true)
	if err != nil {
		return err
	}
	sealed, err := vault.Seal(secret, passphrase)
	clear(secret)
	clear(passphrase)
	if err != nil {
		return err
	}
	fmt.Println(sealed)
	return nil
}

// openStore connects to the configured database without opening any secrets
func openStore() (*processing.Store, *database.Instance, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	inst, err := drivers.Connect(&cfg.Database)
	if err != nil {
		return nil, nil, err
	}
	s, err := processing.New(inst)
	if err != nil {
		_ = inst.CloseConnection()
		return nil, nil, err
	}
	return s, inst, nil
}

func lookup(c *cli.Context) error {
	id := strings.TrimSpace(c.String("id"))
	if id == "" {
		return errIDRequired
	}
	s, inst, err := openStore()
	if err != nil {
		return err
	}
	defer inst.CloseConnection()
	rec, err := s.Lookup(c.Context, id)
	if err != nil {
		return err
	}
	return jsonOutput(rec)
}

func pending(c *cli.Context) error {
	s, inst, err := openStore()
	if err != nil {
		return err
	}
	defer inst.CloseConnection()
	records, err := s.ListPending(c.Context)
	if err != nil {
		return err
	}
	return jsonOutput(records)
}

func reconcile(c *cli.Context) error {
	id := strings.TrimSpace(c.String("id"))
	if id == "" {
		return errIDRequired
	}
	status, reference, err := reconcileOutcome(c.String("status"), c.String("reference"))
	if err != nil {
		return err
	}
	s, inst, err := openStore()
	if err != nil {
		return err
	}
	defer inst.CloseConnection()
	rec, err := s.Lookup(c.Context, id)
	if err != nil {
		return err
	}
	if err := checkReconcilable(rec, status); err != nil {
		return err
	}
	if !rec.Started() {
		log.Warnf(log.DatabaseMgr, "Withdrawal %s was never started by a backend", id)
	}
	rec, err = s.Complete(c.Context, id, status, "", reference)
	if err != nil {
		return err
	}
	log.Infof(log.DatabaseMgr, "Withdrawal %s reconciled as %s", id, rec.Status)
	return jsonOutput(rec)
}

// reconcileOutcome validates an operator resolution. A failed payout keeps
// the reason code as its reference so the exchange gets the same
// acknowledgement as an automatic failure.
func reconcileOutcome(status, reference string) (withdraw.Status, string, error) {
	reference = strings.TrimSpace(reference)
	switch withdraw.Status(strings.ToLower(strings.TrimSpace(status))) {
	case withdraw.Paid:
		if reference == "" {
			return "", "", errReferenceRequired
		}
		return withdraw.Paid, reference, nil
	case withdraw.Failed:
		return withdraw.Failed, withdraw.ReasonPayoutFailed, nil
	}
	return "", "", fmt.Errorf("%w: %q", errInvalidReconcileStatus, status)
}

// checkReconcilable refuses to overwrite a record that is already resolved
func checkReconcilable(rec *withdraw.Record, status withdraw.Status) error {
	if !rec.Status.CanTransitionTo(status) {
		return fmt.Errorf("%w: %s is %s, refusing %s", processing.ErrInconsistentState, rec.RequestID, rec.Status, status)
	}
	return nil
}

func migrate(c *cli.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	inst, err := drivers.Connect(&cfg.Database)
	if err != nil {
		return err
	}
	defer inst.CloseConnection()
	return migrations.Migrate(inst, c.String("command"), c.String("args"))
}

func jsonOutput(in any) error {
	j, err := json.MarshalIndent(in, "", " ")
	if err != nil {
		return err
	}
	fmt.Println(string(j))
	return nil
}
