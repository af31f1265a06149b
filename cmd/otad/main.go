package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/orbiter-labs/otad/internal/bootsel"
	"github.com/orbiter-labs/otad/internal/bootverify"
	"github.com/orbiter-labs/otad/internal/config"
	"github.com/orbiter-labs/otad/internal/lease"
	"github.com/orbiter-labs/otad/internal/logging"
	"github.com/orbiter-labs/otad/internal/slot"
	"github.com/orbiter-labs/otad/internal/slotstate"
	"github.com/orbiter-labs/otad/internal/stage"
	"github.com/orbiter-labs/otad/internal/sysinfo"
)

var (
	version = "0.1.0"
	cfgFile string

	stageSlot     string
	stagePayload  string
	stageActionID string
)

var rootCmd = &cobra.Command{
	Use:   "otad",
	Short: "OTA update agent",
	Long:  `otad - A/B slot OTA update agent for embedded Linux devices`,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Connect to the uplink bridge and execute update actions",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runAgent()
	},
}

var verifyBootCmd = &cobra.Command{
	Use:   "verify-boot",
	Short: "Reconcile intended vs. actual boot slot (run once per boot)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runVerifyBoot()
	},
}

var stageCmd = &cobra.Command{
	Use:   "stage",
	Short: "Stage an OS payload into the inactive slot and reboot into it",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runStage()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print slot, marker, and lease state",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runStatus()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("otad v%s\n", version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is /etc/otad/otad.yaml)")

	stageCmd.Flags().StringVar(&stageSlot, "slot", "", "target slot (a or b)")
	stageCmd.Flags().StringVar(&stagePayload, "payload", "", "payload file to stage")
	stageCmd.Flags().StringVar(&stageActionID, "action-id", "", "action id to tag the staged update with")
	stageCmd.MarkFlagRequired("slot")
	stageCmd.MarkFlagRequired("payload")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(verifyBootCmd)
	rootCmd.AddCommand(stageCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// deps bundles the wiring shared by all commands.
type deps struct {
	cfg      *config.Config
	table    slot.Table
	store    *slotstate.Store
	selector *bootsel.FileSelector
	leases   *lease.Manager
}

func buildDeps() (*deps, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logging.Init(cfg.LogFormat, cfg.LogLevel, nil)
	cfg.Validate()

	table, err := slot.NewTable(cfg)
	if err != nil {
		return nil, fmt.Errorf("slot table: %w", err)
	}

	return &deps{
		cfg:      cfg,
		table:    table,
		store:    slotstate.New(cfg.MarkerDir),
		selector: bootsel.NewFileSelector(table, cfg.BootSelectFile),
		leases:   lease.NewManager(cfg.MarkerDir, time.Duration(cfg.LeaseTTLSeconds)*time.Second),
	}, nil
}

func runStage() error {
	d, err := buildDeps()
	if err != nil {
		return err
	}

	target, err := slot.Parse(stageSlot)
	if err != nil {
		return err
	}

	rec, err := d.leases.Acquire("stage")
	if err != nil {
		return err
	}
	defer d.leases.Release(rec.HolderNonce)

	stager := stage.New(d.table, d.store, d.selector, stage.NewSystemRebooter())
	ctx, cancel := signalContext()
	defer cancel()

	// Stage only returns on failure; success ends in a reboot.
	return stager.Stage(ctx, target, stagePayload, stageActionID)
}

func runVerifyBoot() error {
	d, err := buildDeps()
	if err != nil {
		return err
	}

	rec, err := d.leases.Acquire("verify-boot")
	if err != nil {
		return err
	}
	defer d.leases.Release(rec.HolderNonce)

	verifier := bootverify.New(d.store, d.selector, d.cfg.MaxBootRollbacks)
	outcome, runErr := verifier.Run()
	if outcome != nil {
		reportBootOutcome(d.cfg, outcome)
	}
	if runErr != nil {
		// Includes ErrRollbackBudgetExhausted: state is reconciled but
		// automatic recovery has given up, so the boot unit must see a
		// non-zero exit.
		return runErr
	}

	fmt.Printf("Boot verification: %s (slot %s)\n", outcome.Result, outcome.ActualSlot)
	return nil
}

func runStatus() error {
	d, err := buildDeps()
	if err != nil {
		return err
	}

	markers, err := d.store.Read()
	if err != nil {
		return err
	}

	out := map[string]any{
		"health":    markers.Health,
		"rollbacks": markers.Rollbacks,
		"system":    sysinfo.Collect(d.table),
	}
	if markers.IntendedNext != nil {
		out["intendedNext"] = markers.IntendedNext.String()
	}
	pending := map[string]any{}
	for s, p := range markers.Pending {
		if p != nil {
			pending[s.String()] = p
		}
	}
	if len(pending) > 0 {
		out["pendingDownload"] = pending
	}
	if current, err := d.selector.Current(); err == nil {
		out["bootedSlot"] = current.String()
	}
	if pointer, err := d.selector.ReadPointer(); err == nil {
		out["nextRootPointer"] = pointer.String()
	}
	if rec, err := d.leases.Current(); err == nil && rec != nil {
		out["lease"] = rec
	}

	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}
