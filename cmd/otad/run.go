package main

import (
	"context"
	"fmt"
	"time"

	"github.com/orbiter-labs/otad/internal/actions"
	"github.com/orbiter-labs/otad/internal/approllback"
	"github.com/orbiter-labs/otad/internal/bootverify"
	"github.com/orbiter-labs/otad/internal/bridge"
	"github.com/orbiter-labs/otad/internal/config"
	"github.com/orbiter-labs/otad/internal/lease"
	"github.com/orbiter-labs/otad/internal/logging"
	"github.com/orbiter-labs/otad/internal/procman"
	"github.com/orbiter-labs/otad/internal/stage"
	"github.com/orbiter-labs/otad/internal/sysinfo"
)

var log = logging.L("main")

func bridgeConfig(cfg *config.Config) *bridge.Config {
	return &bridge.Config{
		URL:            cfg.BridgeURL,
		ReportAttempts: cfg.ReportAttempts,
		ReportBackoff:  time.Duration(cfg.ReportBackoffSeconds) * time.Second,
	}
}

func runAgent() error {
	d, err := buildDeps()
	if err != nil {
		return err
	}

	units, err := config.LoadUnits(d.cfg.UnitsFile)
	if err != nil {
		return fmt.Errorf("load units: %w", err)
	}

	controller := approllback.New(procman.NewSystemd(), units, approllback.Config{
		LivenessAttempts: d.cfg.LivenessAttempts,
		LivenessInterval: time.Duration(d.cfg.LivenessIntervalSeconds) * time.Second,
	})
	stager := stage.New(d.table, d.store, d.selector, stage.NewSystemRebooter())

	client := bridge.New(bridgeConfig(d.cfg))
	client.OnConnect(func() {
		if err := client.SendEvent(actions.NewShadow(sysinfo.Collect(d.table))); err != nil {
			log.Warn("device shadow not delivered", "error", err)
		}
	})
	client.Register(actions.NameUpdateApp, withLease(d.leases, "app-update", controller.Apply))
	client.Register(actions.NameUpdateFirmware, withLease(d.leases, "firmware-update",
		func(ctx context.Context, act actions.Action, report func(actions.Status)) {
			handleUpdateFirmware(ctx, d, stager, act, report)
		}))

	ctx, cancel := signalContext()
	defer cancel()

	log.Info("starting otad", "version", version, "bridge", d.cfg.BridgeURL)

	go func() {
		<-ctx.Done()
		log.Info("shutting down")
		client.Stop()
	}()

	client.Start(ctx)
	return nil
}

// withLease wraps an action handler so the whole transaction holds the
// exclusive update lease. A second action arriving while one is in flight
// fails fast with the busy error instead of interleaving.
func withLease(leases *lease.Manager, purpose string, h bridge.Handler) bridge.Handler {
	return func(ctx context.Context, act actions.Action, report func(actions.Status)) {
		rec, err := leases.Acquire(purpose)
		if err != nil {
			logging.FromContext(ctx).Warn("action rejected", "error", err)
			report(actions.NewFailed(act.ID, err.Error()))
			return
		}
		defer leases.Release(rec.HolderNonce)

		h(ctx, act, report)
	}
}

// handleUpdateFirmware stages the payload into the inactive slot. On
// success the device reboots mid-handler and the terminal status for this
// action is reported by verify-boot on the next boot.
func handleUpdateFirmware(ctx context.Context, d *deps, stager *stage.Stager, act actions.Action, report func(actions.Status)) {
	current, err := d.selector.Current()
	if err != nil {
		report(actions.NewFailed(act.ID, fmt.Sprintf("read current slot: %v", err)))
		return
	}
	target := current.Other()

	report(actions.NewInProgress(act.ID, 10))

	if err := stager.Stage(ctx, target, act.PayloadPath, act.ID); err != nil {
		report(actions.NewFailed(act.ID, err.Error()))
		return
	}
}

// reportBootOutcome delivers the terminal status for the update action a
// boot verification resolved. Best effort: at early boot the agent may not
// be up, and the durable markers already record the outcome.
func reportBootOutcome(cfg *config.Config, outcome *bootverify.Outcome) {
	if outcome.ActionID == "" {
		return
	}

	var status actions.Status
	switch outcome.Result {
	case bootverify.Committed:
		status = actions.NewCompleted(outcome.ActionID)
	case bootverify.RolledBack:
		msg := "boot mismatch: rolled back to slot " + outcome.ActualSlot.String()
		if outcome.FailedSlot != nil {
			msg = fmt.Sprintf("boot mismatch: slot %s failed, rolled back to slot %s",
				outcome.FailedSlot.String(), outcome.ActualSlot.String())
		}
		status = actions.NewFailed(outcome.ActionID, msg)
	default:
		return
	}

	if err := bridge.SendOnce(bridgeConfig(cfg), status); err != nil {
		log.Warn("boot outcome not delivered, markers hold the state", "actionId", outcome.ActionID, "error", err)
	}
}
