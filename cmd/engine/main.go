// Command engine runs every background loop of the match lifecycle core:
// the scheduler and promoter ticks, the emulation worker pool, the
// heartbeat watchdog, the bet reconciler and stale-match timeout loop,
// and the ledger event listener. It does not serve HTTP; cmd/gateway
// does that against the same Postgres/Redis/ledger backing.
package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	"github.com/rawlclub/matchengine/internal/app"
	"github.com/rawlclub/matchengine/internal/ledgerevents"
	"github.com/rawlclub/matchengine/internal/reconciler"
	"github.com/rawlclub/matchengine/internal/runner"
	"github.com/rawlclub/matchengine/internal/scheduler"
	"github.com/rawlclub/matchengine/internal/watchdog"
	"github.com/rawlclub/matchengine/internal/worker"
	"github.com/rawlclub/matchengine/internal/workerpool"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.Build(ctx)
	if err != nil {
		log.Fatalf("engine: fatal startup error: %v", err)
	}
	defer a.Close()

	entry := a.Log.WithField("component", "cmd/engine")

	if err := a.Calibration.Recover(ctx); err != nil {
		entry.WithError(err).Fatal("resume in-flight calibrations")
	}

	sched := scheduler.New(scheduler.Config{
		Registry:          a.Registry,
		Matchmaker:        a.Matchmaker,
		Queue:             a.Queue,
		Ledger:            a.Ledger,
		Log:               a.Log,
		PreMatchBetWindow: a.Config.PreMatchBettingWindow,
	})
	promoter := scheduler.NewPromoter(a.Queue, a.Log)
	wd := watchdog.New(watchdog.Config{Registry: a.Registry, KV: a.KV, Ledger: a.Ledger, Log: a.Log})
	rec := reconciler.New(reconciler.Config{
		Registry:         a.Registry,
		Ledger:           a.Ledger,
		Log:              a.Log,
		StaleLockedAfter: a.Config.StaleMatchTimeout,
	})

	// internal/runner.Runner's NewEmulator hook is the emulator-integration
	// boundary spec.md §1 carves out as an external collaborator: the
	// binary ROM stepping / pixel extraction backend is wired in by the
	// deployment that embeds this engine, not built here.
	matchRunner := runner.New(runner.Config{
		Registry:          a.Registry,
		Ledger:            a.Ledger,
		KV:                a.KV,
		ContentStore:      a.ContentStore,
		Models:            a.Models,
		Publisher:         a.Hub,
		Log:               a.Log,
		MaxMatchFrames:    a.Config.MaxMatchFrames,
		FrameSkip:         a.Config.FrameSkip,
		HeartbeatInterval: a.Config.HeartbeatTimeout / 4,
		StreamingFPS:      a.Config.StreamingFPS,
		DataHz:            a.Config.DataHz,
		// LoadModel is left at its noop default here; a deployment that
		// links a real inference backend overrides it the same way it
		// overrides NewEmulator above.

		CalibrationReferenceModelRef: a.Config.CalibrationReferenceModelRef,
		CalibrationReferenceElo:      a.Config.CalibrationReferenceElo,
		CalibrationRounds:            a.Config.CalibrationRounds,
	})

	pool := workerpool.New(workerpool.Config{
		Queue:         a.Queue,
		Runner:        matchRunner,
		KV:            a.KV,
		Log:           a.Log,
		MaxConcurrent: a.Config.WorkerPoolMaxConcurrent,
		PollInterval:  a.Config.WorkerPoolPollInterval,
		DrainTimeout:  a.Config.WorkerDrainTimeout,
	})

	listener := ledgerevents.New(ledgerevents.Config{
		Ledger:        a.Ledger,
		KV:            a.KV,
		Registry:      a.Registry,
		PollInterval:  a.Config.EventListenerPollInterval,
		MaxBlockRange: a.Config.EventListenerMaxBlockRange,
		MaxCatchup:    a.Config.EventListenerMaxCatchup,
		Log:           a.Log,
	})

	group := worker.NewGroup()
	group.AddFunc("scheduler", a.Config.SchedulerInterval, a.Log, sched.Tick)
	group.AddFunc("promoter", a.Config.PromoterInterval, a.Log, promoter.Tick)
	group.AddFunc("watchdog", a.Config.WatchdogInterval, a.Log, wd.Tick)
	group.AddFunc("reconciler", a.Config.ReconcilerInterval, a.Log, rec.ReconcileBets)
	group.AddFunc("timeout", a.Config.TimeoutInterval, a.Log, rec.TimeoutStaleMatches)

	if err := group.Start(ctx); err != nil {
		entry.WithError(err).Fatal("start worker group")
	}
	if err := pool.Start(ctx); err != nil {
		entry.WithError(err).Fatal("start worker pool")
	}
	listener.Start(ctx)
	if err := a.UploadDrain.Start(ctx); err != nil {
		entry.WithError(err).Fatal("start upload retry drain")
	}

	entry.Info("engine started")
	<-ctx.Done()
	entry.Info("shutting down")

	a.UploadDrain.Stop()
	listener.Stop()
	pool.Stop()
	group.Stop()
	entry.Info("shutdown complete")
}
