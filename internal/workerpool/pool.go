// Package workerpool is the bounded worker pool that claims jobs off the
// Emulation Queue and runs each as a Match Runner invocation in its own
// goroutine, capped at a fixed concurrency so one host never runs more
// emulation cores than it has capacity for.
package workerpool

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/sirupsen/logrus"

	"github.com/rawlclub/matchengine/internal/kv"
	"github.com/rawlclub/matchengine/internal/queue"
	"github.com/rawlclub/matchengine/internal/telemetry"
)

// MatchRunner runs one claimed job to completion. internal/runner.Runner
// satisfies this; tests substitute a stub. RunMatch handles a ranked/
// exhibition job (payload is the Match id); RunCalibrationRound handles a
// calibration-tier job (payload is the calibration round's own JSON task
// envelope, opaque to the pool).
type MatchRunner interface {
	RunMatch(ctx context.Context, matchID string) error
	RunCalibrationRound(ctx context.Context, payload string) error
}

const livenessKeyPrefix = "workerpool.worker."

// Config configures a Pool.
type Config struct {
	Queue         *queue.Queue
	Runner        MatchRunner
	KV            kv.Store
	Log           *logrus.Entry
	MaxConcurrent int           // default 4
	PollInterval  time.Duration // default 1s
	DrainTimeout  time.Duration // default 5m
}

// Pool claims jobs from the Emulation Queue and runs each through a
// MatchRunner, bounded to MaxConcurrent simultaneous matches.
type Pool struct {
	queue *queue.Queue
	run   MatchRunner
	kv    kv.Store
	log   *logrus.Entry

	maxConcurrent int
	pollInterval  time.Duration
	drainTimeout  time.Duration

	workerID string
	sem      chan struct{}
	wg       sync.WaitGroup

	mu      sync.Mutex
	active  int
	stopCh  chan struct{}
	doneCh  chan struct{}
	running bool
}

// New constructs a Pool. It does not start claiming work until Start is
// called.
func New(cfg Config) *Pool {
	log := cfg.Log
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	maxConcurrent := cfg.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = 4
	}
	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	drainTimeout := cfg.DrainTimeout
	if drainTimeout <= 0 {
		drainTimeout = 5 * time.Minute
	}
	hostname, _ := os.Hostname()
	return &Pool{
		queue:         cfg.Queue,
		run:           cfg.Runner,
		kv:            cfg.KV,
		log:           log.WithField("component", "workerpool"),
		maxConcurrent: maxConcurrent,
		pollInterval:  pollInterval,
		drainTimeout:  drainTimeout,
		workerID:      fmt.Sprintf("%s.%d", hostname, os.Getpid()),
		sem:           make(chan struct{}, maxConcurrent),
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
	}
}

// Start recovers any jobs left in processing.* by a prior crashed instance,
// then runs the claim loop in its own goroutine until Stop is called.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return fmt.Errorf("workerpool: already running")
	}
	p.running = true
	p.mu.Unlock()

	if err := p.queue.RecoverProcessing(ctx); err != nil {
		return fmt.Errorf("workerpool: recover processing: %w", err)
	}

	go p.claimLoop(ctx)
	go p.livenessLoop(ctx)
	return nil
}

// Stop signals the claim loop to stop claiming new work, then waits
// (up to DrainTimeout) for already-running matches to finish.
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()

	close(p.stopCh)
	<-p.doneCh

	drained := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(p.drainTimeout):
		p.log.Warn("drain timeout exceeded, exiting with matches still running")
	}

	p.mu.Lock()
	p.running = false
	p.mu.Unlock()
}

func (p *Pool) claimLoop(ctx context.Context) {
	defer close(p.doneCh)

	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.claimAvailable(ctx)
		}
	}
}

// claimAvailable claims and dispatches jobs until either the queue is
// empty or every pool slot is occupied.
func (p *Pool) claimAvailable(ctx context.Context) {
	for {
		select {
		case p.sem <- struct{}{}:
		default:
			return // pool saturated; wait for next tick
		}

		payload, tier, ok, err := p.queue.ClaimAny(ctx)
		if err != nil {
			p.log.WithError(err).Error("claim job")
			<-p.sem
			return
		}
		if !ok {
			<-p.sem
			return
		}

		p.wg.Add(1)
		p.setActive(1)
		telemetry.WorkerPoolActive.Set(float64(p.activeCount()))
		go p.runJob(ctx, tier, payload)
	}
}

func (p *Pool) runJob(ctx context.Context, tier, payload string) {
	defer func() {
		<-p.sem
		p.wg.Done()
		p.setActive(-1)
		telemetry.WorkerPoolActive.Set(float64(p.activeCount()))
	}()

	var job queue.Job
	if err := json.Unmarshal([]byte(payload), &job); err != nil {
		p.log.WithError(err).WithField("tier", tier).Error("unmarshal claimed job envelope")
		if ackErr := p.queue.Ack(ctx, tier, payload); ackErr != nil {
			p.log.WithError(ackErr).Error("ack unparseable job")
		}
		return
	}

	log := p.log.WithField("job_id", job.ID)

	var err error
	if job.Calibration {
		err = p.run.RunCalibrationRound(ctx, job.Payload)
	} else {
		err = p.run.RunMatch(ctx, job.Payload)
	}
	if err != nil {
		log.WithError(err).Error("job run failed")
	}
	if ackErr := p.queue.Ack(ctx, tier, payload); ackErr != nil {
		log.WithError(ackErr).Error("ack job")
	}
}

func (p *Pool) setActive(delta int) {
	p.mu.Lock()
	p.active += delta
	p.mu.Unlock()
}

func (p *Pool) activeCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active
}

// livenessLoop publishes this worker's capacity and host load under a TTL'd
// key every 15s, so a readiness probe or an operator can see which workers
// are alive and how loaded without scraping Prometheus.
func (p *Pool) livenessLoop(ctx context.Context) {
	if p.kv == nil {
		return
	}
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	p.publishLiveness(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.publishLiveness(ctx)
		}
	}
}

func (p *Pool) publishLiveness(ctx context.Context) {
	info, err := host.InfoWithContext(ctx)
	hostUptime := uint64(0)
	platform := "unknown"
	if err == nil {
		hostUptime = info.Uptime
		platform = info.Platform
	}
	cpuPct := 0.0
	if pcts, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(pcts) > 0 {
		cpuPct = pcts[0]
	}
	memPct := 0.0
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		memPct = vm.UsedPercent
	}

	key := livenessKeyPrefix + p.workerID
	fields := map[string]string{
		"active":      fmt.Sprintf("%d", p.activeCount()),
		"capacity":    fmt.Sprintf("%d", p.maxConcurrent),
		"cpu_percent": fmt.Sprintf("%.2f", cpuPct),
		"mem_percent": fmt.Sprintf("%.2f", memPct),
		"platform":    platform,
		"uptime_s":    fmt.Sprintf("%d", hostUptime),
		"updated_at":  fmt.Sprintf("%d", time.Now().Unix()),
	}
	for field, value := range fields {
		if err := p.kv.HSet(ctx, key, field, value); err != nil {
			p.log.WithError(err).Warn("publish liveness field")
			return
		}
	}
	if err := p.kv.Expire(ctx, key, 45*time.Second); err != nil {
		p.log.WithError(err).Warn("expire liveness key")
	}
}
