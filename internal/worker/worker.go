// Package worker provides the ticker-driven background loop primitive
// shared by every independent loop in the match lifecycle engine: the
// scheduler, the promoter, the heartbeat watchdog, the bet reconciler,
// the stale-match timeout loop, and the event listener's poll loop.
package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Worker represents a single background loop with lifecycle management.
type Worker struct {
	name     string
	interval time.Duration
	fn       func(ctx context.Context) error
	log      *logrus.Entry
	stopCh   chan struct{}
	doneCh   chan struct{}
	running  bool
	mu       sync.Mutex
}

// Config holds worker configuration.
type Config struct {
	Name     string
	Interval time.Duration
	Fn       func(ctx context.Context) error
	Log      *logrus.Entry
}

// New creates a new background worker. It does not start running until Start is called.
func New(cfg Config) *Worker {
	log := cfg.Log
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Worker{
		name:     cfg.Name,
		interval: cfg.Interval,
		fn:       cfg.Fn,
		log:      log.WithField("component", cfg.Name),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start runs the worker's tick loop in its own goroutine.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return fmt.Errorf("worker %s already running", w.name)
	}
	w.running = true
	w.mu.Unlock()

	go w.run(ctx)
	return nil
}

// Stop signals the worker to stop and waits for its current tick to finish.
func (w *Worker) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.mu.Unlock()

	close(w.stopCh)
	<-w.doneCh
}

// IsRunning reports whether the worker's loop is active.
func (w *Worker) IsRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

func (w *Worker) run(ctx context.Context) {
	defer func() {
		w.mu.Lock()
		w.running = false
		w.mu.Unlock()
		close(w.doneCh)
	}()

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-ticker.C:
			if err := w.fn(ctx); err != nil {
				w.log.WithError(err).Error("tick failed")
			}
		}
	}
}

// Group manages the lifecycle of a set of workers together.
type Group struct {
	mu      sync.Mutex
	workers []*Worker
}

// NewGroup creates an empty worker group.
func NewGroup() *Group {
	return &Group{}
}

// Add registers a worker with the group.
func (g *Group) Add(w *Worker) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.workers = append(g.workers, w)
}

// AddFunc constructs and registers a worker from a name/interval/function tuple.
func (g *Group) AddFunc(name string, interval time.Duration, log *logrus.Entry, fn func(ctx context.Context) error) *Worker {
	w := New(Config{Name: name, Interval: interval, Fn: fn, Log: log})
	g.Add(w)
	return w
}

// Start starts every worker in the group, rolling back already-started
// workers if any fails to start.
func (g *Group) Start(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	for _, w := range g.workers {
		if err := w.Start(ctx); err != nil {
			for _, started := range g.workers {
				if started.IsRunning() {
					started.Stop()
				}
			}
			return fmt.Errorf("start worker %s: %w", w.name, err)
		}
	}
	return nil
}

// Stop stops every worker in the group concurrently and waits for all to exit.
func (g *Group) Stop() {
	g.mu.Lock()
	defer g.mu.Unlock()

	var wg sync.WaitGroup
	for _, w := range g.workers {
		wg.Add(1)
		go func(worker *Worker) {
			defer wg.Done()
			worker.Stop()
		}(w)
	}
	wg.Wait()
}
