// Package uploadretry runs the dead-letter drain job spec.md's data model
// implies for FailedUpload rows but never names an operation for: a
// periodic sweep that re-attempts the content-store put for every row
// still carrying its payload and under the retry ceiling, promoting it to
// resolved on success or counting it toward MaxUploadRetries on failure.
//
// Scheduling is cron-expression driven the same way teacher's
// services/automation package parses a trigger's Schedule field, and each
// retried put is throttled through a token-bucket limiter so a large
// backlog can't burst the content store the moment it comes back up.
package uploadretry

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/rawlclub/matchengine/internal/contentstore"
	"github.com/rawlclub/matchengine/internal/registry"
	"github.com/rawlclub/matchengine/internal/telemetry"
)

const uploadContentType = "application/octet-stream"

// Config configures a Drain.
type Config struct {
	Registry *registry.Registry
	Store    *contentstore.Store
	Log      *logrus.Entry

	Schedule      string  // cron expression; default "*/1 * * * *" (every minute)
	BatchSize     int     // default 25
	RatePerSecond float64 // default 5
	Burst         int     // default 10
}

// Drain periodically retries dead-lettered artifact uploads.
type Drain struct {
	reg   *registry.Registry
	store *contentstore.Store
	log   *logrus.Entry

	schedule  string
	batchSize int
	limiter   *rate.Limiter

	cron *cron.Cron
}

// New constructs a Drain. It does not start running until Start is called.
func New(cfg Config) *Drain {
	log := cfg.Log
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	schedule := cfg.Schedule
	if schedule == "" {
		schedule = "*/1 * * * *"
	}
	batch := cfg.BatchSize
	if batch <= 0 {
		batch = 25
	}
	rps := cfg.RatePerSecond
	if rps <= 0 {
		rps = 5
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 10
	}
	return &Drain{
		reg: cfg.Registry, store: cfg.Store, log: log.WithField("component", "uploadretry"),
		schedule: schedule, batchSize: batch,
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
	}
}

// Start registers the drain sweep against Schedule and starts the cron
// scheduler. Returns an error if Schedule doesn't parse.
func (d *Drain) Start(ctx context.Context) error {
	c := cron.New()
	if _, err := c.AddFunc(d.schedule, func() {
		if err := d.DrainOnce(ctx); err != nil {
			d.log.WithError(err).Warn("drain sweep failed")
		}
	}); err != nil {
		return fmt.Errorf("uploadretry: parse schedule %q: %w", d.schedule, err)
	}
	d.cron = c
	c.Start()
	return nil
}

// Stop halts the scheduler, waiting for any in-progress sweep to finish.
func (d *Drain) Stop() {
	if d.cron == nil {
		return
	}
	<-d.cron.Stop().Done()
}

// DrainOnce runs a single sweep: up to BatchSize retryable rows, each
// throttled by the rate limiter, re-attempting the content-store put and
// resolving or recording the failure.
func (d *Drain) DrainOnce(ctx context.Context) error {
	rows, err := d.reg.ListRetryable(ctx, d.batchSize)
	if err != nil {
		return fmt.Errorf("list retryable uploads: %w", err)
	}

	processed, succeeded, failed := 0, 0, 0
	for _, row := range rows {
		if err := d.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("rate limiter wait: %w", err)
		}
		processed++
		log := d.log.WithField("upload_id", row.ID).WithField("key", row.Key)

		if err := d.store.Put(ctx, row.Key, row.Payload, uploadContentType); err != nil {
			failed++
			log.WithError(err).Warn("retry put failed")
			// Recorded even when ctx was cancelled during Put's backoff wait:
			// the attempt that did run still failed.
			if err := d.reg.RecordRetryFailure(context.WithoutCancel(ctx), row.ID, err.Error()); err != nil {
				log.WithError(err).Error("record retry failure")
			}
			telemetry.UploadsDrained.WithLabelValues("failed").Inc()
			continue
		}

		if err := d.reg.MarkResolved(ctx, row.ID); err != nil {
			log.WithError(err).Error("mark resolved")
			continue
		}
		succeeded++
		telemetry.UploadsDrained.WithLabelValues("resolved").Inc()
	}

	d.log.WithField("processed", processed).WithField("succeeded", succeeded).WithField("failed", failed).
		Debug("drain sweep complete")
	return nil
}
