package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"media-refinery/internal/models"
	"media-refinery/internal/queue"
	"media-refinery/internal/telemetry"
)

// Processor is the worker loop: it reaps expired leases, dequeues ready
// jobs, and runs the orchestrator for each while keeping its lease alive.
// Each dequeued job runs to a terminal (or last-persisted) state; retry of a
// failed job is a caller-initiated new job, so nothing is ever re-queued.
type Processor struct {
	queue        *queue.RedisQueue
	store        JobStore
	bus          Bus
	orc          *Orchestrator
	pollInterval time.Duration
	leaseTTL     time.Duration
}

func NewProcessor(q *queue.RedisQueue, st JobStore, bus Bus, orc *Orchestrator, pollInterval, leaseTTL time.Duration) *Processor {
	if pollInterval == 0 {
		pollInterval = time.Second
	}
	if leaseTTL == 0 {
		leaseTTL = 2 * time.Minute
	}
	return &Processor{
		queue:        q,
		store:        st,
		bus:          bus,
		orc:          orc,
		pollInterval: pollInterval,
		leaseTTL:     leaseTTL,
	}
}

// Run starts the main worker loop until context cancellation.
func (p *Processor) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		p.reapExpired(ctx)

		if depth, err := p.queue.ReadyDepth(ctx); err == nil {
			telemetry.QueueDepth.Set(float64(depth))
		}

		jobID, err := p.queue.DequeueWithLease(ctx)
		if err != nil || jobID == "" {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(p.pollInterval):
			}
			continue
		}

		telemetry.JobsInFlight.Inc()
		p.runLeased(ctx, jobID)
		telemetry.JobsInFlight.Dec()
	}
}

// runLeased executes one job while a background goroutine extends its lease.
func (p *Processor) runLeased(ctx context.Context, jobID string) {
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(p.leaseTTL / 2)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := p.queue.ExtendLease(ctx, jobID); err != nil {
					slog.Warn("extend lease failed", "job_id", jobID, "error", err)
				}
			}
		}
	}()

	if err := p.orc.Run(ctx, jobID); err != nil {
		slog.Error("job run aborted", "job_id", jobID, "error", err)
	}
	close(done)

	// Ack outside the (possibly cancelled) job context so a shutdown still
	// releases the lease.
	ackCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := p.queue.Ack(ackCtx, jobID); err != nil {
		slog.Warn("ack failed", "job_id", jobID, "error", err)
	}
}

// reapExpired fails jobs whose worker lease lapsed. A lapsed lease means the
// owning worker died mid-iteration; re-running a paid, non-idempotent
// iteration is worse than a visible failure, so the crash is surfaced
// through the store instead.
func (p *Processor) reapExpired(ctx context.Context) {
	ids, err := p.queue.ReapExpired(ctx, time.Now(), 100)
	if err != nil {
		slog.Warn("reap expired leases", "error", err)
		return
	}
	for _, id := range ids {
		job, err := p.store.GetJob(ctx, id)
		if err != nil {
			slog.Warn("load reaped job", "job_id", id, "error", err)
			continue
		}
		if models.Terminal(job.Status) {
			continue
		}
		msg := fmt.Sprintf("worker lease expired mid-run (last status %s)", job.Status)
		if err := p.store.MarkFailed(ctx, id, msg); err != nil {
			slog.Error("fail reaped job", "job_id", id, "error", err)
			continue
		}
		if err := p.bus.Publish(ctx, id, models.LevelError, msg); err != nil {
			slog.Warn("publish reap event", "job_id", id, "error", err)
		}
		telemetry.JobsFailed.Inc()
	}
}
