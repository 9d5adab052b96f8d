// Package jobs runs the periodic maintenance loops. The audit cleanup
// is durable and runs in the jobs binary; the in-memory sweeps only
// make sense inside the api process that owns the state.
package jobs

import (
	"context"
	"log"
	"time"

	"github.com/claritycare/triage-orchestrator/internal/metrics"
)

type Store interface {
	CleanupExpiredEvents(ctx context.Context, retention time.Duration) error
}

// Sweeper drops expired buffered signaling envelopes.
type Sweeper interface {
	SweepExpired(now time.Time) int
}

// TerminalSweeper drops terminal records older than a cutoff. Both the
// matcher and the session controller keep resolved state around for
// late polls and implement this.
type TerminalSweeper interface {
	Sweep(cutoff time.Time) int
}

// TerminalSweepFunc adapts a bare sweep method to TerminalSweeper.
type TerminalSweepFunc func(cutoff time.Time) int

func (f TerminalSweepFunc) Sweep(cutoff time.Time) int { return f(cutoff) }

type Runner struct {
	store     Store
	signals   Sweeper
	requests  TerminalSweeper
	sessions  TerminalSweeper
	retention time.Duration
}

type RunnerOptions struct {
	Store          Store
	Signals        Sweeper
	Requests       TerminalSweeper
	Sessions       TerminalSweeper
	AuditRetention time.Duration
}

func NewRunner(opts RunnerOptions) *Runner {
	return &Runner{
		store:     opts.Store,
		signals:   opts.Signals,
		requests:  opts.Requests,
		sessions:  opts.Sessions,
		retention: opts.AuditRetention,
	}
}

// Terminal in-memory records linger this long for late pollers before
// a sweep reclaims them.
const terminalRetention = 10 * time.Minute

func (r *Runner) Start(ctx context.Context) {
	if r.store != nil {
		go r.runEvery(ctx, "audit_ttl_cleanup", 5*time.Minute, func(c context.Context) error {
			return r.store.CleanupExpiredEvents(c, r.retention)
		})
	}
	if r.signals != nil {
		go r.runEvery(ctx, "signal_buffer_sweep", 1*time.Minute, func(context.Context) error {
			dropped := r.signals.SweepExpired(time.Now().UTC())
			if dropped > 0 {
				log.Printf("event=signal_buffer_sweep dropped=%d", dropped)
			}
			return nil
		})
	}
	if r.requests != nil {
		go r.runEvery(ctx, "request_sweep", 1*time.Minute, func(context.Context) error {
			r.requests.Sweep(time.Now().UTC().Add(-terminalRetention))
			return nil
		})
	}
	if r.sessions != nil {
		go r.runEvery(ctx, "session_sweep", 1*time.Minute, func(context.Context) error {
			r.sessions.Sweep(time.Now().UTC().Add(-terminalRetention))
			return nil
		})
	}
}

func (r *Runner) runEvery(ctx context.Context, name string, interval time.Duration, fn func(context.Context) error) {
	r.runOnce(ctx, name, fn)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.runOnce(ctx, name, fn)
		}
	}
}

func (r *Runner) runOnce(ctx context.Context, name string, fn func(context.Context) error) {
	start := time.Now()
	err := fn(ctx)
	durMS := float64(time.Since(start).Milliseconds())
	metrics.JobDurationMS.WithLabelValues(name).Observe(durMS)
	if err != nil {
		log.Printf("metric=job_run name=%s status=error duration_ms=%d err=%q", name, int64(durMS), err.Error())
		metrics.JobRunsTotal.WithLabelValues(name, "error").Inc()
		return
	}
	log.Printf("metric=job_run name=%s status=ok duration_ms=%d", name, int64(durMS))
	metrics.JobRunsTotal.WithLabelValues(name, "ok").Inc()
}
