// Package worker runs the engine's background loops: offline-sync queue
// consumption, the periodic lifecycle sweep and daily session generation.
package worker

import (
	"context"
	"time"

	"classroll/internal/attendance"
	"classroll/internal/logging"
	"classroll/internal/metrics"
	"classroll/internal/queue"
)

// Runner drives background work against a service.
type Runner struct {
	svc   *attendance.Service
	queue queue.Queue
	loc   *time.Location
	now   func() time.Time
}

// New builds a runner. loc decides when a new calendar day starts.
func New(svc *attendance.Service, q queue.Queue, loc *time.Location) *Runner {
	if loc == nil {
		loc = time.UTC
	}
	return &Runner{svc: svc, queue: q, loc: loc, now: time.Now}
}

// ConsumeOffline applies queued offline batches until ctx is done.
func (r *Runner) ConsumeOffline(ctx context.Context) error {
	messages, err := r.queue.Consume(ctx)
	if err != nil {
		return err
	}
	logging.Info().Msg("offline sync consumer started")
	for msg := range messages {
		r.handle(ctx, msg)
	}
	logging.Info().Msg("offline sync consumer stopped")
	return nil
}

func (r *Runner) handle(ctx context.Context, msg queue.Message) {
	if msg.Type != queue.TypeOfflineSync {
		metrics.OfflineQueueMessages.WithLabelValues("skipped").Inc()
		logging.Warn().Str("type", msg.Type).Msg("skipping unknown message type")
		return
	}
	var batch attendance.OfflineBatch
	if err := msg.Decode(&batch); err != nil {
		metrics.OfflineQueueMessages.WithLabelValues("malformed").Inc()
		logging.Warn().Err(err).Msg("dropping malformed offline batch")
		return
	}
	summary, err := r.svc.SyncOffline(ctx, batch)
	if err != nil {
		metrics.OfflineQueueMessages.WithLabelValues("rejected").Inc()
		logging.Warn().Err(err).Str("session_id", batch.SessionID).Str("code", attendance.CodeOf(err)).Msg("offline batch rejected")
		return
	}
	metrics.OfflineQueueMessages.WithLabelValues("applied").Inc()
	logging.Debug().Str("session_id", batch.SessionID).Int("updated", summary.Updated).
		Int("failed", summary.Failed).Dur("lag", r.now().Sub(msg.EnqueuedAt)).Msg("offline batch applied")
}

// RunSweeps advances due sessions every interval until ctx is done.
func (r *Runner) RunSweeps(ctx context.Context, every time.Duration) {
	if every <= 0 {
		every = time.Minute
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	r.sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweep(ctx)
		}
	}
}

func (r *Runner) sweep(ctx context.Context) {
	n, err := r.svc.Sweep(ctx)
	if err != nil {
		logging.Warn().Err(err).Msg("sweep finished with errors")
	}
	if n > 0 {
		logging.Debug().Int("sessions", n).Msg("sweep advanced sessions")
	}
}

// RunGeneration creates today's slot sessions at start and whenever the
// local date changes, checking every interval.
func (r *Runner) RunGeneration(ctx context.Context, every time.Duration) {
	if every <= 0 {
		every = time.Minute
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	var last string
	for {
		today := r.now().In(r.loc).Format(time.DateOnly)
		if today != last {
			if r.generate(ctx) {
				last = today
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (r *Runner) generate(ctx context.Context) bool {
	created, err := r.svc.GenerateSessions(ctx, r.now())
	if err != nil {
		logging.Warn().Err(err).Int("created", len(created)).Msg("session generation incomplete")
		return false
	}
	logging.Info().Int("created", len(created)).Msg("sessions generated")
	return true
}
