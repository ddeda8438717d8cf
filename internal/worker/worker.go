// Package worker drives the delivery pipeline: it drains queued jobs,
// submits them to the active backend, polls sent jobs for delivery
// confirmation and persists every transition before moving on.
package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/mkalnins/einvoice-dispatch/constants"
	"github.com/mkalnins/einvoice-dispatch/internal/audit"
	"github.com/mkalnins/einvoice-dispatch/internal/backend"
	"github.com/mkalnins/einvoice-dispatch/internal/entity"
	"github.com/mkalnins/einvoice-dispatch/internal/metrics"
	"github.com/mkalnins/einvoice-dispatch/internal/repository"
)

// Config bounds the worker's behavior. All values are snapshot once at
// startup.
type Config struct {
	MaxAttempts   int
	BaseBackoff   time.Duration
	MaxBackoff    time.Duration
	Concurrency   int
	PollInterval  time.Duration
	SubmitTimeout time.Duration
	RatePerSecond float64
}

type taskKind int

const (
	taskSubmit taskKind = iota
	taskPoll
)

type task struct {
	kind taskKind
	job  *entity.Job
}

// Worker is the single internal consumer of the job queue.
type Worker struct {
	jobs    repository.JobRepository
	backend backend.Client
	audit   *audit.Logger
	metrics *metrics.Collector
	logger  *slog.Logger
	cfg     Config
	limiter *rate.Limiter

	mu       sync.Mutex
	inflight map[uuid.UUID]struct{}
	wg       sync.WaitGroup
}

func New(jobs repository.JobRepository, client backend.Client, auditLog *audit.Logger, collector *metrics.Collector, cfg Config, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 10 * time.Second
	}
	if cfg.SubmitTimeout <= 0 {
		cfg.SubmitTimeout = 60 * time.Second
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = 5 * time.Second
	}
	if cfg.MaxBackoff < cfg.BaseBackoff {
		cfg.MaxBackoff = cfg.BaseBackoff
	}

	limit := rate.Inf
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
	}
	w := &Worker{
		jobs:     jobs,
		backend:  client,
		audit:    auditLog,
		metrics:  collector,
		logger:   logger,
		cfg:      cfg,
		limiter:  rate.NewLimiter(limit, 1),
		inflight: make(map[uuid.UUID]struct{}),
	}
	return w
}

// Run blocks until ctx is canceled. It first requeues jobs stranded in
// submitting by a previous crash, then alternates between dispatching due
// queued jobs and polling sent jobs, bounded by the configured concurrency.
//
// Known limitation: a crash after a backend accepted a submission but
// before the sent transition was persisted is retried on the next start.
// Neither network backend advertises an idempotency key on its submit
// operation, so that window can produce a duplicate external submission.
func (w *Worker) Run(ctx context.Context) error {
	recovered, err := w.jobs.RecoverInFlight(ctx)
	if err != nil {
		return err
	}
	if recovered > 0 {
		w.logger.Warn("worker recovered interrupted submissions", "count", recovered)
	}

	tasks := make(chan task)
	for i := 0; i < w.cfg.Concurrency; i++ {
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			for t := range tasks {
				w.handle(ctx, t)
				w.clearInflight(t.job.ID)
			}
		}()
	}

	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	w.logger.Info("delivery worker started",
		"concurrency", w.cfg.Concurrency,
		"poll_interval", w.cfg.PollInterval,
		"max_attempts", w.cfg.MaxAttempts)

	for {
		w.tick(ctx, tasks)
		select {
		case <-ctx.Done():
			close(tasks)
			w.wg.Wait()
			w.logger.Info("delivery worker stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// tick dispatches one round of due work. Jobs already being worked on are
// skipped, so transitions for a single job stay strictly ordered.
func (w *Worker) tick(ctx context.Context, tasks chan<- task) {
	now := time.Now().UTC()

	due, err := w.jobs.DueQueued(ctx, now, 4*w.cfg.Concurrency)
	if err != nil {
		w.logger.Error("worker.fetch_queued_error", "error", err)
		return
	}
	if w.metrics != nil {
		w.metrics.SetQueued(len(due))
	}
	sent, err := w.jobs.ListSent(ctx, 4*w.cfg.Concurrency)
	if err != nil {
		w.logger.Error("worker.fetch_sent_error", "error", err)
		return
	}

	for _, j := range due {
		w.dispatch(ctx, tasks, task{kind: taskSubmit, job: j})
	}
	for _, j := range sent {
		w.dispatch(ctx, tasks, task{kind: taskPoll, job: j})
	}
}

func (w *Worker) dispatch(ctx context.Context, tasks chan<- task, t task) {
	if !w.markInflight(t.job.ID) {
		return
	}
	select {
	case tasks <- t:
	case <-ctx.Done():
		w.clearInflight(t.job.ID)
	}
}

func (w *Worker) markInflight(id uuid.UUID) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, busy := w.inflight[id]; busy {
		return false
	}
	w.inflight[id] = struct{}{}
	if w.metrics != nil {
		w.metrics.InFlightAdd(1)
	}
	return true
}

func (w *Worker) clearInflight(id uuid.UUID) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.inflight, id)
	if w.metrics != nil {
		w.metrics.InFlightAdd(-1)
	}
}

func (w *Worker) handle(ctx context.Context, t task) {
	switch t.kind {
	case taskSubmit:
		w.submit(ctx, t.job)
	case taskPoll:
		w.poll(ctx, t.job)
	}
}

// submit runs one delivery attempt. The submitting transition (with its
// incremented attempt counter) is durable before the backend sees a byte,
// so a crash mid-call resumes as a retry rather than a silent loss.
func (w *Worker) submit(ctx context.Context, queued *entity.Job) {
	if err := w.limiter.Wait(ctx); err != nil {
		return // shutting down
	}

	job, err := w.jobs.MarkSubmitting(ctx, queued.ID)
	if err != nil {
		// Lost the pickup race or the job moved on; nothing to do.
		w.logger.Debug("worker.pickup_skipped", "job_id", queued.ID, "error", err)
		return
	}

	payload, err := w.jobs.Payload(ctx, job.ID)
	if err != nil {
		w.logger.Error("worker.payload_read_error", "job_id", job.ID, "error", err)
		w.retryOrFail(ctx, job, backend.Transient("reading stored payload", err))
		return
	}

	callCtx, cancel := context.WithTimeout(ctx, w.cfg.SubmitTimeout)
	start := time.Now()
	transmissionID, err := w.backend.Submit(callCtx, payload, job.Sender, job.Receiver, job.Profile)
	cancel()
	elapsed := time.Since(start).Seconds()

	if err != nil {
		w.logger.Warn("worker.submit_failed",
			"job_id", job.ID, "attempt", job.AttemptCount, "kind", backend.KindOf(err).String(), "error", err)
		if w.metrics != nil {
			w.metrics.RecordSubmission("error", elapsed)
		}
		if backend.Retryable(err) {
			w.retryOrFail(ctx, job, err)
			return
		}
		w.reject(ctx, job, err)
		return
	}

	if err := w.jobs.MarkSent(ctx, job.ID, transmissionID); err != nil {
		// The backend has the document but the transition did not persist.
		// Never invent a state: leave the record as is and shout; restart
		// recovery will retry it (see the Run doc comment).
		w.logger.Error("worker.persist_sent_error", "job_id", job.ID, "transmission_id", transmissionID, "error", err)
		return
	}
	if w.metrics != nil {
		w.metrics.RecordSubmission("ok", elapsed)
	}

	ev := audit.NewEvent(constants.EventInvoiceSubmitted, job.ID.String(), string(constants.JobStateSent))
	ev.TransmissionID = transmissionID
	ev.Sender = job.Sender
	ev.Receiver = job.Receiver
	w.audit.Append(ev)

	w.logger.Info("worker.submitted", "job_id", job.ID, "transmission_id", transmissionID, "attempt", job.AttemptCount)
}

// retryOrFail schedules the next attempt or, once attempts are exhausted,
// fails the job for good.
func (w *Worker) retryOrFail(ctx context.Context, job *entity.Job, cause error) {
	msg := cause.Error()
	if job.AttemptCount >= w.cfg.MaxAttempts {
		if err := w.jobs.MarkFailed(ctx, job.ID, msg); err != nil {
			w.logger.Error("worker.persist_failed_error", "job_id", job.ID, "error", err)
			return
		}
		if w.metrics != nil {
			w.metrics.RecordFailed()
		}
		ev := audit.NewEvent(constants.EventJobFailed, job.ID.String(), string(constants.JobStateFailed))
		ev.Error = msg
		w.audit.Append(ev)
		w.logger.Warn("worker.attempts_exhausted", "job_id", job.ID, "attempts", job.AttemptCount, "error", msg)
		return
	}

	delay := backoffDelay(job.AttemptCount, w.cfg.BaseBackoff, w.cfg.MaxBackoff)
	next := time.Now().UTC().Add(delay)
	if err := w.jobs.ScheduleRetry(ctx, job.ID, msg, next); err != nil {
		w.logger.Error("worker.persist_retry_error", "job_id", job.ID, "error", err)
		return
	}
	if w.metrics != nil {
		w.metrics.RecordRetry()
	}
}

// reject terminates a job the backend explicitly refused (or whose request
// could not even be built). Rejections keep the backend's own wording.
func (w *Worker) reject(ctx context.Context, job *entity.Job, cause error) {
	msg := cause.Error()
	var persistErr error
	state := constants.JobStateRejected
	if backend.KindOf(cause) == backend.KindSerialization {
		state = constants.JobStateFailed
		persistErr = w.jobs.MarkFailed(ctx, job.ID, msg)
	} else {
		persistErr = w.jobs.MarkRejected(ctx, job.ID, msg)
	}
	if persistErr != nil {
		w.logger.Error("worker.persist_reject_error", "job_id", job.ID, "error", persistErr)
		return
	}
	if w.metrics != nil {
		if state == constants.JobStateRejected {
			w.metrics.RecordRejected()
		} else {
			w.metrics.RecordFailed()
		}
	}
	ev := audit.NewEvent(constants.EventJobFailed, job.ID.String(), string(state))
	ev.Error = msg
	w.audit.Append(ev)
}

// poll probes the backend for a sent job's delivery status. Transport
// failures leave the job in sent for the next tick; only an explicit
// backend verdict moves it to a terminal state.
func (w *Worker) poll(ctx context.Context, job *entity.Job) {
	callCtx, cancel := context.WithTimeout(ctx, w.cfg.SubmitTimeout)
	status, err := w.backend.Status(callCtx, job.TransmissionID)
	cancel()

	if err != nil {
		if backend.KindOf(err) == backend.KindRejected {
			w.failSent(ctx, job, err.Error())
			return
		}
		w.logger.Warn("worker.poll_error", "job_id", job.ID, "transmission_id", job.TransmissionID, "error", err)
		return
	}

	switch status.State {
	case backend.StateDelivered:
		if err := w.jobs.MarkDelivered(ctx, job.ID); err != nil {
			w.logger.Error("worker.persist_delivered_error", "job_id", job.ID, "error", err)
			return
		}
		if w.metrics != nil {
			w.metrics.RecordDelivered()
		}
		ev := audit.NewEvent(constants.EventDeliveryStatusUpdated, job.ID.String(), string(constants.JobStateDelivered))
		ev.TransmissionID = job.TransmissionID
		w.audit.Append(ev)
		w.logger.Info("worker.delivered", "job_id", job.ID, "transmission_id", job.TransmissionID)
	case backend.StateRejected:
		msg := status.Message
		if msg == "" {
			msg = "backend reported delivery failure"
		}
		w.failSent(ctx, job, msg)
	default:
		// accepted / in flight: nothing to persist yet
		w.logger.Debug("worker.still_in_flight", "job_id", job.ID, "transmission_id", job.TransmissionID, "state", status.State)
	}
}

// failSent terminates a sent job the backend reported as undeliverable.
// A rejection verdict belongs to submission; after the document left, the
// outcome is a delivery failure.
func (w *Worker) failSent(ctx context.Context, job *entity.Job, msg string) {
	if err := w.jobs.MarkFailed(ctx, job.ID, msg); err != nil {
		w.logger.Error("worker.persist_failed_error", "job_id", job.ID, "error", err)
		return
	}
	if w.metrics != nil {
		w.metrics.RecordFailed()
	}
	ev := audit.NewEvent(constants.EventJobFailed, job.ID.String(), string(constants.JobStateFailed))
	ev.TransmissionID = job.TransmissionID
	ev.Error = msg
	w.audit.Append(ev)
	w.logger.Warn("worker.delivery_failed", "job_id", job.ID, "transmission_id", job.TransmissionID, "error", msg)
}
