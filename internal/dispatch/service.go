// Package dispatch implements the command-facing operations: enqueueing
// documents for delivery and listing job status. It owns no state; the job
// store does.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/mkalnins/einvoice-dispatch/constants"
	"github.com/mkalnins/einvoice-dispatch/internal/audit"
	"github.com/mkalnins/einvoice-dispatch/internal/common"
	"github.com/mkalnins/einvoice-dispatch/internal/entity"
	"github.com/mkalnins/einvoice-dispatch/internal/metrics"
	"github.com/mkalnins/einvoice-dispatch/internal/repository"
	"github.com/mkalnins/einvoice-dispatch/internal/ubl"
)

// Service wires the enqueue and status operations.
type Service struct {
	jobs    repository.JobRepository
	audit   *audit.Logger
	metrics *metrics.Collector
	logger  *slog.Logger
}

func NewService(jobs repository.JobRepository, auditLog *audit.Logger, collector *metrics.Collector, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{jobs: jobs, audit: auditLog, metrics: collector, logger: logger}
}

// EnqueueResult reports one document's enqueue outcome.
type EnqueueResult struct {
	SourcePath   string
	JobID        string
	ContentHash  string
	Deduplicated bool
}

// Enqueue reads each document, hashes its canonical bytes and creates a job
// unless a non-terminal job for the same content already exists, in which
// case that job's id is returned instead. It fails only on unreadable
// input; backend availability never matters here, delivery is the
// worker's problem.
func (s *Service) Enqueue(ctx context.Context, paths []string, sender, receiver, profile string) ([]EnqueueResult, error) {
	if len(paths) == 0 {
		return nil, common.NewAppError("ENQUEUE_ERROR", "no documents given", common.ErrInvalidInput)
	}
	if sender == "" || receiver == "" {
		return nil, common.NewAppError("ENQUEUE_ERROR", "sender and receiver are required", common.ErrInvalidInput)
	}

	out := make([]EnqueueResult, 0, len(paths))
	for _, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			return nil, common.NewAppError("ENQUEUE_ERROR", fmt.Sprintf("resolving %s", p), err)
		}
		raw, err := os.ReadFile(abs)
		if err != nil {
			return nil, common.NewAppError("ENQUEUE_ERROR", fmt.Sprintf("reading document %s", abs), err)
		}

		hash := ubl.HashHex(raw)
		job, dedup, err := s.jobs.CreateOrGet(ctx, repository.NewJob{
			ContentHash: hash,
			SourcePath:  abs,
			Sender:      sender,
			Receiver:    receiver,
			Profile:     profile,
			Payload:     raw,
		})
		if err != nil {
			return nil, err
		}

		if dedup {
			s.logger.Info("document already queued", "job_id", job.ID, "path", abs, "content_hash", hash)
			if s.metrics != nil {
				s.metrics.RecordDedup()
			}
		} else {
			s.logger.Info("document enqueued", "job_id", job.ID, "path", abs, "content_hash", hash)
			if s.metrics != nil {
				s.metrics.RecordEnqueue()
			}
			ev := audit.NewEvent(constants.EventJobEnqueued, job.ID.String(), string(constants.JobStateQueued))
			ev.ContentHash = hash
			ev.Sender = sender
			ev.Receiver = receiver
			s.audit.Append(ev)
		}

		out = append(out, EnqueueResult{
			SourcePath:   abs,
			JobID:        job.ID.String(),
			ContentHash:  hash,
			Deduplicated: dedup,
		})
	}
	return out, nil
}

// ListStatus returns all jobs in insertion order.
func (s *Service) ListStatus(ctx context.Context) ([]*entity.Job, error) {
	return s.jobs.List(ctx)
}
