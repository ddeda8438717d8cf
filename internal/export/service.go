package export

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/mkalnins/einvoice-dispatch/internal/audit"
	"github.com/mkalnins/einvoice-dispatch/internal/repository"
)

// Service is a tiny façade over the job store and the audit trail that
// produces XLSX bytes for compliance exports.
type Service struct {
	jobs      repository.JobRepository
	auditPath string
	logger    *slog.Logger
}

func NewService(jobs repository.JobRepository, auditPath string, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{jobs: jobs, auditPath: auditPath, logger: logger}
}

// ExportXLSX returns a workbook with two sheets: every job in enqueue
// order, and the full audit trail in file order.
func (s *Service) ExportXLSX(ctx context.Context) ([]byte, error) {
	start := time.Now()

	jobs, err := s.jobs.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("query jobs: %w", err)
	}
	events, err := audit.ReadAll(s.auditPath)
	if err != nil {
		return nil, fmt.Errorf("read audit trail: %w", err)
	}

	f := excelize.NewFile()

	const jobsSheet = "Jobs"
	// The default sheet becomes the jobs sheet.
	if err := f.SetSheetName(f.GetSheetName(0), jobsSheet); err != nil {
		return nil, err
	}

	headers := []string{
		"Job ID",
		"State",
		"Sender",
		"Receiver",
		"Profile",
		"Content Hash",
		"Transmission ID",
		"Attempts",
		"Last Error",
		"Created At",
		"Updated At",
	}
	for i, h := range headers {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		_ = f.SetCellValue(jobsSheet, cell, h)
	}

	row := 2
	for _, j := range jobs {
		write := func(col int, v any) {
			cell, _ := excelize.CoordinatesToCellName(col, row)
			_ = f.SetCellValue(jobsSheet, cell, v)
		}
		write(1, j.ID.String())
		write(2, string(j.State))
		write(3, j.Sender)
		write(4, j.Receiver)
		write(5, j.Profile)
		write(6, j.ContentHash)
		write(7, j.TransmissionID)
		write(8, j.AttemptCount)
		write(9, truncate(j.LastError, 140))
		write(10, j.CreatedAt.UTC().Format(time.RFC3339))
		write(11, j.UpdatedAt.UTC().Format(time.RFC3339))
		row++
	}

	_ = f.SetColWidth(jobsSheet, "A", "A", 38)
	_ = f.SetColWidth(jobsSheet, "B", "B", 12)
	_ = f.SetColWidth(jobsSheet, "C", "E", 22)
	_ = f.SetColWidth(jobsSheet, "F", "G", 40)
	_ = f.SetColWidth(jobsSheet, "I", "I", 48)
	_ = f.SetColWidth(jobsSheet, "J", "K", 22)

	const trailSheet = "Audit Trail"
	if _, err := f.NewSheet(trailSheet); err != nil {
		return nil, err
	}
	trailHeaders := []string{
		"Timestamp",
		"Event Type",
		"Job ID",
		"State",
		"Transmission ID",
		"Error",
	}
	for i, h := range trailHeaders {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		_ = f.SetCellValue(trailSheet, cell, h)
	}
	row = 2
	for _, ev := range events {
		write := func(col int, v any) {
			cell, _ := excelize.CoordinatesToCellName(col, row)
			_ = f.SetCellValue(trailSheet, cell, v)
		}
		write(1, ev.Timestamp)
		write(2, string(ev.EventType))
		write(3, ev.JobID)
		write(4, ev.State)
		write(5, ev.TransmissionID)
		write(6, truncate(ev.Error, 140))
		row++
	}

	_ = f.SetColWidth(trailSheet, "A", "A", 22)
	_ = f.SetColWidth(trailSheet, "B", "B", 24)
	_ = f.SetColWidth(trailSheet, "C", "C", 38)
	_ = f.SetColWidth(trailSheet, "E", "E", 40)
	_ = f.SetColWidth(trailSheet, "F", "F", 48)

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("xlsx write: %w", err)
	}

	s.logger.Info("export.xlsx.ok",
		"jobs", len(jobs),
		"events", len(events),
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return buf.Bytes(), nil
}

func truncate(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	return s[:n-1] + "…"
}
