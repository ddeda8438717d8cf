package export

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/mkalnins/einvoice-dispatch/constants"
	"github.com/mkalnins/einvoice-dispatch/internal/audit"
	"github.com/mkalnins/einvoice-dispatch/internal/repository"
)

func TestExportXLSX(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	db, err := repository.Open(ctx, repository.Config{Path: filepath.Join(dir, "jobs.db")}, nil)
	require.NoError(t, err)
	defer db.Close()
	repo := repository.NewJobRepository(db, nil)

	job, _, err := repo.CreateOrGet(ctx, repository.NewJob{
		ContentHash: "hash-1",
		SourcePath:  "/invoices/a.xml",
		Sender:      "0088:1",
		Receiver:    "0088:2",
		Profile:     "peppol-bis-3",
		Payload:     []byte("<Invoice/>"),
	})
	require.NoError(t, err)
	_, err = repo.MarkSubmitting(ctx, job.ID)
	require.NoError(t, err)
	require.NoError(t, repo.MarkSent(ctx, job.ID, "TX-1"))

	auditPath := filepath.Join(dir, "audit.jsonl")
	auditLog, err := audit.Open(auditPath, nil)
	require.NoError(t, err)
	ev := audit.NewEvent(constants.EventInvoiceSubmitted, job.ID.String(), "sent")
	ev.TransmissionID = "TX-1"
	auditLog.Append(ev)
	require.NoError(t, auditLog.Close())

	svc := NewService(repo, auditPath, nil)
	data, err := svc.ExportXLSX(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, data)

	wb, err := excelize.OpenReader(bytes.NewReader(data))
	require.NoError(t, err)
	defer wb.Close()

	assert.ElementsMatch(t, []string{"Jobs", "Audit Trail"}, wb.GetSheetList())

	got, err := wb.GetCellValue("Jobs", "A2")
	require.NoError(t, err)
	assert.Equal(t, job.ID.String(), got)
	got, err = wb.GetCellValue("Jobs", "B2")
	require.NoError(t, err)
	assert.Equal(t, "sent", got)
	got, err = wb.GetCellValue("Jobs", "G2")
	require.NoError(t, err)
	assert.Equal(t, "TX-1", got)

	got, err = wb.GetCellValue("Audit Trail", "B2")
	require.NoError(t, err)
	assert.Equal(t, "invoice_submitted", got)
	got, err = wb.GetCellValue("Audit Trail", "C2")
	require.NoError(t, err)
	assert.Equal(t, job.ID.String(), got)
}

func TestExportXLSXEmptyStore(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	db, err := repository.Open(ctx, repository.Config{Path: filepath.Join(dir, "jobs.db")}, nil)
	require.NoError(t, err)
	defer db.Close()

	svc := NewService(repository.NewJobRepository(db, nil), filepath.Join(dir, "missing.jsonl"), nil)
	data, err := svc.ExportXLSX(ctx)
	require.NoError(t, err)

	wb, err := excelize.OpenReader(bytes.NewReader(data))
	require.NoError(t, err)
	defer wb.Close()
	rows, err := wb.GetRows("Jobs")
	require.NoError(t, err)
	assert.Len(t, rows, 1, "header only")
}
