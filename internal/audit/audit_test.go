package audit

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mkalnins/einvoice-dispatch/constants"
)

func TestAppendAndReadAll(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	l, err := Open(path, nil)
	require.NoError(t, err)

	ev := NewEvent(constants.EventJobEnqueued, "job-1", "queued")
	ev.ContentHash = "abc123"
	l.Append(ev)

	ev2 := NewEvent(constants.EventInvoiceSubmitted, "job-1", "sent")
	ev2.TransmissionID = "TX-1"
	l.Append(ev2)
	require.NoError(t, l.Close())

	events, err := ReadAll(path)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, constants.EventJobEnqueued, events[0].EventType)
	assert.Equal(t, "abc123", events[0].ContentHash)
	assert.Equal(t, "TX-1", events[1].TransmissionID)
	assert.NotEmpty(t, events[0].Timestamp)
}

func TestAppendIsAppendOnly(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")

	l, err := Open(path, nil)
	require.NoError(t, err)
	l.Append(NewEvent(constants.EventJobEnqueued, "job-1", "queued"))
	require.NoError(t, l.Close())

	// Reopening must not truncate what is already there.
	l, err = Open(path, nil)
	require.NoError(t, err)
	l.Append(NewEvent(constants.EventJobFailed, "job-1", "failed"))
	require.NoError(t, l.Close())

	events, err := ReadAll(path)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, constants.EventJobEnqueued, events[0].EventType)
	assert.Equal(t, constants.EventJobFailed, events[1].EventType)
}

func TestConcurrentAppendsStayLineAtomic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	l, err := Open(path, nil)
	require.NoError(t, err)

	const n = 50
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l.Append(NewEvent(constants.EventDeliveryStatusUpdated, "job-x", "delivered"))
		}()
	}
	wg.Wait()
	require.NoError(t, l.Close())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimRight(string(raw), "\n"), "\n")
	assert.Len(t, lines, n)

	events, err := ReadAll(path)
	require.NoError(t, err)
	assert.Len(t, events, n)
}

func TestReadAllSkipsCorruptLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	content := `{"timestamp":"2026-08-01T10:00:00Z","event_type":"job_enqueued","job_id":"job-1"}
{"timestamp":"2026-08-01T10:01:00Z","event_ty
{"timestamp":"2026-08-01T10:02:00Z","event_type":"job_failed","job_id":"job-1","error":"boom"}
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	events, err := ReadAll(path)
	require.NoError(t, err)
	require.Len(t, events, 2, "the torn middle line is skipped")
	assert.Equal(t, constants.EventJobEnqueued, events[0].EventType)
	assert.Equal(t, "boom", events[1].Error)
}

func TestReadAllMissingFile(t *testing.T) {
	events, err := ReadAll(filepath.Join(t.TempDir(), "nope.jsonl"))
	require.NoError(t, err)
	assert.Empty(t, events)
}
