// Package audit writes the append-only compliance trail. One JSON object
// per line, UTF-8, never rewritten: the file is the durable record of what
// happened to every job, independent of the current job store contents.
package audit

import (
	"encoding/json"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/mkalnins/einvoice-dispatch/constants"
)

// Event is one immutable job-affecting occurrence. Every event is
// self-contained: a single line can be interpreted without the rest of the
// file.
type Event struct {
	Timestamp      string                   `json:"timestamp"`
	EventType      constants.AuditEventType `json:"event_type"`
	JobID          string                   `json:"job_id"`
	State          string                   `json:"state,omitempty"`
	ContentHash    string                   `json:"content_hash,omitempty"`
	TransmissionID string                   `json:"transmission_id,omitempty"`
	Sender         string                   `json:"sender,omitempty"`
	Receiver       string                   `json:"receiver,omitempty"`
	Error          string                   `json:"error,omitempty"`
}

// NewEvent fills the mandatory fields; callers set the optional ones.
func NewEvent(eventType constants.AuditEventType, jobID, state string) Event {
	return Event{
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		EventType: eventType,
		JobID:     jobID,
		State:     state,
	}
}

// Logger appends events to a JSONL file. Writes are serialized; a write
// failure is logged but never propagated, so an audit problem cannot block
// the state transition it accompanies.
type Logger struct {
	path   string
	logger *slog.Logger

	mu   sync.Mutex
	file *os.File
}

func Open(path string, logger *slog.Logger) (*Logger, error) {
	if logger == nil {
		logger = slog.Default()
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	return &Logger{path: path, logger: logger, file: f}, nil
}

// Append writes one event as a single line. Failures are logged and
// swallowed on purpose; durability of job state lives in the job store.
func (l *Logger) Append(ev Event) {
	line, err := json.Marshal(ev)
	if err != nil {
		l.logger.Error("audit.encode_error", "event_type", ev.EventType, "job_id", ev.JobID, "error", err)
		return
	}
	line = append(line, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		l.logger.Error("audit.write_after_close", "event_type", ev.EventType, "job_id", ev.JobID)
		return
	}
	if _, err := l.file.Write(line); err != nil {
		l.logger.Error("audit.write_error", "event_type", ev.EventType, "job_id", ev.JobID, "error", err)
		return
	}
	l.logger.Debug("audit.event_written", "event_type", ev.EventType, "job_id", ev.JobID)
}

func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}
