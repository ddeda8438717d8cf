package constants

// JobState is the canonical state for rows in jobs.
type JobState string

// Stable values (store these exact strings in DB and in the audit log).
const (
	JobStateQueued     JobState = "queued"     // waiting for pickup or scheduled retry
	JobStateSubmitting JobState = "submitting" // attempt durably recorded, backend call in progress
	JobStateSent       JobState = "sent"       // backend accepted, awaiting delivery confirmation
	JobStateDelivered  JobState = "delivered"  // terminal success
	JobStateFailed     JobState = "failed"     // terminal failure (attempts exhausted or backend reported failure)
	JobStateRejected   JobState = "rejected"   // terminal, backend explicitly refused the document
)

// Terminal reports whether no further automatic transition happens from s.
func (s JobState) Terminal() bool {
	switch s {
	case JobStateDelivered, JobStateFailed, JobStateRejected:
		return true
	}
	return false
}

// NonTerminalStates is the set of states that block re-enqueue of the same
// content hash. Order matters only for readability in SQL.
var NonTerminalStates = []JobState{JobStateQueued, JobStateSubmitting, JobStateSent}
