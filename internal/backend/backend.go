// Package backend abstracts the delivery endpoints the worker submits
// invoices to. Exactly one variant is active per process; the job store and
// worker never know which.
package backend

import "context"

// State is a backend-reported delivery state, normalized across variants.
type State string

const (
	StateAccepted  State = "accepted"   // backend took the document, delivery not yet confirmed
	StateInFlight  State = "in_flight"  // still moving through the backend
	StateDelivered State = "delivered"  // confirmed delivered to the recipient
	StateRejected  State = "rejected"   // backend or recipient refused the document
)

// Status is the result of a status probe. Message carries the backend's own
// wording for rejections.
type Status struct {
	TransmissionID string `json:"transmission_id"`
	State          State  `json:"state"`
	Message        string `json:"message,omitempty"`
}

// Client is the capability contract every delivery backend implements.
// Submit hands the canonical document bytes plus addressing metadata to the
// backend and returns its transmission identifier. Status probes a prior
// submission; it never silently returns a stale answer: a probe that
// cannot reach the backend fails with an *Error instead.
type Client interface {
	Submit(ctx context.Context, document []byte, sender, receiver, profile string) (string, error)
	Status(ctx context.Context, transmissionID string) (Status, error)
}
