package backend

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/mkalnins/einvoice-dispatch/internal/ubl"
)

// Simulated is the no-network backend used for development without
// credentials. Transmission ids are derived from the document hash, so the
// same document always yields the same id, and a submission resolves to
// delivered after a fixed number of status polls.
type Simulated struct {
	deliverAfter int
	logger       *slog.Logger

	mu    sync.Mutex
	polls map[string]int
}

type SimulatedOption func(*Simulated)

// WithDeliverAfter sets how many status polls a submission stays in flight
// before it reports delivered.
func WithDeliverAfter(polls int) SimulatedOption {
	return func(s *Simulated) {
		if polls >= 0 {
			s.deliverAfter = polls
		}
	}
}

func NewSimulated(logger *slog.Logger, opts ...SimulatedOption) *Simulated {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Simulated{
		deliverAfter: 2,
		logger:       logger,
		polls:        make(map[string]int),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Simulated) Submit(ctx context.Context, document []byte, sender, receiver, profile string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", Transient("simulated submit canceled", err)
	}
	id := "SIM-" + ubl.HashHex(document)[:16]

	s.mu.Lock()
	if _, seen := s.polls[id]; !seen {
		s.polls[id] = 0
	}
	s.mu.Unlock()

	s.logger.Info("simulated submit accepted", "transmission_id", id, "sender", sender, "receiver", receiver, "profile", profile)
	return id, nil
}

func (s *Simulated) Status(ctx context.Context, transmissionID string) (Status, error) {
	if err := ctx.Err(); err != nil {
		return Status{}, Transient("simulated status canceled", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	polls, ok := s.polls[transmissionID]
	if !ok {
		return Status{}, Rejected("SIM-404", fmt.Sprintf("unknown transmission id %q", transmissionID))
	}
	s.polls[transmissionID] = polls + 1

	if polls+1 >= s.deliverAfter {
		return Status{TransmissionID: transmissionID, State: StateDelivered, Message: "simulated delivery"}, nil
	}
	return Status{TransmissionID: transmissionID, State: StateInFlight}, nil
}
