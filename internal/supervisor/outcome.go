package supervisor

import (
	"fmt"
	"sync"
	"time"
)

// Phase of the gate state machine.
type Phase string

const (
	PhaseIdle        Phase = "idle"
	PhaseCorrelating Phase = "correlating"
	PhaseVerifying   Phase = "verifying"
	PhaseDeciding    Phase = "deciding"
	PhaseActuating   Phase = "actuating"
)

func (p Phase) rank() int {
	switch p {
	case PhaseCorrelating:
		return 1
	case PhaseVerifying:
		return 2
	case PhaseDeciding:
		return 3
	case PhaseActuating:
		return 4
	default:
		return 0
	}
}

type OutcomeKind string

const (
	OutcomeAdmitted      OutcomeKind = "admitted"
	OutcomeDenied        OutcomeKind = "denied"
	OutcomeFailed        OutcomeKind = "failed"
	OutcomeTimeout       OutcomeKind = "timeout"
	OutcomeAborted       OutcomeKind = "aborted"
	OutcomeParseError    OutcomeKind = "parse_error"
	OutcomeProtocolError OutcomeKind = "protocol_error"
)

// Operator display texts.
const (
	MsgFull            = "FULL SLOTS"
	MsgSessionFailed   = "Session failed."
	MsgPlateNotRead    = "Plate not read"
	MsgNoSession       = "No session"
	MsgAlreadyOut      = "Already out"
	MsgMatchYes        = "Match: Yes"
	MsgMatchNo         = "Match: No"
	MsgTimeoutWaiting  = "Timeout waiting"
	MsgVerifyError     = "Verify error"
	MsgSlotsError      = "Error checking slots"
	MsgSlotsNotUpdated = "Slots not updated"
	MsgGateError       = "Gate error"
)

func slotsLeft(n int) string {
	return fmt.Sprintf("Slots left: %d", n)
}

// Outcome is how one crossing, or one rejected notification, ended.
type Outcome struct {
	Kind           OutcomeKind `json:"kind"`
	Direction      string      `json:"direction,omitempty"`
	Plate          string      `json:"plate,omitempty"`
	SessionID      string      `json:"session_id,omitempty"`
	EntrySessionID string      `json:"entry_session_id,omitempty"`
	Message        string      `json:"message,omitempty"`
	Error          string      `json:"error,omitempty"`
	Available      *int        `json:"available,omitempty"`
	At             time.Time   `json:"at"`
}

const recentOutcomes = 20

// Hub fans outcomes out to live subscribers and keeps the most recent ones.
// A subscriber that falls behind loses outcomes rather than blocking the gate.
type Hub struct {
	mu     sync.Mutex
	subs   map[chan Outcome]struct{}
	recent []Outcome
}

func NewHub() *Hub {
	return &Hub{subs: map[chan Outcome]struct{}{}}
}

// Subscribe returns a feed and the function that ends it.
func (h *Hub) Subscribe() (<-chan Outcome, func()) {
	ch := make(chan Outcome, 16)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, ch)
			close(ch)
			h.mu.Unlock()
		})
	}
}

func (h *Hub) Publish(o Outcome) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.recent = append(h.recent, o)
	if len(h.recent) > recentOutcomes {
		h.recent = h.recent[len(h.recent)-recentOutcomes:]
	}
	for ch := range h.subs {
		select {
		case ch <- o:
		default:
		}
	}
}

// Recent returns the latest outcomes, oldest first.
func (h *Hub) Recent() []Outcome {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Outcome(nil), h.recent...)
}
