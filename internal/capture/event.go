// Package capture holds the typed events emitted by the capture stations and
// the decoding of their wire notifications.
package capture

import (
	"fmt"
	"strings"
	"time"
)

// Kind tells which half of a crossing an event carries.
type Kind int

const (
	KindFace Kind = iota + 1
	KindPlate
)

func (k Kind) String() string {
	switch k {
	case KindFace:
		return "face"
	case KindPlate:
		return "plate"
	default:
		return "unknown"
	}
}

// Direction is the gate side a station is bound to.
type Direction int

const (
	DirectionUnknown Direction = iota
	Entry
	Exit
)

// String returns the persisted form ("In" / "Out").
func (d Direction) String() string {
	switch d {
	case Entry:
		return "In"
	case Exit:
		return "Out"
	default:
		return ""
	}
}

// ParseDirection accepts the persisted form and a few operator spellings.
func ParseDirection(s string) (Direction, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "in", "entry", "enter":
		return Entry, nil
	case "out", "exit":
		return Exit, nil
	default:
		return DirectionUnknown, fmt.Errorf("unknown gate direction %q", s)
	}
}

// CaptureEvent is one "something was captured" notification.
type CaptureEvent struct {
	StationID  string
	Kind       Kind
	PayloadURL string
	ReceivedAt time.Time
}

// Bindings maps station ids to the gate direction they watch. The binding is
// fixed configuration; a station may be left unbound (e.g. a shared plate camera).
type Bindings map[string]Direction

// DirectionOf returns the bound direction for a station.
func (b Bindings) DirectionOf(stationID string) (Direction, bool) {
	d, ok := b[stationID]
	if !ok || d == DirectionUnknown {
		return DirectionUnknown, false
	}
	return d, true
}
