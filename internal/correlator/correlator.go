// Package correlator pairs the face and plate halves of one crossing.
//
// At most one PendingPair exists at a time. The first event of a pair starts
// a correlation timer; the opposite half completes the pair and cancels the
// timer; expiry discards the partial pair and reports it through the timeout
// callback. Timer callbacks carry a generation number so a timer that fires
// after its pair completed or was reset is ignored.
package correlator

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Eyemetric/gate_service/internal/capture"
	"github.com/Eyemetric/gate_service/internal/errors"
	"github.com/Eyemetric/gate_service/internal/logger"
)

// DefaultWindow is the correlation timeout.
const DefaultWindow = 6 * time.Second

// State of the correlator.
type State int

const (
	Empty State = iota
	AwaitingPartner
)

func (s State) String() string {
	if s == AwaitingPartner {
		return "awaiting_partner"
	}
	return "empty"
}

// PendingPair is the partial crossing being assembled.
type PendingPair struct {
	Face      *capture.CaptureEvent
	Plate     *capture.CaptureEvent
	Direction capture.Direction
	StartedAt time.Time
}

// Pair is a completed crossing handed to recognition.
type Pair struct {
	Face        capture.CaptureEvent
	Plate       capture.CaptureEvent
	Direction   capture.Direction
	StartedAt   time.Time
	CompletedAt time.Time
}

// TimeoutFunc receives the pair discarded by an expired timer.
type TimeoutFunc func(PendingPair)

type Correlator struct {
	mu       sync.Mutex
	window   time.Duration
	bindings capture.Bindings
	now      func() time.Time

	pending *PendingPair
	timer   *time.Timer
	gen     uint64

	onTimeout TimeoutFunc
	log       *zap.SugaredLogger
}

// New returns an empty correlator. A non-positive window falls back to DefaultWindow.
func New(window time.Duration, bindings capture.Bindings, onTimeout TimeoutFunc) *Correlator {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Correlator{
		window:    window,
		bindings:  bindings,
		now:       time.Now,
		onTimeout: onTimeout,
		log:       logger.ComponentLogger("gate.correlator"),
	}
}

// Offer feeds one event. It returns the completed pair and true when ev is
// the missing half; otherwise the event is held and false is returned.
//
// A face event from an unbound station fails with ErrUnboundStation. An event
// whose station is bound to the opposite direction of the pending pair fails
// with ErrProtocol and is not merged; the pending pair is left untouched.
func (c *Correlator) Offer(ev capture.CaptureEvent) (Pair, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	dir, bound := c.bindings.DirectionOf(ev.StationID)
	if ev.Kind == capture.KindFace && !bound {
		return Pair{}, false, errors.Wrapf(errors.ErrUnboundStation, "face event from station %q", ev.StationID)
	}

	if c.pending == nil {
		p := &PendingPair{StartedAt: c.now()}
		if bound {
			p.Direction = dir
		}
		c.hold(p, ev)
		c.pending = p
		c.startTimer()
		c.log.Debugw("pair started",
			logger.FieldStation, ev.StationID,
			logger.FieldKind, ev.Kind.String(),
			logger.FieldDirection, p.Direction.String())
		return Pair{}, false, nil
	}

	p := c.pending
	if bound && p.Direction != capture.DirectionUnknown && p.Direction != dir {
		return Pair{}, false, errors.Wrapf(errors.ErrProtocol,
			"%s event from %s station %q while a %s pair is pending",
			ev.Kind, dir, ev.StationID, p.Direction)
	}
	if bound && p.Direction == capture.DirectionUnknown {
		p.Direction = dir
	}

	// same kind: last write wins, keep waiting
	c.hold(p, ev)
	if p.Face == nil || p.Plate == nil {
		return Pair{}, false, nil
	}

	pair := Pair{
		Face:        *p.Face,
		Plate:       *p.Plate,
		Direction:   p.Direction,
		StartedAt:   p.StartedAt,
		CompletedAt: c.now(),
	}
	c.clear()
	return pair, true, nil
}

// Window is the correlation timeout in effect.
func (c *Correlator) Window() time.Duration {
	return c.window
}

// Reset discards the pending pair, if any, and cancels its timer.
func (c *Correlator) Reset() (PendingPair, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.pending == nil {
		return PendingPair{}, false
	}
	p := *c.pending
	c.clear()
	return p, true
}

// Pending returns a copy of the pending pair.
func (c *Correlator) Pending() (PendingPair, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.pending == nil {
		return PendingPair{}, false
	}
	return *c.pending, true
}

// State reports whether a pair is being assembled.
func (c *Correlator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.pending == nil {
		return Empty
	}
	return AwaitingPartner
}

func (c *Correlator) hold(p *PendingPair, ev capture.CaptureEvent) {
	e := ev
	if ev.Kind == capture.KindFace {
		p.Face = &e
	} else {
		p.Plate = &e
	}
}

// startTimer must be called with mu held.
func (c *Correlator) startTimer() {
	c.gen++
	gen := c.gen
	c.timer = time.AfterFunc(c.window, func() { c.expire(gen) })
}

// clear must be called with mu held.
func (c *Correlator) clear() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.gen++
	c.pending = nil
}

func (c *Correlator) expire(gen uint64) {
	c.mu.Lock()
	if gen != c.gen || c.pending == nil {
		c.mu.Unlock()
		return
	}
	p := *c.pending
	c.timer = nil
	c.gen++
	c.pending = nil
	c.mu.Unlock()

	c.log.Infow("pair timed out",
		logger.FieldDirection, p.Direction.String(),
		"has_face", p.Face != nil,
		"has_plate", p.Plate != nil)

	if c.onTimeout != nil {
		c.onTimeout(p)
	}
}
