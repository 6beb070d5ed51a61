// Package supervisor runs the gate state machine: it correlates capture
// events into crossings, verifies them, decides admit or deny, drives the
// gate and re-arms the capture stations.
//
// Each completed pair becomes its own crossing task with a cancellable
// context, so a slow exit verification never holds up the next entry.
// Deciding and Actuating run under one gate lock, which also serialises every
// slot and isOut mutation in the process. The first store mutation that
// grants passage is the commit point: the slot decrement for an entry, the
// conditional isOut patch for an exit. Cancellation seen before it aborts the
// crossing with no mutation; after it the crossing runs to the end and the
// gate always closes.
package supervisor

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Eyemetric/gate_service/internal/actuator"
	"github.com/Eyemetric/gate_service/internal/capture"
	"github.com/Eyemetric/gate_service/internal/correlator"
	"github.com/Eyemetric/gate_service/internal/errors"
	"github.com/Eyemetric/gate_service/internal/logger"
	"github.com/Eyemetric/gate_service/internal/recognition"
	"github.com/Eyemetric/gate_service/internal/repository"
	"github.com/Eyemetric/gate_service/internal/stations"
)

type Recognizer interface {
	ResolvePlate(ctx context.Context, plateURL string) (string, error)
	VerifyExit(ctx context.Context, chk recognition.ExitCheck) (recognition.Verdict, error)
}

type Rearmer interface {
	RearmAll(ctx context.Context) []stations.RearmResult
	RearmStation(ctx context.Context, id string) (stations.RearmResult, bool)
}

// Store is the part of the session store a crossing touches.
type Store interface {
	CreateSession(ctx context.Context, s repository.NewSession) (string, error)
	FindOpenSessionByPlate(ctx context.Context, plateNumber string) (repository.OpenSession, error)
	PatchIsOut(ctx context.Context, id string) error
	GetAvailableSlots(ctx context.Context) (int, error)
	IncrementSlots(ctx context.Context) (repository.SlotCounter, error)
	DecrementSlots(ctx context.Context) (repository.SlotCounter, error)
	CreateSessionMap(ctx context.Context, entryID, exitID string) error
}

type Config struct {
	Bindings     capture.Bindings
	Window       time.Duration
	Dwell        time.Duration
	IdleText     string
	RearmTimeout time.Duration
}

type Supervisor struct {
	cfg      Config
	corr     *correlator.Correlator
	rec      Recognizer
	store    Store
	gate     actuator.Controller
	stations Rearmer
	hub      *Hub
	log      *zap.SugaredLogger

	gateMu sync.Mutex

	mu        sync.Mutex
	crossings map[uint64]*crossing
	nextID    uint64
	closed    bool
	wg        sync.WaitGroup

	baseCtx   context.Context
	cancelAll context.CancelFunc
}

type crossing struct {
	id      uint64
	pair    correlator.Pair
	started time.Time
	cancel  context.CancelFunc

	mu    sync.Mutex
	phase Phase
	plate string
}

func (c *crossing) setPhase(p Phase) {
	c.mu.Lock()
	c.phase = p
	c.mu.Unlock()
}

func New(cfg Config, rec Recognizer, store Store, gate actuator.Controller, st Rearmer, hub *Hub) *Supervisor {
	if cfg.Dwell <= 0 {
		cfg.Dwell = actuator.DefaultDwell
	}
	if cfg.RearmTimeout <= 0 {
		cfg.RearmTimeout = 5 * time.Second
	}
	if hub == nil {
		hub = NewHub()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Supervisor{
		cfg:       cfg,
		rec:       rec,
		store:     store,
		gate:      gate,
		stations:  st,
		hub:       hub,
		log:       logger.ComponentLogger("gate.supervisor"),
		crossings: map[uint64]*crossing{},
		baseCtx:   ctx,
		cancelAll: cancel,
	}
	s.corr = correlator.New(cfg.Window, cfg.Bindings, s.onPartialTimeout)
	return s
}

func (s *Supervisor) Hub() *Hub { return s.hub }

// Submit feeds one raw capture notification. Parse and protocol errors are
// handled here (re-arm, outcome) and also returned to the caller.
func (s *Supervisor) Submit(ctx context.Context, raw []byte) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return errors.Wrap(errors.ErrAborted, "supervisor is shut down")
	}

	ev, err := capture.Ingest(raw, time.Now())
	if err != nil {
		s.corr.Reset()
		s.log.Warnw("malformed notification", logger.FieldError, err)
		s.rearmAll()
		s.publish(Outcome{Kind: OutcomeParseError, Error: err.Error()})
		return err
	}

	pair, done, err := s.corr.Offer(ev)
	if err != nil {
		s.log.Warnw("event rejected",
			logger.FieldStation, ev.StationID,
			logger.FieldKind, ev.Kind.String(),
			logger.FieldError, err)
		s.rearmStation(ev.StationID)
		s.publish(Outcome{Kind: OutcomeProtocolError, Error: err.Error()})
		return err
	}
	if !done {
		return nil
	}

	s.startCrossing(pair)
	return nil
}

func (s *Supervisor) startCrossing(pair correlator.Pair) {
	ctx, cancel := context.WithCancel(s.baseCtx)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		cancel()
		return
	}
	s.nextID++
	c := &crossing{id: s.nextID, pair: pair, started: time.Now(), cancel: cancel, phase: PhaseVerifying}
	s.crossings[c.id] = c
	s.wg.Add(1)
	s.mu.Unlock()

	s.log.Infow("crossing started",
		"crossing", c.id,
		logger.FieldDirection, pair.Direction.String(),
		logger.FieldURL, pair.Plate.PayloadURL)

	go func() {
		defer s.wg.Done()
		defer cancel()

		out := s.process(ctx, c)

		s.mu.Lock()
		delete(s.crossings, c.id)
		s.mu.Unlock()

		s.finish(c, out)
	}()
}

func (s *Supervisor) finish(c *crossing, out Outcome) {
	out.Direction = c.pair.Direction.String()
	// an aborted crossing is re-armed by whoever aborted it
	if out.Kind != OutcomeAborted {
		s.rearmAll()
	}
	s.log.Infow("crossing finished",
		"crossing", c.id,
		logger.FieldDirection, out.Direction,
		logger.FieldOutcome, string(out.Kind),
		logger.FieldPlate, out.Plate,
		logger.FieldSessionID, out.SessionID,
		logger.FieldReason, out.Message,
		logger.FieldDurationMS, time.Since(c.started).Milliseconds())
	s.publish(out)
}

func (s *Supervisor) process(ctx context.Context, c *crossing) Outcome {
	plate, err := s.rec.ResolvePlate(ctx, c.pair.Plate.PayloadURL)
	if err != nil {
		if aborted(ctx, err) {
			return abortedOutcome(err)
		}
		msg := MsgSessionFailed
		if errors.Is(err, errors.ErrNoPlate) {
			msg = MsgPlateNotRead
		}
		s.show(msg)
		return Outcome{Kind: OutcomeFailed, Message: msg, Error: err.Error()}
	}
	c.mu.Lock()
	c.plate = plate
	c.mu.Unlock()

	var out Outcome
	switch c.pair.Direction {
	case capture.Entry:
		out = s.admitEntry(ctx, c, plate)
	case capture.Exit:
		out = s.admitExit(ctx, c, plate)
	default:
		out = Outcome{Kind: OutcomeFailed, Error: "pair has no gate direction"}
	}
	out.Plate = plate
	return out
}

func (s *Supervisor) admitEntry(ctx context.Context, c *crossing, plate string) Outcome {
	c.setPhase(PhaseDeciding)
	s.gateMu.Lock()
	defer s.gateMu.Unlock()

	if err := ctx.Err(); err != nil {
		return abortedOutcome(err)
	}

	avail, err := s.store.GetAvailableSlots(ctx)
	if err != nil {
		if aborted(ctx, err) {
			return abortedOutcome(err)
		}
		s.show(MsgSlotsError)
		return Outcome{Kind: OutcomeFailed, Message: MsgSlotsError, Error: err.Error()}
	}
	if avail <= 0 {
		s.show(MsgFull)
		return Outcome{Kind: OutcomeDenied, Message: MsgFull, Available: &avail}
	}

	// the decrement is the commit point: everything after it runs to the end
	cnt, err := s.store.DecrementSlots(ctx)
	if err != nil {
		if aborted(ctx, err) {
			return abortedOutcome(err)
		}
		if errors.Is(err, errors.ErrRejected) {
			s.show(MsgFull)
			zero := 0
			return Outcome{Kind: OutcomeDenied, Message: MsgFull, Available: &zero}
		}
		s.log.Errorw("slot decrement failed", logger.FieldPlate, plate, logger.FieldError, err)
		s.show(MsgSlotsError)
		return Outcome{Kind: OutcomeFailed, Message: MsgSlotsError, Error: err.Error()}
	}
	commit := context.WithoutCancel(ctx)

	id, err := s.store.CreateSession(commit, repository.NewSession{
		FaceURL:     c.pair.Face.PayloadURL,
		PlateURL:    c.pair.Plate.PayloadURL,
		PlateNumber: plate,
		Direction:   capture.Entry,
	})
	if err != nil {
		if _, rerr := s.store.IncrementSlots(commit); rerr != nil {
			s.log.Errorw("slot restore failed", logger.FieldPlate, plate, logger.FieldError, rerr)
		}
		s.show(MsgSessionFailed)
		return Outcome{Kind: OutcomeFailed, Message: MsgSessionFailed, Error: err.Error()}
	}

	c.setPhase(PhaseActuating)
	remaining := cnt.Available
	err = actuator.Cycle(commit, s.gate, s.cfg.Dwell, func() {
		s.show(slotsLeft(remaining))
	})
	if err != nil {
		s.show(MsgGateError)
		return Outcome{Kind: OutcomeFailed, SessionID: id, Message: MsgGateError, Error: err.Error(), Available: &remaining}
	}
	return Outcome{Kind: OutcomeAdmitted, SessionID: id, Message: slotsLeft(remaining), Available: &remaining}
}

func (s *Supervisor) admitExit(ctx context.Context, c *crossing, plate string) Outcome {
	exitID, err := s.store.CreateSession(ctx, repository.NewSession{
		FaceURL:     c.pair.Face.PayloadURL,
		PlateURL:    c.pair.Plate.PayloadURL,
		PlateNumber: plate,
		Direction:   capture.Exit,
	})
	if err != nil {
		if aborted(ctx, err) {
			return abortedOutcome(err)
		}
		s.show(MsgSessionFailed)
		return Outcome{Kind: OutcomeFailed, Message: MsgSessionFailed, Error: err.Error()}
	}

	open, err := s.store.FindOpenSessionByPlate(ctx, plate)
	switch {
	case errors.Is(err, errors.ErrNotFound):
		s.show(MsgNoSession)
		return Outcome{Kind: OutcomeDenied, SessionID: exitID, Message: MsgNoSession}
	case err != nil:
		if aborted(ctx, err) {
			return abortedOutcome(err)
		}
		s.show(MsgSessionFailed)
		return Outcome{Kind: OutcomeFailed, SessionID: exitID, Message: MsgSessionFailed, Error: err.Error()}
	case open.IsOut:
		s.show(MsgAlreadyOut)
		return Outcome{Kind: OutcomeDenied, SessionID: exitID, EntrySessionID: open.ID, Message: MsgAlreadyOut}
	}

	verdict, err := s.rec.VerifyExit(ctx, recognition.ExitCheck{
		EntryFaceURL:  open.FaceURL,
		ExitFaceURL:   c.pair.Face.PayloadURL,
		ExitSessionID: exitID,
	})
	base := Outcome{SessionID: exitID, EntrySessionID: open.ID}
	if err != nil {
		if aborted(ctx, err) {
			base.Kind, base.Error = OutcomeAborted, err.Error()
			return base
		}
		if errors.Is(err, errors.ErrTimeout) {
			s.show(MsgTimeoutWaiting)
			base.Kind, base.Message, base.Error = OutcomeTimeout, MsgTimeoutWaiting, err.Error()
			return base
		}
		s.show(MsgVerifyError)
		base.Kind, base.Message, base.Error = OutcomeFailed, MsgVerifyError, err.Error()
		return base
	}
	switch verdict {
	case recognition.NotMatched:
		s.show(MsgMatchNo)
		base.Kind, base.Message = OutcomeDenied, MsgMatchNo
		return base
	case recognition.TimedOut:
		s.show(MsgTimeoutWaiting)
		base.Kind, base.Message = OutcomeTimeout, MsgTimeoutWaiting
		base.Error = errors.Wrapf(errors.ErrTimeout, "no verdict for exit session %s", exitID).Error()
		return base
	}

	c.setPhase(PhaseDeciding)
	s.gateMu.Lock()
	defer s.gateMu.Unlock()

	if err := ctx.Err(); err != nil {
		base.Kind, base.Error = OutcomeAborted, err.Error()
		return base
	}
	commit := context.WithoutCancel(ctx)

	if err := s.store.PatchIsOut(commit, open.ID); err != nil {
		if errors.Is(err, errors.ErrAlreadyOut) {
			s.show(MsgAlreadyOut)
			base.Kind, base.Message = OutcomeDenied, MsgAlreadyOut
			return base
		}
		s.show(MsgSessionFailed)
		base.Kind, base.Message, base.Error = OutcomeFailed, MsgSessionFailed, err.Error()
		return base
	}

	// isOut is already set, so the vehicle still leaves; the counter drift is reported
	var avail *int
	slotErr := ""
	if cnt, err := s.store.IncrementSlots(commit); err != nil {
		s.log.Errorw("slot increment failed after exit committed",
			logger.FieldSessionID, open.ID, logger.FieldPlate, plate, logger.FieldError, err)
		slotErr = err.Error()
	} else {
		avail = &cnt.Available
	}
	if err := s.store.CreateSessionMap(commit, open.ID, exitID); err != nil {
		s.log.Warnw("session map failed", logger.FieldSessionID, exitID, logger.FieldError, err)
	}

	s.show(MsgMatchYes)
	c.setPhase(PhaseActuating)
	if err := actuator.Cycle(commit, s.gate, s.cfg.Dwell, nil); err != nil {
		s.show(MsgGateError)
		base.Kind, base.Message, base.Error, base.Available = OutcomeFailed, MsgGateError, err.Error(), avail
		return base
	}
	base.Kind, base.Message, base.Available = OutcomeAdmitted, MsgMatchYes, avail
	if slotErr != "" {
		base.Message, base.Error = MsgSlotsNotUpdated, slotErr
	}
	return base
}

// onPartialTimeout runs on the correlator's timer when a pair never completed.
func (s *Supervisor) onPartialTimeout(p correlator.PendingPair) {
	s.rearmAll()
	s.show(s.cfg.IdleText)
	s.publish(Outcome{
		Kind:      OutcomeTimeout,
		Direction: p.Direction.String(),
		Message:   "partial pair discarded",
		Error:     errors.Wrapf(errors.ErrTimeout, "correlation window %s elapsed", s.corr.Window()).Error(),
	})
}

// Abort cancels every in-flight crossing, discards the pending pair and
// re-arms both stations. It returns the number of crossings cancelled.
func (s *Supervisor) Abort() int {
	_, hadPending := s.corr.Reset()

	s.mu.Lock()
	n := len(s.crossings)
	for _, c := range s.crossings {
		c.cancel()
	}
	s.mu.Unlock()

	s.log.Infow("abort", "crossings", n, "pending", hadPending)
	s.rearmAll()
	s.show(s.cfg.IdleText)
	s.publish(Outcome{Kind: OutcomeAborted, Message: "aborted by operator"})
	return n
}

// Shutdown stops accepting notifications, cancels in-flight crossings and
// waits for them, bounded by ctx.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.corr.Reset()
	s.cancelAll()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.rearmAll()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Wait blocks until no crossing is in flight.
func (s *Supervisor) Wait() {
	s.wg.Wait()
}

type PendingStatus struct {
	Direction string    `json:"direction"`
	HasFace   bool      `json:"has_face"`
	HasPlate  bool      `json:"has_plate"`
	StartedAt time.Time `json:"started_at"`
}

type CrossingStatus struct {
	ID        uint64    `json:"id"`
	Direction string    `json:"direction"`
	Phase     Phase     `json:"phase"`
	Plate     string    `json:"plate,omitempty"`
	StartedAt time.Time `json:"started_at"`
}

type Status struct {
	Phase     Phase            `json:"phase"`
	Pending   *PendingStatus   `json:"pending,omitempty"`
	Crossings []CrossingStatus `json:"crossings"`
	Recent    []Outcome        `json:"recent"`
}

// Status reports the most advanced phase across the pending pair and every
// in-flight crossing.
func (s *Supervisor) Status() Status {
	st := Status{Phase: PhaseIdle, Crossings: []CrossingStatus{}, Recent: s.hub.Recent()}

	if p, ok := s.corr.Pending(); ok {
		st.Phase = PhaseCorrelating
		st.Pending = &PendingStatus{
			Direction: p.Direction.String(),
			HasFace:   p.Face != nil,
			HasPlate:  p.Plate != nil,
			StartedAt: p.StartedAt,
		}
	}

	s.mu.Lock()
	for _, c := range s.crossings {
		c.mu.Lock()
		cs := CrossingStatus{
			ID:        c.id,
			Direction: c.pair.Direction.String(),
			Phase:     c.phase,
			Plate:     c.plate,
			StartedAt: c.started,
		}
		c.mu.Unlock()
		st.Crossings = append(st.Crossings, cs)
		if cs.Phase.rank() > st.Phase.rank() {
			st.Phase = cs.Phase
		}
	}
	s.mu.Unlock()

	sort.Slice(st.Crossings, func(i, j int) bool { return st.Crossings[i].ID < st.Crossings[j].ID })
	return st
}

func (s *Supervisor) rearmAll() {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.RearmTimeout)
	defer cancel()
	s.stations.RearmAll(ctx)
}

func (s *Supervisor) rearmStation(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.RearmTimeout)
	defer cancel()
	s.stations.RearmStation(ctx, id)
}

func (s *Supervisor) show(text string) {
	if text == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.RearmTimeout)
	defer cancel()
	if err := s.gate.Show(ctx, text); err != nil {
		s.log.Warnw("display failed", logger.FieldError, err)
	}
}

func (s *Supervisor) publish(o Outcome) {
	if o.At.IsZero() {
		o.At = time.Now().UTC()
	}
	s.hub.Publish(o)
}

func aborted(ctx context.Context, err error) bool {
	return ctx.Err() != nil || errors.Is(err, errors.ErrAborted)
}

func abortedOutcome(err error) Outcome {
	return Outcome{Kind: OutcomeAborted, Error: err.Error()}
}
