package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/Eyemetric/gate_service/internal/api/search"
	"github.com/Eyemetric/gate_service/internal/capture"
	"github.com/Eyemetric/gate_service/internal/errors"
)

// MemParkingRepo keeps everything in process memory. It backs store.driver =
// memory and the package tests of the coordinator.
type MemParkingRepo struct {
	mu       sync.Mutex
	sessions map[string]Session
	order    []string
	counter  *SlotCounter
	matches  map[string]MatchRequest
	sessMap  map[string]string // exit -> entry
	trigger  struct {
		status    bool
		sessionID string
	}
	subs    map[chan string]struct{}
	reqSubs map[chan string]struct{}
}

func NewMemParkingRepo() *MemParkingRepo {
	return &MemParkingRepo{
		sessions: map[string]Session{},
		matches:  map[string]MatchRequest{},
		sessMap:  map[string]string{},
		subs:     map[chan string]struct{}{},
		reqSubs:  map[chan string]struct{}{},
	}
}

func (r *MemParkingRepo) CreateSession(ctx context.Context, s NewSession) (string, error) {
	if err := validateNewSession(s); err != nil {
		return "", err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	id := newID()
	r.sessions[id] = Session{
		ID:          id,
		FaceURL:     s.FaceURL,
		PlateURL:    s.PlateURL,
		PlateNumber: s.PlateNumber,
		Direction:   s.Direction,
		Gate:        s.Direction.String(),
		CreatedAt:   time.Now().UTC(),
	}
	r.order = append(r.order, id)
	return id, nil
}

func (r *MemParkingRepo) GetSession(ctx context.Context, id string) (Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return Session{}, errors.Wrapf(errors.ErrNotFound, "session %s", id)
	}
	return s, nil
}

func (r *MemParkingRepo) PatchIsOut(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return errors.Wrapf(errors.ErrNotFound, "session %s", id)
	}
	if s.IsOut {
		return errors.Wrapf(errors.ErrAlreadyOut, "session %s", id)
	}
	s.IsOut = true
	r.sessions[id] = s
	return nil
}

func (r *MemParkingRepo) FindOpenSessionByPlate(ctx context.Context, plateNumber string) (OpenSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	// order holds creation order, so walk it backwards for newest first
	for i := len(r.order) - 1; i >= 0; i-- {
		s := r.sessions[r.order[i]]
		if s.PlateNumber == plateNumber && s.Direction == capture.Entry {
			return OpenSession{ID: s.ID, FaceURL: s.FaceURL, IsOut: s.IsOut}, nil
		}
	}
	return OpenSession{}, errors.Wrapf(errors.ErrNotFound, "no entry session for plate %s", plateNumber)
}

func (r *MemParkingRepo) filtered(doc search.SearchDoc) []search.SessionRecord {
	var recs []search.SessionRecord
	for _, id := range r.order {
		s := r.sessions[id]
		rec := search.SessionRecord{
			ID:          s.ID,
			FaceUrl:     s.FaceURL,
			PlateUrl:    s.PlateURL,
			PlateNumber: s.PlateNumber,
			Gate:        s.Gate,
			IsOut:       s.IsOut,
			CreatedAt:   s.CreatedAt,
		}
		if doc.Matches(rec) {
			recs = append(recs, rec)
		}
	}
	sort.SliceStable(recs, func(i, j int) bool { return recs[i].CreatedAt.After(recs[j].CreatedAt) })
	return recs
}

func (r *MemParkingRepo) SearchSessions(ctx context.Context, doc search.SearchDoc) ([]search.SessionRecord, error) {
	// same validation as the SQL path
	if _, err := search.BuildSelectQuery(doc); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	recs := r.filtered(doc)
	start, end := doc.Window(len(recs))
	return recs[start:end], nil
}

func (r *MemParkingRepo) CountSessions(ctx context.Context, doc search.SearchDoc) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return int64(len(r.filtered(doc))), nil
}

func (r *MemParkingRepo) CreateSessionMap(ctx context.Context, entryID, exitID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessMap[exitID] = entryID
	return nil
}

// EntryFor returns the entry session recorded for an exit session.
func (r *MemParkingRepo) EntryFor(exitID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.sessMap[exitID]
	return id, ok
}

func (r *MemParkingRepo) GetAvailableSlots(ctx context.Context) (int, error) {
	c, err := r.GetSlotCounter(ctx)
	return c.Available, err
}

func (r *MemParkingRepo) GetSlotCounter(ctx context.Context) (SlotCounter, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.counter == nil {
		return SlotCounter{}, errors.Mark(errors.New("slot counter not seeded"), errors.ErrStoreFailure)
	}
	return *r.counter, nil
}

func (r *MemParkingRepo) IncrementSlots(ctx context.Context) (SlotCounter, error) {
	return r.adjustSlots(incrementNext)
}

func (r *MemParkingRepo) DecrementSlots(ctx context.Context) (SlotCounter, error) {
	return r.adjustSlots(decrementNext)
}

func (r *MemParkingRepo) SetCapacity(ctx context.Context, capacity int) (SlotCounter, error) {
	return r.adjustSlots(capacityNext(capacity))
}

func (r *MemParkingRepo) adjustSlots(next func(SlotCounter) (SlotCounter, error)) (SlotCounter, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.counter == nil {
		return SlotCounter{}, errors.Mark(errors.New("slot counter not seeded"), errors.ErrStoreFailure)
	}
	upd, err := next(*r.counter)
	if err != nil {
		return *r.counter, err
	}
	upd.Version++
	upd.UpdatedAt = time.Now().UTC()
	r.counter = &upd
	return upd, nil
}

// Seed creates the counter once; later calls keep the existing one.
func (r *MemParkingRepo) Seed(ctx context.Context, capacity int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.counter == nil {
		r.counter = &SlotCounter{Available: capacity, Capacity: capacity, UpdatedAt: time.Now().UTC()}
	}
	return nil
}

func (r *MemParkingRepo) CreateMatchRequest(ctx context.Context, sessionID string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := newID()
	r.matches[id] = MatchRequest{ID: id, SessionID: sessionID, CreatedAt: time.Now().UTC()}
	return id, nil
}

func (r *MemParkingRepo) GetMatchRequest(ctx context.Context, id string) (MatchRequest, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.matches[id]
	if !ok {
		return MatchRequest{}, errors.Wrapf(errors.ErrNotFound, "match request %s", id)
	}
	return m, nil
}

func (r *MemParkingRepo) FindMatchRequestBySession(ctx context.Context, sessionID string) (MatchRequest, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var found *MatchRequest
	for _, m := range r.matches {
		if m.SessionID != sessionID {
			continue
		}
		if found == nil || m.CreatedAt.After(found.CreatedAt) || (m.CreatedAt.Equal(found.CreatedAt) && m.ID > found.ID) {
			m := m
			found = &m
		}
	}
	if found == nil {
		return MatchRequest{}, errors.Wrapf(errors.ErrNotFound, "match request for session %s", sessionID)
	}
	return *found, nil
}

func (r *MemParkingRepo) VerifyMatchRequest(ctx context.Context, id string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.matches[id]
	if !ok {
		return false, errors.Wrapf(errors.ErrNotFound, "match request %s", id)
	}
	if m.IsMatch {
		return false, nil
	}
	now := time.Now().UTC()
	m.IsMatch = true
	m.VerifiedAt = &now
	r.matches[id] = m

	notify(r.subs, id)
	return true, nil
}

func (r *MemParkingRepo) SetTrigger(ctx context.Context, status bool, sessionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.trigger.status = status
	r.trigger.sessionID = sessionID
	if status {
		notify(r.reqSubs, sessionID)
	}
	return nil
}

// Trigger returns the current verify trigger document.
func (r *MemParkingRepo) Trigger() (bool, string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.trigger.status, r.trigger.sessionID
}

func (r *MemParkingRepo) SubscribeMatches(ctx context.Context) (<-chan string, error) {
	return r.subscribe(ctx, r.subs), nil
}

func (r *MemParkingRepo) SubscribeMatchRequests(ctx context.Context) (<-chan string, error) {
	return r.subscribe(ctx, r.reqSubs), nil
}

func (r *MemParkingRepo) subscribe(ctx context.Context, set map[chan string]struct{}) <-chan string {
	ch := make(chan string, 8)
	r.mu.Lock()
	set[ch] = struct{}{}
	r.mu.Unlock()

	go func() {
		<-ctx.Done()
		r.mu.Lock()
		delete(set, ch)
		close(ch)
		r.mu.Unlock()
	}()
	return ch
}

// notify must be called with mu held. Slow subscribers miss the payload and
// fall back to polling.
func notify(set map[chan string]struct{}, payload string) {
	for ch := range set {
		select {
		case ch <- payload:
		default:
		}
	}
}

func (r *MemParkingRepo) Stats(ctx context.Context) (Stats, error) {
	c, err := r.GetSlotCounter(ctx)
	if err != nil {
		return Stats{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	st := Stats{Available: c.Available, Capacity: c.Capacity}
	for _, s := range r.sessions {
		switch s.Direction {
		case capture.Entry:
			st.TotalEntries++
			if !s.IsOut {
				st.CurrentVehicles++
			}
		case capture.Exit:
			st.TotalExits++
		}
	}
	return st, nil
}

// Sessions returns every stored session in creation order.
func (r *MemParkingRepo) Sessions() []Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Session, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.sessions[id])
	}
	return out
}

var (
	_ ParkingRepository = (*MemParkingRepo)(nil)
	_ ParkingRepository = (*PgxParkingRepo)(nil)
)
