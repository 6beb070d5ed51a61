package supervisor

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Eyemetric/gate_service/internal/capture"
	"github.com/Eyemetric/gate_service/internal/errors"
	"github.com/Eyemetric/gate_service/internal/recognition"
	"github.com/Eyemetric/gate_service/internal/repository"
	"github.com/Eyemetric/gate_service/internal/stations"
)

type fakeRecognizer struct {
	mu          sync.Mutex
	plates      map[string]string
	plateErr    error
	verdict     recognition.Verdict
	verifyErr   error
	block       chan struct{}
	verifyCalls int
	lastCheck   recognition.ExitCheck
}

func (f *fakeRecognizer) ResolvePlate(ctx context.Context, plateURL string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.plateErr != nil {
		return "", f.plateErr
	}
	p, ok := f.plates[plateURL]
	if !ok {
		return "", errors.Wrap(errors.ErrNoPlate, plateURL)
	}
	return p, nil
}

func (f *fakeRecognizer) VerifyExit(ctx context.Context, chk recognition.ExitCheck) (recognition.Verdict, error) {
	f.mu.Lock()
	f.verifyCalls++
	f.lastCheck = chk
	block, verdict, err := f.block, f.verdict, f.verifyErr
	f.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return recognition.NotMatched, errors.Mark(ctx.Err(), errors.ErrAborted)
		}
	}
	return verdict, err
}

func (f *fakeRecognizer) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.verifyCalls
}

type fakeStations struct {
	mu       sync.Mutex
	all      int
	stations []string
}

func (f *fakeStations) RearmAll(context.Context) []stations.RearmResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.all++
	return nil
}

func (f *fakeStations) RearmStation(_ context.Context, id string) (stations.RearmResult, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stations = append(f.stations, id)
	return stations.RearmResult{StationID: id}, true
}

func (f *fakeStations) allCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.all
}

type fakeGate struct {
	mu     sync.Mutex
	opens  int
	closes int
	open   bool
	shows  []string
}

func (g *fakeGate) OpenGate(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.open {
		return fmt.Errorf("gate opened twice")
	}
	g.open = true
	g.opens++
	return nil
}

func (g *fakeGate) CloseGate(context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.open = false
	g.closes++
	return nil
}

func (g *fakeGate) Show(_ context.Context, text string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.shows = append(g.shows, text)
	return nil
}

func (g *fakeGate) counts() (int, int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.opens, g.closes
}

func (g *fakeGate) lastShow() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.shows) == 0 {
		return ""
	}
	return g.shows[len(g.shows)-1]
}

type harness struct {
	sup   *Supervisor
	repo  *repository.MemParkingRepo
	rec   *fakeRecognizer
	st    *fakeStations
	gate  *fakeGate
	feed  <-chan Outcome
	store Store
}

func newHarness(t *testing.T, capacity int, window time.Duration) *harness {
	t.Helper()
	h := &harness{
		repo: repository.NewMemParkingRepo(),
		rec:  &fakeRecognizer{plates: map[string]string{}, verdict: recognition.Matched},
		st:   &fakeStations{},
		gate: &fakeGate{},
	}
	require.NoError(t, h.repo.Seed(context.Background(), capacity))
	if h.store == nil {
		h.store = h.repo
	}
	h.build(t, window)
	return h
}

func (h *harness) build(t *testing.T, window time.Duration) {
	t.Helper()
	h.sup = New(Config{
		Bindings: capture.Bindings{"1": capture.Entry, "2": capture.Exit},
		Window:   window,
		Dwell:    10 * time.Millisecond,
		IdleText: "VisPark",
	}, h.rec, h.store, h.gate, h.st, nil)
	feed, stop := h.sup.Hub().Subscribe()
	h.feed = feed
	t.Cleanup(func() {
		stop()
		_ = h.sup.Shutdown(context.Background())
	})
}

func (h *harness) next(t *testing.T) Outcome {
	t.Helper()
	select {
	case o := <-h.feed:
		return o
	case <-time.After(2 * time.Second):
		t.Fatal("no outcome published")
		return Outcome{}
	}
}

func notification(cam string, isFace bool, url string) []byte {
	return []byte(fmt.Sprintf(`{"cam":%q,"isFace":%t,"url":%q}`, cam, isFace, url))
}

// crossing submits a face from cam and a plate from the shared plate camera.
func (h *harness) crossing(t *testing.T, cam, faceURL, plateURL string) {
	t.Helper()
	require.NoError(t, h.sup.Submit(context.Background(), notification(cam, true, faceURL)))
	require.NoError(t, h.sup.Submit(context.Background(), notification("3", false, plateURL)))
}

func (h *harness) available(t *testing.T) int {
	t.Helper()
	n, err := h.repo.GetAvailableSlots(context.Background())
	require.NoError(t, err)
	return n
}

func (h *harness) seedEntry(t *testing.T, plate string) string {
	t.Helper()
	ctx := context.Background()
	id, err := h.repo.CreateSession(ctx, repository.NewSession{
		FaceURL: "entry-face-" + plate, PlateURL: "entry-plate-" + plate, PlateNumber: plate, Direction: capture.Entry,
	})
	require.NoError(t, err)
	_, err = h.repo.DecrementSlots(ctx)
	require.NoError(t, err)
	return id
}

func TestEntryAdmitted(t *testing.T) {
	h := newHarness(t, 5, time.Second)
	h.rec.plates["p1"] = "51F12345"

	h.crossing(t, "1", "f1", "p1")
	h.sup.Wait()

	out := h.next(t)
	assert.Equal(t, OutcomeAdmitted, out.Kind)
	assert.Equal(t, "In", out.Direction)
	assert.Equal(t, "51F12345", out.Plate)
	require.NotNil(t, out.Available)
	assert.Equal(t, 4, *out.Available)

	sessions := h.repo.Sessions()
	require.Len(t, sessions, 1)
	assert.Equal(t, "f1", sessions[0].FaceURL)
	assert.Equal(t, "p1", sessions[0].PlateURL)
	assert.Equal(t, capture.Entry, sessions[0].Direction)

	opens, closes := h.gate.counts()
	assert.Equal(t, 1, opens)
	assert.Equal(t, 1, closes)
	assert.Equal(t, 4, h.available(t))
	assert.Equal(t, 1, h.st.allCount())
	assert.Equal(t, "Slots left: 4", h.gate.lastShow())
}

func TestEntryDeniedWhenFull(t *testing.T) {
	h := newHarness(t, 0, time.Second)
	h.rec.plates["p1"] = "51F12345"

	h.crossing(t, "1", "f1", "p1")
	h.sup.Wait()

	out := h.next(t)
	assert.Equal(t, OutcomeDenied, out.Kind)
	assert.Equal(t, MsgFull, out.Message)
	assert.Empty(t, h.repo.Sessions())
	opens, _ := h.gate.counts()
	assert.Zero(t, opens)
	assert.Equal(t, 1, h.st.allCount())
	assert.Equal(t, 0, h.available(t))
}

func TestPartialPairTimesOut(t *testing.T) {
	h := newHarness(t, 5, 30*time.Millisecond)

	require.NoError(t, h.sup.Submit(context.Background(), notification("1", true, "f1")))
	assert.Equal(t, PhaseCorrelating, h.sup.Status().Phase)

	out := h.next(t)
	assert.Equal(t, OutcomeTimeout, out.Kind)
	assert.Contains(t, out.Error, "correlation window 30ms elapsed")
	assert.Equal(t, 1, h.st.allCount())
	assert.Equal(t, "VisPark", h.gate.lastShow())
	assert.Empty(t, h.repo.Sessions())
	assert.Equal(t, PhaseIdle, h.sup.Status().Phase)
}

func TestOCRFailureAbandonsPair(t *testing.T) {
	tests := []struct {
		name string
		err  error
		msg  string
	}{
		{"service failure", errors.Wrap(errors.ErrServiceFailure, "ocr down"), MsgSessionFailed},
		{"no plate", errors.Wrap(errors.ErrNoPlate, "blank"), MsgPlateNotRead},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, 5, time.Second)
			h.rec.plateErr = tt.err

			h.crossing(t, "1", "f1", "p1")
			h.sup.Wait()

			out := h.next(t)
			assert.Equal(t, OutcomeFailed, out.Kind)
			assert.Equal(t, tt.msg, out.Message)
			assert.Empty(t, h.repo.Sessions())
			assert.Equal(t, 5, h.available(t))
			assert.Equal(t, 1, h.st.allCount())
			opens, _ := h.gate.counts()
			assert.Zero(t, opens)
		})
	}
}

func TestParseErrorResetsAndRearms(t *testing.T) {
	h := newHarness(t, 5, time.Second)

	require.NoError(t, h.sup.Submit(context.Background(), notification("1", true, "f1")))
	err := h.sup.Submit(context.Background(), []byte(`{"cam": 1, "isFace": tru`))
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrParse))

	out := h.next(t)
	assert.Equal(t, OutcomeParseError, out.Kind)
	assert.Equal(t, 1, h.st.allCount())
	assert.Nil(t, h.sup.Status().Pending)
}

func TestProtocolErrorRearmsOffendingStation(t *testing.T) {
	h := newHarness(t, 5, time.Second)

	require.NoError(t, h.sup.Submit(context.Background(), notification("1", true, "f-in")))
	err := h.sup.Submit(context.Background(), notification("2", true, "f-out"))
	assert.True(t, errors.Is(err, errors.ErrProtocol))

	out := h.next(t)
	assert.Equal(t, OutcomeProtocolError, out.Kind)
	assert.Equal(t, []string{"2"}, h.st.stations)
	assert.Zero(t, h.st.allCount())

	st := h.sup.Status()
	require.NotNil(t, st.Pending)
	assert.Equal(t, "In", st.Pending.Direction)
}

func TestExitMatched(t *testing.T) {
	h := newHarness(t, 5, time.Second)
	entryID := h.seedEntry(t, "51F12345")
	h.rec.plates["p2"] = "51F12345"

	h.crossing(t, "2", "f2", "p2")
	h.sup.Wait()

	out := h.next(t)
	assert.Equal(t, OutcomeAdmitted, out.Kind)
	assert.Equal(t, "Out", out.Direction)
	assert.Equal(t, entryID, out.EntrySessionID)
	assert.Equal(t, MsgMatchYes, out.Message)

	entry, err := h.repo.GetSession(context.Background(), entryID)
	require.NoError(t, err)
	assert.True(t, entry.IsOut)
	assert.Equal(t, 5, h.available(t))

	opens, closes := h.gate.counts()
	assert.Equal(t, 1, opens)
	assert.Equal(t, 1, closes)

	mapped, ok := h.repo.EntryFor(out.SessionID)
	require.True(t, ok)
	assert.Equal(t, entryID, mapped)

	assert.Equal(t, "entry-face-51F12345", h.rec.lastCheck.EntryFaceURL)
	assert.Equal(t, "f2", h.rec.lastCheck.ExitFaceURL)
	assert.Len(t, h.repo.Sessions(), 2)
}

func TestExitAlreadyOut(t *testing.T) {
	h := newHarness(t, 5, time.Second)
	entryID := h.seedEntry(t, "51F12345")
	require.NoError(t, h.repo.PatchIsOut(context.Background(), entryID))
	h.rec.plates["p2"] = "51F12345"

	h.crossing(t, "2", "f2", "p2")
	h.sup.Wait()

	out := h.next(t)
	assert.Equal(t, OutcomeDenied, out.Kind)
	assert.Equal(t, MsgAlreadyOut, out.Message)
	assert.Zero(t, h.rec.calls())
	assert.Equal(t, 4, h.available(t))
	opens, _ := h.gate.counts()
	assert.Zero(t, opens)
	// the attempt itself is recorded
	assert.Len(t, h.repo.Sessions(), 2)
}

func TestExitWithoutEntrySession(t *testing.T) {
	h := newHarness(t, 5, time.Second)
	h.rec.plates["p2"] = "30A00001"

	h.crossing(t, "2", "f2", "p2")
	h.sup.Wait()

	out := h.next(t)
	assert.Equal(t, OutcomeDenied, out.Kind)
	assert.Equal(t, MsgNoSession, out.Message)
	assert.Equal(t, 1, h.st.allCount())
}

func TestExitVerificationOutcomes(t *testing.T) {
	tests := []struct {
		name    string
		verdict recognition.Verdict
		err     error
		kind    OutcomeKind
		msg     string
	}{
		{"not matched", recognition.NotMatched, nil, OutcomeDenied, MsgMatchNo},
		{"service failure", recognition.NotMatched, errors.Wrap(errors.ErrServiceFailure, "bad payload"), OutcomeFailed, MsgVerifyError},
		{"timed out", recognition.TimedOut, nil, OutcomeTimeout, MsgTimeoutWaiting},
		{"service too slow", recognition.NotMatched, errors.Mark(errors.Wrap(errors.ErrServiceFailure, "face match"), errors.ErrTimeout), OutcomeTimeout, MsgTimeoutWaiting},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, 5, time.Second)
			entryID := h.seedEntry(t, "51F12345")
			h.rec.plates["p2"] = "51F12345"
			h.rec.verdict, h.rec.verifyErr = tt.verdict, tt.err

			h.crossing(t, "2", "f2", "p2")
			h.sup.Wait()

			out := h.next(t)
			assert.Equal(t, tt.kind, out.Kind)
			assert.Equal(t, tt.msg, out.Message)

			entry, _ := h.repo.GetSession(context.Background(), entryID)
			assert.False(t, entry.IsOut)
			assert.Equal(t, 4, h.available(t))
			opens, _ := h.gate.counts()
			assert.Zero(t, opens)
			assert.Equal(t, 1, h.st.allCount())
		})
	}
}

func TestSlowExitDoesNotBlockEntry(t *testing.T) {
	h := newHarness(t, 5, time.Second)
	h.seedEntry(t, "EXIT1")
	h.rec.plates["p-exit"] = "EXIT1"
	h.rec.plates["p-entry"] = "ENTRY1"
	h.rec.block = make(chan struct{})

	h.crossing(t, "2", "f-exit", "p-exit")
	require.Eventually(t, func() bool { return h.rec.calls() == 1 }, time.Second, 5*time.Millisecond)

	h.crossing(t, "1", "f-entry", "p-entry")
	out := h.next(t)
	assert.Equal(t, OutcomeAdmitted, out.Kind)
	assert.Equal(t, "In", out.Direction)

	st := h.sup.Status()
	require.Len(t, st.Crossings, 1)
	assert.Equal(t, "Out", st.Crossings[0].Direction)
	assert.Equal(t, PhaseVerifying, st.Phase)

	close(h.rec.block)
	h.sup.Wait()
	out = h.next(t)
	assert.Equal(t, OutcomeAdmitted, out.Kind)
	assert.Equal(t, "Out", out.Direction)
	assert.Equal(t, 4, h.available(t))
}

func TestAbortCancelsVerification(t *testing.T) {
	h := newHarness(t, 5, time.Second)
	entryID := h.seedEntry(t, "51F12345")
	h.rec.plates["p2"] = "51F12345"
	h.rec.block = make(chan struct{})
	defer close(h.rec.block)

	h.crossing(t, "2", "f2", "p2")
	require.Eventually(t, func() bool { return h.rec.calls() == 1 }, time.Second, 5*time.Millisecond)

	assert.Equal(t, 1, h.sup.Abort())
	h.sup.Wait()

	kinds := []OutcomeKind{h.next(t).Kind, h.next(t).Kind}
	assert.ElementsMatch(t, []OutcomeKind{OutcomeAborted, OutcomeAborted}, kinds)

	entry, _ := h.repo.GetSession(context.Background(), entryID)
	assert.False(t, entry.IsOut)
	assert.Equal(t, 4, h.available(t))
	opens, _ := h.gate.counts()
	assert.Zero(t, opens)
	assert.Equal(t, 1, h.st.allCount(), "abort re-arms once")
}

func TestConcurrentEntriesNeverOverbook(t *testing.T) {
	h := newHarness(t, 1, time.Second)
	h.rec.plates["p1"] = "A1"
	h.rec.plates["p2"] = "B2"

	h.crossing(t, "1", "f1", "p1")
	h.crossing(t, "1", "f2", "p2")
	h.sup.Wait()

	kinds := []OutcomeKind{h.next(t).Kind, h.next(t).Kind}
	assert.ElementsMatch(t, []OutcomeKind{OutcomeAdmitted, OutcomeDenied}, kinds)
	assert.Len(t, h.repo.Sessions(), 1)
	assert.Equal(t, 0, h.available(t))
	opens, _ := h.gate.counts()
	assert.Equal(t, 1, opens)
}

type failingSlots struct {
	*repository.MemParkingRepo
}

func (failingSlots) GetAvailableSlots(context.Context) (int, error) {
	return 0, errors.MarkStore(errors.New("connection refused"), "read slots")
}

func TestStoreFailureBeforeSession(t *testing.T) {
	h := &harness{
		repo: repository.NewMemParkingRepo(),
		rec:  &fakeRecognizer{plates: map[string]string{"p1": "A1"}},
		st:   &fakeStations{},
		gate: &fakeGate{},
	}
	h.store = failingSlots{h.repo}
	h.build(t, time.Second)

	h.crossing(t, "1", "f1", "p1")
	h.sup.Wait()

	out := h.next(t)
	assert.Equal(t, OutcomeFailed, out.Kind)
	assert.Equal(t, MsgSlotsError, out.Message)
	assert.Empty(t, h.repo.Sessions())
	assert.Equal(t, 1, h.st.allCount())
}

// storeHarness builds a harness whose supervisor talks to store instead of the plain repo.
func storeHarness(t *testing.T, capacity int, wrap func(*repository.MemParkingRepo) Store) *harness {
	t.Helper()
	h := &harness{
		repo: repository.NewMemParkingRepo(),
		rec:  &fakeRecognizer{plates: map[string]string{}, verdict: recognition.Matched},
		st:   &fakeStations{},
		gate: &fakeGate{},
	}
	require.NoError(t, h.repo.Seed(context.Background(), capacity))
	h.store = wrap(h.repo)
	h.build(t, time.Second)
	return h
}

type conflictingDecrement struct {
	*repository.MemParkingRepo
}

func (conflictingDecrement) DecrementSlots(context.Context) (repository.SlotCounter, error) {
	return repository.SlotCounter{}, errors.Wrap(errors.ErrConflict, "slot counter kept changing")
}

func TestEntryDecrementFailureKeepsGateShut(t *testing.T) {
	h := storeHarness(t, 5, func(r *repository.MemParkingRepo) Store { return conflictingDecrement{r} })
	h.rec.plates["p1"] = "A1"

	h.crossing(t, "1", "f1", "p1")
	h.sup.Wait()

	out := h.next(t)
	assert.Equal(t, OutcomeFailed, out.Kind)
	assert.Equal(t, MsgSlotsError, out.Message)
	assert.Nil(t, out.Available)
	assert.Empty(t, h.repo.Sessions())
	assert.Equal(t, 5, h.available(t))
	opens, _ := h.gate.counts()
	assert.Zero(t, opens)
	assert.Equal(t, MsgSlotsError, h.gate.lastShow())
}

type rejectingDecrement struct {
	*repository.MemParkingRepo
}

func (rejectingDecrement) DecrementSlots(context.Context) (repository.SlotCounter, error) {
	return repository.SlotCounter{}, errors.Wrap(errors.ErrRejected, "available already 0")
}

func TestEntryDecrementRejectedIsFull(t *testing.T) {
	h := storeHarness(t, 5, func(r *repository.MemParkingRepo) Store { return rejectingDecrement{r} })
	h.rec.plates["p1"] = "A1"

	h.crossing(t, "1", "f1", "p1")
	h.sup.Wait()

	out := h.next(t)
	assert.Equal(t, OutcomeDenied, out.Kind)
	assert.Equal(t, MsgFull, out.Message)
	assert.Empty(t, h.repo.Sessions())
	opens, _ := h.gate.counts()
	assert.Zero(t, opens)
}

type failingSessionCreate struct {
	*repository.MemParkingRepo
}

func (failingSessionCreate) CreateSession(context.Context, repository.NewSession) (string, error) {
	return "", errors.MarkStore(errors.New("connection reset"), "insert session")
}

func TestEntrySessionFailureRestoresSlot(t *testing.T) {
	h := storeHarness(t, 5, func(r *repository.MemParkingRepo) Store { return failingSessionCreate{r} })
	h.rec.plates["p1"] = "A1"

	h.crossing(t, "1", "f1", "p1")
	h.sup.Wait()

	out := h.next(t)
	assert.Equal(t, OutcomeFailed, out.Kind)
	assert.Equal(t, MsgSessionFailed, out.Message)
	assert.Equal(t, 5, h.available(t))
	opens, _ := h.gate.counts()
	assert.Zero(t, opens)
}

type failingIncrement struct {
	*repository.MemParkingRepo
}

func (failingIncrement) IncrementSlots(context.Context) (repository.SlotCounter, error) {
	return repository.SlotCounter{}, errors.Wrap(errors.ErrConflict, "slot counter kept changing")
}

func TestExitIncrementFailureIsReported(t *testing.T) {
	h := storeHarness(t, 5, func(r *repository.MemParkingRepo) Store { return failingIncrement{r} })
	entryID := h.seedEntry(t, "51F12345")
	h.rec.plates["p2"] = "51F12345"

	h.crossing(t, "2", "f2", "p2")
	h.sup.Wait()

	out := h.next(t)
	assert.Equal(t, OutcomeAdmitted, out.Kind)
	assert.Equal(t, MsgSlotsNotUpdated, out.Message)
	assert.Nil(t, out.Available)
	assert.Contains(t, out.Error, "slot counter kept changing")

	entry, err := h.repo.GetSession(context.Background(), entryID)
	require.NoError(t, err)
	assert.True(t, entry.IsOut)
	assert.Equal(t, 4, h.available(t))
	opens, closes := h.gate.counts()
	assert.Equal(t, 1, opens)
	assert.Equal(t, 1, closes)
}

func TestShutdownRejectsSubmit(t *testing.T) {
	h := newHarness(t, 5, time.Second)
	require.NoError(t, h.sup.Shutdown(context.Background()))

	err := h.sup.Submit(context.Background(), notification("1", true, "f1"))
	assert.True(t, errors.Is(err, errors.ErrAborted))
}

func TestHubDropsForSlowSubscriber(t *testing.T) {
	hub := NewHub()
	feed, stop := hub.Subscribe()
	defer stop()

	for i := 0; i < 40; i++ {
		hub.Publish(Outcome{Kind: OutcomeDenied, Plate: fmt.Sprint(i)})
	}
	assert.Len(t, feed, 16)
	assert.Len(t, hub.Recent(), recentOutcomes)
	assert.Equal(t, "39", hub.Recent()[recentOutcomes-1].Plate)

	stop()
	drained := 0
	for range feed {
		drained++
	}
	assert.Equal(t, 16, drained)
	_, open := <-feed
	assert.False(t, open)
}
