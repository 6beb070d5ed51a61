package repository

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/Eyemetric/gate_service/internal/api/search"
	"github.com/Eyemetric/gate_service/internal/capture"
	"github.com/Eyemetric/gate_service/internal/errors"
)

// ParkingRepository is the session store behind the gate coordinator.
type ParkingRepository interface {
	CreateSession(ctx context.Context, s NewSession) (string, error)
	GetSession(ctx context.Context, id string) (Session, error)
	// PatchIsOut moves isOut false -> true. A second call fails with ErrAlreadyOut.
	PatchIsOut(ctx context.Context, id string) error
	// FindOpenSessionByPlate returns the newest In session for the plate, or ErrNotFound.
	FindOpenSessionByPlate(ctx context.Context, plateNumber string) (OpenSession, error)
	SearchSessions(ctx context.Context, doc search.SearchDoc) ([]search.SessionRecord, error)
	CountSessions(ctx context.Context, doc search.SearchDoc) (int64, error)
	CreateSessionMap(ctx context.Context, entryID, exitID string) error

	GetAvailableSlots(ctx context.Context) (int, error)
	GetSlotCounter(ctx context.Context) (SlotCounter, error)
	// IncrementSlots and DecrementSlots fail with ErrRejected at the bound and
	// with ErrConflict when the optimistic write keeps losing.
	IncrementSlots(ctx context.Context) (SlotCounter, error)
	DecrementSlots(ctx context.Context) (SlotCounter, error)
	SetCapacity(ctx context.Context, capacity int) (SlotCounter, error)
	Seed(ctx context.Context, capacity int) error

	CreateMatchRequest(ctx context.Context, sessionID string) (string, error)
	GetMatchRequest(ctx context.Context, id string) (MatchRequest, error)
	// FindMatchRequestBySession returns the newest request raised for an exit session.
	FindMatchRequestBySession(ctx context.Context, sessionID string) (MatchRequest, error)
	// VerifyMatchRequest reports whether this call flipped isMatch.
	VerifyMatchRequest(ctx context.Context, id string) (bool, error)
	SetTrigger(ctx context.Context, status bool, sessionID string) error
	// SubscribeMatches streams ids of match requests as they are verified.
	// The channel closes when ctx ends or the subscription fails.
	SubscribeMatches(ctx context.Context) (<-chan string, error)
	// SubscribeMatchRequests streams exit session ids each time the verify
	// trigger is raised.
	SubscribeMatchRequests(ctx context.Context) (<-chan string, error)

	Stats(ctx context.Context) (Stats, error)
}

type NewSession struct {
	FaceURL     string
	PlateURL    string
	PlateNumber string
	Direction   capture.Direction
}

type Session struct {
	ID          string            `json:"id"`
	FaceURL     string            `json:"face_url"`
	PlateURL    string            `json:"plate_url"`
	PlateNumber string            `json:"plate_number"`
	Direction   capture.Direction `json:"-"`
	Gate        string            `json:"gate"`
	IsOut       bool              `json:"is_out"`
	CreatedAt   time.Time         `json:"created_at"`
}

// OpenSession is the entry candidate for an exit crossing.
type OpenSession struct {
	ID      string
	FaceURL string
	IsOut   bool
}

type SlotCounter struct {
	Available int       `json:"available"`
	Capacity  int       `json:"capacity"`
	Version   int64     `json:"version"`
	UpdatedAt time.Time `json:"updated_at"`
}

type MatchRequest struct {
	ID         string     `json:"id"`
	SessionID  string     `json:"session_id"`
	IsMatch    bool       `json:"is_match"`
	CreatedAt  time.Time  `json:"created_at"`
	VerifiedAt *time.Time `json:"verified_at,omitempty"`
}

type Stats struct {
	TotalEntries    int64 `json:"total_entries"`
	TotalExits      int64 `json:"total_exits"`
	CurrentVehicles int64 `json:"current_vehicles"`
	Available       int   `json:"available"`
	Capacity        int   `json:"capacity"`
}

const maxSlotRetries = 5

func newID() string {
	return uuid.Must(uuid.NewV7()).String()
}

func validateNewSession(s NewSession) error {
	if s.FaceURL == "" || s.PlateURL == "" {
		return errors.New("session requires both face and plate urls")
	}
	if s.Direction == capture.DirectionUnknown {
		return errors.New("session requires a gate direction")
	}
	return nil
}

func decrementNext(c SlotCounter) (SlotCounter, error) {
	if c.Available <= 0 {
		return c, errors.Wrapf(errors.ErrRejected, "decrement at available=%d", c.Available)
	}
	c.Available--
	return c, nil
}

func incrementNext(c SlotCounter) (SlotCounter, error) {
	if c.Available >= c.Capacity {
		return c, errors.Wrapf(errors.ErrRejected, "increment at available=%d capacity=%d", c.Available, c.Capacity)
	}
	c.Available++
	return c, nil
}

// capacityNext shifts available by the capacity delta, clamped to [0, capacity].
func capacityNext(capacity int) func(SlotCounter) (SlotCounter, error) {
	return func(c SlotCounter) (SlotCounter, error) {
		if capacity < 0 {
			return c, errors.Newf("capacity must not be negative, got %d", capacity)
		}
		c.Available = min(max(c.Available+capacity-c.Capacity, 0), capacity)
		c.Capacity = capacity
		return c, nil
	}
}
