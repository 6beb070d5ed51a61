package db

import (
	"time"
)

// SlotCounterID is the single parking_meta row holding the slot counter.
const SlotCounterID = "slotCounter"

// TriggerID is the single verify_trigger row.
const TriggerID = "trigger"

// Notification channels raised by the schema triggers.
const (
	ChannelMatchVerified  = "match_verified"
	ChannelMatchRequested = "match_requested"
)

type Session struct {
	ID          string    `db:"id"`
	FaceUrl     string    `db:"face_url"`
	PlateUrl    string    `db:"plate_url"`
	PlateNumber string    `db:"plate_number"`
	Gate        string    `db:"gate"`
	IsOut       bool      `db:"is_out"`
	CreatedAt   time.Time `db:"created_at"`
}

type ParkingMetum struct {
	ID        string    `db:"id"`
	Available int32     `db:"available"`
	Capacity  int32     `db:"capacity"`
	Version   int64     `db:"version"`
	UpdatedAt time.Time `db:"updated_at"`
}

type MatchingVerify struct {
	ID         string     `db:"id"`
	SessionID  string     `db:"session_id"`
	IsMatch    bool       `db:"is_match"`
	CreatedAt  time.Time  `db:"created_at"`
	VerifiedAt *time.Time `db:"verified_at"`
}
