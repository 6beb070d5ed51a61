package db

import (
	"context"
	"time"
)

const createSession = `
INSERT INTO sessions (id, face_url, plate_url, plate_number, gate, is_out, created_at)
VALUES ($1, $2, $3, $4, $5, FALSE, $6)`

type CreateSessionParams struct {
	ID          string
	FaceUrl     string
	PlateUrl    string
	PlateNumber string
	Gate        string
	CreatedAt   time.Time
}

func (q *Queries) CreateSession(ctx context.Context, arg CreateSessionParams) error {
	_, err := q.db.Exec(ctx, createSession,
		arg.ID, arg.FaceUrl, arg.PlateUrl, arg.PlateNumber, arg.Gate, arg.CreatedAt)
	return err
}

const getSession = `
SELECT id, face_url, plate_url, plate_number, gate, is_out, created_at
FROM sessions WHERE id = $1`

func (q *Queries) GetSession(ctx context.Context, id string) (Session, error) {
	row := q.db.QueryRow(ctx, getSession, id)
	var i Session
	err := row.Scan(&i.ID, &i.FaceUrl, &i.PlateUrl, &i.PlateNumber, &i.Gate, &i.IsOut, &i.CreatedAt)
	return i, err
}

// patchIsOut only moves false -> true.
const patchIsOut = `UPDATE sessions SET is_out = TRUE WHERE id = $1 AND NOT is_out`

func (q *Queries) PatchIsOut(ctx context.Context, id string) (int64, error) {
	tag, err := q.db.Exec(ctx, patchIsOut, id)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

const seedSlotCounter = `
INSERT INTO parking_meta (id, available, capacity) VALUES ($1, $2, $2)
ON CONFLICT (id) DO NOTHING`

func (q *Queries) SeedSlotCounter(ctx context.Context, capacity int32) error {
	_, err := q.db.Exec(ctx, seedSlotCounter, SlotCounterID, capacity)
	return err
}

const getSlotCounter = `
SELECT id, available, capacity, version, updated_at FROM parking_meta WHERE id = $1`

func (q *Queries) GetSlotCounter(ctx context.Context) (ParkingMetum, error) {
	row := q.db.QueryRow(ctx, getSlotCounter, SlotCounterID)
	var i ParkingMetum
	err := row.Scan(&i.ID, &i.Available, &i.Capacity, &i.Version, &i.UpdatedAt)
	return i, err
}

// updateSlotCounter is a conditional write against the version read earlier.
const updateSlotCounter = `
UPDATE parking_meta
SET available = $2, capacity = $3, version = version + 1, updated_at = now()
WHERE id = $1 AND version = $4`

type UpdateSlotCounterParams struct {
	Available int32
	Capacity  int32
	Version   int64
}

func (q *Queries) UpdateSlotCounter(ctx context.Context, arg UpdateSlotCounterParams) (int64, error) {
	tag, err := q.db.Exec(ctx, updateSlotCounter, SlotCounterID, arg.Available, arg.Capacity, arg.Version)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

const createMatchRequest = `
INSERT INTO matching_verify (id, session_id, is_match) VALUES ($1, $2, FALSE)`

func (q *Queries) CreateMatchRequest(ctx context.Context, id, sessionID string) error {
	_, err := q.db.Exec(ctx, createMatchRequest, id, sessionID)
	return err
}

const getMatchRequest = `
SELECT id, session_id, is_match, created_at, verified_at FROM matching_verify WHERE id = $1`

func (q *Queries) GetMatchRequest(ctx context.Context, id string) (MatchingVerify, error) {
	row := q.db.QueryRow(ctx, getMatchRequest, id)
	var i MatchingVerify
	err := row.Scan(&i.ID, &i.SessionID, &i.IsMatch, &i.CreatedAt, &i.VerifiedAt)
	return i, err
}

const getMatchRequestBySession = `
SELECT id, session_id, is_match, created_at, verified_at FROM matching_verify
WHERE session_id = $1 ORDER BY created_at DESC LIMIT 1`

func (q *Queries) GetMatchRequestBySession(ctx context.Context, sessionID string) (MatchingVerify, error) {
	row := q.db.QueryRow(ctx, getMatchRequestBySession, sessionID)
	var i MatchingVerify
	err := row.Scan(&i.ID, &i.SessionID, &i.IsMatch, &i.CreatedAt, &i.VerifiedAt)
	return i, err
}

const verifyMatchRequest = `
UPDATE matching_verify SET is_match = TRUE, verified_at = now() WHERE id = $1 AND NOT is_match`

func (q *Queries) VerifyMatchRequest(ctx context.Context, id string) (int64, error) {
	tag, err := q.db.Exec(ctx, verifyMatchRequest, id)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

const setTrigger = `
INSERT INTO verify_trigger (id, status, session_id, updated_at) VALUES ($1, $2, $3, now())
ON CONFLICT (id) DO UPDATE SET status = EXCLUDED.status, session_id = EXCLUDED.session_id, updated_at = now()`

func (q *Queries) SetTrigger(ctx context.Context, status bool, sessionID string) error {
	_, err := q.db.Exec(ctx, setTrigger, TriggerID, status, sessionID)
	return err
}

const createSessionMap = `
INSERT INTO session_map (entry_session_id, exit_session_id) VALUES ($1, $2)
ON CONFLICT DO NOTHING`

func (q *Queries) CreateSessionMap(ctx context.Context, entryID, exitID string) error {
	_, err := q.db.Exec(ctx, createSessionMap, entryID, exitID)
	return err
}

const countSessionsByGate = `SELECT count(*) FROM sessions WHERE gate = $1`

func (q *Queries) CountSessionsByGate(ctx context.Context, gate string) (int64, error) {
	var n int64
	err := q.db.QueryRow(ctx, countSessionsByGate, gate).Scan(&n)
	return n, err
}

const countCurrentVehicles = `SELECT count(*) FROM sessions WHERE gate = 'In' AND NOT is_out`

func (q *Queries) CountCurrentVehicles(ctx context.Context) (int64, error) {
	var n int64
	err := q.db.QueryRow(ctx, countCurrentVehicles).Scan(&n)
	return n, err
}
