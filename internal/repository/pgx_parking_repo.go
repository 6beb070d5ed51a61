package repository

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/Eyemetric/gate_service/internal/api/search"
	"github.com/Eyemetric/gate_service/internal/capture"
	"github.com/Eyemetric/gate_service/internal/db"
	"github.com/Eyemetric/gate_service/internal/errors"
	"github.com/Eyemetric/gate_service/internal/logger"
)

type PgxParkingRepo struct {
	dbpool  *pgxpool.Pool
	queries *db.Queries
	log     *zap.SugaredLogger
}

func NewPgxParkingRepo(pool *pgxpool.Pool) *PgxParkingRepo {
	queries := db.New(pool)
	return &PgxParkingRepo{
		dbpool:  pool,
		queries: queries,
		log:     logger.ComponentLogger("gate.repository"),
	}
}

func (r *PgxParkingRepo) CreateSession(ctx context.Context, s NewSession) (string, error) {
	if err := validateNewSession(s); err != nil {
		return "", err
	}
	id := newID()
	err := r.queries.CreateSession(ctx, db.CreateSessionParams{
		ID:          id,
		FaceUrl:     s.FaceURL,
		PlateUrl:    s.PlateURL,
		PlateNumber: s.PlateNumber,
		Gate:        s.Direction.String(),
		CreatedAt:   time.Now().UTC(),
	})
	if err != nil {
		return "", errors.MarkStore(err, "failed to create session")
	}
	return id, nil
}

func (r *PgxParkingRepo) GetSession(ctx context.Context, id string) (Session, error) {
	row, err := r.queries.GetSession(ctx, id)
	if errors.Is(err, pgx.ErrNoRows) {
		return Session{}, errors.Wrapf(errors.ErrNotFound, "session %s", id)
	}
	if err != nil {
		return Session{}, errors.MarkStore(err, "failed to get session")
	}
	return sessionFromRow(row), nil
}

func (r *PgxParkingRepo) PatchIsOut(ctx context.Context, id string) error {
	n, err := r.queries.PatchIsOut(ctx, id)
	if err != nil {
		return errors.MarkStore(err, "failed to patch is_out")
	}
	if n == 0 {
		// either missing or already out; tell them apart for the caller
		if _, err := r.GetSession(ctx, id); err != nil {
			return err
		}
		return errors.Wrapf(errors.ErrAlreadyOut, "session %s", id)
	}
	return nil
}

func (r *PgxParkingRepo) FindOpenSessionByPlate(ctx context.Context, plateNumber string) (OpenSession, error) {
	q := search.BuildOpenSessionQuery(plateNumber)
	rows, err := r.dbpool.Query(ctx, q.Text, q.Params...)
	if err != nil {
		return OpenSession{}, errors.MarkStore(err, "failed to query open session")
	}
	rec, err := pgx.CollectOneRow(rows, pgx.RowToStructByNameLax[search.SessionRecord])
	if errors.Is(err, pgx.ErrNoRows) {
		return OpenSession{}, errors.Wrapf(errors.ErrNotFound, "no entry session for plate %s", plateNumber)
	}
	if err != nil {
		return OpenSession{}, errors.MarkStore(err, "failed to read open session")
	}
	return OpenSession{ID: rec.ID, FaceURL: rec.FaceUrl, IsOut: rec.IsOut}, nil
}

func (r *PgxParkingRepo) SearchSessions(ctx context.Context, doc search.SearchDoc) ([]search.SessionRecord, error) {
	q, err := search.BuildSelectQuery(doc)
	if err != nil {
		return nil, err
	}
	rows, err := r.dbpool.Query(ctx, q.Text, q.Params...)
	if err != nil {
		return nil, errors.MarkStore(err, "failed to search sessions")
	}
	recs, err := pgx.CollectRows(rows, pgx.RowToStructByNameLax[search.SessionRecord])
	if err != nil {
		return nil, errors.MarkStore(err, "failed to collect sessions")
	}
	return recs, nil
}

func (r *PgxParkingRepo) CountSessions(ctx context.Context, doc search.SearchDoc) (int64, error) {
	cq, err := search.BuildCountQuery(doc)
	if err != nil {
		return 0, err
	}
	var total int64
	if err := r.dbpool.QueryRow(ctx, cq.Text, cq.Params...).Scan(&total); err != nil {
		return 0, errors.MarkStore(err, "failed to count sessions")
	}
	return total, nil
}

func (r *PgxParkingRepo) CreateSessionMap(ctx context.Context, entryID, exitID string) error {
	if err := r.queries.CreateSessionMap(ctx, entryID, exitID); err != nil {
		return errors.MarkStore(err, "failed to create session map")
	}
	return nil
}

func (r *PgxParkingRepo) GetAvailableSlots(ctx context.Context) (int, error) {
	c, err := r.GetSlotCounter(ctx)
	if err != nil {
		return 0, err
	}
	return c.Available, nil
}

func (r *PgxParkingRepo) GetSlotCounter(ctx context.Context) (SlotCounter, error) {
	row, err := r.queries.GetSlotCounter(ctx)
	if errors.Is(err, pgx.ErrNoRows) {
		return SlotCounter{}, errors.Mark(errors.New("slot counter not seeded"), errors.ErrStoreFailure)
	}
	if err != nil {
		return SlotCounter{}, errors.MarkStore(err, "failed to read slot counter")
	}
	return counterFromRow(row), nil
}

func (r *PgxParkingRepo) IncrementSlots(ctx context.Context) (SlotCounter, error) {
	return r.adjustSlots(ctx, "increment", incrementNext)
}

func (r *PgxParkingRepo) DecrementSlots(ctx context.Context) (SlotCounter, error) {
	return r.adjustSlots(ctx, "decrement", decrementNext)
}

func (r *PgxParkingRepo) SetCapacity(ctx context.Context, capacity int) (SlotCounter, error) {
	return r.adjustSlots(ctx, "set capacity", capacityNext(capacity))
}

// adjustSlots is a read then conditional write on the counter version, retried on conflict.
func (r *PgxParkingRepo) adjustSlots(ctx context.Context, op string, next func(SlotCounter) (SlotCounter, error)) (SlotCounter, error) {
	for attempt := 1; attempt <= maxSlotRetries; attempt++ {
		cur, err := r.GetSlotCounter(ctx)
		if err != nil {
			return SlotCounter{}, err
		}
		upd, err := next(cur)
		if err != nil {
			return cur, err
		}
		n, err := r.queries.UpdateSlotCounter(ctx, db.UpdateSlotCounterParams{
			Available: int32(upd.Available),
			Capacity:  int32(upd.Capacity),
			Version:   cur.Version,
		})
		if err != nil {
			return cur, errors.MarkStore(err, "failed to write slot counter")
		}
		if n == 1 {
			upd.Version = cur.Version + 1
			upd.UpdatedAt = time.Now().UTC()
			return upd, nil
		}
		r.log.Debugw("slot counter version conflict", "op", op, "attempt", attempt)
	}
	return SlotCounter{}, errors.Wrapf(errors.ErrConflict, "%s slot counter after %d attempts", op, maxSlotRetries)
}

func (r *PgxParkingRepo) Seed(ctx context.Context, capacity int) error {
	if err := r.queries.SeedSlotCounter(ctx, int32(capacity)); err != nil {
		return errors.MarkStore(err, "failed to seed slot counter")
	}
	return nil
}

func (r *PgxParkingRepo) CreateMatchRequest(ctx context.Context, sessionID string) (string, error) {
	id := newID()
	if err := r.queries.CreateMatchRequest(ctx, id, sessionID); err != nil {
		return "", errors.MarkStore(err, "failed to create match request")
	}
	return id, nil
}

func (r *PgxParkingRepo) GetMatchRequest(ctx context.Context, id string) (MatchRequest, error) {
	row, err := r.queries.GetMatchRequest(ctx, id)
	if errors.Is(err, pgx.ErrNoRows) {
		return MatchRequest{}, errors.Wrapf(errors.ErrNotFound, "match request %s", id)
	}
	if err != nil {
		return MatchRequest{}, errors.MarkStore(err, "failed to get match request")
	}
	return matchFromRow(row), nil
}

func (r *PgxParkingRepo) FindMatchRequestBySession(ctx context.Context, sessionID string) (MatchRequest, error) {
	row, err := r.queries.GetMatchRequestBySession(ctx, sessionID)
	if errors.Is(err, pgx.ErrNoRows) {
		return MatchRequest{}, errors.Wrapf(errors.ErrNotFound, "match request for session %s", sessionID)
	}
	if err != nil {
		return MatchRequest{}, errors.MarkStore(err, "failed to find match request")
	}
	return matchFromRow(row), nil
}

func (r *PgxParkingRepo) VerifyMatchRequest(ctx context.Context, id string) (bool, error) {
	n, err := r.queries.VerifyMatchRequest(ctx, id)
	if err != nil {
		return false, errors.MarkStore(err, "failed to verify match request")
	}
	if n == 0 {
		if _, err := r.GetMatchRequest(ctx, id); err != nil {
			return false, err
		}
		return false, nil
	}
	return true, nil
}

func (r *PgxParkingRepo) SetTrigger(ctx context.Context, status bool, sessionID string) error {
	if err := r.queries.SetTrigger(ctx, status, sessionID); err != nil {
		return errors.MarkStore(err, "failed to set verify trigger")
	}
	return nil
}

func (r *PgxParkingRepo) SubscribeMatches(ctx context.Context) (<-chan string, error) {
	return r.listen(ctx, db.ChannelMatchVerified)
}

func (r *PgxParkingRepo) SubscribeMatchRequests(ctx context.Context) (<-chan string, error) {
	return r.listen(ctx, db.ChannelMatchRequested)
}

// listen holds one pooled connection in LISTEN for the life of ctx and
// forwards notification payloads.
func (r *PgxParkingRepo) listen(ctx context.Context, channel string) (<-chan string, error) {
	ln, err := r.dbpool.Acquire(ctx)
	if err != nil {
		return nil, errors.MarkStore(err, "failed to acquire listen connection")
	}
	if _, err := ln.Exec(ctx, "listen "+pgx.Identifier{channel}.Sanitize()); err != nil {
		ln.Release()
		return nil, errors.MarkStore(err, "failed to listen on "+channel)
	}

	out := make(chan string, 8)
	go func() {
		defer close(out)
		// the listening session must not go back to the pool
		defer func() {
			_ = ln.Conn().Close(context.Background())
			ln.Release()
		}()

		for ctx.Err() == nil {
			n, err := ln.Conn().WaitForNotification(ctx)
			if err != nil {
				if ctx.Err() == nil {
					r.log.Warnw("listener stopped", "channel", channel, logger.FieldError, err)
				}
				return
			}
			select {
			case out <- n.Payload:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (r *PgxParkingRepo) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	var err error
	if st.TotalEntries, err = r.queries.CountSessionsByGate(ctx, capture.Entry.String()); err != nil {
		return Stats{}, errors.MarkStore(err, "failed to count entries")
	}
	if st.TotalExits, err = r.queries.CountSessionsByGate(ctx, capture.Exit.String()); err != nil {
		return Stats{}, errors.MarkStore(err, "failed to count exits")
	}
	if st.CurrentVehicles, err = r.queries.CountCurrentVehicles(ctx); err != nil {
		return Stats{}, errors.MarkStore(err, "failed to count current vehicles")
	}
	c, err := r.GetSlotCounter(ctx)
	if err != nil {
		return Stats{}, err
	}
	st.Available, st.Capacity = c.Available, c.Capacity
	return st, nil
}

func sessionFromRow(row db.Session) Session {
	dir, _ := capture.ParseDirection(row.Gate)
	return Session{
		ID:          row.ID,
		FaceURL:     row.FaceUrl,
		PlateURL:    row.PlateUrl,
		PlateNumber: row.PlateNumber,
		Direction:   dir,
		Gate:        row.Gate,
		IsOut:       row.IsOut,
		CreatedAt:   row.CreatedAt,
	}
}

func matchFromRow(row db.MatchingVerify) MatchRequest {
	return MatchRequest{
		ID:         row.ID,
		SessionID:  row.SessionID,
		IsMatch:    row.IsMatch,
		CreatedAt:  row.CreatedAt,
		VerifiedAt: row.VerifiedAt,
	}
}

func counterFromRow(row db.ParkingMetum) SlotCounter {
	return SlotCounter{
		Available: int(row.Available),
		Capacity:  int(row.Capacity),
		Version:   row.Version,
		UpdatedAt: row.UpdatedAt,
	}
}
