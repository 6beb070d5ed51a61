package repository

import (
	"context"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Eyemetric/gate_service/internal/db"
	"github.com/Eyemetric/gate_service/internal/errors"
	"github.com/Eyemetric/gate_service/internal/logger"
)

// scriptedDB stands in for the pool behind db.Queries. Counter writes answer
// from counterRows in order (then "UPDATE 1"); a zero-row answer simulates a
// concurrent writer by bumping the stored version.
type scriptedDB struct {
	mu sync.Mutex

	available, capacity int32
	version             int64

	counterRows   []int64
	counterWrites []db.UpdateSlotCounterParams
	patchRows     int64
	sessions      map[string]db.Session
	execErr       error
}

func (s *scriptedDB) Exec(_ context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.execErr != nil {
		return pgconn.CommandTag{}, s.execErr
	}

	switch {
	case strings.Contains(sql, "UPDATE parking_meta"):
		s.counterWrites = append(s.counterWrites, db.UpdateSlotCounterParams{
			Available: args[1].(int32),
			Capacity:  args[2].(int32),
			Version:   args[3].(int64),
		})
		n := int64(1)
		if len(s.counterRows) > 0 {
			n, s.counterRows = s.counterRows[0], s.counterRows[1:]
		}
		if n == 0 {
			s.version++
			return pgconn.NewCommandTag("UPDATE 0"), nil
		}
		s.available, s.capacity = args[1].(int32), args[2].(int32)
		s.version++
		return pgconn.NewCommandTag("UPDATE 1"), nil
	case strings.Contains(sql, "UPDATE sessions"):
		return pgconn.NewCommandTag(fmt.Sprintf("UPDATE %d", s.patchRows)), nil
	}
	return pgconn.NewCommandTag("INSERT 0 1"), nil
}

func (s *scriptedDB) Query(context.Context, string, ...interface{}) (pgx.Rows, error) {
	return nil, fmt.Errorf("query not scripted")
}

func (s *scriptedDB) QueryRow(_ context.Context, sql string, args ...interface{}) pgx.Row {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case strings.Contains(sql, "FROM parking_meta"):
		return cannedRow{vals: []any{db.SlotCounterID, s.available, s.capacity, s.version, time.Unix(0, 0).UTC()}}
	case strings.Contains(sql, "FROM sessions"):
		row, ok := s.sessions[args[0].(string)]
		if !ok {
			return cannedRow{err: pgx.ErrNoRows}
		}
		return cannedRow{vals: []any{row.ID, row.FaceUrl, row.PlateUrl, row.PlateNumber, row.Gate, row.IsOut, row.CreatedAt}}
	}
	return cannedRow{err: fmt.Errorf("row not scripted")}
}

func (s *scriptedDB) writes() []db.UpdateSlotCounterParams {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]db.UpdateSlotCounterParams(nil), s.counterWrites...)
}

type cannedRow struct {
	vals []any
	err  error
}

func (r cannedRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	if len(dest) != len(r.vals) {
		return fmt.Errorf("scan %d columns into %d targets", len(r.vals), len(dest))
	}
	for i, d := range dest {
		reflect.ValueOf(d).Elem().Set(reflect.ValueOf(r.vals[i]))
	}
	return nil
}

func newScriptedRepo(sdb *scriptedDB) *PgxParkingRepo {
	return &PgxParkingRepo{queries: db.New(sdb), log: logger.ComponentLogger("gate.repository")}
}

func TestPgxDecrementRetriesOnVersionConflict(t *testing.T) {
	sdb := &scriptedDB{available: 3, capacity: 5, version: 7, counterRows: []int64{0, 1}}
	r := newScriptedRepo(sdb)

	cnt, err := r.DecrementSlots(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, cnt.Available)
	assert.Equal(t, 5, cnt.Capacity)
	assert.Equal(t, int64(9), cnt.Version)

	writes := sdb.writes()
	require.Len(t, writes, 2)
	assert.Equal(t, int64(7), writes[0].Version)
	// the retry re-reads and writes against the version the other writer left
	assert.Equal(t, int64(8), writes[1].Version)
	assert.Equal(t, int32(2), writes[1].Available)
}

func TestPgxConflictAfterMaxRetries(t *testing.T) {
	sdb := &scriptedDB{available: 3, capacity: 5, version: 1, counterRows: []int64{0, 0, 0, 0, 0, 0, 0}}
	r := newScriptedRepo(sdb)

	_, err := r.IncrementSlots(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrConflict))
	assert.False(t, errors.IsStoreFault(err))
	assert.Len(t, sdb.writes(), maxSlotRetries)
	assert.Equal(t, int32(3), sdb.available)
}

func TestPgxBoundsRejectWithoutWrite(t *testing.T) {
	empty := &scriptedDB{available: 0, capacity: 5, version: 1}
	_, err := newScriptedRepo(empty).DecrementSlots(context.Background())
	assert.True(t, errors.Is(err, errors.ErrRejected))
	assert.Empty(t, empty.writes())

	full := &scriptedDB{available: 5, capacity: 5, version: 1}
	_, err = newScriptedRepo(full).IncrementSlots(context.Background())
	assert.True(t, errors.Is(err, errors.ErrRejected))
	assert.Empty(t, full.writes())
}

func TestPgxSetCapacityClampsAvailable(t *testing.T) {
	sdb := &scriptedDB{available: 1, capacity: 5, version: 1}
	cnt, err := newScriptedRepo(sdb).SetCapacity(context.Background(), 2)
	require.NoError(t, err)
	assert.Equal(t, 0, cnt.Available)
	assert.Equal(t, 2, cnt.Capacity)
}

func TestPgxWriteErrorIsStoreFault(t *testing.T) {
	sdb := &scriptedDB{available: 3, capacity: 5, version: 1, execErr: fmt.Errorf("connection reset")}
	_, err := newScriptedRepo(sdb).DecrementSlots(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsStoreFault(err))
}

func TestPgxPatchIsOut(t *testing.T) {
	ctx := context.Background()
	out := db.Session{ID: "s-out", FaceUrl: "f", PlateUrl: "p", PlateNumber: "A1", Gate: "In", IsOut: true}

	t.Run("patched", func(t *testing.T) {
		sdb := &scriptedDB{patchRows: 1}
		assert.NoError(t, newScriptedRepo(sdb).PatchIsOut(ctx, "s1"))
	})

	t.Run("already out", func(t *testing.T) {
		sdb := &scriptedDB{patchRows: 0, sessions: map[string]db.Session{out.ID: out}}
		err := newScriptedRepo(sdb).PatchIsOut(ctx, out.ID)
		require.Error(t, err)
		assert.True(t, errors.Is(err, errors.ErrAlreadyOut))
		assert.False(t, errors.Is(err, errors.ErrNotFound))
	})

	t.Run("missing", func(t *testing.T) {
		sdb := &scriptedDB{patchRows: 0, sessions: map[string]db.Session{}}
		err := newScriptedRepo(sdb).PatchIsOut(ctx, "nope")
		require.Error(t, err)
		assert.True(t, errors.Is(err, errors.ErrNotFound))
		assert.False(t, errors.Is(err, errors.ErrAlreadyOut))
	})
}

func TestPgxUnseededCounterIsStoreFault(t *testing.T) {
	r := newScriptedRepo(&scriptedDB{})
	r.queries = db.New(noCounterDB{&scriptedDB{}})
	_, err := r.GetSlotCounter(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsStoreFault(err))
}

// noCounterDB has no parking_meta row.
type noCounterDB struct{ *scriptedDB }

func (noCounterDB) QueryRow(context.Context, string, ...interface{}) pgx.Row {
	return cannedRow{err: pgx.ErrNoRows}
}
