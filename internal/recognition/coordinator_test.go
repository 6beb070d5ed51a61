package recognition

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Eyemetric/gate_service/internal/repository"
)

func TestSyncCoordinatorUsesFaceMatcher(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("true"))
	}))
	defer srv.Close()

	c := NewSyncCoordinator(NewOCRClient(srv.URL, time.Second, nil), NewFaceMatcher(srv.URL, time.Second, nil))
	assert.Equal(t, ModeSync, c.Mode())

	v, err := c.VerifyExit(context.Background(), ExitCheck{EntryFaceURL: "a", ExitFaceURL: "b", ExitSessionID: "x"})
	require.NoError(t, err)
	assert.Equal(t, Matched, v)
}

func TestAsyncCoordinatorRaisesAndLowersTrigger(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewMemParkingRepo()
	c := NewAsyncCoordinator(nil, repo, NewMatchWaiter(repo, 10*time.Millisecond, 2*time.Second))
	assert.Equal(t, ModeAsync, c.Mode())

	// play the verification worker: wait for the trigger, then approve
	go func() {
		for {
			status, sessionID := repo.Trigger()
			if status && sessionID == "exit-1" {
				m, err := repo.FindMatchRequestBySession(ctx, sessionID)
				if err == nil {
					_, _ = repo.VerifyMatchRequest(ctx, m.ID)
					return
				}
			}
			time.Sleep(5 * time.Millisecond)
		}
	}()

	v, err := c.VerifyExit(ctx, ExitCheck{ExitSessionID: "exit-1"})
	require.NoError(t, err)
	assert.Equal(t, Matched, v)

	status, _ := repo.Trigger()
	assert.False(t, status)
}

func TestAsyncCoordinatorTimesOut(t *testing.T) {
	repo := repository.NewMemParkingRepo()
	c := NewAsyncCoordinator(nil, repo, NewMatchWaiter(repo, 10*time.Millisecond, 50*time.Millisecond))

	v, err := c.VerifyExit(context.Background(), ExitCheck{ExitSessionID: "exit-1"})
	require.NoError(t, err)
	assert.Equal(t, TimedOut, v)
}

