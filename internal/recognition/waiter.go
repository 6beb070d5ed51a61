package recognition

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/Eyemetric/gate_service/internal/errors"
	"github.com/Eyemetric/gate_service/internal/logger"
	"github.com/Eyemetric/gate_service/internal/repository"
)

const (
	DefaultPollInterval  = time.Second
	DefaultAsyncDeadline = 30 * time.Second
)

// MatchStore is the part of the repository the waiter reads.
type MatchStore interface {
	GetMatchRequest(ctx context.Context, id string) (repository.MatchRequest, error)
	SubscribeMatches(ctx context.Context) (<-chan string, error)
}

// MatchWaiter blocks until a MatchRequest is verified. It wakes on store
// notifications and falls back to polling at a fixed interval.
type MatchWaiter struct {
	store    MatchStore
	interval time.Duration
	deadline time.Duration
	log      *zap.SugaredLogger
}

func NewMatchWaiter(store MatchStore, interval, deadline time.Duration) *MatchWaiter {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	if deadline <= 0 {
		deadline = DefaultAsyncDeadline
	}
	return &MatchWaiter{
		store:    store,
		interval: interval,
		deadline: deadline,
		log:      logger.ComponentLogger("gate.recognition"),
	}
}

// WaitForAsyncMatch returns Matched once isMatch is true and TimedOut when the
// deadline passes first. Cancelling ctx ends the wait with ErrAborted.
func (w *MatchWaiter) WaitForAsyncMatch(ctx context.Context, requestID string) (Verdict, error) {
	waitCtx, cancel := context.WithTimeout(ctx, w.deadline)
	defer cancel()

	notes, err := w.store.SubscribeMatches(waitCtx)
	if err != nil {
		w.log.Warnw("match notifications unavailable, polling only",
			logger.FieldRequestID, requestID, logger.FieldError, err)
		notes = nil
	}

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		if w.verified(waitCtx, requestID) {
			return Matched, nil
		}

		select {
		case <-waitCtx.Done():
			if ctx.Err() != nil {
				return NotMatched, errors.Mark(errors.Wrapf(ctx.Err(), "wait for match %s", requestID), errors.ErrAborted)
			}
			w.log.Infow("match wait timed out", logger.FieldRequestID, requestID)
			return TimedOut, nil
		case <-ticker.C:
		case id, ok := <-notes:
			if !ok {
				notes = nil
				continue
			}
			if id != requestID {
				continue
			}
		}
	}
}

func (w *MatchWaiter) verified(ctx context.Context, id string) bool {
	m, err := w.store.GetMatchRequest(ctx, id)
	if err != nil {
		if ctx.Err() == nil {
			w.log.Warnw("match poll failed", logger.FieldRequestID, id, logger.FieldError, err)
		}
		return false
	}
	return m.IsMatch
}
