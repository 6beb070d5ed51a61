package recognition

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/Eyemetric/gate_service/internal/errors"
	"github.com/Eyemetric/gate_service/internal/logger"
)

type Mode string

const (
	ModeSync  Mode = "sync"
	ModeAsync Mode = "async"
)

// AsyncStore creates match requests and raises the worker trigger.
type AsyncStore interface {
	MatchStore
	CreateMatchRequest(ctx context.Context, sessionID string) (string, error)
	SetTrigger(ctx context.Context, status bool, sessionID string) error
}

// ExitCheck carries what exit verification needs about one crossing.
type ExitCheck struct {
	EntryFaceURL  string
	ExitFaceURL   string
	ExitSessionID string
}

// Coordinator resolves plates and verifies exits with exactly one mode.
type Coordinator struct {
	ocr    *OCRClient
	face   *FaceMatcher
	waiter *MatchWaiter
	store  AsyncStore
	mode   Mode
	log    *zap.SugaredLogger
}

func NewSyncCoordinator(ocr *OCRClient, face *FaceMatcher) *Coordinator {
	return &Coordinator{
		ocr:  ocr,
		face: face,
		mode: ModeSync,
		log:  logger.ComponentLogger("gate.recognition"),
	}
}

func NewAsyncCoordinator(ocr *OCRClient, store AsyncStore, waiter *MatchWaiter) *Coordinator {
	return &Coordinator{
		ocr:    ocr,
		waiter: waiter,
		store:  store,
		mode:   ModeAsync,
		log:    logger.ComponentLogger("gate.recognition"),
	}
}

func (c *Coordinator) Mode() Mode { return c.mode }

func (c *Coordinator) ResolvePlate(ctx context.Context, plateURL string) (string, error) {
	start := time.Now()
	plate, err := c.ocr.ResolvePlate(ctx, plateURL)
	c.log.Debugw("ocr",
		logger.FieldURL, plateURL,
		logger.FieldPlate, plate,
		logger.FieldDurationMS, time.Since(start).Milliseconds(),
		logger.FieldError, err)
	return plate, err
}

// VerifyExit runs the configured verification. Sync mode never returns
// TimedOut; async mode never returns NotMatched.
func (c *Coordinator) VerifyExit(ctx context.Context, chk ExitCheck) (Verdict, error) {
	if c.mode == ModeSync {
		return c.face.VerifyExitMatch(ctx, chk.EntryFaceURL, chk.ExitFaceURL)
	}

	id, err := c.store.CreateMatchRequest(ctx, chk.ExitSessionID)
	if err != nil {
		return NotMatched, err
	}
	if err := c.store.SetTrigger(ctx, true, chk.ExitSessionID); err != nil {
		return NotMatched, err
	}
	defer func() {
		// lower the trigger even when the crossing was aborted
		resetCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := c.store.SetTrigger(resetCtx, false, ""); err != nil {
			c.log.Warnw("failed to lower verify trigger", logger.FieldError, err)
		}
	}()

	c.log.Infow("waiting for match verdict",
		logger.FieldRequestID, id,
		logger.FieldSessionID, chk.ExitSessionID)

	v, err := c.waiter.WaitForAsyncMatch(ctx, id)
	if err != nil && !errors.Is(err, errors.ErrAborted) {
		return NotMatched, errors.Mark(err, errors.ErrServiceFailure)
	}
	return v, err
}
