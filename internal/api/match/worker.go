package match

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/Eyemetric/gate_service/internal/logger"
	"github.com/Eyemetric/gate_service/internal/recognition"
)

// Verifier compares an entry face with an exit face.
type Verifier interface {
	VerifyExitMatch(ctx context.Context, storedFaceURL, newFaceURL string) (recognition.Verdict, error)
}

// Worker is an in-process verification worker for async exit verification.
// It wakes when the verify trigger is raised, runs the face comparison and
// approves the match request on a positive answer. A negative or failed
// comparison leaves the request unverified so the gate side times out.
type Worker struct {
	repo       Store
	verifier   Verifier
	reqTimeout time.Duration
	log        *zap.SugaredLogger
}

func NewWorker(repo Store, v Verifier, reqTimeout time.Duration) *Worker {
	if reqTimeout <= 0 {
		reqTimeout = recognition.DefaultTimeout
	}
	return &Worker{
		repo:       repo,
		verifier:   v,
		reqTimeout: reqTimeout,
		log:        logger.ComponentLogger("gate.worker"),
	}
}

// Start subscribes to raised triggers and handles them on a background
// goroutine until ctx ends.
func (w *Worker) Start(ctx context.Context) error {
	reqs, err := w.repo.SubscribeMatchRequests(ctx)
	if err != nil {
		return err
	}

	//a light thread that listens for raised triggers and verifies them one at a time.
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case sessionID, ok := <-reqs:
				if !ok {
					w.log.Warnw("match request feed closed")
					return
				}
				jobCtx, cancel := context.WithTimeout(ctx, w.reqTimeout)
				if err := w.Handle(jobCtx, sessionID); err != nil {
					w.log.Warnw("verification job failed", logger.FieldSessionID, sessionID, logger.FieldError, err)
				}
				cancel()
			}
		}
	}()
	return nil
}

// Handle verifies the exit session against the open entry session for its plate.
func (w *Worker) Handle(ctx context.Context, exitSessionID string) error {
	exit, err := w.repo.GetSession(ctx, exitSessionID)
	if err != nil {
		return err
	}
	entry, err := w.repo.FindOpenSessionByPlate(ctx, exit.PlateNumber)
	if err != nil {
		return err
	}

	verdict, err := w.verifier.VerifyExitMatch(ctx, entry.FaceURL, exit.FaceURL)
	if err != nil {
		return err
	}
	w.log.Infow("face comparison",
		logger.FieldSessionID, exitSessionID,
		logger.FieldPlate, exit.PlateNumber,
		logger.FieldOutcome, verdict.String())
	if verdict != recognition.Matched {
		return nil
	}

	_, _, err = VerifyMatch(ctx, exitSessionID, w.repo)
	return err
}
