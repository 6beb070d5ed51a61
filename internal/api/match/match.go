package match

import (
	"context"
	"fmt"

	"github.com/Eyemetric/gate_service/internal/logger"
	"github.com/Eyemetric/gate_service/internal/repository"
)

// Store is what the verification API and worker need from the repository.
type Store interface {
	GetSession(ctx context.Context, id string) (repository.Session, error)
	FindOpenSessionByPlate(ctx context.Context, plateNumber string) (repository.OpenSession, error)
	FindMatchRequestBySession(ctx context.Context, sessionID string) (repository.MatchRequest, error)
	VerifyMatchRequest(ctx context.Context, id string) (bool, error)
	SubscribeMatchRequests(ctx context.Context) (<-chan string, error)
}

// VerifyMatch marks the newest match request of an exit session as matched.
// changed is false when it was already verified.
func VerifyMatch(ctx context.Context, exitSessionID string, repo Store) (repository.MatchRequest, bool, error) {
	req, err := repo.FindMatchRequestBySession(ctx, exitSessionID)
	if err != nil {
		return repository.MatchRequest{}, false, fmt.Errorf("failed to find match request: %w", err)
	}

	changed, err := repo.VerifyMatchRequest(ctx, req.ID)
	if err != nil {
		return req, false, fmt.Errorf("failed to verify match request: %w", err)
	}

	logger.Logger.Infow("match verified",
		logger.FieldRequestID, req.ID,
		logger.FieldSessionID, exitSessionID,
		"changed", changed)

	req.IsMatch = true
	return req, changed, nil
}
