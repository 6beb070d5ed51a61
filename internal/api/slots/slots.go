package slots

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/Eyemetric/gate_service/internal/logger"
	"github.com/Eyemetric/gate_service/internal/repository"
)

type CapacityStore interface {
	SetCapacity(ctx context.Context, capacity int) (repository.SlotCounter, error)
}

type capacityDoc struct {
	Capacity *int `json:"capacity"`
}

// SetCapacity applies {"capacity": n}. Available moves by the same delta,
// clamped to [0, n].
func SetCapacity(ctx context.Context, doc []byte, repo CapacityStore) (repository.SlotCounter, error) {
	var d capacityDoc
	if err := json.Unmarshal(doc, &d); err != nil {
		return repository.SlotCounter{}, fmt.Errorf("invalid capacity document: %w", err)
	}
	if d.Capacity == nil || *d.Capacity < 0 {
		return repository.SlotCounter{}, fmt.Errorf("capacity must be a non-negative integer")
	}

	cnt, err := repo.SetCapacity(ctx, *d.Capacity)
	if err != nil {
		return repository.SlotCounter{}, fmt.Errorf("failed to set capacity: %w", err)
	}
	logger.Logger.Infow("capacity changed", "capacity", cnt.Capacity, logger.FieldAvailable, cnt.Available)
	return cnt, nil
}
