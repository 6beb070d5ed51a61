// Package actuator drives the gate barrier and the operator display.
package actuator

import (
	"context"
	"time"

	"github.com/Eyemetric/gate_service/internal/errors"
)

// DefaultDwell is how long the gate stays open for one crossing.
const DefaultDwell = 3 * time.Second

// Controller is the exclusive gate + display resource.
type Controller interface {
	OpenGate(ctx context.Context) error
	CloseGate(ctx context.Context) error
	Show(ctx context.Context, text string) error
}

// Cycle opens the gate, runs during while it is open, holds it for dwell and
// closes it. Once OpenGate succeeds the gate is always closed again, even if
// ctx is cancelled in the meantime. A cancelled ctx or an OpenGate failure
// leaves the gate shut and during is not run.
func Cycle(ctx context.Context, c Controller, dwell time.Duration, during func()) error {
	if dwell <= 0 {
		dwell = DefaultDwell
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := c.OpenGate(ctx); err != nil {
		return errors.Wrap(err, "open gate")
	}

	if during != nil {
		during()
	}

	t := time.NewTimer(dwell)
	<-t.C

	closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := c.CloseGate(closeCtx); err != nil {
		return errors.Wrap(err, "close gate")
	}
	return nil
}
