// Package ingress accepts capture notifications over HTTP and raw TCP and
// hands them to the coordinator through a shared rate limit.
package ingress

import (
	"context"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/Eyemetric/gate_service/internal/errors"
	"github.com/Eyemetric/gate_service/internal/logger"
)

// ErrRateLimited is returned when a notification arrives faster than the limiter allows.
var ErrRateLimited = errors.New("capture notification rate limited")

// Sink consumes one raw notification line.
type Sink interface {
	Submit(ctx context.Context, raw []byte) error
}

type Dispatcher struct {
	sink    Sink
	limiter *rate.Limiter
	log     *zap.SugaredLogger
}

// NewDispatcher limits to perSecond notifications with the given burst. A
// non-positive rate disables limiting.
func NewDispatcher(sink Sink, perSecond float64, burst int) *Dispatcher {
	limit := rate.Inf
	if perSecond > 0 {
		limit = rate.Limit(perSecond)
	}
	if burst <= 0 {
		burst = 1
	}
	return &Dispatcher{
		sink:    sink,
		limiter: rate.NewLimiter(limit, burst),
		log:     logger.ComponentLogger("gate.ingress"),
	}
}

// Dispatch drops the notification with ErrRateLimited when over budget,
// otherwise returns what the sink returned.
func (d *Dispatcher) Dispatch(ctx context.Context, source string, raw []byte) error {
	if !d.limiter.Allow() {
		d.log.Warnw("notification dropped", "source", source, logger.FieldReason, "rate limited")
		return ErrRateLimited
	}
	return d.sink.Submit(ctx, raw)
}
