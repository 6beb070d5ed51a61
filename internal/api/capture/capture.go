package capture

import (
	"context"
	"net/http"

	"github.com/Eyemetric/gate_service/internal/errors"
	"github.com/Eyemetric/gate_service/internal/ingress"
)

// AddCapture hands one notification posted over HTTP to the coordinator.
func AddCapture(ctx context.Context, body []byte, d *ingress.Dispatcher) error {
	return d.Dispatch(ctx, "http", body)
}

// StatusFor maps a rejected notification to an HTTP status and error code.
func StatusFor(err error) (int, string) {
	switch {
	case errors.Is(err, ingress.ErrRateLimited):
		return http.StatusTooManyRequests, "RATE_LIMITED"
	case errors.Is(err, errors.ErrParse):
		return http.StatusBadRequest, "BAD_REQUEST"
	case errors.IsAny(err, errors.ErrProtocol, errors.ErrUnboundStation):
		return http.StatusConflict, "PROTOCOL_ERROR"
	case errors.Is(err, errors.ErrAborted):
		return http.StatusServiceUnavailable, "UNAVAILABLE"
	default:
		return http.StatusInternalServerError, "INTERNAL_SERVER_ERROR"
	}
}
