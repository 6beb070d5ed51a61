// Package recognition talks to the OCR and face matching services and waits
// for asynchronous match verdicts.
package recognition

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/Eyemetric/gate_service/internal/api/wasabi"
	"github.com/Eyemetric/gate_service/internal/errors"
)

// DefaultTimeout bounds one round trip to a recognition service.
const DefaultTimeout = 15 * time.Second

// Verdict is the outcome of exit verification.
type Verdict int

const (
	NotMatched Verdict = iota
	Matched
	TimedOut
)

func (v Verdict) String() string {
	switch v {
	case Matched:
		return "matched"
	case TimedOut:
		return "timed_out"
	default:
		return "not_matched"
	}
}

type serviceClient struct {
	client *http.Client
	base   string
	signer wasabi.URLSigner
}

func newServiceClient(base string, timeout time.Duration, signer wasabi.URLSigner) serviceClient {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if signer == nil {
		signer = wasabi.Passthrough{}
	}
	return serviceClient{
		client: &http.Client{Timeout: timeout},
		base:   base,
		signer: signer,
	}
}

type serviceResult struct {
	StatusCode int
	Body       []byte
}

// post sends one JSON request, no retry. Transport errors and non-2xx answers
// are service failures, additionally marked ErrTimeout when the round trip ran
// out of time; the body is returned for the caller to decode.
func (s serviceClient) post(ctx context.Context, payload any) (serviceResult, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return serviceResult{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.base, bytes.NewBuffer(body))
	if err != nil {
		return serviceResult{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return serviceResult{}, errors.Mark(errors.Wrapf(ctx.Err(), "call %s", s.base), errors.ErrAborted)
		}
		failed := errors.Mark(errors.Wrapf(err, "call %s", s.base), errors.ErrServiceFailure)
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			failed = errors.Mark(failed, errors.ErrTimeout)
		}
		return serviceResult{}, failed
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return serviceResult{}, errors.Mark(errors.Wrapf(err, "read %s", s.base), errors.ErrServiceFailure)
	}
	res := serviceResult{StatusCode: resp.StatusCode, Body: data}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := strings.TrimSpace(string(data))
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return res, errors.Wrapf(errors.ErrServiceFailure, "%s answered %d: %s", s.base, resp.StatusCode, msg)
	}
	return res, nil
}

func (s serviceClient) resolve(ctx context.Context, ref string) (string, error) {
	u, err := s.signer.ResolveURL(ctx, ref)
	if err != nil {
		return "", errors.Mark(errors.Wrapf(err, "resolve image %s", ref), errors.ErrServiceFailure)
	}
	return u, nil
}
