package recognition

import (
	"context"
	"strings"
	"time"

	"github.com/Eyemetric/gate_service/internal/api/wasabi"
	"github.com/Eyemetric/gate_service/internal/errors"
)

type FaceMatcher struct {
	serviceClient
}

func NewFaceMatcher(url string, timeout time.Duration, signer wasabi.URLSigner) *FaceMatcher {
	return &FaceMatcher{newServiceClient(url, timeout, signer)}
}

type faceMatchRequest struct {
	Image1Path string `json:"image1_path"`
	Image2Path string `json:"image2_path"`
}

// VerifyExitMatch compares the face stored at entry with the exit capture.
// The service answers with the literal "true" or "false" (bare or JSON quoted);
// any other payload is ErrServiceFailure, never NotMatched.
func (f *FaceMatcher) VerifyExitMatch(ctx context.Context, storedFaceURL, newFaceURL string) (Verdict, error) {
	stored, err := f.resolve(ctx, storedFaceURL)
	if err != nil {
		return NotMatched, err
	}
	fresh, err := f.resolve(ctx, newFaceURL)
	if err != nil {
		return NotMatched, err
	}

	res, err := f.post(ctx, faceMatchRequest{Image1Path: stored, Image2Path: fresh})
	if err != nil {
		return NotMatched, err
	}

	answer := strings.TrimSpace(string(res.Body))
	if len(answer) >= 2 && answer[0] == '"' && answer[len(answer)-1] == '"' {
		answer = answer[1 : len(answer)-1]
	}
	switch answer {
	case "true":
		return Matched, nil
	case "false":
		return NotMatched, nil
	default:
		return NotMatched, errors.Wrapf(errors.ErrServiceFailure, "unexpected face match answer %q", truncate(res.Body))
	}
}
