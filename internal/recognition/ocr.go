package recognition

import (
	"context"
	"encoding/json"
	"strings"
	"time"
	"unicode"

	"github.com/Eyemetric/gate_service/internal/api/wasabi"
	"github.com/Eyemetric/gate_service/internal/errors"
)

type OCRClient struct {
	serviceClient
}

func NewOCRClient(url string, timeout time.Duration, signer wasabi.URLSigner) *OCRClient {
	return &OCRClient{newServiceClient(url, timeout, signer)}
}

type ocrRequest struct {
	URL string `json:"url"`
}

type ocrResponse struct {
	Status *bool  `json:"status"`
	Plate  string `json:"plate"`
}

// ResolvePlate returns the normalised plate text for the image. A readable
// answer without a plate fails with ErrNoPlate; anything else the service
// gets wrong is ErrServiceFailure.
func (o *OCRClient) ResolvePlate(ctx context.Context, plateURL string) (string, error) {
	u, err := o.resolve(ctx, plateURL)
	if err != nil {
		return "", err
	}
	res, err := o.post(ctx, ocrRequest{URL: u})
	if err != nil {
		return "", err
	}

	var r ocrResponse
	if err := json.Unmarshal(res.Body, &r); err != nil || r.Status == nil {
		return "", errors.Wrapf(errors.ErrServiceFailure, "unparsable ocr answer %q", truncate(res.Body))
	}
	plate := NormalizePlate(r.Plate)
	if !*r.Status || plate == "" {
		return "", errors.Wrapf(errors.ErrNoPlate, "image %s", plateURL)
	}
	return plate, nil
}

// NormalizePlate upper-cases and drops whitespace so that the entry and exit
// reads of one plate compare equal.
func NormalizePlate(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return unicode.ToUpper(r)
	}, s)
}

func truncate(b []byte) string {
	if len(b) > 64 {
		return string(b[:64]) + "..."
	}
	return string(b)
}
