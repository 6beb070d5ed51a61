package capture

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/Eyemetric/gate_service/internal/errors"
)

// MaxLineBytes bounds a single notification line.
const MaxLineBytes = 4096

// Notification is the wire form sent by a capture station:
//
//	{"cam": "1", "isFace": true, "url": "https://.../face.jpg"}
//
// cam may arrive as a JSON string or number.
type Notification struct {
	Cam    json.RawMessage `json:"cam"`
	IsFace *bool           `json:"isFace"`
	URL    string          `json:"url"`
}

// Ingest decodes one notification line into a CaptureEvent. Every failure
// is marked ErrParse.
func Ingest(raw []byte, now time.Time) (CaptureEvent, error) {
	line := bytes.TrimSpace(raw)
	if len(line) == 0 {
		return CaptureEvent{}, errors.Mark(errors.New("empty notification"), errors.ErrParse)
	}
	if len(line) > MaxLineBytes {
		return CaptureEvent{}, errors.Mark(errors.Newf("notification exceeds %d bytes", MaxLineBytes), errors.ErrParse)
	}
	if bytes.ContainsAny(line, "\r\n") {
		return CaptureEvent{}, errors.Mark(errors.New("notification spans more than one line"), errors.ErrParse)
	}

	var n Notification
	if err := json.Unmarshal(line, &n); err != nil {
		return CaptureEvent{}, errors.Mark(errors.Wrap(err, "decode notification"), errors.ErrParse)
	}

	station, err := stationID(n.Cam)
	if err != nil {
		return CaptureEvent{}, errors.Mark(err, errors.ErrParse)
	}
	if n.IsFace == nil {
		return CaptureEvent{}, errors.Mark(errors.New("isFace is missing"), errors.ErrParse)
	}
	url := strings.TrimSpace(n.URL)
	if url == "" {
		return CaptureEvent{}, errors.Mark(errors.New("url is empty"), errors.ErrParse)
	}

	kind := KindPlate
	if *n.IsFace {
		kind = KindFace
	}

	return CaptureEvent{
		StationID:  station,
		Kind:       kind,
		PayloadURL: url,
		ReceivedAt: now,
	}, nil
}

func stationID(raw json.RawMessage) (string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return "", errors.New("cam is missing")
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		s = strings.TrimSpace(s)
		if s == "" {
			return "", errors.New("cam is empty")
		}
		return s, nil
	}

	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		if i, err := strconv.ParseInt(n.String(), 10, 64); err == nil {
			return strconv.FormatInt(i, 10), nil
		}
	}
	return "", errors.Newf("cam has unsupported value %s", string(raw))
}
