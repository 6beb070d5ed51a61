// Package stations signals capture stations to reset and accept a new capture.
package stations

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Eyemetric/gate_service/internal/logger"
)

const defaultRearmTimeout = 3 * time.Second

// Station is one capture station's re-arm endpoint.
type Station struct {
	ID    string
	URL   string
	Field string // body key, "detected" or "captureTrigger"
}

// Rearmer fans re-arm calls out to the stations. Calls are fire-and-forget:
// failures are logged and never retried.
type Rearmer struct {
	client   *http.Client
	stations []Station
	log      *zap.SugaredLogger
}

func NewRearmer(stations []Station, timeout time.Duration) *Rearmer {
	if timeout <= 0 {
		timeout = defaultRearmTimeout
	}
	return &Rearmer{
		client:   &http.Client{Timeout: timeout},
		stations: stations,
		log:      logger.ComponentLogger("gate.stations"),
	}
}

// RearmResult is what one station answered.
type RearmResult struct {
	StationID  string
	StatusCode int
	Error      error
}

// RearmAll signals every station concurrently and returns once all calls ended.
func (r *Rearmer) RearmAll(ctx context.Context) []RearmResult {
	results := make([]RearmResult, len(r.stations))
	var g errgroup.Group
	for i, st := range r.stations {
		g.Go(func() error {
			results[i] = r.send(ctx, st)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// RearmStation signals a single station. Unknown ids are ignored.
func (r *Rearmer) RearmStation(ctx context.Context, id string) (RearmResult, bool) {
	for _, st := range r.stations {
		if st.ID == id {
			return r.send(ctx, st), true
		}
	}
	r.log.Warnw("rearm for unknown station", logger.FieldStation, id)
	return RearmResult{StationID: id}, false
}

func (r *Rearmer) send(ctx context.Context, st Station) RearmResult {
	res := RearmResult{StationID: st.ID}
	if st.URL == "" {
		return res
	}
	field := st.Field
	if field == "" {
		field = "detected"
	}

	body, _ := json.Marshal(map[string]bool{field: true})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, st.URL, bytes.NewBuffer(body))
	if err != nil {
		res.Error = err
		r.log.Warnw("rearm request invalid", logger.FieldStation, st.ID, logger.FieldError, err)
		return res
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		res.Error = err
		r.log.Warnw("rearm failed", logger.FieldStation, st.ID, logger.FieldURL, st.URL, logger.FieldError, err)
		return res
	}
	defer resp.Body.Close()
	res.StatusCode = resp.StatusCode

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		msg := strings.TrimSpace(string(data))
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		r.log.Warnw("rearm rejected",
			logger.FieldStation, st.ID,
			logger.FieldStatus, resp.StatusCode,
			"message", msg)
		return res
	}
	r.log.Debugw("station rearmed", logger.FieldStation, st.ID)
	return res
}
