// Package compute implements the simulated internal compute endpoint: it
// echoes its input after a delay derived from the input's "value" field.
package compute

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// Path is where the compute endpoint is mounted.
const Path = "/batch-demo/api/internal/compute"

const (
	// DefaultDelay is used when the input has no numeric "value".
	DefaultDelay = 200 * time.Millisecond

	// MaxDelay caps the simulated work.
	MaxDelay = 1000 * time.Millisecond
)

// Response is the echo document.
type Response struct {
	OK          bool           `json:"ok"`
	Input       map[string]any `json:"input"`
	ProcessedAt int64          `json:"processedAt"`
}

// Delay returns the simulated work duration for input:
// min(1000, 50 + value % 500) ms, or DefaultDelay without a numeric value.
func Delay(input map[string]any) time.Duration {
	v, ok := input["value"].(float64)
	if !ok {
		return DefaultDelay
	}
	ms := 50 + int64(v)%500
	d := time.Duration(ms) * time.Millisecond
	if d > MaxDelay {
		return MaxDelay
	}
	return d
}

// Handler returns the compute endpoint handler. sleep may be nil, in which
// case the delay is waited out on a timer that stops early if the caller goes
// away.
func Handler(logger zerolog.Logger, sleep func(time.Duration)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost && r.Method != http.MethodGet {
			writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
			return
		}

		input := map[string]any{}
		data, err := io.ReadAll(r.Body)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "read body failed"})
			return
		}
		if len(data) > 0 {
			if err := json.Unmarshal(data, &input); err != nil {
				writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
				return
			}
			if input == nil {
				input = map[string]any{}
			}
		}

		delay := Delay(input)
		if sleep != nil {
			sleep(delay)
		} else {
			timer := time.NewTimer(delay)
			select {
			case <-timer.C:
			case <-r.Context().Done():
				timer.Stop()
				logger.Debug().Dur("delay", delay).Msg("Compute request abandoned by caller")
				return
			}
		}

		writeJSON(w, http.StatusOK, Response{
			OK:          true,
			Input:       input,
			ProcessedAt: time.Now().UnixMilli(),
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
