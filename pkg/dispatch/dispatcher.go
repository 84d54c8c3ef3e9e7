// Package dispatch executes single batch items against the internal compute
// endpoint. Every failure is folded into the item's result.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/Sternrassler/batch-gateway/pkg/batch"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// UnsupportedPathError is the item error for targets outside the allow-list.
const UnsupportedPathError = "unsupported path"

// Prometheus metrics for item dispatch.
var (
	dispatchRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "batch_dispatch_requests_total",
		Help: "Total item dispatches by outcome",
	}, []string{"outcome"})

	dispatchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "batch_dispatch_duration_seconds",
		Help:    "Outbound item call duration in seconds by outcome",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
	}, []string{"outcome"})
)

// Outcome classifies an item result for observability.
type Outcome string

const (
	// OutcomeOK is a 2xx/3xx response.
	OutcomeOK Outcome = "ok"

	// OutcomeClient is a 4xx response from the compute endpoint.
	OutcomeClient Outcome = "client"

	// OutcomeServer is a 5xx response from the compute endpoint.
	OutcomeServer Outcome = "server"

	// OutcomeTimeout is a call that ran out of time.
	OutcomeTimeout Outcome = "timeout"

	// OutcomeNetwork is a transport failure.
	OutcomeNetwork Outcome = "network"

	// OutcomeUnsupported is a target path outside the allow-list; no call is made.
	OutcomeUnsupported Outcome = "unsupported"

	// OutcomeOversize is a response body larger than MaxResponseBytes.
	OutcomeOversize Outcome = "oversize"
)

// Config holds dispatcher configuration.
type Config struct {
	// Timeout is the per-item network budget, independent of the batch deadline.
	Timeout time.Duration

	// AllowedPrefixes lists the target path prefixes items may address.
	AllowedPrefixes []string

	// UserAgent is sent on every outbound call.
	UserAgent string

	// MaxResponseBytes caps the response body size. Larger bodies fail the item.
	MaxResponseBytes int64
}

// DefaultConfig returns the default dispatcher configuration.
func DefaultConfig() Config {
	return Config{
		Timeout:          5 * time.Second,
		AllowedPrefixes:  []string{"/batch-demo/api/internal"},
		UserAgent:        "batch-gateway/0.1.0",
		MaxResponseBytes: 10 << 20,
	}
}

// Dispatcher issues the outbound call for one item.
type Dispatcher struct {
	httpClient *http.Client
	cfg        Config
	logger     zerolog.Logger
}

// New creates a dispatcher.
func New(cfg Config, logger zerolog.Logger) *Dispatcher {
	def := DefaultConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if len(cfg.AllowedPrefixes) == 0 {
		cfg.AllowedPrefixes = def.AllowedPrefixes
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = def.UserAgent
	}
	if cfg.MaxResponseBytes <= 0 {
		cfg.MaxResponseBytes = def.MaxResponseBytes
	}

	return &Dispatcher{
		httpClient: &http.Client{},
		cfg:        cfg,
		logger:     logger,
	}
}

// Allowed reports whether target is inside the allow-list. A prefix matches
// whole path segments only.
func (d *Dispatcher) Allowed(target string) bool {
	if !strings.HasPrefix(target, "/") {
		return false
	}
	cleaned := path.Clean(target)
	for _, prefix := range d.cfg.AllowedPrefixes {
		prefix = strings.TrimSuffix(prefix, "/")
		if cleaned == prefix || strings.HasPrefix(cleaned, prefix+"/") {
			return true
		}
	}
	return false
}

// Dispatch runs item against ep and returns its result. It never returns an
// error or panics on transport failures; those become 500 results, except an
// abort by ctx, which is reported as the batch timeout.
func (d *Dispatcher) Dispatch(ctx context.Context, ep batch.Endpoint, item batch.ItemRequest) batch.ItemResult {
	start := time.Now()
	result, outcome := d.dispatch(ctx, ep, item)

	dispatchRequestsTotal.WithLabelValues(string(outcome)).Inc()
	if outcome != OutcomeUnsupported {
		dispatchDuration.WithLabelValues(string(outcome)).Observe(time.Since(start).Seconds())
	}

	event := d.logger.Debug()
	if outcome == OutcomeNetwork || outcome == OutcomeTimeout || outcome == OutcomeOversize {
		event = d.logger.Warn()
	}
	event.
		Str("item_id", item.ID).
		Str("method", item.Method).
		Str("path", item.TargetPath).
		Int("status", result.Status).
		Str("outcome", string(outcome)).
		Dur("duration", time.Since(start)).
		Msg("Item dispatched")

	return result
}

func (d *Dispatcher) dispatch(ctx context.Context, ep batch.Endpoint, item batch.ItemRequest) (batch.ItemResult, Outcome) {
	result := batch.ItemResult{ID: item.ID}

	if !d.Allowed(item.TargetPath) {
		result.Status = http.StatusBadRequest
		result.Error = UnsupportedPathError
		return result, OutcomeUnsupported
	}

	callCtx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
	defer cancel()

	req, err := d.newRequest(callCtx, ep, item)
	if err != nil {
		result.Status = http.StatusInternalServerError
		result.Error = err.Error()
		return result, OutcomeNetwork
	}

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return d.failure(ctx, callCtx, result, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, d.cfg.MaxResponseBytes+1))
	if err != nil {
		return d.failure(ctx, callCtx, result, fmt.Errorf("read response body: %w", err))
	}
	if int64(len(data)) > d.cfg.MaxResponseBytes {
		result.Status = http.StatusInternalServerError
		result.Error = fmt.Sprintf("response too large: exceeds %d bytes", d.cfg.MaxResponseBytes)
		return result, OutcomeOversize
	}

	result.Status = resp.StatusCode
	result.Body = decodeBody(data)

	return result, Classify(resp.StatusCode)
}

func (d *Dispatcher) newRequest(ctx context.Context, ep batch.Endpoint, item batch.ItemRequest) (*http.Request, error) {
	var body io.Reader
	hasBody := item.Method != http.MethodGet && item.Method != http.MethodHead
	if hasBody {
		payload := item.Body
		if len(payload) == 0 {
			payload = json.RawMessage(`{}`)
		}
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, item.Method, ep.URL(item.TargetPath), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	if hasBody {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", d.cfg.UserAgent)

	return req, nil
}

// failure maps a transport error into a result. An abort from the batch is
// reported as the batch timeout (504). A call that ran out of its own budget
// is an ordinary item failure (500) with a description.
func (d *Dispatcher) failure(parent, call context.Context, result batch.ItemResult, err error) (batch.ItemResult, Outcome) {
	switch {
	case parent.Err() != nil:
		result.Status = http.StatusGatewayTimeout
		result.Error = batch.TimeoutError
		return result, OutcomeTimeout
	case errors.Is(call.Err(), context.DeadlineExceeded):
		result.Status = http.StatusInternalServerError
		result.Error = fmt.Sprintf("item call timed out after %s", d.cfg.Timeout)
		return result, OutcomeTimeout
	default:
		result.Status = http.StatusInternalServerError
		result.Error = err.Error()
		return result, OutcomeNetwork
	}
}

// decodeBody returns the payload as JSON when it parses, otherwise verbatim
// text. An empty payload yields nil.
func decodeBody(data []byte) any {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if json.Valid(data) {
		return json.RawMessage(data)
	}
	return string(data)
}

// Classify maps a response status to an outcome.
func Classify(status int) Outcome {
	switch {
	case status >= 500:
		return OutcomeServer
	case status >= 400:
		return OutcomeClient
	default:
		return OutcomeOK
	}
}
