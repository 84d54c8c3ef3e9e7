// Package batch implements batch validation and the coordinator that fans a
// batch out over the worker pool and folds the item outcomes back in order.
package batch

import (
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Defaults applied to items that omit optional fields.
const (
	// DefaultMethod is used when an item has no method.
	DefaultMethod = http.MethodPost

	// DefaultTargetPath addresses the internal compute endpoint.
	DefaultTargetPath = "/batch-demo/api/internal/compute"

	// MaxBatchSize is the largest accepted number of items.
	MaxBatchSize = 200
)

// emptyBody is sent when an item carries no body.
var emptyBody = json.RawMessage(`{}`)

// BatchRequest is a validated batch. It is read-only once Decode returns.
type BatchRequest struct {
	// BatchID is echoed back verbatim; nil when the caller sent none.
	BatchID *string

	// Items in caller order.
	Items []ItemRequest
}

// ItemRequest is one item with all defaults resolved.
type ItemRequest struct {
	ID         string
	Method     string
	TargetPath string
	Body       json.RawMessage
}

// ItemResult is the outcome of one item.
type ItemResult struct {
	ID     string `json:"id"`
	Status int    `json:"status"`
	Body   any    `json:"body,omitempty"`
	Error  string `json:"error,omitempty"`
}

// BatchResult is the aggregated response for one batch.
type BatchResult struct {
	BatchID    *string      `json:"batchId"`
	Results    []ItemResult `json:"results"`
	FinishedAt time.Time    `json:"finishedAt"`
}

// Endpoint is an immutable snapshot of the inbound request's scheme, host and
// port. It is taken before fan-out so dispatch never reads the live request.
type Endpoint struct {
	Scheme string
	Host   string
	Port   int
}

// EndpointFromRequest captures the addressing data of r.
func EndpointFromRequest(r *http.Request) Endpoint {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}

	host := r.Host
	port := 0
	if h, p, err := net.SplitHostPort(r.Host); err == nil {
		host = h
		port, _ = strconv.Atoi(p)
	}
	if port == 0 {
		port = 80
		if scheme == "https" {
			port = 443
		}
	}

	return Endpoint{Scheme: scheme, Host: host, Port: port}
}

// URL joins the endpoint with path.
func (e Endpoint) URL(path string) string {
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return e.Scheme + "://" + net.JoinHostPort(e.Host, strconv.Itoa(e.Port)) + path
}
