// Package ratelimit implements per-client admission limiting for the inbound
// batch endpoint. Each client IP gets its own token bucket; buckets that have
// been idle for a while are swept.
package ratelimit

import (
	"context"
	"math"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Prometheus metrics for admission limiting.
var (
	admissionRejectionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "batch_admission_rejections_total",
		Help: "Total number of inbound batch requests rejected by the admission limiter",
	})

	admissionVisitors = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "batch_admission_visitors",
		Help: "Number of clients currently tracked by the admission limiter",
	})
)

// Config holds limiter configuration.
type Config struct {
	// RPS is the sustained request rate per client. Zero disables limiting.
	RPS float64

	// Burst is the bucket size per client. Non-positive means ceil(RPS).
	Burst int

	// IdleTTL is how long an unused client bucket is kept.
	IdleTTL time.Duration

	// SweepInterval is how often idle buckets are removed by Run.
	SweepInterval time.Duration
}

// DefaultConfig returns the default limiter configuration.
func DefaultConfig() Config {
	return Config{
		RPS:           10,
		Burst:         20,
		IdleTTL:       3 * time.Minute,
		SweepInterval: time.Minute,
	}
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Limiter gates requests per client key.
type Limiter struct {
	cfg    Config
	logger zerolog.Logger
	now    func() time.Time

	mu       sync.Mutex
	visitors map[string]*visitor
}

// New creates a limiter.
func New(cfg Config, logger zerolog.Logger) *Limiter {
	if cfg.Burst <= 0 {
		cfg.Burst = int(math.Max(1, math.Ceil(cfg.RPS)))
	}
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = 3 * time.Minute
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Minute
	}
	return &Limiter{
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
		visitors: make(map[string]*visitor),
	}
}

// Enabled reports whether requests are limited at all.
func (l *Limiter) Enabled() bool {
	return l.cfg.RPS > 0
}

// Allow reports whether a request from key may proceed now.
func (l *Limiter) Allow(key string) bool {
	if !l.Enabled() {
		return true
	}

	now := l.now()

	l.mu.Lock()
	v, exists := l.visitors[key]
	if !exists {
		v = &visitor{limiter: rate.NewLimiter(rate.Limit(l.cfg.RPS), l.cfg.Burst)}
		l.visitors[key] = v
		admissionVisitors.Set(float64(len(l.visitors)))
	}
	v.lastSeen = now
	allowed := v.limiter.AllowN(now, 1)
	l.mu.Unlock()

	if !allowed {
		admissionRejectionsTotal.Inc()
		l.logger.Warn().
			Str("client", key).
			Float64("rps", l.cfg.RPS).
			Int("burst", l.cfg.Burst).
			Msg("Admission limit exceeded - rejecting batch request")
	}
	return allowed
}

// Sweep drops buckets idle for longer than IdleTTL and returns how many were
// removed.
func (l *Limiter) Sweep() int {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for key, v := range l.visitors {
		if now.Sub(v.lastSeen) > l.cfg.IdleTTL {
			delete(l.visitors, key)
			removed++
		}
	}
	admissionVisitors.Set(float64(len(l.visitors)))

	if removed > 0 {
		l.logger.Debug().Int("removed", removed).Int("remaining", len(l.visitors)).Msg("Swept idle admission buckets")
	}
	return removed
}

// Visitors returns the number of tracked clients.
func (l *Limiter) Visitors() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.visitors)
}

// Run sweeps idle buckets every SweepInterval until ctx is done.
func (l *Limiter) Run(ctx context.Context) {
	ticker := time.NewTicker(l.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.Sweep()
		}
	}
}

// Middleware rejects requests over the client's rate with 429.
func (l *Limiter) Middleware(next http.Handler) http.Handler {
	if !l.Enabled() {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !l.Allow(ClientIP(r)) {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			w.Write([]byte(`{"error":"too many requests"}` + "\n"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ClientIP returns the host part of the request's remote address.
func ClientIP(r *http.Request) string {
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}
