package batch

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/Sternrassler/batch-gateway/pkg/pool"
	"github.com/rs/zerolog"
)

// TimeoutError is the item error reported for items still running when the
// batch deadline expires.
const TimeoutError = "timeout"

// Submitter schedules tasks; *pool.Pool implements it. then runs once task
// has returned and its worker is free again.
type Submitter interface {
	SubmitThen(task pool.Task, then func()) error
}

// Dispatcher executes a single item. Implementations capture every failure in
// the returned ItemResult.
type Dispatcher interface {
	Dispatch(ctx context.Context, ep Endpoint, item ItemRequest) ItemResult
}

// Recorder receives finished batch results that carry a batch id.
type Recorder interface {
	Save(ctx context.Context, result *BatchResult) error
}

// State is a step in the lifecycle of one batch.
type State string

const (
	StateValidating  State = "validating"
	StateDispatching State = "dispatching"
	StateAwaiting    State = "awaiting"
	StateAggregating State = "aggregating"
	StateDone        State = "done"
)

// Config holds coordinator configuration.
type Config struct {
	// MaxBatchSize is the largest accepted batch.
	MaxBatchSize int

	// Deadline bounds the wait for all items, measured from the start of fan-out.
	Deadline time.Duration

	// RecordTimeout bounds the Recorder call.
	RecordTimeout time.Duration
}

// DefaultConfig returns the default coordinator configuration.
func DefaultConfig() Config {
	return Config{
		MaxBatchSize:  MaxBatchSize,
		Deadline:      20 * time.Second,
		RecordTimeout: 2 * time.Second,
	}
}

// Coordinator owns the lifecycle of a batch: validate, fan out, fan in under
// the deadline, assemble.
type Coordinator struct {
	pool       Submitter
	dispatcher Dispatcher
	recorder   Recorder
	cfg        Config
	logger     zerolog.Logger
}

// completion carries one finished item back to the coordinator.
type completion struct {
	index  int
	result ItemResult
}

// NewCoordinator creates a coordinator that runs items through dispatcher on p.
func NewCoordinator(p Submitter, dispatcher Dispatcher, cfg Config, logger zerolog.Logger) *Coordinator {
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = MaxBatchSize
	}
	if cfg.Deadline <= 0 {
		cfg.Deadline = 20 * time.Second
	}
	if cfg.RecordTimeout <= 0 {
		cfg.RecordTimeout = 2 * time.Second
	}

	return &Coordinator{
		pool:       p,
		dispatcher: dispatcher,
		cfg:        cfg,
		logger:     logger,
	}
}

// SetRecorder installs a recorder for finished results. Nil disables recording.
func (c *Coordinator) SetRecorder(r Recorder) {
	c.recorder = r
}

// Process runs one batch to completion. Validation failures are returned
// before any item is dispatched. Item failures never fail the batch; only an
// internal failure while assembling the result yields ErrAggregation.
func (c *Coordinator) Process(ctx context.Context, ep Endpoint, req *BatchRequest) (result *BatchResult, err error) {
	start := time.Now()
	logger := c.logger.With().Str("batch_id", batchIDOf(req)).Logger()

	defer func() {
		if r := recover(); r != nil {
			result = nil
			err = fmt.Errorf("%w: %v", ErrAggregation, r)
			batchRequestsTotal.WithLabelValues("failed").Inc()
			logger.Error().
				Interface("panic", r).
				Msg("Batch aggregation failed")
		}
	}()

	c.transition(logger, StateValidating)
	if err := Validate(req, c.cfg.MaxBatchSize); err != nil {
		batchRequestsTotal.WithLabelValues("rejected").Inc()
		logger.Debug().Err(err).Msg("Batch rejected")
		c.transition(logger, StateDone)
		return nil, err
	}

	n := len(req.Items)
	batchSize.Observe(float64(n))

	c.transition(logger, StateDispatching)
	batchCtx, cancel := context.WithTimeout(ctx, c.cfg.Deadline)
	// Cancelling on return aborts tasks abandoned at the deadline.
	defer cancel()

	results := make([]ItemResult, n)
	filled := make([]bool, n)
	completions := make(chan completion, n)
	pending := 0

	for i, item := range req.Items {
		// A task dropped by a forced pool shutdown never runs and keeps this result.
		res := ItemResult{ID: item.ID, Status: http.StatusGatewayTimeout, Error: TimeoutError}
		err := c.pool.SubmitThen(
			func(poolCtx context.Context) { res = c.runItem(batchCtx, poolCtx, ep, item) },
			func() { completions <- completion{index: i, result: res} },
		)
		if err != nil {
			results[i] = ItemResult{
				ID:     item.ID,
				Status: http.StatusInternalServerError,
				Error:  err.Error(),
			}
			filled[i] = true
			logger.Warn().
				Err(err).
				Str("item_id", item.ID).
				Msg("Item rejected by worker pool")
			continue
		}
		pending++
	}

	c.transition(logger, StateAwaiting)
	expired := false
	for pending > 0 && !expired {
		select {
		case done := <-completions:
			results[done.index] = done.result
			filled[done.index] = true
			pending--
		case <-batchCtx.Done():
			expired = true
		}
	}
	// Items that finished right at the deadline keep their real outcome.
	for drained := false; pending > 0 && !drained; {
		select {
		case done := <-completions:
			results[done.index] = done.result
			filled[done.index] = true
			pending--
		default:
			drained = true
		}
	}

	c.transition(logger, StateAggregating)
	for i := range results {
		if !filled[i] {
			results[i] = ItemResult{
				ID:     req.Items[i].ID,
				Status: http.StatusGatewayTimeout,
				Error:  TimeoutError,
			}
		}
		batchItemsTotal.WithLabelValues(strconv.Itoa(results[i].Status)).Inc()
	}

	result = &BatchResult{
		BatchID:    req.BatchID,
		Results:    results,
		FinishedAt: time.Now().UTC(),
	}

	duration := time.Since(start)
	batchDuration.Observe(duration.Seconds())
	if pending > 0 {
		batchDeadlineExceededTotal.Inc()
		batchRequestsTotal.WithLabelValues("degraded").Inc()
		logger.Warn().
			Int("items", n).
			Int("timed_out", pending).
			Err(batchCtx.Err()).
			Dur("duration", duration).
			Msg("Batch deadline expired - unfinished items reported as timeout")
	} else {
		batchRequestsTotal.WithLabelValues("completed").Inc()
		logger.Info().
			Int("items", n).
			Dur("duration", duration).
			Msg("Batch complete")
	}

	c.record(ctx, logger, result)
	c.transition(logger, StateDone)

	return result, nil
}

// runItem executes one item on a worker. The item is cancelled by either the
// batch context or a forced pool shutdown, and a panicking dispatcher is
// reported as a server error for that item only.
func (c *Coordinator) runItem(batchCtx, poolCtx context.Context, ep Endpoint, item ItemRequest) (res ItemResult) {
	ctx, cancel := context.WithCancel(batchCtx)
	defer cancel()
	stop := context.AfterFunc(poolCtx, cancel)
	defer stop()

	defer func() {
		if r := recover(); r != nil {
			c.logger.Error().
				Interface("panic", r).
				Str("item_id", item.ID).
				Msg("Item dispatch panicked")
			res = ItemResult{
				ID:     item.ID,
				Status: http.StatusInternalServerError,
				Error:  fmt.Sprintf("dispatch panic: %v", r),
			}
		}
	}()

	// Queued past the deadline: the result is discarded, skip the call.
	if ctx.Err() != nil {
		return ItemResult{ID: item.ID, Status: http.StatusGatewayTimeout, Error: TimeoutError}
	}

	return c.dispatcher.Dispatch(ctx, ep, item)
}

func (c *Coordinator) record(ctx context.Context, logger zerolog.Logger, result *BatchResult) {
	if c.recorder == nil || result.BatchID == nil || *result.BatchID == "" {
		return
	}

	recordCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.RecordTimeout)
	defer cancel()

	if err := c.recorder.Save(recordCtx, result); err != nil {
		logger.Warn().Err(err).Msg("Failed to record batch result")
	}
}

func (c *Coordinator) transition(logger zerolog.Logger, s State) {
	logger.Debug().Str("state", string(s)).Msg("Batch state")
}

func batchIDOf(req *BatchRequest) string {
	if req == nil || req.BatchID == nil {
		return ""
	}
	return *req.BatchID
}
