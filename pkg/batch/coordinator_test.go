package batch

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Sternrassler/batch-gateway/pkg/pool"
	"github.com/rs/zerolog"
)

// fakeDispatcher runs fn for each item and counts invocations.
type fakeDispatcher struct {
	calls atomic.Int32
	fn    func(ctx context.Context, item ItemRequest) ItemResult
}

func (f *fakeDispatcher) Dispatch(ctx context.Context, ep Endpoint, item ItemRequest) ItemResult {
	f.calls.Add(1)
	if f.fn != nil {
		return f.fn(ctx, item)
	}
	return ItemResult{ID: item.ID, Status: http.StatusOK, Body: map[string]any{"ok": true}}
}

type panickingSubmitter struct{}

func (panickingSubmitter) SubmitThen(task pool.Task, then func()) error {
	panic("submitter exploded")
}

type recordingRecorder struct {
	mu    sync.Mutex
	saved []*BatchResult
	err   error
}

func (r *recordingRecorder) Save(ctx context.Context, result *BatchResult) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.saved = append(r.saved, result)
	return r.err
}

func newTestPool(t *testing.T, cfg pool.Config) *pool.Pool {
	t.Helper()
	p, err := pool.New(cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("pool.New failed: %v", err)
	}
	t.Cleanup(func() { p.Shutdown() })
	return p
}

func newTestCoordinator(t *testing.T, d Dispatcher, cfg Config) *Coordinator {
	t.Helper()
	return NewCoordinator(newTestPool(t, pool.DefaultConfig()), d, cfg, zerolog.Nop())
}

func makeBatch(batchID string, n int) *BatchRequest {
	req := &BatchRequest{Items: make([]ItemRequest, n)}
	if batchID != "" {
		req.BatchID = &batchID
	}
	for i := range req.Items {
		req.Items[i] = ItemRequest{
			ID:         fmt.Sprintf("item-%03d", i),
			Method:     DefaultMethod,
			TargetPath: DefaultTargetPath,
			Body:       emptyBody,
		}
	}
	return req
}

func ids(results []ItemResult) []string {
	out := make([]string, len(results))
	for i, r := range results {
		out[i] = r.ID
	}
	return out
}

func mustProcess(t *testing.T, c *Coordinator, req *BatchRequest) *BatchResult {
	t.Helper()
	res, err := c.Process(context.Background(), testEndpoint, req)
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if len(res.Results) != len(req.Items) {
		t.Fatalf("Results = %d, want %d", len(res.Results), len(req.Items))
	}
	return res
}

var testEndpoint = Endpoint{Scheme: "http", Host: "127.0.0.1", Port: 8080}

func TestProcess_PreservesInputOrder(t *testing.T) {
	for _, n := range []int{1, 7, 64, 200} {
		t.Run(fmt.Sprintf("n=%d", n), func(t *testing.T) {
			// Later items finish first so completion order is the reverse of input order.
			dispatcher := &fakeDispatcher{fn: func(ctx context.Context, item ItemRequest) ItemResult {
				var idx int
				fmt.Sscanf(item.ID, "item-%d", &idx)
				time.Sleep(time.Duration(n-idx) * 100 * time.Microsecond)
				return ItemResult{ID: item.ID, Status: http.StatusOK}
			}}
			c := newTestCoordinator(t, dispatcher, DefaultConfig())

			req := makeBatch("order", n)
			res := mustProcess(t, c, req)

			for i, r := range res.Results {
				if r.ID != req.Items[i].ID || r.Status != http.StatusOK {
					t.Errorf("Result %d = %s/%d, want %s/200", i, r.ID, r.Status, req.Items[i].ID)
				}
			}
			if got := dispatcher.calls.Load(); got != int32(n) {
				t.Errorf("Dispatch calls = %d, want %d", got, n)
			}
			if res.BatchID == nil || *res.BatchID != "order" {
				t.Errorf("BatchID = %v, want order", res.BatchID)
			}
			if res.FinishedAt.IsZero() {
				t.Error("FinishedAt not set")
			}
		})
	}
}

func TestProcess_RejectedBatchesNeverDispatch(t *testing.T) {
	dispatcher := &fakeDispatcher{}
	c := newTestCoordinator(t, dispatcher, DefaultConfig())

	tests := []struct {
		name     string
		req      *BatchRequest
		expected error
	}{
		{"empty", makeBatch("empty", 0), ErrEmptyBatch},
		{"too large", makeBatch("big", 201), ErrBatchTooLarge},
		{"nil", nil, ErrEmptyBatch},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := c.Process(context.Background(), testEndpoint, tt.req)
			if !errors.Is(err, tt.expected) {
				t.Errorf("Process error = %v, want %v", err, tt.expected)
			}
		})
	}

	if got := dispatcher.calls.Load(); got != 0 {
		t.Errorf("Dispatch calls = %d, want 0", got)
	}
}

func TestProcess_DeadlineDegradesOnlyUnfinishedItems(t *testing.T) {
	cancelled := make(chan struct{})
	dispatcher := &fakeDispatcher{fn: func(ctx context.Context, item ItemRequest) ItemResult {
		if item.ID == "item-001" {
			select {
			case <-ctx.Done():
				close(cancelled)
			case <-time.After(5 * time.Second):
			}
			return ItemResult{ID: item.ID, Status: http.StatusOK}
		}
		return ItemResult{ID: item.ID, Status: http.StatusOK, Body: "done"}
	}}

	cfg := DefaultConfig()
	cfg.Deadline = 100 * time.Millisecond
	c := newTestCoordinator(t, dispatcher, cfg)

	start := time.Now()
	res := mustProcess(t, c, makeBatch("deadline", 3))
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("Process took %v, expected the deadline to apply", elapsed)
	}

	expected := []ItemResult{
		{ID: "item-000", Status: http.StatusOK, Body: "done"},
		{ID: "item-001", Status: http.StatusGatewayTimeout, Error: TimeoutError},
		{ID: "item-002", Status: http.StatusOK, Body: "done"},
	}
	if !reflect.DeepEqual(res.Results, expected) {
		t.Errorf("Results = %+v, want %+v", res.Results, expected)
	}

	// The abandoned item is cancelled once the coordinator gives up on it.
	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Fatal("Abandoned item was not cancelled")
	}
}

func TestProcess_PoolSaturationIsolatedPerItem(t *testing.T) {
	p := newTestPool(t, pool.Config{CoreWorkers: 1, MaxWorkers: 1, QueueSize: 1})
	release := make(chan struct{})
	dispatcher := &fakeDispatcher{fn: func(ctx context.Context, item ItemRequest) ItemResult {
		<-release
		return ItemResult{ID: item.ID, Status: http.StatusOK}
	}}
	c := NewCoordinator(p, dispatcher, DefaultConfig(), zerolog.Nop())

	type outcome struct {
		res *BatchResult
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := c.Process(context.Background(), testEndpoint, makeBatch("saturated", 5))
		done <- outcome{res, err}
	}()

	// Let fan-out finish before releasing the two accepted items.
	deadline := time.Now().Add(time.Second)
	for p.Stats().Rejected != 3 {
		if time.Now().After(deadline) {
			t.Fatalf("Rejected = %d, want 3", p.Stats().Rejected)
		}
		time.Sleep(5 * time.Millisecond)
	}
	close(release)

	var got outcome
	select {
	case got = <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Batch did not complete")
	}
	if got.err != nil {
		t.Fatalf("Process failed: %v", got.err)
	}

	res := got.res
	want := []string{"item-000", "item-001", "item-002", "item-003", "item-004"}
	if !reflect.DeepEqual(ids(res.Results), want) {
		t.Fatalf("IDs = %v, want %v", ids(res.Results), want)
	}
	for _, r := range res.Results[:2] {
		if r.Status != http.StatusOK {
			t.Errorf("Item %s: status = %d, want 200", r.ID, r.Status)
		}
	}
	for _, r := range res.Results[2:] {
		if r.Status != http.StatusInternalServerError || !strings.Contains(r.Error, "saturated") {
			t.Errorf("Item %s: result = %d %q, want 500 saturation", r.ID, r.Status, r.Error)
		}
	}
	if got := dispatcher.calls.Load(); got != 2 {
		t.Errorf("Dispatch calls = %d, want 2", got)
	}
}

func TestProcess_BackToBackBatchesOnZeroBacklogPool(t *testing.T) {
	p := newTestPool(t, pool.Config{CoreWorkers: 0, MaxWorkers: 3, QueueSize: 0})
	c := NewCoordinator(p, &fakeDispatcher{}, DefaultConfig(), zerolog.Nop())

	// Batches of MaxWorkers items fit exactly once the previous batch is done.
	for round := 0; round < 30; round++ {
		res := mustProcess(t, c, makeBatch("", 3))
		for _, r := range res.Results {
			if r.Status != http.StatusOK {
				t.Fatalf("Round %d item %s: %d %q", round, r.ID, r.Status, r.Error)
			}
		}
	}

	if got := p.Stats().Rejected; got != 0 {
		t.Errorf("Rejected = %d, want 0", got)
	}
}

func TestProcess_RepeatedBatchKeepsPositions(t *testing.T) {
	c := newTestCoordinator(t, &fakeDispatcher{}, DefaultConfig())

	req := makeBatch("repeat", 50)
	first := mustProcess(t, c, req)
	second := mustProcess(t, c, req)

	if !reflect.DeepEqual(ids(first.Results), ids(second.Results)) {
		t.Error("Repeated batch changed result positions")
	}
}

func TestProcess_AbsentBatchIDStaysAbsent(t *testing.T) {
	c := newTestCoordinator(t, &fakeDispatcher{}, DefaultConfig())

	if res := mustProcess(t, c, makeBatch("", 2)); res.BatchID != nil {
		t.Errorf("BatchID = %q, want nil", *res.BatchID)
	}
}

func TestProcess_DispatcherPanicIsolated(t *testing.T) {
	dispatcher := &fakeDispatcher{fn: func(ctx context.Context, item ItemRequest) ItemResult {
		if item.ID == "item-000" {
			panic("bad item")
		}
		return ItemResult{ID: item.ID, Status: http.StatusOK}
	}}
	c := newTestCoordinator(t, dispatcher, DefaultConfig())

	res := mustProcess(t, c, makeBatch("panic", 2))

	if r := res.Results[0]; r.Status != http.StatusInternalServerError || !strings.Contains(r.Error, "bad item") {
		t.Errorf("Panicking item = %d %q, want 500 with panic text", r.Status, r.Error)
	}
	if r := res.Results[1]; r.Status != http.StatusOK {
		t.Errorf("Sibling status = %d, want 200", r.Status)
	}
}

func TestProcess_AggregationFailure(t *testing.T) {
	c := NewCoordinator(panickingSubmitter{}, &fakeDispatcher{}, DefaultConfig(), zerolog.Nop())

	res, err := c.Process(context.Background(), testEndpoint, makeBatch("boom", 2))
	if res != nil {
		t.Errorf("Result = %+v, want nil", res)
	}
	if !errors.Is(err, ErrAggregation) {
		t.Errorf("Process error = %v, want ErrAggregation", err)
	}
	if IsClientError(err) {
		t.Error("Aggregation failure must not be a client error")
	}
}

func TestProcess_RecordsResultsWithBatchID(t *testing.T) {
	recorder := &recordingRecorder{err: errors.New("store down")}
	c := newTestCoordinator(t, &fakeDispatcher{}, DefaultConfig())
	c.SetRecorder(recorder)

	// A failing recorder does not fail the batch.
	mustProcess(t, c, makeBatch("rec", 2))

	// Absent and empty ids are never recorded.
	mustProcess(t, c, makeBatch("", 2))
	empty := makeBatch("", 2)
	blank := ""
	empty.BatchID = &blank
	if res := mustProcess(t, c, empty); res.BatchID == nil || *res.BatchID != "" {
		t.Errorf("BatchID = %v, want empty string echoed", res.BatchID)
	}

	recorder.mu.Lock()
	defer recorder.mu.Unlock()
	if len(recorder.saved) != 1 {
		t.Fatalf("Saved = %d results, want 1", len(recorder.saved))
	}
	if got := *recorder.saved[0].BatchID; got != "rec" {
		t.Errorf("Saved batch = %q, want rec", got)
	}
}
