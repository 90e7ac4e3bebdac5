package throughput

import (
	"bytes"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestTracker(t *testing.T, opts ...Option) (*Tracker, *bytes.Buffer, *fakeClock) {
	t.Helper()
	var buf bytes.Buffer
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	all := append([]Option{WithLogger(logger), WithClock(clock.Now)}, opts...)
	tr, err := NewTracker(all...)
	if err != nil {
		t.Fatalf("NewTracker: %v", err)
	}
	return tr, &buf, clock
}

func TestNewTracker_Validation(t *testing.T) {
	tests := []struct {
		name string
		opts []Option
	}{
		{"zero batch size", []Option{WithReportBatchSize(0)}},
		{"negative batch size", []Option{WithReportBatchSize(-5)}},
		{"sub-millisecond rate unit", []Option{WithRateUnit(time.Microsecond)}},
		{"blank action", []Option{WithAction("")}},
		{"blank items name", []Option{WithItemsName("")}},
		{"nil logger", []Option{WithLogger(nil)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewTracker(tt.opts...); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestTracker_ProcessedNeverExceedsReceived(t *testing.T) {
	tr, _, _ := newTestTracker(t)

	if err := tr.ItemProcessed(); !errors.Is(err, ErrProcessedExceedsReceived) {
		t.Fatalf("expected ErrProcessedExceedsReceived, got %v", err)
	}

	tr.ItemsReceived(3)
	if err := tr.ItemsProcessed(2); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := tr.ItemsProcessed(2); !errors.Is(err, ErrProcessedExceedsReceived) {
		t.Fatalf("expected ErrProcessedExceedsReceived, got %v", err)
	}
	if tr.ProcessedCount() != 2 || tr.ReceivedCount() != 3 {
		t.Errorf("rejected call must not change counts: processed=%d received=%d", tr.ProcessedCount(), tr.ReceivedCount())
	}
}

func TestTracker_ReportsOncePerBatchBoundary(t *testing.T) {
	tr, buf, _ := newTestTracker(t, WithReportBatchSize(10))

	for i := 0; i < 35; i++ {
		tr.ItemReceived()
		if err := tr.ItemProcessed(); err != nil {
			t.Fatalf("item %d: %v", i, err)
		}
	}
	if tr.Reports() != 3 {
		t.Errorf("expected 3 reports for 35 items at batch size 10, got %d", tr.Reports())
	}
	if got := strings.Count(buf.String(), "msg=throughput"); got != 3 {
		t.Errorf("expected 3 report log lines, got %d", got)
	}
}

func TestTracker_BatchedIncrementReportsOnFirstCrossing(t *testing.T) {
	tr, _, _ := newTestTracker(t, WithReportBatchSize(10))

	tr.ItemsReceived(100)
	if err := tr.ItemsProcessed(8); err != nil {
		t.Fatal(err)
	}
	if tr.Reports() != 0 {
		t.Fatalf("no boundary crossed yet, got %d reports", tr.Reports())
	}
	// 8 -> 33 crosses 10, 20 and 30 in one call: a single report.
	if err := tr.ItemsProcessed(25); err != nil {
		t.Fatal(err)
	}
	if tr.Reports() != 1 {
		t.Errorf("expected 1 report for a batched crossing, got %d", tr.Reports())
	}
	// 33 -> 40 lands exactly on a multiple.
	if err := tr.ItemsProcessed(7); err != nil {
		t.Fatal(err)
	}
	if tr.Reports() != 2 {
		t.Errorf("expected 2 reports, got %d", tr.Reports())
	}
}

func TestTracker_RateAndElapsed(t *testing.T) {
	tr, _, clock := newTestTracker(t, WithRateUnit(time.Second))

	if tr.Elapsed() != 0 {
		t.Errorf("elapsed before any item must be zero, got %s", tr.Elapsed())
	}

	tr.ItemsReceived(100)
	clock.Advance(2 * time.Second)
	if err := tr.ItemsProcessed(100); err != nil {
		t.Fatal(err)
	}
	if tr.Elapsed() != 2*time.Second {
		t.Errorf("expected 2s elapsed, got %s", tr.Elapsed())
	}
	if rate := tr.Rate(); rate != 50 {
		t.Errorf("expected 50 items/s, got %f", rate)
	}
}

func TestTracker_RateInMilliseconds(t *testing.T) {
	tr, _, clock := newTestTracker(t, WithRateUnit(time.Millisecond))
	tr.ItemsReceived(10)
	clock.Advance(5 * time.Millisecond)
	if err := tr.ItemsProcessed(10); err != nil {
		t.Fatal(err)
	}
	if rate := tr.Rate(); rate != 2 {
		t.Errorf("expected 2 items/ms, got %f", rate)
	}
}

func TestTracker_Reset(t *testing.T) {
	tr, _, clock := newTestTracker(t, WithReportBatchSize(1))
	tr.ItemsReceived(5)
	_ = tr.ItemsProcessed(5)
	clock.Advance(time.Second)

	tr.Reset()
	if tr.ReceivedCount() != 0 || tr.ProcessedCount() != 0 || tr.Reports() != 0 || tr.Elapsed() != 0 {
		t.Errorf("expected all counters cleared, got received=%d processed=%d reports=%d elapsed=%s",
			tr.ReceivedCount(), tr.ProcessedCount(), tr.Reports(), tr.Elapsed())
	}
	if err := tr.ItemProcessed(); !errors.Is(err, ErrProcessedExceedsReceived) {
		t.Errorf("invariant must hold after reset, got %v", err)
	}
}

func TestTracker_ExportsMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	tr, _, clock := newTestTracker(t,
		WithMetrics(m),
		WithAction("projecting"),
		WithItemsName("events"),
		WithReportBatchSize(4),
	)

	tr.ItemsReceived(4)
	clock.Advance(time.Second)
	if err := tr.ItemsProcessed(4); err != nil {
		t.Fatal(err)
	}

	if got := testutil.ToFloat64(m.Received.WithLabelValues("projecting/events")); got != 4 {
		t.Errorf("received counter = %f, want 4", got)
	}
	if got := testutil.ToFloat64(m.Processed.WithLabelValues("projecting/events")); got != 4 {
		t.Errorf("processed counter = %f, want 4", got)
	}
	if got := testutil.ToFloat64(m.Rate.WithLabelValues("projecting/events", "1s")); got != 4 {
		t.Errorf("rate gauge = %f, want 4", got)
	}
}
