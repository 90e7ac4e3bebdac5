// Package throughput counts received and processed items and reports the
// processing rate at batch boundaries.
//
// A Tracker is owned by one goroutine. Counters are plain fields; a reader on
// another goroutine must synchronize with the owner (for example by waiting for
// it to finish) before relying on the final values. The Prometheus collectors
// bound at construction are safe to scrape concurrently.
package throughput

import (
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// ErrProcessedExceedsReceived is returned when more items are marked processed
// than were received. It indicates a programming error in the caller.
var ErrProcessedExceedsReceived = errors.New("processed count would exceed received count")

const (
	defaultReportBatchSize = 10000
	defaultRateUnit        = time.Second
)

// Option configures a Tracker.
type Option func(*Tracker)

// WithLogger sets the logger used for reports.
func WithLogger(logger *slog.Logger) Option {
	return func(t *Tracker) { t.logger = logger }
}

// WithAction names what the tracked work is doing, e.g. "projecting".
func WithAction(action string) Option {
	return func(t *Tracker) { t.action = action }
}

// WithItemsName names the tracked items, e.g. "events".
func WithItemsName(name string) Option {
	return func(t *Tracker) { t.itemsName = name }
}

// WithReportBatchSize sets how many processed items trigger a report.
func WithReportBatchSize(n int64) Option {
	return func(t *Tracker) { t.reportBatchSize = n }
}

// WithRateUnit sets the time unit rates are expressed in. Minimum 1ms.
func WithRateUnit(unit time.Duration) Option {
	return func(t *Tracker) { t.rateUnit = unit }
}

// WithMetrics exports counts and rate through shared collectors.
func WithMetrics(m *Metrics) Option {
	return func(t *Tracker) { t.metricsSrc = m }
}

// WithClock overrides the time source. Used by tests.
func WithClock(clock func() time.Time) Option {
	return func(t *Tracker) { t.clock = clock }
}

// Tracker tracks item throughput. Not safe for concurrent use.
type Tracker struct {
	logger          *slog.Logger
	action          string
	itemsName       string
	reportBatchSize int64
	rateUnit        time.Duration
	clock           func() time.Time
	metricsSrc      *Metrics
	metrics         *trackerMetrics

	received  int64
	processed int64
	started   time.Time
	reports   int64
}

// NewTracker creates a tracker.
func NewTracker(opts ...Option) (*Tracker, error) {
	t := &Tracker{
		logger:          slog.Default(),
		action:          "processing",
		itemsName:       "items",
		reportBatchSize: defaultReportBatchSize,
		rateUnit:        defaultRateUnit,
		clock:           time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}

	var errs []error
	if t.logger == nil {
		errs = append(errs, errors.New("logger is required"))
	}
	if t.action == "" {
		errs = append(errs, errors.New("action must not be blank"))
	}
	if t.itemsName == "" {
		errs = append(errs, errors.New("items name must not be blank"))
	}
	if t.reportBatchSize <= 0 {
		errs = append(errs, fmt.Errorf("report batch size must be positive, got %d", t.reportBatchSize))
	}
	if t.rateUnit < time.Millisecond {
		errs = append(errs, fmt.Errorf("rate unit must be at least 1ms, got %s", t.rateUnit))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}

	t.metrics = t.metricsSrc.bind(t.action+"/"+t.itemsName, t.rateUnit.String())
	return t, nil
}

// ItemReceived marks one item as received.
func (t *Tracker) ItemReceived() {
	t.ItemsReceived(1)
}

// ItemsReceived marks n items as received.
func (t *Tracker) ItemsReceived(n int64) {
	if n <= 0 {
		return
	}
	if t.received == 0 {
		t.started = t.clock()
	}
	t.received += n
	if t.metrics != nil {
		t.metrics.received.Add(float64(n))
	}
}

// ItemProcessed marks one item as processed.
func (t *Tracker) ItemProcessed() error {
	return t.ItemsProcessed(1)
}

// ItemsProcessed marks n items as processed and reports when the processed
// count crosses a multiple of the report batch size.
func (t *Tracker) ItemsProcessed(n int64) error {
	if n <= 0 {
		return nil
	}
	if t.processed+n > t.received {
		return fmt.Errorf("%w: processed %d + %d, received %d", ErrProcessedExceedsReceived, t.processed, n, t.received)
	}

	before := t.processed / t.reportBatchSize
	t.processed += n
	if t.metrics != nil {
		t.metrics.processed.Add(float64(n))
	}
	if t.processed/t.reportBatchSize > before {
		t.Report()
	}
	return nil
}

// ReceivedCount returns the number of received items.
func (t *Tracker) ReceivedCount() int64 { return t.received }

// ProcessedCount returns the number of processed items.
func (t *Tracker) ProcessedCount() int64 { return t.processed }

// Reports returns how many reports have been emitted since the last Reset.
func (t *Tracker) Reports() int64 { return t.reports }

// Elapsed returns the time since the first item was received.
func (t *Tracker) Elapsed() time.Duration {
	if t.received == 0 {
		return 0
	}
	return t.clock().Sub(t.started)
}

// Rate returns processed items per rate unit. Elapsed time is rounded up to
// one millisecond so early reports do not divide by zero.
func (t *Tracker) Rate() float64 {
	elapsed := t.Elapsed()
	if elapsed < time.Millisecond {
		elapsed = time.Millisecond
	}
	return float64(t.processed) / (float64(elapsed) / float64(t.rateUnit))
}

// Report logs the current progress and updates the rate gauge.
func (t *Tracker) Report() {
	t.reports++
	rate := t.Rate()
	if t.metrics != nil {
		t.metrics.rate.Set(rate)
	}
	t.logger.Info("throughput",
		"action", t.action,
		"items", t.itemsName,
		"received", t.received,
		"processed", t.processed,
		"elapsed", t.Elapsed().Round(time.Millisecond).String(),
		"rate", fmt.Sprintf("%.3f %s/%s", rate, t.itemsName, unitName(t.rateUnit)),
	)
}

// Reset clears all counters and timers.
func (t *Tracker) Reset() {
	t.received = 0
	t.processed = 0
	t.reports = 0
	t.started = time.Time{}
}

func unitName(unit time.Duration) string {
	switch unit {
	case time.Millisecond:
		return "ms"
	case time.Second:
		return "s"
	case time.Minute:
		return "min"
	case time.Hour:
		return "h"
	default:
		return unit.String()
	}
}
