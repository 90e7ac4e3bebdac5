package projector

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/lsm/projector/internal/observability"
	"github.com/lsm/projector/internal/periodic"
	"github.com/lsm/projector/internal/throughput"
)

// Defaults applied by NewDriver.
const (
	DefaultPollTimeout      = time.Second
	DefaultMaxStalls        = 100
	DefaultReportBatchSize  = 10000
	DefaultStallLogInterval = 30 * time.Second
)

type settings struct {
	limit            int64
	unlimited        bool
	maxStalls        int64
	unlimitedStalls  bool
	pollTimeout      time.Duration
	reportBatchSize  int64
	stallLogInterval time.Duration
	name             string
	logger           *slog.Logger
	tracer           trace.Tracer
	metrics          *observability.Metrics
	throughput       *throughput.Metrics
	acknowledge      bool
	onState          func(State)
}

func defaultSettings() settings {
	return settings{
		unlimited:        true,
		maxStalls:        DefaultMaxStalls,
		pollTimeout:      DefaultPollTimeout,
		reportBatchSize:  DefaultReportBatchSize,
		stallLogInterval: DefaultStallLogInterval,
		name:             "projector",
		logger:           slog.Default(),
		acknowledge:      true,
	}
}

func (s settings) validate() error {
	var errs []error
	if !s.unlimited && s.limit <= 0 {
		errs = append(errs, fmt.Errorf("limit must be positive, got %d", s.limit))
	}
	if !s.unlimitedStalls && s.maxStalls < 0 {
		errs = append(errs, fmt.Errorf("max stalls must not be negative, got %d", s.maxStalls))
	}
	if s.pollTimeout <= 0 {
		errs = append(errs, fmt.Errorf("poll timeout must be positive, got %s", s.pollTimeout))
	}
	if s.reportBatchSize <= 0 {
		errs = append(errs, fmt.Errorf("report batch size must be positive, got %d", s.reportBatchSize))
	}
	if s.stallLogInterval < periodic.MinInterval {
		errs = append(errs, fmt.Errorf("stall log interval must be at least %s, got %s", periodic.MinInterval, s.stallLogInterval))
	}
	if strings.TrimSpace(s.name) == "" {
		errs = append(errs, errors.New("name must not be blank"))
	}
	if s.logger == nil {
		errs = append(errs, errors.New("logger is required"))
	}
	return errors.Join(errs...)
}

// Option configures a Driver.
type Option func(*settings)

// WithLimit stops the driver after n projected events.
func WithLimit(n int64) Option {
	return func(s *settings) {
		s.limit = n
		s.unlimited = false
	}
}

// Unlimited removes the event limit. This is the default.
func Unlimited() Option {
	return func(s *settings) {
		s.limit = 0
		s.unlimited = true
	}
}

// WithMaxStalls aborts the driver once more than n consecutive polls yield
// no event from a source that is neither closed nor exhausted.
func WithMaxStalls(n int64) Option {
	return func(s *settings) {
		s.maxStalls = n
		s.unlimitedStalls = false
	}
}

// UnlimitedStalls lets the driver wait for events forever.
func UnlimitedStalls() Option {
	return func(s *settings) {
		s.maxStalls = 0
		s.unlimitedStalls = true
	}
}

// WithPollTimeout bounds each poll and therefore how quickly Cancel is observed.
func WithPollTimeout(d time.Duration) Option {
	return func(s *settings) { s.pollTimeout = d }
}

// WithReportBatchSize sets how many events trigger a throughput report.
func WithReportBatchSize(n int64) Option {
	return func(s *settings) { s.reportBatchSize = n }
}

// WithStallLogInterval sets how often "still waiting" is logged while stalled.
func WithStallLogInterval(d time.Duration) Option {
	return func(s *settings) { s.stallLogInterval = d }
}

// WithName names the driver in logs, spans and metrics.
func WithName(name string) Option {
	return func(s *settings) { s.name = name }
}

// WithLogger sets the driver logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *settings) { s.logger = logger }
}

// WithTracer enables a span per projected event.
func WithTracer(tracer trace.Tracer) Option {
	return func(s *settings) { s.tracer = tracer }
}

// WithMetrics records driver activity.
func WithMetrics(m *observability.Metrics) Option {
	return func(s *settings) { s.metrics = m }
}

// WithThroughputMetrics exports the throughput tracker.
func WithThroughputMetrics(m *throughput.Metrics) Option {
	return func(s *settings) { s.throughput = m }
}

// WithAcknowledge controls whether projected events are acknowledged on
// their source. Enabled by default.
func WithAcknowledge(ack bool) Option {
	return func(s *settings) { s.acknowledge = ack }
}

// WithStateListener is called on every state transition, from the goroutine
// running the driver.
func WithStateListener(fn func(State)) Option {
	return func(s *settings) { s.onState = fn }
}
