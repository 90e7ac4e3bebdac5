package projector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/lsm/projector/internal/event"
	"github.com/lsm/projector/internal/periodic"
	"github.com/lsm/projector/internal/sink"
	"github.com/lsm/projector/internal/source"
	"github.com/lsm/projector/internal/throughput"
	"github.com/lsm/projector/internal/tracing"
)

var (
	// ErrAlreadyStarted is returned by Run on a driver that is not in StateCreated.
	ErrAlreadyStarted = errors.New("driver already started")

	// ErrStalled is matched by the error of a driver aborted after too many
	// consecutive empty polls.
	ErrStalled = errors.New("source stalled")
)

// State is the driver lifecycle state.
type State int32

const (
	StateCreated State = iota
	StateRunning
	StateCompleted
	StateCancelled
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateRunning:
		return "running"
	case StateCompleted:
		return "completed"
	case StateCancelled:
		return "cancelled"
	case StateAborted:
		return "aborted"
	default:
		return "unknown(" + strconv.Itoa(int(s)) + ")"
	}
}

// Terminal reports whether s is a final state.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateCancelled || s == StateAborted
}

// Driver runs the poll, project and report loop. Run must be called once;
// Cancel, State, Processed and Stalls are safe from any goroutine.
type Driver[K, V, O any] struct {
	cfg        settings
	src        source.EventSource[K, V]
	proj       Projector[K, V, O]
	stallAware StallAware[O]
	out        sink.Sink[O]
	logger     *slog.Logger

	state       atomic.Int32
	cancelled   atomic.Bool
	processed   atomic.Int64
	stalls      atomic.Int64
	consecutive int64

	tracker         *throughput.Tracker
	heartbeat       *periodic.Action
	zeroRemaining   rate.Sometimes
	stuckRemaining  rate.Sometimes
	lastRemaining   int64
	remainingRepeat int
}

// NewDriver creates a driver reading from src, projecting with proj and
// writing to out. The driver owns src and closes it when it stops; out stays
// open for the caller to close.
func NewDriver[K, V, O any](src source.EventSource[K, V], proj Projector[K, V, O], out sink.Sink[O], opts ...Option) (*Driver[K, V, O], error) {
	cfg := defaultSettings()
	for _, opt := range opts {
		opt(&cfg)
	}

	var errs []error
	if src == nil {
		errs = append(errs, errors.New("source is required"))
	}
	if proj == nil {
		errs = append(errs, errors.New("projector is required"))
	}
	if out == nil {
		errs = append(errs, errors.New("sink is required"))
	}
	errs = append(errs, cfg.validate())
	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("invalid driver configuration: %w", err)
	}

	d := &Driver[K, V, O]{
		cfg:            cfg,
		src:            src,
		proj:           proj,
		out:            out,
		logger:         cfg.logger.With("driver", cfg.name),
		zeroRemaining:  rate.Sometimes{First: 1, Interval: time.Minute},
		stuckRemaining: rate.Sometimes{First: 1, Interval: time.Minute},
		lastRemaining:  -1,
	}
	if sa, ok := any(proj).(StallAware[O]); ok {
		d.stallAware = sa
	}

	tracker, err := throughput.NewTracker(
		throughput.WithLogger(d.logger),
		throughput.WithAction("projecting"),
		throughput.WithItemsName("events"),
		throughput.WithReportBatchSize(cfg.reportBatchSize),
		throughput.WithMetrics(cfg.throughput),
	)
	if err != nil {
		return nil, err
	}
	d.tracker = tracker

	d.heartbeat, err = periodic.New(cfg.stallLogInterval, d.logStalled,
		periodic.WithLogger(d.logger),
		periodic.WithName(cfg.name+"-stall-heartbeat"),
	)
	if err != nil {
		return nil, err
	}

	d.setState(StateCreated)
	return d, nil
}

// State returns the current lifecycle state.
func (d *Driver[K, V, O]) State() State { return State(d.state.Load()) }

// Processed returns the number of projected events.
func (d *Driver[K, V, O]) Processed() int64 { return d.processed.Load() }

// Stalls returns the total number of empty polls from a live source.
func (d *Driver[K, V, O]) Stalls() int64 { return d.stalls.Load() }

// Cancel asks a running driver to stop. It is observed before the next poll,
// so the delay is bounded by the poll timeout plus any in-flight Project.
// Repeated calls are no-ops.
func (d *Driver[K, V, O]) Cancel() {
	if d.cancelled.CompareAndSwap(false, true) {
		d.logger.Info("driver cancellation requested")
	}
}

// Run drives the loop until a terminal state is reached. It returns nil on
// completion or cancellation, including cancellation of ctx. An aborted
// driver returns the cause; a stall abort matches ErrStalled. A panic from
// the projector or sink aborts the driver, closes the source and is then
// re-raised.
func (d *Driver[K, V, O]) Run(ctx context.Context) (err error) {
	if !d.state.CompareAndSwap(int32(StateCreated), int32(StateRunning)) {
		return ErrAlreadyStarted
	}
	d.setState(StateRunning)
	d.logger.Info("driver starting",
		"limit", d.describeLimit(),
		"max_stalls", d.describeStalls(),
		"poll_timeout", d.cfg.pollTimeout.String(),
	)

	final, runErr := StateAborted, error(nil)
	defer func() {
		r := recover()
		if r != nil {
			final, runErr = StateAborted, fmt.Errorf("driver panic: %v", r)
		}
		err = d.finish(final, runErr)
		if r != nil {
			panic(r)
		}
	}()

	final, runErr = d.loop(ctx)
	return nil
}

// finish closes the source and publishes the terminal state.
func (d *Driver[K, V, O]) finish(final State, runErr error) error {
	var closeErr error
	if err := d.src.Close(); err != nil {
		closeErr = fmt.Errorf("close source: %w", err)
	}
	if d.tracker.ProcessedCount() > 0 {
		d.tracker.Report()
	}
	d.setState(final)

	switch final {
	case StateAborted:
		d.logger.Error("driver aborted", "processed", d.Processed(), "stalls", d.Stalls(), "error", runErr)
	default:
		d.logger.Info("driver stopped", "state", final.String(), "processed", d.Processed(), "stalls", d.Stalls())
	}
	return errors.Join(runErr, closeErr)
}

func (d *Driver[K, V, O]) loop(ctx context.Context) (State, error) {
	for {
		if d.cancelled.Load() || ctx.Err() != nil {
			return StateCancelled, nil
		}
		if !d.cfg.unlimited && d.processed.Load() >= d.cfg.limit {
			return StateCompleted, nil
		}

		evt, err := d.src.Poll(ctx, d.cfg.pollTimeout)
		if err != nil {
			if errors.Is(err, source.ErrClosed) {
				return StateCompleted, nil
			}
			return StateAborted, fmt.Errorf("poll source: %w", err)
		}

		if evt == nil {
			if d.cancelled.Load() || ctx.Err() != nil {
				continue
			}
			if d.src.IsClosed() || d.src.IsExhausted() {
				return StateCompleted, nil
			}
			if err := d.stalled(ctx); err != nil {
				return StateAborted, err
			}
			continue
		}

		if err := d.project(ctx, evt); err != nil {
			if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
				return StateCancelled, nil
			}
			return StateAborted, err
		}
	}
}

func (d *Driver[K, V, O]) project(ctx context.Context, evt *event.Event[K, V]) error {
	d.consecutive = 0
	d.tracker.ItemReceived()

	start := time.Now()
	spanCtx, span := tracing.StartSpan(d.upstream(ctx, evt), d.cfg.tracer, tracing.SpanProject,
		trace.WithAttributes(tracing.DriverAttr(d.cfg.name)))
	err := d.proj.Project(spanCtx, evt, d.out)
	if err != nil {
		errType := "project"
		if ctx.Err() != nil {
			errType = "cancelled"
		}
		span.SetAttributes(tracing.ErrorTypeAttr(errType))
		tracing.SetSpanError(span, err)
		span.End()
		if m := d.cfg.metrics; m != nil {
			m.EventsTotal.WithLabelValues(d.cfg.name, "failed").Inc()
		}
		return fmt.Errorf("project event: %w", err)
	}
	tracing.SetSpanOK(span)
	span.End()

	if m := d.cfg.metrics; m != nil {
		m.EventsTotal.WithLabelValues(d.cfg.name, "projected").Inc()
		m.ProjectDuration.WithLabelValues(d.cfg.name).Observe(time.Since(start).Seconds())
	}

	if d.cfg.acknowledge {
		if origin := evt.Source(); origin != nil {
			origin.Processed(evt)
		} else {
			d.src.Processed(evt)
		}
	}
	d.processed.Add(1)
	if err := d.tracker.ItemProcessed(); err != nil {
		return err
	}

	if n, known := d.src.Remaining(); known && n == 0 && !d.src.IsExhausted() && d.src.AvailableImmediately() {
		d.zeroRemaining.Do(func() {
			d.logger.Debug("source reports no remaining events but has more available")
		})
	}
	return nil
}

// upstream returns ctx carrying the trace context found in the event headers,
// so the project span continues the trace of the producer.
func (d *Driver[K, V, O]) upstream(ctx context.Context, evt *event.Event[K, V]) context.Context {
	headers := evt.Headers()
	if len(headers) == 0 {
		return ctx
	}
	carrier := make(map[string]string, len(headers))
	for _, h := range headers {
		carrier[h.Key()] = h.Value()
	}
	return tracing.ExtractHeaders(ctx, carrier)
}

func (d *Driver[K, V, O]) stalled(ctx context.Context) error {
	d.consecutive++
	d.stalls.Add(1)
	if m := d.cfg.metrics; m != nil {
		m.StallsTotal.WithLabelValues(d.cfg.name).Inc()
	}
	d.heartbeat.Run()
	d.checkRemaining()

	if d.stallAware != nil {
		spanCtx, span := tracing.StartSpan(ctx, d.cfg.tracer, tracing.SpanStalled,
			trace.WithAttributes(tracing.DriverAttr(d.cfg.name)))
		err := d.stallAware.Stalled(spanCtx, d.out)
		tracing.SetSpanError(span, err)
		span.End()
		if err != nil {
			return fmt.Errorf("stall callback: %w", err)
		}
	}

	if !d.cfg.unlimitedStalls && d.consecutive > d.cfg.maxStalls {
		return fmt.Errorf("%w: %d consecutive polls without an event (max %d)", ErrStalled, d.consecutive, d.cfg.maxStalls)
	}
	return nil
}

// checkRemaining logs remaining-count discrepancies. It never influences
// the loop.
func (d *Driver[K, V, O]) checkRemaining() {
	n, known := d.src.Remaining()
	if !known {
		return
	}
	if n == d.lastRemaining {
		d.remainingRepeat++
	} else {
		d.lastRemaining, d.remainingRepeat = n, 0
	}
	if n > 0 && d.remainingRepeat > 0 {
		d.stuckRemaining.Do(func() {
			d.logger.Info("source reports remaining events but yields none",
				"remaining", n,
				"consecutive_stalls", d.consecutive,
			)
		})
	}
}

func (d *Driver[K, V, O]) logStalled() (bool, error) {
	d.logger.Info("still waiting for events",
		"consecutive_stalls", d.consecutive,
		"processed", d.Processed(),
	)
	return true, nil
}

func (d *Driver[K, V, O]) setState(s State) {
	d.state.Store(int32(s))
	if m := d.cfg.metrics; m != nil {
		m.DriverState.WithLabelValues(d.cfg.name).Set(float64(s))
	}
	if d.cfg.onState != nil {
		d.cfg.onState(s)
	}
}

func (d *Driver[K, V, O]) describeLimit() string {
	if d.cfg.unlimited {
		return "unlimited"
	}
	return strconv.FormatInt(d.cfg.limit, 10)
}

func (d *Driver[K, V, O]) describeStalls() string {
	if d.cfg.unlimitedStalls {
		return "unlimited"
	}
	return strconv.FormatInt(d.cfg.maxStalls, 10)
}
