// Package periodic runs an action at most once per interval.
package periodic

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// MinInterval is the shortest interval an Action accepts.
const MinInterval = 10 * time.Millisecond

// Func is the wrapped action. It returns true when it actually performed
// work; only then does the interval restart.
type Func func() (bool, error)

// Option configures an Action.
type Option func(*Action)

// WithLogger sets the logger used to report action failures.
func WithLogger(logger *slog.Logger) Option {
	return func(a *Action) { a.logger = logger }
}

// WithName labels log lines from this action.
func WithName(name string) Option {
	return func(a *Action) { a.name = name }
}

// WithClock overrides the time source. Used by tests.
func WithClock(clock func() time.Time) Option {
	return func(a *Action) { a.clock = clock }
}

// Action meters calls to a function so it runs at most once per interval.
// The owner must call CancelAutoTrigger during teardown if AutoTrigger was used.
type Action struct {
	interval time.Duration
	fn       Func
	logger   *slog.Logger
	name     string
	clock    func() time.Time

	mu         sync.Mutex
	lastRun    time.Time
	executions int64
	failures   int64

	triggerMu sync.Mutex
	stop      chan struct{}
	done      chan struct{}
}

// New creates an Action. Intervals below MinInterval are rejected.
func New(interval time.Duration, fn Func, opts ...Option) (*Action, error) {
	if fn == nil {
		return nil, fmt.Errorf("action is required")
	}
	if interval < MinInterval {
		return nil, fmt.Errorf("interval %s is below the minimum of %s", interval, MinInterval)
	}
	a := &Action{
		interval: interval,
		fn:       fn,
		logger:   slog.Default(),
		name:     "periodic",
		clock:    time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// Interval returns the configured interval.
func (a *Action) Interval() time.Duration { return a.interval }

// Run invokes the action unless it last did work less than one interval ago.
// Errors and panics from the action are counted and logged, never returned.
func (a *Action) Run() {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.clock()
	if !a.lastRun.IsZero() && now.Sub(a.lastRun) < a.interval {
		return
	}

	if a.invoke() {
		a.lastRun = now
		a.executions++
	}
}

func (a *Action) invoke() (ran bool) {
	defer func() {
		if r := recover(); r != nil {
			a.failures++
			a.logger.Error("periodic action panicked", "action", a.name, "panic", r)
			ran = false
		}
	}()

	ran, err := a.fn()
	if err != nil {
		a.failures++
		a.logger.Error("periodic action failed", "action", a.name, "error", err)
		return false
	}
	return ran
}

// Executions returns how many runs reported that they did work.
func (a *Action) Executions() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.executions
}

// Failures returns how many runs returned an error or panicked.
func (a *Action) Failures() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.failures
}

// AutoTrigger starts a background goroutine that calls Run every interval.
// Calling it again while running is a no-op.
func (a *Action) AutoTrigger() {
	a.triggerMu.Lock()
	defer a.triggerMu.Unlock()

	if a.stop != nil {
		return
	}
	stop := make(chan struct{})
	done := make(chan struct{})
	a.stop, a.done = stop, done

	go func() {
		defer close(done)
		ticker := time.NewTicker(a.interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				a.Run()
			}
		}
	}()
}

// IsAutoTriggered reports whether the background goroutine is running.
func (a *Action) IsAutoTriggered() bool {
	a.triggerMu.Lock()
	defer a.triggerMu.Unlock()
	return a.stop != nil
}

// CancelAutoTrigger stops the background goroutine and waits for it to exit.
// Safe to call when AutoTrigger was never called or was already cancelled.
func (a *Action) CancelAutoTrigger() {
	a.triggerMu.Lock()
	defer a.triggerMu.Unlock()

	if a.stop == nil {
		return
	}
	close(a.stop)
	<-a.done
	a.stop, a.done = nil, nil
}
