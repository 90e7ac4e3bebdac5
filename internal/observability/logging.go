package observability

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"go.opentelemetry.io/otel/trace"
)

// Log formats.
const (
	FormatJSON = "json"
	FormatText = "text"
)

// LogConfig is the logging section of a projector definition.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn or error; default info
	Format string `yaml:"format"` // json or text; default json
}

// Validate rejects unknown levels and formats.
func (c LogConfig) Validate() error {
	var errs []error
	if c.Level != "" {
		if _, err := ParseLogLevel(c.Level); err != nil {
			errs = append(errs, err)
		}
	}
	switch c.Format {
	case "", FormatJSON, FormatText:
	default:
		errs = append(errs, fmt.Errorf("format must be %s or %s, got %q", FormatJSON, FormatText, c.Format))
	}
	return errors.Join(errs...)
}

// NewLogger builds the logger of one projector process. Every record carries
// the projector name, when set, and the trace and span ids of the span found
// in the context passed to the *Context logging methods.
// PROJECTOR_LOG_LEVEL overrides cfg.Level.
func NewLogger(w io.Writer, projector string, cfg LogConfig) *slog.Logger {
	opts := &slog.HandlerOptions{Level: GetLogLevel(cfg.Level)}
	var h slog.Handler
	if cfg.Format == FormatText {
		h = slog.NewTextHandler(w, opts)
	} else {
		h = slog.NewJSONHandler(w, opts)
	}
	logger := slog.New(traceHandler{h})
	if projector != "" {
		logger = logger.With("projector", projector)
	}
	return logger
}

// WithTraceContext returns logger with trace ids added to records whose
// context holds a valid span. Loggers from NewLogger already do this.
func WithTraceContext(logger *slog.Logger) *slog.Logger {
	if _, ok := logger.Handler().(traceHandler); ok {
		return logger
	}
	return slog.New(traceHandler{logger.Handler()})
}

type traceHandler struct {
	slog.Handler
}

func (h traceHandler) Handle(ctx context.Context, r slog.Record) error {
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		r.AddAttrs(
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}
	return h.Handler.Handle(ctx, r)
}

func (h traceHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return traceHandler{h.Handler.WithAttrs(attrs)}
}

func (h traceHandler) WithGroup(name string) slog.Handler {
	return traceHandler{h.Handler.WithGroup(name)}
}

// ParseLogLevel parses debug, info, warn (or warning) and error,
// case-insensitively.
func ParseLogLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
	}
}

// GetLogLevel returns the effective level: PROJECTOR_LOG_LEVEL when set and
// valid, otherwise configured, otherwise info.
func GetLogLevel(configured string) slog.Level {
	if env := os.Getenv("PROJECTOR_LOG_LEVEL"); env != "" {
		if level, err := ParseLogLevel(env); err == nil {
			return level
		}
	}
	level, _ := ParseLogLevel(configured)
	return level
}
