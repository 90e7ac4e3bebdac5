package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lsm/projector/internal/chunk"
	"github.com/lsm/projector/internal/observability"
	"github.com/lsm/projector/internal/source"
	kafkasource "github.com/lsm/projector/internal/source/kafka"
)

const consumePollTimeout = time.Second

// newSourceFunc creates the source consume reads from. Tests replace it.
var newSourceFunc = func(t target, group, startOffset string, logger *slog.Logger) (source.EventSource[[]byte, []byte], error) {
	return kafkasource.NewSource(kafkasource.Config{
		Cluster:       t.cluster,
		Topic:         t.topic,
		ConsumerGroup: group,
		StartOffset:   startOffset,
	}, logger, nil)
}

const consumeUsage = `Usage: projectorctl consume [--config <file> [--output] | --brokers <addrs>] [--topic <name>] [options]

Consumes and displays events from a Kafka topic for debugging, by default the
source topic of a projector.

Options:
  --config <file>        Projector definition; its source cluster and topic are used
  --output               With --config, read the projector's sink topic instead
  --brokers <addrs>      Kafka broker addresses without --config (default: localhost:9092)
  --topic <name>         Kafka topic (required without --config)
  --group <name>         Consumer group (default: projectorctl-<unix time>)
  --from-beginning       Start from the earliest offset instead of latest
  --max-messages <n>     Maximum number of messages to consume (default: 10)
  --follow               Continuously consume new messages (like tail -f)
  --combine              Reassemble chunked events before printing

Examples:
  projectorctl consume --config projector.yaml --output --max-messages 5
  projectorctl consume --topic orders --from-beginning --combine
  projectorctl consume --topic orders --follow`

// RunConsume consumes and displays events from Kafka.
func RunConsume(args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	return runConsume(ctx, args, os.Stdout)
}

func runConsume(ctx context.Context, args []string, stdout io.Writer) error {
	if len(args) > 0 && (args[0] == "-h" || args[0] == "--help") {
		_, _ = fmt.Fprintln(stdout, consumeUsage)
		return nil
	}

	follow := hasFlag(args, "--follow")
	maxMessages, err := parseIntFlag(args, "--max-messages", 10)
	if err != nil {
		return err
	}
	group, err := parseStringFlag(args, "--group")
	if err != nil {
		return err
	}
	if group == "" {
		group = fmt.Sprintf("projectorctl-%d", time.Now().Unix())
	}
	startOffset := "latest"
	if hasFlag(args, "--from-beginning") {
		startOffset = "earliest"
	}

	t, err := resolveTarget(args)
	if err != nil {
		return err
	}

	logger := observability.NewLogger(os.Stderr, "", observability.LogConfig{Level: "warn", Format: observability.FormatText})
	src, err := newSourceFunc(t, group, startOffset, logger)
	if err != nil {
		return fmt.Errorf("create kafka source: %w", err)
	}
	if hasFlag(args, "--combine") {
		combiner, err := chunk.NewCombiningSource[[]byte](src, chunk.WithLogger[[]byte](logger))
		if err != nil {
			_ = src.Close()
			return err
		}
		src = combiner
	}
	defer func() { _ = src.Close() }()

	_, _ = fmt.Fprintf(stdout, "Consuming from topic: %s\n", t.topic)
	_, _ = fmt.Fprintf(stdout, "Offset: %s\n", startOffset)
	if follow {
		_, _ = fmt.Fprintln(stdout, "Mode: follow (continuous)")
	} else {
		_, _ = fmt.Fprintf(stdout, "Max messages: %d\n", maxMessages)
	}
	_, _ = fmt.Fprintln(stdout)

	limit := maxMessages
	if follow {
		limit = 0
	}
	n, err := consume(ctx, src, stdout, limit)
	if err != nil && ctx.Err() == nil {
		return fmt.Errorf("consume error: %w", err)
	}
	if !follow {
		_, _ = fmt.Fprintf(stdout, "\nConsumed %d message(s)\n", n)
	}
	return nil
}

// consume prints events until limit is reached (0 means no limit), the
// source is exhausted or closed, or ctx is done. Printed events are
// acknowledged so their offsets get committed.
func consume(ctx context.Context, src source.EventSource[[]byte, []byte], w io.Writer, limit int) (int, error) {
	count := 0
	for limit == 0 || count < limit {
		evt, err := src.Poll(ctx, consumePollTimeout)
		if err != nil {
			if errors.Is(err, source.ErrClosed) {
				return count, nil
			}
			return count, err
		}
		if evt == nil {
			if ctx.Err() != nil {
				return count, ctx.Err()
			}
			if src.IsExhausted() {
				return count, nil
			}
			continue
		}
		printEvent(w, evt)
		src.Processed(evt)
		count++
	}
	return count, nil
}

// printEvent pretty-prints an event.
func printEvent(w io.Writer, evt *Record) {
	_, _ = fmt.Fprintf(w, "---\n")
	_, _ = fmt.Fprintf(w, "Key:       %s\n", string(evt.Key()))

	if headers := evt.Headers(); len(headers) > 0 {
		_, _ = fmt.Fprintf(w, "Headers:\n")
		for _, h := range headers {
			_, _ = fmt.Fprintf(w, "  %s: %s\n", h.Key(), h.Value())
		}
	}

	var value any
	if err := json.Unmarshal(evt.Value(), &value); err == nil {
		pretty, _ := json.MarshalIndent(value, "  ", "  ")
		_, _ = fmt.Fprintf(w, "Value:\n  %s\n", string(pretty))
	} else {
		_, _ = fmt.Fprintf(w, "Value:     %s\n", string(evt.Value()))
	}
	_, _ = fmt.Fprintln(w)
}
