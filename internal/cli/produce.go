package cli

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/time/rate"

	"github.com/lsm/projector/internal/chunk"
	"github.com/lsm/projector/internal/event"
	"github.com/lsm/projector/internal/kafka"
	"github.com/lsm/projector/internal/observability"
	"github.com/lsm/projector/internal/sink"
	kafkasink "github.com/lsm/projector/internal/sink/kafka"
)

// Record is the event type produced and consumed by the commands.
type Record = event.Event[[]byte, []byte]

// newSinkFunc creates the sink produce writes to. Tests replace it.
var newSinkFunc = newKafkaSink

func newKafkaSink(t target, logger *slog.Logger) (sink.Sink[*Record], error) {
	pool := kafka.NewPublisherPool(kafka.NewRegistry(), kafka.WithLogger(logger))
	pub, err := pool.GetForConfig(t.cluster)
	if err != nil {
		return nil, fmt.Errorf("create kafka publisher: %w", err)
	}
	s, err := kafkasink.NewSink(pub, kafkasink.Config{Topic: t.topic}, logger)
	if err != nil {
		_ = pool.Close()
		return nil, err
	}
	return &poolSink{Sink: s, pool: pool}, nil
}

// poolSink releases the producer client together with the sink.
type poolSink struct {
	*kafkasink.Sink
	pool *kafka.PublisherPool
}

func (s *poolSink) Close() error {
	return errors.Join(s.Sink.Close(), s.pool.Close())
}

const produceUsage = `Usage: projectorctl produce [--config <file> [--output] | --brokers <addrs>] [--topic <name>] (--file <path> | --json <data>) [options]

Produces events to a Kafka topic, by default the source topic of a projector.

Flags:
  --config      Projector definition; its source cluster and topic are used
  --output      With --config, target the projector's sink topic instead
  --brokers     Kafka broker addresses without --config (default: localhost:9092)
  --topic       Topic name (required without --config)
  --file        JSON lines file, one event per line
  --raw         Send the whole --file as a single event without JSON checks
  --json        Inline JSON data for a single event
  --key         Event key
  --header      Header as key=value, may be repeated
  --count       Number of events to produce (default: 1 for --json, all lines for --file)
  --rate        Minimum interval between events (e.g. 100ms, 1s). Default: no limiting
  --chunk-size  Split payloads larger than this many bytes into chunks
  --checksum    Chunk checksum algorithm (default: crc32)
  --hash        Payload hash algorithm (default: sha256)

Examples:
  projectorctl produce --config projector.yaml --json '{"order_id":"TEST-001"}'
  projectorctl produce --topic orders --file orders.jsonl --rate 100ms
  projectorctl produce --topic blobs --file big.bin --raw --chunk-size 65536`

// RunProduce produces events to Kafka.
func RunProduce(args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	return runProduce(ctx, args, os.Stdout)
}

type produceOptions struct {
	filePath   string
	raw        bool
	inlineJSON string
	key        []byte
	headers    []event.Header
	count      int
	interval   time.Duration
}

func runProduce(ctx context.Context, args []string, stdout io.Writer) error {
	if len(args) > 0 && (args[0] == "-h" || args[0] == "--help") {
		_, _ = fmt.Fprintln(stdout, produceUsage)
		return nil
	}

	opts, err := parseProduceOptions(args)
	if err != nil {
		return err
	}

	splitter, err := parseSplitter(args)
	if err != nil {
		return err
	}

	t, err := resolveTarget(args)
	if err != nil {
		return err
	}

	logger := observability.NewLogger(os.Stderr, "", observability.LogConfig{Level: "warn", Format: observability.FormatText})
	out, err := newSinkFunc(t, logger)
	if err != nil {
		return err
	}
	if splitter != nil {
		out = chunk.NewSplittingSink[[]byte](splitter, out)
	}
	defer func() { _ = out.Close() }()

	p := &producer{
		out:     out,
		opts:    opts,
		stdout:  stdout,
		topic:   t.topic,
		limiter: rate.NewLimiter(rate.Inf, 1),
	}
	if opts.interval > 0 {
		p.limiter = rate.NewLimiter(rate.Every(opts.interval), 1)
	}

	switch {
	case opts.inlineJSON != "":
		err = p.produceInline(ctx)
	case opts.raw:
		err = p.produceRaw(ctx)
	default:
		err = p.produceLines(ctx)
	}
	if err != nil {
		return err
	}

	_, _ = fmt.Fprintf(stdout, "Successfully produced %d event(s) to %s\n", p.produced, t.topic)
	return nil
}

func parseProduceOptions(args []string) (produceOptions, error) {
	var opts produceOptions
	var err error

	opts.filePath, _ = parseStringFlag(args, "--file")
	opts.inlineJSON, _ = parseStringFlag(args, "--json")
	opts.raw = hasFlag(args, "--raw")
	if key, _ := parseStringFlag(args, "--key"); key != "" {
		opts.key = []byte(key)
	}

	if opts.filePath == "" && opts.inlineJSON == "" {
		return opts, errors.New("either --file or --json must be specified")
	}
	if opts.filePath != "" && opts.inlineJSON != "" {
		return opts, errors.New("cannot specify both --file and --json")
	}
	if opts.raw && opts.filePath == "" {
		return opts, errors.New("--raw requires --file")
	}

	defaultCount := 0
	if opts.inlineJSON != "" {
		defaultCount = 1
	}
	if opts.count, err = parseIntFlag(args, "--count", defaultCount); err != nil {
		return opts, err
	}

	if rateStr, _ := parseStringFlag(args, "--rate"); rateStr != "" {
		if opts.interval, err = time.ParseDuration(rateStr); err != nil {
			return opts, fmt.Errorf("invalid rate duration: %w", err)
		}
	}

	for i, arg := range args {
		if arg != "--header" {
			continue
		}
		if i+1 >= len(args) {
			return opts, errors.New("flag --header requires a value")
		}
		k, v, ok := strings.Cut(args[i+1], "=")
		if !ok || k == "" {
			return opts, fmt.Errorf("invalid header %q: want key=value", args[i+1])
		}
		opts.headers = append(opts.headers, event.NewHeader(k, v))
	}
	return opts, nil
}

func parseSplitter(args []string) (*chunk.Splitter, error) {
	sizeStr, err := parseStringFlag(args, "--chunk-size")
	if err != nil || sizeStr == "" {
		return nil, err
	}
	size, err := parseIntFlag(args, "--chunk-size", 0)
	if err != nil {
		return nil, err
	}
	var opts []chunk.SplitterOption
	if id, _ := parseStringFlag(args, "--checksum"); id != "" {
		opts = append(opts, chunk.WithChecksum(id))
	}
	if id, _ := parseStringFlag(args, "--hash"); id != "" {
		opts = append(opts, chunk.WithHash(id))
	}
	return chunk.NewSplitter(size, opts...)
}

type producer struct {
	out      sink.Sink[*Record]
	opts     produceOptions
	stdout   io.Writer
	topic    string
	limiter  *rate.Limiter
	produced int
}

func (p *producer) send(ctx context.Context, value []byte) error {
	if err := p.limiter.Wait(ctx); err != nil {
		return err
	}
	evt := event.New(p.opts.headers, p.opts.key, value)
	if err := p.out.Send(ctx, evt); err != nil {
		return err
	}
	p.produced++
	return nil
}

func (p *producer) produceInline(ctx context.Context) error {
	if !json.Valid([]byte(p.opts.inlineJSON)) {
		return errors.New("invalid json: --json must be a JSON document")
	}
	for i := 0; i < p.opts.count; i++ {
		if err := p.send(ctx, []byte(p.opts.inlineJSON)); err != nil {
			return fmt.Errorf("publish event %d: %w", i+1, err)
		}
		_, _ = fmt.Fprintf(p.stdout, "Produced event %d to topic %s\n", i+1, p.topic)
	}
	return nil
}

func (p *producer) produceRaw(ctx context.Context) error {
	data, err := os.ReadFile(p.opts.filePath)
	if err != nil {
		return fmt.Errorf("open file: %w", err)
	}
	count := max(p.opts.count, 1)
	for i := 0; i < count; i++ {
		if err := p.send(ctx, data); err != nil {
			return fmt.Errorf("publish event %d: %w", i+1, err)
		}
		_, _ = fmt.Fprintf(p.stdout, "Produced event %d (%d bytes) to topic %s\n", i+1, len(data), p.topic)
	}
	return nil
}

func (p *producer) produceLines(ctx context.Context) error {
	file, err := os.Open(p.opts.filePath)
	if err != nil {
		return fmt.Errorf("open file: %w", err)
	}
	defer func() { _ = file.Close() }()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), 16<<20)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if !json.Valid([]byte(line)) {
			return fmt.Errorf("invalid json on line %d", lineNum)
		}
		if err := p.send(ctx, []byte(line)); err != nil {
			return fmt.Errorf("publish event from line %d: %w", lineNum, err)
		}
		_, _ = fmt.Fprintf(p.stdout, "Produced event %d (line %d) to topic %s\n", p.produced, lineNum, p.topic)

		if p.opts.count > 0 && p.produced >= p.opts.count {
			break
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read file: %w", err)
	}
	if p.produced == 0 {
		return errors.New("no valid json events found in file")
	}
	return nil
}
