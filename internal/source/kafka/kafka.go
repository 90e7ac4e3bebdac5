// Package kafka adapts a Kafka consumer group to the pull-based EventSource.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/lsm/projector/internal/event"
	"github.com/lsm/projector/internal/kafka"
	"github.com/lsm/projector/internal/observability"
	"github.com/lsm/projector/internal/periodic"
	"github.com/lsm/projector/internal/source"
)

// Defaults applied to a zero Config.
const (
	DefaultMaxPollRecords = 500
	DefaultCommitInterval = time.Second
	DefaultLagInterval    = 10 * time.Second

	closeCommitTimeout = 5 * time.Second
)

// Record is the event type produced by the source.
type Record = event.Event[[]byte, []byte]

// Config holds Kafka source configuration.
type Config struct {
	Cluster        *kafka.ClusterConfig // Cluster config with auth/TLS (required)
	Topic          string
	ConsumerGroup  string
	StartOffset    string // "earliest" or "latest" (default: "latest")
	MaxPollRecords int
	CommitInterval time.Duration
	LagInterval    time.Duration
}

func (c *Config) applyDefaults() {
	if c.MaxPollRecords == 0 {
		c.MaxPollRecords = DefaultMaxPollRecords
	}
	if c.CommitInterval == 0 {
		c.CommitInterval = DefaultCommitInterval
	}
	if c.LagInterval == 0 {
		c.LagInterval = DefaultLagInterval
	}
}

// Validate checks the configuration after defaults are applied.
func (c *Config) Validate() error {
	var errs []error
	if c.Cluster == nil {
		errs = append(errs, errors.New("cluster config is required"))
	}
	if c.Topic == "" {
		errs = append(errs, errors.New("topic is required"))
	}
	if c.ConsumerGroup == "" {
		errs = append(errs, errors.New("consumer group is required"))
	}
	switch c.StartOffset {
	case "", "earliest", "latest":
	default:
		errs = append(errs, fmt.Errorf("startOffset must be earliest or latest, got %q", c.StartOffset))
	}
	if c.MaxPollRecords < 0 {
		errs = append(errs, fmt.Errorf("maxPollRecords must be positive, got %d", c.MaxPollRecords))
	}
	if c.CommitInterval < periodic.MinInterval {
		errs = append(errs, fmt.Errorf("commitInterval must be at least %s", periodic.MinInterval))
	}
	if c.LagInterval < periodic.MinInterval {
		errs = append(errs, fmt.Errorf("lagInterval must be at least %s", periodic.MinInterval))
	}
	return errors.Join(errs...)
}

// consumer abstracts the kafka client methods used by Source for testing.
type consumer interface {
	PollRecords(ctx context.Context, maxPollRecords int) kgo.Fetches
	MarkCommitRecords(rs ...*kgo.Record)
	CommitMarkedOffsets(ctx context.Context) error
	Close()
}

// lagFetcher reports the group lag per partition of the consumed topic.
type lagFetcher interface {
	Lag(ctx context.Context) (map[int32]int64, error)
}

type kadmLag struct {
	adm   *kadm.Client
	group string
	topic string
}

func (k kadmLag) Lag(ctx context.Context) (map[int32]int64, error) {
	lags, err := k.adm.Lag(ctx, k.group)
	if err != nil {
		return nil, err
	}
	described, ok := lags[k.group]
	if !ok {
		return nil, fmt.Errorf("group %q was not described", k.group)
	}
	if described.DescribeErr != nil {
		return nil, fmt.Errorf("describe group: %w", described.DescribeErr)
	}
	if described.FetchErr != nil {
		return nil, fmt.Errorf("fetch group offsets: %w", described.FetchErr)
	}
	out := make(map[int32]int64)
	for partition, l := range described.Lag[k.topic] {
		if l.Err == nil {
			out[partition] = l.Lag
		}
	}
	return out, nil
}

// partitionAcks tracks records of one partition handed out but not yet
// committable. Offsets are committed only up to the first unacknowledged one.
type partitionAcks struct {
	pending []*kgo.Record
	acked   map[int64]bool
}

// Source consumes a topic as a consumer group member. Records are committed
// once they and every earlier record of their partition are acknowledged.
type Source struct {
	cfg     Config
	client  consumer
	lag     lagFetcher
	logger  *slog.Logger
	metrics *observability.Metrics

	mu         sync.Mutex
	buffered   []*kgo.Record
	inflight   map[*Record]*kgo.Record
	partitions map[int32]*partitionAcks
	dirty      bool

	lagTotal         int64
	lagKnown         bool
	consumedSinceLag int64

	closed       atomic.Bool
	committer    *periodic.Action
	lagRefresher *periodic.Action
}

// NewSource creates a Kafka source. Nothing is fetched until the first Poll.
// metrics may be nil.
func NewSource(cfg Config, logger *slog.Logger, metrics *observability.Metrics) (*Source, error) {
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid kafka source configuration: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}

	offset := kgo.NewOffset().AtEnd()
	if cfg.StartOffset == "earliest" {
		offset = kgo.NewOffset().AtStart()
	}

	s := &Source{}
	client, err := kafka.NewClient(cfg.Cluster,
		kgo.ConsumerGroup(cfg.ConsumerGroup),
		kgo.ConsumeTopics(cfg.Topic),
		kgo.ConsumeResetOffset(offset),
		kgo.AutoCommitMarks(),
		kgo.AutoCommitInterval(cfg.CommitInterval),
		kafka.WithLogger(logger),
		kgo.OnPartitionsRevoked(func(ctx context.Context, _ *kgo.Client, revoked map[string][]int32) {
			s.revoke(ctx, revoked[cfg.Topic])
		}),
	)
	if err != nil {
		return nil, err
	}

	lag := kadmLag{adm: kadm.NewClient(client), group: cfg.ConsumerGroup, topic: cfg.Topic}
	if err := s.init(cfg, client, lag, logger, metrics); err != nil {
		client.Close()
		return nil, err
	}
	return s, nil
}

func newSource(cfg Config, client consumer, lag lagFetcher, logger *slog.Logger, metrics *observability.Metrics) (*Source, error) {
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &Source{}
	if err := s.init(cfg, client, lag, logger, metrics); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Source) init(cfg Config, client consumer, lag lagFetcher, logger *slog.Logger, metrics *observability.Metrics) error {
	s.cfg = cfg
	s.client = client
	s.lag = lag
	s.logger = logger.With("topic", cfg.Topic, "group", cfg.ConsumerGroup)
	s.metrics = metrics
	s.inflight = make(map[*Record]*kgo.Record)
	s.partitions = make(map[int32]*partitionAcks)

	var err error
	s.committer, err = periodic.New(cfg.CommitInterval, s.commit,
		periodic.WithLogger(s.logger), periodic.WithName("kafka-commit"))
	if err != nil {
		return err
	}
	if lag != nil {
		s.lagRefresher, err = periodic.New(cfg.LagInterval, s.refreshLag,
			periodic.WithLogger(s.logger), periodic.WithName("kafka-lag"))
		if err != nil {
			return err
		}
		s.lagRefresher.AutoTrigger()
	}
	return nil
}

// Poll returns the next buffered record, fetching a new batch when the
// buffer is empty. Retriable fetch errors are logged and skipped.
func (s *Source) Poll(ctx context.Context, timeout time.Duration) (*Record, error) {
	if s.closed.Load() {
		return nil, source.ErrClosed
	}
	if evt := s.next(); evt != nil {
		return evt, nil
	}
	if ctx.Err() != nil {
		return nil, nil
	}
	// Flush acknowledgements that arrived inside the last commit interval.
	s.committer.Run()

	pollCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	fetches := s.client.PollRecords(pollCtx, s.cfg.MaxPollRecords)
	if fetches.IsClientClosed() {
		return nil, source.ErrClosed
	}

	s.mu.Lock()
	s.buffered = append(s.buffered, fetches.Records()...)
	s.mu.Unlock()

	for _, fe := range fetches.Errors() {
		if errors.Is(fe.Err, context.DeadlineExceeded) || errors.Is(fe.Err, context.Canceled) {
			continue
		}
		if kerr.IsRetriable(fe.Err) {
			s.logger.Warn("retriable fetch error", "partition", fe.Partition, "error", fe.Err)
			continue
		}
		return nil, source.Errorf("fetch %s[%d]: %v", fe.Topic, fe.Partition, fe.Err)
	}

	return s.next(), nil
}

func (s *Source) next() *Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.buffered) == 0 {
		return nil
	}
	rec := s.buffered[0]
	s.buffered[0] = nil
	s.buffered = s.buffered[1:]

	headers := make([]event.Header, 0, len(rec.Headers))
	for _, h := range rec.Headers {
		headers = append(headers, event.NewRawHeader(h.Key, h.Value))
	}
	evt := event.New(headers, rec.Key, rec.Value).WithSource(s)

	s.inflight[evt] = rec
	acks, ok := s.partitions[rec.Partition]
	if !ok {
		acks = &partitionAcks{acked: make(map[int64]bool)}
		s.partitions[rec.Partition] = acks
	}
	acks.pending = append(acks.pending, rec)
	s.consumedSinceLag++
	return evt
}

// Processed acknowledges events handed out by this source. Unknown events are
// ignored. Commits are flushed at most once per CommitInterval; the client
// also autocommits marked offsets on that interval, so trailing marks are
// committed when no further acknowledgements arrive.
func (s *Source) Processed(events ...*Record) {
	s.mu.Lock()
	for _, evt := range events {
		rec, ok := s.inflight[evt]
		if !ok {
			continue
		}
		delete(s.inflight, evt)
		acks, ok := s.partitions[rec.Partition]
		if !ok {
			continue
		}
		acks.acked[rec.Offset] = true

		var last *kgo.Record
		for len(acks.pending) > 0 && acks.acked[acks.pending[0].Offset] {
			last = acks.pending[0]
			delete(acks.acked, last.Offset)
			acks.pending = acks.pending[1:]
		}
		if last != nil {
			s.client.MarkCommitRecords(last)
			s.dirty = true
		}
	}
	s.mu.Unlock()

	s.committer.Run()
}

func (s *Source) commit() (bool, error) {
	s.mu.Lock()
	dirty := s.dirty
	s.dirty = false
	s.mu.Unlock()
	if !dirty {
		return false, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), closeCommitTimeout)
	defer cancel()
	if err := s.client.CommitMarkedOffsets(ctx); err != nil {
		s.mu.Lock()
		s.dirty = true
		s.mu.Unlock()
		return false, fmt.Errorf("commit offsets: %w", err)
	}
	return true, nil
}

// revoke drops acknowledgement state for partitions handed to another
// member, after committing what was already marked.
func (s *Source) revoke(ctx context.Context, partitions []int32) {
	if len(partitions) == 0 {
		return
	}
	if err := s.client.CommitMarkedOffsets(ctx); err != nil {
		s.logger.Warn("commit on revoke failed", "partitions", partitions, "error", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.dirty = false
	for _, p := range partitions {
		delete(s.partitions, p)
	}
	s.buffered = slices.DeleteFunc(s.buffered, func(r *kgo.Record) bool {
		return slices.Contains(partitions, r.Partition)
	})
	for evt, rec := range s.inflight {
		if slices.Contains(partitions, rec.Partition) {
			delete(s.inflight, evt)
		}
	}
	s.logger.Info("partitions revoked", "partitions", partitions)
}

func (s *Source) refreshLag() (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.LagInterval)
	defer cancel()
	lags, err := s.lag.Lag(ctx)
	if err != nil {
		return false, fmt.Errorf("fetch consumer lag: %w", err)
	}

	var total int64
	for partition, l := range lags {
		total += l
		if s.metrics != nil {
			s.metrics.ConsumerLag.WithLabelValues(s.cfg.Topic, strconv.Itoa(int(partition))).Set(float64(l))
		}
	}

	s.mu.Lock()
	s.lagTotal, s.lagKnown, s.consumedSinceLag = total, true, 0
	s.mu.Unlock()
	return true, nil
}

// AvailableImmediately reports whether a fetched record is buffered.
func (s *Source) AvailableImmediately() bool {
	if s.closed.Load() {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buffered) > 0
}

// IsExhausted is false until the source is closed. A topic never ends.
func (s *Source) IsExhausted() bool { return s.closed.Load() }

// Remaining estimates unread records from the last lag measurement minus the
// records handed out since. It is unknown until the first measurement.
func (s *Source) Remaining() (int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.lagKnown {
		return 0, false
	}
	return max(s.lagTotal-s.consumedSinceLag, int64(len(s.buffered))), true
}

// Close commits acknowledged offsets and leaves the group. Records handed out
// but not acknowledged are redelivered to the next member.
func (s *Source) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	if s.lagRefresher != nil {
		s.lagRefresher.CancelAutoTrigger()
	}

	var commitErr error
	if _, err := s.commit(); err != nil {
		commitErr = err
		s.logger.Error("final commit failed", "error", err)
	}
	s.client.Close()

	s.mu.Lock()
	s.buffered = nil
	s.mu.Unlock()
	s.logger.Info("kafka source closed")
	return commitErr
}

// IsClosed reports whether Close has been called.
func (s *Source) IsClosed() bool { return s.closed.Load() }
