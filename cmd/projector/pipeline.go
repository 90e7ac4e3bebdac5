package main

import (
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/trace"

	"github.com/lsm/projector/internal/chunk"
	"github.com/lsm/projector/internal/config"
	"github.com/lsm/projector/internal/dlq"
	"github.com/lsm/projector/internal/kafka"
	"github.com/lsm/projector/internal/observability"
	"github.com/lsm/projector/internal/projector"
	"github.com/lsm/projector/internal/sink"
	kafkasink "github.com/lsm/projector/internal/sink/kafka"
	"github.com/lsm/projector/internal/source"
	kafkasource "github.com/lsm/projector/internal/source/kafka"
	"github.com/lsm/projector/internal/throughput"
	celproj "github.com/lsm/projector/internal/transform/cel"
)

type record = kafkasource.Record

// buildDeps carries the process-wide collaborators shared by every pipeline
// built during the life of the process.
type buildDeps struct {
	logger     *slog.Logger
	tracer     trace.Tracer
	metrics    *observability.Metrics
	chunk      *chunk.Metrics
	throughput *throughput.Metrics
}

// pipeline is one assembled projector. The driver closes the source; Close
// releases the sinks and the producer clients.
type pipeline struct {
	driver  *projector.Driver[[]byte, []byte, *record]
	closers []func() error
}

func (p *pipeline) Close() error {
	var errs []error
	for i := len(p.closers) - 1; i >= 0; i-- {
		if err := p.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func buildPipeline(def *config.ProjectorDefinition, deps buildDeps, health *observability.HealthServer) (_ *pipeline, err error) {
	logger := deps.logger.With("projector", def.Name)
	p := &pipeline{}
	defer func() {
		if err != nil {
			_ = p.Close()
		}
	}()

	registry := kafka.NewRegistry()
	if err := registry.LoadFromMap(def.Clusters); err != nil {
		return nil, fmt.Errorf("kafka clusters: %w", err)
	}
	pool := kafka.NewPublisherPool(registry, kafka.WithLogger(deps.logger))
	p.closers = append(p.closers, pool.Close)

	srcCluster, err := registry.Require(def.Source.Cluster)
	if err != nil {
		return nil, fmt.Errorf("source: %w", err)
	}
	ks, err := kafkasource.NewSource(kafkasource.Config{
		Cluster:        srcCluster,
		Topic:          def.Source.Topic,
		ConsumerGroup:  def.Source.ConsumerGroup,
		StartOffset:    def.Source.StartOffset,
		MaxPollRecords: def.Source.MaxPollRecords,
		CommitInterval: def.Source.CommitInterval,
		LagInterval:    def.Source.LagInterval,
	}, logger, deps.metrics)
	if err != nil {
		return nil, fmt.Errorf("kafka source: %w", err)
	}
	var src source.EventSource[[]byte, []byte] = ks

	if def.Combine.Enabled {
		opts := []chunk.Option[[]byte]{
			chunk.WithLogger[[]byte](logger),
			chunk.WithMetrics[[]byte](deps.chunk),
		}
		if def.Combine.CompletedCacheSize > 0 {
			opts = append(opts, chunk.WithCompletedCacheSize[[]byte](def.Combine.CompletedCacheSize))
		}
		if def.Combine.DeadLetter {
			dead, err := newKafkaSink(pool, def.Source.Cluster, def.DeadLetterTopic(), def.Sink, deps, logger)
			if err != nil {
				_ = ks.Close()
				return nil, fmt.Errorf("dead letter sink: %w", err)
			}
			p.closers = append(p.closers, dead.Close)
			opts = append(opts, chunk.WithDeadLetter[[]byte](dlq.New[[]byte, []byte](dead, dlq.Info{
				Projector:     def.Name,
				OriginalTopic: def.Source.Topic,
			}, dlq.WithLogger(logger))))
		}
		combiner, err := chunk.NewCombiningSource[[]byte](ks, opts...)
		if err != nil {
			_ = ks.Close()
			return nil, fmt.Errorf("combiner: %w", err)
		}
		src = combiner
	}

	proj, err := celproj.NewProjector(def.Projector.Filter, def.Projector.Transform, projectorOptions(def.Projector, logger)...)
	if err != nil {
		_ = src.Close()
		return nil, fmt.Errorf("cel projector: %w", err)
	}

	out, err := newKafkaSink(pool, def.SinkCluster(), def.Sink.Topic, def.Sink, deps, logger)
	if err != nil {
		_ = src.Close()
		return nil, fmt.Errorf("sink: %w", err)
	}
	p.closers = append(p.closers, out.Close)

	var target sink.Sink[*record] = out
	if def.Sink.Split != nil {
		splitter, err := newSplitter(def.Sink.Split)
		if err != nil {
			_ = src.Close()
			return nil, fmt.Errorf("splitter: %w", err)
		}
		target = chunk.NewSplittingSink[[]byte](splitter, out)
	}

	opts := append(driverOptions(def.Driver),
		projector.WithName(def.Name),
		projector.WithLogger(logger),
		projector.WithTracer(deps.tracer),
		projector.WithMetrics(deps.metrics),
		projector.WithThroughputMetrics(deps.throughput),
		projector.WithStateListener(func(s projector.State) {
			health.SetState(s.String())
		}),
	)
	driver, err := projector.NewDriver[[]byte, []byte, *record](src, proj, target, opts...)
	if err != nil {
		_ = src.Close()
		return nil, fmt.Errorf("driver: %w", err)
	}
	p.driver = driver
	return p, nil
}

func newKafkaSink(pool *kafka.PublisherPool, cluster, topic string, cfg config.SinkConfig, deps buildDeps, logger *slog.Logger) (*kafkasink.Sink, error) {
	pub, err := pool.Get(cluster)
	if err != nil {
		return nil, err
	}
	s, err := kafkasink.NewSink(pub, kafkasink.Config{Topic: topic, Retry: cfg.Retry}, logger)
	if err != nil {
		return nil, err
	}
	s.SetTracer(deps.tracer)
	s.SetMetrics(deps.metrics)
	return s, nil
}

func newSplitter(cfg *config.SplitConfig) (*chunk.Splitter, error) {
	var opts []chunk.SplitterOption
	if cfg.Checksum != "" {
		opts = append(opts, chunk.WithChecksum(cfg.Checksum))
	}
	if cfg.Hash != "" {
		opts = append(opts, chunk.WithHash(cfg.Hash))
	}
	return chunk.NewSplitter(cfg.MaxChunkSize, opts...)
}

func projectorOptions(cfg config.ProjectorConfig, logger *slog.Logger) []celproj.Option {
	opts := []celproj.Option{celproj.WithLogger(logger)}
	if cfg.Timeout > 0 {
		opts = append(opts, celproj.WithTimeout(cfg.Timeout))
	}
	if cfg.MaxOutputBytes > 0 {
		opts = append(opts, celproj.WithMaxOutputBytes(cfg.MaxOutputBytes))
	}
	return opts
}

// driverOptions maps the definition onto driver options. Zero values keep the
// driver defaults.
func driverOptions(cfg config.DriverConfig) []projector.Option {
	var opts []projector.Option
	if cfg.Limit > 0 {
		opts = append(opts, projector.WithLimit(cfg.Limit))
	}
	switch {
	case cfg.UnlimitedStalls:
		opts = append(opts, projector.UnlimitedStalls())
	case cfg.MaxStalls > 0:
		opts = append(opts, projector.WithMaxStalls(cfg.MaxStalls))
	}
	if cfg.PollTimeout > 0 {
		opts = append(opts, projector.WithPollTimeout(cfg.PollTimeout))
	}
	if cfg.ReportBatchSize > 0 {
		opts = append(opts, projector.WithReportBatchSize(cfg.ReportBatchSize))
	}
	if cfg.StallLogInterval > 0 {
		opts = append(opts, projector.WithStallLogInterval(cfg.StallLogInterval))
	}
	return opts
}
