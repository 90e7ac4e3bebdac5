// Package config loads and watches projector definition files.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/lsm/projector/internal/chunk"
	"github.com/lsm/projector/internal/dlq"
	"github.com/lsm/projector/internal/kafka"
	"github.com/lsm/projector/internal/observability"
	"github.com/lsm/projector/internal/retry"
	"github.com/lsm/projector/internal/tracing"
)

// ProjectorDefinition is one projector: where events come from, how they are
// projected and where the results go.
type ProjectorDefinition struct {
	Name      string                         `yaml:"name"`
	Clusters  map[string]kafka.ClusterConfig `yaml:"clusters"`
	Source    SourceConfig                   `yaml:"source"`
	Combine   CombineConfig                  `yaml:"combine"`
	Projector ProjectorConfig                `yaml:"projector"`
	Sink      SinkConfig                     `yaml:"sink"`
	Driver    DriverConfig                   `yaml:"driver"`
	Logging   observability.LogConfig        `yaml:"logging"`
	Tracing   tracing.Config                 `yaml:"tracing"`
}

// SourceConfig selects the consumed topic.
type SourceConfig struct {
	Cluster        string        `yaml:"cluster"`
	Topic          string        `yaml:"topic"`
	ConsumerGroup  string        `yaml:"consumerGroup"`
	StartOffset    string        `yaml:"startOffset"`
	MaxPollRecords int           `yaml:"maxPollRecords"`
	CommitInterval time.Duration `yaml:"commitInterval"`
	LagInterval    time.Duration `yaml:"lagInterval"`
}

// CombineConfig enables chunk reassembly in front of the projector.
type CombineConfig struct {
	Enabled            bool   `yaml:"enabled"`
	DeadLetter         bool   `yaml:"deadLetter"`      // divert invalid chunks instead of aborting
	DeadLetterTopic    string `yaml:"deadLetterTopic"` // default projector-dlq-<name>
	CompletedCacheSize int    `yaml:"completedCacheSize"`
}

// ProjectorConfig holds the CEL expressions. Both are optional.
type ProjectorConfig struct {
	Filter         string        `yaml:"filter"`
	Transform      string        `yaml:"transform"`
	Timeout        time.Duration `yaml:"timeout"`
	MaxOutputBytes int           `yaml:"maxOutputBytes"`
}

// SinkConfig selects the output topic.
type SinkConfig struct {
	Cluster string       `yaml:"cluster"` // default: the source cluster
	Topic   string       `yaml:"topic"`
	Split   *SplitConfig `yaml:"split,omitempty"`
	Retry   retry.Config `yaml:"retry"`
}

// SplitConfig splits large outputs into chunks the combiner can reassemble.
type SplitConfig struct {
	MaxChunkSize int    `yaml:"maxChunkSize"`
	Checksum     string `yaml:"checksum"`
	Hash         string `yaml:"hash"`
}

// DriverConfig mirrors the driver options. Zero values select driver defaults.
type DriverConfig struct {
	PollTimeout      time.Duration `yaml:"pollTimeout"`
	Limit            int64         `yaml:"limit"` // 0 = unlimited
	MaxStalls        int64         `yaml:"maxStalls"`
	UnlimitedStalls  bool          `yaml:"unlimitedStalls"`
	ReportBatchSize  int64         `yaml:"reportBatchSize"`
	StallLogInterval time.Duration `yaml:"stallLogInterval"`
}

// SinkCluster returns the cluster the sink produces to.
func (d *ProjectorDefinition) SinkCluster() string {
	if d.Sink.Cluster != "" {
		return d.Sink.Cluster
	}
	return d.Source.Cluster
}

// DeadLetterTopic returns the topic invalid chunks are diverted to.
func (d *ProjectorDefinition) DeadLetterTopic() string {
	if d.Combine.DeadLetterTopic != "" {
		return d.Combine.DeadLetterTopic
	}
	return dlq.TopicFor(d.Name)
}

// Validate reports every problem in the definition.
func (d *ProjectorDefinition) Validate() error {
	var errs []error
	if d.Name == "" {
		errs = append(errs, errors.New("name is required"))
	}

	clusters := kafka.KafkaGlobalConfig{Clusters: d.Clusters}
	if len(d.Clusters) == 0 {
		errs = append(errs, errors.New("at least one cluster is required"))
	} else if err := clusters.Validate(); err != nil {
		errs = append(errs, err)
	}

	if _, ok := d.Clusters[d.Source.Cluster]; !ok {
		errs = append(errs, fmt.Errorf("source.cluster %q is not defined", d.Source.Cluster))
	}
	if d.Source.Topic == "" {
		errs = append(errs, errors.New("source.topic is required"))
	}
	if d.Source.ConsumerGroup == "" {
		errs = append(errs, errors.New("source.consumerGroup is required"))
	}
	switch d.Source.StartOffset {
	case "", "earliest", "latest":
	default:
		errs = append(errs, fmt.Errorf("source.startOffset must be earliest or latest, got %q", d.Source.StartOffset))
	}

	if d.Combine.CompletedCacheSize < 0 {
		errs = append(errs, fmt.Errorf("combine.completedCacheSize must not be negative, got %d", d.Combine.CompletedCacheSize))
	}
	if !d.Combine.Enabled && (d.Combine.DeadLetter || d.Combine.DeadLetterTopic != "") {
		errs = append(errs, errors.New("combine.deadLetter requires combine.enabled"))
	}

	if _, ok := d.Clusters[d.SinkCluster()]; !ok {
		errs = append(errs, fmt.Errorf("sink.cluster %q is not defined", d.SinkCluster()))
	}
	if d.Sink.Topic == "" {
		errs = append(errs, errors.New("sink.topic is required"))
	}
	if d.Sink.Topic != "" && d.Sink.Topic == d.Source.Topic && d.SinkCluster() == d.Source.Cluster {
		errs = append(errs, errors.New("sink.topic must differ from source.topic"))
	}
	if s := d.Sink.Split; s != nil {
		if s.MaxChunkSize < 1 {
			errs = append(errs, fmt.Errorf("sink.split.maxChunkSize must be positive, got %d", s.MaxChunkSize))
		}
		if s.Checksum != "" {
			if _, err := chunk.Lookup(s.Checksum, chunk.KindChecksum); err != nil {
				errs = append(errs, fmt.Errorf("sink.split.checksum: %w", err))
			}
		}
		if s.Hash != "" {
			if _, err := chunk.Lookup(s.Hash, chunk.KindHash); err != nil {
				errs = append(errs, fmt.Errorf("sink.split.hash: %w", err))
			}
		}
	}
	if d.Sink.Retry != (retry.Config{}) {
		if err := d.Sink.Retry.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("sink.retry: %w", err))
		}
	}

	if d.Driver.Limit < 0 {
		errs = append(errs, fmt.Errorf("driver.limit must not be negative, got %d", d.Driver.Limit))
	}
	if d.Driver.MaxStalls < 0 {
		errs = append(errs, fmt.Errorf("driver.maxStalls must not be negative, got %d", d.Driver.MaxStalls))
	}
	if d.Driver.PollTimeout < 0 {
		errs = append(errs, fmt.Errorf("driver.pollTimeout must not be negative, got %s", d.Driver.PollTimeout))
	}

	if err := d.Logging.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("logging: %w", err))
	}
	if err := d.Tracing.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("tracing: %w", err))
	}

	return errors.Join(errs...)
}

// Parse decodes and validates a definition.
func Parse(data []byte) (*ProjectorDefinition, error) {
	var def ProjectorDefinition
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&def); err != nil {
		return nil, fmt.Errorf("parse yaml: %w", err)
	}
	for name, c := range def.Clusters {
		c.Name = name
		def.Clusters[name] = c
	}
	if err := def.Validate(); err != nil {
		return nil, fmt.Errorf("invalid projector definition: %w", err)
	}
	return &def, nil
}

// Loader loads and watches a single projector definition file.
type Loader struct {
	mu       sync.RWMutex
	current  *ProjectorDefinition
	raw      []byte
	path     string
	logger   *slog.Logger
	onChange func(*ProjectorDefinition)
}

// NewLoader creates a loader for the definition at path.
func NewLoader(path string, logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{
		path:   path,
		logger: logger,
	}
}

// OnChange registers a callback that fires with every new valid definition.
// It runs on the Watch goroutine.
func (l *Loader) OnChange(fn func(*ProjectorDefinition)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onChange = fn
}

// Load reads, parses and validates the file and makes it current.
func (l *Loader) Load() (*ProjectorDefinition, error) {
	def, _, err := l.load()
	return def, err
}

// load returns changed=false when the file content equals the current one.
func (l *Loader) load() (*ProjectorDefinition, bool, error) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return nil, false, fmt.Errorf("read config file %s: %w", l.path, err)
	}
	def, err := Parse(data)
	if err != nil {
		return nil, false, fmt.Errorf("%s: %w", l.path, err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.current != nil && bytes.Equal(l.raw, data) {
		return l.current, false, nil
	}
	l.current, l.raw = def, data
	return def, true, nil
}

// Current returns the last successfully loaded definition, or nil.
func (l *Loader) Current() *ProjectorDefinition {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.current
}

// Watch reloads the file when it changes until done is closed. The parent
// directory is watched so editors that replace the file are noticed. Invalid
// revisions are logged and the current definition is kept.
func (l *Loader) Watch(done <-chan struct{}) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer func() {
		_ = watcher.Close() // intentionally ignoring close error during cleanup
	}()

	dir := filepath.Dir(l.path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch dir %s: %w", dir, err)
	}
	target := filepath.Clean(l.path)

	l.logger.Info("watching config file", "path", l.path)

	for {
		select {
		case <-done:
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			def, changed, err := l.load()
			if err != nil {
				l.logger.Error("failed to reload config, keeping current definition", "error", err)
				continue
			}
			if !changed {
				continue
			}
			l.logger.Info("config change detected", "file", ev.Name, "op", ev.Op.String(), "projector", def.Name)

			l.mu.RLock()
			fn := l.onChange
			l.mu.RUnlock()
			if fn != nil {
				fn(def)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			l.logger.Error("watcher error", "error", err)
		}
	}
}
