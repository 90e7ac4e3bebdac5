package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const validDefinition = `
name: orders
clusters:
  main:
    brokers: [localhost:9092]
  analytics:
    brokers: [analytics:9092]
    auth:
      mechanism: SCRAM-SHA-512
      username: projector
      password: secret
source:
  cluster: main
  topic: orders-raw
  consumerGroup: projector-orders
  startOffset: earliest
  commitInterval: 2s
combine:
  enabled: true
  deadLetter: true
projector:
  filter: 'value.total > 0.0'
  transform: '{"id": key, "total": value.total}'
  timeout: 250ms
sink:
  cluster: analytics
  topic: orders
  split:
    maxChunkSize: 65536
    checksum: xxh64
    hash: sha512
  retry:
    maxAttempts: 5
    initialInterval: 100ms
    maxInterval: 5s
driver:
  pollTimeout: 500ms
  maxStalls: 20
  stallLogInterval: 1m
logging:
  level: debug
  format: text
tracing:
  enabled: true
  endpoint: collector:4317
  sampleRatio: 0.25
`

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write test file: %v", err)
	}
	return path
}

func TestParse_Valid(t *testing.T) {
	def, err := Parse([]byte(validDefinition))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	if def.Name != "orders" {
		t.Errorf("Name = %q", def.Name)
	}
	if c := def.Clusters["analytics"]; c.Name != "analytics" || c.Auth.Mechanism != "SCRAM-SHA-512" {
		t.Errorf("analytics cluster = %+v", c)
	}
	if def.Source.CommitInterval != 2*time.Second || def.Source.StartOffset != "earliest" {
		t.Errorf("source = %+v", def.Source)
	}
	if !def.Combine.Enabled || !def.Combine.DeadLetter || def.DeadLetterTopic() != "projector-dlq-orders" {
		t.Errorf("combine = %+v, dead letter topic %q", def.Combine, def.DeadLetterTopic())
	}
	if def.Projector.Timeout != 250*time.Millisecond || def.Projector.Filter == "" {
		t.Errorf("projector = %+v", def.Projector)
	}
	if def.SinkCluster() != "analytics" || def.Sink.Split == nil || def.Sink.Split.MaxChunkSize != 65536 {
		t.Errorf("sink = %+v", def.Sink)
	}
	if def.Sink.Retry.MaxAttempts != 5 || def.Sink.Retry.MaxInterval != 5*time.Second {
		t.Errorf("sink retry = %+v", def.Sink.Retry)
	}
	if def.Driver.PollTimeout != 500*time.Millisecond || def.Driver.MaxStalls != 20 || def.Driver.StallLogInterval != time.Minute {
		t.Errorf("driver = %+v", def.Driver)
	}
	if def.Logging.Level != "debug" || def.Logging.Format != "text" {
		t.Errorf("logging = %+v", def.Logging)
	}
	if !def.Tracing.Enabled || def.Tracing.Endpoint != "collector:4317" || def.Tracing.SampleRatio != 0.25 {
		t.Errorf("tracing = %+v", def.Tracing)
	}
}

func TestParse_SinkClusterDefaultsToSource(t *testing.T) {
	def, err := Parse([]byte(`
name: p
clusters:
  main: {brokers: [localhost:9092]}
source: {cluster: main, topic: in, consumerGroup: g}
sink: {topic: out}
`))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if def.SinkCluster() != "main" {
		t.Errorf("SinkCluster() = %q, want main", def.SinkCluster())
	}
	if def.Sink.Split != nil || def.Combine.Enabled {
		t.Error("optional sections should default to disabled")
	}
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name, yaml string
		want       []string
	}{
		{
			name: "unknown field",
			yaml: "name: p\nbogus: 1\n",
			want: []string{"field bogus not found"},
		},
		{
			name: "everything missing",
			yaml: "source: {}\n",
			want: []string{
				"name is required",
				"at least one cluster is required",
				"source.topic is required",
				"source.consumerGroup is required",
				"sink.topic is required",
			},
		},
		{
			name: "bad references and values",
			yaml: `
name: p
clusters:
  main: {brokers: []}
source: {cluster: other, topic: t, consumerGroup: g, startOffset: middle}
combine: {deadLetter: true}
sink:
  cluster: nowhere
  topic: out
  split: {maxChunkSize: 0, checksum: md5, hash: crc32}
  retry: {maxAttempts: 0, initialInterval: 1s}
driver: {limit: -1, maxStalls: -2, pollTimeout: -1s}
logging: {level: verbose, format: xml}
tracing: {sampleRatio: 2, endpoint: "http://collector:4317"}
`,
			want: []string{
				`cluster "main": at least one broker is required`,
				`source.cluster "other" is not defined`,
				"source.startOffset",
				"combine.deadLetter requires combine.enabled",
				`sink.cluster "nowhere" is not defined`,
				"sink.split.maxChunkSize",
				"sink.split.checksum",
				"sink.split.hash",
				"sink.retry: maxAttempts",
				"driver.limit",
				"driver.maxStalls",
				"driver.pollTimeout",
				`logging: unknown log level "verbose"`,
				"format must be json or text",
				"tracing: sampleRatio must be between 0 and 1",
				"must be host:port",
			},
		},
		{
			name: "loop",
			yaml: `
name: p
clusters:
  main: {brokers: [b:9092]}
source: {cluster: main, topic: same, consumerGroup: g}
sink: {topic: same}
`,
			want: []string{"sink.topic must differ from source.topic"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			if err == nil {
				t.Fatal("Parse() error = nil")
			}
			for _, w := range tt.want {
				if !strings.Contains(err.Error(), w) {
					t.Errorf("error missing %q:\n%v", w, err)
				}
			}
		})
	}
}

func TestLoader_Load(t *testing.T) {
	path := writeFile(t, t.TempDir(), "projector.yaml", validDefinition)
	loader := NewLoader(path, nil)

	if loader.Current() != nil {
		t.Fatal("Current() before Load should be nil")
	}
	def, err := loader.Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if loader.Current() != def {
		t.Error("Current() does not return the loaded definition")
	}
}

func TestLoader_LoadErrors(t *testing.T) {
	if _, err := NewLoader("/nonexistent/projector.yaml", nil).Load(); err == nil {
		t.Error("Load() of a missing file succeeded")
	}

	path := writeFile(t, t.TempDir(), "bad.yaml", "name: [unterminated")
	_, err := NewLoader(path, nil).Load()
	if err == nil || !strings.Contains(err.Error(), "parse yaml") {
		t.Errorf("Load() error = %v, want parse error", err)
	}
}

func startWatch(t *testing.T, loader *Loader) chan *ProjectorDefinition {
	t.Helper()
	changed := make(chan *ProjectorDefinition, 4)
	loader.OnChange(func(def *ProjectorDefinition) { changed <- def })

	done := make(chan struct{})
	errCh := make(chan error, 1)
	go func() { errCh <- loader.Watch(done) }()
	t.Cleanup(func() {
		close(done)
		select {
		case err := <-errCh:
			if err != nil {
				t.Errorf("Watch() error = %v", err)
			}
		case <-time.After(2 * time.Second):
			t.Error("watch did not stop")
		}
	})

	// Give watcher time to start
	time.Sleep(100 * time.Millisecond)
	return changed
}

func TestWatch_DetectsChanges(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "projector.yaml", validDefinition)
	loader := NewLoader(path, nil)
	if _, err := loader.Load(); err != nil {
		t.Fatal(err)
	}
	changed := startWatch(t, loader)

	writeFile(t, dir, "projector.yaml", strings.Replace(validDefinition, "maxStalls: 20", "maxStalls: 7", 1))

	select {
	case def := <-changed:
		if def.Driver.MaxStalls != 7 {
			t.Errorf("reloaded maxStalls = %d, want 7", def.Driver.MaxStalls)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for config change notification")
	}
}

func TestWatch_KeepsCurrentOnInvalidRevision(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "projector.yaml", validDefinition)
	loader := NewLoader(path, nil)
	original, err := loader.Load()
	if err != nil {
		t.Fatal(err)
	}
	changed := startWatch(t, loader)

	writeFile(t, dir, "projector.yaml", "name: broken\n")

	select {
	case def := <-changed:
		t.Fatalf("invalid revision was published: %+v", def)
	case <-time.After(300 * time.Millisecond):
	}
	if loader.Current() != original {
		t.Error("invalid revision replaced the current definition")
	}
}

func TestWatch_IgnoresOtherFiles(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "projector.yaml", validDefinition)
	loader := NewLoader(path, nil)
	if _, err := loader.Load(); err != nil {
		t.Fatal(err)
	}
	changed := startWatch(t, loader)

	writeFile(t, dir, "other.yaml", validDefinition)
	writeFile(t, dir, "projector.yaml", validDefinition) // same content

	select {
	case def := <-changed:
		t.Fatalf("unexpected change notification: %s", def.Name)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestWatch_InvalidDir(t *testing.T) {
	loader := NewLoader("/nonexistent/watch/dir/projector.yaml", nil)
	if err := loader.Watch(make(chan struct{})); err == nil {
		t.Fatal("expected error for nonexistent directory")
	}
}
