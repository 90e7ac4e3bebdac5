package dlq

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/lsm/projector/internal/chunk"
	"github.com/lsm/projector/internal/event"
	"github.com/lsm/projector/internal/sink"
)

type bytesEvent = event.Event[string, []byte]

func TestTopicFor(t *testing.T) {
	if got := TopicFor("orders"); got != "projector-dlq-orders" {
		t.Errorf("TopicFor() = %q", got)
	}
}

func TestSink_Annotates(t *testing.T) {
	out := sink.NewCollector[*bytesEvent]()
	at := time.Date(2026, 3, 1, 12, 30, 0, 0, time.FixedZone("X", 3600))
	s := New(out, Info{Projector: "orders", OriginalTopic: "orders-raw"},
		WithClock(func() time.Time { return at }),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)

	evt := event.New([]event.Header{
		event.NewHeader("tenant", "a"),
		event.NewHeader(chunk.HeaderDeadLetterReason, "Chunk-Hash mismatch"),
	}, "k", []byte("payload"))
	if err := s.Send(context.Background(), evt); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	got := out.Get()
	if len(got) != 1 {
		t.Fatalf("delegate received %d events, want 1", len(got))
	}
	want := []struct{ key, value string }{
		{"tenant", "a"},
		{chunk.HeaderDeadLetterReason, "Chunk-Hash mismatch"},
		{HeaderProjector, "orders"},
		{HeaderFailedAt, "2026-03-01T11:30:00Z"},
		{HeaderOriginalTopic, "orders-raw"},
	}
	headers := got[0].Headers()
	if len(headers) != len(want) {
		t.Fatalf("headers = %v", headers)
	}
	for i, w := range want {
		if headers[i].Key() != w.key || headers[i].Value() != w.value {
			t.Errorf("header %d = %s, want %s=%s", i, headers[i], w.key, w.value)
		}
	}
	if string(got[0].Value()) != "payload" || got[0].Key() != "k" {
		t.Errorf("payload changed: %v", got[0])
	}
	if len(evt.Headers()) != 2 {
		t.Error("original event was modified")
	}
	if s.Count() != 1 {
		t.Errorf("Count() = %d, want 1", s.Count())
	}
}

func TestSink_OmitsUnknownTopic(t *testing.T) {
	out := sink.NewCollector[*bytesEvent]()
	s := New(out, Info{Projector: "p"})

	if err := s.Send(context.Background(), event.New(nil, "k", []byte("v"))); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if out.Get()[0].HasHeader(HeaderOriginalTopic) {
		t.Error("original topic header added without a topic")
	}
}

func TestSink_DelegateError(t *testing.T) {
	boom := errors.New("broker down")
	s := New[string, []byte](sink.Func[*bytesEvent](func(context.Context, *bytesEvent) error { return boom }), Info{Projector: "p"})

	err := s.Send(context.Background(), event.New(nil, "k", []byte("v")))
	if !errors.Is(err, boom) {
		t.Fatalf("Send() error = %v, want delegate error", err)
	}
	if s.Count() != 0 {
		t.Errorf("Count() = %d after a failed send", s.Count())
	}
}

func TestSink_CloseDelegates(t *testing.T) {
	out := sink.NewCollector[*bytesEvent]()
	s := New(out, Info{Projector: "p"})
	if err := s.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if !out.IsClosed() {
		t.Error("delegate not closed")
	}
}
