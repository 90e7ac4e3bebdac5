package sink

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/lsm/projector/internal/throughput"
)

func TestCollector_ConcurrentSend(t *testing.T) {
	c := NewCollector[int]()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				_ = c.Send(context.Background(), i*100+j)
			}
		}(i)
	}
	wg.Wait()

	if c.Len() != 1000 {
		t.Errorf("expected 1000 items, got %d", c.Len())
	}
	got := c.Get()
	got[0] = -1
	if c.Get()[0] == -1 {
		t.Error("Get must return a copy")
	}
}

func TestCollector_CloseKeepsItems(t *testing.T) {
	c := NewCollector[string]()
	_ = c.Send(context.Background(), "a")
	if err := c.Close(); err != nil {
		t.Fatal(err)
	}
	if !c.IsClosed() || c.Len() != 1 {
		t.Errorf("closed=%v len=%d", c.IsClosed(), c.Len())
	}
}

func TestCounting(t *testing.T) {
	boom := errors.New("boom")
	collector := NewCollector[string]()
	fail := false
	counting := NewCounting[string](Func[string](func(ctx context.Context, s string) error {
		if fail {
			return boom
		}
		return collector.Send(ctx, s)
	}))

	_ = counting.Send(context.Background(), "a")
	_ = counting.Send(context.Background(), "b")
	fail = true
	if err := counting.Send(context.Background(), "c"); !errors.Is(err, boom) {
		t.Fatalf("expected delegate error, got %v", err)
	}
	if counting.Count() != 2 {
		t.Errorf("expected 2 counted items, got %d", counting.Count())
	}
}

func TestCounting_PropagatesClose(t *testing.T) {
	collector := NewCollector[int]()
	if err := NewCounting[int](collector).Close(); err != nil {
		t.Fatal(err)
	}
	if !collector.IsClosed() {
		t.Error("expected delegate to be closed")
	}
}

func TestThroughput(t *testing.T) {
	tracker, err := throughput.NewTracker(throughput.WithReportBatchSize(2))
	if err != nil {
		t.Fatal(err)
	}
	collector := NewCollector[int]()
	s := NewThroughput[int](collector, tracker)

	for i := 0; i < 5; i++ {
		if err := s.Send(context.Background(), i); err != nil {
			t.Fatal(err)
		}
	}
	if tracker.ReceivedCount() != 5 || tracker.ProcessedCount() != 5 {
		t.Errorf("received=%d processed=%d", tracker.ReceivedCount(), tracker.ProcessedCount())
	}
	if tracker.Reports() != 2 {
		t.Errorf("expected 2 batch reports, got %d", tracker.Reports())
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	if !collector.IsClosed() {
		t.Error("expected delegate to be closed")
	}
	if tracker.Reports() != 3 {
		t.Errorf("expected a final report on close, got %d", tracker.Reports())
	}
}

func TestThroughput_FailedSendIsNotProcessed(t *testing.T) {
	tracker, _ := throughput.NewTracker()
	s := NewThroughput[int](Func[int](func(context.Context, int) error { return errors.New("down") }), tracker)

	if err := s.Send(context.Background(), 1); err == nil {
		t.Fatal("expected error")
	}
	if tracker.ReceivedCount() != 1 || tracker.ProcessedCount() != 0 {
		t.Errorf("received=%d processed=%d", tracker.ReceivedCount(), tracker.ProcessedCount())
	}
}
