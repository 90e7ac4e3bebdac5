package cel

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/lsm/projector/internal/event"
	"github.com/lsm/projector/internal/sink"
)

func order(payload string) *Record {
	return event.New([]event.Header{
		event.NewHeader("type", "created"),
		event.NewHeader("type", "updated"),
		event.NewHeader("tenant", "acme"),
	}, []byte("order-1"), []byte(payload))
}

func project(t *testing.T, p *Projector, evt *Record) []*Record {
	t.Helper()
	out := sink.NewCollector[*Record]()
	if err := p.Project(context.Background(), evt, out); err != nil {
		t.Fatalf("Project() error = %v", err)
	}
	return out.Get()
}

func decode(t *testing.T, evt *Record) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.Unmarshal(evt.Value(), &m); err != nil {
		t.Fatalf("output is not a JSON object: %v (%s)", err, evt.Value())
	}
	return m
}

func TestNewProjector_CompileErrors(t *testing.T) {
	tests := []struct {
		name, filter, transform, want string
	}{
		{"filter syntax", ">>>", "", "filter: cel compile"},
		{"transform syntax", "", "{{", "transform: cel compile"},
		{"non-bool filter", `"yes"`, "", "must evaluate to bool"},
		{"unknown variable", "", "payload.id", "undeclared reference"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewProjector(tt.filter, tt.transform)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("NewProjector() error = %v, want %q", err, tt.want)
			}
		})
	}
}

func TestProject_IdentityWithoutExpressions(t *testing.T) {
	p, err := NewProjector("", "")
	if err != nil {
		t.Fatal(err)
	}
	evt := order(`not json`)
	got := project(t, p, evt)
	if len(got) != 1 || got[0] != evt {
		t.Fatalf("identity projector emitted %v", got)
	}
}

func TestProject_Filter(t *testing.T) {
	p, err := NewProjector(`value.total > 100.0 && headers["tenant"] == "acme"`, "")
	if err != nil {
		t.Fatal(err)
	}

	if got := project(t, p, order(`{"total": 150}`)); len(got) != 1 {
		t.Errorf("matching event emitted %d events", len(got))
	}
	if got := project(t, p, order(`{"total": 50}`)); len(got) != 0 {
		t.Errorf("non-matching event emitted %d events", len(got))
	}
	if p.Filtered() != 1 || p.Projected() != 1 {
		t.Errorf("filtered = %d, projected = %d, want 1 and 1", p.Filtered(), p.Projected())
	}
}

func TestProject_FilterSeesLastHeaderAndKey(t *testing.T) {
	p, err := NewProjector(`headers["type"] == "updated" && key.startsWith("order-")`, "")
	if err != nil {
		t.Fatal(err)
	}
	if got := project(t, p, order(`{}`)); len(got) != 1 {
		t.Error("filter did not see the last header value or the key")
	}
}

func TestProject_Transform(t *testing.T) {
	p, err := NewProjector("", `{"id": key, "amount": value.total * 2.0, "tags": value.tags, "kind": headers["type"]}`)
	if err != nil {
		t.Fatal(err)
	}

	evt := order(`{"total": 21, "tags": ["a", "b"], "dropped": true}`)
	got := project(t, p, evt)
	if len(got) != 1 {
		t.Fatalf("emitted %d events, want 1", len(got))
	}
	out := decode(t, got[0])
	if out["id"] != "order-1" || out["amount"] != 42.0 || out["kind"] != "updated" {
		t.Errorf("output = %v", out)
	}
	if tags, ok := out["tags"].([]any); !ok || len(tags) != 2 {
		t.Errorf("tags = %v", out["tags"])
	}
	if _, ok := out["dropped"]; ok {
		t.Error("unprojected field leaked into the output")
	}
	if !event.HeadersEqual(got[0].Headers(), evt.Headers()) || string(got[0].Key()) != "order-1" {
		t.Error("transform changed key or headers")
	}
}

func TestProject_RawPayload(t *testing.T) {
	p, err := NewProjector(`value == null`, `{"encoded": base64.encode(raw)}`)
	if err != nil {
		t.Fatal(err)
	}
	got := project(t, p, order("plain text"))
	if len(got) != 1 {
		t.Fatalf("emitted %d events, want 1", len(got))
	}
	if out := decode(t, got[0]); out["encoded"] != "cGxhaW4gdGV4dA==" {
		t.Errorf("output = %v", out)
	}
}

func TestProject_EvalErrorIsReturned(t *testing.T) {
	p, err := NewProjector("", `{"id": value.missing.deeper}`)
	if err != nil {
		t.Fatal(err)
	}
	out := sink.NewCollector[*Record]()
	err = p.Project(context.Background(), order(`{"other": 1}`), out)
	if err == nil || !strings.Contains(err.Error(), "transform: cel eval") {
		t.Fatalf("Project() error = %v, want eval error", err)
	}
	if out.Len() != 0 {
		t.Error("failed projection emitted an event")
	}
}

func TestProject_MaxOutputBytes(t *testing.T) {
	p, err := NewProjector("", `{"padding": "0123456789"}`, WithMaxOutputBytes(8))
	if err != nil {
		t.Fatal(err)
	}
	err = p.Project(context.Background(), order(`{}`), sink.NewCollector[*Record]())
	if err == nil || !strings.Contains(err.Error(), "exceeds max") {
		t.Fatalf("Project() error = %v, want size error", err)
	}
}

func TestProject_CancelledContext(t *testing.T) {
	p, err := NewProjector(`true`, "", WithTimeout(time.Second))
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err = p.Project(ctx, order(`{}`), sink.NewCollector[*Record]())
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Project() error = %v, want context.Canceled", err)
	}
}

func TestProject_SinkErrorPropagates(t *testing.T) {
	p, err := NewProjector("", "")
	if err != nil {
		t.Fatal(err)
	}
	boom := errors.New("sink down")
	err = p.Project(context.Background(), order(`{}`), sink.Func[*Record](func(context.Context, *Record) error { return boom }))
	if !errors.Is(err, boom) {
		t.Fatalf("Project() error = %v, want sink error", err)
	}
}
