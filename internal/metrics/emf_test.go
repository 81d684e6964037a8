package metrics

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestRecorderFlushOutput(t *testing.T) {
	var buf bytes.Buffer
	e := NewEmitter("CardArt", "card-art-server").WithOutput(&buf)
	e.now = func() time.Time { return time.UnixMilli(1700000000000) }

	e.New().
		Dimension("Backend", "imagegen").
		Dimension("Outcome", "completed").
		Metric("PollAttempts", 3, UnitCount).
		Metric("JobDurationMs", 15000, UnitMilliseconds).
		Property("key", "1834").
		Flush()

	out := buf.String()
	if strings.Count(out, "\n") != 1 {
		t.Fatalf("expected exactly one line, got %q", out)
	}

	var doc map[string]any
	if err := json.Unmarshal([]byte(out), &doc); err != nil {
		t.Fatalf("output is not JSON: %v\n%s", err, out)
	}
	if doc["Service"] != "card-art-server" || doc["Backend"] != "imagegen" {
		t.Errorf("dimension values missing: %v", doc)
	}
	if doc["PollAttempts"] != float64(3) {
		t.Errorf("PollAttempts = %v", doc["PollAttempts"])
	}
	if doc["key"] != "1834" {
		t.Errorf("property key = %v", doc["key"])
	}

	aws, ok := doc["_aws"].(map[string]any)
	if !ok {
		t.Fatal("missing _aws directive")
	}
	if aws["Timestamp"] != float64(1700000000000) {
		t.Errorf("Timestamp = %v", aws["Timestamp"])
	}
	cw := aws["CloudWatchMetrics"].([]any)[0].(map[string]any)
	if cw["Namespace"] != "CardArt" {
		t.Errorf("Namespace = %v", cw["Namespace"])
	}
	dims := cw["Dimensions"].([]any)[0].([]any)
	want := []string{"Backend", "Outcome", "Service"}
	if len(dims) != len(want) {
		t.Fatalf("dimensions = %v, want %v", dims, want)
	}
	for i, d := range dims {
		if d != want[i] {
			t.Errorf("dimension[%d] = %v, want %s", i, d, want[i])
		}
	}
}

func TestFlushWithoutMetricsWritesNothing(t *testing.T) {
	var buf bytes.Buffer
	e := NewEmitter("CardArt", "").WithOutput(&buf)
	e.New().Dimension("Backend", "x").Property("p", 1).Flush()
	if buf.Len() != 0 {
		t.Errorf("expected no output, got %q", buf.String())
	}
}

func TestNilEmitterIsNoop(t *testing.T) {
	var e *Emitter
	e.New().Count("JobsCompleted").Flush()
}
