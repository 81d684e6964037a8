// Package metrics emits CloudWatch Embedded Metrics Format (EMF) documents.
// Each document is one JSON line; when the service's stdout is shipped to
// CloudWatch Logs the embedded metrics are extracted without any API calls.
//
// See: https://docs.aws.amazon.com/AmazonCloudWatch/latest/monitoring/CloudWatch_Embedded_Metric_Format_Specification.html
package metrics

import (
	"encoding/json"
	"io"
	"maps"
	"os"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Standard CloudWatch metric units.
const (
	UnitMilliseconds = "Milliseconds"
	UnitCount        = "Count"
	UnitNone         = "None"
)

type metricDef struct {
	Name string `json:"Name"`
	Unit string `json:"Unit"`
}

type emfDirective struct {
	Timestamp         int64      `json:"Timestamp"`
	CloudWatchMetrics []cwMetric `json:"CloudWatchMetrics"`
}

type cwMetric struct {
	Namespace  string      `json:"Namespace"`
	Dimensions [][]string  `json:"Dimensions"`
	Metrics    []metricDef `json:"Metrics"`
}

// Emitter writes EMF documents for one namespace. It is safe for concurrent
// use; each Recorder it hands out is not.
type Emitter struct {
	namespace string
	service   string
	now       func() time.Time

	mu  sync.Mutex
	out io.Writer
}

// NewEmitter returns an Emitter writing to stdout. service, when non-empty,
// is attached to every document as the "Service" dimension.
func NewEmitter(namespace, service string) *Emitter {
	return &Emitter{namespace: namespace, service: service, now: time.Now, out: os.Stdout}
}

// WithOutput redirects documents to w.
func (e *Emitter) WithOutput(w io.Writer) *Emitter {
	e.out = w
	return e
}

// Recorder accumulates dimensions, metrics, and properties for a single flush.
type Recorder struct {
	emitter    *Emitter
	dimensions map[string]string
	metrics    map[string]metricDef
	values     map[string]any
	properties map[string]any
}

// New starts a Recorder. A nil Emitter yields a Recorder whose Flush is a no-op.
func (e *Emitter) New() *Recorder {
	r := &Recorder{
		emitter:    e,
		dimensions: make(map[string]string),
		metrics:    make(map[string]metricDef),
		values:     make(map[string]any),
		properties: make(map[string]any),
	}
	if e != nil && e.service != "" {
		r.dimensions["Service"] = e.service
	}
	return r
}

// Dimension adds an indexed dimension.
func (r *Recorder) Dimension(key, value string) *Recorder {
	r.dimensions[key] = value
	return r
}

// Metric records a named metric value with a CloudWatch unit.
func (r *Recorder) Metric(name string, value float64, unit string) *Recorder {
	r.metrics[name] = metricDef{Name: name, Unit: unit}
	r.values[name] = value
	return r
}

// Count records a count metric with value 1.
func (r *Recorder) Count(name string) *Recorder {
	return r.Metric(name, 1, UnitCount)
}

// Property adds a searchable, non-metric field.
func (r *Recorder) Property(key string, value any) *Recorder {
	r.properties[key] = value
	return r
}

// Flush writes the document as a single line. The Recorder must not be reused.
func (r *Recorder) Flush() {
	if r.emitter == nil || len(r.metrics) == 0 {
		return
	}

	doc := make(map[string]any, len(r.dimensions)+len(r.values)+len(r.properties)+1)
	metricDefs := make([]metricDef, 0, len(r.metrics))
	for _, name := range slices.Sorted(maps.Keys(r.metrics)) {
		metricDefs = append(metricDefs, r.metrics[name])
	}
	doc["_aws"] = emfDirective{
		Timestamp: r.emitter.now().UnixMilli(),
		CloudWatchMetrics: []cwMetric{{
			Namespace:  r.emitter.namespace,
			Dimensions: [][]string{slices.Sorted(maps.Keys(r.dimensions))},
			Metrics:    metricDefs,
		}},
	}
	for k, v := range r.dimensions {
		doc[k] = v
	}
	for k, v := range r.values {
		doc[k] = v
	}
	for k, v := range r.properties {
		doc[k] = v
	}

	data, err := json.Marshal(doc)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to marshal EMF document")
		return
	}
	data = append(data, '\n')

	r.emitter.mu.Lock()
	defer r.emitter.mu.Unlock()
	if _, err := r.emitter.out.Write(data); err != nil {
		log.Warn().Err(err).Msg("Failed to write EMF document")
	}
}
