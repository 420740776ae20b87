package spanz

import (
	"context"
	"testing"
	"time"

	"github.com/zoobzio/clockz"
	"go.uber.org/zap/zaptest"
)

// testEpoch is a whole second so timestamps compare exactly.
var testEpoch = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

func epochSeconds() float64 {
	return float64(testEpoch.Unix())
}

// newTestTracer returns a tracer that samples everything, logs to t and
// reports into a synchronous collector.
func newTestTracer(t *testing.T, clock clockz.Clock, opts Options) (*Tracer, *Collector) {
	t.Helper()
	if opts.SampleRate == nil && opts.Sampler == nil {
		opts.SampleRate = Float(1)
	}
	tracer := New(opts).WithClock(clock).WithLogger(zaptest.NewLogger(t))

	collector := NewCollector("test", 100)
	collector.SetSyncMode(true)
	tracer.AddCollector("test", collector)

	t.Cleanup(func() {
		collector.Close()
		tracer.Close()
	})
	return tracer, collector
}

func testContext(t *testing.T, opts Options) (context.Context, *Tracer, *Collector) {
	t.Helper()
	tracer, collector := newTestTracer(t, clockz.NewFakeClockAt(testEpoch), opts)
	return tracer.Context(context.Background()), tracer, collector
}

func spanNames(spans []SpanJSON) []string {
	names := make([]string, 0, len(spans))
	for _, s := range spans {
		names = append(names, s.Description)
	}
	return names
}
