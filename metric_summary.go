package spanz

import (
	"sort"
	"strings"
)

// MetricSummary aggregates the values of one metric recorded on a span.
type MetricSummary struct {
	Tags  map[string]string `json:"tags,omitempty"`
	Min   float64           `json:"min"`
	Max   float64           `json:"max"`
	Sum   float64           `json:"sum"`
	Count int               `json:"count"`
}

type metricSummaries map[string]map[string]*MetricSummary

// RecordMetric folds value into the span's summary for name. Values with
// different tag sets are summarized separately. Ended spans are not changed.
func (s *Span) RecordMetric(name string, value float64, tags map[string]string) *Span {
	if s == nil || name == "" {
		return s
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.endTime != 0 {
		return s
	}
	if s.metrics == nil {
		s.metrics = make(metricSummaries)
	}
	buckets := s.metrics[name]
	if buckets == nil {
		buckets = make(map[string]*MetricSummary)
		s.metrics[name] = buckets
	}
	key := tagKey(tags)
	m, ok := buckets[key]
	if !ok {
		var copied map[string]string
		if len(tags) > 0 {
			copied = copyMap(tags)
		}
		buckets[key] = &MetricSummary{Tags: copied, Min: value, Max: value, Sum: value, Count: 1}
		return s
	}
	m.Min = min(m.Min, value)
	m.Max = max(m.Max, value)
	m.Sum += value
	m.Count++
	return s
}

func tagKey(tags map[string]string) string {
	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(tags[k])
		b.WriteByte(',')
	}
	return b.String()
}

// snapshotLocked copies the summaries in export form, grouped by metric name
// and sorted by tag set. s.mu must be held.
func (m metricSummaries) snapshotLocked() map[string][]MetricSummary {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string][]MetricSummary, len(m))
	for name, buckets := range m {
		keys := make([]string, 0, len(buckets))
		for k := range buckets {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		entries := make([]MetricSummary, 0, len(keys))
		for _, k := range keys {
			entries = append(entries, *buckets[k])
		}
		out[name] = entries
	}
	return out
}
