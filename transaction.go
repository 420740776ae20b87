package spanz

import (
	"strconv"
	"sync/atomic"

	"go.uber.org/zap"
)

// UnlabeledTransaction names transactions that finish without a name.
const UnlabeledTransaction = "<unlabeled transaction>"

// TransactionContext carries the fields used to create a transaction.
type TransactionContext struct {
	SpanContext
	// ParentSampled is the decision of an upstream parent, if any.
	ParentSampled *bool
	Metadata      TransactionMetadata
	Source        TransactionSource
	// TrimEnd moves the end timestamp to the latest finished child.
	TrimEnd bool
}

// TransactionMetadata is trace level data that is not part of the span.
type TransactionMetadata struct {
	// DynamicSamplingContext, when non-nil, is frozen: inherited from
	// upstream and reported as-is.
	DynamicSamplingContext map[string]string
}

// transactionHooks lets a variant take part in finishing.
type transactionHooks interface {
	beforeEnd(end float64) float64
	reason() FinishReason
}

// Transaction is the root span of a trace. It owns the sampling decision,
// the dynamic sampling context and the SpanRecorder.
// Safe for concurrent use by multiple goroutines.
type Transaction struct {
	*Span
	hooks        transactionHooks
	spanRecorder *SpanRecorder
	metadata     TransactionMetadata
	decision     SamplingDecision
	source       TransactionSource
	trimEnd      bool
	ending       atomic.Bool
}

func newTransaction(t *Tracer, tc TransactionContext) *Transaction {
	span := newSpan(t, tc.SpanContext)
	tx := &Transaction{
		Span:     span,
		source:   tc.Source,
		trimEnd:  tc.TrimEnd,
		metadata: tc.Metadata,
	}
	if tx.source == "" {
		tx.source = SourceCustom
	}
	if tc.Metadata.DynamicSamplingContext != nil {
		tx.metadata.DynamicSamplingContext = copyMap(tc.Metadata.DynamicSamplingContext)
	}
	span.tx = tx
	span.attributes[AttributeSource] = string(tx.source)

	tx.spanRecorder = NewSpanRecorder(t.options.MaxSpans)
	tx.spanRecorder.metrics = t.metrics
	span.recorder = tx.spanRecorder
	tx.spanRecorder.add(span)
	return tx
}

// applyDecision stores the sampling outcome on the root span.
func (tx *Transaction) applyDecision(d SamplingDecision) {
	tx.decision = d
	tx.Span.mu.Lock()
	tx.Span.sampled = Bool(d.Sampled)
	for k, v := range d.Attributes() {
		tx.Span.attributes[k] = v
	}
	tx.Span.mu.Unlock()
}

// SamplingDecision returns how the sampling decision was made.
func (tx *Transaction) SamplingDecision() SamplingDecision {
	return tx.decision
}

// Source returns how the transaction name was derived.
func (tx *Transaction) Source() TransactionSource {
	return tx.source
}

// Recorder returns the recorder holding the spans of this transaction.
func (tx *Transaction) Recorder() *SpanRecorder {
	return tx.spanRecorder
}

// DynamicSamplingContext returns the frozen context inherited from upstream,
// or builds one from the tracer options and this transaction.
func (tx *Transaction) DynamicSamplingContext() map[string]string {
	if frozen := tx.metadata.DynamicSamplingContext; frozen != nil {
		return copyMap(frozen)
	}

	dsc := tx.tracer.dscFromOptions(tx.traceID)
	if rate := tx.decision.SampleRate; rate != nil {
		dsc["sample_rate"] = strconv.FormatFloat(*rate, 'f', -1, 64)
	}
	if name := tx.Name(); name != "" && tx.source != SourceURL {
		dsc["transaction"] = name
	}
	if sampled := tx.Sampled(); sampled != nil {
		dsc["sampled"] = strconv.FormatBool(*sampled)
	}
	return dsc
}

// DynamicSamplingContextFromSpan returns the dynamic sampling context of the
// transaction span belongs to, or nil.
func DynamicSamplingContextFromSpan(span *Span) map[string]string {
	if tx := span.Transaction(); tx != nil {
		return tx.DynamicSamplingContext()
	}
	return nil
}

// end runs once, whichever way the transaction is ended.
func (tx *Transaction) end(end float64) {
	if tx.Span.IsEnded() || !tx.ending.CompareAndSwap(false, true) {
		return
	}

	reason := FinishReasonExternal
	if tx.hooks != nil {
		end = tx.hooks.beforeEnd(end)
		reason = tx.hooks.reason()
	}
	tx.ensureName()
	if tx.trimEnd {
		if latest := tx.latestChildEnd(); latest > 0 {
			end = latest
		}
	}
	if !tx.Span.close(end) {
		return
	}

	t := tx.tracer
	t.emit(HookTransactionFinish, tx.Span, tx)

	event := tx.finish()
	if event == nil {
		t.metrics.transactionFinished(false, string(reason))
		return
	}
	t.metrics.transactionFinished(true, string(reason))
	t.capture(event)
}

func (tx *Transaction) ensureName() {
	tx.Span.mu.Lock()
	defer tx.Span.mu.Unlock()
	if tx.Span.name == "" {
		tx.tracer.logger.Warn("transaction has no name, using default", zap.String("name", UnlabeledTransaction))
		tx.Span.name = UnlabeledTransaction
	}
}

// latestChildEnd is the latest end among finished children, or 0.
func (tx *Transaction) latestChildEnd() float64 {
	var latest float64
	for _, s := range tx.spanRecorder.Spans() {
		if s == tx.Span {
			continue
		}
		if end := s.EndTimestamp(); end > latest {
			latest = end
		}
	}
	return latest
}

// finish builds the event for a sampled transaction. Unsampled transactions
// yield nil.
func (tx *Transaction) finish() *TransactionEvent {
	t := tx.tracer

	sampled := tx.Sampled()
	if sampled == nil || !*sampled {
		t.logger.Debug("discarding transaction because it was not sampled",
			zap.String("name", tx.Name()),
			zap.String("trace_id", tx.traceID),
		)
		return nil
	}

	var children []*Span
	for _, s := range tx.spanRecorder.Spans() {
		if s == tx.Span || s.EndTimestamp() == 0 {
			continue
		}
		children = append(children, s)
	}

	root := tx.ToJSON()
	if root.Timestamp == nil {
		return nil
	}
	spans := make([]SpanJSON, 0, len(children))
	for _, s := range children {
		spans = append(spans, s.ToJSON())
	}

	tags := make(map[string]any)
	if scope := tx.Scope(); scope != nil {
		for k, v := range scope.Tags() {
			tags[k] = v
		}
	}
	for k, v := range root.Tags {
		tags[k] = v
	}

	event := &TransactionEvent{
		Type:           "transaction",
		Transaction:    root.Description,
		StartTimestamp: root.StartTimestamp,
		Timestamp:      *root.Timestamp,
		Spans:          spans,
		Tags:           tags,
		MetricsSummary: root.MetricsSummary,
		Contexts: EventContexts{
			Trace: TraceContext{
				Data:         root.Data,
				TraceID:      root.TraceID,
				SpanID:       root.SpanID,
				ParentSpanID: root.ParentSpanID,
				Op:           root.Op,
				Status:       root.Status,
				Origin:       root.Origin,
			},
		},
		TransactionInfo: TransactionInfo{Source: tx.source},
		SDKProcessingMetadata: ProcessingMetadata{
			DynamicSamplingContext: tx.DynamicSamplingContext(),
			SampleRate:             tx.decision.SampleRate,
		},
	}

	t.logger.Debug("finishing transaction",
		zap.String("op", root.Op),
		zap.String("name", root.Description),
		zap.Int("spans", len(spans)),
	)
	return event
}

// TransactionEvent is what a finished, sampled transaction is reported as.
type TransactionEvent struct {
	MetricsSummary        map[string][]MetricSummary `json:"_metrics_summary,omitempty"`
	Tags                  map[string]any             `json:"tags,omitempty"`
	SDKProcessingMetadata ProcessingMetadata         `json:"sdkProcessingMetadata"`
	Contexts              EventContexts              `json:"contexts"`
	TransactionInfo       TransactionInfo            `json:"transaction_info"`
	Type                  string                     `json:"type"`
	Transaction           string                     `json:"transaction"`
	Spans                 []SpanJSON                 `json:"spans"`
	StartTimestamp        float64                    `json:"start_timestamp"`
	Timestamp             float64                    `json:"timestamp"`
}

// EventContexts holds the trace context of an event.
type EventContexts struct {
	Trace TraceContext `json:"trace"`
}

// TraceContext describes the root span of a reported transaction.
type TraceContext struct {
	Data         map[string]any `json:"data,omitempty"`
	TraceID      string         `json:"trace_id"`
	SpanID       string         `json:"span_id"`
	ParentSpanID string         `json:"parent_span_id,omitempty"`
	Op           string         `json:"op,omitempty"`
	Status       Status         `json:"status,omitempty"`
	Origin       string         `json:"origin,omitempty"`
}

// TransactionInfo describes the transaction name.
type TransactionInfo struct {
	Source TransactionSource `json:"source"`
}

// ProcessingMetadata is passed to the reporting pipeline alongside the event.
type ProcessingMetadata struct {
	DynamicSamplingContext map[string]string `json:"dynamicSamplingContext,omitempty"`
	SampleRate             *float64          `json:"sampleRate,omitempty"`
}
