package spanz

import (
	"context"
	"math/rand/v2"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"github.com/zoobzio/clockz"
	"go.uber.org/zap"
)

// Hook names a lifecycle notification.
type Hook string

const (
	HookSpanStart         Hook = "spanStart"
	HookTransactionStart  Hook = "startTransaction"
	HookTransactionFinish Hook = "finishTransaction"
)

// LifecycleEvent is passed to lifecycle handlers. Transaction is set for the
// transaction hooks.
type LifecycleEvent struct {
	Span        *Span
	Transaction *Transaction
	Hook        Hook
}

// LifecycleHandler is called for every notification of the hook it was
// registered for.
type LifecycleHandler func(LifecycleEvent)

type handlerEntry struct {
	handler LifecycleHandler
	hook    Hook
	id      uint64
	async   bool
}

// TransactionStarter creates root spans. *Tracer implements it.
type TransactionStarter interface {
	StartTransaction(tc TransactionContext, customSamplingContext map[string]any) *Transaction
}

var _ TransactionStarter = (*Tracer)(nil)

// Tracer owns the configuration, the clock, id generation, lifecycle hooks
// and the collectors transactions are reported to.
// Safe for concurrent use by multiple goroutines.
//
//nolint:govet // Field order optimized for functionality over memory
type Tracer struct {
	handlers       []handlerEntry
	collectors     map[string]*Collector
	panicHook      func(handlerID uint64, r interface{})
	workers        *workerPool
	traceIDPool    *IDPool
	spanIDPool     *IDPool
	clock          clockz.Clock
	logger         *zap.Logger
	metrics        *Metrics
	random         func() float64
	options        Options
	handlersLock   sync.RWMutex
	collectorsLock sync.RWMutex
	idPoolOnce     sync.Once
	nextID         atomic.Uint64
	droppedEvents  atomic.Uint64
}

// New creates a tracer. Unset options take their defaults.
// Uses the real clock and a no-op logger.
func New(options Options) *Tracer {
	return &Tracer{
		handlers:   make([]handlerEntry, 0),
		collectors: make(map[string]*Collector),
		clock:      clockz.RealClock,
		logger:     zap.NewNop(),
		random:     rand.Float64,
		options:    options.withDefaults(),
	}
}

// WithClock sets the clock used for timestamps and timers.
// Enables clock injection for deterministic testing.
func (t *Tracer) WithClock(clock clockz.Clock) *Tracer {
	if clock != nil {
		t.clock = clock
	}
	return t
}

// WithLogger sets the logger. Nil restores the no-op logger.
func (t *Tracer) WithLogger(logger *zap.Logger) *Tracer {
	if logger == nil {
		logger = zap.NewNop()
	}
	t.logger = logger
	return t
}

// WithMetrics enables instrumentation.
func (t *Tracer) WithMetrics(m *Metrics) *Tracer {
	t.metrics = m
	return t
}

// WithRandom replaces the source of the sampling random number.
func (t *Tracer) WithRandom(random func() float64) *Tracer {
	if random != nil {
		t.random = random
	}
	return t
}

// Options returns the effective options.
func (t *Tracer) Options() Options {
	return t.options
}

// Context installs the tracer in ctx. The current scope is kept, or a new
// root scope is created.
func (t *Tracer) Context(ctx context.Context) context.Context {
	scope := ScopeFromContext(ctx)
	if scope == nil {
		scope = NewScope()
	}
	return withBundle(ctx, t, scope)
}

// ensureIDPools initializes ID pools if not already created.
func (t *Tracer) ensureIDPools() {
	t.idPoolOnce.Do(func() {
		// Pool size based on number of CPUs for optimal contention balance.
		poolSize := runtime.NumCPU() * 100
		t.traceIDPool = NewIDPool(poolSize, generateTraceID)
		t.spanIDPool = NewIDPool(poolSize, generateSpanID)
	})
}

func (t *Tracer) generateTraceID() string {
	t.ensureIDPools()
	return t.traceIDPool.Get()
}

func (t *Tracer) generateSpanID() string {
	t.ensureIDPools()
	return t.spanIDPool.Get()
}

// On registers a synchronous handler for hook.
func (t *Tracer) On(hook Hook, handler LifecycleHandler) uint64 {
	return t.registerHandler(hook, handler, false)
}

// OnAsync registers a handler for hook that runs off the calling goroutine.
func (t *Tracer) OnAsync(hook Hook, handler LifecycleHandler) uint64 {
	return t.registerHandler(hook, handler, true)
}

func (t *Tracer) registerHandler(hook Hook, handler LifecycleHandler, async bool) uint64 {
	if handler == nil {
		return 0
	}

	id := t.nextID.Add(1)

	t.handlersLock.Lock()
	defer t.handlersLock.Unlock()

	t.handlers = append(t.handlers, handlerEntry{
		id:      id,
		hook:    hook,
		handler: handler,
		async:   async,
	})

	return id
}

// RemoveHandler removes a handler by ID.
func (t *Tracer) RemoveHandler(id uint64) {
	t.handlersLock.Lock()
	defer t.handlersLock.Unlock()

	// Preserve order
	for i, h := range t.handlers {
		if h.id == id {
			copy(t.handlers[i:], t.handlers[i+1:])
			t.handlers = t.handlers[:len(t.handlers)-1]
			return
		}
	}
}

// SetPanicHook sets a function to be called when a handler panics.
func (t *Tracer) SetPanicHook(hook func(handlerID uint64, r interface{})) {
	t.handlersLock.Lock()
	t.panicHook = hook
	t.handlersLock.Unlock()
}

// emit calls every handler registered for hook.
func (t *Tracer) emit(hook Hook, span *Span, tx *Transaction) {
	t.handlersLock.RLock()
	if len(t.handlers) == 0 {
		t.handlersLock.RUnlock()
		return
	}

	handlers := make([]handlerEntry, 0, len(t.handlers))
	for _, h := range t.handlers {
		if h.hook == hook {
			handlers = append(handlers, h)
		}
	}
	workers := t.workers
	t.handlersLock.RUnlock()

	event := LifecycleEvent{Hook: hook, Span: span, Transaction: tx}
	for _, h := range handlers {
		if h.async {
			entry := h
			if workers != nil {
				if !workers.submit(func() { t.safeCall(entry, event) }) {
					t.metrics.spanDropped(dropHandlerQueueFull)
				}
			} else {
				go t.safeCall(entry, event)
			}
		} else {
			t.safeCall(h, event)
		}
	}
}

func (t *Tracer) safeCall(entry handlerEntry, event LifecycleEvent) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Warn("lifecycle handler panicked",
				zap.Uint64("handler_id", entry.id),
				zap.String("hook", string(entry.hook)),
				zap.Any("panic", r),
			)
			t.handlersLock.RLock()
			hook := t.panicHook
			t.handlersLock.RUnlock()
			if hook != nil {
				hook(entry.id, r)
			}
		}
	}()
	entry.handler(event)
}

// AddCollector registers c to receive finished transaction events.
// An existing collector with the same name is replaced.
func (t *Tracer) AddCollector(name string, c *Collector) {
	t.collectorsLock.Lock()
	t.collectors[name] = c
	t.collectorsLock.Unlock()
}

// RemoveCollector unregisters the named collector.
func (t *Tracer) RemoveCollector(name string) {
	t.collectorsLock.Lock()
	delete(t.collectors, name)
	t.collectorsLock.Unlock()
}

// capture hands event to every collector.
func (t *Tracer) capture(event *TransactionEvent) {
	t.collectorsLock.RLock()
	defer t.collectorsLock.RUnlock()

	for name, c := range t.collectors {
		if !c.Collect(event) {
			t.droppedEvents.Add(1)
			t.metrics.spanDropped(dropCollectorFull)
			t.logger.Debug("collector dropped transaction",
				zap.String("collector", name),
				zap.String("transaction", event.Transaction),
			)
		}
	}
}

// StartTransaction creates and samples a root span. The transaction is not
// made active on any scope.
func (t *Tracer) StartTransaction(tc TransactionContext, customSamplingContext map[string]any) *Transaction {
	tx := newTransaction(t, tc)
	t.sample(tx, tc, customSamplingContext)
	t.started(tx)
	return tx
}

// StartIdleTransaction creates a transaction that finishes itself after
// inactivity. With opts.OnScope it becomes the active span of opts.Scope or
// of the current scope of ctx.
func (t *Tracer) StartIdleTransaction(ctx context.Context, tc TransactionContext, opts IdleOptions) *IdleTransaction {
	if opts.TrimEnd {
		tc.TrimEnd = true
	}
	tx := newTransaction(t, tc)
	t.sample(tx, tc, opts.CustomSamplingContext)

	scope := opts.Scope
	if scope == nil {
		scope = ScopeFromContext(ctx)
	}
	it := newIdleTransaction(tx, opts, scope)
	t.started(tx)
	return it
}

func (t *Tracer) started(tx *Transaction) {
	t.metrics.spanStarted(kindTransaction)
	t.logger.Debug("starting transaction",
		zap.String("op", tx.Op()),
		zap.String("name", tx.Name()),
		zap.String("trace_id", tx.traceID),
	)
	t.emit(HookSpanStart, tx.Span, tx)
	t.emit(HookTransactionStart, tx.Span, tx)
}

func (t *Tracer) sample(tx *Transaction, tc TransactionContext, custom map[string]any) {
	attributes := make(map[string]any, len(tc.Data)+len(tc.Attributes))
	for k, v := range tc.Data {
		attributes[k] = v
	}
	for k, v := range tc.Attributes {
		attributes[k] = v
	}

	decision := Sample(&t.options, SamplingContext{
		Name:               tc.Name,
		ParentSampled:      copyBool(tc.ParentSampled),
		TransactionContext: tc,
		Attributes:         attributes,
		Custom:             custom,
	}, t.random)
	tx.applyDecision(decision)
	t.metrics.sampled(decision)

	if decision.Reason == ReasonInvalidRate {
		t.logger.Warn("discarding transaction because of invalid sample rate",
			zap.String("name", tc.Name),
		)
		return
	}
	t.logger.Debug("sampling decision",
		zap.String("name", tc.Name),
		zap.Bool("sampled", decision.Sampled),
		zap.String("reason", string(decision.Reason)),
	)
}

// dscFromOptions is the dynamic sampling context of a trace that starts here.
func (t *Tracer) dscFromOptions(traceID string) map[string]string {
	dsc := map[string]string{
		"trace_id":    traceID,
		"environment": t.options.Environment,
	}
	if t.options.Release != "" {
		dsc["release"] = t.options.Release
	}
	if t.options.PublicKey != "" {
		dsc["public_key"] = t.options.PublicKey
	}
	return dsc
}

// TraceHeaders returns the outbound propagation headers for the active span
// of ctx, or for the propagation context of its scope when no span is active.
func (t *Tracer) TraceHeaders(ctx context.Context) map[string]string {
	var header string
	var dsc map[string]string

	if span := GetActiveSpan(ctx); span != nil {
		header = span.TraceHeader()
		dsc = DynamicSamplingContextFromSpan(span)
	} else {
		scope := ScopeFromContext(ctx)
		if scope == nil {
			scope = NewScope()
		}
		pc := scope.PropagationContext()
		header = FormatTraceHeader(pc.TraceID, pc.SpanID, pc.Sampled)
		dsc = pc.DSC
		if dsc == nil {
			dsc = t.dscFromOptions(pc.TraceID)
		}
	}

	headers := map[string]string{TraceHeaderName: header}
	if baggage := FormatBaggage(dsc); baggage != "" {
		headers[BaggageHeaderName] = baggage
	}
	return headers
}

// EnableWorkerPool creates a bounded worker pool for async handlers.
func (t *Tracer) EnableWorkerPool(workers, queueSize int) error {
	t.handlersLock.Lock()
	defer t.handlersLock.Unlock()

	if t.workers != nil {
		return errors.New("worker pool already enabled")
	}
	if workers <= 0 {
		return errors.New("workers must be > 0")
	}
	if queueSize <= 0 {
		return errors.New("queueSize must be > 0")
	}

	t.workers = &workerPool{
		tasks:   make(chan func(), queueSize),
		stop:    make(chan struct{}),
		dropped: &t.droppedEvents,
	}

	t.workers.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go t.workers.run()
	}

	return nil
}

// DroppedEvents returns the number of notifications and transaction events
// dropped because a queue was full.
func (t *Tracer) DroppedEvents() uint64 {
	return t.droppedEvents.Load()
}

// Close shuts down the tracer gracefully and cleans up resources.
// Open transactions are not ended.
func (t *Tracer) Close() {
	// Stop new handler executions
	t.handlersLock.Lock()
	t.handlers = nil
	workers := t.workers
	t.workers = nil
	t.handlersLock.Unlock()

	// Wait for in-flight async tasks
	if workers != nil {
		workers.shutdown()
	}

	// Close ID pools
	if t.traceIDPool != nil {
		t.traceIDPool.Close()
	}
	if t.spanIDPool != nil {
		t.spanIDPool.Close()
	}
}

// workerPool manages a fixed number of workers for processing async handlers.
//
//nolint:govet // Field order optimized for functionality over memory
type workerPool struct {
	tasks   chan func()
	stop    chan struct{}
	dropped *atomic.Uint64
	wg      sync.WaitGroup
}

func (w *workerPool) run() {
	defer w.wg.Done()
	for {
		select {
		case task := <-w.tasks:
			task()
		case <-w.stop:
			return
		}
	}
}

func (w *workerPool) submit(task func()) bool {
	select {
	case w.tasks <- task:
		return true
	default:
		w.dropped.Add(1)
		return false
	}
}

func (w *workerPool) shutdown() {
	close(w.stop)
	w.wg.Wait()
}
