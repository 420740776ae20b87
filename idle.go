package spanz

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// IdleOptions configure an IdleTransaction. Zero durations fall back to the
// tracer options.
type IdleOptions struct {
	// Scope receives the transaction as its active span when OnScope is set.
	// Nil means the current scope of the context.
	Scope                      *Scope
	CustomSamplingContext      map[string]any
	IdleTimeout                time.Duration
	FinalTimeout               time.Duration
	HeartbeatInterval          time.Duration
	OnScope                    bool
	DelayAutoFinishUntilSignal bool
	TrimEnd                    bool
}

// BeforeFinishCallback runs when an idle transaction ends, before its
// children are filtered.
type BeforeFinishCallback func(tx *IdleTransaction, end float64)

// IdleTransaction is a transaction that finishes itself once no child span
// has been open for the idle timeout, when the heartbeat sees no progress or
// when the final timeout expires.
// Safe for concurrent use by multiple goroutines.
//
//nolint:govet // Field order groups timers, counters and flags
type IdleTransaction struct {
	*Transaction

	onScope      *Scope
	activities   map[string]struct{}
	beforeFinish []BeforeFinishCallback

	idleTimer      *timer
	finalTimer     *timer
	heartbeatTimer *timer

	idleTimeout       time.Duration
	finalTimeout      time.Duration
	heartbeatInterval time.Duration

	finishReason      FinishReason
	heartbeatCounter  int
	prevHeartbeat     int
	heartbeatTicks    int
	autoFinishAllowed bool
	// canceledPermanently keeps the idle timer off until the last activity
	// pops, which then ends the transaction right away.
	canceledPermanently bool
	finished            bool

	stateMu sync.Mutex
}

func newIdleTransaction(tx *Transaction, opts IdleOptions, scope *Scope) *IdleTransaction {
	t := tx.tracer
	it := &IdleTransaction{
		Transaction:       tx,
		activities:        make(map[string]struct{}),
		idleTimeout:       opts.IdleTimeout,
		finalTimeout:      opts.FinalTimeout,
		heartbeatInterval: opts.HeartbeatInterval,
		finishReason:      FinishReasonExternal,
		prevHeartbeat:     -1,
		autoFinishAllowed: !opts.DelayAutoFinishUntilSignal,
	}
	if it.idleTimeout <= 0 {
		it.idleTimeout = t.options.IdleTimeout
	}
	if it.finalTimeout <= 0 {
		it.finalTimeout = t.options.FinalTimeout
	}
	if it.heartbeatInterval <= 0 {
		it.heartbeatInterval = t.options.HeartbeatInterval
	}
	tx.hooks = it

	if opts.OnScope && scope != nil {
		t.logger.Debug("setting idle transaction on scope", zap.String("span_id", tx.spanID))
		scope.SetSpan(tx.Span)
		tx.Span.setScope(scope)
		it.onScope = scope
	}

	it.stateMu.Lock()
	if it.autoFinishAllowed {
		it.restartIdleTimeoutLocked(0)
	}
	it.finalTimer = afterFunc(t.clock, it.finalTimeout, it.onFinalTimeout)
	recording := tx.IsRecording()
	if recording {
		it.pingHeartbeatLocked()
	}
	it.stateMu.Unlock()

	tx.spanRecorder.setListener(it)
	t.metrics.idleOpened()
	return it
}

// pushActivity is called when a recorded child span opens.
func (it *IdleTransaction) pushActivity(span *Span) {
	if span == it.Span {
		return
	}
	it.stateMu.Lock()
	defer it.stateMu.Unlock()
	if it.finished {
		return
	}
	it.stopIdleTimerLocked()
	it.activities[span.spanID] = struct{}{}
	it.tracer.logger.Debug("idle transaction activity pushed",
		zap.String("span_id", span.spanID),
		zap.Int("activities", len(it.activities)),
	)
}

// popActivity is called when a recorded child span ends.
func (it *IdleTransaction) popActivity(span *Span) {
	it.stateMu.Lock()
	if it.finished {
		it.stateMu.Unlock()
		return
	}
	if _, ok := it.activities[span.spanID]; !ok {
		it.stateMu.Unlock()
		return
	}
	delete(it.activities, span.spanID)
	it.tracer.logger.Debug("idle transaction activity popped",
		zap.String("span_id", span.spanID),
		zap.Int("activities", len(it.activities)),
	)
	if len(it.activities) > 0 {
		it.stateMu.Unlock()
		return
	}

	now := timeToSeconds(it.tracer.clock.Now())
	if it.canceledPermanently {
		if !it.autoFinishAllowed {
			it.stateMu.Unlock()
			return
		}
		it.finishReason = FinishReasonIdleTimeout
		it.stateMu.Unlock()
		it.EndAt(now)
		return
	}
	if it.autoFinishAllowed {
		it.restartIdleTimeoutLocked(now + it.idleTimeout.Seconds())
	}
	it.stateMu.Unlock()
}

// restartIdleTimeoutLocked arms the idle timer. end is the timestamp the
// transaction ends at when it fires; zero means the firing time.
func (it *IdleTransaction) restartIdleTimeoutLocked(end float64) {
	it.stopIdleTimerLocked()
	it.idleTimer = afterFunc(it.tracer.clock, it.idleTimeout, func(tm *timer) {
		it.onIdleTimeout(tm, end)
	})
}

func (it *IdleTransaction) stopIdleTimerLocked() {
	it.idleTimer.Stop()
	it.idleTimer = nil
}

func (it *IdleTransaction) onIdleTimeout(tm *timer, end float64) {
	it.stateMu.Lock()
	if it.idleTimer != tm || it.finished || !it.autoFinishAllowed || len(it.activities) > 0 {
		it.stateMu.Unlock()
		return
	}
	it.idleTimer = nil
	it.finishReason = FinishReasonIdleTimeout
	it.stateMu.Unlock()

	if end == 0 {
		it.End()
		return
	}
	it.EndAt(end)
}

func (it *IdleTransaction) onFinalTimeout(tm *timer) {
	it.stateMu.Lock()
	if it.finalTimer != tm || it.finished {
		it.stateMu.Unlock()
		return
	}
	it.finalTimer = nil
	it.finishReason = FinishReasonFinalTimeout
	it.stateMu.Unlock()

	it.End()
}

func (it *IdleTransaction) pingHeartbeatLocked() {
	it.heartbeatTimer = afterFunc(it.tracer.clock, it.heartbeatInterval, it.beat)
}

// beat compares the recorder size with the previous tick. Three unchanged
// ticks in a row mean the transaction is stuck: the heartbeat stops, and the
// transaction ends unless auto finish is still delayed.
func (it *IdleTransaction) beat(tm *timer) {
	it.stateMu.Lock()
	if it.heartbeatTimer != tm || it.finished {
		it.stateMu.Unlock()
		return
	}
	it.heartbeatTicks++

	count := it.spanRecorder.Len()
	if count == it.prevHeartbeat {
		it.heartbeatCounter++
	} else {
		it.heartbeatCounter = 1
	}
	it.prevHeartbeat = count

	if it.heartbeatCounter >= 3 {
		it.heartbeatTimer = nil
		if !it.autoFinishAllowed {
			it.stateMu.Unlock()
			return
		}
		it.finishReason = FinishReasonHeartbeatFailed
		it.stateMu.Unlock()

		it.tracer.logger.Debug("idle transaction heartbeat failed",
			zap.String("span_id", it.spanID),
			zap.Int("spans", count),
		)
		it.End()
		return
	}
	it.pingHeartbeatLocked()
	it.stateMu.Unlock()
}

// CancelIdleTimeout stops the idle timer. With restartOnChildSpanChange
// false the timer stays off, and the transaction ends as soon as no child is
// open; if none is open right now it ends at endTimestamp.
func (it *IdleTransaction) CancelIdleTimeout(endTimestamp SpanTimeInput, restartOnChildSpanChange bool) {
	it.stateMu.Lock()
	it.canceledPermanently = !restartOnChildSpanChange
	if it.idleTimer == nil {
		it.stateMu.Unlock()
		return
	}
	it.stopIdleTimerLocked()
	if len(it.activities) > 0 || !it.canceledPermanently || it.finished {
		it.stateMu.Unlock()
		return
	}
	it.finishReason = FinishReasonExternal
	it.stateMu.Unlock()

	it.EndAt(endTimestamp)
}

// SendAutoFinishSignal allows a transaction created with
// DelayAutoFinishUntilSignal to finish itself and arms the idle timer.
func (it *IdleTransaction) SendAutoFinishSignal() {
	it.stateMu.Lock()
	defer it.stateMu.Unlock()
	if it.autoFinishAllowed || it.finished {
		return
	}
	it.tracer.logger.Debug("idle transaction auto finish signal received", zap.String("span_id", it.spanID))
	it.autoFinishAllowed = true
	it.restartIdleTimeoutLocked(0)
}

// RegisterBeforeFinishCallback adds a callback run when the transaction ends.
func (it *IdleTransaction) RegisterBeforeFinishCallback(cb BeforeFinishCallback) {
	it.stateMu.Lock()
	it.beforeFinish = append(it.beforeFinish, cb)
	it.stateMu.Unlock()
}

// EndWithReason ends the transaction at ts, recording reason.
func (it *IdleTransaction) EndWithReason(reason FinishReason, ts SpanTimeInput) {
	it.stateMu.Lock()
	if it.finished {
		it.stateMu.Unlock()
		return
	}
	it.finishReason = reason
	it.stateMu.Unlock()

	it.EndAt(ts)
}

// FinishReason returns why the transaction ended, or FinishReasonExternal
// while it is open.
func (it *IdleTransaction) FinishReason() FinishReason {
	it.stateMu.Lock()
	defer it.stateMu.Unlock()
	return it.finishReason
}

// Activities returns the number of open child spans.
func (it *IdleTransaction) Activities() int {
	it.stateMu.Lock()
	defer it.stateMu.Unlock()
	return len(it.activities)
}

func (it *IdleTransaction) reason() FinishReason {
	return it.FinishReason()
}

// beforeEnd stops the timers and settles the children. Still-open children
// are cancelled at end; children that started after end or finished too far
// past the start are discarded.
func (it *IdleTransaction) beforeEnd(end float64) float64 {
	it.stateMu.Lock()
	it.finished = true
	it.idleTimer.Stop()
	it.finalTimer.Stop()
	it.heartbeatTimer.Stop()
	it.idleTimer, it.finalTimer, it.heartbeatTimer = nil, nil, nil
	it.activities = make(map[string]struct{})
	reason := it.finishReason
	callbacks := make([]BeforeFinishCallback, len(it.beforeFinish))
	copy(callbacks, it.beforeFinish)
	scope := it.onScope
	margin := (it.finalTimeout + it.idleTimeout).Seconds()
	it.stateMu.Unlock()

	it.Span.SetTag(FinishReasonTag, string(reason))

	for _, cb := range callbacks {
		cb(it, end)
	}

	start := it.StartTimestamp()
	var cancelled, discarded int
	it.spanRecorder.retain(func(s *Span) bool {
		if s == it.Span {
			return true
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.endTime == 0 {
			s.endTime = end
			s.status = StatusCancelled
			cancelled++
		}
		keep := s.startTime < end && s.endTime-start < margin
		if !keep {
			discarded++
		}
		return keep
	})

	if scope != nil {
		scope.clearSpan(it.Span)
	}

	it.tracer.metrics.idleClosed()
	it.tracer.logger.Debug("finishing idle transaction",
		zap.String("span_id", it.spanID),
		zap.String("reason", string(reason)),
		zap.Int("cancelled", cancelled),
		zap.Int("discarded", discarded),
	)
	return end
}
