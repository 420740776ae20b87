package spanz

import (
	"sync"
	"time"

	"github.com/zoobzio/clockz"
)

// timer runs fn once after d on clock unless stopped first.
// The deadline is taken when afterFunc returns, so a fake clock advanced
// right after arming always sees it.
type timer struct {
	stop chan struct{}
	once sync.Once
}

// afterFunc arms a timer. fn receives the handle so callers can check it is
// still the timer they expect; a Stop racing with expiry may not prevent fn.
func afterFunc(clock clockz.Clock, d time.Duration, fn func(*timer)) *timer {
	t := &timer{stop: make(chan struct{})}
	fire := clock.After(d)
	go func() {
		select {
		case <-fire:
			fn(t)
		case <-t.stop:
		}
	}()
	return t
}

// Stop cancels the timer. Safe to call on nil and more than once.
func (t *timer) Stop() {
	if t == nil {
		return
	}
	t.once.Do(func() { close(t.stop) })
}
