package einoah

import (
	"time"
)

// idleTimer fires once a menu has gone timeout without an accepted
// action. It's only touched from the session's own goroutine.
type idleTimer struct {
	timeout time.Duration
	timer   *time.Timer
}

func newIdleTimer(timeout time.Duration) *idleTimer {
	return &idleTimer{timeout: timeout, timer: time.NewTimer(timeout)}
}

// C fires when the timer expires.
func (t *idleTimer) C() <-chan time.Time {
	return t.timer.C
}

// Reset re-arms the timer for another full timeout. As of go1.23,
// no stale expiry is delivered on C after Reset returns.
func (t *idleTimer) Reset() {
	t.timer.Reset(t.timeout)
}

func (t *idleTimer) Stop() {
	t.timer.Stop()
}
