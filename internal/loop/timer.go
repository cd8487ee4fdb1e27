package loop

import "time"

// Timer is a one-shot timer whose expiry is delivered on a Loop. It
// implements manager.Timer. All methods except Now must be called from the
// loop goroutine.
type Timer struct {
	loop    *Loop
	now     func() time.Time
	handler func()

	t        *time.Timer
	gen      uint64
	running  bool
	start    time.Time
	fireTime time.Time
}

// NewTimer creates a stopped timer. now is the clock; nil means time.Now.
func NewTimer(l *Loop, now func() time.Time) *Timer {
	if now == nil {
		now = time.Now
	}
	return &Timer{loop: l, now: now}
}

// SetHandler sets the function run on the loop when the timer expires.
func (t *Timer) SetHandler(f func()) {
	t.handler = f
}

// Now returns the current time.
func (t *Timer) Now() time.Time { return t.now() }

// Start arms the timer to fire d from now, replacing any earlier schedule.
func (t *Timer) Start(d time.Duration) {
	t.StartAt(t.now(), d)
}

// StartAt arms the timer to fire at start+d. A fire time already in the
// past fires immediately.
func (t *Timer) StartAt(start time.Time, d time.Duration) {
	t.stopTimer()

	t.gen++
	gen := t.gen
	t.running = true
	t.start = start
	t.fireTime = start.Add(d)

	wait := t.fireTime.Sub(t.now())
	if wait < 0 {
		wait = 0
	}
	t.t = time.AfterFunc(wait, func() {
		t.loop.Post(func() { t.expire(gen) })
	})
}

// Stop disarms the timer. A fire already queued on the loop is dropped.
func (t *Timer) Stop() {
	t.stopTimer()
	t.gen++
	t.running = false
}

// IsRunning reports whether the timer is armed.
func (t *Timer) IsRunning() bool { return t.running }

// FireTime returns the time the timer is armed for.
func (t *Timer) FireTime() time.Time { return t.fireTime }

func (t *Timer) stopTimer() {
	if t.t != nil {
		t.t.Stop()
		t.t = nil
	}
}

func (t *Timer) expire(gen uint64) {
	if gen != t.gen || !t.running {
		return
	}
	t.running = false
	t.t = nil
	if t.handler != nil {
		t.handler()
	}
}
