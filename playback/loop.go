package playback

import (
	"sync"
	"time"
)

// Clock schedules the engine's timers.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is a pending AfterFunc call.
type Timer interface {
	Stop() bool
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// loop is the engine's single event loop. Every piece of component state is
// read and written only from tasks running on it, which is why none of the
// components carry a mutex. Timers and network completions re-enter the
// engine by posting tasks.
type loop struct {
	clock Clock
	tasks chan func()

	once sync.Once
	quit chan struct{}
	done chan struct{}
}

func newLoop(c Clock, queue int) *loop {
	return &loop{
		clock: c,
		tasks: make(chan func(), queue),
		quit:  make(chan struct{}),
		done:  make(chan struct{}),
	}
}

// run drains the task queue until stop is called. This should be invoked
// as a goroutine.
func (l *loop) run() {
	defer close(l.done)
	for {
		select {
		case <-l.quit:
			return
		case fn := <-l.tasks:
			fn()
		}
	}
}

// post queues fn to run on the loop. It returns false if the loop has
// stopped.
func (l *loop) post(fn func()) bool {
	select {
	case <-l.quit:
		return false
	default:
	}

	select {
	case l.tasks <- fn:
		return true
	case <-l.quit:
		return false
	}
}

// call runs fn on the loop and waits for it to finish.
func (l *loop) call(fn func()) bool {
	ran := make(chan struct{})
	if !l.post(func() {
		fn()
		close(ran)
	}) {
		return false
	}
	select {
	case <-ran:
		return true
	case <-l.done:
		return false
	}
}

// after runs fn on the loop once d has elapsed.
func (l *loop) after(d time.Duration, fn func()) Timer {
	return l.clock.AfterFunc(d, func() {
		l.post(fn)
	})
}

func (l *loop) now() time.Time {
	return l.clock.Now()
}

func (l *loop) stop() {
	l.once.Do(func() {
		close(l.quit)
	})
}

// stopTimer stops t if it's set and clears it.
func stopTimer(t *Timer) {
	if *t != nil {
		(*t).Stop()
		*t = nil
	}
}
