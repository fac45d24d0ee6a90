package eventloop

import (
	"bytes"
	"runtime"
	"strconv"
	"sync"
)

// Loop is a single-goroutine cooperative callback scheduler. Everything a
// handle stream does happens on its loop goroutine: engine workers marshal
// read results onto it, thaw drains are rescheduled on it, and the
// application drives the stream from it. Callbacks scheduled by one caller
// run in FIFO order.
type Loop struct {
	access    sync.Mutex
	wake      *sync.Cond
	queue     []func()
	closed    bool
	goroutine uint64
	done      chan struct{}
}

func New() *Loop {
	loop := &Loop{
		done: make(chan struct{}),
	}
	loop.wake = sync.NewCond(&loop.access)
	go loop.run()
	return loop
}

// Schedule queues fn to run on the loop goroutine. It never blocks and is
// safe to call from any goroutine. After Close, Schedule is a no-op.
func (l *Loop) Schedule(fn func()) {
	l.access.Lock()
	if l.closed {
		l.access.Unlock()
		return
	}
	l.queue = append(l.queue, fn)
	l.access.Unlock()
	l.wake.Signal()
}

// Sync runs fn on the loop goroutine and waits for it to return. Called
// from the loop goroutine itself, fn runs inline. If the loop is closed,
// fn does not run and Sync returns immediately.
func (l *Loop) Sync(fn func()) {
	caller := goroutineID()
	finished := make(chan struct{})
	l.access.Lock()
	if caller == l.goroutine {
		l.access.Unlock()
		fn()
		return
	}
	if l.closed {
		l.access.Unlock()
		return
	}
	l.queue = append(l.queue, func() {
		fn()
		close(finished)
	})
	l.access.Unlock()
	l.wake.Signal()
	<-finished
}

// Close stops the loop after the callbacks already queued have run.
func (l *Loop) Close() error {
	l.access.Lock()
	if l.closed {
		l.access.Unlock()
		return nil
	}
	l.closed = true
	l.access.Unlock()
	l.wake.Signal()
	return nil
}

// Done is closed once the loop goroutine has exited.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}

func (l *Loop) run() {
	defer close(l.done)
	l.access.Lock()
	l.goroutine = goroutineID()
	l.access.Unlock()
	for {
		l.access.Lock()
		for len(l.queue) == 0 && !l.closed {
			l.wake.Wait()
		}
		if len(l.queue) == 0 {
			l.access.Unlock()
			return
		}
		fn := l.queue[0]
		l.queue[0] = nil
		l.queue = l.queue[1:]
		l.access.Unlock()
		fn()
	}
}

// goroutineID parses the current goroutine's id out of its stack header
// ("goroutine 12 [running]:").
func goroutineID() uint64 {
	buffer := make([]byte, 64)
	buffer = buffer[:runtime.Stack(buffer, false)]
	buffer = bytes.TrimPrefix(buffer, []byte("goroutine "))
	id, _ := strconv.ParseUint(string(buffer[:bytes.IndexByte(buffer, ' ')]), 10, 64)
	return id
}
