package handle

import (
	"io"
	"sync"

	"github.com/sagernet/sing-handle/common/eventloop"

	"github.com/sagernet/sing/common/buf"
)

// Input reads from a handle on a background goroutine and delivers each
// chunk to its callback on the loop goroutine.
type Input struct {
	loop     *eventloop.Loop
	reader   io.Reader
	callback DataFunc

	access    sync.Mutex
	wake      *sync.Cond
	throttled bool
	released  bool

	release chan struct{}
	done    chan struct{}
}

func NewInput(loop *eventloop.Loop, reader io.Reader, callback DataFunc) *Input {
	input := &Input{
		loop:     loop,
		reader:   reader,
		callback: callback,
		release:  make(chan struct{}),
		done:     make(chan struct{}),
	}
	input.wake = sync.NewCond(&input.access)
	go input.run()
	return input
}

// Unthrottle resumes reading if backlog has dropped below MaxBacklog.
func (i *Input) Unthrottle(backlog int) {
	if backlog >= MaxBacklog {
		return
	}
	i.access.Lock()
	i.throttled = false
	i.access.Unlock()
	i.wake.Signal()
}

// Release detaches the worker: no further callbacks are delivered. A read
// already blocked in the OS is abandoned; it unblocks once the underlying
// handle is closed and its result is discarded.
func (i *Input) Release() {
	i.access.Lock()
	if i.released {
		i.access.Unlock()
		return
	}
	i.released = true
	close(i.release)
	i.access.Unlock()
	i.wake.Signal()
}

// Done is closed once the worker goroutine has exited.
func (i *Input) Done() <-chan struct{} {
	return i.done
}

func (i *Input) run() {
	defer close(i.done)
	buffer := make([]byte, buf.BufferSize)
	for {
		n, err := i.reader.Read(buffer)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buffer[:n])
			backlog, ok := i.deliver(data, nil)
			if !ok {
				return
			}
			if backlog >= MaxBacklog && !i.park() {
				return
			}
		}
		if err != nil {
			i.deliver(nil, err)
			return
		}
	}
}

// deliver marshals one read result onto the loop goroutine and waits for
// the callback's backlog verdict. It reports !ok if the worker was
// released or the loop shut down before the verdict arrived.
func (i *Input) deliver(data []byte, err error) (backlog int, ok bool) {
	result := make(chan int, 1)
	i.loop.Schedule(func() {
		if i.isReleased() {
			result <- StopReading
			return
		}
		backlog := i.callback(data, err)
		if backlog >= MaxBacklog {
			// The throttle takes effect here, on the loop goroutine,
			// before the verdict reaches the worker: an Unthrottle that
			// runs in a later loop callback is never lost, even if the
			// worker has not parked yet.
			i.access.Lock()
			i.throttled = true
			i.access.Unlock()
		}
		result <- backlog
	})
	select {
	case backlog = <-result:
		return backlog, !i.isReleased()
	case <-i.release:
		return 0, false
	case <-i.loop.Done():
		return 0, false
	}
}

// park waits until the throttle set by deliver is cleared again.
func (i *Input) park() bool {
	i.access.Lock()
	for i.throttled && !i.released {
		i.wake.Wait()
	}
	ok := !i.released
	i.access.Unlock()
	return ok
}

func (i *Input) isReleased() bool {
	i.access.Lock()
	defer i.access.Unlock()
	return i.released
}
