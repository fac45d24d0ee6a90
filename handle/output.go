package handle

import (
	"io"
	"sync"

	"github.com/sagernet/sing-handle/common/bufchain"
	"github.com/sagernet/sing-handle/common/eventloop"
)

// Output owns a queue of bytes awaiting write and a background goroutine
// that drains it into a handle with blocking writes. After each completed
// write the remaining queued byte count is reported to the sent callback
// on the loop goroutine.
type Output struct {
	loop   *eventloop.Loop
	writer io.Writer
	sent   SentFunc

	access   sync.Mutex
	wake     *sync.Cond
	pending  *bufchain.Chain
	eof      bool
	released bool
	stopped  bool

	done chan struct{}
}

func NewOutput(loop *eventloop.Loop, writer io.Writer, sent SentFunc) *Output {
	output := &Output{
		loop:    loop,
		writer:  writer,
		sent:    sent,
		pending: bufchain.New(),
		done:    make(chan struct{}),
	}
	output.wake = sync.NewCond(&output.access)
	go output.run()
	return output
}

// Write queues data and returns the queued backlog. An empty write queues
// nothing and returns the backlog unchanged, as does a write after
// WriteEOF or Release.
func (o *Output) Write(p []byte) int {
	o.access.Lock()
	defer o.access.Unlock()
	if o.released || o.eof || o.stopped || len(p) == 0 {
		return o.pending.Len()
	}
	o.pending.Add(p)
	backlog := o.pending.Len()
	o.wake.Signal()
	return backlog
}

// WriteEOF half-closes the handle once the queued data has been written
// out.
func (o *Output) WriteEOF() {
	o.access.Lock()
	o.eof = true
	o.access.Unlock()
	o.wake.Signal()
}

// Release detaches the worker: queued data is dropped and no further sent
// callbacks are delivered.
func (o *Output) Release() {
	o.access.Lock()
	if o.released {
		o.access.Unlock()
		return
	}
	o.released = true
	o.access.Unlock()
	o.wake.Signal()
}

// Done is closed once the worker goroutine has exited.
func (o *Output) Done() <-chan struct{} {
	return o.done
}

func (o *Output) run() {
	defer close(o.done)
	defer func() {
		o.access.Lock()
		o.stopped = true
		o.pending.Clear()
		o.access.Unlock()
	}()
	for {
		o.access.Lock()
		for o.pending.IsEmpty() && !o.eof && !o.released {
			o.wake.Wait()
		}
		if o.released {
			o.access.Unlock()
			return
		}
		if o.pending.IsEmpty() {
			// EOF requested and the queue has drained.
			o.access.Unlock()
			o.closeWrite()
			return
		}
		prefix := o.pending.Prefix()
		data := make([]byte, len(prefix))
		copy(data, prefix)
		o.access.Unlock()

		n, err := o.writer.Write(data)

		o.access.Lock()
		if n > 0 {
			o.pending.Consume(n)
		}
		backlog := o.pending.Len()
		released := o.released
		o.access.Unlock()
		if released {
			return
		}
		if err != nil {
			o.report(0, err)
			return
		}
		o.report(backlog, nil)
	}
}

func (o *Output) report(backlog int, err error) {
	o.loop.Schedule(func() {
		if o.isReleased() {
			return
		}
		o.sent(backlog, err)
	})
}

func (o *Output) closeWrite() {
	switch writer := o.writer.(type) {
	case interface{ CloseWrite() error }:
		writer.CloseWrite()
	case io.Closer:
		writer.Close()
	}
}

func (o *Output) isReleased() bool {
	o.access.Lock()
	defer o.access.Unlock()
	return o.released
}
