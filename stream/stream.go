// Package stream wraps a pair of opaque byte-stream handles into a
// freezable, flow-controlled stream driven by an event loop.
//
// Reads on a handle happen in a background worker as blocking calls, so
// once one is in flight it cannot sensibly be interrupted. After the owner
// freezes a stream it is unavoidable that one more chunk of data may still
// arrive; the stream buffers that chunk, reports the engine maximally
// backlogged to stop further reads, and releases the buffered data back to
// the plug in incremental drain callbacks once thawed.
package stream

import (
	"io"

	"github.com/sagernet/sing-handle/common/bufchain"
	"github.com/sagernet/sing-handle/common/eventloop"
	"github.com/sagernet/sing-handle/handle"

	"github.com/sagernet/sing/common"
	E "github.com/sagernet/sing/common/exceptions"
	"github.com/sagernet/sing/common/log"
	"github.com/sirupsen/logrus"
)

// Plug consumes what a Stream produces. Every call is made on the loop
// goroutine. A plug may call back into the stream from inside any of
// these, including Close.
type Plug interface {
	// Closing reports the end of the stream: nil after a graceful end,
	// the fatal error otherwise. It is called at most once, and no
	// Receive or Sent call follows it.
	Closing(err error)
	// Receive delivers a chunk of stream data, in receive order. The
	// chunk is only valid for the duration of the call.
	Receive(data []byte)
	// Sent reports the count of queued bytes not yet written out.
	Sent(backlog int)
}

type Options struct {
	// Send and Recv are the write and read sides of the underlying
	// handle. They may be the same object, which is then closed once.
	Send io.Writer
	Recv io.Reader
	// Diag is an optional side channel (a child's stderr, typically)
	// whose content is logged line by line instead of being delivered
	// to the plug.
	Diag io.Reader
	Plug Plug
	// Logger receives side channel content and diagnostics.
	Logger *logrus.Entry
}

type inputWorker interface {
	Unthrottle(backlog int)
	Release()
}

type outputWorker interface {
	Write(p []byte) int
	WriteEOF()
	Release()
}

// Stream mediates between the engine workers of one handle pair and a
// Plug. All methods must be called from the loop goroutine; the stream
// itself never blocks.
type Stream struct {
	loop   *eventloop.Loop
	send   io.Writer
	recv   io.Reader
	diag   io.Reader
	plug   Plug
	logger *logrus.Entry

	input  inputWorker
	output outputWorker
	side   inputWorker

	frozen       frozenState
	drainPending bool
	inputData    *bufchain.Chain
	sideData     *bufchain.Chain

	deferClose    bool
	deferredClose bool
	closed        bool
	closingSent   bool
	err           error
}

func New(loop *eventloop.Loop, options Options) *Stream {
	s := &Stream{
		loop:      loop,
		send:      options.Send,
		recv:      options.Recv,
		diag:      options.Diag,
		plug:      options.Plug,
		logger:    options.Logger,
		inputData: bufchain.New(),
		sideData:  bufchain.New(),
	}
	if s.logger == nil {
		s.logger = log.NewLogger("handle-stream")
	}
	s.input = handle.NewInput(loop, options.Recv, s.handleData)
	s.output = handle.NewOutput(loop, options.Send, s.handleSent)
	if options.Diag != nil {
		s.side = handle.NewInput(loop, options.Diag, s.handleSide)
	}
	return s
}

// SetPlug replaces the plug and returns the previous one.
func (s *Stream) SetPlug(plug Plug) Plug {
	previous := s.plug
	if plug != nil {
		s.plug = plug
	}
	return previous
}

// Write queues data for the send handle and returns the queued backlog.
func (s *Stream) Write(p []byte) int {
	return s.output.Write(p)
}

// WriteOOB queues out-of-band data. The underlying handles have no urgent
// channel, so it is queued inband like everything else.
func (s *Stream) WriteOOB(p []byte) int {
	return s.Write(p)
}

// WriteEOF half-closes the send side once queued data has been written.
func (s *Stream) WriteEOF() {
	s.output.WriteEOF()
}

// Flush is a no-op: the stream keeps no write queue of its own, flushing
// is the output worker's business.
func (s *Stream) Flush() {
}

// LastError returns the first fatal error the stream observed, or nil.
func (s *Stream) LastError() error {
	return s.err
}

// PeerInfo reports what can be found out about the remote endpoint of the
// handle, or "" if nothing is available. Best effort: only named-pipe
// server endpoints on Windows yield anything.
func (s *Stream) PeerInfo() string {
	return peerInfo(s.send)
}

// Close tears the stream down: engine workers first, then the underlying
// handles, then the buffered data, so that no released worker can touch a
// cleared queue. A Close issued from inside a delivery callback is
// deferred until that callback has returned.
func (s *Stream) Close() error {
	if s.closed {
		return nil
	}
	if s.deferClose {
		s.deferredClose = true
		return nil
	}
	s.closed = true
	s.input.Release()
	s.output.Release()
	if s.side != nil {
		s.side.Release()
	}
	common.Close(s.send)
	if any(s.recv) != any(s.send) {
		common.Close(s.recv)
	}
	if s.diag != nil {
		common.Close(s.diag)
	}
	s.inputData.Clear()
	s.sideData.Clear()
	return nil
}

// notify runs one delivery into the plug with the close deferral armed.
func (s *Stream) notify(fn func()) {
	s.deferClose = true
	fn()
	s.deferClose = false
	if s.deferredClose {
		s.deferredClose = false
		s.Close()
	}
}

// closing surfaces the end of the stream to the plug, once.
func (s *Stream) closing(err error) {
	if err != nil && s.err == nil {
		s.err = err
	}
	if s.closingSent {
		return
	}
	s.closingSent = true
	s.plug.Closing(err)
}

func (s *Stream) handleSent(backlog int, err error) {
	if s.closed {
		return
	}
	if err != nil {
		s.closing(E.Cause(err, "write to handle"))
		return
	}
	s.notify(func() {
		s.plug.Sent(backlog)
	})
}

func (s *Stream) handleSide(data []byte, err error) int {
	if err != nil {
		// Side channel failures never touch the main stream.
		if err != io.EOF {
			s.logger.Debug("side channel: ", err)
		}
		return 0
	}
	s.sideData.Add(data)
	s.flushSideLines()
	return 0
}

func (s *Stream) flushSideLines() {
	for {
		index := s.sideData.Index('\n')
		if index < 0 {
			return
		}
		line := s.sideData.Fetch(index)
		s.sideData.Consume(index + 1)
		if len(line) > 0 && line[len(line)-1] == '\r' {
			line = line[:len(line)-1]
		}
		s.logger.Info("side channel: ", string(line))
	}
}
