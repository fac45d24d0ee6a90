package stream

import (
	"io"

	"github.com/sagernet/sing-handle/handle"

	E "github.com/sagernet/sing/common/exceptions"
	F "github.com/sagernet/sing/common/format"
)

type frozenState int

const (
	// stateUnfrozen: reading as normal.
	stateUnfrozen frozenState = iota
	// stateFreezing: frozen by the owner, but the engine may still have
	// one read in flight.
	stateFreezing
	// stateFrozen: the engine has been told to stop; any raced chunk and
	// any undrained remainder sit buffered.
	stateFrozen
	// stateThawing: buffered data is being released back to the plug in
	// drain callbacks.
	stateThawing
)

func (s frozenState) String() string {
	switch s {
	case stateUnfrozen:
		return "unfrozen"
	case stateFreezing:
		return "freezing"
	case stateFrozen:
		return "frozen"
	case stateThawing:
		return "thawing"
	default:
		return F.ToString("frozen(", int(s), ")")
	}
}

// handleData is the input worker's callback.
func (s *Stream) handleData(data []byte, err error) int {
	if s.closed {
		return 0
	}
	if err != nil {
		if err == io.EOF {
			s.closing(nil)
		} else {
			s.closing(E.Cause(err, "read from handle"))
		}
		return 0
	}
	if s.frozen == stateFrozen || s.frozen == stateThawing {
		panic(F.ToString("handle stream: data delivered while ", s.frozen))
	}
	if s.frozen == stateFreezing {
		// The read that was already in flight when the freeze was
		// requested has landed. Buffer it and stop the engine outright
		// until thawed.
		s.inputData.Add(data)
		s.frozen = stateFrozen
		return handle.StopReading
	}
	s.notify(func() {
		s.plug.Receive(data)
	})
	return 0
}

// SetFrozen pauses or resumes delivery to the plug. Freezing is advisory
// flow control, not cancellation: at most one more chunk may arrive after
// a freeze, and unfreezing resumes either trivially or through drain
// callbacks. Both directions are idempotent.
func (s *Stream) SetFrozen(frozen bool) {
	if s.closed {
		return
	}
	if frozen {
		switch s.frozen {
		case stateFreezing, stateFrozen:
			// Nothing to do.
		case stateThawing:
			// Mid-drain freeze. The engine is still stopped, so just
			// return to frozen; a pending drain callback will notice
			// and disable itself.
			s.frozen = stateFrozen
		case stateUnfrozen:
			s.frozen = stateFreezing
		}
	} else {
		switch s.frozen {
		case stateUnfrozen, stateThawing:
			// Nothing to do.
		case stateFreezing:
			// The engine sent nothing for the whole time we were
			// frozen, so there is nothing to drain.
			if !s.inputData.IsEmpty() {
				panic("handle stream: buffered data in freezing state")
			}
			s.frozen = stateUnfrozen
		case stateFrozen:
			s.frozen = stateThawing
			s.scheduleDrain()
		}
	}
}

func (s *Stream) scheduleDrain() {
	if s.drainPending {
		return
	}
	s.drainPending = true
	s.loop.Schedule(s.drain)
}

// drain releases one buffered increment back to the plug. Draining in
// scheduler-sized increments keeps each plug reentrancy window bounded and
// lets a renewed freeze interrupt between increments.
func (s *Stream) drain() {
	s.drainPending = false
	if s.closed || s.frozen != stateThawing {
		return
	}
	if !s.inputData.IsEmpty() {
		prefix := s.inputData.Prefix()
		s.deferClose = true
		s.plug.Receive(prefix)
		s.inputData.Consume(len(prefix))
		s.deferClose = false
		if s.deferredClose {
			s.deferredClose = false
			s.Close()
			return
		}
		if s.frozen != stateThawing {
			// The plug re-froze inside the delivery, possibly on the
			// last increment. The engine stays stopped and whatever
			// remains waits for the next thaw.
			return
		}
	}
	if !s.inputData.IsEmpty() {
		s.scheduleDrain()
	} else {
		s.frozen = stateUnfrozen
		s.input.Unthrottle(0)
	}
}
