package answer

import (
	"context"
	"errors"
	"sync"
)

// Outcome is the terminal status of a stream. The three terminal values are
// disjoint: a handle completes, fails, or is cancelled, never more than one.
type Outcome int

const (
	OutcomePending Outcome = iota
	OutcomeCompleted
	OutcomeFailed
	OutcomeCancelled
)

// Stream is one outstanding answer request. Fragments arrive on Fragments()
// in transport order; Done() closes after the last fragment, and Outcome()
// then reports exactly one terminal status.
type Stream struct {
	fragments chan string
	done      chan struct{}
	cancel    context.CancelFunc

	mu      sync.Mutex
	outcome Outcome
	full    string
	err     error
}

// Fragments returns the ordered fragment channel. It is closed on any
// terminal outcome.
func (s *Stream) Fragments() <-chan string { return s.fragments }

// Done closes once the stream has reached a terminal outcome.
func (s *Stream) Done() <-chan struct{} { return s.done }

// Outcome reports the terminal status, the full concatenated text when
// completed, and the error when failed.
func (s *Stream) Outcome() (Outcome, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.outcome, s.full, s.err
}

// Cancel aborts the underlying transport. It is safe to call repeatedly and
// after completion, where it is a no-op.
func (s *Stream) Cancel() {
	s.cancel()
}

func (s *Stream) finishOK(full string) {
	s.mu.Lock()
	if s.outcome == OutcomePending {
		s.outcome = OutcomeCompleted
		s.full = full
	}
	s.mu.Unlock()
	s.cancel()
}

// finishErr classifies the terminal error: a caller abort becomes cancelled,
// everything else failed.
func (s *Stream) finishErr(ctx context.Context, err error) {
	cancelled := ctx.Err() != nil || errors.Is(err, context.Canceled)
	s.mu.Lock()
	if s.outcome == OutcomePending {
		if cancelled {
			s.outcome = OutcomeCancelled
			s.err = ErrCancelled
		} else {
			s.outcome = OutcomeFailed
			s.err = err
		}
	}
	s.mu.Unlock()
	s.cancel()
}
