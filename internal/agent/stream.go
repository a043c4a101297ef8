package agent

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/Encore7/codebase-explainer-agent/pkg/models"
)

// Session is one streamed answer: a finite, ordered sequence of frames
// ending in exactly one terminal frame. It is not restartable. Close
// cancels any in-flight work; no background goroutine outlives it.
type Session struct {
	ID string

	frames chan models.Frame
	cancel context.CancelFunc

	mu  sync.Mutex
	err error
}

func newSession(cancel context.CancelFunc) *Session {
	return &Session{
		ID:     uuid.NewString(),
		frames: make(chan models.Frame),
		cancel: cancel,
	}
}

// Frames returns the stream. It is closed after the terminal frame, or
// after a failure; check Err once it is drained.
func (s *Session) Frames() <-chan models.Frame {
	return s.frames
}

// Err reports why the stream ended early. It is nil after a complete
// stream and non-nil (wrapping ErrStreamAborted) after failure or
// cancellation. Only meaningful once Frames is closed.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close aborts the session. Safe to call multiple times and after the
// stream has completed.
func (s *Session) Close() {
	s.cancel()
}

// emit delivers one token frame, honoring cancellation. Returns false when
// the consumer is gone.
func (s *Session) emit(ctx context.Context, token string) bool {
	select {
	case s.frames <- models.Frame{Token: token}:
		return true
	case <-ctx.Done():
		return false
	}
}

// finish sends the terminal frame and closes the stream. A cancelled
// session never gets a terminal frame; it reports ErrStreamAborted.
func (s *Session) finish(ctx context.Context) {
	if ctx.Err() != nil {
		s.fail(fmt.Errorf("%w: %v", ErrStreamAborted, ctx.Err()))
		return
	}
	select {
	case s.frames <- models.Frame{IsFinal: true}:
	case <-ctx.Done():
		s.setErr(fmt.Errorf("%w: %v", ErrStreamAborted, ctx.Err()))
	}
	close(s.frames)
}

// fail records err and closes the stream without a terminal frame.
func (s *Session) fail(err error) {
	s.setErr(err)
	close(s.frames)
}

func (s *Session) setErr(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}
