package controller

import (
	"sync"

	"github.com/cncstream/grblcore/pkg/streaming"
)

// Session is the host-facing handle StartStream returns: pause/resume/stop
// plus the final outcome once the run finishes (spec.md §6
// "start_stream(source, opts) → Result<SessionHandle>").
type Session struct {
	engine *streaming.Engine
	done   chan struct{}

	mu    sync.Mutex
	stats streaming.Stats
	err   error
}

func newSession(engine *streaming.Engine) *Session {
	return &Session{engine: engine, done: make(chan struct{})}
}

func (s *Session) finish(stats streaming.Stats, err error) {
	s.mu.Lock()
	s.stats = stats
	s.err = err
	s.mu.Unlock()
	close(s.done)
}

// Pause pauses the stream.
func (s *Session) Pause() { s.engine.Pause() }

// Resume resumes a paused stream.
func (s *Session) Resume() { s.engine.Resume() }

// Stop aborts the stream with reason.
func (s *Session) Stop(reason string) { s.engine.Stop(reason) }

// State reports the session's current lifecycle state.
func (s *Session) State() streaming.State { return s.engine.State() }

// Stats returns a live snapshot of the run's statistics.
func (s *Session) Stats() streaming.Stats { return s.engine.Stats() }

// RequestCheckpoint forces a checkpoint at the next line boundary.
func (s *Session) RequestCheckpoint(reason string) { s.engine.RequestCheckpoint(reason) }

// Done closes once the stream has finished, stopped, or errored.
func (s *Session) Done() <-chan struct{} { return s.done }

// Result returns the final stats and error once Done has closed. Calling it
// before Done closes returns the zero Stats and a nil error.
func (s *Session) Result() (streaming.Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats, s.err
}
