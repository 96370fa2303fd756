package runctx

import (
	"log"
	"os"
	"sync"
	"syscall"
	"time"
)

// DefaultGrace is how long children get between SIGTERM and SIGKILL.
const DefaultGrace = 5 * time.Second

// Supervisor turns OS signals and stop requests into an ordered shutdown of a RunContext.
type Supervisor struct {
	RC    *RunContext
	Grace time.Duration
	// Interrupt records an interrupted task in the progress log.
	Interrupt func(taskID, reason string)
	// Exit terminates the process on a second signal. Defaults to os.Exit.
	Exit func(code int)

	once     sync.Once
	done     chan struct{}
	doneOnce sync.Once
}

func (s *Supervisor) doneCh() chan struct{} {
	s.doneOnce.Do(func() { s.done = make(chan struct{}) })
	return s.done
}

// Done is closed once Shutdown has completed.
func (s *Supervisor) Done() <-chan struct{} { return s.doneCh() }

// Watch consumes signals until the channel is closed. The first signal starts
// a graceful shutdown. A second one kills every child and exits with 130.
func (s *Supervisor) Watch(signals <-chan os.Signal) {
	received := 0
	for sig := range signals {
		received++
		if received == 1 {
			log.Printf("WARNING: received %s, shutting down (send again to force)", sig)
			go s.Shutdown("signal: " + sig.String())
			continue
		}
		log.Printf("WARNING: received %s again, killing children", sig)
		s.RC.signalAll(syscall.SIGKILL)
		exit := s.Exit
		if exit == nil {
			exit = os.Exit
		}
		exit(130)
		return
	}
}

// Shutdown stops the run. Steps run once, in order: flag and token, SIGTERM to
// every child group, bounded wait then SIGKILL, interrupt entries, heartbeat
// stop, lock release. Later calls return immediately.
func (s *Supervisor) Shutdown(reason string) {
	s.once.Do(func() {
		defer close(s.doneCh())

		s.RC.beginShutdown()

		interrupted := s.RC.Active()
		s.RC.signalAll(syscall.SIGTERM)

		grace := s.Grace
		if grace <= 0 {
			grace = DefaultGrace
		}
		if !s.RC.waitIdle(grace) {
			log.Printf("WARNING: children still running after %s, sending SIGKILL", grace)
			s.RC.signalAll(syscall.SIGKILL)
		}

		if s.Interrupt != nil {
			for _, id := range interrupted {
				s.Interrupt(id, reason)
			}
		}

		s.RC.teardown()
	})
}
