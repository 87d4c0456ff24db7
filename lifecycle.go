package hsm

import "sync"

// LifecycleState enumerates the engine's construction/run states.
type LifecycleState int

const (
	Constructed LifecycleState = iota
	Starting
	Started
	Stopping
	Stopped
	Disposed
)

func (s LifecycleState) String() string {
	switch s {
	case Constructed:
		return "Constructed"
	case Starting:
		return "Starting"
	case Started:
		return "Started"
	case Stopping:
		return "Stopping"
	case Stopped:
		return "Stopped"
	case Disposed:
		return "Disposed"
	default:
		return "unknown"
	}
}

// lifecycleManager serializes start/stop/dispose transitions.
// Everything here runs under mu; the dispatcher loop itself is single-
// threaded, but Start/Stop/Dispose are called directly from arbitrary
// caller goroutines, so this is the one place the engine actually needs
// a lock.
type lifecycleManager struct {
	mu    sync.Mutex
	state LifecycleState
	// waiters are woken whenever state changes, so Starting.stop and
	// Stopping.start can block until the in-flight operation finishes.
	waiters []chan struct{}
	stream  *broadcaster[LifecycleState]
}

func newLifecycleManager() *lifecycleManager {
	return &lifecycleManager{state: Constructed, stream: newBroadcaster[LifecycleState](true)}
}

func (l *lifecycleManager) current() LifecycleState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

func (l *lifecycleManager) set(s LifecycleState) {
	l.mu.Lock()
	l.state = s
	waiters := l.waiters
	l.waiters = nil
	l.mu.Unlock()
	l.stream.publish(s)
	for _, w := range waiters {
		close(w)
	}
}

// trySet publishes to only if the state is still from, reporting
// whether it did. Used by a suspended Start goroutine to publish its
// outcome without clobbering a Dispose/Stop that raced it to
// completion while it was still running.
func (l *lifecycleManager) trySet(from, to LifecycleState) bool {
	l.mu.Lock()
	if l.state != from {
		l.mu.Unlock()
		return false
	}
	l.state = to
	waiters := l.waiters
	l.waiters = nil
	l.mu.Unlock()
	l.stream.publish(to)
	for _, w := range waiters {
		close(w)
	}
	return true
}

// waitWhile blocks the caller's goroutine until the state is no longer
// one of the given transitional states.
func (l *lifecycleManager) waitWhile(transitional ...LifecycleState) {
	for {
		l.mu.Lock()
		isTransitional := false
		for _, t := range transitional {
			if l.state == t {
				isTransitional = true
				break
			}
		}
		if !isTransitional {
			l.mu.Unlock()
			return
		}
		w := make(chan struct{})
		l.waiters = append(l.waiters, w)
		l.mu.Unlock()
		<-w
	}
}

// beginStart validates and records the start→Starting edge, reporting
// whether the caller must actually run a start (false means it was
// idempotent against an already-Started engine, or should be retried
// after waiting out a Stopping).
func (l *lifecycleManager) beginStart() (shouldRun bool, alreadyStarted bool, err error) {
	l.mu.Lock()
	switch l.state {
	case Disposed:
		l.mu.Unlock()
		return false, false, ErrDisposed
	case Started:
		l.mu.Unlock()
		return false, true, nil
	case Starting, Stopping:
		l.mu.Unlock()
		return false, false, nil
	case Constructed, Stopped:
		l.state = Starting
	}
	waiters := l.waiters
	l.waiters = nil
	l.mu.Unlock()
	l.stream.publish(Starting)
	for _, w := range waiters {
		close(w)
	}
	return true, false, nil
}

func (l *lifecycleManager) beginStop() (shouldRun bool, err error) {
	l.mu.Lock()
	switch l.state {
	case Disposed:
		l.mu.Unlock()
		return false, ErrDisposed
	case Stopped, Stopping:
		l.mu.Unlock()
		return false, nil
	case Constructed:
		l.mu.Unlock()
		return false, ErrInvalidLifecycle
	case Starting, Started:
		l.state = Stopping
	}
	waiters := l.waiters
	l.waiters = nil
	l.mu.Unlock()
	l.stream.publish(Stopping)
	for _, w := range waiters {
		close(w)
	}
	return true, nil
}

func (l *lifecycleManager) onStopTransitionComplete() {
	l.set(Stopped)
}

func (l *lifecycleManager) dispose() {
	l.set(Disposed)
}
