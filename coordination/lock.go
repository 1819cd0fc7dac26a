package coordination

import (
	"context"
	"sync"
)

// Lock is the handle returned by a successful semaphore acquisition. Done
// closes when the owning session expires, so work depending on the lock
// can stop; Release gives the semaphore back explicitly and is idempotent.
type Lock struct {
	session *Session
	name    string

	mu       sync.Mutex
	released bool
	done     chan struct{}
}

func (s *Session) newLock(name string) *Lock {
	l := &Lock{session: s, name: name, done: make(chan struct{})}
	s.mu.Lock()
	s.expireSubs[l] = l.done
	s.mu.Unlock()
	return l
}

// Name returns the semaphore the lock holds.
func (l *Lock) Name() string { return l.name }

// Done closes when the lock is lost: the owning session expired or the
// lock was released.
func (l *Lock) Done() <-chan struct{} { return l.done }

// Released reports whether Release has completed (or the session expired).
func (l *Lock) Released() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.released {
		return true
	}
	select {
	case <-l.done:
		return true
	default:
		return false
	}
}

// Release gives the semaphore back and detaches the lock from the
// session's expiry notifications. Safe to call more than once.
func (l *Lock) Release(ctx context.Context) error {
	l.mu.Lock()
	if l.released {
		l.mu.Unlock()
		return nil
	}
	l.released = true
	l.mu.Unlock()

	s := l.session
	s.mu.Lock()
	if _, tracked := s.expireSubs[l]; tracked {
		delete(s.expireSubs, l)
		close(l.done)
	}
	s.mu.Unlock()

	_, err := s.ReleaseSemaphore(ctx, l.name)
	return err
}
