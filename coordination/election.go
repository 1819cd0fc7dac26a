package coordination

import (
	"bytes"
	"context"
	"time"

	"go.uber.org/zap"
)

// LeaderChange reports one observed change of leadership. Done closes when
// this observation is superseded by the next one, so holders of a previous
// change can stop work that assumed the old leader.
type LeaderChange struct {
	Data []byte
	IsMe bool
	Done <-chan struct{}
}

// Elect joins a leader election on a limit-1 semaphore. Two cooperating
// loops run until ctx is cancelled: one retries acquiring the semaphore
// with this participant's data (becoming leader when it succeeds and
// re-entering the race when the lock is lost), the other watches owner
// changes and emits a LeaderChange per observation.
func (s *Session) Elect(ctx context.Context, name string, data []byte) (<-chan LeaderChange, error) {
	watch, err := s.Watch(ctx, name, WatchOptions{Owners: true, IncludeOwners: true})
	if err != nil {
		return nil, err
	}

	out := make(chan LeaderChange)

	// Acquire loop: hold the semaphore whenever possible.
	go func() {
		for ctx.Err() == nil {
			lock, err := s.AcquireSemaphore(ctx, name, AcquireOptions{
				Count:   1,
				Timeout: -1,
				Data:    data,
			})
			if err != nil {
				s.log.Debug("election acquire failed", zap.String("name", name), zap.Error(err))
				select {
				case <-time.After(100 * time.Millisecond):
					continue
				case <-ctx.Done():
					return
				}
			}
			select {
			case <-lock.Done():
				// Lost leadership (session expired); race again.
			case <-ctx.Done():
				releaseCtx, cancel := context.WithTimeout(context.Background(), time.Second)
				_ = lock.Release(releaseCtx)
				cancel()
				return
			}
		}
	}()

	// Watch loop: translate owner changes into LeaderChange records.
	go func() {
		defer close(out)
		var lastData []byte
		var lastDone chan struct{}
		haveLeader := false

		for desc := range watch {
			if len(desc.Owners) == 0 {
				continue
			}
			leader := desc.Owners[0]
			if haveLeader && bytes.Equal(leader.Data, lastData) {
				continue
			}
			if lastDone != nil {
				close(lastDone)
			}
			done := make(chan struct{})
			change := LeaderChange{
				Data: leader.Data,
				IsMe: bytes.Equal(leader.Data, data),
				Done: done,
			}
			select {
			case out <- change:
				haveLeader = true
				lastData = leader.Data
				lastDone = done
			case <-ctx.Done():
				close(done)
				return
			}
		}
		if lastDone != nil {
			close(lastDone)
		}
	}()

	return out, nil
}
