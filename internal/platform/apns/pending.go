package apns

import (
	"sync"
	"time"

	"github.com/tinywideclouds/go-push-dispatch/pkg/dispatch"
)

// pendingNotification tracks one notification pushed to one device until it
// resolves. Exactly one of the deadline, the confirmation window, a
// transmission error or client destruction resolves it.
type pendingNotification struct {
	seq    uint64
	id     string
	device string

	result    chan error
	once      sync.Once
	onResolve func(p *pendingNotification, err error)

	mu       sync.Mutex
	resolved bool
	deadline *time.Timer
	confirm  *time.Timer
}

func newPending(seq uint64, id, device string, timeout time.Duration, onResolve func(p *pendingNotification, err error)) *pendingNotification {
	p := &pendingNotification{
		seq:       seq,
		id:        id,
		device:    device,
		result:    make(chan error, 1),
		onResolve: onResolve,
	}
	p.mu.Lock()
	p.deadline = time.AfterFunc(timeout, func() {
		p.resolve(newError(dispatch.KindDeliveryUnavailable, "no transmission report before deadline"))
	})
	p.mu.Unlock()
	return p
}

// transmitted starts the confirmation window. A transmission error that
// arrives inside the window still fails the notification.
func (p *pendingNotification) transmitted(window time.Duration) {
	p.mu.Lock()
	if p.resolved || p.confirm != nil {
		p.mu.Unlock()
		return
	}
	p.deadline.Stop()
	if window > 0 {
		p.confirm = time.AfterFunc(window, func() { p.resolve(nil) })
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()
	p.resolve(nil)
}

// resolve delivers err (nil for success). Only the first call has an effect.
func (p *pendingNotification) resolve(err error) {
	p.once.Do(func() {
		p.mu.Lock()
		p.resolved = true
		p.deadline.Stop()
		if p.confirm != nil {
			p.confirm.Stop()
		}
		p.mu.Unlock()

		p.result <- err
		if p.onResolve != nil {
			p.onResolve(p, err)
		}
	})
}
