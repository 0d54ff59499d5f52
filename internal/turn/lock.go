// Package turn arbitrates who holds the floor on a call. While the system is
// speaking the lock is held and inbound audio is not forwarded, which keeps the
// speech endpoint from hearing its own output.
package turn

import (
	"strings"
	"sync"
	"time"

	"github.com/chadiek/meetbridge/internal/sched"
)

// Estimate parameters for spoken text.
const (
	DefaultPerWord  = 400 * time.Millisecond
	DefaultOverhead = 1500 * time.Millisecond
)

// EstimateSpeech predicts how long text takes to play.
func EstimateSpeech(text string, perWord, overhead time.Duration) time.Duration {
	words := len(strings.Fields(text))
	return time.Duration(words)*perWord + overhead
}

// Lock is the speaking flag plus its safety expiry. The zero value is not
// usable; call New.
type Lock struct {
	sched    sched.Scheduler
	onExpire func()

	mu       sync.Mutex
	speaking bool
	owner    string
	deadline time.Time
	timer    sched.Timer
	gen      uint64
	idle     chan struct{}
}

// New returns an idle Lock. onExpire, if set, runs when the safety timer
// clears a lock nobody released.
func New(s sched.Scheduler, onExpire func()) *Lock {
	idle := make(chan struct{})
	close(idle)
	return &Lock{sched: s, onExpire: onExpire, idle: idle}
}

// Begin takes the floor for at most d. Calling Begin while already speaking
// pushes the expiry out to now+d if that is later, whoever holds it.
func (l *Lock) Begin(d time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.begin(l.owner, d)
}

// TryBegin takes the floor for owner if it is free or already held by owner,
// in one step. It reports false, changing nothing, when another owner holds it.
func (l *Lock) TryBegin(owner string, d time.Duration) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.speaking && l.owner != owner {
		return false
	}
	l.begin(owner, d)
	return true
}

// Extend adds d to the current expiry if owner holds the floor.
func (l *Lock) Extend(owner string, d time.Duration) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.speaking || l.owner != owner {
		return false
	}
	l.arm(l.deadline.Add(d))
	return true
}

// Release ends the turn only if owner holds the floor.
func (l *Lock) Release(owner string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.owner != owner {
		return false
	}
	return l.release()
}

// Owner returns who holds the floor, empty while idle.
func (l *Lock) Owner() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.owner
}

// End releases the floor. It reports whether the lock was held; calling it on
// an idle lock is a no-op.
func (l *Lock) End() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.release()
}

// Speaking reports whether the floor is held.
func (l *Lock) Speaking() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.speaking
}

// Deadline returns the current safety expiry, zero while idle.
func (l *Lock) Deadline() time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.speaking {
		return time.Time{}
	}
	return l.deadline
}

// Idle returns a channel that is closed once the floor is free.
func (l *Lock) Idle() <-chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.idle
}

func (l *Lock) begin(owner string, d time.Duration) {
	deadline := l.sched.Now().Add(d)
	if l.speaking {
		if !deadline.After(l.deadline) {
			return
		}
	} else {
		l.speaking = true
		l.owner = owner
		l.idle = make(chan struct{})
	}
	l.arm(deadline)
}

func (l *Lock) arm(deadline time.Time) {
	if l.timer != nil {
		l.timer.Stop()
	}
	l.gen++
	gen := l.gen
	l.deadline = deadline
	l.timer = l.sched.AfterFunc(deadline.Sub(l.sched.Now()), func() { l.expire(gen) })
}

func (l *Lock) expire(gen uint64) {
	l.mu.Lock()
	if gen != l.gen || !l.speaking {
		l.mu.Unlock()
		return
	}
	l.release()
	l.mu.Unlock()
	if l.onExpire != nil {
		l.onExpire()
	}
}

func (l *Lock) release() bool {
	if !l.speaking {
		return false
	}
	l.speaking = false
	l.owner = ""
	l.deadline = time.Time{}
	l.gen++
	if l.timer != nil {
		l.timer.Stop()
		l.timer = nil
	}
	close(l.idle)
	return true
}
