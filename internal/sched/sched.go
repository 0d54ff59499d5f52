// Package sched provides cancellable delayed tasks. A Group owns every timer
// armed on behalf of one call session so that teardown cancels them together.
package sched

import (
	"sync"
	"time"
)

// Timer is a pending task.
type Timer interface {
	// Stop prevents the task from running. It reports whether the task was
	// still pending.
	Stop() bool
}

// Scheduler arms delayed tasks and reports the current time.
type Scheduler interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

type realClock struct{}

// Real returns a Scheduler backed by the runtime timers.
func Real() Scheduler { return realClock{} }

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }

// Group tracks the tasks armed through it. Stop cancels every pending task and
// turns later AfterFunc calls into no-ops.
type Group struct {
	parent Scheduler

	mu     sync.Mutex
	nextID uint64
	tasks  map[uint64]Timer
	closed bool
}

// NewGroup returns a Group that arms its tasks on parent.
func NewGroup(parent Scheduler) *Group {
	if parent == nil {
		parent = Real()
	}
	return &Group{parent: parent, tasks: make(map[uint64]Timer)}
}

// Now implements Scheduler.
func (g *Group) Now() time.Time { return g.parent.Now() }

// AfterFunc implements Scheduler.
func (g *Group) AfterFunc(d time.Duration, f func()) Timer {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return stopped{}
	}
	g.nextID++
	id := g.nextID
	t := &groupTimer{g: g, id: id}
	g.tasks[id] = g.parent.AfterFunc(d, func() {
		if !g.take(id) {
			return
		}
		f()
	})
	return t
}

// Pending reports how many tasks are armed and not yet fired or stopped.
func (g *Group) Pending() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.tasks)
}

// Stop cancels every pending task. It is idempotent.
func (g *Group) Stop() {
	g.mu.Lock()
	tasks := g.tasks
	g.tasks = make(map[uint64]Timer)
	g.closed = true
	g.mu.Unlock()
	for _, t := range tasks {
		t.Stop()
	}
}

// take removes the task from the pending set, reporting whether it was still
// owned by the group.
func (g *Group) take(id uint64) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.tasks[id]; !ok || g.closed {
		return false
	}
	delete(g.tasks, id)
	return true
}

type groupTimer struct {
	g  *Group
	id uint64
}

func (t *groupTimer) Stop() bool {
	t.g.mu.Lock()
	inner, ok := t.g.tasks[t.id]
	delete(t.g.tasks, t.id)
	t.g.mu.Unlock()
	if !ok {
		return false
	}
	inner.Stop()
	return true
}

type stopped struct{}

func (stopped) Stop() bool { return false }
