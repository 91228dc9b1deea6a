package hv

import "sync"

// Tasklet defers a function out of the context that scheduled it. At
// most one run is pending at a time; scheduling while a run is pending
// coalesces. The runner is a goroutine spawn by default and can be
// replaced with a synchronous runner for deterministic tests.
type Tasklet struct {
	mu        sync.Mutex
	idle      *sync.Cond
	fn        func()
	runner    func(func())
	scheduled bool
	running   bool
	killed    bool
}

func NewTasklet(fn func()) *Tasklet {
	t := &Tasklet{
		fn:     fn,
		runner: func(f func()) { go f() },
	}
	t.idle = sync.NewCond(&t.mu)
	return t
}

// SetRunner replaces how scheduled runs are executed. Must be called
// before the first Schedule.
func (t *Tasklet) SetRunner(runner func(func())) {
	t.mu.Lock()
	t.runner = runner
	t.mu.Unlock()
}

// Schedule queues one run of the bound function. No-op if a run is
// already pending or the tasklet has been killed.
func (t *Tasklet) Schedule() {
	t.mu.Lock()
	if t.killed || t.scheduled {
		t.mu.Unlock()
		return
	}
	t.scheduled = true
	runner := t.runner
	t.mu.Unlock()

	runner(t.run)
}

func (t *Tasklet) run() {
	t.mu.Lock()
	t.scheduled = false
	if t.killed {
		t.idle.Broadcast()
		t.mu.Unlock()
		return
	}
	t.running = true
	t.mu.Unlock()

	t.fn()

	t.mu.Lock()
	t.running = false
	t.idle.Broadcast()
	t.mu.Unlock()
}

// Kill cancels any pending run and waits for an in-flight one to
// finish. The tasklet cannot be scheduled afterwards.
func (t *Tasklet) Kill() {
	t.mu.Lock()
	t.killed = true
	for t.scheduled || t.running {
		t.idle.Wait()
	}
	t.mu.Unlock()
}
