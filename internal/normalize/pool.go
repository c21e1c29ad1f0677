package normalize

import (
	"sync"

	"go.starlark.net/starlark"
)

// maxScriptSteps bounds one normalize() call.
const maxScriptSteps = 100_000

// threadPool reuses Starlark threads across normalize() calls.
type threadPool struct {
	mu      sync.Mutex
	threads []*starlark.Thread
	maxSize int
}

func newThreadPool(maxSize int) *threadPool {
	if maxSize <= 0 {
		maxSize = 10 // default pool size
	}
	return &threadPool{
		threads: make([]*starlark.Thread, 0, maxSize),
		maxSize: maxSize,
	}
}

// get retrieves a thread from the pool or creates a new one, with a fresh
// step budget. The thread name is used for error reporting.
func (p *threadPool) get(name string) *starlark.Thread {
	p.mu.Lock()
	defer p.mu.Unlock()

	var thread *starlark.Thread
	if len(p.threads) > 0 {
		thread = p.threads[len(p.threads)-1]
		p.threads = p.threads[:len(p.threads)-1]
		thread.Name = name
	} else {
		thread = &starlark.Thread{
			Name:  name,
			Print: func(_ *starlark.Thread, _ string) {},
		}
	}
	// A call that ran out of steps leaves the thread cancelled.
	thread.Uncancel()
	// Steps accumulate over the thread's lifetime.
	thread.SetMaxExecutionSteps(thread.Steps + maxScriptSteps)
	return thread
}

// put returns a thread to the pool for reuse.
// If the pool is full, the thread is discarded.
func (p *threadPool) put(thread *starlark.Thread) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.threads) < p.maxSize {
		thread.Name = ""
		p.threads = append(p.threads, thread)
	}
}

func (p *threadPool) size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.threads)
}
