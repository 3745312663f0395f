// Package workerpool implements a fixed-capacity pool of child processes,
// launched non-blocking and reaped on the caller's thread in FIFO order of
// termination
package workerpool

import (
	"context"
	"os/exec"
	"sync"

	perr "wavefetch/internal/platform/errors"
	"wavefetch/internal/platform/logger"
)

// Callback is invoked exactly once per launched command, with the exit code
// observed (0 on success). It always runs on the goroutine that called Check
// or WaitForAll, never on the child's own goroutine
type Callback func(cmd string, exitCode int)

// event is one completed child, queued until Check drains it
type event struct {
	cmd  string
	code int
	cb   Callback
}

// Pool is a fixed-capacity pool of detached child processes
type Pool struct {
	capacity int
	log      *logger.Logger

	mu       sync.Mutex
	running  int
	done     chan event
	inFlight sync.WaitGroup
}

// New builds a pool with the given capacity (DOWNLOADWORKERS)
func New(capacity int, log *logger.Logger) *Pool {
	if capacity < 1 {
		capacity = 1
	}
	if log == nil {
		log = logger.Named("workerpool")
	}
	return &Pool{
		capacity: capacity,
		log:      log,
		done:     make(chan event, capacity*4),
	}
}

// HasSpace reports whether the pool has a free launch slot
func (p *Pool) HasSpace() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running < p.capacity
}

// Running returns the current number of in-flight children
func (p *Pool) Running() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// Execute launches cmd as a detached child process, non-blocking;
// running count increases by one immediately. It fails with a pool-full
// error if called with no slack; callers are expected to check HasSpace
// first, mirroring the Manager's dispatch discipline
func (p *Pool) Execute(ctx context.Context, cmd string, cb Callback) error {
	p.mu.Lock()
	if p.running >= p.capacity {
		p.mu.Unlock()
		return perr.PoolFullf("workerpool: no free slot (capacity=%d)", p.capacity)
	}
	p.running++
	p.mu.Unlock()

	p.inFlight.Add(1)
	go p.run(ctx, cmd, cb)
	return nil
}

func (p *Pool) run(ctx context.Context, cmd string, cb Callback) {
	defer p.inFlight.Done()

	code := p.launch(ctx, cmd)

	p.mu.Lock()
	p.running--
	p.mu.Unlock()

	p.done <- event{cmd: cmd, code: code, cb: cb}
}

// launch runs the detached child, inheriting no stdio, and returns its exit
// code. Killing a worker is intentionally unsupported: the child owns its
// own HTTP timeout and retry budget
func (p *Pool) launch(ctx context.Context, cmd string) int {
	c := exec.Command("/bin/sh", "-c", cmd)
	c.Stdin = nil
	c.Stdout = nil
	c.Stderr = nil
	if err := c.Run(); err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			return exitErr.ExitCode()
		}
		p.log.Error().Err(err).Str("cmd", cmd).Msg("worker launch failed")
		return -1
	}
	return 0
}

// Check is a non-blocking poll: for each child that exited since the last
// call, its callback fires exactly once, in FIFO order of termination
func (p *Pool) Check() {
	for {
		select {
		case ev := <-p.done:
			ev.cb(ev.cmd, ev.code)
		default:
			return
		}
	}
}

// WaitForAll blocks until every outstanding child has exited, firing any
// remaining callbacks before returning
func (p *Pool) WaitForAll() {
	p.inFlight.Wait()
	p.Check()
}
