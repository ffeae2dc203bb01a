// Package tasks runs federation work outside the request/response cycle.
package tasks

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/deemkeen/tusker/domain"
)

// ErrUnknownTask is returned by Dispatch for names nobody registered
var ErrUnknownTask = errors.New("unknown task")

// Pool is the database handle handed to every task. Tasks read the
// activities and profiles they work on through it.
type Pool interface {
	Ping(ctx context.Context) error
	ReadActivityByURI(ctx context.Context, uri string) (*domain.Activity, error)
	ReadProfileByUsername(ctx context.Context, username string) (*domain.Profile, error)
}

// Event reports the outcome of one task run
type Event struct {
	Task     string
	Args     []string
	Err      error
	Duration time.Duration
	At       time.Time
}

// Resources are shared by all tasks. Events may be nil.
type Resources struct {
	Pool   Pool
	Events chan<- Event
}

// TaskFunc is a named unit of background work
type TaskFunc func(ctx context.Context, res Resources, args []string) error

// Runner spawns tasks on their own goroutines so callers return at once.
// Failures are logged and published as events, never returned to the caller.
type Runner struct {
	res     Resources
	base    context.Context
	timeout time.Duration

	mu    sync.RWMutex
	tasks map[string]TaskFunc
	wg    sync.WaitGroup
}

// NewRunner creates a runner. Tasks run detached from any request context;
// timeout bounds a single run when positive.
func NewRunner(res Resources, timeout time.Duration) *Runner {
	return &Runner{
		res:     res,
		base:    context.Background(),
		timeout: timeout,
		tasks:   make(map[string]TaskFunc),
	}
}

// Register binds name to fn, replacing any earlier registration
func (r *Runner) Register(name string, fn TaskFunc) {
	r.mu.Lock()
	r.tasks[name] = fn
	r.mu.Unlock()
}

// Registered reports whether name has a task
func (r *Runner) Registered(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.tasks[name]
	return ok
}

// Dispatch starts the registered task name in the background
func (r *Runner) Dispatch(name string, args ...string) error {
	r.mu.RLock()
	fn, ok := r.tasks[name]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTask, name)
	}
	r.Go(name, fn, args...)
	return nil
}

// Go starts fn in the background under the given name
func (r *Runner) Go(name string, fn TaskFunc, args ...string) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.run(name, fn, args)
	}()
}

// Run executes the registered task synchronously and returns its error
func (r *Runner) Run(ctx context.Context, name string, args ...string) error {
	r.mu.RLock()
	fn, ok := r.tasks[name]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTask, name)
	}
	return r.execute(ctx, name, fn, args)
}

// Wait blocks until every spawned task finished or ctx is done
func (r *Runner) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Runner) run(name string, fn TaskFunc, args []string) {
	if err := r.execute(r.base, name, fn, args); err != nil {
		log.Printf("Runner: Task %s%v failed: %v", name, args, err)
	}
}

func (r *Runner) execute(ctx context.Context, name string, fn TaskFunc, args []string) (err error) {
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	start := time.Now()
	defer func() {
		if p := recover(); p != nil {
			log.Error("Runner: task panicked", "task", name, "panic", p, "stack", string(debug.Stack()))
			err = fmt.Errorf("task %s panicked: %v", name, p)
		}
		r.publish(Event{Task: name, Args: args, Err: err, Duration: time.Since(start), At: start})
	}()

	log.Debug("Runner: starting task", "task", name, "args", args)
	return fn(ctx, r.res, args)
}

// publish never blocks; events are dropped when nobody is listening
func (r *Runner) publish(ev Event) {
	if r.res.Events == nil {
		return
	}
	select {
	case r.res.Events <- ev:
	default:
		log.Debug("Runner: event dropped", "task", ev.Task)
	}
}
