package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/cuongbtq/jobgate/internal/queue"
)

// Executor produces the result of a job. Implementations should honor ctx;
// the worker stops waiting at the deadline but cannot abort work already
// dispatched, so executors must tolerate being run more than once.
type Executor interface {
	Execute(ctx context.Context, job *queue.Job) (json.RawMessage, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, job *queue.Job) (json.RawMessage, error)

// Execute calls f.
func (f ExecutorFunc) Execute(ctx context.Context, job *queue.Job) (json.RawMessage, error) {
	return f(ctx, job)
}

// Registry maps job types to executors.
type Registry struct {
	mu        sync.RWMutex
	executors map[string]Executor
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{executors: make(map[string]Executor)}
}

// Register sets the executor for jobType, replacing any previous one.
func (r *Registry) Register(jobType string, e Executor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executors[jobType] = e
}

// Lookup returns the executor for jobType or ErrNoExecutor.
func (r *Registry) Lookup(jobType string) (Executor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.executors[jobType]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoExecutor, jobType)
	}
	return e, nil
}

// Types lists the registered job types in sorted order.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.executors))
	for t := range r.executors {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}
