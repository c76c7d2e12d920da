// internal/executor/router.go

// Package executor implements extraction methods behind the
// strategy.Executor contract.
package executor

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/valpere/MediaHarvester/internal/strategy"
	"github.com/valpere/MediaHarvester/internal/utils"
)

// Router dispatches attempts to the executor registered for a method.
type Router struct {
	mu        sync.RWMutex
	executors map[strategy.Method]strategy.Executor
}

// NewRouter creates an empty router.
func NewRouter() *Router {
	return &Router{executors: make(map[strategy.Method]strategy.Executor)}
}

// Register binds exec to methods, replacing earlier bindings.
func (r *Router) Register(exec strategy.Executor, methods ...strategy.Method) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range methods {
		r.executors[m] = exec
	}
}

// Supports reports whether a method has an executor.
func (r *Router) Supports(m strategy.Method) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.executors[m]
	return ok
}

// Methods returns the registered methods in name order.
func (r *Router) Methods() []strategy.Method {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]strategy.Method, 0, len(r.executors))
	for m := range r.executors {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (r *Router) Execute(ctx context.Context, req strategy.Request, method strategy.Method) (*strategy.Result, error) {
	r.mu.RLock()
	exec, ok := r.executors[method]
	r.mu.RUnlock()
	if !ok {
		return nil, utils.NewError(utils.ErrCodeInvalidConfig, fmt.Sprintf("no executor registered for method %s", method)).Build()
	}
	return exec.Execute(ctx, req, method)
}
