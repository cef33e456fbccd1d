package utils

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"go-dm-relay/pkg/logger"

	"go.uber.org/zap"
)

// TaskGroup runs detached side effects (fire-and-forget work that must not block the
// caller). Errors and panics end up in the log; Wait lets shutdown and tests drain it.
type TaskGroup struct {
	wg      sync.WaitGroup
	timeout time.Duration
}

func NewTaskGroup(timeout time.Duration) *TaskGroup {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &TaskGroup{timeout: timeout}
}

// Go starts fn on its own goroutine with a fresh context, detached from the request.
func (g *TaskGroup) Go(name string, fn func(ctx context.Context) error) {
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		g.run(name, fn)
	}()
}

// After is Go with a delay. Wait also waits out the delay.
func (g *TaskGroup) After(name string, delay time.Duration, fn func(ctx context.Context) error) {
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		time.Sleep(delay)
		g.run(name, fn)
	}()
}

func (g *TaskGroup) run(name string, fn func(ctx context.Context) error) {
	defer func() {
		if r := recover(); r != nil {
			logger.L.Error("Detached task panicked",
				zap.String("task", name),
				zap.String("panic", fmt.Sprint(r)),
				zap.ByteString("stack", debug.Stack()))
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), g.timeout)
	defer cancel()

	if err := fn(ctx); err != nil {
		logger.L.Warn("Detached task failed", zap.String("task", name), zap.Error(err))
	}
}

func (g *TaskGroup) Wait() {
	g.wg.Wait()
}
