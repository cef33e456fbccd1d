package utils

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTaskGroup_RunsAndRecovers(t *testing.T) {
	g := NewTaskGroup(time.Second)
	var ran atomic.Int32

	g.Go("ok", func(ctx context.Context) error {
		ran.Add(1)
		return nil
	})
	g.Go("error", func(ctx context.Context) error {
		ran.Add(1)
		return errors.New("boom")
	})
	g.Go("panic", func(ctx context.Context) error {
		ran.Add(1)
		panic("boom")
	})

	g.Wait()
	assert.Equal(t, int32(3), ran.Load())
}

func TestTaskGroup_ContextHasDeadline(t *testing.T) {
	g := NewTaskGroup(50 * time.Millisecond)
	done := make(chan error, 1)

	g.Go("deadline", func(ctx context.Context) error {
		<-ctx.Done()
		done <- ctx.Err()
		return ctx.Err()
	})
	g.Wait()

	assert.ErrorIs(t, <-done, context.DeadlineExceeded)
}

func TestTaskGroup_AfterWaitsOutDelay(t *testing.T) {
	g := NewTaskGroup(50 * time.Millisecond)
	var ran atomic.Int32

	start := time.Now()
	g.After("later", 30*time.Millisecond, func(ctx context.Context) error {
		// the timeout starts after the delay
		if _, ok := ctx.Deadline(); ok && ctx.Err() == nil {
			ran.Add(1)
		}
		return nil
	})
	assert.Zero(t, ran.Load())

	g.Wait()
	assert.Equal(t, int32(1), ran.Load())
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
}
