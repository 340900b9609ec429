package jsrt

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/cryguy/jsrt/internal/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecutor_RunUntilIdle(t *testing.T) {
	r, e := newFake(t)
	c, err := NewContext(r)
	require.NoError(t, err)
	defer c.Close()

	var order []string
	sp := r.Spawner()
	require.NotNil(t, sp)
	assert.Same(t, sp, r.Spawner(), "one spawner per runtime")

	require.NoError(t, sp.Spawn(func(rt *Runtime) error {
		order = append(order, "task")
		e.EnqueueJob(c.ptr, func() *core.Exception {
			order = append(order, "job")
			return nil
		})
		return nil
	}))
	_, err = sp.SpawnAfter(5*time.Millisecond, func(rt *Runtime) error {
		order = append(order, "timer")
		return nil
	})
	require.NoError(t, err)
	cancelled, err := sp.SpawnAfter(time.Hour, func(rt *Runtime) error {
		order = append(order, "never")
		return nil
	})
	require.NoError(t, err)
	assert.True(t, sp.Cancel(cancelled))
	assert.False(t, sp.Cancel(cancelled))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, r.Executor().RunUntilIdle(ctx))
	assert.Equal(t, []string{"task", "job", "timer"}, order)
	assert.False(t, sp.Pending())
	assert.False(t, r.IsJobPending())
}

func TestExecutor_Errors(t *testing.T) {
	r, e := newFake(t)
	c, err := NewContext(r)
	require.NoError(t, err)
	defer c.Close()

	boom := errors.New("boom")
	sp := r.Spawner()
	require.NoError(t, sp.Spawn(func(*Runtime) error { return boom }))
	e.EnqueueJob(c.ptr, func() *core.Exception { return &core.Exception{Message: "Error: job"} })
	ran := false
	e.EnqueueJob(c.ptr, func() *core.Exception { ran = true; return nil })

	err = r.Executor().RunUntilIdle(context.Background())
	require.ErrorIs(t, err, boom)
	var scriptErr *ScriptError
	require.ErrorAs(t, err, &scriptErr)
	assert.Equal(t, "Error: job", scriptErr.Message)
	assert.True(t, ran, "a throwing job does not stop the drain")
}

func TestExecutor_ClosedRuntime(t *testing.T) {
	r, _ := newFake(t)
	ex := r.Executor()
	require.NoError(t, r.Close())

	assert.ErrorIs(t, ex.RunUntilIdle(context.Background()), ErrClosed)
	assert.NoError(t, ex.Run(context.Background()))
	assert.ErrorIs(t, r.Executor().RunUntilIdle(context.Background()), ErrClosed)
	assert.Nil(t, r.Spawner())
}

func TestExecutor_RunStopsWhenRuntimeCloses(t *testing.T) {
	r, _ := newFake(t)
	sp := r.Spawner()
	ex := r.Executor()

	var mu sync.Mutex
	var errs []error
	ex.OnError = func(err error) {
		mu.Lock()
		errs = append(errs, err)
		mu.Unlock()
	}

	ticks := make(chan struct{}, 16)
	_, err := sp.SpawnEvery(time.Millisecond, func(*Runtime) error {
		select {
		case ticks <- struct{}{}:
		default:
		}
		return errors.New("tick failed")
	})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- ex.Run(context.Background()) }()

	<-ticks
	<-ticks
	require.NoError(t, r.Close())

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after the runtime closed")
	}
	mu.Lock()
	assert.NotEmpty(t, errs)
	mu.Unlock()

	assert.ErrorIs(t, sp.Spawn(func(*Runtime) error { return nil }), ErrClosed)
	_, err = sp.SpawnAfter(time.Millisecond, func(*Runtime) error { return nil })
	assert.ErrorIs(t, err, ErrClosed)
}

func TestExecutor_RunHonoursContext(t *testing.T) {
	r, _ := newFake(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Executor().Run(ctx) }()
	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("Run ignored cancellation")
	}
}

func TestExecutor_DoesNotKeepRuntimeAlive(t *testing.T) {
	releases := countReleases(t)
	r, e := newFake(t)
	ex := r.Executor()
	require.NoError(t, r.Close())
	assert.Zero(t, e.LiveRuntimes())
	assert.Equal(t, int64(1), releases.Load())
	assert.ErrorIs(t, ex.RunUntilIdle(context.Background()), ErrClosed)
}
