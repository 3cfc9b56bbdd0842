package dispatcher

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTasksRunInOrderOnOneGoroutine(t *testing.T) {
	d := New()
	done := make(chan struct{})
	go func() {
		defer close(done)
		d.Run()
	}()

	var got []int
	for i := 0; i < 10; i++ {
		i := i
		require.NoError(t, d.PostTask(func() { got = append(got, i) }))
	}
	require.NoError(t, d.PostTaskAndWait(func() {}))
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, got)

	d.Shutdown()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after Shutdown")
	}
}

func TestPostTaskAndWaitBlocksUntilRun(t *testing.T) {
	d := New()
	go d.Run()
	defer d.Shutdown()

	ran := false
	require.NoError(t, d.PostTaskAndWait(func() { ran = true }))
	assert.True(t, ran)
}

func TestShutdownDrainsQueuedTasks(t *testing.T) {
	d := New()
	ran := make(chan struct{})
	require.NoError(t, d.PostTask(func() { close(ran) }))

	done := make(chan struct{})
	go func() {
		defer close(done)
		d.Run()
	}()
	d.Shutdown()

	select {
	case <-ran:
	case <-time.After(5 * time.Second):
		t.Fatal("queued task dropped at shutdown")
	}
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
	}
}

func TestPostTaskAfterShutdown(t *testing.T) {
	d := New()
	d.Shutdown()
	assert.ErrorIs(t, d.PostTask(func() {}), ErrShutdown)
	assert.ErrorIs(t, d.PostTaskAndWait(func() {}), ErrShutdown)
}

func TestShutdownIdempotent(t *testing.T) {
	d := New()
	d.Shutdown()
	d.Shutdown()
}
