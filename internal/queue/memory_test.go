package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryFIFO(t *testing.T) {
	q := NewMemory()
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, q.Push(ctx, "a", now))
	require.NoError(t, q.Push(ctx, "b", now))
	require.NoError(t, q.Push(ctx, "c", now))

	for _, want := range []string{"a", "b", "c"} {
		id, err := q.Pop(ctx, 100*time.Millisecond)
		require.NoError(t, err)
		assert.Equal(t, want, id)
	}
}

func TestMemoryEmptyPopReturnsNoID(t *testing.T) {
	q := NewMemory()
	start := time.Now()
	id, err := q.Pop(context.Background(), 30*time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, id)
	assert.GreaterOrEqual(t, time.Since(start), 25*time.Millisecond)
}

func TestMemoryDelayedInvisibleUntilDue(t *testing.T) {
	q := NewMemory()
	ctx := context.Background()

	require.NoError(t, q.Push(ctx, "later", time.Now().Add(60*time.Millisecond)))

	id, err := q.Pop(ctx, 10*time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, id, "delayed id must be invisible before availableAt")

	id, err = q.Pop(ctx, 200*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, "later", id)
}

func TestMemoryEligibleServedBeforeDelayed(t *testing.T) {
	q := NewMemory()
	ctx := context.Background()

	require.NoError(t, q.Push(ctx, "delayed", time.Now().Add(time.Hour)))
	require.NoError(t, q.Push(ctx, "ready", time.Now()))

	id, err := q.Pop(ctx, 50*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, "ready", id)

	size, err := q.Size(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, size)
}

func TestMemoryEligibleServedByAvailability(t *testing.T) {
	q := NewMemory()
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, q.Push(ctx, "due-later", now.Add(40*time.Millisecond)))
	require.NoError(t, q.Push(ctx, "due-sooner", now.Add(10*time.Millisecond)))

	time.Sleep(60 * time.Millisecond)
	for _, want := range []string{"due-sooner", "due-later"} {
		id, err := q.Pop(ctx, 50*time.Millisecond)
		require.NoError(t, err)
		assert.Equal(t, want, id, "eligible ids pop oldest availableAt first")
	}
}

func TestMemoryPushWakesBlockedPop(t *testing.T) {
	q := NewMemory()
	ctx := context.Background()

	done := make(chan string, 1)
	go func() {
		id, _ := q.Pop(ctx, 2*time.Second)
		done <- id
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, q.Push(ctx, "x", time.Now()))

	select {
	case id := <-done:
		assert.Equal(t, "x", id)
	case <-time.After(500 * time.Millisecond):
		t.Fatal("pop did not wake on push")
	}
}

func TestMemoryPopHonorsContextCancel(t *testing.T) {
	q := NewMemory()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		_, err := q.Pop(ctx, 5*time.Second)
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(500 * time.Millisecond):
		t.Fatal("pop did not return on cancel")
	}
}

func TestMemoryExactlyOnceInFlight(t *testing.T) {
	q := NewMemory()
	ctx := context.Background()
	require.NoError(t, q.Push(ctx, "only", time.Now()))

	results := make(chan string, 2)
	for i := 0; i < 2; i++ {
		go func() {
			id, _ := q.Pop(ctx, 50*time.Millisecond)
			results <- id
		}()
	}

	got := []string{<-results, <-results}
	assert.ElementsMatch(t, []string{"only", ""}, got)
}
