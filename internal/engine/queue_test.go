package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestJob() *job {
	return &job{
		ctx:  context.Background(),
		fn:   func(context.Context) error { return nil },
		done: make(chan error, 1),
	}
}

func TestJobQueue_FIFO(t *testing.T) {
	q := newJobQueue()
	jobs := []*job{newTestJob(), newTestJob(), newTestJob()}

	for _, j := range jobs {
		require.True(t, q.Enqueue(j))
	}
	assert.Equal(t, 3, q.Len())

	for i := range jobs {
		got, ok := q.TryDequeue()
		require.True(t, ok)
		assert.Same(t, jobs[i], got)
	}
	assert.Equal(t, 0, q.Len())
}

func TestJobQueue_TryDequeue_Empty(t *testing.T) {
	q := newJobQueue()

	_, ok := q.TryDequeue()
	assert.False(t, ok, "dequeue from empty queue should return false")
}

func TestJobQueue_EnqueueAfterClose(t *testing.T) {
	q := newJobQueue()
	q.Close()

	assert.False(t, q.Enqueue(newTestJob()))
	assert.True(t, q.closedAndEmpty())
}

func TestJobQueue_CloseIdempotent(t *testing.T) {
	q := newJobQueue()
	q.Close()

	assert.NotPanics(t, q.Close)
}

func TestJobQueue_CloseWakesWaiters(t *testing.T) {
	q := newJobQueue()
	q.Close()

	select {
	case <-q.Wait():
	default:
		t.Fatal("closed queue should signal waiters")
	}
}

func TestJobQueue_ClosedButNotEmpty(t *testing.T) {
	q := newJobQueue()
	require.True(t, q.Enqueue(newTestJob()))
	q.Close()

	assert.False(t, q.closedAndEmpty(), "queued jobs must still drain")
}
