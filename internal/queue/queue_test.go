package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueue_PushPop(t *testing.T) {
	q := New[string]()

	ok := q.Push("a")
	require.True(t, ok, "push should succeed")

	got, ok := q.TryPop()
	require.True(t, ok, "pop should succeed")
	assert.Equal(t, "a", got)
}

func TestQueue_FIFO(t *testing.T) {
	q := New[int]()
	for i := 1; i <= 3; i++ {
		q.Push(i)
	}

	for i := 1; i <= 3; i++ {
		got, ok := q.TryPop()
		require.True(t, ok)
		assert.Equal(t, i, got)
	}
}

func TestQueue_TryPop_Empty(t *testing.T) {
	q := New[int]()

	_, ok := q.TryPop()
	assert.False(t, ok, "pop from empty queue should return false")
}

func TestQueue_Drain(t *testing.T) {
	q := New[int]()
	assert.Nil(t, q.Drain())

	q.Push(1)
	q.Push(2)
	assert.Equal(t, []int{1, 2}, q.Drain())
	assert.Equal(t, 0, q.Len())

	q.Push(3)
	assert.Equal(t, []int{3}, q.Drain())
}

func TestQueue_Pop_BlocksUntilAvailable(t *testing.T) {
	q := New[string]()
	done := make(chan string)

	go func() {
		v, ok := q.Pop(context.Background())
		if ok {
			done <- v
		}
	}()

	// Give goroutine time to block
	time.Sleep(10 * time.Millisecond)
	q.Push("blocking")

	select {
	case v := <-done:
		assert.Equal(t, "blocking", v)
	case <-time.After(time.Second):
		t.Fatal("pop did not unblock")
	}
}

func TestQueue_Pop_ContextCancel(t *testing.T) {
	q := New[int]()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan bool)

	go func() {
		_, ok := q.Pop(ctx)
		done <- ok
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case ok := <-done:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("pop did not unblock after cancel")
	}
}

func TestQueue_Close_UnblocksPop(t *testing.T) {
	q := New[int]()
	done := make(chan bool)

	go func() {
		_, ok := q.Pop(context.Background())
		done <- ok
	}()

	time.Sleep(10 * time.Millisecond)
	q.Close()

	select {
	case ok := <-done:
		assert.False(t, ok, "pop after close should return false")
	case <-time.After(time.Second):
		t.Fatal("pop did not unblock after close")
	}
}

func TestQueue_Close_KeepsQueuedValues(t *testing.T) {
	q := New[int]()
	q.Push(7)
	q.Close()
	q.Close()

	assert.True(t, q.Closed())
	assert.False(t, q.Push(8), "push after close should return false")

	v, ok := q.Pop(context.Background())
	require.True(t, ok)
	assert.Equal(t, 7, v)

	_, ok = q.Pop(context.Background())
	assert.False(t, ok)
}

func TestQueue_Len(t *testing.T) {
	q := New[int]()
	assert.Equal(t, 0, q.Len())

	q.Push(1)
	q.Push(2)
	assert.Equal(t, 2, q.Len())

	q.TryPop()
	assert.Equal(t, 1, q.Len())
}

func TestQueue_ThreadSafe(t *testing.T) {
	q := New[int]()

	const producers = 10
	const perProducer = 100

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				q.Push(id*1000 + i)
			}
		}(p)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	received := 0
	for received < producers*perProducer {
		if _, ok := q.Pop(ctx); !ok {
			t.Fatalf("consumer timeout: received %d values", received)
		}
		received++
	}
	wg.Wait()
	assert.Equal(t, producers*perProducer, received)
}
