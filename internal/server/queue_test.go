package server

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueueFIFO(t *testing.T) {
	q := NewQueue()
	for i := byte(0); i < 3; i++ {
		require.True(t, q.Push(job{data: []byte{i}}))
	}
	assert.Equal(t, 3, q.Len())

	for i := byte(0); i < 3; i++ {
		j, ok := q.Pop()
		require.True(t, ok)
		assert.Equal(t, []byte{i}, j.data)
	}
	assert.Equal(t, 0, q.Len())
}

func TestQueuePopBlocksUntilPush(t *testing.T) {
	q := NewQueue()
	got := make(chan job, 1)
	go func() {
		j, _ := q.Pop()
		got <- j
	}()

	select {
	case <-got:
		t.Fatal("Pop returned on an empty queue")
	case <-time.After(20 * time.Millisecond):
	}

	q.Push(job{data: []byte("x")})
	select {
	case j := <-got:
		assert.Equal(t, []byte("x"), j.data)
	case <-time.After(time.Second):
		t.Fatal("Pop did not wake up")
	}
}

func TestQueueCloseDrainsThenStops(t *testing.T) {
	q := NewQueue()
	q.Push(job{data: []byte("a")})
	q.Close()

	assert.False(t, q.Push(job{data: []byte("b")}))

	j, ok := q.Pop()
	require.True(t, ok)
	assert.Equal(t, []byte("a"), j.data)

	_, ok = q.Pop()
	assert.False(t, ok)
}

func TestQueueCloseWakesWaiters(t *testing.T) {
	q := NewQueue()
	done := make(chan bool)
	go func() {
		_, ok := q.Pop()
		done <- ok
	}()

	time.Sleep(10 * time.Millisecond)
	q.Close()
	select {
	case ok := <-done:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("waiter not released by Close")
	}
}
