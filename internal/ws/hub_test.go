package ws

import (
	"context"
	"sync"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHubJoinAndLeave(t *testing.T) {
	hub := NewHub()
	c := NewClient(nil, 1, 4)

	hub.Join(1, c)
	assert.Equal(t, 1, hub.Count(1))

	hub.Leave(1, c.ID)
	assert.Equal(t, 0, hub.Count(1))
	assert.Empty(t, hub.rooms)
}

func TestHubLeaveIsIdempotent(t *testing.T) {
	hub := NewHub()
	hub.Leave(1, "missing")

	c := NewClient(nil, 1, 4)
	hub.Join(1, c)
	hub.Leave(1, c.ID)
	hub.Leave(1, c.ID)
	hub.Leave(2, c.ID)
	assert.Equal(t, 0, hub.Count(1))
}

func TestHubBroadcastOnlyReachesRoom(t *testing.T) {
	hub := NewHub()
	a := NewClient(nil, 1, 4)
	b := NewClient(nil, 2, 4)
	other := NewClient(nil, 3, 4)
	hub.Join(1, a)
	hub.Join(1, b)
	hub.Join(2, other)

	hub.Broadcast(context.Background(), 1, []byte("hi"))

	assert.Equal(t, "hi", string(<-a.send))
	assert.Equal(t, "hi", string(<-b.send))
	assert.Len(t, other.send, 0)

	hub.Broadcast(context.Background(), 99, []byte("nobody"))
}

func TestHubEvictsSlowConsumer(t *testing.T) {
	hub := NewHub()
	slow := NewClient(nil, 1, 1)
	fast := NewClient(nil, 2, 8)
	hub.Join(1, slow)
	hub.Join(1, fast)

	for _, p := range []string{"a", "b", "c"} {
		hub.Broadcast(context.Background(), 1, []byte(p))
	}

	select {
	case <-slow.Done():
	default:
		t.Fatal("slow consumer was not closed")
	}
	assert.Equal(t, 1, hub.Count(1))

	require.Len(t, fast.send, 3)
	for _, want := range []string{"a", "b", "c"} {
		assert.Equal(t, want, string(<-fast.send))
	}
}

func TestHubCloseAll(t *testing.T) {
	hub := NewHub()
	a := NewClient(nil, 1, 4)
	b := NewClient(nil, 2, 4)
	hub.Join(1, a)
	hub.Join(2, b)

	assert.Equal(t, 2, hub.CloseAll(websocket.CloseGoingAway, "bye"))
	for _, c := range []*Client{a, b} {
		select {
		case <-c.Done():
		default:
			t.Fatal("connection was not closed")
		}
		assert.Equal(t, websocket.CloseGoingAway, c.closeCode)
	}
}

func TestHubConcurrentJoinLeaveBroadcast(t *testing.T) {
	hub := NewHub()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			c := NewClient(nil, i, 64)
			hub.Join(int64(i%3), c)
			hub.Leave(int64(i%3), c.ID)
		}(i)
		go func(i int) {
			defer wg.Done()
			hub.Broadcast(context.Background(), int64(i%3), []byte("x"))
		}(i)
	}
	wg.Wait()
	for room := int64(0); room < 3; room++ {
		assert.Equal(t, 0, hub.Count(room))
	}
}
