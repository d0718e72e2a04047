package registry

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeConn records delivered frames. full simulates a wedged send buffer.
type fakeConn struct {
	id     string
	full   bool
	mu     sync.Mutex
	frames [][]byte
	closed bool
}

func (c *fakeConn) ID() string { return c.id }

func (c *fakeConn) Enqueue(frame []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.full {
		return false
	}
	c.frames = append(c.frames, frame)
	return true
}

func (c *fakeConn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}

func (c *fakeConn) received() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.frames)
}

func TestRegistry_SendToRoom(t *testing.T) {
	reg := New()
	a := &fakeConn{id: "a"}
	b := &fakeConn{id: "b"}
	other := &fakeConn{id: "other"}

	reg.Join(UserRoom("alice"), a)
	reg.Join(UserRoom("alice"), b)
	reg.Join(UserRoom("bob"), other)

	sent := reg.Send(UserRoom("alice"), []byte("hi"))

	assert.Equal(t, 2, sent)
	assert.Equal(t, 1, a.received())
	assert.Equal(t, 1, b.received())
	assert.Equal(t, 0, other.received())
}

func TestRegistry_JoinIdempotent(t *testing.T) {
	reg := New()
	c := &fakeConn{id: "c"}

	reg.Join(ConversationRoom("conv-1"), c)
	reg.Join(ConversationRoom("conv-1"), c)

	require.Equal(t, 1, reg.RoomSize(ConversationRoom("conv-1")))
	sent := reg.Send(ConversationRoom("conv-1"), []byte("x"))
	assert.Equal(t, 1, sent)
	assert.Equal(t, 1, c.received())
}

func TestRegistry_RemoveFromAllRooms(t *testing.T) {
	reg := New()
	c := &fakeConn{id: "c"}

	reg.Join(UserRoom("alice"), c)
	reg.Join(ConversationRoom("conv-1"), c)
	reg.Join(ConversationRoom("conv-2"), c)

	reg.Remove(c)

	assert.Equal(t, 0, reg.RoomSize(UserRoom("alice")))
	assert.Equal(t, 0, reg.RoomSize(ConversationRoom("conv-1")))
	assert.Equal(t, 0, reg.RoomSize(ConversationRoom("conv-2")))
	assert.Equal(t, 0, reg.Send(UserRoom("alice"), []byte("x")))

	// Removing again is a no-op
	reg.Remove(c)
}

func TestRegistry_EvictsFullConnections(t *testing.T) {
	reg := New()
	ok := &fakeConn{id: "ok"}
	wedged := &fakeConn{id: "wedged", full: true}

	reg.Join(ConversationRoom("conv-1"), ok)
	reg.Join(ConversationRoom("conv-1"), wedged)

	sent := reg.Send(ConversationRoom("conv-1"), []byte("hi"))

	assert.Equal(t, 1, sent)
	assert.True(t, wedged.closed)
	assert.Equal(t, 1, reg.RoomSize(ConversationRoom("conv-1")))
}

func TestRegistry_SendRoomsOncePerConnection(t *testing.T) {
	reg := New()
	both := &fakeConn{id: "both"}
	roomOnly := &fakeConn{id: "room-only"}
	userOnly := &fakeConn{id: "user-only"}
	outsider := &fakeConn{id: "outsider"}

	// both is reachable through the conversation room and its identity room
	reg.Join(UserRoom("alice"), both)
	reg.Join(ConversationRoom("conv-1"), both)
	reg.Join(ConversationRoom("conv-1"), roomOnly)
	reg.Join(UserRoom("bob"), userOnly)
	reg.Join(UserRoom("carol"), outsider)

	sent := reg.SendRooms([]string{
		ConversationRoom("conv-1"),
		UserRoom("alice"),
		UserRoom("bob"),
	}, []byte("hi"))

	assert.Equal(t, 3, sent)
	assert.Equal(t, 1, both.received(), "one frame despite two matching rooms")
	assert.Equal(t, 1, roomOnly.received())
	assert.Equal(t, 1, userOnly.received())
	assert.Equal(t, 0, outsider.received())
}

func TestRegistry_BroadcastOncePerConnection(t *testing.T) {
	reg := New()
	c := &fakeConn{id: "c"}
	d := &fakeConn{id: "d"}

	// c is in several rooms but must receive a broadcast once
	reg.Join(UserRoom("alice"), c)
	reg.Join(ConversationRoom("conv-1"), c)
	reg.Join(ConversationRoom("conv-2"), c)
	reg.Join(UserRoom("bob"), d)

	sent := reg.Broadcast([]byte("presence"))

	assert.Equal(t, 2, sent)
	assert.Equal(t, 1, c.received())
	assert.Equal(t, 1, d.received())
}
