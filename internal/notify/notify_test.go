package notify

import (
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func receiveOne(t *testing.T, sub *Subscription) Message {
	t.Helper()
	select {
	case msg := <-sub.C():
		return msg
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for notification")
		return Message{}
	}
}

func TestEmitReachesRoomMembers(t *testing.T) {
	hub := NewHub(testLogger())
	sub := hub.Join("task:abc12345")

	hub.Emit("task:abc12345", "task:abc12345:completed", map[string]string{"status": "completed"})

	msg := receiveOne(t, sub)
	assert.Equal(t, "task:abc12345", msg.Room)
	assert.Equal(t, "task:abc12345:completed", msg.Event)
}

func TestEmitToOtherRoomIsNotDelivered(t *testing.T) {
	hub := NewHub(testLogger())
	sub := hub.Join("task:abc12345")

	hub.Emit("task:zzz99999", "task:zzz99999:failed", nil)

	select {
	case msg := <-sub.C():
		t.Fatalf("unexpected message: %+v", msg)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestEmitToEmptyRoomIsNoop(t *testing.T) {
	hub := NewHub(testLogger())
	// Must not panic or block.
	hub.Emit("task:nobody", "task:nobody:completed", nil)
}

func TestLeaveClosesSubscription(t *testing.T) {
	hub := NewHub(testLogger())
	sub := hub.Join("task:abc12345")
	hub.Leave(sub)

	_, open := <-sub.C()
	assert.False(t, open, "channel must be closed after leave")

	// Emitting after leave must not panic.
	hub.Emit("task:abc12345", "task:abc12345:completed", nil)
}

func TestMultipleSubscribersAllReceive(t *testing.T) {
	hub := NewHub(testLogger())
	sub1 := hub.Join("task:abc12345")
	sub2 := hub.Join("task:abc12345")

	hub.Emit("task:abc12345", "task:abc12345:failed", map[string]string{"error": "boom"})

	msg1 := receiveOne(t, sub1)
	msg2 := receiveOne(t, sub2)
	require.Equal(t, msg1.Event, msg2.Event)
}
