package broadcaster

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/voicecluster/controlplane/internal/observability"
)

// TestFanOutDropsSlowClientWithoutBlockingHub fills one client's send
// buffer past capacity, then proves the hub's Run loop is still
// servicing register/broadcast traffic afterward instead of
// self-deadlocking on the unregister channel.
func TestFanOutDropsSlowClientWithoutBlockingHub(t *testing.T) {
	logger, err := observability.NewLogger("error")
	require.NoError(t, err)

	hub := New(logger, nil, nil, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	slow := &Client{hub: hub, send: make(chan []byte, 256)}
	registerWithTimeout(t, hub, slow)

	// Saturate slow's send buffer well past its capacity; nothing ever
	// drains it in this test, so fanOut must hit its default branch.
	for i := 0; i < 400; i++ {
		hub.Notify(EventPing, nil)
	}

	// Give Run's goroutine a chance to drain hub.broadcast and call
	// fanOut for each queued message.
	time.Sleep(100 * time.Millisecond)

	// If fanOut's drop path ever blocks on h.unregister, this second
	// registration (also an unbuffered channel send) hangs forever.
	other := &Client{hub: hub, send: make(chan []byte, 256)}
	registerWithTimeout(t, hub, other)

	// And the hub must still be willing to fan out new messages.
	notifyWithTimeout(t, hub)
}

func registerWithTimeout(t *testing.T, hub *Hub, c *Client) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		hub.register <- c
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("hub.register send did not complete: Run appears deadlocked")
	}
}

func notifyWithTimeout(t *testing.T, hub *Hub) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		hub.Notify(EventSystemStatus, nil)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("hub.Notify did not return: broadcast channel appears stuck")
	}
}
