package realtime

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSendToUserReachesOnlyThatUser(t *testing.T) {
	h := NewHub()
	stop := make(chan struct{})
	go h.Run(stop)
	defer close(stop)

	alice, bob := uuid.New(), uuid.New()
	a1 := &Client{ID: "a1", UserID: alice, Send: make(chan []byte, 1)}
	a2 := &Client{ID: "a2", UserID: alice, Send: make(chan []byte, 1)}
	b1 := &Client{ID: "b1", UserID: bob, Send: make(chan []byte, 1)}
	h.RegisterClient(a1)
	h.RegisterClient(a2)
	h.RegisterClient(b1)

	require.Eventually(t, func() bool { return h.Online(alice) && h.Online(bob) }, time.Second, time.Millisecond)

	n, err := h.SendToUser(alice, map[string]string{"type": "payment_released"})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	var got map[string]string
	require.NoError(t, json.Unmarshal(<-a1.Send, &got))
	assert.Equal(t, "payment_released", got["type"])
	assert.Len(t, a2.Send, 1)
	assert.Len(t, b1.Send, 0)

	// full buffers are skipped rather than blocking
	n, err = h.SendToUser(alice, map[string]string{"type": "again"})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestUnregisterClosesSendChannel(t *testing.T) {
	h := NewHub()
	stop := make(chan struct{})
	go h.Run(stop)
	defer close(stop)

	c := &Client{ID: "c", UserID: uuid.New(), Send: make(chan []byte, 1)}
	h.RegisterClient(c)
	h.UnregisterClient(c)

	_, open := <-c.Send
	assert.False(t, open)
	assert.False(t, h.Online(c.UserID))
}

func TestNotificationChannel(t *testing.T) {
	assert.Equal(t, "notifications:abc", NotificationChannel("abc"))
}

func TestStoppedHubRejectsClients(t *testing.T) {
	h := NewHub()
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		h.Run(stop)
		close(done)
	}()

	c := &Client{ID: "c", UserID: uuid.New(), Send: make(chan []byte, 1)}
	require.True(t, h.RegisterClient(c))
	close(stop)
	<-done

	_, open := <-c.Send
	assert.False(t, open, "stop closes every client")
	assert.False(t, h.RegisterClient(&Client{ID: "late", Send: make(chan []byte)}))
	h.UnregisterClient(c) // must not block after stop
}
