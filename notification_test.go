package presence

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNotificationEncode(t *testing.T) {
	n := &Notification{
		SequenceID:     3,
		EnteringUsers:  []UserInfo{{ID: 7}},
		LeavingUserIDs: []int64{8},
		Routing:        Routing{Public: true},
	}
	data, err := n.Encode()
	require.NoError(t, err)

	var decoded Notification
	require.NoError(t, json.Unmarshal(data, &decoded))
	require.Equal(t, *n, decoded)
}

func TestSubscribeReceivesNotifications(t *testing.T) {
	node, _ := newTestNode(t)
	ctx := context.Background()

	stream := node.Subscribe(ctx, "/topic-reply/42")
	defer stream.Close()
	messages := stream.Messages()

	// Give the subscription time to register before publishing.
	time.Sleep(100 * time.Millisecond)

	ch := node.Channel("/topic-reply/42")
	require.NoError(t, ch.Present(ctx, 1, "a", nil))
	require.NoError(t, ch.Leave(ctx, 1, "a", nil))

	var enter Notification
	select {
	case data := <-messages:
		require.NoError(t, json.Unmarshal(data, &enter))
	case <-time.After(2 * time.Second):
		t.Fatal("no enter notification received")
	}
	require.Equal(t, int64(1), enter.SequenceID)
	require.Equal(t, []UserInfo{{ID: 1}}, enter.EnteringUsers)
	require.True(t, enter.Routing.Public)

	var leave Notification
	select {
	case data := <-messages:
		require.NoError(t, json.Unmarshal(data, &leave))
	case <-time.After(2 * time.Second):
		t.Fatal("no leave notification received")
	}
	require.Equal(t, int64(2), leave.SequenceID)
	require.Equal(t, []int64{1}, leave.LeavingUserIDs)
}
