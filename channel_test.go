package presence

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestChannelPresentLeaveScenario(t *testing.T) {
	node, _ := newTestNode(t)
	ctx := context.Background()
	ch := node.Channel("/topic-reply/42")

	// First tab: enter event.
	require.NoError(t, ch.Present(ctx, 1, "a", nil))
	count, err := ch.Count(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), count)

	// Second tab of the same user: no event.
	require.NoError(t, ch.Present(ctx, 1, "b", nil))
	count, err = ch.Count(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), count)

	// Heartbeats never re-trigger events.
	require.NoError(t, ch.Present(ctx, 1, "a", nil))
	require.NoError(t, ch.Present(ctx, 1, "b", nil))

	// Closing one tab keeps the user present.
	require.NoError(t, ch.Leave(ctx, 1, "a", nil))
	count, err = ch.Count(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), count)

	// Closing the last tab is the leave event.
	require.NoError(t, ch.Leave(ctx, 1, "b", nil))
	count, err = ch.Count(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(0), count)

	// Exactly two notifications went out: one enter, one leave.
	state, err := ch.State(ctx, false)
	require.NoError(t, err)
	require.Equal(t, int64(2), state.SequenceID)
	require.Empty(t, state.UserIDs)
}

func TestChannelPresentReleasesMutex(t *testing.T) {
	node, mr := newTestNode(t)
	ctx := context.Background()
	ch := node.Channel("/topic-reply/7")

	require.NoError(t, ch.Present(ctx, 3, "a", nil))
	require.False(t, mr.Exists("presence:mutex:/topic-reply/7"))

	ids, err := ch.UserIDs(ctx)
	require.NoError(t, err)
	require.Equal(t, []int64{3}, ids)
}

func TestChannelAccessControl(t *testing.T) {
	node, _ := newTestNode(t)
	ctx := context.Background()

	// Unknown prefix fails closed.
	err := node.Channel("/nope/1").Present(ctx, 1, "a", nil)
	require.Equal(t, ErrorNotFound, err)
	_, err = node.Channel("/nope/1").State(ctx, false)
	require.Equal(t, ErrorNotFound, err)

	secret := node.Channel("/secret/1")

	err = secret.Present(ctx, 8, "a", nil)
	require.Equal(t, ErrorInvalidAccess, err)
	err = secret.Leave(ctx, 8, "a", nil)
	require.Equal(t, ErrorInvalidAccess, err)

	// Denied calls never mutate state.
	count, err := secret.Count(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(0), count)

	require.NoError(t, secret.Present(ctx, 7, "a", nil))

	// Anonymous users can never enter, even public channels.
	err = node.Channel("/topic-reply/1").Present(ctx, 0, "a", nil)
	require.Equal(t, ErrorInvalidAccess, err)

	// Group-restricted channels admit members and the everyone pseudo-group.
	err = node.Channel("/group/1").Present(ctx, 1, "a", nil)
	require.Equal(t, ErrorInvalidAccess, err)
	require.NoError(t, node.Channel("/group/1").Present(ctx, 1, "a", []int64{42}))
	require.NoError(t, node.Channel("/everyone/1").Present(ctx, 1, "a", []int64{99}))
}

func TestChannelCountOnlyNeverMaterializesUserIDs(t *testing.T) {
	node, _ := newTestNode(t)
	ctx := context.Background()
	ch := node.Channel("/count/x")

	require.NoError(t, ch.Present(ctx, 1, "a", nil))
	require.NoError(t, ch.Present(ctx, 2, "b", nil))

	// Even an explicit request for user ids returns the count form.
	state, err := ch.State(ctx, false)
	require.NoError(t, err)
	require.Nil(t, state.UserIDs)
	require.Equal(t, int64(2), state.Count)
}

func TestChannelAutoLeaveExpiry(t *testing.T) {
	node, _ := newTestNode(t)
	ctx := context.Background()
	ch := node.Channel("/fast/1")

	require.NoError(t, ch.Present(ctx, 2, "x", nil))

	count, err := ch.Count(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), count)

	// Sweeping before the deadline is a no-op.
	require.NoError(t, ch.AutoLeave(ctx))
	count, err = ch.Count(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), count)

	// Channel timeout is one second; no refresh arrives.
	time.Sleep(1100 * time.Millisecond)

	require.NoError(t, ch.AutoLeave(ctx))
	count, err = ch.Count(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(0), count)

	// Enter plus exactly one leave event.
	state, err := ch.State(ctx, false)
	require.NoError(t, err)
	require.Equal(t, int64(2), state.SequenceID)
}

func TestChannelMutexRetriesExhausted(t *testing.T) {
	node, mr := newTestNode(t)
	ctx := context.Background()
	ch := node.Channel("/topic-reply/42")

	mr.Set("presence:mutex:/topic-reply/42", "other")

	err := ch.Present(ctx, 1, "a", nil)
	require.Equal(t, ErrorInternal, err)

	// Once the holder releases, the same call goes through.
	mr.Del("presence:mutex:/topic-reply/42")
	require.NoError(t, ch.Present(ctx, 1, "a", nil))
}

func TestChannelClear(t *testing.T) {
	node, _ := newTestNode(t)
	ctx := context.Background()
	ch := node.Channel("/topic-reply/42")

	require.NoError(t, ch.Present(ctx, 1, "a", nil))
	require.NoError(t, ch.Clear(ctx))

	count, err := ch.Count(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(0), count)
}

func TestNodeClearAll(t *testing.T) {
	node, _ := newTestNode(t)
	ctx := context.Background()

	require.NoError(t, node.Channel("/topic-reply/1").Present(ctx, 1, "a", nil))
	require.NoError(t, node.Channel("/topic-reply/2").Present(ctx, 2, "b", nil))

	require.NoError(t, node.ClearAll(ctx))

	channels, err := node.broker.Channels(ctx)
	require.NoError(t, err)
	require.Empty(t, channels)
}

func TestNodeAutoLeaveAllSkipsLiveChannels(t *testing.T) {
	node, _ := newTestNode(t)
	ctx := context.Background()

	require.NoError(t, node.Channel("/topic-reply/1").Present(ctx, 1, "a", nil))

	require.NoError(t, node.AutoLeaveAll(ctx))

	count, err := node.Channel("/topic-reply/1").Count(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), count)
}
