package presence

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestChannelPrefix(t *testing.T) {
	require.Equal(t, "/topic-reply", channelPrefix("/topic-reply/42"))
	require.Equal(t, "/composer", channelPrefix("/composer/topic/9"))
	require.Equal(t, "/lobby", channelPrefix("/lobby"))
	require.Equal(t, "lobby", channelPrefix("lobby"))
}

func TestCanView(t *testing.T) {
	public := &ChannelConfig{Public: true}
	require.True(t, CanView(public, 0, nil))
	require.True(t, CanView(public, 1, nil))

	byUser := &ChannelConfig{AllowedUserIDs: []int64{7}}
	require.True(t, CanView(byUser, 7, nil))
	require.False(t, CanView(byUser, 8, nil))
	require.False(t, CanView(byUser, 0, nil))

	byGroup := &ChannelConfig{AllowedGroupIDs: []int64{42}}
	require.True(t, CanView(byGroup, 1, []int64{5, 42}))
	require.False(t, CanView(byGroup, 1, []int64{5}))

	everyone := &ChannelConfig{AllowedGroupIDs: []int64{EveryoneGroupID}}
	require.True(t, CanView(everyone, 1, nil))
	require.False(t, CanView(everyone, 0, nil))

	require.False(t, CanView(nil, 1, nil))
}

func TestCanEnterRequiresUser(t *testing.T) {
	public := &ChannelConfig{Public: true}
	require.True(t, CanEnter(public, 1, nil))
	require.False(t, CanEnter(public, 0, nil))
	require.False(t, CanEnter(public, -1, nil))
}

func TestChannelConfigValidate(t *testing.T) {
	var missing *ChannelConfig
	require.Equal(t, ErrorInvalidConfig, missing.Validate())
	require.Equal(t, ErrorInvalidConfig, (&ChannelConfig{TimeoutSeconds: -1}).Validate())
	require.NoError(t, (&ChannelConfig{Public: true}).Validate())
}

type countingResolver struct {
	calls   int
	configs map[string]*ChannelConfig
}

func (r *countingResolver) Resolve(_ context.Context, prefix string) (*ChannelConfig, error) {
	r.calls++
	config, ok := r.configs[prefix]
	if !ok {
		return nil, ErrorNotFound
	}
	return config, nil
}

func TestCachingResolver(t *testing.T) {
	inner := &countingResolver{configs: map[string]*ChannelConfig{
		"/topic-reply": {Public: true},
	}}

	c := DefaultConfig
	c.ConfigCacheTTL = time.Minute
	resolver, err := NewCachingResolver(inner, c)
	require.NoError(t, err)
	defer resolver.Close()

	ctx := context.Background()

	config, err := resolver.Resolve(ctx, "/topic-reply")
	require.NoError(t, err)
	require.True(t, config.Public)

	_, err = resolver.Resolve(ctx, "/topic-reply")
	require.NoError(t, err)
	require.Equal(t, 1, inner.calls)

	// NotFound answers are cached too.
	_, err = resolver.Resolve(ctx, "/missing")
	require.Equal(t, ErrorNotFound, err)
	_, err = resolver.Resolve(ctx, "/missing")
	require.Equal(t, ErrorNotFound, err)
	require.Equal(t, 2, inner.calls)
}
