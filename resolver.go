package presence

import (
	"context"

	"github.com/maypok86/otter"
)

// EveryoneGroupID is the pseudo-group every authenticated user belongs to.
// A channel whose allowed groups include it admits any logged-in user.
const EveryoneGroupID = 0

// ChannelConfig is the visibility policy a channel prefix resolves to.
type ChannelConfig struct {
	Public          bool    `bson:"public" yaml:"public"`
	AllowedUserIDs  []int64 `bson:"allowed_user_ids" yaml:"allowed_user_ids"`
	AllowedGroupIDs []int64 `bson:"allowed_group_ids" yaml:"allowed_group_ids"`
	CountOnly       bool    `bson:"count_only" yaml:"count_only"`
	// TimeoutSeconds is the client expiry deadline; zero means the node
	// default applies.
	TimeoutSeconds int `bson:"timeout" yaml:"timeout"`
}

// Validate ...
func (c *ChannelConfig) Validate() error {
	if c == nil {
		return ErrorInvalidConfig
	}
	if c.TimeoutSeconds < 0 {
		return ErrorInvalidConfig
	}
	return nil
}

// CanView reports whether a user may read channel state. Anonymous users
// (id <= 0) may view public channels only.
func CanView(c *ChannelConfig, userID int64, groupIDs []int64) bool {
	if c == nil {
		return false
	}
	if c.Public {
		return true
	}
	if userID <= 0 {
		return false
	}
	for _, id := range c.AllowedUserIDs {
		if id == userID {
			return true
		}
	}
	if len(c.AllowedGroupIDs) > 0 {
		for _, gid := range c.AllowedGroupIDs {
			if gid == EveryoneGroupID {
				return true
			}
			for _, ugid := range groupIDs {
				if ugid == gid {
					return true
				}
			}
		}
	}
	return false
}

// CanEnter reports whether a user may enter the channel. Entering always
// requires a non-anonymous user.
func CanEnter(c *ChannelConfig, userID int64, groupIDs []int64) bool {
	if userID <= 0 {
		return false
	}
	return CanView(c, userID, groupIDs)
}

// ConfigResolver maps a channel-name prefix to its ChannelConfig. Resolve
// returns ErrorNotFound when no policy exists for the prefix; every
// operation on such a channel fails closed.
type ConfigResolver interface {
	Resolve(ctx context.Context, prefix string) (*ChannelConfig, error)
}

// StaticResolver resolves prefixes from a fixed in-memory map. The daemon
// builds one from its yaml config; tests use it directly.
type StaticResolver struct {
	configs map[string]*ChannelConfig
}

// NewStaticResolver ...
func NewStaticResolver(configs map[string]*ChannelConfig) *StaticResolver {
	return &StaticResolver{configs: configs}
}

// Resolve ...
func (r *StaticResolver) Resolve(_ context.Context, prefix string) (*ChannelConfig, error) {
	config, ok := r.configs[prefix]
	if !ok {
		return nil, ErrorNotFound
	}
	return config, nil
}

type cachedConfig struct {
	config   *ChannelConfig
	notFound bool
}

// CachingResolver wraps another resolver in a short-TTL cache so hot
// channels do not hit the config store on every heartbeat. The TTL bounds
// staleness; it is a design parameter, not a correctness requirement.
type CachingResolver struct {
	resolver ConfigResolver
	cache    otter.Cache[string, cachedConfig]
}

// NewCachingResolver ...
func NewCachingResolver(resolver ConfigResolver, c Config) (*CachingResolver, error) {
	cache, err := otter.MustBuilder[string, cachedConfig](c.ConfigCacheSize).
		WithTTL(c.ConfigCacheTTL).
		Build()
	if err != nil {
		return nil, err
	}
	return &CachingResolver{
		resolver: resolver,
		cache:    cache,
	}, nil
}

// Resolve returns the cached answer when present. NotFound answers are
// cached too, so a flood of heartbeats against a dead channel stays cheap.
func (r *CachingResolver) Resolve(ctx context.Context, prefix string) (*ChannelConfig, error) {
	if cached, ok := r.cache.Get(prefix); ok {
		if cached.notFound {
			return nil, ErrorNotFound
		}
		return cached.config, nil
	}

	config, err := r.resolver.Resolve(ctx, prefix)
	if err == ErrorNotFound {
		r.cache.Set(prefix, cachedConfig{notFound: true})
		return nil, ErrorNotFound
	}
	if err != nil {
		// Resolver failures are not cached: the next call should retry.
		return nil, err
	}
	r.cache.Set(prefix, cachedConfig{config: config})
	return config, nil
}

// Close releases cache resources.
func (r *CachingResolver) Close() {
	r.cache.Close()
}
