package presence

import (
	"context"
	"crypto/tls"
	"fmt"
	"strconv"
	"time"

	errs "github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// BrokerShardConfig ...
type BrokerShardConfig struct {
	Host           string
	Port           int
	Password       string
	DB             int
	UseTLS         bool
	TLSSkipVerify  bool
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
}

// BrokerConfig ...
type BrokerConfig struct {
	// Prefix for all keys and pub/sub channels this broker touches.
	Prefix string
	// Shards of the coordination store. A channel's keys all live on one
	// shard (selected by consistent hash of the channel name), so every
	// multi-key script stays single-shard.
	Shards []BrokerShardConfig
}

// Broker maintains all presence state in Redis. Every mutation of the three
// per-channel structures happens inside one of the Lua scripts below, in a
// single atomic round trip; application code never read-then-writes presence
// keys across two round trips.
type Broker struct {
	node   *Node
	config *BrokerConfig
	shards []*brokerShard
}

type brokerShard struct {
	client *redis.Client
	config BrokerShardConfig
}

// Script results use a leading status element so mutex contention is
// distinguishable from an empty result.
const (
	scriptStatusLocked = -1
	scriptStatusOK     = 0
	scriptStatusEvent  = 1
)

// presentScript upserts a (user, client) pair. The publish mutex is checked
// before anything is written: an event-worthy transition against a held
// mutex leaves the store untouched. On an enter event the mutex is acquired
// as part of the same atomic script.
//
// KEYS: clients zset, users hash, mutex, channel index zset
// ARGV: member, user id, expires_at, channel name, mutex token, mutex ttl ms
// Returns {status, user count}.
var presentScript = redis.NewScript(`
local score = redis.call('ZSCORE', KEYS[1], ARGV[1])
local event = 0
if score == false then
	local cnt = tonumber(redis.call('HGET', KEYS[2], ARGV[2])) or 0
	if cnt == 0 then
		event = 1
	end
end
if event == 1 and redis.call('EXISTS', KEYS[3]) == 1 then
	return {-1, 0}
end
redis.call('ZADD', KEYS[1], ARGV[3], ARGV[1])
if score == false then
	redis.call('HINCRBY', KEYS[2], ARGV[2], 1)
end
local min = redis.call('ZRANGE', KEYS[1], 0, 0, 'WITHSCORES')
redis.call('ZADD', KEYS[4], min[2], ARGV[4])
if event == 1 then
	redis.call('SET', KEYS[3], ARGV[5], 'PX', ARGV[6])
end
return {event, redis.call('HLEN', KEYS[2])}
`)

// leaveScript removes a (user, client) pair if present. A 1->0 session
// count transition is a leave event and follows the same mutex protocol as
// presentScript.
//
// KEYS: clients zset, users hash, mutex, channel index zset
// ARGV: member, user id, channel name, mutex token, mutex ttl ms
// Returns {status, user count}.
var leaveScript = redis.NewScript(`
local score = redis.call('ZSCORE', KEYS[1], ARGV[1])
if score == false then
	return {0, redis.call('HLEN', KEYS[2])}
end
local cnt = tonumber(redis.call('HGET', KEYS[2], ARGV[2])) or 0
local event = 0
if cnt <= 1 then
	event = 1
end
if event == 1 and redis.call('EXISTS', KEYS[3]) == 1 then
	return {-1, 0}
end
redis.call('ZREM', KEYS[1], ARGV[1])
if cnt <= 1 then
	redis.call('HDEL', KEYS[2], ARGV[2])
else
	redis.call('HINCRBY', KEYS[2], ARGV[2], -1)
end
local min = redis.call('ZRANGE', KEYS[1], 0, 0, 'WITHSCORES')
if #min > 0 then
	redis.call('ZADD', KEYS[4], min[2], ARGV[3])
else
	redis.call('ZREM', KEYS[4], ARGV[3])
end
if event == 1 then
	redis.call('SET', KEYS[3], ARGV[4], 'PX', ARGV[5])
end
return {event, redis.call('HLEN', KEYS[2])}
`)

// autoLeaveScript removes every entry with expires_at <= now in one pass,
// so a user with several expired clients yields at most one leave event and
// no partial removals are ever visible.
//
// KEYS: clients zset, users hash, mutex, channel index zset
// ARGV: now, channel name, mutex token, mutex ttl ms
// Returns {status, user count, leaving user ids...}.
var autoLeaveScript = redis.NewScript(`
local expired = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
if #expired == 0 then
	local min = redis.call('ZRANGE', KEYS[1], 0, 0, 'WITHSCORES')
	if #min > 0 then
		redis.call('ZADD', KEYS[4], min[2], ARGV[2])
	else
		redis.call('ZREM', KEYS[4], ARGV[2])
	end
	return {0, redis.call('HLEN', KEYS[2])}
end
local dec = {}
for _, member in ipairs(expired) do
	local uid = string.match(member, '^(%d+) ')
	if uid ~= nil then
		dec[uid] = (dec[uid] or 0) + 1
	end
end
local leaving = {}
for uid, n in pairs(dec) do
	local cnt = tonumber(redis.call('HGET', KEYS[2], uid)) or 0
	if cnt - n <= 0 then
		table.insert(leaving, tonumber(uid))
	end
end
if #leaving > 0 and redis.call('EXISTS', KEYS[3]) == 1 then
	return {-1, 0}
end
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
for uid, n in pairs(dec) do
	local cnt = redis.call('HINCRBY', KEYS[2], uid, -n)
	if cnt <= 0 then
		redis.call('HDEL', KEYS[2], uid)
	end
end
local min = redis.call('ZRANGE', KEYS[1], 0, 0, 'WITHSCORES')
if #min > 0 then
	redis.call('ZADD', KEYS[4], min[2], ARGV[2])
else
	redis.call('ZREM', KEYS[4], ARGV[2])
end
if #leaving > 0 then
	redis.call('SET', KEYS[3], ARGV[3], 'PX', ARGV[4])
end
local res = {0, redis.call('HLEN', KEYS[2])}
for _, uid in ipairs(leaving) do
	table.insert(res, uid)
end
return res
`)

// stateScript is read-only but still honors the mutex: a held mutex means a
// transition is mutated-but-not-yet-published and the state would be torn.
//
// KEYS: users hash, mutex, seq
// ARGV: count_only flag
// Returns {status, last seq, count} or {status, last seq, user ids...}.
var stateScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[2]) == 1 then
	return {-1}
end
local seq = tonumber(redis.call('GET', KEYS[3])) or 0
if ARGV[1] == '1' then
	return {0, seq, redis.call('HLEN', KEYS[1])}
end
local res = {0, seq}
for _, uid in ipairs(redis.call('HKEYS', KEYS[1])) do
	table.insert(res, tonumber(uid))
end
return res
`)

// releaseMutexScript is a compare-and-delete: a process that timed out
// cannot clobber a newer holder's mutex.
//
// KEYS: mutex
// ARGV: token
var releaseMutexScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0
`)

// clearScript unconditionally drops every structure of a channel.
//
// KEYS: clients zset, users hash, mutex, channel index zset, seq
// ARGV: channel name
var clearScript = redis.NewScript(`
redis.call('DEL', KEYS[1], KEYS[2], KEYS[3], KEYS[5])
redis.call('ZREM', KEYS[4], ARGV[1])
return 1
`)

// NewBroker ...
func NewBroker(n *Node, config *BrokerConfig) (*Broker, error) {
	if len(config.Shards) == 0 {
		return nil, errs.New("presence: broker needs at least one shard")
	}
	if config.Prefix == "" {
		config.Prefix = "presence"
	}

	broker := &Broker{
		node:   n,
		config: config,
	}
	for _, sc := range config.Shards {
		options := &redis.Options{
			Addr:         fmt.Sprintf("%s:%d", sc.Host, sc.Port),
			Password:     sc.Password,
			DB:           sc.DB,
			DialTimeout:  sc.ConnectTimeout,
			ReadTimeout:  sc.ReadTimeout,
			WriteTimeout: sc.WriteTimeout,
		}
		if sc.UseTLS {
			options.TLSConfig = &tls.Config{InsecureSkipVerify: sc.TLSSkipVerify}
		}
		broker.shards = append(broker.shards, &brokerShard{
			client: redis.NewClient(options),
			config: sc,
		})
	}
	return broker, nil
}

// Run pings every shard so misconfiguration fails fast.
func (b *Broker) Run() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, shard := range b.shards {
		if err := shard.client.Ping(ctx).Err(); err != nil {
			return errs.Wrapf(err, "presence: ping shard %s", shard.client.Options().Addr)
		}
	}
	return nil
}

// Close closes all shard connections.
func (b *Broker) Close() error {
	for _, shard := range b.shards {
		if err := shard.client.Close(); err != nil {
			return err
		}
	}
	return nil
}

func (b *Broker) shard(channel string) *brokerShard {
	if len(b.shards) == 1 {
		return b.shards[0]
	}
	return b.shards[consistentIndex(channel, len(b.shards))]
}

func (b *Broker) clientsKey(channel string) string {
	return b.config.Prefix + ":clients:" + channel
}

func (b *Broker) usersKey(channel string) string {
	return b.config.Prefix + ":users:" + channel
}

func (b *Broker) mutexKey(channel string) string {
	return b.config.Prefix + ":mutex:" + channel
}

func (b *Broker) seqKey(channel string) string {
	return b.config.Prefix + ":seq:" + channel
}

func (b *Broker) indexKey() string {
	return b.config.Prefix + ":channels"
}

func (b *Broker) notifyChannel(channel string) string {
	return b.config.Prefix + ":notify:" + channel
}

func (b *Broker) controlChannel() string {
	return b.config.Prefix + ":control"
}

// member is the clients-zset representation of one heartbeating session.
// Client ids must not contain spaces.
func member(userID int64, clientID string) string {
	return strconv.FormatInt(userID, 10) + " " + clientID
}

// PresentResult ...
type PresentResult struct {
	// Entered is true when the user's session count crossed 0 -> 1. The
	// caller holds the channel mutex and must publish then release.
	Entered bool
	// UserCount is the number of distinct present users after the call.
	UserCount int64
}

// Present upserts the client with the given expiry deadline. Refreshes are
// lock-free; an enter event acquires the channel mutex with token.
func (b *Broker) Present(ctx context.Context, channel string, userID int64, clientID string, expiresAt int64, token string) (*PresentResult, error) {
	keys := []string{b.clientsKey(channel), b.usersKey(channel), b.mutexKey(channel), b.indexKey()}
	args := []interface{}{
		member(userID, clientID),
		userID,
		expiresAt,
		channel,
		token,
		b.node.config.MutexTTL.Milliseconds(),
	}
	status, reply, err := b.runStatusScript(ctx, presentScript, b.shard(channel), keys, args)
	if err != nil {
		return nil, err
	}
	return &PresentResult{
		Entered:   status == scriptStatusEvent,
		UserCount: replyInt(reply, 1),
	}, nil
}

// LeaveResult ...
type LeaveResult struct {
	Left      bool
	UserCount int64
}

// Leave removes the client if present. A 1 -> 0 session count transition
// acquires the channel mutex with token.
func (b *Broker) Leave(ctx context.Context, channel string, userID int64, clientID string, token string) (*LeaveResult, error) {
	keys := []string{b.clientsKey(channel), b.usersKey(channel), b.mutexKey(channel), b.indexKey()}
	args := []interface{}{
		member(userID, clientID),
		userID,
		channel,
		token,
		b.node.config.MutexTTL.Milliseconds(),
	}
	status, reply, err := b.runStatusScript(ctx, leaveScript, b.shard(channel), keys, args)
	if err != nil {
		return nil, err
	}
	return &LeaveResult{
		Left:      status == scriptStatusEvent,
		UserCount: replyInt(reply, 1),
	}, nil
}

// AutoLeaveResult ...
type AutoLeaveResult struct {
	// LeftUserIDs are users whose last live client expired. Non-empty means
	// the caller holds the channel mutex.
	LeftUserIDs []int64
	UserCount   int64
}

// AutoLeave batch-removes every client with expires_at <= now.
func (b *Broker) AutoLeave(ctx context.Context, channel string, now int64, token string) (*AutoLeaveResult, error) {
	keys := []string{b.clientsKey(channel), b.usersKey(channel), b.mutexKey(channel), b.indexKey()}
	args := []interface{}{
		now,
		channel,
		token,
		b.node.config.MutexTTL.Milliseconds(),
	}
	_, reply, err := b.runStatusScript(ctx, autoLeaveScript, b.shard(channel), keys, args)
	if err != nil {
		return nil, err
	}
	result := &AutoLeaveResult{
		UserCount: replyInt(reply, 1),
	}
	for i := 2; i < len(reply); i++ {
		result.LeftUserIDs = append(result.LeftUserIDs, replyInt(reply, i))
	}
	return result, nil
}

// StateResult ...
type StateResult struct {
	SequenceID int64
	// UserIDs is nil in count-only mode.
	UserIDs []int64
	Count   int64
}

// State returns the channel view plus the last published sequence id.
// Returns ErrorMutexLocked while an event-worthy transition is in flight.
func (b *Broker) State(ctx context.Context, channel string, countOnly bool) (*StateResult, error) {
	keys := []string{b.usersKey(channel), b.mutexKey(channel), b.seqKey(channel)}
	flag := "0"
	if countOnly {
		flag = "1"
	}
	_, reply, err := b.runStatusScript(ctx, stateScript, b.shard(channel), keys, []interface{}{flag})
	if err != nil {
		return nil, err
	}
	result := &StateResult{SequenceID: replyInt(reply, 1)}
	if countOnly {
		result.Count = replyInt(reply, 2)
		return result, nil
	}
	for i := 2; i < len(reply); i++ {
		result.UserIDs = append(result.UserIDs, replyInt(reply, i))
	}
	result.Count = int64(len(result.UserIDs))
	return result, nil
}

// ReleaseMutex deletes the channel mutex only if this caller's token still
// holds it.
func (b *Broker) ReleaseMutex(ctx context.Context, channel string, token string) error {
	keys := []string{b.mutexKey(channel)}
	err := releaseMutexScript.Run(ctx, b.shard(channel).client, keys, token).Err()
	if err != nil {
		return errs.Wrap(err, "presence: release mutex")
	}
	return nil
}

// Clear unconditionally drops all channel structures.
func (b *Broker) Clear(ctx context.Context, channel string) error {
	keys := []string{
		b.clientsKey(channel),
		b.usersKey(channel),
		b.mutexKey(channel),
		b.indexKey(),
		b.seqKey(channel),
	}
	err := clearScript.Run(ctx, b.shard(channel).client, keys, channel).Err()
	if err != nil {
		return errs.Wrap(err, "presence: clear")
	}
	return nil
}

// NextSequenceID assigns the next notification sequence id for a channel.
// Only called while the channel mutex is held.
func (b *Broker) NextSequenceID(ctx context.Context, channel string) (int64, error) {
	seq, err := b.shard(channel).client.Incr(ctx, b.seqKey(channel)).Result()
	if err != nil {
		return 0, errs.Wrap(err, "presence: next sequence id")
	}
	return seq, nil
}

// Publish sends a notification payload to channel subscribers.
func (b *Broker) Publish(ctx context.Context, channel string, data []byte) error {
	err := b.shard(channel).client.Publish(ctx, b.notifyChannel(channel), data).Err()
	if err != nil {
		return errs.Wrap(err, "presence: publish")
	}
	return nil
}

// PublishControl sends node control data to every shard's control channel
// subscribers. Control traffic goes through shard 0 only.
func (b *Broker) PublishControl(ctx context.Context, data []byte) error {
	err := b.shards[0].client.Publish(ctx, b.controlChannel(), data).Err()
	if err != nil {
		return errs.Wrap(err, "presence: publish control")
	}
	return nil
}

// Subscribe returns the raw notification stream of a channel. The caller
// must Close the returned PubSub.
func (b *Broker) Subscribe(ctx context.Context, channel string) *redis.PubSub {
	return b.shard(channel).client.Subscribe(ctx, b.notifyChannel(channel))
}

// SubscribeControl returns the control stream carrying node announcements.
func (b *Broker) SubscribeControl(ctx context.Context) *redis.PubSub {
	return b.shards[0].client.Subscribe(ctx, b.controlChannel())
}

// ExpiringChannels returns, across all shards, channels whose earliest
// client expiry is at or before now. The reaper sweeps exactly these.
func (b *Broker) ExpiringChannels(ctx context.Context, now int64) ([]string, error) {
	var channels []string
	max := strconv.FormatInt(now, 10)
	for _, shard := range b.shards {
		names, err := shard.client.ZRangeByScore(ctx, b.indexKey(), &redis.ZRangeBy{
			Min: "-inf",
			Max: max,
		}).Result()
		if err != nil {
			return nil, errs.Wrap(err, "presence: expiring channels")
		}
		channels = append(channels, names...)
	}
	return channels, nil
}

// Channels returns every non-empty channel across all shards.
func (b *Broker) Channels(ctx context.Context) ([]string, error) {
	var channels []string
	for _, shard := range b.shards {
		names, err := shard.client.ZRange(ctx, b.indexKey(), 0, -1).Result()
		if err != nil {
			return nil, errs.Wrap(err, "presence: channels")
		}
		channels = append(channels, names...)
	}
	return channels, nil
}

// NumChannels returns the number of non-empty channels across all shards.
func (b *Broker) NumChannels(ctx context.Context) (int64, error) {
	var total int64
	for _, shard := range b.shards {
		n, err := shard.client.ZCard(ctx, b.indexKey()).Result()
		if err != nil {
			return 0, errs.Wrap(err, "presence: num channels")
		}
		total += n
	}
	return total, nil
}

// runStatusScript executes a script whose reply is an array with a leading
// status element, translating the locked status into ErrorMutexLocked.
func (b *Broker) runStatusScript(ctx context.Context, script *redis.Script, shard *brokerShard, keys []string, args []interface{}) (int64, []interface{}, error) {
	res, err := script.Run(ctx, shard.client, keys, args...).Result()
	if err != nil {
		return 0, nil, errs.Wrap(err, "presence: run script")
	}
	reply, ok := res.([]interface{})
	if !ok || len(reply) == 0 {
		return 0, nil, ErrorInternal
	}
	status := replyInt(reply, 0)
	if status == scriptStatusLocked {
		return status, nil, ErrorMutexLocked
	}
	return status, reply, nil
}

// replyInt reads an integer element of a script reply, tolerating the
// string form Lua produces for hash fields.
func replyInt(reply []interface{}, i int) int64 {
	if i >= len(reply) {
		return 0
	}
	switch v := reply[i].(type) {
	case int64:
		return v
	case string:
		n, _ := strconv.ParseInt(v, 10, 64)
		return n
	default:
		return 0
	}
}
