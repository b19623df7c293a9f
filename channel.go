package presence

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
)

// Channel represents a single named presence context bound to a Node. It is
// stateless: any process may operate on any channel, all shared state lives
// in the broker.
type Channel struct {
	node *Node
	name string
}

// Channel returns a handle to the named presence channel.
func (n *Node) Channel(name string) *Channel {
	return &Channel{
		node: n,
		name: name,
	}
}

// Name ...
func (ch *Channel) Name() string {
	return ch.name
}

// Config resolves the channel's visibility policy. Transports use it with
// CanView before serving State to a user.
func (ch *Channel) Config(ctx context.Context) (*ChannelConfig, error) {
	config, err := ch.node.resolver.Resolve(ctx, channelPrefix(ch.name))
	if err != nil {
		return nil, err
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

func (ch *Channel) timeout(config *ChannelConfig) time.Duration {
	if config.TimeoutSeconds > 0 {
		return time.Duration(config.TimeoutSeconds) * time.Second
	}
	return ch.node.config.DefaultTimeout
}

// Present registers or refreshes one client session of a user. Refreshing
// an already-present client only bumps its expiry and never publishes. A
// 0 -> 1 session count transition publishes an enter notification before
// the channel mutex is released.
func (ch *Channel) Present(ctx context.Context, userID int64, clientID string, groupIDs []int64) error {
	started := time.Now()
	defer observeOp(MetricsOpTypePresent, started)

	config, err := ch.Config(ctx)
	if err != nil {
		return err
	}
	if !CanEnter(config, userID, groupIDs) {
		return ErrorInvalidAccess
	}

	token := uuid.NewString()
	timeout := ch.timeout(config)

	var result *PresentResult
	err = ch.node.retryMutex(ctx, func() error {
		expiresAt := time.Now().Add(timeout).Unix()
		res, err := ch.node.broker.Present(ctx, ch.name, userID, clientID, expiresAt, token)
		if err != nil {
			return err
		}
		result = res
		return nil
	})
	if err != nil {
		return err
	}
	if !result.Entered {
		return nil
	}

	defer ch.release(ctx, token)

	notification := &Notification{Routing: routingFromConfig(config)}
	if config.CountOnly {
		notification.CountDelta = 1
		eventsPublishedCountCountOnly.Inc()
	} else {
		notification.EnteringUsers = []UserInfo{{ID: userID}}
		eventsPublishedCountEnter.Inc()
	}
	ch.publish(ctx, notification)

	ch.node.enqueueWebhook(ch.name, WebhookEventPresenceAdded, userID)
	if result.UserCount == 1 {
		ch.node.enqueueWebhook(ch.name, WebhookEventChannelOccupied, 0)
	}
	return nil
}

// Leave removes one client session of a user. A 1 -> 0 session count
// transition publishes a leave notification before the mutex is released.
func (ch *Channel) Leave(ctx context.Context, userID int64, clientID string, groupIDs []int64) error {
	started := time.Now()
	defer observeOp(MetricsOpTypeLeave, started)

	config, err := ch.Config(ctx)
	if err != nil {
		return err
	}
	if !CanEnter(config, userID, groupIDs) {
		return ErrorInvalidAccess
	}

	token := uuid.NewString()

	var result *LeaveResult
	err = ch.node.retryMutex(ctx, func() error {
		res, err := ch.node.broker.Leave(ctx, ch.name, userID, clientID, token)
		if err != nil {
			return err
		}
		result = res
		return nil
	})
	if err != nil {
		return err
	}
	if !result.Left {
		return nil
	}

	defer ch.release(ctx, token)

	notification := &Notification{Routing: routingFromConfig(config)}
	if config.CountOnly {
		notification.CountDelta = -1
		eventsPublishedCountCountOnly.Inc()
	} else {
		notification.LeavingUserIDs = []int64{userID}
		eventsPublishedCountLeave.Inc()
	}
	ch.publish(ctx, notification)

	ch.node.enqueueWebhook(ch.name, WebhookEventPresenceRemoved, userID)
	if result.UserCount == 0 {
		ch.node.enqueueWebhook(ch.name, WebhookEventChannelVacated, 0)
	}
	return nil
}

// AutoLeave expires every client whose deadline has passed, publishing a
// single batched leave notification for all users whose last session went.
// Intended for the reaper, not end users.
func (ch *Channel) AutoLeave(ctx context.Context) error {
	started := time.Now()
	defer observeOp(MetricsOpTypeAutoLeave, started)

	config, err := ch.Config(ctx)
	if err != nil {
		return err
	}

	token := uuid.NewString()

	var result *AutoLeaveResult
	err = ch.node.retryMutex(ctx, func() error {
		res, err := ch.node.broker.AutoLeave(ctx, ch.name, time.Now().Unix(), token)
		if err != nil {
			return err
		}
		result = res
		return nil
	})
	if err != nil {
		return err
	}
	if len(result.LeftUserIDs) == 0 {
		return nil
	}
	reapedUsersCount.Add(float64(len(result.LeftUserIDs)))

	defer ch.release(ctx, token)

	notification := &Notification{Routing: routingFromConfig(config)}
	if config.CountOnly {
		notification.CountDelta = -int64(len(result.LeftUserIDs))
		eventsPublishedCountCountOnly.Inc()
	} else {
		notification.LeavingUserIDs = result.LeftUserIDs
		eventsPublishedCountLeave.Inc()
	}
	ch.publish(ctx, notification)

	for _, userID := range result.LeftUserIDs {
		ch.node.enqueueWebhook(ch.name, WebhookEventPresenceRemoved, userID)
	}
	if result.UserCount == 0 {
		ch.node.enqueueWebhook(ch.name, WebhookEventChannelVacated, 0)
	}
	return nil
}

// State is the channel's read-only view. A count-only channel always
// returns the count form regardless of countOnly, so user ids are never
// materialized for it.
func (ch *Channel) State(ctx context.Context, countOnly bool) (*State, error) {
	started := time.Now()
	defer observeOp(MetricsOpTypeState, started)

	config, err := ch.Config(ctx)
	if err != nil {
		return nil, err
	}
	if config.CountOnly {
		countOnly = true
	}

	var result *StateResult
	err = ch.node.retryMutex(ctx, func() error {
		res, err := ch.node.broker.State(ctx, ch.name, countOnly)
		if err != nil {
			return err
		}
		result = res
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &State{
		SequenceID: result.SequenceID,
		UserIDs:    result.UserIDs,
		Count:      result.Count,
	}, nil
}

// UserIDs is a convenience wrapper over State.
func (ch *Channel) UserIDs(ctx context.Context) ([]int64, error) {
	state, err := ch.State(ctx, false)
	if err != nil {
		return nil, err
	}
	return state.UserIDs, nil
}

// Count is a convenience wrapper over State.
func (ch *Channel) Count(ctx context.Context) (int64, error) {
	state, err := ch.State(ctx, true)
	if err != nil {
		return 0, err
	}
	return state.Count, nil
}

// Clear unconditionally deletes all channel state. Debug and test tool, not
// access-controlled beyond caller context.
func (ch *Channel) Clear(ctx context.Context) error {
	return ch.node.broker.Clear(ctx, ch.name)
}

// State is the externally visible channel view.
type State struct {
	SequenceID int64   `json:"last_sequence_id"`
	UserIDs    []int64 `json:"user_ids,omitempty"`
	Count      int64   `json:"count"`
}

// publish assigns the next sequence id and sends the notification. Publish
// failures after a successful mutation are logged and never rolled back:
// the mutex release below lets the system heal on the next transition.
func (ch *Channel) publish(ctx context.Context, notification *Notification) {
	seq, err := ch.node.broker.NextSequenceID(ctx, ch.name)
	if err != nil {
		ch.node.logger.log(NewLogEntry(LogLevelError, "error assigning sequence id", map[string]interface{}{"channel": ch.name, "error": err.Error()}))
		return
	}
	notification.SequenceID = seq

	data, err := notification.Encode()
	if err != nil {
		ch.node.logger.log(NewLogEntry(LogLevelError, "error encoding notification", map[string]interface{}{"channel": ch.name, "error": err.Error()}))
		return
	}
	if err := ch.node.broker.Publish(ctx, ch.name, data); err != nil {
		ch.node.logger.log(NewLogEntry(LogLevelError, "error publishing notification", map[string]interface{}{"channel": ch.name, "error": err.Error()}))
	}
}

func (ch *Channel) release(ctx context.Context, token string) {
	if err := ch.node.broker.ReleaseMutex(ctx, ch.name, token); err != nil {
		ch.node.logger.log(NewLogEntry(LogLevelError, "error releasing channel mutex", map[string]interface{}{"channel": ch.name, "error": err.Error()}))
	}
}

// retryMutex runs op, retrying ErrorMutexLocked with jittered exponential
// backoff up to the configured bound. Exhausting the bound surfaces
// ErrorInternal: the caller must not believe its mutation was dropped
// silently.
func (n *Node) retryMutex(ctx context.Context, op func() error) error {
	wrapped := func() error {
		err := op()
		if err == ErrorMutexLocked {
			mutexRetriesCount.Inc()
			return err
		}
		if err != nil {
			return backoff.Permanent(err)
		}
		return nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = n.config.MutexRetryDelay
	policy.MaxInterval = 10 * n.config.MutexRetryDelay

	err := backoff.Retry(wrapped, backoff.WithContext(
		backoff.WithMaxRetries(policy, uint64(n.config.MutexRetries)), ctx))
	if err == ErrorMutexLocked {
		n.logger.log(NewLogEntry(LogLevelError, "mutex retries exhausted", map[string]interface{}{"retries": n.config.MutexRetries}))
		return ErrorInternal
	}
	return err
}

func observeOp(opType string, started time.Time) {
	operationsCount.WithLabelValues(opType).Inc()
	operationsDurationHistogram.With(prometheus.Labels{"type": opType}).Observe(time.Since(started).Seconds())
}
