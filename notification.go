package presence

import (
	"encoding/json"
	"sync"

	"github.com/redis/go-redis/v9"
)

// UserInfo describes one entering user in a notification. Only numeric ids
// are tracked here; transports join richer user data themselves.
type UserInfo struct {
	ID int64 `json:"id"`
}

// Routing tells the fan-out layer who may receive a notification.
type Routing struct {
	Public          bool    `json:"public"`
	AllowedUserIDs  []int64 `json:"allowed_user_ids,omitempty"`
	AllowedGroupIDs []int64 `json:"allowed_group_ids,omitempty"`
}

// Notification is the payload published to channel subscribers on every
// event-worthy transition. Channels configured count-only never carry user
// ids, only a count delta.
type Notification struct {
	SequenceID     int64      `json:"sequence_id"`
	EnteringUsers  []UserInfo `json:"entering_users,omitempty"`
	LeavingUserIDs []int64    `json:"leaving_user_ids,omitempty"`
	CountDelta     int64      `json:"count_delta,omitempty"`
	Routing        Routing    `json:"routing"`
}

// Encode ...
func (n *Notification) Encode() ([]byte, error) {
	return json.Marshal(n)
}

func routingFromConfig(config *ChannelConfig) Routing {
	return Routing{
		Public:          config.Public,
		AllowedUserIDs:  config.AllowedUserIDs,
		AllowedGroupIDs: config.AllowedGroupIDs,
	}
}

// NotificationStream is one subscriber's view of a channel's notification
// feed. Consumers that fall behind the buffer lose messages and should use
// sequence id gaps to detect that and re-fetch full state.
type NotificationStream struct {
	pubsub *redis.PubSub
	once   sync.Once
	ch     chan []byte
}

// Messages returns the raw notification payloads in publish order.
func (s *NotificationStream) Messages() <-chan []byte {
	s.once.Do(func() {
		s.ch = make(chan []byte, 64)
		go func() {
			defer close(s.ch)
			for message := range s.pubsub.Channel() {
				s.ch <- []byte(message.Payload)
			}
		}()
	})
	return s.ch
}

// Close terminates the subscription; Messages is closed after drain.
func (s *NotificationStream) Close() error {
	return s.pubsub.Close()
}
