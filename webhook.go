package presence

import (
	"context"
	"encoding/json"
	"time"

	errs "github.com/pkg/errors"
	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/snappy"
)

const (
	WebhookEventChannelOccupied = "channel_occupied"
	WebhookEventChannelVacated  = "channel_vacated"
	WebhookEventPresenceAdded   = "presence_added"
	WebhookEventPresenceRemoved = "presence_removed"
)

// WebhookConfig ...
type WebhookConfig struct {
	Protocol string
	Address  string
	Topic    string

	WriteTimeout time.Duration
}

// DefaultWebhookConfig ...
var DefaultWebhookConfig = WebhookConfig{
	Protocol: "tcp",
	Address:  "localhost:9092",
	Topic:    "presence-channels-webhook",

	WriteTimeout: 10 * time.Second,
}

// webhookRequest is one lifecycle event pushed to the pipeline. UserID is
// zero for channel-level events.
type webhookRequest struct {
	Event   string `json:"event"`
	Channel string `json:"channel"`
	UserID  int64  `json:"user_id,omitempty"`
	At      int64  `json:"at"`
}

// webhookManager ships presence lifecycle events to Kafka. The pipeline is
// fire-and-forget and buffered: it never sits between a state mutation and
// its notification publish, and a full buffer drops rather than blocks.
type webhookManager struct {
	node   *Node
	config WebhookConfig

	pubCh chan webhookRequest

	writer *kafka.Writer
}

func newWebhookManager(node *Node, config WebhookConfig) *webhookManager {
	if config.Topic == "" {
		config.Topic = DefaultWebhookConfig.Topic
	}
	if config.WriteTimeout == 0 {
		config.WriteTimeout = DefaultWebhookConfig.WriteTimeout
	}
	return &webhookManager{
		node:   node,
		config: config,

		pubCh: make(chan webhookRequest, 1024),
	}
}

// Run ...
func (w *webhookManager) Run() error {
	dialer := &kafka.Dialer{
		Timeout:  10 * time.Second,
		ClientID: w.node.uid,
	}

	config := kafka.WriterConfig{
		Brokers:          []string{w.config.Address},
		Topic:            w.config.Topic,
		Balancer:         &kafka.LeastBytes{},
		Dialer:           dialer,
		WriteTimeout:     w.config.WriteTimeout,
		ReadTimeout:      w.config.WriteTimeout,
		CompressionCodec: snappy.NewCompressionCodec(),
	}
	w.writer = kafka.NewWriter(config)

	go w.runProducePipeline()

	return nil
}

func (w *webhookManager) runProducePipeline() {
	for {
		select {
		case <-w.node.NotifyShutdown():
			return
		case request := <-w.pubCh:
			if err := w.produce(request); err != nil {
				w.node.logger.log(NewLogEntry(LogLevelError, "error producing webhook", map[string]interface{}{"event": request.Event, "channel": request.Channel, "error": err.Error()}))
			}
		}
	}
}

func (w *webhookManager) produce(request webhookRequest) error {
	data, err := json.Marshal(request)
	if err != nil {
		return errs.Wrap(err, "presence: encode webhook")
	}

	ctx, cancel := context.WithTimeout(context.Background(), w.config.WriteTimeout)
	defer cancel()

	return w.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(request.Channel),
		Value: data,
	})
}

func (w *webhookManager) enqueue(request webhookRequest) {
	select {
	case w.pubCh <- request:
	default:
		w.node.logger.log(NewLogEntry(LogLevelError, "webhook buffer full, dropping event", map[string]interface{}{"event": request.Event, "channel": request.Channel}))
	}
}

// Close ...
func (w *webhookManager) Close() error {
	if w.writer != nil {
		return w.writer.Close()
	}
	return nil
}
