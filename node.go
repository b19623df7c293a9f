package presence

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/FZambia/eagle"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
)

// Node ties together the broker, the config resolver, the reaper and the
// optional webhook pipeline. Many nodes share one coordination store; the
// only node-local state is caches and metrics.
type Node struct {
	mu         sync.RWMutex
	uid        string
	startedAt  int64
	broker     *Broker
	config     Config
	resolver   ConfigResolver
	nodes      *nodeRegistry
	webhooks   *webhookManager
	shutdown   bool
	shutdownCh chan struct{}
	logger     *logger

	metricsMu       sync.Mutex
	metricsExporter *eagle.Eagle
	metricsSnapshot *eagle.Metrics
}

// NewNode ...
func NewNode(c Config, brokerConfig *BrokerConfig, resolver ConfigResolver) (*Node, error) {
	uid := uuid.NewString()

	if c.DefaultTimeout == 0 {
		c.DefaultTimeout = DefaultConfig.DefaultTimeout
	}
	if c.MutexTTL == 0 {
		c.MutexTTL = DefaultConfig.MutexTTL
	}
	if c.MutexRetries == 0 {
		c.MutexRetries = DefaultConfig.MutexRetries
	}
	if c.MutexRetryDelay == 0 {
		c.MutexRetryDelay = DefaultConfig.MutexRetryDelay
	}
	if c.ReapInterval == 0 {
		c.ReapInterval = DefaultConfig.ReapInterval
	}
	if c.NodeInfoPublishInterval == 0 {
		c.NodeInfoPublishInterval = DefaultConfig.NodeInfoPublishInterval
	}
	if c.NodeInfoCleanDelay == 0 {
		c.NodeInfoCleanDelay = DefaultConfig.NodeInfoCleanDelay
	}

	if c.ConfigCacheTTL > 0 {
		cached, err := NewCachingResolver(resolver, c)
		if err != nil {
			return nil, err
		}
		resolver = cached
	}

	n := &Node{
		uid:        uid,
		nodes:      newNodeRegistry(uid),
		config:     c,
		resolver:   resolver,
		startedAt:  time.Now().Unix(),
		shutdownCh: make(chan struct{}),
		logger:     newLogger(c.LogLevel, c.LogHandler),
	}

	broker, err := NewBroker(n, brokerConfig)
	if err != nil {
		return nil, err
	}
	n.broker = broker

	return n, nil
}

// UseWebhooks attaches a kafka webhook pipeline to the node. Must be called
// before Run.
func (n *Node) UseWebhooks(config WebhookConfig) {
	n.webhooks = newWebhookManager(n, config)
}

// NotifyShutdown ...
func (n *Node) NotifyShutdown() chan struct{} {
	return n.shutdownCh
}

// Run starts the broker, the reaper and the node announcement loops.
func (n *Node) Run() error {
	if err := n.broker.Run(); err != nil {
		return err
	}
	if err := n.initMetrics(); err != nil {
		return err
	}
	if n.webhooks != nil {
		if err := n.webhooks.Run(); err != nil {
			return err
		}
	}

	go newReaper(n).run()
	go n.runNodeInfo()
	go n.runControl()

	return nil
}

// Shutdown stops background loops and closes broker connections.
func (n *Node) Shutdown(ctx context.Context) error {
	n.mu.Lock()
	if n.shutdown {
		n.mu.Unlock()
		return nil
	}
	n.shutdown = true
	close(n.shutdownCh)
	n.mu.Unlock()

	if n.webhooks != nil {
		n.webhooks.Close()
	}
	if closer, ok := n.resolver.(*CachingResolver); ok {
		closer.Close()
	}
	return n.broker.Close()
}

// AutoLeaveAll sweeps every channel with at least one client at or past its
// expiry deadline. Cost is proportional to expiring channels only.
func (n *Node) AutoLeaveAll(ctx context.Context) error {
	now := time.Now().Unix()
	channels, err := n.broker.ExpiringChannels(ctx, now)
	if err != nil {
		return err
	}
	for _, name := range channels {
		if err := n.Channel(name).AutoLeave(ctx); err != nil {
			// A single sick channel must not stall the sweep.
			n.logger.log(NewLogEntry(LogLevelError, "error auto-leaving channel", map[string]interface{}{"channel": name, "error": err.Error()}))
		}
	}
	return nil
}

// ClearAll unconditionally drops the state of every non-empty channel.
// Debug and test tool.
func (n *Node) ClearAll(ctx context.Context) error {
	channels, err := n.broker.Channels(ctx)
	if err != nil {
		return err
	}
	for _, name := range channels {
		if err := n.Channel(name).Clear(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Subscribe exposes a channel's raw notification stream to transports.
func (n *Node) Subscribe(ctx context.Context, channel string) *NotificationStream {
	pubsub := n.broker.Subscribe(ctx, channel)
	return &NotificationStream{pubsub: pubsub}
}

func (n *Node) enqueueWebhook(channel string, event string, userID int64) {
	if n.webhooks == nil {
		return
	}
	n.webhooks.enqueue(webhookRequest{
		Event:   event,
		Channel: channel,
		UserID:  userID,
		At:      time.Now().Unix(),
	})
}

func (n *Node) initMetrics() error {
	metricsSink := make(chan eagle.Metrics)
	n.metricsExporter = eagle.New(eagle.Config{
		Gatherer: prometheus.DefaultGatherer,
		Interval: n.config.NodeInfoPublishInterval,
		Sink:     metricsSink,
	})
	metrics, err := n.metricsExporter.Export()
	if err != nil {
		return err
	}

	n.metricsMu.Lock()
	n.metricsSnapshot = &metrics
	n.metricsMu.Unlock()
	go func() {
		for {
			select {
			case <-n.NotifyShutdown():
				return
			case metrics := <-metricsSink:
				n.metricsMu.Lock()
				n.metricsSnapshot = &metrics
				n.metricsMu.Unlock()
			}
		}
	}()

	return nil
}

// nodeInfo is the control channel announcement every node sends
// periodically so operators can see the fleet through any one node.
type nodeInfo struct {
	UID         string             `json:"uid"`
	Name        string             `json:"name"`
	Version     string             `json:"version"`
	Uptime      uint32             `json:"uptime"`
	NumChannels int64              `json:"num_channels"`
	Metrics     map[string]float64 `json:"metrics,omitempty"`
}

// runNodeInfo periodically announces this node on the control channel.
func (n *Node) runNodeInfo() {
	ticker := time.NewTicker(n.config.NodeInfoPublishInterval)
	defer ticker.Stop()
	for {
		if err := n.pubNode(); err != nil {
			n.logger.log(NewLogEntry(LogLevelError, "error publishing node info", map[string]interface{}{"error": err.Error()}))
		}
		select {
		case <-n.NotifyShutdown():
			return
		case <-ticker.C:
		}
	}
}

func (n *Node) pubNode() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	numChannels, err := n.broker.NumChannels(ctx)
	if err != nil {
		return err
	}
	numChannelsGauge.Set(float64(numChannels))

	info := nodeInfo{
		UID:         n.uid,
		Name:        n.config.Name,
		Version:     n.config.Version,
		Uptime:      uint32(time.Now().Unix() - n.startedAt),
		NumChannels: numChannels,
	}

	n.metricsMu.Lock()
	if n.metricsSnapshot != nil {
		info.Metrics = n.metricsSnapshot.Flatten(".")
	}
	n.metricsSnapshot = nil
	n.metricsMu.Unlock()

	data, err := json.Marshal(info)
	if err != nil {
		return err
	}
	return n.broker.PublishControl(ctx, data)
}

// runControl consumes peer announcements and prunes silent peers.
func (n *Node) runControl() {
	pubsub := n.broker.SubscribeControl(context.Background())
	defer pubsub.Close()

	cleanTicker := time.NewTicker(n.config.NodeInfoCleanDelay)
	defer cleanTicker.Stop()

	messages := pubsub.Channel()
	for {
		select {
		case <-n.NotifyShutdown():
			return
		case <-cleanTicker.C:
			n.nodes.clean(n.config.NodeInfoCleanDelay)
		case message, ok := <-messages:
			if !ok {
				return
			}
			var info nodeInfo
			if err := json.Unmarshal([]byte(message.Payload), &info); err != nil {
				n.logger.log(NewLogEntry(LogLevelError, "error decoding node info", map[string]interface{}{"error": err.Error()}))
				continue
			}
			n.nodes.add(&info)
		}
	}
}

// Nodes returns the currently known fleet, this node included.
func (n *Node) Nodes() []nodeInfo {
	return n.nodes.list()
}

type nodeRegistry struct {
	mu         sync.RWMutex
	currentUID string
	nodes      map[string]nodeInfo
	updates    map[string]int64
}

func newNodeRegistry(currentUID string) *nodeRegistry {
	return &nodeRegistry{
		currentUID: currentUID,
		nodes:      make(map[string]nodeInfo),
		updates:    make(map[string]int64),
	}
}

func (r *nodeRegistry) list() []nodeInfo {
	r.mu.RLock()
	nodes := make([]nodeInfo, 0, len(r.nodes))
	for _, info := range r.nodes {
		nodes = append(nodes, info)
	}
	r.mu.RUnlock()
	return nodes
}

func (r *nodeRegistry) add(info *nodeInfo) {
	r.mu.Lock()
	if node, ok := r.nodes[info.UID]; ok && info.Metrics == nil {
		node.Version = info.Version
		node.Uptime = info.Uptime
		node.NumChannels = info.NumChannels
		r.nodes[info.UID] = node
	} else {
		r.nodes[info.UID] = *info
	}
	r.updates[info.UID] = time.Now().Unix()
	r.mu.Unlock()
}

func (r *nodeRegistry) clean(delay time.Duration) {
	r.mu.Lock()
	for uid := range r.nodes {
		if uid == r.currentUID {
			// No need to clean info for current node.
			continue
		}
		updated, ok := r.updates[uid]
		if !ok {
			delete(r.nodes, uid)
			continue
		}
		if time.Now().Unix()-updated > int64(delay.Seconds()) {
			// Too many seconds since this node has been last seen.
			delete(r.nodes, uid)
			delete(r.updates, uid)
		}
	}
	r.mu.Unlock()
}
