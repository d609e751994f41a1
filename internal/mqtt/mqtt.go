// Package mqtt bridges the cache to an MQTT broker. Stored readings and
// scheduler status are published under the configured topic prefix, and
// refresh/location commands are accepted on <prefix>/cmd/+.
package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"aqicache/internal/aqi/fetcher"
	"aqicache/internal/aqi/scheduler"
	"aqicache/internal/aqi/types"
	"aqicache/internal/config"
)

const (
	qos            = byte(1)
	queueSize      = 16
	publishTimeout = 5 * time.Second

	topicReading      = "reading"
	topicStatus       = "status"
	topicAvailability = "availability"
	topicCmdRefresh   = "cmd/refresh"
	topicCmdLocation  = "cmd/location"
)

// Commander is the part of the scheduler driven by MQTT commands.
type Commander interface {
	RequestUpdate(ctx context.Context, force bool) (scheduler.Outcome, error)
	ChangeLocation(ctx context.Context, location string) (scheduler.Outcome, error)
}

type publication struct {
	topic    string
	retained bool
	payload  []byte
}

type Bridge struct {
	client   mqtt.Client
	cfg      config.Config
	logger   *slog.Logger
	commands Commander
	publish  func(p publication) error

	mu        sync.RWMutex
	connected bool
	stopped   bool

	queue    chan publication
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopCh   chan struct{}
	stopOnce sync.Once
}

func NewBridge(cfg config.Config, commands Commander, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	b := &Bridge{
		cfg:      cfg,
		logger:   logger.With("component", "mqtt"),
		commands: commands,
		queue:    make(chan publication, queueSize),
		ctx:      ctx,
		cancel:   cancel,
		stopCh:   make(chan struct{}),
	}
	b.publish = b.pahoPublish

	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s:%d", cfg.MQTTBroker, cfg.MQTTPort))
	opts.SetClientID(cfg.MQTTClientID)
	opts.SetCleanSession(true)

	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetMaxReconnectInterval(60 * time.Second)

	opts.SetKeepAlive(30 * time.Second)
	opts.SetPingTimeout(10 * time.Second)

	opts.SetWill(b.topic(topicAvailability), "offline", qos, true)

	// Clean sessions drop subscriptions, so subscribe on every (re)connect.
	opts.SetOnConnectHandler(func(c mqtt.Client) {
		b.setConnected(true)
		b.logger.Info("mqtt connected", "broker", cfg.MQTTBroker, "port", cfg.MQTTPort)
		b.subscribe(c)
		c.Publish(b.topic(topicAvailability), qos, true, "online")
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		b.setConnected(false)
		b.logger.Warn("mqtt connection lost", "error", err)
	})

	b.client = mqtt.NewClient(opts)

	b.wg.Add(1)
	go b.publishLoop()
	return b
}

func (b *Bridge) topic(suffix string) string {
	return b.cfg.MQTTTopicPrefix + "/" + suffix
}

// Connect starts the connection and waits until it is up, ctx ends or the
// bridge is stopped. Paho keeps retrying in the background after a failure.
func (b *Bridge) Connect(ctx context.Context) error {
	select {
	case <-b.stopCh:
		return fmt.Errorf("bridge stopped")
	default:
	}
	if b.IsConnected() {
		return nil
	}

	token := b.client.Connect()

	const poll = 200 * time.Millisecond
	for {
		if token.WaitTimeout(poll) {
			if err := token.Error(); err != nil {
				return fmt.Errorf("mqtt connect: %w", err)
			}
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-b.stopCh:
			return fmt.Errorf("bridge stopped")
		default:
		}
	}
}

func (b *Bridge) subscribe(c mqtt.Client) {
	filter := b.topic("cmd/+")
	token := c.Subscribe(filter, qos, func(_ mqtt.Client, msg mqtt.Message) {
		b.handleMessage(msg.Topic(), msg.Payload())
	})
	go func() {
		if !token.WaitTimeout(5 * time.Second) {
			b.logger.Warn("subscribe timeout", "topic", filter)
			return
		}
		if err := token.Error(); err != nil {
			b.logger.Error("subscribe failed", "topic", filter, "error", err)
			return
		}
		b.logger.Info("subscribed to mqtt topic", "topic", filter, "qos", qos)
	}()
}

// handleMessage dispatches a command. Commands run off the paho callback
// goroutine because an update waits for a fetch.
func (b *Bridge) handleMessage(topic string, payload []byte) {
	b.logger.Debug("received mqtt message", "topic", topic, "size", len(payload))

	var run func() (scheduler.Outcome, error)
	switch strings.TrimPrefix(topic, b.cfg.MQTTTopicPrefix+"/") {
	case topicCmdRefresh:
		run = func() (scheduler.Outcome, error) { return b.commands.RequestUpdate(b.ctx, true) }
	case topicCmdLocation:
		location := strings.TrimSpace(string(payload))
		if location == "" {
			b.logger.Warn("ignoring location command", "topic", topic, "error", types.ErrEmptyLocation)
			return
		}
		if _, err := fetcher.FeedPath(location); err != nil {
			b.logger.Warn("ignoring location command", "topic", topic, "location", location, "error", err)
			return
		}
		run = func() (scheduler.Outcome, error) { return b.commands.ChangeLocation(b.ctx, location) }
	default:
		b.logger.Warn("unknown mqtt command", "topic", topic)
		return
	}

	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return
	}
	b.wg.Add(1)
	b.mu.Unlock()
	go func() {
		defer b.wg.Done()
		outcome, err := run()
		if err != nil {
			b.logger.Warn("mqtt command failed", "topic", topic, "outcome", outcome.String(), "error", err)
			return
		}
		b.logger.Info("mqtt command handled", "topic", topic, "outcome", outcome.String())
	}()
}

// ReadingStored queues r for publication as a retained message.
func (b *Bridge) ReadingStored(r types.Reading) {
	b.enqueue(topicReading, true, r)
}

// StatusChanged queues st for publication.
func (b *Bridge) StatusChanged(st scheduler.Status) {
	b.enqueue(topicStatus, false, st)
}

// enqueue never blocks; when the queue is full the message is dropped.
func (b *Bridge) enqueue(suffix string, retained bool, v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		b.logger.Error("encode mqtt payload", "topic", suffix, "error", err)
		return
	}
	p := publication{topic: b.topic(suffix), retained: retained, payload: payload}
	select {
	case <-b.stopCh:
	case b.queue <- p:
	default:
		b.logger.Warn("mqtt publish queue full; dropping message", "topic", p.topic)
	}
}

func (b *Bridge) publishLoop() {
	defer b.wg.Done()
	for {
		select {
		case <-b.stopCh:
			return
		case p := <-b.queue:
			if err := b.publish(p); err != nil {
				b.logger.Warn("mqtt publish failed", "topic", p.topic, "error", err)
				continue
			}
			b.logger.Debug("mqtt published", "topic", p.topic, "size", len(p.payload))
		}
	}
}

func (b *Bridge) pahoPublish(p publication) error {
	if !b.IsConnected() {
		return fmt.Errorf("mqtt client not connected")
	}
	token := b.client.Publish(p.topic, qos, p.retained, p.payload)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("publish timeout after %s", publishTimeout)
	}
	return token.Error()
}

func (b *Bridge) IsConnected() bool {
	b.mu.RLock()
	connected := b.connected
	b.mu.RUnlock()
	return connected && b.client.IsConnected()
}

// Disconnect stops the bridge and closes the MQTT connection. Safe to call
// more than once.
func (b *Bridge) Disconnect() {
	b.stopOnce.Do(func() {
		b.mu.Lock()
		b.stopped = true
		b.mu.Unlock()
		close(b.stopCh)
		b.cancel()
	})
	b.wg.Wait()

	if b.client != nil && b.IsConnected() {
		b.client.Publish(b.topic(topicAvailability), qos, true, "offline").WaitTimeout(time.Second)
		b.client.Unsubscribe(b.topic("cmd/+")).WaitTimeout(2 * time.Second)
	}
	if b.client != nil {
		b.client.Disconnect(250)
	}
	b.setConnected(false)
	b.logger.Info("mqtt bridge disconnected")
}

func (b *Bridge) setConnected(v bool) {
	b.mu.Lock()
	b.connected = v
	b.mu.Unlock()
}
