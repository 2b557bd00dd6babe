package mqtt

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/nugget/vektra-agent/internal/buildinfo"
	"github.com/nugget/vektra-agent/internal/config"
	"github.com/nugget/vektra-agent/internal/events"
)

// statsInterval is how often the retained stats message is refreshed.
const statsInterval = time.Minute

// StopFunc stops a conversation's active run and reports whether one
// was running.
type StopFunc func(conversationID string) bool

// Forwarder mirrors bus events to an MQTT broker and accepts stop
// commands from it.
type Forwarder struct {
	cfg        config.MQTTConfig
	instanceID string
	bus        *events.Bus
	usage      *DailyUsage
	stop       StopFunc
	limiter    *messageRateLimiter
	logger     *slog.Logger
	cm         *autopaho.ConnectionManager
}

// NewForwarder creates a Forwarder but does not connect. stop may be nil
// to ignore commands.
func NewForwarder(cfg config.MQTTConfig, instanceID string, bus *events.Bus, stop StopFunc, logger *slog.Logger) *Forwarder {
	logger = logger.With("component", "mqtt")
	return &Forwarder{
		cfg:        cfg,
		instanceID: instanceID,
		bus:        bus,
		usage:      NewDailyUsage(nil),
		stop:       stop,
		limiter:    newMessageRateLimiter(20, time.Minute, logger),
		logger:     logger,
	}
}

// Usage returns today's run totals.
func (f *Forwarder) Usage() Usage { return f.usage.Snapshot() }

// Start connects to the broker and forwards events until ctx is
// cancelled. On every (re-)connect it publishes a birth message and
// resubscribes to the command topic.
func (f *Forwarder) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(f.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: f.cfg.Username,
		ConnectPassword: []byte(f.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   f.availabilityTopic(),
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			f.logger.Info("mqtt connected to broker", "broker", f.cfg.Broker)
			f.publishAvailability(ctx, cm, "online")
			f.subscribe(ctx, cm)
		},
		OnConnectError: func(err error) {
			f.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: f.clientID(),
			OnPublishReceived: []func(paho.PublishReceived) (bool, error){
				func(pr paho.PublishReceived) (bool, error) {
					f.handleMessage(pr.Packet.Topic, pr.Packet.Payload)
					return true, nil
				},
			},
		},
	}

	// Enable TLS for mqtts:// or ssl:// schemes.
	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	f.cm = cm

	connCtx, connCancel := context.WithTimeout(ctx, 30*time.Second)
	defer connCancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		// autopaho keeps retrying in the background.
		f.logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}

	go f.limiter.start(ctx)
	f.runLoop(ctx)
	return nil
}

// Stop publishes "offline" and disconnects.
func (f *Forwarder) Stop(ctx context.Context) error {
	if f.cm == nil {
		return nil
	}
	f.publishAvailability(ctx, f.cm, "offline")
	return f.cm.Disconnect(ctx)
}

// --- Topics ---

func (f *Forwarder) baseTopic() string {
	return strings.TrimSuffix(f.cfg.TopicPrefix, "/")
}

func (f *Forwarder) availabilityTopic() string {
	return f.baseTopic() + "/availability"
}

func (f *Forwarder) statsTopic() string {
	return f.baseTopic() + "/stats"
}

func (f *Forwarder) stopTopic() string {
	return f.baseTopic() + "/command/stop"
}

// eventTopic maps an event to <prefix>/events/<source>/<kind>.
func (f *Forwarder) eventTopic(e events.Event) string {
	return f.baseTopic() + "/events/" + e.Source + "/" + e.Kind
}

func (f *Forwarder) clientID() string {
	if f.cfg.ClientID != "" {
		return f.cfg.ClientID
	}
	return "vektra-" + f.instanceID
}

// --- Outbound ---

func (f *Forwarder) runLoop(ctx context.Context) {
	ch := f.bus.Subscribe(256)
	defer f.bus.Unsubscribe(ch)

	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()

	f.publishStats(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case e := <-ch:
			f.usage.Observe(e)
			f.publishEvent(ctx, e)
		case <-ticker.C:
			f.publishStats(ctx)
		}
	}
}

func (f *Forwarder) publishEvent(ctx context.Context, e events.Event) {
	payload, err := json.Marshal(e)
	if err != nil {
		f.logger.Error("mqtt marshal event", "topic", e.Topic(), "error", err)
		return
	}
	f.publish(ctx, f.eventTopic(e), payload, 0, false)
}

type stats struct {
	InstanceID string `json:"instance_id"`
	Version    string `json:"version"`
	Uptime     string `json:"uptime"`
	Today      Usage  `json:"today"`
	Timestamp  string `json:"ts"`
}

func (f *Forwarder) publishStats(ctx context.Context) {
	up := buildinfo.Uptime()
	payload, err := json.Marshal(stats{
		InstanceID: f.instanceID,
		Version:    buildinfo.Version,
		Uptime:     up.Truncate(time.Second).String(),
		Today:      f.usage.Snapshot(),
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return
	}
	f.publish(ctx, f.statsTopic(), payload, 0, true)
}

func (f *Forwarder) publishAvailability(ctx context.Context, cm *autopaho.ConnectionManager, status string) {
	if _, err := cm.Publish(ctx, &paho.Publish{
		Topic:   f.availabilityTopic(),
		Payload: []byte(status),
		QoS:     1,
		Retain:  true,
	}); err != nil {
		f.logger.Warn("mqtt availability publish failed", "status", status, "error", err)
	} else {
		f.logger.Info("mqtt availability published", "status", status)
	}
}

func (f *Forwarder) publish(ctx context.Context, topic string, payload []byte, qos byte, retain bool) {
	if f.cm == nil {
		return
	}
	if _, err := f.cm.Publish(ctx, &paho.Publish{
		Topic:   topic,
		Payload: payload,
		QoS:     qos,
		Retain:  retain,
	}); err != nil {
		f.logger.Debug("mqtt publish failed", "topic", topic, "error", err)
	}
}

// --- Inbound ---

func (f *Forwarder) subscribe(ctx context.Context, cm *autopaho.ConnectionManager) {
	if f.stop == nil {
		return
	}
	if _, err := cm.Subscribe(ctx, &paho.Subscribe{
		Subscriptions: []paho.SubscribeOptions{{Topic: f.stopTopic(), QoS: 1}},
	}); err != nil {
		f.logger.Warn("mqtt subscribe failed", "topic", f.stopTopic(), "error", err)
		return
	}
	f.logger.Info("mqtt subscribed", "topic", f.stopTopic())
}

// handleMessage applies a command. The stop topic's payload is the
// conversation ID.
func (f *Forwarder) handleMessage(topic string, payload []byte) {
	if !f.limiter.allow() {
		return
	}
	if topic != f.stopTopic() || f.stop == nil {
		f.logger.Debug("mqtt message ignored", "topic", topic, "payload_size", len(payload))
		return
	}
	convID := strings.TrimSpace(string(payload))
	if convID == "" {
		f.logger.Warn("mqtt stop command without conversation id")
		return
	}
	stopped := f.stop(convID)
	f.logger.Info("mqtt stop command", "conversation", convID, "stopped", stopped)
}
