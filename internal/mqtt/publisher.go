package mqtt

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/nugget/hark/internal/config"
	"github.com/nugget/hark/internal/events"
)

// StatsSource supplies sensor values. main wires an adapter over the
// gate, the connection manager and the settings store.
type StatsSource interface {
	Uptime() time.Duration
	Version() string
	// GateState is "disabled", "listening" or "active".
	GateState() string
	LiveServers() int
	ToolCount() int
	LLMModel() string
}

// client is the slice of autopaho.ConnectionManager the publisher uses.
type client interface {
	Publish(ctx context.Context, p *paho.Publish) (*paho.PublishResponse, error)
}

// Publisher owns the broker connection and keeps the HA entities
// current.
type Publisher struct {
	cfg        config.MQTTConfig
	instanceID string
	device     DeviceInfo
	stats      StatsSource
	bus        *events.Bus
	wakes      *DailyCounter
	limiter    *commandLimiter
	logger     *slog.Logger

	mu       sync.Mutex
	client   client
	cm       *autopaho.ConnectionManager
	commands CommandHandler
}

// New creates a Publisher without connecting. bus may be nil.
func New(cfg config.MQTTConfig, instanceID string, stats StatsSource, bus *events.Bus, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		cfg:        cfg,
		instanceID: instanceID,
		device:     NewDeviceInfo(instanceID, cfg.DeviceName),
		stats:      stats,
		bus:        bus,
		wakes:      NewDailyCounter(nil),
		limiter:    newCommandLimiter(10, time.Minute, logger),
		logger:     logger,
	}
}

// SetCommandHandler routes button presses to h.
func (p *Publisher) SetCommandHandler(h CommandHandler) {
	p.mu.Lock()
	p.commands = h
	p.mu.Unlock()
}

// Start connects and runs the publish loop until ctx is cancelled.
func (p *Publisher) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(p.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: p.cfg.Username,
		ConnectPassword: []byte(p.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   p.availabilityTopic(),
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			p.logger.Info("mqtt connected to broker", "broker", p.cfg.Broker)
			p.onConnect(ctx, cm)
		},
		OnConnectError: func(err error) {
			p.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: "hark-" + p.cfg.DeviceName,
			OnPublishReceived: []func(paho.PublishReceived) (bool, error){
				func(pr paho.PublishReceived) (bool, error) {
					p.handleMessage(ctx, pr.Packet.Topic, pr.Packet.Payload)
					return true, nil
				},
			},
		},
	}
	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	p.mu.Lock()
	p.cm = cm
	p.client = cm
	p.mu.Unlock()

	connCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		p.logger.Warn("mqtt initial connection timed out, retrying in background", "error", err)
	}

	go p.limiter.run(ctx)
	go p.watchEvents(ctx)
	p.runLoop(ctx)
	return nil
}

// Stop publishes "offline" and disconnects.
func (p *Publisher) Stop(ctx context.Context) error {
	p.mu.Lock()
	cm := p.cm
	p.mu.Unlock()
	if cm == nil {
		return nil
	}
	p.publishAvailability(ctx, cm, "offline")
	return cm.Disconnect(ctx)
}

func (p *Publisher) onConnect(ctx context.Context, cm *autopaho.ConnectionManager) {
	p.publishDiscovery(ctx, cm)
	p.publishAvailability(ctx, cm, "online")
	if _, err := cm.Subscribe(ctx, &paho.Subscribe{
		Subscriptions: []paho.SubscribeOptions{{Topic: p.commandTopic(), QoS: 1}},
	}); err != nil {
		p.logger.Warn("mqtt command subscribe failed", "topic", p.commandTopic(), "error", err)
	}
	p.publishStates(ctx)
}

func (p *Publisher) baseTopic() string {
	return "hark/" + p.cfg.DeviceName
}

func (p *Publisher) availabilityTopic() string {
	return p.baseTopic() + "/availability"
}

func (p *Publisher) commandTopic() string {
	return p.baseTopic() + "/command"
}

func (p *Publisher) stateTopic(entity string) string {
	return p.baseTopic() + "/" + entity + "/state"
}

func (p *Publisher) discoveryTopic(component, entity string) string {
	return p.cfg.DiscoveryPrefix + "/" + component + "/" + p.cfg.DeviceName + "/" + entity + "/config"
}

type sensorDef struct {
	entity string
	config SensorConfig
}

func (p *Publisher) sensor(entity, name, icon string) SensorConfig {
	return SensorConfig{
		Name:              name,
		ObjectID:          entity,
		HasEntityName:     true,
		UniqueID:          p.instanceID + "_" + entity,
		StateTopic:        p.stateTopic(entity),
		AvailabilityTopic: p.availabilityTopic(),
		Device:            p.device,
		Icon:              icon,
	}
}

func (p *Publisher) sensorDefinitions() []sensorDef {
	uptime := p.sensor("uptime", "Uptime", "mdi:clock-outline")
	uptime.EntityCategory = "diagnostic"
	uptime.UnitOfMeasurement = "s"
	uptime.DeviceClass = "duration"

	version := p.sensor("version", "Version", "mdi:tag")
	version.EntityCategory = "diagnostic"

	servers := p.sensor("mcp_servers", "Tool Servers", "mdi:server-network")
	servers.StateClass = "measurement"

	tools := p.sensor("tools", "Tools", "mdi:tools")
	tools.StateClass = "measurement"

	wakes := p.sensor("wake_words_today", "Wake Words Today", "mdi:account-voice")
	wakes.StateClass = "total_increasing"

	last := p.sensor("last_wake_word", "Last Wake Word", "mdi:clock-check")
	last.DeviceClass = "timestamp"

	return []sensorDef{
		{"uptime", uptime},
		{"version", version},
		{"gate_state", p.sensor("gate_state", "Wake Gate", "mdi:microphone")},
		{"mcp_servers", servers},
		{"tools", tools},
		{"llm_model", p.sensor("llm_model", "Language Model", "mdi:brain")},
		{"wake_words_today", wakes},
		{"last_wake_word", last},
	}
}

func (p *Publisher) buttonDefinitions() []ButtonConfig {
	button := func(cmd, name, icon string) ButtonConfig {
		return ButtonConfig{
			Name:              name,
			ObjectID:          cmd,
			HasEntityName:     true,
			UniqueID:          p.instanceID + "_" + cmd,
			CommandTopic:      p.commandTopic(),
			PayloadPress:      cmd,
			AvailabilityTopic: p.availabilityTopic(),
			Device:            p.device,
			Icon:              icon,
		}
	}
	reload := button(CommandReconcile, "Reload Tool Servers", "mdi:refresh")
	reload.EntityCategory = "config"
	return []ButtonConfig{
		reload,
		button(CommandInterrupt, "Interrupt", "mdi:hand-back-left"),
	}
}

func (p *Publisher) publishDiscovery(ctx context.Context, c client) {
	publish := func(component, entity string, cfg any) {
		topic := p.discoveryTopic(component, entity)
		payload, err := json.Marshal(cfg)
		if err != nil {
			p.logger.Error("mqtt marshal discovery payload", "entity", entity, "error", err)
			return
		}
		if _, err := c.Publish(ctx, &paho.Publish{
			Topic:   topic,
			Payload: payload,
			QoS:     1,
			Retain:  true,
		}); err != nil {
			p.logger.Warn("mqtt discovery publish failed", "entity", entity, "error", err)
			return
		}
		p.logger.Debug("mqtt discovery published", "entity", entity, "topic", topic)
	}
	for _, s := range p.sensorDefinitions() {
		publish("sensor", s.entity, s.config)
	}
	for _, b := range p.buttonDefinitions() {
		publish("button", b.ObjectID, b)
	}
}

func (p *Publisher) publishAvailability(ctx context.Context, c client, status string) {
	if _, err := c.Publish(ctx, &paho.Publish{
		Topic:   p.availabilityTopic(),
		Payload: []byte(status),
		QoS:     1,
		Retain:  true,
	}); err != nil {
		p.logger.Warn("mqtt availability publish failed", "status", status, "error", err)
		return
	}
	p.logger.Info("mqtt availability published", "status", status)
}

func (p *Publisher) runLoop(ctx context.Context) {
	interval := time.Duration(p.cfg.PublishIntervalSec) * time.Second
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	p.publishStates(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.publishStates(ctx)
		}
	}
}

// watchEvents pushes state changes as they happen instead of waiting
// for the next tick.
func (p *Publisher) watchEvents(ctx context.Context) {
	if p.bus == nil {
		return
	}
	ch := p.bus.Subscribe(64)
	defer p.bus.Unsubscribe(ch)
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			p.handleEvent(ctx, e)
		}
	}
}

func (p *Publisher) handleEvent(ctx context.Context, e events.Event) {
	switch {
	case e.Source == events.SourceGate && e.Kind == events.KindActivated:
		label, _ := e.Data["label"].(string)
		p.wakes.Record(label)
		p.publishStates(ctx, "gate_state", "wake_words_today", "last_wake_word")
	case e.Source == events.SourceGate && e.Kind == events.KindDeactivated:
		p.publishStates(ctx, "gate_state")
	case e.Source == events.SourceToolhub && e.Kind == events.KindReconcileComplete:
		p.publishStates(ctx, "mcp_servers", "tools")
	case e.Source == events.SourceAgent && e.Kind == events.KindModelChanged:
		p.publishStates(ctx, "llm_model")
	}
}

// states computes the current sensor values.
func (p *Publisher) states() map[string]string {
	count, last, _ := p.wakes.Snapshot()
	lastWake := "unknown"
	if !last.IsZero() {
		lastWake = last.UTC().Format(time.RFC3339)
	}
	return map[string]string{
		"uptime":           strconv.FormatInt(int64(p.stats.Uptime().Seconds()), 10),
		"version":          p.stats.Version(),
		"gate_state":       p.stats.GateState(),
		"mcp_servers":      strconv.Itoa(p.stats.LiveServers()),
		"tools":            strconv.Itoa(p.stats.ToolCount()),
		"llm_model":        p.stats.LLMModel(),
		"wake_words_today": strconv.FormatInt(count, 10),
		"last_wake_word":   lastWake,
	}
}

// publishStates publishes the named entities, or all of them when none
// are named.
func (p *Publisher) publishStates(ctx context.Context, only ...string) {
	p.mu.Lock()
	c := p.client
	p.mu.Unlock()
	if c == nil {
		return
	}

	states := p.states()
	if len(only) > 0 {
		subset := make(map[string]string, len(only))
		for _, entity := range only {
			subset[entity] = states[entity]
		}
		states = subset
	}

	for entity, value := range states {
		if _, err := c.Publish(ctx, &paho.Publish{
			Topic:   p.stateTopic(entity),
			Payload: []byte(value),
			QoS:     0,
			Retain:  true,
		}); err != nil {
			p.logger.Debug("mqtt state publish failed", "entity", entity, "error", err)
		}
	}
	p.logger.Log(ctx, config.LevelTrace, "mqtt sensor states published", "entities", len(states))
}

// handleMessage runs a command published to the command topic.
func (p *Publisher) handleMessage(ctx context.Context, topic string, payload []byte) {
	if topic != p.commandTopic() {
		p.logger.Debug("mqtt message on unexpected topic", "topic", topic)
		return
	}
	cmd := parseCommand(payload)
	if cmd == "" {
		p.logger.Warn("mqtt unknown command", "payload", string(payload))
		return
	}
	if !p.limiter.allow() {
		return
	}

	p.mu.Lock()
	h := p.commands
	p.mu.Unlock()
	if h == nil {
		p.logger.Debug("mqtt command ignored, no handler", "command", cmd)
		return
	}

	go func() {
		if err := h(ctx, cmd); err != nil && !errors.Is(err, context.Canceled) {
			p.logger.Warn("mqtt command failed", "command", cmd, "error", err)
			return
		}
		p.logger.Info("mqtt command handled", "command", cmd)
	}()
}
