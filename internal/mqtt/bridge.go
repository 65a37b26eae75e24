//go:build !no_mqtt

package mqtt

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"miaircon/internal/climate"
	"miaircon/internal/store"
)

// Config holds MQTT bridge configuration.
type Config struct {
	Broker      string
	Username    string
	Password    string
	TopicPrefix string
}

const commandTimeout = 10 * time.Second

// Bridge connects the climate manager to MQTT with HA autodiscovery.
type Bridge struct {
	client  pahomqtt.Client
	manager *climate.Manager
	store   store.Store
	prefix  string
	logger  *slog.Logger
	unsub   func()

	// Units register whenever identification succeeds, so discovery is
	// published lazily on the first event from each unit.
	mu         sync.Mutex
	discovered map[string]bool
	topicToID  map[string]string
}

// NewBridge creates and connects an MQTT bridge.
func NewBridge(manager *climate.Manager, st store.Store, cfg Config, logger *slog.Logger) (*Bridge, error) {
	b := &Bridge{
		manager:    manager,
		store:      st,
		prefix:     cfg.TopicPrefix,
		logger:     logger.With("component", "mqtt"),
		discovered: make(map[string]bool),
		topicToID:  make(map[string]string),
	}

	opts := pahomqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID("miaircon").
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetWill(cfg.TopicPrefix+"/bridge/state", "offline", 1, true).
		SetOnConnectHandler(func(_ pahomqtt.Client) {
			b.logger.Info("MQTT connected")
			b.publishBridgeState("online")
			b.republishAll()
			b.subscribeCommands()
		}).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			b.logger.Warn("MQTT connection lost", "err", err)
		})

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	// Assigned before Connect: the OnConnect handler runs on its own
	// goroutine and publishes through b.client.
	b.client = pahomqtt.NewClient(opts)
	token := b.client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return nil, fmt.Errorf("mqtt connect timeout")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}

	return b, nil
}

// Start subscribes to climate events and begins MQTT publishing.
func (b *Bridge) Start() {
	b.unsub = b.manager.Events().OnAll(b.handleEvent)
	b.logger.Info("MQTT bridge started", "prefix", b.prefix)
}

// Stop publishes offline state, unsubscribes, and disconnects.
func (b *Bridge) Stop() {
	if b.unsub != nil {
		b.unsub()
	}
	b.publishBridgeState("offline")
	b.client.Disconnect(1000)
	b.logger.Info("MQTT bridge stopped")
}

func (b *Bridge) handleEvent(event climate.Event) {
	switch event.Type {
	case climate.EventStateUpdate:
		state, ok := event.Data.(climate.State)
		if !ok {
			return
		}
		b.ensureDiscovery(state.UnitID)
		b.publishState(state)
	case climate.EventAvailability:
		data, ok := event.Data.(map[string]interface{})
		if !ok {
			return
		}
		unitID, _ := data["unit"].(string)
		available, _ := data["available"].(bool)
		if unitID == "" {
			return
		}
		b.ensureDiscovery(unitID)
		b.publishAvailability(unitID, available)
	case climate.EventUnitRenamed:
		if unitID := eventUnitID(event); unitID != "" {
			b.handleUnitRenamed(unitID)
		}
	case climate.EventUnitRemoved:
		if unitID := eventUnitID(event); unitID != "" {
			b.handleUnitRemoved(unitID)
		}
	}
}

func eventUnitID(event climate.Event) string {
	data, ok := event.Data.(map[string]interface{})
	if !ok {
		return ""
	}
	unitID, _ := data["unit"].(string)
	return unitID
}

// handleUnitRenamed re-publishes the retained discovery config, which
// carries the entity name, so HA picks the new name up right away.
func (b *Bridge) handleUnitRenamed(unitID string) {
	b.mu.Lock()
	done := b.discovered[unitID]
	b.mu.Unlock()
	if done {
		b.publishUnitDiscovery(unitID)
	}
}

// handleUnitRemoved retracts the retained discovery config and clears the
// unit's retained state and availability topics so HA forgets the entity.
func (b *Bridge) handleUnitRemoved(unitID string) {
	topicName := b.forgetUnit(unitID)

	msg := buildRemoveDiscovery(unitID)
	b.publish(msg.Topic, msg.Payload, true)
	b.publish(b.prefix+"/"+topicName, nil, true)
	b.publish(b.prefix+"/"+topicName+"/availability", nil, true)
	b.logger.Info("retracted HA discovery", "unit", unitID)
}

// forgetUnit drops the unit from the discovery and command-topic maps and
// returns its topic name. A re-added unit gets rediscovered lazily.
func (b *Bridge) forgetUnit(unitID string) string {
	topicName := unitTopicName(unitID)
	b.mu.Lock()
	delete(b.discovered, unitID)
	delete(b.topicToID, topicName)
	b.mu.Unlock()
	return topicName
}

// ensureDiscovery publishes the retained discovery config the first time a
// unit shows up.
func (b *Bridge) ensureDiscovery(unitID string) {
	b.mu.Lock()
	done := b.discovered[unitID]
	if !done {
		b.discovered[unitID] = true
		b.topicToID[unitTopicName(unitID)] = unitID
	}
	b.mu.Unlock()
	if done {
		return
	}
	b.publishUnitDiscovery(unitID)
}

func (b *Bridge) publishUnitDiscovery(unitID string) {
	entity, err := b.manager.Get(unitID)
	if err != nil {
		return
	}
	unit, err := b.store.GetUnit(unitID)
	if err != nil {
		unit = nil
	}
	msg := buildDiscovery(entity, unit, b.prefix)
	b.publish(msg.Topic, msg.Payload, true)
	b.logger.Info("published HA discovery", "unit", unitID, "name", entity.Name())
}

// republishAll re-sends discovery, availability and state after (re)connect,
// so a restarted broker or HA instance recovers the full picture.
func (b *Bridge) republishAll() {
	for _, entity := range b.manager.Units() {
		id := entity.ID()
		b.mu.Lock()
		b.discovered[id] = true
		b.topicToID[unitTopicName(id)] = id
		b.mu.Unlock()

		b.publishUnitDiscovery(id)
		b.publishAvailability(id, entity.Available())
		if entity.Available() {
			b.publishState(entity.State())
		}
	}
}

func (b *Bridge) publishBridgeState(state string) {
	b.publish(b.prefix+"/bridge/state", []byte(state), true)
}

func (b *Bridge) publishState(state climate.State) {
	topic := b.prefix + "/" + unitTopicName(state.UnitID)
	b.publish(topic, mustJSON(state), true)
}

func (b *Bridge) publishAvailability(unitID string, available bool) {
	topic := b.prefix + "/" + unitTopicName(unitID) + "/availability"
	payload := "offline"
	if available {
		payload = "online"
	}
	b.publish(topic, []byte(payload), true)
}

// subscribeCommands uses one wildcard subscription so units that identify
// late are covered without resubscribing.
func (b *Bridge) subscribeCommands() {
	topic := b.prefix + "/+/+/set"
	b.client.Subscribe(topic, 1, func(_ pahomqtt.Client, msg pahomqtt.Message) {
		b.handleCommand(msg.Topic(), msg.Payload())
	})
}

func (b *Bridge) handleCommand(topic string, payload []byte) {
	rel := strings.TrimPrefix(topic, b.prefix+"/")
	parts := strings.Split(rel, "/")
	if len(parts) != 3 || parts[2] != "set" {
		return
	}

	b.mu.Lock()
	unitID, ok := b.topicToID[parts[0]]
	b.mu.Unlock()
	if !ok {
		b.logger.Warn("command for unknown unit", "topic", topic)
		return
	}
	entity, err := b.manager.Get(unitID)
	if err != nil {
		return
	}

	value := strings.TrimSpace(string(payload))
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	switch parts[1] {
	case "mode":
		err = entity.SetHVACMode(ctx, climate.HVACMode(value))
	case "temperature":
		var temp float64
		temp, err = strconv.ParseFloat(value, 64)
		if err == nil {
			err = entity.SetTemperature(ctx, temp)
		}
	case "fan_mode":
		err = entity.SetFanMode(ctx, value)
	case "swing_mode":
		err = entity.SetSwingMode(ctx, value)
	case "preset_mode":
		err = entity.SetPreset(ctx, value)
	case "aux":
		err = entity.SetAuxHeat(ctx, strings.EqualFold(value, "ON"))
	default:
		b.logger.Warn("unknown command attribute", "topic", topic)
		return
	}

	if err != nil {
		b.logger.Warn("command failed", "unit", unitID, "attr", parts[1], "err", err)
	}
}

func (b *Bridge) publish(topic string, payload []byte, retained bool) {
	token := b.client.Publish(topic, 1, retained, payload)
	go func() {
		if !token.WaitTimeout(5 * time.Second) {
			b.logger.Warn("MQTT publish timeout", "topic", topic)
		} else if err := token.Error(); err != nil {
			b.logger.Warn("MQTT publish error", "topic", topic, "err", err)
		}
	}()
}
