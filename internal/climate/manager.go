package climate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"miaircon/internal/aircon"
	"miaircon/internal/miio"
	"miaircon/internal/store"
)

const (
	// DefaultPollInterval is how often each unit's state is refreshed.
	DefaultPollInterval = 15 * time.Second

	identifyRetryDelay = 30 * time.Second
)

// UnitConfig describes one configured air conditioner.
type UnitConfig struct {
	Name    string
	Host    string
	Token   string
	Model   string // optional override; normally taken from miIO.info
	MinTemp float64
	MaxTemp float64
}

type unitIdentity struct {
	Model           string
	MAC             string
	FirmwareVersion string
	HardwareVersion string
}

type deviceConn struct {
	client   aircon.Client
	identity unitIdentity
	close    func() error
}

// Manager owns the entities. Each configured unit gets a goroutine that
// identifies the device over the LAN (retrying while it is unreachable)
// and then polls it, persisting state and feeding the event bus.
type Manager struct {
	logger       *slog.Logger
	store        store.Store
	bus          *EventBus
	configs      []UnitConfig
	pollInterval time.Duration
	connect      func(ctx context.Context, cfg UnitConfig) (*deviceConn, error)

	mu          sync.RWMutex
	entities    map[string]*Entity
	unitCancels map[string]context.CancelFunc

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager creates a manager for the configured units.
func NewManager(st store.Store, bus *EventBus, configs []UnitConfig, pollInterval time.Duration, logger *slog.Logger) *Manager {
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	return &Manager{
		logger:       logger.With("component", "climate"),
		store:        st,
		bus:          bus,
		configs:      configs,
		pollInterval: pollInterval,
		connect:      dialDevice,
		entities:     make(map[string]*Entity),
		unitCancels:  make(map[string]context.CancelFunc),
	}
}

// Events returns the event bus.
func (m *Manager) Events() *EventBus { return m.bus }

// Start launches one worker per configured unit.
func (m *Manager) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)
	for _, cfg := range m.configs {
		m.wg.Add(1)
		go m.runUnit(ctx, cfg)
	}
}

// Stop cancels all workers and waits for them.
func (m *Manager) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
}

// dialDevice opens the LAN connection and identifies the device.
func dialDevice(ctx context.Context, cfg UnitConfig) (*deviceConn, error) {
	c, err := miio.Dial(cfg.Host, cfg.Token)
	if err != nil {
		return nil, err
	}
	info, err := c.Info(ctx)
	if err != nil {
		c.Close()
		return nil, err
	}

	model := cfg.Model
	if model == "" {
		model = info.Model
	}
	dev, err := aircon.New(model, c)
	if err != nil {
		c.Close()
		return nil, err
	}
	return &deviceConn{
		client: dev,
		identity: unitIdentity{
			Model:           model,
			MAC:             strings.ToLower(info.MAC),
			FirmwareVersion: info.FirmwareVersion,
			HardwareVersion: info.HardwareVersion,
		},
		close: c.Close,
	}, nil
}

func (m *Manager) runUnit(ctx context.Context, cfg UnitConfig) {
	defer m.wg.Done()
	logger := m.logger.With("host", cfg.Host)

	var conn *deviceConn
	for {
		var err error
		conn, err = m.connect(ctx, cfg)
		if err == nil {
			break
		}
		if errors.Is(err, aircon.ErrUnsupportedModel) {
			// Misconfigured unit; other units are unaffected.
			logger.Error("unit disabled", "err", err)
			return
		}
		if ctx.Err() != nil {
			return
		}
		logger.Warn("identify failed, will retry", "err", err, "delay", identifyRetryDelay)
		select {
		case <-time.After(identifyRetryDelay):
		case <-ctx.Done():
			return
		}
	}
	defer conn.close()

	entity, err := m.registerUnit(cfg, conn)
	if err != nil {
		logger.Error("register unit", "err", err)
		return
	}
	logger.Info("unit identified",
		"unit", entity.ID(), "model", conn.identity.Model, "name", entity.Name())

	// A per-unit context lets RemoveUnit stop this worker alone.
	unitCtx, unitCancel := context.WithCancel(ctx)
	m.mu.Lock()
	m.unitCancels[entity.ID()] = unitCancel
	m.mu.Unlock()
	defer unitCancel()

	m.pollLoop(unitCtx, entity)
}

// registerUnit persists the unit record and builds its entity. A name set
// through the API survives restarts; the config name only seeds new units.
func (m *Manager) registerUnit(cfg UnitConfig, conn *deviceConn) (*Entity, error) {
	id := conn.identity.Model
	if conn.identity.MAC != "" {
		id = conn.identity.Model + "-" + conn.identity.MAC
	}

	name := cfg.Name
	unit, err := m.store.GetUnit(id)
	switch {
	case err == nil:
		if unit.Name != "" {
			name = unit.Name
		}
	case errors.Is(err, store.ErrNotFound):
		unit = &store.Unit{ID: id, AddedAt: time.Now()}
	default:
		return nil, err
	}
	if name == "" {
		name = id
	}

	unit.Name = name
	unit.Host = cfg.Host
	unit.Token = cfg.Token
	unit.Model = conn.identity.Model
	unit.MAC = conn.identity.MAC
	unit.FirmwareVersion = conn.identity.FirmwareVersion
	unit.HardwareVersion = conn.identity.HardwareVersion
	unit.MinTemp = cfg.MinTemp
	unit.MaxTemp = cfg.MaxTemp
	if err := m.store.SaveUnit(unit); err != nil {
		return nil, err
	}

	entity := NewEntity(id, name, conn.client, m.bus, m.logger, cfg.MinTemp, cfg.MaxTemp)
	m.mu.Lock()
	m.entities[id] = entity
	m.mu.Unlock()
	return entity, nil
}

func (m *Manager) pollLoop(ctx context.Context, entity *Entity) {
	poll := func() {
		pollCtx, cancel := context.WithTimeout(ctx, m.pollInterval)
		defer cancel()
		if err := entity.Refresh(pollCtx); err != nil {
			m.logger.Debug("poll failed", "unit", entity.ID(), "err", err)
			return
		}
		m.persistState(entity)
	}

	poll()
	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			poll()
		case <-ctx.Done():
			return
		}
	}
}

func (m *Manager) persistState(entity *Entity) {
	st := entity.State()
	err := m.store.UpdateUnit(entity.ID(), func(u *store.Unit) error {
		u.LastSeen = st.LastSeen
		u.LastState = &store.State{
			Power:       st.HVACMode != HVACOff,
			Mode:        string(st.HVACMode),
			TargetTemp:  st.TargetTemp,
			CurrentTemp: st.CurrentTemp,
			FanMode:     st.FanMode,
			SwingMode:   st.SwingMode,
			Preset:      st.Preset,
			AuxHeat:     st.AuxHeat,
		}
		return nil
	})
	if err != nil {
		m.logger.Error("persist state", "unit", entity.ID(), "err", err)
	}
}

// Units returns all registered entities, sorted by ID.
func (m *Manager) Units() []*Entity {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Entity, 0, len(m.entities))
	for _, e := range m.entities {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// Get returns the entity with the given ID.
func (m *Manager) Get(id string) (*Entity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entities[id]
	if !ok {
		return nil, fmt.Errorf("unit %s: %w", id, store.ErrNotFound)
	}
	return e, nil
}

// Rename updates the display name in the store and on the live entity.
func (m *Manager) Rename(id, name string) error {
	entity, err := m.Get(id)
	if err != nil {
		return err
	}
	if err := m.store.UpdateUnit(id, func(u *store.Unit) error {
		u.Name = name
		return nil
	}); err != nil {
		return err
	}
	entity.SetName(name)
	m.bus.Emit(Event{Type: EventStateUpdate, Data: entity.State()})
	m.bus.Emit(Event{Type: EventUnitRenamed, Data: map[string]interface{}{
		"unit": id,
		"name": name,
	}})
	return nil
}

// RemoveUnit stops polling a unit, drops its entity, and deletes its store
// record. A unit still present in the config file returns on restart.
func (m *Manager) RemoveUnit(id string) error {
	m.mu.Lock()
	_, live := m.entities[id]
	delete(m.entities, id)
	cancel := m.unitCancels[id]
	delete(m.unitCancels, id)
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if !live {
		// Possibly a stored record from a past run whose device never
		// identified this time; ErrNotFound if the store has nothing
		// either.
		if _, err := m.store.GetUnit(id); err != nil {
			return err
		}
	}
	if err := m.store.DeleteUnit(id); err != nil {
		return err
	}

	m.logger.Info("unit removed", "unit", id)
	m.bus.Emit(Event{Type: EventUnitRemoved, Data: map[string]interface{}{
		"unit": id,
	}})
	return nil
}

// RefreshUnit forces an immediate poll of one unit.
func (m *Manager) RefreshUnit(ctx context.Context, id string) error {
	entity, err := m.Get(id)
	if err != nil {
		return err
	}
	if err := entity.Refresh(ctx); err != nil {
		return err
	}
	m.persistState(entity)
	return nil
}
