package bridge

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nerrad567/mbus-bridge/internal/infrastructure/config"
	"github.com/nerrad567/mbus-bridge/internal/infrastructure/mqtt"
	"github.com/nerrad567/mbus-bridge/internal/meter"
	"github.com/nerrad567/mbus-bridge/internal/poller"
	"github.com/nerrad567/mbus-bridge/internal/store"
)

// Device status values, driven purely by read aging.
const (
	DeviceOnline  = "online"
	DeviceStale   = "stale"
	DeviceOffline = "offline"
)

// gatewayRefreshInterval is how often the bridge republishes its own
// self-device state.
const gatewayRefreshInterval = 30 * time.Second

// HistorySink mirrors readings to a time-series backend. Optional;
// the influxdb client satisfies it.
type HistorySink interface {
	WriteReading(deviceID, attribute, unit string, value float64, ts time.Time)
}

// Bridge wires the poller, store, detector, publisher, and discovery
// manager into the full pipeline and owns its lifecycle.
type Bridge struct {
	cfg       *config.Config
	broker    Broker
	store     *store.Store
	poller    *poller.Poller
	detector  *Detector
	publisher *Publisher
	discovery *Discovery
	health    *HealthAggregator
	history   HistorySink
	logger    Logger
	topics    mqtt.Topics

	startedAt time.Time

	// runCtx bounds work started by broker callbacks; set once in Run.
	runMu  sync.Mutex
	runCtx context.Context

	// Per-device status tracking for the TTL rule. Status transitions
	// happen only here, never by external command.
	statusMu sync.Mutex
	lastSeen map[string]time.Time
	status   map[string]string
}

// New assembles the bridge pipeline.
//
// Parameters:
//   - cfg: Full bridge configuration
//   - broker: Connected MQTT client
//   - st: Migrated state store
//   - pol: Poller (handlers are wired here)
//   - history: Optional reading-history sink, may be nil
//   - logger: Structured logger
//
// Returns:
//   - *Bridge: Ready to Run
func New(cfg *config.Config, broker Broker, st *store.Store, pol *poller.Poller,
	history HistorySink, logger Logger) *Bridge {

	pub := NewPublisher(broker, st, byte(cfg.MQTT.QoS), logger)
	topics := broker.Topics()

	b := &Bridge{
		cfg:       cfg,
		broker:    broker,
		store:     st,
		poller:    pol,
		detector:  NewDetector(cfg.MBus.Tolerance, cfg.HeartbeatInterval()),
		publisher: pub,
		discovery: NewDiscovery(st, pub, topics, cfg, logger),
		history:   history,
		logger:    logger,
		topics:    topics,
		lastSeen:  make(map[string]time.Time),
		status:    make(map[string]string),
	}

	b.health = NewHealthAggregator(broker, st, pol.Breakers(),
		pol.LastSuccess, cfg.ReadInterval(), cfg.Queue.HighWatermark)

	pol.SetOnReadings(b.handleReadings)
	pol.SetOnFailure(b.handleFailure)
	pol.SetOnDiscover(b.handleDiscover)

	broker.SetOnConnect(b.handleBrokerConnect)
	broker.SetOnDisconnect(func(err error) {
		logger.Warn("broker connection lost, queueing until reconnect", "error", err)
	})

	return b
}

// Health returns the current composite health snapshot.
func (b *Bridge) Health(ctx context.Context) HealthSnapshot {
	return b.health.Snapshot(ctx)
}

// Run starts the pipeline and blocks until ctx is cancelled.
//
// Startup order is fixed: recover persisted state, subscribe the
// rediscovery trigger, drain the offline queue, then start polling.
func (b *Bridge) Run(ctx context.Context) error {
	b.startedAt = time.Now()

	b.runMu.Lock()
	b.runCtx = ctx
	b.runMu.Unlock()

	if err := b.recover(ctx); err != nil {
		// Recovery is best effort; fresh reads will rebuild state.
		b.logger.Warn("startup recovery incomplete", "error", err)
	}

	if err := b.subscribeRediscovery(ctx); err != nil {
		b.logger.Warn("rediscovery trigger unavailable", "error", err)
	}

	if n, err := b.publisher.Drain(ctx); err != nil {
		b.logger.Warn("startup drain failed", "error", err)
	} else if n > 0 {
		b.logger.Info("startup drain complete", "delivered", n)
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error { return b.poller.Run(groupCtx) })
	group.Go(func() error { return b.heartbeatLoop(groupCtx) })
	group.Go(func() error { return b.ttlLoop(groupCtx) })
	group.Go(func() error { return b.gatewayLoop(groupCtx) })
	group.Go(func() error { return b.pruneLoop(groupCtx) })

	err := group.Wait()

	b.shutdown()
	return err
}

// recover republishes every persisted snapshot retained and marks it
// stale, so consumers see last-known values immediately and fresh
// reads supersede them within two poll intervals.
func (b *Bridge) recover(ctx context.Context) error {
	states, err := b.store.LoadAll(ctx)
	if err != nil {
		return err
	}

	for _, state := range states {
		if state.DeviceID == b.cfg.Gateway.ID {
			continue
		}

		b.publishState(ctx, state)
		if err := b.discovery.EnsureDiscovered(ctx, state); err != nil {
			b.logger.Warn("recovery discovery failed", "device", state.DeviceID, "error", err)
		}

		b.statusMu.Lock()
		b.status[state.DeviceID] = DeviceStale
		b.lastSeen[state.DeviceID] = state.LastUpdate
		b.statusMu.Unlock()

		// Known devices resume polling without waiting for a scan.
		b.poller.AddDevice(meter.DeviceInfo{
			ID:           state.DeviceID,
			Address:      strings.TrimPrefix(state.DeviceID, "mbus_meter_"),
			Name:         state.Name,
			Manufacturer: state.Manufacturer,
			Model:        state.Model,
			SWVersion:    state.SWVersion,
		})
	}

	if len(states) > 0 {
		b.logger.Info("recovered persisted device states", "devices", len(states))
	}

	b.publishGateway(ctx)
	return nil
}

// subscribeRediscovery watches the configured status topic; the
// configured payload clears discovery records and republishes
// everything.
func (b *Bridge) subscribeRediscovery(ctx context.Context) error {
	topic := b.cfg.HomeAssistant.StatusTopic
	if topic == "" {
		return nil
	}

	return b.broker.Subscribe(topic, byte(b.cfg.MQTT.QoS), func(_ string, payload []byte) error {
		if string(payload) != b.cfg.HomeAssistant.StatusPayload {
			return nil
		}
		b.logger.Info("rediscovery triggered", "topic", topic)

		if err := b.discovery.ForceRediscovery(ctx); err != nil {
			return err
		}
		b.republishAll(ctx)
		return nil
	})
}

// lifetime returns the context bounding broker-callback work: the Run
// context once started, Background for callbacks firing earlier.
func (b *Bridge) lifetime() context.Context {
	b.runMu.Lock()
	defer b.runMu.Unlock()

	if b.runCtx != nil {
		return b.runCtx
	}
	return context.Background()
}

// handleBrokerConnect runs on every (re)connect: drain the queue in
// order, then refresh availability. Bounded by the run context so a
// reconnect during shutdown cannot restart delivery.
func (b *Bridge) handleBrokerConnect() {
	ctx := b.lifetime()

	n, err := b.publisher.Drain(ctx)
	if err != nil {
		b.logger.Warn("drain after reconnect failed", "error", err)
	} else if n > 0 {
		b.logger.Info("offline queue drained", "delivered", n)
	}

	b.publishAvailability(ctx)
}

// handleReadings is the synchronous pipeline for one successful poll:
// fold readings into a snapshot, persist it, ensure discovery, and
// publish when the detector says so.
func (b *Bridge) handleReadings(ctx context.Context, dev meter.DeviceInfo, readings []meter.Reading) {
	if len(readings) == 0 {
		return
	}

	snapshot := make(map[string]store.Attribute, len(readings))
	for _, r := range readings {
		snapshot[mqtt.SanitizeKey(r.Attribute)] = store.Attribute{Value: r.Value, Unit: r.Unit}
	}

	now := time.Now()
	name := dev.Name
	if name == "" {
		name = dev.ID
	}

	state := store.DeviceState{
		DeviceID:     dev.ID,
		Name:         name,
		Manufacturer: dev.Manufacturer,
		Model:        dev.Model,
		SWVersion:    dev.SWVersion,
		Snapshot:     snapshot,
		LastUpdate:   now,
		Online:       true,
	}

	if err := b.store.UpsertState(ctx, state); err != nil {
		b.logger.Error("persisting device state failed", "device", dev.ID, "error", err)
	}

	if err := b.discovery.EnsureDiscovered(ctx, state); err != nil {
		b.logger.Warn("discovery failed", "device", dev.ID, "error", err)
	}

	// A device returning from stale/offline always publishes.
	forced := b.markSeen(dev.ID, now)

	if b.detector.ShouldPublish(dev.ID, snapshot, forced) {
		b.publishState(ctx, state)
		b.publishDeviceAvailability(ctx, dev.ID, true)
		b.detector.MarkPublished(dev.ID, snapshot)
	}

	if b.history != nil {
		for _, r := range readings {
			b.history.WriteReading(r.DeviceID, mqtt.SanitizeKey(r.Attribute), r.Unit, r.Value, r.Timestamp)
		}
	}
}

// markSeen updates last-seen tracking; returns true if the device was
// not previously online (forcing the next publish).
func (b *Bridge) markSeen(deviceID string, now time.Time) bool {
	b.statusMu.Lock()
	defer b.statusMu.Unlock()

	prev := b.status[deviceID]
	b.status[deviceID] = DeviceOnline
	b.lastSeen[deviceID] = now

	return prev != DeviceOnline
}

func (b *Bridge) handleFailure(dev meter.DeviceInfo, err error) {
	// Breaker transitions are logged by the poller; individual failures
	// only matter for aging, which the TTL loop derives from lastSeen.
	b.logger.Debug("poll failed", "device", dev.ID, "error", err)
}

func (b *Bridge) handleDiscover(_ context.Context, info meter.DeviceInfo) {
	// The first successful read persists state and triggers discovery.
	b.logger.Info("registering discovered device", "device", info.ID)
}

// publishState publishes every attribute of a snapshot retained, in
// stable key order.
func (b *Bridge) publishState(ctx context.Context, state store.DeviceState) {
	keys := make([]string, 0, len(state.Snapshot))
	for key := range state.Snapshot {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	for _, key := range keys {
		attr := state.Snapshot[key]
		topic := b.topics.DeviceState(state.DeviceID, key)
		payload := strconv.FormatFloat(attr.Value, 'f', -1, 64)

		if _, err := b.publisher.Publish(ctx, topic, []byte(payload), true); err != nil {
			b.logger.Error("publishing state failed", "topic", topic, "error", err)
		}
	}
}

// publishDeviceAvailability publishes the retained per-device
// availability topic.
func (b *Bridge) publishDeviceAvailability(ctx context.Context, deviceID string, online bool) {
	payload := mqtt.PayloadOffline
	if online {
		payload = mqtt.PayloadOnline
	}

	topic := b.topics.DeviceAvailability(deviceID)
	if _, err := b.publisher.Publish(ctx, topic, []byte(payload), true); err != nil {
		b.logger.Error("publishing availability failed", "device", deviceID, "error", err)
	}
}

// publishAvailability refreshes bridge and per-device availability.
// Offline devices are left untouched; their retained "offline" stands.
func (b *Bridge) publishAvailability(ctx context.Context) {
	if b.broker.IsConnected() {
		if err := b.broker.Publish(b.topics.BridgeState(), []byte(mqtt.PayloadOnline),
			byte(b.cfg.MQTT.QoS), true); err != nil {
			b.logger.Warn("bridge availability publish failed", "error", err)
		}
	}

	b.statusMu.Lock()
	online := make([]string, 0, len(b.status))
	for id, status := range b.status {
		if status != DeviceOffline {
			online = append(online, id)
		}
	}
	b.statusMu.Unlock()

	sort.Strings(online)
	for _, id := range online {
		b.publishDeviceAvailability(ctx, id, true)
	}
}

// republishAll force-publishes every persisted snapshot and its
// discovery configs. Used after a forced rediscovery.
func (b *Bridge) republishAll(ctx context.Context) {
	states, err := b.store.LoadAll(ctx)
	if err != nil {
		b.logger.Error("republish failed loading states", "error", err)
		return
	}

	for _, state := range states {
		if err := b.discovery.EnsureDiscovered(ctx, state); err != nil {
			b.logger.Warn("rediscovery failed", "device", state.DeviceID, "error", err)
		}
		b.publishState(ctx, state)
	}

	b.publishGateway(ctx)
}

// heartbeatLoop republishes availability on the configured interval so
// expire_after windows downstream never lapse while the bridge is up.
func (b *Bridge) heartbeatLoop(ctx context.Context) error {
	interval := b.cfg.HeartbeatInterval()
	if interval <= 0 {
		<-ctx.Done()
		return nil
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			b.publishAvailability(ctx)
		}
	}
}

// ttlLoop ages devices: stale after twice the read interval without a
// successful read, offline after the configured timeout. Offline
// publishes retained availability and clears the change baseline so
// the comeback read always publishes.
func (b *Bridge) ttlLoop(ctx context.Context) error {
	interval := b.cfg.ReadInterval()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			b.ageDevices(ctx, time.Now())
		}
	}
}

// ageDevices applies the TTL rule once. Split out for tests.
func (b *Bridge) ageDevices(ctx context.Context, now time.Time) {
	staleAfter := 2 * b.cfg.ReadInterval()
	offlineAfter := b.cfg.OfflineAfter()

	type transition struct {
		deviceID string
		to       string
	}
	var transitions []transition

	b.statusMu.Lock()
	for id, seen := range b.lastSeen {
		age := now.Sub(seen)
		switch {
		case age > offlineAfter && b.status[id] != DeviceOffline:
			b.status[id] = DeviceOffline
			transitions = append(transitions, transition{id, DeviceOffline})
		case age > staleAfter && b.status[id] == DeviceOnline:
			b.status[id] = DeviceStale
			transitions = append(transitions, transition{id, DeviceStale})
		}
	}
	b.statusMu.Unlock()

	for _, tr := range transitions {
		b.logger.Warn("device status changed", "device", tr.deviceID, "status", tr.to)

		if tr.to == DeviceOffline {
			b.publishDeviceAvailability(ctx, tr.deviceID, false)
			b.detector.Forget(tr.deviceID)
			if err := b.store.SetOnline(ctx, tr.deviceID, false); err != nil {
				b.logger.Error("persisting offline flag failed", "device", tr.deviceID, "error", err)
			}
		}
	}
}

// DeviceStatus returns the TTL-derived status for a device.
func (b *Bridge) DeviceStatus(deviceID string) string {
	b.statusMu.Lock()
	defer b.statusMu.Unlock()

	if status, ok := b.status[deviceID]; ok {
		return status
	}
	return DeviceOffline
}

// gatewayLoop refreshes the bridge's own self-device state.
func (b *Bridge) gatewayLoop(ctx context.Context) error {
	ticker := time.NewTicker(gatewayRefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			b.publishGateway(ctx)
		}
	}
}

// publishGateway publishes the gateway self-device: uptime, queue
// depth, and online-device count, discoverable like any meter.
func (b *Bridge) publishGateway(ctx context.Context) {
	depth, _ := b.store.QueueDepth(ctx)

	b.statusMu.Lock()
	online := 0
	for _, status := range b.status {
		if status == DeviceOnline {
			online++
		}
	}
	b.statusMu.Unlock()

	uptime := time.Since(b.startedAt).Seconds()
	if b.startedAt.IsZero() {
		uptime = 0
	}

	state := store.DeviceState{
		DeviceID:     b.cfg.Gateway.ID,
		DeviceType:   "gateway",
		Name:         b.cfg.Gateway.Name,
		Manufacturer: b.cfg.Gateway.Manufacturer,
		Model:        b.cfg.Gateway.Model,
		Snapshot: map[string]store.Attribute{
			"uptime":         {Value: meter.RoundValue(uptime), Unit: "s"},
			"queue_depth":    {Value: float64(depth)},
			"devices_online": {Value: float64(online)},
		},
		LastUpdate: time.Now(),
		Online:     true,
	}

	if err := b.store.UpsertState(ctx, state); err != nil {
		b.logger.Debug("persisting gateway state failed", "error", err)
	}
	if err := b.discovery.EnsureDiscovered(ctx, state); err != nil {
		b.logger.Debug("gateway discovery failed", "error", err)
	}
	b.publishState(ctx, state)
	b.publishDeviceAvailability(ctx, state.DeviceID, true)
}

// pruneLoop removes aged queue rows on the housekeeping interval.
func (b *Bridge) pruneLoop(ctx context.Context) error {
	if b.cfg.Queue.PruneAfter <= 0 {
		<-ctx.Done()
		return nil
	}

	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	maxAge := time.Duration(b.cfg.Queue.PruneAfter) * time.Hour

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if n, err := b.store.Prune(ctx, maxAge); err != nil {
				b.logger.Warn("queue prune failed", "error", err)
			} else if n > 0 {
				b.logger.Info("pruned aged queue rows", "removed", n)
			}
		}
	}
}

// shutdown publishes the graceful offline transitions. The MQTT client
// itself publishes the retained bridge-level offline on Close.
func (b *Bridge) shutdown() {
	b.logger.Info("bridge pipeline stopped")
}
