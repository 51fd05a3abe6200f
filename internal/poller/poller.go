package poller

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nerrad567/mbus-bridge/internal/infrastructure/config"
	"github.com/nerrad567/mbus-bridge/internal/meter"
)

// Logger is the minimal logging interface the poller needs.
// Compatible with logging.Logger and slog.Logger.
type Logger interface {
	Error(msg string, args ...any)
	Warn(msg string, args ...any)
	Info(msg string, args ...any)
	Debug(msg string, args ...any)
}

// ReadingsHandler receives the readings of one successful device poll.
// Called from a worker goroutine; implementations must be safe for
// concurrent use across devices.
type ReadingsHandler func(ctx context.Context, device meter.DeviceInfo, readings []meter.Reading)

// FailureHandler receives the classified error after a device poll
// exhausted its retries (or was skipped by an open breaker).
type FailureHandler func(device meter.DeviceInfo, err error)

// DiscoverHandler receives devices newly found by a bus scan.
type DiscoverHandler func(ctx context.Context, device meter.DeviceInfo)

// Poller schedules reads for all registered devices on the configured
// interval, dispatching the actual I/O to a bounded worker pool.
type Poller struct {
	reader   meter.FrameReader
	breakers *BreakerArena

	readInterval time.Duration
	scanInterval time.Duration
	readTimeout  time.Duration
	retryDelay   time.Duration
	readRetries  int
	workers      int

	devices map[string]meter.DeviceInfo
	devMu   sync.RWMutex

	// lastSuccess is the most recent successful read across all devices,
	// consumed by the health aggregator.
	lastSuccess time.Time
	successMu   sync.RWMutex

	onReadings ReadingsHandler
	onFailure  FailureHandler
	onDiscover DiscoverHandler

	logger Logger
}

// New creates a poller for the given frame reader.
//
// Parameters:
//   - cfg: Full bridge configuration (M-Bus section is consumed)
//   - reader: The meter-protocol collaborator
//   - logger: Structured logger (required)
//
// Returns:
//   - *Poller: Ready to accept handlers and Run
func New(cfg *config.Config, reader meter.FrameReader, logger Logger) *Poller {
	p := &Poller{
		reader:       reader,
		breakers:     NewBreakerArena(),
		readInterval: cfg.ReadInterval(),
		scanInterval: cfg.ScanInterval(),
		readTimeout:  cfg.ReadTimeout(),
		retryDelay:   cfg.RetryDelay(),
		readRetries:  cfg.MBus.ReadRetries,
		workers:      cfg.MBus.Workers,
		devices:      make(map[string]meter.DeviceInfo),
		logger:       logger,
	}

	for _, d := range cfg.MBus.Devices {
		info := meter.DeviceInfo{
			Address: d.Address,
			ID:      meter.DeviceID(d.Address),
			Name:    d.Name,
		}
		p.devices[info.ID] = info
	}

	return p
}

// SetOnReadings sets the handler for successful polls.
func (p *Poller) SetOnReadings(handler ReadingsHandler) { p.onReadings = handler }

// SetOnFailure sets the handler for exhausted polls.
func (p *Poller) SetOnFailure(handler FailureHandler) { p.onFailure = handler }

// SetOnDiscover sets the handler for scan-discovered devices.
func (p *Poller) SetOnDiscover(handler DiscoverHandler) { p.onDiscover = handler }

// Breakers exposes the breaker arena for health snapshots.
func (p *Poller) Breakers() *BreakerArena { return p.breakers }

// LastSuccess returns the time of the most recent successful read
// across all devices, or the zero time if none has completed yet.
func (p *Poller) LastSuccess() time.Time {
	p.successMu.RLock()
	defer p.successMu.RUnlock()
	return p.lastSuccess
}

// AddDevice registers a device for polling. Re-adding an existing id
// updates its info.
func (p *Poller) AddDevice(info meter.DeviceInfo) {
	if info.ID == "" {
		info.ID = meter.DeviceID(info.Address)
	}
	p.devMu.Lock()
	p.devices[info.ID] = info
	p.devMu.Unlock()
}

// Devices returns the registered devices sorted by id.
func (p *Poller) Devices() []meter.DeviceInfo {
	p.devMu.RLock()
	defer p.devMu.RUnlock()

	out := make([]meter.DeviceInfo, 0, len(p.devices))
	for _, d := range p.devices {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Run drives the poll and scan loops until ctx is cancelled. The first
// poll cycle starts immediately; a bus scan runs first when no devices
// are statically configured.
//
// Returns:
//   - error: nil on clean shutdown; worker pool errors otherwise
func (p *Poller) Run(ctx context.Context) error {
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(p.workers)

	if len(p.Devices()) == 0 {
		p.scan(groupCtx)
	}

	pollTicker := time.NewTicker(p.readInterval)
	defer pollTicker.Stop()

	var scanC <-chan time.Time
	if p.scanInterval > 0 {
		scanTicker := time.NewTicker(p.scanInterval)
		defer scanTicker.Stop()
		scanC = scanTicker.C
	}

	p.dispatchAll(groupCtx, group)

	for {
		select {
		case <-ctx.Done():
			// Let in-flight reads finish; the caller bounds the grace
			// period through ctx on the workers.
			err := group.Wait()
			if err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil

		case <-pollTicker.C:
			p.dispatchAll(groupCtx, group)

		case <-scanC:
			p.scan(groupCtx)
		}
	}
}

// dispatchAll schedules one read per registered device on the worker
// pool. Devices with open breakers are skipped without queueing work,
// and a saturated pool skips the remaining devices for this tick
// rather than blocking the coordinator on device I/O.
func (p *Poller) dispatchAll(ctx context.Context, group *errgroup.Group) {
	for _, dev := range p.Devices() {
		if err := p.breakers.Allow(dev.ID); err != nil {
			p.logger.Debug("poll skipped, circuit open", "device", dev.ID)
			if p.onFailure != nil {
				p.onFailure(dev, fmt.Errorf("%w: %s", ErrCircuitOpen, dev.ID))
			}
			continue
		}

		started := group.TryGo(func() error {
			p.pollDevice(ctx, dev)
			return nil
		})
		if !started {
			p.breakers.Release(dev.ID)
			p.logger.Warn("poll skipped, worker pool saturated",
				"device", dev.ID, "workers", p.workers)
		}
	}
}

// pollDevice performs one bounded read with local retries, then routes
// the outcome through the breaker and the registered handlers.
func (p *Poller) pollDevice(ctx context.Context, dev meter.DeviceInfo) {
	readings, err := p.readWithRetries(ctx, dev.Address)
	if err != nil {
		if ctx.Err() != nil {
			// Shutdown, not a device fault; leave the breaker alone.
			return
		}
		if opened := p.breakers.RecordFailure(dev.ID); opened {
			status := p.breakers.Status(dev.ID)
			p.logger.Warn("circuit opened",
				"device", dev.ID,
				"failures", status.Failures,
				"next_probe", status.NextProbe,
			)
		}
		if p.onFailure != nil {
			p.onFailure(dev, err)
		}
		return
	}

	if recovered := p.breakers.RecordSuccess(dev.ID); recovered {
		p.logger.Info("circuit closed", "device", dev.ID)
	}

	now := time.Now()
	p.successMu.Lock()
	p.lastSuccess = now
	p.successMu.Unlock()

	for i := range readings {
		readings[i].DeviceID = dev.ID
		readings[i].Value = meter.RoundValue(readings[i].Value)
		if readings[i].Timestamp.IsZero() {
			readings[i].Timestamp = now
		}
	}

	if p.onReadings != nil {
		p.onReadings(ctx, dev, readings)
	}
}

// readWithRetries attempts one frame read up to 1+readRetries times
// with a fixed inter-attempt delay. The whole sequence counts as a
// single breaker failure.
func (p *Poller) readWithRetries(ctx context.Context, address string) ([]meter.Reading, error) {
	var lastErr error

	attempts := 1 + p.readRetries
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(p.retryDelay):
			}
		}

		readings, err := p.readOnce(ctx, address)
		if err == nil {
			return readings, nil
		}
		lastErr = err

		p.logger.Debug("read attempt failed",
			"address", address,
			"attempt", attempt+1,
			"error", err,
		)
	}

	return nil, lastErr
}

// readOnce performs a single hard-timeout-bounded frame read and
// classifies the failure into the device fault taxonomy.
func (p *Poller) readOnce(ctx context.Context, address string) ([]meter.Reading, error) {
	readCtx, cancel := context.WithTimeout(ctx, p.readTimeout)
	defer cancel()

	readings, err := p.reader.ReadFrame(readCtx, address)
	if err == nil {
		return readings, nil
	}

	switch {
	case errors.Is(err, meter.ErrDeviceTimeout), errors.Is(err, meter.ErrDeviceComm):
		return nil, err
	case errors.Is(err, context.DeadlineExceeded):
		return nil, fmt.Errorf("%w: %s after %v", meter.ErrDeviceTimeout, address, p.readTimeout)
	default:
		return nil, fmt.Errorf("%w: %s: %w", meter.ErrDeviceComm, address, err)
	}
}

// scan enumerates the bus and registers devices not yet known. Scan
// failures are logged and retried on the next scan interval.
func (p *Poller) scan(ctx context.Context) {
	scanCtx, cancel := context.WithTimeout(ctx, p.readTimeout*10)
	defer cancel()

	found, err := p.reader.Scan(scanCtx)
	if err != nil {
		p.logger.Warn("bus scan failed", "error", err)
		return
	}

	for _, info := range found {
		if info.ID == "" {
			info.ID = meter.DeviceID(info.Address)
		}

		p.devMu.Lock()
		_, known := p.devices[info.ID]
		if !known {
			p.devices[info.ID] = info
		}
		p.devMu.Unlock()

		if !known {
			p.logger.Info("device discovered", "device", info.ID, "address", info.Address)
			if p.onDiscover != nil {
				p.onDiscover(ctx, info)
			}
		}
	}
}
