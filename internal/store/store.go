package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nerrad567/mbus-bridge/internal/infrastructure/database"
)

// timeFormat is how timestamps are stored in TEXT columns.
const timeFormat = time.RFC3339Nano

// Attribute is one named value inside a device snapshot.
type Attribute struct {
	Value float64 `json:"value"`
	Unit  string  `json:"unit,omitempty"`
}

// DeviceState is the persisted last-known state of one device. The
// snapshot replaces the prior one atomically on every upsert; readers
// never observe a partial write.
type DeviceState struct {
	DeviceID     string
	DeviceType   string
	Name         string
	Manufacturer string
	Model        string
	SWVersion    string
	Snapshot     map[string]Attribute
	LastUpdate   time.Time
	Online       bool
}

// Store provides durable device state, the persisted outbound queue,
// and discovery records on top of the SQLite database.
type Store struct {
	db *database.DB

	maxQueue int

	// fallback engages when SQLite fails; bounded, volatile.
	fallback *memQueue

	// lastID is the highest queue id handed out, so fallback ids stay
	// monotonic relative to persisted ones.
	lastID int64

	degraded bool
	mu       sync.RWMutex
}

// New creates a store over an open database.
//
// Parameters:
//   - db: Open, migrated database
//   - maxQueue: Queue capacity bound; overflow drops the oldest entry
//
// Returns:
//   - *Store: Ready for use
func New(db *database.DB, maxQueue int) *Store {
	return &Store{
		db:       db,
		maxQueue: maxQueue,
		fallback: newMemQueue(maxQueue),
	}
}

// Degraded reports whether the store has fallen back to in-memory
// queueing after a persistence failure.
func (s *Store) Degraded() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.degraded
}

// setDegraded flips the degraded flag; returns true on a transition.
func (s *Store) setDegraded(v bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	changed := s.degraded != v
	s.degraded = v
	return changed
}

// UpsertState atomically replaces the device's persisted snapshot.
// Single-writer semantics per device id are enforced here through the
// database's serialised write connection.
//
// Parameters:
//   - ctx: Context for timeout/cancellation
//   - state: Full replacement state; Snapshot must not be nil
//
// Returns:
//   - error: ErrPersistence (wrapped) if the write fails
func (s *Store) UpsertState(ctx context.Context, state DeviceState) error {
	snapshot, err := json.Marshal(state.Snapshot)
	if err != nil {
		return fmt.Errorf("marshaling snapshot for %s: %w", state.DeviceID, err)
	}

	deviceType := state.DeviceType
	if deviceType == "" {
		deviceType = "mbus_meter"
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO device_state
			(device_id, device_type, name, manufacturer, model, sw_version,
			 state_snapshot, last_update, online)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(device_id) DO UPDATE SET
			device_type    = excluded.device_type,
			name           = excluded.name,
			manufacturer   = excluded.manufacturer,
			model          = excluded.model,
			sw_version     = excluded.sw_version,
			state_snapshot = excluded.state_snapshot,
			last_update    = excluded.last_update,
			online         = excluded.online`,
		state.DeviceID, deviceType, state.Name, state.Manufacturer,
		state.Model, state.SWVersion, string(snapshot),
		state.LastUpdate.UTC().Format(timeFormat), boolToInt(state.Online),
	)
	if err != nil {
		return fmt.Errorf("%w: upserting state for %s: %w", ErrPersistence, state.DeviceID, err)
	}

	return nil
}

// ReadState returns the persisted state for a device.
//
// Returns:
//   - DeviceState: The stored snapshot
//   - error: ErrNotFound if the device has never been stored
func (s *Store) ReadState(ctx context.Context, deviceID string) (DeviceState, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT device_id, device_type, name, manufacturer, model, sw_version,
		       state_snapshot, last_update, online
		FROM device_state WHERE device_id = ?`, deviceID)

	state, err := scanDeviceState(row)
	if errors.Is(err, sql.ErrNoRows) {
		return DeviceState{}, fmt.Errorf("%w: device %s", ErrNotFound, deviceID)
	}
	if err != nil {
		return DeviceState{}, fmt.Errorf("%w: reading state for %s: %w", ErrPersistence, deviceID, err)
	}

	return state, nil
}

// LoadAll returns every persisted device state, used at startup to
// republish last-known snapshots before polling begins.
func (s *Store) LoadAll(ctx context.Context) ([]DeviceState, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT device_id, device_type, name, manufacturer, model, sw_version,
		       state_snapshot, last_update, online
		FROM device_state ORDER BY device_id`)
	if err != nil {
		return nil, fmt.Errorf("%w: loading device states: %w", ErrPersistence, err)
	}
	defer rows.Close()

	var states []DeviceState
	for rows.Next() {
		state, err := scanDeviceState(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: scanning device state: %w", ErrPersistence, err)
		}
		states = append(states, state)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterating device states: %w", ErrPersistence, err)
	}

	return states, nil
}

// SetOnline updates only the online flag for a device, leaving the
// snapshot untouched. Used for TTL-driven stale/offline transitions.
func (s *Store) SetOnline(ctx context.Context, deviceID string, online bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE device_state SET online = ? WHERE device_id = ?`,
		boolToInt(online), deviceID,
	)
	if err != nil {
		return fmt.Errorf("%w: updating online flag for %s: %w", ErrPersistence, deviceID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: device %s", ErrNotFound, deviceID)
	}
	return nil
}

// scanner covers both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanDeviceState(row scanner) (DeviceState, error) {
	var (
		state      DeviceState
		snapshot   string
		lastUpdate string
		online     int
	)

	err := row.Scan(&state.DeviceID, &state.DeviceType, &state.Name,
		&state.Manufacturer, &state.Model, &state.SWVersion,
		&snapshot, &lastUpdate, &online)
	if err != nil {
		return DeviceState{}, err
	}

	if err := json.Unmarshal([]byte(snapshot), &state.Snapshot); err != nil {
		return DeviceState{}, fmt.Errorf("unmarshaling snapshot for %s: %w", state.DeviceID, err)
	}
	if state.LastUpdate, err = time.Parse(timeFormat, lastUpdate); err != nil {
		return DeviceState{}, fmt.Errorf("parsing last_update for %s: %w", state.DeviceID, err)
	}
	state.Online = online != 0

	return state, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
