package bridge

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/nerrad567/mbus-bridge/internal/infrastructure/database"
	"github.com/nerrad567/mbus-bridge/internal/infrastructure/mqtt"
	"github.com/nerrad567/mbus-bridge/internal/store"
	_ "github.com/nerrad567/mbus-bridge/migrations" // register embedded schema
)

// pubRecord captures one publish seen by the fake broker.
type pubRecord struct {
	Topic   string
	Payload string
	Retain  bool
}

// fakeBroker implements Broker for pipeline tests.
type fakeBroker struct {
	mu        sync.Mutex
	connected bool
	failNext  int
	published []pubRecord
	subs      map[string]mqtt.MessageHandler

	onConnect    func()
	onDisconnect func(err error)
}

func newFakeBroker(connected bool) *fakeBroker {
	return &fakeBroker{
		connected: connected,
		subs:      make(map[string]mqtt.MessageHandler),
	}
}

func (f *fakeBroker) Publish(topic string, payload []byte, _ byte, retained bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.connected {
		return mqtt.ErrNotConnected
	}
	if f.failNext > 0 {
		f.failNext--
		return mqtt.ErrPublishFailed
	}
	f.published = append(f.published, pubRecord{topic, string(payload), retained})
	return nil
}

func (f *fakeBroker) Subscribe(topic string, _ byte, handler mqtt.MessageHandler) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs[topic] = handler
	return nil
}

func (f *fakeBroker) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeBroker) Topics() mqtt.Topics { return mqtt.NewTopics("mbus") }

func (f *fakeBroker) SetOnConnect(callback func())       { f.onConnect = callback }
func (f *fakeBroker) SetOnDisconnect(cb func(err error)) { f.onDisconnect = cb }

// connect flips the broker online and fires the callback, like a paho
// reconnect would.
func (f *fakeBroker) connect() {
	f.mu.Lock()
	f.connected = true
	f.mu.Unlock()
	if f.onConnect != nil {
		f.onConnect()
	}
}

func (f *fakeBroker) disconnect() {
	f.mu.Lock()
	f.connected = false
	f.mu.Unlock()
}

func (f *fakeBroker) records() []pubRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]pubRecord, len(f.published))
	copy(out, f.published)
	return out
}

// recordsFor filters publishes by topic.
func (f *fakeBroker) recordsFor(topic string) []pubRecord {
	var out []pubRecord
	for _, r := range f.records() {
		if r.Topic == topic {
			out = append(out, r)
		}
	}
	return out
}

type nopLogger struct{}

func (nopLogger) Error(string, ...any) {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Debug(string, ...any) {}

// newTestStore opens a migrated temporary database.
func newTestStore(t *testing.T, maxQueue int) *store.Store {
	t.Helper()

	db, err := database.Open(database.Config{
		Path:        filepath.Join(t.TempDir(), "test.db"),
		WALMode:     true,
		BusyTimeout: 5,
	})
	if err != nil {
		t.Fatalf("opening test database: %v", err)
	}
	t.Cleanup(func() { db.Close() }) //nolint:errcheck // Test cleanup

	if err := db.Migrate(context.Background()); err != nil {
		t.Fatalf("migrating test database: %v", err)
	}

	return store.New(db, maxQueue)
}
