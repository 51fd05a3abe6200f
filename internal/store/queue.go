package store

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// QueueItem is one persisted outbound message. Ids are monotonically
// increasing and define the delivery order; they are never reused or
// reordered.
type QueueItem struct {
	ID        int64
	Topic     string
	Payload   []byte
	Retain    bool
	CreatedAt time.Time
}

// Enqueue appends a message to the persisted queue. When the queue is
// at capacity the oldest entry is dropped to admit the newest, since
// retained state makes stale entries less valuable than fresh ones.
//
// On a persistence failure the item goes to the bounded in-memory
// fallback instead and the store flags itself degraded; the returned
// error still wraps ErrPersistence so the caller can log the
// transition, but the item is not lost while the process lives. Once
// the durable store answers again, every held fallback item is
// replayed into it, oldest first, before new work is accepted and the
// degraded flag clears.
//
// Returns:
//   - int64: Assigned queue id (fallback ids stay monotonic)
//   - error: nil, or ErrPersistence (wrapped) when the fallback engaged
func (s *Store) Enqueue(ctx context.Context, topic string, payload []byte, retain bool) (int64, error) {
	if s.Degraded() {
		if err := s.flushFallback(ctx); err != nil {
			return s.enqueueFallback(topic, payload, retain, err)
		}
	}

	id, err := s.enqueueDurable(ctx, topic, payload, retain, time.Now())
	if err != nil {
		return s.enqueueFallback(topic, payload, retain, err)
	}

	s.mu.Lock()
	if id > s.lastID {
		s.lastID = id
	}
	s.mu.Unlock()
	s.setDegraded(false)

	return id, nil
}

// enqueueFallback parks the item in memory and flags the store
// degraded. The volatile id is never written to the durable cursor.
func (s *Store) enqueueFallback(topic string, payload []byte, retain bool, cause error) (int64, error) {
	s.setDegraded(true)

	s.mu.Lock()
	s.lastID++
	id := s.lastID
	s.mu.Unlock()

	s.fallback.push(QueueItem{
		ID:        id,
		Topic:     topic,
		Payload:   payload,
		Retain:    retain,
		CreatedAt: time.Now(),
	})

	return id, fmt.Errorf("%w: enqueue fell back to memory: %w", ErrPersistence, cause)
}

// flushFallback replays items held in memory into the durable queue,
// oldest first, assigning fresh durable ids. A mid-flush failure keeps
// the remainder in memory for the next attempt, so recovery never
// drops an item.
func (s *Store) flushFallback(ctx context.Context) error {
	for {
		held := s.fallback.peek(1)
		if len(held) == 0 {
			return nil
		}
		item := held[0]
		if _, err := s.enqueueDurable(ctx, item.Topic, item.Payload, item.Retain, item.CreatedAt); err != nil {
			return err
		}
		s.fallback.ack(item.ID)
	}
}

func (s *Store) enqueueDurable(ctx context.Context, topic string, payload []byte, retain bool, createdAt time.Time) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback() //nolint:errcheck // No-op after commit

	var depth int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM message_queue`).Scan(&depth); err != nil {
		return 0, err
	}

	if depth >= s.maxQueue {
		overflow := depth - s.maxQueue + 1
		_, err = tx.ExecContext(ctx, `
			DELETE FROM message_queue WHERE id IN (
				SELECT id FROM message_queue ORDER BY id ASC LIMIT ?
			)`, overflow)
		if err != nil {
			return 0, err
		}
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO message_queue (topic, payload, retain, created_at)
		VALUES (?, ?, ?, ?)`,
		topic, payload, boolToInt(retain), createdAt.UTC().Format(timeFormat),
	)
	if err != nil {
		return 0, err
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}

	return id, nil
}

// DequeueBatch returns up to max unacknowledged items, oldest first.
// Items are not removed; callers must Acknowledge after delivery.
// While degraded it first tries to replay the fallback into the
// durable queue; only if the store is still down do items come from
// memory.
func (s *Store) DequeueBatch(ctx context.Context, max int) ([]QueueItem, error) {
	if s.Degraded() {
		if err := s.flushFallback(ctx); err != nil {
			return s.fallback.peek(max), nil
		}
		s.setDegraded(false)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, topic, payload, retain, created_at
		FROM message_queue ORDER BY id ASC LIMIT ?`, max)
	if err != nil {
		s.setDegraded(true)
		return s.fallback.peek(max), nil
	}
	defer rows.Close()

	var items []QueueItem
	for rows.Next() {
		var (
			item      QueueItem
			retain    int
			createdAt string
		)
		if err := rows.Scan(&item.ID, &item.Topic, &item.Payload, &retain, &createdAt); err != nil {
			return nil, fmt.Errorf("%w: scanning queue item: %w", ErrPersistence, err)
		}
		item.Retain = retain != 0
		if item.CreatedAt, err = time.Parse(timeFormat, createdAt); err != nil {
			return nil, fmt.Errorf("%w: parsing queue timestamp: %w", ErrPersistence, err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterating queue: %w", ErrPersistence, err)
	}

	return items, nil
}

// Acknowledge removes delivered items with id <= upToId and advances
// the persisted drain cursor, so a crash mid-drain resumes after the
// last confirmed message rather than replaying the whole queue.
//
// While degraded the ack applies to the in-memory fallback only;
// volatile fallback ids never reach the durable cursor or delete
// durable rows.
func (s *Store) Acknowledge(ctx context.Context, upToId int64) error {
	if s.Degraded() {
		s.fallback.ack(upToId)
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: acknowledging queue: %w", ErrPersistence, err)
	}
	defer tx.Rollback() //nolint:errcheck // No-op after commit

	if _, err := tx.ExecContext(ctx,
		`UPDATE queue_cursor SET acked_id = MAX(acked_id, ?) WHERE id = 1`, upToId); err != nil {
		return fmt.Errorf("%w: advancing drain cursor: %w", ErrPersistence, err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM message_queue WHERE id <= ?`, upToId); err != nil {
		return fmt.Errorf("%w: removing acknowledged items: %w", ErrPersistence, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: acknowledging queue: %w", ErrPersistence, err)
	}

	return nil
}

// DrainCursor returns the persisted id of the last acknowledged item.
func (s *Store) DrainCursor(ctx context.Context) (int64, error) {
	var acked int64
	err := s.db.QueryRowContext(ctx,
		`SELECT acked_id FROM queue_cursor WHERE id = 1`).Scan(&acked)
	if err != nil {
		return 0, fmt.Errorf("%w: reading drain cursor: %w", ErrPersistence, err)
	}
	return acked, nil
}

// QueueDepth returns the number of undelivered messages, including any
// held in the in-memory fallback.
func (s *Store) QueueDepth(ctx context.Context) (int, error) {
	var depth int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM message_queue`).Scan(&depth)
	if err != nil {
		return s.fallback.depth(), fmt.Errorf("%w: reading queue depth: %w", ErrPersistence, err)
	}
	return depth + s.fallback.depth(), nil
}

// Prune removes queue rows older than the given age. Housekeeping
// only; it never touches items newer than the cutoff regardless of
// delivery state.
//
// Returns:
//   - int64: Number of rows removed
func (s *Store) Prune(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().Add(-olderThan).UTC().Format(timeFormat)

	res, err := s.db.ExecContext(ctx,
		`DELETE FROM message_queue WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("%w: pruning queue: %w", ErrPersistence, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("%w: pruning queue: %w", ErrPersistence, err)
	}
	return n, nil
}

// memQueue is the bounded volatile fallback used when SQLite is
// unavailable. Same FIFO and drop-oldest semantics as the durable
// queue, without the durability.
type memQueue struct {
	mu    sync.Mutex
	items []QueueItem
	max   int
}

func newMemQueue(max int) *memQueue {
	return &memQueue{max: max}
}

func (q *memQueue) push(item QueueItem) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) >= q.max {
		q.items = q.items[1:]
	}
	q.items = append(q.items, item)
}

func (q *memQueue) peek(max int) []QueueItem {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := min(max, len(q.items))
	out := make([]QueueItem, n)
	copy(out, q.items[:n])
	return out
}

func (q *memQueue) ack(upToId int64) {
	q.mu.Lock()
	defer q.mu.Unlock()

	i := 0
	for i < len(q.items) && q.items[i].ID <= upToId {
		i++
	}
	q.items = q.items[i:]
}

func (q *memQueue) depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
