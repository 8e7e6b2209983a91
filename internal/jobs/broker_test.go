package jobs

import (
	"context"
	"sort"
	"sync"
	"time"
)

// memBroker is an in-memory Broker for tests. Move polls instead of
// blocking; a non-positive timeout checks once and returns.
type memBroker struct {
	mu       sync.Mutex
	lists    map[string][][]byte
	delayed  map[string]map[string]float64
	statuses map[string][]byte
	locks    map[string]string
}

func newMemBroker() *memBroker {
	return &memBroker{
		lists:    map[string][][]byte{},
		delayed:  map[string]map[string]float64{},
		statuses: map[string][]byte{},
		locks:    map[string]string{},
	}
}

func (m *memBroker) Push(ctx context.Context, list string, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lists[list] = append(m.lists[list], payload)
	return nil
}

func (m *memBroker) Move(ctx context.Context, src, dst string, timeout time.Duration) ([]byte, error) {
	deadline := time.Now().Add(timeout)
	for {
		m.mu.Lock()
		if items := m.lists[src]; len(items) > 0 {
			payload := items[0]
			m.lists[src] = items[1:]
			m.lists[dst] = append(m.lists[dst], payload)
			m.mu.Unlock()
			return payload, nil
		}
		m.mu.Unlock()

		if timeout <= 0 || time.Now().After(deadline) {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(2 * time.Millisecond):
		}
	}
}

func (m *memBroker) Remove(ctx context.Context, list string, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	items := m.lists[list]
	for i, item := range items {
		if string(item) == string(payload) {
			m.lists[list] = append(items[:i:i], items[i+1:]...)
			return nil
		}
	}
	return nil
}

func (m *memBroker) Delay(ctx context.Context, set string, payload []byte, eta time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.delayed[set] == nil {
		m.delayed[set] = map[string]float64{}
	}
	m.delayed[set][string(payload)] = float64(eta.Unix())
	return nil
}

func (m *memBroker) Due(ctx context.Context, set string, now time.Time, limit int) ([][]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	type entry struct {
		payload string
		score   float64
	}
	var due []entry
	for payload, score := range m.delayed[set] {
		if score <= float64(now.Unix()) {
			due = append(due, entry{payload, score})
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].score < due[j].score })
	if len(due) > limit {
		due = due[:limit]
	}

	out := make([][]byte, len(due))
	for i, e := range due {
		out[i] = []byte(e.payload)
	}
	return out, nil
}

func (m *memBroker) Undelay(ctx context.Context, set string, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.delayed[set], string(payload))
	return nil
}

func (m *memBroker) ListLen(ctx context.Context, list string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.lists[list])), nil
}

func (m *memBroker) SetStatus(ctx context.Context, key string, payload []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statuses[key] = payload
	return nil
}

func (m *memBroker) GetStatus(ctx context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	payload, ok := m.statuses[key]
	if !ok {
		return nil, ErrStatusNotFound
	}
	return payload, nil
}

func (m *memBroker) AcquireLock(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, held := m.locks[key]; held {
		return false, nil
	}
	m.locks[key] = owner
	return true, nil
}

func (m *memBroker) RefreshLock(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.locks[key] == owner, nil
}

func (m *memBroker) ReleaseLock(ctx context.Context, key, owner string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.locks[key] == owner {
		delete(m.locks, key)
	}
	return nil
}

func (m *memBroker) Close() error { return nil }

var _ Broker = (*memBroker)(nil)

// listCount reports the length of a list without going through the
// Broker interface.
func (m *memBroker) listCount(list string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.lists[list])
}

// delayedCount reports the size of a delayed set.
func (m *memBroker) delayedCount(set string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.delayed[set])
}

// delayedScores returns the sorted etas in a delayed set.
func (m *memBroker) delayedScores(set string) []float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	var scores []float64
	for _, score := range m.delayed[set] {
		scores = append(scores, score)
	}
	sort.Float64s(scores)
	return scores
}

// setLockOwner overwrites a lock holder, simulating expiry plus
// takeover by another instance.
func (m *memBroker) setLockOwner(key, owner string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.locks[key] = owner
}

// lockOwner reads the current holder.
func (m *memBroker) lockOwner(key string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.locks[key]
}
