package buffer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tzeusy/butlers/pkg/config"
)

// memStore is an in-memory InboxStore with real lease semantics.
type memStore struct {
	mu   sync.Mutex
	rows map[string]*memRow
}

type memRow struct {
	item         Item
	enqueuedAt   time.Time
	leaseOwner   string
	leaseExpires time.Time
}

func newMemStore() *memStore {
	return &memStore{rows: make(map[string]*memRow)}
}

func (s *memStore) insert(item Item, enqueuedAt time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows[item.MessageInboxID] = &memRow{item: item, enqueuedAt: enqueuedAt}
}

func (s *memStore) TryLease(_ context.Context, id, owner string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[id]
	if !ok {
		return false, nil
	}
	if row.leaseOwner != "" && time.Now().Before(row.leaseExpires) {
		return false, nil
	}
	row.leaseOwner = owner
	row.leaseExpires = time.Now().Add(ttl)
	return true, nil
}

func (s *memStore) Complete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rows, id)
	return nil
}

func (s *memStore) RecoverCandidates(_ context.Context, grace time.Duration, batch int) ([]Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	var items []Item
	for _, row := range s.rows {
		if len(items) >= batch {
			break
		}
		leaseExpired := row.leaseOwner != "" && now.After(row.leaseExpires)
		neverLeased := row.leaseOwner == "" && row.enqueuedAt.Before(now.Add(-grace))
		if leaseExpired || neverLeased {
			items = append(items, row.item)
		}
	}
	return items, nil
}

func (s *memStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rows)
}

func testBufferConfig() config.BufferConfig {
	return config.BufferConfig{
		WorkerCount:      2,
		RingSize:         8,
		ScannerIntervalS: 1,
		ScannerGraceS:    1,
		ScannerBatchSize: 50,
	}
}

func item(n int) Item {
	return Item{
		RequestID:      fmt.Sprintf("req-%d", n),
		MessageInboxID: fmt.Sprintf("00000000-0000-7000-8000-%012d", n),
		MessageText:    fmt.Sprintf("message %d", n),
	}
}

func TestHotPathProcessesAndCompletes(t *testing.T) {
	store := newMemStore()
	var mu sync.Mutex
	var processed []string

	buf := New("switchboard", testBufferConfig(), store, func(_ context.Context, it Item) error {
		mu.Lock()
		defer mu.Unlock()
		processed = append(processed, it.RequestID)
		return nil
	})
	buf.Start(context.Background())
	defer buf.Stop()

	it := item(1)
	store.insert(it, time.Now())
	res := buf.Enqueue(it)
	assert.Equal(t, PathHot, res.Path)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(processed) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"req-1"}, processed)

	// Durable row removed after success.
	require.Eventually(t, func() bool { return store.count() == 0 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, buf.Depth())
}

func TestColdPathOnFullRing(t *testing.T) {
	cfg := testBufferConfig()
	cfg.RingSize = 2
	store := newMemStore()

	// Not started: nothing drains the ring.
	buf := New("switchboard", cfg, store, func(context.Context, Item) error { return nil })

	assert.Equal(t, PathHot, buf.Enqueue(item(1)).Path)
	assert.Equal(t, PathHot, buf.Enqueue(item(2)).Path)
	assert.Equal(t, PathCold, buf.Enqueue(item(3)).Path)

	// The rejected message is not tracked, so the scanner may pick it up.
	assert.Equal(t, 2, buf.Depth())
}

func TestScannerRecoversUnleasedRows(t *testing.T) {
	cfg := testBufferConfig()
	store := newMemStore()
	var mu sync.Mutex
	processed := make(map[string]int)

	buf := New("switchboard", cfg, store, func(_ context.Context, it Item) error {
		mu.Lock()
		defer mu.Unlock()
		processed[it.RequestID]++
		return nil
	})

	// Row persisted before a crash: older than grace, never enqueued.
	it := item(7)
	store.insert(it, time.Now().Add(-time.Minute))

	// The startup scan runs before the first tick.
	buf.Start(context.Background())
	defer buf.Stop()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return processed["req-7"] >= 1
	}, 3*time.Second, 10*time.Millisecond)
}

func TestFailedProcessingRedelivers(t *testing.T) {
	cfg := testBufferConfig()
	store := newMemStore()

	var mu sync.Mutex
	attempts := 0
	buf := New("switchboard", cfg, store, func(context.Context, Item) error {
		mu.Lock()
		defer mu.Unlock()
		attempts++
		if attempts == 1 {
			return errors.New("transient failure")
		}
		return nil
	})
	buf.Start(context.Background())
	defer buf.Stop()

	it := item(9)
	store.insert(it, time.Now())
	buf.Enqueue(it)

	// First attempt fails; the lease expires after grace (1s) and the
	// scanner re-enqueues, giving at-least-once delivery.
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return attempts >= 2
	}, 5*time.Second, 20*time.Millisecond)

	require.Eventually(t, func() bool { return store.count() == 0 }, 3*time.Second, 20*time.Millisecond)
}

func TestLeaseExcludesSecondWorker(t *testing.T) {
	store := newMemStore()
	it := item(4)
	store.insert(it, time.Now())

	ok, err := store.TryLease(context.Background(), it.MessageInboxID, "worker-a", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.TryLease(context.Background(), it.MessageInboxID, "worker-b", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "live lease must exclude other workers")
}

func TestEnqueueDeduplicatesTrackedIDs(t *testing.T) {
	store := newMemStore()
	buf := New("switchboard", testBufferConfig(), store, func(context.Context, Item) error { return nil })

	it := item(5)
	assert.Equal(t, PathHot, buf.Enqueue(it).Path)
	assert.Equal(t, PathHot, buf.Enqueue(it).Path)
	assert.Equal(t, 1, buf.Depth(), "same inbox id enqueued once")
}
