// Package buffer is a per-butler durable message queue. The hot path is an
// in-memory ring feeding a worker pool; durability comes from the backing
// inbox table, where each in-flight message holds a lease. A periodic
// scanner re-enqueues rows whose lease expired or that never reached the
// ring, giving at-least-once delivery across crashes.
package buffer

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Tzeusy/butlers/pkg/config"
)

// Path values returned by Enqueue.
const (
	PathHot  = "hot"
	PathCold = "cold"
)

// Item is one buffered message.
type Item struct {
	RequestID      string
	MessageInboxID string
	MessageText    string
	Source         map[string]any
	Event          map[string]any
	Sender         map[string]any
}

// EnqueueResult reports which path a message took.
type EnqueueResult struct {
	Path string `json:"path"`
}

// ProcessFunc handles one message. An error leaves the lease to expire so
// the scanner re-delivers.
type ProcessFunc func(ctx context.Context, item Item) error

// InboxStore is the durable backing of the buffer. Leases are keyed by the
// message's inbox row.
type InboxStore interface {
	// TryLease claims the row for owner with the given TTL. It returns
	// false when another live lease holds the row.
	TryLease(ctx context.Context, messageInboxID string, owner string, ttl time.Duration) (bool, error)

	// Complete removes the durable row after successful processing.
	Complete(ctx context.Context, messageInboxID string) error

	// RecoverCandidates returns up to batch rows whose lease expired or
	// that were enqueued more than grace ago.
	RecoverCandidates(ctx context.Context, grace time.Duration, batch int) ([]Item, error)
}

// Buffer is the queue. Create with New, then Start.
type Buffer struct {
	cfg     config.BufferConfig
	store   InboxStore
	process ProcessFunc
	owner   string

	ring chan Item

	// tracked holds ids currently in the ring or being processed, so the
	// scanner does not double-enqueue them.
	mu      sync.Mutex
	tracked map[string]bool

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	metrics *metrics
}

// New creates a stopped buffer.
func New(butlerName string, cfg config.BufferConfig, store InboxStore, process ProcessFunc) *Buffer {
	return &Buffer{
		cfg:     cfg,
		store:   store,
		process: process,
		owner:   butlerName + "/" + uuid.NewString(),
		ring:    make(chan Item, cfg.RingSize),
		tracked: make(map[string]bool),
		stopCh:  make(chan struct{}),
		metrics: newMetrics(butlerName),
	}
}

// Start launches the workers and the scanner. The scanner runs once
// immediately so rows in flight at crash time re-enter the queue.
func (b *Buffer) Start(ctx context.Context) {
	for i := 0; i < b.cfg.WorkerCount; i++ {
		b.wg.Add(1)
		go b.worker(ctx)
	}

	b.wg.Add(1)
	go b.scanLoop(ctx)
}

// Stop halts intake and waits for workers to finish their current item.
func (b *Buffer) Stop() {
	b.stopOnce.Do(func() { close(b.stopCh) })
	b.wg.Wait()
}

// Enqueue offers a message to the hot path. A full ring returns the cold
// path: the caller already persisted the row, and the scanner will pick it
// up once the grace period passes.
func (b *Buffer) Enqueue(item Item) EnqueueResult {
	b.mu.Lock()
	if b.tracked[item.MessageInboxID] {
		b.mu.Unlock()
		return EnqueueResult{Path: PathHot}
	}
	b.tracked[item.MessageInboxID] = true
	b.mu.Unlock()

	select {
	case b.ring <- item:
		b.metrics.depth(context.Background(), 1)
		return EnqueueResult{Path: PathHot}
	default:
		b.untrack(item.MessageInboxID)
		b.metrics.backpressure(context.Background())
		slog.Warn("Buffer ring full, message deferred to cold path",
			"request_id", item.RequestID, "inbox_id", item.MessageInboxID)
		return EnqueueResult{Path: PathCold}
	}
}

// Depth returns pending plus active messages.
func (b *Buffer) Depth() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.tracked)
}

func (b *Buffer) untrack(id string) {
	b.mu.Lock()
	delete(b.tracked, id)
	b.mu.Unlock()
}

func (b *Buffer) worker(ctx context.Context) {
	defer b.wg.Done()
	for {
		select {
		case <-b.stopCh:
			return
		case item := <-b.ring:
			b.handle(ctx, item)
		}
	}
}

func (b *Buffer) handle(ctx context.Context, item Item) {
	defer b.metrics.depth(ctx, -1)
	defer b.untrack(item.MessageInboxID)

	leased, err := b.store.TryLease(ctx, item.MessageInboxID, b.owner, b.cfg.ScannerGrace())
	if err != nil {
		slog.Error("Lease acquisition failed", "request_id", item.RequestID, "error", err)
		return
	}
	if !leased {
		// Another worker holds this row; its lease governs redelivery.
		return
	}

	start := time.Now()
	if err := b.process(ctx, item); err != nil {
		// Leave the lease to expire; the scanner re-enqueues the row.
		slog.Error("Message processing failed, will retry after lease expiry",
			"request_id", item.RequestID, "error", err)
		b.metrics.processLatency(ctx, time.Since(start), false)
		return
	}
	b.metrics.processLatency(ctx, time.Since(start), true)

	if err := b.store.Complete(ctx, item.MessageInboxID); err != nil {
		slog.Error("Failed to remove completed row, expect redelivery",
			"request_id", item.RequestID, "error", err)
	}
}

func (b *Buffer) scanLoop(ctx context.Context) {
	defer b.wg.Done()

	// Startup scan before the first tick.
	b.scan(ctx)

	ticker := time.NewTicker(b.cfg.ScannerInterval())
	defer ticker.Stop()
	for {
		select {
		case <-b.stopCh:
			return
		case <-ticker.C:
			b.scan(ctx)
		}
	}
}

func (b *Buffer) scan(ctx context.Context) {
	items, err := b.store.RecoverCandidates(ctx, b.cfg.ScannerGrace(), b.cfg.ScannerBatchSize)
	if err != nil {
		slog.Error("Scanner query failed", "error", err)
		return
	}

	recovered := 0
	for _, item := range items {
		b.mu.Lock()
		inRing := b.tracked[item.MessageInboxID]
		b.mu.Unlock()
		if inRing {
			continue
		}
		if b.Enqueue(item).Path == PathHot {
			recovered++
		}
	}
	if recovered > 0 {
		b.metrics.scannerRecovered(ctx, recovered)
		slog.Info("Scanner re-enqueued orphaned messages", "count", recovered)
	}
}
