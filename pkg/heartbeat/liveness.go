package heartbeat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// livenessInitialDelay bounds the time to the first report after start.
const livenessInitialDelay = 5 * time.Second

// Liveness posts a butler's presence to the switchboard so the registry
// knows which butlers are up. The switchboard itself never runs one.
type Liveness struct {
	butlerName     string
	switchboardURL string
	interval       time.Duration
	client         *http.Client

	stopCh   chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// NewLiveness builds a stopped reporter. A non-positive interval takes the
// 120 second default.
func NewLiveness(butlerName, switchboardURL string, interval time.Duration) *Liveness {
	if interval <= 0 {
		interval = 120 * time.Second
	}
	return &Liveness{
		butlerName:     butlerName,
		switchboardURL: switchboardURL,
		interval:       interval,
		client:         &http.Client{Timeout: 10 * time.Second},
		stopCh:         make(chan struct{}),
		done:           make(chan struct{}),
	}
}

// Start launches the reporting loop.
func (l *Liveness) Start(ctx context.Context) {
	go l.loop(ctx)
}

// Stop cancels the loop and waits for it to exit.
func (l *Liveness) Stop() {
	l.stopOnce.Do(func() { close(l.stopCh) })
	<-l.done
}

func (l *Liveness) loop(ctx context.Context) {
	defer close(l.done)

	first := time.NewTimer(livenessInitialDelay)
	defer first.Stop()
	select {
	case <-first.C:
		l.report(ctx)
	case <-l.stopCh:
		return
	case <-ctx.Done():
		return
	}

	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.report(ctx)
		case <-l.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (l *Liveness) report(ctx context.Context) {
	if err := l.post(ctx); err != nil {
		slog.Warn("Liveness report failed", "butler", l.butlerName, "error", err)
	}
}

func (l *Liveness) post(ctx context.Context) error {
	body, err := json.Marshal(map[string]any{"butler_name": l.butlerName})
	if err != nil {
		return err
	}
	url := l.switchboardURL + "/api/switchboard/heartbeat"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := l.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("switchboard returned %d", resp.StatusCode)
	}
	return nil
}
