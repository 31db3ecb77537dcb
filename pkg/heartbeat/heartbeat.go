// Package heartbeat implements the connector heartbeat loop and the butler
// liveness reporter. Both are fire-and-forget background loops: a failed
// beat is a WARN log, never a crash.
package heartbeat

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// SchemaVersion identifies the heartbeat envelope schema.
const SchemaVersion = "connector.heartbeat.v1"

// Interval bounds, seconds.
const (
	MinIntervalS     = 30
	DefaultIntervalS = 60
	MaxIntervalS     = 300
)

// initialDelay bounds the time to the first beat after start.
const initialDelay = 5 * time.Second

// counterNames are the registry counters scraped into each heartbeat.
var counterNames = []string{
	"messages_ingested",
	"messages_failed",
	"dedupe_accepted",
	"source_api_calls",
	"checkpoint_saves",
}

// ClampInterval bounds a configured interval to [MinIntervalS, MaxIntervalS].
// Zero or negative input takes the default.
func ClampInterval(s int) int {
	if s <= 0 {
		return DefaultIntervalS
	}
	if s < MinIntervalS {
		return MinIntervalS
	}
	if s > MaxIntervalS {
		return MaxIntervalS
	}
	return s
}

// ParseEnabled interprets a config string as a boolean. Unrecognised values
// fall back to the provided default.
func ParseEnabled(s string, fallback bool) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "true", "yes", "on", "enabled":
		return true
	case "0", "false", "no", "off", "disabled":
		return false
	default:
		return fallback
	}
}

// HealthState is the caller-reported connector health.
type HealthState struct {
	State        string `json:"state"` // healthy, degraded, error
	UptimeS      int64  `json:"uptime_s"`
	ErrorMessage string `json:"error_message,omitempty"`
}

// Checkpoint is the connector's persisted read position.
type Checkpoint struct {
	Cursor  string    `json:"cursor"`
	SavedAt time.Time `json:"saved_at"`
}

// SendFunc delivers one heartbeat envelope, typically via the
// connector.heartbeat MCP tool.
type SendFunc func(ctx context.Context, envelope map[string]any) error

// Config describes the connector identity and cadence.
type Config struct {
	ConnectorType    string
	EndpointIdentity string
	Version          string
	IntervalS        int
	Enabled          bool
}

// Connector is the periodic heartbeat task.
type Connector struct {
	cfg        Config
	instanceID string
	startedAt  time.Time

	send            SendFunc
	getHealth       func() HealthState
	getCheckpoint   func() *Checkpoint
	getCapabilities func() []string
	registry        prometheus.Gatherer

	stopCh   chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// Hooks supplies the optional callbacks.
type Hooks struct {
	GetHealth       func() HealthState
	GetCheckpoint   func() *Checkpoint
	GetCapabilities func() []string

	// Registry is scraped for the standard counters; nil skips counters.
	Registry prometheus.Gatherer
}

// NewConnector builds a stopped heartbeat. The instance id is minted once
// per process so the switchboard can spot restarts.
func NewConnector(cfg Config, send SendFunc, hooks Hooks) *Connector {
	cfg.IntervalS = ClampInterval(cfg.IntervalS)
	getHealth := hooks.GetHealth
	if getHealth == nil {
		getHealth = func() HealthState { return HealthState{State: "healthy"} }
	}
	return &Connector{
		cfg:             cfg,
		instanceID:      uuid.NewString(),
		startedAt:       time.Now(),
		send:            send,
		getHealth:       getHealth,
		getCheckpoint:   hooks.GetCheckpoint,
		getCapabilities: hooks.GetCapabilities,
		registry:        hooks.Registry,
		stopCh:          make(chan struct{}),
		done:            make(chan struct{}),
	}
}

// Interval returns the effective (clamped) beat interval.
func (c *Connector) Interval() time.Duration {
	return time.Duration(c.cfg.IntervalS) * time.Second
}

// Start launches the loop. Disabled config is a no-op.
func (c *Connector) Start(ctx context.Context) {
	if !c.cfg.Enabled {
		close(c.done)
		return
	}
	go c.loop(ctx)
}

// Stop cancels the loop and waits for it to exit.
func (c *Connector) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	<-c.done
}

func (c *Connector) loop(ctx context.Context) {
	defer close(c.done)

	// First beat fires quickly so the switchboard sees the connector
	// before a full interval passes.
	first := time.NewTimer(initialDelay)
	defer first.Stop()
	select {
	case <-first.C:
		c.beat(ctx)
	case <-c.stopCh:
		return
	case <-ctx.Done():
		return
	}

	ticker := time.NewTicker(c.Interval())
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.beat(ctx)
		case <-c.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (c *Connector) beat(ctx context.Context) {
	envelope := c.BuildEnvelope()
	if err := c.send(ctx, envelope); err != nil {
		slog.Warn("Heartbeat send failed",
			"connector", c.cfg.ConnectorType,
			"endpoint", c.cfg.EndpointIdentity,
			"error", err)
	}
}

// BuildEnvelope assembles one heartbeat payload.
func (c *Connector) BuildEnvelope() map[string]any {
	health := c.getHealth()
	health.UptimeS = int64(time.Since(c.startedAt).Seconds())

	connector := map[string]any{
		"connector_type":    c.cfg.ConnectorType,
		"endpoint_identity": c.cfg.EndpointIdentity,
		"instance_id":       c.instanceID,
	}
	if c.cfg.Version != "" {
		connector["version"] = c.cfg.Version
	}

	envelope := map[string]any{
		"schema_version": SchemaVersion,
		"connector":      connector,
		"status":         health,
		"counters":       c.scrapeCounters(),
		"sent_at":        time.Now().UTC().Format(time.RFC3339Nano),
	}

	if c.getCheckpoint != nil {
		if cp := c.getCheckpoint(); cp != nil {
			envelope["checkpoint"] = cp
		}
	}
	// Capabilities are omitted entirely when absent or empty, not sent as
	// an empty list.
	if c.getCapabilities != nil {
		if caps := c.getCapabilities(); len(caps) > 0 {
			envelope["capabilities"] = caps
		}
	}
	return envelope
}

// scrapeCounters reads the standard counters from the local registry.
// Missing counters report zero.
func (c *Connector) scrapeCounters() map[string]float64 {
	counters := make(map[string]float64, len(counterNames))
	for _, name := range counterNames {
		counters[name] = 0
	}
	if c.registry == nil {
		return counters
	}

	families, err := c.registry.Gather()
	if err != nil {
		slog.Warn("Metrics gather failed during heartbeat", "error", err)
		return counters
	}
	for _, family := range families {
		name := family.GetName()
		if _, wanted := counters[name]; !wanted {
			continue
		}
		counters[name] = sumCounter(family)
	}
	return counters
}

// sumCounter totals a counter family across its label dimensions.
func sumCounter(family *dto.MetricFamily) float64 {
	total := 0.0
	for _, m := range family.GetMetric() {
		if counter := m.GetCounter(); counter != nil {
			total += counter.GetValue()
		}
	}
	return total
}
