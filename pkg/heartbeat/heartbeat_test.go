package heartbeat

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClampInterval(t *testing.T) {
	tests := []struct {
		in, want int
	}{
		{10, 30},
		{1000, 300},
		{30, 30},
		{300, 300},
		{90, 90},
		{0, 60},
		{-5, 60},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ClampInterval(tt.in), "input %d", tt.in)
	}
}

func TestParseEnabled(t *testing.T) {
	for _, s := range []string{"1", "true", "YES", " on ", "Enabled"} {
		assert.True(t, ParseEnabled(s, false), s)
	}
	for _, s := range []string{"0", "false", "No", "off", "DISABLED"} {
		assert.False(t, ParseEnabled(s, true), s)
	}
	assert.True(t, ParseEnabled("maybe", true))
	assert.False(t, ParseEnabled("", false))
}

func TestBuildEnvelope(t *testing.T) {
	registry := prometheus.NewRegistry()
	ingested := prometheus.NewCounter(prometheus.CounterOpts{Name: "messages_ingested"})
	failed := prometheus.NewCounter(prometheus.CounterOpts{Name: "messages_failed"})
	registry.MustRegister(ingested, failed)
	ingested.Add(7)
	failed.Add(2)

	c := NewConnector(Config{
		ConnectorType:    "gmail",
		EndpointIdentity: "inbox@example.com",
		Version:          "1.4.0",
		IntervalS:        60,
		Enabled:          true,
	}, nil, Hooks{
		GetHealth: func() HealthState {
			return HealthState{State: "degraded", ErrorMessage: "rate limited"}
		},
		GetCheckpoint: func() *Checkpoint {
			return &Checkpoint{Cursor: "hist-991", SavedAt: time.Now()}
		},
		Registry: registry,
	})

	env := c.BuildEnvelope()
	assert.Equal(t, SchemaVersion, env["schema_version"])

	connector := env["connector"].(map[string]any)
	assert.Equal(t, "gmail", connector["connector_type"])
	assert.Equal(t, "inbox@example.com", connector["endpoint_identity"])
	assert.NotEmpty(t, connector["instance_id"])
	assert.Equal(t, "1.4.0", connector["version"])

	status := env["status"].(HealthState)
	assert.Equal(t, "degraded", status.State)
	assert.Equal(t, "rate limited", status.ErrorMessage)

	counters := env["counters"].(map[string]float64)
	assert.Equal(t, 7.0, counters["messages_ingested"])
	assert.Equal(t, 2.0, counters["messages_failed"])
	assert.Equal(t, 0.0, counters["dedupe_accepted"], "missing counters scrape as zero")
	assert.Equal(t, 0.0, counters["source_api_calls"])
	assert.Equal(t, 0.0, counters["checkpoint_saves"])

	require.Contains(t, env, "checkpoint")
	assert.NotContains(t, env, "capabilities", "empty capabilities omitted")
}

func TestEnvelopeCapabilitiesOmittedWhenEmpty(t *testing.T) {
	c := NewConnector(Config{ConnectorType: "telegram", Enabled: true}, nil, Hooks{
		GetCapabilities: func() []string { return nil },
	})
	assert.NotContains(t, c.BuildEnvelope(), "capabilities")

	c = NewConnector(Config{ConnectorType: "telegram", Enabled: true}, nil, Hooks{
		GetCapabilities: func() []string { return []string{"send", "react"} },
	})
	env := c.BuildEnvelope()
	assert.Equal(t, []string{"send", "react"}, env["capabilities"])
}

func TestInstanceIDStableAcrossBeats(t *testing.T) {
	c := NewConnector(Config{ConnectorType: "telegram", Enabled: true}, nil, Hooks{})
	first := c.BuildEnvelope()["connector"].(map[string]any)["instance_id"]
	second := c.BuildEnvelope()["connector"].(map[string]any)["instance_id"]
	assert.Equal(t, first, second)
}

func TestConnectorSurvivesSendFailure(t *testing.T) {
	var calls atomic.Int64
	send := func(context.Context, map[string]any) error {
		calls.Add(1)
		return assert.AnError
	}

	c := NewConnector(Config{ConnectorType: "telegram", IntervalS: 30, Enabled: true}, send, Hooks{})
	c.beat(context.Background())
	c.beat(context.Background())
	assert.Equal(t, int64(2), calls.Load())
}

func TestLivenessPostsButlerName(t *testing.T) {
	got := make(chan map[string]any, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/switchboard/heartbeat", r.URL.Path)
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		got <- body
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	l := NewLiveness("health", srv.URL, time.Minute)
	require.NoError(t, l.post(context.Background()))

	body := <-got
	assert.Equal(t, "health", body["butler_name"])
}

func TestLivenessDefaultInterval(t *testing.T) {
	l := NewLiveness("health", "http://localhost:1", 0)
	assert.Equal(t, 120*time.Second, l.interval)
}

func TestCheckpointRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "checkpoint.json")

	cp, err := LoadCheckpoint(path)
	require.NoError(t, err)
	assert.Nil(t, cp, "missing checkpoint is not an error")

	require.NoError(t, SaveCheckpoint(path, "hist-100"))
	require.NoError(t, SaveCheckpoint(path, "hist-200"))

	cp, err = LoadCheckpoint(path)
	require.NoError(t, err)
	require.NotNil(t, cp)
	assert.Equal(t, "hist-200", cp.Cursor)
	assert.WithinDuration(t, time.Now(), cp.SavedAt, time.Minute)
}
