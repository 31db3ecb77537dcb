package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitNoopModeInstallsOnce(t *testing.T) {
	t.Setenv(EndpointEnvVar, "")

	t.Cleanup(func() { _ = Shutdown(context.Background()) })

	require.NoError(t, Init(context.Background(), "butler-test"))
	assert.True(t, Installed())

	// Second call must be a no-op, not an error.
	require.NoError(t, Init(context.Background(), "butler-test-2"))
	assert.True(t, Installed())

	// Meters and tracers are usable in no-op mode.
	m := Meter("test")
	counter, err := m.Int64Counter("test_total")
	require.NoError(t, err)
	counter.Add(context.Background(), 1)

	_, span := Tracer("test").Start(context.Background(), "noop-span")
	span.End()
}

func TestShutdownIdempotent(t *testing.T) {
	t.Setenv(EndpointEnvVar, "")

	require.NoError(t, Init(context.Background(), "butler-test"))
	require.NoError(t, Shutdown(context.Background()))
	require.NoError(t, Shutdown(context.Background()))
	assert.False(t, Installed())
}
