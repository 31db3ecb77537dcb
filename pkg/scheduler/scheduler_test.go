package scheduler

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tzeusy/butlers/pkg/config"
	"github.com/Tzeusy/butlers/pkg/spawner"
)

type stubTriggerer struct {
	mu       sync.Mutex
	requests []spawner.Request
}

func (s *stubTriggerer) Trigger(_ context.Context, req spawner.Request) spawner.Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, req)
	return spawner.Result{Success: true, SessionID: "s1"}
}

func TestSyncSchedulesRejectsInvalidCron(t *testing.T) {
	s := New("general", &stubTriggerer{}, nil)
	err := s.SyncSchedules(context.Background(), map[string]config.ScheduleConfig{
		"broken": {Cron: "not a cron", Prompt: "x", Enabled: true},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broken")
}

func TestSyncSchedulesRegistersEnabledOnly(t *testing.T) {
	s := New("general", &stubTriggerer{}, nil)
	err := s.SyncSchedules(context.Background(), map[string]config.ScheduleConfig{
		"digest": {Cron: "0 8 * * *", Prompt: "daily digest", Enabled: true},
		"paused": {Cron: "0 9 * * *", Prompt: "paused job", Enabled: false},
	})
	require.NoError(t, err)
	assert.Len(t, s.cron.Entries(), 1)
}

func TestTickTriggerSource(t *testing.T) {
	trig := &stubTriggerer{}
	s := New("general", trig, nil)

	s.tick("digest", "daily digest")

	require.Len(t, trig.requests, 1)
	assert.Equal(t, "schedule:digest", trig.requests[0].TriggerSource)
	assert.Equal(t, "daily digest", trig.requests[0].Prompt)
}
