package health

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rickgao/termsync/internal/model"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type callbacks struct {
	silent  []string
	resumed []string
}

func newTestMonitor(cfg Config) (*Monitor, *callbacks) {
	m := New(cfg, nil)
	cb := &callbacks{}
	m.OnSilent(func(id string) { cb.silent = append(cb.silent, id) })
	m.OnResumed(func(id string) { cb.resumed = append(cb.resumed, id) })
	return m, cb
}

func connected(broker bool) *model.Status {
	return &model.Status{ConnectedToBroker: broker, Authenticated: true}
}

func TestMonitor_SilenceAfterThreshold(t *testing.T) {
	m, cb := newTestMonitor(Config{SilenceThreshold: time.Minute})

	m.Heartbeat("acc-1", "ps-1", connected(true), t0)
	require.True(t, m.Connected("acc-1"))

	// A single missed heartbeat is not a disconnect.
	m.Check(t0.Add(30 * time.Second))
	assert.True(t, m.Connected("acc-1"))
	assert.Empty(t, cb.silent)

	m.Check(t0.Add(61 * time.Second))
	assert.False(t, m.Connected("acc-1"))
	assert.Equal(t, []string{"acc-1"}, cb.silent)

	// Reported once.
	m.Check(t0.Add(2 * time.Minute))
	assert.Len(t, cb.silent, 1)

	m.Heartbeat("acc-1", "ps-1", connected(true), t0.Add(3*time.Minute))
	assert.True(t, m.Connected("acc-1"))
	assert.Equal(t, []string{"acc-1"}, cb.resumed)

	stats := m.Stats()
	assert.Equal(t, int64(1), stats.Silences)
	assert.Equal(t, int64(1), stats.Resumes)
	assert.Equal(t, int64(2), stats.Heartbeats)
}

func TestMonitor_FirstHeartbeatIsNotResume(t *testing.T) {
	m, cb := newTestMonitor(DefaultConfig())

	m.Track("acc-1")
	assert.False(t, m.Connected("acc-1"))

	m.Heartbeat("acc-1", "ps-1", connected(true), t0)
	assert.True(t, m.Connected("acc-1"))
	assert.Empty(t, cb.resumed)
}

func TestMonitor_TrackedWithoutHeartbeatNeverSilent(t *testing.T) {
	m, cb := newTestMonitor(DefaultConfig())
	m.Track("acc-1")

	m.Check(t0.Add(time.Hour))
	assert.Empty(t, cb.silent)
}

func TestMonitor_ReplicasTrackedSeparately(t *testing.T) {
	m, cb := newTestMonitor(Config{SilenceThreshold: time.Minute})

	m.Heartbeat("acc-1", "ps-1", connected(true), t0)
	m.Heartbeat("acc-1", "ps-2", connected(true), t0)
	m.Heartbeat("acc-2", "ps-2", connected(true), t0)

	// ps-1 goes quiet, ps-2 keeps beating.
	m.Heartbeat("acc-1", "ps-2", connected(true), t0.Add(50*time.Second))
	m.Heartbeat("acc-2", "ps-2", connected(true), t0.Add(50*time.Second))
	m.Check(t0.Add(90 * time.Second))

	assert.True(t, m.Connected("acc-1"))
	assert.True(t, m.Connected("acc-2"))
	assert.Empty(t, cb.silent)

	report := m.Report(t0.Add(90 * time.Second))
	require.Len(t, report, 2)
	require.Len(t, report[0].Replicas, 2)
	assert.Equal(t, "ps-1", report[0].Replicas[0].Host)
	assert.False(t, report[0].Replicas[0].Connected)
	assert.True(t, report[0].Replicas[1].Connected)
}

func TestMonitor_ExplicitDisconnect(t *testing.T) {
	m, cb := newTestMonitor(DefaultConfig())

	m.Heartbeat("acc-1", "ps-1", connected(true), t0)
	m.Heartbeat("acc-1", "ps-2", connected(true), t0)

	m.Disconnected("acc-1", "ps-1")
	assert.True(t, m.Connected("acc-1"))

	m.Disconnected("acc-1", "ps-2")
	assert.False(t, m.Connected("acc-1"))
	assert.Equal(t, []string{"acc-1"}, cb.silent)

	// Unknown accounts are ignored.
	m.Disconnected("acc-9", "ps-1")
	assert.Len(t, cb.silent, 1)
}

func TestMonitor_Uptime(t *testing.T) {
	m, _ := newTestMonitor(Config{
		SilenceThreshold: time.Minute,
		Windows: []Window{
			{Name: "1h", Length: time.Hour},
			{Name: "1d", Length: 24 * time.Hour},
		},
	})

	m.Heartbeat("acc-1", "ps-1", connected(true), t0)
	for i := 0; i < 3; i++ {
		m.Sample(t0.Add(time.Duration(i) * time.Second))
	}

	// Broker down counts as down even while heartbeats arrive.
	m.Heartbeat("acc-1", "ps-1", connected(false), t0.Add(3*time.Second))
	m.Sample(t0.Add(4 * time.Second))

	up, ok := m.Uptime("acc-1", t0.Add(5*time.Second))
	require.True(t, ok)
	assert.InDelta(t, 75.0, up["1h"], 0.001)
	assert.InDelta(t, 75.0, up["1d"], 0.001)

	// Samples older than the window fall out of it.
	m.Heartbeat("acc-1", "ps-1", connected(true), t0.Add(2*time.Hour))
	m.Sample(t0.Add(2 * time.Hour))
	up, _ = m.Uptime("acc-1", t0.Add(2*time.Hour))
	assert.InDelta(t, 100.0, up["1h"], 0.001)
	assert.InDelta(t, 80.0, up["1d"], 0.001)

	_, ok = m.Uptime("missing", t0)
	assert.False(t, ok)
}

func TestMonitor_UptimeOmitsEmptyWindows(t *testing.T) {
	m, _ := newTestMonitor(DefaultConfig())
	m.Track("acc-1")

	up, ok := m.Uptime("acc-1", t0)
	require.True(t, ok)
	assert.Empty(t, up)
}

func TestMonitor_Remove(t *testing.T) {
	m, _ := newTestMonitor(DefaultConfig())
	m.Heartbeat("acc-1", "ps-1", connected(true), t0)
	m.Remove("acc-1")

	assert.False(t, m.Connected("acc-1"))
	assert.Empty(t, m.Report(t0))
}

func TestMonitor_StartStop(t *testing.T) {
	m, _ := newTestMonitor(Config{
		SilenceThreshold: time.Millisecond,
		CheckInterval:    time.Millisecond,
		SampleInterval:   time.Millisecond,
	})
	m.Heartbeat("acc-1", "ps-1", connected(true), time.Now())

	m.Start(context.Background())
	require.Eventually(t, func() bool { return !m.Connected("acc-1") }, time.Second, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, m.Stop(ctx))
}
