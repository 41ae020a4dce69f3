package status

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/debridmm/dmm-server/internal/events"
	"github.com/debridmm/dmm-server/internal/health"
	"github.com/debridmm/dmm-server/internal/storage"
)

func newTestStatusManager(t *testing.T) (*Manager, *events.Bus) {
	t.Helper()
	store, err := storage.NewManager(t.TempDir(), "test", nil, zap.NewNop().Sugar())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	bus := events.NewBus()
	t.Cleanup(func() { bus.Close() })
	return NewManager(store, bus, zap.NewNop()), bus
}

func TestManager_GetReturnsInitialStatus(t *testing.T) {
	m, _ := newTestStatusManager(t)

	st := m.Get("alice")
	assert.Equal(t, StatusDisconnected, st.Overall)
	assert.Equal(t, AuthUnauthenticated, st.Authentication.State)
	assert.Zero(t, st.ConsecutiveErrors)
}

func TestManager_UpdatePersistsAcrossGets(t *testing.T) {
	m, _ := newTestStatusManager(t)

	m.Update("alice", func(st *ConnectionStatus) {
		st.Authentication.State = AuthAuthenticated
		st.Service.State = ServiceAvailable
		st.Network.State = NetworkConnected
	})

	st := m.Get("alice")
	assert.Equal(t, StatusConnected, st.Overall)
}

func TestManager_ConsecutiveErrorsLifecycle(t *testing.T) {
	m, _ := newTestStatusManager(t)

	// Two error aggregations in a row
	for i := 1; i <= 2; i++ {
		st := m.Update("alice", func(st *ConnectionStatus) {
			st.Authentication.State = AuthAuthenticated
			st.Network.State = NetworkConnected
			st.Service.State = ServiceUnavailable
		})
		assert.Equal(t, StatusError, st.Overall)
		assert.Equal(t, i, st.ConsecutiveErrors)
	}

	// Recovery resets the counter
	st := m.Update("alice", func(st *ConnectionStatus) {
		st.Service.State = ServiceAvailable
	})
	assert.Equal(t, StatusConnected, st.Overall)
	assert.Zero(t, st.ConsecutiveErrors)
}

func TestManager_TransitionPublishesEvents(t *testing.T) {
	m, bus := newTestStatusManager(t)
	statusCh := bus.Subscribe(events.StatusChanged)
	establishedCh := bus.Subscribe(events.ConnectionEstablished)

	m.MarkConnected("alice")

	select {
	case event := <-statusCh:
		assert.Equal(t, "alice", event.UserID)
		assert.Equal(t, string(StatusDisconnected), event.OldStatus)
		assert.Equal(t, string(StatusConnected), event.NewStatus)
	case <-time.After(time.Second):
		t.Fatal("expected a status-change event")
	}

	select {
	case event := <-establishedCh:
		assert.Equal(t, "alice", event.UserID)
	case <-time.After(time.Second):
		t.Fatal("expected a connection-established event")
	}
}

func TestManager_NoEventWithoutTransition(t *testing.T) {
	m, bus := newTestStatusManager(t)
	m.MarkConnected("alice")

	statusCh := bus.Subscribe(events.StatusChanged)
	m.MarkConnected("alice")

	select {
	case event := <-statusCh:
		t.Fatalf("unexpected event: %v", event)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestManager_ReconnectingFlag(t *testing.T) {
	m, _ := newTestStatusManager(t)

	m.SetReconnecting("alice", true)
	st := m.Update("alice", func(st *ConnectionStatus) {
		st.Authentication.State = AuthAuthenticated
		st.Network.State = NetworkConnected
		st.Service.State = ServiceUnavailable
	})
	assert.Equal(t, StatusReconnecting, st.Overall)

	m.SetReconnecting("alice", false)
	st = m.Update("alice", func(*ConnectionStatus) {})
	assert.Equal(t, StatusError, st.Overall)
}

func TestManager_SetReconnectingReaggregates(t *testing.T) {
	m, bus := newTestStatusManager(t)

	st := m.Update("alice", func(st *ConnectionStatus) {
		st.Authentication.State = AuthAuthenticated
		st.Network.State = NetworkConnected
		st.Service.State = ServiceUnavailable
	})
	require.Equal(t, StatusError, st.Overall)
	errorsBefore := st.ConsecutiveErrors

	statusCh := bus.Subscribe(events.StatusChanged)

	// Flipping the flag alone moves the persisted snapshot; no Update call
	// is needed and the error counter does not move.
	m.SetReconnecting("alice", true)
	st = m.Get("alice")
	assert.Equal(t, StatusReconnecting, st.Overall)
	assert.Equal(t, errorsBefore, st.ConsecutiveErrors)

	select {
	case event := <-statusCh:
		assert.Equal(t, string(StatusError), event.OldStatus)
		assert.Equal(t, string(StatusReconnecting), event.NewStatus)
	case <-time.After(time.Second):
		t.Fatal("expected a status-change event")
	}

	// Clearing it reverts to the underlying aggregate.
	m.SetReconnecting("alice", false)
	st = m.Get("alice")
	assert.Equal(t, StatusError, st.Overall)
	assert.Equal(t, errorsBefore, st.ConsecutiveErrors)
}

func TestManager_ApplyHealthResults(t *testing.T) {
	m, _ := newTestStatusManager(t)
	now := time.Now()

	// Healthy probe results for all three checks
	st := m.ApplyHealthResults("alice", []health.Result{
		{Name: "api", Success: true, ResponseTimeMs: 120, Timestamp: now},
		{Name: "network", Success: true, ResponseTimeMs: 30, Timestamp: now,
			Details: map[string]interface{}{"success_fraction": 1.0}},
		{Name: "auth", Success: true, Timestamp: now},
	}, true)

	assert.Equal(t, StatusConnected, st.Overall)
	assert.Equal(t, ServiceAvailable, st.Service.State)
	assert.Equal(t, NetworkConnected, st.Network.State)
	assert.Equal(t, AuthAuthenticated, st.Authentication.State)
	assert.True(t, st.Network.Online)

	// Unavailable service flips the aggregate to error and then back
	st = m.ApplyHealthResults("alice", []health.Result{
		{Name: "api", Success: false, Error: "timeout", Timestamp: now},
	}, true)
	assert.Equal(t, StatusError, st.Overall)
	assert.Equal(t, 1, st.ConsecutiveErrors)
	assert.Equal(t, ServiceUnavailable, st.Service.State)

	st = m.ApplyHealthResults("alice", []health.Result{
		{Name: "api", Success: true, ResponseTimeMs: 100, Timestamp: now},
	}, true)
	assert.Equal(t, StatusConnected, st.Overall)
	assert.Zero(t, st.ConsecutiveErrors)
}

func TestManager_ApplyHealthResults_TokenStates(t *testing.T) {
	m, _ := newTestStatusManager(t)
	now := time.Now()

	st := m.ApplyHealthResults("alice", []health.Result{
		{Name: "auth", Success: false, Error: "no token", Timestamp: now},
	}, false)
	assert.Equal(t, AuthUnauthenticated, st.Authentication.State)
	assert.Equal(t, StatusDisconnected, st.Overall)

	st = m.ApplyHealthResults("alice", []health.Result{
		{Name: "auth", Success: false, Error: "token invalid", StatusCode: 401, Timestamp: now},
	}, true)
	assert.Equal(t, AuthTokenExpired, st.Authentication.State)
	assert.Equal(t, StatusError, st.Overall)
}

func TestManager_SlowAPIResponseIsDegraded(t *testing.T) {
	m, _ := newTestStatusManager(t)

	st := m.ApplyHealthResults("alice", []health.Result{
		{Name: "auth", Success: true, Timestamp: time.Now()},
		{Name: "network", Success: true, Details: map[string]interface{}{"success_fraction": 1.0}},
		{Name: "api", Success: true, ResponseTimeMs: 5000},
	}, true)

	assert.Equal(t, ServiceDegraded, st.Service.State)
	assert.Equal(t, StatusLimited, st.Overall)
}
