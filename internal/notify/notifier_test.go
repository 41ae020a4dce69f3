package notify

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/debridmm/dmm-server/internal/config"
	"github.com/debridmm/dmm-server/internal/events"
	"github.com/debridmm/dmm-server/internal/status"
	"github.com/debridmm/dmm-server/internal/storage"
)

func newTestNotifier(t *testing.T, cfg *config.NotificationConfig) (*Notifier, *events.Bus) {
	t.Helper()
	store, err := storage.NewManager(t.TempDir(), "test", nil, zap.NewNop().Sugar())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	bus := events.NewBus()
	return NewNotifier(store, bus, cfg, zap.NewNop()), bus
}

func TestHandleTransition_Templates(t *testing.T) {
	tests := []struct {
		name     string
		from, to status.OverallStatus
		wantKind string
		wantType Type
		sticky   bool
	}{
		{"recovery", status.StatusError, status.StatusConnected, "connection_restored", TypeSuccess, false},
		{"error", status.StatusConnected, status.StatusError, "connection_error", TypeError, true},
		{"disconnect", status.StatusConnected, status.StatusDisconnected, "connection_lost", TypeWarning, true},
		{"limited", status.StatusConnected, status.StatusLimited, "connection_limited", TypeWarning, false},
		{"reconnecting", status.StatusDisconnected, status.StatusReconnecting, "reconnecting", TypeInfo, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n, _ := newTestNotifier(t, nil)
			notif := n.HandleTransition("alice", tt.from, tt.to)
			require.NotNil(t, notif)
			assert.Equal(t, tt.wantKind, notif.Kind)
			assert.Equal(t, tt.wantType, notif.Type)
			assert.True(t, notif.Dismissible)
			if tt.sticky {
				assert.Nil(t, notif.ExpiresAt)
				assert.NotEmpty(t, notif.Actions)
			} else {
				assert.NotNil(t, notif.ExpiresAt)
			}
		})
	}
}

func TestHandleTransition_QuietCases(t *testing.T) {
	n, _ := newTestNotifier(t, nil)

	// The startup transition is expected, not newsworthy.
	assert.Nil(t, n.HandleTransition("alice", status.StatusConnecting, status.StatusConnected))
	// No transition at all.
	assert.Nil(t, n.HandleTransition("alice", status.StatusError, status.StatusError))
	assert.Empty(t, n.List("alice", true))
}

func TestCreate_ThrottlesRepeats(t *testing.T) {
	n, _ := newTestNotifier(t, &config.NotificationConfig{
		ThrottleWindow: config.Duration(30 * time.Second),
	})
	now := time.Now()
	n.SetClock(func() time.Time { return now })

	first := n.HandleTransition("alice", status.StatusConnected, status.StatusError)
	require.NotNil(t, first)

	// Same kind inside the window is suppressed.
	now = now.Add(29 * time.Second)
	assert.Nil(t, n.HandleTransition("alice", status.StatusConnected, status.StatusError))

	// A different kind is unaffected.
	lost := n.HandleTransition("alice", status.StatusConnected, status.StatusDisconnected)
	require.NotNil(t, lost)

	// Another user has an independent window.
	require.NotNil(t, n.HandleTransition("bob", status.StatusConnected, status.StatusError))

	// Past the window the kind fires again.
	now = now.Add(2 * time.Second)
	require.NotNil(t, n.HandleTransition("alice", status.StatusConnected, status.StatusError))
}

func TestList_SweepsExpired(t *testing.T) {
	n, _ := newTestNotifier(t, &config.NotificationConfig{
		AutoDismissDelay: config.Duration(8 * time.Second),
	})
	now := time.Now()
	n.SetClock(func() time.Time { return now })

	notif := n.HandleTransition("alice", status.StatusError, status.StatusConnected)
	require.NotNil(t, notif)
	require.NotNil(t, notif.ExpiresAt)

	// Still active before expiry.
	active := n.List("alice", false)
	require.Len(t, active, 1)
	assert.False(t, active[0].Dismissed)

	// Past expiry the entry is auto-dismissed but retained for history.
	now = now.Add(9 * time.Second)
	assert.Empty(t, n.List("alice", false))
	all := n.List("alice", true)
	require.Len(t, all, 1)
	assert.True(t, all[0].Dismissed)

	// The next sweep drops the expired, dismissed entry entirely.
	assert.Empty(t, n.List("alice", true))
}

func TestDismissAndAcknowledge_Idempotent(t *testing.T) {
	n, bus := newTestNotifier(t, nil)

	dismissed := bus.Subscribe(events.NotificationDismissed)
	defer bus.Unsubscribe(events.NotificationDismissed, dismissed)

	notif := n.HandleTransition("alice", status.StatusConnected, status.StatusError)
	require.NotNil(t, notif)

	n.Acknowledge("alice", notif.ID)
	list := n.List("alice", false)
	require.Len(t, list, 1)
	assert.True(t, list[0].Acknowledged)
	assert.False(t, list[0].Dismissed)

	n.Dismiss("alice", notif.ID)
	select {
	case event := <-dismissed:
		assert.Equal(t, notif.ID, event.Data["id"])
	case <-time.After(time.Second):
		t.Fatal("expected a dismissal event")
	}
	assert.Empty(t, n.List("alice", false))

	// Repeating either action, or using an unknown id, changes nothing and
	// publishes nothing.
	n.Dismiss("alice", notif.ID)
	n.Dismiss("alice", "no-such-id")
	n.Acknowledge("alice", "no-such-id")
	select {
	case <-dismissed:
		t.Fatal("repeat dismiss must not publish")
	case <-time.After(50 * time.Millisecond):
	}
	assert.Len(t, n.List("alice", true), 1)
}

func TestClearAll(t *testing.T) {
	n, _ := newTestNotifier(t, nil)

	require.NotNil(t, n.HandleTransition("alice", status.StatusConnected, status.StatusError))
	require.NotNil(t, n.HandleTransition("alice", status.StatusConnected, status.StatusDisconnected))
	require.Len(t, n.List("alice", true), 2)

	n.ClearAll("alice")
	assert.Empty(t, n.List("alice", true))
}

func TestSyncNotifications(t *testing.T) {
	n, _ := newTestNotifier(t, nil)

	clean := n.SyncCompleted("alice", "op-1", 42, 0)
	require.NotNil(t, clean)
	assert.Equal(t, "sync_completed", clean.Kind)
	assert.Equal(t, TypeSuccess, clean.Type)
	assert.NotNil(t, clean.ExpiresAt)
	assert.Contains(t, clean.Message, "42")

	conflicted := n.SyncCompleted("alice", "op-2", 10, 3)
	require.NotNil(t, conflicted)
	assert.Equal(t, "sync_conflicts", conflicted.Kind)
	assert.Equal(t, TypeWarning, conflicted.Type)
	assert.Nil(t, conflicted.ExpiresAt)
	require.NotEmpty(t, conflicted.Actions)
	assert.Equal(t, "resolve_conflicts", conflicted.Actions[0].Action)

	failed := n.SyncFailed("alice", "op-3", "token refresh failed")
	require.NotNil(t, failed)
	assert.Equal(t, "sync_failed", failed.Kind)
	assert.Equal(t, SeverityHigh, failed.Severity)
	assert.Equal(t, "token refresh failed", failed.Message)
}

func TestNotificationsOrderedNewestFirst(t *testing.T) {
	n, _ := newTestNotifier(t, nil)
	now := time.Now()
	n.SetClock(func() time.Time { return now })

	require.NotNil(t, n.HandleTransition("alice", status.StatusConnected, status.StatusDisconnected))
	now = now.Add(time.Minute)
	require.NotNil(t, n.HandleTransition("alice", status.StatusDisconnected, status.StatusError))

	list := n.List("alice", false)
	require.Len(t, list, 2)
	assert.Equal(t, "connection_error", list[0].Kind)
	assert.Equal(t, "connection_lost", list[1].Kind)
}
