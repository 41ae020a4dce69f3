// Package notify turns status transitions and sync outcomes into throttled,
// dismissible user notifications.
package notify

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/debridmm/dmm-server/internal/config"
	"github.com/debridmm/dmm-server/internal/events"
	"github.com/debridmm/dmm-server/internal/status"
	"github.com/debridmm/dmm-server/internal/storage"
)

// Type classifies a notification for display purposes.
type Type string

const (
	TypeSuccess Type = "success"
	TypeWarning Type = "warning"
	TypeError   Type = "error"
	TypeInfo    Type = "info"
)

// Severity orders notifications for display and triage.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Action is a user-invokable follow-up attached to a notification.
type Action struct {
	Label       string `json:"label"`
	Action      string `json:"action"`
	Primary     bool   `json:"primary,omitempty"`
	Destructive bool   `json:"destructive,omitempty"`
}

// Notification is a single user-facing message. Mutated only to set the
// dismissed/acknowledged flags; everything else is immutable after creation.
type Notification struct {
	ID           string     `json:"id"`
	UserID       string     `json:"user_id"`
	Kind         string     `json:"kind"`
	Type         Type       `json:"type"`
	Severity     Severity   `json:"severity"`
	Title        string     `json:"title"`
	Message      string     `json:"message"`
	Timestamp    time.Time  `json:"timestamp"`
	Actions      []Action   `json:"actions,omitempty"`
	Dismissible  bool       `json:"dismissible"`
	Dismissed    bool       `json:"dismissed"`
	Acknowledged bool       `json:"acknowledged"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
}

const notificationsKey = "list"

// Notifier creates, throttles, persists and retires notifications.
type Notifier struct {
	store  *storage.Manager
	bus    *events.Bus
	logger *zap.Logger

	throttleWindow   time.Duration
	autoDismissDelay time.Duration

	mu       sync.Mutex
	lastSent map[string]map[string]time.Time // userID -> kind -> created

	nowFn func() time.Time
}

// NewNotifier builds a notifier using the configured throttle and expiry
// windows, falling back to the compiled defaults.
func NewNotifier(store *storage.Manager, bus *events.Bus, cfg *config.NotificationConfig, logger *zap.Logger) *Notifier {
	throttle := config.NotificationThrottleWindow
	autoDismiss := config.NotificationAutoDismissDelay
	if cfg != nil {
		if cfg.ThrottleWindow.Duration() > 0 {
			throttle = cfg.ThrottleWindow.Duration()
		}
		if cfg.AutoDismissDelay.Duration() > 0 {
			autoDismiss = cfg.AutoDismissDelay.Duration()
		}
	}

	return &Notifier{
		store:            store,
		bus:              bus,
		logger:           logger.Named("notify"),
		throttleWindow:   throttle,
		autoDismissDelay: autoDismiss,
		lastSent:         make(map[string]map[string]time.Time),
		nowFn:            time.Now,
	}
}

// SetClock overrides the time source. Test use only.
func (n *Notifier) SetClock(now func() time.Time) {
	n.nowFn = now
}

// ApplyConfig swaps the throttle and expiry windows, typically on a config
// reload.
func (n *Notifier) ApplyConfig(cfg *config.NotificationConfig) {
	if cfg == nil {
		return
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if cfg.ThrottleWindow.Duration() > 0 {
		n.throttleWindow = cfg.ThrottleWindow.Duration()
	}
	if cfg.AutoDismissDelay.Duration() > 0 {
		n.autoDismissDelay = cfg.AutoDismissDelay.Duration()
	}
}

// Run consumes status-change events from the bus and turns them into
// notifications until ctx is cancelled.
func (n *Notifier) Run(ctx context.Context) {
	ch := n.bus.Subscribe(events.StatusChanged)
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-ch:
			if !ok {
				return
			}
			n.HandleTransition(event.UserID,
				status.OverallStatus(event.OldStatus),
				status.OverallStatus(event.NewStatus))
		}
	}
}

// HandleTransition maps a status transition to a notification. Unknown
// transitions and throttled duplicates produce nil.
func (n *Notifier) HandleTransition(userID string, oldStatus, newStatus status.OverallStatus) *Notification {
	tmpl := templateFor(oldStatus, newStatus)
	if tmpl == nil {
		return nil
	}
	return n.create(userID, *tmpl)
}

// SyncCompleted notifies the user about a finished sync run. Conflicts make
// the notification sticky with a resolve action.
func (n *Notifier) SyncCompleted(userID, operationID string, itemsProcessed, conflicts int) *Notification {
	tmpl := template{
		kind:     "sync_completed",
		typ:      TypeSuccess,
		severity: SeverityLow,
		title:    "Library sync complete",
		message:  fmt.Sprintf("Synced %d items", itemsProcessed),
		autoHide: true,
	}
	if conflicts > 0 {
		tmpl = template{
			kind:     "sync_conflicts",
			typ:      TypeWarning,
			severity: SeverityMedium,
			title:    "Sync finished with conflicts",
			message:  fmt.Sprintf("Synced %d items, %d conflicts need review", itemsProcessed, conflicts),
			actions: []Action{
				{Label: "Review", Action: "resolve_conflicts", Primary: true},
				{Label: "Dismiss", Action: "dismiss"},
			},
		}
	}
	return n.create(userID, tmpl)
}

// SyncFailed notifies the user about an aborted sync run.
func (n *Notifier) SyncFailed(userID, operationID, reason string) *Notification {
	return n.create(userID, template{
		kind:     "sync_failed",
		typ:      TypeError,
		severity: SeverityHigh,
		title:    "Library sync failed",
		message:  reason,
		actions: []Action{
			{Label: "Retry", Action: "retry", Primary: true},
			{Label: "Dismiss", Action: "dismiss"},
		},
	})
}

type template struct {
	kind     string
	typ      Type
	severity Severity
	title    string
	message  string
	actions  []Action
	autoHide bool
}

func templateFor(oldStatus, newStatus status.OverallStatus) *template {
	if oldStatus == newStatus {
		return nil
	}
	switch newStatus {
	case status.StatusConnected:
		// Only notable when recovering from a bad state
		if oldStatus == status.StatusConnecting {
			return nil
		}
		return &template{
			kind:     "connection_restored",
			typ:      TypeSuccess,
			severity: SeverityLow,
			title:    "Connection restored",
			message:  "Real-Debrid is reachable again",
			autoHide: true,
		}
	case status.StatusError:
		return &template{
			kind:     "connection_error",
			typ:      TypeError,
			severity: SeverityHigh,
			title:    "Connection error",
			message:  "Real-Debrid connection is failing",
			actions: []Action{
				{Label: "Reconnect", Action: "reconnect", Primary: true},
				{Label: "Settings", Action: "settings"},
				{Label: "Support", Action: "support"},
			},
		}
	case status.StatusDisconnected:
		return &template{
			kind:     "connection_lost",
			typ:      TypeWarning,
			severity: SeverityMedium,
			title:    "Disconnected",
			message:  "Lost connection to Real-Debrid",
			actions: []Action{
				{Label: "Reconnect", Action: "reconnect", Primary: true},
				{Label: "Dismiss", Action: "dismiss"},
			},
		}
	case status.StatusLimited:
		return &template{
			kind:     "connection_limited",
			typ:      TypeWarning,
			severity: SeverityLow,
			title:    "Limited connectivity",
			message:  "Real-Debrid is responding slowly or rate limiting requests",
			autoHide: true,
		}
	case status.StatusReconnecting:
		return &template{
			kind:     "reconnecting",
			typ:      TypeInfo,
			severity: SeverityLow,
			title:    "Reconnecting",
			message:  "Attempting to restore the Real-Debrid connection",
			autoHide: true,
		}
	}
	return nil
}

// create applies throttling, persists the notification and publishes the
// created event. Returns nil when the kind was recently sent.
func (n *Notifier) create(userID string, tmpl template) *Notification {
	now := n.nowFn()

	n.mu.Lock()
	byKind := n.lastSent[userID]
	if byKind == nil {
		byKind = make(map[string]time.Time)
		n.lastSent[userID] = byKind
	}
	if last, ok := byKind[tmpl.kind]; ok && now.Sub(last) < n.throttleWindow {
		n.mu.Unlock()
		n.logger.Debug("Notification throttled",
			zap.String("user", userID),
			zap.String("kind", tmpl.kind))
		return nil
	}
	byKind[tmpl.kind] = now
	autoDismissDelay := n.autoDismissDelay
	n.mu.Unlock()

	notif := &Notification{
		ID:          uuid.NewString(),
		UserID:      userID,
		Kind:        tmpl.kind,
		Type:        tmpl.typ,
		Severity:    tmpl.severity,
		Title:       tmpl.title,
		Message:     tmpl.message,
		Timestamp:   now,
		Actions:     tmpl.actions,
		Dismissible: true,
	}
	if tmpl.autoHide {
		expires := now.Add(autoDismissDelay)
		notif.ExpiresAt = &expires
	}

	list := n.load(userID)
	list = append([]Notification{*notif}, list...)
	n.persist(userID, list)

	n.bus.Publish(events.Event{
		Type:   events.NotificationCreated,
		UserID: userID,
		Data: map[string]interface{}{
			"id":       notif.ID,
			"kind":     notif.Kind,
			"type":     string(notif.Type),
			"severity": string(notif.Severity),
		},
	})
	return notif
}

// List returns the user's notifications, most recent first, sweeping expired
// entries on the way. Dismissed notifications are filtered unless requested.
func (n *Notifier) List(userID string, includeDismissed bool) []Notification {
	list := n.sweep(userID)
	if includeDismissed {
		return list
	}
	active := make([]Notification, 0, len(list))
	for _, notif := range list {
		if !notif.Dismissed {
			active = append(active, notif)
		}
	}
	return active
}

// Dismiss marks a notification dismissed. Idempotent; an unknown or already
// dismissed id is a no-op.
func (n *Notifier) Dismiss(userID, id string) {
	n.mutate(userID, id, func(notif *Notification) bool {
		if notif.Dismissed {
			return false
		}
		notif.Dismissed = true
		return true
	}, events.NotificationDismissed)
}

// Acknowledge marks a notification acknowledged. Idempotent like Dismiss.
func (n *Notifier) Acknowledge(userID, id string) {
	n.mutate(userID, id, func(notif *Notification) bool {
		if notif.Acknowledged {
			return false
		}
		notif.Acknowledged = true
		return true
	}, "")
}

// ClearAll removes every notification for the user.
func (n *Notifier) ClearAll(userID string) {
	if err := n.store.Remove(storage.CrossSession, storage.NotificationsBucket, n.key(userID)); err != nil {
		n.logger.Warn("Failed to clear notifications", zap.String("user", userID), zap.Error(err))
	}
}

func (n *Notifier) mutate(userID, id string, apply func(*Notification) bool, eventType events.EventType) {
	list := n.load(userID)
	for i := range list {
		if list[i].ID != id {
			continue
		}
		if !apply(&list[i]) {
			return
		}
		n.persist(userID, list)
		if eventType != "" {
			n.bus.Publish(events.Event{
				Type:   eventType,
				UserID: userID,
				Data:   map[string]interface{}{"id": id},
			})
		}
		return
	}
}

// sweep auto-dismisses expired notifications and drops expired entries that
// were already dismissed.
func (n *Notifier) sweep(userID string) []Notification {
	list := n.load(userID)
	now := n.nowFn()

	kept := list[:0]
	changed := false
	for _, notif := range list {
		expired := notif.ExpiresAt != nil && now.After(*notif.ExpiresAt)
		if expired && notif.Dismissed {
			changed = true
			continue
		}
		if expired && !notif.Dismissed {
			notif.Dismissed = true
			changed = true
		}
		kept = append(kept, notif)
	}
	if changed {
		n.persist(userID, kept)
	}
	return kept
}

func (n *Notifier) load(userID string) []Notification {
	var list []Notification
	found, err := n.store.Load(storage.CrossSession, storage.NotificationsBucket, n.key(userID), &list)
	if err != nil || !found {
		return nil
	}
	return list
}

func (n *Notifier) persist(userID string, list []Notification) {
	if err := n.store.SaveList(storage.CrossSession, storage.NotificationsBucket, n.key(userID), list); err != nil {
		n.logger.Warn("Failed to persist notifications", zap.String("user", userID), zap.Error(err))
	}
}

func (n *Notifier) key(userID string) string {
	return userID + "/" + notificationsKey
}
