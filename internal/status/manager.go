package status

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/debridmm/dmm-server/internal/events"
	"github.com/debridmm/dmm-server/internal/health"
	"github.com/debridmm/dmm-server/internal/storage"
)

// errorRateDecay is the weight kept from the previous error rate when a new
// sample arrives (exponentially weighted moving average).
const errorRateDecay = 0.8

// degradedResponseTimeMs marks a successful but slow API check as degraded.
const degradedResponseTimeMs = 2000

// Manager owns ConnectionStatus aggregation. All mutation of a user's status
// flows through here; aggregation calls for one user are serialized.
type Manager struct {
	store  *storage.Manager
	bus    *events.Bus
	logger *zap.Logger

	mu    sync.Mutex
	users map[string]*userState

	nowFn func() time.Time
}

type userState struct {
	mu           sync.Mutex
	reconnecting bool
}

// NewManager builds a status manager.
func NewManager(store *storage.Manager, bus *events.Bus, logger *zap.Logger) *Manager {
	return &Manager{
		store:  store,
		bus:    bus,
		logger: logger.Named("status"),
		users:  make(map[string]*userState),
		nowFn:  time.Now,
	}
}

func (m *Manager) userState(userID string) *userState {
	m.mu.Lock()
	defer m.mu.Unlock()
	us, ok := m.users[userID]
	if !ok {
		us = &userState{}
		m.users[userID] = us
	}
	return us
}

// Get returns the user's current status, or a fresh initial status when none
// has been persisted yet.
func (m *Manager) Get(userID string) *ConnectionStatus {
	var st ConnectionStatus
	found, err := m.store.Load(storage.CrossSession, storage.StatusBucket, userID, &st)
	if err != nil || !found {
		return NewConnectionStatus()
	}
	return &st
}

// SetReconnecting flips the external reconnecting flag and re-aggregates so
// the persisted snapshot reflects the in-flight recovery. A flag flip is not
// an error sample: ConsecutiveErrors only resets on connected, never counts
// up here.
func (m *Manager) SetReconnecting(userID string, active bool) {
	us := m.userState(userID)
	us.mu.Lock()
	defer us.mu.Unlock()
	us.reconnecting = active

	st := m.Get(userID)
	previous := st.Overall
	st.Overall = Aggregate(st.Authentication, st.Service, st.Network, active)
	if st.Overall == previous {
		return
	}
	if st.Overall == StatusConnected {
		st.ConsecutiveErrors = 0
	}
	st.LastUpdated = m.nowFn()

	if err := m.store.Save(storage.CrossSession, storage.StatusBucket, userID, st); err != nil {
		m.logger.Warn("Failed to persist connection status",
			zap.String("user", userID), zap.Error(err))
	}
	m.publishTransition(userID, previous, st.Overall)
}

// Update applies mutate to the user's status under the per-user lock,
// recomputes the overall status, persists the result, and publishes a
// status-change event when the overall value moved.
func (m *Manager) Update(userID string, mutate func(*ConnectionStatus)) *ConnectionStatus {
	us := m.userState(userID)
	us.mu.Lock()
	defer us.mu.Unlock()

	st := m.Get(userID)
	previous := st.Overall

	mutate(st)

	st.Overall = Aggregate(st.Authentication, st.Service, st.Network, us.reconnecting)
	switch st.Overall {
	case StatusConnected:
		st.ConsecutiveErrors = 0
	case StatusError, StatusDisconnected:
		st.ConsecutiveErrors++
	}
	st.LastUpdated = m.nowFn()

	if err := m.store.Save(storage.CrossSession, storage.StatusBucket, userID, st); err != nil {
		// Write failures degrade gracefully; the in-memory result still flows
		m.logger.Warn("Failed to persist connection status",
			zap.String("user", userID), zap.Error(err))
	}

	if st.Overall != previous {
		m.publishTransition(userID, previous, st.Overall)
	}

	return st
}

// ApplyHealthResults folds probe results into the user's sub-statuses and
// re-aggregates. canRefresh reports whether a refresh token is stored.
func (m *Manager) ApplyHealthResults(userID string, results []health.Result, canRefresh bool) *ConnectionStatus {
	return m.Update(userID, func(st *ConnectionStatus) {
		for _, r := range results {
			kind, ok := health.ParseCheckKind(r.Name)
			if !ok {
				continue
			}
			switch kind {
			case health.CheckAPI:
				m.applyAPIResult(st, r)
			case health.CheckNetwork:
				applyNetworkResult(st, r)
			case health.CheckAuth:
				applyAuthResult(st, r, canRefresh)
			}
		}
	})
}

func (m *Manager) applyAPIResult(st *ConnectionStatus, r health.Result) {
	svc := &st.Service
	svc.ResponseTimeMs = r.ResponseTimeMs

	sample := 0.0
	if !r.Success {
		sample = 1.0
	}
	svc.ErrorRate = errorRateDecay*svc.ErrorRate + (1-errorRateDecay)*sample

	switch {
	case r.Success && r.ResponseTimeMs > degradedResponseTimeMs:
		svc.State = ServiceDegraded
		svc.ConsecutiveFailures = 0
	case r.Success:
		svc.State = ServiceAvailable
		svc.ConsecutiveFailures = 0
	case r.Error == "rate limited":
		svc.State = ServiceRateLimited
		svc.ConsecutiveFailures++
	default:
		svc.State = ServiceUnavailable
		svc.ConsecutiveFailures++
	}

	if svc.Endpoints == nil {
		svc.Endpoints = make(map[string]EndpointStatus)
	}
	svc.Endpoints["user"] = EndpointStatus{
		State:          svc.State,
		ResponseTimeMs: r.ResponseTimeMs,
		LastChecked:    r.Timestamp,
	}
}

func applyNetworkResult(st *ConnectionStatus, r health.Result) {
	net := &st.Network
	net.Online = r.Success
	net.LatencyMs = r.ResponseTimeMs

	fraction := 1.0
	if f, ok := r.Details["success_fraction"].(float64); ok {
		fraction = f
	}

	switch {
	case !r.Success:
		net.State = NetworkDisconnected
	case fraction < 1.0:
		net.State = NetworkPoorConnection
	default:
		net.State = NetworkConnected
	}
}

func applyAuthResult(st *ConnectionStatus, r health.Result, canRefresh bool) {
	auth := &st.Authentication
	auth.CanRefresh = canRefresh

	switch {
	case r.Success:
		auth.State = AuthAuthenticated
		auth.LastValidated = r.Timestamp
		auth.ErrorCode = ""
		auth.ErrorMessage = ""
	case r.Error == "no token":
		auth.State = AuthUnauthenticated
	case r.Error == "token invalid":
		auth.State = AuthTokenExpired
	default:
		auth.State = AuthError
		auth.ErrorCode = "health_check_failed"
		auth.ErrorMessage = r.Error
	}
}

// MarkConnected records a successful recovery: authenticated, service
// available, errors cleared.
func (m *Manager) MarkConnected(userID string) *ConnectionStatus {
	return m.Update(userID, func(st *ConnectionStatus) {
		st.Authentication.State = AuthAuthenticated
		st.Authentication.LastValidated = m.nowFn()
		st.Service.State = ServiceAvailable
		st.Service.ConsecutiveFailures = 0
		st.Network.State = NetworkConnected
		st.Network.Online = true
	})
}

func (m *Manager) publishTransition(userID string, from, to OverallStatus) {
	m.bus.Publish(events.Event{
		Type:      events.StatusChanged,
		UserID:    userID,
		OldStatus: string(from),
		NewStatus: string(to),
	})

	switch {
	case to == StatusConnected:
		m.bus.Publish(events.Event{Type: events.ConnectionEstablished, UserID: userID, NewStatus: string(to)})
	case from == StatusConnected:
		m.bus.Publish(events.Event{Type: events.ConnectionLost, UserID: userID, OldStatus: string(from), NewStatus: string(to)})
	}

	m.logger.Info("Connection status changed",
		zap.String("user", userID),
		zap.String("from", string(from)),
		zap.String("to", string(to)))
}
