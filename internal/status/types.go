// Package status models per-user connection health and derives the single
// overall status shown to the user.
package status

import "time"

// AuthState is the authentication sub-status.
type AuthState string

const (
	AuthUnauthenticated AuthState = "unauthenticated"
	AuthAuthenticated   AuthState = "authenticated"
	AuthTokenExpired    AuthState = "token_expired"
	AuthError           AuthState = "error"
)

// ServiceState is the upstream service sub-status.
type ServiceState string

const (
	ServiceAvailable   ServiceState = "available"
	ServiceDegraded    ServiceState = "degraded"
	ServiceUnavailable ServiceState = "unavailable"
	ServiceRateLimited ServiceState = "rate_limited"
)

// NetworkState is the network sub-status.
type NetworkState string

const (
	NetworkConnected      NetworkState = "connected"
	NetworkDisconnected   NetworkState = "disconnected"
	NetworkPoorConnection NetworkState = "poor_connection"
)

// OverallStatus is derived from the three sub-statuses; callers never set it
// directly.
type OverallStatus string

const (
	StatusConnected    OverallStatus = "connected"
	StatusConnecting   OverallStatus = "connecting"
	StatusDisconnected OverallStatus = "disconnected"
	StatusError        OverallStatus = "error"
	StatusLimited      OverallStatus = "limited"
	StatusReconnecting OverallStatus = "reconnecting"
)

// AuthStatus describes credential health.
type AuthStatus struct {
	State         AuthState `json:"state"`
	CanRefresh    bool      `json:"can_refresh"`
	LastValidated time.Time `json:"last_validated,omitempty"`
	ErrorCode     string    `json:"error_code,omitempty"`
	ErrorMessage  string    `json:"error_message,omitempty"`
}

// EndpointStatus tracks one upstream endpoint inside the service status.
type EndpointStatus struct {
	State          ServiceState `json:"state"`
	ResponseTimeMs int64        `json:"response_time_ms"`
	LastChecked    time.Time    `json:"last_checked"`
}

// ServiceStatus describes upstream API health.
type ServiceStatus struct {
	State               ServiceState              `json:"state"`
	ResponseTimeMs      int64                     `json:"response_time_ms"`
	ErrorRate           float64                   `json:"error_rate"` // [0,1]
	ConsecutiveFailures int                       `json:"consecutive_failures"`
	Endpoints           map[string]EndpointStatus `json:"endpoints,omitempty"`
}

// NetworkStatus describes raw connectivity.
type NetworkStatus struct {
	State         NetworkState `json:"state"`
	Online        bool         `json:"online"`
	LatencyMs     int64        `json:"latency_ms"`
	EffectiveType string       `json:"effective_type,omitempty"`
}

// ConnectionStatus is the per-user aggregate. One live instance per user;
// superseded on every aggregation, never deleted.
type ConnectionStatus struct {
	Authentication    AuthStatus    `json:"authentication"`
	Service           ServiceStatus `json:"service"`
	Network           NetworkStatus `json:"network"`
	Overall           OverallStatus `json:"overall_status"`
	ConsecutiveErrors int           `json:"consecutive_errors"`
	LastUpdated       time.Time     `json:"last_updated"`
}

// NewConnectionStatus returns the initial status for a user that has never
// been health-checked.
func NewConnectionStatus() *ConnectionStatus {
	return &ConnectionStatus{
		Authentication: AuthStatus{State: AuthUnauthenticated},
		Service:        ServiceStatus{State: ServiceUnavailable, Endpoints: make(map[string]EndpointStatus)},
		Network:        NetworkStatus{State: NetworkDisconnected},
		Overall:        StatusDisconnected,
		LastUpdated:    time.Now(),
	}
}
