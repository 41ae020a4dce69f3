// Package health executes individual checks against the upstream API, the
// network, and the stored credentials.
package health

import "time"

// CheckKind identifies one probe target. The set is closed; RunCheck handles
// every kind exhaustively.
type CheckKind int

const (
	// CheckAPI probes upstream API reachability with an authenticated call.
	CheckAPI CheckKind = iota
	// CheckNetwork probes raw network connectivity against well-known hosts.
	CheckNetwork
	// CheckAuth probes token validity with 401 classified separately.
	CheckAuth
)

// String returns the wire name of the check kind
func (k CheckKind) String() string {
	switch k {
	case CheckAPI:
		return "api"
	case CheckNetwork:
		return "network"
	case CheckAuth:
		return "auth"
	default:
		return "unknown"
	}
}

// ParseCheckKind maps a wire name back to a CheckKind.
func ParseCheckKind(s string) (CheckKind, bool) {
	switch s {
	case "api":
		return CheckAPI, true
	case "network":
		return CheckNetwork, true
	case "auth":
		return CheckAuth, true
	default:
		return 0, false
	}
}

// Result is one timestamped pass/fail probe outcome. Immutable once created;
// appended to a bounded most-recent-first history.
type Result struct {
	Name           string                 `json:"name"`
	Success        bool                   `json:"success"`
	ResponseTimeMs int64                  `json:"response_time_ms"`
	StatusCode     int                    `json:"status_code,omitempty"`
	Timestamp      time.Time              `json:"timestamp"`
	Error          string                 `json:"error,omitempty"`
	Details        map[string]interface{} `json:"details,omitempty"`
}
