package status

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAggregate_Precedence(t *testing.T) {
	tests := []struct {
		name         string
		auth         AuthStatus
		service      ServiceStatus
		network      NetworkStatus
		reconnecting bool
		want         OverallStatus
	}{
		{
			name:    "expired token wins over everything",
			auth:    AuthStatus{State: AuthTokenExpired},
			service: ServiceStatus{State: ServiceAvailable},
			network: NetworkStatus{State: NetworkConnected},
			want:    StatusError,
		},
		{
			name:    "auth error without refresh path is error",
			auth:    AuthStatus{State: AuthError, CanRefresh: false},
			service: ServiceStatus{State: ServiceAvailable},
			network: NetworkStatus{State: NetworkConnected},
			want:    StatusError,
		},
		{
			name:    "auth error with refresh path falls through",
			auth:    AuthStatus{State: AuthError, CanRefresh: true},
			service: ServiceStatus{State: ServiceAvailable},
			network: NetworkStatus{State: NetworkConnected},
			want:    StatusConnected,
		},
		{
			name:    "unauthenticated is disconnected",
			auth:    AuthStatus{State: AuthUnauthenticated},
			service: ServiceStatus{State: ServiceAvailable},
			network: NetworkStatus{State: NetworkConnected},
			want:    StatusDisconnected,
		},
		{
			name:    "network down is disconnected",
			auth:    AuthStatus{State: AuthAuthenticated},
			service: ServiceStatus{State: ServiceAvailable},
			network: NetworkStatus{State: NetworkDisconnected},
			want:    StatusDisconnected,
		},
		{
			name:         "network down beats reconnecting flag",
			auth:         AuthStatus{State: AuthAuthenticated},
			service:      ServiceStatus{State: ServiceAvailable},
			network:      NetworkStatus{State: NetworkDisconnected},
			reconnecting: true,
			want:         StatusDisconnected,
		},
		{
			name:         "reconnecting beats service state",
			auth:         AuthStatus{State: AuthAuthenticated},
			service:      ServiceStatus{State: ServiceUnavailable},
			network:      NetworkStatus{State: NetworkConnected},
			reconnecting: true,
			want:         StatusReconnecting,
		},
		{
			name:    "service unavailable is error",
			auth:    AuthStatus{State: AuthAuthenticated},
			service: ServiceStatus{State: ServiceUnavailable},
			network: NetworkStatus{State: NetworkConnected},
			want:    StatusError,
		},
		{
			name:    "degraded service is limited",
			auth:    AuthStatus{State: AuthAuthenticated},
			service: ServiceStatus{State: ServiceDegraded},
			network: NetworkStatus{State: NetworkConnected},
			want:    StatusLimited,
		},
		{
			name:    "rate limited service is limited",
			auth:    AuthStatus{State: AuthAuthenticated},
			service: ServiceStatus{State: ServiceRateLimited},
			network: NetworkStatus{State: NetworkConnected},
			want:    StatusLimited,
		},
		{
			name:    "poor connection is limited",
			auth:    AuthStatus{State: AuthAuthenticated},
			service: ServiceStatus{State: ServiceAvailable},
			network: NetworkStatus{State: NetworkPoorConnection},
			want:    StatusLimited,
		},
		{
			name:    "all healthy is connected",
			auth:    AuthStatus{State: AuthAuthenticated},
			service: ServiceStatus{State: ServiceAvailable},
			network: NetworkStatus{State: NetworkConnected},
			want:    StatusConnected,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Aggregate(tt.auth, tt.service, tt.network, tt.reconnecting)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestAggregate_Deterministic(t *testing.T) {
	auth := AuthStatus{State: AuthAuthenticated}
	service := ServiceStatus{State: ServiceDegraded}
	network := NetworkStatus{State: NetworkConnected}

	first := Aggregate(auth, service, network, false)
	for i := 0; i < 100; i++ {
		assert.Equal(t, first, Aggregate(auth, service, network, false))
	}
}
