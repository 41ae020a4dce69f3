package status

// Aggregate derives the overall status from the three sub-statuses and the
// reconnecting flag. It is a pure function: the same inputs always yield the
// same output. Precedence is fixed, first match wins:
//
//  1. expired token, or an auth error with no refresh path  -> error
//  2. unauthenticated                                       -> disconnected
//  3. network disconnected                                  -> disconnected
//  4. reconnection in progress                              -> reconnecting
//  5. service unavailable                                   -> error
//  6. service degraded/rate-limited or poor connection      -> limited
//  7. otherwise                                             -> connected
func Aggregate(auth AuthStatus, service ServiceStatus, network NetworkStatus, reconnecting bool) OverallStatus {
	switch {
	case auth.State == AuthTokenExpired,
		auth.State == AuthError && !auth.CanRefresh:
		return StatusError

	case auth.State == AuthUnauthenticated:
		return StatusDisconnected

	case network.State == NetworkDisconnected:
		return StatusDisconnected

	case reconnecting:
		return StatusReconnecting

	case service.State == ServiceUnavailable:
		return StatusError

	case service.State == ServiceDegraded,
		service.State == ServiceRateLimited,
		network.State == NetworkPoorConnection:
		return StatusLimited

	default:
		return StatusConnected
	}
}
