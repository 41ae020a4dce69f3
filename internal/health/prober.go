package health

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/debridmm/dmm-server/internal/config"
	"github.com/debridmm/dmm-server/internal/debrid"
	"github.com/debridmm/dmm-server/internal/storage"
	"github.com/debridmm/dmm-server/internal/tokens"
)

const (
	errTimeout = "timeout"
	errNoToken = "no token"
)

// Prober runs health checks. A failed check never escapes as an error; every
// failure is captured in the Result's Error field.
type Prober struct {
	client     *debrid.Client
	tokenStore *tokens.Store
	store      *storage.Manager
	probeHosts []string
	httpClient *http.Client
	logger     *zap.Logger

	// Serializes history writes; checks themselves may run concurrently.
	historyMu sync.Mutex
}

// NewProber builds a prober. probeHosts should name at least two independent
// well-known hosts for the network check.
func NewProber(client *debrid.Client, tokenStore *tokens.Store, store *storage.Manager, probeHosts []string, logger *zap.Logger) *Prober {
	return &Prober{
		client:     client,
		tokenStore: tokenStore,
		store:      store,
		probeHosts: probeHosts,
		httpClient: &http.Client{Timeout: config.NetworkCheckTimeout},
		logger:     logger.Named("health"),
	}
}

// RunCheck executes a single check for the user and records the result in
// the bounded history.
func (p *Prober) RunCheck(ctx context.Context, userID string, kind CheckKind) Result {
	var result Result
	switch kind {
	case CheckAPI:
		result = p.checkAPI(ctx, userID)
	case CheckNetwork:
		result = p.checkNetwork(ctx)
	case CheckAuth:
		result = p.checkAuth(ctx, userID)
	default:
		result = Result{
			Name:      kind.String(),
			Success:   false,
			Timestamp: time.Now(),
			Error:     fmt.Sprintf("unknown check kind %d", kind),
		}
	}

	p.appendHistory(userID, result)
	return result
}

// RunAll issues the three checks concurrently and returns the results in
// {api, network, auth} order. Result handling stays serialized via the
// history lock.
func (p *Prober) RunAll(ctx context.Context, userID string) []Result {
	results := make([]Result, 3)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		results[0] = p.RunCheck(gctx, userID, CheckAPI)
		return nil
	})
	g.Go(func() error {
		results[1] = p.RunCheck(gctx, userID, CheckNetwork)
		return nil
	})
	g.Go(func() error {
		results[2] = p.RunCheck(gctx, userID, CheckAuth)
		return nil
	})
	_ = g.Wait() // checks never return errors; failures live in the results

	return results
}

// History returns the user's recorded check results, most recent first.
func (p *Prober) History(userID string) []Result {
	var history []Result
	found, err := p.store.Load(storage.CrossSession, storage.HealthHistoryBucket, userID, &history)
	if err != nil || !found {
		return nil
	}
	return history
}

func (p *Prober) checkAPI(ctx context.Context, userID string) Result {
	start := time.Now()
	result := Result{Name: CheckAPI.String(), Timestamp: start}

	toks, err := p.tokenStore.GetTokens(userID)
	if err != nil || toks == nil || toks.AccessToken == "" {
		result.Error = errNoToken
		return result
	}

	cctx, cancel := context.WithTimeout(ctx, config.APICheckTimeout)
	defer cancel()

	user, err := p.client.GetUser(cctx, toks.AccessToken)
	result.ResponseTimeMs = time.Since(start).Milliseconds()
	if err != nil {
		result.Error = classifyError(err)
		result.StatusCode = statusCodeOf(err)
		return result
	}

	result.Success = true
	result.StatusCode = http.StatusOK
	result.Details = map[string]interface{}{
		"username": user.Username,
		"premium":  user.IsPremium(),
	}
	return result
}

func (p *Prober) checkAuth(ctx context.Context, userID string) Result {
	start := time.Now()
	result := Result{Name: CheckAuth.String(), Timestamp: start}

	toks, err := p.tokenStore.GetTokens(userID)
	if err != nil || toks == nil || toks.AccessToken == "" {
		// No token means the check is not attempted at all
		result.Error = errNoToken
		return result
	}

	cctx, cancel := context.WithTimeout(ctx, config.AuthCheckTimeout)
	defer cancel()

	_, err = p.client.GetUser(cctx, toks.AccessToken)
	result.ResponseTimeMs = time.Since(start).Milliseconds()
	if err != nil {
		if errors.Is(err, debrid.ErrTokenInvalid) {
			result.Error = "token invalid"
			result.StatusCode = http.StatusUnauthorized
			return result
		}
		result.Error = classifyError(err)
		result.StatusCode = statusCodeOf(err)
		return result
	}

	result.Success = true
	result.StatusCode = http.StatusOK
	return result
}

func (p *Prober) checkNetwork(ctx context.Context) Result {
	start := time.Now()
	result := Result{Name: CheckNetwork.String(), Timestamp: start}

	if len(p.probeHosts) == 0 {
		result.Error = "no probe hosts configured"
		return result
	}

	cctx, cancel := context.WithTimeout(ctx, config.NetworkCheckTimeout)
	defer cancel()

	var mu sync.Mutex
	successes := 0

	var wg sync.WaitGroup
	for _, host := range p.probeHosts {
		wg.Add(1)
		go func(url string) {
			defer wg.Done()
			req, err := http.NewRequestWithContext(cctx, http.MethodHead, url, nil)
			if err != nil {
				return
			}
			resp, err := p.httpClient.Do(req)
			if err != nil {
				return
			}
			resp.Body.Close()
			mu.Lock()
			successes++
			mu.Unlock()
		}(host)
	}
	wg.Wait()

	result.ResponseTimeMs = time.Since(start).Milliseconds()
	fraction := float64(successes) / float64(len(p.probeHosts))
	result.Details = map[string]interface{}{
		"hosts_total":      len(p.probeHosts),
		"hosts_reachable":  successes,
		"success_fraction": fraction,
	}

	if fraction > 0 {
		result.Success = true
	} else if cctx.Err() != nil {
		result.Error = errTimeout
	} else {
		result.Error = "all probe hosts unreachable"
	}
	return result
}

func (p *Prober) appendHistory(userID string, result Result) {
	p.historyMu.Lock()
	defer p.historyMu.Unlock()

	var history []Result
	// A miss just means we start a fresh history
	_, _ = p.store.Load(storage.CrossSession, storage.HealthHistoryBucket, userID, &history)

	history = append([]Result{result}, history...)
	if err := p.store.SaveList(storage.CrossSession, storage.HealthHistoryBucket, userID, history); err != nil {
		p.logger.Warn("Failed to persist health history",
			zap.String("user", userID), zap.Error(err))
	}
}

func classifyError(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return errTimeout
	case errors.Is(err, debrid.ErrNoToken):
		return errNoToken
	case errors.Is(err, debrid.ErrRateLimited):
		return "rate limited"
	default:
		return err.Error()
	}
}

func statusCodeOf(err error) int {
	var apiErr *debrid.APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode
	}
	if errors.Is(err, debrid.ErrTokenInvalid) {
		return http.StatusUnauthorized
	}
	if errors.Is(err, debrid.ErrRateLimited) {
		return http.StatusTooManyRequests
	}
	return 0
}
