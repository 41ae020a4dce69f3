// Package debrid is the HTTP client for the upstream Real-Debrid API.
package debrid

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/imroc/req/v3"

	"github.com/debridmm/dmm-server/internal/config"
)

const (
	userEndpoint      = "/user"
	torrentsEndpoint  = "/torrents"
	downloadsEndpoint = "/downloads"
)

var (
	// ErrNoToken indicates a call was attempted without an access token.
	ErrNoToken = errors.New("debrid: no access token")
	// ErrTokenInvalid indicates the upstream rejected the token (HTTP 401).
	ErrTokenInvalid = errors.New("debrid: token invalid")
	// ErrRateLimited indicates the upstream throttled the request (HTTP 429).
	ErrRateLimited = errors.New("debrid: rate limited")
)

// APIError is a non-2xx upstream response that is neither an auth failure
// nor a rate limit.
type APIError struct {
	StatusCode int
	Code       int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("debrid: api error %d (code %d): %s", e.StatusCode, e.Code, e.Message)
}

// Client wraps the upstream REST API. It holds no credentials; every call
// takes the access token for exactly one operation.
type Client struct {
	client *req.Client
	oauth  *req.Client
	cfg    *config.DebridConfig
}

// NewClient builds a client from the upstream configuration.
func NewClient(cfg *config.DebridConfig) *Client {
	return &Client{
		client: req.C().
			SetBaseURL(cfg.APIBaseURL).
			SetUserAgent("dmm-server/1.0"),
		oauth: req.C().
			SetUserAgent("dmm-server/1.0"),
		cfg: cfg,
	}
}

// GetUser fetches the current user profile. A 401 maps to ErrTokenInvalid,
// a 429 to ErrRateLimited, other non-2xx to *APIError.
func (c *Client) GetUser(ctx context.Context, accessToken string) (*User, error) {
	if accessToken == "" {
		return nil, ErrNoToken
	}

	var user User
	var apiErr apiError
	res, err := c.client.R().
		SetContext(ctx).
		SetBearerAuthToken(accessToken).
		SetSuccessResult(&user).
		SetErrorResult(&apiErr).
		Get(userEndpoint)
	if err != nil {
		return nil, fmt.Errorf("debrid: user request failed: %w", err)
	}

	if err := classifyResponse(res, &apiErr); err != nil {
		return nil, err
	}
	return &user, nil
}

// ListTorrents enumerates the account's torrents. limit is clamped to the
// upstream pagination ceiling; page is 1-indexed.
func (c *Client) ListTorrents(ctx context.Context, accessToken string, page, limit int) ([]Torrent, error) {
	if accessToken == "" {
		return nil, ErrNoToken
	}

	var torrents []Torrent
	var apiErr apiError
	res, err := c.client.R().
		SetContext(ctx).
		SetBearerAuthToken(accessToken).
		SetQueryParam("page", strconv.Itoa(page)).
		SetQueryParam("limit", strconv.Itoa(clampPageLimit(limit))).
		SetSuccessResult(&torrents).
		SetErrorResult(&apiErr).
		Get(torrentsEndpoint)
	if err != nil {
		return nil, fmt.Errorf("debrid: torrents request failed: %w", err)
	}

	// The upstream answers 204 when the page is empty
	if res.StatusCode == http.StatusNoContent {
		return nil, nil
	}
	if err := classifyResponse(res, &apiErr); err != nil {
		return nil, err
	}
	return torrents, nil
}

// ListDownloads enumerates the account's unrestricted downloads.
func (c *Client) ListDownloads(ctx context.Context, accessToken string, page, limit int) ([]Download, error) {
	if accessToken == "" {
		return nil, ErrNoToken
	}

	var downloads []Download
	var apiErr apiError
	res, err := c.client.R().
		SetContext(ctx).
		SetBearerAuthToken(accessToken).
		SetQueryParam("page", strconv.Itoa(page)).
		SetQueryParam("limit", strconv.Itoa(clampPageLimit(limit))).
		SetSuccessResult(&downloads).
		SetErrorResult(&apiErr).
		Get(downloadsEndpoint)
	if err != nil {
		return nil, fmt.Errorf("debrid: downloads request failed: %w", err)
	}

	if res.StatusCode == http.StatusNoContent {
		return nil, nil
	}
	if err := classifyResponse(res, &apiErr); err != nil {
		return nil, err
	}
	return downloads, nil
}

func classifyResponse(res *req.Response, apiErr *apiError) error {
	if res.IsSuccessState() {
		return nil
	}

	switch res.StatusCode {
	case http.StatusUnauthorized:
		return ErrTokenInvalid
	case http.StatusTooManyRequests:
		return ErrRateLimited
	default:
		msg := apiErr.Error
		if msg == "" {
			msg = res.Status
		}
		return &APIError{
			StatusCode: res.StatusCode,
			Code:       apiErr.ErrorCode,
			Message:    msg,
		}
	}
}

func clampPageLimit(limit int) int {
	if limit < 1 {
		return 1
	}
	if limit > 100 {
		return 100
	}
	return limit
}
