package debrid

import (
	"context"
	"fmt"
	"net/http"
)

// ExchangeCode trades an authorization code for tokens at the upstream
// OAuth2 token endpoint.
func (c *Client) ExchangeCode(ctx context.Context, code, redirectURI string) (*TokenResponse, error) {
	return c.tokenRequest(ctx, map[string]string{
		"grant_type":    "authorization_code",
		"code":          code,
		"redirect_uri":  redirectURI,
		"client_id":     c.cfg.ClientID,
		"client_secret": c.cfg.ClientSecret,
	})
}

// RefreshToken exchanges a refresh token for a fresh access token. When the
// upstream omits a new refresh token, the prior one is carried forward so
// callers can always persist the full pair.
func (c *Client) RefreshToken(ctx context.Context, refreshToken string) (*TokenResponse, error) {
	if refreshToken == "" {
		return nil, ErrNoToken
	}

	resp, err := c.tokenRequest(ctx, map[string]string{
		"grant_type":    "refresh_token",
		"refresh_token": refreshToken,
		"client_id":     c.cfg.ClientID,
		"client_secret": c.cfg.ClientSecret,
	})
	if err != nil {
		return nil, err
	}

	if resp.RefreshToken == "" {
		resp.RefreshToken = refreshToken
	}
	return resp, nil
}

func (c *Client) tokenRequest(ctx context.Context, form map[string]string) (*TokenResponse, error) {
	var token TokenResponse
	var apiErr apiError
	res, err := c.oauth.R().
		SetContext(ctx).
		SetFormData(form).
		SetSuccessResult(&token).
		SetErrorResult(&apiErr).
		Post(c.cfg.OAuthTokenURL)
	if err != nil {
		return nil, fmt.Errorf("debrid: token request failed: %w", err)
	}

	if !res.IsSuccessState() {
		if res.StatusCode == http.StatusUnauthorized || res.StatusCode == http.StatusBadRequest {
			return nil, ErrTokenInvalid
		}
		msg := apiErr.Error
		if msg == "" {
			msg = res.Status
		}
		return nil, &APIError{StatusCode: res.StatusCode, Code: apiErr.ErrorCode, Message: msg}
	}

	return &token, nil
}
