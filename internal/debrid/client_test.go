package debrid

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/debridmm/dmm-server/internal/config"
)

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(&config.DebridConfig{
		APIBaseURL:    srv.URL,
		OAuthTokenURL: srv.URL + "/token",
		ClientID:      "test-client",
		ClientSecret:  "test-secret",
	})
}

func TestGetUser(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/user", r.URL.Path)
		assert.Equal(t, "Bearer the-token", r.Header.Get("Authorization"))
		json.NewEncoder(w).Encode(map[string]interface{}{
			"id": 7, "username": "tester", "type": "premium", "premium": 86400,
		})
	}))

	user, err := client.GetUser(context.Background(), "the-token")
	require.NoError(t, err)
	assert.Equal(t, "tester", user.Username)
	assert.True(t, user.IsPremium())

	// A free account is not premium regardless of remaining seconds.
	free := &User{Type: "free", Premium: 100}
	assert.False(t, free.IsPremium())

	_, err = client.GetUser(context.Background(), "")
	assert.ErrorIs(t, err, ErrNoToken)
}

func TestGetUser_ErrorClassification(t *testing.T) {
	tests := []struct {
		name       string
		statusCode int
		check      func(t *testing.T, err error)
	}{
		{"unauthorized", http.StatusUnauthorized, func(t *testing.T, err error) {
			assert.ErrorIs(t, err, ErrTokenInvalid)
		}},
		{"rate limited", http.StatusTooManyRequests, func(t *testing.T, err error) {
			assert.ErrorIs(t, err, ErrRateLimited)
		}},
		{"server error", http.StatusBadGateway, func(t *testing.T, err error) {
			var apiErr *APIError
			require.ErrorAs(t, err, &apiErr)
			assert.Equal(t, http.StatusBadGateway, apiErr.StatusCode)
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.statusCode)
				json.NewEncoder(w).Encode(map[string]interface{}{"error": "nope", "error_code": 9})
			}))
			_, err := client.GetUser(context.Background(), "the-token")
			require.Error(t, err)
			tt.check(t, err)
		})
	}
}

func TestListTorrents(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/torrents", r.URL.Path)
		assert.Equal(t, "3", r.URL.Query().Get("page"))
		// Oversized limits are clamped to the upstream ceiling.
		assert.Equal(t, "100", r.URL.Query().Get("limit"))
		json.NewEncoder(w).Encode([]Torrent{{ID: "t1", Filename: "movie.mkv", Bytes: 700}})
	}))

	torrents, err := client.ListTorrents(context.Background(), "the-token", 3, 5000)
	require.NoError(t, err)
	require.Len(t, torrents, 1)
	assert.Equal(t, "t1", torrents[0].ID)
}

func TestListings_EmptyPageIs204(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	torrents, err := client.ListTorrents(context.Background(), "the-token", 1, 50)
	require.NoError(t, err)
	assert.Nil(t, torrents)

	downloads, err := client.ListDownloads(context.Background(), "the-token", 1, 50)
	require.NoError(t, err)
	assert.Nil(t, downloads)
}

func TestExchangeCode(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/token", r.URL.Path)
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "authorization_code", r.Form.Get("grant_type"))
		assert.Equal(t, "the-code", r.Form.Get("code"))
		assert.Equal(t, "test-client", r.Form.Get("client_id"))
		json.NewEncoder(w).Encode(TokenResponse{
			AccessToken:  "access",
			RefreshToken: "refresh",
			TokenType:    "Bearer",
			ExpiresIn:    3600,
		})
	}))

	resp, err := client.ExchangeCode(context.Background(), "the-code", "http://localhost/cb")
	require.NoError(t, err)
	assert.Equal(t, "access", resp.AccessToken)
}

func TestRefreshToken_PreservesRefreshToken(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		json.NewEncoder(w).Encode(TokenResponse{AccessToken: "access", ExpiresIn: 3600})
	}))

	resp, err := client.RefreshToken(context.Background(), "keep-me")
	require.NoError(t, err)
	assert.Equal(t, "keep-me", resp.RefreshToken)

	_, err = client.RefreshToken(context.Background(), "")
	assert.ErrorIs(t, err, ErrNoToken)
}
