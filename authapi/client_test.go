package authapi

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	retry "github.com/appleboy/go-httpretry"
	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/go-authgate/session-guard/tokenstore"
)

// plainDoer sends requests once, without retries.
type plainDoer struct{ c *http.Client }

func (d plainDoer) DoWithContext(ctx context.Context, req *http.Request) (*http.Response, error) {
	return d.c.Do(req.WithContext(ctx))
}

func newTestClient(t *testing.T, r *mux.Router) *Client {
	t.Helper()
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return New(srv.URL+"/api/v1", plainDoer{c: srv.Client()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func TestLogin(t *testing.T) {
	r := mux.NewRouter()
	r.HandleFunc("/api/v1/auth/login", func(w http.ResponseWriter, req *http.Request) {
		require.NoError(t, req.ParseForm())
		if req.FormValue("username") != "ada@example.com" || req.FormValue("password") != "s3cret" {
			writeJSON(w, http.StatusUnauthorized, map[string]any{"detail": "Incorrect email or password"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"access_token":  "login-access-token",
			"refresh_token": "login-refresh-token",
			"token_type":    "bearer",
			"expires_in":    1800,
			"user":          map[string]any{"id": "u-1", "email": "ada@example.com", "role": "user"},
		})
	}).Methods(http.MethodPost)
	c := newTestClient(t, r)

	res, err := c.Login(context.Background(), "ada@example.com", "s3cret")
	require.NoError(t, err)
	require.Equal(t, "login-access-token", res.Token.AccessToken)
	require.Equal(t, "login-refresh-token", res.Token.RefreshToken)
	require.Equal(t, "Bearer", res.Token.TokenType)
	require.WithinDuration(t, time.Now().Add(30*time.Minute), res.Token.ExpiresAt, 5*time.Second)
	require.Equal(t, "ada@example.com", res.User.Email)

	_, err = c.Login(context.Background(), "ada@example.com", "wrong")
	require.ErrorIs(t, err, ErrInvalidGrant)
	require.Contains(t, err.Error(), "Incorrect email or password")
}

func TestRefresh_RotationModes(t *testing.T) {
	tests := []struct {
		name                 string
		responseRefreshToken string
		expectedRefreshToken string
	}{
		{
			name:                 "rotation mode - server returns new refresh token",
			responseRefreshToken: "new-refresh-token",
			expectedRefreshToken: "new-refresh-token",
		},
		{
			name:                 "fixed mode - server omits refresh token",
			responseRefreshToken: "",
			expectedRefreshToken: "old-refresh-token",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := mux.NewRouter()
			r.HandleFunc("/api/v1/auth/refresh", func(w http.ResponseWriter, req *http.Request) {
				var body struct {
					RefreshToken string `json:"refresh_token"`
				}
				require.NoError(t, json.NewDecoder(req.Body).Decode(&body))
				require.Equal(t, "old-refresh-token", body.RefreshToken)

				resp := map[string]any{
					"access_token": "new-access-token",
					"token_type":   "bearer",
					"expires_in":   3600,
				}
				if tt.responseRefreshToken != "" {
					resp["refresh_token"] = tt.responseRefreshToken
				}
				writeJSON(w, http.StatusOK, resp)
			}).Methods(http.MethodPost)
			c := newTestClient(t, r)

			tok, err := c.Refresh(context.Background(), "old-refresh-token")
			require.NoError(t, err)
			require.Equal(t, "new-access-token", tok.AccessToken)
			require.Equal(t, tt.expectedRefreshToken, tok.RefreshToken)
		})
	}
}

func TestRefresh_ErrorClassification(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   any
		want   error
	}{
		{"revoked refresh token", http.StatusUnauthorized, map[string]any{"detail": "Invalid or expired refresh token"}, ErrInvalidGrant},
		{"oauth invalid_grant", http.StatusBadRequest, map[string]any{"error": "invalid_grant"}, ErrInvalidGrant},
		{"forbidden", http.StatusForbidden, map[string]any{"detail": "revoked"}, ErrInvalidGrant},
		{"server error", http.StatusInternalServerError, map[string]any{"detail": "boom"}, ErrUnavailable},
		{"bad gateway", http.StatusBadGateway, "upstream down", ErrUnavailable},
		{"rate limited", http.StatusTooManyRequests, map[string]any{"detail": "slow down"}, ErrUnavailable},
		{"malformed success", http.StatusOK, map[string]any{"access_token": "short"}, ErrUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := mux.NewRouter()
			r.HandleFunc("/api/v1/auth/refresh", func(w http.ResponseWriter, _ *http.Request) {
				writeJSON(w, tt.status, tt.body)
			})
			c := newTestClient(t, r)

			_, err := c.Refresh(context.Background(), "refresh-token")
			require.ErrorIs(t, err, tt.want)
			other := ErrUnavailable
			if tt.want == ErrUnavailable {
				other = ErrInvalidGrant
			}
			require.False(t, errors.Is(err, other), "error must not be both rejected and unavailable")
		})
	}
}

func TestRefresh_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c := New(url, plainDoer{c: http.DefaultClient})
	_, err := c.Refresh(context.Background(), "refresh-token")
	require.ErrorIs(t, err, ErrUnavailable)
}

func TestRefresh_RetrieveErrorExposed(t *testing.T) {
	r := mux.NewRouter()
	r.HandleFunc("/api/v1/auth/refresh", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"error":             "invalid_grant",
			"error_description": "refresh token revoked",
		})
	})
	c := newTestClient(t, r)

	_, err := c.Refresh(context.Background(), "refresh-token")
	var retrieveErr *oauth2.RetrieveError
	require.ErrorAs(t, err, &retrieveErr)
	require.Equal(t, "invalid_grant", retrieveErr.ErrorCode)
	require.Equal(t, "refresh token revoked", retrieveErr.ErrorDescription)
}

func TestRefresh_ExpiryFromJWT(t *testing.T) {
	exp := time.Now().Add(15 * time.Minute).Truncate(time.Second)
	access, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "u-1",
		"exp": exp.Unix(),
	}).SignedString([]byte("test-secret"))
	require.NoError(t, err)

	r := mux.NewRouter()
	r.HandleFunc("/api/v1/auth/refresh", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"access_token":  access,
			"refresh_token": "next-refresh-token",
		})
	})
	c := newTestClient(t, r)

	tok, err := c.Refresh(context.Background(), "refresh-token")
	require.NoError(t, err)
	require.True(t, exp.Equal(tok.ExpiresAt), "expiry %v, want %v", tok.ExpiresAt, exp)
}

func TestLogout(t *testing.T) {
	var gotAuth atomic.Value
	r := mux.NewRouter()
	r.HandleFunc("/api/v1/auth/logout", func(w http.ResponseWriter, req *http.Request) {
		gotAuth.Store(req.Header.Get("Authorization"))
		if req.Header.Get("Authorization") == "Bearer expired-access" {
			writeJSON(w, http.StatusUnauthorized, map[string]any{"detail": "expired"})
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}).Methods(http.MethodPost)
	c := newTestClient(t, r)

	tok := &tokenstore.Token{AccessToken: "valid-access", RefreshToken: "r"}
	require.NoError(t, c.Logout(context.Background(), tok))
	require.Equal(t, "Bearer valid-access", gotAuth.Load())

	tok.AccessToken = "expired-access"
	require.NoError(t, c.Logout(context.Background(), tok), "rejected logout means already logged out")
}

func TestLogin_WithRetryClient(t *testing.T) {
	var attempts atomic.Int32
	r := mux.NewRouter()
	r.HandleFunc("/api/v1/auth/login", func(w http.ResponseWriter, _ *http.Request) {
		if attempts.Add(1) < 2 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"access_token":  "login-access-token",
			"refresh_token": "login-refresh-token",
			"token_type":    "bearer",
			"expires_in":    60,
		})
	})
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	rc, err := retry.NewClient(retry.WithHTTPClient(srv.Client()))
	require.NoError(t, err)
	c := New(srv.URL+"/api/v1/", rc)

	res, err := c.Login(context.Background(), "ada@example.com", "s3cret")
	require.NoError(t, err)
	require.Equal(t, "login-access-token", res.Token.AccessToken)
	require.EqualValues(t, 2, attempts.Load())
}

func TestValidateTokenResponse(t *testing.T) {
	tests := []struct {
		name        string
		accessToken string
		tokenType   string
		expiresIn   int
		errContains string
	}{
		{"valid token response", "valid-access-token-123456", "Bearer", 3600, ""},
		{"lowercase bearer", "valid-access-token-123456", "bearer", 3600, ""},
		{"empty type is optional", "valid-access-token-123456", "", 3600, ""},
		{"missing expires_in", "valid-access-token-123456", "Bearer", 0, ""},
		{"empty access token", "", "Bearer", 3600, "access_token is empty"},
		{"access token too short", "short", "Bearer", 3600, "access_token is too short"},
		{"negative expires_in", "valid-access-token-123456", "Bearer", -1, "expires_in must not be negative"},
		{"invalid token type", "valid-access-token-123456", "Basic", 3600, "unexpected token_type"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateTokenResponse(tt.accessToken, tt.tokenType, tt.expiresIn)
			if tt.errContains == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			require.True(t, strings.Contains(err.Error(), tt.errContains), err.Error())
		})
	}
}

func TestIsAuthPath(t *testing.T) {
	c := New("https://api.example.com/api/v1", nil)
	require.True(t, c.IsAuthPath("/api/v1/auth/login"))
	require.True(t, c.IsAuthPath("/api/v1/auth/refresh"))
	require.True(t, c.IsAuthPath("/api/v1/auth/logout"))
	require.False(t, c.IsAuthPath("/api/v1/auth/me"))
	require.False(t, c.IsAuthPath("/api/v1/funds/watchlist"))
}
