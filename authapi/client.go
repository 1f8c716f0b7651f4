// Package authapi talks to the remote authentication service: login,
// refresh and logout.
package authapi

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	jsoniter "github.com/json-iterator/go"
	"github.com/tidwall/gjson"
	"golang.org/x/oauth2"

	"github.com/go-authgate/session-guard/tokenstore"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Endpoint paths relative to the API base URL.
const (
	LoginPath   = "/auth/login"
	RefreshPath = "/auth/refresh"
	LogoutPath  = "/auth/logout"
)

// Timeout configuration for different operations
const (
	loginTimeout   = 10 * time.Second
	refreshTimeout = 10 * time.Second
	logoutTimeout  = 5 * time.Second
)

var (
	// ErrInvalidGrant means the backend rejected the refresh token or the
	// credentials as invalid, expired or revoked.
	ErrInvalidGrant = errors.New("credentials rejected")

	// ErrUnavailable means the backend could not be reached or answered with
	// a transient failure; the credentials may still be good.
	ErrUnavailable = errors.New("authentication service unavailable")
)

// Doer sends HTTP requests; *retry.Client from go-httpretry satisfies it.
type Doer interface {
	DoWithContext(ctx context.Context, req *http.Request) (*http.Response, error)
}

// User is the minimal profile returned on login.
type User struct {
	ID       string `json:"id"`
	Email    string `json:"email"`
	FullName string `json:"full_name"`
	Role     string `json:"role"`
}

// LoginResult is a successful login: the token pair and the user profile.
type LoginResult struct {
	Token *tokenstore.Token
	User  User
}

// Client is the backend contract client.
type Client struct {
	baseURL string
	doer    Doer
	now     func() time.Time
}

// New creates a client for the API rooted at baseURL (e.g. https://host/api/v1).
func New(baseURL string, doer Doer) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		doer:    doer,
		now:     time.Now,
	}
}

// IsAuthPath reports whether path is one of the auth endpoints, which never
// trigger recovery themselves.
func (c *Client) IsAuthPath(path string) bool {
	base := ""
	if u, err := url.Parse(c.baseURL); err == nil {
		base = u.Path
	}
	switch strings.TrimPrefix(path, base) {
	case LoginPath, RefreshPath, LogoutPath:
		return true
	}
	return false
}

// Login exchanges an identifier and secret for a token pair.
func (c *Client) Login(ctx context.Context, identifier, secret string) (*LoginResult, error) {
	reqCtx, cancel := context.WithTimeout(ctx, loginTimeout)
	defer cancel()

	data := url.Values{}
	data.Set("username", identifier)
	data.Set("password", secret)

	req, err := http.NewRequestWithContext(
		reqCtx,
		http.MethodPost,
		c.baseURL+LoginPath,
		strings.NewReader(data.Encode()),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create login request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	body, err := c.do(reqCtx, req)
	if err != nil {
		return nil, fmt.Errorf("login failed: %w", err)
	}

	var resp struct {
		tokenResponse
		User User `json:"user"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("%w: failed to parse login response: %v", ErrUnavailable, err)
	}
	tok, err := c.toToken(resp.tokenResponse, "")
	if err != nil {
		return nil, fmt.Errorf("invalid login response: %w", err)
	}
	return &LoginResult{Token: tok, User: resp.User}, nil
}

// Refresh mints a new token pair from refreshToken. Rejections wrap
// ErrInvalidGrant; everything else that prevents a definitive answer wraps
// ErrUnavailable.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (*tokenstore.Token, error) {
	reqCtx, cancel := context.WithTimeout(ctx, refreshTimeout)
	defer cancel()

	payload, err := json.Marshal(map[string]string{"refresh_token": refreshToken})
	if err != nil {
		return nil, fmt.Errorf("failed to encode refresh request: %w", err)
	}

	req, err := http.NewRequestWithContext(
		reqCtx,
		http.MethodPost,
		c.baseURL+RefreshPath,
		bytes.NewReader(payload),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create refresh request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	body, err := c.do(reqCtx, req)
	if err != nil {
		return nil, fmt.Errorf("refresh failed: %w", err)
	}

	var resp tokenResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("%w: failed to parse refresh response: %v", ErrUnavailable, err)
	}
	tok, err := c.toToken(resp, refreshToken)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid refresh response: %v", ErrUnavailable, err)
	}
	return tok, nil
}

// Logout tells the backend the session is over. Callers treat it as
// best-effort.
func (c *Client) Logout(ctx context.Context, tok *tokenstore.Token) error {
	reqCtx, cancel := context.WithTimeout(ctx, logoutTimeout)
	defer cancel()

	var payload []byte
	if tok.RefreshToken != "" {
		payload, _ = json.Marshal(map[string]string{"refresh_token": tok.RefreshToken})
	}

	req, err := http.NewRequestWithContext(
		reqCtx, http.MethodPost, c.baseURL+LogoutPath, bytes.NewReader(payload),
	)
	if err != nil {
		return fmt.Errorf("failed to create logout request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if tok.AccessToken != "" {
		req.Header.Set("Authorization", "Bearer "+tok.AccessToken)
	}

	if _, err := c.do(reqCtx, req); err != nil {
		// an already-expired session is as logged out as it gets
		if errors.Is(err, ErrInvalidGrant) {
			return nil
		}
		return fmt.Errorf("logout failed: %w", err)
	}
	return nil
}

// do sends req and returns the body of a 2xx response, classifying every
// other outcome as ErrInvalidGrant or ErrUnavailable.
func (c *Client) do(ctx context.Context, req *http.Request) ([]byte, error) {
	resp, err := c.doer.DoWithContext(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read response: %w", ErrUnavailable, err)
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return body, nil
	}

	retrieveErr := &oauth2.RetrieveError{
		Response:         resp,
		Body:             body,
		ErrorCode:        gjson.GetBytes(body, "error").String(),
		ErrorDescription: describe(body),
	}
	if isRejection(resp.StatusCode, retrieveErr.ErrorCode) {
		return nil, fmt.Errorf("%w: %w", ErrInvalidGrant, retrieveErr)
	}
	return nil, fmt.Errorf("%w: %w", ErrUnavailable, retrieveErr)
}

// isRejection separates "the credentials are bad" from "try again later".
// Only 408, 429 and 5xx are transient; every other non-2xx is a definitive
// answer from the backend.
func isRejection(status int, code string) bool {
	switch code {
	case "invalid_grant", "invalid_token", "invalid_client", "unauthorized_client":
		return true
	}
	switch {
	case status == http.StatusRequestTimeout, status == http.StatusTooManyRequests:
		return false
	case status >= 500:
		return false
	}
	return status >= 400
}

// describe pulls a human readable message out of either an OAuth style
// error body or a FastAPI style {"detail": ...} body.
func describe(body []byte) string {
	if !gjson.ValidBytes(body) {
		return strings.TrimSpace(string(body))
	}
	if d := gjson.GetBytes(body, "error_description"); d.Exists() {
		return d.String()
	}
	if d := gjson.GetBytes(body, "detail"); d.Exists() {
		if d.IsArray() {
			return d.Get("0.msg").String()
		}
		return d.String()
	}
	return ""
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
}

// toToken validates a token response. previousRefresh is kept when the
// backend does not rotate refresh tokens.
func (c *Client) toToken(r tokenResponse, previousRefresh string) (*tokenstore.Token, error) {
	if err := validateTokenResponse(r.AccessToken, r.TokenType, r.ExpiresIn); err != nil {
		return nil, err
	}

	refresh := r.RefreshToken
	if refresh == "" {
		refresh = previousRefresh
	}
	if refresh == "" {
		return nil, errors.New("refresh_token is empty")
	}

	expiry := c.now().Add(time.Duration(r.ExpiresIn) * time.Second)
	if r.ExpiresIn == 0 {
		exp, err := accessTokenExpiry(r.AccessToken)
		if err != nil {
			return nil, fmt.Errorf("expires_in missing and access token carries no expiry: %w", err)
		}
		expiry = exp
	}

	return tokenstore.FromOAuth2(&oauth2.Token{
		AccessToken:  r.AccessToken,
		RefreshToken: refresh,
		TokenType:    r.TokenType,
		Expiry:       expiry,
	}), nil
}

// validateTokenResponse validates the token response. A zero expires_in is
// allowed; the expiry then comes from the access token itself.
func validateTokenResponse(accessToken, tokenType string, expiresIn int) error {
	if accessToken == "" {
		return errors.New("access_token is empty")
	}

	if len(accessToken) < 10 {
		return fmt.Errorf("access_token is too short (length: %d)", len(accessToken))
	}

	if expiresIn < 0 {
		return fmt.Errorf("expires_in must not be negative, got: %d", expiresIn)
	}

	// Token type is optional, but if present, should be "Bearer"
	if tokenType != "" && !strings.EqualFold(tokenType, "Bearer") {
		return fmt.Errorf("unexpected token_type: %s (expected Bearer)", tokenType)
	}

	return nil
}

// accessTokenExpiry reads the exp claim of a JWT access token. The signature
// is not checked: the client only needs a refresh hint, the backend remains
// the authority on validity.
func accessTokenExpiry(accessToken string) (time.Time, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(accessToken, claims); err != nil {
		return time.Time{}, err
	}
	exp, err := claims.GetExpirationTime()
	if err != nil {
		return time.Time{}, err
	}
	if exp == nil {
		return time.Time{}, errors.New("no exp claim")
	}
	return exp.Time, nil
}
