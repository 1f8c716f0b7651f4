package session

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptrace"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"github.com/go-authgate/session-guard/authapi"
	"github.com/go-authgate/session-guard/tokenstore"
)

// Client sends authenticated requests and recovers the session when the
// backend answers 401.
type Client struct {
	doer       authapi.Doer
	store      tokenstore.Store
	coord      *Coordinator
	isAuthPath func(path string) bool
	skew       time.Duration
	clock      clockwork.Clock
	log        logrus.FieldLogger
}

type sendOptions struct {
	recover bool
}

// SendOption customizes a single Send.
type SendOption func(*sendOptions)

// WithoutRecovery returns a 401 to the caller instead of recovering the
// session.
func WithoutRecovery() SendOption {
	return func(o *sendOptions) { o.recover = false }
}

// Send attaches the current access token to req and sends it. A 401 on a
// request that carried a token triggers session recovery followed by exactly
// one replay. All other responses are returned untouched.
func (c *Client) Send(ctx context.Context, req *http.Request, opts ...SendOption) (*http.Response, error) {
	o := sendOptions{recover: true}
	for _, opt := range opts {
		opt(&o)
	}

	if err := bufferBody(req); err != nil {
		return nil, err
	}

	tok, err := c.store.Get(ctx)
	if err != nil {
		return nil, err
	}

	eligible := o.recover && !c.isAuthPath(req.URL.Path)
	if eligible && tok != nil && tok.RefreshToken != "" && tok.ExpiresWithin(c.skew, c.clock.Now()) {
		fresh, err := c.coord.Recover(ctx, tok.AccessToken)
		switch {
		case err == nil:
			tok = fresh
		case errors.Is(err, ErrNetworkUnavailable):
			c.log.WithError(err).Debug("Proactive refresh failed, sending with current token")
		default:
			return nil, err
		}
	}

	resp, err := c.send(ctx, req, tok)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusUnauthorized || !eligible || tok == nil {
		return resp, nil
	}
	discard(resp)

	c.log.WithField("path", req.URL.Path).Debug("Access token rejected, recovering session")
	fresh, release, err := c.coord.recover(ctx, tok.AccessToken)
	if err != nil {
		return nil, err
	}
	defer release()

	// The next queued caller is let go once this replay's headers are out.
	replayCtx := httptrace.WithClientTrace(ctx, &httptrace.ClientTrace{WroteHeaders: release})
	resp, err = c.send(replayCtx, req, fresh)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusUnauthorized {
		discard(resp)
		return nil, fmt.Errorf("%w: %s %s rejected after session recovery", ErrUnauthorized, req.Method, req.URL.Path)
	}
	return resp, nil
}

// Transport adapts the client to an http.RoundTripper. The underlying doer
// must not itself use this transport.
func (c *Client) Transport() http.RoundTripper {
	return roundTripper{c: c}
}

type roundTripper struct{ c *Client }

func (rt roundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	return rt.c.Send(req.Context(), req)
}

func (c *Client) send(ctx context.Context, req *http.Request, tok *tokenstore.Token) (*http.Response, error) {
	r := req.Clone(ctx)
	if req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return nil, fmt.Errorf("failed to rewind request body: %w", err)
		}
		r.Body = body
	}
	if tok != nil && tok.AccessToken != "" {
		r.Header.Set("Authorization", "Bearer "+tok.AccessToken)
	}

	resp, err := c.doer.DoWithContext(ctx, r)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %w", ErrNetworkUnavailable, err)
	}
	return resp, nil
}

// bufferBody makes the body replayable.
func bufferBody(req *http.Request) error {
	if req.Body == nil || req.Body == http.NoBody || req.GetBody != nil {
		return nil
	}
	b, err := io.ReadAll(req.Body)
	req.Body.Close()
	if err != nil {
		return fmt.Errorf("failed to read request body: %w", err)
	}
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(b)), nil
	}
	req.Body, _ = req.GetBody()
	return nil
}

func discard(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<16))
	resp.Body.Close()
}
