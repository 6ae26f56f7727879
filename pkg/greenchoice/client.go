package greenchoice

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/greenmeter/greenmeter/pkg/common"
	"github.com/greenmeter/greenmeter/pkg/log"
	"github.com/greenmeter/greenmeter/pkg/types"
)

// DefaultBaseURL is the production customer portal.
const DefaultBaseURL = "https://mijn.greenchoice.nl"

const (
	requestTimeout = 30 * time.Second
	// transportRetries is the number of extra attempts after a failed
	// connection. Failures here are network-level; HTTP statuses never
	// trigger a transport retry.
	transportRetries = 2
)

// Client talks to the Greenchoice customer portal by impersonating a browser
// session. All portal access is serialized: the session cookies, the lazy
// login and the customer identifiers are shared state.
type Client struct {
	mu             sync.Mutex
	http           *http.Client
	baseURL        string
	ssoURL         string
	creds          types.Credentials
	customerNumber int
	agreementID    int
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURL points the client at a different portal, mostly for tests.
func WithBaseURL(base string) Option {
	return func(c *Client) {
		c.baseURL = strings.TrimRight(base, "/")
	}
}

// WithSSOURL overrides the derived single-sign-on origin.
func WithSSOURL(sso string) Option {
	return func(c *Client) {
		c.ssoURL = strings.TrimRight(sso, "/")
	}
}

// WithIdentifiers pre-seeds the customer number and agreement ID so the
// client never has to resolve them from the preferences endpoint.
func WithIdentifiers(customerNumber, agreementID int) Option {
	return func(c *Client) {
		c.customerNumber = customerNumber
		c.agreementID = agreementID
	}
}

// WithHTTPClient swaps the underlying http client. The client must carry a
// cookie jar or the session handshake cannot stick.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		c.http = h
	}
}

// New returns a portal client. Credentials are validated eagerly; the actual
// login happens lazily on the first request that needs a session.
func New(creds types.Credentials, opts ...Option) (*Client, error) {
	if creds.Username == "" {
		return nil, &ConfigError{Field: "username"}
	}
	if creds.Password == "" {
		return nil, &ConfigError{Field: "password"}
	}
	c := &Client{
		http:    common.SessionClient(requestTimeout),
		baseURL: DefaultBaseURL,
		creds:   creds,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.ssoURL == "" {
		// the SSO service lives on a sibling subdomain of the portal
		c.ssoURL = strings.Replace(c.baseURL, "mijn.", "sso.", 1)
	}
	return c, nil
}

// Close releases idle connections held by the underlying http client.
func (c *Client) Close() {
	c.http.CloseIdleConnections()
}

func (c *Client) identifiers() (int, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.customerNumber, c.agreementID
}

func (c *Client) setIdentifiers(customerNumber, agreementID int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.customerNumber = customerNumber
	c.agreementID = agreementID
}

// apiResponse is the tagged outcome of an authenticated portal call: either
// explicitly empty (the portal answered 404, meaning "no data here") or a
// payload. Callers must check Empty before touching Data.
type apiResponse struct {
	Empty bool
	Data  json.RawMessage
}

// request performs an authenticated portal call. It transparently refreshes
// the session when the portal signals expiry, but at most once per call: a
// second expiry right after a fresh login is a real failure, not a stale
// cookie. Network-level errors are retried up to transportRetries extra
// times with no backoff.
func (c *Client) request(ctx context.Context, method, endpoint string, body any) (apiResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	log.Ctx(ctx).DebugContext(ctx, "portal request",
		slog.String("method", method),
		slog.String("endpoint", endpoint))

	var reauthed bool
	var lastErr error
	for attempt := 0; attempt <= transportRetries; attempt++ {
		resp, err := c.do(ctx, method, endpoint, body)
		if err != nil {
			lastErr = err
			log.Ctx(ctx).DebugContext(ctx, "transport error",
				slog.String("endpoint", endpoint),
				slog.Any("error", err))
			continue
		}
		if c.sessionExpired(resp) {
			drain(resp)
			if reauthed {
				return apiResponse{}, &APIError{Op: endpoint, Err: errors.New("session expired again after reauthentication")}
			}
			log.Ctx(ctx).DebugContext(ctx, "session expired, reauthenticating")
			if err := c.refreshSession(ctx); err != nil {
				return apiResponse{}, err
			}
			reauthed = true
			resp, err = c.do(ctx, method, endpoint, body)
			if err != nil {
				lastErr = err
				continue
			}
			if c.sessionExpired(resp) {
				drain(resp)
				return apiResponse{}, &APIError{Op: endpoint, Err: errors.New("session expired immediately after reauthentication")}
			}
		}
		switch {
		case resp.StatusCode == http.StatusNotFound:
			// "no data", never an auth problem
			drain(resp)
			return apiResponse{Empty: true}, nil
		case resp.StatusCode < 200 || resp.StatusCode > 299:
			drain(resp)
			return apiResponse{}, &APIError{Op: endpoint, Err: fmt.Errorf("unexpected status %d", resp.StatusCode)}
		}
		data, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			lastErr = err
			continue
		}
		return apiResponse{Data: data}, nil
	}
	return apiResponse{}, &APIError{Op: endpoint, Err: lastErr}
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any) (*http.Response, error) {
	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		rdr = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, rdr)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	return c.http.Do(req)
}

func drain(resp *http.Response) {
	io.Copy(io.Discard, resp.Body) //nolint:errcheck
	resp.Body.Close()
}
