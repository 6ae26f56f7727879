package greenchoice

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// authPortal is a fixture portal whose data endpoint refuses to answer until
// the login handshake has completed.
type authPortal struct {
	t          *testing.T
	authed     bool
	denyMode   string // "redirect" or "forbidden"
	alwaysDeny bool
	dataCalls  int
	logins     int
}

func (p *authPortal) server() *httptest.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/antiforgery", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"requestToken": "tok-123"})
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		fmt.Fprint(w, "<html>home</html>")
	})
	mux.HandleFunc("/api/login", func(w http.ResponseWriter, r *http.Request) {
		p.logins++
		json.NewEncoder(w).Encode(map[string]string{"redirectUri": "/connect/authorize/callback"})
	})
	mux.HandleFunc("/connect/authorize/callback", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, callbackPage)
	})
	mux.HandleFunc("/connect/authorize", func(w http.ResponseWriter, r *http.Request) {
		// where the portal parks unauthenticated browsers
		fmt.Fprint(w, "<html>please sign in</html>")
	})
	mux.HandleFunc("/signin-oidc", func(w http.ResponseWriter, r *http.Request) {
		p.authed = true
	})
	mux.HandleFunc("/api/v2/Preferences/", func(w http.ResponseWriter, r *http.Request) {
		p.dataCalls++
		if !p.authed || p.alwaysDeny {
			switch p.denyMode {
			case "forbidden":
				w.WriteHeader(http.StatusForbidden)
			default:
				http.Redirect(w, r, "/connect/authorize?client_id=portal", http.StatusFound)
			}
			return
		}
		fmt.Fprint(w, `{"subject": {"customerNumber": 2222, "agreementId": 1111}}`)
	})
	return httptest.NewServer(mux)
}

func TestRequestReauthentication(t *testing.T) {
	t.Run("RedirectToAuthorizeTriggersLogin", func(t *testing.T) {
		p := &authPortal{t: t, denyMode: "redirect"}
		ts := p.server()
		defer ts.Close()

		c := newTestClient(t, ts)
		res, err := c.request(context.Background(), http.MethodGet, "/api/v2/Preferences/", nil)
		require.NoError(t, err)
		assert.False(t, res.Empty)
		assert.Contains(t, string(res.Data), "2222")
		assert.Equal(t, 1, p.logins, "exactly one handshake")
		assert.Equal(t, 2, p.dataCalls, "exactly one retried request")
	})

	t.Run("ForbiddenTriggersLogin", func(t *testing.T) {
		p := &authPortal{t: t, denyMode: "forbidden"}
		ts := p.server()
		defer ts.Close()

		c := newTestClient(t, ts)
		res, err := c.request(context.Background(), http.MethodGet, "/api/v2/Preferences/", nil)
		require.NoError(t, err)
		assert.Contains(t, string(res.Data), "2222")
		assert.Equal(t, 1, p.logins)
		assert.Equal(t, 2, p.dataCalls)
	})

	t.Run("SecondExpiryFails", func(t *testing.T) {
		p := &authPortal{t: t, denyMode: "forbidden", alwaysDeny: true}
		ts := p.server()
		defer ts.Close()

		c := newTestClient(t, ts)
		_, err := c.request(context.Background(), http.MethodGet, "/api/v2/Preferences/", nil)
		var apiErr *APIError
		require.ErrorAs(t, err, &apiErr)
		assert.Equal(t, 1, p.logins, "reauthentication is single-shot per call")
	})

	t.Run("LoginFailurePropagates", func(t *testing.T) {
		mux := http.NewServeMux()
		mux.HandleFunc("/api/antiforgery", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		})
		mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusForbidden)
		})
		ts := httptest.NewServer(mux)
		defer ts.Close()

		c := newTestClient(t, ts)
		_, err := c.request(context.Background(), http.MethodGet, "/api/v2/anything", nil)
		var loginErr *LoginError
		require.ErrorAs(t, err, &loginErr)
	})
}

func TestRequestStatusHandling(t *testing.T) {
	t.Run("NotFoundIsEmptyNotExpiry", func(t *testing.T) {
		var logins int
		mux := http.NewServeMux()
		mux.HandleFunc("/api/login", func(w http.ResponseWriter, r *http.Request) {
			logins++
		})
		mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
			http.NotFound(w, r)
		})
		ts := httptest.NewServer(mux)
		defer ts.Close()

		c := newTestClient(t, ts)
		res, err := c.request(context.Background(), http.MethodGet, "/api/v2/customers/1/agreements/2/contracts/current", nil)
		require.NoError(t, err)
		assert.True(t, res.Empty)
		assert.Zero(t, logins, "a 404 means no data, never a stale session")
	})

	t.Run("ServerErrorIsAPIError", func(t *testing.T) {
		var calls int
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls++
			w.WriteHeader(http.StatusInternalServerError)
		}))
		defer ts.Close()

		c := newTestClient(t, ts)
		_, err := c.request(context.Background(), http.MethodGet, "/api/v2/Preferences/", nil)
		var apiErr *APIError
		require.ErrorAs(t, err, &apiErr)
		assert.Equal(t, 1, calls, "HTTP statuses never trigger transport retries")
	})
}

func TestRequestTransportRetries(t *testing.T) {
	t.Run("RecoversWithinBudget", func(t *testing.T) {
		var calls int32
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if atomic.AddInt32(&calls, 1) <= 2 {
				hj, ok := w.(http.Hijacker)
				require.True(t, ok)
				conn, _, err := hj.Hijack()
				require.NoError(t, err)
				conn.Close()
				return
			}
			fmt.Fprint(w, `{"ok": true}`)
		}))
		defer ts.Close()

		c := newTestClient(t, ts)
		res, err := c.request(context.Background(), http.MethodGet, "/api/v2/Preferences/", nil)
		require.NoError(t, err)
		assert.Contains(t, string(res.Data), "ok")
		assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
	})

	t.Run("ExhaustionIsAPIError", func(t *testing.T) {
		var calls int32
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			atomic.AddInt32(&calls, 1)
			hj, ok := w.(http.Hijacker)
			require.True(t, ok)
			conn, _, err := hj.Hijack()
			require.NoError(t, err)
			conn.Close()
		}))
		defer ts.Close()

		c := newTestClient(t, ts)
		_, err := c.request(context.Background(), http.MethodGet, "/api/v2/Preferences/", nil)
		var apiErr *APIError
		require.ErrorAs(t, err, &apiErr)
		assert.Equal(t, int32(3), atomic.LoadInt32(&calls), "two retries after the initial attempt")
	})
}
