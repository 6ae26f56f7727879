package common

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPClient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userAgent := r.Header.Get("User-Agent")
		assert.Equal(t, "Greenmeter/"+Version, userAgent, "User-Agent should match expected format")
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	timeout := 5 * time.Second
	client := HTTPClient(timeout)

	assert.Equal(t, timeout, client.Timeout, "Timeout should be set correctly")
	assert.NotNil(t, client.Transport, "Transport should not be nil")

	req, err := http.NewRequest("GET", server.URL, nil)
	require.NoError(t, err)

	resp, err := client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestSessionClient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/set" {
			http.SetCookie(w, &http.Cookie{Name: "session", Value: "abc"})
			return
		}
		c, err := r.Cookie("session")
		require.NoError(t, err, "cookie should be replayed on the next request")
		assert.Equal(t, "abc", c.Value)
	}))
	defer server.Close()

	client := SessionClient(5 * time.Second)
	require.NotNil(t, client.Jar, "session client must carry a cookie jar")

	resp, err := client.Get(server.URL + "/set")
	require.NoError(t, err)
	resp.Body.Close()

	resp, err = client.Get(server.URL + "/get")
	require.NoError(t, err)
	resp.Body.Close()
}
