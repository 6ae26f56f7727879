package common

import (
	"net/http"
	"net/http/cookiejar"
	"time"
)

// Version is the release version reported in the User-Agent header.
const Version = "0.3.0"

type userAgentTransport struct {
	transport http.RoundTripper
	userAgent string
}

func (t *userAgentTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	// Clone the request to avoid modifying the original request's headers
	// which might be shared or reused
	req = req.Clone(req.Context())
	req.Header.Set("User-Agent", t.userAgent)
	return t.transport.RoundTrip(req)
}

// HTTPClient returns a default http client with a default user-agent set
func HTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Transport: &userAgentTransport{
			transport: http.DefaultTransport,
			userAgent: "Greenmeter/" + Version,
		},
		Timeout: timeout,
	}
}

// SessionClient returns an http client carrying a cookie jar, for upstreams
// whose authentication lives in browser-style session cookies.
func SessionClient(timeout time.Duration) *http.Client {
	c := HTTPClient(timeout)
	jar, err := cookiejar.New(nil)
	if err != nil {
		// cookiejar.New cannot fail with nil options
		panic(err)
	}
	c.Jar = jar
	return c
}
