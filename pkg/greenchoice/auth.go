package greenchoice

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/greenmeter/greenmeter/pkg/log"
)

// refreshSession runs the interactive login handshake and leaves a valid
// portal session in the client's cookie jar. The portal has no token API;
// authentication is a browser-style OAuth/OIDC dance ending in a form post
// back to the portal.
//
// Callers must hold c.mu.
func (c *Client) refreshSession(ctx context.Context) error {
	log.Ctx(ctx).InfoContext(ctx, "activating portal session")

	// a fresh jar discards whatever is left of the old session
	jar, err := cookiejar.New(nil)
	if err != nil {
		return err
	}
	c.http.Jar = jar

	token, err := c.antiforgeryToken(ctx)
	if err != nil {
		return err
	}
	returnURL, err := c.loginReturnURL(ctx)
	if err != nil {
		return err
	}
	redirectURI, err := c.login(ctx, token, returnURL)
	if err != nil {
		return err
	}
	params, err := c.oidcParams(ctx, redirectURI)
	if err != nil {
		return err
	}
	if err := c.completeSignin(ctx, params); err != nil {
		return err
	}
	log.Ctx(ctx).DebugContext(ctx, "portal session active")
	return nil
}

// antiforgeryToken fetches the CSRF token the login endpoint demands. The
// matching cookie lands in the jar as a side effect.
func (c *Client) antiforgeryToken(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.ssoURL+"/api/antiforgery", nil)
	if err != nil {
		return "", err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return "", &LoginError{Reason: "antiforgery token request failed", Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", &LoginError{Reason: fmt.Sprintf("antiforgery token request returned status %d", resp.StatusCode)}
	}
	var payload struct {
		RequestToken string `json:"requestToken"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", &LoginError{Reason: "malformed antiforgery response", Err: err}
	}
	if payload.RequestToken == "" {
		return "", &LoginError{Reason: "antiforgery response is missing requestToken"}
	}
	return payload.RequestToken, nil
}

// loginReturnURL opens the portal landing page and harvests the ReturnUrl
// query parameter from wherever the redirect chain ends up. Newer portal
// versions omit it; that is fine and yields an empty string.
func (c *Client) loginReturnURL(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL, nil)
	if err != nil {
		return "", err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return "", &LoginError{Reason: "login page request failed", Err: err}
	}
	drain(resp)
	return resp.Request.URL.Query().Get("ReturnUrl"), nil
}

type loginRequest struct {
	Username   string `json:"username"`
	Password   string `json:"password"`
	ReturnURL  string `json:"returnUrl"`
	RememberMe bool   `json:"rememberMe"`
}

// login posts the credentials to the SSO service and returns the OAuth
// redirect URI to follow next.
func (c *Client) login(ctx context.Context, antiforgeryToken, returnURL string) (string, error) {
	body, err := json.Marshal(loginRequest{
		Username:   c.creds.Username,
		Password:   c.creds.Password,
		ReturnURL:  returnURL,
		RememberMe: true,
	})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.ssoURL+"/api/login", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Origin", c.ssoURL)
	req.Header.Set("requestverificationtoken", antiforgeryToken)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", &LoginError{Reason: "login request failed", Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", &LoginError{Reason: fmt.Sprintf("login returned status %d", resp.StatusCode)}
	}

	var payload struct {
		RedirectURI              string          `json:"redirectUri"`
		ValidationProblemDetails json.RawMessage `json:"validationProblemDetails"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", &LoginError{Reason: "malformed login response", Err: err}
	}
	if details := string(payload.ValidationProblemDetails); details != "" && details != "null" {
		return "", &LoginError{Reason: "validation failed: " + details}
	}
	if payload.RedirectURI == "" {
		return "", &LoginError{Reason: "no redirect URI received from login"}
	}
	return payload.RedirectURI, nil
}

// oidcParams follows the OAuth redirect and scrapes the hidden form fields
// out of the auto-submitting callback page. When the credentials were wrong
// the SSO service re-renders the login form instead, which has none of these
// fields.
func (c *Client) oidcParams(ctx context.Context, redirectURI string) (url.Values, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.ssoURL+redirectURI, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &LoginError{Reason: "oauth redirect request failed", Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, &LoginError{Reason: fmt.Sprintf("oauth redirect returned status %d", resp.StatusCode)}
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return nil, &LoginError{Reason: "unparseable oauth callback page", Err: err}
	}
	params := url.Values{}
	for _, name := range []string{"code", "scope", "state", "session_state"} {
		value, ok := doc.Find(fmt.Sprintf("input[name=%q]", name)).Attr("value")
		if !ok {
			return nil, &LoginError{Reason: "login failed, check your credentials"}
		}
		params.Set(name, value)
	}
	return params, nil
}

// completeSignin posts the scraped OIDC parameters back to the portal, which
// answers with the session cookies everything else rides on.
func (c *Client) completeSignin(ctx context.Context, params url.Values) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/signin-oidc",
		strings.NewReader(params.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.http.Do(req)
	if err != nil {
		return &LoginError{Reason: "oidc callback request failed", Err: err}
	}
	drain(resp)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &LoginError{Reason: fmt.Sprintf("oidc callback returned status %d", resp.StatusCode)}
	}
	return nil
}

// sessionExpired infers session invalidity from side channels. The portal
// never answers 401: an expired session either bounces the request through
// the SSO authorize endpoint, or (on some API generations) answers 403. A
// 404 means "no data" and is never an auth signal.
func (c *Client) sessionExpired(resp *http.Response) bool {
	ssoHost := hostOf(c.ssoURL)
	for prev := resp.Request.Response; prev != nil; prev = prev.Request.Response {
		if prev.StatusCode != http.StatusFound {
			continue
		}
		loc, err := url.Parse(prev.Header.Get("Location"))
		if err != nil || loc.String() == "" {
			continue
		}
		target := prev.Request.URL.ResolveReference(loc)
		if strings.EqualFold(target.Host, ssoHost) && strings.HasPrefix(target.Path, "/connect/authorize") {
			return true
		}
	}
	return resp.StatusCode == http.StatusForbidden
}

func hostOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return u.Host
}
