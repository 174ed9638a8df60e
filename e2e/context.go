// Package e2e runs the feature files against a running phoenix server.
package e2e

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync/atomic"
	"time"
)

var scenarioSeq atomic.Uint32

// TestContext carries one scenario's browser session and flow state.
type TestContext struct {
	baseURL  string
	client   *http.Client
	clientIP string

	lastStatus int
	lastBody   []byte
	lastHeader http.Header

	clientID    string
	redirectURI string
	state       string
	verifier    string
	authCode    string

	accessToken  string
	refreshToken string
}

func NewTestContext(baseURL string) *TestContext {
	return &TestContext{baseURL: strings.TrimRight(baseURL, "/")}
}

// Reset starts a fresh session: new cookie jar, new PKCE pair and a client
// address of its own so login budgets do not leak between scenarios.
func (tc *TestContext) Reset() error {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return err
	}
	tc.client = &http.Client{
		Jar:     jar,
		Timeout: 10 * time.Second,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	n := scenarioSeq.Add(1)
	tc.clientIP = fmt.Sprintf("198.51.%d.%d", 100+n/254, 1+n%254)

	tc.verifier, err = randomToken(32)
	if err != nil {
		return err
	}
	tc.state, err = randomToken(16)
	if err != nil {
		return err
	}
	tc.lastStatus, tc.lastBody, tc.lastHeader = 0, nil, nil
	tc.authCode, tc.accessToken, tc.refreshToken = "", "", ""
	return nil
}

func (tc *TestContext) GET(path string, headers map[string]string) error {
	req, err := http.NewRequest(http.MethodGet, tc.baseURL+path, nil)
	if err != nil {
		return err
	}
	return tc.do(req, headers)
}

func (tc *TestContext) POST(path string, form url.Values, headers map[string]string) error {
	req, err := http.NewRequest(http.MethodPost, tc.baseURL+path, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return tc.do(req, headers)
}

func (tc *TestContext) do(req *http.Request, headers map[string]string) error {
	req.Header.Set("X-Forwarded-For", tc.clientIP)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := tc.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	tc.lastStatus = resp.StatusCode
	tc.lastBody = body
	tc.lastHeader = resp.Header
	return nil
}

func (tc *TestContext) GetLastResponseStatus() int  { return tc.lastStatus }
func (tc *TestContext) GetLastResponseBody() []byte { return tc.lastBody }

func (tc *TestContext) GetLastResponseHeader(name string) string {
	if tc.lastHeader == nil {
		return ""
	}
	return tc.lastHeader.Get(name)
}

// GetResponseField reads a top-level field of a JSON response body.
func (tc *TestContext) GetResponseField(field string) (interface{}, error) {
	var body map[string]interface{}
	if err := json.Unmarshal(tc.lastBody, &body); err != nil {
		return nil, fmt.Errorf("response is not JSON (status %d): %w", tc.lastStatus, err)
	}
	v, ok := body[field]
	if !ok {
		return nil, fmt.Errorf("field %q not in response: %s", field, tc.lastBody)
	}
	return v, nil
}

// GetRedirect parses the Location header of a 303 response.
func (tc *TestContext) GetRedirect() (*url.URL, error) {
	if tc.lastStatus != http.StatusSeeOther {
		return nil, fmt.Errorf("expected redirect, got %d: %s", tc.lastStatus, tc.lastBody)
	}
	return url.Parse(tc.lastHeader.Get("Location"))
}

func (tc *TestContext) SetClient(clientID, redirectURI string) {
	tc.clientID = clientID
	tc.redirectURI = redirectURI
}

func (tc *TestContext) GetClientID() string    { return tc.clientID }
func (tc *TestContext) GetRedirectURI() string { return tc.redirectURI }
func (tc *TestContext) GetState() string       { return tc.state }
func (tc *TestContext) GetVerifier() string    { return tc.verifier }

// GetChallenge is the S256 challenge for the scenario's verifier.
func (tc *TestContext) GetChallenge() string {
	sum := sha256.Sum256([]byte(tc.verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

func (tc *TestContext) GetAuthCode() string     { return tc.authCode }
func (tc *TestContext) SetAuthCode(code string) { tc.authCode = code }

func (tc *TestContext) SetTokens(access, refresh string) {
	tc.accessToken = access
	tc.refreshToken = refresh
}

func (tc *TestContext) GetAccessToken() string  { return tc.accessToken }
func (tc *TestContext) GetRefreshToken() string { return tc.refreshToken }

func randomToken(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
