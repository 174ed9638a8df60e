package httpapi_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/suite"
	"golang.org/x/oauth2"

	"phoenix/internal/auth/authcode"
	authhandler "phoenix/internal/auth/handler"
	"phoenix/internal/auth/keys"
	"phoenix/internal/auth/models"
	"phoenix/internal/auth/secrets"
	authservice "phoenix/internal/auth/service"
	"phoenix/internal/auth/store"
	"phoenix/internal/auth/store/replay"
	httpapi "phoenix/internal/http"
	"phoenix/internal/platform/metrics"
	"phoenix/internal/policy"
	rlmodels "phoenix/internal/ratelimit/models"
	ratelimit "phoenix/internal/ratelimit/service"
	"phoenix/internal/ratelimit/store/window"
	"phoenix/internal/resource"
	"phoenix/pkg/platform/audit"
	"phoenix/pkg/platform/audit/publishers/memory"
	"phoenix/pkg/platform/middleware/auth"
)

const (
	callback = "https://client.example/cb"
	state    = "state-0123456789abcdef"
)

// FlowSuite drives the whole authorization-code flow over HTTP with
// golang.org/x/oauth2 as the client.
type FlowSuite struct {
	suite.Suite
	ctx    context.Context
	server *httptest.Server
	audit  *memory.Publisher
	oauth  *oauth2.Config
}

func TestFlowSuite(t *testing.T) {
	suite.Run(t, new(FlowSuite))
}

func (s *FlowSuite) SetupSuite() {
	s.ctx = context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	registry := prometheus.NewRegistry()
	m := metrics.New(registry)

	directory := store.NewInMemoryDirectory()
	s.Require().NoError(directory.SaveTenant(s.ctx, &models.Tenant{
		ID:             "tenant-1",
		Name:           "T",
		RedirectURI:    callback,
		RequiredScopes: "read",
		GrantTypes:     []models.GrantType{models.GrantAuthorizationCode, models.GrantRefreshToken},
	}))
	hash, err := secrets.HashPassword("pw")
	s.Require().NoError(err)
	s.Require().NoError(directory.SaveIdentity(s.ctx, &models.Identity{
		ID:           "identity-1",
		Username:     "alice",
		PasswordHash: hash,
		Roles:        models.Role(0),
	}))

	manager, err := keys.NewRotating(keys.TokenConfig{
		Issuer:    "urn:phoenix:test",
		Audiences: []string{"urn:phoenix:api"},
		AccessTTL: 5 * time.Minute,
	}, 2, time.Hour, keys.WithMetrics(m))
	s.Require().NoError(err)
	codeKeys, err := authcode.NewKeyHolder()
	s.Require().NoError(err)
	used := replay.NewInMemory()
	limiter, err := ratelimit.New(window.NewInMemory(),
		ratelimit.WithLimit(rlmodels.OpToken, 100, time.Minute),
		ratelimit.WithMetrics(m),
	)
	s.Require().NoError(err)

	s.audit = memory.NewPublisher()
	emitter := audit.NewEmitter(s.audit)
	svc, err := authservice.New(directory, manager, authcode.New(codeKeys), used, limiter,
		authservice.WithLogger(logger),
		authservice.WithMetrics(m),
		authservice.WithAuditPublisher(emitter),
	)
	s.Require().NoError(err)

	cookies, err := authhandler.NewCookies([]byte("0123456789abcdef0123456789abcdef"), false)
	s.Require().NoError(err)
	bearer := auth.RequireBearer(resource.NewVerifier(manager, nil), used, logger,
		auth.WithAudiences("urn:phoenix:api"),
		auth.WithRecorder(m),
	)

	s.server = httptest.NewServer(httpapi.NewRouter(httpapi.Deps{
		Logger:   logger,
		Metrics:  m,
		Gatherer: registry,
		Routes: []httpapi.Registrar{
			authhandler.New(svc, manager, cookies, logger),
			resource.New(bearer, policy.New(), logger),
		},
	}))
	s.oauth = &oauth2.Config{
		ClientID:    "T",
		RedirectURL: callback,
		Scopes:      []string{"read"},
		Endpoint: oauth2.Endpoint{
			AuthURL:   s.server.URL + "/authorize",
			TokenURL:  s.server.URL + "/oauth/token",
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
}

func (s *FlowSuite) TearDownSuite() {
	s.server.Close()
}

// browser keeps cookies and stops at redirects so the code can be read.
func (s *FlowSuite) browser() *http.Client {
	jar, err := cookiejar.New(nil)
	s.Require().NoError(err)
	return &http.Client{
		Jar: jar,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

func (s *FlowSuite) post(client *http.Client, values url.Values) *http.Response {
	resp, err := client.PostForm(s.server.URL+"/login/authorization", values)
	s.Require().NoError(err)
	s.T().Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

// authorizeAndLogin runs /authorize and the login form and returns the
// consent page response.
func (s *FlowSuite) authorizeAndLogin(client *http.Client, verifier, loginState string) *http.Response {
	resp, err := client.Get(s.oauth.AuthCodeURL(state, oauth2.S256ChallengeOption(verifier)))
	s.Require().NoError(err)
	_ = resp.Body.Close()
	s.Require().Equal(http.StatusOK, resp.StatusCode)

	return s.post(client, url.Values{
		"username":       {"alice"},
		"password":       {"pw"},
		"response_type":  {"code"},
		"state":          {loginState},
		"code_challenge": {oauth2.S256ChallengeFromVerifier(verifier)},
	})
}

func (s *FlowSuite) consent(client *http.Client, verifier string) *url.URL {
	resp := s.post(client, url.Values{
		"_method":         {"PATCH"},
		"response_type":   {"code"},
		"state":           {state},
		"code_challenge":  {oauth2.S256ChallengeFromVerifier(verifier)},
		"approved_scope":  {"read"},
		"approval_status": {"YES"},
	})
	s.Require().Equal(http.StatusSeeOther, resp.StatusCode)
	loc, err := url.Parse(resp.Header.Get("Location"))
	s.Require().NoError(err)
	return loc
}

func (s *FlowSuite) getResource(token string) int {
	req, err := http.NewRequestWithContext(s.ctx, http.MethodGet, s.server.URL+"/protected-resource", nil)
	s.Require().NoError(err)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := http.DefaultClient.Do(req)
	s.Require().NoError(err)
	_ = resp.Body.Close()
	return resp.StatusCode
}

func (s *FlowSuite) TestAuthorizationCodeFlow() {
	client := s.browser()
	verifier := oauth2.GenerateVerifier()

	consentPage := s.authorizeAndLogin(client, verifier, state)
	s.Require().Equal(http.StatusOK, consentPage.StatusCode)

	loc := s.consent(client, verifier)
	s.Equal("client.example", loc.Host)
	s.Equal(state, loc.Query().Get("state"))
	code := loc.Query().Get("code")
	s.Require().True(strings.HasPrefix(code, authcode.Prefix))

	token, err := s.oauth.Exchange(s.ctx, code, oauth2.VerifierOption(verifier))
	s.Require().NoError(err)
	s.Equal("Bearer", token.TokenType)
	s.NotEmpty(token.RefreshToken)
	s.Equal("read", token.Extra("scope"))

	s.Run("access token is admitted once", func() {
		s.Equal(http.StatusOK, s.getResource(token.AccessToken))
		s.Equal(http.StatusUnauthorized, s.getResource(token.AccessToken))
	})

	s.Run("second redemption of the code", func() {
		_, err := s.oauth.Exchange(s.ctx, code, oauth2.VerifierOption(verifier))
		var rerr *oauth2.RetrieveError
		s.Require().True(errors.As(err, &rerr))
		s.Equal("invalid_grant", rerr.ErrorCode)
	})

	s.Run("refresh exchanges the pair", func() {
		resp, err := http.PostForm(s.server.URL+"/oauth/token", url.Values{
			"grant_type":    {"refresh_token"},
			"code":          {token.AccessToken},
			"code_verifier": {token.RefreshToken},
		})
		s.Require().NoError(err)
		defer resp.Body.Close()
		s.Require().Equal(http.StatusOK, resp.StatusCode)
		s.Equal("no-store", resp.Header.Get("Cache-Control"))

		var body models.TokenResult
		s.Require().NoError(json.NewDecoder(resp.Body).Decode(&body))
		s.Equal("read", body.Scope)
		s.NotEqual(token.AccessToken, body.AccessToken)
	})

	s.Run("returning user skips consent", func() {
		again := s.browser()
		v := oauth2.GenerateVerifier()
		resp := s.authorizeAndLogin(again, v, state)
		s.Equal(http.StatusSeeOther, resp.StatusCode)
		s.Contains(resp.Header.Get("Location"), "code=")
	})
}

func (s *FlowSuite) TestTamperedStateIsRejected() {
	client := s.browser()
	verifier := oauth2.GenerateVerifier()

	resp := s.authorizeAndLogin(client, verifier, "tampered-state-0123456789")

	s.Equal(http.StatusBadRequest, resp.StatusCode)
	s.Contains(resp.Header.Get("Content-Type"), "text/html")
}

func (s *FlowSuite) TestImplicitFlowIsUnsupported() {
	resp, err := s.browser().Get(s.oauth.AuthCodeURL(state,
		oauth2.S256ChallengeOption(oauth2.GenerateVerifier()),
		oauth2.SetAuthURLParam("response_type", "token"),
	))
	s.Require().NoError(err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	s.Require().NoError(err)

	s.Equal(http.StatusBadRequest, resp.StatusCode)
	s.Contains(string(body), "unsupported_response_type")
}

func (s *FlowSuite) TestOperationalEndpoints() {
	resp, err := http.Get(s.server.URL + "/healthz")
	s.Require().NoError(err)
	_ = resp.Body.Close()
	s.Equal(http.StatusOK, resp.StatusCode)

	resp, err = http.Get(s.server.URL + "/metrics")
	s.Require().NoError(err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	s.Require().NoError(err)
	s.Contains(string(body), "phoenix_signing_keys_generated_total")
}
