package auth

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/cucumber/godog"
)

// TestContext interface defines the methods needed from the main test context
type TestContext interface {
	POST(path string, form url.Values, headers map[string]string) error
	GET(path string, headers map[string]string) error
	GetResponseField(field string) (interface{}, error)
	GetLastResponseStatus() int
	GetLastResponseBody() []byte
	GetRedirect() (*url.URL, error)
	GetClientID() string
	GetRedirectURI() string
	GetState() string
	GetVerifier() string
	GetChallenge() string
	GetAuthCode() string
	SetAuthCode(code string)
	GetAccessToken() string
	GetRefreshToken() string
	SetTokens(access, refresh string)
}

// RegisterSteps registers authorization-code and token step definitions
func RegisterSteps(ctx *godog.ScenarioContext, tc TestContext) {
	steps := &authSteps{tc: tc}

	// Authorization steps
	ctx.Step(`^I start authorization with scope "([^"]*)"$`, steps.startAuthorization)
	ctx.Step(`^I start authorization with response type "([^"]*)"$`, steps.startAuthorizationWithResponseType)
	ctx.Step(`^I log in as "([^"]*)" with password "([^"]*)"$`, steps.login)
	ctx.Step(`^I log in as "([^"]*)" with password "([^"]*)" and state "([^"]*)"$`, steps.loginWithState)
	ctx.Step(`^I should be redirected with an authorization code$`, steps.redirectedWithCode)

	// Token steps
	ctx.Step(`^I exchange the authorization code for tokens$`, steps.exchangeCode)
	ctx.Step(`^I exchange the authorization code with client secret "([^"]*)"$`, steps.exchangeCodeWithSecret)
	ctx.Step(`^I exchange the authorization code with verifier "([^"]*)"$`, steps.exchangeCodeWithVerifier)
	ctx.Step(`^I save the tokens$`, steps.saveTokens)
	ctx.Step(`^I refresh the tokens$`, steps.refreshTokens)
	ctx.Step(`^I POST to the token endpoint with grant_type "([^"]*)"$`, steps.postWithGrantType)

	// Resource steps
	ctx.Step(`^I call "([^"]*)" with the access token$`, steps.callWithAccessToken)
	ctx.Step(`^I call "([^"]*)" with token "([^"]*)"$`, steps.callWithToken)
}

type authSteps struct {
	tc TestContext
}

func (s *authSteps) authorize(responseType, scope string) error {
	q := url.Values{
		"response_type":         {responseType},
		"client_id":             {s.tc.GetClientID()},
		"redirect_uri":          {s.tc.GetRedirectURI()},
		"state":                 {s.tc.GetState()},
		"code_challenge":        {s.tc.GetChallenge()},
		"code_challenge_method": {"S256"},
	}
	if scope != "" {
		q.Set("scope", scope)
	}
	return s.tc.GET("/authorize?"+q.Encode(), nil)
}

func (s *authSteps) startAuthorization(ctx context.Context, scope string) error {
	return s.authorize("code", scope)
}

func (s *authSteps) startAuthorizationWithResponseType(ctx context.Context, responseType string) error {
	return s.authorize(responseType, "")
}

func (s *authSteps) login(ctx context.Context, username, password string) error {
	return s.loginWithState(ctx, username, password, s.tc.GetState())
}

func (s *authSteps) loginWithState(ctx context.Context, username, password, state string) error {
	return s.tc.POST("/login/authorization", url.Values{
		"username":       {username},
		"password":       {password},
		"response_type":  {"code"},
		"state":          {state},
		"code_challenge": {s.tc.GetChallenge()},
	}, nil)
}

func (s *authSteps) redirectedWithCode(ctx context.Context) error {
	loc, err := s.tc.GetRedirect()
	if err != nil {
		return err
	}
	if got := loc.Scheme + "://" + loc.Host + loc.Path; got != s.tc.GetRedirectURI() {
		return fmt.Errorf("redirected to %s, want %s", got, s.tc.GetRedirectURI())
	}
	if got := loc.Query().Get("state"); got != s.tc.GetState() {
		return fmt.Errorf("state %q was not echoed, got %q", s.tc.GetState(), got)
	}
	code := loc.Query().Get("code")
	if code == "" {
		return fmt.Errorf("redirect carries no code: %s", loc)
	}
	s.tc.SetAuthCode(code)
	return nil
}

func (s *authSteps) token(form url.Values) error {
	return s.tc.POST("/oauth/token", form, nil)
}

func (s *authSteps) exchangeCode(ctx context.Context) error {
	return s.exchangeCodeWithVerifier(ctx, s.tc.GetVerifier())
}

func (s *authSteps) exchangeCodeWithVerifier(ctx context.Context, verifier string) error {
	return s.token(url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {s.tc.GetAuthCode()},
		"code_verifier": {verifier},
		"client_id":     {s.tc.GetClientID()},
	})
}

func (s *authSteps) exchangeCodeWithSecret(ctx context.Context, secret string) error {
	return s.token(url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {s.tc.GetAuthCode()},
		"code_verifier": {s.tc.GetVerifier()},
		"client_id":     {s.tc.GetClientID()},
		"client_secret": {secret},
	})
}

func (s *authSteps) saveTokens(ctx context.Context) error {
	if status := s.tc.GetLastResponseStatus(); status != http.StatusOK {
		return fmt.Errorf("token request failed with %d: %s", status, s.tc.GetLastResponseBody())
	}
	access, err := s.tc.GetResponseField("access_token")
	if err != nil {
		return err
	}
	refresh, err := s.tc.GetResponseField("refresh_token")
	if err != nil {
		return err
	}
	s.tc.SetTokens(access.(string), refresh.(string))
	return nil
}

// refreshTokens sends the access token as code and the refresh token as
// code_verifier, the way the token endpoint expects a refresh.
func (s *authSteps) refreshTokens(ctx context.Context) error {
	return s.token(url.Values{
		"grant_type":    {"refresh_token"},
		"code":          {s.tc.GetAccessToken()},
		"code_verifier": {s.tc.GetRefreshToken()},
	})
}

func (s *authSteps) postWithGrantType(ctx context.Context, grantType string) error {
	return s.token(url.Values{
		"grant_type":    {grantType},
		"code":          {"some-code"},
		"code_verifier": {strings.Repeat("v", 43)},
	})
}

func (s *authSteps) callWithAccessToken(ctx context.Context, path string) error {
	return s.callWithToken(ctx, path, s.tc.GetAccessToken())
}

func (s *authSteps) callWithToken(ctx context.Context, path, token string) error {
	return s.tc.GET(path, map[string]string{
		"Authorization": "Bearer " + token,
	})
}
