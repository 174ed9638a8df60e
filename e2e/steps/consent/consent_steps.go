package consent

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
	GetRedirect() (*url.URL, error)
	GetLastResponseStatus() int
	GetState() string
	GetChallenge() string
	SetAuthCode(code string)
}

// RegisterSteps registers consent page step definitions
func RegisterSteps(ctx *godog.ScenarioContext, tc TestContext) {
	steps := &consentSteps{tc: tc}

	ctx.Step(`^I approve the scopes "([^"]*)"$`, steps.approveScopes)
	ctx.Step(`^I approve the scopes "([^"]*)" if asked$`, steps.approveScopesIfAsked)
	ctx.Step(`^I approve no scopes$`, steps.approveNoScopes)
	ctx.Step(`^I deny the request$`, steps.deny)
	ctx.Step(`^I approve the scopes "([^"]*)" as "([^"]*)"$`, steps.approveScopesAs)
	ctx.Step(`^I should be redirected with error "([^"]*)"$`, steps.redirectedWithError)
}

type consentSteps struct {
	tc TestContext
}

func (s *consentSteps) submit(scopes []string, status, username string) error {
	form := url.Values{
		"_method":         {"PATCH"},
		"response_type":   {"code"},
		"state":           {s.tc.GetState()},
		"code_challenge":  {s.tc.GetChallenge()},
		"approval_status": {status},
	}
	if len(scopes) > 0 {
		form["approved_scope"] = scopes
	}
	if username != "" {
		form.Set("username", username)
	}
	return s.tc.POST("/login/authorization", form, nil)
}

func (s *consentSteps) approveScopes(ctx context.Context, scopes string) error {
	return s.submit(strings.Fields(scopes), "YES", "")
}

// approveScopesIfAsked is a no-op when login already redirected because a
// grant from an earlier scenario is on record.
func (s *consentSteps) approveScopesIfAsked(ctx context.Context, scopes string) error {
	if s.tc.GetLastResponseStatus() == http.StatusSeeOther {
		return nil
	}
	return s.approveScopes(ctx, scopes)
}

func (s *consentSteps) approveNoScopes(ctx context.Context) error {
	return s.submit(nil, "YES", "")
}

func (s *consentSteps) deny(ctx context.Context) error {
	return s.submit(nil, "NO", "")
}

func (s *consentSteps) approveScopesAs(ctx context.Context, scopes, username string) error {
	return s.submit(strings.Fields(scopes), "YES", username)
}

func (s *consentSteps) redirectedWithError(ctx context.Context, want string) error {
	loc, err := s.tc.GetRedirect()
	if err != nil {
		return err
	}
	q := loc.Query()
	if got := q.Get("error"); got != want {
		return fmt.Errorf("expected error %q in redirect, got %q (%s)", want, got, loc)
	}
	if q.Get("code") != "" {
		return fmt.Errorf("denied redirect must not carry a code: %s", loc)
	}
	if got := q.Get("state"); got != s.tc.GetState() {
		return fmt.Errorf("state was not echoed on denial, got %q", got)
	}
	return nil
}
