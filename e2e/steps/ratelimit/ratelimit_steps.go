package ratelimit

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/cucumber/godog"
)

// TestContext interface defines the methods needed from the main test context
type TestContext interface {
	POST(path string, form url.Values, headers map[string]string) error
	GetLastResponseStatus() int
	GetLastResponseBody() []byte
	GetLastResponseHeader(name string) string
	GetState() string
	GetChallenge() string
}

// RegisterSteps registers login rate-limiting step definitions
func RegisterSteps(ctx *godog.ScenarioContext, tc TestContext) {
	steps := &ratelimitSteps{tc: tc}

	ctx.Step(`^I fail to log in as "([^"]*)" (\d+) times$`, steps.failLoginNTimes)
	ctx.Step(`^every failed attempt should return (\d+)$`, steps.everyAttemptShouldReturn)
	ctx.Step(`^the next login as "([^"]*)" with password "([^"]*)" should return (\d+)$`, steps.nextLoginShouldReturn)
	ctx.Step(`^the response should carry a positive Retry-After$`, steps.retryAfterPositive)
}

type ratelimitSteps struct {
	tc       TestContext
	statuses []int
}

func (s *ratelimitSteps) login(username, password string) error {
	return s.tc.POST("/login/authorization", url.Values{
		"username":       {username},
		"password":       {password},
		"response_type":  {"code"},
		"state":          {s.tc.GetState()},
		"code_challenge": {s.tc.GetChallenge()},
	}, nil)
}

func (s *ratelimitSteps) failLoginNTimes(ctx context.Context, username string, times int) error {
	s.statuses = s.statuses[:0]
	for i := range times {
		if err := s.login(username, fmt.Sprintf("wrong-password-%d", i)); err != nil {
			return err
		}
		s.statuses = append(s.statuses, s.tc.GetLastResponseStatus())
	}
	return nil
}

func (s *ratelimitSteps) everyAttemptShouldReturn(ctx context.Context, want int) error {
	for i, got := range s.statuses {
		if got != want {
			return fmt.Errorf("attempt %d returned %d, want %d", i+1, got, want)
		}
	}
	return nil
}

func (s *ratelimitSteps) nextLoginShouldReturn(ctx context.Context, username, password string, want int) error {
	if err := s.login(username, password); err != nil {
		return err
	}
	if got := s.tc.GetLastResponseStatus(); got != want {
		return fmt.Errorf("expected status %d, got %d: %s", want, got, s.tc.GetLastResponseBody())
	}
	return nil
}

func (s *ratelimitSteps) retryAfterPositive(ctx context.Context) error {
	if s.tc.GetLastResponseStatus() != http.StatusTooManyRequests {
		return fmt.Errorf("expected 429, got %d", s.tc.GetLastResponseStatus())
	}
	secs, err := strconv.Atoi(s.tc.GetLastResponseHeader("Retry-After"))
	if err != nil || secs <= 0 {
		return fmt.Errorf("Retry-After %q is not a positive number of seconds", s.tc.GetLastResponseHeader("Retry-After"))
	}
	return nil
}
