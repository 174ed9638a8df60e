package e2e

import (
	"github.com/cucumber/godog"

	"phoenix/e2e/steps/auth"
	"phoenix/e2e/steps/common"
	"phoenix/e2e/steps/consent"
	"phoenix/e2e/steps/ratelimit"
)

// RegisterSteps registers all step definitions from modular packages
func RegisterSteps(ctx *godog.ScenarioContext, tc *TestContext) {
	common.RegisterSteps(ctx, tc)
	auth.RegisterSteps(ctx, tc)
	consent.RegisterSteps(ctx, tc)
	ratelimit.RegisterSteps(ctx, tc)
}
