package service

import (
	"context"
	"errors"
	"net/url"

	"phoenix/internal/auth/models"
	"phoenix/internal/auth/secrets"
	rlmodels "phoenix/internal/ratelimit/models"
	dErrors "phoenix/pkg/domain-errors"
	"phoenix/pkg/platform/audit"
	"phoenix/pkg/platform/sentinel"
	"phoenix/pkg/requestcontext"
)

const msgNotApproved = "User doesn't approved the request."

// LimitExceeded is returned when a client has used up its attempts for an
// operation. It matches dErrors code rate_limited through errors.Is.
type LimitExceeded struct {
	Result *rlmodels.Result
}

func (e *LimitExceeded) Error() string { return "rate limit exceeded" }

func (e *LimitExceeded) Is(target error) bool {
	return errors.Is(dErrors.New(dErrors.CodeRateLimited, ""), target)
}

// Authorize validates the /authorize query and returns the sign-in context
// the login page is rendered from.
func (s *Service) Authorize(ctx context.Context, req *models.AuthorizeRequest) (*models.AuthorizeResult, error) {
	req.Normalize()
	if req.ClientID == "" {
		return nil, dErrors.New(dErrors.CodeInvalidRequest, "you should provide client_id")
	}
	tenant, err := s.tenant(ctx, req.ClientID)
	if err != nil {
		return nil, err
	}
	if !tenant.SupportsGrant(models.GrantAuthorizationCode) {
		return nil, dErrors.New(dErrors.CodeInvalidRequest, "Invalid cred")
	}

	redirectURI, err := resolveRedirectURI(tenant, req.RedirectURI)
	if err != nil {
		return nil, err
	}

	switch req.ResponseType {
	case models.ResponseTypeCode:
	case models.ResponseTypeToken:
		return nil, dErrors.New(dErrors.CodeUnsupportedResponseType, "response_type token is not supported, use code")
	default:
		return nil, dErrors.New(dErrors.CodeInvalidGrant, "response_type must be code")
	}
	if !models.ValidState(req.State) {
		return nil, dErrors.New(dErrors.CodeInvalidRequest, "state is required and must be 16-512 characters from [A-Z a-z 0-9 - . _ ~]")
	}
	if req.CodeChallengeMethod != models.CodeChallengeMethodS256 {
		return nil, dErrors.New(dErrors.CodeInvalidRequest, "code_challenge_method must be 'S256'")
	}
	if !models.ValidCodeChallenge(req.CodeChallenge) {
		return nil, dErrors.New(dErrors.CodeInvalidRequest, "code_challenge must be base64url (43-128 chars)")
	}

	scope := req.Scope
	if scope == "" {
		scope = models.JoinScopes(models.ParseScopes(tenant.RequiredScopes))
	}
	return &models.AuthorizeResult{
		Challenge: models.Challenge{
			Tenant:      tenant.Name,
			Scope:       scope,
			RedirectURI: redirectURI,
		},
		State: req.State,
	}, nil
}

// Login authenticates the user. When an earlier grant covers the tenant the
// result redirects straight back with a code, otherwise consent is required.
func (s *Service) Login(ctx context.Context, req *models.LoginRequest) (*models.LoginResult, error) {
	if req.Challenge == nil || req.Challenge.Tenant == "" {
		return nil, dErrors.New(dErrors.CodeInvalidRequest, "missing sign-in context")
	}
	challenge := *req.Challenge

	if err := s.checkLimit(ctx, rlmodels.OpLogin, challenge); err != nil {
		return nil, err
	}

	identity, err := s.authenticate(ctx, req.Username, req.Password)
	if err != nil {
		s.metrics.IncLoginFailures()
		s.auditor.Emit(ctx, audit.Event{
			Action:   audit.EventLoginFailed,
			Subject:  req.Username,
			TenantID: challenge.Tenant,
			Reason:   "invalid_credentials",
		})
		return nil, err
	}
	if err := req.Params.Validate(req.RememberedState); err != nil {
		return nil, err
	}

	tenant, err := s.tenant(ctx, challenge.Tenant)
	if err != nil {
		return nil, err
	}
	challenge.Username = identity.Username

	grant, err := s.directory.Grant(ctx, tenant.ID, identity.ID)
	switch {
	case errors.Is(err, sentinel.ErrNotFound):
		s.logger.InfoContext(ctx, "consent required",
			"tenant", tenant.Name,
			"request_id", requestcontext.RequestID(ctx),
		)
		return &models.LoginResult{
			Challenge:       challenge,
			ConsentRequired: true,
			RequestedScopes: models.ParseScopes(challenge.Scope),
		}, nil
	case err != nil:
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load grant")
	}

	scope := models.IntersectScopes(challenge.Scope, grant.ApprovedScopes)
	redirect, err := s.codeRedirect(challenge, scope, req.Params)
	if err != nil {
		return nil, err
	}
	s.auditor.Emit(ctx, audit.Event{
		Action:   audit.EventLoginSucceeded,
		Subject:  identity.Username,
		TenantID: tenant.Name,
		Scope:    scope,
	})
	return &models.LoginResult{Challenge: challenge, RedirectURL: redirect}, nil
}

// GrantConsent records the user's decision and redirects back to the client
// with either a code or an access_denied error. The acting user is the one
// recorded in the sign-in context at login.
func (s *Service) GrantConsent(ctx context.Context, req *models.ConsentRequest) (*models.ConsentResult, error) {
	if req.Challenge == nil || req.Challenge.Tenant == "" {
		return nil, dErrors.New(dErrors.CodeInvalidRequest, "missing sign-in context")
	}
	challenge := *req.Challenge
	if err := req.Params.Validate(req.RememberedState); err != nil {
		return nil, err
	}
	if challenge.Username == "" {
		return nil, dErrors.New(dErrors.CodeInvalidRequest, "missing sign-in context")
	}
	if req.Username != "" && req.Username != challenge.Username {
		return nil, dErrors.New(dErrors.CodeInvalidRequest, "username does not match the signed-in user")
	}

	approved := models.IntersectScopes(challenge.Scope, req.ApprovedScope)
	if req.ApprovalStatus == models.ApprovalDenied || approved == "" {
		s.metrics.IncConsentDecision("denied")
		s.auditor.Emit(ctx, audit.Event{
			Action:   audit.EventConsentDenied,
			Subject:  challenge.Username,
			TenantID: challenge.Tenant,
		})
		return &models.ConsentResult{
			RedirectURL: deniedRedirect(challenge.RedirectURI, req.Params.State),
			Denied:      true,
		}, nil
	}

	tenant, err := s.tenant(ctx, challenge.Tenant)
	if err != nil {
		return nil, err
	}
	identity, err := s.directory.IdentityByUsername(ctx, challenge.Username)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, dErrors.New(dErrors.CodeUnauthorized, msgNotApproved)
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load identity")
	}
	if err := s.directory.SaveGrant(ctx, &models.Grant{
		TenantID:       tenant.ID,
		IdentityID:     identity.ID,
		ApprovedScopes: approved,
		IssuedAt:       s.clock(),
	}); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to save grant")
	}

	redirect, err := s.codeRedirect(challenge, approved, req.Params)
	if err != nil {
		return nil, err
	}
	s.metrics.IncConsentDecision("granted")
	s.auditor.Emit(ctx, audit.Event{
		Action:   audit.EventConsentGranted,
		Subject:  challenge.Username,
		TenantID: tenant.Name,
		Scope:    approved,
	})
	return &models.ConsentResult{RedirectURL: redirect}, nil
}

// tenant loads a tenant for the browser flow, where an unknown client is a
// bad request.
func (s *Service) tenant(ctx context.Context, name string) (*models.Tenant, error) {
	tenant, err := s.directory.TenantByName(ctx, name)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, dErrors.New(dErrors.CodeInvalidRequest, "Invalid cred")
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load tenant")
	}
	return tenant, nil
}

// authenticate looks the user up and checks the password. Unknown users and
// wrong passwords produce the same error.
func (s *Service) authenticate(ctx context.Context, username, password string) (*models.Identity, error) {
	if username == "" || password == "" {
		return nil, dErrors.New(dErrors.CodeUnauthorized, msgNotApproved)
	}
	identity, err := s.directory.IdentityByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, dErrors.New(dErrors.CodeUnauthorized, msgNotApproved)
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load identity")
	}
	if err := secrets.VerifyPassword(password, identity.PasswordHash); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeUnauthorized, msgNotApproved)
	}
	return identity, nil
}

// checkLimit counts one attempt for the calling client. The attempt is counted
// before credentials are looked at and is never reset on success.
func (s *Service) checkLimit(ctx context.Context, op string, challenge models.Challenge) error {
	client := requestcontext.ClientIP(ctx)
	res, err := s.limiter.Check(ctx, op, client)
	if err != nil {
		return err
	}
	if !res.Allowed {
		s.auditor.Emit(ctx, audit.Event{
			Action:   audit.EventRateLimitExceeded,
			Subject:  challenge.Username,
			TenantID: challenge.Tenant,
			Reason:   op,
		})
		return &LimitExceeded{Result: res}
	}
	return nil
}

func (s *Service) codeRedirect(challenge models.Challenge, scope string, params models.FlowParams) (string, error) {
	code, err := s.codes.Encode(challenge.Tenant, challenge.Username, scope, challenge.RedirectURI, params.CodeChallenge)
	if err != nil {
		return "", dErrors.Wrap(err, dErrors.CodeInternal, "failed to issue authorization code")
	}
	return withQuery(challenge.RedirectURI, url.Values{
		"code":  {code},
		"state": {params.State},
	}), nil
}

func deniedRedirect(redirectURI, state string) string {
	return withQuery(redirectURI, url.Values{
		"error":             {string(dErrors.CodeAccessDenied)},
		"error_description": {msgNotApproved},
		"state":             {state},
	})
}

// withQuery appends params to uri, keeping any query the client registered.
func withQuery(uri string, params url.Values) string {
	u, err := url.Parse(uri)
	if err != nil {
		return uri + "?" + params.Encode()
	}
	q := u.Query()
	for k, v := range params {
		q[k] = v
	}
	u.RawQuery = q.Encode()
	return u.String()
}

func resolveRedirectURI(tenant *models.Tenant, requested string) (string, error) {
	if tenant.RedirectURI != "" {
		if requested != "" && requested != tenant.RedirectURI {
			return "", dErrors.New(dErrors.CodeInvalidRequest, "redirect_uri is pre-registered and should match")
		}
		return tenant.RedirectURI, nil
	}
	if requested == "" {
		return "", dErrors.New(dErrors.CodeInvalidRequest, "redirect_uri is not pre-registered and should be provided")
	}
	u, err := url.Parse(requested)
	if err != nil || !u.IsAbs() || u.Fragment != "" {
		return "", dErrors.New(dErrors.CodeInvalidRequest, "redirect_uri must be an absolute URI without fragment")
	}
	return requested, nil
}
