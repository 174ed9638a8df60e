package service_test

import (
	"errors"
	"net/url"
	"time"

	"go.uber.org/mock/gomock"

	"phoenix/internal/auth/authcode"
	"phoenix/internal/auth/models"
	"phoenix/internal/auth/service"
	rlmodels "phoenix/internal/ratelimit/models"
	dErrors "phoenix/pkg/domain-errors"
	"phoenix/pkg/platform/audit"
	"phoenix/pkg/platform/sentinel"
)

func (s *ServiceSuite) authorizeRequest() *models.AuthorizeRequest {
	return &models.AuthorizeRequest{
		ClientID:            "T",
		RedirectURI:         redirectURI,
		ResponseType:        models.ResponseTypeCode,
		State:               state,
		Scope:               "read write",
		CodeChallenge:       s.params().CodeChallenge,
		CodeChallengeMethod: models.CodeChallengeMethodS256,
	}
}

func (s *ServiceSuite) TestAuthorize() {
	s.Run("valid request yields a sign-in context", func() {
		s.directory.EXPECT().TenantByName(gomock.Any(), "T").Return(s.tenant(), nil)

		res, err := s.service.Authorize(s.ctx, s.authorizeRequest())
		s.Require().NoError(err)
		s.Equal(models.Challenge{Tenant: "T", Scope: "read write", RedirectURI: redirectURI}, res.Challenge)
		s.Equal(state, res.State)
	})

	s.Run("scope defaults to the tenant's required scopes", func() {
		s.directory.EXPECT().TenantByName(gomock.Any(), "T").Return(s.tenant(), nil)
		req := s.authorizeRequest()
		req.Scope = ""

		res, err := s.service.Authorize(s.ctx, req)
		s.Require().NoError(err)
		s.Equal("read", res.Challenge.Scope)
	})

	s.Run("registered redirect is used when none is sent", func() {
		s.directory.EXPECT().TenantByName(gomock.Any(), "T").Return(s.tenant(), nil)
		req := s.authorizeRequest()
		req.RedirectURI = ""

		res, err := s.service.Authorize(s.ctx, req)
		s.Require().NoError(err)
		s.Equal(redirectURI, res.Challenge.RedirectURI)
	})

	s.Run("missing client_id never reaches the directory", func() {
		req := s.authorizeRequest()
		req.ClientID = "  "
		_, err := s.service.Authorize(s.ctx, req)
		s.requireCode(err, dErrors.CodeInvalidRequest)
	})

	s.Run("unknown tenant is a bad request", func() {
		s.directory.EXPECT().TenantByName(gomock.Any(), "T").Return(nil, sentinel.ErrNotFound)
		_, err := s.service.Authorize(s.ctx, s.authorizeRequest())
		s.requireCode(err, dErrors.CodeInvalidRequest)
	})

	s.Run("directory failure is internal", func() {
		s.directory.EXPECT().TenantByName(gomock.Any(), "T").Return(nil, errors.New("connection reset"))
		_, err := s.service.Authorize(s.ctx, s.authorizeRequest())
		s.requireCode(err, dErrors.CodeInternal)
	})
}

func (s *ServiceSuite) TestAuthorizeRejects() {
	cases := []struct {
		name   string
		mutate func(*models.AuthorizeRequest)
		tenant func(*models.Tenant)
		code   dErrors.Code
	}{
		{"token response type", func(r *models.AuthorizeRequest) { r.ResponseType = models.ResponseTypeToken }, nil, dErrors.CodeUnsupportedResponseType},
		{"unknown response type", func(r *models.AuthorizeRequest) { r.ResponseType = "id_token" }, nil, dErrors.CodeInvalidGrant},
		{"short state", func(r *models.AuthorizeRequest) { r.State = "abc" }, nil, dErrors.CodeInvalidRequest},
		{"state with illegal characters", func(r *models.AuthorizeRequest) { r.State = "state-0123456789<script>" }, nil, dErrors.CodeInvalidRequest},
		{"plain challenge method", func(r *models.AuthorizeRequest) { r.CodeChallengeMethod = "plain" }, nil, dErrors.CodeInvalidRequest},
		{"short challenge", func(r *models.AuthorizeRequest) { r.CodeChallenge = "abc" }, nil, dErrors.CodeInvalidRequest},
		{"redirect differs from registration", func(r *models.AuthorizeRequest) { r.RedirectURI = "https://evil.example/cb" }, nil, dErrors.CodeInvalidRequest},
		{"redirect missing and none registered", func(r *models.AuthorizeRequest) { r.RedirectURI = "" },
			func(t *models.Tenant) { t.RedirectURI = "" }, dErrors.CodeInvalidRequest},
		{"relative redirect", func(r *models.AuthorizeRequest) { r.RedirectURI = "/cb" },
			func(t *models.Tenant) { t.RedirectURI = "" }, dErrors.CodeInvalidRequest},
		{"tenant without code grant", func(*models.AuthorizeRequest) {},
			func(t *models.Tenant) { t.GrantTypes = []models.GrantType{models.GrantRefreshToken} }, dErrors.CodeInvalidRequest},
	}
	for _, tc := range cases {
		s.Run(tc.name, func() {
			tenant := s.tenant()
			if tc.tenant != nil {
				tc.tenant(tenant)
			}
			s.directory.EXPECT().TenantByName(gomock.Any(), "T").Return(tenant, nil)
			req := s.authorizeRequest()
			tc.mutate(req)

			_, err := s.service.Authorize(s.ctx, req)
			s.requireCode(err, tc.code)
		})
	}
}

func (s *ServiceSuite) loginRequest() *models.LoginRequest {
	return &models.LoginRequest{
		Challenge:       &models.Challenge{Tenant: "T", Scope: "read write", RedirectURI: redirectURI},
		RememberedState: state,
		Params:          s.params(),
		Username:        "alice",
		Password:        password,
	}
}

func (s *ServiceSuite) TestLogin() {
	s.Run("first login asks for consent", func() {
		s.allow(rlmodels.OpLogin)
		s.directory.EXPECT().IdentityByUsername(gomock.Any(), "alice").Return(s.identity(), nil)
		s.directory.EXPECT().TenantByName(gomock.Any(), "T").Return(s.tenant(), nil)
		s.directory.EXPECT().Grant(gomock.Any(), "tenant-1", "identity-1").Return(nil, sentinel.ErrNotFound)

		res, err := s.service.Login(s.ctx, s.loginRequest())
		s.Require().NoError(err)
		s.True(res.ConsentRequired)
		s.Empty(res.RedirectURL)
		s.Equal("alice", res.Challenge.Username)
		s.Equal([]string{"read", "write"}, res.RequestedScopes)
	})

	s.Run("earlier grant skips consent with intersected scopes", func() {
		s.audit.Clear()
		s.allow(rlmodels.OpLogin)
		s.directory.EXPECT().IdentityByUsername(gomock.Any(), "alice").Return(s.identity(), nil)
		s.directory.EXPECT().TenantByName(gomock.Any(), "T").Return(s.tenant(), nil)
		s.directory.EXPECT().Grant(gomock.Any(), "tenant-1", "identity-1").
			Return(&models.Grant{TenantID: "tenant-1", IdentityID: "identity-1", ApprovedScopes: "read admin"}, nil)

		res, err := s.service.Login(s.ctx, s.loginRequest())
		s.Require().NoError(err)
		s.False(res.ConsentRequired)

		code, err := s.codec.Decode(s.codeFrom(res.RedirectURL), verifier)
		s.Require().NoError(err)
		s.Equal("T", code.Tenant)
		s.Equal("alice", code.Username)
		s.Equal("read", code.Scopes)
		s.Equal(redirectURI, code.RedirectURI)
		s.Equal(s.now.Add(authcode.DefaultTTL), code.ExpiresAt)
		s.Equal([]audit.AuditEvent{audit.EventLoginSucceeded}, s.audit.Actions())
	})
}

func (s *ServiceSuite) TestLoginFailures() {
	s.Run("missing sign-in context is not counted", func() {
		req := s.loginRequest()
		req.Challenge = nil
		_, err := s.service.Login(s.ctx, req)
		s.requireCode(err, dErrors.CodeInvalidRequest)
	})

	s.Run("wrong password", func() {
		s.audit.Clear()
		s.allow(rlmodels.OpLogin)
		s.directory.EXPECT().IdentityByUsername(gomock.Any(), "alice").Return(s.identity(), nil)
		req := s.loginRequest()
		req.Password = "wrong"

		_, err := s.service.Login(s.ctx, req)
		s.requireCode(err, dErrors.CodeUnauthorized)
		s.Equal([]audit.AuditEvent{audit.EventLoginFailed}, s.audit.Actions())
		s.Equal(clientIP, s.audit.Events()[0].ClientIP)
	})

	s.Run("unknown user looks like a wrong password", func() {
		s.allow(rlmodels.OpLogin)
		s.directory.EXPECT().IdentityByUsername(gomock.Any(), "mallory").Return(nil, sentinel.ErrNotFound)
		req := s.loginRequest()
		req.Username = "mallory"

		_, err := s.service.Login(s.ctx, req)
		s.requireCode(err, dErrors.CodeUnauthorized)
	})

	s.Run("state mismatch after valid credentials", func() {
		s.allow(rlmodels.OpLogin)
		s.directory.EXPECT().IdentityByUsername(gomock.Any(), "alice").Return(s.identity(), nil)
		req := s.loginRequest()
		req.RememberedState = "another-state-0123456789"

		_, err := s.service.Login(s.ctx, req)
		s.requireCode(err, dErrors.CodeInvalidRequest)
	})

	s.Run("rate limited before credentials are checked", func() {
		s.audit.Clear()
		denied := &rlmodels.Result{Allowed: false, Limit: 5, RetryAfter: 90 * time.Second}
		s.limiter.EXPECT().Check(gomock.Any(), rlmodels.OpLogin, clientIP).Return(denied, nil)

		_, err := s.service.Login(s.ctx, s.loginRequest())
		var limited *service.LimitExceeded
		s.Require().ErrorAs(err, &limited)
		s.Equal(90, limited.Result.RetryAfterSeconds())
		s.Equal([]audit.AuditEvent{audit.EventRateLimitExceeded}, s.audit.Actions())
	})

	s.Run("limiter failure is never an allow", func() {
		s.limiter.EXPECT().Check(gomock.Any(), rlmodels.OpLogin, clientIP).
			Return(nil, dErrors.New(dErrors.CodeUnavailable, "rate limiter unavailable"))

		_, err := s.service.Login(s.ctx, s.loginRequest())
		s.requireCode(err, dErrors.CodeUnavailable)
	})
}

func (s *ServiceSuite) consentRequest() *models.ConsentRequest {
	return &models.ConsentRequest{
		Challenge:       &models.Challenge{Tenant: "T", Scope: "read write", RedirectURI: redirectURI, Username: "alice"},
		RememberedState: state,
		Params:          s.params(),
		ApprovedScope:   "write delete",
		ApprovalStatus:  "YES",
	}
}

func (s *ServiceSuite) TestGrantConsent() {
	s.Run("approval saves the grant and redirects with a code", func() {
		s.audit.Clear()
		s.directory.EXPECT().TenantByName(gomock.Any(), "T").Return(s.tenant(), nil)
		s.directory.EXPECT().IdentityByUsername(gomock.Any(), "alice").Return(s.identity(), nil)
		s.directory.EXPECT().SaveGrant(gomock.Any(), gomock.Cond(func(g *models.Grant) bool {
			return g.TenantID == "tenant-1" && g.IdentityID == "identity-1" &&
				g.ApprovedScopes == "write" && g.IssuedAt.Equal(s.now)
		})).Return(nil)

		res, err := s.service.GrantConsent(s.ctx, s.consentRequest())
		s.Require().NoError(err)
		s.False(res.Denied)

		code, err := s.codec.Decode(s.codeFrom(res.RedirectURL), verifier)
		s.Require().NoError(err)
		s.Equal("write", code.Scopes)
		s.Equal([]audit.AuditEvent{audit.EventConsentGranted}, s.audit.Actions())
	})

	for name, mutate := range map[string]func(*models.ConsentRequest){
		"explicit denial":       func(r *models.ConsentRequest) { r.ApprovalStatus = models.ApprovalDenied },
		"nothing approved":      func(r *models.ConsentRequest) { r.ApprovedScope = "" },
		"only unrequested ones": func(r *models.ConsentRequest) { r.ApprovedScope = "admin" },
	} {
		s.Run(name+" redirects with access_denied", func() {
			req := s.consentRequest()
			mutate(req)

			res, err := s.service.GrantConsent(s.ctx, req)
			s.Require().NoError(err)
			s.True(res.Denied)
			u, err := url.Parse(res.RedirectURL)
			s.Require().NoError(err)
			s.Equal("access_denied", u.Query().Get("error"))
			s.Equal("User doesn't approved the request.", u.Query().Get("error_description"))
			s.Equal(state, u.Query().Get("state"))
			s.Empty(u.Query().Get("code"))
		})
	}

	s.Run("form username cannot override the signed-in user", func() {
		req := s.consentRequest()
		req.Username = "mallory"
		_, err := s.service.GrantConsent(s.ctx, req)
		s.requireCode(err, dErrors.CodeInvalidRequest)
	})

	s.Run("consent before login", func() {
		req := s.consentRequest()
		req.Challenge.Username = ""
		_, err := s.service.GrantConsent(s.ctx, req)
		s.requireCode(err, dErrors.CodeInvalidRequest)
	})

	s.Run("tampered state", func() {
		req := s.consentRequest()
		req.Params.State = "tampered-state-0123456789"
		_, err := s.service.GrantConsent(s.ctx, req)
		s.requireCode(err, dErrors.CodeInvalidRequest)
	})

	s.Run("grant store failure", func() {
		s.directory.EXPECT().TenantByName(gomock.Any(), "T").Return(s.tenant(), nil)
		s.directory.EXPECT().IdentityByUsername(gomock.Any(), "alice").Return(s.identity(), nil)
		s.directory.EXPECT().SaveGrant(gomock.Any(), gomock.Any()).Return(errors.New("disk full"))

		_, err := s.service.GrantConsent(s.ctx, s.consentRequest())
		s.requireCode(err, dErrors.CodeInternal)
	})
}
