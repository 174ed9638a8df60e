package service_test

import (
	"errors"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/mock/gomock"

	"phoenix/internal/auth/authcode"
	"phoenix/internal/auth/keys"
	"phoenix/internal/auth/models"
	"phoenix/internal/auth/service"
	rlmodels "phoenix/internal/ratelimit/models"
	dErrors "phoenix/pkg/domain-errors"
	"phoenix/pkg/platform/audit"
	"phoenix/pkg/platform/sentinel"
)

func (s *ServiceSuite) issueCode(scope string) (string, *authcode.Code) {
	raw, err := s.codec.Encode("T", "alice", scope, redirectURI, authcode.ChallengeS256(verifier))
	s.Require().NoError(err)
	code, err := s.codec.Decode(raw, verifier)
	s.Require().NoError(err)
	return raw, code
}

func (s *ServiceSuite) pair(scope string) *keys.Pair {
	return &keys.Pair{
		AccessToken:   "access.token.value",
		AccessTokenID: "jti-1",
		RefreshToken:  "refresh.token.value",
		ExpiresIn:     600,
		Scope:         scope,
	}
}

func (s *ServiceSuite) expectIssue(scope string) {
	s.directory.EXPECT().IdentityByUsername(gomock.Any(), "alice").Return(s.identity(), nil)
	s.tokens.EXPECT().IssuePair(gomock.Any(), keys.AccessRequest{
		TenantID: "T",
		Subject:  "alice",
		Scope:    scope,
		Roles:    []string{"R_P00"},
	}).Return(s.pair(scope), nil)
}

func (s *ServiceSuite) codeRequest(code string) *models.TokenRequest {
	return &models.TokenRequest{
		GrantType:    string(models.GrantAuthorizationCode),
		Code:         code,
		CodeVerifier: verifier,
	}
}

func (s *ServiceSuite) TestTokenRequestValidation() {
	cases := []struct {
		name string
		req  *models.TokenRequest
		code dErrors.Code
	}{
		{"nil request", nil, dErrors.CodeInvalidRequest},
		{"missing grant type", &models.TokenRequest{Code: "c", CodeVerifier: "v"}, dErrors.CodeInvalidRequest},
		{"unknown grant type", &models.TokenRequest{GrantType: "password", Code: "c", CodeVerifier: "v"}, dErrors.CodeUnsupportedGrantType},
		{"missing verifier", &models.TokenRequest{GrantType: "authorization_code", Code: "c"}, dErrors.CodeInvalidRequest},
	}
	for _, tc := range cases {
		s.Run(tc.name, func() {
			_, err := s.service.Token(s.ctx, tc.req)
			s.requireCode(err, tc.code)
		})
	}
}

func (s *ServiceSuite) TestExchangeCode() {
	s.Run("valid code and verifier yield a token pair", func() {
		s.audit.Clear()
		raw, code := s.issueCode("read write")
		s.allow(rlmodels.OpToken)
		s.replay.EXPECT().MarkUsed(gomock.Any(), "code:"+code.ID, code.ExpiresAt).Return(true, nil)
		s.expectIssue("read write")

		res, err := s.service.Token(s.ctx, s.codeRequest(raw))
		s.Require().NoError(err)
		s.Equal("Bearer", res.TokenType)
		s.Equal("access.token.value", res.AccessToken)
		s.Equal("refresh.token.value", res.RefreshToken)
		s.Equal(int64(600), res.ExpiresIn)
		s.Equal("read write", res.Scope)
		s.Equal([]audit.AuditEvent{audit.EventTokenIssued}, s.audit.Actions())
		s.Equal(float64(1), testutil.ToFloat64(s.metrics.TokensIssued.WithLabelValues("authorization_code")))
	})

	s.Run("second redemption of the same code", func() {
		s.audit.Clear()
		raw, code := s.issueCode("read")
		s.limiter.EXPECT().Check(gomock.Any(), rlmodels.OpToken, clientIP).
			Return(&rlmodels.Result{Allowed: true}, nil).Times(2)
		gomock.InOrder(
			s.replay.EXPECT().MarkUsed(gomock.Any(), "code:"+code.ID, code.ExpiresAt).Return(true, nil),
			s.replay.EXPECT().MarkUsed(gomock.Any(), "code:"+code.ID, code.ExpiresAt).Return(false, nil),
		)
		s.expectIssue("read")

		_, err := s.service.Token(s.ctx, s.codeRequest(raw))
		s.Require().NoError(err)
		_, err = s.service.Token(s.ctx, s.codeRequest(raw))
		s.requireCode(err, dErrors.CodeInvalidGrant)
		s.Equal([]audit.AuditEvent{audit.EventTokenIssued, audit.EventTokenReplayDetected}, s.audit.Actions())
	})

	s.Run("expired code never reaches the replay store", func() {
		raw, _ := s.issueCode("read")
		s.now = s.now.Add(authcode.DefaultTTL)
		defer func() { s.now = s.now.Add(-authcode.DefaultTTL) }()
		s.allow(rlmodels.OpToken)

		_, err := s.service.Token(s.ctx, s.codeRequest(raw))
		s.requireCode(err, dErrors.CodeInvalidGrant)
	})

	s.Run("wrong verifier", func() {
		raw, _ := s.issueCode("read")
		s.allow(rlmodels.OpToken)
		req := s.codeRequest(raw)
		req.CodeVerifier = "another-verifier-that-is-long-enough-to-pass-0000"

		_, err := s.service.Token(s.ctx, req)
		s.requireCode(err, dErrors.CodeInvalidGrant)
	})

	s.Run("replay store failure is unavailable", func() {
		raw, code := s.issueCode("read")
		s.allow(rlmodels.OpToken)
		s.replay.EXPECT().MarkUsed(gomock.Any(), "code:"+code.ID, gomock.Any()).Return(false, errors.New("redis down"))

		_, err := s.service.Token(s.ctx, s.codeRequest(raw))
		s.requireCode(err, dErrors.CodeUnavailable)
	})

	s.Run("user removed after consent", func() {
		raw, code := s.issueCode("read")
		s.allow(rlmodels.OpToken)
		s.replay.EXPECT().MarkUsed(gomock.Any(), "code:"+code.ID, gomock.Any()).Return(true, nil)
		s.directory.EXPECT().IdentityByUsername(gomock.Any(), "alice").Return(nil, sentinel.ErrNotFound)

		_, err := s.service.Token(s.ctx, s.codeRequest(raw))
		s.requireCode(err, dErrors.CodeInvalidGrant)
	})

	s.Run("signing key unavailable", func() {
		raw, code := s.issueCode("read")
		s.allow(rlmodels.OpToken)
		s.replay.EXPECT().MarkUsed(gomock.Any(), "code:"+code.ID, gomock.Any()).Return(true, nil)
		s.directory.EXPECT().IdentityByUsername(gomock.Any(), "alice").Return(s.identity(), nil)
		s.tokens.EXPECT().IssuePair(gomock.Any(), gomock.Any()).Return(nil, keys.ErrKeyUnavailable)

		_, err := s.service.Token(s.ctx, s.codeRequest(raw))
		s.requireCode(err, dErrors.CodeUnavailable)
	})

	s.Run("rate limited", func() {
		raw, _ := s.issueCode("read")
		s.limiter.EXPECT().Check(gomock.Any(), rlmodels.OpToken, clientIP).
			Return(&rlmodels.Result{Allowed: false, RetryAfter: time.Minute}, nil)

		_, err := s.service.Token(s.ctx, s.codeRequest(raw))
		var limited *service.LimitExceeded
		s.ErrorAs(err, &limited)
	})
}

func (s *ServiceSuite) TestClientAuthentication() {
	confidential := s.tenant()
	confidential.SecretHash = secretHash

	s.Run("client_id must match the code's tenant", func() {
		raw, _ := s.issueCode("read")
		s.allow(rlmodels.OpToken)
		req := s.codeRequest(raw)
		req.ClientID = "other"

		_, err := s.service.Token(s.ctx, req)
		s.requireCode(err, dErrors.CodeInvalidGrant)
	})

	s.Run("tenant removed since the code was issued", func() {
		raw, _ := s.issueCode("read")
		s.allow(rlmodels.OpToken)
		s.directory.EXPECT().TenantByName(gomock.Any(), "T").Return(nil, sentinel.ErrNotFound)
		req := s.codeRequest(raw)
		req.ClientID = "T"

		_, err := s.service.Token(s.ctx, req)
		s.requireCode(err, dErrors.CodeUnauthorized)
	})

	s.Run("confidential tenant without secret", func() {
		raw, _ := s.issueCode("read")
		s.allow(rlmodels.OpToken)
		s.directory.EXPECT().TenantByName(gomock.Any(), "T").Return(confidential, nil)
		req := s.codeRequest(raw)
		req.ClientID = "T"

		_, err := s.service.Token(s.ctx, req)
		s.requireCode(err, dErrors.CodeUnauthorized)
	})

	s.Run("confidential tenant with wrong secret", func() {
		raw, _ := s.issueCode("read")
		s.allow(rlmodels.OpToken)
		s.directory.EXPECT().TenantByName(gomock.Any(), "T").Return(confidential, nil)
		req := s.codeRequest(raw)
		req.ClientID, req.ClientSecret = "T", "guess"

		_, err := s.service.Token(s.ctx, req)
		s.requireCode(err, dErrors.CodeUnauthorized)
	})

	s.Run("confidential tenant with its secret", func() {
		raw, code := s.issueCode("read")
		s.allow(rlmodels.OpToken)
		s.directory.EXPECT().TenantByName(gomock.Any(), "T").Return(confidential, nil)
		s.replay.EXPECT().MarkUsed(gomock.Any(), "code:"+code.ID, gomock.Any()).Return(true, nil)
		s.expectIssue("read")
		req := s.codeRequest(raw)
		req.ClientID, req.ClientSecret = "T", secret

		_, err := s.service.Token(s.ctx, req)
		s.Require().NoError(err)
	})
}

func (s *ServiceSuite) refreshPair() (*keys.AccessClaims, *keys.RefreshClaims) {
	access := &keys.AccessClaims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "alice", ID: "jti-1"},
		TenantID:         "T",
		Scope:            "read",
	}
	refresh := &keys.RefreshClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "alice",
			ID:        "refresh-1",
			ExpiresAt: jwt.NewNumericDate(s.now.Add(keys.RefreshTokenTTL)),
		},
		TenantID: "T",
		Scope:    "read",
		TokenUse: keys.TokenUseRefresh,
	}
	return access, refresh
}

func (s *ServiceSuite) refreshRequest() *models.TokenRequest {
	return &models.TokenRequest{
		GrantType:    string(models.GrantRefreshToken),
		Code:         "old.access.token",
		CodeVerifier: "old.refresh.token",
	}
}

func (s *ServiceSuite) TestRefresh() {
	s.Run("matching pair is exchanged once", func() {
		s.audit.Clear()
		access, refresh := s.refreshPair()
		s.limiter.EXPECT().Check(gomock.Any(), rlmodels.OpToken, clientIP).
			Return(&rlmodels.Result{Allowed: true}, nil).Times(2)
		s.tokens.EXPECT().VerifyAccess(gomock.Any(), "old.access.token").Return(access, nil).Times(2)
		s.tokens.EXPECT().VerifyRefresh(gomock.Any(), "old.refresh.token").Return(refresh, nil).Times(2)
		gomock.InOrder(
			s.replay.EXPECT().MarkUsed(gomock.Any(), "refresh:refresh-1", refresh.ExpiresAt.Time).Return(true, nil),
			s.replay.EXPECT().MarkUsed(gomock.Any(), "refresh:refresh-1", refresh.ExpiresAt.Time).Return(false, nil),
		)
		s.expectIssue("read")

		res, err := s.service.Token(s.ctx, s.refreshRequest())
		s.Require().NoError(err)
		s.Equal("read", res.Scope)

		_, err = s.service.Token(s.ctx, s.refreshRequest())
		s.requireCode(err, dErrors.CodeInvalidGrant)
		de, _ := dErrors.As(err)
		s.Equal(http.StatusUnauthorized, de.Status())
		s.Equal([]audit.AuditEvent{audit.EventTokenRefreshed, audit.EventTokenReplayDetected}, s.audit.Actions())
	})

	mismatches := map[string]func(*keys.RefreshClaims){
		"tenant":    func(r *keys.RefreshClaims) { r.TenantID = "other" },
		"subject":   func(r *keys.RefreshClaims) { r.Subject = "bob" },
		"scope":     func(r *keys.RefreshClaims) { r.Scope = "read write" },
		"token use": func(r *keys.RefreshClaims) { r.TokenUse = "" },
	}
	for name, mutate := range mismatches {
		s.Run(name+" mismatch is a 401 invalid_grant", func() {
			access, refresh := s.refreshPair()
			mutate(refresh)
			s.allow(rlmodels.OpToken)
			s.tokens.EXPECT().VerifyAccess(gomock.Any(), gomock.Any()).Return(access, nil)
			s.tokens.EXPECT().VerifyRefresh(gomock.Any(), gomock.Any()).Return(refresh, nil)

			_, err := s.service.Token(s.ctx, s.refreshRequest())
			s.requireCode(err, dErrors.CodeInvalidGrant)
			de, _ := dErrors.As(err)
			s.Equal(http.StatusUnauthorized, de.Status())
		})
	}

	s.Run("unverifiable access token", func() {
		s.allow(rlmodels.OpToken)
		s.tokens.EXPECT().VerifyAccess(gomock.Any(), gomock.Any()).Return(nil, keys.ErrInvalidToken)

		_, err := s.service.Token(s.ctx, s.refreshRequest())
		s.requireCode(err, dErrors.CodeInvalidGrant)
	})

	s.Run("unverifiable refresh token", func() {
		access, _ := s.refreshPair()
		s.allow(rlmodels.OpToken)
		s.tokens.EXPECT().VerifyAccess(gomock.Any(), gomock.Any()).Return(access, nil)
		s.tokens.EXPECT().VerifyRefresh(gomock.Any(), gomock.Any()).Return(nil, keys.ErrInvalidToken)

		_, err := s.service.Token(s.ctx, s.refreshRequest())
		s.requireCode(err, dErrors.CodeInvalidGrant)
	})
}
