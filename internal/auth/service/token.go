package service

import (
	"context"
	"errors"
	"net/http"

	"phoenix/internal/auth/authcode"
	"phoenix/internal/auth/keys"
	"phoenix/internal/auth/models"
	"phoenix/internal/auth/secrets"
	rlmodels "phoenix/internal/ratelimit/models"
	dErrors "phoenix/pkg/domain-errors"
	"phoenix/pkg/platform/audit"
	"phoenix/pkg/platform/sentinel"
	"phoenix/pkg/requestcontext"
)

const tokenTypeBearer = "Bearer"

// Token serves both grants of the token endpoint.
func (s *Service) Token(ctx context.Context, req *models.TokenRequest) (*models.TokenResult, error) {
	if req == nil {
		return nil, dErrors.New(dErrors.CodeInvalidRequest, "request is required")
	}
	req.Normalize()
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if err := s.checkLimit(ctx, rlmodels.OpToken, models.Challenge{Tenant: req.ClientID}); err != nil {
		return nil, err
	}

	switch models.GrantType(req.GrantType) {
	case models.GrantAuthorizationCode:
		return s.exchangeCode(ctx, req)
	default:
		return s.refresh(ctx, req)
	}
}

// exchangeCode redeems an authorization code. Code is the sealed code and
// CodeVerifier the PKCE verifier it was bound to.
func (s *Service) exchangeCode(ctx context.Context, req *models.TokenRequest) (*models.TokenResult, error) {
	code, err := s.codes.Decode(req.Code, req.CodeVerifier)
	if err != nil {
		if errors.Is(err, authcode.ErrInvalidCode) {
			return nil, dErrors.New(dErrors.CodeInvalidGrant, "invalid authorization code")
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to decode authorization code")
	}
	if code.Expired(s.clock()) {
		return nil, dErrors.New(dErrors.CodeInvalidGrant, "authorization code expired")
	}
	if err := s.authenticateClient(ctx, req, code.Tenant); err != nil {
		return nil, err
	}

	fresh, err := s.replay.MarkUsed(ctx, "code:"+code.ID, code.ExpiresAt)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeUnavailable, "authorization code could not be checked")
	}
	if !fresh {
		s.logger.WarnContext(ctx, "authorization code redeemed twice",
			"tenant", code.Tenant,
			"request_id", requestcontext.RequestID(ctx),
		)
		s.auditor.Emit(ctx, audit.Event{
			Action:   audit.EventTokenReplayDetected,
			Subject:  code.Username,
			TenantID: code.Tenant,
			Reason:   "authorization_code",
		})
		return nil, dErrors.New(dErrors.CodeInvalidGrant, "authorization code already used")
	}

	pair, err := s.issue(ctx, code.Tenant, code.Username, code.Scopes)
	if err != nil {
		return nil, err
	}
	s.metrics.IncTokensIssued(string(models.GrantAuthorizationCode))
	s.auditor.Emit(ctx, audit.Event{
		Action:   audit.EventTokenIssued,
		Subject:  code.Username,
		TenantID: code.Tenant,
		Scope:    pair.Scope,
	})
	return toResult(pair), nil
}

// refresh issues a new pair from a previous one. Code carries the previous
// access token and CodeVerifier the previous refresh token; both must verify
// and describe the same tenant, subject and scope.
func (s *Service) refresh(ctx context.Context, req *models.TokenRequest) (*models.TokenResult, error) {
	mismatch := dErrors.New(dErrors.CodeInvalidGrant, "refresh token does not match the access token").
		WithStatus(http.StatusUnauthorized)

	access, err := s.tokens.VerifyAccess(ctx, req.Code)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInvalidGrant, "invalid access token").WithStatus(http.StatusUnauthorized)
	}
	refresh, err := s.tokens.VerifyRefresh(ctx, req.CodeVerifier)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInvalidGrant, "invalid refresh token").WithStatus(http.StatusUnauthorized)
	}
	if refresh.TokenUse != keys.TokenUseRefresh ||
		refresh.TenantID != access.TenantID ||
		refresh.Subject != access.Subject ||
		refresh.Scope != access.Scope {
		return nil, mismatch
	}
	if err := s.authenticateClient(ctx, req, refresh.TenantID); err != nil {
		return nil, err
	}

	if refresh.ID == "" || refresh.ExpiresAt == nil {
		return nil, mismatch
	}
	fresh, err := s.replay.MarkUsed(ctx, "refresh:"+refresh.ID, refresh.ExpiresAt.Time)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeUnavailable, "refresh token could not be checked")
	}
	if !fresh {
		s.auditor.Emit(ctx, audit.Event{
			Action:   audit.EventTokenReplayDetected,
			Subject:  refresh.Subject,
			TenantID: refresh.TenantID,
			Reason:   "refresh_token",
		})
		return nil, dErrors.New(dErrors.CodeInvalidGrant, "refresh token already used").WithStatus(http.StatusUnauthorized)
	}

	pair, err := s.issue(ctx, refresh.TenantID, refresh.Subject, refresh.Scope)
	if err != nil {
		return nil, err
	}
	s.metrics.IncTokensIssued(string(models.GrantRefreshToken))
	s.auditor.Emit(ctx, audit.Event{
		Action:   audit.EventTokenRefreshed,
		Subject:  refresh.Subject,
		TenantID: refresh.TenantID,
		Scope:    pair.Scope,
	})
	return toResult(pair), nil
}

// authenticateClient applies client authentication when the request carries
// a client_id. Public clients rely on PKCE alone.
func (s *Service) authenticateClient(ctx context.Context, req *models.TokenRequest, tenantName string) error {
	if req.ClientID == "" {
		return nil
	}
	if req.ClientID != tenantName {
		return dErrors.New(dErrors.CodeInvalidGrant, "grant was not issued to this client")
	}
	tenant, err := s.tenant(ctx, req.ClientID)
	if dErrors.Is(err, dErrors.CodeInvalidRequest) {
		return dErrors.New(dErrors.CodeUnauthorized, "client authentication failed")
	}
	if err != nil {
		return err
	}
	if !tenant.IsConfidential() {
		return nil
	}
	if req.ClientSecret == "" {
		return dErrors.New(dErrors.CodeUnauthorized, "client authentication failed")
	}
	if err := secrets.Verify(req.ClientSecret, tenant.SecretHash); err != nil {
		return dErrors.Wrap(err, dErrors.CodeUnauthorized, "client authentication failed")
	}
	return nil
}

// issue signs a new pair. Roles are read from the directory at issuance so a
// refresh picks up role changes.
func (s *Service) issue(ctx context.Context, tenantName, username, scope string) (*keys.Pair, error) {
	identity, err := s.directory.IdentityByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, dErrors.New(dErrors.CodeInvalidGrant, "user no longer exists")
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load identity")
	}
	pair, err := s.tokens.IssuePair(ctx, keys.AccessRequest{
		TenantID: tenantName,
		Subject:  identity.Username,
		Scope:    scope,
		Roles:    identity.Roles.Names(),
	})
	if err != nil {
		if errors.Is(err, keys.ErrKeyUnavailable) {
			return nil, dErrors.Wrap(err, dErrors.CodeUnavailable, "signing key unavailable")
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to issue tokens")
	}
	return pair, nil
}

func toResult(pair *keys.Pair) *models.TokenResult {
	return &models.TokenResult{
		TokenType:    tokenTypeBearer,
		AccessToken:  pair.AccessToken,
		ExpiresIn:    pair.ExpiresIn,
		Scope:        pair.Scope,
		RefreshToken: pair.RefreshToken,
	}
}
