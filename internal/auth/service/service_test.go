package service_test

//go:generate mockgen -source=interfaces.go -destination=mocks/mocks.go -package=mocks Directory,TokenIssuer,CodeCodec,ReplayStore,RateLimiter,AuditPublisher

import (
	"context"
	"errors"
	"net/url"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/suite"
	"go.uber.org/mock/gomock"

	"phoenix/internal/auth/authcode"
	"phoenix/internal/auth/models"
	"phoenix/internal/auth/secrets"
	"phoenix/internal/auth/service"
	"phoenix/internal/auth/service/mocks"
	"phoenix/internal/platform/metrics"
	rlmodels "phoenix/internal/ratelimit/models"
	dErrors "phoenix/pkg/domain-errors"
	"phoenix/pkg/platform/audit/publishers/memory"
	"phoenix/pkg/requestcontext"
)

const (
	clientIP    = "203.0.113.9"
	redirectURI = "https://client.example/cb"
	state       = "state-0123456789abcdef"
	verifier    = "dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk-verifier"
	password    = "correct horse battery staple"
	secret      = "tenant-secret"
)

// Hashes are computed once; argon2id is deliberately slow.
var (
	passwordHash string
	secretHash   string
)

type ServiceSuite struct {
	suite.Suite
	ctx       context.Context
	ctrl      *gomock.Controller
	directory *mocks.MockDirectory
	tokens    *mocks.MockTokenIssuer
	replay    *mocks.MockReplayStore
	limiter   *mocks.MockRateLimiter
	codec     *authcode.Codec
	audit     *memory.Publisher
	metrics   *metrics.Metrics
	now       time.Time
	service   *service.Service
}

func TestServiceSuite(t *testing.T) {
	suite.Run(t, new(ServiceSuite))
}

func (s *ServiceSuite) SetupSuite() {
	var err error
	passwordHash, err = secrets.HashPassword(password)
	s.Require().NoError(err)
	secretHash, err = secrets.Hash(secret)
	s.Require().NoError(err)
}

func (s *ServiceSuite) SetupTest() {
	s.ctx = requestcontext.WithClientMetadata(context.Background(), clientIP, "test-agent")
	s.ctrl = gomock.NewController(s.T())
	s.directory = mocks.NewMockDirectory(s.ctrl)
	s.tokens = mocks.NewMockTokenIssuer(s.ctrl)
	s.replay = mocks.NewMockReplayStore(s.ctrl)
	s.limiter = mocks.NewMockRateLimiter(s.ctrl)
	s.audit = memory.NewPublisher()
	s.metrics = metrics.New(prometheus.NewRegistry())
	s.now = time.Unix(1_700_000_000, 0)

	clock := func() time.Time { return s.now }
	keyHolder, err := authcode.NewKeyHolder()
	s.Require().NoError(err)
	s.codec = authcode.New(keyHolder, authcode.WithClock(clock))

	svc, err := service.New(s.directory, s.tokens, s.codec, s.replay, s.limiter,
		service.WithClock(clock),
		service.WithMetrics(s.metrics),
		service.WithAuditPublisher(s.audit),
	)
	s.Require().NoError(err)
	s.service = svc
}

func (s *ServiceSuite) TearDownTest() {
	s.ctrl.Finish()
}

func (s *ServiceSuite) tenant() *models.Tenant {
	return &models.Tenant{
		ID:             "tenant-1",
		Name:           "T",
		RedirectURI:    redirectURI,
		RequiredScopes: "read",
		GrantTypes:     []models.GrantType{models.GrantAuthorizationCode, models.GrantRefreshToken},
	}
}

func (s *ServiceSuite) identity() *models.Identity {
	return &models.Identity{
		ID:           "identity-1",
		Username:     "alice",
		PasswordHash: passwordHash,
		Roles:        models.Role(0),
	}
}

func (s *ServiceSuite) params() models.FlowParams {
	return models.FlowParams{
		ResponseType:  models.ResponseTypeCode,
		State:         state,
		CodeChallenge: authcode.ChallengeS256(verifier),
	}
}

func (s *ServiceSuite) allow(op string) {
	s.limiter.EXPECT().Check(gomock.Any(), op, clientIP).
		Return(&rlmodels.Result{Allowed: true, Limit: 5, Remaining: 4}, nil)
}

func (s *ServiceSuite) requireCode(err error, code dErrors.Code) {
	s.Require().Error(err)
	s.True(dErrors.Is(err, code), "want %s, got %v", code, err)
}

// codeFrom pulls the authorization code out of a client redirect and checks state.
func (s *ServiceSuite) codeFrom(redirect string) string {
	u, err := url.Parse(redirect)
	s.Require().NoError(err)
	s.Equal("client.example", u.Host)
	s.Equal(state, u.Query().Get("state"))
	code := u.Query().Get("code")
	s.Require().NotEmpty(code)
	return code
}

func (s *ServiceSuite) TestNewRequiresCollaborators() {
	_, err := service.New(nil, s.tokens, s.codec, s.replay, s.limiter)
	s.Error(err)
	_, err = service.New(s.directory, s.tokens, s.codec, nil, s.limiter)
	s.Error(err)
}

func (s *ServiceSuite) TestLimitExceededMatchesRateLimitedCode() {
	err := error(&service.LimitExceeded{Result: &rlmodels.Result{}})
	s.True(errors.Is(err, dErrors.New(dErrors.CodeRateLimited, "")))
	s.False(errors.Is(err, dErrors.New(dErrors.CodeUnauthorized, "")))
}
