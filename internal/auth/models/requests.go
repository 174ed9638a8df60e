package models

import (
	"regexp"
	"strings"

	dErrors "phoenix/pkg/domain-errors"
)

// Response types accepted at /authorize. Only code is served.
const (
	ResponseTypeCode  = "code"
	ResponseTypeToken = "token"

	CodeChallengeMethodS256 = "S256"

	// ApprovalDenied is the approval_status value that rejects consent.
	ApprovalDenied = "NO"
)

var (
	statePattern         = regexp.MustCompile(`^[A-Za-z0-9\-._~]{16,512}$`)
	codeChallengePattern = regexp.MustCompile(`^[A-Za-z0-9_-]{43,128}$`)
)

// ValidState reports whether state is a well-formed CSRF token.
func ValidState(state string) bool {
	return statePattern.MatchString(state)
}

// ValidCodeChallenge reports whether challenge is a well-formed S256 challenge.
func ValidCodeChallenge(challenge string) bool {
	return codeChallengePattern.MatchString(challenge)
}

func errInvalidState() error {
	return dErrors.New(dErrors.CodeInvalidRequest, "state is required and must be 16-512 characters from [A-Z a-z 0-9 - . _ ~]")
}

// CheckState validates state and compares it with the value remembered in the state cookie.
func CheckState(state, remembered string) error {
	if !ValidState(state) {
		return errInvalidState()
	}
	if remembered == "" || state != remembered {
		return dErrors.New(dErrors.CodeInvalidRequest, "state mismatch")
	}
	return nil
}

// Challenge is the sign-in context carried between the authorize, login and
// consent steps. Username is empty until the login step succeeds.
type Challenge struct {
	Tenant      string
	Scope       string
	RedirectURI string
	Username    string
}

// AuthorizeRequest holds the /authorize query.
type AuthorizeRequest struct {
	ClientID            string
	RedirectURI         string
	ResponseType        string
	State               string
	Scope               string
	CodeChallenge       string
	CodeChallengeMethod string
}

// Normalize trims whitespace around every parameter.
func (r *AuthorizeRequest) Normalize() {
	r.ClientID = strings.TrimSpace(r.ClientID)
	r.RedirectURI = strings.TrimSpace(r.RedirectURI)
	r.ResponseType = strings.TrimSpace(r.ResponseType)
	r.Scope = strings.Join(ParseScopes(r.Scope), " ")
	r.CodeChallengeMethod = strings.TrimSpace(r.CodeChallengeMethod)
}

// AuthorizeResult is what the login page and the two cookies are built from.
type AuthorizeResult struct {
	Challenge Challenge
	State     string
}

// FlowParams are the original authorize query parameters, echoed on the
// login and consent steps.
type FlowParams struct {
	ResponseType  string
	State         string
	CodeChallenge string
}

// Validate re-checks state and, for the code flow, the PKCE challenge.
func (p FlowParams) Validate(rememberedState string) error {
	if err := CheckState(p.State, rememberedState); err != nil {
		return err
	}
	if p.ResponseType != ResponseTypeCode {
		return dErrors.New(dErrors.CodeUnsupportedResponseType, "response_type must be code")
	}
	if !ValidCodeChallenge(p.CodeChallenge) {
		return dErrors.New(dErrors.CodeInvalidRequest, "code_challenge must be base64url (43-128 chars)")
	}
	return nil
}

// LoginRequest is the submitted login form plus its flow context.
type LoginRequest struct {
	Challenge       *Challenge
	RememberedState string
	Params          FlowParams
	Username        string
	Password        string
}

// LoginResult either redirects straight to the client (an earlier grant
// covers the request) or asks for consent.
type LoginResult struct {
	Challenge       Challenge
	RedirectURL     string
	ConsentRequired bool
	RequestedScopes []string
}

// ConsentRequest is the submitted consent form plus its flow context.
type ConsentRequest struct {
	Challenge       *Challenge
	RememberedState string
	Params          FlowParams
	Username        string
	ApprovedScope   string
	ApprovalStatus  string
}

// ConsentResult is the redirect back to the client, carrying either a code
// or an error.
type ConsentResult struct {
	RedirectURL string
	Denied      bool
}

// TokenRequest is the /oauth/token form. For the refresh grant, Code carries
// the previous access token and CodeVerifier the previous refresh token.
type TokenRequest struct {
	GrantType    string
	Code         string
	CodeVerifier string
	ClientID     string
	ClientSecret string
}

// Normalize trims whitespace around every parameter.
func (r *TokenRequest) Normalize() {
	r.GrantType = strings.TrimSpace(r.GrantType)
	r.Code = strings.TrimSpace(r.Code)
	r.CodeVerifier = strings.TrimSpace(r.CodeVerifier)
	r.ClientID = strings.TrimSpace(r.ClientID)
}

// Validate checks the grant type before any token work is done.
func (r *TokenRequest) Validate() error {
	if r.GrantType == "" {
		return dErrors.New(dErrors.CodeInvalidRequest, "grant_type is required")
	}
	supported := false
	for _, g := range SupportedGrantTypes {
		if string(g) == r.GrantType {
			supported = true
		}
	}
	if !supported {
		names := make([]string, len(SupportedGrantTypes))
		for i, g := range SupportedGrantTypes {
			names[i] = string(g)
		}
		return dErrors.New(dErrors.CodeUnsupportedGrantType, "grant_type should be one of: "+strings.Join(names, ", "))
	}
	if r.Code == "" || r.CodeVerifier == "" {
		return dErrors.New(dErrors.CodeInvalidRequest, "code and code_verifier are required")
	}
	return nil
}

// TokenResult is the token endpoint's JSON body.
type TokenResult struct {
	TokenType    string `json:"token_type"`
	AccessToken  string `json:"access_token"`
	ExpiresIn    int64  `json:"expires_in"`
	Scope        string `json:"scope"`
	RefreshToken string `json:"refresh_token"`
}
