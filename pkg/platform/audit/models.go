package audit

import (
	"time"
)

// EventCategory classifies audit events so sinks can route and sample them.
type EventCategory string

const (
	// CategorySecurity covers events relevant to security monitoring: failed
	// logins, throttling and replayed tokens.
	CategorySecurity EventCategory = "security"

	// CategoryConsent covers user decisions about which tenant may act for them.
	CategoryConsent EventCategory = "consent"

	// CategoryOperations covers routine token traffic. It may be sampled.
	CategoryOperations EventCategory = "operations"
)

// AuditEvent names the action an Event records.
type AuditEvent string

const (
	EventLoginFailed         AuditEvent = "login_failed"
	EventLoginSucceeded      AuditEvent = "login_succeeded"
	EventConsentGranted      AuditEvent = "consent_granted"
	EventConsentDenied       AuditEvent = "consent_denied"
	EventTokenIssued         AuditEvent = "token_issued"
	EventTokenRefreshed      AuditEvent = "token_refreshed"
	EventTokenReplayDetected AuditEvent = "token_replay_detected"
	EventRateLimitExceeded   AuditEvent = "rate_limit_exceeded"
)

var eventCategories = map[AuditEvent]EventCategory{
	EventLoginFailed:         CategorySecurity,
	EventTokenReplayDetected: CategorySecurity,
	EventRateLimitExceeded:   CategorySecurity,

	EventConsentGranted: CategoryConsent,
	EventConsentDenied:  CategoryConsent,

	EventLoginSucceeded: CategoryOperations,
	EventTokenIssued:    CategoryOperations,
	EventTokenRefreshed: CategoryOperations,
}

// Category returns the EventCategory for this audit event.
// Unknown events default to CategoryOperations.
func (e AuditEvent) Category() EventCategory {
	if cat, ok := eventCategories[e]; ok {
		return cat
	}
	return CategoryOperations
}

// Event is emitted from the authorization flow to capture key actions. It is
// transport-agnostic so sinks can fan out.
type Event struct {
	Category  EventCategory `json:"category"`
	Timestamp time.Time     `json:"timestamp"`
	Action    AuditEvent    `json:"action"`
	Subject   string        `json:"subject,omitempty"` // username or jti
	TenantID  string        `json:"tenant_id,omitempty"`
	Scope     string        `json:"scope,omitempty"`
	Reason    string        `json:"reason,omitempty"`
	ClientIP  string        `json:"client_ip,omitempty"`
	Device    string        `json:"device,omitempty"`
	RequestID string        `json:"request_id,omitempty"`
}
