package domain

import (
	"fmt"
	"strings"
)

// AuthState describes how the current principal is identified.
type AuthState string

const (
	AuthNone          AuthState = "none"
	AuthGuest         AuthState = "guest"
	AuthAuthenticated AuthState = "authenticated"
)

// Plan is the subscription level of a principal.
type Plan string

const (
	PlanFree    Plan = "free"
	PlanPremium Plan = "premium"
)

// Principal is the identity and entitlement of whoever is using the
// client. It is owned by the identity collaborator; the chat core only
// reads it.
type Principal struct {
	ID          string
	Email       string
	DisplayName string
	Auth        AuthState
	Plan        Plan
}

// IdentityProvider exposes the current principal at call time.
type IdentityProvider interface {
	Current() Principal
}

// StaticIdentity is an IdentityProvider that always returns the same principal.
type StaticIdentity Principal

// Current implements IdentityProvider.
func (s StaticIdentity) Current() Principal {
	return Principal(s)
}

// Authenticated reports whether the principal carries an identity.
func (p Principal) Authenticated() bool {
	return p.Auth == AuthAuthenticated && p.ID != ""
}

// CanPost reports whether the principal's plan covers the given room tier.
func (p Principal) CanPost(tier Tier) bool {
	return tier == TierOpen || p.Plan == PlanPremium
}

// Label is the display name stamped on messages at send time.
func (p Principal) Label() string {
	if name := strings.TrimSpace(p.DisplayName); name != "" {
		return name
	}
	if local, _, _ := strings.Cut(p.Email, "@"); local != "" {
		return local
	}
	return "Anonymous"
}

// ParsePlan maps a configuration value onto a Plan.
func ParsePlan(s string) (Plan, error) {
	switch Plan(strings.ToLower(strings.TrimSpace(s))) {
	case "", PlanFree:
		return PlanFree, nil
	case PlanPremium:
		return PlanPremium, nil
	default:
		return "", fmt.Errorf("unknown plan %q", s)
	}
}
