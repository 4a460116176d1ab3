package api

import (
	"fmt"

	"github.com/roostlabs/roost/pkg/log"
)

// Capability grants privileged operations beyond role ownership.
type Capability string

// CapabilityRoot bypasses role checks entirely. Its use is audited.
const CapabilityRoot Capability = "ROOT"

// SessionKey is the caller's authenticated identity, produced by the
// transport layer's credential check.
type SessionKey struct {
	User         string
	Roles        []string
	Capabilities []Capability
}

// HasCapability reports whether the session carries the capability.
func (s *SessionKey) HasCapability(c Capability) bool {
	for _, have := range s.Capabilities {
		if have == c {
			return true
		}
	}
	return false
}

// AuthError is returned when a session lacks access to the roles an
// operation touches.
type AuthError struct {
	msg string
}

func (e *AuthError) Error() string { return e.msg }

// SessionValidator checks a session against the roles affected by an
// operation.
type SessionValidator interface {
	Authenticate(session *SessionKey, roles []string) error
}

// CapabilityValidator is the default validator: ROOT bypasses role checks
// (audited); everyone else must hold every affected role.
type CapabilityValidator struct{}

func (CapabilityValidator) Authenticate(session *SessionKey, roles []string) error {
	if session == nil || session.User == "" {
		return &AuthError{msg: "no session credentials provided"}
	}
	if session.HasCapability(CapabilityRoot) {
		log.WithComponent("auth").Info().
			Str("user", session.User).
			Strs("roles", roles).
			Msg("ROOT capability used")
		return nil
	}
	held := make(map[string]bool, len(session.Roles))
	for _, r := range session.Roles {
		held[r] = true
	}
	for _, r := range roles {
		if !held[r] {
			return &AuthError{msg: fmt.Sprintf("user %s is not authorized for role %s", session.User, r)}
		}
	}
	return nil
}
