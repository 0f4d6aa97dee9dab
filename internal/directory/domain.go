package directory

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/text/unicode/norm"
)

// Role is a bitmask of account role flags. A user may hold several at once.
type Role int

const (
	// RoleUser is the base unprivileged role.
	RoleUser Role = 1 << iota
	// RoleAdmin grants administrative operations at the boundary.
	RoleAdmin
)

// Has reports whether the flag is set.
func (r Role) Has(flag Role) bool { return r&flag != 0 }

func (r Role) String() string {
	var parts []string
	if r.Has(RoleUser) {
		parts = append(parts, "User")
	}
	if r.Has(RoleAdmin) {
		parts = append(parts, "Admin")
	}
	if len(parts) == 0 {
		return fmt.Sprintf("Role(%d)", int(r))
	}
	return strings.Join(parts, "|")
}

// User mirrors the authority's user record. The JSON form is the wire format
// toward the authority and on the fanout channel; it carries the password
// hash, so it must never be rendered to HTTP callers directly.
type User struct {
	ID           uuid.UUID `json:"id"`
	Username     string    `json:"username"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"passwordHash,omitempty"`
	PhoneNumber  string    `json:"phoneNumber"`
	Roles        Role      `json:"roles"`
	Acknowledged bool      `json:"acknowledged"`
}

// NormalizeEmail folds an email address for lookups and authority calls:
// NFC normalization, trimmed, lower-cased.
func NormalizeEmail(email string) string {
	return norm.NFC.String(strings.ToLower(strings.TrimSpace(email)))
}
