package account

import (
	"github.com/google/uuid"

	"github.com/edgegate/authd/internal/directory"
)

// Failure details returned through the response envelope. The wrong-email and
// wrong-password cases share one wording on purpose, so callers cannot probe
// which accounts exist.
const (
	detailIncorrectCredentials = "Email or password is incorrect."
	detailNotVerifiedSuffix    = " account is not verified."
	detailEmailInUse           = "Email is already in use."
	detailUserMissing          = "User does not exist."
	detailPasswordRequired     = "Please provide a password."
	detailWrongPassword        = "Current password is incorrect."
	detailUnavailable          = "Account service is temporarily unavailable."
)

// Profile is the public view of a user record. It never carries the password
// hash.
type Profile struct {
	ID           uuid.UUID      `json:"id"`
	Username     string         `json:"username"`
	Email        string         `json:"email"`
	PhoneNumber  string         `json:"phoneNumber"`
	Roles        directory.Role `json:"roles"`
	Acknowledged bool           `json:"acknowledged"`
}

// AuthResult is a profile plus the token issued for it, when one was issued.
type AuthResult struct {
	Profile
	Token string `json:"token,omitempty"`
}

// AuthResponse is the uniform outcome envelope for workflow operations.
// Success false means Result is absent and Details carries the cause;
// success true means Result is populated and Details is unused.
type AuthResponse struct {
	Success bool        `json:"success"`
	Details string      `json:"details,omitempty"`
	Result  *AuthResult `json:"result,omitempty"`
}

// DeleteResponse confirms a deletion with the removed user's public view.
type DeleteResponse struct {
	Success bool     `json:"success"`
	Details string   `json:"details,omitempty"`
	Result  *Profile `json:"result,omitempty"`
}

func profileOf(u *directory.User) Profile {
	return Profile{
		ID:           u.ID,
		Username:     u.Username,
		Email:        u.Email,
		PhoneNumber:  u.PhoneNumber,
		Roles:        u.Roles,
		Acknowledged: u.Acknowledged,
	}
}

func authFailure(details string) AuthResponse {
	return AuthResponse{Success: false, Details: details}
}

func authSuccess(u *directory.User, token string) AuthResponse {
	return AuthResponse{Success: true, Result: &AuthResult{Profile: profileOf(u), Token: token}}
}

// RegisterInput carries a registration request into the engine. The password
// is plaintext here and nowhere past the bcrypt call.
type RegisterInput struct {
	Email       string
	Username    string
	Password    string
	PhoneNumber string
	Roles       directory.Role
}

// UpdateInput carries a partial update. Nil fields are left unchanged.
// CurrentPassword is required on the self-service path and ignored on the
// admin path; Roles and Acknowledged are honoured only on the admin path.
type UpdateInput struct {
	ID              uuid.UUID
	CurrentPassword *string
	Email           *string
	Username        *string
	NewPassword     *string
	PhoneNumber     *string
	Roles           *directory.Role
	Acknowledged    *bool
}
