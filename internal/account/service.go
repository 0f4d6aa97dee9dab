package account

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/edgegate/authd/internal/directory"
	"github.com/edgegate/authd/internal/shared"
)

// Directory is the slice of the cache and sync layer the engine calls.
type Directory interface {
	GetByID(ctx context.Context, id uuid.UUID) (*directory.User, error)
	GetByEmail(ctx context.Context, email string) (*directory.User, error)
	AddUser(ctx context.Context, candidate *directory.User) (*directory.User, error)
	UpdateUser(ctx context.Context, record *directory.User) (*directory.User, error)
	DeleteUser(ctx context.Context, id uuid.UUID) error
	Users(ctx context.Context) ([]directory.User, error)
}

// TokenIssuer signs claims tokens for authenticated users.
type TokenIssuer interface {
	Issue(id uuid.UUID, roles int) (string, error)
}

// Service implements the credential workflow rules on top of the directory
// and the token issuer. Every business outcome is reported through the
// response envelope; a non-nil error return means an unrecoverable fault
// (the authority confirmed a write without handing back a canonical record).
type Service struct {
	directory Directory
	tokens    TokenIssuer
	logger    *slog.Logger
}

// NewService constructs the workflow engine.
func NewService(dir Directory, tokens TokenIssuer, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{directory: dir, tokens: tokens, logger: logger}
}

// Authenticate verifies email/password credentials and issues a token.
// Authentication succeeds only for acknowledged accounts.
func (s *Service) Authenticate(ctx context.Context, email, password string) (AuthResponse, error) {
	u, err := s.directory.GetByEmail(ctx, email)
	if errors.Is(err, shared.ErrNotFound) {
		return authFailure(detailIncorrectCredentials), nil
	}
	if err != nil {
		s.logger.Warn("authenticate lookup", slog.Any("error", err))
		return authFailure(detailUnavailable), nil
	}
	if !u.Acknowledged {
		return authFailure(u.Roles.String() + detailNotVerifiedSuffix), nil
	}
	if bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)) != nil {
		return authFailure(detailIncorrectCredentials), nil
	}
	signed, err := s.tokens.Issue(u.ID, int(u.Roles))
	if err != nil {
		return AuthResponse{}, fmt.Errorf("account: issue token: %w", err)
	}
	return authSuccess(u, signed), nil
}

// Register creates an account. Only the base unprivileged role is acknowledged
// immediately; any elevated role waits for a separate acknowledgment step, and
// in that case no token is issued yet.
func (s *Service) Register(ctx context.Context, input RegisterInput) (AuthResponse, error) {
	_, err := s.directory.GetByEmail(ctx, input.Email)
	if err == nil {
		return authFailure(detailEmailInUse), nil
	}
	if !errors.Is(err, shared.ErrNotFound) {
		s.logger.Warn("register lookup", slog.Any("error", err))
		return authFailure(detailUnavailable), nil
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(input.Password), bcrypt.DefaultCost)
	if err != nil {
		return AuthResponse{}, fmt.Errorf("account: hash password: %w", err)
	}
	candidate := &directory.User{
		Username:     input.Username,
		Email:        directory.NormalizeEmail(input.Email),
		PasswordHash: string(hash),
		PhoneNumber:  input.PhoneNumber,
		Roles:        input.Roles,
		Acknowledged: input.Roles == directory.RoleUser,
	}

	stored, err := s.directory.AddUser(ctx, candidate)
	if errors.Is(err, shared.ErrEmailTaken) {
		return authFailure(detailEmailInUse), nil
	}
	if err != nil {
		s.logger.Warn("register add user", slog.Any("error", err))
		return authFailure(detailUnavailable), nil
	}

	signed := ""
	if stored.Acknowledged {
		if signed, err = s.tokens.Issue(stored.ID, int(stored.Roles)); err != nil {
			return AuthResponse{}, fmt.Errorf("account: issue token: %w", err)
		}
	}
	return authSuccess(stored, signed), nil
}

// Update applies a self-service partial update. The current password must be
// supplied and verified before any mutation; role and acknowledgment changes
// are not honoured on this path.
func (s *Service) Update(ctx context.Context, input UpdateInput) (AuthResponse, error) {
	u, resp, err := s.load(ctx, input.ID)
	if u == nil {
		return resp, err
	}
	if input.CurrentPassword == nil || *input.CurrentPassword == "" {
		return authFailure(detailPasswordRequired), nil
	}
	if bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(*input.CurrentPassword)) != nil {
		return authFailure(detailWrongPassword), nil
	}
	return s.applyUpdate(ctx, u, input, false)
}

// UpdateAsAdmin applies a partial update without a password check and may
// additionally change Roles and Acknowledged. Whether the caller is allowed
// to take this path is the boundary layer's decision, not this operation's.
func (s *Service) UpdateAsAdmin(ctx context.Context, input UpdateInput) (AuthResponse, error) {
	u, resp, err := s.load(ctx, input.ID)
	if u == nil {
		return resp, err
	}
	return s.applyUpdate(ctx, u, input, true)
}

func (s *Service) applyUpdate(ctx context.Context, u *directory.User, input UpdateInput, admin bool) (AuthResponse, error) {
	record := *u
	if input.Email != nil {
		record.Email = directory.NormalizeEmail(*input.Email)
	}
	if input.Username != nil {
		record.Username = *input.Username
	}
	if input.NewPassword != nil {
		hash, err := bcrypt.GenerateFromPassword([]byte(*input.NewPassword), bcrypt.DefaultCost)
		if err != nil {
			return AuthResponse{}, fmt.Errorf("account: hash password: %w", err)
		}
		record.PasswordHash = string(hash)
	}
	if input.PhoneNumber != nil {
		record.PhoneNumber = *input.PhoneNumber
	}
	if admin {
		if input.Roles != nil {
			record.Roles = *input.Roles
		}
		if input.Acknowledged != nil {
			record.Acknowledged = *input.Acknowledged
		}
	}

	updated, err := s.directory.UpdateUser(ctx, &record)
	if errors.Is(err, shared.ErrContractViolation) {
		return AuthResponse{}, fmt.Errorf("account: update user %s: %w", record.ID, err)
	}
	if err != nil {
		s.logger.Warn("update user", slog.String("user_id", record.ID.String()), slog.Any("error", err))
		return authFailure(detailUnavailable), nil
	}

	signed, err := s.tokens.Issue(updated.ID, int(updated.Roles))
	if err != nil {
		return AuthResponse{}, fmt.Errorf("account: issue token: %w", err)
	}
	return authSuccess(updated, signed), nil
}

// Delete removes the account and returns its public view as confirmation.
// The compliance purge notification is emitted by the directory as part of
// the delete.
func (s *Service) Delete(ctx context.Context, id uuid.UUID) (DeleteResponse, error) {
	u, err := s.directory.GetByID(ctx, id)
	if errors.Is(err, shared.ErrNotFound) {
		return DeleteResponse{Success: false, Details: detailUserMissing}, nil
	}
	if err != nil {
		s.logger.Warn("delete lookup", slog.Any("error", err))
		return DeleteResponse{Success: false, Details: detailUnavailable}, nil
	}

	if err := s.directory.DeleteUser(ctx, id); err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			return DeleteResponse{Success: false, Details: detailUserMissing}, nil
		}
		s.logger.Warn("delete user", slog.String("user_id", id.String()), slog.Any("error", err))
		return DeleteResponse{Success: false, Details: detailUnavailable}, nil
	}

	profile := profileOf(u)
	return DeleteResponse{Success: true, Result: &profile}, nil
}

// Introspect resolves the authenticated caller's current record and echoes
// the presented token back in the result.
func (s *Service) Introspect(ctx context.Context, id uuid.UUID, presentedToken string) (AuthResponse, error) {
	u, resp, err := s.load(ctx, id)
	if u == nil {
		return resp, err
	}
	return authSuccess(u, presentedToken), nil
}

// Users lists the public views of every known user, guaranteeing a completed
// bulk sync first.
func (s *Service) Users(ctx context.Context) ([]Profile, error) {
	users, err := s.directory.Users(ctx)
	if err != nil {
		return nil, err
	}
	profiles := make([]Profile, 0, len(users))
	for i := range users {
		profiles = append(profiles, profileOf(&users[i]))
	}
	return profiles, nil
}

func (s *Service) load(ctx context.Context, id uuid.UUID) (*directory.User, AuthResponse, error) {
	u, err := s.directory.GetByID(ctx, id)
	if errors.Is(err, shared.ErrNotFound) {
		return nil, authFailure(detailUserMissing), nil
	}
	if err != nil {
		s.logger.Warn("load user", slog.String("user_id", id.String()), slog.Any("error", err))
		return nil, authFailure(detailUnavailable), nil
	}
	return u, AuthResponse{}, nil
}
