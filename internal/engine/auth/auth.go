package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"ideafactory/internal/domain"
)

// ForbiddenError indicates missing permission.
type ForbiddenError struct {
	Permission string
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("permission %s required", e.Permission)
}

// ErrTermsNotAccepted is returned for writes by users who have not accepted
// the terms of use.
var ErrTermsNotAccepted = errors.New("terms of use must be accepted first")

const (
	PermIdeaRead      = "idea.read"
	PermIdeaSubmit    = "idea.submit"
	PermPipelineRun   = "pipeline.run"
	PermReviewWrite   = "review.write"
	PermIdeaArchive   = "idea.archive"
	PermUsersRead     = "users.read"
	PermUsersManage   = "users.manage"
	PermAPIKeysManage = "apikeys.manage"
)

var rolePermissions = map[string][]string{
	domain.RoleCollaborator: {
		PermIdeaRead,
		PermIdeaSubmit,
		PermPipelineRun,
		PermReviewWrite,
		PermAPIKeysManage,
	},
	domain.RoleAdmin: {
		PermIdeaRead,
		PermIdeaSubmit,
		PermPipelineRun,
		PermReviewWrite,
		PermIdeaArchive,
		PermUsersRead,
		PermUsersManage,
		PermAPIKeysManage,
	},
}

// Permissions lists what a role grants. Unknown roles grant nothing.
func Permissions(role string) []string {
	return append([]string(nil), rolePermissions[role]...)
}

// HasPermission reports whether role grants perm.
func HasPermission(role, perm string) bool {
	for _, p := range rolePermissions[role] {
		if p == perm {
			return true
		}
	}
	return false
}

// UserStore is the slice of the repository the service needs.
type UserStore interface {
	EnsureUser(ctx context.Context, u domain.User) (domain.User, error)
	GetUser(ctx context.Context, id string) (domain.User, error)
	SetUserRole(ctx context.Context, id, role string) error
}

// Service resolves authenticated identities to users and checks their
// permissions.
type Service struct {
	Users       UserStore
	AdminEmails []string
}

// Identity is what an authenticator knows about the caller.
type Identity struct {
	ID    string
	Email string
	Name  string
}

// Resolve upserts the user behind an identity. Users whose email is listed
// in AdminEmails are promoted to admin.
func (s Service) Resolve(ctx context.Context, id Identity) (domain.User, error) {
	if strings.TrimSpace(id.ID) == "" {
		return domain.User{}, errors.New("user id required")
	}
	u, err := s.Users.EnsureUser(ctx, domain.User{ID: id.ID, Email: id.Email, Name: id.Name})
	if err != nil {
		return u, err
	}
	if u.Role != domain.RoleAdmin && s.isAdminEmail(u.Email) {
		if err := s.Users.SetUserRole(ctx, u.ID, domain.RoleAdmin); err != nil {
			return u, err
		}
		u.Role = domain.RoleAdmin
	}
	return u, nil
}

func (s Service) isAdminEmail(email string) bool {
	email = strings.TrimSpace(email)
	if email == "" {
		return false
	}
	for _, a := range s.AdminEmails {
		if strings.EqualFold(strings.TrimSpace(a), email) {
			return true
		}
	}
	return false
}

// Require checks that the user holds perm.
func (s Service) Require(u domain.User, perm string) error {
	if !HasPermission(u.Role, perm) {
		return ForbiddenError{Permission: perm}
	}
	return nil
}

// RequireTerms checks that the user holds perm and has accepted the terms.
func (s Service) RequireTerms(u domain.User, perm string) error {
	if err := s.Require(u, perm); err != nil {
		return err
	}
	if u.TermsAcceptedAt == nil {
		return ErrTermsNotAccepted
	}
	return nil
}

// NewAPIKey returns a fresh plaintext API key. Only its hash is stored.
func NewAPIKey() string {
	return "ifx_" + strings.ReplaceAll(uuid.NewString()+uuid.NewString(), "-", "")
}
