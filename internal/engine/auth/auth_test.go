package auth

import (
	"context"
	"errors"
	"testing"

	"ideafactory/internal/domain"
)

type memUsers map[string]domain.User

func (m memUsers) EnsureUser(ctx context.Context, u domain.User) (domain.User, error) {
	if got, ok := m[u.ID]; ok {
		got.Email = u.Email
		m[u.ID] = got
		return got, nil
	}
	u.Role = domain.RoleCollaborator
	m[u.ID] = u
	return u, nil
}

func (m memUsers) GetUser(ctx context.Context, id string) (domain.User, error) {
	return m[id], nil
}

func (m memUsers) SetUserRole(ctx context.Context, id, role string) error {
	u := m[id]
	u.Role = role
	m[id] = u
	return nil
}

func TestRolePermissions(t *testing.T) {
	if !HasPermission(domain.RoleCollaborator, PermReviewWrite) {
		t.Fatalf("collaborators review ideas")
	}
	if HasPermission(domain.RoleCollaborator, PermUsersManage) {
		t.Fatalf("collaborators cannot manage users")
	}
	if !HasPermission(domain.RoleAdmin, PermIdeaArchive) {
		t.Fatalf("admins archive ideas")
	}
	if len(Permissions("ghost")) != 0 {
		t.Fatalf("unknown roles grant nothing")
	}
}

func TestResolvePromotesAdminEmails(t *testing.T) {
	users := memUsers{}
	svc := Service{Users: users, AdminEmails: []string{"Boss@Example.com"}}

	u, err := svc.Resolve(context.Background(), Identity{ID: "u1", Email: "boss@example.com"})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if u.Role != domain.RoleAdmin || users["u1"].Role != domain.RoleAdmin {
		t.Fatalf("expected admin, got %q", u.Role)
	}

	u, err = svc.Resolve(context.Background(), Identity{ID: "u2", Email: "dev@example.com"})
	if err != nil || u.Role != domain.RoleCollaborator {
		t.Fatalf("expected collaborator, got %+v %v", u, err)
	}
	if _, err := svc.Resolve(context.Background(), Identity{}); err == nil {
		t.Fatalf("expected error for empty id")
	}
}

func TestRequireTerms(t *testing.T) {
	svc := Service{}
	u := domain.User{ID: "u1", Role: domain.RoleCollaborator}
	if err := svc.RequireTerms(u, PermIdeaSubmit); !errors.Is(err, ErrTermsNotAccepted) {
		t.Fatalf("expected terms error, got %v", err)
	}
	ts := "2026-01-01T00:00:00Z"
	u.TermsAcceptedAt = &ts
	if err := svc.RequireTerms(u, PermIdeaSubmit); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var fe ForbiddenError
	if err := svc.RequireTerms(u, PermUsersManage); !errors.As(err, &fe) || fe.Permission != PermUsersManage {
		t.Fatalf("expected forbidden, got %v", err)
	}
}

func TestNewAPIKeyIsUnique(t *testing.T) {
	a, b := NewAPIKey(), NewAPIKey()
	if a == b || len(a) != 68 {
		t.Fatalf("unexpected keys %q %q", a, b)
	}
}
