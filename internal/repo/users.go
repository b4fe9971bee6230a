package repo

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"ideafactory/internal/domain"
)

func scanUser(row rowScanner) (domain.User, error) {
	var u domain.User
	var terms sql.NullString
	err := row.Scan(&u.ID, &u.Email, &u.Name, &u.Role, &terms, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return u, ErrNotFound
	}
	if terms.Valid {
		u.TermsAcceptedAt = &terms.String
	}
	return u, err
}

const userColumns = `id,COALESCE(email,''),COALESCE(name,''),role,terms_accepted_at,created_at`

// EnsureUser inserts the user on first sight and refreshes email and name
// afterwards. The role of an existing user is never changed here.
func (r Repo) EnsureUser(ctx context.Context, u domain.User) (domain.User, error) {
	if strings.TrimSpace(u.ID) == "" {
		return u, errors.New("user id required")
	}
	if u.Role == "" {
		u.Role = domain.RoleCollaborator
	}
	if u.CreatedAt == "" {
		u.CreatedAt = r.now()
	}
	_, err := r.DB.ExecContext(ctx, `INSERT INTO users(id,email,name,role,created_at) VALUES (?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET email=COALESCE(excluded.email, users.email), name=COALESCE(excluded.name, users.name)`,
		u.ID, nullable(u.Email), nullable(u.Name), u.Role, u.CreatedAt)
	if err != nil {
		return u, err
	}
	return r.GetUser(ctx, u.ID)
}

func (r Repo) GetUser(ctx context.Context, id string) (domain.User, error) {
	return scanUser(r.DB.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id=?`, id))
}

func (r Repo) ListUsers(ctx context.Context) ([]domain.User, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+userColumns+` FROM users ORDER BY created_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, u)
	}
	return res, rows.Err()
}

func (r Repo) SetUserRole(ctx context.Context, id, role string) error {
	if role != domain.RoleAdmin && role != domain.RoleCollaborator {
		return errors.New("role must be admin or collaborator")
	}
	res, err := r.DB.ExecContext(ctx, `UPDATE users SET role=? WHERE id=?`, role, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// AcceptTerms stamps the first acceptance time; later calls keep it.
func (r Repo) AcceptTerms(ctx context.Context, id string) (domain.User, error) {
	res, err := r.DB.ExecContext(ctx, `UPDATE users SET terms_accepted_at=COALESCE(terms_accepted_at, ?) WHERE id=?`, r.now(), id)
	if err != nil {
		return domain.User{}, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.User{}, ErrNotFound
	}
	return r.GetUser(ctx, id)
}
