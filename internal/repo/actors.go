package repo

import (
	"context"
	"database/sql"
	"strings"

	"fieldline/internal/domain"
)

func scanActor(scan func(...any) error) (domain.Actor, error) {
	var a domain.Actor
	var phone, email, createdBy sql.NullString
	err := scan(&a.ID, &a.Name, &a.Role, &a.Scope, &phone, &email, &createdBy, &a.CreatedAt)
	if err != nil {
		return a, err
	}
	if phone.Valid {
		a.Phone = phone.String
	}
	if email.Valid {
		a.Email = email.String
	}
	if createdBy.Valid {
		a.CreatedBy = &createdBy.String
	}
	return a, nil
}

func (r Repo) InsertActor(ctx context.Context, tx *sql.Tx, a domain.Actor) error {
	exec := r.DB.ExecContext
	if tx != nil {
		exec = tx.ExecContext
	}
	_, err := exec(ctx, `INSERT INTO actors(id,name,role,scope,phone,email,created_by,created_at) VALUES (?,?,?,?,?,?,?,?)`,
		a.ID, a.Name, a.Role, a.Scope, nullable(a.Phone), nullable(a.Email), nullableStringPtr(a.CreatedBy), a.CreatedAt)
	return err
}

// CountActorsByRole counts actors holding a role, inside the given tx when
// one is supplied.
func (r Repo) CountActorsByRole(ctx context.Context, tx *sql.Tx, role string) (int, error) {
	query := r.DB.QueryRowContext
	if tx != nil {
		query = tx.QueryRowContext
	}
	var n int
	err := query(ctx, `SELECT COUNT(*) FROM actors WHERE role=?`, role).Scan(&n)
	return n, err
}

func (r Repo) GetActor(ctx context.Context, id string) (domain.Actor, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT id,name,role,scope,phone,email,created_by,created_at FROM actors WHERE id=?`, id)
	a, err := scanActor(row.Scan)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	return a, err
}

type ActorFilters struct {
	Role      string
	Scope     string
	CreatedBy string
}

func (r Repo) ListActors(ctx context.Context, f ActorFilters) ([]domain.Actor, error) {
	var clauses []string
	var args []any
	if f.Role != "" {
		clauses = append(clauses, "role=?")
		args = append(args, f.Role)
	}
	if f.Scope != "" {
		clauses = append(clauses, "scope=?")
		args = append(args, f.Scope)
	}
	if f.CreatedBy != "" {
		clauses = append(clauses, "created_by=?")
		args = append(args, f.CreatedBy)
	}
	query := `SELECT id,name,role,scope,phone,email,created_by,created_at FROM actors`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY created_at ASC, id ASC"
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Actor
	for rows.Next() {
		a, err := scanActor(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}
