package repo

import (
	"context"
	"database/sql"

	"kiln/internal/domain"
)

func (r Repo) GetPermission(ctx context.Context, projectID, userID int64) (domain.Permission, error) {
	row := r.DB.QueryRowContext(ctx, `
SELECT p.project_id,p.user_id,p.builder,p.admin,u.name
FROM permissions p JOIN users u ON u.id=p.user_id
WHERE p.project_id=? AND p.user_id=?`, projectID, userID)
	var perm domain.Permission
	err := row.Scan(&perm.ProjectID, &perm.UserID, &perm.Builder, &perm.Admin, &perm.UserName)
	if err == sql.ErrNoRows {
		return perm, ErrNotFound
	}
	return perm, err
}

func (r Repo) ListPermissions(ctx context.Context, projectID int64) ([]domain.Permission, error) {
	rows, err := r.DB.QueryContext(ctx, `
SELECT p.project_id,p.user_id,p.builder,p.admin,u.name
FROM permissions p JOIN users u ON u.id=p.user_id
WHERE p.project_id=? ORDER BY u.name`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Permission
	for rows.Next() {
		var perm domain.Permission
		if err := rows.Scan(&perm.ProjectID, &perm.UserID, &perm.Builder, &perm.Admin, &perm.UserName); err != nil {
			return nil, err
		}
		res = append(res, perm)
	}
	return res, rows.Err()
}

// UpsertPermissionTx writes both tri-state fields for the (project,
// user) pair, creating the row on first touch.
func (r Repo) UpsertPermissionTx(ctx context.Context, tx *sql.Tx, perm domain.Permission) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO permissions(project_id,user_id,builder,admin) VALUES (?,?,?,?)
ON CONFLICT(project_id,user_id) DO UPDATE SET builder=excluded.builder, admin=excluded.admin`,
		perm.ProjectID, perm.UserID, perm.Builder, perm.Admin)
	return err
}

// HasApprovedPermission reports whether the user holds an approved
// grant for the given field ("builder" or "admin").
func (r Repo) HasApprovedPermission(ctx context.Context, projectID, userID int64, field string) (bool, error) {
	query := `SELECT 1 FROM permissions WHERE project_id=? AND user_id=? AND builder='approved' LIMIT 1`
	if field == "admin" {
		query = `SELECT 1 FROM permissions WHERE project_id=? AND user_id=? AND admin='approved' LIMIT 1`
	}
	row := r.DB.QueryRowContext(ctx, query, projectID, userID)
	var n int
	err := row.Scan(&n)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}
