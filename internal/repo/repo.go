package repo

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"kiln/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullInt(p *int64) any {
	if p == nil {
		return nil
	}
	return *p
}

func (r Repo) InsertUser(ctx context.Context, u domain.User) (int64, error) {
	if u.CreatedAt == "" {
		u.CreatedAt = time.Now().UTC().Format(time.RFC3339)
	}
	res, err := r.DB.ExecContext(ctx, `INSERT INTO users(name,admin,created_at) VALUES (?,?,?)`,
		u.Name, u.Admin, u.CreatedAt)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func scanUser(row *sql.Row) (domain.User, error) {
	var u domain.User
	err := row.Scan(&u.ID, &u.Name, &u.Admin, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return u, ErrNotFound
	}
	return u, err
}

func (r Repo) GetUser(ctx context.Context, id int64) (domain.User, error) {
	return scanUser(r.DB.QueryRowContext(ctx, `SELECT id,name,admin,created_at FROM users WHERE id=?`, id))
}

func (r Repo) GetUserByName(ctx context.Context, name string) (domain.User, error) {
	return scanUser(r.DB.QueryRowContext(ctx, `SELECT id,name,admin,created_at FROM users WHERE name=?`, name))
}

func (r Repo) ListUsers(ctx context.Context) ([]domain.User, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,name,admin,created_at FROM users ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.User
	for rows.Next() {
		var u domain.User
		if err := rows.Scan(&u.ID, &u.Name, &u.Admin, &u.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, u)
	}
	return res, rows.Err()
}

func (r Repo) SetUserAdmin(ctx context.Context, id int64, admin bool) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE users SET admin=? WHERE id=?`, admin, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) InsertGroup(ctx context.Context, g domain.Group) (int64, error) {
	res, err := r.DB.ExecContext(ctx, `INSERT INTO groups(name) VALUES (?)`, g.Name)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (r Repo) GetGroupByName(ctx context.Context, name string) (domain.Group, error) {
	var g domain.Group
	err := r.DB.QueryRowContext(ctx, `SELECT id,name FROM groups WHERE name=?`, name).Scan(&g.ID, &g.Name)
	if err == sql.ErrNoRows {
		return g, ErrNotFound
	}
	return g, err
}

func (r Repo) AddGroupUser(ctx context.Context, groupID, userID int64) error {
	_, err := r.DB.ExecContext(ctx, `INSERT OR IGNORE INTO group_users(group_id,user_id) VALUES (?,?)`, groupID, userID)
	return err
}

func (r Repo) RemoveGroupUser(ctx context.Context, groupID, userID int64) error {
	_, err := r.DB.ExecContext(ctx, `DELETE FROM group_users WHERE group_id=? AND user_id=?`, groupID, userID)
	return err
}

func (r Repo) IsGroupMember(ctx context.Context, groupID, userID int64) (bool, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT 1 FROM group_users WHERE group_id=? AND user_id=? LIMIT 1`, groupID, userID)
	var n int
	err := row.Scan(&n)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

func (r Repo) ListGroupUsers(ctx context.Context, groupID int64) ([]domain.User, error) {
	rows, err := r.DB.QueryContext(ctx, `
SELECT u.id,u.name,u.admin,u.created_at FROM users u
JOIN group_users gu ON gu.user_id=u.id
WHERE gu.group_id=? ORDER BY u.name`, groupID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.User
	for rows.Next() {
		var u domain.User
		if err := rows.Scan(&u.ID, &u.Name, &u.Admin, &u.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, u)
	}
	return res, rows.Err()
}
