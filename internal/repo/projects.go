package repo

import (
	"context"
	"database/sql"

	"kiln/internal/domain"
)

const projectCols = `p.id,p.name,p.user_id,p.group_id,
COALESCE(p.repos,''),COALESCE(p.description,''),COALESCE(p.instructions,''),
p.persistent,p.auto_prune,p.auto_createrepo,p.appstream,p.unlisted_on_hp,p.playground,
COALESCE(p.bootstrap,''),COALESCE(p.isolation,''),p.deleted,p.created_on,
COALESCE(u.name, '@' || g.name) AS owner_name`

const projectFrom = ` FROM projects p
LEFT JOIN users u ON u.id=p.user_id
LEFT JOIN groups g ON g.id=p.group_id`

func scanProjectRow(scan func(...any) error) (domain.Project, error) {
	var p domain.Project
	var userID, groupID sql.NullInt64
	err := scan(&p.ID, &p.Name, &userID, &groupID,
		&p.Repos, &p.Description, &p.Instructions,
		&p.Persistent, &p.AutoPrune, &p.AutoCreaterepo, &p.Appstream, &p.UnlistedOnHP, &p.Playground,
		&p.Bootstrap, &p.Isolation, &p.Deleted, &p.CreatedOn, &p.OwnerName)
	if err != nil {
		return p, err
	}
	if userID.Valid {
		p.UserID = &userID.Int64
	}
	if groupID.Valid {
		p.GroupID = &groupID.Int64
	}
	return p, nil
}

func (r Repo) InsertProjectTx(ctx context.Context, tx *sql.Tx, p domain.Project) (int64, error) {
	res, err := tx.ExecContext(ctx, `INSERT INTO projects(name,user_id,group_id,repos,description,instructions,persistent,auto_prune,auto_createrepo,appstream,unlisted_on_hp,playground,bootstrap,isolation,deleted,created_on)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		p.Name, nullInt(p.UserID), nullInt(p.GroupID), nullable(p.Repos), nullable(p.Description), nullable(p.Instructions),
		p.Persistent, p.AutoPrune, p.AutoCreaterepo, p.Appstream, p.UnlistedOnHP, p.Playground,
		nullable(p.Bootstrap), nullable(p.Isolation), p.Deleted, p.CreatedOn)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (r Repo) GetProject(ctx context.Context, id int64) (domain.Project, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+projectCols+projectFrom+` WHERE p.id=?`, id)
	p, err := scanProjectRow(row.Scan)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	return p, err
}

// GetProjectByOwner resolves "owner/name"; groupName empty means a
// user-owned project.
func (r Repo) GetProjectByOwner(ctx context.Context, userName, groupName, projectName string) (domain.Project, error) {
	var row *sql.Row
	if groupName != "" {
		row = r.DB.QueryRowContext(ctx, `SELECT `+projectCols+projectFrom+` WHERE g.name=? AND p.name=? AND p.deleted=0`,
			groupName, projectName)
	} else {
		row = r.DB.QueryRowContext(ctx, `SELECT `+projectCols+projectFrom+` WHERE u.name=? AND p.name=? AND p.group_id IS NULL AND p.deleted=0`,
			userName, projectName)
	}
	p, err := scanProjectRow(row.Scan)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	return p, err
}

// CountProjectsByOwnerNameTx counts non-deleted projects with this
// name in the owner scope. Used for uniqueness checks inside the
// create transaction.
func (r Repo) CountProjectsByOwnerNameTx(ctx context.Context, tx *sql.Tx, owner domain.Owner, name string) (int, error) {
	var row *sql.Row
	if owner.GroupID != nil {
		row = tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM projects WHERE group_id=? AND name=? AND deleted=0`, *owner.GroupID, name)
	} else {
		row = tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM projects WHERE user_id=? AND group_id IS NULL AND name=? AND deleted=0`, *owner.UserID, name)
	}
	var n int
	err := row.Scan(&n)
	return n, err
}

func (r Repo) listProjects(ctx context.Context, where string, args ...any) ([]domain.Project, error) {
	query := `SELECT ` + projectCols + projectFrom
	if where != "" {
		query += ` WHERE ` + where
	}
	query += ` ORDER BY p.created_on DESC, p.id DESC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Project
	for rows.Next() {
		p, err := scanProjectRow(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

func (r Repo) ListProjects(ctx context.Context) ([]domain.Project, error) {
	return r.listProjects(ctx, `p.deleted=0`)
}

// ListHomepageProjects excludes deleted and unlisted projects.
func (r Repo) ListHomepageProjects(ctx context.Context) ([]domain.Project, error) {
	return r.listProjects(ctx, `p.deleted=0 AND p.unlisted_on_hp=0`)
}

func (r Repo) ListProjectsByUser(ctx context.Context, userID int64) ([]domain.Project, error) {
	return r.listProjects(ctx, `p.user_id=? AND p.group_id IS NULL AND p.deleted=0`, userID)
}

func (r Repo) ListProjectsByGroup(ctx context.Context, groupID int64) ([]domain.Project, error) {
	return r.listProjects(ctx, `p.group_id=? AND p.deleted=0`, groupID)
}

func (r Repo) UpdateProjectTx(ctx context.Context, tx *sql.Tx, p domain.Project) error {
	res, err := tx.ExecContext(ctx, `UPDATE projects SET repos=?,description=?,instructions=?,persistent=?,auto_prune=?,auto_createrepo=?,appstream=?,unlisted_on_hp=?,playground=?,bootstrap=?,isolation=? WHERE id=?`,
		nullable(p.Repos), nullable(p.Description), nullable(p.Instructions),
		p.Persistent, p.AutoPrune, p.AutoCreaterepo, p.Appstream, p.UnlistedOnHP, p.Playground,
		nullable(p.Bootstrap), nullable(p.Isolation), p.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) MarkProjectDeletedTx(ctx context.Context, tx *sql.Tx, id int64) error {
	res, err := tx.ExecContext(ctx, `UPDATE projects SET deleted=1 WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) InsertProjectDirTx(ctx context.Context, tx *sql.Tx, d domain.ProjectDir) (int64, error) {
	res, err := tx.ExecContext(ctx, `INSERT INTO project_dirs(project_id,name,main) VALUES (?,?,?)`,
		d.ProjectID, d.Name, d.Main)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func scanProjectDir(row *sql.Row) (domain.ProjectDir, error) {
	var d domain.ProjectDir
	err := row.Scan(&d.ID, &d.ProjectID, &d.Name, &d.Main)
	if err == sql.ErrNoRows {
		return d, ErrNotFound
	}
	return d, err
}

func (r Repo) GetProjectDir(ctx context.Context, projectID int64, name string) (domain.ProjectDir, error) {
	return scanProjectDir(r.DB.QueryRowContext(ctx, `SELECT id,project_id,name,main FROM project_dirs WHERE project_id=? AND name=?`, projectID, name))
}

func (r Repo) GetMainProjectDir(ctx context.Context, projectID int64) (domain.ProjectDir, error) {
	return scanProjectDir(r.DB.QueryRowContext(ctx, `SELECT id,project_id,name,main FROM project_dirs WHERE project_id=? AND main=1`, projectID))
}

func (r Repo) ListProjectDirs(ctx context.Context, projectID int64) ([]domain.ProjectDir, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,project_id,name,main FROM project_dirs WHERE project_id=? ORDER BY main DESC, name`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ProjectDir
	for rows.Next() {
		var d domain.ProjectDir
		if err := rows.Scan(&d.ID, &d.ProjectID, &d.Name, &d.Main); err != nil {
			return nil, err
		}
		res = append(res, d)
	}
	return res, rows.Err()
}

// UpsertProjectScore records one user's vote, replacing any earlier
// vote by the same user.
func (r Repo) UpsertProjectScore(ctx context.Context, projectID, userID int64, score int) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO project_scores(project_id,user_id,score) VALUES (?,?,?)
ON CONFLICT(project_id,user_id) DO UPDATE SET score=excluded.score`, projectID, userID, score)
	return err
}

func (r Repo) DeleteProjectScore(ctx context.Context, projectID, userID int64) error {
	_, err := r.DB.ExecContext(ctx, `DELETE FROM project_scores WHERE project_id=? AND user_id=?`, projectID, userID)
	return err
}

// ProjectScore sums all votes for the project.
func (r Repo) ProjectScore(ctx context.Context, projectID int64) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT COALESCE(SUM(score),0) FROM project_scores WHERE project_id=?`, projectID).Scan(&n)
	return n, err
}

// ReplacePinnedProjects swaps a user's full pin list; order of ids is
// the display order.
func (r Repo) ReplacePinnedProjects(ctx context.Context, userID int64, projectIDs []int64) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `DELETE FROM pinned_projects WHERE user_id=?`, userID); err != nil {
		return err
	}
	for i, id := range projectIDs {
		if _, err := tx.ExecContext(ctx, `INSERT INTO pinned_projects(user_id,project_id,position) VALUES (?,?,?)`, userID, id, i); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// ListPinnedProjects returns a user's pinned projects in pin order,
// skipping any that were deleted since pinning.
func (r Repo) ListPinnedProjects(ctx context.Context, userID int64) ([]domain.Project, error) {
	query := `SELECT ` + projectCols + projectFrom + `
JOIN pinned_projects pin ON pin.project_id=p.id
WHERE pin.user_id=? AND p.deleted=0
ORDER BY pin.position`
	rows, err := r.DB.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Project
	for rows.Next() {
		p, err := scanProjectRow(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}
