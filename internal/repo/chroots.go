package repo

import (
	"context"
	"database/sql"

	"kiln/internal/domain"
)

const mockChrootCols = `id,os_release,os_version,arch,is_active,final_prunerepo_done,COALESCE(comment,'')`

func scanMockChroot(row *sql.Row) (domain.MockChroot, error) {
	var m domain.MockChroot
	err := row.Scan(&m.ID, &m.OSRelease, &m.OSVersion, &m.Arch, &m.IsActive, &m.FinalPrunerepoDone, &m.Comment)
	if err == sql.ErrNoRows {
		return m, ErrNotFound
	}
	return m, err
}

func (r Repo) InsertMockChroot(ctx context.Context, m domain.MockChroot) (int64, error) {
	res, err := r.DB.ExecContext(ctx, `INSERT INTO mock_chroots(os_release,os_version,arch,is_active,final_prunerepo_done,comment) VALUES (?,?,?,?,?,?)`,
		m.OSRelease, m.OSVersion, m.Arch, m.IsActive, m.FinalPrunerepoDone, nullable(m.Comment))
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (r Repo) GetMockChroot(ctx context.Context, id int64) (domain.MockChroot, error) {
	return scanMockChroot(r.DB.QueryRowContext(ctx, `SELECT `+mockChrootCols+` FROM mock_chroots WHERE id=?`, id))
}

func (r Repo) GetMockChrootByFields(ctx context.Context, release, version, arch string) (domain.MockChroot, error) {
	return scanMockChroot(r.DB.QueryRowContext(ctx,
		`SELECT `+mockChrootCols+` FROM mock_chroots WHERE os_release=? AND os_version=? AND arch=?`,
		release, version, arch))
}

func (r Repo) ListMockChroots(ctx context.Context, activeOnly bool) ([]domain.MockChroot, error) {
	query := `SELECT ` + mockChrootCols + ` FROM mock_chroots`
	if activeOnly {
		query += ` WHERE is_active=1`
	}
	query += ` ORDER BY os_release,os_version,arch`
	rows, err := r.DB.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.MockChroot
	for rows.Next() {
		var m domain.MockChroot
		if err := rows.Scan(&m.ID, &m.OSRelease, &m.OSVersion, &m.Arch, &m.IsActive, &m.FinalPrunerepoDone, &m.Comment); err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	return res, rows.Err()
}

func (r Repo) SetMockChrootActive(ctx context.Context, id int64, active bool) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE mock_chroots SET is_active=? WHERE id=?`, active, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) SetMockChrootComment(ctx context.Context, id int64, comment string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE mock_chroots SET comment=? WHERE id=?`, nullable(comment), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) SetFinalPrunerepoDone(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	for _, id := range ids {
		if _, err := r.DB.ExecContext(ctx, `UPDATE mock_chroots SET final_prunerepo_done=1 WHERE id=?`, id); err != nil {
			return err
		}
	}
	return nil
}

const projectChrootCols = `pc.id,pc.project_id,pc.mock_chroot_id,
COALESCE(pc.buildroot_pkgs,''),COALESCE(pc.repos,''),COALESCE(pc.module_toggle,''),
COALESCE(pc.with_opts,''),COALESCE(pc.without_opts,''),
COALESCE(pc.comps_name,''),COALESCE(pc.comps,''),
COALESCE(pc.bootstrap,''),COALESCE(pc.bootstrap_image,''),COALESCE(pc.isolation,''),
pc.deleted,pc.delete_after,pc.delete_notify,
mc.os_release || '-' || mc.os_version || '-' || mc.arch AS name,mc.is_active`

const projectChrootFrom = ` FROM project_chroots pc JOIN mock_chroots mc ON mc.id=pc.mock_chroot_id`

func scanProjectChrootRow(scan func(...any) error) (domain.ProjectChroot, error) {
	var pc domain.ProjectChroot
	var deleteAfter sql.NullString
	err := scan(&pc.ID, &pc.ProjectID, &pc.MockChrootID,
		&pc.BuildrootPkgs, &pc.Repos, &pc.ModuleToggle,
		&pc.WithOpts, &pc.WithoutOpts,
		&pc.CompsName, &pc.Comps,
		&pc.Bootstrap, &pc.BootstrapImage, &pc.Isolation,
		&pc.Deleted, &deleteAfter, &pc.DeleteNotify,
		&pc.Name, &pc.IsActive)
	if err != nil {
		return pc, err
	}
	if deleteAfter.Valid {
		pc.DeleteAfter = &deleteAfter.String
	}
	return pc, nil
}

func (r Repo) InsertProjectChrootTx(ctx context.Context, tx *sql.Tx, pc domain.ProjectChroot) (int64, error) {
	res, err := tx.ExecContext(ctx, `INSERT INTO project_chroots(project_id,mock_chroot_id,buildroot_pkgs,repos,module_toggle,with_opts,without_opts,comps_name,comps,bootstrap,bootstrap_image,isolation,deleted,delete_after,delete_notify)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		pc.ProjectID, pc.MockChrootID, nullable(pc.BuildrootPkgs), nullable(pc.Repos), nullable(pc.ModuleToggle),
		nullable(pc.WithOpts), nullable(pc.WithoutOpts), nullable(pc.CompsName), nullable(pc.Comps),
		nullable(pc.Bootstrap), nullable(pc.BootstrapImage), nullable(pc.Isolation),
		pc.Deleted, pc.DeleteAfter, pc.DeleteNotify)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (r Repo) GetProjectChroot(ctx context.Context, projectID, mockChrootID int64) (domain.ProjectChroot, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+projectChrootCols+projectChrootFrom+` WHERE pc.project_id=? AND pc.mock_chroot_id=?`,
		projectID, mockChrootID)
	pc, err := scanProjectChrootRow(row.Scan)
	if err == sql.ErrNoRows {
		return pc, ErrNotFound
	}
	return pc, err
}

func (r Repo) GetProjectChrootByID(ctx context.Context, id int64) (domain.ProjectChroot, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+projectChrootCols+projectChrootFrom+` WHERE pc.id=?`, id)
	pc, err := scanProjectChrootRow(row.Scan)
	if err == sql.ErrNoRows {
		return pc, ErrNotFound
	}
	return pc, err
}

func (r Repo) listProjectChroots(ctx context.Context, where string, args ...any) ([]domain.ProjectChroot, error) {
	query := `SELECT ` + projectChrootCols + projectChrootFrom
	if where != "" {
		query += ` WHERE ` + where
	}
	query += ` ORDER BY name`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ProjectChroot
	for rows.Next() {
		pc, err := scanProjectChrootRow(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, pc)
	}
	return res, rows.Err()
}

func (r Repo) ListProjectChroots(ctx context.Context, projectID int64, includeDeleted bool) ([]domain.ProjectChroot, error) {
	if includeDeleted {
		return r.listProjectChroots(ctx, `pc.project_id=?`, projectID)
	}
	return r.listProjectChroots(ctx, `pc.project_id=? AND pc.deleted=0`, projectID)
}

// ListOutdatedProjectChroots returns chroots in their grace period:
// disabled with a pending removal date that has not passed yet, whose
// catalog entry is itself EOL.
func (r Repo) ListOutdatedProjectChroots(ctx context.Context, now string) ([]domain.ProjectChroot, error) {
	return r.listProjectChroots(ctx, `pc.delete_after >= ? AND pc.deleted=0 AND mc.is_active=0`, now)
}

// ListPurgeEligibleProjectChroots returns chroots whose preservation
// period expired, whether unclicked or EOL.
func (r Repo) ListPurgeEligibleProjectChroots(ctx context.Context, now string) ([]domain.ProjectChroot, error) {
	return r.listProjectChroots(ctx, `pc.delete_after < ?`, now)
}

func (r Repo) UpdateProjectChrootConfigTx(ctx context.Context, tx *sql.Tx, pc domain.ProjectChroot) error {
	res, err := tx.ExecContext(ctx, `UPDATE project_chroots SET buildroot_pkgs=?,repos=?,module_toggle=?,with_opts=?,without_opts=?,comps_name=?,comps=?,bootstrap=?,bootstrap_image=?,isolation=? WHERE id=?`,
		nullable(pc.BuildrootPkgs), nullable(pc.Repos), nullable(pc.ModuleToggle),
		nullable(pc.WithOpts), nullable(pc.WithoutOpts), nullable(pc.CompsName), nullable(pc.Comps),
		nullable(pc.Bootstrap), nullable(pc.BootstrapImage), nullable(pc.Isolation), pc.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetProjectChrootLifecycleTx rewrites the deleted flag and removal
// schedule in one statement; nil deleteAfter clears the schedule.
func (r Repo) SetProjectChrootLifecycleTx(ctx context.Context, tx *sql.Tx, id int64, deleted bool, deleteAfter *string, deleteNotify bool) error {
	res, err := tx.ExecContext(ctx, `UPDATE project_chroots SET deleted=?,delete_after=?,delete_notify=? WHERE id=?`,
		deleted, deleteAfter, deleteNotify, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) SetProjectChrootDeleteNotify(ctx context.Context, id int64, notify bool) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE project_chroots SET delete_notify=? WHERE id=?`, notify, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
