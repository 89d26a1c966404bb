package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"kiln/internal/domain"
)

const buildCols = `id,project_id,dir_id,user_id,package_id,
COALESCE(pkg_name,''),COALESCE(pkg_version,''),submitted_on,
source_type,COALESCE(source_json,''),source_status,
COALESCE(srpm_url,''),COALESCE(result_dir,''),timeout`

func scanBuildRow(scan func(...any) error) (domain.Build, error) {
	var b domain.Build
	var pkgID sql.NullInt64
	err := scan(&b.ID, &b.ProjectID, &b.DirID, &b.UserID, &pkgID,
		&b.PkgName, &b.PkgVersion, &b.SubmittedOn,
		&b.SourceType, &b.SourceJSON, &b.SourceStatus,
		&b.SrpmURL, &b.ResultDir, &b.Timeout)
	if err != nil {
		return b, err
	}
	if pkgID.Valid {
		b.PackageID = &pkgID.Int64
	}
	return b, nil
}

func (r Repo) InsertBuildTx(ctx context.Context, tx *sql.Tx, b domain.Build) (int64, error) {
	res, err := tx.ExecContext(ctx, `INSERT INTO builds(project_id,dir_id,user_id,package_id,pkg_name,pkg_version,submitted_on,source_type,source_json,source_status,srpm_url,result_dir,timeout)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		b.ProjectID, b.DirID, b.UserID, nullInt(b.PackageID), nullable(b.PkgName), nullable(b.PkgVersion),
		b.SubmittedOn, b.SourceType, nullable(b.SourceJSON), b.SourceStatus,
		nullable(b.SrpmURL), nullable(b.ResultDir), b.Timeout)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (r Repo) GetBuild(ctx context.Context, id int64) (domain.Build, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+buildCols+` FROM builds WHERE id=?`, id)
	b, err := scanBuildRow(row.Scan)
	if err == sql.ErrNoRows {
		return b, ErrNotFound
	}
	return b, err
}

// GetBuilds fetches multiple builds by id; missing ids are simply
// absent from the result.
func (r Repo) GetBuilds(ctx context.Context, ids []int64) ([]domain.Build, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	placeholders := strings.TrimRight(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	rows, err := r.DB.QueryContext(ctx, fmt.Sprintf(`SELECT %s FROM builds WHERE id IN (%s)`, buildCols, placeholders), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Build
	for rows.Next() {
		b, err := scanBuildRow(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, b)
	}
	return res, rows.Err()
}

func (r Repo) ListBuilds(ctx context.Context, projectID int64, limit int) ([]domain.Build, error) {
	query := `SELECT ` + buildCols + ` FROM builds WHERE project_id=? ORDER BY submitted_on DESC, id DESC`
	args := []any{projectID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Build
	for rows.Next() {
		b, err := scanBuildRow(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, b)
	}
	return res, rows.Err()
}

func (r Repo) UpdateBuildSourceTx(ctx context.Context, tx *sql.Tx, id int64, status, pkgName, pkgVersion, srpmURL, resultDir string) error {
	res, err := tx.ExecContext(ctx, `UPDATE builds SET source_status=?, pkg_name=COALESCE(?,pkg_name), pkg_version=COALESCE(?,pkg_version), srpm_url=COALESCE(?,srpm_url), result_dir=COALESCE(?,result_dir) WHERE id=?`,
		status, nullable(pkgName), nullable(pkgVersion), nullable(srpmURL), nullable(resultDir), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) SetBuildPackageTx(ctx context.Context, tx *sql.Tx, buildID, packageID int64) error {
	_, err := tx.ExecContext(ctx, `UPDATE builds SET package_id=? WHERE id=?`, packageID, buildID)
	return err
}

func (r Repo) DeleteBuildTx(ctx context.Context, tx *sql.Tx, id int64) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM builds WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ImportingQueue lists builds whose sources still need importing,
// oldest first.
func (r Repo) ImportingQueue(ctx context.Context) ([]domain.Build, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+buildCols+` FROM builds WHERE source_status=? ORDER BY submitted_on ASC, id ASC`,
		domain.StatusImporting)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Build
	for rows.Next() {
		b, err := scanBuildRow(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, b)
	}
	return res, rows.Err()
}

// PendingSrpmBuilds lists builds whose source stage is in any of the
// given statuses, oldest first.
func (r Repo) PendingSrpmBuilds(ctx context.Context, statuses []string) ([]domain.Build, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	placeholders := strings.TrimRight(strings.Repeat("?,", len(statuses)), ",")
	args := make([]any, len(statuses))
	for i, s := range statuses {
		args[i] = s
	}
	rows, err := r.DB.QueryContext(ctx, fmt.Sprintf(`SELECT %s FROM builds WHERE source_status IN (%s) ORDER BY submitted_on ASC, id ASC`, buildCols, placeholders), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Build
	for rows.Next() {
		b, err := scanBuildRow(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, b)
	}
	return res, rows.Err()
}

const buildChrootCols = `bc.id,bc.build_id,bc.project_chroot_id,bc.mock_chroot_id,bc.status,bc.started_on,bc.ended_on,COALESCE(bc.result_dir,''),
mc.os_release || '-' || mc.os_version || '-' || mc.arch AS name,b.submitted_on`

const buildChrootFrom = ` FROM build_chroots bc
JOIN mock_chroots mc ON mc.id=bc.mock_chroot_id
JOIN builds b ON b.id=bc.build_id`

func scanBuildChrootRow(scan func(...any) error) (domain.BuildChroot, error) {
	var bc domain.BuildChroot
	var started, ended sql.NullInt64
	err := scan(&bc.ID, &bc.BuildID, &bc.ProjectChrootID, &bc.MockChrootID, &bc.Status, &started, &ended, &bc.ResultDir,
		&bc.Name, &bc.SubmittedOn)
	if err != nil {
		return bc, err
	}
	if started.Valid {
		bc.StartedOn = &started.Int64
	}
	if ended.Valid {
		bc.EndedOn = &ended.Int64
	}
	return bc, nil
}

func (r Repo) InsertBuildChrootTx(ctx context.Context, tx *sql.Tx, bc domain.BuildChroot) (int64, error) {
	res, err := tx.ExecContext(ctx, `INSERT INTO build_chroots(build_id,project_chroot_id,mock_chroot_id,status,started_on,ended_on,result_dir) VALUES (?,?,?,?,?,?,?)`,
		bc.BuildID, bc.ProjectChrootID, bc.MockChrootID, bc.Status, bc.StartedOn, bc.EndedOn, nullable(bc.ResultDir))
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (r Repo) GetBuildChroot(ctx context.Context, buildID, mockChrootID int64) (domain.BuildChroot, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+buildChrootCols+buildChrootFrom+` WHERE bc.build_id=? AND bc.mock_chroot_id=?`,
		buildID, mockChrootID)
	bc, err := scanBuildChrootRow(row.Scan)
	if err == sql.ErrNoRows {
		return bc, ErrNotFound
	}
	return bc, err
}

func (r Repo) listBuildChroots(ctx context.Context, where, order string, args ...any) ([]domain.BuildChroot, error) {
	query := `SELECT ` + buildChrootCols + buildChrootFrom
	if where != "" {
		query += ` WHERE ` + where
	}
	query += ` ORDER BY ` + order
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.BuildChroot
	for rows.Next() {
		bc, err := scanBuildChrootRow(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, bc)
	}
	return res, rows.Err()
}

func (r Repo) ListBuildChroots(ctx context.Context, buildID int64) ([]domain.BuildChroot, error) {
	return r.listBuildChroots(ctx, `bc.build_id=?`, `name`, buildID)
}

// ListBuildChrootsByStatuses returns tasks in any of the given
// statuses, oldest submitted build first.
func (r Repo) ListBuildChrootsByStatuses(ctx context.Context, statuses []string) ([]domain.BuildChroot, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	placeholders := strings.TrimRight(strings.Repeat("?,", len(statuses)), ",")
	args := make([]any, len(statuses))
	for i, s := range statuses {
		args[i] = s
	}
	return r.listBuildChroots(ctx, fmt.Sprintf(`bc.status IN (%s)`, placeholders), `b.submitted_on ASC, bc.id ASC`, args...)
}

// ListStuckFailedBuildChroots returns failed tasks that never recorded
// an ended_on timestamp; the backend re-adopts these.
func (r Repo) ListStuckFailedBuildChroots(ctx context.Context) ([]domain.BuildChroot, error) {
	return r.listBuildChroots(ctx, `bc.status=? AND bc.ended_on IS NULL`, `b.submitted_on ASC, bc.id ASC`, domain.StatusFailed)
}

// ListUnfinishedBuildChrootsOnProjectChroot returns the tasks that
// block disabling a chroot.
func (r Repo) ListUnfinishedBuildChrootsOnProjectChroot(ctx context.Context, projectChrootID int64) ([]domain.BuildChroot, error) {
	return r.listBuildChroots(ctx,
		`bc.project_chroot_id=? AND bc.status IN (?,?,?,?,?)`, `bc.id ASC`,
		projectChrootID,
		domain.StatusWaiting, domain.StatusImporting, domain.StatusPending, domain.StatusStarting, domain.StatusRunning)
}

// ListOrphanBuildChroots finds tasks in the project still pointing at
// other project_chroot rows for the same mock chroot (left behind by a
// disable/re-enable cycle).
func (r Repo) ListOrphanBuildChroots(ctx context.Context, projectID, mockChrootID, currentProjectChrootID int64) ([]domain.BuildChroot, error) {
	return r.listBuildChroots(ctx,
		`b.project_id=? AND bc.mock_chroot_id=? AND bc.project_chroot_id!=?`, `bc.id ASC`,
		projectID, mockChrootID, currentProjectChrootID)
}

func (r Repo) RelinkBuildChrootsTx(ctx context.Context, tx *sql.Tx, fromProjectChrootID, toProjectChrootID int64) error {
	_, err := tx.ExecContext(ctx, `UPDATE build_chroots SET project_chroot_id=? WHERE project_chroot_id=?`,
		toProjectChrootID, fromProjectChrootID)
	return err
}

func (r Repo) UpdateBuildChrootStatusTx(ctx context.Context, tx *sql.Tx, id int64, status string, startedOn, endedOn *int64, resultDir string) error {
	res, err := tx.ExecContext(ctx, `UPDATE build_chroots SET status=?, started_on=COALESCE(?,started_on), ended_on=COALESCE(?,ended_on), result_dir=COALESCE(?,result_dir) WHERE id=?`,
		status, startedOn, endedOn, nullable(resultDir), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ReleaseWaitingBuildChrootsTx moves a build's waiting tasks to
// pending once its sources are imported.
func (r Repo) ReleaseWaitingBuildChrootsTx(ctx context.Context, tx *sql.Tx, buildID int64) error {
	_, err := tx.ExecContext(ctx, `UPDATE build_chroots SET status=? WHERE build_id=? AND status=?`,
		domain.StatusPending, buildID, domain.StatusWaiting)
	return err
}

func (r Repo) InsertBuildChrootResultTx(ctx context.Context, tx *sql.Tx, res domain.BuildChrootResult) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO build_chroot_results(build_chroot_id,name,epoch,version,release,arch) VALUES (?,?,?,?,?,?)`,
		res.BuildChrootID, res.Name, res.Epoch, res.Version, res.Release, res.Arch)
	return err
}

func (r Repo) ListBuildChrootResults(ctx context.Context, buildChrootID int64) ([]domain.BuildChrootResult, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,build_chroot_id,name,epoch,version,release,arch FROM build_chroot_results WHERE build_chroot_id=? ORDER BY name`, buildChrootID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.BuildChrootResult
	for rows.Next() {
		var rec domain.BuildChrootResult
		if err := rows.Scan(&rec.ID, &rec.BuildChrootID, &rec.Name, &rec.Epoch, &rec.Version, &rec.Release, &rec.Arch); err != nil {
			return nil, err
		}
		res = append(res, rec)
	}
	return res, rows.Err()
}

// ListBuildsByResultName returns builds in a project that produced a
// package with the given name in any chroot.
func (r Repo) ListBuildsByResultName(ctx context.Context, projectID int64, name string) ([]domain.Build, error) {
	rows, err := r.DB.QueryContext(ctx, fmt.Sprintf(`
SELECT DISTINCT %s FROM builds
WHERE project_id=? AND id IN (
  SELECT bc.build_id FROM build_chroots bc
  JOIN build_chroot_results bcr ON bcr.build_chroot_id=bc.id
  WHERE bcr.name=?
) ORDER BY submitted_on DESC, id DESC`, buildCols), projectID, name)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Build
	for rows.Next() {
		b, err := scanBuildRow(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, b)
	}
	return res, rows.Err()
}

func (r Repo) GetOrCreatePackageTx(ctx context.Context, tx *sql.Tx, projectID int64, name string) (domain.Package, error) {
	var p domain.Package
	err := tx.QueryRowContext(ctx, `SELECT id,project_id,name,max_builds FROM packages WHERE project_id=? AND name=?`, projectID, name).
		Scan(&p.ID, &p.ProjectID, &p.Name, &p.MaxBuilds)
	if err == nil {
		return p, nil
	}
	if err != sql.ErrNoRows {
		return p, err
	}
	res, err := tx.ExecContext(ctx, `INSERT INTO packages(project_id,name,max_builds) VALUES (?,?,0)`, projectID, name)
	if err != nil {
		return p, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return p, err
	}
	return domain.Package{ID: id, ProjectID: projectID, Name: name}, nil
}

func (r Repo) GetPackage(ctx context.Context, projectID int64, name string) (domain.Package, error) {
	var p domain.Package
	err := r.DB.QueryRowContext(ctx, `SELECT id,project_id,name,max_builds FROM packages WHERE project_id=? AND name=?`, projectID, name).
		Scan(&p.ID, &p.ProjectID, &p.Name, &p.MaxBuilds)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	return p, err
}

func (r Repo) ListPackages(ctx context.Context, projectID int64) ([]domain.Package, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,project_id,name,max_builds FROM packages WHERE project_id=? ORDER BY name`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Package
	for rows.Next() {
		var p domain.Package
		if err := rows.Scan(&p.ID, &p.ProjectID, &p.Name, &p.MaxBuilds); err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

func (r Repo) SetPackageMaxBuilds(ctx context.Context, projectID int64, name string, maxBuilds int) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE packages SET max_builds=? WHERE project_id=? AND name=?`, maxBuilds, projectID, name)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListPackageBuilds returns a package's builds ordered newest first.
func (r Repo) ListPackageBuilds(ctx context.Context, packageID int64) ([]domain.Build, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+buildCols+` FROM builds WHERE package_id=? ORDER BY submitted_on DESC, id DESC`, packageID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Build
	for rows.Next() {
		b, err := scanBuildRow(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, b)
	}
	return res, rows.Err()
}

// CountBuildChrootsOnProjectChroot reports whether any build ever
// targeted the chroot; repo URLs are only published once data exists.
func (r Repo) CountBuildChrootsOnProjectChroot(ctx context.Context, projectChrootID int64) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM build_chroots WHERE project_chroot_id=?`, projectChrootID).Scan(&n)
	return n, err
}
