package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"kiln/internal/domain"
	"kiln/internal/repo"
)

// ParseChrootName splits "release-version-arch" from the right, so
// the release part may itself contain dashes ("centos-stream-8-x86_64"
// is centos-stream / 8 / x86_64). With noarch set, a two-segment
// "release-version" form is also accepted and arch comes back empty.
func ParseChrootName(name string, noarch bool) (release, version, arch string, err error) {
	n := 2
	if noarch {
		n = 1
	}
	parts := rsplitN(name, "-", n)
	switch {
	case noarch && len(parts) == 2:
		return parts[0], parts[1], "", nil
	case len(parts) == 3:
		return parts[0], parts[1], parts[2], nil
	}
	return "", "", "", MalformedArgumentError{Msg: fmt.Sprintf("chroot identification %q is not valid", name)}
}

// rsplitN splits s on sep keeping at most n separators, counted from
// the right.
func rsplitN(s, sep string, n int) []string {
	parts := strings.Split(s, sep)
	if len(parts) <= n+1 {
		return parts
	}
	head := strings.Join(parts[:len(parts)-n], sep)
	return append([]string{head}, parts[len(parts)-n:]...)
}

// RegisterChroot adds a new catalog entry.
func (e Engine) RegisterChroot(ctx context.Context, name string) (domain.MockChroot, error) {
	release, version, arch, err := ParseChrootName(name, false)
	if err != nil {
		return domain.MockChroot{}, err
	}
	if _, err := e.Repo.GetMockChrootByFields(ctx, release, version, arch); err == nil {
		return domain.MockChroot{}, DuplicateError{Msg: fmt.Sprintf("chroot %s already exists", name)}
	} else if !errors.Is(err, repo.ErrNotFound) {
		return domain.MockChroot{}, err
	}
	m := domain.MockChroot{OSRelease: release, OSVersion: version, Arch: arch, IsActive: true}
	id, err := e.Repo.InsertMockChroot(ctx, m)
	if err != nil {
		return domain.MockChroot{}, err
	}
	m.ID = id
	return m, nil
}

// SetChrootActive flips a catalog entry's EOL state. Deactivating
// starts the preservation clock on every project chroot still using
// it; reactivating stops the clock for the ones that were not
// unclicked in the meantime.
func (e Engine) SetChrootActive(ctx context.Context, name string, active bool) (domain.MockChroot, error) {
	m, err := e.getChrootByName(ctx, name)
	if err != nil {
		return domain.MockChroot{}, err
	}
	if m.IsActive == active {
		return m, nil
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.MockChroot{}, err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `UPDATE mock_chroots SET is_active=? WHERE id=?`, active, m.ID); err != nil {
		return domain.MockChroot{}, err
	}
	if active {
		_, err = tx.ExecContext(ctx, `UPDATE project_chroots SET delete_after=NULL, delete_notify=0 WHERE mock_chroot_id=? AND deleted=0`, m.ID)
	} else {
		deleteAfter := e.graceDeadline()
		_, err = tx.ExecContext(ctx, `UPDATE project_chroots SET delete_after=?, delete_notify=0 WHERE mock_chroot_id=? AND deleted=0`, deleteAfter, m.ID)
	}
	if err != nil {
		return domain.MockChroot{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.MockChroot{}, err
	}
	m.IsActive = active
	return m, nil
}

func (e Engine) graceDeadline() string {
	days := 7
	if e.Config != nil && e.Config.Chroots.GraceDays > 0 {
		days = e.Config.Chroots.GraceDays
	}
	return e.now().UTC().Add(time.Duration(days) * 24 * time.Hour).Format(time.RFC3339)
}

func (e Engine) getChrootByName(ctx context.Context, name string) (domain.MockChroot, error) {
	release, version, arch, err := ParseChrootName(name, false)
	if err != nil {
		return domain.MockChroot{}, err
	}
	return e.Repo.GetMockChrootByFields(ctx, release, version, arch)
}

// chrootsFromNames resolves all names or fails as a whole; an unknown
// name rejects the entire request.
func (e Engine) chrootsFromNames(ctx context.Context, names []string) ([]domain.MockChroot, error) {
	var res []domain.MockChroot
	var unknown []string
	for _, name := range names {
		m, err := e.getChrootByName(ctx, name)
		if errors.Is(err, repo.ErrNotFound) {
			unknown = append(unknown, name)
			continue
		}
		if err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	if len(unknown) > 0 {
		return nil, MalformedArgumentError{Msg: fmt.Sprintf("unknown chroot(s) %s", strings.Join(unknown, ", "))}
	}
	return res, nil
}

// AttachChrootsTx enables chroots on a freshly created project and
// queues a single highest-priority createrepo for them.
func (e Engine) AttachChrootsTx(ctx context.Context, tx *sql.Tx, p domain.Project, chroots []domain.MockChroot) error {
	var names []string
	for _, m := range chroots {
		if _, err := e.Repo.InsertProjectChrootTx(ctx, tx, domain.ProjectChroot{
			ProjectID:    p.ID,
			MockChrootID: m.ID,
		}); err != nil {
			return err
		}
		names = append(names, m.Name())
	}
	if len(names) == 0 {
		return nil
	}
	_, err := e.SendCreateRepo(ctx, tx, p, names, domain.PriorityHighest)
	return err
}

// SyncProjectChroots reconciles the project's enabled chroot set with
// names. Chroots absent from names are unclicked, except EOL ones
// which keep their preservation schedule. The whole request is
// rejected when any chroot to be removed still has unfinished build
// tasks.
func (e Engine) SyncProjectChroots(ctx context.Context, actor domain.User, p domain.Project, names []string) error {
	ok, err := e.CanEdit(ctx, actor, p)
	if err != nil {
		return err
	}
	if !ok {
		return InsufficientRightsError{Msg: "only owners and admins may update their projects"}
	}

	wanted, err := e.chrootsFromNames(ctx, names)
	if err != nil {
		return err
	}
	wantedIDs := make(map[int64]bool, len(wanted))
	for _, m := range wanted {
		wantedIDs[m.ID] = true
	}

	// Includes unclicked rows so re-enabling flips the flag back
	// instead of inserting a second row.
	current, err := e.Repo.ListProjectChroots(ctx, p.ID, true)
	if err != nil {
		return err
	}
	currentByMock := make(map[int64]domain.ProjectChroot, len(current))
	for _, pc := range current {
		currentByMock[pc.MockChrootID] = pc
	}

	// Pre-flight the removals so the sync is all-or-nothing.
	var toRemove []domain.ProjectChroot
	runningBuilds := map[int64]bool{}
	for _, pc := range current {
		if wantedIDs[pc.MockChrootID] || pc.Deleted {
			continue
		}
		if !pc.IsActive {
			// EOL chroots are not unclicked here; the preservation
			// machinery owns them.
			continue
		}
		unfinished, err := e.Repo.ListUnfinishedBuildChrootsOnProjectChroot(ctx, pc.ID)
		if err != nil {
			return err
		}
		for _, bc := range unfinished {
			runningBuilds[bc.BuildID] = true
		}
		toRemove = append(toRemove, pc)
	}
	if len(runningBuilds) > 0 {
		ids := make([]int64, 0, len(runningBuilds))
		for id := range runningBuilds {
			ids = append(ids, id)
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
		parts := make([]string, len(ids))
		for i, id := range ids {
			parts[i] = fmt.Sprintf("%d", id)
		}
		return ConflictingRequestError{Msg: fmt.Sprintf(
			"can't drop chroot from project, related build(s) %s still in progress", strings.Join(parts, ", "))}
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var runCreateRepoIn []string
	for _, m := range wanted {
		pc, exists := currentByMock[m.ID]
		if exists && !pc.Deleted {
			continue
		}
		if !exists {
			id, err := e.Repo.InsertProjectChrootTx(ctx, tx, domain.ProjectChroot{
				ProjectID:    p.ID,
				MockChrootID: m.ID,
			})
			if err != nil {
				return err
			}
			// Tasks from a previous enable cycle point at the old
			// row; adopt them.
			orphans, err := e.Repo.ListOrphanBuildChroots(ctx, p.ID, m.ID, id)
			if err != nil {
				return err
			}
			if len(orphans) > 0 {
				if err := e.Repo.RelinkBuildChrootsTx(ctx, tx, orphans[0].ProjectChrootID, id); err != nil {
					return err
				}
			}
		} else {
			if err := e.Repo.SetProjectChrootLifecycleTx(ctx, tx, pc.ID, false, nil, false); err != nil {
				return err
			}
		}
		// Side dirs created while the chroot was disabled have no
		// metadata yet, so createrepo runs even on re-enable.
		runCreateRepoIn = append(runCreateRepoIn, m.Name())
	}
	if len(runCreateRepoIn) > 0 {
		if _, err := e.SendCreateRepo(ctx, tx, p, runCreateRepoIn, domain.PriorityDefault); err != nil {
			return err
		}
	}

	deleteAfter := e.graceDeadline()
	for _, pc := range toRemove {
		if err := e.Repo.SetProjectChrootLifecycleTx(ctx, tx, pc.ID, true, &deleteAfter, false); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// RemoveProjectChroot unclicks a single chroot and starts its
// preservation clock. Removing an already unclicked chroot is a no-op
// so repeated calls cannot prolong the deadline.
func (e Engine) RemoveProjectChroot(ctx context.Context, actor domain.User, p domain.Project, name string) error {
	ok, err := e.CanEdit(ctx, actor, p)
	if err != nil {
		return err
	}
	if !ok {
		return InsufficientRightsError{Msg: "only owners and admins may update their projects"}
	}
	m, err := e.getChrootByName(ctx, name)
	if err != nil {
		return err
	}
	pc, err := e.Repo.GetProjectChroot(ctx, p.ID, m.ID)
	if err != nil {
		return err
	}
	if pc.Deleted {
		return nil
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	deleteAfter := e.graceDeadline()
	if err := e.Repo.SetProjectChrootLifecycleTx(ctx, tx, pc.ID, true, &deleteAfter, false); err != nil {
		return err
	}
	return tx.Commit()
}

// ProjectChrootUpdate carries optional config changes; nil fields are
// left untouched.
type ProjectChrootUpdate struct {
	BuildrootPkgs  *string
	Repos          *string
	ModuleToggle   *string
	WithOpts       *string
	WithoutOpts    *string
	CompsName      *string
	Comps          *string
	Bootstrap      *string
	BootstrapImage *string
	Isolation      *string
}

// UpdateProjectChroot edits one chroot's build configuration. Setting
// a comps name queues an update_comps action; clearing it queues one
// announcing the removal.
func (e Engine) UpdateProjectChroot(ctx context.Context, actor domain.User, p domain.Project, name string, upd ProjectChrootUpdate) (domain.ProjectChroot, error) {
	ok, err := e.CanEdit(ctx, actor, p)
	if err != nil {
		return domain.ProjectChroot{}, err
	}
	if !ok {
		return domain.ProjectChroot{}, InsufficientRightsError{Msg: "only owners and admins may update their projects"}
	}
	m, err := e.getChrootByName(ctx, name)
	if err != nil {
		return domain.ProjectChroot{}, err
	}
	pc, err := e.Repo.GetProjectChroot(ctx, p.ID, m.ID)
	if err != nil {
		return domain.ProjectChroot{}, err
	}

	apply := func(dst *string, src *string) {
		if src != nil {
			*dst = *src
		}
	}
	apply(&pc.BuildrootPkgs, upd.BuildrootPkgs)
	apply(&pc.ModuleToggle, upd.ModuleToggle)
	apply(&pc.WithOpts, upd.WithOpts)
	apply(&pc.WithoutOpts, upd.WithoutOpts)
	apply(&pc.Bootstrap, upd.Bootstrap)
	apply(&pc.Isolation, upd.Isolation)
	if upd.Repos != nil {
		pc.Repos = strings.ReplaceAll(*upd.Repos, "\n", " ")
	}
	if upd.BootstrapImage != nil {
		if pc.Bootstrap == "" {
			pc.Bootstrap = "custom_image"
		}
		pc.BootstrapImage = *upd.BootstrapImage
	}
	compsChanged := false
	if upd.CompsName != nil {
		pc.CompsName = *upd.CompsName
		if upd.Comps != nil {
			pc.Comps = *upd.Comps
		}
		if pc.CompsName == "" {
			pc.Comps = ""
		}
		compsChanged = true
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ProjectChroot{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateProjectChrootConfigTx(ctx, tx, pc); err != nil {
		return domain.ProjectChroot{}, err
	}
	if compsChanged {
		if _, err := e.SendUpdateComps(ctx, tx, p, pc.Name, pc.CompsName != ""); err != nil {
			return domain.ProjectChroot{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return domain.ProjectChroot{}, err
	}
	return pc, nil
}

// OutdatedProjectChroots lists chroots inside their preservation
// window: EOL but not unclicked, with time still remaining.
func (e Engine) OutdatedProjectChroots(ctx context.Context) ([]domain.ProjectChroot, error) {
	now := e.now().UTC().Format(time.RFC3339)
	return e.Repo.ListOutdatedProjectChroots(ctx, now)
}

// PurgeEligibleProjectChroots lists chroots whose preservation time
// ran out, either unclicked or EOL.
func (e Engine) PurgeEligibleProjectChroots(ctx context.Context) ([]domain.ProjectChroot, error) {
	now := e.now().UTC().Format(time.RFC3339)
	return e.Repo.ListPurgeEligibleProjectChroots(ctx, now)
}

// ExtendProjectChroot restarts the preservation clock for an EOL
// chroot the user still cares about.
func (e Engine) ExtendProjectChroot(ctx context.Context, actor domain.User, p domain.Project, name string) (domain.ProjectChroot, error) {
	ok, err := e.CanEdit(ctx, actor, p)
	if err != nil {
		return domain.ProjectChroot{}, err
	}
	if !ok {
		return domain.ProjectChroot{}, InsufficientRightsError{Msg: "only owners and admins may update their projects"}
	}
	m, err := e.getChrootByName(ctx, name)
	if err != nil {
		return domain.ProjectChroot{}, err
	}
	pc, err := e.Repo.GetProjectChroot(ctx, p.ID, m.ID)
	if err != nil {
		return domain.ProjectChroot{}, err
	}
	if pc.Deleted || pc.DeleteAfter == nil {
		return domain.ProjectChroot{}, BadRequestError{Msg: fmt.Sprintf("chroot %s is not awaiting removal", name)}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ProjectChroot{}, err
	}
	defer tx.Rollback()
	deleteAfter := e.graceDeadline()
	if err := e.Repo.SetProjectChrootLifecycleTx(ctx, tx, pc.ID, false, &deleteAfter, false); err != nil {
		return domain.ProjectChroot{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.ProjectChroot{}, err
	}
	pc.DeleteAfter = &deleteAfter
	pc.DeleteNotify = false
	return pc, nil
}

// PrunerepoCandidates reports catalog chroots that are EOL and still
// need one final prunerepo pass on the backend.
func (e Engine) PrunerepoCandidates(ctx context.Context) ([]domain.MockChroot, error) {
	all, err := e.Repo.ListMockChroots(ctx, false)
	if err != nil {
		return nil, err
	}
	var res []domain.MockChroot
	for _, m := range all {
		if !m.IsActive && !m.FinalPrunerepoDone {
			res = append(res, m)
		}
	}
	return res, nil
}

// ChrootStatus is the backend's view of one catalog entry when it
// plans pruning passes.
type ChrootStatus struct {
	Active             bool `json:"active"`
	FinalPrunerepoDone bool `json:"final_prunerepo_done"`
}

// ChrootStatuses reports active and prunerepo state for the whole
// catalog, keyed by chroot name.
func (e Engine) ChrootStatuses(ctx context.Context) (map[string]ChrootStatus, error) {
	all, err := e.Repo.ListMockChroots(ctx, false)
	if err != nil {
		return nil, err
	}
	res := make(map[string]ChrootStatus, len(all))
	for _, m := range all {
		res[m.Name()] = ChrootStatus{
			Active:             m.IsActive,
			FinalPrunerepoDone: m.FinalPrunerepoDone,
		}
	}
	return res, nil
}

// PrunerepoFinished records that the backend completed the final
// prunerepo pass for the named chroots. The flag only applies to EOL
// chroots; reports about chroots that are active (again) are ignored.
func (e Engine) PrunerepoFinished(ctx context.Context, names []string) error {
	chroots, err := e.chrootsFromNames(ctx, names)
	if err != nil {
		return err
	}
	ids := make([]int64, 0, len(chroots))
	for _, m := range chroots {
		if m.IsActive {
			continue
		}
		ids = append(ids, m.ID)
	}
	return e.Repo.SetFinalPrunerepoDone(ctx, ids)
}
