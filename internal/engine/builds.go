package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"

	"kiln/internal/domain"
	"kiln/internal/repo"
)

// BuildCreateOptions are parameters for submitting a build.
type BuildCreateOptions struct {
	DirName      string
	SourceType   string
	SourceURL    string
	CloneURL     string
	Committish   string
	Subdirectory string
	SpecFile     string
	PackageName  string
	ChrootNames  []string
	Timeout      int
}

// sourceDescriptor validates the source arguments for the chosen type
// and encodes them for the backend source worker.
func sourceDescriptor(opts BuildCreateOptions) ([]byte, error) {
	switch opts.SourceType {
	case domain.SourceSCM:
		if opts.CloneURL == "" {
			return nil, MalformedArgumentError{Msg: "clone_url is required for scm builds"}
		}
		desc := map[string]string{"clone_url": opts.CloneURL}
		if opts.Committish != "" {
			desc["committish"] = opts.Committish
		}
		if opts.Subdirectory != "" {
			desc["subdirectory"] = opts.Subdirectory
		}
		if opts.SpecFile != "" {
			desc["spec"] = opts.SpecFile
		}
		return json.Marshal(desc)
	case domain.SourceURL:
		if strings.ContainsAny(strings.TrimSpace(opts.SourceURL), " \n\t") {
			return nil, MalformedArgumentError{Msg: "exactly one source package URL expected"}
		}
		fallthrough
	case domain.SourceUpload:
		return json.Marshal(map[string]string{"url": opts.SourceURL})
	}
	return nil, MalformedArgumentError{Msg: fmt.Sprintf("unknown source type %q", opts.SourceType)}
}

// CreateBuild submits a build against the project's enabled, active
// chroots (or the named subset). The source stage starts in "pending"
// for the backend source workers; one per-chroot task is created in
// "waiting" and stays there until the sources are imported.
func (e Engine) CreateBuild(ctx context.Context, actor domain.User, p domain.Project, opts BuildCreateOptions) (domain.Build, error) {
	ok, err := e.CanBuild(ctx, actor, p)
	if err != nil {
		return domain.Build{}, err
	}
	if !ok {
		return domain.Build{}, InsufficientRightsError{Msg: fmt.Sprintf("you don't have permissions to build in %q", p.FullName())}
	}
	if opts.SourceType == "" {
		opts.SourceType = domain.SourceURL
	}

	targets, err := e.buildTargets(ctx, p, opts.ChrootNames)
	if err != nil {
		return domain.Build{}, err
	}

	dirName := opts.DirName
	var dir domain.ProjectDir
	if dirName == "" {
		dir, err = e.Repo.GetMainProjectDir(ctx, p.ID)
	} else {
		dir, err = e.Repo.GetProjectDir(ctx, p.ID, dirName)
	}
	if err != nil {
		return domain.Build{}, err
	}

	source, err := sourceDescriptor(opts)
	if err != nil {
		return domain.Build{}, err
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Build{}, err
	}
	defer tx.Rollback()

	b := domain.Build{
		ProjectID:    p.ID,
		DirID:        dir.ID,
		UserID:       actor.ID,
		SubmittedOn:  e.now().UTC().Unix(),
		SourceType:   opts.SourceType,
		SourceJSON:   string(source),
		SourceStatus: domain.StatusPending,
		Timeout:      opts.Timeout,
	}
	b.ID, err = e.Repo.InsertBuildTx(ctx, tx, b)
	if err != nil {
		return domain.Build{}, err
	}
	if opts.PackageName != "" {
		pkg, err := e.Repo.GetOrCreatePackageTx(ctx, tx, p.ID, opts.PackageName)
		if err != nil {
			return domain.Build{}, err
		}
		if err := e.Repo.SetBuildPackageTx(ctx, tx, b.ID, pkg.ID); err != nil {
			return domain.Build{}, err
		}
		b.PackageID = &pkg.ID
		b.PkgName = pkg.Name
	}
	for _, pc := range targets {
		if _, err := e.Repo.InsertBuildChrootTx(ctx, tx, domain.BuildChroot{
			BuildID:         b.ID,
			ProjectChrootID: pc.ID,
			MockChrootID:    pc.MockChrootID,
			Status:          domain.StatusWaiting,
		}); err != nil {
			return domain.Build{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return domain.Build{}, err
	}
	return b, nil
}

// buildTargets picks the chroots a build runs in: the project's
// enabled active chroots, narrowed by names when given. A name may
// omit the arch ("fedora-41") to select every enabled arch of that
// release-version.
func (e Engine) buildTargets(ctx context.Context, p domain.Project, names []string) ([]domain.ProjectChroot, error) {
	enabled, err := e.Repo.ListProjectChroots(ctx, p.ID, false)
	if err != nil {
		return nil, err
	}
	var active []domain.ProjectChroot
	byName := map[string]domain.ProjectChroot{}
	for _, pc := range enabled {
		if !pc.IsActive {
			continue
		}
		active = append(active, pc)
		byName[pc.Name] = pc
	}
	if len(active) == 0 {
		return nil, BadRequestError{Msg: fmt.Sprintf("project %s has no active chroots enabled", p.FullName())}
	}
	if len(names) == 0 {
		return active, nil
	}
	var res []domain.ProjectChroot
	seen := map[int64]bool{}
	add := func(pc domain.ProjectChroot) {
		if !seen[pc.ID] {
			seen[pc.ID] = true
			res = append(res, pc)
		}
	}
	var unknown []string
	for _, name := range names {
		if pc, ok := byName[name]; ok {
			add(pc)
			continue
		}
		release, version, arch, err := ParseChrootName(name, true)
		if err != nil || arch != "" {
			unknown = append(unknown, name)
			continue
		}
		matched := false
		for _, pc := range active {
			if strings.HasPrefix(pc.Name, release+"-"+version+"-") {
				add(pc)
				matched = true
			}
		}
		if !matched {
			unknown = append(unknown, name)
		}
	}
	if len(unknown) > 0 {
		return nil, MalformedArgumentError{Msg: fmt.Sprintf("chroot(s) %s not enabled in project %s", strings.Join(unknown, ", "), p.FullName())}
	}
	return res, nil
}

// CreateBuildFromUpload stages the uploaded source package under a
// per-upload directory and submits a build referencing it.
func (e Engine) CreateBuildFromUpload(ctx context.Context, actor domain.User, p domain.Project, filename string, src io.Reader, opts BuildCreateOptions) (domain.Build, error) {
	storage := "."
	if e.Config != nil && e.Config.Instance.StorageDir != "" {
		storage = e.Config.Instance.StorageDir
	}
	stageDir := filepath.Join(storage, "tmp", uuid.NewString())
	if err := os.MkdirAll(stageDir, 0o755); err != nil {
		return domain.Build{}, InsufficientStorageError{Err: err}
	}
	dst := filepath.Join(stageDir, filepath.Base(filename))
	f, err := os.Create(dst)
	if err != nil {
		os.RemoveAll(stageDir)
		return domain.Build{}, InsufficientStorageError{Err: err}
	}
	if _, err := io.Copy(f, src); err != nil {
		f.Close()
		os.RemoveAll(stageDir)
		return domain.Build{}, InsufficientStorageError{Err: err}
	}
	if err := f.Close(); err != nil {
		os.RemoveAll(stageDir)
		return domain.Build{}, err
	}

	opts.SourceType = domain.SourceUpload
	opts.SourceURL = dst
	b, err := e.CreateBuild(ctx, actor, p, opts)
	if err != nil {
		// The staged file is only useful to a submitted build.
		os.RemoveAll(stageDir)
		return domain.Build{}, err
	}
	return b, nil
}

// ImportCompleted records successful source import and releases the
// build's waiting tasks to the pending queue.
func (e Engine) ImportCompleted(ctx context.Context, buildID int64, pkgName, pkgVersion, srpmURL, resultDir string) error {
	b, err := e.Repo.GetBuild(ctx, buildID)
	if err != nil {
		return err
	}
	if domain.StatusFinished(b.SourceStatus) {
		return nil
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateBuildSourceTx(ctx, tx, buildID, domain.StatusSucceeded, pkgName, pkgVersion, srpmURL, resultDir); err != nil {
		return err
	}
	if pkgName != "" && b.PackageID == nil {
		pkg, err := e.Repo.GetOrCreatePackageTx(ctx, tx, b.ProjectID, pkgName)
		if err != nil {
			return err
		}
		if err := e.Repo.SetBuildPackageTx(ctx, tx, buildID, pkg.ID); err != nil {
			return err
		}
	}
	if err := e.Repo.ReleaseWaitingBuildChrootsTx(ctx, tx, buildID); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	e.clearUploadStaging(b)
	return nil
}

// clearUploadStaging drops the per-upload staging directory once the
// import pipeline is done with the stored source package. Only paths
// under the workspace tmp dir are touched.
func (e Engine) clearUploadStaging(b domain.Build) {
	if b.SourceType != domain.SourceUpload {
		return
	}
	var src struct {
		URL string `json:"url"`
	}
	if err := json.Unmarshal([]byte(b.SourceJSON), &src); err != nil || src.URL == "" {
		return
	}
	storage := "."
	if e.Config != nil && e.Config.Instance.StorageDir != "" {
		storage = e.Config.Instance.StorageDir
	}
	dir := filepath.Dir(src.URL)
	if filepath.Dir(dir) != filepath.Join(storage, "tmp") {
		return
	}
	os.RemoveAll(dir)
}

// MarkBuildFailed fails the build's source stage and every task that
// did not already succeed. Succeeded tasks keep their verdict, so the
// call is safe against late failure reports.
func (e Engine) MarkBuildFailed(ctx context.Context, buildID int64) (domain.Build, error) {
	b, err := e.Repo.GetBuild(ctx, buildID)
	if err != nil {
		return domain.Build{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Build{}, err
	}
	defer tx.Rollback()
	if b.SourceStatus != domain.StatusSucceeded {
		if err := e.Repo.UpdateBuildSourceTx(ctx, tx, buildID, domain.StatusFailed, "", "", "", ""); err != nil {
			return domain.Build{}, err
		}
		b.SourceStatus = domain.StatusFailed
	}
	chroots, err := e.Repo.ListBuildChroots(ctx, buildID)
	if err != nil {
		return domain.Build{}, err
	}
	endedOn := e.now().UTC().Unix()
	for _, bc := range chroots {
		if bc.Status == domain.StatusSucceeded {
			continue
		}
		if err := e.Repo.UpdateBuildChrootStatusTx(ctx, tx, bc.ID, domain.StatusFailed, nil, &endedOn, ""); err != nil {
			return domain.Build{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return domain.Build{}, err
	}
	e.clearUploadStaging(b)
	return b, nil
}

// BuildTaskUpdate is one status report from a backend worker.
type BuildTaskUpdate struct {
	BuildID    int64
	ChrootName string
	Status     string
	StartedOn  *int64
	EndedOn    *int64
	ResultDir  string
	ResultPkgs []domain.BuildChrootResult
}

// UpdateBuildTask applies a worker's report to one per-chroot task
// and records the built packages on success.
func (e Engine) UpdateBuildTask(ctx context.Context, upd BuildTaskUpdate) error {
	if !domain.ValidStatus(upd.Status) {
		return BadRequestError{Msg: fmt.Sprintf("invalid task status %q", upd.Status)}
	}
	m, err := e.getChrootByName(ctx, upd.ChrootName)
	if err != nil {
		return err
	}
	bc, err := e.Repo.GetBuildChroot(ctx, upd.BuildID, m.ID)
	if err != nil {
		return err
	}
	if bc.Status == domain.StatusSucceeded {
		// Late reports never demote a success.
		return nil
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateBuildChrootStatusTx(ctx, tx, bc.ID, upd.Status, upd.StartedOn, upd.EndedOn, upd.ResultDir); err != nil {
		return err
	}
	if upd.Status == domain.StatusSucceeded {
		for _, res := range upd.ResultPkgs {
			res.BuildChrootID = bc.ID
			if err := e.Repo.InsertBuildChrootResultTx(ctx, tx, res); err != nil {
				return err
			}
		}
	}
	return tx.Commit()
}

// UpdateSrpmTask applies a worker's report on the source build stage.
// Success means the sources are ready for import; failure fails the
// whole build.
func (e Engine) UpdateSrpmTask(ctx context.Context, buildID int64, succeeded bool, resultDir string) error {
	b, err := e.Repo.GetBuild(ctx, buildID)
	if err != nil {
		return err
	}
	if !succeeded {
		_, err = e.MarkBuildFailed(ctx, buildID)
		return err
	}
	if b.SourceStatus != domain.StatusPending && b.SourceStatus != domain.StatusStarting && b.SourceStatus != domain.StatusRunning {
		return nil
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateBuildSourceTx(ctx, tx, buildID, domain.StatusImporting, "", "", "", resultDir); err != nil {
		return err
	}
	return tx.Commit()
}

// ImportingQueue lists builds awaiting source import, oldest first.
func (e Engine) ImportingQueue(ctx context.Context) ([]domain.Build, error) {
	return e.Repo.ImportingQueue(ctx)
}

// PendingBuildTasks lists per-chroot tasks for the frontend view.
// With forBackend set, failed tasks that never reported an end time
// are included so workers can re-adopt them.
func (e Engine) PendingBuildTasks(ctx context.Context, forBackend bool) ([]domain.BuildChroot, error) {
	tasks, err := e.Repo.ListBuildChrootsByStatuses(ctx, []string{
		domain.StatusPending, domain.StatusStarting, domain.StatusRunning,
	})
	if err != nil {
		return nil, err
	}
	if !forBackend {
		return tasks, nil
	}
	stuck, err := e.Repo.ListStuckFailedBuildChroots(ctx)
	if err != nil {
		return nil, err
	}
	tasks = append(tasks, stuck...)
	sort.SliceStable(tasks, func(i, j int) bool { return tasks[i].SubmittedOn < tasks[j].SubmittedOn })
	return tasks, nil
}

// PendingSrpmTasks lists builds whose source stage awaits a worker.
// The backend view also covers stages already picked up.
func (e Engine) PendingSrpmTasks(ctx context.Context, forBackend bool) ([]domain.Build, error) {
	statuses := []string{domain.StatusPending}
	if forBackend {
		statuses = []string{domain.StatusPending, domain.StatusStarting, domain.StatusRunning}
	}
	return e.Repo.PendingSrpmBuilds(ctx, statuses)
}

// buildFinished reports whether the whole build reached a terminal
// state: a failed source stage ends it, otherwise every task must be
// finished.
func (e Engine) buildFinished(ctx context.Context, b domain.Build) (bool, error) {
	if b.SourceStatus == domain.StatusFailed || b.SourceStatus == domain.StatusCanceled {
		return true, nil
	}
	if !domain.StatusFinished(b.SourceStatus) {
		return false, nil
	}
	chroots, err := e.Repo.ListBuildChroots(ctx, b.ID)
	if err != nil {
		return false, err
	}
	for _, bc := range chroots {
		if !bc.Finished() {
			return false, nil
		}
	}
	return true, nil
}

func (e Engine) canDeleteBuild(ctx context.Context, actor domain.User, p domain.Project, b domain.Build) (bool, error) {
	if actor.Admin {
		return true, nil
	}
	if b.UserID == actor.ID {
		return true, nil
	}
	return e.CanEdit(ctx, actor, p)
}

type deleteProjectData struct {
	Appstream       bool                           `json:"appstream"`
	OwnerName       string                         `json:"ownername"`
	ProjectName     string                         `json:"projectname"`
	ProjectDirnames map[string]map[string][]string `json:"project_dirnames"`
	BuildIDs        []int64                        `json:"build_ids"`
}

// chrootBuilddirs maps result-directory buckets for one build: the
// srpm results always, plus each per-chroot result dir that exists.
func (e Engine) chrootBuilddirs(ctx context.Context, b domain.Build) (map[string][]string, error) {
	dirs := map[string][]string{"srpm-builds": {b.SrpmDir()}}
	chroots, err := e.Repo.ListBuildChroots(ctx, b.ID)
	if err != nil {
		return nil, err
	}
	for _, bc := range chroots {
		if bc.ResultDir == "" {
			continue
		}
		dirs[bc.Name] = append(dirs[bc.Name], bc.ResultDir)
	}
	return dirs, nil
}

// DeleteBuild removes one finished build and queues the backend
// cleanup of its result directories. A build still in flight is
// reported as an action in progress, not a validation failure.
func (e Engine) DeleteBuild(ctx context.Context, actor domain.User, b domain.Build) error {
	finished, err := e.buildFinished(ctx, b)
	if err != nil {
		return err
	}
	if !finished {
		return ActionInProgressError{Msg: fmt.Sprintf("build %d is still running", b.ID)}
	}
	return e.DeleteBuilds(ctx, actor, []int64{b.ID})
}

// CancelBuild moves a build's unfinished stages to "canceled". The
// backend gets no signal; a worker's late report is simply ignored by
// the finished-state guards. Already-succeeded tasks keep their
// verdict.
func (e Engine) CancelBuild(ctx context.Context, actor domain.User, b domain.Build) (domain.Build, error) {
	p, err := e.Repo.GetProject(ctx, b.ProjectID)
	if err != nil {
		return domain.Build{}, err
	}
	allowed, err := e.canDeleteBuild(ctx, actor, p, b)
	if err != nil {
		return domain.Build{}, err
	}
	if !allowed {
		return domain.Build{}, InsufficientRightsError{Msg: fmt.Sprintf("you don't have permissions to cancel build %d", b.ID)}
	}
	finished, err := e.buildFinished(ctx, b)
	if err != nil {
		return domain.Build{}, err
	}
	if finished {
		return domain.Build{}, ConflictingRequestError{Msg: fmt.Sprintf("build %d is already finished", b.ID)}
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Build{}, err
	}
	defer tx.Rollback()
	if !domain.StatusFinished(b.SourceStatus) {
		if err := e.Repo.UpdateBuildSourceTx(ctx, tx, b.ID, domain.StatusCanceled, "", "", "", ""); err != nil {
			return domain.Build{}, err
		}
		b.SourceStatus = domain.StatusCanceled
	}
	chroots, err := e.Repo.ListBuildChroots(ctx, b.ID)
	if err != nil {
		return domain.Build{}, err
	}
	endedOn := e.now().UTC().Unix()
	for _, bc := range chroots {
		if bc.Finished() {
			continue
		}
		if err := e.Repo.UpdateBuildChrootStatusTx(ctx, tx, bc.ID, domain.StatusCanceled, nil, &endedOn, ""); err != nil {
			return domain.Build{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return domain.Build{}, err
	}
	e.clearUploadStaging(b)
	return b, nil
}

// DeleteBuilds removes a batch of builds from a single project. The
// whole request is validated first and rejected as one unit: running
// builds, unknown ids, and permission failures are all reported in a
// single error.
func (e Engine) DeleteBuilds(ctx context.Context, actor domain.User, buildIDs []int64) error {
	builds, err := e.Repo.GetBuilds(ctx, buildIDs)
	if err != nil {
		return err
	}
	found := map[int64]domain.Build{}
	for _, b := range builds {
		found[b.ID] = b
	}

	var missing, running, forbidden []int64
	var deletable []domain.Build
	projects := map[int64]domain.Project{}
	for _, id := range buildIDs {
		b, ok := found[id]
		if !ok {
			missing = append(missing, id)
			continue
		}
		p, ok := projects[b.ProjectID]
		if !ok {
			p, err = e.Repo.GetProject(ctx, b.ProjectID)
			if err != nil {
				return err
			}
			projects[b.ProjectID] = p
		}
		allowed, err := e.canDeleteBuild(ctx, actor, p, b)
		if err != nil {
			return err
		}
		if !allowed {
			forbidden = append(forbidden, id)
			continue
		}
		if p.Persistent && !actor.Admin {
			forbidden = append(forbidden, id)
			continue
		}
		finished, err := e.buildFinished(ctx, b)
		if err != nil {
			return err
		}
		if !finished {
			running = append(running, id)
			continue
		}
		deletable = append(deletable, b)
	}

	var msgs []string
	if len(running) > 0 {
		msgs = append(msgs, fmt.Sprintf("Build(s) %s are still running", joinIDs(running)))
	}
	if len(missing) > 0 {
		msgs = append(msgs, fmt.Sprintf("Build(s) %s don't exist", joinIDs(missing)))
	}
	if len(forbidden) > 0 {
		msgs = append(msgs, fmt.Sprintf("You don't have permissions to delete build(s) %s", joinIDs(forbidden)))
	}
	if len(msgs) > 0 {
		return BadRequestError{Msg: strings.Join(msgs, "\n")}
	}
	if len(deletable) == 0 {
		return nil
	}
	if len(projects) > 1 {
		return BadRequestError{Msg: "can not delete builds from more than one project"}
	}
	p := projects[deletable[0].ProjectID]

	pending, err := e.UnfinishedActionsOnProject(ctx, p.ID)
	if err != nil {
		return err
	}
	if pending > 0 {
		return ActionInProgressError{Msg: fmt.Sprintf("project %s is being processed by the backend, try again later", p.FullName())}
	}

	dirnames := map[string]map[string][]string{}
	var ids []int64
	for _, b := range deletable {
		dir, err := e.dirNameByID(ctx, p, b.DirID)
		if err != nil {
			return err
		}
		builddirs, err := e.chrootBuilddirs(ctx, b)
		if err != nil {
			return err
		}
		if dirnames[dir] == nil {
			dirnames[dir] = map[string][]string{}
		}
		for bucket, basenames := range builddirs {
			dirnames[dir][bucket] = append(dirnames[dir][bucket], basenames...)
		}
		ids = append(ids, b.ID)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	data, err := json.Marshal(deleteProjectData{
		Appstream:       p.Appstream,
		OwnerName:       p.OwnerName,
		ProjectName:     p.Name,
		ProjectDirnames: dirnames,
		BuildIDs:        ids,
	})
	if err != nil {
		return err
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for _, b := range deletable {
		if err := e.Repo.DeleteBuildTx(ctx, tx, b.ID); err != nil {
			return err
		}
	}
	if _, err := e.sendAction(ctx, tx, domain.Action{
		ActionType: domain.ActionDelete,
		ObjectType: "builds",
		ObjectID:   p.ID,
		Data:       string(data),
	}); err != nil {
		return err
	}
	return tx.Commit()
}

func (e Engine) dirNameByID(ctx context.Context, p domain.Project, dirID int64) (string, error) {
	dirs, err := e.Repo.ListProjectDirs(ctx, p.ID)
	if err != nil {
		return "", err
	}
	for _, d := range dirs {
		if d.ID == dirID {
			return d.Name, nil
		}
	}
	return "", repo.ErrNotFound
}

func joinIDs(ids []int64) string {
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = fmt.Sprintf("%d", id)
	}
	return strings.Join(parts, ", ")
}

// CleanOldBuilds applies each package's retention limit: the newest
// max_builds finished builds survive, older finished ones are removed.
// Unfinished builds are never collected.
func (e Engine) CleanOldBuilds(ctx context.Context, actor domain.User) error {
	projects, err := e.Repo.ListProjects(ctx)
	if err != nil {
		return err
	}
	for _, p := range projects {
		if !p.AutoPrune {
			continue
		}
		packages, err := e.Repo.ListPackages(ctx, p.ID)
		if err != nil {
			return err
		}
		for _, pkg := range packages {
			if pkg.MaxBuilds <= 0 {
				continue
			}
			builds, err := e.Repo.ListPackageBuilds(ctx, pkg.ID)
			if err != nil {
				return err
			}
			kept := 0
			var collect []int64
			for _, b := range builds {
				finished, err := e.buildFinished(ctx, b)
				if err != nil {
					return err
				}
				if !finished {
					continue
				}
				kept++
				if kept > pkg.MaxBuilds {
					collect = append(collect, b.ID)
				}
			}
			if len(collect) == 0 {
				continue
			}
			if err := e.DeleteBuilds(ctx, actor, collect); err != nil {
				var bad BadRequestError
				if errors.As(err, &bad) {
					continue
				}
				return err
			}
		}
	}
	return nil
}

// BuildsByResultPackage finds builds in a project that produced the
// named binary package in any chroot.
func (e Engine) BuildsByResultPackage(ctx context.Context, p domain.Project, name string) ([]domain.Build, error) {
	return e.Repo.ListBuildsByResultName(ctx, p.ID, name)
}
