package engine_test

import (
	"errors"
	"strings"
	"testing"

	"kiln/internal/domain"
	"kiln/internal/engine"
	"kiln/internal/repo"
)

func submitBuild(t *testing.T, env testEnv, p domain.Project, opts engine.BuildCreateOptions) domain.Build {
	t.Helper()
	if opts.SourceURL == "" && opts.SourceType == "" {
		opts.SourceURL = "https://example.com/tmux-3.5-1.src.rpm"
	}
	b, err := env.Engine.CreateBuild(env.Ctx, env.Owner, p, opts)
	if err != nil {
		t.Fatalf("create build: %v", err)
	}
	return b
}

// finishBuild walks a build through the source stage, import, and
// per-chroot success.
func finishBuild(t *testing.T, env testEnv, b domain.Build, chroots ...string) {
	t.Helper()
	if err := env.Engine.UpdateSrpmTask(env.Ctx, b.ID, true, "00000001-tmux"); err != nil {
		t.Fatalf("srpm success: %v", err)
	}
	if err := env.Engine.ImportCompleted(env.Ctx, b.ID, "tmux", "3.5-1", "https://example.com/tmux-3.5-1.src.rpm", "00000001-tmux"); err != nil {
		t.Fatalf("import completed: %v", err)
	}
	ended := env.Engine.Now().UTC().Unix()
	for _, name := range chroots {
		if err := env.Engine.UpdateBuildTask(env.Ctx, engine.BuildTaskUpdate{
			BuildID:    b.ID,
			ChrootName: name,
			Status:     domain.StatusSucceeded,
			EndedOn:    &ended,
			ResultDir:  "00000001-tmux",
		}); err != nil {
			t.Fatalf("finish task %s: %v", name, err)
		}
	}
}

func taskStatus(t *testing.T, env testEnv, b domain.Build, chroot string) string {
	t.Helper()
	release, version, arch, err := engine.ParseChrootName(chroot, false)
	if err != nil {
		t.Fatal(err)
	}
	m, err := env.Engine.Repo.GetMockChrootByFields(env.Ctx, release, version, arch)
	if err != nil {
		t.Fatal(err)
	}
	bc, err := env.Engine.Repo.GetBuildChroot(env.Ctx, b.ID, m.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	return bc.Status
}

func TestCreateBuildQueuesWaitingTasks(t *testing.T) {
	env := newTestEnv(t)
	p := env.newProject(t, "ravenclaw")
	b := submitBuild(t, env, p, engine.BuildCreateOptions{})

	if b.SourceStatus != domain.StatusPending {
		t.Fatalf("source status %s, want pending", b.SourceStatus)
	}
	tasks, err := env.Engine.Repo.ListBuildChroots(env.Ctx, b.ID)
	if err != nil || len(tasks) != 2 {
		t.Fatalf("expected 2 tasks: %v (%d)", err, len(tasks))
	}
	for _, bc := range tasks {
		if bc.Status != domain.StatusWaiting {
			t.Fatalf("task %s status %s", bc.Name, bc.Status)
		}
	}

	// A fresh build sits in the srpm queue, not the importing queue.
	srpm, err := env.Engine.PendingSrpmTasks(env.Ctx, false)
	if err != nil || len(srpm) != 1 || srpm[0].ID != b.ID {
		t.Fatalf("srpm queue: %v %v", err, srpm)
	}
	queue, err := env.Engine.ImportingQueue(env.Ctx)
	if err != nil || len(queue) != 0 {
		t.Fatalf("importing queue before srpm success: %v %v", err, queue)
	}
	pending, err := env.Engine.PendingBuildTasks(env.Ctx, false)
	if err != nil || len(pending) != 0 {
		t.Fatalf("tasks must wait for import: %v (%d)", err, len(pending))
	}

	// The source worker's success report moves the build to importing.
	if err := env.Engine.UpdateSrpmTask(env.Ctx, b.ID, true, "00000001-tmux"); err != nil {
		t.Fatalf("srpm success: %v", err)
	}
	got, err := env.Engine.Repo.GetBuild(env.Ctx, b.ID)
	if err != nil || got.SourceStatus != domain.StatusImporting {
		t.Fatalf("source status after srpm success: %v %s", err, got.SourceStatus)
	}
	if got.ResultDir != "00000001-tmux" {
		t.Fatalf("result dir %q", got.ResultDir)
	}
	srpm, err = env.Engine.PendingSrpmTasks(env.Ctx, false)
	if err != nil || len(srpm) != 0 {
		t.Fatalf("srpm queue after success: %v %v", err, srpm)
	}
	queue, err = env.Engine.ImportingQueue(env.Ctx)
	if err != nil || len(queue) != 1 || queue[0].ID != b.ID {
		t.Fatalf("importing queue: %v %v", err, queue)
	}
}

func TestCreateBuildFromSCM(t *testing.T) {
	env := newTestEnv(t)
	p := env.newProject(t, "ravenclaw")

	_, err := env.Engine.CreateBuild(env.Ctx, env.Owner, p, engine.BuildCreateOptions{
		SourceType: domain.SourceSCM,
	})
	var malformed engine.MalformedArgumentError
	if !errors.As(err, &malformed) {
		t.Fatalf("expected clone_url requirement, got %v", err)
	}

	b := submitBuild(t, env, p, engine.BuildCreateOptions{
		SourceType: domain.SourceSCM,
		CloneURL:   "https://git.example.com/tmux.git",
		Committish: "main",
	})
	if b.SourceStatus != domain.StatusPending {
		t.Fatalf("source status %s, want pending", b.SourceStatus)
	}
	if !strings.Contains(b.SourceJSON, "clone_url") || !strings.Contains(b.SourceJSON, "committish") {
		t.Fatalf("source descriptor %q", b.SourceJSON)
	}
	srpm, err := env.Engine.PendingSrpmTasks(env.Ctx, false)
	if err != nil || len(srpm) != 1 || srpm[0].ID != b.ID {
		t.Fatalf("srpm queue: %v %v", err, srpm)
	}
}

func TestCreateBuildArchlessChrootName(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.RegisterChroot(env.Ctx, "fedora-41-aarch64"); err != nil {
		t.Fatal(err)
	}
	p := env.newProject(t, "ravenclaw", "fedora-41-x86_64", "fedora-41-aarch64", "fedora-42-x86_64")

	b := submitBuild(t, env, p, engine.BuildCreateOptions{
		ChrootNames: []string{"fedora-41"},
	})
	tasks, err := env.Engine.Repo.ListBuildChroots(env.Ctx, b.ID)
	if err != nil || len(tasks) != 2 {
		t.Fatalf("expected both fedora-41 arches: %v (%d)", err, len(tasks))
	}
	for _, bc := range tasks {
		if !strings.HasPrefix(bc.Name, "fedora-41-") {
			t.Fatalf("unexpected task chroot %s", bc.Name)
		}
	}

	_, err = env.Engine.CreateBuild(env.Ctx, env.Owner, p, engine.BuildCreateOptions{
		SourceURL:   "https://example.com/a.src.rpm",
		ChrootNames: []string{"epel-9"},
	})
	var malformed engine.MalformedArgumentError
	if !errors.As(err, &malformed) {
		t.Fatalf("expected unknown release-version refusal, got %v", err)
	}
}

func TestCreateBuildValidation(t *testing.T) {
	env := newTestEnv(t)
	p := env.newProject(t, "ravenclaw")

	_, err := env.Engine.CreateBuild(env.Ctx, env.Owner, p, engine.BuildCreateOptions{
		SourceURL: "https://example.com/a.src.rpm https://example.com/b.src.rpm",
	})
	var malformed engine.MalformedArgumentError
	if !errors.As(err, &malformed) {
		t.Fatalf("expected single-URL error, got %v", err)
	}

	_, err = env.Engine.CreateBuild(env.Ctx, env.Owner, p, engine.BuildCreateOptions{
		SourceURL:   "https://example.com/a.src.rpm",
		ChrootNames: []string{"epel-9-x86_64"},
	})
	if !errors.As(err, &malformed) {
		t.Fatalf("expected not-enabled chroot error, got %v", err)
	}

	// Projects whose chroots all went EOL cannot take builds.
	if _, err := env.Engine.SetChrootActive(env.Ctx, "fedora-41-x86_64", false); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.SetChrootActive(env.Ctx, "fedora-42-x86_64", false); err != nil {
		t.Fatal(err)
	}
	_, err = env.Engine.CreateBuild(env.Ctx, env.Owner, p, engine.BuildCreateOptions{
		SourceURL: "https://example.com/a.src.rpm",
	})
	var bad engine.BadRequestError
	if !errors.As(err, &bad) {
		t.Fatalf("expected no-active-chroots error, got %v", err)
	}
}

func TestCreateBuildPermission(t *testing.T) {
	env := newTestEnv(t)
	p := env.newProject(t, "ravenclaw")

	_, err := env.Engine.CreateBuild(env.Ctx, env.Other, p, engine.BuildCreateOptions{
		SourceURL: "https://example.com/a.src.rpm",
	})
	var rights engine.InsufficientRightsError
	if !errors.As(err, &rights) {
		t.Fatalf("expected rights error, got %v", err)
	}

	if _, err := env.Engine.SetPermission(env.Ctx, env.Owner, p, env.Other, "builder", domain.PermApproved); err != nil {
		t.Fatalf("grant builder: %v", err)
	}
	if _, err := env.Engine.CreateBuild(env.Ctx, env.Other, p, engine.BuildCreateOptions{
		SourceURL: "https://example.com/a.src.rpm",
	}); err != nil {
		t.Fatalf("build with builder grant: %v", err)
	}
}

func TestImportCompletedReleasesTasks(t *testing.T) {
	env := newTestEnv(t)
	p := env.newProject(t, "ravenclaw")
	b := submitBuild(t, env, p, engine.BuildCreateOptions{})

	if err := env.Engine.ImportCompleted(env.Ctx, b.ID, "tmux", "3.5-1", "https://example.com/tmux.src.rpm", "00000001-tmux"); err != nil {
		t.Fatalf("import: %v", err)
	}
	got, err := env.Engine.Repo.GetBuild(env.Ctx, b.ID)
	if err != nil || got.SourceStatus != domain.StatusSucceeded {
		t.Fatalf("source status after import: %v %s", err, got.SourceStatus)
	}
	if got.PkgName != "tmux" {
		t.Fatalf("package name %q", got.PkgName)
	}
	pending, err := env.Engine.PendingBuildTasks(env.Ctx, true)
	if err != nil || len(pending) != 2 {
		t.Fatalf("pending tasks: %v (%d)", err, len(pending))
	}
}

func TestSrpmFailureFailsBuild(t *testing.T) {
	env := newTestEnv(t)
	p := env.newProject(t, "ravenclaw")
	b := submitBuild(t, env, p, engine.BuildCreateOptions{})

	// One task already succeeded; a late source failure keeps it.
	if err := env.Engine.ImportCompleted(env.Ctx, b.ID, "tmux", "3.5-1", "u", "d"); err != nil {
		t.Fatal(err)
	}
	if err := env.Engine.UpdateBuildTask(env.Ctx, engine.BuildTaskUpdate{
		BuildID: b.ID, ChrootName: "fedora-41-x86_64", Status: domain.StatusSucceeded,
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.MarkBuildFailed(env.Ctx, b.ID); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	if got := taskStatus(t, env, b, "fedora-41-x86_64"); got != domain.StatusSucceeded {
		t.Fatalf("succeeded task demoted to %s", got)
	}
	if got := taskStatus(t, env, b, "fedora-42-x86_64"); got != domain.StatusFailed {
		t.Fatalf("unfinished task is %s, want failed", got)
	}
}

func TestUpdateSrpmTask(t *testing.T) {
	env := newTestEnv(t)
	p := env.newProject(t, "ravenclaw")
	b := submitBuild(t, env, p, engine.BuildCreateOptions{})

	if err := env.Engine.UpdateSrpmTask(env.Ctx, b.ID, false, ""); err != nil {
		t.Fatalf("srpm failure: %v", err)
	}
	got, err := env.Engine.Repo.GetBuild(env.Ctx, b.ID)
	if err != nil || got.SourceStatus != domain.StatusFailed {
		t.Fatalf("source status %s, want failed", got.SourceStatus)
	}
	if got := taskStatus(t, env, b, "fedora-41-x86_64"); got != domain.StatusFailed {
		t.Fatalf("task status %s, want failed", got)
	}
}

func TestLateReportNeverDemotesSuccess(t *testing.T) {
	env := newTestEnv(t)
	p := env.newProject(t, "ravenclaw")
	b := submitBuild(t, env, p, engine.BuildCreateOptions{})
	finishBuild(t, env, b, "fedora-41-x86_64", "fedora-42-x86_64")

	if err := env.Engine.UpdateBuildTask(env.Ctx, engine.BuildTaskUpdate{
		BuildID: b.ID, ChrootName: "fedora-41-x86_64", Status: domain.StatusFailed,
	}); err != nil {
		t.Fatalf("late report: %v", err)
	}
	if got := taskStatus(t, env, b, "fedora-41-x86_64"); got != domain.StatusSucceeded {
		t.Fatalf("late report demoted success to %s", got)
	}
}

func TestDeleteBuildsValidation(t *testing.T) {
	env := newTestEnv(t)
	p := env.newProject(t, "ravenclaw")
	env.finishActions(t)
	running := submitBuild(t, env, p, engine.BuildCreateOptions{})

	err := env.Engine.DeleteBuilds(env.Ctx, env.Owner, []int64{running.ID, 999})
	var bad engine.BadRequestError
	if !errors.As(err, &bad) {
		t.Fatalf("expected combined validation error, got %v", err)
	}
	if !strings.Contains(err.Error(), "still running") || !strings.Contains(err.Error(), "don't exist") {
		t.Fatalf("unexpected message: %v", err)
	}

	finishBuild(t, env, running, "fedora-41-x86_64", "fedora-42-x86_64")
	err = env.Engine.DeleteBuilds(env.Ctx, env.Other, []int64{running.ID})
	if !errors.As(err, &bad) || !strings.Contains(err.Error(), "permissions") {
		t.Fatalf("expected permission refusal, got %v", err)
	}

	if err := env.Engine.DeleteBuilds(env.Ctx, env.Owner, []int64{running.ID}); err != nil {
		t.Fatalf("delete finished build: %v", err)
	}
	if _, err := env.Engine.Repo.GetBuild(env.Ctx, running.ID); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("build still present: %v", err)
	}
	// The backend cleanup got queued.
	actions, err := env.Engine.Repo.ListWaitingActions(env.Ctx, 0)
	if err != nil || len(actions) != 1 || actions[0].ObjectType != "builds" {
		t.Fatalf("expected one delete action, got %v", actions)
	}
}

func TestCleanOldBuilds(t *testing.T) {
	env := newTestEnv(t)
	p := env.newProject(t, "ravenclaw")
	env.finishActions(t)

	older := submitBuild(t, env, p, engine.BuildCreateOptions{PackageName: "tmux"})
	finishBuild(t, env, older, "fedora-41-x86_64", "fedora-42-x86_64")
	newer := submitBuild(t, env, p, engine.BuildCreateOptions{PackageName: "tmux"})
	finishBuild(t, env, newer, "fedora-41-x86_64", "fedora-42-x86_64")
	unfinished := submitBuild(t, env, p, engine.BuildCreateOptions{PackageName: "tmux"})

	if err := env.Engine.Repo.SetPackageMaxBuilds(env.Ctx, p.ID, "tmux", 1); err != nil {
		t.Fatal(err)
	}
	if err := env.Engine.CleanOldBuilds(env.Ctx, env.Admin); err != nil {
		t.Fatalf("clean: %v", err)
	}

	if _, err := env.Engine.Repo.GetBuild(env.Ctx, older.ID); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected oldest finished build collected: %v", err)
	}
	if _, err := env.Engine.Repo.GetBuild(env.Ctx, newer.ID); err != nil {
		t.Fatalf("newest build must survive: %v", err)
	}
	if _, err := env.Engine.Repo.GetBuild(env.Ctx, unfinished.ID); err != nil {
		t.Fatalf("unfinished build must survive: %v", err)
	}
}

func TestBuildsByResultPackage(t *testing.T) {
	env := newTestEnv(t)
	p := env.newProject(t, "ravenclaw")
	b := submitBuild(t, env, p, engine.BuildCreateOptions{})
	if err := env.Engine.ImportCompleted(env.Ctx, b.ID, "tmux", "3.5-1", "u", "d"); err != nil {
		t.Fatal(err)
	}
	if err := env.Engine.UpdateBuildTask(env.Ctx, engine.BuildTaskUpdate{
		BuildID:    b.ID,
		ChrootName: "fedora-41-x86_64",
		Status:     domain.StatusSucceeded,
		ResultPkgs: []domain.BuildChrootResult{
			{Name: "tmux", Version: "3.5", Release: "1.fc41", Arch: "x86_64"},
			{Name: "tmux-devel", Version: "3.5", Release: "1.fc41", Arch: "x86_64"},
		},
	}); err != nil {
		t.Fatal(err)
	}

	builds, err := env.Engine.BuildsByResultPackage(env.Ctx, p, "tmux-devel")
	if err != nil || len(builds) != 1 || builds[0].ID != b.ID {
		t.Fatalf("by result package: %v %v", err, builds)
	}
	builds, err = env.Engine.BuildsByResultPackage(env.Ctx, p, "htop")
	if err != nil || len(builds) != 0 {
		t.Fatalf("unexpected match: %v %v", err, builds)
	}
}

func TestDeleteSingleRunningBuild(t *testing.T) {
	env := newTestEnv(t)
	p := env.newProject(t, "ravenclaw")
	env.finishActions(t)
	b := submitBuild(t, env, p, engine.BuildCreateOptions{})

	err := env.Engine.DeleteBuild(env.Ctx, env.Owner, b)
	var inProgress engine.ActionInProgressError
	if !errors.As(err, &inProgress) {
		t.Fatalf("expected action-in-progress refusal, got %v", err)
	}

	finishBuild(t, env, b, "fedora-41-x86_64", "fedora-42-x86_64")
	if err := env.Engine.DeleteBuild(env.Ctx, env.Owner, b); err != nil {
		t.Fatalf("delete finished build: %v", err)
	}
	if _, err := env.Engine.Repo.GetBuild(env.Ctx, b.ID); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("build still present: %v", err)
	}
}

func TestCancelBuild(t *testing.T) {
	env := newTestEnv(t)
	p := env.newProject(t, "ravenclaw")
	b := submitBuild(t, env, p, engine.BuildCreateOptions{})

	_, err := env.Engine.CancelBuild(env.Ctx, env.Other, b)
	var rights engine.InsufficientRightsError
	if !errors.As(err, &rights) {
		t.Fatalf("expected rights error, got %v", err)
	}

	got, err := env.Engine.CancelBuild(env.Ctx, env.Owner, b)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if got.SourceStatus != domain.StatusCanceled {
		t.Fatalf("source status %s, want canceled", got.SourceStatus)
	}
	for _, name := range []string{"fedora-41-x86_64", "fedora-42-x86_64"} {
		if s := taskStatus(t, env, b, name); s != domain.StatusCanceled {
			t.Fatalf("task %s status %s, want canceled", name, s)
		}
	}

	_, err = env.Engine.CancelBuild(env.Ctx, env.Owner, b)
	var conflict engine.ConflictingRequestError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected already-finished refusal, got %v", err)
	}
}

func TestCancelKeepsSucceededTasks(t *testing.T) {
	env := newTestEnv(t)
	p := env.newProject(t, "ravenclaw")
	b := submitBuild(t, env, p, engine.BuildCreateOptions{})
	if err := env.Engine.UpdateSrpmTask(env.Ctx, b.ID, true, "00000001-tmux"); err != nil {
		t.Fatal(err)
	}
	if err := env.Engine.ImportCompleted(env.Ctx, b.ID, "tmux", "3.5-1", "u", "d"); err != nil {
		t.Fatal(err)
	}
	if err := env.Engine.UpdateBuildTask(env.Ctx, engine.BuildTaskUpdate{
		BuildID: b.ID, ChrootName: "fedora-41-x86_64", Status: domain.StatusSucceeded,
	}); err != nil {
		t.Fatal(err)
	}

	got, err := env.Engine.CancelBuild(env.Ctx, env.Owner, b)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if got.SourceStatus != domain.StatusSucceeded {
		t.Fatalf("finished source stage demoted to %s", got.SourceStatus)
	}
	if s := taskStatus(t, env, b, "fedora-41-x86_64"); s != domain.StatusSucceeded {
		t.Fatalf("succeeded task demoted to %s", s)
	}
	if s := taskStatus(t, env, b, "fedora-42-x86_64"); s != domain.StatusCanceled {
		t.Fatalf("task status %s, want canceled", s)
	}
}
