package engine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"kiln/internal/config"
	"kiln/internal/db"
	"kiln/internal/domain"
	"kiln/internal/engine"
	"kiln/internal/migrate"
	"kiln/internal/repo"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
	Admin  domain.User
	Owner  domain.User
	Other  domain.User
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default()
	cfg.Instance.StorageDir = dir
	eng := engine.New(conn, cfg)
	eng.Now = func() time.Time { return time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC) }
	ctx := context.Background()
	env := testEnv{Engine: eng, Ctx: ctx}
	env.Admin = seedUser(t, ctx, eng, "admin", true)
	env.Owner = seedUser(t, ctx, eng, "alice", false)
	env.Other = seedUser(t, ctx, eng, "bob", false)
	for _, name := range []string{"fedora-41-x86_64", "fedora-42-x86_64", "epel-9-x86_64"} {
		if _, err := eng.RegisterChroot(ctx, name); err != nil {
			t.Fatalf("register chroot %s: %v", name, err)
		}
	}
	return env
}

func seedUser(t *testing.T, ctx context.Context, eng engine.Engine, name string, admin bool) domain.User {
	t.Helper()
	id, err := eng.Repo.InsertUser(ctx, domain.User{Name: name, Admin: admin})
	if err != nil {
		t.Fatalf("insert user %s: %v", name, err)
	}
	return domain.User{ID: id, Name: name, Admin: admin}
}

func (env testEnv) newProject(t *testing.T, name string, chroots ...string) domain.Project {
	t.Helper()
	if len(chroots) == 0 {
		chroots = []string{"fedora-41-x86_64", "fedora-42-x86_64"}
	}
	p, err := env.Engine.CreateProject(env.Ctx, env.Owner, engine.ProjectCreateOptions{
		Name:           name,
		ChrootNames:    chroots,
		AutoCreaterepo: true,
		Appstream:      true,
	})
	if err != nil {
		t.Fatalf("create project %s: %v", name, err)
	}
	return p
}

// finishActions reports success on every waiting backend action so
// destructive operations are not refused.
func (env testEnv) finishActions(t *testing.T) {
	t.Helper()
	actions, err := env.Engine.Repo.ListWaitingActions(env.Ctx, 0)
	if err != nil {
		t.Fatalf("list waiting actions: %v", err)
	}
	for _, a := range actions {
		if _, err := env.Engine.ReportActionResult(env.Ctx, a.ID, domain.ResultSuccess); err != nil {
			t.Fatalf("report action %d: %v", a.ID, err)
		}
	}
}

func (env testEnv) projectChroot(t *testing.T, p domain.Project, name string) domain.ProjectChroot {
	t.Helper()
	release, version, arch, err := engine.ParseChrootName(name, false)
	if err != nil {
		t.Fatalf("parse chroot %s: %v", name, err)
	}
	m, err := env.Engine.Repo.GetMockChrootByFields(env.Ctx, release, version, arch)
	if err != nil {
		t.Fatalf("get chroot %s: %v", name, err)
	}
	pc, err := env.Engine.Repo.GetProjectChroot(env.Ctx, p.ID, m.ID)
	if err != nil {
		t.Fatalf("get project chroot %s: %v", name, err)
	}
	return pc
}

func TestResolveProject(t *testing.T) {
	env := newTestEnv(t)
	p := env.newProject(t, "ravenclaw")

	got, err := env.Engine.ResolveProject(env.Ctx, "alice/ravenclaw")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got.ID != p.ID {
		t.Fatalf("resolved id %d, want %d", got.ID, p.ID)
	}

	_, err = env.Engine.ResolveProject(env.Ctx, "ravenclaw")
	var malformed engine.MalformedArgumentError
	if !errors.As(err, &malformed) {
		t.Fatalf("expected malformed name error, got %v", err)
	}

	_, err = env.Engine.ResolveProject(env.Ctx, "alice/missing")
	if !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestResolveGroupProject(t *testing.T) {
	env := newTestEnv(t)
	gid, err := env.Engine.Repo.InsertGroup(env.Ctx, domain.Group{Name: "qa"})
	if err != nil {
		t.Fatal(err)
	}
	if err := env.Engine.Repo.AddGroupUser(env.Ctx, gid, env.Owner.ID); err != nil {
		t.Fatal(err)
	}
	p, err := env.Engine.CreateProject(env.Ctx, env.Owner, engine.ProjectCreateOptions{
		Owner:       "@qa",
		Name:        "shared",
		ChrootNames: []string{"fedora-41-x86_64"},
	})
	if err != nil {
		t.Fatalf("create group project: %v", err)
	}
	if p.FullName() != "@qa/shared" {
		t.Fatalf("full name %q", p.FullName())
	}
	got, err := env.Engine.ResolveProject(env.Ctx, "@qa/shared")
	if err != nil || got.ID != p.ID {
		t.Fatalf("resolve group project: %v", err)
	}
	// group members may edit
	ok, err := env.Engine.CanEdit(env.Ctx, env.Owner, got)
	if err != nil || !ok {
		t.Fatalf("expected member edit rights: %v", err)
	}
	ok, err = env.Engine.CanEdit(env.Ctx, env.Other, got)
	if err != nil || ok {
		t.Fatalf("expected non-member denied: %v", err)
	}
}

func TestReportActionResultFirstWins(t *testing.T) {
	env := newTestEnv(t)
	env.newProject(t, "ravenclaw")
	actions, err := env.Engine.Repo.ListWaitingActions(env.Ctx, 0)
	if err != nil || len(actions) == 0 {
		t.Fatalf("expected waiting actions after project creation: %v", err)
	}
	a := actions[0]

	got, err := env.Engine.ReportActionResult(env.Ctx, a.ID, domain.ResultSuccess)
	if err != nil || got.Result != domain.ResultSuccess {
		t.Fatalf("first report: %v (%s)", err, got.Result)
	}
	got, err = env.Engine.ReportActionResult(env.Ctx, a.ID, domain.ResultFailure)
	if err != nil {
		t.Fatalf("second report: %v", err)
	}
	if got.Result != domain.ResultSuccess {
		t.Fatalf("late report overwrote verdict: %s", got.Result)
	}

	_, err = env.Engine.ReportActionResult(env.Ctx, a.ID, "maybe")
	var bad engine.BadRequestError
	if !errors.As(err, &bad) {
		t.Fatalf("expected invalid result error, got %v", err)
	}
}
