package engine_test

import (
	"errors"
	"testing"

	"kiln/internal/domain"
	"kiln/internal/engine"
	"kiln/internal/repo"
)

func TestCreateProjectDuplicate(t *testing.T) {
	env := newTestEnv(t)
	env.newProject(t, "ravenclaw")
	_, err := env.Engine.CreateProject(env.Ctx, env.Owner, engine.ProjectCreateOptions{
		Name:        "ravenclaw",
		ChrootNames: []string{"fedora-41-x86_64"},
	})
	var dup engine.DuplicateError
	if !errors.As(err, &dup) {
		t.Fatalf("expected duplicate error, got %v", err)
	}
}

func TestCreateProjectValidation(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.Engine.CreateProject(env.Ctx, env.Owner, engine.ProjectCreateOptions{Name: "no spaces"})
	var malformed engine.MalformedArgumentError
	if !errors.As(err, &malformed) {
		t.Fatalf("expected invalid name error, got %v", err)
	}

	if _, err := env.Engine.SetChrootActive(env.Ctx, "epel-9-x86_64", false); err != nil {
		t.Fatal(err)
	}
	_, err = env.Engine.CreateProject(env.Ctx, env.Owner, engine.ProjectCreateOptions{
		Name:        "epel-stuff",
		ChrootNames: []string{"epel-9-x86_64"},
	})
	var bad engine.BadRequestError
	if !errors.As(err, &bad) {
		t.Fatalf("expected EOL chroot refusal, got %v", err)
	}

	_, err = env.Engine.CreateProject(env.Ctx, env.Owner, engine.ProjectCreateOptions{
		Name:       "forever",
		Persistent: true,
	})
	var rights engine.InsufficientRightsError
	if !errors.As(err, &rights) {
		t.Fatalf("expected admin-only persistent refusal, got %v", err)
	}
	if _, err := env.Engine.CreateProject(env.Ctx, env.Admin, engine.ProjectCreateOptions{
		Owner:      env.Owner.Name,
		Name:       "forever",
		Persistent: true,
	}); err != nil {
		t.Fatalf("admin-created persistent project: %v", err)
	}

	// Users cannot create projects on someone else's behalf.
	_, err = env.Engine.CreateProject(env.Ctx, env.Other, engine.ProjectCreateOptions{
		Owner: env.Owner.Name,
		Name:  "sneaky",
	})
	if !errors.As(err, &rights) {
		t.Fatalf("expected refusal, got %v", err)
	}
}

func TestCreateProjectQueuesSetupActions(t *testing.T) {
	env := newTestEnv(t)
	env.newProject(t, "ravenclaw")
	actions, err := env.Engine.Repo.ListWaitingActions(env.Ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	types := map[string]int{}
	for _, a := range actions {
		types[a.ActionType]++
	}
	if types[domain.ActionCreateRepo] != 1 || types[domain.ActionCreateGPGKey] != 1 {
		t.Fatalf("unexpected action mix %v", types)
	}
}

func TestUpdateProject(t *testing.T) {
	env := newTestEnv(t)
	p, err := env.Engine.CreateProject(env.Ctx, env.Owner, engine.ProjectCreateOptions{
		Name:        "ravenclaw",
		ChrootNames: []string{"fedora-41-x86_64"},
	})
	if err != nil {
		t.Fatal(err)
	}
	env.finishActions(t)

	desc := "rebuilds of terminal tools"
	on := true
	p, err = env.Engine.UpdateProject(env.Ctx, env.Owner, p, engine.ProjectUpdateOptions{
		Description:    &desc,
		AutoCreaterepo: &on,
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if p.Description != desc || !p.AutoCreaterepo {
		t.Fatalf("update not applied: %+v", p)
	}
	// Turning auto_createrepo on queues a catch-up createrepo.
	actions, err := env.Engine.Repo.ListWaitingActions(env.Ctx, 0)
	if err != nil || len(actions) != 1 || actions[0].ActionType != domain.ActionCreateRepo {
		t.Fatalf("expected one createrepo action, got %v", actions)
	}

	// Only instance admins may disable auto-pruning.
	off := false
	_, err = env.Engine.UpdateProject(env.Ctx, env.Owner, p, engine.ProjectUpdateOptions{AutoPrune: &off})
	var rights engine.InsufficientRightsError
	if !errors.As(err, &rights) {
		t.Fatalf("expected refusal, got %v", err)
	}
	if _, err := env.Engine.UpdateProject(env.Ctx, env.Admin, p, engine.ProjectUpdateOptions{AutoPrune: &off}); err != nil {
		t.Fatalf("admin disable auto-prune: %v", err)
	}
}

func TestDeleteProject(t *testing.T) {
	env := newTestEnv(t)
	p := env.newProject(t, "ravenclaw")

	// Setup actions are still waiting on the backend.
	err := env.Engine.DeleteProject(env.Ctx, env.Owner, p)
	var busy engine.ActionInProgressError
	if !errors.As(err, &busy) {
		t.Fatalf("expected action-in-progress refusal, got %v", err)
	}

	env.finishActions(t)
	if err := env.Engine.DeleteProject(env.Ctx, env.Owner, p); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := env.Engine.ResolveProject(env.Ctx, "alice/ravenclaw"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("deleted project still resolves: %v", err)
	}
	actions, err := env.Engine.Repo.ListWaitingActions(env.Ctx, 0)
	if err != nil || len(actions) != 1 || actions[0].ActionType != domain.ActionDelete {
		t.Fatalf("expected one delete action, got %v", actions)
	}
}

func TestDeletePersistentProject(t *testing.T) {
	env := newTestEnv(t)
	p, err := env.Engine.CreateProject(env.Ctx, env.Admin, engine.ProjectCreateOptions{
		Owner:       env.Owner.Name,
		Name:        "forever",
		ChrootNames: []string{"fedora-41-x86_64"},
		Persistent:  true,
	})
	if err != nil {
		t.Fatal(err)
	}
	env.finishActions(t)

	err = env.Engine.DeleteProject(env.Ctx, env.Owner, p)
	var rights engine.InsufficientRightsError
	if !errors.As(err, &rights) {
		t.Fatalf("expected persistent refusal, got %v", err)
	}
	if err := env.Engine.DeleteProject(env.Ctx, env.Admin, p); err != nil {
		t.Fatalf("admin delete: %v", err)
	}
}

func TestYumRepos(t *testing.T) {
	env := newTestEnv(t)
	p := env.newProject(t, "ravenclaw")

	repos, err := env.Engine.YumRepos(env.Ctx, p)
	if err != nil || len(repos) != 0 {
		t.Fatalf("expected no repos before any build: %v %v", err, repos)
	}

	submitBuild(t, env, p, engine.BuildCreateOptions{})
	repos, err = env.Engine.YumRepos(env.Ctx, p)
	if err != nil || len(repos) != 2 {
		t.Fatalf("repos after build: %v %v", err, repos)
	}
	want := "http://localhost:5002/results/alice/ravenclaw/fedora-41-x86_64/"
	if repos["fedora-41-x86_64"] != want {
		t.Fatalf("baseurl %q, want %q", repos["fedora-41-x86_64"], want)
	}
}

func TestVoteProject(t *testing.T) {
	env := newTestEnv(t)
	p := env.newProject(t, "ravenclaw")

	if err := env.Engine.VoteProject(env.Ctx, env.Owner, p, 1); err != nil {
		t.Fatal(err)
	}
	if err := env.Engine.VoteProject(env.Ctx, env.Other, p, 1); err != nil {
		t.Fatal(err)
	}
	score, err := env.Engine.ProjectScore(env.Ctx, p)
	if err != nil || score != 2 {
		t.Fatalf("score %d, want 2: %v", score, err)
	}

	if err := env.Engine.VoteProject(env.Ctx, env.Other, p, -1); err != nil {
		t.Fatal(err)
	}
	score, _ = env.Engine.ProjectScore(env.Ctx, p)
	if score != 0 {
		t.Fatalf("score %d after downvote, want 0", score)
	}

	if err := env.Engine.VoteProject(env.Ctx, env.Other, p, 0); err != nil {
		t.Fatal(err)
	}
	score, _ = env.Engine.ProjectScore(env.Ctx, p)
	if score != 1 {
		t.Fatalf("score %d after withdrawal, want 1", score)
	}
}

func TestPinProjects(t *testing.T) {
	env := newTestEnv(t)
	first := env.newProject(t, "ravenclaw")
	second := env.newProject(t, "hufflepuff")

	if err := env.Engine.PinProjects(env.Ctx, env.Owner, env.Owner, []int64{second.ID, first.ID}); err != nil {
		t.Fatal(err)
	}
	pinned, err := env.Engine.PinnedProjects(env.Ctx, env.Owner)
	if err != nil {
		t.Fatal(err)
	}
	if len(pinned) != 2 || pinned[0].Name != "hufflepuff" || pinned[1].Name != "ravenclaw" {
		t.Fatalf("pinned = %+v, want hufflepuff then ravenclaw", pinned)
	}

	// Replacing the list drops pins that are no longer named.
	if err := env.Engine.PinProjects(env.Ctx, env.Owner, env.Owner, []int64{first.ID}); err != nil {
		t.Fatal(err)
	}
	pinned, _ = env.Engine.PinnedProjects(env.Ctx, env.Owner)
	if len(pinned) != 1 || pinned[0].Name != "ravenclaw" {
		t.Fatalf("pinned = %+v, want just ravenclaw", pinned)
	}
}

func TestPinProjectsGuards(t *testing.T) {
	env := newTestEnv(t)
	p := env.newProject(t, "ravenclaw")

	err := env.Engine.PinProjects(env.Ctx, env.Other, env.Owner, []int64{p.ID})
	var rights engine.InsufficientRightsError
	if !errors.As(err, &rights) {
		t.Fatalf("expected rights error pinning someone else's homepage, got %v", err)
	}

	// Other users' projects cannot be pinned, even by the user themself.
	err = env.Engine.PinProjects(env.Ctx, env.Other, env.Other, []int64{p.ID})
	var bad engine.BadRequestError
	if !errors.As(err, &bad) {
		t.Fatalf("expected refusal pinning a foreign project, got %v", err)
	}

	err = env.Engine.PinProjects(env.Ctx, env.Owner, env.Owner, []int64{p.ID, p.ID})
	if !errors.As(err, &bad) {
		t.Fatalf("expected refusal pinning a project twice, got %v", err)
	}

	// Admins may curate any homepage.
	if err := env.Engine.PinProjects(env.Ctx, env.Admin, env.Owner, []int64{p.ID}); err != nil {
		t.Fatalf("admin pinning for owner: %v", err)
	}
}
