package engine_test

import (
	"errors"
	"testing"

	"kiln/internal/domain"
	"kiln/internal/engine"
)

func permissionFor(t *testing.T, env testEnv, p domain.Project, u domain.User) domain.Permission {
	t.Helper()
	perms, err := env.Engine.Repo.ListPermissions(env.Ctx, p.ID)
	if err != nil {
		t.Fatalf("list permissions: %v", err)
	}
	for _, perm := range perms {
		if perm.UserID == u.ID {
			return perm
		}
	}
	return domain.Permission{ProjectID: p.ID, UserID: u.ID, Builder: domain.PermNothing, Admin: domain.PermNothing}
}

func TestSetPermission(t *testing.T) {
	env := newTestEnv(t)
	p := env.newProject(t, "ravenclaw")

	change, err := env.Engine.SetPermission(env.Ctx, env.Owner, p, env.Other, "builder", domain.PermApproved)
	if err != nil {
		t.Fatalf("set: %v", err)
	}
	if change == nil || change.Old != domain.PermNothing || change.New != domain.PermApproved {
		t.Fatalf("unexpected change %+v", change)
	}
	ok, err := env.Engine.CanBuild(env.Ctx, env.Other, p)
	if err != nil || !ok {
		t.Fatalf("expected build rights: %v", err)
	}

	// Same value again is a no-op.
	change, err = env.Engine.SetPermission(env.Ctx, env.Owner, p, env.Other, "builder", domain.PermApproved)
	if err != nil || change != nil {
		t.Fatalf("expected no-op, got %+v (%v)", change, err)
	}

	_, err = env.Engine.SetPermission(env.Ctx, env.Owner, p, env.Other, "builder", "sometimes")
	var bad engine.BadRequestError
	if !errors.As(err, &bad) {
		t.Fatalf("expected invalid state error, got %v", err)
	}
	_, err = env.Engine.SetPermission(env.Ctx, env.Owner, p, env.Other, "committer", domain.PermApproved)
	if !errors.As(err, &bad) {
		t.Fatalf("expected invalid field error, got %v", err)
	}
}

func TestSetPermissionGuards(t *testing.T) {
	env := newTestEnv(t)
	p := env.newProject(t, "ravenclaw")

	// Non-owners cannot hand out grants.
	_, err := env.Engine.SetPermission(env.Ctx, env.Other, p, env.Other, "builder", domain.PermApproved)
	var rights engine.InsufficientRightsError
	if !errors.As(err, &rights) {
		t.Fatalf("expected rights error, got %v", err)
	}

	// The owner's own row is off limits; ownership is implicit.
	_, err = env.Engine.SetPermission(env.Ctx, env.Admin, p, env.Owner, "builder", domain.PermApproved)
	var bad engine.BadRequestError
	if !errors.As(err, &bad) {
		t.Fatalf("expected owner-row refusal, got %v", err)
	}
}

func TestRequestAndReviewFlow(t *testing.T) {
	env := newTestEnv(t)
	p := env.newProject(t, "ravenclaw")

	change, err := env.Engine.RequestPermission(env.Ctx, env.Other, p, "builder", true)
	if err != nil || change == nil || change.New != domain.PermRequest {
		t.Fatalf("request: %v %+v", err, change)
	}
	// A request grants nothing yet.
	ok, err := env.Engine.CanBuild(env.Ctx, env.Other, p)
	if err != nil || ok {
		t.Fatalf("request must not grant rights: %v", err)
	}

	grant := true
	if err := env.Engine.ReviewPermissions(env.Ctx, env.Owner, p, []engine.PermissionReview{
		{UserName: env.Other.Name, Builder: &grant},
	}); err != nil {
		t.Fatalf("review: %v", err)
	}
	if got := permissionFor(t, env, p, env.Other); got.Builder != domain.PermApproved {
		t.Fatalf("builder state %s, want approved", got.Builder)
	}

	// Re-requesting an approved grant is refused.
	_, err = env.Engine.RequestPermission(env.Ctx, env.Other, p, "builder", true)
	var bad engine.BadRequestError
	if !errors.As(err, &bad) {
		t.Fatalf("expected already-approved error, got %v", err)
	}

	// Withdrawing an approved grant is allowed.
	change, err = env.Engine.RequestPermission(env.Ctx, env.Other, p, "builder", false)
	if err != nil || change == nil || change.New != domain.PermNothing {
		t.Fatalf("withdraw: %v %+v", err, change)
	}
	ok, err = env.Engine.CanBuild(env.Ctx, env.Other, p)
	if err != nil || ok {
		t.Fatalf("withdrawn grant still effective: %v", err)
	}
}

func TestReviewActsOnlyOnPendingStates(t *testing.T) {
	env := newTestEnv(t)
	p := env.newProject(t, "ravenclaw")

	// A grant without a pending request changes nothing.
	grant := true
	if err := env.Engine.ReviewPermissions(env.Ctx, env.Owner, p, []engine.PermissionReview{
		{UserName: env.Other.Name, Admin: &grant},
	}); err != nil {
		t.Fatalf("review: %v", err)
	}
	if got := permissionFor(t, env, p, env.Other); got.Admin != domain.PermNothing {
		t.Fatalf("admin state %s, want nothing", got.Admin)
	}

	// A revoke knocks an approval back to request, not to nothing.
	if _, err := env.Engine.SetPermission(env.Ctx, env.Owner, p, env.Other, "admin", domain.PermApproved); err != nil {
		t.Fatal(err)
	}
	revoke := false
	if err := env.Engine.ReviewPermissions(env.Ctx, env.Owner, p, []engine.PermissionReview{
		{UserName: env.Other.Name, Admin: &revoke},
	}); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if got := permissionFor(t, env, p, env.Other); got.Admin != domain.PermRequest {
		t.Fatalf("admin state %s, want request", got.Admin)
	}
}

func TestApprovedAdminMayEdit(t *testing.T) {
	env := newTestEnv(t)
	p := env.newProject(t, "ravenclaw")

	ok, err := env.Engine.CanEdit(env.Ctx, env.Other, p)
	if err != nil || ok {
		t.Fatalf("expected no edit rights yet: %v", err)
	}
	if _, err := env.Engine.SetPermission(env.Ctx, env.Owner, p, env.Other, "admin", domain.PermApproved); err != nil {
		t.Fatal(err)
	}
	ok, err = env.Engine.CanEdit(env.Ctx, env.Other, p)
	if err != nil || !ok {
		t.Fatalf("expected edit rights with admin grant: %v", err)
	}

	admins, err := env.Engine.ProjectAdmins(env.Ctx, p)
	if err != nil || len(admins) != 2 {
		t.Fatalf("project admins: %v %v", err, admins)
	}
}
