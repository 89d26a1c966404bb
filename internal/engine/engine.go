package engine

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"kiln/internal/config"
	"kiln/internal/domain"
	"kiln/internal/repo"
)

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Config *config.Config
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Config: cfg,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// ResolveProject looks up "owner/name"; a leading "@" marks a group
// owner.
func (e Engine) ResolveProject(ctx context.Context, fullName string) (domain.Project, error) {
	owner, name, ok := strings.Cut(fullName, "/")
	if !ok || owner == "" || name == "" {
		return domain.Project{}, MalformedArgumentError{Msg: fmt.Sprintf("malformed project name %q, expected owner/project", fullName)}
	}
	if g, found := strings.CutPrefix(owner, "@"); found {
		return e.Repo.GetProjectByOwner(ctx, "", g, name)
	}
	return e.Repo.GetProjectByOwner(ctx, owner, "", name)
}

// isOwner reports whether the user owns the project directly or via
// group membership.
func (e Engine) isOwner(ctx context.Context, u domain.User, p domain.Project) (bool, error) {
	if p.UserID != nil && *p.UserID == u.ID {
		return true, nil
	}
	if p.GroupID != nil {
		return e.Repo.IsGroupMember(ctx, *p.GroupID, u.ID)
	}
	return false, nil
}

// CanEdit is the admin gate: instance admins, owners, and users with
// an approved admin grant.
func (e Engine) CanEdit(ctx context.Context, u domain.User, p domain.Project) (bool, error) {
	if u.Admin {
		return true, nil
	}
	owner, err := e.isOwner(ctx, u, p)
	if err != nil || owner {
		return owner, err
	}
	return e.Repo.HasApprovedPermission(ctx, p.ID, u.ID, "admin")
}

// CanBuild additionally accepts an approved builder grant.
func (e Engine) CanBuild(ctx context.Context, u domain.User, p domain.Project) (bool, error) {
	ok, err := e.CanEdit(ctx, u, p)
	if err != nil || ok {
		return ok, err
	}
	return e.Repo.HasApprovedPermission(ctx, p.ID, u.ID, "builder")
}
