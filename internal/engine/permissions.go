package engine

import (
	"context"
	"errors"
	"fmt"

	"kiln/internal/domain"
	"kiln/internal/repo"
)

// PermissionChange reports an old/new pair for one tri-state field;
// nil means the operation was a no-op.
type PermissionChange struct {
	Old string
	New string
}

func validatePermissionField(field string) error {
	if field != "builder" && field != "admin" {
		return BadRequestError{Msg: fmt.Sprintf("invalid permission %q, allowed admin|builder", field)}
	}
	return nil
}

// permissionRow fetches the pair's row or a default all-nothing one.
func (e Engine) permissionRow(ctx context.Context, projectID int64, u domain.User) (domain.Permission, error) {
	perm, err := e.Repo.GetPermission(ctx, projectID, u.ID)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.Permission{
			ProjectID: projectID,
			UserID:    u.ID,
			Builder:   domain.PermNothing,
			Admin:     domain.PermNothing,
			UserName:  u.Name,
		}, nil
	}
	return perm, err
}

func getField(perm domain.Permission, field string) string {
	if field == "admin" {
		return perm.Admin
	}
	return perm.Builder
}

func setField(perm *domain.Permission, field, state string) {
	if field == "admin" {
		perm.Admin = state
	} else {
		perm.Builder = state
	}
}

// SetPermission lets an owner or admin force any tri-state value for
// another user. The project owner's own row cannot be edited; owners
// hold full rights implicitly.
func (e Engine) SetPermission(ctx context.Context, actor domain.User, p domain.Project, target domain.User, field, state string) (*PermissionChange, error) {
	ok, err := e.CanEdit(ctx, actor, p)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, InsufficientRightsError{Msg: "only owners and admins may update their projects permissions"}
	}
	if err := validatePermissionField(field); err != nil {
		return nil, err
	}
	if !domain.ValidPermState(state) {
		return nil, BadRequestError{Msg: fmt.Sprintf("invalid %s permission state %q, use nothing|request|approved", field, state)}
	}
	if p.UserID != nil && *p.UserID == target.ID {
		return nil, BadRequestError{Msg: fmt.Sprintf("user %q is owner of the %q project", target.Name, p.FullName())}
	}

	perm, err := e.permissionRow(ctx, p.ID, target)
	if err != nil {
		return nil, err
	}
	old := getField(perm, field)
	if old == state {
		return nil, nil
	}
	setField(&perm, field, state)

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpsertPermissionTx(ctx, tx, perm); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &PermissionChange{Old: old, New: state}, nil
}

// RequestPermission lets a user ask for (or withdraw) a grant on
// their own behalf. Users cannot self-approve, and an approved grant
// cannot be re-requested; withdrawing an approved grant is allowed.
func (e Engine) RequestPermission(ctx context.Context, actor domain.User, p domain.Project, field string, want bool) (*PermissionChange, error) {
	if err := validatePermissionField(field); err != nil {
		return nil, err
	}
	state := domain.PermNothing
	if want {
		state = domain.PermRequest
	}
	if p.UserID != nil && *p.UserID == actor.ID {
		return nil, BadRequestError{Msg: fmt.Sprintf("user %q is owner of the %q project", actor.Name, p.FullName())}
	}

	perm, err := e.permissionRow(ctx, p.ID, actor)
	if err != nil {
		return nil, err
	}
	old := getField(perm, field)
	if old == domain.PermApproved && state == domain.PermRequest {
		return nil, BadRequestError{Msg: fmt.Sprintf("you already are %s in %q", field, p.FullName())}
	}
	if old == state {
		return nil, nil
	}
	setField(&perm, field, state)

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpsertPermissionTx(ctx, tx, perm); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &PermissionChange{Old: old, New: state}, nil
}

// PermissionReview is one owner decision in a batch review: grant
// approves a pending request, revoke knocks an approval back down to
// request.
type PermissionReview struct {
	UserName string
	Builder  *bool
	Admin    *bool
}

// ReviewPermissions applies a batch of grant/revoke decisions. A
// grant only lands on a pending request and a revoke only on an
// approval; everything else is left untouched.
func (e Engine) ReviewPermissions(ctx context.Context, actor domain.User, p domain.Project, reviews []PermissionReview) error {
	ok, err := e.CanEdit(ctx, actor, p)
	if err != nil {
		return err
	}
	if !ok {
		return InsufficientRightsError{Msg: "only owners and admins may update their projects permissions"}
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for _, rv := range reviews {
		target, err := e.Repo.GetUserByName(ctx, rv.UserName)
		if err != nil {
			return err
		}
		perm, err := e.permissionRow(ctx, p.ID, target)
		if err != nil {
			return err
		}
		review := func(field string, decision *bool) {
			if decision == nil {
				return
			}
			cur := getField(perm, field)
			if *decision && cur == domain.PermRequest {
				setField(&perm, field, domain.PermApproved)
			} else if !*decision && cur == domain.PermApproved {
				setField(&perm, field, domain.PermRequest)
			}
		}
		review("builder", rv.Builder)
		review("admin", rv.Admin)
		if err := e.Repo.UpsertPermissionTx(ctx, tx, perm); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// ProjectAdmins returns the users who may administer the project: the
// owner plus everyone with an approved admin grant.
func (e Engine) ProjectAdmins(ctx context.Context, p domain.Project) ([]domain.User, error) {
	var admins []domain.User
	if p.UserID != nil {
		owner, err := e.Repo.GetUser(ctx, *p.UserID)
		if err != nil {
			return nil, err
		}
		admins = append(admins, owner)
	}
	perms, err := e.Repo.ListPermissions(ctx, p.ID)
	if err != nil {
		return nil, err
	}
	for _, perm := range perms {
		if perm.Admin != domain.PermApproved {
			continue
		}
		u, err := e.Repo.GetUser(ctx, perm.UserID)
		if err != nil {
			return nil, err
		}
		admins = append(admins, u)
	}
	return admins, nil
}
