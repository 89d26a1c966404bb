package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"kiln/internal/domain"
)

// ProjectCreateOptions are parameters for creating a project.
type ProjectCreateOptions struct {
	Owner            string
	Name             string
	ChrootNames      []string
	Description      string
	Instructions     string
	Repos            string
	Persistent       bool
	DisableAutoPrune bool
	UnlistedOnHP     bool
	AutoCreaterepo   bool
	Appstream        bool
	Bootstrap        string
	Isolation        string
}

func validProjectName(name string) bool {
	if name == "" {
		return false
	}
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9',
			r == '-', r == '_', r == '.', r == '+':
		default:
			return false
		}
	}
	return true
}

// CreateProject creates a project under the given owner ("user" or
// "@group"), its main dir, and the requested chroots, then asks the
// backend for a signing key. Persistent projects and disabled
// auto-prune are reserved for instance admins.
func (e Engine) CreateProject(ctx context.Context, actor domain.User, opts ProjectCreateOptions) (domain.Project, error) {
	if !validProjectName(opts.Name) {
		return domain.Project{}, MalformedArgumentError{Msg: fmt.Sprintf("invalid project name %q", opts.Name)}
	}

	var owner domain.Owner
	ownerName := opts.Owner
	if ownerName == "" {
		ownerName = actor.Name
	}
	if g, found := strings.CutPrefix(ownerName, "@"); found {
		grp, err := e.Repo.GetGroupByName(ctx, g)
		if err != nil {
			return domain.Project{}, err
		}
		member, err := e.Repo.IsGroupMember(ctx, grp.ID, actor.ID)
		if err != nil {
			return domain.Project{}, err
		}
		if !member && !actor.Admin {
			return domain.Project{}, InsufficientRightsError{Msg: fmt.Sprintf("you are not a member of group %s", g)}
		}
		owner = domain.GroupOwner(grp.ID)
	} else {
		u, err := e.Repo.GetUserByName(ctx, ownerName)
		if err != nil {
			return domain.Project{}, err
		}
		if u.ID != actor.ID && !actor.Admin {
			return domain.Project{}, InsufficientRightsError{Msg: "you may only create projects for yourself"}
		}
		owner = domain.UserOwner(u.ID)
	}
	if (opts.Persistent || opts.DisableAutoPrune) && !actor.Admin {
		return domain.Project{}, InsufficientRightsError{Msg: "only instance admins may create persistent or never-pruned projects"}
	}

	chroots, err := e.chrootsFromNames(ctx, opts.ChrootNames)
	if err != nil {
		return domain.Project{}, err
	}
	for _, m := range chroots {
		if !m.IsActive {
			return domain.Project{}, BadRequestError{Msg: fmt.Sprintf("chroot %s is EOL and cannot be enabled", m.Name())}
		}
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Project{}, err
	}
	defer tx.Rollback()

	n, err := e.Repo.CountProjectsByOwnerNameTx(ctx, tx, owner, opts.Name)
	if err != nil {
		return domain.Project{}, err
	}
	if n > 0 {
		return domain.Project{}, DuplicateError{Msg: fmt.Sprintf("you already have a project named %q", opts.Name)}
	}

	p := domain.Project{
		Name:           opts.Name,
		UserID:         owner.UserID,
		GroupID:        owner.GroupID,
		Repos:          strings.ReplaceAll(opts.Repos, "\n", " "),
		Description:    opts.Description,
		Instructions:   opts.Instructions,
		Persistent:     opts.Persistent,
		AutoPrune:      !opts.DisableAutoPrune,
		AutoCreaterepo: opts.AutoCreaterepo,
		Appstream:      opts.Appstream,
		UnlistedOnHP:   opts.UnlistedOnHP,
		Bootstrap:      opts.Bootstrap,
		Isolation:      opts.Isolation,
		CreatedOn:      e.now().UTC().Unix(),
		OwnerName:      ownerName,
	}
	p.ID, err = e.Repo.InsertProjectTx(ctx, tx, p)
	if err != nil {
		return domain.Project{}, err
	}
	if _, err := e.Repo.InsertProjectDirTx(ctx, tx, domain.ProjectDir{
		ProjectID: p.ID,
		Name:      p.Name,
		Main:      true,
	}); err != nil {
		return domain.Project{}, err
	}
	if err := e.AttachChrootsTx(ctx, tx, p, chroots); err != nil {
		return domain.Project{}, err
	}
	if _, err := e.SendCreateGPGKey(ctx, tx, p); err != nil {
		return domain.Project{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Project{}, err
	}
	return p, nil
}

// ProjectUpdateOptions carries optional project edits; nil fields are
// left untouched. The project name and owner are immutable.
type ProjectUpdateOptions struct {
	Description    *string
	Instructions   *string
	Repos          *string
	Persistent     *bool
	AutoPrune      *bool
	AutoCreaterepo *bool
	Appstream      *bool
	UnlistedOnHP   *bool
	Bootstrap      *string
	Isolation      *string
}

// UpdateProject edits project settings. Re-enabling auto_createrepo
// queues a createrepo action so the devel metadata catches up.
func (e Engine) UpdateProject(ctx context.Context, actor domain.User, p domain.Project, opts ProjectUpdateOptions) (domain.Project, error) {
	ok, err := e.CanEdit(ctx, actor, p)
	if err != nil {
		return domain.Project{}, err
	}
	if !ok {
		return domain.Project{}, InsufficientRightsError{Msg: "only owners and admins may update their projects"}
	}
	if opts.Persistent != nil && *opts.Persistent != p.Persistent && !actor.Admin {
		return domain.Project{}, InsufficientRightsError{Msg: "only instance admins may change the persistent flag"}
	}
	if opts.AutoPrune != nil && !*opts.AutoPrune && p.AutoPrune && !actor.Admin {
		return domain.Project{}, InsufficientRightsError{Msg: "only instance admins may disable auto-pruning"}
	}

	createrepoNeeded := opts.AutoCreaterepo != nil && *opts.AutoCreaterepo && !p.AutoCreaterepo

	apply := func(dst *string, src *string) {
		if src != nil {
			*dst = *src
		}
	}
	applyBool := func(dst *bool, src *bool) {
		if src != nil {
			*dst = *src
		}
	}
	apply(&p.Description, opts.Description)
	apply(&p.Instructions, opts.Instructions)
	apply(&p.Bootstrap, opts.Bootstrap)
	apply(&p.Isolation, opts.Isolation)
	if opts.Repos != nil {
		p.Repos = strings.ReplaceAll(*opts.Repos, "\n", " ")
	}
	applyBool(&p.Persistent, opts.Persistent)
	applyBool(&p.AutoPrune, opts.AutoPrune)
	applyBool(&p.AutoCreaterepo, opts.AutoCreaterepo)
	applyBool(&p.Appstream, opts.Appstream)
	applyBool(&p.UnlistedOnHP, opts.UnlistedOnHP)

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Project{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateProjectTx(ctx, tx, p); err != nil {
		return domain.Project{}, err
	}
	if createrepoNeeded {
		chroots, err := e.Repo.ListProjectChroots(ctx, p.ID, false)
		if err != nil {
			return domain.Project{}, err
		}
		var names []string
		for _, pc := range chroots {
			names = append(names, pc.Name)
		}
		if len(names) > 0 {
			if _, err := e.SendCreateRepo(ctx, tx, p, names, domain.PriorityDefault); err != nil {
				return domain.Project{}, err
			}
		}
	}
	if err := tx.Commit(); err != nil {
		return domain.Project{}, err
	}
	return p, nil
}

// DeleteProject soft-deletes a project and queues the backend cleanup
// of its whole result tree. Dir rows survive so historical builds keep
// resolving.
func (e Engine) DeleteProject(ctx context.Context, actor domain.User, p domain.Project) error {
	ok, err := e.CanEdit(ctx, actor, p)
	if err != nil {
		return err
	}
	if !ok {
		return InsufficientRightsError{Msg: "only owners and admins may delete their projects"}
	}
	if p.Persistent && !actor.Admin {
		return InsufficientRightsError{Msg: "persistent projects can not be removed"}
	}
	pending, err := e.UnfinishedActionsOnProject(ctx, p.ID)
	if err != nil {
		return err
	}
	if pending > 0 {
		return ActionInProgressError{Msg: fmt.Sprintf("project %s is being processed by the backend, try again later", p.FullName())}
	}

	dirs, err := e.Repo.ListProjectDirs(ctx, p.ID)
	if err != nil {
		return err
	}
	dirNames := make([]string, len(dirs))
	for i, d := range dirs {
		dirNames[i] = d.Name
	}
	data, err := json.Marshal(map[string]any{
		"ownername":        p.OwnerName,
		"projectname":      p.Name,
		"project_dirnames": dirNames,
		"appstream":        p.Appstream,
	})
	if err != nil {
		return err
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.MarkProjectDeletedTx(ctx, tx, p.ID); err != nil {
		return err
	}
	if _, err := e.sendAction(ctx, tx, domain.Action{
		ActionType: domain.ActionDelete,
		ObjectType: "project",
		ObjectID:   p.ID,
		Data:       string(data),
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// YumRepos maps chroot names to their repo baseurl. A chroot appears
// once something was built in it, so clients never get 404 metadata.
func (e Engine) YumRepos(ctx context.Context, p domain.Project) (map[string]string, error) {
	base := ""
	if e.Config != nil {
		base = strings.TrimRight(e.Config.Instance.RepoBase, "/")
	}
	chroots, err := e.Repo.ListProjectChroots(ctx, p.ID, false)
	if err != nil {
		return nil, err
	}
	repos := map[string]string{}
	for _, pc := range chroots {
		n, err := e.Repo.CountBuildChrootsOnProjectChroot(ctx, pc.ID)
		if err != nil {
			return nil, err
		}
		if n == 0 {
			continue
		}
		repos[pc.Name] = fmt.Sprintf("%s/%s/%s/%s/", base, p.OwnerName, p.Name, pc.Name)
	}
	return repos, nil
}

// VoteProject records an upvote (positive) or downvote (negative);
// zero withdraws the actor's vote.
func (e Engine) VoteProject(ctx context.Context, actor domain.User, p domain.Project, value int) error {
	switch {
	case value > 0:
		return e.Repo.UpsertProjectScore(ctx, p.ID, actor.ID, 1)
	case value < 0:
		return e.Repo.UpsertProjectScore(ctx, p.ID, actor.ID, -1)
	default:
		return e.Repo.DeleteProjectScore(ctx, p.ID, actor.ID)
	}
}

// ProjectScore sums all votes on a project.
func (e Engine) ProjectScore(ctx context.Context, p domain.Project) (int, error) {
	return e.Repo.ProjectScore(ctx, p.ID)
}

const maxPinnedProjects = 4

// PinProjects replaces the user's pinned project list. Only the user
// themself or an instance admin may change it, and every pinned
// project must belong to the user or to one of their groups.
func (e Engine) PinProjects(ctx context.Context, actor domain.User, user domain.User, projectIDs []int64) error {
	if actor.ID != user.ID && !actor.Admin {
		return InsufficientRightsError{Msg: "you may only pin projects on your own homepage"}
	}
	if len(projectIDs) > maxPinnedProjects {
		return BadRequestError{Msg: fmt.Sprintf("at most %d projects can be pinned", maxPinnedProjects)}
	}
	seen := map[int64]bool{}
	for _, id := range projectIDs {
		if seen[id] {
			return BadRequestError{Msg: fmt.Sprintf("project %d pinned twice", id)}
		}
		seen[id] = true
		p, err := e.Repo.GetProject(ctx, id)
		if err != nil {
			return err
		}
		if p.Deleted {
			return BadRequestError{Msg: fmt.Sprintf("project %s is deleted", p.FullName())}
		}
		switch {
		case p.UserID != nil && *p.UserID == user.ID:
		case p.GroupID != nil:
			member, err := e.Repo.IsGroupMember(ctx, *p.GroupID, user.ID)
			if err != nil {
				return err
			}
			if !member {
				return BadRequestError{Msg: fmt.Sprintf("project %s does not belong to %s", p.FullName(), user.Name)}
			}
		default:
			return BadRequestError{Msg: fmt.Sprintf("project %s does not belong to %s", p.FullName(), user.Name)}
		}
	}
	return e.Repo.ReplacePinnedProjects(ctx, user.ID, projectIDs)
}

// PinnedProjects lists the user's pinned projects in pin order.
func (e Engine) PinnedProjects(ctx context.Context, user domain.User) ([]domain.Project, error) {
	return e.Repo.ListPinnedProjects(ctx, user.ID)
}
