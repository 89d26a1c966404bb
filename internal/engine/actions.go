package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"kiln/internal/domain"
)

// sendAction appends a backend action inside the caller's transaction
// so the action becomes visible exactly when the state change commits.
func (e Engine) sendAction(ctx context.Context, tx *sql.Tx, a domain.Action) (int64, error) {
	if a.Result == "" {
		a.Result = domain.ResultWaiting
	}
	a.CreatedOn = e.now().UTC().Unix()
	return e.Repo.InsertActionTx(ctx, tx, a)
}

type createRepoData struct {
	OwnerName   string   `json:"ownername"`
	ProjectName string   `json:"projectname"`
	Chroots     []string `json:"chroots"`
	Appstream   bool     `json:"appstream"`
	Devel       bool     `json:"devel"`
}

// SendCreateRepo asks the backend to regenerate repo metadata for the
// given chroots.
func (e Engine) SendCreateRepo(ctx context.Context, tx *sql.Tx, p domain.Project, chroots []string, priority int) (int64, error) {
	data, err := json.Marshal(createRepoData{
		OwnerName:   p.OwnerName,
		ProjectName: p.Name,
		Chroots:     chroots,
		Appstream:   p.Appstream,
		Devel:       !p.AutoCreaterepo,
	})
	if err != nil {
		return 0, err
	}
	return e.sendAction(ctx, tx, domain.Action{
		ActionType: domain.ActionCreateRepo,
		ObjectType: "repository",
		ObjectID:   p.ID,
		Data:       string(data),
		Priority:   priority,
	})
}

type updateCompsData struct {
	OwnerName    string `json:"ownername"`
	ProjectName  string `json:"projectname"`
	Chroot       string `json:"chroot"`
	CompsPresent bool   `json:"comps_present"`
}

// SendUpdateComps pushes a chroot's comps.xml change to the backend.
func (e Engine) SendUpdateComps(ctx context.Context, tx *sql.Tx, p domain.Project, chrootName string, compsPresent bool) (int64, error) {
	data, err := json.Marshal(updateCompsData{
		OwnerName:    p.OwnerName,
		ProjectName:  p.Name,
		Chroot:       chrootName,
		CompsPresent: compsPresent,
	})
	if err != nil {
		return 0, err
	}
	return e.sendAction(ctx, tx, domain.Action{
		ActionType: domain.ActionUpdateComps,
		ObjectType: "project_chroot",
		ObjectID:   p.ID,
		Data:       string(data),
	})
}

// SendCreateGPGKey asks the backend to generate the project signing
// key.
func (e Engine) SendCreateGPGKey(ctx context.Context, tx *sql.Tx, p domain.Project) (int64, error) {
	data, err := json.Marshal(map[string]string{
		"ownername":   p.OwnerName,
		"projectname": p.Name,
	})
	if err != nil {
		return 0, err
	}
	return e.sendAction(ctx, tx, domain.Action{
		ActionType: domain.ActionCreateGPGKey,
		ObjectType: "project",
		ObjectID:   p.ID,
		Data:       string(data),
	})
}

// UnfinishedActionsOnProject counts waiting backend actions that
// target the project; destructive operations are refused while any
// exist.
func (e Engine) UnfinishedActionsOnProject(ctx context.Context, projectID int64) (int, error) {
	return e.Repo.CountUnfinishedActionsOnObject(ctx, "project", projectID)
}

// ReportActionResult records the backend's verdict. The first report
// wins; later reports for an already finished action are ignored.
func (e Engine) ReportActionResult(ctx context.Context, id int64, result string) (domain.Action, error) {
	if result != domain.ResultSuccess && result != domain.ResultFailure {
		return domain.Action{}, BadRequestError{Msg: fmt.Sprintf("invalid action result %q", result)}
	}
	if _, err := e.Repo.GetAction(ctx, id); err != nil {
		return domain.Action{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Action{}, err
	}
	defer tx.Rollback()
	if _, err := e.Repo.SetActionResultTx(ctx, tx, id, result, e.now().UTC().Unix()); err != nil {
		return domain.Action{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Action{}, err
	}
	return e.Repo.GetAction(ctx, id)
}
