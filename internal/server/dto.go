package server

import (
	"encoding/json"

	"kiln/internal/domain"
)

// Request payloads

type CreateProjectRequest struct {
	Owner            string   `json:"owner,omitempty"`
	Name             string   `json:"name"`
	Chroots          []string `json:"chroots"`
	Description      string   `json:"description,omitempty"`
	Instructions     string   `json:"instructions,omitempty"`
	Repos            []string `json:"repos,omitempty"`
	Persistent       bool     `json:"persistent,omitempty"`
	DisableAutoPrune bool     `json:"disable_auto_prune,omitempty"`
	UnlistedOnHP     bool     `json:"unlisted_on_hp,omitempty"`
	AutoCreaterepo   *bool    `json:"auto_createrepo,omitempty"`
	Appstream        *bool    `json:"appstream,omitempty"`
	Bootstrap        string   `json:"bootstrap,omitempty"`
	Isolation        string   `json:"isolation,omitempty"`
}

type UpdateProjectRequest struct {
	Description      *string  `json:"description,omitempty"`
	Instructions     *string  `json:"instructions,omitempty"`
	Repos            []string `json:"repos,omitempty"`
	Persistent       *bool    `json:"persistent,omitempty"`
	DisableAutoPrune *bool    `json:"disable_auto_prune,omitempty"`
	UnlistedOnHP     *bool    `json:"unlisted_on_hp,omitempty"`
	AutoCreaterepo   *bool    `json:"auto_createrepo,omitempty"`
	Appstream        *bool    `json:"appstream,omitempty"`
	Bootstrap        *string  `json:"bootstrap,omitempty"`
	Isolation        *string  `json:"isolation,omitempty"`
}

type RegisterChrootRequest struct {
	Name    string `json:"name"`
	Comment string `json:"comment,omitempty"`
}

type SyncChrootsRequest struct {
	Chroots []string `json:"chroots"`
}

type UpdateProjectChrootRequest struct {
	BuildrootPkgs  *string `json:"buildroot_pkgs,omitempty"`
	Repos          *string `json:"repos,omitempty"`
	ModuleToggle   *string `json:"module_toggle,omitempty"`
	WithOpts       *string `json:"with_opts,omitempty"`
	WithoutOpts    *string `json:"without_opts,omitempty"`
	CompsName      *string `json:"comps_name,omitempty"`
	Comps          *string `json:"comps,omitempty"`
	Bootstrap      *string `json:"bootstrap,omitempty"`
	BootstrapImage *string `json:"bootstrap_image,omitempty"`
	Isolation      *string `json:"isolation,omitempty"`
}

type SetPermissionsRequest struct {
	UserName string  `json:"user_name"`
	Builder  *string `json:"builder,omitempty" enum:"nothing,request,approved"`
	Admin    *string `json:"admin,omitempty" enum:"nothing,request,approved"`
}

type RequestPermissionsRequest struct {
	Builder *bool `json:"builder,omitempty"`
	Admin   *bool `json:"admin,omitempty"`
}

type ReviewPermissionsRequest struct {
	Reviews []PermissionReviewRequest `json:"reviews"`
}

type PermissionReviewRequest struct {
	UserName string `json:"user_name"`
	Builder  *bool  `json:"builder,omitempty"`
	Admin    *bool  `json:"admin,omitempty"`
}

type CreateBuildRequest struct {
	URL         string         `json:"url,omitempty"`
	SCM         *SCMSourceBody `json:"scm,omitempty"`
	Chroots     []string       `json:"chroots,omitempty"`
	DirName     string         `json:"dir_name,omitempty"`
	PackageName string         `json:"package_name,omitempty"`
	Timeout     int            `json:"timeout,omitempty"`
}

type SCMSourceBody struct {
	CloneURL     string `json:"clone_url"`
	Committish   string `json:"committish,omitempty"`
	Subdirectory string `json:"subdirectory,omitempty"`
	Spec         string `json:"spec,omitempty"`
}

type DeleteBuildsRequest struct {
	BuildIDs []int64 `json:"build_ids"`
}

type BuildTaskUpdateRequest struct {
	BuildID   int64              `json:"build_id"`
	Chroot    string             `json:"chroot"`
	Status    string             `json:"status"`
	StartedOn *int64             `json:"started_on,omitempty"`
	EndedOn   *int64             `json:"ended_on,omitempty"`
	ResultDir string             `json:"result_dir,omitempty"`
	Packages  []BuiltPackageBody `json:"packages,omitempty"`
}

type BuiltPackageBody struct {
	Name    string `json:"name"`
	Epoch   int    `json:"epoch,omitempty"`
	Version string `json:"version"`
	Release string `json:"release"`
	Arch    string `json:"arch"`
}

type SrpmTaskUpdateRequest struct {
	BuildID   int64  `json:"build_id"`
	Succeeded bool   `json:"succeeded"`
	ResultDir string `json:"result_dir,omitempty"`
}

type ImportCompletedRequest struct {
	BuildID    int64  `json:"build_id"`
	PkgName    string `json:"pkg_name"`
	PkgVersion string `json:"pkg_version,omitempty"`
	SrpmURL    string `json:"srpm_url"`
	ResultDir  string `json:"result_dir,omitempty"`
}

type ActionResultRequest struct {
	Result string `json:"result" enum:"success,failure"`
}

type PrunerepoFinishedRequest struct {
	Chroots []string `json:"chroots"`
}

type SetMaxBuildsRequest struct {
	MaxBuilds int `json:"max_builds"`
}

type VoteRequest struct {
	Score int `json:"score" enum:"-1,0,1"`
}

type PinRequest struct {
	ProjectIDs []int64 `json:"project_ids"`
}

type CreateAPIKeyRequest struct {
	Name string `json:"name,omitempty"`
}

// Response payloads

type ChrootResponse struct {
	Name               string `json:"name"`
	IsActive           bool   `json:"is_active"`
	FinalPrunerepoDone bool   `json:"final_prunerepo_done"`
	Comment            string `json:"comment,omitempty"`
}

type ProjectResponse struct {
	ID             int64  `json:"id"`
	FullName       string `json:"full_name"`
	OwnerName      string `json:"owner_name"`
	Name           string `json:"name"`
	Description    string `json:"description,omitempty"`
	Instructions   string `json:"instructions,omitempty"`
	Repos          string `json:"repos,omitempty"`
	Persistent     bool   `json:"persistent"`
	AutoPrune      bool   `json:"auto_prune"`
	AutoCreaterepo bool   `json:"auto_createrepo"`
	Appstream      bool   `json:"appstream"`
	UnlistedOnHP   bool   `json:"unlisted_on_hp"`
	Bootstrap      string `json:"bootstrap,omitempty"`
	Isolation      string `json:"isolation,omitempty"`
	Deleted        bool   `json:"deleted"`
	CreatedOn      int64  `json:"created_on"`
}

type ProjectChrootResponse struct {
	Name           string  `json:"name"`
	IsActive       bool    `json:"is_active"`
	BuildrootPkgs  string  `json:"buildroot_pkgs,omitempty"`
	Repos          string  `json:"repos,omitempty"`
	ModuleToggle   string  `json:"module_toggle,omitempty"`
	WithOpts       string  `json:"with_opts,omitempty"`
	WithoutOpts    string  `json:"without_opts,omitempty"`
	CompsName      string  `json:"comps_name,omitempty"`
	Bootstrap      string  `json:"bootstrap,omitempty"`
	BootstrapImage string  `json:"bootstrap_image,omitempty"`
	Isolation      string  `json:"isolation,omitempty"`
	Deleted        bool    `json:"deleted"`
	DeleteAfter    *string `json:"delete_after,omitempty" format:"date-time"`
}

type PermissionResponse struct {
	UserName string `json:"user_name"`
	Builder  string `json:"builder" enum:"nothing,request,approved"`
	Admin    string `json:"admin" enum:"nothing,request,approved"`
}

type BuildResponse struct {
	ID           int64               `json:"id"`
	ProjectID    int64               `json:"project_id"`
	PkgName      string              `json:"pkg_name,omitempty"`
	PkgVersion   string              `json:"pkg_version,omitempty"`
	SubmittedOn  int64               `json:"submitted_on"`
	SourceType   string              `json:"source_type"`
	Source       any                 `json:"source,omitempty"`
	SourceStatus string              `json:"source_status"`
	SrpmURL      string              `json:"srpm_url,omitempty"`
	ResultDir    string              `json:"result_dir,omitempty"`
	Timeout      int                 `json:"timeout,omitempty"`
	Chroots      []BuildTaskResponse `json:"chroots,omitempty"`
}

type BuildTaskResponse struct {
	BuildID     int64  `json:"build_id"`
	Chroot      string `json:"chroot"`
	Status      string `json:"status"`
	StartedOn   *int64 `json:"started_on,omitempty"`
	EndedOn     *int64 `json:"ended_on,omitempty"`
	ResultDir   string `json:"result_dir,omitempty"`
	SubmittedOn int64  `json:"submitted_on,omitempty"`
}

type PackageResponse struct {
	Name      string `json:"name"`
	MaxBuilds int    `json:"max_builds"`
}

type ActionResponse struct {
	ID         int64           `json:"id"`
	ActionType string          `json:"action_type"`
	ObjectType string          `json:"object_type"`
	ObjectID   int64           `json:"object_id"`
	Data       json.RawMessage `json:"data,omitempty"`
	Priority   int             `json:"priority"`
	Result     string          `json:"result" enum:"waiting,success,failure"`
	CreatedOn  int64           `json:"created_on"`
	EndedOn    *int64          `json:"ended_on,omitempty"`
}

type APIKeyResponse struct {
	ID        string `json:"id"`
	Name      string `json:"name,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
	// Key is only present in the create response; the server keeps
	// just the hash.
	Key string `json:"key,omitempty"`
}

// Conversion helpers

func chrootResponse(m domain.MockChroot) ChrootResponse {
	return ChrootResponse{
		Name:               m.Name(),
		IsActive:           m.IsActive,
		FinalPrunerepoDone: m.FinalPrunerepoDone,
		Comment:            m.Comment,
	}
}

func projectResponse(p domain.Project) ProjectResponse {
	return ProjectResponse{
		ID:             p.ID,
		FullName:       p.FullName(),
		OwnerName:      p.OwnerName,
		Name:           p.Name,
		Description:    p.Description,
		Instructions:   p.Instructions,
		Repos:          p.Repos,
		Persistent:     p.Persistent,
		AutoPrune:      p.AutoPrune,
		AutoCreaterepo: p.AutoCreaterepo,
		Appstream:      p.Appstream,
		UnlistedOnHP:   p.UnlistedOnHP,
		Bootstrap:      p.Bootstrap,
		Isolation:      p.Isolation,
		Deleted:        p.Deleted,
		CreatedOn:      p.CreatedOn,
	}
}

func projectChrootResponse(pc domain.ProjectChroot) ProjectChrootResponse {
	return ProjectChrootResponse{
		Name:           pc.Name,
		IsActive:       pc.IsActive,
		BuildrootPkgs:  pc.BuildrootPkgs,
		Repos:          pc.Repos,
		ModuleToggle:   pc.ModuleToggle,
		WithOpts:       pc.WithOpts,
		WithoutOpts:    pc.WithoutOpts,
		CompsName:      pc.CompsName,
		Bootstrap:      pc.Bootstrap,
		BootstrapImage: pc.BootstrapImage,
		Isolation:      pc.Isolation,
		Deleted:        pc.Deleted,
		DeleteAfter:    pc.DeleteAfter,
	}
}

func permissionResponse(perm domain.Permission) PermissionResponse {
	return PermissionResponse{
		UserName: perm.UserName,
		Builder:  perm.Builder,
		Admin:    perm.Admin,
	}
}

func buildResponse(b domain.Build) BuildResponse {
	return BuildResponse{
		ID:           b.ID,
		ProjectID:    b.ProjectID,
		PkgName:      b.PkgName,
		PkgVersion:   b.PkgVersion,
		SubmittedOn:  b.SubmittedOn,
		SourceType:   b.SourceType,
		Source:       decodeJSON(b.SourceJSON),
		SourceStatus: b.SourceStatus,
		SrpmURL:      b.SrpmURL,
		ResultDir:    b.ResultDir,
		Timeout:      b.Timeout,
	}
}

func buildTaskResponse(bc domain.BuildChroot) BuildTaskResponse {
	return BuildTaskResponse{
		BuildID:     bc.BuildID,
		Chroot:      bc.Name,
		Status:      bc.Status,
		StartedOn:   bc.StartedOn,
		EndedOn:     bc.EndedOn,
		ResultDir:   bc.ResultDir,
		SubmittedOn: bc.SubmittedOn,
	}
}

func packageResponse(p domain.Package) PackageResponse {
	return PackageResponse{Name: p.Name, MaxBuilds: p.MaxBuilds}
}

func actionResponse(a domain.Action) ActionResponse {
	res := ActionResponse{
		ID:         a.ID,
		ActionType: a.ActionType,
		ObjectType: a.ObjectType,
		ObjectID:   a.ObjectID,
		Priority:   a.Priority,
		Result:     a.Result,
		CreatedOn:  a.CreatedOn,
		EndedOn:    a.EndedOn,
	}
	if a.Data != "" && json.Valid([]byte(a.Data)) {
		res.Data = json.RawMessage(a.Data)
	}
	return res
}

func apiKeyResponse(k domain.APIKey) APIKeyResponse {
	return APIKeyResponse{ID: k.ID, Name: k.Name, CreatedAt: k.CreatedAt}
}

func mapChroots(items []domain.MockChroot) []ChrootResponse {
	out := make([]ChrootResponse, 0, len(items))
	for _, m := range items {
		out = append(out, chrootResponse(m))
	}
	return out
}

func mapProjects(items []domain.Project) []ProjectResponse {
	out := make([]ProjectResponse, 0, len(items))
	for _, p := range items {
		out = append(out, projectResponse(p))
	}
	return out
}

func mapProjectChroots(items []domain.ProjectChroot) []ProjectChrootResponse {
	out := make([]ProjectChrootResponse, 0, len(items))
	for _, pc := range items {
		out = append(out, projectChrootResponse(pc))
	}
	return out
}

func mapPermissions(items []domain.Permission) []PermissionResponse {
	out := make([]PermissionResponse, 0, len(items))
	for _, perm := range items {
		out = append(out, permissionResponse(perm))
	}
	return out
}

func mapBuilds(items []domain.Build) []BuildResponse {
	out := make([]BuildResponse, 0, len(items))
	for _, b := range items {
		out = append(out, buildResponse(b))
	}
	return out
}

func mapBuildTasks(items []domain.BuildChroot) []BuildTaskResponse {
	out := make([]BuildTaskResponse, 0, len(items))
	for _, bc := range items {
		out = append(out, buildTaskResponse(bc))
	}
	return out
}

func mapPackages(items []domain.Package) []PackageResponse {
	out := make([]PackageResponse, 0, len(items))
	for _, p := range items {
		out = append(out, packageResponse(p))
	}
	return out
}

func mapActions(items []domain.Action) []ActionResponse {
	out := make([]ActionResponse, 0, len(items))
	for _, a := range items {
		out = append(out, actionResponse(a))
	}
	return out
}

func mapAPIKeys(items []domain.APIKey) []APIKeyResponse {
	out := make([]APIKeyResponse, 0, len(items))
	for _, k := range items {
		out = append(out, apiKeyResponse(k))
	}
	return out
}

// JSON helpers

func decodeJSON(raw string) any {
	if raw == "" {
		return nil
	}
	var tmp any
	if err := json.Unmarshal([]byte(raw), &tmp); err != nil {
		return nil
	}
	return tmp
}

func joinLines(items []string) string {
	out := ""
	for i, item := range items {
		if i > 0 {
			out += "\n"
		}
		out += item
	}
	return out
}
