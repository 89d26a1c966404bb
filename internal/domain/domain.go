package domain

import "fmt"

type User struct {
	ID        int64  `json:"id"`
	Name      string `json:"name"`
	Admin     bool   `json:"admin"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type Group struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// MockChroot is one catalog entry: an OS release/version/arch build
// target. Rows are never deleted while old builds reference them; EOL
// is expressed through IsActive.
type MockChroot struct {
	ID                 int64  `json:"id"`
	OSRelease          string `json:"os_release"`
	OSVersion          string `json:"os_version"`
	Arch               string `json:"arch"`
	IsActive           bool   `json:"is_active"`
	FinalPrunerepoDone bool   `json:"final_prunerepo_done"`
	Comment            string `json:"comment,omitempty"`
}

// Name renders the canonical release-version-arch identifier.
func (m MockChroot) Name() string {
	return fmt.Sprintf("%s-%s-%s", m.OSRelease, m.OSVersion, m.Arch)
}

type Project struct {
	ID             int64  `json:"id"`
	Name           string `json:"name"`
	UserID         *int64 `json:"user_id,omitempty"`
	GroupID        *int64 `json:"group_id,omitempty"`
	Repos          string `json:"repos,omitempty"`
	Description    string `json:"description,omitempty"`
	Instructions   string `json:"instructions,omitempty"`
	Persistent     bool   `json:"persistent"`
	AutoPrune      bool   `json:"auto_prune"`
	AutoCreaterepo bool   `json:"auto_createrepo"`
	Appstream      bool   `json:"appstream"`
	UnlistedOnHP   bool   `json:"unlisted_on_hp"`
	Playground     bool   `json:"playground"`
	Bootstrap      string `json:"bootstrap,omitempty"`
	Isolation      string `json:"isolation,omitempty"`
	Deleted        bool   `json:"deleted"`
	CreatedOn      int64  `json:"created_on"`

	// Denormalized owner name, filled by repo joins. Group owners are
	// prefixed with "@".
	OwnerName string `json:"owner_name,omitempty"`
}

// FullName is "owner/project".
func (p Project) FullName() string {
	return p.OwnerName + "/" + p.Name
}

// Owner is the tagged user-or-group project owner; exactly one side
// is set.
type Owner struct {
	UserID  *int64
	GroupID *int64
}

func UserOwner(id int64) Owner  { return Owner{UserID: &id} }
func GroupOwner(id int64) Owner { return Owner{GroupID: &id} }

// ProjectDir is a build target within a project; every project has
// exactly one main dir plus optional side dirs (pull requests etc).
type ProjectDir struct {
	ID        int64  `json:"id"`
	ProjectID int64  `json:"project_id"`
	Name      string `json:"name"`
	Main      bool   `json:"main"`
}

type ProjectChroot struct {
	ID             int64   `json:"id"`
	ProjectID      int64   `json:"project_id"`
	MockChrootID   int64   `json:"mock_chroot_id"`
	BuildrootPkgs  string  `json:"buildroot_pkgs,omitempty"`
	Repos          string  `json:"repos,omitempty"`
	ModuleToggle   string  `json:"module_toggle,omitempty"`
	WithOpts       string  `json:"with_opts,omitempty"`
	WithoutOpts    string  `json:"without_opts,omitempty"`
	CompsName      string  `json:"comps_name,omitempty"`
	Comps          string  `json:"comps,omitempty"`
	Bootstrap      string  `json:"bootstrap,omitempty"`
	BootstrapImage string  `json:"bootstrap_image,omitempty"`
	Isolation      string  `json:"isolation,omitempty"`
	Deleted        bool    `json:"deleted"`
	DeleteAfter    *string `json:"delete_after,omitempty" format:"date-time"`
	DeleteNotify   bool    `json:"delete_notify"`

	// Denormalized chroot identity, filled by repo joins.
	Name     string `json:"name,omitempty"`
	IsActive bool   `json:"is_active,omitempty"`
}

// Permission states for the builder/admin tri-state fields.
const (
	PermNothing  = "nothing"
	PermRequest  = "request"
	PermApproved = "approved"
)

// ValidPermState reports whether s is a recognized tri-state value.
func ValidPermState(s string) bool {
	return s == PermNothing || s == PermRequest || s == PermApproved
}

type Permission struct {
	ProjectID int64  `json:"project_id"`
	UserID    int64  `json:"user_id"`
	Builder   string `json:"builder" enum:"nothing,request,approved"`
	Admin     string `json:"admin" enum:"nothing,request,approved"`

	UserName string `json:"user_name,omitempty"`
}

type Package struct {
	ID        int64  `json:"id"`
	ProjectID int64  `json:"project_id"`
	Name      string `json:"name"`
	MaxBuilds int    `json:"max_builds"`
}

// Task statuses shared by the per-chroot tasks and the source (SRPM)
// stage.
const (
	StatusWaiting   = "waiting"
	StatusImporting = "importing"
	StatusPending   = "pending"
	StatusStarting  = "starting"
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
	StatusCanceled  = "canceled"
	StatusForked    = "forked"
	StatusSkipped   = "skipped"
)

// StatusFinished reports whether s is terminal for a task.
func StatusFinished(s string) bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusCanceled, StatusForked, StatusSkipped:
		return true
	}
	return false
}

// ValidStatus reports whether s is a member of the status enum.
func ValidStatus(s string) bool {
	switch s {
	case StatusWaiting, StatusImporting, StatusPending, StatusStarting,
		StatusRunning, StatusSucceeded, StatusFailed, StatusCanceled,
		StatusForked, StatusSkipped:
		return true
	}
	return false
}

// Source descriptor types for builds.
const (
	SourceURL    = "url"
	SourceUpload = "upload"
	SourceSCM    = "scm"
)

type Build struct {
	ID           int64  `json:"id"`
	ProjectID    int64  `json:"project_id"`
	DirID        int64  `json:"dir_id"`
	UserID       int64  `json:"user_id"`
	PackageID    *int64 `json:"package_id,omitempty"`
	PkgName      string `json:"pkg_name,omitempty"`
	PkgVersion   string `json:"pkg_version,omitempty"`
	SubmittedOn  int64  `json:"submitted_on"`
	SourceType   string `json:"source_type"`
	SourceJSON   string `json:"source_json,omitempty"`
	SourceStatus string `json:"source_status" enum:"pending,importing,starting,running,succeeded,failed,canceled"`
	SrpmURL      string `json:"srpm_url,omitempty"`
	ResultDir    string `json:"result_dir,omitempty"`
	Timeout      int    `json:"timeout,omitempty"`
}

// SrpmDir is the on-disk basename of the build's srpm result
// directory, defaulting to the zero-padded build id.
func (b Build) SrpmDir() string {
	if b.ResultDir != "" {
		return b.ResultDir
	}
	return fmt.Sprintf("%08d", b.ID)
}

type BuildChroot struct {
	ID              int64  `json:"id"`
	BuildID         int64  `json:"build_id"`
	ProjectChrootID int64  `json:"project_chroot_id"`
	MockChrootID    int64  `json:"mock_chroot_id"`
	Status          string `json:"status"`
	StartedOn       *int64 `json:"started_on,omitempty"`
	EndedOn         *int64 `json:"ended_on,omitempty"`
	ResultDir       string `json:"result_dir,omitempty"`

	// Denormalized fields filled by repo joins.
	Name        string `json:"name,omitempty"`
	SubmittedOn int64  `json:"submitted_on,omitempty"`
}

// Finished reports whether the task reached a terminal state.
func (bc BuildChroot) Finished() bool { return StatusFinished(bc.Status) }

// BuildChrootResult is one built package recorded for a finished task.
type BuildChrootResult struct {
	ID            int64  `json:"id"`
	BuildChrootID int64  `json:"build_chroot_id"`
	Name          string `json:"name"`
	Epoch         int    `json:"epoch"`
	Version       string `json:"version"`
	Release       string `json:"release"`
	Arch          string `json:"arch"`
}

// Action types consumed by the backend fleet.
const (
	ActionDelete       = "delete"
	ActionCreateRepo   = "createrepo"
	ActionUpdateComps  = "update_comps"
	ActionCreateGPGKey = "gen_gpg_key"
)

// Action results.
const (
	ResultWaiting = "waiting"
	ResultSuccess = "success"
	ResultFailure = "failure"
)

// Action priorities; lower sorts first in the backend poll.
const (
	PriorityHighest = -99
	PriorityDefault = 0
)

type Action struct {
	ID         int64  `json:"id"`
	ActionType string `json:"action_type"`
	ObjectType string `json:"object_type"`
	ObjectID   int64  `json:"object_id"`
	Data       string `json:"data,omitempty"`
	Priority   int    `json:"priority"`
	Result     string `json:"result" enum:"waiting,success,failure"`
	CreatedOn  int64  `json:"created_on"`
	EndedOn    *int64 `json:"ended_on,omitempty"`
}

type APIKey struct {
	ID        string `json:"id"`
	UserName  string `json:"user_name"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
