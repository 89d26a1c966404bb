package kilnsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Kiln HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Project represents the API project model (partial).
type Project struct {
	ID          int64  `json:"id"`
	FullName    string `json:"full_name"`
	OwnerName   string `json:"owner_name"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Persistent  bool   `json:"persistent"`
	Deleted     bool   `json:"deleted"`
}

// Chroot represents a catalog entry.
type Chroot struct {
	Name     string `json:"name"`
	IsActive bool   `json:"is_active"`
	Comment  string `json:"comment,omitempty"`
}

// ProjectChroot represents one enabled chroot.
type ProjectChroot struct {
	Name        string  `json:"name"`
	IsActive    bool    `json:"is_active"`
	Deleted     bool    `json:"deleted"`
	DeleteAfter *string `json:"delete_after,omitempty"`
}

// Build represents the API build model (partial).
type Build struct {
	ID           int64       `json:"id"`
	ProjectID    int64       `json:"project_id"`
	PkgName      string      `json:"pkg_name,omitempty"`
	PkgVersion   string      `json:"pkg_version,omitempty"`
	SourceType   string      `json:"source_type"`
	SourceStatus string      `json:"source_status"`
	SubmittedOn  int64       `json:"submitted_on"`
	Chroots      []BuildTask `json:"chroots,omitempty"`
}

// BuildTask is one per-chroot task of a build.
type BuildTask struct {
	BuildID int64  `json:"build_id"`
	Chroot  string `json:"chroot"`
	Status  string `json:"status"`
}

// Permission is a user's tri-state permission row.
type Permission struct {
	UserName string `json:"user_name"`
	Builder  string `json:"builder"`
	Admin    string `json:"admin"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateProject creates a project with the given chroots enabled.
func (c *Client) CreateProject(ctx context.Context, name string, chroots []string) (Project, error) {
	body := map[string]any{
		"name":    name,
		"chroots": chroots,
	}
	var resp Project
	err := c.do(ctx, http.MethodPost, "v0/projects", body, &resp)
	return resp, err
}

// GetProject fetches one project by "owner/name".
func (c *Client) GetProject(ctx context.Context, fullName string) (Project, error) {
	var resp Project
	err := c.do(ctx, http.MethodGet, c.projectPath(fullName, ""), nil, &resp)
	return resp, err
}

// ListChroots lists the chroot catalog.
func (c *Client) ListChroots(ctx context.Context, activeOnly bool) ([]Chroot, error) {
	endpoint := "v0/chroots"
	if activeOnly {
		endpoint += "?active_only=true"
	}
	var resp []Chroot
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// SyncChroots replaces the project's enabled chroot set.
func (c *Client) SyncChroots(ctx context.Context, fullName string, chroots []string) ([]ProjectChroot, error) {
	body := map[string]any{"chroots": chroots}
	var resp []ProjectChroot
	err := c.do(ctx, http.MethodPut, c.projectPath(fullName, "chroots"), body, &resp)
	return resp, err
}

// SubmitBuild submits a build from a source package URL.
func (c *Client) SubmitBuild(ctx context.Context, fullName, srcURL string, chroots []string) (Build, error) {
	body := map[string]any{
		"url":     srcURL,
		"chroots": chroots,
	}
	var resp Build
	err := c.do(ctx, http.MethodPost, c.projectPath(fullName, "builds"), body, &resp)
	return resp, err
}

// GetBuild fetches a build with its per-chroot tasks.
func (c *Client) GetBuild(ctx context.Context, id int64) (Build, error) {
	var resp Build
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("v0/builds/%d", id), nil, &resp)
	return resp, err
}

// CancelBuild cancels a running build.
func (c *Client) CancelBuild(ctx context.Context, id int64) (Build, error) {
	var resp Build
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("v0/builds/%d/cancel", id), nil, &resp)
	return resp, err
}

// DeleteBuilds deletes a batch of builds from one project.
func (c *Client) DeleteBuilds(ctx context.Context, ids []int64) error {
	body := map[string]any{"build_ids": ids}
	return c.do(ctx, http.MethodPost, "v0/builds/delete", body, nil)
}

// ListPermissions lists a project's per-user permissions.
func (c *Client) ListPermissions(ctx context.Context, fullName string) ([]Permission, error) {
	var resp []Permission
	err := c.do(ctx, http.MethodGet, c.projectPath(fullName, "permissions"), nil, &resp)
	return resp, err
}

// RequestPermissions asks the project owners for builder and/or admin
// rights.
func (c *Client) RequestPermissions(ctx context.Context, fullName string, builder, admin *bool) error {
	body := map[string]any{}
	if builder != nil {
		body["builder"] = *builder
	}
	if admin != nil {
		body["admin"] = *admin
	}
	return c.do(ctx, http.MethodPost, c.projectPath(fullName, "permissions/request"), body, nil)
}

// Repositories returns the per-chroot repository URL map.
func (c *Client) Repositories(ctx context.Context, fullName string) (map[string]string, error) {
	var resp map[string]string
	err := c.do(ctx, http.MethodGet, c.projectPath(fullName, "repositories"), nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

// projectPath builds "v0/projects/{owner}/{name}/suffix" from an
// "owner/name" pair.
func (c *Client) projectPath(fullName, suffix string) string {
	owner, name, _ := strings.Cut(fullName, "/")
	p := fmt.Sprintf("v0/projects/%s/%s", url.PathEscape(owner), url.PathEscape(name))
	if suffix != "" {
		p += "/" + strings.TrimLeft(suffix, "/")
	}
	return p
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
