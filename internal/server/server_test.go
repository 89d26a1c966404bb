package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strconv"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"kiln/internal/config"
	"kiln/internal/db"
	"kiln/internal/domain"
	"kiln/internal/engine"
	"kiln/internal/migrate"
	"kiln/internal/repo"
)

const (
	testJWTSecret    = "test-secret"
	testBackendToken = "backend-token"
	testAliceKey     = "alice-api-key"
	testBobKey       = "bob-api-key"
)

type testServer struct {
	URL    string
	Engine engine.Engine
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default()
	cfg.Instance.StorageDir = workspace
	e := engine.New(conn, cfg)
	ctx := context.Background()

	for _, u := range []domain.User{
		{Name: "admin", Admin: true},
		{Name: "alice"},
		{Name: "bob"},
	} {
		if _, err := e.Repo.InsertUser(ctx, u); err != nil {
			t.Fatalf("insert user %s: %v", u.Name, err)
		}
	}
	for user, raw := range map[string]string{"alice": testAliceKey, "bob": testBobKey} {
		if err := e.Repo.InsertAPIKey(ctx, domain.APIKey{
			ID:       uuid.NewString(),
			UserName: user,
			Name:     "test",
			KeyHash:  repo.HashAPIKey(raw),
		}); err != nil {
			t.Fatalf("insert api key: %v", err)
		}
	}
	for _, name := range []string{"fedora-41-x86_64", "fedora-42-x86_64"} {
		if _, err := e.RegisterChroot(ctx, name); err != nil {
			t.Fatalf("register chroot: %v", err)
		}
	}

	handler, err := New(Config{
		Engine:   e,
		BasePath: "/v0",
		Auth: AuthConfig{
			JWTSecret:    testJWTSecret,
			BackendToken: testBackendToken,
		},
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		Engine: e,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func adminBearer(t *testing.T) map[string]string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "admin",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	signed, err := token.SignedString([]byte(testJWTSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return map[string]string{"Authorization": "Bearer " + signed}
}

func asAlice() map[string]string   { return map[string]string{"X-Api-Key": testAliceKey} }
func asBob() map[string]string     { return map[string]string{"X-Api-Key": testBobKey} }
func asBackend() map[string]string { return map[string]string{"X-Backend-Token": testBackendToken} }

type errEnvelope struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func decodeErr(t *testing.T, data []byte) errEnvelope {
	t.Helper()
	var env errEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("decode error envelope: %v (%s)", err, string(data))
	}
	return env
}

func TestAuthRequired(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/projects", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d %s", res.StatusCode, string(data))
	}
	if env := decodeErr(t, data); env.Error.Code != "unauthorized" {
		t.Fatalf("error code %q", env.Error.Code)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/projects", nil, map[string]string{"X-Api-Key": "wrong"})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad key, got %d", res.StatusCode)
	}
	if env := decodeErr(t, data); env.Error.Code != "invalid_credentials" {
		t.Fatalf("error code %q", env.Error.Code)
	}

	// Health stays open.
	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d", res.StatusCode)
	}

	// Bearer JWT works.
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/projects", nil, adminBearer(t))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("bearer auth status %d: %s", res.StatusCode, string(data))
	}
}

func TestProjectLifecycle(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects", map[string]any{
		"name":    "ravenclaw",
		"chroots": []string{"fedora-41-x86_64", "fedora-42-x86_64"},
	}, asAlice())
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create status %d: %s", res.StatusCode, string(data))
	}
	var created ProjectResponse
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("unmarshal project: %v", err)
	}
	if created.FullName != "alice/ravenclaw" {
		t.Fatalf("full name %q", created.FullName)
	}
	if !created.AutoCreaterepo || !created.Appstream {
		t.Fatalf("defaults not applied: %+v", created)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects", map[string]any{
		"name": "ravenclaw",
	}, asAlice())
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("duplicate status %d: %s", res.StatusCode, string(data))
	}
	if env := decodeErr(t, data); env.Error.Code != "conflict" {
		t.Fatalf("duplicate code %q", env.Error.Code)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/projects/alice/ravenclaw", nil, asAlice())
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/projects/alice/missing", nil, asAlice())
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("missing project status %d", res.StatusCode)
	}
	if env := decodeErr(t, data); env.Error.Code != "not_found" {
		t.Fatalf("missing project code %q", env.Error.Code)
	}

	// Chroot sync through the API.
	res, data = doJSON(t, client, http.MethodPut, srv.URL+"/v0/projects/alice/ravenclaw/chroots", map[string]any{
		"chroots": []string{"fedora-42-x86_64"},
	}, asAlice())
	if res.StatusCode != http.StatusOK {
		t.Fatalf("sync status %d: %s", res.StatusCode, string(data))
	}
	var chroots []ProjectChrootResponse
	if err := json.Unmarshal(data, &chroots); err != nil {
		t.Fatalf("unmarshal chroots: %v", err)
	}
	if len(chroots) != 1 || chroots[0].Name != "fedora-42-x86_64" {
		t.Fatalf("unexpected chroots %+v", chroots)
	}
}

func TestBackendTokenGate(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/backend/pending-srpm-tasks", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d %s", res.StatusCode, string(data))
	}
	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v0/backend/pending-srpm-tasks", nil, map[string]string{"X-Backend-Token": "wrong"})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 with wrong token, got %d", res.StatusCode)
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/backend/pending-srpm-tasks", nil, asBackend())
	if res.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 with token, got %d %s", res.StatusCode, string(data))
	}

	// User credentials never open backend routes.
	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v0/backend/pending-srpm-tasks", nil, asAlice())
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 with user credentials, got %d", res.StatusCode)
	}
}

func TestBuildRoundTrip(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects", map[string]any{
		"name":    "ravenclaw",
		"chroots": []string{"fedora-41-x86_64", "fedora-42-x86_64"},
	}, asAlice())
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create project: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects/alice/ravenclaw/builds", map[string]any{
		"url": "https://example.com/tmux-3.5-1.src.rpm",
	}, asAlice())
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("submit build: %d %s", res.StatusCode, string(data))
	}
	var build BuildResponse
	if err := json.Unmarshal(data, &build); err != nil {
		t.Fatalf("unmarshal build: %v", err)
	}
	if build.SourceStatus != domain.StatusPending {
		t.Fatalf("source status %s, want pending", build.SourceStatus)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/backend/pending-srpm-tasks", nil, asBackend())
	if res.StatusCode != http.StatusOK {
		t.Fatalf("srpm queue: %d %s", res.StatusCode, string(data))
	}
	var srpmQueue []BuildResponse
	if err := json.Unmarshal(data, &srpmQueue); err != nil {
		t.Fatalf("unmarshal srpm queue: %v", err)
	}
	if len(srpmQueue) != 1 || srpmQueue[0].ID != build.ID {
		t.Fatalf("unexpected srpm queue %+v", srpmQueue)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/backend/srpm-tasks/update", map[string]any{
		"builds": []map[string]any{{
			"build_id": build.ID, "succeeded": true, "result_dir": "00000001-tmux",
		}},
	}, asBackend())
	if res.StatusCode >= 300 {
		t.Fatalf("srpm update: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/backend/importing-queue", nil, asBackend())
	if res.StatusCode != http.StatusOK {
		t.Fatalf("importing queue: %d %s", res.StatusCode, string(data))
	}
	var queue []BuildResponse
	if err := json.Unmarshal(data, &queue); err != nil {
		t.Fatalf("unmarshal queue: %v", err)
	}
	if len(queue) != 1 || queue[0].ID != build.ID {
		t.Fatalf("unexpected queue %+v", queue)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/backend/import-completed", map[string]any{
		"build_id": build.ID,
		"pkg_name": "tmux",
		"srpm_url": "https://example.com/tmux-3.5-1.src.rpm",
	}, asBackend())
	if res.StatusCode >= 300 {
		t.Fatalf("import completed: %d %s", res.StatusCode, string(data))
	}

	for _, chroot := range []string{"fedora-41-x86_64", "fedora-42-x86_64"} {
		res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/backend/build-tasks/update", map[string]any{
			"builds": []map[string]any{{
				"build_id": build.ID,
				"chroot":   chroot,
				"status":   domain.StatusSucceeded,
				"packages": []map[string]any{{
					"name": "tmux", "version": "3.5", "release": "1.fc41", "arch": "x86_64",
				}},
			}},
		}, asBackend())
		if res.StatusCode >= 300 {
			t.Fatalf("task update %s: %d %s", chroot, res.StatusCode, string(data))
		}
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/builds/"+strconv.FormatInt(build.ID, 10), nil, asAlice())
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get build: %d %s", res.StatusCode, string(data))
	}
	var fetched BuildResponse
	if err := json.Unmarshal(data, &fetched); err != nil {
		t.Fatalf("unmarshal fetched build: %v", err)
	}
	if fetched.SourceStatus != domain.StatusSucceeded || fetched.PkgName != "tmux" {
		t.Fatalf("build state %s / %s", fetched.SourceStatus, fetched.PkgName)
	}
	if len(fetched.Chroots) != 2 {
		t.Fatalf("expected 2 tasks, got %d", len(fetched.Chroots))
	}
	for _, task := range fetched.Chroots {
		if task.Status != domain.StatusSucceeded {
			t.Fatalf("task %s status %s", task.Chroot, task.Status)
		}
	}
}

func TestPermissionRequestReview(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects", map[string]any{
		"name": "ravenclaw",
	}, asAlice())
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create project: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects/alice/ravenclaw/permissions/request", map[string]any{
		"builder": true,
	}, asBob())
	if res.StatusCode >= 300 {
		t.Fatalf("request: %d %s", res.StatusCode, string(data))
	}

	// Outsiders cannot read the permission list.
	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v0/projects/alice/ravenclaw/permissions", nil, asBob())
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for non-owner, got %d", res.StatusCode)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects/alice/ravenclaw/permissions/review", map[string]any{
		"reviews": []map[string]any{{"user_name": "bob", "builder": true}},
	}, asAlice())
	if res.StatusCode >= 300 {
		t.Fatalf("review: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/projects/alice/ravenclaw/permissions", nil, asAlice())
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list: %d %s", res.StatusCode, string(data))
	}
	var perms []PermissionResponse
	if err := json.Unmarshal(data, &perms); err != nil {
		t.Fatalf("unmarshal permissions: %v", err)
	}
	if len(perms) != 1 || perms[0].UserName != "bob" || perms[0].Builder != domain.PermApproved {
		t.Fatalf("unexpected permissions %+v", perms)
	}

	// The grant is effective: bob can submit builds now.
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects/alice/ravenclaw/builds", map[string]any{
		"url": "https://example.com/htop-3.3-1.src.rpm",
	}, asBob())
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("build as bob: %d %s", res.StatusCode, string(data))
	}
}

func TestAdminOnlyChrootRegistration(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/chroots", map[string]any{
		"name": "epel-10-x86_64",
	}, asAlice())
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/chroots", map[string]any{
		"name": "epel-10-x86_64",
	}, adminBearer(t))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("register as admin: %d %s", res.StatusCode, string(data))
	}
	var chroot ChrootResponse
	if err := json.Unmarshal(data, &chroot); err != nil {
		t.Fatalf("unmarshal chroot: %v", err)
	}
	if chroot.Name != "epel-10-x86_64" || !chroot.IsActive {
		t.Fatalf("unexpected chroot %+v", chroot)
	}
}

func TestAPIKeyMinting(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/api-keys", map[string]any{
		"name": "laptop",
	}, asAlice())
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("mint: %d %s", res.StatusCode, string(data))
	}
	var minted APIKeyResponse
	if err := json.Unmarshal(data, &minted); err != nil {
		t.Fatalf("unmarshal key: %v", err)
	}
	if minted.Key == "" {
		t.Fatalf("create response must carry the raw key")
	}

	// The fresh key authenticates.
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/projects", nil, map[string]string{"X-Api-Key": minted.Key})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("auth with minted key: %d %s", res.StatusCode, string(data))
	}

	// Listing never repeats the raw key.
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/api-keys", nil, asAlice())
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list keys: %d %s", res.StatusCode, string(data))
	}
	var keys []APIKeyResponse
	if err := json.Unmarshal(data, &keys); err != nil {
		t.Fatalf("unmarshal keys: %v", err)
	}
	if len(keys) != 2 {
		t.Fatalf("expected 2 keys, got %d", len(keys))
	}
	for _, k := range keys {
		if k.Key != "" {
			t.Fatalf("raw key leaked in listing")
		}
	}
}

func TestCancelBuildRoute(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects", map[string]any{
		"name":    "ravenclaw",
		"chroots": []string{"fedora-41-x86_64"},
	}, asAlice())
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create project: %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects/alice/ravenclaw/builds", map[string]any{
		"url": "https://example.com/tmux-3.5-1.src.rpm",
	}, asAlice())
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("submit build: %d %s", res.StatusCode, string(data))
	}
	var build BuildResponse
	if err := json.Unmarshal(data, &build); err != nil {
		t.Fatalf("unmarshal build: %v", err)
	}
	cancelURL := srv.URL + "/v0/builds/" + strconv.FormatInt(build.ID, 10) + "/cancel"

	res, data = doJSON(t, client, http.MethodPost, cancelURL, nil, asBob())
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("foreign cancel: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, cancelURL, nil, asAlice())
	if res.StatusCode != http.StatusOK {
		t.Fatalf("cancel: %d %s", res.StatusCode, string(data))
	}
	var canceled BuildResponse
	if err := json.Unmarshal(data, &canceled); err != nil {
		t.Fatalf("unmarshal canceled build: %v", err)
	}
	if canceled.SourceStatus != domain.StatusCanceled {
		t.Fatalf("source status %s, want canceled", canceled.SourceStatus)
	}

	res, data = doJSON(t, client, http.MethodPost, cancelURL, nil, asAlice())
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("repeat cancel: %d %s", res.StatusCode, string(data))
	}
	if env := decodeErr(t, data); env.Error.Code != "conflict" {
		t.Fatalf("error code %q", env.Error.Code)
	}
}
