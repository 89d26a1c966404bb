package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"kiln/internal/domain"
	"kiln/internal/engine"
	"kiln/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"conflict"`
	Message string         `json:"message" example:"you already have a project named \"ravenclaw\""`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

type requestKey struct{}
type bodyBytesKey struct{}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Kiln API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the envelope.
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// Schema/request validation errors should be 400 bad_request
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
				// Uploads stream straight to the storage dir.
				next.ServeHTTP(w, r)
				return
			}
			bodyBytes, _ := io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
			ctx := context.WithValue(r.Context(), requestKey{}, r)
			ctx = context.WithValue(ctx, bodyBytesKey{}, bodyBytes)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("Kiln API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerChroots(group, cfg.Engine)
	registerProjects(group, cfg.Engine)
	registerProjectChroots(group, cfg.Engine)
	registerPermissions(group, cfg.Engine)
	registerBuilds(group, cfg.Engine)
	registerUpload(router, basePath, cfg.Engine)
	registerPackages(group, cfg.Engine)
	registerUsers(group, cfg.Engine)
	registerAPIKeys(group, cfg.Engine)
	registerActions(group, cfg.Engine)
	registerBackend(group, cfg.Engine)
	registerOpenAPI(router, api, basePath)

	startActionForwarder(cfg.Engine)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var rights engine.InsufficientRightsError
	if errors.As(err, &rights) {
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), nil)
	}
	var dup engine.DuplicateError
	if errors.As(err, &dup) {
		return newAPIError(http.StatusConflict, "conflict", err.Error(), nil)
	}
	var conflict engine.ConflictingRequestError
	if errors.As(err, &conflict) {
		return newAPIError(http.StatusConflict, "conflict", err.Error(), nil)
	}
	var inProgress engine.ActionInProgressError
	if errors.As(err, &inProgress) {
		return newAPIError(http.StatusConflict, "action_in_progress", err.Error(), nil)
	}
	var malformed engine.MalformedArgumentError
	if errors.As(err, &malformed) {
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
	}
	var bad engine.BadRequestError
	if errors.As(err, &bad) {
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
	}
	var storage engine.InsufficientStorageError
	if errors.As(err, &storage) {
		return newAPIError(http.StatusInsufficientStorage, "insufficient_storage", err.Error(), nil)
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusInsufficientStorage:
		return "insufficient_storage"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func bodyBytes(ctx context.Context) []byte {
	b, _ := ctx.Value(bodyBytesKey{}).([]byte)
	return b
}

func requireActor(ctx context.Context, e engine.Engine) (domain.User, huma.StatusError) {
	return actorFromContext(ctx, e.Repo)
}

func requireAdmin(ctx context.Context, e engine.Engine) (domain.User, huma.StatusError) {
	actor, authErr := requireActor(ctx, e)
	if authErr != nil {
		return domain.User{}, authErr
	}
	if !actor.Admin {
		return domain.User{}, newAPIError(http.StatusForbidden, "forbidden", "instance admin required", nil)
	}
	return actor, nil
}

func resolveProject(ctx context.Context, e engine.Engine, owner, name string) (domain.Project, error) {
	return e.ResolveProject(ctx, owner+"/"+name)
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	for _, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if op.Responses == nil {
				op.Responses = map[string]*huma.Response{}
			}
			op.Responses["default"] = &huma.Response{
				Description: "Error",
				Content: map[string]*huma.MediaType{
					"application/json": {
						Schema: &huma.Schema{Ref: "#/components/schemas/ApiError"},
					},
				},
			}
		}
	}
}

func applyAuthSecurity(oas *huma.OpenAPI, basePath string) {
	if oas == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{
		Type:         "http",
		Scheme:       "bearer",
		BearerFormat: "JWT",
	}
	oas.Components.SecuritySchemes["apiKeyAuth"] = &huma.SecurityScheme{
		Type: "apiKey",
		In:   "header",
		Name: "X-Api-Key",
	}
	oas.Components.SecuritySchemes["backendAuth"] = &huma.SecurityScheme{
		Type: "apiKey",
		In:   "header",
		Name: "X-Backend-Token",
	}
	security := []map[string][]string{
		{"bearerAuth": {}},
		{"apiKeyAuth": {}},
	}
	backendSecurity := []map[string][]string{
		{"backendAuth": {}},
	}
	oas.Security = security
	healthPath := path.Join(basePath, "health")
	backendPrefix := path.Join(basePath, "backend") + "/"
	if !strings.HasPrefix(healthPath, "/") {
		healthPath = "/" + healthPath
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if route == healthPath {
				op.Security = []map[string][]string{}
				continue
			}
			if strings.HasPrefix(route, backendPrefix) {
				op.Security = backendSecurity
				continue
			}
			op.Security = security
		}
	}
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Kiln API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
    <p style="padding: 1rem; font-family: sans-serif; color: #444;">
      Authenticate with Authorization: Bearer &lt;token&gt; or X-Api-Key.
    </p>
  </body>
</html>`, specURL)
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerChroots(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "register-chroot",
		Method:        http.MethodPost,
		Path:          "/chroots",
		Summary:       "Register a mock chroot",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		Body RegisterChrootRequest `json:"body"`
	}) (*struct {
		Body ChrootResponse `json:"body"`
	}, error) {
		if _, authErr := requireAdmin(ctx, e); authErr != nil {
			return nil, authErr
		}
		m, err := e.RegisterChroot(ctx, input.Body.Name)
		if err != nil {
			return nil, handleError(err)
		}
		if input.Body.Comment != "" {
			if err := e.Repo.SetMockChrootComment(ctx, m.ID, input.Body.Comment); err != nil {
				return nil, handleError(err)
			}
			m.Comment = input.Body.Comment
		}
		return &struct {
			Body ChrootResponse `json:"body"`
		}{Body: chrootResponse(m)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-chroots",
		Method:      http.MethodGet,
		Path:        "/chroots",
		Summary:     "List mock chroots",
	}, func(ctx context.Context, input *struct {
		ActiveOnly bool `query:"active_only"`
	}) (*struct {
		Body []ChrootResponse `json:"body"`
	}, error) {
		items, err := e.Repo.ListMockChroots(ctx, input.ActiveOnly)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []ChrootResponse `json:"body"`
		}{Body: mapChroots(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-chroot-active",
		Method:      http.MethodPut,
		Path:        "/chroots/{chroot}/active",
		Summary:     "Activate or EOL a mock chroot",
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		Chroot string `path:"chroot"`
		Body   struct {
			Active bool `json:"active"`
		} `json:"body"`
	}) (*struct {
		Body ChrootResponse `json:"body"`
	}, error) {
		if _, authErr := requireAdmin(ctx, e); authErr != nil {
			return nil, authErr
		}
		m, err := e.SetChrootActive(ctx, input.Chroot, input.Body.Active)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ChrootResponse `json:"body"`
		}{Body: chrootResponse(m)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-outdated-chroots",
		Method:      http.MethodGet,
		Path:        "/chroots/outdated",
		Summary:     "List project chroots inside their preservation window",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []ProjectChrootResponse `json:"body"`
	}, error) {
		if _, authErr := requireActor(ctx, e); authErr != nil {
			return nil, authErr
		}
		items, err := e.OutdatedProjectChroots(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []ProjectChrootResponse `json:"body"`
		}{Body: mapProjectChroots(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-purge-eligible-chroots",
		Method:      http.MethodGet,
		Path:        "/chroots/purge-eligible",
		Summary:     "List project chroots whose preservation time ran out",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []ProjectChrootResponse `json:"body"`
	}, error) {
		if _, authErr := requireAdmin(ctx, e); authErr != nil {
			return nil, authErr
		}
		items, err := e.PurgeEligibleProjectChroots(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []ProjectChrootResponse `json:"body"`
		}{Body: mapProjectChroots(items)}, nil
	})
}

func registerProjects(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-project",
		Method:        http.MethodPost,
		Path:          "/projects",
		Summary:       "Create project",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateProjectRequest `json:"body"`
	}) (*struct {
		Body ProjectResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if input.Body.Name == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "name is required", nil)
		}
		actor, authErr := requireActor(ctx, e)
		if authErr != nil {
			return nil, authErr
		}
		opts := engine.ProjectCreateOptions{
			Owner:            input.Body.Owner,
			Name:             input.Body.Name,
			ChrootNames:      input.Body.Chroots,
			Description:      input.Body.Description,
			Instructions:     input.Body.Instructions,
			Repos:            joinLines(input.Body.Repos),
			Persistent:       input.Body.Persistent,
			DisableAutoPrune: input.Body.DisableAutoPrune,
			UnlistedOnHP:     input.Body.UnlistedOnHP,
			AutoCreaterepo:   true,
			Appstream:        true,
			Bootstrap:        input.Body.Bootstrap,
			Isolation:        input.Body.Isolation,
		}
		if input.Body.AutoCreaterepo != nil {
			opts.AutoCreaterepo = *input.Body.AutoCreaterepo
		}
		if input.Body.Appstream != nil {
			opts.Appstream = *input.Body.Appstream
		}
		p, err := e.CreateProject(ctx, actor, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProjectResponse `json:"body"`
		}{Body: projectResponse(p)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-projects",
		Method:      http.MethodGet,
		Path:        "/projects",
		Summary:     "List projects",
	}, func(ctx context.Context, input *struct {
		All bool `query:"all" doc:"Include projects unlisted on the homepage"`
	}) (*struct {
		Body []ProjectResponse `json:"body"`
	}, error) {
		if _, authErr := requireActor(ctx, e); authErr != nil {
			return nil, authErr
		}
		var (
			items []domain.Project
			err   error
		)
		if input.All {
			items, err = e.Repo.ListProjects(ctx)
		} else {
			items, err = e.Repo.ListHomepageProjects(ctx)
		}
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []ProjectResponse `json:"body"`
		}{Body: mapProjects(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-project",
		Method:      http.MethodGet,
		Path:        "/projects/{owner}/{project}",
		Summary:     "Get project",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Owner   string `path:"owner"`
		Project string `path:"project"`
	}) (*struct {
		Body ProjectResponse `json:"body"`
	}, error) {
		if _, authErr := requireActor(ctx, e); authErr != nil {
			return nil, authErr
		}
		p, err := resolveProject(ctx, e, input.Owner, input.Project)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProjectResponse `json:"body"`
		}{Body: projectResponse(p)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-project",
		Method:      http.MethodPatch,
		Path:        "/projects/{owner}/{project}",
		Summary:     "Update project",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		Owner   string               `path:"owner"`
		Project string               `path:"project"`
		Body    UpdateProjectRequest `json:"body"`
	}) (*struct {
		Body ProjectResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actor, authErr := requireActor(ctx, e)
		if authErr != nil {
			return nil, authErr
		}
		p, err := resolveProject(ctx, e, input.Owner, input.Project)
		if err != nil {
			return nil, handleError(err)
		}
		opts := engine.ProjectUpdateOptions{
			Description:    input.Body.Description,
			Instructions:   input.Body.Instructions,
			Persistent:     input.Body.Persistent,
			AutoCreaterepo: input.Body.AutoCreaterepo,
			Appstream:      input.Body.Appstream,
			UnlistedOnHP:   input.Body.UnlistedOnHP,
			Bootstrap:      input.Body.Bootstrap,
			Isolation:      input.Body.Isolation,
		}
		if input.Body.Repos != nil {
			joined := joinLines(input.Body.Repos)
			opts.Repos = &joined
		}
		if input.Body.DisableAutoPrune != nil {
			keep := !*input.Body.DisableAutoPrune
			opts.AutoPrune = &keep
		}
		p, err = e.UpdateProject(ctx, actor, p, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProjectResponse `json:"body"`
		}{Body: projectResponse(p)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-project",
		Method:      http.MethodDelete,
		Path:        "/projects/{owner}/{project}",
		Summary:     "Delete project",
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		Owner   string `path:"owner"`
		Project string `path:"project"`
	}) (*struct{}, error) {
		actor, authErr := requireActor(ctx, e)
		if authErr != nil {
			return nil, authErr
		}
		p, err := resolveProject(ctx, e, input.Owner, input.Project)
		if err != nil {
			return nil, handleError(err)
		}
		if err := e.DeleteProject(ctx, actor, p); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "project-repositories",
		Method:      http.MethodGet,
		Path:        "/projects/{owner}/{project}/repositories",
		Summary:     "Per-chroot repository URLs with published results",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Owner   string `path:"owner"`
		Project string `path:"project"`
	}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		if _, authErr := requireActor(ctx, e); authErr != nil {
			return nil, authErr
		}
		p, err := resolveProject(ctx, e, input.Owner, input.Project)
		if err != nil {
			return nil, handleError(err)
		}
		repos, err := e.YumRepos(ctx, p)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: repos}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "vote-project",
		Method:      http.MethodPost,
		Path:        "/projects/{owner}/{project}/vote",
		Summary:     "Vote a project up or down",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		Owner   string      `path:"owner"`
		Project string      `path:"project"`
		Body    VoteRequest `json:"body"`
	}) (*struct {
		Body struct {
			Score int `json:"score"`
		} `json:"body"`
	}, error) {
		actor, authErr := requireActor(ctx, e)
		if authErr != nil {
			return nil, authErr
		}
		p, err := resolveProject(ctx, e, input.Owner, input.Project)
		if err != nil {
			return nil, handleError(err)
		}
		if err := e.VoteProject(ctx, actor, p, input.Body.Score); err != nil {
			return nil, handleError(err)
		}
		score, err := e.ProjectScore(ctx, p)
		if err != nil {
			return nil, handleError(err)
		}
		out := &struct {
			Body struct {
				Score int `json:"score"`
			} `json:"body"`
		}{}
		out.Body.Score = score
		return out, nil
	})
}

func registerProjectChroots(api huma.API, e engine.Engine) {
	type projectChrootPath struct {
		Owner   string `path:"owner"`
		Project string `path:"project"`
		Chroot  string `path:"chroot"`
	}

	huma.Register(api, huma.Operation{
		OperationID: "list-project-chroots",
		Method:      http.MethodGet,
		Path:        "/projects/{owner}/{project}/chroots",
		Summary:     "List enabled chroots",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Owner          string `path:"owner"`
		Project        string `path:"project"`
		IncludeDeleted bool   `query:"include_deleted"`
	}) (*struct {
		Body []ProjectChrootResponse `json:"body"`
	}, error) {
		if _, authErr := requireActor(ctx, e); authErr != nil {
			return nil, authErr
		}
		p, err := resolveProject(ctx, e, input.Owner, input.Project)
		if err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListProjectChroots(ctx, p.ID, input.IncludeDeleted)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []ProjectChrootResponse `json:"body"`
		}{Body: mapProjectChroots(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "sync-project-chroots",
		Method:      http.MethodPut,
		Path:        "/projects/{owner}/{project}/chroots",
		Summary:     "Set the project's enabled chroots",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		Owner   string             `path:"owner"`
		Project string             `path:"project"`
		Body    SyncChrootsRequest `json:"body"`
	}) (*struct {
		Body []ProjectChrootResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actor, authErr := requireActor(ctx, e)
		if authErr != nil {
			return nil, authErr
		}
		p, err := resolveProject(ctx, e, input.Owner, input.Project)
		if err != nil {
			return nil, handleError(err)
		}
		if err := e.SyncProjectChroots(ctx, actor, p, input.Body.Chroots); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListProjectChroots(ctx, p.ID, false)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []ProjectChrootResponse `json:"body"`
		}{Body: mapProjectChroots(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-project-chroot",
		Method:      http.MethodGet,
		Path:        "/projects/{owner}/{project}/chroots/{chroot}",
		Summary:     "Get one enabled chroot",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *projectChrootPath) (*struct {
		Body ProjectChrootResponse `json:"body"`
	}, error) {
		if _, authErr := requireActor(ctx, e); authErr != nil {
			return nil, authErr
		}
		p, err := resolveProject(ctx, e, input.Owner, input.Project)
		if err != nil {
			return nil, handleError(err)
		}
		release, version, arch, err := engine.ParseChrootName(input.Chroot, false)
		if err != nil {
			return nil, handleError(err)
		}
		m, err := e.Repo.GetMockChrootByFields(ctx, release, version, arch)
		if err != nil {
			return nil, handleError(err)
		}
		pc, err := e.Repo.GetProjectChroot(ctx, p.ID, m.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProjectChrootResponse `json:"body"`
		}{Body: projectChrootResponse(pc)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-project-chroot",
		Method:      http.MethodPatch,
		Path:        "/projects/{owner}/{project}/chroots/{chroot}",
		Summary:     "Edit one chroot's build configuration",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		Owner   string                     `path:"owner"`
		Project string                     `path:"project"`
		Chroot  string                     `path:"chroot"`
		Body    UpdateProjectChrootRequest `json:"body"`
	}) (*struct {
		Body ProjectChrootResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actor, authErr := requireActor(ctx, e)
		if authErr != nil {
			return nil, authErr
		}
		p, err := resolveProject(ctx, e, input.Owner, input.Project)
		if err != nil {
			return nil, handleError(err)
		}
		pc, err := e.UpdateProjectChroot(ctx, actor, p, input.Chroot, engine.ProjectChrootUpdate{
			BuildrootPkgs:  input.Body.BuildrootPkgs,
			Repos:          input.Body.Repos,
			ModuleToggle:   input.Body.ModuleToggle,
			WithOpts:       input.Body.WithOpts,
			WithoutOpts:    input.Body.WithoutOpts,
			CompsName:      input.Body.CompsName,
			Comps:          input.Body.Comps,
			Bootstrap:      input.Body.Bootstrap,
			BootstrapImage: input.Body.BootstrapImage,
			Isolation:      input.Body.Isolation,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProjectChrootResponse `json:"body"`
		}{Body: projectChrootResponse(pc)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "remove-project-chroot",
		Method:      http.MethodDelete,
		Path:        "/projects/{owner}/{project}/chroots/{chroot}",
		Summary:     "Unclick a chroot and start its preservation clock",
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *projectChrootPath) (*struct{}, error) {
		actor, authErr := requireActor(ctx, e)
		if authErr != nil {
			return nil, authErr
		}
		p, err := resolveProject(ctx, e, input.Owner, input.Project)
		if err != nil {
			return nil, handleError(err)
		}
		if err := e.RemoveProjectChroot(ctx, actor, p, input.Chroot); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "extend-project-chroot",
		Method:      http.MethodPost,
		Path:        "/projects/{owner}/{project}/chroots/{chroot}/extend",
		Summary:     "Restart the preservation clock for an EOL chroot",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *projectChrootPath) (*struct {
		Body ProjectChrootResponse `json:"body"`
	}, error) {
		actor, authErr := requireActor(ctx, e)
		if authErr != nil {
			return nil, authErr
		}
		p, err := resolveProject(ctx, e, input.Owner, input.Project)
		if err != nil {
			return nil, handleError(err)
		}
		pc, err := e.ExtendProjectChroot(ctx, actor, p, input.Chroot)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProjectChrootResponse `json:"body"`
		}{Body: projectChrootResponse(pc)}, nil
	})
}

func registerPermissions(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-permissions",
		Method:      http.MethodGet,
		Path:        "/projects/{owner}/{project}/permissions",
		Summary:     "List per-user permissions",
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		Owner   string `path:"owner"`
		Project string `path:"project"`
	}) (*struct {
		Body []PermissionResponse `json:"body"`
	}, error) {
		actor, authErr := requireActor(ctx, e)
		if authErr != nil {
			return nil, authErr
		}
		p, err := resolveProject(ctx, e, input.Owner, input.Project)
		if err != nil {
			return nil, handleError(err)
		}
		ok, err := e.CanEdit(ctx, actor, p)
		if err != nil {
			return nil, handleError(err)
		}
		if !ok {
			return nil, newAPIError(http.StatusForbidden, "forbidden", "only owners and admins may review permissions", nil)
		}
		items, err := e.Repo.ListPermissions(ctx, p.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []PermissionResponse `json:"body"`
		}{Body: mapPermissions(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-permissions",
		Method:      http.MethodPut,
		Path:        "/projects/{owner}/{project}/permissions",
		Summary:     "Set a user's builder/admin state",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		Owner   string                `path:"owner"`
		Project string                `path:"project"`
		Body    SetPermissionsRequest `json:"body"`
	}) (*struct {
		Body PermissionResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actor, authErr := requireActor(ctx, e)
		if authErr != nil {
			return nil, authErr
		}
		p, err := resolveProject(ctx, e, input.Owner, input.Project)
		if err != nil {
			return nil, handleError(err)
		}
		target, err := e.Repo.GetUserByName(ctx, input.Body.UserName)
		if err != nil {
			return nil, handleError(err)
		}
		if input.Body.Builder != nil {
			if _, err := e.SetPermission(ctx, actor, p, target, "builder", *input.Body.Builder); err != nil {
				return nil, handleError(err)
			}
		}
		if input.Body.Admin != nil {
			if _, err := e.SetPermission(ctx, actor, p, target, "admin", *input.Body.Admin); err != nil {
				return nil, handleError(err)
			}
		}
		perm, err := e.Repo.GetPermission(ctx, p.ID, target.ID)
		if err != nil && !errors.Is(err, repo.ErrNotFound) {
			return nil, handleError(err)
		}
		perm.UserName = target.Name
		if perm.Builder == "" {
			perm.Builder = domain.PermNothing
		}
		if perm.Admin == "" {
			perm.Admin = domain.PermNothing
		}
		return &struct {
			Body PermissionResponse `json:"body"`
		}{Body: permissionResponse(perm)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "request-permissions",
		Method:      http.MethodPost,
		Path:        "/projects/{owner}/{project}/permissions/request",
		Summary:     "Request or withdraw builder/admin permissions",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		Owner   string                    `path:"owner"`
		Project string                    `path:"project"`
		Body    RequestPermissionsRequest `json:"body"`
	}) (*struct{}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actor, authErr := requireActor(ctx, e)
		if authErr != nil {
			return nil, authErr
		}
		p, err := resolveProject(ctx, e, input.Owner, input.Project)
		if err != nil {
			return nil, handleError(err)
		}
		if input.Body.Builder != nil {
			if _, err := e.RequestPermission(ctx, actor, p, "builder", *input.Body.Builder); err != nil {
				return nil, handleError(err)
			}
		}
		if input.Body.Admin != nil {
			if _, err := e.RequestPermission(ctx, actor, p, "admin", *input.Body.Admin); err != nil {
				return nil, handleError(err)
			}
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "review-permissions",
		Method:      http.MethodPost,
		Path:        "/projects/{owner}/{project}/permissions/review",
		Summary:     "Apply a batch of grant/revoke decisions",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		Owner   string                   `path:"owner"`
		Project string                   `path:"project"`
		Body    ReviewPermissionsRequest `json:"body"`
	}) (*struct {
		Body []PermissionResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actor, authErr := requireActor(ctx, e)
		if authErr != nil {
			return nil, authErr
		}
		p, err := resolveProject(ctx, e, input.Owner, input.Project)
		if err != nil {
			return nil, handleError(err)
		}
		reviews := make([]engine.PermissionReview, 0, len(input.Body.Reviews))
		for _, rev := range input.Body.Reviews {
			reviews = append(reviews, engine.PermissionReview{
				UserName: rev.UserName,
				Builder:  rev.Builder,
				Admin:    rev.Admin,
			})
		}
		if err := e.ReviewPermissions(ctx, actor, p, reviews); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListPermissions(ctx, p.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []PermissionResponse `json:"body"`
		}{Body: mapPermissions(items)}, nil
	})
}

func registerBuilds(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-build",
		Method:        http.MethodPost,
		Path:          "/projects/{owner}/{project}/builds",
		Summary:       "Submit a build from a source package URL or an SCM checkout",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		Owner   string             `path:"owner"`
		Project string             `path:"project"`
		Body    CreateBuildRequest `json:"body"`
	}) (*struct {
		Body BuildResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actor, authErr := requireActor(ctx, e)
		if authErr != nil {
			return nil, authErr
		}
		p, err := resolveProject(ctx, e, input.Owner, input.Project)
		if err != nil {
			return nil, handleError(err)
		}
		opts := engine.BuildCreateOptions{
			DirName:     input.Body.DirName,
			SourceType:  domain.SourceURL,
			SourceURL:   input.Body.URL,
			PackageName: input.Body.PackageName,
			ChrootNames: input.Body.Chroots,
			Timeout:     input.Body.Timeout,
		}
		if input.Body.SCM != nil {
			if input.Body.URL != "" {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "url and scm are mutually exclusive", nil)
			}
			opts.SourceType = domain.SourceSCM
			opts.CloneURL = input.Body.SCM.CloneURL
			opts.Committish = input.Body.SCM.Committish
			opts.Subdirectory = input.Body.SCM.Subdirectory
			opts.SpecFile = input.Body.SCM.Spec
		}
		b, err := e.CreateBuild(ctx, actor, p, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body BuildResponse `json:"body"`
		}{Body: buildResponse(b)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-builds",
		Method:      http.MethodGet,
		Path:        "/projects/{owner}/{project}/builds",
		Summary:     "List builds",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Owner         string `path:"owner"`
		Project       string `path:"project"`
		Limit         int    `query:"limit"`
		ResultPackage string `query:"result_package" doc:"Filter to builds that produced this binary package"`
	}) (*struct {
		Body []BuildResponse `json:"body"`
	}, error) {
		if _, authErr := requireActor(ctx, e); authErr != nil {
			return nil, authErr
		}
		p, err := resolveProject(ctx, e, input.Owner, input.Project)
		if err != nil {
			return nil, handleError(err)
		}
		var items []domain.Build
		if input.ResultPackage != "" {
			items, err = e.BuildsByResultPackage(ctx, p, input.ResultPackage)
		} else {
			items, err = e.Repo.ListBuilds(ctx, p.ID, input.Limit)
		}
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []BuildResponse `json:"body"`
		}{Body: mapBuilds(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-build",
		Method:      http.MethodGet,
		Path:        "/builds/{build_id}",
		Summary:     "Get build with its per-chroot tasks",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		BuildID int64 `path:"build_id"`
	}) (*struct {
		Body BuildResponse `json:"body"`
	}, error) {
		if _, authErr := requireActor(ctx, e); authErr != nil {
			return nil, authErr
		}
		b, err := e.Repo.GetBuild(ctx, input.BuildID)
		if err != nil {
			return nil, handleError(err)
		}
		tasks, err := e.Repo.ListBuildChroots(ctx, b.ID)
		if err != nil {
			return nil, handleError(err)
		}
		res := buildResponse(b)
		res.Chroots = mapBuildTasks(tasks)
		return &struct {
			Body BuildResponse `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-build",
		Method:      http.MethodDelete,
		Path:        "/builds/{build_id}",
		Summary:     "Delete one build",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		BuildID int64 `path:"build_id"`
	}) (*struct{}, error) {
		actor, authErr := requireActor(ctx, e)
		if authErr != nil {
			return nil, authErr
		}
		b, err := e.Repo.GetBuild(ctx, input.BuildID)
		if err != nil {
			return nil, handleError(err)
		}
		if err := e.DeleteBuild(ctx, actor, b); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "cancel-build",
		Method:      http.MethodPost,
		Path:        "/builds/{build_id}/cancel",
		Summary:     "Cancel a running build",
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		BuildID int64 `path:"build_id"`
	}) (*struct {
		Body BuildResponse `json:"body"`
	}, error) {
		actor, authErr := requireActor(ctx, e)
		if authErr != nil {
			return nil, authErr
		}
		b, err := e.Repo.GetBuild(ctx, input.BuildID)
		if err != nil {
			return nil, handleError(err)
		}
		canceled, err := e.CancelBuild(ctx, actor, b)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body BuildResponse `json:"body"`
		}{Body: buildResponse(canceled)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-builds",
		Method:      http.MethodPost,
		Path:        "/builds/delete",
		Summary:     "Delete a batch of builds from one project",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		Body DeleteBuildsRequest `json:"body"`
	}) (*struct{}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actor, authErr := requireActor(ctx, e)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.DeleteBuilds(ctx, actor, input.Body.BuildIDs); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerUpload(router chi.Router, basePath string, e engine.Engine) {
	router.Post(basePath+"/projects/{owner}/{project}/builds/upload", func(w http.ResponseWriter, r *http.Request) {
		actor, authErr := actorFromContext(r.Context(), e.Repo)
		if authErr != nil {
			respondStatusError(w, authErr)
			return
		}
		p, err := resolveProject(r.Context(), e, chi.URLParam(r, "owner"), chi.URLParam(r, "project"))
		if err != nil {
			respondStatusError(w, handleError(err))
			return
		}
		file, header, err := r.FormFile("srpm")
		if err != nil {
			respondStatusError(w, newAPIError(http.StatusBadRequest, "bad_request", "srpm file field required", nil))
			return
		}
		defer file.Close()
		opts := engine.BuildCreateOptions{
			DirName:     r.FormValue("dir_name"),
			PackageName: r.FormValue("package_name"),
		}
		if chroots := strings.TrimSpace(r.FormValue("chroots")); chroots != "" {
			for _, name := range strings.Split(chroots, ",") {
				if name = strings.TrimSpace(name); name != "" {
					opts.ChrootNames = append(opts.ChrootNames, name)
				}
			}
		}
		b, err := e.CreateBuildFromUpload(r.Context(), actor, p, header.Filename, file, opts)
		if err != nil {
			respondStatusError(w, handleError(err))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(buildResponse(b))
	})
}

func registerPackages(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-packages",
		Method:      http.MethodGet,
		Path:        "/projects/{owner}/{project}/packages",
		Summary:     "List packages",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Owner   string `path:"owner"`
		Project string `path:"project"`
	}) (*struct {
		Body []PackageResponse `json:"body"`
	}, error) {
		if _, authErr := requireActor(ctx, e); authErr != nil {
			return nil, authErr
		}
		p, err := resolveProject(ctx, e, input.Owner, input.Project)
		if err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListPackages(ctx, p.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []PackageResponse `json:"body"`
		}{Body: mapPackages(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-package-builds",
		Method:      http.MethodGet,
		Path:        "/projects/{owner}/{project}/packages/{package}/builds",
		Summary:     "List builds of one package",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Owner   string `path:"owner"`
		Project string `path:"project"`
		Package string `path:"package"`
	}) (*struct {
		Body []BuildResponse `json:"body"`
	}, error) {
		if _, authErr := requireActor(ctx, e); authErr != nil {
			return nil, authErr
		}
		p, err := resolveProject(ctx, e, input.Owner, input.Project)
		if err != nil {
			return nil, handleError(err)
		}
		pkg, err := e.Repo.GetPackage(ctx, p.ID, input.Package)
		if err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListPackageBuilds(ctx, pkg.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []BuildResponse `json:"body"`
		}{Body: mapBuilds(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-package-max-builds",
		Method:      http.MethodPatch,
		Path:        "/projects/{owner}/{project}/packages/{package}",
		Summary:     "Set how many finished builds of a package to keep",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		Owner   string              `path:"owner"`
		Project string              `path:"project"`
		Package string              `path:"package"`
		Body    SetMaxBuildsRequest `json:"body"`
	}) (*struct {
		Body PackageResponse `json:"body"`
	}, error) {
		actor, authErr := requireActor(ctx, e)
		if authErr != nil {
			return nil, authErr
		}
		p, err := resolveProject(ctx, e, input.Owner, input.Project)
		if err != nil {
			return nil, handleError(err)
		}
		ok, err := e.CanEdit(ctx, actor, p)
		if err != nil {
			return nil, handleError(err)
		}
		if !ok {
			return nil, newAPIError(http.StatusForbidden, "forbidden", "only owners and admins may update their projects", nil)
		}
		if input.Body.MaxBuilds < 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "max_builds must not be negative", nil)
		}
		if err := e.Repo.SetPackageMaxBuilds(ctx, p.ID, input.Package, input.Body.MaxBuilds); err != nil {
			return nil, handleError(err)
		}
		pkg, err := e.Repo.GetPackage(ctx, p.ID, input.Package)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body PackageResponse `json:"body"`
		}{Body: packageResponse(pkg)}, nil
	})
}

func registerUsers(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-user",
		Method:        http.MethodPost,
		Path:          "/users",
		Summary:       "Create a user",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		Body struct {
			Name  string `json:"name"`
			Admin bool   `json:"admin,omitempty"`
		} `json:"body"`
	}) (*struct {
		Body domain.User `json:"body"`
	}, error) {
		if _, authErr := requireAdmin(ctx, e); authErr != nil {
			return nil, authErr
		}
		if input.Body.Name == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "name is required", nil)
		}
		id, err := e.Repo.InsertUser(ctx, domain.User{Name: input.Body.Name, Admin: input.Body.Admin})
		if err != nil {
			return nil, handleError(err)
		}
		u, err := e.Repo.GetUser(ctx, id)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.User `json:"body"`
		}{Body: u}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-user-projects",
		Method:      http.MethodGet,
		Path:        "/users/{user}/projects",
		Summary:     "List a user's projects",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		User string `path:"user"`
	}) (*struct {
		Body []ProjectResponse `json:"body"`
	}, error) {
		if _, authErr := requireActor(ctx, e); authErr != nil {
			return nil, authErr
		}
		u, err := e.Repo.GetUserByName(ctx, input.User)
		if err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListProjectsByUser(ctx, u.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []ProjectResponse `json:"body"`
		}{Body: mapProjects(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-pinned-projects",
		Method:      http.MethodGet,
		Path:        "/users/{user}/pinned",
		Summary:     "List a user's pinned projects in pin order",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		User string `path:"user"`
	}) (*struct {
		Body []ProjectResponse `json:"body"`
	}, error) {
		if _, authErr := requireActor(ctx, e); authErr != nil {
			return nil, authErr
		}
		u, err := e.Repo.GetUserByName(ctx, input.User)
		if err != nil {
			return nil, handleError(err)
		}
		items, err := e.PinnedProjects(ctx, u)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []ProjectResponse `json:"body"`
		}{Body: mapProjects(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "pin-projects",
		Method:      http.MethodPut,
		Path:        "/users/{user}/pinned",
		Summary:     "Replace a user's pinned project list",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		User string     `path:"user"`
		Body PinRequest `json:"body"`
	}) (*struct {
		Body []ProjectResponse `json:"body"`
	}, error) {
		actor, authErr := requireActor(ctx, e)
		if authErr != nil {
			return nil, authErr
		}
		u, err := e.Repo.GetUserByName(ctx, input.User)
		if err != nil {
			return nil, handleError(err)
		}
		if err := e.PinProjects(ctx, actor, u, input.Body.ProjectIDs); err != nil {
			return nil, handleError(err)
		}
		items, err := e.PinnedProjects(ctx, u)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []ProjectResponse `json:"body"`
		}{Body: mapProjects(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-group-projects",
		Method:      http.MethodGet,
		Path:        "/groups/{group}/projects",
		Summary:     "List a group's projects",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Group string `path:"group"`
	}) (*struct {
		Body []ProjectResponse `json:"body"`
	}, error) {
		if _, authErr := requireActor(ctx, e); authErr != nil {
			return nil, authErr
		}
		g, err := e.Repo.GetGroupByName(ctx, input.Group)
		if err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListProjectsByGroup(ctx, g.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []ProjectResponse `json:"body"`
		}{Body: mapProjects(items)}, nil
	})
}

func registerAPIKeys(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-api-key",
		Method:        http.MethodPost,
		Path:          "/api-keys",
		Summary:       "Create an API key",
		Description:   "The raw key is returned once; only its hash is stored.",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *struct {
		Body CreateAPIKeyRequest `json:"body"`
	}) (*struct {
		Body APIKeyResponse `json:"body"`
	}, error) {
		actor, authErr := requireActor(ctx, e)
		if authErr != nil {
			return nil, authErr
		}
		rawKey := uuid.NewString() + uuid.NewString()
		key := domain.APIKey{
			ID:        uuid.NewString(),
			UserName:  actor.Name,
			Name:      input.Body.Name,
			KeyHash:   repo.HashAPIKey(rawKey),
			CreatedAt: e.Now().UTC().Format(time.RFC3339),
		}
		if err := e.Repo.InsertAPIKey(ctx, key); err != nil {
			return nil, handleError(err)
		}
		res := apiKeyResponse(key)
		res.Key = rawKey
		return &struct {
			Body APIKeyResponse `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-api-keys",
		Method:      http.MethodGet,
		Path:        "/api-keys",
		Summary:     "List own API keys",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []APIKeyResponse `json:"body"`
	}, error) {
		actor, authErr := requireActor(ctx, e)
		if authErr != nil {
			return nil, authErr
		}
		items, err := e.Repo.ListAPIKeys(ctx, actor.Name)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []APIKeyResponse `json:"body"`
		}{Body: mapAPIKeys(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-api-key",
		Method:      http.MethodDelete,
		Path:        "/api-keys/{key_id}",
		Summary:     "Delete an API key",
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		KeyID string `path:"key_id"`
	}) (*struct{}, error) {
		actor, authErr := requireActor(ctx, e)
		if authErr != nil {
			return nil, authErr
		}
		own, err := e.Repo.ListAPIKeys(ctx, actor.Name)
		if err != nil {
			return nil, handleError(err)
		}
		found := false
		for _, k := range own {
			if k.ID == input.KeyID {
				found = true
				break
			}
		}
		if !found && !actor.Admin {
			return nil, newAPIError(http.StatusNotFound, "not_found", "not found", nil)
		}
		if err := e.Repo.DeleteAPIKey(ctx, input.KeyID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerActions(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-actions",
		Method:      http.MethodGet,
		Path:        "/actions",
		Summary:     "List recent backend actions",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Limit int `query:"limit"`
	}) (*struct {
		Body []ActionResponse `json:"body"`
	}, error) {
		if _, authErr := requireAdmin(ctx, e); authErr != nil {
			return nil, authErr
		}
		items, err := e.Repo.ListActions(ctx, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []ActionResponse `json:"body"`
		}{Body: mapActions(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-action",
		Method:      http.MethodGet,
		Path:        "/actions/{action_id}",
		Summary:     "Get one action",
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		ActionID int64 `path:"action_id"`
	}) (*struct {
		Body ActionResponse `json:"body"`
	}, error) {
		if _, authErr := requireAdmin(ctx, e); authErr != nil {
			return nil, authErr
		}
		a, err := e.Repo.GetAction(ctx, input.ActionID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ActionResponse `json:"body"`
		}{Body: actionResponse(a)}, nil
	})
}
