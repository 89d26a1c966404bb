package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"kiln/internal/domain"
	"kiln/internal/engine"
)

// registerBackend wires the poll-and-report surface the backend fleet
// talks to. These routes are guarded by the shared backend token, not
// user auth.
func registerBackend(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "backend-importing-queue",
		Method:      http.MethodGet,
		Path:        "/backend/importing-queue",
		Summary:     "Builds awaiting source import, oldest first",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []BuildResponse `json:"body"`
	}, error) {
		items, err := e.ImportingQueue(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []BuildResponse `json:"body"`
		}{Body: mapBuilds(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "backend-pending-build-tasks",
		Method:      http.MethodGet,
		Path:        "/backend/pending-build-tasks",
		Summary:     "Per-chroot tasks the workers should pick up",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []BuildTaskResponse `json:"body"`
	}, error) {
		items, err := e.PendingBuildTasks(ctx, true)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []BuildTaskResponse `json:"body"`
		}{Body: mapBuildTasks(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "backend-pending-srpm-tasks",
		Method:      http.MethodGet,
		Path:        "/backend/pending-srpm-tasks",
		Summary:     "Source builds the workers should pick up",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []BuildResponse `json:"body"`
	}, error) {
		items, err := e.PendingSrpmTasks(ctx, true)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []BuildResponse `json:"body"`
		}{Body: mapBuilds(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "backend-update-build-tasks",
		Method:      http.MethodPost,
		Path:        "/backend/build-tasks/update",
		Summary:     "Apply a batch of worker status reports",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body struct {
			Builds []BuildTaskUpdateRequest `json:"builds"`
		} `json:"body"`
	}) (*struct{}, error) {
		for _, upd := range input.Body.Builds {
			pkgs := make([]domain.BuildChrootResult, 0, len(upd.Packages))
			for _, pkg := range upd.Packages {
				pkgs = append(pkgs, domain.BuildChrootResult{
					Name:    pkg.Name,
					Epoch:   pkg.Epoch,
					Version: pkg.Version,
					Release: pkg.Release,
					Arch:    pkg.Arch,
				})
			}
			err := e.UpdateBuildTask(ctx, engine.BuildTaskUpdate{
				BuildID:    upd.BuildID,
				ChrootName: upd.Chroot,
				Status:     upd.Status,
				StartedOn:  upd.StartedOn,
				EndedOn:    upd.EndedOn,
				ResultDir:  upd.ResultDir,
				ResultPkgs: pkgs,
			})
			if err != nil {
				return nil, handleError(err)
			}
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "backend-update-srpm-tasks",
		Method:      http.MethodPost,
		Path:        "/backend/srpm-tasks/update",
		Summary:     "Apply source build reports",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Body struct {
			Builds []SrpmTaskUpdateRequest `json:"builds"`
		} `json:"body"`
	}) (*struct{}, error) {
		for _, upd := range input.Body.Builds {
			if err := e.UpdateSrpmTask(ctx, upd.BuildID, upd.Succeeded, upd.ResultDir); err != nil {
				return nil, handleError(err)
			}
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "backend-import-completed",
		Method:      http.MethodPost,
		Path:        "/backend/import-completed",
		Summary:     "Record finished source import and release waiting tasks",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Body ImportCompletedRequest `json:"body"`
	}) (*struct{}, error) {
		err := e.ImportCompleted(ctx, input.Body.BuildID, input.Body.PkgName,
			input.Body.PkgVersion, input.Body.SrpmURL, input.Body.ResultDir)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "backend-import-failed",
		Method:      http.MethodPost,
		Path:        "/backend/import-failed",
		Summary:     "Fail a build whose source import broke",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Body struct {
			BuildID int64 `json:"build_id"`
		} `json:"body"`
	}) (*struct {
		Body BuildResponse `json:"body"`
	}, error) {
		b, err := e.MarkBuildFailed(ctx, input.Body.BuildID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body BuildResponse `json:"body"`
		}{Body: buildResponse(b)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "backend-pending-actions",
		Method:      http.MethodGet,
		Path:        "/backend/pending-actions",
		Summary:     "Waiting actions in dispatch order",
	}, func(ctx context.Context, input *struct {
		Limit int `query:"limit"`
	}) (*struct {
		Body []ActionResponse `json:"body"`
	}, error) {
		items, err := e.Repo.ListWaitingActions(ctx, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []ActionResponse `json:"body"`
		}{Body: mapActions(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "backend-get-action",
		Method:      http.MethodGet,
		Path:        "/backend/actions/{action_id}",
		Summary:     "Get one action",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ActionID int64 `path:"action_id"`
	}) (*struct {
		Body ActionResponse `json:"body"`
	}, error) {
		a, err := e.Repo.GetAction(ctx, input.ActionID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ActionResponse `json:"body"`
		}{Body: actionResponse(a)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "backend-report-action",
		Method:      http.MethodPost,
		Path:        "/backend/actions/{action_id}",
		Summary:     "Report an action result; the first report wins",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		ActionID int64               `path:"action_id"`
		Body     ActionResultRequest `json:"body"`
	}) (*struct {
		Body ActionResponse `json:"body"`
	}, error) {
		a, err := e.ReportActionResult(ctx, input.ActionID, input.Body.Result)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ActionResponse `json:"body"`
		}{Body: actionResponse(a)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "backend-prunerepo-candidates",
		Method:      http.MethodGet,
		Path:        "/backend/prunerepo-candidates",
		Summary:     "EOL chroots still needing a final prunerepo pass",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []ChrootResponse `json:"body"`
	}, error) {
		items, err := e.PrunerepoCandidates(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []ChrootResponse `json:"body"`
		}{Body: mapChroots(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "backend-chroot-status",
		Method:      http.MethodGet,
		Path:        "/backend/chroot-status",
		Summary:     "Active and final-prunerepo state of every chroot",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]engine.ChrootStatus `json:"body"`
	}, error) {
		statuses, err := e.ChrootStatuses(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]engine.ChrootStatus `json:"body"`
		}{Body: statuses}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "backend-prunerepo-finished",
		Method:      http.MethodPost,
		Path:        "/backend/prunerepo-finished",
		Summary:     "Record completed final prunerepo passes",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body PrunerepoFinishedRequest `json:"body"`
	}) (*struct{}, error) {
		if err := e.PrunerepoFinished(ctx, input.Body.Chroots); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}
