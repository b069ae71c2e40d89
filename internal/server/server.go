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
	"strconv"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"github.com/Philbeer/wyshbone-control-tower-sub000/internal/domain"
	"github.com/Philbeer/wyshbone-control-tower-sub000/internal/engine"
	"github.com/Philbeer/wyshbone-control-tower-sub000/internal/engine/auth"
	"github.com/Philbeer/wyshbone-control-tower-sub000/internal/metrics"
	"github.com/Philbeer/wyshbone-control-tower-sub000/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
	Metrics  *metrics.Metrics
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"not_found"`
	Message string         `json:"message" example:"run not found"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"permission\":\"verdicts.write\"}"`
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

// New returns an HTTP handler exposing the Tower API.
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
			bodyBytes, _ := io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
			ctx := context.WithValue(r.Context(), requestKey{}, r)
			ctx = context.WithValue(ctx, bodyBytesKey{}, bodyBytes)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	if cfg.Metrics != nil {
		router.Use(cfg.Metrics.Middleware)
	}
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine))
	hcfg := huma.DefaultConfig("Tower API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	if cfg.Metrics != nil {
		router.Method(http.MethodGet, "/metrics", cfg.Metrics.Handler())
	}
	registerHealth(group)
	registerTower(group, cfg.Engine, cfg.Metrics)
	registerEvaluate(group, cfg.Engine, cfg.Metrics)
	registerFactory(group, cfg.Engine, cfg.Metrics)
	registerRuns(group, cfg.Engine)
	registerVerdicts(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerKeys(group, cfg.Engine)
	registerTokens(group, cfg.Auth)
	registerMe(group)
	registerOpenAPI(router, api, basePath)

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
	var se huma.StatusError
	if errors.As(err, &se) {
		return se
	}
	var fe auth.ForbiddenError
	if errors.As(err, &fe) {
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), map[string]any{"permission": fe.Permission})
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "invalid"),
		strings.Contains(lowered, "missing"),
		strings.Contains(lowered, "required"),
		strings.Contains(lowered, "unknown role"):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
	}
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
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func requirePermission(ctx context.Context, perm string) error {
	principal, authErr := principalFromRequest(ctx)
	if authErr != nil {
		return authErr
	}
	return auth.Require(principal, perm)
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
	security := []map[string][]string{
		{"bearerAuth": {}},
		{"apiKeyAuth": {}},
	}
	oas.Security = security
	healthPath := path.Join(basePath, "health")
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
    <title>Tower API Docs</title>
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

func registerTower(api huma.API, e engine.Engine, m *metrics.Metrics) {
	huma.Register(api, huma.Operation{
		OperationID: "tower-verdict",
		Method:      http.MethodPost,
		Path:        "/tower/tower-verdict",
		Summary:     "Evaluate a delivered leads list",
		Description: "Accepts the raw agent artifact. Business-level problems (missing counts, unresolvable constraints, empty lists) come back as STOP verdicts with gap codes, never as errors; only structurally invalid JSON is rejected.",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		RunID string `query:"run_id"`
	}) (*struct {
		Body domain.Verdict `json:"body"`
	}, error) {
		artifact, apiErr := decodeArtifact[domain.LeadsArtifact](ctx)
		if apiErr != nil {
			return nil, apiErr
		}
		if err := requirePermission(ctx, auth.PermVerdictsWrite); err != nil {
			return nil, handleError(err)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		rec, err := e.EvaluateLeads(ctx, artifact, engine.EvaluateOptions{RunID: input.RunID, Actor: actorID})
		if err != nil {
			return nil, handleError(err)
		}
		m.RecordVerdict(rec.Kind, string(rec.Verdict.Verdict))
		return &struct {
			Body domain.Verdict `json:"body"`
		}{Body: rec.Verdict}, nil
	})
}

func registerEvaluate(api huma.API, e engine.Engine, m *metrics.Metrics) {
	huma.Register(api, huma.Operation{
		OperationID: "evaluate",
		Method:      http.MethodPost,
		Path:        "/evaluate",
		Summary:     "Judge a mission snapshot",
		Description: "Judges the snapshot against success criteria. run_id binds the judgement to a registered run; without one the active run is used when present, otherwise the judgement is returned without being persisted.",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body JudgementResponse `json:"body"`
	}, error) {
		req, apiErr := decodeArtifact[EvaluateRequest](ctx)
		if apiErr != nil {
			return nil, apiErr
		}
		if err := requirePermission(ctx, auth.PermRunsWrite); err != nil {
			return nil, handleError(err)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		rec, err := e.JudgeMission(ctx, req.Snapshot, engine.JudgeOptions{
			RunID:    req.RunID,
			Criteria: req.SuccessCriteria,
			Actor:    actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		m.RecordJudgement(string(rec.Judgement.Verdict), rec.Judgement.ReasonCode)
		return &struct {
			Body JudgementResponse `json:"body"`
		}{Body: judgementResponse(rec)}, nil
	})
}

func registerFactory(api huma.API, e engine.Engine, m *metrics.Metrics) {
	huma.Register(api, huma.Operation{
		OperationID: "factory-verdict",
		Method:      http.MethodPost,
		Path:        "/factory/verdict",
		Summary:     "Evaluate a production run against its scrap-rate rubric",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusForbidden,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body domain.Verdict `json:"body"`
	}, error) {
		artifact, apiErr := decodeArtifact[domain.FactoryArtifact](ctx)
		if apiErr != nil {
			return nil, apiErr
		}
		if err := requirePermission(ctx, auth.PermVerdictsWrite); err != nil {
			return nil, handleError(err)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		rec, err := e.EvaluateFactory(ctx, artifact, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		m.RecordVerdict(rec.Kind, string(rec.Verdict.Verdict))
		return &struct {
			Body domain.Verdict `json:"body"`
		}{Body: rec.Verdict}, nil
	})
}

func registerRuns(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "register-run",
		Method:        http.MethodPost,
		Path:          "/runs",
		Summary:       "Register a mission run",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusForbidden,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body RegisterRunRequest `json:"body"`
	}) (*struct {
		Body RunResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if strings.TrimSpace(input.Body.Goal) == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "goal is required", nil)
		}
		if err := requirePermission(ctx, auth.PermRunsWrite); err != nil {
			return nil, handleError(err)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		criteria := domain.SuccessCriteria{}
		if input.Body.SuccessCriteria != nil {
			criteria = *input.Body.SuccessCriteria
		}
		run, err := e.RegisterRun(ctx, input.Body.Goal, criteria, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RunResponse `json:"body"`
		}{Body: runResponse(run)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-runs",
		Method:      http.MethodGet,
		Path:        "/runs",
		Summary:     "List mission runs",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Status string `query:"status" enum:"active,stopped"`
		Limit  int    `query:"limit" default:"50"`
	}) (*struct {
		Body []RunResponse `json:"body"`
	}, error) {
		if err := requirePermission(ctx, auth.PermRunsRead); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListRuns(ctx, input.Status, normalizeLimit(input.Limit))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []RunResponse `json:"body"`
		}{Body: mapRuns(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-run",
		Method:      http.MethodGet,
		Path:        "/runs/{run_id}",
		Summary:     "Get run",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		RunID string `path:"run_id"`
	}) (*struct {
		Body RunResponse `json:"body"`
	}, error) {
		if err := requirePermission(ctx, auth.PermRunsRead); err != nil {
			return nil, handleError(err)
		}
		run, err := e.Repo.GetRun(ctx, input.RunID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RunResponse `json:"body"`
		}{Body: runResponse(run)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-run-judgements",
		Method:      http.MethodGet,
		Path:        "/runs/{run_id}/judgements",
		Summary:     "Judgement history for a run",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		RunID string `path:"run_id"`
		Limit int    `query:"limit" default:"50"`
	}) (*struct {
		Body []JudgementResponse `json:"body"`
	}, error) {
		if err := requirePermission(ctx, auth.PermRunsRead); err != nil {
			return nil, handleError(err)
		}
		if _, err := e.Repo.GetRun(ctx, input.RunID); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListJudgements(ctx, input.RunID, normalizeLimit(input.Limit))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []JudgementResponse `json:"body"`
		}{Body: mapJudgements(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "stop-run",
		Method:      http.MethodPost,
		Path:        "/runs/{run_id}/stop",
		Summary:     "Stop a run",
		Errors: []int{
			http.StatusUnauthorized,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		RunID string `path:"run_id"`
	}) (*struct {
		Body RunResponse `json:"body"`
	}, error) {
		if err := requirePermission(ctx, auth.PermRunsWrite); err != nil {
			return nil, handleError(err)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		run, err := e.StopRun(ctx, input.RunID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RunResponse `json:"body"`
		}{Body: runResponse(run)}, nil
	})
}

func registerVerdicts(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-verdicts",
		Method:      http.MethodGet,
		Path:        "/verdicts",
		Summary:     "List verdicts",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Kind    string `query:"kind" enum:"leads_list,factory"`
		RunID   string `query:"run_id"`
		Verdict string `query:"verdict" enum:"ACCEPT,CHANGE_PLAN,STOP"`
		Limit   int    `query:"limit" default:"50"`
		Cursor  string `query:"cursor"`
	}) (*struct {
		Body paginatedVerdicts `json:"body"`
	}, error) {
		if err := requirePermission(ctx, auth.PermVerdictsRead); err != nil {
			return nil, handleError(err)
		}
		limit := normalizeLimit(input.Limit)
		cursorCreated, cursorID, err := parseCompositeCursor(input.Cursor)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
		}
		items, err := e.Repo.ListVerdicts(ctx, repo.VerdictFilters{
			Kind:            input.Kind,
			RunID:           input.RunID,
			Verdict:         input.Verdict,
			Limit:           limit + 1,
			CursorCreatedAt: cursorCreated,
			CursorID:        cursorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedVerdicts{Items: []VerdictRecordResponse{}}
		if len(items) > limit {
			items = items[:limit]
			last := items[limit-1]
			resp.NextCursor = composeCursor(last.CreatedAt, last.ID)
		}
		for _, rec := range items {
			resp.Items = append(resp.Items, verdictRecordResponse(rec))
		}
		return &struct {
			Body paginatedVerdicts `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-verdict",
		Method:      http.MethodGet,
		Path:        "/verdicts/{verdict_id}",
		Summary:     "Get verdict",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		VerdictID string `path:"verdict_id"`
	}) (*struct {
		Body VerdictRecordResponse `json:"body"`
	}, error) {
		if err := requirePermission(ctx, auth.PermVerdictsRead); err != nil {
			return nil, handleError(err)
		}
		rec, err := e.Repo.GetVerdict(ctx, input.VerdictID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body VerdictRecordResponse `json:"body"`
		}{Body: verdictRecordResponse(rec)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-verdict-investigation",
		Method:      http.MethodGet,
		Path:        "/verdicts/{verdict_id}/investigation",
		Summary:     "Investigation behind a verdict",
		Description: "The normalized snapshot and per-constraint results the verdict was decided from. Only leads-list verdicts carry one.",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		VerdictID string `path:"verdict_id"`
	}) (*struct {
		Body InvestigationResponse `json:"body"`
	}, error) {
		if err := requirePermission(ctx, auth.PermVerdictsRead); err != nil {
			return nil, handleError(err)
		}
		if _, err := e.Repo.GetVerdict(ctx, input.VerdictID); err != nil {
			return nil, handleError(err)
		}
		inv, err := e.Repo.GetInvestigationByVerdict(ctx, input.VerdictID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body InvestigationResponse `json:"body"`
		}{Body: investigationResponse(inv)}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recent audit events",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Kind     string `query:"kind"`
		Entity   string `query:"entity" enum:"verdict,run,apikey"`
		EntityID string `query:"entity_id"`
		Limit    int    `query:"limit" default:"50"`
		Cursor   string `query:"cursor"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		if err := requirePermission(ctx, auth.PermEventsRead); err != nil {
			return nil, handleError(err)
		}
		limit := normalizeLimit(input.Limit)
		var cursorID int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			cursorID = parsed
		}
		items, err := e.Repo.LatestEventsFrom(ctx, limit+1, cursorID, repo.EventFilters{
			Kind:     input.Kind,
			Entity:   input.Entity,
			EntityID: input.EntityID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []EventResponse{}}
		if len(items) > limit {
			items = items[:limit]
			resp.NextCursor = fmt.Sprintf("%d", items[limit-1].ID)
		}
		for _, evt := range items {
			resp.Items = append(resp.Items, eventResponse(evt))
		}
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: resp}, nil
	})
}

func registerKeys(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-key",
		Method:        http.MethodPost,
		Path:          "/keys",
		Summary:       "Create API key",
		Description:   "The returned key is shown once; only its hash is stored.",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusForbidden,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateAPIKeyRequest `json:"body"`
	}) (*struct {
		Body CreateAPIKeyResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if strings.TrimSpace(input.Body.Name) == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "name is required", nil)
		}
		if err := requirePermission(ctx, auth.PermKeysWrite); err != nil {
			return nil, handleError(err)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		key, secret, err := e.CreateAPIKey(ctx, input.Body.Name, input.Body.Role, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CreateAPIKeyResponse `json:"body"`
		}{Body: CreateAPIKeyResponse{APIKeyResponse: keyResponse(key), Key: secret}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-keys",
		Method:      http.MethodGet,
		Path:        "/keys",
		Summary:     "List API keys",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Role string `query:"role"`
	}) (*struct {
		Body []APIKeyResponse `json:"body"`
	}, error) {
		if err := requirePermission(ctx, auth.PermKeysRead); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListAPIKeys(ctx, input.Role)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []APIKeyResponse `json:"body"`
		}{Body: mapKeys(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "revoke-key",
		Method:      http.MethodDelete,
		Path:        "/keys/{id}",
		Summary:     "Revoke API key",
		Errors: []int{
			http.StatusUnauthorized,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct{}, error) {
		if err := requirePermission(ctx, auth.PermKeysWrite); err != nil {
			return nil, handleError(err)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.RevokeAPIKey(ctx, input.ID, actorID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerTokens(api huma.API, authCfg AuthConfig) {
	huma.Register(api, huma.Operation{
		OperationID: "mint-token",
		Method:      http.MethodPost,
		Path:        "/auth/token",
		Summary:     "Mint a scoped JWT",
		Description: "Issues a short-lived bearer token for an agent or operator. Requires key management permission.",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusForbidden,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body TokenRequest `json:"body"`
	}) (*struct {
		Body TokenResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actor := strings.TrimSpace(input.Body.ActorID)
		if actor == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "actor_id is required", nil)
		}
		if err := requirePermission(ctx, auth.PermKeysWrite); err != nil {
			return nil, handleError(err)
		}
		roles := input.Body.Roles
		if len(roles) == 0 {
			roles = []string{"viewer"}
		}
		ttl := time.Duration(input.Body.TTLSeconds) * time.Second
		if ttl <= 0 {
			ttl = time.Hour
		}
		token, expires, err := signToken(authCfg.JWTSecret, actor, roles, ttl, time.Now())
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), nil)
		}
		return &struct {
			Body TokenResponse `json:"body"`
		}{Body: TokenResponse{Token: token, ExpiresAt: expires}}, nil
	})
}

func registerMe(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current principal",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body WhoAmIResponse `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		return &struct {
			Body WhoAmIResponse `json:"body"`
		}{Body: WhoAmIResponse{
			ActorID:     principal.ActorID,
			Roles:       nonNilSlice(principal.Roles),
			Permissions: nonNilSlice(principal.Permissions),
			Source:      principal.Source,
		}}, nil
	})
}

// --- helpers ---

func bodyBytes(ctx context.Context) []byte {
	if buf, ok := ctx.Value(bodyBytesKey{}).([]byte); ok {
		return buf
	}
	req, ok := ctx.Value(requestKey{}).(*http.Request)
	if !ok || req == nil {
		return nil
	}
	data, _ := io.ReadAll(req.Body)
	return data
}

// decodeArtifact decodes the buffered request body leniently: unknown
// fields are ignored so whole agent states can be posted as-is.
func decodeArtifact[T any](ctx context.Context) (T, huma.StatusError) {
	var out T
	raw := bodyBytes(ctx)
	if len(bytes.TrimSpace(raw)) == 0 {
		return out, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, newAPIError(http.StatusBadRequest, "bad_request", "invalid json body", map[string]any{"error": err.Error()})
	}
	return out, nil
}

func normalizeLimit(in int) int {
	if in <= 0 {
		return 50
	}
	if in > 200 {
		return 200
	}
	return in
}

func parseCompositeCursor(cursor string) (string, string, error) {
	if cursor == "" {
		return "", "", nil
	}
	parts := strings.SplitN(cursor, "|", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid cursor")
	}
	return parts[0], parts[1], nil
}

func composeCursor(ts, id string) string {
	if ts == "" || id == "" {
		return ""
	}
	return ts + "|" + id
}
