package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"path"
	"reflect"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"raidline/internal/domain"
	"raidline/internal/engine"
	"raidline/internal/migrate"
	"raidline/internal/observability"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
	Logger   zerolog.Logger
	// Metrics mounts the prometheus handler at /metrics.
	Metrics bool
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"InboxNotClear"`
	Message string         `json:"message" example:"2 unread message(s); call check_inbox before sending"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"unread\":2}"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

type output[T any] struct {
	Body T `json:"body"`
}

func reply[T any](v T) (*output[T], error) {
	return &output[T]{Body: v}, nil
}

var apiErrors = []int{
	http.StatusBadRequest,
	http.StatusUnauthorized,
	http.StatusForbidden,
	http.StatusNotFound,
	http.StatusConflict,
	http.StatusPreconditionFailed,
	http.StatusLocked,
}

// New returns an HTTP handler exposing the raidline API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			msgs := make([]string, 0, len(errs))
			for _, err := range errs {
				msgs = append(msgs, err.Error())
			}
			details = map[string]any{"errors": msgs}
		}
		code := ""
		if status == http.StatusBadRequest {
			code = engine.CodeInvalidArgument
		}
		return newAPIError(status, code, msg, details)
	}

	router := chi.NewRouter()
	router.Use(requestID)
	router.Use(middleware.Recoverer)
	router.Use(observability.RequestLogger(cfg.Logger))
	router.Use(observability.RequestMetrics)
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	if cfg.Metrics {
		router.Handle("/metrics", observability.Handler())
	}

	hcfg := huma.DefaultConfig("raidline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	api.OpenAPI().Components.Schemas.Schema(reflect.TypeOf(apiError{}), true, "")
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group, cfg.Engine)
	registerAgents(group, cfg.Engine)
	registerMessages(group, cfg.Engine)
	registerGovernance(group, cfg.Engine)
	registerTasks(group, cfg.Engine)
	registerClaims(group, cfg.Engine)
	registerMonitoring(group, cfg.Engine)
	registerLifecycle(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerOpenAPI(router, api, basePath)

	return router, nil
}

func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-Id")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-Id", id)
		next.ServeHTTP(w, r)
	})
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

// statusForKind maps engine rejection kinds onto HTTP statuses.
var statusForKind = map[engine.Kind]int{
	engine.KindPermissionDenied:   http.StatusForbidden,
	engine.KindPreconditionFailed: http.StatusPreconditionFailed,
	engine.KindConflict:           http.StatusConflict,
	engine.KindInvalidTransition:  http.StatusConflict,
	engine.KindNotFound:           http.StatusNotFound,
	engine.KindInvalidArgument:    http.StatusBadRequest,
	engine.KindInvariantViolation: http.StatusLocked,
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	kind, code := engine.Classify(err)
	if status, ok := statusForKind[kind]; ok {
		details := engine.DetailsOf(err)
		if details == nil {
			details = map[string]any{}
		}
		details["kind"] = string(kind)
		return newAPIError(status, code, err.Error(), details)
	}
	log.Error().Err(err).Msg("unclassified engine error")
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", nil)
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
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
	oas.Components.SecuritySchemes["agentName"] = &huma.SecurityScheme{
		Type: "apiKey",
		In:   "header",
		Name: AgentHeader,
	}
	security := []map[string][]string{
		{"bearerAuth": {}, "agentName": {}},
		{"agentName": {}},
	}
	oas.Security = security
	healthPath := path.Join("/", basePath, "health")
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
    <title>raidline API Docs</title>
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
      Identify with the %s header; add Authorization: Bearer &lt;token&gt; when the service requires it.
    </p>
  </body>
</html>`, specURL, AgentHeader)
}

func registerHealth(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check with the applied and embedded schema versions",
	}, func(ctx context.Context, _ *struct{}) (*output[HealthResponse], error) {
		current, err := migrate.Current(ctx, e.DB)
		if err != nil {
			return nil, handleError(err)
		}
		latest, err := migrate.Latest()
		if err != nil {
			return nil, handleError(err)
		}
		res := HealthResponse{Status: "ok", SchemaVersion: current, SchemaLatest: latest}
		if current < latest {
			res.Status = "migrating"
		}
		return reply(res)
	})
}

type agentPath struct {
	Name string `path:"name"`
}

func registerAgents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "register",
		Method:        http.MethodPost,
		Path:          "/agents",
		Summary:       "Register an agent",
		DefaultStatus: http.StatusCreated,
		Errors:        apiErrors,
	}, func(ctx context.Context, input *struct {
		Body RegisterRequest
	}) (*output[engine.RegisterResult], error) {
		res, err := e.Register(ctx, engine.RegisterOptions{
			Name:        input.Body.Name,
			Class:       input.Body.Class,
			Model:       input.Body.Model,
			Transport:   input.Body.Transport,
			Description: input.Body.Description,
			Zone:        input.Body.Zone,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return reply(res)
	})

	huma.Register(api, huma.Operation{
		OperationID: "who",
		Method:      http.MethodGet,
		Path:        "/agents",
		Summary:     "List registered agents with presence",
		Errors:      apiErrors,
	}, func(ctx context.Context, _ *struct{}) (*output[[]domain.AgentView], error) {
		agents, err := e.Who(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(agents)
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-agent",
		Method:      http.MethodGet,
		Path:        "/agents/{name}",
		Summary:     "Get one agent",
		Errors:      apiErrors,
	}, func(ctx context.Context, input *agentPath) (*output[domain.AgentView], error) {
		a, err := e.GetAgent(ctx, input.Name)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(a)
	})

	huma.Register(api, huma.Operation{
		OperationID: "deregister",
		Method:      http.MethodDelete,
		Path:        "/agents/{name}",
		Summary:     "Deregister an agent",
		Errors:      apiErrors,
	}, func(ctx context.Context, input *struct {
		Name  string `path:"name"`
		Force bool   `query:"force" doc:"Release held claims instead of refusing"`
	}) (*output[engine.DeregisterResult], error) {
		caller, authErr := callerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.Deregister(ctx, caller, input.Name, input.Force)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(res)
	})

	huma.Register(api, huma.Operation{
		OperationID: "rename",
		Method:      http.MethodPost,
		Path:        "/agents/{name}/rename",
		Summary:     "Rename an agent",
		Errors:      apiErrors,
	}, func(ctx context.Context, input *struct {
		Name string `path:"name"`
		Body RenameRequest
	}) (*output[domain.Agent], error) {
		caller, authErr := callerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		a, err := e.Rename(ctx, caller, input.Name, input.Body.NewName)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(a)
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-status",
		Method:      http.MethodPut,
		Path:        "/agents/{name}/status",
		Summary:     "Set free-text status",
		Errors:      apiErrors,
	}, func(ctx context.Context, input *struct {
		Name string `path:"name"`
		Body SetStatusRequest
	}) (*output[domain.Agent], error) {
		if _, authErr := requireSelf(ctx, input.Name); authErr != nil {
			return nil, authErr
		}
		a, err := e.SetStatus(ctx, input.Name, input.Body.Status)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(a)
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-context",
		Method:      http.MethodPut,
		Path:        "/agents/{name}/context",
		Summary:     "Report context usage",
		Errors:      apiErrors,
	}, func(ctx context.Context, input *struct {
		Name string `path:"name"`
		Body ReportUsageRequest
	}) (*output[domain.AgentView], error) {
		if _, authErr := requireSelf(ctx, input.Name); authErr != nil {
			return nil, authErr
		}
		v, err := e.ReportUsage(ctx, engine.ReportUsageOptions{
			Name:    input.Name,
			Summary: input.Body.Summary,
			Used:    input.Body.Used,
			Limit:   input.Body.Limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return reply(v)
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-zone",
		Method:      http.MethodPut,
		Path:        "/agents/{name}/zone",
		Summary:     "Set an agent's zone",
		Errors:      apiErrors,
	}, func(ctx context.Context, input *struct {
		Name string `path:"name"`
		Body SetZoneRequest
	}) (*output[domain.Agent], error) {
		caller, authErr := callerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		a, err := e.SetZone(ctx, caller, input.Name, input.Body.Zone)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(a)
	})

	huma.Register(api, huma.Operation{
		OperationID: "heartbeat",
		Method:      http.MethodPost,
		Path:        "/agents/{name}/heartbeat",
		Summary:     "Start a liveness probe on an agent",
		Errors:      apiErrors,
	}, func(ctx context.Context, input *agentPath) (*output[domain.Heartbeat], error) {
		caller, authErr := callerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		h, err := e.Heartbeat(ctx, caller, input.Name)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(h)
	})
}

func registerMessages(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "send",
		Method:        http.MethodPost,
		Path:          "/messages",
		Summary:       "Send a message",
		DefaultStatus: http.StatusCreated,
		Errors:        apiErrors,
	}, func(ctx context.Context, input *struct {
		Body SendRequest
	}) (*output[engine.SendResult], error) {
		caller, authErr := callerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.Send(ctx, engine.SendOptions{
			From:    caller,
			To:      input.Body.To,
			Body:    input.Body.Body,
			Trigger: input.Body.Trigger,
			CC:      input.Body.CC,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return reply(res)
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-history",
		Method:      http.MethodGet,
		Path:        "/messages",
		Summary:     "Recent direct and broadcast messages",
		Errors:      apiErrors,
	}, func(ctx context.Context, input *struct {
		Count int `query:"count" minimum:"0"`
	}) (*output[[]domain.Message], error) {
		msgs, err := e.GetHistory(ctx, input.Count)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(msgs)
	})

	huma.Register(api, huma.Operation{
		OperationID: "check-inbox",
		Method:      http.MethodPost,
		Path:        "/agents/{name}/inbox/check",
		Summary:     "Read and acknowledge unread messages",
		Errors:      apiErrors,
	}, func(ctx context.Context, input *agentPath) (*output[engine.InboxResult], error) {
		if _, authErr := requireSelf(ctx, input.Name); authErr != nil {
			return nil, authErr
		}
		res, err := e.CheckInbox(ctx, input.Name)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(res)
	})

	huma.Register(api, huma.Operation{
		OperationID: "purge-inbox",
		Method:      http.MethodDelete,
		Path:        "/agents/{name}/inbox",
		Summary:     "Drop old messages from an inbox",
		Errors:      apiErrors,
	}, func(ctx context.Context, input *struct {
		Name      string `path:"name"`
		OlderThan string `query:"older_than" doc:"Go duration, e.g. 2h; defaults to messaging.purge_older_than"`
	}) (*output[engine.PurgeResult], error) {
		if _, authErr := requireSelf(ctx, input.Name); authErr != nil {
			return nil, authErr
		}
		var olderThan time.Duration
		if input.OlderThan != "" {
			d, err := time.ParseDuration(input.OlderThan)
			if err != nil || d <= 0 {
				return nil, newAPIError(http.StatusBadRequest, engine.CodeInvalidArgument, "invalid older_than", map[string]any{"older_than": input.OlderThan})
			}
			olderThan = d
		}
		res, err := e.PurgeInbox(ctx, input.Name, olderThan)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(res)
	})
}

func registerGovernance(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "set-battle-plan",
		Method:        http.MethodPost,
		Path:          "/plans",
		Summary:       "Install the active plan for a scope",
		DefaultStatus: http.StatusCreated,
		Errors:        apiErrors,
	}, func(ctx context.Context, input *struct {
		Body SetPlanRequest
	}) (*output[engine.SetPlanResult], error) {
		caller, authErr := callerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.SetBattlePlan(ctx, engine.SetPlanOptions{
			Caller:  caller,
			Body:    input.Body.Body,
			Project: input.Body.Project,
			Zone:    input.Body.Zone,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return reply(res)
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-battle-plan",
		Method:      http.MethodGet,
		Path:        "/plans",
		Summary:     "List battle plans",
		Errors:      apiErrors,
	}, func(ctx context.Context, input *struct {
		Status  string `query:"status" doc:"Plan status or \"any\"; defaults to active"`
		Project string `query:"project"`
		Zone    string `query:"zone"`
		Global  bool   `query:"global" doc:"Only the plan without project and zone"`
	}) (*output[[]domain.BattlePlan], error) {
		q := engine.PlanQuery{Status: input.Status}
		if input.Global {
			empty := ""
			q.Project, q.Zone = &empty, &empty
		}
		if input.Project != "" {
			q.Project = &input.Project
		}
		if input.Zone != "" {
			q.Zone = &input.Zone
		}
		plans, err := e.GetBattlePlan(ctx, q)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(plans)
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-battle-plan-status",
		Method:      http.MethodPatch,
		Path:        "/plans/{id}",
		Summary:     "Move a plan through its lifecycle",
		Errors:      apiErrors,
	}, func(ctx context.Context, input *struct {
		ID   int64 `path:"id"`
		Body PlanStatusRequest
	}) (*output[domain.BattlePlan], error) {
		caller, authErr := callerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := e.UpdateBattlePlanStatus(ctx, caller, input.ID, input.Body.Status)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(p)
	})

	huma.Register(api, huma.Operation{
		OperationID:   "log-raid",
		Method:        http.MethodPost,
		Path:          "/raid",
		Summary:       "Append to the raid log",
		DefaultStatus: http.StatusCreated,
		Errors:        apiErrors,
	}, func(ctx context.Context, input *struct {
		Body LogRaidRequest
	}) (*output[domain.RaidLogEntry], error) {
		caller, authErr := callerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		entry, err := e.LogRaid(ctx, caller, input.Body.Body, input.Body.Priority)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(entry)
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-raid-log",
		Method:      http.MethodGet,
		Path:        "/raid",
		Summary:     "Read the raid log, newest first",
		Errors:      apiErrors,
	}, func(ctx context.Context, input *struct {
		Priority string `query:"priority" doc:"Comma separated priorities"`
		Author   string `query:"author"`
		Count    int    `query:"count" minimum:"0"`
	}) (*output[[]domain.RaidLogEntry], error) {
		entries, err := e.GetRaidLog(ctx, engine.RaidQuery{
			Priorities: splitList(input.Priority),
			Author:     input.Author,
			Count:      input.Count,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return reply(entries)
	})
}

type taskPath struct {
	ID string `path:"id"`
}

func registerTasks(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-task",
		Method:        http.MethodPost,
		Path:          "/tasks",
		Summary:       "Create a task under the covering plan",
		DefaultStatus: http.StatusCreated,
		Errors:        apiErrors,
	}, func(ctx context.Context, input *struct {
		Body CreateTaskRequest
	}) (*output[domain.Task], error) {
		caller, authErr := callerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := e.CreateTask(ctx, engine.CreateTaskOptions{
			Caller:    caller,
			ID:        input.Body.ID,
			Title:     input.Body.Title,
			SpecPath:  input.Body.SpecPath,
			Project:   input.Body.Project,
			Zone:      input.Body.Zone,
			DependsOn: input.Body.DependsOn,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return reply(t)
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-tasks",
		Method:      http.MethodGet,
		Path:        "/tasks",
		Summary:     "List tasks; live statuses by default",
		Errors:      apiErrors,
	}, func(ctx context.Context, input *struct {
		Status   string `query:"status" doc:"Comma separated statuses"`
		Assignee string `query:"assignee"`
		Project  string `query:"project"`
		Zone     string `query:"zone"`
		Limit    int    `query:"limit" minimum:"0"`
	}) (*output[[]domain.Task], error) {
		tasks, err := e.GetTasks(ctx, engine.TaskQuery{
			Statuses: splitList(input.Status),
			Assignee: input.Assignee,
			Project:  input.Project,
			Zone:     input.Zone,
			Limit:    input.Limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return reply(tasks)
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-task",
		Method:      http.MethodGet,
		Path:        "/tasks/{id}",
		Summary:     "Get one task",
		Errors:      apiErrors,
	}, func(ctx context.Context, input *taskPath) (*output[domain.Task], error) {
		t, err := e.GetTask(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(t)
	})

	huma.Register(api, huma.Operation{
		OperationID: "assign-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{id}/assign",
		Summary:     "Assign a task",
		Errors:      apiErrors,
	}, func(ctx context.Context, input *struct {
		ID   string `path:"id"`
		Body AssignTaskRequest
	}) (*output[domain.Task], error) {
		caller, authErr := callerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := e.AssignTask(ctx, caller, input.ID, input.Body.Assignee)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(t)
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-task",
		Method:      http.MethodPatch,
		Path:        "/tasks/{id}",
		Summary:     "Report progress and optionally change status",
		Errors:      apiErrors,
	}, func(ctx context.Context, input *struct {
		ID   string `path:"id"`
		Body UpdateTaskRequest
	}) (*output[engine.TaskUpdateResult], error) {
		caller, authErr := callerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.UpdateTask(ctx, engine.UpdateTaskOptions{
			Agent:    caller,
			ID:       input.ID,
			Progress: input.Body.Progress,
			Status:   input.Body.Status,
			Files:    input.Body.Files,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return reply(res)
	})

	huma.Register(api, huma.Operation{
		OperationID: "submit-result",
		Method:      http.MethodPost,
		Path:        "/tasks/{id}/result",
		Summary:     "Attach a result artifact",
		Errors:      apiErrors,
	}, func(ctx context.Context, input *struct {
		ID   string `path:"id"`
		Body PathRequest
	}) (*output[domain.Task], error) {
		caller, authErr := callerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := e.SubmitResult(ctx, caller, input.ID, input.Body.Path)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(t)
	})

	huma.Register(api, huma.Operation{
		OperationID: "close-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{id}/close",
		Summary:     "Close a fixed or verified task",
		Errors:      apiErrors,
	}, func(ctx context.Context, input *taskPath) (*output[domain.Task], error) {
		caller, authErr := callerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := e.CloseTask(ctx, caller, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(t)
	})

	huma.Register(api, huma.Operation{
		OperationID: "thaw-assignments",
		Method:      http.MethodPost,
		Path:        "/assignments/thaw",
		Summary:     "Lift an assignment freeze",
		Errors:      apiErrors,
	}, func(ctx context.Context, _ *struct{}) (*output[engine.ThawResult], error) {
		caller, authErr := callerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.ThawAssignments(ctx, caller)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(res)
	})
}

func registerClaims(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "claim-file",
		Method:      http.MethodPost,
		Path:        "/claims",
		Summary:     "Claim exclusive write access to a path",
		Errors:      apiErrors,
	}, func(ctx context.Context, input *struct {
		Body PathRequest
	}) (*output[engine.ClaimResult], error) {
		caller, authErr := callerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.ClaimFile(ctx, caller, input.Body.Path)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(res)
	})

	huma.Register(api, huma.Operation{
		OperationID: "release-file",
		Method:      http.MethodPost,
		Path:        "/claims/release",
		Summary:     "Release a held claim",
		Errors:      apiErrors,
	}, func(ctx context.Context, input *struct {
		Body PathRequest
	}) (*output[engine.ReleaseResult], error) {
		caller, authErr := callerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.ReleaseFile(ctx, caller, input.Body.Path)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(res)
	})

	huma.Register(api, huma.Operation{
		OperationID: "force-release",
		Method:      http.MethodPost,
		Path:        "/claims/force-release",
		Summary:     "Release another agent's claim",
		Errors:      apiErrors,
	}, func(ctx context.Context, input *struct {
		Body PathRequest
	}) (*output[engine.ReleaseResult], error) {
		caller, authErr := callerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.ForceRelease(ctx, caller, input.Body.Path)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(res)
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-claims",
		Method:      http.MethodGet,
		Path:        "/claims",
		Summary:     "List claims with their waitlists",
		Errors:      apiErrors,
	}, func(ctx context.Context, input *struct {
		Holder string `query:"holder"`
	}) (*output[[]domain.Claim], error) {
		claims, err := e.GetClaims(ctx, input.Holder)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(claims)
	})
}

func registerMonitoring(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "party-status",
		Method:      http.MethodGet,
		Path:        "/party",
		Summary:     "Registry, claims and workload in one read",
		Errors:      apiErrors,
	}, func(ctx context.Context, _ *struct{}) (*output[engine.PartyStatus], error) {
		ps, err := e.PartyStatus(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(ps)
	})

	huma.Register(api, huma.Operation{
		OperationID: "check-activity",
		Method:      http.MethodGet,
		Path:        "/activity",
		Summary:     "Live tasks ordered by activity",
		Errors:      apiErrors,
	}, func(ctx context.Context, input *struct {
		Agent string `query:"agent"`
	}) (*output[[]engine.TaskActivity], error) {
		items, err := e.CheckActivity(ctx, input.Agent)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(items)
	})

	huma.Register(api, huma.Operation{
		OperationID: "check-freshness",
		Method:      http.MethodGet,
		Path:        "/agents/{name}/freshness",
		Summary:     "Artifacts changed since the agent last reported usage",
		Errors:      apiErrors,
	}, func(ctx context.Context, input *agentPath) (*output[engine.FreshnessReport], error) {
		rep, err := e.CheckFreshness(ctx, input.Name)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(rep)
	})
}

func registerLifecycle(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "cold-start",
		Method:      http.MethodPost,
		Path:        "/agents/{name}/cold-start",
		Summary:     "Brief an arriving agent",
		Errors:      apiErrors,
	}, func(ctx context.Context, input *struct {
		Name    string `path:"name"`
		Inherit string `query:"inherit" doc:"Agent whose manifests to pick up; defaults to the caller"`
	}) (*output[engine.Briefing], error) {
		if _, authErr := requireSelf(ctx, input.Name); authErr != nil {
			return nil, authErr
		}
		b, err := e.ColdStart(ctx, input.Name, input.Inherit)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(b)
	})

	huma.Register(api, huma.Operation{
		OperationID:   "fenix-down",
		Method:        http.MethodPost,
		Path:          "/manifests",
		Summary:       "Leave artifacts for a successor",
		DefaultStatus: http.StatusCreated,
		Errors:        apiErrors,
	}, func(ctx context.Context, input *struct {
		Body FenixDownRequest
	}) (*output[domain.FenixManifest], error) {
		caller, authErr := callerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		m, err := e.FenixDown(ctx, caller, input.Body.Paths, input.Body.Note)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(m)
	})

	huma.Register(api, huma.Operation{
		OperationID: "debrief",
		Method:      http.MethodPost,
		Path:        "/session/debrief",
		Summary:     "Attach the session debrief",
		Errors:      apiErrors,
	}, func(ctx context.Context, input *struct {
		Body PathRequest
	}) (*output[domain.Session], error) {
		caller, authErr := callerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		s, err := e.Debrief(ctx, caller, input.Body.Path)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(s)
	})

	huma.Register(api, huma.Operation{
		OperationID: "end-session",
		Method:      http.MethodPost,
		Path:        "/session/end",
		Summary:     "End the session and open the next",
		Errors:      apiErrors,
	}, func(ctx context.Context, input *struct {
		PruneLow bool `query:"prune_low"`
	}) (*output[engine.EndSessionResult], error) {
		caller, authErr := callerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.EndSession(ctx, caller, input.PruneLow)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(res)
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recent audit events",
		Errors:      apiErrors,
	}, func(ctx context.Context, input *struct {
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind"`
		EntityID   string `query:"entity_id"`
		Limit      int    `query:"limit" default:"50"`
	}) (*output[[]EventResponse], error) {
		items, err := e.Repo.LatestEvents(ctx, normalizeLimit(input.Limit), input.Type, input.EntityKind, input.EntityID)
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]EventResponse, 0, len(items))
		for _, evt := range items {
			out = append(out, eventResponse(evt))
		}
		return reply(out)
	})
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

func parseJSON(raw string) any {
	if raw == "" {
		return map[string]any{}
	}
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return raw
	}
	return v
}
