// Package server exposes the REST API: session tokens, tasks and their
// files, applications, infrastructures, users, groups and roles.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/fgateway/fgapiserver/internal/auth"
	"github.com/fgateway/fgapiserver/internal/buildinfo"
	"github.com/fgateway/fgapiserver/internal/catalog"
	"github.com/fgateway/fgapiserver/internal/db"
	"github.com/fgateway/fgapiserver/internal/metrics"
	"github.com/fgateway/fgapiserver/internal/models"
	"github.com/fgateway/fgapiserver/internal/sandbox"
	"github.com/fgateway/fgapiserver/internal/tasks"
)

const (
	maxJSONBytes       = 1 << 20 // Maximum size for JSON request bodies (1MB)
	defaultEventsLimit = 50      // Events returned with task details
	defaultAPIPrefix   = "/v1.0"
)

// Role names checked by the handlers.
const (
	roleAppChange    = "app_change"
	roleAppDelete    = "app_delete"
	roleAppRun       = "app_run"
	roleAppView      = "app_view"
	roleInfraChange  = "infra_change"
	roleInfraDelete  = "infra_delete"
	roleInfraView    = "infra_view"
	roleTaskChange   = "task_change"
	roleTaskDelete   = "task_delete"
	roleTaskView     = "task_view"
	roleTaskUserdata = "task_userdata"
	roleUsersChange  = "users_change"
	roleUsersView    = "users_view"
	roleGroupsChange = "groups_change"
	roleGroupsView   = "groups_view"
	roleRolesView    = "roles_view"
)

// API serves the versioned REST surface.
//
// Endpoints (relative to the prefix, /v1.0 by default):
//   - GET|POST|DELETE /auth                 - Issue, inspect, delegate or revoke a token
//   - GET|POST        /tasks                - List or create tasks
//   - GET|PATCH|DELETE /tasks/{id}          - Task details, status/runtime data, cancel
//   - GET|POST        /tasks/{id}/input     - List or upload input files
//   - GET             /tasks/{id}/output    - List outputs or download one (?name=)
//   - GET|POST        /applications         - List or create applications
//   - GET|PATCH|DELETE /applications/{id}   - Application details, enable, delete
//   - GET|POST        /applications/{id}/input - List or upload default files
//   - GET|POST        /infrastructures      - List or create unassigned infrastructures
//   - GET|PATCH|DELETE /infrastructures/{id}
//   - GET|POST        /users                - List or create users
//   - GET|PATCH       /users/{name}
//   - GET|POST        /users/{name}/groups
//   - GET|POST        /groups
//   - GET             /groups/{name}
//   - GET|POST        /groups/{name}/apps
//   - GET|POST        /groups/{name}/roles
//   - GET             /roles
//
// /healthz is served outside the prefix and needs no token.
type API struct {
	prefix    string
	store     *db.Store
	sessions  *auth.Sessions
	authz     *auth.Authorizer
	tasks     *tasks.Manager
	catalog   *catalog.Catalog
	sandboxes *sandbox.Manager
	metrics   *metrics.Metrics
	limiter   *IPRateLimiter
	proxies   []*net.IPNet
	logger    *zap.Logger
	now       func() time.Time
}

func NewAPI(store *db.Store, sessions *auth.Sessions, taskMgr *tasks.Manager, cat *catalog.Catalog, sandboxes *sandbox.Manager, logger *zap.Logger) *API {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &API{
		prefix:    defaultAPIPrefix,
		store:     store,
		sessions:  sessions,
		authz:     auth.NewAuthorizer(store),
		tasks:     taskMgr,
		catalog:   cat,
		sandboxes: sandboxes,
		logger:    logger,
		now:       time.Now,
	}
}

// WithPrefix mounts the API under prefix ("/" mounts it at the root).
func (api *API) WithPrefix(prefix string) *API {
	if api == nil {
		return api
	}
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "/"
	}
	api.prefix = prefix
	return api
}

func (api *API) WithMetrics(m *metrics.Metrics) *API {
	if api == nil {
		return api
	}
	api.metrics = m
	return api
}

// WithRateLimiter throttles /auth per client IP.
func (api *API) WithRateLimiter(l *IPRateLimiter) *API {
	if api == nil {
		return api
	}
	api.limiter = l
	return api
}

// WithTrustedProxies lists the reverse proxies whose X-Forwarded-For and
// X-Real-IP headers replace the socket address. Headers from anyone else are
// ignored.
func (api *API) WithTrustedProxies(nets []*net.IPNet) *API {
	if api == nil {
		return api
	}
	api.proxies = nets
	return api
}

// Handler builds the chi router with every route and middleware.
func (api *API) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(api.realIP)
	r.Use(api.observe)
	r.Use(middleware.Recoverer)
	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, errorCodeResourceNotFound, "resource not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, errorCodeMethodNotAllowed, "method not allowed")
	})

	r.Get("/healthz", api.handleHealth)

	if api.prefix == "/" {
		api.routes(r)
	} else {
		r.Route(api.prefix, api.routes)
	}
	return r
}

func (api *API) routes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(api.limiter.Middleware)
		r.Get("/auth", api.handleAuth)
		r.Post("/auth", api.handleAuth)
		r.Delete("/auth", api.handleLogout)
	})

	r.Group(func(r chi.Router) {
		r.Use(api.requireToken)

		r.Get("/tasks", api.handleTaskList)
		r.Post("/tasks", api.handleTaskCreate)
		r.Get("/tasks/{id}", api.handleTaskGet)
		r.Patch("/tasks/{id}", api.handleTaskPatch)
		r.Delete("/tasks/{id}", api.handleTaskDelete)
		r.Get("/tasks/{id}/input", api.handleTaskInputList)
		r.Post("/tasks/{id}/input", api.handleTaskInputUpload)
		r.Get("/tasks/{id}/output", api.handleTaskOutput)

		r.Get("/applications", api.handleAppList)
		r.Post("/applications", api.handleAppCreate)
		r.Get("/applications/{id}", api.handleAppGet)
		r.Patch("/applications/{id}", api.handleAppPatch)
		r.Delete("/applications/{id}", api.handleAppDelete)
		r.Get("/applications/{id}/input", api.handleAppInputList)
		r.Post("/applications/{id}/input", api.handleAppInputUpload)

		r.Get("/infrastructures", api.handleInfraList)
		r.Post("/infrastructures", api.handleInfraCreate)
		r.Get("/infrastructures/{id}", api.handleInfraGet)
		r.Patch("/infrastructures/{id}", api.handleInfraPatch)
		r.Delete("/infrastructures/{id}", api.handleInfraDelete)

		r.Get("/users", api.handleUserList)
		r.Post("/users", api.handleUserCreate)
		r.Get("/users/{name}", api.handleUserGet)
		r.Patch("/users/{name}", api.handleUserPatch)
		r.Get("/users/{name}/groups", api.handleUserGroups)
		r.Post("/users/{name}/groups", api.handleUserJoinGroups)

		r.Get("/groups", api.handleGroupList)
		r.Post("/groups", api.handleGroupCreate)
		r.Get("/groups/{name}", api.handleGroupGet)
		r.Get("/groups/{name}/apps", api.handleGroupApps)
		r.Post("/groups/{name}/apps", api.handleGroupGrantApps)
		r.Get("/groups/{name}/roles", api.handleGroupRoles)
		r.Post("/groups/{name}/roles", api.handleGroupGrantRoles)

		r.Get("/roles", api.handleRoleList)
	})
}

type identityKey struct{}

func withIdentity(ctx context.Context, id models.Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

func identityFrom(ctx context.Context) (models.Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(models.Identity)
	return id, ok
}

// requireToken resolves the bearer token to an identity or answers 401.
func (api *API) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := auth.BearerToken(r.Header.Get("Authorization"))
		if token == "" {
			w.Header().Set("WWW-Authenticate", "Bearer")
			writeError(w, http.StatusUnauthorized, errorCodeAuthMissingToken, "missing bearer token")
			return
		}
		id, err := api.sessions.VerifySessionToken(r.Context(), token)
		if err != nil {
			if errors.Is(err, auth.ErrInvalidToken) {
				w.Header().Set("WWW-Authenticate", "Bearer")
				writeError(w, http.StatusUnauthorized, errorCodeAuthInvalidToken, "invalid bearer token")
				return
			}
			api.logger.Error("verify session token", zap.Error(err))
			writeError(w, http.StatusInternalServerError, errorCodeInternalError, "failed to verify token")
			return
		}
		next.ServeHTTP(w, r.WithContext(withIdentity(r.Context(), id)))
	})
}

// observe logs every request and records it against its route pattern.
func (api *API) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := api.now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		duration := api.now().Sub(start)
		route := ""
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			route = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		api.metrics.ObserveHTTPRequest(route, r.Method, status, duration)
		fields := []zap.Field{
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("route", route),
			zap.Int("status", status),
			zap.Int("bytes", ww.BytesWritten()),
			zap.Duration("duration", duration),
			zap.String("remote", r.RemoteAddr),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		}
		if status >= http.StatusInternalServerError {
			api.logger.Warn("http request", fields...)
			return
		}
		api.logger.Debug("http request", fields...)
	})
}

// authorize runs the role, impersonation and application checks for the
// caller. On denial or failure it writes the response and returns false.
func (api *API) authorize(w http.ResponseWriter, r *http.Request, req auth.Request) (models.Identity, bool) {
	id, ok := identityFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, errorCodeAuthMissingToken, "missing bearer token")
		return models.Identity{}, false
	}
	decision, err := api.authz.Authorize(r.Context(), id, req)
	if err != nil {
		api.logger.Error("authorize", zap.String("user", id.Name), zap.Error(err))
		writeError(w, http.StatusInternalServerError, errorCodeInternalError, "failed to authorize request", err)
		return id, false
	}
	if !decision.Allowed {
		api.logger.Info("request denied",
			zap.String("user", id.Name),
			zap.String("path", r.URL.Path),
			zap.String("reason", decision.Message))
		writeDenied(w, decision.Message)
		return id, false
	}
	return id, true
}

// hasRoles reports whether the caller holds roles, without writing a
// response. Used to widen listings for administrators.
func (api *API) hasRoles(r *http.Request, roles string) bool {
	id, ok := identityFrom(r.Context())
	if !ok {
		return false
	}
	decision, err := api.authz.Authorize(r.Context(), id, auth.Request{Roles: roles})
	return err == nil && decision.Allowed
}

func (api *API) href(format string, args ...any) string {
	return path.Join(api.prefix, fmt.Sprintf(format, args...))
}

func (api *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := V1HealthResponse{Status: "ok", Version: buildinfo.Version, DB: api.store.Driver()}
	if err := api.store.Ping(r.Context()); err != nil {
		resp.Status = "unavailable"
		resp.Error = err.Error()
		writeJSON(w, http.StatusServiceUnavailable, resp)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dest any) error {
	if r.Body == nil || r.Body == http.NoBody {
		return errors.New("request body is required")
	}
	defer r.Body.Close()
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dest); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return errors.New("unexpected trailing data")
	}
	return nil
}

func writeMalformedJSON(w http.ResponseWriter, err error) {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		writeError(w, http.StatusRequestEntityTooLarge, errorCodeValidationTooLarge, "request body too large", err)
		return
	}
	writeError(w, http.StatusBadRequest, errorCodeValidationMalformedJSON, "invalid json", err)
}

// pathID parses the {id} URL parameter.
func pathID(w http.ResponseWriter, r *http.Request, resource string) (int64, bool) {
	raw := chi.URLParam(r, "id")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, errorCodeValidationBadRequest, fmt.Sprintf("invalid %s id %q", resource, raw))
		return 0, false
	}
	return id, true
}

func parseQueryInt64(value string) (int64, error) {
	if strings.TrimSpace(value) == "" {
		return 0, nil
	}
	return strconv.ParseInt(value, 10, 64)
}
