package server

import (
	"fmt"
	"io"
	"net/http"

	"github.com/fgateway/fgapiserver/internal/auth"
	"github.com/fgateway/fgapiserver/internal/models"
	"github.com/fgateway/fgapiserver/internal/sandbox"
)

// handleAppList shows every application to callers with app_change and
// only granted applications to everyone else.
func (api *API) handleAppList(w http.ResponseWriter, r *http.Request) {
	id, ok := api.authorize(w, r, auth.Request{Roles: roleAppView})
	if !ok {
		return
	}
	userID := id.UserID
	if api.hasRoles(r, roleAppChange) {
		userID = 0
	}
	apps, err := api.catalog.ListApplications(r.Context(), userID)
	if err != nil {
		writeDomainError(w, "failed to list applications", err)
		return
	}
	resp := V1ApplicationList{
		Applications: make([]V1Application, 0, len(apps)),
		Links:        []V1Link{{Rel: "self", Href: api.href("applications")}},
	}
	for _, app := range apps {
		resp.Applications = append(resp.Applications, api.applicationToV1(app))
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleAppCreate registers an application and grants it to the groups of
// its creator, so the creator passes the application check right away.
func (api *API) handleAppCreate(w http.ResponseWriter, r *http.Request) {
	id, ok := api.authorize(w, r, auth.Request{Roles: roleAppChange})
	if !ok {
		return
	}
	var req V1ApplicationCreateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeMalformedJSON(w, err)
		return
	}
	for _, f := range req.Files {
		if f.Path != "" {
			writeError(w, http.StatusBadRequest, errorCodeValidationBadRequest,
				fmt.Sprintf("file %q: paths are set by uploading to the application input endpoint", f.Name))
			return
		}
	}
	app, err := api.catalog.CreateApplication(r.Context(), applicationFromV1(req))
	if err != nil {
		writeDomainError(w, "failed to create application", err)
		return
	}
	if err := api.grantToCallerGroups(r, id, app.ID); err != nil {
		writeDomainError(w, "application created but not granted", err)
		return
	}
	w.Header().Set("Location", api.href("applications/%d", app.ID))
	writeJSON(w, http.StatusCreated, api.applicationToV1(app))
}

func (api *API) grantToCallerGroups(r *http.Request, id models.Identity, appID int64) error {
	groups, err := api.store.ListUserGroups(r.Context(), id.UserID)
	if err != nil {
		return err
	}
	for _, g := range groups {
		if err := api.store.GrantGroupApps(r.Context(), g.ID, []int64{appID}); err != nil {
			return err
		}
	}
	return nil
}

// loadApp resolves {id}, then checks roles and the application grant.
func (api *API) loadApp(w http.ResponseWriter, r *http.Request, roles string) (models.Application, bool) {
	id, ok := pathID(w, r, "application")
	if !ok {
		return models.Application{}, false
	}
	app, err := api.catalog.GetApplication(r.Context(), id)
	if err != nil {
		writeDomainError(w, "failed to load application", err)
		return models.Application{}, false
	}
	if _, ok := api.authorize(w, r, auth.Request{Roles: roles, AppID: id}); !ok {
		return models.Application{}, false
	}
	return app, true
}

func (api *API) handleAppGet(w http.ResponseWriter, r *http.Request) {
	app, ok := api.loadApp(w, r, roleAppView)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, api.applicationToV1(app))
}

func (api *API) handleAppPatch(w http.ResponseWriter, r *http.Request) {
	var req V1EnabledPatch
	if err := decodeJSON(w, r, &req); err != nil {
		writeMalformedJSON(w, err)
		return
	}
	if req.Enabled == nil {
		writeError(w, http.StatusBadRequest, errorCodeValidationBadRequest, "enabled is required")
		return
	}
	app, ok := api.loadApp(w, r, roleAppChange)
	if !ok {
		return
	}
	if err := api.catalog.SetApplicationEnabled(r.Context(), app.ID, *req.Enabled); err != nil {
		writeDomainError(w, "failed to update application", err)
		return
	}
	app.Enabled = *req.Enabled
	writeJSON(w, http.StatusOK, api.applicationToV1(app))
}

func (api *API) handleAppDelete(w http.ResponseWriter, r *http.Request) {
	app, ok := api.loadApp(w, r, roleAppDelete)
	if !ok {
		return
	}
	if err := api.catalog.DeleteApplication(r.Context(), app.ID); err != nil {
		writeDomainError(w, "failed to delete application", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (api *API) handleAppInputList(w http.ResponseWriter, r *http.Request) {
	app, ok := api.loadApp(w, r, roleAppView)
	if !ok {
		return
	}
	files := make([]V1TaskFile, 0, len(app.Files))
	for _, f := range app.Files {
		status := models.FileNeeded
		if f.Path != "" {
			status = models.FileReady
		}
		files = append(files, V1TaskFile{Name: f.Name, Status: string(status)})
	}
	writeJSON(w, http.StatusOK, V1FileList{
		Files: files,
		Links: []V1Link{
			{Rel: "self", Href: api.href("applications/%d/input", app.ID)},
			{Rel: "application", Href: api.href("applications/%d", app.ID)},
		},
	})
}

func (api *API) handleAppInputUpload(w http.ResponseWriter, r *http.Request) {
	app, ok := api.loadApp(w, r, roleAppChange)
	if !ok {
		return
	}
	saved, ok := readMultipartFiles(w, r, func(name string, body io.Reader) (sandbox.SavedFile, error) {
		return api.catalog.UploadApplicationFile(r.Context(), app.ID, name, body)
	})
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, V1InputUploadResponse{
		App:   app.ID,
		Files: savedFilesToV1(saved),
		Links: []V1Link{
			{Rel: "self", Href: api.href("applications/%d/input", app.ID)},
			{Rel: "application", Href: api.href("applications/%d", app.ID)},
		},
	})
}

func (api *API) handleInfraList(w http.ResponseWriter, r *http.Request) {
	if _, ok := api.authorize(w, r, auth.Request{Roles: roleInfraView}); !ok {
		return
	}
	infras, err := api.catalog.ListInfrastructures(r.Context())
	if err != nil {
		writeDomainError(w, "failed to list infrastructures", err)
		return
	}
	resp := V1InfrastructureList{
		Infrastructures: make([]V1Infrastructure, 0, len(infras)),
		Links:           []V1Link{{Rel: "self", Href: api.href("infrastructures")}},
	}
	for _, infra := range infras {
		resp.Infrastructures = append(resp.Infrastructures, api.infrastructureToV1(infra))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (api *API) handleInfraCreate(w http.ResponseWriter, r *http.Request) {
	if _, ok := api.authorize(w, r, auth.Request{Roles: roleInfraChange}); !ok {
		return
	}
	var req V1InfrastructureCreateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeMalformedJSON(w, err)
		return
	}
	infra, err := api.catalog.CreateInfrastructure(r.Context(), infrastructureFromV1(req))
	if err != nil {
		writeDomainError(w, "failed to create infrastructure", err)
		return
	}
	w.Header().Set("Location", api.href("infrastructures/%d", infra.ID))
	writeJSON(w, http.StatusCreated, api.infrastructureToV1(infra))
}

func (api *API) loadInfra(w http.ResponseWriter, r *http.Request, roles string) (models.Infrastructure, bool) {
	id, ok := pathID(w, r, "infrastructure")
	if !ok {
		return models.Infrastructure{}, false
	}
	if _, ok := api.authorize(w, r, auth.Request{Roles: roles}); !ok {
		return models.Infrastructure{}, false
	}
	infra, err := api.catalog.GetInfrastructure(r.Context(), id)
	if err != nil {
		writeDomainError(w, "failed to load infrastructure", err)
		return models.Infrastructure{}, false
	}
	return infra, true
}

func (api *API) handleInfraGet(w http.ResponseWriter, r *http.Request) {
	infra, ok := api.loadInfra(w, r, roleInfraView)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, api.infrastructureToV1(infra))
}

func (api *API) handleInfraPatch(w http.ResponseWriter, r *http.Request) {
	var req V1EnabledPatch
	if err := decodeJSON(w, r, &req); err != nil {
		writeMalformedJSON(w, err)
		return
	}
	if req.Enabled == nil {
		writeError(w, http.StatusBadRequest, errorCodeValidationBadRequest, "enabled is required")
		return
	}
	infra, ok := api.loadInfra(w, r, roleInfraChange)
	if !ok {
		return
	}
	if err := api.catalog.SetInfrastructureEnabled(r.Context(), infra.ID, *req.Enabled); err != nil {
		writeDomainError(w, "failed to update infrastructure", err)
		return
	}
	infra.Enabled = *req.Enabled
	writeJSON(w, http.StatusOK, api.infrastructureToV1(infra))
}

func (api *API) handleInfraDelete(w http.ResponseWriter, r *http.Request) {
	infra, ok := api.loadInfra(w, r, roleInfraDelete)
	if !ok {
		return
	}
	if err := api.catalog.DeleteInfrastructure(r.Context(), infra.ID); err != nil {
		writeDomainError(w, "failed to delete infrastructure", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
