package server

import (
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"strings"

	"go.uber.org/zap"

	"github.com/fgateway/fgapiserver/internal/auth"
	"github.com/fgateway/fgapiserver/internal/db"
	"github.com/fgateway/fgapiserver/internal/models"
	"github.com/fgateway/fgapiserver/internal/sandbox"
)

// loadTask resolves {id} and authorizes roles for the task owner. Acting on
// another user's task goes through the impersonation check.
func (api *API) loadTask(w http.ResponseWriter, r *http.Request, roles string) (models.Task, bool) {
	id, ok := pathID(w, r, "task")
	if !ok {
		return models.Task{}, false
	}
	task, err := api.tasks.GetTask(r.Context(), id)
	if err != nil {
		writeDomainError(w, "failed to load task", err)
		return models.Task{}, false
	}
	if _, ok := api.authorize(w, r, auth.Request{Roles: roles, User: task.User}); !ok {
		return models.Task{}, false
	}
	return task, true
}

func (api *API) handleTaskList(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	target := strings.TrimSpace(query.Get("user"))
	appID, err := parseQueryInt64(query.Get("application"))
	if err != nil || appID < 0 {
		writeError(w, http.StatusBadRequest, errorCodeValidationBadRequest, "invalid application filter")
		return
	}
	var status models.TaskStatus
	if raw := strings.TrimSpace(query.Get("status")); raw != "" {
		status, err = models.ParseTaskStatus(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, errorCodeValidationBadRequest, "invalid status filter", err)
			return
		}
	}
	id, ok := api.authorize(w, r, auth.Request{Roles: roleTaskView, AppID: appID, User: target})
	if !ok {
		return
	}
	users, err := api.authz.ExpandUsers(r.Context(), id, target)
	if err != nil {
		writeError(w, http.StatusInternalServerError, errorCodeInternalError, "failed to resolve users", err)
		return
	}
	list, err := api.store.ListTasks(r.Context(), db.TaskFilter{Users: users, AppID: appID, Status: status})
	if err != nil {
		writeError(w, http.StatusInternalServerError, errorCodeInternalError, "failed to list tasks", err)
		return
	}
	resp := V1TaskList{
		Tasks: make([]V1Task, 0, len(list)),
		Links: []V1Link{{Rel: "self", Href: api.href("tasks")}},
	}
	for _, task := range list {
		resp.Tasks = append(resp.Tasks, api.taskToV1(task))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (api *API) handleTaskCreate(w http.ResponseWriter, r *http.Request) {
	var req V1TaskCreateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeMalformedJSON(w, err)
		return
	}
	if req.Application <= 0 {
		writeError(w, http.StatusBadRequest, errorCodeValidationBadRequest, "application is required")
		return
	}
	target := strings.TrimSpace(r.URL.Query().Get("user"))
	if target == auth.AllUsers || target == auth.GroupUsers {
		writeError(w, http.StatusBadRequest, errorCodeValidationBadRequest, "a task must be created for a single user")
		return
	}
	id, ok := api.authorize(w, r, auth.Request{Roles: roleAppRun, AppID: int64(req.Application), User: target})
	if !ok {
		return
	}
	owner := target
	if owner == "" {
		owner = id.Name
	}
	task, err := api.tasks.InitTask(r.Context(), api.taskRequestFromV1(req, owner))
	if err != nil {
		if task.ID != 0 {
			api.logger.Warn("task created but not submitted", zap.Int64("task_id", task.ID), zap.Error(err))
			status, code := classify(err)
			writeError(w, status, code, fmt.Sprintf("task %d created but not submitted", task.ID), err)
			return
		}
		writeDomainError(w, "failed to create task", err)
		return
	}
	w.Header().Set("Location", api.href("tasks/%d", task.ID))
	writeJSON(w, http.StatusCreated, api.taskToV1(task))
}

func (api *API) handleTaskGet(w http.ResponseWriter, r *http.Request) {
	task, ok := api.loadTask(w, r, roleTaskView)
	if !ok {
		return
	}
	resp := api.taskToV1(task)
	events, err := api.store.ListEventsByTask(r.Context(), task.ID, 0, defaultEventsLimit)
	if err != nil {
		api.logger.Warn("list task events", zap.Int64("task_id", task.ID), zap.Error(err))
	}
	for _, ev := range events {
		resp.Events = append(resp.Events, eventToV1(ev))
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleTaskPatch enqueues a status change for the executor and/or
// upserts runtime data. A status change answers 202.
func (api *API) handleTaskPatch(w http.ResponseWriter, r *http.Request) {
	var req V1TaskPatchRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeMalformedJSON(w, err)
		return
	}
	var roles []string
	if req.Status != nil {
		roles = append(roles, roleTaskChange)
	}
	if len(req.RuntimeData) > 0 {
		roles = append(roles, roleTaskUserdata)
	}
	if len(roles) == 0 {
		writeError(w, http.StatusBadRequest, errorCodeValidationBadRequest, "status or runtime_data is required")
		return
	}
	task, ok := api.loadTask(w, r, strings.Join(roles, ","))
	if !ok {
		return
	}
	if len(req.RuntimeData) > 0 {
		if err := api.tasks.SetRuntimeData(r.Context(), task.ID, runtimeDataFromV1(req.RuntimeData)); err != nil {
			writeDomainError(w, "failed to store runtime data", err)
			return
		}
	}
	resp := V1TaskPatchResponse{}
	status := http.StatusOK
	if req.Status != nil {
		entry, err := api.tasks.RequestStatus(r.Context(), task.ID, *req.Status)
		if err != nil {
			writeDomainError(w, "failed to request status change", err)
			return
		}
		resp.Queue = queueEntryToV1(entry)
		status = http.StatusAccepted
	}
	task, err := api.tasks.GetTask(r.Context(), task.ID)
	if err != nil {
		writeDomainError(w, "failed to reload task", err)
		return
	}
	resp.Task = api.taskToV1(task)
	writeJSON(w, status, resp)
}

func (api *API) handleTaskDelete(w http.ResponseWriter, r *http.Request) {
	task, ok := api.loadTask(w, r, roleTaskDelete)
	if !ok {
		return
	}
	if err := api.tasks.DeleteTask(r.Context(), task.ID); err != nil {
		writeDomainError(w, "failed to delete task", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (api *API) handleTaskInputList(w http.ResponseWriter, r *http.Request) {
	task, ok := api.loadTask(w, r, roleTaskView)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, V1FileList{
		Files: inputFilesToV1(task.InputFiles),
		Links: []V1Link{
			{Rel: "self", Href: api.href("tasks/%d/input", task.ID)},
			{Rel: "task", Href: api.href("tasks/%d", task.ID)},
		},
	})
}

// handleTaskInputUpload stores multipart files as task inputs, then submits
// the task when nothing is missing any more. A failed submission after
// the last upload answers 412.
func (api *API) handleTaskInputUpload(w http.ResponseWriter, r *http.Request) {
	task, ok := api.loadTask(w, r, roleTaskChange)
	if !ok {
		return
	}
	saved, ok := readMultipartFiles(w, r, func(name string, body io.Reader) (sandbox.SavedFile, error) {
		return api.tasks.SaveInput(r.Context(), task.ID, name, body)
	})
	if !ok {
		return
	}
	resp := V1InputUploadResponse{
		Task:     task.ID,
		Files:    savedFilesToV1(saved),
		GEStatus: GEStatusWaiting,
		Links:    api.taskLinks(task),
	}
	triggered, err := api.tasks.TriggerIfReady(r.Context(), task.ID)
	if err != nil {
		api.logger.Warn("task submission after upload failed", zap.Int64("task_id", task.ID), zap.Error(err))
		writeError(w, http.StatusPreconditionFailed, errorCodeTaskSubmit, "inputs are complete but the task could not be submitted", err)
		return
	}
	if triggered {
		resp.GEStatus = GEStatusTriggered
	}
	writeJSON(w, http.StatusOK, resp)
}

// readMultipartFiles streams every file part of the request into save.
// Parts without a file name are skipped. At least one file is required.
func readMultipartFiles(w http.ResponseWriter, r *http.Request, save func(string, io.Reader) (sandbox.SavedFile, error)) ([]sandbox.SavedFile, bool) {
	reader, err := r.MultipartReader()
	if err != nil {
		writeError(w, http.StatusBadRequest, errorCodeValidationBadRequest, "multipart/form-data body is required", err)
		return nil, false
	}
	var saved []sandbox.SavedFile
	for {
		part, err := reader.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			writeError(w, http.StatusBadRequest, errorCodeValidationBadRequest, "invalid multipart body", err)
			return nil, false
		}
		file, err := savePart(part, save)
		if err != nil {
			writeDomainError(w, "failed to store file", err)
			return nil, false
		}
		if file != nil {
			saved = append(saved, *file)
		}
	}
	if len(saved) == 0 {
		writeError(w, http.StatusBadRequest, errorCodeValidationBadRequest, "no files uploaded")
		return nil, false
	}
	return saved, true
}

func savePart(part *multipart.Part, save func(string, io.Reader) (sandbox.SavedFile, error)) (*sandbox.SavedFile, error) {
	defer part.Close()
	name := part.FileName()
	if name == "" {
		return nil, nil
	}
	file, err := save(name, part)
	if err != nil {
		return nil, err
	}
	return &file, nil
}

// handleTaskOutput lists output files, or with ?name= streams one back.
// Only files inside the task sandbox are served.
func (api *API) handleTaskOutput(w http.ResponseWriter, r *http.Request) {
	task, ok := api.loadTask(w, r, roleTaskView)
	if !ok {
		return
	}
	name := r.URL.Query().Get("name")
	if name == "" {
		writeJSON(w, http.StatusOK, V1FileList{
			Files: api.outputFilesToV1(task),
			Links: []V1Link{
				{Rel: "self", Href: api.href("tasks/%d/output", task.ID)},
				{Rel: "task", Href: api.href("tasks/%d", task.ID)},
			},
		})
		return
	}
	var file *models.TaskFile
	for i := range task.OutputFiles {
		if task.OutputFiles[i].Name == name {
			file = &task.OutputFiles[i]
			break
		}
	}
	if file == nil {
		writeError(w, http.StatusNotFound, errorCodeResourceNotFound, fmt.Sprintf("task %d has no output %q", task.ID, name))
		return
	}
	if file.Path == "" {
		writeError(w, http.StatusNotFound, errorCodeResourceNotFound, fmt.Sprintf("output %q is not available yet", name))
		return
	}
	if !api.sandboxes.Contains(file.Path) || !sandbox.NewManager(task.Sandbox).Contains(file.Path) {
		api.logger.Warn("output path outside task sandbox", zap.Int64("task_id", task.ID), zap.String("path", file.Path))
		writeError(w, http.StatusNotFound, errorCodeResourceNotFound, fmt.Sprintf("output %q is not available", name))
		return
	}
	f, err := os.Open(file.Path)
	if err != nil {
		writeError(w, http.StatusGone, errorCodeTaskSandbox, fmt.Sprintf("output %q cannot be read", name), err)
		return
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil || info.IsDir() {
		writeError(w, http.StatusGone, errorCodeTaskSandbox, fmt.Sprintf("output %q cannot be read", name))
		return
	}
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", file.Name))
	http.ServeContent(w, r, file.Name, info.ModTime(), f)
}
