package server

import (
	"encoding/json"
	"net/url"
	"time"

	"github.com/fgateway/fgapiserver/internal/catalog"
	"github.com/fgateway/fgapiserver/internal/db"
	"github.com/fgateway/fgapiserver/internal/models"
	"github.com/fgateway/fgapiserver/internal/sandbox"
)

func (api *API) taskLinks(task models.Task) []V1Link {
	return []V1Link{
		{Rel: "self", Href: api.href("tasks/%d", task.ID)},
		{Rel: "input", Href: api.href("tasks/%d/input", task.ID)},
		{Rel: "output", Href: api.href("tasks/%d/output", task.ID)},
		{Rel: "application", Href: api.href("applications/%d", task.AppID)},
	}
}

func (api *API) outputURL(task models.Task, name string) string {
	return api.href("tasks/%d/output", task.ID) + "?name=" + url.QueryEscape(name)
}

func (api *API) taskToV1(task models.Task) V1Task {
	out := V1Task{
		ID:          task.ID,
		Application: task.AppID,
		Description: task.Description,
		User:        task.User,
		Status:      string(task.Status),
		Creation:    task.CreatedAt,
		LastChange:  task.UpdatedAt,
		Arguments:   task.Arguments,
		InputFiles:  inputFilesToV1(task.InputFiles),
		OutputFiles: api.outputFilesToV1(task),
		RuntimeData: make([]V1RuntimeData, 0, len(task.RuntimeData)),
		Links:       api.taskLinks(task),
	}
	if out.Arguments == nil {
		out.Arguments = []string{}
	}
	for _, rd := range task.RuntimeData {
		out.RuntimeData = append(out.RuntimeData, runtimeDataToV1(rd))
	}
	return out
}

func inputFilesToV1(files []models.TaskFile) []V1TaskFile {
	out := make([]V1TaskFile, 0, len(files))
	for _, f := range files {
		out = append(out, V1TaskFile{Name: f.Name, Status: string(f.Status())})
	}
	return out
}

// outputFilesToV1 only links outputs the executor has already placed.
func (api *API) outputFilesToV1(task models.Task) []V1TaskFile {
	out := make([]V1TaskFile, 0, len(task.OutputFiles))
	for _, f := range task.OutputFiles {
		entry := V1TaskFile{Name: f.Name, Status: string(f.Status())}
		if f.Path != "" {
			entry.URL = api.outputURL(task, f.Name)
		}
		out = append(out, entry)
	}
	return out
}

func runtimeDataToV1(rd models.RuntimeData) V1RuntimeData {
	return V1RuntimeData{
		Name:        rd.Name,
		Value:       rd.Value,
		Description: rd.Description,
		Proto:       rd.Proto,
		Creation:    timeOrNil(rd.CreatedAt),
		LastChange:  timeOrNil(rd.UpdatedAt),
	}
}

func runtimeDataFromV1(in []V1RuntimeData) []models.RuntimeData {
	out := make([]models.RuntimeData, 0, len(in))
	for _, rd := range in {
		out = append(out, models.RuntimeData{
			Name:        rd.Name,
			Value:       rd.Value,
			Description: rd.Description,
			Proto:       rd.Proto,
		})
	}
	return out
}

func eventToV1(ev db.Event) V1Event {
	out := V1Event{ID: ev.ID, Timestamp: ev.Timestamp, Kind: ev.Kind, Message: ev.Message}
	if ev.JSON != "" {
		var data any
		if err := json.Unmarshal([]byte(ev.JSON), &data); err == nil {
			out.Data = data
		}
	}
	return out
}

func queueEntryToV1(entry models.QueueEntry) *V1QueueEntry {
	return &V1QueueEntry{
		ID:           entry.ID,
		Action:       string(entry.Action),
		Status:       string(entry.Status),
		Target:       entry.Target,
		TargetStatus: string(entry.TargetStatus),
	}
}

func savedFilesToV1(files []sandbox.SavedFile) []V1SavedFile {
	out := make([]V1SavedFile, 0, len(files))
	for _, f := range files {
		out = append(out, V1SavedFile{Name: f.Name, Size: f.Size, SHA256: f.SHA256, MIME: f.MIME})
	}
	return out
}

func (api *API) taskRequestFromV1(req V1TaskCreateRequest, owner string) models.TaskRequest {
	out := models.TaskRequest{
		AppID:       int64(req.Application),
		Description: req.Description,
		User:        owner,
		Arguments:   req.Arguments,
	}
	for _, f := range req.InputFiles {
		out.InputFiles = append(out.InputFiles, models.TaskFile{Name: f.Name, Path: f.Path})
	}
	for _, f := range req.OutputFiles {
		out.OutputFiles = append(out.OutputFiles, f.Name)
	}
	return out
}

// applicationToV1 redacts secret infrastructure parameters.
func (api *API) applicationToV1(app models.Application) V1Application {
	app = catalog.RedactApplication(app)
	out := V1Application{
		ID:              app.ID,
		Name:            app.Name,
		Description:     app.Description,
		Outcome:         app.Outcome,
		Enabled:         app.Enabled,
		Creation:        app.CreatedAt,
		Parameters:      make([]V1Parameter, 0, len(app.Parameters)),
		Files:           make([]V1AppFile, 0, len(app.Files)),
		Infrastructures: make([]V1Infrastructure, 0, len(app.Infrastructures)),
		Links: []V1Link{
			{Rel: "self", Href: api.href("applications/%d", app.ID)},
			{Rel: "input", Href: api.href("applications/%d/input", app.ID)},
		},
	}
	for _, p := range app.Parameters {
		out.Parameters = append(out.Parameters, V1Parameter{Name: p.Name, Value: p.Value, Description: p.Description})
	}
	for _, f := range app.Files {
		status := models.FileNeeded
		if f.Path != "" {
			status = models.FileReady
		}
		out.Files = append(out.Files, V1AppFile{Name: f.Name, Override: f.Override, Status: string(status)})
	}
	for _, infra := range app.Infrastructures {
		out.Infrastructures = append(out.Infrastructures, api.infrastructureToV1(infra))
	}
	return out
}

func (api *API) infrastructureToV1(infra models.Infrastructure) V1Infrastructure {
	infra = catalog.RedactInfrastructure(infra)
	out := V1Infrastructure{
		ID:          infra.ID,
		Application: infra.AppID,
		Name:        infra.Name,
		Description: infra.Description,
		Enabled:     infra.Enabled,
		Virtual:     infra.Virtual,
		Creation:    infra.CreatedAt,
		Parameters:  make([]V1InfraParameter, 0, len(infra.Parameters)),
		Links:       []V1Link{{Rel: "self", Href: api.href("infrastructures/%d", infra.ID)}},
	}
	if infra.AppID != models.UnassignedAppID {
		out.Links = append(out.Links, V1Link{Rel: "application", Href: api.href("applications/%d", infra.AppID)})
	}
	for _, p := range infra.Parameters {
		out.Parameters = append(out.Parameters, V1InfraParameter{
			Name:        p.Name,
			Value:       p.Value,
			Description: p.Description,
			Secret:      p.Secret,
		})
	}
	return out
}

func infrastructureFromV1(req V1InfrastructureCreateRequest) models.NewInfrastructure {
	out := models.NewInfrastructure{
		Name:        req.Name,
		Description: req.Description,
		Enabled:     req.Enabled == nil || *req.Enabled,
		Virtual:     req.Virtual,
	}
	for _, p := range req.Parameters {
		out.Parameters = append(out.Parameters, models.InfraParameter{
			Name:        p.Name,
			Value:       p.Value,
			Description: p.Description,
			Secret:      p.Secret,
		})
	}
	return out
}

// applicationFromV1 never carries file paths: declared files get one when
// they are uploaded through /applications/{id}/input.
func applicationFromV1(req V1ApplicationCreateRequest) models.ApplicationCreate {
	out := models.ApplicationCreate{
		Name:        req.Name,
		Description: req.Description,
		Outcome:     req.Outcome,
		Enabled:     req.Enabled == nil || *req.Enabled,
	}
	if out.Outcome == "" {
		out.Outcome = "JOB"
	}
	for _, p := range req.Parameters {
		out.Parameters = append(out.Parameters, models.Parameter{Name: p.Name, Value: p.Value, Description: p.Description})
	}
	for _, f := range req.Files {
		out.Files = append(out.Files, models.AppFile{Name: f.Name, Override: f.Override})
	}
	for _, spec := range req.Infrastructures {
		if spec.Inline != nil {
			out.Infrastructures = append(out.Infrastructures, infrastructureFromV1(*spec.Inline))
			continue
		}
		out.Infrastructures = append(out.Infrastructures, models.ExistingInfrastructure{ID: spec.ID})
	}
	return out
}

func (api *API) userToV1(user models.User) V1User {
	return V1User{
		ID:        user.ID,
		Name:      user.Name,
		FirstName: user.FirstName,
		LastName:  user.LastName,
		Institute: user.Institute,
		Mail:      user.Mail,
		Enabled:   user.Enabled,
		Creation:  user.CreatedAt,
		Links: []V1Link{
			{Rel: "self", Href: api.href("users/%s", url.PathEscape(user.Name))},
			{Rel: "groups", Href: api.href("users/%s/groups", url.PathEscape(user.Name))},
		},
	}
}

func (api *API) groupToV1(group models.Group) V1Group {
	name := url.PathEscape(group.Name)
	return V1Group{
		ID:       group.ID,
		Name:     group.Name,
		Creation: group.CreatedAt,
		Links: []V1Link{
			{Rel: "self", Href: api.href("groups/%s", name)},
			{Rel: "apps", Href: api.href("groups/%s/apps", name)},
			{Rel: "roles", Href: api.href("groups/%s/roles", name)},
		},
	}
}

func rolesToV1(roles []models.Role) []V1Role {
	out := make([]V1Role, 0, len(roles))
	for _, role := range roles {
		out = append(out, V1Role{ID: role.ID, Name: role.Name, Description: role.Description})
	}
	return out
}

func timeOrNil(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
