package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// V1Link is one entry of a resource's _links list.
type V1Link struct {
	Rel  string `json:"rel"`
	Href string `json:"href"`
}

// FlexID accepts an id written as a JSON number or a numeric string.
// Older clients send task and application ids as strings.
type FlexID int64

func (f *FlexID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		data = []byte(strings.TrimSpace(s))
	}
	v, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil {
		return fmt.Errorf("id must be an integer: %s", data)
	}
	*f = FlexID(v)
	return nil
}

// V1FileRef names a file. It decodes from a bare string or from an object
// with name and an optional path hint.
type V1FileRef struct {
	Name string `json:"name"`
	Path string `json:"path,omitempty"`
}

func (f *V1FileRef) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		return json.Unmarshal(data, &f.Name)
	}
	type plain V1FileRef
	var v plain
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&v); err != nil {
		return err
	}
	*f = V1FileRef(v)
	return nil
}

type V1AuthResponse struct {
	Token     string   `json:"token"`
	User      string   `json:"user"`
	Subject   string   `json:"subject,omitempty"`
	Delegated bool     `json:"delegated"`
	Links     []V1Link `json:"_links"`
}

type V1TokenInfo struct {
	User      string   `json:"user"`
	Subject   string   `json:"subject"`
	Delegated bool     `json:"delegated"`
	Groups    []string `json:"groups"`
	Links     []V1Link `json:"_links"`
}

type V1TaskFile struct {
	Name   string `json:"name"`
	Status string `json:"status"`
	URL    string `json:"url,omitempty"`
}

type V1RuntimeData struct {
	Name        string     `json:"name"`
	Value       string     `json:"value"`
	Description string     `json:"description,omitempty"`
	Proto       string     `json:"proto,omitempty"`
	Creation    *time.Time `json:"creation,omitempty"`
	LastChange  *time.Time `json:"last_change,omitempty"`
}

type V1Event struct {
	ID        int64     `json:"id"`
	Timestamp time.Time `json:"ts"`
	Kind      string    `json:"kind"`
	Message   string    `json:"msg,omitempty"`
	Data      any       `json:"data,omitempty"`
}

type V1Task struct {
	ID          int64           `json:"id"`
	Application int64           `json:"application"`
	Description string          `json:"description"`
	User        string          `json:"user"`
	Status      string          `json:"status"`
	Creation    time.Time       `json:"creation"`
	LastChange  time.Time       `json:"last_change"`
	Arguments   []string        `json:"arguments"`
	InputFiles  []V1TaskFile    `json:"input_files"`
	OutputFiles []V1TaskFile    `json:"output_files"`
	RuntimeData []V1RuntimeData `json:"runtime_data"`
	Events      []V1Event       `json:"events,omitempty"`
	Links       []V1Link        `json:"_links"`
}

type V1TaskList struct {
	Tasks []V1Task `json:"tasks"`
	Links []V1Link `json:"_links"`
}

type V1TaskCreateRequest struct {
	Application FlexID      `json:"application"`
	Description string      `json:"description"`
	Arguments   []string    `json:"arguments"`
	InputFiles  []V1FileRef `json:"input_files"`
	OutputFiles []V1FileRef `json:"output_files"`
}

// V1TaskPatchRequest carries either a status change request, runtime data,
// or both.
type V1TaskPatchRequest struct {
	Status      *string         `json:"status,omitempty"`
	RuntimeData []V1RuntimeData `json:"runtime_data,omitempty"`
}

type V1QueueEntry struct {
	ID           int64  `json:"id"`
	Action       string `json:"action"`
	Status       string `json:"status"`
	Target       string `json:"target"`
	TargetStatus string `json:"target_status,omitempty"`
}

type V1TaskPatchResponse struct {
	Task  V1Task        `json:"task"`
	Queue *V1QueueEntry `json:"queue,omitempty"`
}

type V1SavedFile struct {
	Name   string `json:"name"`
	Size   int64  `json:"size"`
	SHA256 string `json:"sha256"`
	MIME   string `json:"mime"`
}

// Values of V1InputUploadResponse.GEStatus.
const (
	GEStatusTriggered = "triggered"
	GEStatusWaiting   = "waiting"
)

type V1InputUploadResponse struct {
	Task     int64         `json:"task,omitempty"`
	App      int64         `json:"application,omitempty"`
	Files    []V1SavedFile `json:"files"`
	GEStatus string        `json:"gestatus,omitempty"`
	Links    []V1Link      `json:"_links"`
}

type V1FileList struct {
	Files []V1TaskFile `json:"files"`
	Links []V1Link     `json:"_links"`
}

type V1Parameter struct {
	Name        string `json:"name"`
	Value       string `json:"value"`
	Description string `json:"description,omitempty"`
}

type V1AppFile struct {
	Name     string `json:"name"`
	Path     string `json:"path,omitempty"`
	Override bool   `json:"override"`
	Status   string `json:"status,omitempty"`
}

type V1InfraParameter struct {
	Name        string `json:"name"`
	Value       string `json:"value"`
	Description string `json:"description,omitempty"`
	Secret      bool   `json:"secret,omitempty"`
}

type V1Infrastructure struct {
	ID          int64              `json:"id"`
	Application int64              `json:"application,omitempty"`
	Name        string             `json:"name"`
	Description string             `json:"description"`
	Enabled     bool               `json:"enabled"`
	Virtual     bool               `json:"virtual"`
	Creation    time.Time          `json:"creation"`
	Parameters  []V1InfraParameter `json:"parameters"`
	Links       []V1Link           `json:"_links"`
}

type V1InfrastructureList struct {
	Infrastructures []V1Infrastructure `json:"infrastructures"`
	Links           []V1Link           `json:"_links"`
}

type V1InfrastructureCreateRequest struct {
	Name        string             `json:"name"`
	Description string             `json:"description"`
	Enabled     *bool              `json:"enabled,omitempty"`
	Virtual     bool               `json:"virtual"`
	Parameters  []V1InfraParameter `json:"parameters"`
}

// V1InfraSpec is an application's infrastructure entry: an existing id
// (number, numeric string or {"id": n}) or an inline definition.
type V1InfraSpec struct {
	ID     int64
	Inline *V1InfrastructureCreateRequest
}

func (s *V1InfraSpec) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return errors.New("empty infrastructure entry")
	}
	if data[0] != '{' {
		var id FlexID
		if err := id.UnmarshalJSON(data); err != nil {
			return err
		}
		s.ID = int64(id)
		return nil
	}
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(data, &probe); err != nil {
		return err
	}
	if raw, ok := probe["id"]; ok && len(probe) == 1 {
		var id FlexID
		if err := id.UnmarshalJSON(raw); err != nil {
			return err
		}
		s.ID = int64(id)
		return nil
	}
	var inline V1InfrastructureCreateRequest
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&inline); err != nil {
		return err
	}
	s.Inline = &inline
	return nil
}

func (s V1InfraSpec) MarshalJSON() ([]byte, error) {
	if s.Inline != nil {
		return json.Marshal(s.Inline)
	}
	return json.Marshal(map[string]int64{"id": s.ID})
}

type V1Application struct {
	ID              int64              `json:"id"`
	Name            string             `json:"name"`
	Description     string             `json:"description"`
	Outcome         string             `json:"outcome"`
	Enabled         bool               `json:"enabled"`
	Creation        time.Time          `json:"creation"`
	Parameters      []V1Parameter      `json:"parameters"`
	Files           []V1AppFile        `json:"files"`
	Infrastructures []V1Infrastructure `json:"infrastructures"`
	Links           []V1Link           `json:"_links"`
}

type V1ApplicationList struct {
	Applications []V1Application `json:"applications"`
	Links        []V1Link        `json:"_links"`
}

type V1ApplicationCreateRequest struct {
	Name            string        `json:"name"`
	Description     string        `json:"description"`
	Outcome         string        `json:"outcome"`
	Enabled         *bool         `json:"enabled,omitempty"`
	Parameters      []V1Parameter `json:"parameters"`
	Files           []V1AppFile   `json:"files"`
	Infrastructures []V1InfraSpec `json:"infrastructures"`
}

// V1EnabledPatch toggles applications, infrastructures and users.
type V1EnabledPatch struct {
	Enabled *bool `json:"enabled"`
}

type V1User struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	FirstName string    `json:"first_name"`
	LastName  string    `json:"last_name"`
	Institute string    `json:"institute"`
	Mail      string    `json:"mail"`
	Enabled   bool      `json:"enabled"`
	Creation  time.Time `json:"creation"`
	Links     []V1Link  `json:"_links"`
}

type V1UserList struct {
	Users []V1User `json:"users"`
	Links []V1Link `json:"_links"`
}

type V1UserCreateRequest struct {
	Name      string   `json:"name"`
	Password  string   `json:"password"`
	FirstName string   `json:"first_name"`
	LastName  string   `json:"last_name"`
	Institute string   `json:"institute"`
	Mail      string   `json:"mail"`
	Groups    []string `json:"groups"`
}

type V1Group struct {
	ID       int64     `json:"id"`
	Name     string    `json:"name"`
	Creation time.Time `json:"creation"`
	Links    []V1Link  `json:"_links"`
}

type V1GroupList struct {
	Groups []V1Group `json:"groups"`
	Links  []V1Link  `json:"_links"`
}

type V1GroupCreateRequest struct {
	Name string `json:"name"`
}

// V1GroupNames adds a user to groups.
type V1GroupNames struct {
	Groups []string `json:"groups"`
}

// V1RoleNames grants roles to a group.
type V1RoleNames struct {
	Roles []string `json:"roles"`
}

// V1AppIDs grants applications to a group.
type V1AppIDs struct {
	Applications []FlexID `json:"applications"`
}

type V1GroupApps struct {
	Applications []int64  `json:"applications"`
	Links        []V1Link `json:"_links"`
}

type V1Role struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

type V1RoleList struct {
	Roles []V1Role `json:"roles"`
	Links []V1Link `json:"_links"`
}

type V1HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	DB      string `json:"db"`
	Error   string `json:"error,omitempty"`
}
