package server

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/fgateway/fgapiserver/internal/auth"
	"github.com/fgateway/fgapiserver/internal/models"
)

func (api *API) handleUserList(w http.ResponseWriter, r *http.Request) {
	if _, ok := api.authorize(w, r, auth.Request{Roles: roleUsersView}); !ok {
		return
	}
	users, err := api.store.ListUsers(r.Context())
	if err != nil {
		writeDomainError(w, "failed to list users", err)
		return
	}
	resp := V1UserList{
		Users: make([]V1User, 0, len(users)),
		Links: []V1Link{{Rel: "self", Href: api.href("users")}},
	}
	for _, user := range users {
		resp.Users = append(resp.Users, api.userToV1(user))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (api *API) handleUserCreate(w http.ResponseWriter, r *http.Request) {
	if _, ok := api.authorize(w, r, auth.Request{Roles: roleUsersChange}); !ok {
		return
	}
	var req V1UserCreateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeMalformedJSON(w, err)
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" || req.Name == auth.AllUsers || req.Name == auth.GroupUsers {
		writeError(w, http.StatusBadRequest, errorCodeValidationBadRequest, "a valid user name is required")
		return
	}
	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		writeError(w, http.StatusBadRequest, errorCodeValidationBadRequest, "invalid password", err)
		return
	}
	for _, name := range req.Groups {
		if _, err := api.store.GetGroupByName(r.Context(), strings.TrimSpace(name)); err != nil {
			writeDomainError(w, fmt.Sprintf("group %q", name), err)
			return
		}
	}
	user, err := api.store.CreateUser(r.Context(), models.User{
		Name:         req.Name,
		PasswordHash: hash,
		FirstName:    req.FirstName,
		LastName:     req.LastName,
		Institute:    req.Institute,
		Mail:         req.Mail,
		Enabled:      true,
	})
	if err != nil {
		writeDomainError(w, "failed to create user", err)
		return
	}
	if len(req.Groups) > 0 {
		if err := api.store.AddUserToGroups(r.Context(), user.ID, req.Groups); err != nil {
			writeDomainError(w, "user created but group membership failed", err)
			return
		}
	}
	api.logger.Info("user created", zap.String("user", user.Name), zap.Strings("groups", req.Groups))
	w.Header().Set("Location", api.href("users/%s", user.Name))
	writeJSON(w, http.StatusCreated, api.userToV1(user))
}

// loadUser resolves {name}. Callers may always read themselves.
func (api *API) loadUser(w http.ResponseWriter, r *http.Request, roles string, allowSelf bool) (models.User, bool) {
	name := chi.URLParam(r, "name")
	caller, _ := identityFrom(r.Context())
	if !allowSelf || name != caller.Name {
		if _, ok := api.authorize(w, r, auth.Request{Roles: roles}); !ok {
			return models.User{}, false
		}
	}
	user, err := api.store.GetUserByName(r.Context(), name)
	if err != nil {
		writeDomainError(w, fmt.Sprintf("user %q", name), err)
		return models.User{}, false
	}
	return user, true
}

func (api *API) handleUserGet(w http.ResponseWriter, r *http.Request) {
	user, ok := api.loadUser(w, r, roleUsersView, true)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, api.userToV1(user))
}

// handleUserPatch enables or disables a user. Users are never deleted.
func (api *API) handleUserPatch(w http.ResponseWriter, r *http.Request) {
	var req V1EnabledPatch
	if err := decodeJSON(w, r, &req); err != nil {
		writeMalformedJSON(w, err)
		return
	}
	if req.Enabled == nil {
		writeError(w, http.StatusBadRequest, errorCodeValidationBadRequest, "enabled is required")
		return
	}
	user, ok := api.loadUser(w, r, roleUsersChange, false)
	if !ok {
		return
	}
	if err := api.store.SetUserEnabled(r.Context(), user.Name, *req.Enabled); err != nil {
		writeDomainError(w, "failed to update user", err)
		return
	}
	user.Enabled = *req.Enabled
	writeJSON(w, http.StatusOK, api.userToV1(user))
}

func (api *API) handleUserGroups(w http.ResponseWriter, r *http.Request) {
	user, ok := api.loadUser(w, r, roleUsersView, true)
	if !ok {
		return
	}
	api.writeUserGroups(w, r, user)
}

func (api *API) handleUserJoinGroups(w http.ResponseWriter, r *http.Request) {
	var req V1GroupNames
	if err := decodeJSON(w, r, &req); err != nil {
		writeMalformedJSON(w, err)
		return
	}
	if len(req.Groups) == 0 {
		writeError(w, http.StatusBadRequest, errorCodeValidationBadRequest, "groups is required")
		return
	}
	user, ok := api.loadUser(w, r, roleUsersChange, false)
	if !ok {
		return
	}
	if err := api.store.AddUserToGroups(r.Context(), user.ID, req.Groups); err != nil {
		writeDomainError(w, "failed to add user to groups", err)
		return
	}
	api.writeUserGroups(w, r, user)
}

func (api *API) writeUserGroups(w http.ResponseWriter, r *http.Request, user models.User) {
	groups, err := api.store.ListUserGroups(r.Context(), user.ID)
	if err != nil {
		writeDomainError(w, "failed to list groups", err)
		return
	}
	resp := V1GroupList{
		Groups: make([]V1Group, 0, len(groups)),
		Links: []V1Link{
			{Rel: "self", Href: api.href("users/%s/groups", user.Name)},
			{Rel: "user", Href: api.href("users/%s", user.Name)},
		},
	}
	for _, g := range groups {
		resp.Groups = append(resp.Groups, api.groupToV1(g))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (api *API) handleGroupList(w http.ResponseWriter, r *http.Request) {
	if _, ok := api.authorize(w, r, auth.Request{Roles: roleGroupsView}); !ok {
		return
	}
	groups, err := api.store.ListGroups(r.Context())
	if err != nil {
		writeDomainError(w, "failed to list groups", err)
		return
	}
	resp := V1GroupList{
		Groups: make([]V1Group, 0, len(groups)),
		Links:  []V1Link{{Rel: "self", Href: api.href("groups")}},
	}
	for _, g := range groups {
		resp.Groups = append(resp.Groups, api.groupToV1(g))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (api *API) handleGroupCreate(w http.ResponseWriter, r *http.Request) {
	if _, ok := api.authorize(w, r, auth.Request{Roles: roleGroupsChange}); !ok {
		return
	}
	var req V1GroupCreateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeMalformedJSON(w, err)
		return
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		writeError(w, http.StatusBadRequest, errorCodeValidationBadRequest, "group name is required")
		return
	}
	group, err := api.store.CreateGroup(r.Context(), name)
	if err != nil {
		writeDomainError(w, "failed to create group", err)
		return
	}
	w.Header().Set("Location", api.href("groups/%s", group.Name))
	writeJSON(w, http.StatusCreated, api.groupToV1(group))
}

func (api *API) loadGroup(w http.ResponseWriter, r *http.Request, roles string) (models.Group, bool) {
	if _, ok := api.authorize(w, r, auth.Request{Roles: roles}); !ok {
		return models.Group{}, false
	}
	name := chi.URLParam(r, "name")
	group, err := api.store.GetGroupByName(r.Context(), name)
	if err != nil {
		writeDomainError(w, fmt.Sprintf("group %q", name), err)
		return models.Group{}, false
	}
	return group, true
}

func (api *API) handleGroupGet(w http.ResponseWriter, r *http.Request) {
	group, ok := api.loadGroup(w, r, roleGroupsView)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, api.groupToV1(group))
}

func (api *API) handleGroupApps(w http.ResponseWriter, r *http.Request) {
	group, ok := api.loadGroup(w, r, roleGroupsView)
	if !ok {
		return
	}
	api.writeGroupApps(w, r, group)
}

func (api *API) handleGroupGrantApps(w http.ResponseWriter, r *http.Request) {
	var req V1AppIDs
	if err := decodeJSON(w, r, &req); err != nil {
		writeMalformedJSON(w, err)
		return
	}
	if len(req.Applications) == 0 {
		writeError(w, http.StatusBadRequest, errorCodeValidationBadRequest, "applications is required")
		return
	}
	group, ok := api.loadGroup(w, r, roleGroupsChange)
	if !ok {
		return
	}
	ids := make([]int64, 0, len(req.Applications))
	for _, id := range req.Applications {
		ids = append(ids, int64(id))
	}
	if err := api.store.GrantGroupApps(r.Context(), group.ID, ids); err != nil {
		writeDomainError(w, "failed to grant applications", err)
		return
	}
	api.writeGroupApps(w, r, group)
}

func (api *API) writeGroupApps(w http.ResponseWriter, r *http.Request, group models.Group) {
	ids, err := api.store.ListGroupApps(r.Context(), group.ID)
	if err != nil {
		writeDomainError(w, "failed to list group applications", err)
		return
	}
	if ids == nil {
		ids = []int64{}
	}
	resp := V1GroupApps{
		Applications: ids,
		Links: []V1Link{
			{Rel: "self", Href: api.href("groups/%s/apps", group.Name)},
			{Rel: "group", Href: api.href("groups/%s", group.Name)},
		},
	}
	for _, id := range ids {
		resp.Links = append(resp.Links, V1Link{Rel: "application", Href: api.href("applications/%d", id)})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (api *API) handleGroupRoles(w http.ResponseWriter, r *http.Request) {
	group, ok := api.loadGroup(w, r, roleGroupsView+","+roleRolesView)
	if !ok {
		return
	}
	api.writeGroupRoles(w, r, group)
}

func (api *API) handleGroupGrantRoles(w http.ResponseWriter, r *http.Request) {
	var req V1RoleNames
	if err := decodeJSON(w, r, &req); err != nil {
		writeMalformedJSON(w, err)
		return
	}
	if len(req.Roles) == 0 {
		writeError(w, http.StatusBadRequest, errorCodeValidationBadRequest, "roles is required")
		return
	}
	group, ok := api.loadGroup(w, r, roleGroupsChange)
	if !ok {
		return
	}
	if err := api.store.GrantGroupRoles(r.Context(), group.ID, req.Roles); err != nil {
		writeDomainError(w, "failed to grant roles", err)
		return
	}
	api.logger.Info("roles granted", zap.String("group", group.Name), zap.Strings("roles", req.Roles))
	api.writeGroupRoles(w, r, group)
}

func (api *API) writeGroupRoles(w http.ResponseWriter, r *http.Request, group models.Group) {
	roles, err := api.store.ListGroupRoles(r.Context(), group.ID)
	if err != nil {
		writeDomainError(w, "failed to list group roles", err)
		return
	}
	writeJSON(w, http.StatusOK, V1RoleList{
		Roles: rolesToV1(roles),
		Links: []V1Link{
			{Rel: "self", Href: api.href("groups/%s/roles", group.Name)},
			{Rel: "group", Href: api.href("groups/%s", group.Name)},
		},
	})
}

func (api *API) handleRoleList(w http.ResponseWriter, r *http.Request) {
	if _, ok := api.authorize(w, r, auth.Request{Roles: roleRolesView}); !ok {
		return
	}
	roles, err := api.store.ListRoles(r.Context())
	if err != nil {
		writeDomainError(w, "failed to list roles", err)
		return
	}
	writeJSON(w, http.StatusOK, V1RoleList{
		Roles: rolesToV1(roles),
		Links: []V1Link{{Rel: "self", Href: api.href("roles")}},
	})
}
