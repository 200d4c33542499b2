package server

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	testutil "github.com/fgateway/fgapiserver/internal/testing"
)

func groupNames(groups []V1Group) []string {
	names := make([]string, 0, len(groups))
	for _, g := range groups {
		names = append(names, g.Name)
	}
	return names
}

func TestUserCreate(t *testing.T) {
	env := newTestEnv(t)
	admin := env.login(t, "admin")
	alice := env.login(t, "alice")

	body := map[string]any{
		"name":       "carol",
		"password":   "s3cret",
		"first_name": "Carol",
		"mail":       "carol@example.org",
		"groups":     []string{"users"},
	}
	rec := env.do(t, http.MethodPost, "/v1.0/users", alice, body)
	assert.Equal(t, StatusAuthzDenied, rec.Code)

	rec = env.do(t, http.MethodPost, "/v1.0/users", admin, body)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	user := decodeBody[V1User](t, rec)
	assert.Equal(t, "carol", user.Name)
	assert.True(t, user.Enabled)
	assert.Equal(t, "/v1.0/users/carol", rec.Header().Get("Location"))
	assert.NotContains(t, rec.Body.String(), "s3cret")

	req := httptest.NewRequest(http.MethodPost, "/v1.0/auth", nil)
	req.Header.Set("Authorization", basicHeader("carol", "s3cret"))
	rec = env.request(t, req)
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = env.do(t, http.MethodPost, "/v1.0/users", admin, body)
	assert.Equal(t, http.StatusConflict, rec.Code)

	cases := []struct {
		name   string
		body   map[string]any
		status int
	}{
		{name: "wildcard name", body: map[string]any{"name": "*", "password": "x"}, status: http.StatusBadRequest},
		{name: "group name", body: map[string]any{"name": "@", "password": "x"}, status: http.StatusBadRequest},
		{name: "missing password", body: map[string]any{"name": "dave"}, status: http.StatusBadRequest},
		{name: "unknown group", body: map[string]any{"name": "dave", "password": "x", "groups": []string{"nope"}}, status: http.StatusNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := env.do(t, http.MethodPost, "/v1.0/users", admin, tc.body)
			assert.Equal(t, tc.status, rec.Code, rec.Body.String())
		})
	}
}

func TestUserReadAccess(t *testing.T) {
	env := newTestEnv(t)
	admin := env.login(t, "admin")
	alice := env.login(t, "alice")

	rec := env.do(t, http.MethodGet, "/v1.0/users/alice", alice, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "alice@example.org", decodeBody[V1User](t, rec).Mail)

	rec = env.do(t, http.MethodGet, "/v1.0/users/alice/groups", alice, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"users"}, groupNames(decodeBody[V1GroupList](t, rec).Groups))

	rec = env.do(t, http.MethodGet, "/v1.0/users/bob", alice, nil)
	assert.Equal(t, StatusAuthzDenied, rec.Code)
	rec = env.do(t, http.MethodGet, "/v1.0/users", alice, nil)
	assert.Equal(t, StatusAuthzDenied, rec.Code)

	rec = env.do(t, http.MethodGet, "/v1.0/users", admin, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var names []string
	for _, u := range decodeBody[V1UserList](t, rec).Users {
		names = append(names, u.Name)
	}
	assert.Subset(t, names, []string{"admin", "alice", "bob"})

	rec = env.do(t, http.MethodGet, "/v1.0/users/nobody", admin, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestUserDisableRevokesAccess(t *testing.T) {
	env := newTestEnv(t)
	admin := env.login(t, "admin")
	bob := env.login(t, "bob")

	rec := env.do(t, http.MethodPatch, "/v1.0/users/bob", bob, map[string]any{"enabled": false})
	assert.Equal(t, StatusAuthzDenied, rec.Code)

	rec = env.do(t, http.MethodPatch, "/v1.0/users/bob", admin, map[string]any{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPatch, "/v1.0/users/bob", admin, map[string]any{"enabled": false})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, decodeBody[V1User](t, rec).Enabled)

	rec = env.do(t, http.MethodGet, "/v1.0/auth", bob, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/v1.0/auth", nil)
	req.Header.Set("Authorization", basicHeader("bob", testutil.TestPassword))
	rec = env.request(t, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestGroupsAndRoles(t *testing.T) {
	env := newTestEnv(t)
	admin := env.login(t, "admin")
	alice := env.login(t, "alice")

	rec := env.do(t, http.MethodPost, "/v1.0/groups", alice, map[string]any{"name": "auditors"})
	assert.Equal(t, StatusAuthzDenied, rec.Code)

	rec = env.do(t, http.MethodPost, "/v1.0/groups", admin, map[string]any{"name": "auditors"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, "auditors", decodeBody[V1Group](t, rec).Name)

	rec = env.do(t, http.MethodPost, "/v1.0/groups", admin, map[string]any{"name": "auditors"})
	assert.Equal(t, http.StatusConflict, rec.Code)
	rec = env.do(t, http.MethodPost, "/v1.0/groups", admin, map[string]any{"name": " "})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodGet, "/v1.0/groups", admin, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Subset(t, groupNames(decodeBody[V1GroupList](t, rec).Groups), []string{"administrator", "users", "auditors"})

	rec = env.do(t, http.MethodPost, "/v1.0/groups/auditors/roles", admin, map[string]any{"roles": []string{"users_view", "task_view"}})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var roles []string
	for _, role := range decodeBody[V1RoleList](t, rec).Roles {
		roles = append(roles, role.Name)
	}
	assert.ElementsMatch(t, []string{"users_view", "task_view"}, roles)

	rec = env.do(t, http.MethodPost, "/v1.0/groups/auditors/roles", admin, map[string]any{"roles": []string{"root"}})
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = env.do(t, http.MethodPost, "/v1.0/groups/auditors/roles", admin, map[string]any{"roles": []string{}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = env.do(t, http.MethodGet, "/v1.0/groups/missing", admin, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(t, http.MethodPost, "/v1.0/users/bob/groups", admin, map[string]any{"groups": []string{"auditors"}})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.ElementsMatch(t, []string{"users", "auditors"}, groupNames(decodeBody[V1GroupList](t, rec).Groups))

	bob := env.login(t, "bob")
	rec = env.do(t, http.MethodGet, "/v1.0/users/alice", bob, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodGet, "/v1.0/roles", alice, nil)
	assert.Equal(t, StatusAuthzDenied, rec.Code)
	rec = env.do(t, http.MethodGet, "/v1.0/roles", admin, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, decodeBody[V1RoleList](t, rec).Roles)
}

func TestGroupApplicationGrants(t *testing.T) {
	env := newTestEnv(t)
	admin := env.login(t, "admin")
	app := env.createApp(t, admin, testAppRequest())

	rec := env.do(t, http.MethodGet, "/v1.0/groups/users/apps", admin, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	grants := decodeBody[V1GroupApps](t, rec)
	assert.Equal(t, []int64{app.ID}, grants.Applications)
	assert.Contains(t, grants.Links, V1Link{Rel: "application", Href: fmt.Sprintf("/v1.0/applications/%d", app.ID)})

	rec = env.do(t, http.MethodGet, "/v1.0/groups/administrator/apps", admin, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []int64{app.ID}, decodeBody[V1GroupApps](t, rec).Applications)

	rec = env.do(t, http.MethodPost, "/v1.0/groups/users/apps", admin, map[string]any{"applications": []any{"9999"}})
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = env.do(t, http.MethodPost, "/v1.0/groups/users/apps", admin, map[string]any{"applications": []any{}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
