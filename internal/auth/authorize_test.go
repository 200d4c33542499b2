package auth

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fgateway/fgapiserver/internal/models"
	testutil "github.com/fgateway/fgapiserver/internal/testing"
)

type fakeChecker struct {
	roles  map[string]bool
	shared map[string]bool
	apps   map[int64]bool
	mates  []string
	err    error
}

func (f *fakeChecker) UserHasRoles(_ context.Context, _ int64, roles []string) (bool, error) {
	if f.err != nil {
		return false, f.err
	}
	for _, r := range roles {
		if !f.roles[r] {
			return false, nil
		}
	}
	return true, nil
}

func (f *fakeChecker) UsersShareGroup(_ context.Context, _ int64, other string) (bool, error) {
	return f.shared[other], nil
}

func (f *fakeChecker) UserCanAccessApp(_ context.Context, _, appID int64) (bool, error) {
	return f.apps[appID], nil
}

func (f *fakeChecker) GroupMateNames(context.Context, int64) ([]string, error) {
	return f.mates, nil
}

func TestAuthorizeChecksInOrder(t *testing.T) {
	alice := models.Identity{UserID: 1, Name: "alice"}
	tests := []struct {
		name    string
		checker *fakeChecker
		req     Request
		allowed bool
		message string
	}{
		{
			name:    "no requirements",
			checker: &fakeChecker{},
			allowed: true,
		},
		{
			name:    "all roles present",
			checker: &fakeChecker{roles: map[string]bool{"app_run": true, "task_view": true}},
			req:     Request{Roles: "app_run, task_view"},
			allowed: true,
		},
		{
			name:    "missing role",
			checker: &fakeChecker{roles: map[string]bool{"app_run": true}},
			req:     Request{Roles: "app_run,task_view"},
			message: "user 'alice' does not have requested role(s): app_run, task_view",
		},
		{
			name:    "role failure wins over app failure",
			checker: &fakeChecker{},
			req:     Request{Roles: "app_run", AppID: 9},
			message: "user 'alice' does not have requested role(s): app_run",
		},
		{
			name:    "self is not impersonation",
			checker: &fakeChecker{},
			req:     Request{User: "alice"},
			allowed: true,
		},
		{
			name:    "all users needs user_impersonate",
			checker: &fakeChecker{roles: map[string]bool{RoleGroupImpersonate: true}},
			req:     Request{User: "*"},
			message: "user 'alice' cannot impersonate user '*'",
		},
		{
			name:    "group users needs group_impersonate",
			checker: &fakeChecker{roles: map[string]bool{RoleGroupImpersonate: true}},
			req:     Request{User: "@"},
			allowed: true,
		},
		{
			name:    "named user via user_impersonate",
			checker: &fakeChecker{roles: map[string]bool{RoleUserImpersonate: true}},
			req:     Request{User: "bob"},
			allowed: true,
		},
		{
			name:    "named user via shared group",
			checker: &fakeChecker{roles: map[string]bool{RoleGroupImpersonate: true}, shared: map[string]bool{"bob": true}},
			req:     Request{User: "bob"},
			allowed: true,
		},
		{
			name:    "named user without shared group",
			checker: &fakeChecker{roles: map[string]bool{RoleGroupImpersonate: true}},
			req:     Request{User: "eve"},
			message: "user 'alice' cannot impersonate user 'eve'",
		},
		{
			name:    "app not granted",
			checker: &fakeChecker{apps: map[int64]bool{1: true}},
			req:     Request{AppID: 2},
			message: "user 'alice' cannot access application id: 2",
		},
		{
			name:    "app granted",
			checker: &fakeChecker{apps: map[int64]bool{2: true}},
			req:     Request{AppID: 2},
			allowed: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NewAuthorizer(tt.checker).Authorize(context.Background(), alice, tt.req)
			require.NoError(t, err)
			assert.Equal(t, tt.allowed, got.Allowed)
			assert.Equal(t, tt.message, got.Message)
		})
	}
}

func TestAuthorizePropagatesBackendErrors(t *testing.T) {
	boom := errors.New("boom")
	_, err := NewAuthorizer(&fakeChecker{err: boom}).Authorize(context.Background(), models.Identity{Name: "alice"}, Request{Roles: "app_run"})
	assert.ErrorIs(t, err, boom)
}

func TestExpandUsers(t *testing.T) {
	ctx := context.Background()
	alice := models.Identity{UserID: 1, Name: "alice"}

	users, err := NewAuthorizer(&fakeChecker{}).ExpandUsers(ctx, alice, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"alice"}, users)

	users, err = NewAuthorizer(&fakeChecker{}).ExpandUsers(ctx, alice, "*")
	require.NoError(t, err)
	assert.Nil(t, users)

	users, err = NewAuthorizer(&fakeChecker{mates: []string{"alice", "bob"}}).ExpandUsers(ctx, alice, "@")
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "bob"}, users)

	users, err = NewAuthorizer(&fakeChecker{}).ExpandUsers(ctx, alice, "@")
	require.NoError(t, err)
	assert.Equal(t, []string{"alice"}, users)

	users, err = NewAuthorizer(&fakeChecker{}).ExpandUsers(ctx, alice, " bob ")
	require.NoError(t, err)
	assert.Equal(t, []string{"bob"}, users)
}

func TestParseRoles(t *testing.T) {
	assert.Equal(t, []string{"a", "b"}, ParseRoles(" a,, b ,"))
	assert.Nil(t, ParseRoles(""))
}

func TestAuthorizeAgainstStore(t *testing.T) {
	store := testutil.OpenStore(t)
	ctx := context.Background()
	admin := testutil.SeedUser(t, store, "admin", "administrator")
	alice := testutil.SeedUser(t, store, "alice", "users")
	appID := testutil.SeedApplication(t, store, testutil.NewTestApplication(testutil.AppOpts{}), "users")
	otherID := testutil.SeedApplication(t, store, testutil.NewTestApplication(testutil.AppOpts{Name: "other"}))

	authz := NewAuthorizer(store)
	aliceID := models.Identity{UserID: alice.ID, Name: alice.Name}

	got, err := authz.Authorize(ctx, aliceID, Request{Roles: "app_run", AppID: appID})
	require.NoError(t, err)
	assert.True(t, got.Allowed)

	got, err = authz.Authorize(ctx, aliceID, Request{Roles: "app_run", AppID: otherID})
	require.NoError(t, err)
	assert.False(t, got.Allowed)

	got, err = authz.Authorize(ctx, aliceID, Request{Roles: "task_view", User: "admin"})
	require.NoError(t, err)
	assert.Equal(t, "user 'alice' cannot impersonate user 'admin'", got.Message)

	got, err = authz.Authorize(ctx, models.Identity{UserID: admin.ID, Name: admin.Name}, Request{Roles: "task_view", User: "*"})
	require.NoError(t, err)
	assert.True(t, got.Allowed)
}
