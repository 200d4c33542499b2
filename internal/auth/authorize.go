package auth

import (
	"context"
	"fmt"
	"strings"

	"github.com/fgateway/fgapiserver/internal/models"
)

const (
	RoleUserImpersonate  = "user_impersonate"
	RoleGroupImpersonate = "group_impersonate"

	// AllUsers as a target user means every user.
	AllUsers = "*"
	// GroupUsers as a target user means every user sharing a group with the caller.
	GroupUsers = "@"
)

// RoleChecker answers the grant questions the authorizer asks.
type RoleChecker interface {
	UserHasRoles(ctx context.Context, userID int64, roles []string) (bool, error)
	UsersShareGroup(ctx context.Context, userID int64, otherName string) (bool, error)
	UserCanAccessApp(ctx context.Context, userID, appID int64) (bool, error)
	GroupMateNames(ctx context.Context, userID int64) ([]string, error)
}

// Request describes what an endpoint needs. Roles is comma separated and
// every role is required. AppID is checked when positive. User names the
// user being acted for; empty means the caller.
type Request struct {
	Roles string
	AppID int64
	User  string
}

// Decision carries the outcome and, when denied, the first failing reason.
type Decision struct {
	Allowed bool
	Message string
}

type Authorizer struct {
	checker RoleChecker
}

func NewAuthorizer(checker RoleChecker) *Authorizer {
	return &Authorizer{checker: checker}
}

// Authorize evaluates roles, then impersonation, then application access,
// stopping at the first check that fails.
func (a *Authorizer) Authorize(ctx context.Context, current models.Identity, req Request) (Decision, error) {
	roles := ParseRoles(req.Roles)
	if len(roles) > 0 {
		ok, err := a.checker.UserHasRoles(ctx, current.UserID, roles)
		if err != nil {
			return Decision{}, err
		}
		if !ok {
			return deny("user '%s' does not have requested role(s): %s", current.Name, strings.Join(roles, ", ")), nil
		}
	}
	target := strings.TrimSpace(req.User)
	if target != "" && target != current.Name {
		ok, err := a.canImpersonate(ctx, current, target)
		if err != nil {
			return Decision{}, err
		}
		if !ok {
			return deny("user '%s' cannot impersonate user '%s'", current.Name, target), nil
		}
	}
	if req.AppID > 0 {
		ok, err := a.checker.UserCanAccessApp(ctx, current.UserID, req.AppID)
		if err != nil {
			return Decision{}, err
		}
		if !ok {
			return deny("user '%s' cannot access application id: %d", current.Name, req.AppID), nil
		}
	}
	return Decision{Allowed: true}, nil
}

// canImpersonate: * needs user_impersonate, @ needs group_impersonate, and a
// named user needs user_impersonate or a shared group plus group_impersonate.
func (a *Authorizer) canImpersonate(ctx context.Context, current models.Identity, target string) (bool, error) {
	switch target {
	case AllUsers:
		return a.checker.UserHasRoles(ctx, current.UserID, []string{RoleUserImpersonate})
	case GroupUsers:
		return a.checker.UserHasRoles(ctx, current.UserID, []string{RoleGroupImpersonate})
	}
	ok, err := a.checker.UserHasRoles(ctx, current.UserID, []string{RoleUserImpersonate})
	if err != nil || ok {
		return ok, err
	}
	shared, err := a.checker.UsersShareGroup(ctx, current.UserID, target)
	if err != nil || !shared {
		return false, err
	}
	return a.checker.UserHasRoles(ctx, current.UserID, []string{RoleGroupImpersonate})
}

// ExpandUsers turns a target user into the list filter for task queries. A
// nil slice means no filter. Callers authorize the target first.
func (a *Authorizer) ExpandUsers(ctx context.Context, current models.Identity, target string) ([]string, error) {
	switch strings.TrimSpace(target) {
	case "":
		return []string{current.Name}, nil
	case AllUsers:
		return nil, nil
	case GroupUsers:
		names, err := a.checker.GroupMateNames(ctx, current.UserID)
		if err != nil {
			return nil, err
		}
		if len(names) == 0 {
			names = []string{current.Name}
		}
		return names, nil
	default:
		return []string{strings.TrimSpace(target)}, nil
	}
}

// ParseRoles splits a comma separated role list, dropping blanks.
func ParseRoles(roles string) []string {
	var out []string
	for _, r := range strings.Split(roles, ",") {
		if r = strings.TrimSpace(r); r != "" {
			out = append(out, r)
		}
	}
	return out
}

func deny(format string, args ...any) Decision {
	return Decision{Message: fmt.Sprintf(format, args...)}
}
