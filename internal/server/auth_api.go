package server

import (
	"errors"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/fgateway/fgapiserver/internal/auth"
)

// handleAuth issues tokens. With user credentials it returns a new token.
// With a bearer token and ?user= it returns a token delegated to that user;
// with a bearer token alone it describes the token.
func (api *API) handleAuth(w http.ResponseWriter, r *http.Request) {
	creds, err := auth.ParseAuthorization(r.Header.Get("Authorization"))
	if err != nil {
		w.Header().Set("WWW-Authenticate", "Bearer")
		code := errorCodeAuthBadCredentials
		if strings.TrimSpace(r.Header.Get("Authorization")) == "" {
			code = errorCodeAuthMissingToken
		}
		writeError(w, http.StatusUnauthorized, code, err.Error())
		return
	}
	links := []V1Link{{Rel: "self", Href: api.href("auth")}}

	if !creds.IsToken() {
		token, err := api.sessions.CreateSessionToken(r.Context(), creds.Username, creds.Password)
		if err != nil {
			api.writeTokenFailure(w, err)
			return
		}
		api.metrics.IncSessionToken("issued")
		api.logger.Info("session token issued", zap.String("user", creds.Username))
		writeJSON(w, http.StatusOK, V1AuthResponse{Token: token, User: creds.Username, Links: links})
		return
	}

	holder, err := api.sessions.VerifySessionToken(r.Context(), creds.Token)
	if err != nil {
		api.writeTokenFailure(w, err)
		return
	}
	target := strings.TrimSpace(r.URL.Query().Get("user"))
	if target != "" && target != holder.Name {
		token, err := api.sessions.CreateDelegatedToken(r.Context(), holder, target)
		if err != nil {
			api.writeTokenFailure(w, err)
			return
		}
		api.metrics.IncSessionToken("delegated")
		writeJSON(w, http.StatusOK, V1AuthResponse{
			Token:     token,
			User:      target,
			Subject:   holder.SubjectName,
			Delegated: true,
			Links:     links,
		})
		return
	}

	groups, err := api.store.ListUserGroups(r.Context(), holder.UserID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, errorCodeInternalError, "failed to list groups", err)
		return
	}
	info := V1TokenInfo{
		User:      holder.Name,
		Subject:   holder.SubjectName,
		Delegated: holder.Delegated(),
		Groups:    make([]string, 0, len(groups)),
		Links:     links,
	}
	for _, g := range groups {
		info.Groups = append(info.Groups, g.Name)
	}
	writeJSON(w, http.StatusOK, info)
}

// handleLogout revokes the presented bearer token.
func (api *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	token := auth.BearerToken(r.Header.Get("Authorization"))
	if token == "" {
		w.Header().Set("WWW-Authenticate", "Bearer")
		writeError(w, http.StatusUnauthorized, errorCodeAuthMissingToken, "missing bearer token")
		return
	}
	if err := api.sessions.RevokeSessionToken(r.Context(), token); err != nil {
		api.writeTokenFailure(w, err)
		return
	}
	api.metrics.IncSessionToken("revoked")
	w.WriteHeader(http.StatusNoContent)
}

func (api *API) writeTokenFailure(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, auth.ErrInvalidCredentials):
		api.metrics.IncSessionToken("rejected")
		writeError(w, http.StatusUnauthorized, errorCodeAuthBadCredentials, "invalid credentials")
	case errors.Is(err, auth.ErrInvalidToken):
		api.metrics.IncSessionToken("rejected")
		w.Header().Set("WWW-Authenticate", "Bearer")
		writeError(w, http.StatusUnauthorized, errorCodeAuthInvalidToken, "invalid bearer token")
	case errors.Is(err, auth.ErrImpersonationDenied):
		api.metrics.IncSessionToken("rejected")
		writeDenied(w, "token holder cannot impersonate other users")
	default:
		api.logger.Error("session token", zap.Error(err))
		writeError(w, http.StatusInternalServerError, errorCodeInternalError, "failed to process token", err)
	}
}
