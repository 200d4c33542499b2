package auth

import (
	"encoding/base64"
	"errors"
	"strings"
)

// Credentials is a parsed Authorization header: either a bearer token or a
// username with its decoded password.
type Credentials struct {
	Token    string
	Username string
	Password string
}

func (c Credentials) IsToken() bool {
	return c.Token != ""
}

var errMalformedAuthorization = errors.New("malformed authorization header")

// ParseAuthorization accepts "Bearer <token>", "<user>/<base64 password>"
// and "<user>:<base64 password>". User names never contain '/' or ':', so
// the first separator splits the header even when the base64 text holds '/'.
func ParseAuthorization(header string) (Credentials, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return Credentials{}, errors.New("authorization header is required")
	}
	if len(header) > 7 && strings.EqualFold(header[:7], "bearer ") {
		token := strings.TrimSpace(header[7:])
		if token == "" {
			return Credentials{}, errMalformedAuthorization
		}
		return Credentials{Token: token}, nil
	}
	sep := strings.IndexAny(header, "/:")
	if sep <= 0 || sep == len(header)-1 {
		return Credentials{}, errMalformedAuthorization
	}
	password, err := base64.StdEncoding.DecodeString(header[sep+1:])
	if err != nil {
		return Credentials{}, errMalformedAuthorization
	}
	return Credentials{Username: header[:sep], Password: string(password)}, nil
}

// BearerToken extracts a token from an Authorization header, returning ""
// for any other scheme.
func BearerToken(header string) string {
	creds, err := ParseAuthorization(header)
	if err != nil || !creds.IsToken() {
		return ""
	}
	return creds.Token
}
