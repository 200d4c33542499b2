package auth

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAuthorization(t *testing.T) {
	pw := base64.StdEncoding.EncodeToString([]byte("s3cret/+"))
	tests := []struct {
		name   string
		header string
		want   Credentials
		errMsg string
	}{
		{name: "bearer", header: "Bearer abc123", want: Credentials{Token: "abc123"}},
		{name: "bearer lowercase", header: "bearer  abc123 ", want: Credentials{Token: "abc123"}},
		{name: "slash form", header: "alice/" + pw, want: Credentials{Username: "alice", Password: "s3cret/+"}},
		{name: "colon form", header: "alice:" + pw, want: Credentials{Username: "alice", Password: "s3cret/+"}},
		{name: "empty", header: "  ", errMsg: "required"},
		{name: "bearer without token", header: "Bearer  ", errMsg: "malformed"},
		{name: "no separator", header: "alice", errMsg: "malformed"},
		{name: "missing user", header: "/" + pw, errMsg: "malformed"},
		{name: "missing password", header: "alice:", errMsg: "malformed"},
		{name: "bad base64", header: "alice:***", errMsg: "malformed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseAuthorization(tt.header)
			if tt.errMsg != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errMsg)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestBearerToken(t *testing.T) {
	assert.Equal(t, "tok", BearerToken("Bearer tok"))
	assert.Empty(t, BearerToken("alice:"+base64.StdEncoding.EncodeToString([]byte("pw"))))
	assert.Empty(t, BearerToken(""))
}
