package config

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckConfigPermissions(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("permission bits are not enforced on Windows")
	}

	cases := []struct {
		mode    os.FileMode
		warn    string
		wantErr string
	}{
		{mode: 0o600},
		{mode: 0o640, warn: "group-readable"},
		{mode: 0o644, wantErr: "must not be accessible by others"},
		{mode: 0o620, wantErr: "group-writable"},
		{mode: 0o000, wantErr: "readable by owner"},
	}
	for _, tc := range cases {
		t.Run(tc.mode.String(), func(t *testing.T) {
			path := writeTempFile(t, "config.yaml", tc.mode)
			warn, err := CheckConfigPermissions(path)
			if tc.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tc.wantErr)
				return
			}
			require.NoError(t, err)
			if tc.warn == "" {
				assert.Empty(t, warn)
			} else {
				assert.Contains(t, warn, tc.warn)
			}
		})
	}
}

func TestCheckPrivateFileNamesKind(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("permission bits are not enforced on Windows")
	}
	path := writeTempFile(t, "age.key", 0o644)
	_, err := CheckPrivateFile("age identity", path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "age identity")

	_, err = CheckPrivateFile("age identity", "")
	require.Error(t, err)
}

func writeTempFile(t *testing.T, name string, mode os.FileMode) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte("{}"), 0o600))
	require.NoError(t, os.Chmod(path, mode))
	return path
}
