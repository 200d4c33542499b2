package secrets

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"filippo.io/age"
	"filippo.io/age/armor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestVault(t *testing.T) (*Vault, *age.X25519Identity) {
	t.Helper()
	identity, err := age.GenerateX25519Identity()
	require.NoError(t, err)
	return NewVault(identity), identity
}

func TestSealAndOpen(t *testing.T) {
	t.Parallel()
	vault, _ := newTestVault(t)

	sealed, err := vault.Seal("hunter2")
	require.NoError(t, err)
	assert.True(t, IsSealed(sealed))
	assert.NotContains(t, sealed, "hunter2")

	again, err := vault.Seal(sealed)
	require.NoError(t, err)
	assert.Equal(t, sealed, again, "sealing is idempotent")

	opened, err := vault.Open(sealed)
	require.NoError(t, err)
	assert.Equal(t, "hunter2", opened)

	plain, err := vault.Open("not-secret")
	require.NoError(t, err)
	assert.Equal(t, "not-secret", plain)
}

func TestOpenWithWrongIdentityFails(t *testing.T) {
	t.Parallel()
	vault, _ := newTestVault(t)
	other, _ := newTestVault(t)
	sealed, err := vault.Seal("hunter2")
	require.NoError(t, err)
	_, err = other.Open(sealed)
	assert.Error(t, err)
}

func TestUnconfiguredVault(t *testing.T) {
	t.Parallel()
	var vault *Vault
	_, err := vault.Seal("x")
	assert.ErrorContains(t, err, "not configured")
	plain, err := vault.Open("x")
	require.NoError(t, err)
	assert.Equal(t, "x", plain)
	assert.Empty(t, vault.Recipient())
}

func TestGenerateAndLoadKeyFile(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "keys", "age.key")
	generated, err := GenerateKeyFile(path)
	require.NoError(t, err)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(keyFilePerms), info.Mode().Perm())

	_, err = GenerateKeyFile(path)
	assert.Error(t, err, "existing key is never overwritten")

	loaded, err := LoadVault(path)
	require.NoError(t, err)
	assert.Equal(t, generated.Recipient(), loaded.Recipient())
	assert.True(t, strings.HasPrefix(loaded.Recipient(), "age1"))

	sealed, err := generated.Seal("pw")
	require.NoError(t, err)
	opened, err := loaded.Open(sealed)
	require.NoError(t, err)
	assert.Equal(t, "pw", opened)
}

func TestLoadVaultErrors(t *testing.T) {
	t.Parallel()
	_, err := LoadVault("")
	assert.ErrorContains(t, err, "required")

	_, err = LoadVault(filepath.Join(t.TempDir(), "missing.key"))
	assert.ErrorContains(t, err, "read age key")

	empty := filepath.Join(t.TempDir(), "empty.key")
	require.NoError(t, os.WriteFile(empty, []byte("# nothing here\n"), 0o600))
	_, err = LoadVault(empty)
	assert.ErrorContains(t, err, "no age identities")
}

func TestReadFileDecryptsAgeFiles(t *testing.T) {
	t.Parallel()
	vault, identity := newTestVault(t)
	dir := t.TempDir()

	var binary bytes.Buffer
	w, err := age.Encrypt(&binary, identity.Recipient())
	require.NoError(t, err)
	_, err = w.Write([]byte("name: hostname\n"))
	require.NoError(t, err)
	require.NoError(t, w.Close())
	binPath := filepath.Join(dir, "app.yaml.age")
	require.NoError(t, os.WriteFile(binPath, binary.Bytes(), 0o600))

	var armored bytes.Buffer
	aw := armor.NewWriter(&armored)
	w, err = age.Encrypt(aw, identity.Recipient())
	require.NoError(t, err)
	_, err = w.Write([]byte("name: armored\n"))
	require.NoError(t, err)
	require.NoError(t, w.Close())
	require.NoError(t, aw.Close())
	armPath := filepath.Join(dir, "armored.AGE")
	require.NoError(t, os.WriteFile(armPath, armored.Bytes(), 0o600))

	plainPath := filepath.Join(dir, "plain.yaml")
	require.NoError(t, os.WriteFile(plainPath, []byte("name: plain\n"), 0o600))

	got, err := vault.ReadFile(binPath)
	require.NoError(t, err)
	assert.Equal(t, "name: hostname\n", string(got))

	got, err = vault.ReadFile(armPath)
	require.NoError(t, err)
	assert.Equal(t, "name: armored\n", string(got))

	got, err = vault.ReadFile(plainPath)
	require.NoError(t, err)
	assert.Equal(t, "name: plain\n", string(got))

	var none *Vault
	_, err = none.ReadFile(binPath)
	assert.ErrorContains(t, err, "age key is required")
}

func TestLoadOptionalVault(t *testing.T) {
	t.Parallel()
	vault, err := LoadOptionalVault(filepath.Join(t.TempDir(), "missing.key"))
	require.NoError(t, err)
	assert.Nil(t, vault)

	path := filepath.Join(t.TempDir(), "age.key")
	generated, err := GenerateKeyFile(path)
	require.NoError(t, err)
	loaded, err := LoadOptionalVault(path)
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, generated.Recipient(), loaded.Recipient())
}
