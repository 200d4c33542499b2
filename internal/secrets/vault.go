// Package secrets seals infrastructure parameter values with age.
//
// Values flagged secret are encrypted with the server's X25519 recipient
// before they reach the database and are only decrypted when the executor
// snapshot for a task is written. The same identity decrypts .age
// encrypted application definition files on import.
//
// Sealed values are ASCII armored so they fit in a TEXT column.
package secrets

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"filippo.io/age"
	"filippo.io/age/armor"
)

const keyFilePerms = 0o600

// Vault holds the identities used to open sealed values and the recipient
// new values are sealed to.
type Vault struct {
	KeyPath    string
	identities []age.Identity
	recipient  age.Recipient
}

// LoadVault reads an age identity file. The first X25519 identity in the
// file is also the sealing recipient.
func LoadVault(keyPath string) (*Vault, error) {
	if strings.TrimSpace(keyPath) == "" {
		return nil, errors.New("age key path is required")
	}
	keyData, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("read age key %s: %w", keyPath, err)
	}
	identities, err := parseAgeIdentities(keyData)
	if err != nil {
		return nil, err
	}
	first, ok := identities[0].(*age.X25519Identity)
	if !ok {
		return nil, errors.New("first age identity is not X25519")
	}
	return &Vault{KeyPath: keyPath, identities: identities, recipient: first.Recipient()}, nil
}

// LoadOptionalVault is LoadVault, except that a missing key file yields a
// nil vault and no error. Sealed values then cannot be created or opened.
func LoadOptionalVault(keyPath string) (*Vault, error) {
	if strings.TrimSpace(keyPath) == "" {
		return nil, nil
	}
	if _, err := os.Stat(keyPath); errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	return LoadVault(keyPath)
}

// NewVault wraps an in-memory identity.
func NewVault(identity *age.X25519Identity) *Vault {
	return &Vault{identities: []age.Identity{identity}, recipient: identity.Recipient()}
}

// GenerateKeyFile writes a fresh identity to path and refuses to overwrite
// an existing key.
func GenerateKeyFile(path string) (*Vault, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("age key path is required")
	}
	identity, err := age.GenerateX25519Identity()
	if err != nil {
		return nil, fmt.Errorf("generate age identity: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create key dir: %w", err)
	}
	file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, keyFilePerms)
	if err != nil {
		return nil, fmt.Errorf("create age key %s: %w", path, err)
	}
	defer file.Close()
	content := fmt.Sprintf("# public key: %s\n%s\n", identity.Recipient(), identity)
	if _, err := file.WriteString(content); err != nil {
		return nil, fmt.Errorf("write age key %s: %w", path, err)
	}
	vault := NewVault(identity)
	vault.KeyPath = path
	return vault, nil
}

// Recipient returns the public key values are sealed to.
func (v *Vault) Recipient() string {
	if v == nil || v.recipient == nil {
		return ""
	}
	if r, ok := v.recipient.(*age.X25519Recipient); ok {
		return r.String()
	}
	return ""
}

// IsSealed reports whether value is an armored age payload.
func IsSealed(value string) bool {
	return strings.HasPrefix(strings.TrimSpace(value), armor.Header)
}

// Seal encrypts value. Already sealed values are returned unchanged so a
// definition can be re-imported.
func (v *Vault) Seal(value string) (string, error) {
	if v == nil || v.recipient == nil {
		return "", errors.New("secrets vault is not configured")
	}
	if IsSealed(value) {
		return value, nil
	}
	var buf bytes.Buffer
	armored := armor.NewWriter(&buf)
	writer, err := age.Encrypt(armored, v.recipient)
	if err != nil {
		return "", fmt.Errorf("age encrypt: %w", err)
	}
	if _, err := io.WriteString(writer, value); err != nil {
		return "", fmt.Errorf("write age payload: %w", err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("close age writer: %w", err)
	}
	if err := armored.Close(); err != nil {
		return "", fmt.Errorf("close armor writer: %w", err)
	}
	return buf.String(), nil
}

// Open decrypts a sealed value. Plain values pass through.
func (v *Vault) Open(value string) (string, error) {
	if !IsSealed(value) {
		return value, nil
	}
	if v == nil || len(v.identities) == 0 {
		return "", errors.New("secrets vault is not configured")
	}
	reader, err := age.Decrypt(armor.NewReader(strings.NewReader(strings.TrimSpace(value))), v.identities...)
	if err != nil {
		return "", fmt.Errorf("age decrypt: %w", err)
	}
	payload, err := io.ReadAll(reader)
	if err != nil {
		return "", fmt.Errorf("read age payload: %w", err)
	}
	return string(payload), nil
}

// ReadFile returns the contents of path, decrypting files ending in .age.
func (v *Vault) ReadFile(path string) ([]byte, error) {
	if !strings.HasSuffix(strings.ToLower(path), ".age") {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
		return data, nil
	}
	if v == nil || len(v.identities) == 0 {
		return nil, fmt.Errorf("age key is required to read %s", path)
	}
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer file.Close()
	var src io.Reader = bufio.NewReader(file)
	if peek, _ := src.(*bufio.Reader).Peek(len(armor.Header)); string(peek) == armor.Header {
		src = armor.NewReader(src)
	}
	reader, err := age.Decrypt(src, v.identities...)
	if err != nil {
		return nil, fmt.Errorf("decrypt %s: %w", path, err)
	}
	payload, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return payload, nil
}

func parseAgeIdentities(data []byte) ([]age.Identity, error) {
	var identities []age.Identity
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if !strings.HasPrefix(line, "AGE-SECRET-KEY-") {
			continue
		}
		identity, err := age.ParseX25519Identity(line)
		if err != nil {
			return nil, fmt.Errorf("parse age identity: %w", err)
		}
		identities = append(identities, identity)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read age key: %w", err)
	}
	if len(identities) == 0 {
		return nil, errors.New("no age identities found")
	}
	return identities, nil
}
