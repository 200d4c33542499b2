// Package sandbox manages per-task I/O directories on the local filesystem.
//
// Every task gets a directory named by a random UUID under the configured
// root. Input files are copied or uploaded into it, the executor snapshot
// is written next to them, and the executor later drops outputs there.
// All writes go through a temp file and a rename so readers never observe a
// partially written file.
package sandbox

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	dirPerms  = 0o750
	filePerms = 0o640
)

var (
	// ErrInvalidName is returned for file names that are empty or try to
	// leave the sandbox.
	ErrInvalidName = errors.New("invalid file name")
	// ErrTooLarge is returned when an upload exceeds the configured limit.
	ErrTooLarge = errors.New("file exceeds size limit")
)

// Manager allocates directories under a single root.
type Manager struct {
	root  string
	newID func() string
}

func NewManager(root string) *Manager {
	return &Manager{root: filepath.Clean(root), newID: func() string { return uuid.New().String() }}
}

func (m *Manager) Root() string {
	return m.root
}

// Allocate creates a fresh, empty directory named by a new UUID.
func (m *Manager) Allocate() (string, error) {
	if strings.TrimSpace(m.root) == "" || m.root == "." {
		return "", errors.New("sandbox root is not configured")
	}
	if err := os.MkdirAll(m.root, dirPerms); err != nil {
		return "", fmt.Errorf("create sandbox root %s: %w", m.root, err)
	}
	dir := filepath.Join(m.root, m.newID())
	if err := os.Mkdir(dir, dirPerms); err != nil {
		return "", fmt.Errorf("create sandbox %s: %w", dir, err)
	}
	return dir, nil
}

// Subdir returns root/name, creating it when missing.
func (m *Manager) Subdir(name string) (string, error) {
	clean, err := SanitizeName(name)
	if err != nil {
		return "", err
	}
	dir := filepath.Join(m.root, clean)
	if err := os.MkdirAll(dir, dirPerms); err != nil {
		return "", fmt.Errorf("create directory %s: %w", dir, err)
	}
	return dir, nil
}

// Contains reports whether path resolves inside the root.
func (m *Manager) Contains(path string) bool {
	rel, err := filepath.Rel(m.root, filepath.Clean(path))
	if err != nil {
		return false
	}
	return rel != "." && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// SanitizeName reduces a client supplied name to its final path element.
// Directory components and backslashes are stripped; ".", ".." and names
// with NUL bytes are rejected.
func SanitizeName(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if strings.ContainsRune(raw, 0) {
		return "", fmt.Errorf("%w: contains NUL", ErrInvalidName)
	}
	name := filepath.Base(strings.ReplaceAll(raw, "\\", "/"))
	switch name {
	case "", ".", "..", "/":
		return "", fmt.Errorf("%w: %q", ErrInvalidName, raw)
	}
	return name, nil
}

// SavedFile describes a file written into a sandbox.
type SavedFile struct {
	Name   string
	Path   string
	Size   int64
	SHA256 string
	MIME   string
}

// Save streams r into dir/name. A limit of zero or less disables the size
// check.
func Save(dir, name string, r io.Reader, limit int64) (SavedFile, error) {
	clean, err := SanitizeName(name)
	if err != nil {
		return SavedFile{}, err
	}
	target := filepath.Join(dir, clean)
	if limit > 0 {
		r = io.LimitReader(r, limit+1)
	}
	hash := sha256.New()
	var sniff [512]byte
	n, readErr := io.ReadFull(r, sniff[:])
	if readErr != nil && !errors.Is(readErr, io.EOF) && !errors.Is(readErr, io.ErrUnexpectedEOF) {
		return SavedFile{}, fmt.Errorf("read %s: %w", clean, readErr)
	}
	size, err := writeAtomic(target, func(w io.Writer) (int64, error) {
		mw := io.MultiWriter(w, hash)
		if _, err := mw.Write(sniff[:n]); err != nil {
			return 0, err
		}
		copied, err := io.Copy(mw, r)
		total := int64(n) + copied
		if limit > 0 && total > limit {
			return total, ErrTooLarge
		}
		return total, err
	})
	if err != nil {
		return SavedFile{}, err
	}
	return SavedFile{
		Name:   clean,
		Path:   target,
		Size:   size,
		SHA256: hex.EncodeToString(hash.Sum(nil)),
		MIME:   http.DetectContentType(sniff[:n]),
	}, nil
}

// CopyFile copies src into dir, keeping the given name, and returns the
// new path.
func CopyFile(dir, name, src string) (string, error) {
	in, err := os.Open(src)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", src, err)
	}
	defer in.Close()
	saved, err := Save(dir, name, in, 0)
	if err != nil {
		return "", fmt.Errorf("copy %s: %w", src, err)
	}
	return saved.Path, nil
}

// WriteJSON atomically writes v as indented JSON to path.
func WriteJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", filepath.Base(path), err)
	}
	data = append(data, '\n')
	_, err = writeAtomic(path, func(w io.Writer) (int64, error) {
		n, err := w.Write(data)
		return int64(n), err
	})
	return err
}

// Remove deletes a file, treating a missing file as success.
func Remove(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove %s: %w", path, err)
	}
	return nil
}

func writeAtomic(target string, fill func(io.Writer) (int64, error)) (int64, error) {
	tmpPath := target + ".tmp-" + randomSuffix()
	file, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_EXCL, filePerms)
	if err != nil {
		return 0, fmt.Errorf("create %s: %w", filepath.Base(target), err)
	}
	size, err := fill(file)
	if err == nil {
		err = file.Sync()
	}
	if closeErr := file.Close(); err == nil {
		err = closeErr
	}
	if err == nil {
		err = os.Rename(tmpPath, target)
	}
	if err != nil {
		_ = os.Remove(tmpPath)
		if errors.Is(err, ErrTooLarge) {
			return size, err
		}
		return size, fmt.Errorf("write %s: %w", filepath.Base(target), err)
	}
	return size, nil
}

func randomSuffix() string {
	buf := make([]byte, 6)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(buf)
}
