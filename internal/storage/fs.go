package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"
)

const tmpPrefix = ".myvault-tmp-"

// FS implements BlobStore backed by the local file system.
type FS struct {
	root   string // absolute path to blob directory
	signer *Signer
}

// NewFS creates a new FS blob store rooted at the given directory.
// The directory must already exist. signer may be nil, in which case
// AccessURL is unavailable.
func NewFS(root string, signer *Signer) (*FS, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("storage: resolve root: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("storage: stat root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("storage: root is not a directory: %s", abs)
	}
	return &FS{root: abs, signer: signer}, nil
}

// Root returns the absolute blob directory.
func (f *FS) Root() string { return f.root }

// safePath resolves a blob reference against the root and rejects any
// result that escapes it.
func (f *FS) safePath(ref string) (string, error) {
	if ref == "" || strings.HasPrefix(ref, "/") || strings.Contains(ref, "\\") {
		return "", fmt.Errorf("storage: invalid blob ref: %q", ref)
	}
	cleaned := path.Clean(ref)
	if cleaned != ref || cleaned == "." || strings.HasPrefix(cleaned, "..") {
		return "", fmt.Errorf("storage: invalid blob ref: %q", ref)
	}
	abs := filepath.Join(f.root, filepath.FromSlash(cleaned))
	if !strings.HasPrefix(abs, f.root+string(os.PathSeparator)) {
		return "", fmt.Errorf("storage: blob ref escapes root: %q", ref)
	}
	return abs, nil
}

// Ref builds the blob reference for scope and key.
func Ref(scope, key string) string {
	return scope + "/" + key
}

// Put atomically writes data: tmp file → fsync → rename.
func (f *FS) Put(ctx context.Context, scope, key string, data []byte, _ string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if scope == "" || key == "" || strings.Contains(scope, "/") {
		return "", fmt.Errorf("storage: scope and key are required")
	}
	ref := Ref(scope, key)
	abs, err := f.safePath(ref)
	if err != nil {
		return "", err
	}
	dir := filepath.Dir(abs)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("storage: mkdir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, tmpPrefix+"*")
	if err != nil {
		return "", fmt.Errorf("storage: create temp: %w", err)
	}
	tmpName := tmp.Name()

	success := false
	defer func() {
		if !success {
			_ = tmp.Close()
			_ = os.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		return "", fmt.Errorf("storage: write temp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return "", fmt.Errorf("storage: fsync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("storage: close temp: %w", err)
	}
	if err := os.Rename(tmpName, abs); err != nil {
		return "", fmt.Errorf("storage: rename: %w", err)
	}
	success = true
	return ref, nil
}

// Read returns the bytes stored under ref.
func (f *FS) Read(ref string) ([]byte, error) {
	abs, err := f.safePath(ref)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return nil, fmt.Errorf("storage: read %s: %w", ref, err)
	}
	return data, nil
}

// Exists reports whether ref is present on disk.
func (f *FS) Exists(_ context.Context, ref string) (bool, error) {
	abs, err := f.safePath(ref)
	if err != nil {
		return false, err
	}
	if _, err := os.Stat(abs); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("storage: stat %s: %w", ref, err)
	}
	return true, nil
}

// Delete removes a blob. Missing blobs are ignored.
func (f *FS) Delete(_ context.Context, ref string) error {
	abs, err := f.safePath(ref)
	if err != nil {
		return err
	}
	if err := os.Remove(abs); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("storage: delete %s: %w", ref, err)
	}
	// Drop the per-artifact directory once it is empty.
	_ = os.Remove(filepath.Dir(abs))
	return nil
}

// AccessURL returns a signed download URL for ref.
func (f *FS) AccessURL(ref string, ttl time.Duration) (string, error) {
	if f.signer == nil {
		return "", fmt.Errorf("storage: url signing is not configured")
	}
	if _, err := f.safePath(ref); err != nil {
		return "", err
	}
	return f.signer.Sign(ref, ttl), nil
}

// HealthCheck writes and removes a probe file under the root.
func (f *FS) HealthCheck(_ context.Context) error {
	probe, err := os.CreateTemp(f.root, tmpPrefix+"health-*")
	if err != nil {
		return fmt.Errorf("storage: health probe: %w", err)
	}
	name := probe.Name()
	_ = probe.Close()
	return os.Remove(name)
}

// RefForPath converts an absolute file path under the root into a blob
// reference. ok is false for paths outside the root and for temp files.
func (f *FS) RefForPath(abs string) (string, bool) {
	rel, err := filepath.Rel(f.root, abs)
	if err != nil || strings.HasPrefix(rel, "..") {
		return "", false
	}
	if strings.HasPrefix(filepath.Base(rel), tmpPrefix) {
		return "", false
	}
	return filepath.ToSlash(rel), true
}

var _ BlobStore = (*FS)(nil)
