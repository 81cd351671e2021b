// Package location models bytecode containers (jars, jmods and class
// directories) and the class sources they produce.
package location

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/zeebo/xxh3"
)

// Kind is the container format of a location.
type Kind string

const (
	KindJar  Kind = "jar"
	KindJMod Kind = "jmod"
	KindDir  Kind = "dir"
)

// ErrClassNotFound is returned by Resolve when the location has no such class.
var ErrClassNotFound = errors.New("class not found in location")

// Location is an immutable, versioned handle to one bytecode container.
type Location interface {
	Path() string
	Kind() Kind
	// Fingerprint identifies the container's content at the time the handle was created.
	Fingerprint() string
	IsRuntime() bool
	// Walk calls fn with the dotted class name and raw bytes of every class.
	Walk(ctx context.Context, fn func(name string, data []byte) error) error
	// Resolve reads the bytes of one class.
	Resolve(name string) ([]byte, error)
	// Refreshed re-reads the container from disk. exists is false when the
	// backing path vanished.
	Refreshed() (fresh Location, exists bool, err error)
}

// Identity is the dedup key of a location: canonical path plus content fingerprint.
type Identity struct {
	Path        string
	Fingerprint string
}

func (id Identity) String() string {
	fp := id.Fingerprint
	if len(fp) > 8 {
		fp = fp[:8]
	}
	return id.Path + "@" + fp
}

// IdentityOf returns the identity of l.
func IdentityOf(l Location) Identity {
	return Identity{Path: l.Path(), Fingerprint: l.Fingerprint()}
}

// IsOutdated reports whether the on-disk container no longer matches l.
func IsOutdated(l Location) (bool, error) {
	fresh, exists, err := l.Refreshed()
	if err != nil {
		return false, err
	}
	return !exists || fresh.Fingerprint() != l.Fingerprint(), nil
}

type fileLocation struct {
	path        string
	kind        Kind
	fingerprint string
	runtime     bool
}

// FromPath opens a location at path, detecting its kind and computing its
// fingerprint. The path is made absolute.
func FromPath(path string, runtime bool) (Location, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("location %s: %w", abs, err)
	}
	kind, err := kindOf(abs, info)
	if err != nil {
		return nil, err
	}
	loc := &fileLocation{path: abs, kind: kind, runtime: runtime}
	if loc.fingerprint, err = fingerprint(abs, kind); err != nil {
		return nil, fmt.Errorf("fingerprint %s: %w", abs, err)
	}
	return loc, nil
}

// Restore rebuilds a handle from persisted metadata without touching disk.
func Restore(path string, kind Kind, fingerprint string, runtime bool) Location {
	return &fileLocation{path: path, kind: kind, fingerprint: fingerprint, runtime: runtime}
}

func kindOf(path string, info fs.FileInfo) (Kind, error) {
	if info.IsDir() {
		return KindDir, nil
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".jar", ".zip":
		return KindJar, nil
	case ".jmod":
		return KindJMod, nil
	}
	return "", fmt.Errorf("location %s: not a jar, jmod or directory", path)
}

func (l *fileLocation) Path() string        { return l.path }
func (l *fileLocation) Kind() Kind          { return l.kind }
func (l *fileLocation) Fingerprint() string { return l.fingerprint }
func (l *fileLocation) IsRuntime() bool     { return l.runtime }

func (l *fileLocation) String() string {
	return string(l.kind) + ":" + l.path
}

func (l *fileLocation) Refreshed() (Location, bool, error) {
	fresh, err := FromPath(l.path, l.runtime)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, true, err
	}
	return fresh, true, nil
}

func (l *fileLocation) Walk(ctx context.Context, fn func(name string, data []byte) error) error {
	if l.kind == KindDir {
		return walkDir(ctx, l.path, fn)
	}
	a, err := openArchive(l.path, l.kind)
	if err != nil {
		return err
	}
	defer a.Close()
	return a.walk(ctx, fn)
}

func (l *fileLocation) Resolve(name string) ([]byte, error) {
	if l.kind == KindDir {
		data, err := os.ReadFile(filepath.Join(l.path, filepath.FromSlash(entryName(name))))
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%s in %s: %w", name, l.path, ErrClassNotFound)
		}
		return data, err
	}
	a, err := openArchive(l.path, l.kind)
	if err != nil {
		return nil, err
	}
	defer a.Close()
	data, err := a.read(name)
	if err != nil {
		return nil, fmt.Errorf("%s in %s: %w", name, l.path, err)
	}
	return data, nil
}

func walkDir(ctx context.Context, root string, fn func(name string, data []byte) error) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() {
			if path != root && strings.EqualFold(d.Name(), "META-INF") {
				return filepath.SkipDir
			}
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		name, ok := className(filepath.ToSlash(rel))
		if !ok {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		return fn(name, data)
	})
}

// className maps an entry path to a dotted class name; ok is false for
// non-class entries and module descriptors.
func className(entry string) (string, bool) {
	if !strings.HasSuffix(entry, ".class") {
		return "", false
	}
	base := strings.TrimSuffix(entry, ".class")
	if base == "module-info" || strings.HasSuffix(base, "/module-info") {
		return "", false
	}
	return strings.ReplaceAll(base, "/", "."), true
}

func entryName(name string) string {
	return strings.ReplaceAll(name, ".", "/") + ".class"
}

func fingerprint(path string, kind Kind) (string, error) {
	if kind == KindDir {
		return dirFingerprint(path)
	}
	return fileHash(path)
}

func fileHash(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := xxh3.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// dirFingerprint hashes the sorted relpath|mtime|size lines of every class file.
func dirFingerprint(root string) (string, error) {
	var lines []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(path, ".class") {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		rel, _ := filepath.Rel(root, path)
		lines = append(lines, fmt.Sprintf("%s|%d|%d", filepath.ToSlash(rel), info.ModTime().UnixNano(), info.Size()))
		return nil
	})
	if err != nil {
		return "", err
	}
	sort.Strings(lines)
	h := xxh3.New()
	for _, line := range lines {
		_, _ = h.WriteString(line)
		_, _ = h.WriteString("\n")
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
