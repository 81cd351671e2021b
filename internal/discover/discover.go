package discover

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/DeusData/classpath-memory-mcp/internal/classfile"
)

// IGNORE_PATTERNS are directory names to skip during discovery. Build output
// directories (build, target, out, bin) are deliberately absent: that is where
// compiled classes live.
var IGNORE_PATTERNS = map[string]bool{
	".cache": true, ".claude": true, ".eclipse": true, ".git": true,
	".gradle": true, ".hg": true, ".idea": true, ".m2": true,
	".mvn": true, ".svn": true, ".tmp": true, ".vs": true,
	".vscode": true, "node_modules": true, "tmp": true, "temp": true,
}

// Kind of a discovered bytecode container.
type Kind string

const (
	Archive  Kind = "archive"
	ClassDir Kind = "classes"
)

// Found is a discovered bytecode container.
type Found struct {
	Path    string // absolute path
	RelPath string // relative to the discovery root
	Kind    Kind
}

// Options configures discovery.
type Options struct {
	IgnoreFile string // path to .cpmignore file (optional)
}

// shouldSkipDir returns true if the directory should be skipped during discovery.
func shouldSkipDir(name, rel string, extraIgnore []string) bool {
	if IGNORE_PATTERNS[name] {
		return true
	}
	for _, pattern := range extraIgnore {
		if matched, _ := filepath.Match(pattern, name); matched {
			return true
		}
		if matched, _ := filepath.Match(pattern, rel); matched {
			return true
		}
	}
	return false
}

func isArchive(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".jar", ".jmod":
		return true
	}
	return false
}

// Discover walks root and returns every jar/jmod plus every class directory
// (the directory at which class files' package paths begin).
func Discover(ctx context.Context, root string, opts *Options) ([]Found, error) {
	root, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}

	// Check cancellation before starting walk
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	info, err := os.Stat(root)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		if isArchive(root) {
			return []Found{{Path: root, RelPath: filepath.Base(root), Kind: Archive}}, nil
		}
		return nil, fmt.Errorf("discover %s: not a directory or archive", root)
	}

	var extraIgnore []string
	if opts != nil && opts.IgnoreFile != "" {
		extraIgnore, _ = loadIgnoreFile(opts.IgnoreFile)
	} else {
		extraIgnore, _ = loadIgnoreFile(filepath.Join(root, ".cpmignore"))
	}

	var found []Found
	classRoots := map[string]bool{}

	err = filepath.Walk(root, func(path string, info os.FileInfo, walkErr error) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if walkErr != nil {
			return filepath.SkipDir
		}
		rel, _ := filepath.Rel(root, path)

		if info.IsDir() {
			if path != root && shouldSkipDir(info.Name(), rel, extraIgnore) {
				return filepath.SkipDir
			}
			return nil
		}

		if isArchive(path) {
			found = append(found, Found{Path: path, RelPath: filepath.ToSlash(rel), Kind: Archive})
			return nil
		}
		if !strings.HasSuffix(path, ".class") || underRoot(path, classRoots) {
			return nil
		}
		if cr, ok := classRoot(path); ok && !classRoots[cr] {
			classRoots[cr] = true
			crRel, _ := filepath.Rel(root, cr)
			found = append(found, Found{Path: cr, RelPath: filepath.ToSlash(crRel), Kind: ClassDir})
		}
		return nil
	})

	sort.Slice(found, func(i, j int) bool { return found[i].Path < found[j].Path })
	return found, err
}

func underRoot(path string, roots map[string]bool) bool {
	for dir := filepath.Dir(path); ; dir = filepath.Dir(dir) {
		if roots[dir] {
			return true
		}
		if parent := filepath.Dir(dir); parent == dir {
			return false
		}
	}
}

// classRoot derives the class directory from a class file's declared name:
// a/b/C.class declaring a/b/C lives under the root two levels up.
func classRoot(path string) (string, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", false
	}
	cf, err := classfile.ParseInfo(data)
	if err != nil {
		return "", false
	}
	suffix := filepath.FromSlash(cf.Name) + ".class"
	if !strings.HasSuffix(path, string(filepath.Separator)+suffix) {
		return "", false
	}
	return strings.TrimSuffix(path, string(filepath.Separator)+suffix), true
}

func loadIgnoreFile(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var patterns []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" && !strings.HasPrefix(line, "#") {
			patterns = append(patterns, line)
		}
	}
	return patterns, scanner.Err()
}
