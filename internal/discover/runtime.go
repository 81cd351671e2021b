package discover

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// ErrNoRuntime is returned when a JRE/JDK home has no recognizable runtime classes.
var ErrNoRuntime = errors.New("no runtime classes found")

// Runtime lists the platform bytecode containers of a JRE or JDK home.
// Modular runtimes (9+) yield jmods/*.jmod; legacy ones yield lib/*.jar and
// lib/ext/*.jar, also looking under an embedded jre/ directory.
func Runtime(javaHome string) ([]string, error) {
	home, err := filepath.Abs(javaHome)
	if err != nil {
		return nil, err
	}
	if mods, _ := filepath.Glob(filepath.Join(home, "jmods", "*.jmod")); len(mods) > 0 {
		sort.Strings(mods)
		return mods, nil
	}
	var jars []string
	for _, base := range []string{home, filepath.Join(home, "jre")} {
		for _, sub := range []string{"lib", filepath.Join("lib", "ext")} {
			matches, _ := filepath.Glob(filepath.Join(base, sub, "*.jar"))
			jars = append(jars, matches...)
		}
	}
	if len(jars) == 0 {
		return nil, fmt.Errorf("java home %s: %w", home, ErrNoRuntime)
	}
	sort.Strings(jars)
	return jars, nil
}

// RuntimeVersion reads JAVA_VERSION from the release file of a Java home.
func RuntimeVersion(javaHome string) (string, error) {
	f, err := os.Open(filepath.Join(javaHome, "release"))
	if err != nil {
		return "", err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		key, value, ok := strings.Cut(scanner.Text(), "=")
		if ok && strings.TrimSpace(key) == "JAVA_VERSION" {
			return strings.Trim(strings.TrimSpace(value), `"`), nil
		}
	}
	if err := scanner.Err(); err != nil {
		return "", err
	}
	return "", fmt.Errorf("java home %s: JAVA_VERSION not set in release file", javaHome)
}
