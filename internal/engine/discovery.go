package engine

import (
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
)

// Source tells where an executable was found.
type Source string

const (
	SourceBundle Source = "bundle"
	SourcePath   Source = "path"
	SourceKnown  Source = "known"
)

// Locator finds render engine executables on the host.
type Locator struct {
	goos     string
	home     string
	lookPath func(string) (string, error)
	stat     func(string) (os.FileInfo, error)
}

// NewLocator builds a locator using real OS dependencies.
func NewLocator() *Locator {
	home, _ := os.UserHomeDir()
	return &Locator{
		goos:     runtime.GOOS,
		home:     home,
		lookPath: exec.LookPath,
		stat:     os.Stat,
	}
}

// NewLocatorForTests creates a locator with injectable dependencies.
func NewLocatorForTests(
	goos, home string,
	lookPath func(string) (string, error),
	stat func(string) (os.FileInfo, error),
) *Locator {
	return &Locator{goos: goos, home: home, lookPath: lookPath, stat: stat}
}

// Find returns the first usable executable. Application bundles win over
// PATH, and PATH wins over previously recorded paths.
func (l *Locator) Find(known []string) (string, Source, bool) {
	for _, path := range l.bundlePaths() {
		if l.exists(path) {
			return path, SourceBundle, true
		}
	}
	if path, err := l.lookPath(l.binaryName()); err == nil {
		return path, SourcePath, true
	}
	for _, path := range known {
		if path != "" && l.exists(path) {
			return path, SourceKnown, true
		}
	}
	return "", "", false
}

func (l *Locator) bundlePaths() []string {
	if l.goos != "darwin" {
		return nil
	}
	paths := []string{"/Applications/Blender.app/Contents/MacOS/Blender"}
	if l.home != "" {
		paths = append(paths, filepath.Join(l.home, "Applications", "Blender.app", "Contents", "MacOS", "Blender"))
	}
	return paths
}

func (l *Locator) binaryName() string {
	switch l.goos {
	case "windows":
		return "blender.exe"
	case "darwin":
		return "Blender"
	default:
		return "blender"
	}
}

func (l *Locator) exists(path string) bool {
	info, err := l.stat(path)
	return err == nil && !info.IsDir()
}
