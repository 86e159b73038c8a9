package diagnostics

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"render-queue/internal/domain"
	"render-queue/internal/render"
)

// Request lists what a project render needs from the environment.
type Request struct {
	Executable string
	Version    string
	Scripts    render.Scripts
	OutputDir  string
}

// Checker validates the render engine and required filesystem paths.
type Checker struct {
	stat       func(string) (os.FileInfo, error)
	mkdirAll   func(string, os.FileMode) error
	createTemp func(string, string) (*os.File, error)
	remove     func(string) error
}

// NewChecker builds a checker using real OS dependencies.
func NewChecker() *Checker {
	return &Checker{
		stat:       os.Stat,
		mkdirAll:   os.MkdirAll,
		createTemp: os.CreateTemp,
		remove:     os.Remove,
	}
}

// Run executes all checks and returns a combined report.
func (c *Checker) Run(req Request) domain.DiagnosticReport {
	items := []domain.DiagnosticItem{
		c.checkExecutable(req.Executable, req.Version),
		c.checkScripts(req.Scripts),
		c.checkOutputDir(req.OutputDir),
	}

	hasFailures := false
	for _, item := range items {
		if item.Status == domain.DiagnosticStatusFail {
			hasFailures = true
			break
		}
	}

	return domain.DiagnosticReport{
		GeneratedAt: time.Now().UTC(),
		HasFailures: hasFailures,
		Engine:      domain.EngineInfo{Path: req.Executable, Version: req.Version},
		Items:       items,
	}
}

// checkExecutable verifies the configured render engine binary.
func (c *Checker) checkExecutable(path, version string) domain.DiagnosticItem {
	item := domain.DiagnosticItem{
		ID:   "engine_executable",
		Name: "Render engine",
	}

	if strings.TrimSpace(path) == "" {
		item.Status = domain.DiagnosticStatusFail
		item.Message = "Render engine path is empty."
		item.Hint = "Install Blender or add its executable in the engine list."
		return item
	}

	info, err := c.stat(path)
	if err != nil {
		item.Status = domain.DiagnosticStatusFail
		if IsNotExist(err) {
			item.Message = fmt.Sprintf("Render engine does not exist: %s", path)
		} else {
			item.Message = fmt.Sprintf("Cannot access render engine: %s", path)
		}
		item.Hint = "Select an existing Blender executable."
		return item
	}
	if info.IsDir() {
		item.Status = domain.DiagnosticStatusFail
		item.Message = fmt.Sprintf("Render engine path is a directory: %s", path)
		item.Hint = "Point to the executable inside the installation, not the folder."
		return item
	}

	item.Status = domain.DiagnosticStatusPass
	item.Message = fmt.Sprintf("Found at %s", path)
	if version != "" {
		item.Message += fmt.Sprintf(" (version %s)", version)
	}
	return item
}

// checkScripts verifies the engine-side scripts were installed.
func (c *Checker) checkScripts(scripts render.Scripts) domain.DiagnosticItem {
	item := domain.DiagnosticItem{
		ID:   "engine_scripts",
		Name: "Engine scripts",
	}

	var missing []string
	for _, path := range []string{scripts.Preview, scripts.Render, scripts.Inspect} {
		if path == "" {
			missing = append(missing, "(unset)")
			continue
		}
		if _, err := c.stat(path); err != nil {
			missing = append(missing, filepath.Base(path))
		}
	}
	if len(missing) > 0 {
		item.Status = domain.DiagnosticStatusFail
		item.Message = "Missing engine scripts: " + strings.Join(missing, ", ")
		item.Hint = "Restart the application to reinstall the scripts, or check the scripts_dir setting."
		return item
	}

	item.Status = domain.DiagnosticStatusPass
	item.Message = fmt.Sprintf("Scripts installed in %s", filepath.Dir(scripts.Render))
	return item
}

// checkOutputDir validates output directory existence and write access.
func (c *Checker) checkOutputDir(outputDir string) domain.DiagnosticItem {
	item := domain.DiagnosticItem{
		ID:   "output_dir",
		Name: "Output directory",
	}

	if strings.TrimSpace(outputDir) == "" {
		item.Status = domain.DiagnosticStatusFail
		item.Message = "Output directory is empty."
		item.Hint = "Set an output directory where rendered frames can be written."
		return item
	}

	if err := c.mkdirAll(outputDir, 0o755); err != nil {
		item.Status = domain.DiagnosticStatusFail
		item.Message = fmt.Sprintf("Cannot create output directory: %s", outputDir)
		item.Hint = "Choose a writable location or adjust filesystem permissions."
		return item
	}

	tmpFile, err := c.createTemp(outputDir, ".write-check-*")
	if err != nil {
		item.Status = domain.DiagnosticStatusFail
		item.Message = fmt.Sprintf("Output directory is not writable: %s", outputDir)
		item.Hint = "Choose a writable directory for render output."
		return item
	}

	tmpPath := tmpFile.Name()
	_ = tmpFile.Close()
	_ = c.remove(tmpPath)

	item.Status = domain.DiagnosticStatusPass
	item.Message = fmt.Sprintf("Writable directory: %s", outputDir)
	return item
}

// NewCheckerForTests creates checker with injectable dependencies.
func NewCheckerForTests(
	stat func(string) (os.FileInfo, error),
	mkdirAll func(string, os.FileMode) error,
	createTemp func(string, string) (*os.File, error),
	remove func(string) error,
) *Checker {
	return &Checker{
		stat:       stat,
		mkdirAll:   mkdirAll,
		createTemp: createTemp,
		remove:     remove,
	}
}

// IsNotExist reports whether error represents file-not-found.
func IsNotExist(err error) bool {
	return errors.Is(err, fs.ErrNotExist)
}
