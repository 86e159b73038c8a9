package diagnostics

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"render-queue/internal/domain"
	"render-queue/internal/render"
)

// writeScripts creates stub engine scripts under dir.
func writeScripts(t *testing.T, dir string) render.Scripts {
	t.Helper()
	scripts := render.Scripts{
		Preview: filepath.Join(dir, "preview.py"),
		Render:  filepath.Join(dir, "render.py"),
		Inspect: filepath.Join(dir, "inspect.py"),
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir scripts: %v", err)
	}
	for _, path := range []string{scripts.Preview, scripts.Render, scripts.Inspect} {
		if err := os.WriteFile(path, []byte("import bpy"), 0o644); err != nil {
			t.Fatalf("write script: %v", err)
		}
	}
	return scripts
}

// TestCheckerRunAllPass validates happy-path diagnostics report.
func TestCheckerRunAllPass(t *testing.T) {
	root := t.TempDir()
	exe := filepath.Join(root, "blender")
	if err := os.WriteFile(exe, []byte("stub"), 0o755); err != nil {
		t.Fatalf("write engine: %v", err)
	}

	report := NewChecker().Run(Request{
		Executable: exe,
		Version:    "4.1.1",
		Scripts:    writeScripts(t, filepath.Join(root, "scripts")),
		OutputDir:  filepath.Join(root, "output"),
	})

	if report.HasFailures {
		t.Fatalf("expected no failures, got %+v", report.Items)
	}
	if report.Engine.Version != "4.1.1" {
		t.Fatalf("engine version = %q", report.Engine.Version)
	}
	for _, item := range report.Items {
		if item.ID == "engine_executable" && !strings.Contains(item.Message, "4.1.1") {
			t.Fatalf("engine message = %q, want version", item.Message)
		}
	}
}

// TestCheckerRunMissingEngineAndPaths validates failure reporting.
func TestCheckerRunMissingEngineAndPaths(t *testing.T) {
	report := NewChecker().Run(Request{
		Executable: "/path/that/does/not/exist/blender",
		Scripts:    render.Scripts{Render: "/nope/render.py"},
		OutputDir:  "",
	})

	if !report.HasFailures {
		t.Fatal("expected failures")
	}

	assertStatusByID(t, report, "engine_executable", domain.DiagnosticStatusFail)
	assertStatusByID(t, report, "engine_scripts", domain.DiagnosticStatusFail)
	assertStatusByID(t, report, "output_dir", domain.DiagnosticStatusFail)
}

// TestCheckerRejectsDirectoryAsEngine catches a common path mistake.
func TestCheckerRejectsDirectoryAsEngine(t *testing.T) {
	root := t.TempDir()
	report := NewChecker().Run(Request{
		Executable: root,
		Scripts:    writeScripts(t, filepath.Join(root, "scripts")),
		OutputDir:  filepath.Join(root, "out"),
	})

	assertStatusByID(t, report, "engine_executable", domain.DiagnosticStatusFail)
	assertStatusByID(t, report, "engine_scripts", domain.DiagnosticStatusPass)
}

// TestCheckerOutputDirNotWritable validates the write probe.
func TestCheckerOutputDirNotWritable(t *testing.T) {
	checker := NewCheckerForTests(
		os.Stat,
		func(string, os.FileMode) error { return nil },
		func(string, string) (*os.File, error) { return nil, errors.New("read-only file system") },
		os.Remove,
	)

	report := checker.Run(Request{OutputDir: "/mnt/readonly"})
	assertStatusByID(t, report, "output_dir", domain.DiagnosticStatusFail)
	assertStatusByID(t, report, "engine_executable", domain.DiagnosticStatusFail)
}

// assertStatusByID checks status for one diagnostic item by ID.
func assertStatusByID(t *testing.T, report domain.DiagnosticReport, id string, want domain.DiagnosticStatus) {
	t.Helper()
	for _, item := range report.Items {
		if item.ID == id {
			if item.Status != want {
				t.Fatalf("item %s: got %s, want %s", id, item.Status, want)
			}
			return
		}
	}
	t.Fatalf("diagnostic item not found: %s", id)
}
