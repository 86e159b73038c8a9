package engine

import (
	"bytes"
	"embed"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"render-queue/internal/render"
)

//go:embed scripts/*.py
var scriptFS embed.FS

// Install writes the engine-side scripts into dir, rewriting only files whose
// content changed, and returns their paths.
func Install(dir string) (render.Scripts, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return render.Scripts{}, fmt.Errorf("create scripts dir: %w", err)
	}

	entries, err := fs.ReadDir(scriptFS, "scripts")
	if err != nil {
		return render.Scripts{}, fmt.Errorf("read embedded scripts: %w", err)
	}
	for _, entry := range entries {
		data, err := scriptFS.ReadFile("scripts/" + entry.Name())
		if err != nil {
			return render.Scripts{}, fmt.Errorf("read embedded %s: %w", entry.Name(), err)
		}
		target := filepath.Join(dir, entry.Name())
		if existing, err := os.ReadFile(target); err == nil && bytes.Equal(existing, data) {
			continue
		}
		if err := os.WriteFile(target, data, 0o644); err != nil {
			return render.Scripts{}, fmt.Errorf("write %s: %w", target, err)
		}
	}

	return ScriptsIn(dir), nil
}

// ScriptsIn returns the script paths inside dir without touching disk.
func ScriptsIn(dir string) render.Scripts {
	return render.Scripts{
		Preview: filepath.Join(dir, "preview.py"),
		Render:  filepath.Join(dir, "render.py"),
		Inspect: filepath.Join(dir, "inspect.py"),
	}
}
