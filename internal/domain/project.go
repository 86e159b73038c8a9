package domain

import (
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// Project is one queued render job's identity and configuration.
type Project struct {
	id          string
	Name        string
	FilePath    string
	Settings    Settings
	PreviewPath string
}

// NewProject normalizes the file path, generates an id when empty and
// derives the name from the file's base name when empty.
func NewProject(id, name, filePath string, settings Settings) Project {
	filePath = cleanPath(filePath)
	id = strings.TrimSpace(id)
	if id == "" {
		id = uuid.NewString()
	}
	name = strings.TrimSpace(name)
	if name == "" && filePath != "" {
		name = filepath.Base(filePath)
	}
	return Project{
		id:       id,
		Name:     name,
		FilePath: filePath,
		Settings: settings,
	}
}

// ID returns the identifier assigned at construction.
func (p Project) ID() string {
	return p.id
}

// Stem returns the project file name without extension.
func (p Project) Stem() string {
	base := filepath.Base(p.FilePath)
	return strings.TrimSuffix(base, filepath.Ext(base))
}
