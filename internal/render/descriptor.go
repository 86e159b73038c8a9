package render

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"

	"render-queue/internal/domain"
)

// Forced parameters of the preview profile.
const (
	PreviewWidth   = 512
	PreviewHeight  = 288
	PreviewSamples = 16
	PreviewFormat  = "PNG"
)

// Scripts are the engine-side entry points passed after --script.
type Scripts struct {
	Preview string
	Render  string
	Inspect string
}

// Params are the effective render parameters of one descriptor.
type Params struct {
	Width      int
	Height     int
	Scale      int
	Samples    int
	Format     string
	Engine     domain.Engine
	Kind       domain.RenderKind
	Denoise    bool
	Device     domain.Device
	Threads    int
	Frame      int
	FrameStart int
	FrameEnd   int
	FrameStep  int
	FPS        int
	FPSBase    float64
	Output     string
	Filename   string
	// Ephemeral marks output routed to the engine's temporary location.
	Ephemeral bool
}

// Descriptor is the fully resolved invocation of one job.
type Descriptor struct {
	JobID      string
	ProjectID  string
	Kind       domain.JobKind
	Executable string
	Script     string
	Args       []string
	Params     Params
}

// Argv returns executable followed by the argument list.
func (d Descriptor) Argv() []string {
	return append([]string{d.Executable}, d.Args...)
}

// String renders the invocation for logs.
func (d Descriptor) String() string {
	return strings.Join(d.Argv(), " ")
}

// Builder turns a project snapshot into a Descriptor.
type Builder struct {
	scripts Scripts
	stat    func(string) (os.FileInfo, error)

	mu                sync.RWMutex
	defaultExecutable string
}

// BuilderOption customizes a Builder.
type BuilderOption func(*Builder)

// WithDefaultExecutable sets the engine used when a project has none.
func WithDefaultExecutable(path string) BuilderOption {
	return func(b *Builder) {
		b.defaultExecutable = strings.TrimSpace(path)
	}
}

// WithStat replaces the filesystem existence check.
func WithStat(stat func(string) (os.FileInfo, error)) BuilderOption {
	return func(b *Builder) {
		b.stat = stat
	}
}

// NewBuilder creates a builder for the given engine scripts.
func NewBuilder(scripts Scripts, opts ...BuilderOption) *Builder {
	b := &Builder{
		scripts: scripts,
		stat:    os.Stat,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Executable resolves the engine path for a project, or "".
func (b *Builder) Executable(project domain.Project) string {
	if path := project.Settings.ExecutablePath(); path != "" {
		return path
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.defaultExecutable
}

// SetDefaultExecutable replaces the engine used when a project has none.
func (b *Builder) SetDefaultExecutable(path string) {
	b.mu.Lock()
	b.defaultExecutable = strings.TrimSpace(path)
	b.mu.Unlock()
}

// Build validates the environment and produces the descriptor for kind.
func (b *Builder) Build(project domain.Project, kind domain.JobKind, jobID string) (Descriptor, error) {
	if project.Settings.IsZero() {
		return Descriptor{}, &domain.Error{Kind: domain.KindValidation, Field: "settings", Message: "project has no settings"}
	}

	exe := b.Executable(project)
	if err := b.checkExecutable(exe); err != nil {
		return Descriptor{}, err
	}

	var script string
	switch kind {
	case domain.JobKindPreview:
		script = b.scripts.Preview
	case domain.JobKindFull:
		script = b.scripts.Render
		if project.Settings.OutputPath() == "" {
			return Descriptor{}, &domain.Error{Kind: domain.KindConfig, Field: "output_path", Message: "output path is not set"}
		}
	default:
		return Descriptor{}, &domain.Error{Kind: domain.KindConfig, Field: "kind", Message: fmt.Sprintf("unsupported job kind %q", kind)}
	}

	if err := b.requireFile(project.FilePath, "project file"); err != nil {
		return Descriptor{}, err
	}
	if err := b.requireFile(script, "render script"); err != nil {
		return Descriptor{}, err
	}

	d := Descriptor{
		JobID:      jobID,
		ProjectID:  project.ID(),
		Kind:       kind,
		Executable: exe,
		Script:     script,
	}
	if kind == domain.JobKindPreview {
		d.Params = previewParams(project.Settings)
		d.Args = append(engineArgs(script), previewArgs(project.FilePath, jobID, d.Params)...)
	} else {
		d.Params = fullParams(project.Settings)
		d.Args = append(engineArgs(script), fullArgs(project.FilePath, d.Params)...)
	}
	return d, nil
}

// BuildInspect produces the descriptor that reads scene settings from filePath.
func (b *Builder) BuildInspect(executable, filePath, jobID string) (Descriptor, error) {
	exe := strings.TrimSpace(executable)
	if exe == "" {
		exe = b.Executable(domain.Project{})
	}
	if err := b.checkExecutable(exe); err != nil {
		return Descriptor{}, err
	}
	if err := b.requireFile(filePath, "project file"); err != nil {
		return Descriptor{}, err
	}
	if err := b.requireFile(b.scripts.Inspect, "inspect script"); err != nil {
		return Descriptor{}, err
	}
	return Descriptor{
		JobID:      jobID,
		Kind:       domain.JobKindInspect,
		Executable: exe,
		Script:     b.scripts.Inspect,
		Args:       append(engineArgs(b.scripts.Inspect), filePath),
	}, nil
}

func (b *Builder) checkExecutable(exe string) error {
	if exe == "" {
		return &domain.Error{Kind: domain.KindConfig, Field: "executable_path", Message: "render engine path is not set"}
	}
	if _, err := b.stat(exe); err != nil {
		return &domain.Error{
			Kind:    domain.KindConfig,
			Field:   "executable_path",
			Message: fmt.Sprintf("render engine executable not found: %s", exe),
			Err:     err,
		}
	}
	return nil
}

func (b *Builder) requireFile(path, what string) error {
	if strings.TrimSpace(path) == "" {
		return &domain.Error{Kind: domain.KindNotFound, Message: what + " path is empty"}
	}
	if _, err := b.stat(path); err != nil {
		return &domain.Error{Kind: domain.KindNotFound, Message: fmt.Sprintf("%s not found: %s", what, path), Err: err}
	}
	return nil
}

// engineArgs is the fixed prefix shared by every job kind.
func engineArgs(script string) []string {
	return []string{"--background", "--script", script, "--"}
}

func previewParams(s domain.Settings) Params {
	p := s.Params()
	return Params{
		Width:     PreviewWidth,
		Height:    PreviewHeight,
		Scale:     100,
		Samples:   PreviewSamples,
		Format:    PreviewFormat,
		Engine:    p.Engine,
		Kind:      domain.RenderKindSingleImage,
		Denoise:   p.Denoising,
		Device:    p.Device,
		Threads:   p.Threads,
		Frame:     p.FrameCurrent,
		FPS:       p.FPS,
		FPSBase:   p.FPSBase,
		Ephemeral: true,
	}
}

func fullParams(s domain.Settings) Params {
	p := s.Params()
	return Params{
		Width:      p.ResolutionX,
		Height:     p.ResolutionY,
		Scale:      p.ResolutionScale,
		Samples:    s.Samples(),
		Format:     p.FileFormat,
		Engine:     p.Engine,
		Kind:       p.Kind,
		Denoise:    p.Denoising,
		Device:     p.Device,
		Threads:    p.Threads,
		Frame:      p.FrameCurrent,
		FrameStart: p.FrameStart,
		FrameEnd:   p.FrameEnd,
		FrameStep:  p.FrameStep,
		FPS:        p.FPS,
		FPSBase:    p.FPSBase,
		Output:     s.OutputTarget(),
		Filename:   p.OutputFilename,
	}
}

// previewArgs emits the positional preview protocol.
func previewArgs(projectFile, jobID string, p Params) []string {
	return []string{
		projectFile,
		jobID,
		string(p.Engine),
		boolFlag(p.Denoise),
		string(p.Device),
		strconv.Itoa(p.Threads),
	}
}

// argMapping binds one full-render flag to its value in Params.
type argMapping struct {
	flag  string
	value func(Params) string
}

var frameArgs = map[domain.RenderKind][]argMapping{
	domain.RenderKindSingleImage: {
		{"--frame", func(p Params) string { return strconv.Itoa(p.Frame) }},
	},
	domain.RenderKindAnimation: {
		{"--start", func(p Params) string { return strconv.Itoa(p.FrameStart) }},
		{"--end", func(p Params) string { return strconv.Itoa(p.FrameEnd) }},
		{"--step", func(p Params) string { return strconv.Itoa(p.FrameStep) }},
	},
}

var renderArgs = []argMapping{
	{"--output", func(p Params) string { return p.Output }},
	{"--format", func(p Params) string { return p.Format }},
	{"--engine", func(p Params) string { return string(p.Engine) }},
	{"--samples", func(p Params) string { return strconv.Itoa(p.Samples) }},
	{"--denoising", func(p Params) string { return boolFlag(p.Denoise) }},
	{"--device", func(p Params) string { return string(p.Device) }},
	{"--threads", func(p Params) string { return strconv.Itoa(p.Threads) }},
	{"--resolution_x", func(p Params) string { return strconv.Itoa(p.Width) }},
	{"--resolution_y", func(p Params) string { return strconv.Itoa(p.Height) }},
	{"--resolution_scale", func(p Params) string { return strconv.Itoa(p.Scale) }},
	{"--fps", func(p Params) string { return strconv.Itoa(p.FPS) }},
	{"--fps_base", func(p Params) string { return strconv.FormatFloat(p.FPSBase, 'f', -1, 64) }},
	{"--filename", func(p Params) string { return p.Filename }},
}

// fullArgs emits the flag protocol of the full render script.
func fullArgs(projectFile string, p Params) []string {
	args := []string{"--type", p.Kind.Flag()}
	for _, m := range frameArgs[p.Kind] {
		args = append(args, m.flag, m.value(p))
	}
	for _, m := range renderArgs {
		args = append(args, m.flag, m.value(p))
	}
	return append(args, projectFile)
}

func boolFlag(v bool) string {
	if v {
		return "1"
	}
	return "0"
}
