package domain

import (
	"path/filepath"
	"runtime"
	"slices"
	"strings"
)

// Engine selects the external render backend.
type Engine string

const (
	EngineRaster    Engine = "RASTER"
	EnginePathtrace Engine = "PATHTRACE"
)

// RenderKind selects single-frame or ranged output.
type RenderKind string

const (
	RenderKindSingleImage RenderKind = "SINGLE_IMAGE"
	RenderKindAnimation   RenderKind = "ANIMATION"
)

// Flag returns the value passed to the render script's --type flag.
func (k RenderKind) Flag() string {
	if k == RenderKindAnimation {
		return "animation"
	}
	return "image"
}

// Device selects the compute device used by the path tracer.
type Device string

const (
	DeviceCPU Device = "CPU"
	DeviceGPU Device = "GPU"
)

// Value bounds enforced by NewSettings.
const (
	MaxResolution      = 65536
	MaxResolutionScale = 32767
	MaxFPS             = 1000
	MaxFrame           = 1048574
	MaxPathtraceSample = 4096
	MaxRasterSample    = 256
)

var (
	imageFormats     = []string{"PNG", "JPEG", "EXR"}
	containerFormats = []string{"AVI_JPEG", "AVI_RAW", "FFMPEG"}
)

// FormatsFor returns the output formats allowed for a render kind.
func FormatsFor(kind RenderKind) []string {
	if kind == RenderKindAnimation {
		return slices.Clone(containerFormats)
	}
	return slices.Clone(imageFormats)
}

// Params is the raw, unvalidated field set of a Settings value.
type Params struct {
	ResolutionX      int        `json:"resolution_x"`
	ResolutionY      int        `json:"resolution_y"`
	ResolutionScale  int        `json:"resolution_scale"`
	FPS              int        `json:"fps"`
	FPSBase          float64    `json:"fps_base"`
	FrameStart       int        `json:"frame_start"`
	FrameEnd         int        `json:"frame_end"`
	FrameStep        int        `json:"frame_step"`
	FrameCurrent     int        `json:"frame_current"`
	Engine           Engine     `json:"render_engine"`
	Kind             RenderKind `json:"render_type"`
	PathtraceSamples int        `json:"pathtrace_samples"`
	RasterSamples    int        `json:"raster_samples"`
	Denoising        bool       `json:"denoising"`
	Device           Device     `json:"device"`
	Threads          int        `json:"threads"`
	FileFormat       string     `json:"file_format"`
	OutputPath       string     `json:"output_path"`
	OutputFilename   string     `json:"output_filename"`
	ExecutablePath   string     `json:"executable_path"`
}

// DefaultParams returns the baseline configuration for a new project.
func DefaultParams() Params {
	return Params{
		ResolutionX:      1920,
		ResolutionY:      1080,
		ResolutionScale:  100,
		FPS:              24,
		FPSBase:          1.0,
		FrameStart:       1,
		FrameEnd:         250,
		FrameStep:        1,
		FrameCurrent:     1,
		Engine:           EnginePathtrace,
		Kind:             RenderKindSingleImage,
		PathtraceSamples: 128,
		RasterSamples:    64,
		Device:           DeviceCPU,
		FileFormat:       "PNG",
	}
}

// Settings is a validated render configuration. The zero value is not
// valid; obtain one from NewSettings.
type Settings struct {
	p Params
}

// NewSettings validates p against the host's logical core count.
//
// Threads == 0 resolves to runtime.NumCPU() here, so a Settings value that
// is valid on one machine can be rejected on a host with fewer cores.
func NewSettings(p Params) (Settings, error) {
	return NewSettingsForHost(p, runtime.NumCPU())
}

// NewSettingsForHost validates p assuming hostCores logical cores.
func NewSettingsForHost(p Params, hostCores int) (Settings, error) {
	if hostCores < 1 {
		hostCores = 1
	}
	p.FileFormat = strings.ToUpper(strings.TrimSpace(p.FileFormat))
	p.OutputPath = cleanPath(p.OutputPath)
	p.OutputFilename = strings.TrimSpace(p.OutputFilename)
	p.ExecutablePath = cleanPath(p.ExecutablePath)

	checks := []func(*Params) error{
		checkResolution,
		checkFrames,
		checkEngine,
		checkDevice,
		checkFormat,
		func(p *Params) error { return resolveThreads(p, hostCores) },
	}
	for _, check := range checks {
		if err := check(&p); err != nil {
			return Settings{}, err
		}
	}
	return Settings{p: p}, nil
}

// Params returns a copy of the validated fields.
func (s Settings) Params() Params {
	return s.p
}

// With derives a new Settings from a modified copy of s.
func (s Settings) With(edit func(*Params)) (Settings, error) {
	p := s.p
	edit(&p)
	return NewSettings(p)
}

// IsZero reports whether s was never constructed.
func (s Settings) IsZero() bool {
	return s.p == Params{}
}

func (s Settings) Engine() Engine         { return s.p.Engine }
func (s Settings) Kind() RenderKind       { return s.p.Kind }
func (s Settings) Threads() int           { return s.p.Threads }
func (s Settings) OutputPath() string     { return s.p.OutputPath }
func (s Settings) OutputFilename() string { return s.p.OutputFilename }
func (s Settings) ExecutablePath() string { return s.p.ExecutablePath }

// Samples returns the sample count of the selected engine.
func (s Settings) Samples() int {
	if s.p.Engine == EnginePathtrace {
		return s.p.PathtraceSamples
	}
	return s.p.RasterSamples
}

// OutputTarget joins output path and filename; the filename is skipped when empty.
func (s Settings) OutputTarget() string {
	if s.p.OutputPath == "" {
		return ""
	}
	if s.p.OutputFilename == "" {
		return s.p.OutputPath
	}
	return filepath.Join(s.p.OutputPath, s.p.OutputFilename)
}

func checkResolution(p *Params) error {
	if p.ResolutionX < 1 || p.ResolutionX > MaxResolution {
		return validationError("resolution_x", "must be between 1 and %d, got %d", MaxResolution, p.ResolutionX)
	}
	if p.ResolutionY < 1 || p.ResolutionY > MaxResolution {
		return validationError("resolution_y", "must be between 1 and %d, got %d", MaxResolution, p.ResolutionY)
	}
	if p.ResolutionScale < 1 || p.ResolutionScale > MaxResolutionScale {
		return validationError("resolution_scale", "must be between 1 and %d, got %d", MaxResolutionScale, p.ResolutionScale)
	}
	if p.FPS < 1 || p.FPS > MaxFPS {
		return validationError("fps", "must be between 1 and %d, got %d", MaxFPS, p.FPS)
	}
	if !(p.FPSBase > 0) {
		return validationError("fps_base", "must be greater than 0, got %g", p.FPSBase)
	}
	return nil
}

func checkFrames(p *Params) error {
	frames := []struct {
		name  string
		value int
		min   int
	}{
		{"frame_start", p.FrameStart, 0},
		{"frame_end", p.FrameEnd, 0},
		{"frame_step", p.FrameStep, 1},
		{"frame_current", p.FrameCurrent, 0},
	}
	for _, f := range frames {
		if f.value < f.min || f.value > MaxFrame {
			return validationError(f.name, "must be between %d and %d, got %d", f.min, MaxFrame, f.value)
		}
	}
	if p.Kind == RenderKindAnimation && p.FrameStart > p.FrameEnd {
		return validationError("frame_end", "must not be lower than frame_start (%d), got %d", p.FrameStart, p.FrameEnd)
	}
	return nil
}

func checkEngine(p *Params) error {
	switch p.Engine {
	case EngineRaster, EnginePathtrace:
	default:
		return validationError("render_engine", "must be one of %s, %s, got %q", EngineRaster, EnginePathtrace, p.Engine)
	}
	switch p.Kind {
	case RenderKindSingleImage, RenderKindAnimation:
	default:
		return validationError("render_type", "must be one of %s, %s, got %q", RenderKindSingleImage, RenderKindAnimation, p.Kind)
	}
	if p.PathtraceSamples < 1 || p.PathtraceSamples > MaxPathtraceSample {
		return validationError("pathtrace_samples", "must be between 1 and %d, got %d", MaxPathtraceSample, p.PathtraceSamples)
	}
	if p.RasterSamples < 1 || p.RasterSamples > MaxRasterSample {
		return validationError("raster_samples", "must be between 1 and %d, got %d", MaxRasterSample, p.RasterSamples)
	}
	return nil
}

func checkDevice(p *Params) error {
	switch p.Device {
	case DeviceCPU, DeviceGPU:
		return nil
	default:
		return validationError("device", "must be one of %s, %s, got %q", DeviceCPU, DeviceGPU, p.Device)
	}
}

func checkFormat(p *Params) error {
	allowed := FormatsFor(p.Kind)
	if !slices.Contains(allowed, p.FileFormat) {
		return validationError("file_format", "must be one of %s for %s, got %q",
			strings.Join(allowed, ", "), p.Kind, p.FileFormat)
	}
	return nil
}

func resolveThreads(p *Params, hostCores int) error {
	switch {
	case p.Threads == 0:
		p.Threads = hostCores
	case p.Threads < 0 || p.Threads > hostCores:
		return validationError("threads", "must be between 0 (auto) and %d, got %d", hostCores, p.Threads)
	}
	return nil
}

func cleanPath(path string) string {
	path = strings.TrimSpace(path)
	if path == "" {
		return ""
	}
	return filepath.Clean(path)
}
