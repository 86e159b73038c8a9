package domain

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// legacyKeys maps keys written by older tool versions to current ones.
var legacyKeys = map[string]string{
	"cycles_samples":   "pathtrace_samples",
	"eevee_samples":    "raster_samples",
	"cycles_denoising": "denoising",
	"cycles_device":    "device",
	"blender_path":     "executable_path",
}

// ToMap flattens s into primitives for opaque persistence.
func (s Settings) ToMap() map[string]any {
	p := s.p
	return map[string]any{
		"resolution_x":      p.ResolutionX,
		"resolution_y":      p.ResolutionY,
		"resolution_scale":  p.ResolutionScale,
		"fps":               p.FPS,
		"fps_base":          p.FPSBase,
		"frame_start":       p.FrameStart,
		"frame_end":         p.FrameEnd,
		"frame_step":        p.FrameStep,
		"frame_current":     p.FrameCurrent,
		"render_engine":     string(p.Engine),
		"render_type":       string(p.Kind),
		"pathtrace_samples": p.PathtraceSamples,
		"raster_samples":    p.RasterSamples,
		"denoising":         p.Denoising,
		"device":            string(p.Device),
		"threads":           p.Threads,
		"file_format":       p.FileFormat,
		"output_path":       p.OutputPath,
		"output_filename":   p.OutputFilename,
		"executable_path":   p.ExecutablePath,
	}
}

// SettingsFromMap rebuilds Settings from a flat mapping. Missing keys keep
// their DefaultParams value; unknown keys are ignored.
func SettingsFromMap(m map[string]any) (Settings, error) {
	p, err := ParamsFromMap(m)
	if err != nil {
		return Settings{}, err
	}
	return NewSettings(p)
}

// ParamsFromMap decodes a flat mapping on top of DefaultParams without validating.
func ParamsFromMap(m map[string]any) (Params, error) {
	p := DefaultParams()

	normalized := make(map[string]any, len(m))
	for k, v := range m {
		if current, ok := legacyKeys[k]; ok {
			if _, dup := m[current]; dup {
				continue
			}
			k = current
		}
		normalized[k] = v
	}

	ints := map[string]*int{
		"resolution_x":      &p.ResolutionX,
		"resolution_y":      &p.ResolutionY,
		"resolution_scale":  &p.ResolutionScale,
		"fps":               &p.FPS,
		"frame_start":       &p.FrameStart,
		"frame_end":         &p.FrameEnd,
		"frame_step":        &p.FrameStep,
		"frame_current":     &p.FrameCurrent,
		"pathtrace_samples": &p.PathtraceSamples,
		"raster_samples":    &p.RasterSamples,
		"threads":           &p.Threads,
	}
	for key, dst := range ints {
		raw, ok := normalized[key]
		if !ok {
			continue
		}
		v, err := asInt(raw)
		if err != nil {
			return Params{}, validationError(key, "%v", err)
		}
		*dst = v
	}

	if raw, ok := normalized["fps_base"]; ok {
		v, err := asFloat(raw)
		if err != nil {
			return Params{}, validationError("fps_base", "%v", err)
		}
		p.FPSBase = v
	}
	if raw, ok := normalized["denoising"]; ok {
		v, err := asBool(raw)
		if err != nil {
			return Params{}, validationError("denoising", "%v", err)
		}
		p.Denoising = v
	}

	strs := map[string]*string{
		"file_format":     &p.FileFormat,
		"output_path":     &p.OutputPath,
		"output_filename": &p.OutputFilename,
		"executable_path": &p.ExecutablePath,
	}
	for key, dst := range strs {
		raw, ok := normalized[key]
		if !ok {
			continue
		}
		v, ok := raw.(string)
		if !ok {
			return Params{}, validationError(key, "expected string, got %T", raw)
		}
		*dst = v
	}

	if raw, ok := normalized["render_engine"]; ok {
		v, ok := raw.(string)
		if !ok {
			return Params{}, validationError("render_engine", "expected string, got %T", raw)
		}
		p.Engine = ParseEngine(v)
	}
	if raw, ok := normalized["render_type"]; ok {
		v, ok := raw.(string)
		if !ok {
			return Params{}, validationError("render_type", "expected string, got %T", raw)
		}
		p.Kind = ParseRenderKind(v)
	}
	if raw, ok := normalized["device"]; ok {
		v, ok := raw.(string)
		if !ok {
			return Params{}, validationError("device", "expected string, got %T", raw)
		}
		p.Device = Device(strings.ToUpper(strings.TrimSpace(v)))
	}
	if p.FileFormat == "OPEN_EXR" {
		p.FileFormat = "EXR"
	}

	return p, nil
}

// ParseEngine accepts current names and the engine identifiers used in
// project files (CYCLES, EEVEE, BLENDER_EEVEE, BLENDER_EEVEE_NEXT).
func ParseEngine(raw string) Engine {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "PATHTRACE", "CYCLES":
		return EnginePathtrace
	case "RASTER", "EEVEE", "BLENDER_EEVEE", "BLENDER_EEVEE_NEXT":
		return EngineRaster
	default:
		return Engine(raw)
	}
}

// ParseRenderKind accepts SINGLE_IMAGE/ANIMATION and Image/Animation.
func ParseRenderKind(raw string) RenderKind {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "SINGLE_IMAGE", "IMAGE":
		return RenderKindSingleImage
	case "ANIMATION":
		return RenderKindAnimation
	default:
		return RenderKind(raw)
	}
}

func asInt(raw any) (int, error) {
	switch v := raw.(type) {
	case int:
		return v, nil
	case int32:
		return int(v), nil
	case int64:
		return int(v), nil
	case float64:
		if v != math.Trunc(v) || math.IsInf(v, 0) || math.IsNaN(v) {
			return 0, fmt.Errorf("expected integer, got %v", v)
		}
		return int(v), nil
	case json.Number:
		n, err := v.Int64()
		if err != nil {
			return 0, fmt.Errorf("expected integer, got %q", v.String())
		}
		return int(n), nil
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return 0, fmt.Errorf("expected integer, got %q", v)
		}
		return n, nil
	default:
		return 0, fmt.Errorf("expected integer, got %T", raw)
	}
}

func asFloat(raw any) (float64, error) {
	switch v := raw.(type) {
	case float64:
		return v, nil
	case float32:
		return float64(v), nil
	case int:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case json.Number:
		return v.Float64()
	case string:
		return strconv.ParseFloat(strings.TrimSpace(v), 64)
	default:
		return 0, fmt.Errorf("expected number, got %T", raw)
	}
}

func asBool(raw any) (bool, error) {
	switch v := raw.(type) {
	case bool:
		return v, nil
	case float64:
		return v != 0, nil
	case int:
		return v != 0, nil
	case string:
		return strconv.ParseBool(strings.TrimSpace(v))
	default:
		return false, fmt.Errorf("expected bool, got %T", raw)
	}
}
