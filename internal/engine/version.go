package engine

import (
	"context"
	"regexp"
	"sync"

	"render-queue/internal/render"
)

// UnknownVersion is reported when an executable cannot be probed.
const UnknownVersion = "Unknown"

var versionPattern = regexp.MustCompile(`Blender (\d+\.\d+\.\d+)`)

// Prober runs short, time-bounded commands.
type Prober interface {
	Probe(ctx context.Context, name string, args ...string) render.Result
}

// Versions probes and caches engine versions per executable path.
type Versions struct {
	prober Prober

	mu    sync.Mutex
	cache map[string]string
}

// NewVersions creates a version cache backed by prober.
func NewVersions(prober Prober) *Versions {
	return &Versions{prober: prober, cache: make(map[string]string)}
}

// Seed records already known versions, e.g. loaded from the database.
func (v *Versions) Seed(known map[string]string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	for path, version := range known {
		if version != "" && version != UnknownVersion {
			v.cache[path] = version
		}
	}
}

// Version returns the engine version of path. Failed probes are not cached.
func (v *Versions) Version(ctx context.Context, path string) string {
	if path == "" {
		return UnknownVersion
	}

	v.mu.Lock()
	cached, ok := v.cache[path]
	v.mu.Unlock()
	if ok {
		return cached
	}

	res := v.prober.Probe(ctx, path, "--version")
	if res.Err != nil {
		return UnknownVersion
	}
	version := ParseVersion(string(res.Stdout))
	if version == UnknownVersion {
		return version
	}

	v.mu.Lock()
	v.cache[path] = version
	v.mu.Unlock()
	return version
}

// ParseVersion extracts X.Y.Z from `--version` output.
func ParseVersion(out string) string {
	m := versionPattern.FindStringSubmatch(out)
	if m == nil {
		return UnknownVersion
	}
	return m[1]
}
