// Package thumbnail scales preview renders for the project list and caches
// them on disk.
package thumbnail

import (
	"bytes"
	"fmt"
	"image"
	"image/png"
	"os"
	"path/filepath"

	xdraw "golang.org/x/image/draw"
)

// Icon bounds of the project list entries.
const (
	IconWidth  = 160
	IconHeight = 90
)

// Fit scales a PNG image to fit inside maxW x maxH, keeping its aspect
// ratio. Images already small enough are returned unchanged.
func Fit(data []byte, maxW, maxH int) ([]byte, error) {
	if maxW <= 0 || maxH <= 0 {
		return nil, fmt.Errorf("invalid bounds %dx%d", maxW, maxH)
	}
	img, err := png.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode preview: %w", err)
	}

	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if w <= maxW && h <= maxH {
		return data, nil
	}

	scale := min(float64(maxW)/float64(w), float64(maxH)/float64(h))
	dw := max(1, int(float64(w)*scale+0.5))
	dh := max(1, int(float64(h)*scale+0.5))

	dst := image.NewRGBA(image.Rect(0, 0, dw, dh))
	xdraw.CatmullRom.Scale(dst, dst.Bounds(), img, b, xdraw.Over, nil)

	var buf bytes.Buffer
	if err := png.Encode(&buf, dst); err != nil {
		return nil, fmt.Errorf("encode thumbnail: %w", err)
	}
	return buf.Bytes(), nil
}

// Cache stores previews and list icons under a directory.
type Cache struct {
	dir string
}

// NewCache returns a cache rooted at dir.
func NewCache(dir string) *Cache {
	return &Cache{dir: dir}
}

// Dir is the directory holding cached files.
func (c *Cache) Dir() string {
	return c.dir
}

// PreviewPath is where the full preview of a project is stored.
func (c *Cache) PreviewPath(projectID string) string {
	return filepath.Join(c.dir, projectID+".png")
}

// IconPath is where the list icon of a project is stored.
func (c *Cache) IconPath(projectID string) string {
	return filepath.Join(c.dir, projectID+"_icon.png")
}

// Store writes the preview and its scaled icon, returning the preview path.
func (c *Cache) Store(projectID string, data []byte) (string, error) {
	if err := os.MkdirAll(c.dir, 0o755); err != nil {
		return "", fmt.Errorf("create cache dir: %w", err)
	}
	icon, err := Fit(data, IconWidth, IconHeight)
	if err != nil {
		return "", err
	}

	preview := c.PreviewPath(projectID)
	if err := os.WriteFile(preview, data, 0o644); err != nil {
		return "", fmt.Errorf("write preview: %w", err)
	}
	if err := os.WriteFile(c.IconPath(projectID), icon, 0o644); err != nil {
		return "", fmt.Errorf("write icon: %w", err)
	}
	return preview, nil
}

// Remove deletes the cached files of a project.
func (c *Cache) Remove(projectID string) error {
	for _, path := range []string{c.PreviewPath(projectID), c.IconPath(projectID)} {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}
