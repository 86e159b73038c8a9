package render

import (
	"bytes"
	"encoding/base64"
	"encoding/json"

	"render-queue/internal/domain"
)

const (
	// ImagePrefix starts the stdout line carrying a preview image.
	ImagePrefix = "data:image/png;base64,"
	// SettingsPrefix starts the stdout line carrying inspected scene settings.
	SettingsPrefix = "settings:"
)

// DecodePreview extracts the image payload of a preview run. The last
// well-formed payload line wins; everything else on stdout is diagnostic.
func DecodePreview(stdout []byte) ([]byte, error) {
	var (
		payload    []byte
		candidates int
	)
	for line := range bytes.Lines(stdout) {
		line = bytes.TrimRight(line, "\r\n")
		rest, ok := bytes.CutPrefix(line, []byte(ImagePrefix))
		if !ok {
			continue
		}
		candidates++
		decoded, err := base64.StdEncoding.DecodeString(string(bytes.TrimSpace(rest)))
		if err != nil || len(decoded) == 0 {
			continue
		}
		payload = decoded
	}

	switch {
	case payload != nil:
		return payload, nil
	case candidates > 0:
		return nil, &domain.Error{Kind: domain.KindDecode, Message: "malformed image payload"}
	default:
		return nil, &domain.Error{Kind: domain.KindDecode, Message: "no image payload found"}
	}
}

// DecodeRender accepts the output of a successful full render. Full
// renders write to disk, so stdout carries no payload.
func DecodeRender(_ []byte) ([]byte, error) {
	return nil, nil
}

// DecodeSettings extracts the flat settings mapping printed by the
// inspect script.
func DecodeSettings(stdout []byte) (map[string]any, error) {
	var (
		found      map[string]any
		candidates int
	)
	for line := range bytes.Lines(stdout) {
		line = bytes.TrimRight(line, "\r\n")
		rest, ok := bytes.CutPrefix(line, []byte(SettingsPrefix))
		if !ok {
			continue
		}
		candidates++
		var m map[string]any
		if err := json.Unmarshal(bytes.TrimSpace(rest), &m); err != nil || m == nil {
			continue
		}
		found = m
	}

	switch {
	case found != nil:
		return found, nil
	case candidates > 0:
		return nil, &domain.Error{Kind: domain.KindDecode, Message: "malformed settings payload"}
	default:
		return nil, &domain.Error{Kind: domain.KindDecode, Message: "no settings payload found"}
	}
}
