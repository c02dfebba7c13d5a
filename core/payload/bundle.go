package payload

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"fmt"
	"time"

	"scriptflow/core/models"

	"gopkg.in/yaml.v3"
)

// Manifest is the bundle's manifest file. The runner reads it to pick
// the interpreter and entrypoint.
type Manifest struct {
	Version      string            `yaml:"version"`
	Interpreter  string            `yaml:"interpreter"`
	Entrypoint   string            `yaml:"entrypoint"`
	Environment  map[string]string `yaml:"environment,omitempty"`
	EventID      string            `yaml:"eventId"`
	EventVersion int               `yaml:"eventVersion"`
}

// manifestVersion is the bundle format version.
const manifestVersion = "v1"

// bundleEpoch is the fixed timestamp for bundle entries. Identical
// inputs must produce byte-identical bundles, so wall-clock time never
// enters the archive.
var bundleEpoch = time.Unix(0, 0)

// buildBundle produces a deterministic tar.gz bundle for a script
// event: manifest.yaml plus the script body under its entrypoint name.
func buildBundle(event *models.Event, env map[string]string) ([]byte, error) {
	script := event.Action.Script
	if script == nil {
		return nil, fmt.Errorf("event %s has no script content to bundle", event.ID)
	}

	entrypoint := scriptFilename(script.Kind)
	manifest := Manifest{
		Version:      manifestVersion,
		Interpreter:  string(script.Kind),
		Entrypoint:   entrypoint,
		Environment:  env,
		EventID:      event.ID,
		EventVersion: event.Version,
	}
	manifestData, err := yaml.Marshal(manifest)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal manifest: %w", err)
	}

	var buf bytes.Buffer
	gzw := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gzw)

	files := []struct {
		name string
		mode int64
		data []byte
	}{
		{"manifest.yaml", 0o644, manifestData},
		{entrypoint, 0o755, []byte(script.Content)},
	}
	for _, f := range files {
		header := &tar.Header{
			Name:    f.name,
			Mode:    f.mode,
			Size:    int64(len(f.data)),
			ModTime: bundleEpoch,
		}
		if err := tw.WriteHeader(header); err != nil {
			return nil, fmt.Errorf("failed to write tar header: %w", err)
		}
		if _, err := tw.Write(f.data); err != nil {
			return nil, fmt.Errorf("failed to write tar entry: %w", err)
		}
	}

	if err := tw.Close(); err != nil {
		return nil, err
	}
	if err := gzw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// scriptFilename maps a script kind to its entrypoint filename.
func scriptFilename(kind models.ScriptKind) string {
	switch kind {
	case models.ScriptKindPython:
		return "script.py"
	case models.ScriptKindNode:
		return "script.js"
	default:
		return "script.sh"
	}
}
