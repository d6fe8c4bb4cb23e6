// Package manifest writes the factory's driver catalogue to a well-known
// JSON file on startup, the way pkg/storage/blob's local adapter writes a
// blob file: ensure the parent directory, then write, wrapping any
// failure as an internal error rather than letting a raw os error escape.
package manifest

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/orbitlab/psuctl/internal/driver"
	appErrors "github.com/orbitlab/psuctl/pkg/errors"
)

// DefaultPath is where Write places the manifest file when the caller
// doesn't override it.
const DefaultPath = "/var/run/psud/manifest.json"

// document is the on-disk shape: model name -> manifest body, matching
// how the capability spec describes the catalogue being consumed by
// external tooling.
type document map[string]driver.Manifest

// Write serializes manifests to path as JSON, creating parent
// directories as needed. A write failure here is never fatal to the
// supervisor that calls it; the caller is expected to log and continue
// rather than abort startup over a missing catalogue file.
func Write(path string, manifests []driver.Manifest) error {
	if path == "" {
		path = DefaultPath
	}

	doc := make(document, len(manifests))
	for _, m := range manifests {
		doc[m.Model] = m
	}

	b, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return appErrors.Internal("failed to encode manifest", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return appErrors.Internal("failed to ensure manifest dir", err)
	}

	if err := os.WriteFile(path, b, 0644); err != nil {
		return appErrors.Internal("failed to write manifest file", err)
	}

	return nil
}
