// Package artifact stages a job's inputs into the workspace and collects
// the outputs the command leaves behind.
//
// Commands communicate outputs through an artifacts.json manifest at the
// workspace root: named artifacts, each with a type and a list of
// [path, filepath_type] entries relative to the workspace. Collection
// resolves those paths, tars directories, and either reports absolute
// paths (shared filesystem deployments) or uploads the bytes to the server
// and reports the uploaded names.
package artifact

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/josenavas/qiita-client/internal/apperrors"
	"github.com/josenavas/qiita-client/internal/wire"
)

// ManifestName is the output manifest filename, relative to the workspace.
const ManifestName = "artifacts.json"

// Manifest is the output contract between a command and the worker.
type Manifest struct {
	Artifacts map[string]Output `json:"artifacts"`
}

// Output is one named artifact in the manifest.
type Output struct {
	ArtifactType string               `json:"artifact_type"`
	Filepaths    []wire.FilepathEntry `json:"filepaths"`
}

// LoadManifest reads and validates the manifest in dir. A missing manifest
// is not an error: jobs may succeed without producing outputs.
func LoadManifest(dir string) (*Manifest, error) {
	const op = "artifact.manifest"

	data, err := os.ReadFile(filepath.Join(dir, ManifestName))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.Internal(op, err)
	}

	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, apperrors.Execution(op, fmt.Errorf("malformed artifacts manifest: %w", err))
	}
	if err := m.validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// validate checks the structural contract. Violations are execution errors:
// the command misbehaved, not this client.
func (m *Manifest) validate() error {
	const op = "artifact.manifest"

	for name, out := range m.Artifacts {
		if name == "" {
			return apperrors.Execution(op, errors.New("manifest names an empty artifact"))
		}
		if out.ArtifactType == "" {
			return apperrors.Execution(op, fmt.Errorf("artifact %s: missing artifact_type", name))
		}
		if len(out.Filepaths) == 0 {
			return apperrors.Execution(op, fmt.Errorf("artifact %s: no filepaths", name))
		}
		for _, fp := range out.Filepaths {
			if fp.Path == "" || fp.Type == "" {
				return apperrors.Execution(op, fmt.Errorf("artifact %s: filepath entry missing path or type", name))
			}
		}
	}
	return nil
}

// resolveWithin joins rel onto dir and rejects paths that escape it.
func resolveWithin(dir, rel string) (string, error) {
	if filepath.IsAbs(rel) {
		return "", fmt.Errorf("path %q is absolute", rel)
	}
	base := filepath.Clean(dir)
	full := filepath.Join(base, rel)
	if full != base && !strings.HasPrefix(full, base+string(os.PathSeparator)) {
		return "", fmt.Errorf("path %q escapes the workspace", rel)
	}
	return full, nil
}
