package validation

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Manifest describes a submission in a file next to the artifact, e.g.
//
//	artifact: TA-acme-fw.tgz
//	samples: samples/fw.log
//	sourcetype: acme:fw
//	expected_fields: [src_ip, dest_ip, action]
type Manifest struct {
	Artifact       string   `yaml:"artifact"`
	Samples        string   `yaml:"samples"`
	Sourcetype     string   `yaml:"sourcetype"`
	ExpectedFields []string `yaml:"expected_fields"`
	Previous       string   `yaml:"previous,omitempty"`

	dir string
}

func LoadManifest(path string) (Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Manifest{}, fmt.Errorf("read manifest: %w", err)
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return Manifest{}, fmt.Errorf("parse manifest %s: %w", path, err)
	}
	if strings.TrimSpace(m.Artifact) == "" {
		return Manifest{}, fmt.Errorf("manifest %s: artifact is required", path)
	}
	if strings.TrimSpace(m.Samples) == "" {
		return Manifest{}, fmt.Errorf("manifest %s: samples is required", path)
	}
	abs, err := filepath.Abs(filepath.Dir(path))
	if err != nil {
		return Manifest{}, err
	}
	m.dir = abs
	return m, nil
}

// SubmitRequest resolves relative local paths against the manifest's
// directory. References with a scheme are passed through.
func (m Manifest) SubmitRequest() SubmitRequest {
	return SubmitRequest{
		ArtifactRef:    m.resolve(m.Artifact),
		SampleRef:      m.resolve(m.Samples),
		Sourcetype:     m.Sourcetype,
		ExpectedFields: append([]string(nil), m.ExpectedFields...),
		PreviousID:     m.Previous,
	}
}

func (m Manifest) resolve(ref string) string {
	ref = strings.TrimSpace(ref)
	if strings.Contains(ref, "://") || filepath.IsAbs(ref) || m.dir == "" {
		return ref
	}
	return filepath.Join(m.dir, ref)
}
