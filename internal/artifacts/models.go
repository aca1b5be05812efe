package artifacts

type ArtifactKind string

const (
	BundleArtifact     ArtifactKind = "bundle"     // Configuration bundle under validation
	SamplesArtifact    ArtifactKind = "samples"    // Sample log data replayed into a sandbox
	DiagnosticArtifact ArtifactKind = "diagnostic" // Archive produced for a failed validation
)

// Artifact describes a stored object. URI is the reference callers keep;
// Checksum is "sha256:<hex>" of the stored bytes when the backend computed it.
type Artifact struct {
	ID   string       `json:"id"`
	Kind ArtifactKind `json:"kind"`
	URI  string       `json:"uri"`

	Checksum    *string        `json:"checksum,omitempty"`
	ContentType string         `json:"content_type,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}
