package artifacts

import "context"

// Store persists artifacts and resolves references produced by Put.
type Store interface {
	// Scheme is the URI scheme of references produced by this store.
	Scheme() string
	Put(ctx context.Context, key, srcPath string, kind ArtifactKind, metadata map[string]any) (Artifact, error)
	// Fetch materializes the referenced artifact at destPath.
	Fetch(ctx context.Context, uri, destPath string) error
	Remove(ctx context.Context, uri string) error
}
