package local

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/cochaviz/tavalid/internal/artifacts"
)

// ArtifactStore persists artifacts and metadata on disk under BaseDir.
type ArtifactStore struct {
	BaseDir string
}

var _ artifacts.Store = (*ArtifactStore)(nil)

func (store *ArtifactStore) Scheme() string {
	return "file"
}

// Put copies the artifact into the repository directory and records metadata.
// An empty key stores the artifact under a fresh UUID.
func (store *ArtifactStore) Put(ctx context.Context, key, srcPath string, kind artifacts.ArtifactKind, metadata map[string]any) (artifacts.Artifact, error) {
	if store.BaseDir == "" {
		return artifacts.Artifact{}, errors.New("base directory is not configured")
	}
	if srcPath == "" {
		return artifacts.Artifact{}, errors.New("artifact path is required")
	}
	if err := ctx.Err(); err != nil {
		return artifacts.Artifact{}, err
	}

	artifactID := uuid.NewString()
	destName, err := sanitizeKey(key)
	if err != nil {
		return artifacts.Artifact{}, err
	}
	if destName == "" {
		destName = artifactID + filepath.Ext(srcPath)
	}

	destPath := filepath.Join(store.BaseDir, destName)
	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return artifacts.Artifact{}, err
	}

	checksum, err := copyWithChecksum(srcPath, destPath)
	if err != nil {
		return artifacts.Artifact{}, err
	}

	artifact := artifacts.Artifact{
		ID:          artifactID,
		Kind:        kind,
		URI:         fileURI(destPath),
		Checksum:    &checksum,
		Metadata:    cloneMetadata(metadata),
		ContentType: detectContentType(destPath),
	}

	if err := store.writeMetadata(destPath, artifact); err != nil {
		return artifacts.Artifact{}, err
	}

	return artifact, nil
}

// Fetch copies a file:// artifact to destPath.
func (store *ArtifactStore) Fetch(ctx context.Context, uri, destPath string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path, err := pathFromFileURI(uri)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return err
	}
	if _, err := copyWithChecksum(path, destPath); err != nil {
		return fmt.Errorf("fetch %s: %w", uri, err)
	}
	return nil
}

// Remove deletes the artifact file and its metadata document.
func (store *ArtifactStore) Remove(_ context.Context, uri string) error {
	path, err := pathFromFileURI(uri)
	if err != nil {
		return err
	}

	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}

	metaPath := metadataPath(path)
	if err := os.Remove(metaPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}

	return nil
}

// Clear removes all artifacts and metadata under the store's base directory.
func (store *ArtifactStore) Clear() error {
	entries, err := os.ReadDir(store.BaseDir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return err
	}

	for _, entry := range entries {
		if err := os.RemoveAll(filepath.Join(store.BaseDir, entry.Name())); err != nil {
			return err
		}
	}
	return nil
}

func (store *ArtifactStore) writeMetadata(filePath string, artifact artifacts.Artifact) error {
	payload, err := json.MarshalIndent(artifact, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(metadataPath(filePath), payload, 0o644)
}

func copyWithChecksum(srcPath, destPath string) (string, error) {
	src, err := os.Open(srcPath)
	if err != nil {
		return "", err
	}
	defer src.Close()

	dst, err := os.OpenFile(destPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return "", err
	}

	hash := sha256.New()
	if _, err := io.Copy(io.MultiWriter(dst, hash), src); err != nil {
		dst.Close()
		return "", err
	}
	if err := dst.Close(); err != nil {
		return "", err
	}
	return "sha256:" + hex.EncodeToString(hash.Sum(nil)), nil
}

func sanitizeKey(key string) (string, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return "", nil
	}
	cleaned := filepath.Clean(filepath.FromSlash(key))
	if filepath.IsAbs(cleaned) || cleaned == ".." || strings.HasPrefix(cleaned, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("artifact key %q escapes the store", key)
	}
	return cleaned, nil
}

func metadataPath(path string) string {
	return path + ".json"
}

func fileURI(path string) string {
	return "file://" + path
}

func pathFromFileURI(uri string) (string, error) {
	uri = artifacts.NormalizeURI(uri)
	if !strings.HasPrefix(uri, "file://") {
		return "", errors.New("unsupported URI scheme")
	}
	return strings.TrimPrefix(uri, "file://"), nil
}

func detectContentType(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".gz", ".tgz":
		return "application/gzip"
	case ".zip":
		return "application/zip"
	case ".json":
		return "application/json"
	case ".txt", ".log":
		return "text/plain"
	default:
		return "application/octet-stream"
	}
}

func cloneMetadata(metadata map[string]any) map[string]any {
	if metadata == nil {
		return nil
	}
	cloned := make(map[string]any, len(metadata))
	for k, v := range metadata {
		cloned[k] = v
	}
	return cloned
}
