package artifacts

import (
	"errors"
	"fmt"
	"net/url"
	"path"
	"strings"
)

// ErrUnsupportedScheme is returned when no store handles a reference.
var ErrUnsupportedScheme = errors.New("unsupported artifact URI scheme")

func PathFromURI(uri string) (string, error) {
	if !strings.HasPrefix(uri, "file://") {
		return "", errors.New("not a file:// URI")
	}
	return strings.TrimPrefix(uri, "file://"), nil
}

// SchemeOf returns the lower-cased scheme of an artifact reference. Bare
// paths are treated as file references.
func SchemeOf(uri string) string {
	uri = strings.TrimSpace(uri)
	idx := strings.Index(uri, "://")
	if idx <= 0 {
		return "file"
	}
	return strings.ToLower(uri[:idx])
}

// NormalizeURI turns bare paths into file:// references.
func NormalizeURI(uri string) string {
	uri = strings.TrimSpace(uri)
	if uri == "" || strings.Contains(uri, "://") {
		return uri
	}
	return "file://" + uri
}

// BaseName returns the final path element of a reference, used to name
// fetched copies.
func BaseName(uri string) string {
	uri = strings.TrimSpace(uri)
	if parsed, err := url.Parse(uri); err == nil && parsed.Path != "" {
		return path.Base(parsed.Path)
	}
	return path.Base(uri)
}

// ParseS3URI splits s3://bucket/key into its parts.
func ParseS3URI(uri string) (string, string, error) {
	if !strings.HasPrefix(uri, "s3://") {
		return "", "", fmt.Errorf("not an s3:// URI: %q", uri)
	}
	rest := strings.TrimPrefix(uri, "s3://")
	bucket, key, ok := strings.Cut(rest, "/")
	if !ok || bucket == "" || key == "" {
		return "", "", fmt.Errorf("s3 URI %q must name a bucket and key", uri)
	}
	return bucket, key, nil
}
