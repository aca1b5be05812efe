package sandbox

import (
	"archive/tar"
	"bufio"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strings"
)

// AppName returns the top-level directory of a gzipped tar bundle, which is
// the name the platform registers the app under.
func AppName(bundlePath string) (string, error) {
	f, err := os.Open(bundlePath)
	if err != nil {
		return "", err
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return "", fmt.Errorf("open bundle %s: %w", bundlePath, err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return "", fmt.Errorf("bundle %s is empty", bundlePath)
		}
		if err != nil {
			return "", fmt.Errorf("read bundle %s: %w", bundlePath, err)
		}

		name := strings.TrimPrefix(path.Clean(hdr.Name), "./")
		if name == "." || name == "" || strings.HasPrefix(name, "..") {
			continue
		}
		top, _, _ := strings.Cut(name, "/")
		if top != "" {
			return top, nil
		}
	}
}

// CountLines returns the number of non-empty lines in a sample file.
func CountLines(samplePath string) (int, error) {
	f, err := os.Open(samplePath)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	count := 0
	for scanner.Scan() {
		if strings.TrimSpace(scanner.Text()) != "" {
			count++
		}
	}
	return count, scanner.Err()
}
