package sandbox

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/kdomanski/iso9660"
)

const (
	payloadMarker      = "tavalid_payload"
	payloadBundleName  = "bundle.tgz"
	payloadSamplesDir  = "samples"
	payloadSampleName  = "samples.log"
	payloadISOFileName = "payload.iso"
)

// preparePayloadDisk stages the bundle and samples of a request into a
// read-only ISO attached to the domain at boot. The marker file lets the
// guest tell the payload disk apart from other optical drives. File names are
// fixed because ISO9660 mangles anything outside [A-Z0-9_.].
func preparePayloadDisk(runDir, requestID, bundlePath, samplePath string) (string, error) {
	if bundlePath == "" && samplePath == "" {
		return "", nil
	}

	stagingDir := filepath.Join(runDir, "payload_data")
	if err := os.RemoveAll(stagingDir); err != nil && !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("clear payload staging directory: %w", err)
	}
	if err := os.MkdirAll(filepath.Join(stagingDir, payloadSamplesDir), 0o755); err != nil {
		return "", fmt.Errorf("create payload staging directory: %w", err)
	}

	if err := os.WriteFile(filepath.Join(stagingDir, payloadMarker), []byte(requestID+"\n"), 0o644); err != nil {
		return "", fmt.Errorf("create payload marker: %w", err)
	}
	if bundlePath != "" {
		if err := copyFile(bundlePath, filepath.Join(stagingDir, payloadBundleName), 0o644); err != nil {
			return "", fmt.Errorf("stage bundle: %w", err)
		}
	}
	if samplePath != "" {
		if err := copyFile(samplePath, filepath.Join(stagingDir, payloadSamplesDir, payloadSampleName), 0o644); err != nil {
			return "", fmt.Errorf("stage samples: %w", err)
		}
	}

	imagePath := filepath.Join(runDir, payloadISOFileName)
	if err := createISOFromDirectory(stagingDir, imagePath, sanitizeVolumeLabel("TAVALID", requestID)); err != nil {
		return "", fmt.Errorf("create payload disk image: %w", err)
	}
	return imagePath, nil
}

func copyFile(src, dst string, perm fs.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, perm)
	if err != nil {
		return err
	}

	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func createISOFromDirectory(sourceDir, imagePath, volumeLabel string) error {
	writer, err := iso9660.NewWriter()
	if err != nil {
		return fmt.Errorf("create iso writer: %w", err)
	}
	defer writer.Cleanup()

	if err := writer.AddLocalDirectory(sourceDir, "/"); err != nil {
		return fmt.Errorf("stage directory: %w", err)
	}

	out, err := os.OpenFile(imagePath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("create image file: %w", err)
	}

	if err := writer.WriteTo(out, volumeLabel); err != nil {
		out.Close()
		_ = os.Remove(imagePath)
		return fmt.Errorf("write iso: %w", err)
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(imagePath)
		return fmt.Errorf("finalize iso: %w", err)
	}
	return nil
}

func sanitizeVolumeLabel(parts ...string) string {
	const maxLen = 32

	label := strings.Join(parts, "_")
	var b strings.Builder
	for _, r := range label {
		if b.Len() >= maxLen {
			break
		}
		switch {
		case r >= 'a' && r <= 'z':
			b.WriteRune(r - ('a' - 'A'))
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}

	if b.Len() == 0 {
		return "TAVALID"
	}
	return b.String()
}
