package setup

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

var ConfigDir = "/etc/tavalid"
var StorageDir = "/var/lib/tavalid/"

func configFiles() []string {
	return []string{
		filepath.Join(ConfigDir, "networking.json"),
	}
}

// Verify reports whether `tavalid setup` has run on this host.
func Verify() error {
	for _, file := range configFiles() {
		if _, err := os.Stat(file); err != nil {
			return fmt.Errorf("file %s does not exist", file)
		}
	}
	return nil
}

func ClearConfig() error {
	getLogger().Info("clearing configuration files", "dir", ConfigDir)

	for _, file := range configFiles() {
		if err := os.Remove(file); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("failed to remove %s: %w", file, err)
		}
	}
	return nil
}
