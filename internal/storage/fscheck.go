package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Filesystems on which SQLite file locking cannot be trusted.
var remoteFilesystems = map[string]struct{}{
	"afpfs":  {},
	"cifs":   {},
	"nfs":    {},
	"smbfs":  {},
	"smb2":   {},
	"webdav": {},
}

func checkLocalFilesystem(path string) error {
	return checkLocalFilesystemWith(path, filesystemType)
}

func checkLocalFilesystemWith(path string, fsType func(string) (string, error)) error {
	existing, err := closestExisting(path)
	if err != nil {
		return fmt.Errorf("resolve storage path %q: %w", path, err)
	}

	kind, err := fsType(existing)
	if err != nil {
		return fmt.Errorf("detect filesystem for %q: %w", existing, err)
	}
	if isRemoteFilesystem(kind) {
		return fmt.Errorf("fabric store %q is on network filesystem %q; pick a local --storage-path", path, kind)
	}
	return nil
}

// closestExisting walks up from path to the first directory that exists.
func closestExisting(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("absolute path: %w", err)
	}

	for dir := abs; ; {
		_, err := os.Stat(dir)
		switch {
		case err == nil:
			return dir, nil
		case !errors.Is(err, os.ErrNotExist):
			return "", fmt.Errorf("stat %q: %w", dir, err)
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("no existing parent for %q", abs)
		}
		dir = parent
	}
}

func isRemoteFilesystem(kind string) bool {
	_, ok := remoteFilesystems[strings.ToLower(strings.TrimSpace(kind))]
	return ok
}
