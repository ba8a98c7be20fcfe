package proxy

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"transferd/internal/task"
)

// ArchivePath resolves an archive location to a file under baseArchive.
func ArchivePath(baseArchive string, loc task.Location) (string, error) {
	if baseArchive == "" {
		return "", fmt.Errorf("archive base is not configured")
	}
	return ResolveUnder(filepath.Join(baseArchive, loc.ContainerID), loc.Path)
}

// ResolveUnder joins rel onto root and rejects results that escape root.
func ResolveUnder(root, rel string) (string, error) {
	root = filepath.Clean(root)
	full := filepath.Join(root, filepath.FromSlash(strings.TrimPrefix(rel, "/")))
	if full != root && !strings.HasPrefix(full, root+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes %s", rel, root)
	}
	return full, nil
}

// PartFile creates the temporary file a transfer writes before it is renamed
// onto final. The returned cleanup removes the temporary file if it still
// exists.
func PartFile(final string) (*os.File, func() error, error) {
	if err := os.MkdirAll(filepath.Dir(final), 0o755); err != nil {
		return nil, nil, fmt.Errorf("failed to create directory: %w", err)
	}
	f, err := os.CreateTemp(filepath.Dir(final), "."+filepath.Base(final)+".*.part")
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create temporary file: %w", err)
	}
	name := f.Name()
	cleanup := func() error {
		err := os.Remove(name)
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return f, cleanup, nil
}
