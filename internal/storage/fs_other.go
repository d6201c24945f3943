//go:build !darwin && !linux

package storage

// filesystemType is unknown here; the local-disk check is skipped.
func filesystemType(path string) (string, error) {
	return "", nil
}
