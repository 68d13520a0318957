//go:build !darwin && !linux

package storage

// detectFilesystemType cannot tell filesystems apart on this platform; every
// path is treated as local.
func detectFilesystemType(string) (string, error) {
	return "unknown", nil
}
