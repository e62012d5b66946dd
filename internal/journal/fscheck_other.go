//go:build !darwin && !linux

package journal

// detectFilesystem reports an unknown type, which is treated as local.
func detectFilesystem(string) (string, error) {
	return "", nil
}
