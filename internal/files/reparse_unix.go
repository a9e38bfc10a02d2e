//go:build !windows

package files

// isReparsePoint is a Windows concept; symlinks are caught by Lstat elsewhere.
func isReparsePoint(string) (bool, error) {
	return false, nil
}
