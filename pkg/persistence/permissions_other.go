//go:build !windows

package persistence

import "os"

// hardenPermissions relies on bolt.Open's 0600 mode on POSIX; this just
// reasserts it in case an existing file had looser permissions.
func hardenPermissions(path string) error {
	return os.Chmod(path, 0600)
}
