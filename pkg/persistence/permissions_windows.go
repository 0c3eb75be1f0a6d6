//go:build windows

package persistence

import "github.com/hectane/go-acl"

// hardenPermissions restricts the credential database to the current user
// via an explicit ACL, since os.Chmod's POSIX bits are a no-op on Windows.
func hardenPermissions(path string) error {
	return acl.Chmod(path, 0600)
}
