//go:build !linux

package procreap

// OwnerFromProc has no portable implementation outside Linux in this build;
// callers treat every pid as unowned, which is safe (it just means reap
// skips it) but not complete. A Windows build would resolve this via
// OpenProcessToken instead.
func OwnerFromProc(pid int) (string, bool) {
	return "", false
}
