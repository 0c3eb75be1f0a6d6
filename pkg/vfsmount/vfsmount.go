// Package vfsmount implements action.AttachmentMounter. No FUSE/virtual
// filesystem library exists anywhere in the retrieval pack, so virtual
// mount support is reported unavailable on every platform and Mount
// always fails; SYNC_INPUTS/ATTACHMENT_UPLOAD actions fall back to the
// direct-download path (§4.2 "virtual mount path") whenever this
// mounter is wired in.
package vfsmount

import (
	"context"
	"fmt"
)

// Unsupported is an action.AttachmentMounter that never supports virtual
// mounting, forcing the direct-download manifest path.
type Unsupported struct{}

// SupportsVirtualMount always reports false.
func (Unsupported) SupportsVirtualMount(platform string) bool { return false }

// Mount always fails; callers must check SupportsVirtualMount first.
func (Unsupported) Mount(ctx context.Context, manifestRoots map[string]string, hasSufficientPermissions bool) error {
	return fmt.Errorf("vfsmount: virtual attachment mounting is not supported by this build")
}
