// Package pathmap implements action.PathMapper: resolving a job
// attachment's declared manifest roots onto this worker's local
// filesystem, using the storage-profile rules configured for the queue.
package pathmap

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/afero"

	"github.com/fleetworker/agent/pkg/action"
)

// Rule is one configured source (queue-declared root name or path prefix)
// to destination (local directory) mapping, as delivered by a queue's
// storage profile.
type Rule struct {
	Source      string
	Destination string
}

// Mapper resolves manifest roots to local paths under a session's working
// directory, creating the destination directories on an afero filesystem
// (os.Fs in production, an in-memory Fs in tests).
type Mapper struct {
	fs    afero.Fs
	rules []Rule
}

// New constructs a Mapper with the given storage-profile rules. Rules are
// consulted in ResolveRoot by longest-source-prefix match; SortedRules
// exposes them ordered for the openjd executor per invariant 9
// (strictly non-increasing source-path component count).
func New(fs afero.Fs, rules []Rule) *Mapper {
	return &Mapper{fs: fs, rules: rules}
}

// ResolveRoot maps a manifest root name to a local directory under
// workingDir, applying the longest matching configured rule if any, and
// creating the directory if it does not exist.
func (m *Mapper) ResolveRoot(ctx context.Context, remoteRoot string, workingDir string) (string, error) {
	dest := remoteRoot
	bestLen := -1
	for _, r := range m.rules {
		if strings.HasPrefix(remoteRoot, r.Source) && len(r.Source) > bestLen {
			dest = r.Destination
			bestLen = len(r.Source)
		}
	}
	local := filepath.Join(workingDir, sanitize(dest))
	if err := m.fs.MkdirAll(local, 0755); err != nil {
		return "", fmt.Errorf("pathmap: create local root %q: %w", local, err)
	}
	return local, nil
}

// SortedRules returns the configured rules as action.PathMappingRule,
// sorted by strictly non-increasing source-path component count.
func (m *Mapper) SortedRules() []action.PathMappingRule {
	out := make([]action.PathMappingRule, len(m.rules))
	for i, r := range m.rules {
		out[i] = action.PathMappingRule{Source: r.Source, Destination: r.Destination}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return componentCount(out[i].Source) > componentCount(out[j].Source)
	})
	return out
}

func componentCount(path string) int {
	path = strings.Trim(path, "/\\")
	if path == "" {
		return 0
	}
	return len(strings.FieldsFunc(path, func(r rune) bool { return r == '/' || r == '\\' }))
}

func sanitize(name string) string {
	return strings.TrimPrefix(filepath.Clean("/"+name), "/")
}
