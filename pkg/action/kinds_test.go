package action

import (
	"context"
	"testing"

	"github.com/fleetworker/agent/pkg/ids"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// staticPathMapper is a fakePathMapper variant whose SortedRules() returns a
// non-empty static (storage-profile) rule set, so SyncInputsAction.Resolve's
// step 4 append+sort behavior (§4.2) is actually exercised.
type staticPathMapper struct {
	rules []PathMappingRule
}

func (m staticPathMapper) ResolveRoot(ctx context.Context, remoteRoot, workingDir string) (string, error) {
	return workingDir + "/" + remoteRoot, nil
}
func (m staticPathMapper) SortedRules() []PathMappingRule { return m.rules }

func TestSyncInputsResolveAppendsDynamicRulesToStaticRules(t *testing.T) {
	snap := testSnapshot()
	snap.PathMapper = staticPathMapper{rules: []PathMappingRule{
		{Source: "/storage/profile/long/static/path", Destination: "/mnt/static"},
	}}
	snap.EntityProvider = &fakeEntityProvider{
		att: &JobAttachmentDetails{
			ManifestsByRoot: map[string]string{"assets": "manifest://assets"},
			BlobStoreRoot:   "s3://bucket",
		},
	}

	a := NewSyncInputsAction("sessionaction-1", nil, false, false, false)
	script, err := a.Resolve(context.Background(), snap)
	require.NoError(t, err)

	// Both the static storage-profile rule and the dynamically-resolved
	// root->local mapping must appear in the download helper's --map args.
	assert.Contains(t, script.Args, "--map=/storage/profile/long/static/path:/mnt/static")
	assert.Contains(t, script.Args, "--map=assets:/sessions/session-abc/assets")

	// The static rule has more source-path components than the dynamic
	// one, so it must sort first (invariant 9: non-increasing component
	// count).
	staticIdx, dynamicIdx := -1, -1
	for i, arg := range script.Args {
		switch arg {
		case "--map=/storage/profile/long/static/path:/mnt/static":
			staticIdx = i
		case "--map=assets:/sessions/session-abc/assets":
			dynamicIdx = i
		}
	}
	require.NotEqual(t, -1, staticIdx)
	require.NotEqual(t, -1, dynamicIdx)
	assert.Less(t, staticIdx, dynamicIdx)
}

func TestSyncInputsResolveAppendsMultipleDynamicRootsSortedByComponentCount(t *testing.T) {
	snap := testSnapshot()
	snap.PathMapper = staticPathMapper{}
	snap.EntityProvider = &fakeEntityProvider{
		att: &JobAttachmentDetails{
			ManifestsByRoot: map[string]string{
				"assets":                  "manifest://assets",
				"textures/wood/oak/plank": "manifest://textures",
			},
			BlobStoreRoot: "s3://bucket",
		},
	}

	a := NewSyncInputsAction("sessionaction-1", nil, false, false, false)
	script, err := a.Resolve(context.Background(), snap)
	require.NoError(t, err)

	assert.Contains(t, script.Args, "--map=assets:/sessions/session-abc/assets")
	assert.Contains(t, script.Args, "--map=textures/wood/oak/plank:/sessions/session-abc/textures/wood/oak/plank")

	assetsIdx, texturesIdx := -1, -1
	for i, arg := range script.Args {
		switch arg {
		case "--map=assets:/sessions/session-abc/assets":
			assetsIdx = i
		case "--map=textures/wood/oak/plank:/sessions/session-abc/textures/wood/oak/plank":
			texturesIdx = i
		}
	}
	require.NotEqual(t, -1, assetsIdx)
	require.NotEqual(t, -1, texturesIdx)
	assert.Less(t, texturesIdx, assetsIdx)
}

func TestAttachmentUploadEntityRefIsJobAttachment(t *testing.T) {
	a := NewAttachmentUploadAction("sessionaction-1", "step-1", "task-1", nil)
	assert.Equal(t, EntityIdentifier{Kind: EntityKindJobAttachment, JobID: "job-1"}, a.EntityRef("job-1"))
}
