package archiveindex

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestIndex(t *testing.T) *Index {
	t.Helper()
	ix, err := Open(filepath.Join(t.TempDir(), "runs.sqlite"))
	require.NoError(t, err)
	t.Cleanup(func() { ix.Close() })
	return ix
}

func TestInsertAndList(t *testing.T) {
	t.Parallel()
	ix := openTestIndex(t)

	started := time.Unix(1700000000, 0)
	run := Run{
		RunUUID:     uuid.NewString(),
		ArchivePath: "/data/braid_20260801_120000.braidz",
		StartedAt:   started,
		SealedAt:    started.Add(10 * time.Minute),
		FrameCount:  60000,
		CameraCount: 4,
		TrackCount:  17,
	}
	require.NoError(t, ix.Insert(run))

	runs, err := ix.List()
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, run.RunUUID, runs[0].RunUUID)
	assert.Equal(t, run.FrameCount, runs[0].FrameCount)
	assert.True(t, runs[0].StartedAt.Equal(started))
}

func TestListOrdersMostRecentFirst(t *testing.T) {
	t.Parallel()
	ix := openTestIndex(t)

	base := time.Unix(1700000000, 0)
	for i := 0; i < 3; i++ {
		require.NoError(t, ix.Insert(Run{
			RunUUID:     uuid.NewString(),
			ArchivePath: "/data/run.braidz",
			StartedAt:   base,
			SealedAt:    base.Add(time.Duration(i) * time.Hour),
		}))
	}
	runs, err := ix.List()
	require.NoError(t, err)
	require.Len(t, runs, 3)
	assert.True(t, runs[0].SealedAt.After(runs[1].SealedAt))
	assert.True(t, runs[1].SealedAt.After(runs[2].SealedAt))
}

func TestDuplicateRunUUIDRejected(t *testing.T) {
	t.Parallel()
	ix := openTestIndex(t)
	run := Run{RunUUID: uuid.NewString(), ArchivePath: "/a", StartedAt: time.Now(), SealedAt: time.Now()}
	require.NoError(t, ix.Insert(run))
	assert.Error(t, ix.Insert(run))
}
