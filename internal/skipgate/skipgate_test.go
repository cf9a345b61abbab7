package skipgate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/xphate/internal/fsutil"
	"github.com/banshee-data/xphate/internal/monitoring"
)

func TestKeyName(t *testing.T) {
	k := Key{Dir: "/out", Count: 8, Stage: StageFeatures}
	assert.Equal(t, "xphate_skip_8f", k.Name())
	assert.Equal(t, "/out/xphate_skip_8f", k.Path())
	assert.Equal(t, "xphate_skip_50s", Key{Count: 50, Stage: StageSamples}.Name())
}

func TestTooSmall(t *testing.T) {
	tests := []struct {
		key  Key
		want bool
	}{
		{Key{Count: 9, Stage: StageFeatures}, true},
		{Key{Count: 10, Stage: StageFeatures}, false},
		{Key{Count: 50, Stage: StageSamples}, true},
		{Key{Count: 51, Stage: StageSamples}, false},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, tc.key.TooSmall(), tc.key.Name())
	}
}

func TestCheckOrMark_Idempotent(t *testing.T) {
	monitoring.SetLogger(nil)
	store := NewMemoryStore()
	g := &Gate{Store: store}
	k := Key{Dir: "/out", Count: 8, Stage: StageFeatures}

	first, err := g.CheckOrMark(k)
	require.NoError(t, err)
	assert.True(t, first.Skip)
	assert.False(t, first.Cached)
	assert.Contains(t, first.Reason, "too few features")

	second, err := g.CheckOrMark(k)
	require.NoError(t, err)
	assert.Equal(t, first.Skip, second.Skip)
	assert.True(t, second.Cached, "second call is answered by the marker")
	assert.Equal(t, 1, store.Writes)
}

func TestCheckOrMark_LargeInputPasses(t *testing.T) {
	store := NewMemoryStore()
	g := &Gate{Store: store}

	d, err := g.CheckOrMark(Key{Dir: "/out", Count: 120, Stage: StageSamples})
	require.NoError(t, err)
	assert.False(t, d.Skip)
	assert.Zero(t, store.Writes)
}

func TestCheckOrMark_ExistingMarkerWins(t *testing.T) {
	monitoring.SetLogger(nil)
	store := NewMemoryStore()
	k := Key{Dir: "/out", Count: 200, Stage: StageSamples}
	require.NoError(t, store.Mark(k))

	d, err := (&Gate{Store: store}).CheckOrMark(k)
	require.NoError(t, err)
	assert.True(t, d.Skip)
	assert.True(t, d.Cached)
}

func TestFileStore(t *testing.T) {
	monitoring.SetLogger(nil)
	for name, fsys := range map[string]fsutil.FileSystem{
		"memory": fsutil.NewMemoryFileSystem(),
		"os":     fsutil.OSFileSystem{},
	} {
		t.Run(name, func(t *testing.T) {
			dir := t.TempDir() + "/results"
			store := &FileStore{FS: fsys}
			k := Key{Dir: dir, Count: 8, Stage: StageFeatures}

			d, err := (&Gate{Store: store}).CheckOrMark(k)
			require.NoError(t, err)
			assert.True(t, d.Skip)

			info, err := fsys.Stat(k.Path())
			require.NoError(t, err)
			assert.Zero(t, info.Size())

			ok, err := store.Exists(k)
			require.NoError(t, err)
			assert.True(t, ok)

			ok, err = store.Exists(Key{Dir: dir, Count: 9, Stage: StageFeatures})
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}
