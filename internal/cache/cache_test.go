package cache

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type payload struct {
	Findings []string `json:"findings"`
	Count    int      `json:"count"`
}

func TestKeyDependsOnContentAndFingerprint(t *testing.T) {
	base := Key([]byte("int main() {}"), "format=true cap=1000")

	assert.Equal(t, base, Key([]byte("int main() {}"), "format=true cap=1000"))
	assert.NotEqual(t, base, Key([]byte("int main() { }"), "format=true cap=1000"))
	assert.NotEqual(t, base, Key([]byte("int main() {}"), "format=false cap=1000"))
}

func TestResultCacheRoundTrip(t *testing.T) {
	c, err := NewResultCache(t.TempDir(), time.Hour, zap.NewNop())
	require.NoError(t, err)

	key := Key([]byte("content"), "opts")
	var got payload
	assert.False(t, c.Get(key, &got))

	want := payload{Findings: []string{"UseAfterFree"}, Count: 1}
	require.NoError(t, c.Set(key, "a.c", want))
	require.True(t, c.Get(key, &got))
	assert.Equal(t, want, got)

	require.NoError(t, c.Remove(key))
	assert.False(t, c.Get(key, &got))
}

func TestResultCacheRejectsExpiredEntries(t *testing.T) {
	c, err := NewResultCache(t.TempDir(), time.Nanosecond, zap.NewNop())
	require.NoError(t, err)

	key := Key([]byte("content"), "opts")
	require.NoError(t, c.Set(key, "a.c", payload{Count: 1}))
	time.Sleep(time.Millisecond)

	var got payload
	assert.False(t, c.Get(key, &got))
	_, statErr := os.Stat(filepath.Join(c.cacheDir, key+entrySuffix))
	assert.True(t, os.IsNotExist(statErr), "expired entry should be removed")
}

func TestResultCacheRejectsCorruptEntries(t *testing.T) {
	dir := t.TempDir()
	c, err := NewResultCache(dir, time.Hour, nil)
	require.NoError(t, err)

	key := Key([]byte("content"), "opts")
	require.NoError(t, os.WriteFile(filepath.Join(dir, key+entrySuffix), []byte("{not json"), 0644))

	var got payload
	assert.False(t, c.Get(key, &got))
}

func TestResultCacheClearAndStats(t *testing.T) {
	dir := t.TempDir()
	c, err := NewResultCache(dir, time.Hour, zap.NewNop())
	require.NoError(t, err)

	for _, name := range []string{"a", "b", "c"} {
		require.NoError(t, c.Set(Key([]byte(name), ""), name+".c", payload{Count: 1}))
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README"), []byte("keep"), 0644))

	stats, err := c.GetStats()
	require.NoError(t, err)
	assert.Equal(t, 3, stats["total_entries"])

	require.NoError(t, c.Clear())
	stats, err = c.GetStats()
	require.NoError(t, err)
	assert.Equal(t, 0, stats["total_entries"])
	assert.FileExists(t, filepath.Join(dir, "README"))
}

func TestResultCacheCleanupEnforcesSize(t *testing.T) {
	c, err := NewResultCache(t.TempDir(), time.Hour, zap.NewNop())
	require.NoError(t, err)
	c.maxSize = 1

	require.NoError(t, c.Set(Key([]byte("a"), ""), "a.c", payload{Count: 1}))
	require.NoError(t, c.Cleanup())

	stats, err := c.GetStats()
	require.NoError(t, err)
	assert.Equal(t, 0, stats["total_entries"])
}
