package identity

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hemantsingh443/remote-commit/internal/fault"
)

func TestLoadOrCreateIsStable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data", "identity.key")

	first, err := LoadOrCreate(path)
	require.NoError(t, err)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	second, err := LoadOrCreate(path)
	require.NoError(t, err)
	assert.Equal(t, first.ID(), second.ID())

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, first.ID(), loaded.ID())
}

func TestSignVerifies(t *testing.T) {
	ident, err := LoadOrCreate(filepath.Join(t.TempDir(), "identity.key"))
	require.NoError(t, err)

	msg := []byte("commit request")
	sig, err := ident.Sign(msg)
	require.NoError(t, err)

	ok, err := ident.PrivKey().GetPublic().Verify(msg, sig)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCorruptKeyIsFatal(t *testing.T) {
	path := filepath.Join(t.TempDir(), "identity.key")
	require.NoError(t, os.WriteFile(path, []byte("not a key"), 0600))

	_, err := LoadOrCreate(path)
	require.Error(t, err)
	assert.True(t, fault.IsKind(err, fault.Configuration), "got %v", err)

	// The corrupt file is left for the operator to inspect.
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, []byte("not a key"), data)
}

func TestLoadMissing(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "identity.key"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestConcurrentCreateAgrees(t *testing.T) {
	path := filepath.Join(t.TempDir(), "identity.key")

	const n = 8
	ids := make([]string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ident, err := LoadOrCreate(path)
			if assert.NoError(t, err) {
				ids[i] = ident.ID().String()
			}
		}(i)
	}
	wg.Wait()

	for _, id := range ids[1:] {
		assert.Equal(t, ids[0], id)
	}

	leftovers, err := filepath.Glob(filepath.Join(filepath.Dir(path), ".identity-*.tmp"))
	require.NoError(t, err)
	assert.Empty(t, leftovers)
}
