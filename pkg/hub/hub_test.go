package hub

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFetchLocal(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ConfigFile), []byte("{}"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, VocabFile), []byte("[PAD]\n"), 0o644))

	files, err := Fetch(context.Background(), "", Options{LocalDir: dir, Weights: true})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, ConfigFile), files.ConfigPath)
	assert.Equal(t, filepath.Join(dir, VocabFile), files.VocabPath)
	assert.Empty(t, files.WeightsPath)
	assert.Equal(t, dir, files.Dir())

	require.NoError(t, os.WriteFile(filepath.Join(dir, WeightsFile), []byte("x"), 0o644))
	files, err = Fetch(context.Background(), "", Options{LocalDir: dir, Weights: true})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, WeightsFile), files.WeightsPath)

	files, err = Fetch(context.Background(), "", Options{LocalDir: dir})
	require.NoError(t, err)
	assert.Empty(t, files.WeightsPath)
}

func TestFetchLocalMissingVocabulary(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ConfigFile), []byte("{}"), 0o644))
	_, err := Fetch(context.Background(), "", Options{LocalDir: dir})
	assert.Error(t, err)
}

func TestFetchRequiresRepository(t *testing.T) {
	_, err := Fetch(context.Background(), "", Options{})
	assert.Error(t, err)
}
