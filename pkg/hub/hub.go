// Package hub resolves model files from the Hugging Face hub or a local
// directory.
package hub

import (
	"context"
	"os"
	"path/filepath"

	hfhub "github.com/gomlx/go-huggingface/hub"
	"github.com/pkg/errors"
)

// File names looked up in a model repository.
const (
	ConfigFile  = "config.json"
	VocabFile   = "vocab.txt"
	WeightsFile = "model.safetensors"
)

// Options control where files come from.
type Options struct {
	// Token authenticates against the hub; empty for public repositories.
	Token string
	// CacheDir overrides the hub cache directory.
	CacheDir string
	// LocalDir reads the files from a directory instead of the hub.
	LocalDir string
	// Weights also fetches model.safetensors when the repository has one.
	Weights bool
}

// Files are the local paths of a model's files. WeightsPath is empty when no
// weights were requested or available.
type Files struct {
	RepoID      string
	ConfigPath  string
	VocabPath   string
	WeightsPath string
}

// Dir returns the directory holding the config.
func (f *Files) Dir() string {
	return filepath.Dir(f.ConfigPath)
}

// Fetch returns the config and vocabulary of repoID, downloading them into
// the hub cache unless opts.LocalDir is set.
func Fetch(ctx context.Context, repoID string, opts Options) (*Files, error) {
	if opts.LocalDir != "" {
		return fetchLocal(opts)
	}
	if repoID == "" {
		return nil, errors.New("model repository id is required")
	}
	repo := hfhub.New(repoID).WithAuth(opts.Token)
	if opts.CacheDir != "" {
		repo = repo.WithCacheDir(opts.CacheDir)
	}
	files := &Files{RepoID: repoID}
	for _, f := range []struct {
		name string
		dst  *string
	}{
		{ConfigFile, &files.ConfigPath},
		{VocabFile, &files.VocabPath},
	} {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !repo.HasFile(f.name) {
			return nil, errors.Errorf("repository %q has no %s", repoID, f.name)
		}
		path, err := repo.DownloadFile(f.name)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to download %s from %q", f.name, repoID)
		}
		*f.dst = path
	}
	if opts.Weights && repo.HasFile(WeightsFile) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		path, err := repo.DownloadFile(WeightsFile)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to download %s from %q", WeightsFile, repoID)
		}
		files.WeightsPath = path
	}
	return files, nil
}

func fetchLocal(opts Options) (*Files, error) {
	files := &Files{
		ConfigPath: filepath.Join(opts.LocalDir, ConfigFile),
		VocabPath:  filepath.Join(opts.LocalDir, VocabFile),
	}
	for _, path := range []string{files.ConfigPath, files.VocabPath} {
		if _, err := os.Stat(path); err != nil {
			return nil, errors.Wrapf(err, "model directory %s", opts.LocalDir)
		}
	}
	if opts.Weights {
		weights := filepath.Join(opts.LocalDir, WeightsFile)
		if _, err := os.Stat(weights); err == nil {
			files.WeightsPath = weights
		}
	}
	return files, nil
}
