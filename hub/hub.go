// Package hub resolves model and dataset names to local files and publishes saved directories
// to a remote store.
//
// Three stores are supported, selected by the scheme of the endpoint:
//
//   - https://host: the Hugging Face hub HTTP API.
//   - s3://bucket/prefix: an S3 bucket.
//   - file:///dir: a local mirror directory, also searched by the Fetcher.
package hub

import (
	"context"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pkg/errors"
)

// Kind is the type of a repository.
type Kind string

const (
	KindModel   Kind = "model"
	KindDataset Kind = "dataset"
)

// dir is the directory of a kind inside mirrors and buckets.
func (k Kind) dir() string {
	return string(k) + "s"
}

// Options locate the remote store and the download cache.
type Options struct {
	Endpoint string
	Token    string
	CacheDir string
}

// Upload describes a directory to publish. Files are paths relative to Dir; when empty every
// regular file below Dir is published.
type Upload struct {
	Repo    string
	Kind    Kind
	Dir     string
	Files   []string
	Message string
}

// Publisher pushes a saved directory to a remote repository, creating the repository if needed.
// Publishing is not retried.
type Publisher interface {
	Publish(ctx context.Context, upload Upload) error
}

// NewPublisher picks the store for opts.Endpoint.
func NewPublisher(opts Options) (Publisher, error) {
	u, err := url.Parse(opts.Endpoint)
	if err != nil {
		return nil, errors.Wrapf(err, "parsing hub endpoint %q", opts.Endpoint)
	}
	switch u.Scheme {
	case "http", "https":
		return NewHuggingFace(opts.Endpoint, opts.Token), nil
	case "s3":
		store, err := NewS3(context.Background(), u.Host, strings.Trim(u.Path, "/"))
		if err != nil {
			return nil, err
		}
		return store, nil
	case "file":
		return &Local{Root: u.Path}, nil
	}
	return nil, errors.Errorf("unsupported hub endpoint %q", opts.Endpoint)
}

// RepoName is the repository a local directory is published to: the directory itself unless it
// is absolute, in which case only its base name is used.
func RepoName(dir string) string {
	if filepath.IsAbs(dir) {
		return filepath.Base(dir)
	}
	return filepath.ToSlash(filepath.Clean(dir))
}

// mirrorRoot returns the local directory of a file:// endpoint.
func mirrorRoot(endpoint string) (string, bool) {
	u, err := url.Parse(endpoint)
	if err != nil || u.Scheme != "file" {
		return "", false
	}
	return u.Path, true
}

// files returns the upload's files relative to its directory, sorted.
func (u Upload) files() ([]string, error) {
	if len(u.Files) > 0 {
		return u.Files, nil
	}
	var files []string
	err := filepath.WalkDir(u.Dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != u.Dir && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(u.Dir, path)
		if err != nil {
			return err
		}
		files = append(files, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "listing %q", u.Dir)
	}
	sort.Strings(files)
	return files, nil
}

func (u Upload) message() string {
	if u.Message != "" {
		return u.Message
	}
	return "Upload " + string(u.Kind)
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
