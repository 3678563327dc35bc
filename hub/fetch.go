package hub

import (
	"os"
	"path"
	"path/filepath"
	"slices"
	"sort"
	"strings"

	hfhub "github.com/gomlx/go-huggingface/hub"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// modelFiles are the files of a model repository the initializer and the trainer read.
var modelFiles = []string{
	"config.json",
	"model.bin",
	"tokenizer_config.json",
	"tokenizer.bin",
	"tokenizer.json",
	"vocab.json",
	"merges.txt",
}

var dataExtensions = []string{".parquet", ".jsonl", ".json"}

// Fetcher resolves model and dataset names to local paths. A name is tried as a local path,
// then inside the file:// mirror of the endpoint, and finally downloaded from the Hugging Face
// hub into CacheDir.
type Fetcher struct {
	opts Options
}

func NewFetcher(opts Options) *Fetcher {
	return &Fetcher{opts: opts}
}

// Model returns the local directory holding the files of a model repository.
func (f *Fetcher) Model(name string) (string, error) {
	if st, err := os.Stat(name); err == nil && st.IsDir() {
		return name, nil
	}
	if root, ok := mirrorRoot(f.opts.Endpoint); ok {
		dir := filepath.Join(root, KindModel.dir(), filepath.FromSlash(name))
		if exists(dir) {
			return dir, nil
		}
		return "", errors.Errorf("model %q not found in mirror %q", name, root)
	}
	repo := f.repo(name, hfhub.RepoTypeModel)
	if err := repo.DownloadInfo(false); err != nil {
		return "", errors.Wrapf(err, "fetching info of model %q", name)
	}
	var wanted []string
	for file, err := range repo.IterFileNames() {
		if err != nil {
			return "", errors.Wrapf(err, "listing model %q", name)
		}
		if slices.Contains(modelFiles, file) {
			wanted = append(wanted, file)
		}
	}
	if len(wanted) == 0 {
		return "", errors.Errorf("model %q has none of the files %v", name, modelFiles)
	}
	paths, err := repo.DownloadFiles(wanted...)
	if err != nil {
		return "", errors.Wrapf(err, "downloading model %q", name)
	}
	klog.V(1).Infof("Fetched %d files of model %q", len(paths), name)
	return filepath.Dir(paths[0]), nil
}

// Dataset returns the data files of a dataset split, sorted. An empty split selects every data
// file.
func (f *Fetcher) Dataset(name, split string) ([]string, error) {
	if st, err := os.Stat(name); err == nil {
		if !st.IsDir() {
			return []string{name}, nil
		}
		return localDataFiles(name, split)
	}
	if root, ok := mirrorRoot(f.opts.Endpoint); ok {
		dir := filepath.Join(root, KindDataset.dir(), filepath.FromSlash(name))
		if !exists(dir) {
			return nil, errors.Errorf("dataset %q not found in mirror %q", name, root)
		}
		return localDataFiles(dir, split)
	}
	repo := f.repo(name, hfhub.RepoTypeDataset)
	if err := repo.DownloadInfo(false); err != nil {
		return nil, errors.Wrapf(err, "fetching info of dataset %q", name)
	}
	var wanted []string
	for file, err := range repo.IterFileNames() {
		if err != nil {
			return nil, errors.Wrapf(err, "listing dataset %q", name)
		}
		if isDataFile(file, split) {
			wanted = append(wanted, file)
		}
	}
	if len(wanted) == 0 {
		return nil, errors.Errorf("dataset %q has no data files for split %q", name, split)
	}
	sort.Strings(wanted)
	paths, err := repo.DownloadFiles(wanted...)
	if err != nil {
		return nil, errors.Wrapf(err, "downloading dataset %q", name)
	}
	klog.V(1).Infof("Fetched %d files of dataset %q split %q", len(paths), name, split)
	return paths, nil
}

func (f *Fetcher) repo(name string, kind hfhub.RepoType) *hfhub.Repo {
	repo := hfhub.New(name).WithType(kind)
	if f.opts.Token != "" {
		repo = repo.WithAuth(f.opts.Token)
	}
	if f.opts.CacheDir != "" {
		repo = repo.WithCacheDir(f.opts.CacheDir)
	}
	return repo
}

func localDataFiles(dir, split string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(dir, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if p != dir && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		if isDataFile(filepath.ToSlash(rel), split) {
			files = append(files, p)
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "listing %q", dir)
	}
	if len(files) == 0 {
		return nil, errors.Errorf("no data files for split %q in %q", split, dir)
	}
	sort.Strings(files)
	return files, nil
}

// isDataFile reports whether a repository path holds data of split: one of its directories is
// named after the split, or its file name starts with it ("train-00000-of-00002.parquet").
func isDataFile(file, split string) bool {
	ext := path.Ext(file)
	if !slices.Contains(dataExtensions, ext) {
		return false
	}
	if split == "" {
		return true
	}
	parts := strings.Split(file, "/")
	for _, dir := range parts[:len(parts)-1] {
		if dir == split {
			return true
		}
	}
	base := strings.TrimSuffix(parts[len(parts)-1], ext)
	if base == split {
		return true
	}
	for _, sep := range []string{"-", "_", "."} {
		if strings.HasPrefix(base, split+sep) {
			return true
		}
	}
	return false
}
