package hub

import (
	"context"
	"io"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Local publishes into a mirror directory laid out as <Root>/<kind>s/<repo>.
type Local struct {
	Root string
}

func (l *Local) Publish(ctx context.Context, upload Upload) error {
	files, err := upload.files()
	if err != nil {
		return err
	}
	target := filepath.Join(l.Root, upload.Kind.dir(), filepath.FromSlash(upload.Repo))
	for _, rel := range files {
		if err := ctx.Err(); err != nil {
			return err
		}
		src := filepath.Join(upload.Dir, filepath.FromSlash(rel))
		dst := filepath.Join(target, filepath.FromSlash(rel))
		if err := copyFile(src, dst); err != nil {
			return err
		}
	}
	klog.Infof("Published %d files of %s %q to %s", len(files), upload.Kind, upload.Repo, target)
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return errors.Wrapf(err, "opening %q", src)
	}
	defer in.Close()
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return errors.Wrapf(err, "creating %q", filepath.Dir(dst))
	}
	out, err := os.Create(dst)
	if err != nil {
		return errors.Wrapf(err, "creating %q", dst)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return errors.Wrapf(err, "copying %q to %q", src, dst)
	}
	return errors.Wrapf(out.Close(), "closing %q", dst)
}
