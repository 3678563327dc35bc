package hub

import (
	"context"
	"os"
	"path"
	"path/filepath"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// S3 publishes into a bucket under <Prefix>/<kind>s/<repo>/. Credentials, region and endpoint come
// from the standard AWS environment.
type S3 struct {
	Bucket   string
	Prefix   string
	uploader *manager.Uploader
}

func NewS3(ctx context.Context, bucket, prefix string) (*S3, error) {
	if bucket == "" {
		return nil, errors.New("the s3 bucket is empty")
	}
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "loading AWS config")
	}
	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.UsePathStyle = true
	})
	return &S3{Bucket: bucket, Prefix: prefix, uploader: manager.NewUploader(client)}, nil
}

func (s *S3) key(upload Upload, rel string) string {
	return path.Join(s.Prefix, upload.Kind.dir(), upload.Repo, rel)
}

func (s *S3) Publish(ctx context.Context, upload Upload) error {
	files, err := upload.files()
	if err != nil {
		return err
	}
	for _, rel := range files {
		if err := s.put(ctx, filepath.Join(upload.Dir, filepath.FromSlash(rel)), s.key(upload, rel)); err != nil {
			return err
		}
	}
	klog.Infof("Published %d files of %s %q to s3://%s/%s", len(files), upload.Kind, upload.Repo, s.Bucket, s.key(upload, ""))
	return nil
}

func (s *S3) put(ctx context.Context, src, key string) error {
	f, err := os.Open(src)
	if err != nil {
		return errors.Wrapf(err, "opening %q", src)
	}
	defer f.Close()
	_, err = s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.Bucket),
		Key:    aws.String(key),
		Body:   f,
	})
	return errors.Wrapf(err, "uploading %q to s3://%s/%s", src, s.Bucket, key)
}
