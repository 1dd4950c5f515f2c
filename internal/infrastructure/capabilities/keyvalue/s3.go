package keyvalue

import (
	"bytes"
	"context"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/reglet-dev/caphost/internal/domain/capabilities"
	"github.com/reglet-dev/caphost/internal/infrastructure/capabilities/s3util"
)

// S3Store keeps one object per key in a bucket.
type S3Store struct {
	client *s3.Client
	opts   s3util.Options
}

// NewS3Store creates a store on config "bucket" (optional "prefix",
// "region", "endpoint" and static credentials).
func NewS3Store(ctx context.Context, cfg *capabilities.InstanceConfig) (Store, error) {
	opts, err := s3util.OptionsFrom(cfg)
	if err != nil {
		return nil, err
	}
	client, err := s3util.NewClient(ctx, opts)
	if err != nil {
		return nil, err
	}
	return &S3Store{client: client, opts: opts}, nil
}

// Get implements Store.
func (s *S3Store) Get(ctx context.Context, key string) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.opts.Bucket),
		Key:    aws.String(s.opts.Key(key)),
	})
	if s3util.IsNotFound(err) {
		return nil, capabilities.NotFound("key %q not found", key)
	}
	if err != nil {
		return nil, capabilities.Wrap(capabilities.KindIO, err, "read key %q", key)
	}
	defer func() { _ = out.Body.Close() }()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, capabilities.Wrap(capabilities.KindIO, err, "read key %q", key)
	}
	return data, nil
}

// Set implements Store.
func (s *S3Store) Set(ctx context.Context, key string, value []byte) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.opts.Bucket),
		Key:    aws.String(s.opts.Key(key)),
		Body:   bytes.NewReader(value),
	})
	if err != nil {
		return capabilities.Wrap(capabilities.KindIO, err, "write key %q", key)
	}
	return nil
}

// Delete implements Store.
func (s *S3Store) Delete(ctx context.Context, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.opts.Bucket),
		Key:    aws.String(s.opts.Key(key)),
	})
	if err != nil && !s3util.IsNotFound(err) {
		return capabilities.Wrap(capabilities.KindIO, err, "delete key %q", key)
	}
	return nil
}

// Exists implements Store.
func (s *S3Store) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.opts.Bucket),
		Key:    aws.String(s.opts.Key(key)),
	})
	if s3util.IsNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, capabilities.Wrap(capabilities.KindIO, err, "stat key %q", key)
	}
	return true, nil
}

// Keys implements Store.
func (s *S3Store) Keys(ctx context.Context) ([]string, error) {
	keys := []string{}
	p := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.opts.Bucket),
		Prefix: aws.String(s.opts.ListPrefix("")),
	})
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, capabilities.Wrap(capabilities.KindIO, err, "list keys")
		}
		for _, obj := range page.Contents {
			keys = append(keys, s.opts.Name(aws.ToString(obj.Key)))
		}
	}
	return keys, nil
}

// Watch implements Store.
func (s *S3Store) Watch(context.Context, string) (Watch, error) {
	return nil, capabilities.Unsupported(BackendS3, "watch")
}
