package blobstore

import (
	"bytes"
	"context"
	"errors"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/reglet-dev/caphost/internal/domain/capabilities"
	"github.com/reglet-dev/caphost/internal/infrastructure/capabilities/s3util"
	"github.com/reglet-dev/caphost/wireformat"
)

// deleteBatch is the S3 DeleteObjects limit.
const deleteBatch = 1000

// S3Container maps a container onto a bucket prefix.
type S3Container struct {
	client *s3.Client
	opts   s3util.Options
	name   string
}

// NewS3Container creates a container on config "bucket". The object prefix
// is config "prefix", defaulting to the declared name.
func NewS3Container(ctx context.Context, cfg *capabilities.InstanceConfig) (Container, error) {
	opts, err := s3util.OptionsFrom(cfg)
	if err != nil {
		return nil, err
	}
	if opts.Prefix == "" {
		opts.Prefix = cfg.Name
	}
	client, err := s3util.NewClient(ctx, opts)
	if err != nil {
		return nil, err
	}
	return &S3Container{client: client, opts: opts, name: cfg.Get("container", cfg.Name)}, nil
}

// Info implements Container. S3 prefixes carry no creation time.
func (c *S3Container) Info(ctx context.Context) (wireformat.ContainerInfoWire, error) {
	_, err := c.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(c.opts.Bucket)})
	if err != nil {
		return wireformat.ContainerInfoWire{}, capabilities.Wrap(capabilities.KindIO, err, "stat bucket %q", c.opts.Bucket)
	}
	return wireformat.ContainerInfoWire{Name: c.name}, nil
}

// List implements Container.
func (c *S3Container) List(ctx context.Context) ([]string, error) {
	names := []string{}
	p := s3.NewListObjectsV2Paginator(c.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(c.opts.Bucket),
		Prefix: aws.String(c.opts.ListPrefix("")),
	})
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, capabilities.Wrap(capabilities.KindIO, err, "list objects")
		}
		for _, obj := range page.Contents {
			names = append(names, c.opts.Name(aws.ToString(obj.Key)))
		}
	}
	return names, nil
}

func (c *S3Container) head(ctx context.Context, name string) (*s3.HeadObjectOutput, error) {
	if err := checkName(name); err != nil {
		return nil, err
	}
	out, err := c.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(c.opts.Bucket),
		Key:    aws.String(c.opts.Key(name)),
	})
	if s3util.IsNotFound(err) {
		return nil, capabilities.NotFound("object %q not found", name)
	}
	if err != nil {
		return nil, capabilities.Wrap(capabilities.KindIO, err, "stat object %q", name)
	}
	return out, nil
}

// Has implements Container.
func (c *S3Container) Has(ctx context.Context, name string) (bool, error) {
	_, err := c.head(ctx, name)
	var capErr *capabilities.Error
	if errors.As(err, &capErr) && capErr.Kind == capabilities.KindNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// ObjectInfo implements Container.
func (c *S3Container) ObjectInfo(ctx context.Context, name string) (wireformat.ObjectInfoWire, error) {
	out, err := c.head(ctx, name)
	if err != nil {
		return wireformat.ObjectInfoWire{}, err
	}
	return wireformat.ObjectInfoWire{
		Name:      name,
		Container: c.name,
		Size:      uint64(aws.ToInt64(out.ContentLength)), //nolint:gosec // G115: sizes are non-negative
		CreatedAt: aws.ToTime(out.LastModified),
	}, nil
}

// Delete implements Container.
func (c *S3Container) Delete(ctx context.Context, name string) error {
	if err := checkName(name); err != nil {
		return err
	}
	_, err := c.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(c.opts.Bucket),
		Key:    aws.String(c.opts.Key(name)),
	})
	if err != nil && !s3util.IsNotFound(err) {
		return capabilities.Wrap(capabilities.KindIO, err, "delete object %q", name)
	}
	return nil
}

// Reader implements Container.
func (c *S3Container) Reader(ctx context.Context, name string) (io.ReadCloser, error) {
	if err := checkName(name); err != nil {
		return nil, err
	}
	out, err := c.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(c.opts.Bucket),
		Key:    aws.String(c.opts.Key(name)),
	})
	if s3util.IsNotFound(err) {
		return nil, capabilities.NotFound("object %q not found", name)
	}
	if err != nil {
		return nil, capabilities.Wrap(capabilities.KindIO, err, "open object %q", name)
	}
	return out.Body, nil
}

// Write implements Container.
func (c *S3Container) Write(ctx context.Context, name string, data []byte) error {
	if err := checkName(name); err != nil {
		return err
	}
	_, err := c.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(c.opts.Bucket),
		Key:    aws.String(c.opts.Key(name)),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return capabilities.Wrap(capabilities.KindIO, err, "write object %q", name)
	}
	return nil
}

// Clear implements Container.
func (c *S3Container) Clear(ctx context.Context) error {
	names, err := c.List(ctx)
	if err != nil {
		return err
	}
	for start := 0; start < len(names); start += deleteBatch {
		end := min(start+deleteBatch, len(names))
		ids := make([]types.ObjectIdentifier, 0, end-start)
		for _, name := range names[start:end] {
			ids = append(ids, types.ObjectIdentifier{Key: aws.String(c.opts.Key(name))})
		}
		_, err := c.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(c.opts.Bucket),
			Delete: &types.Delete{Objects: ids, Quiet: aws.Bool(true)},
		})
		if err != nil {
			return capabilities.Wrap(capabilities.KindIO, err, "clear container")
		}
	}
	return nil
}
