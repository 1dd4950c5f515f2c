// Package s3util builds S3 clients from capability configuration. It is
// shared by the key-value and blob store S3 backends.
package s3util

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/reglet-dev/caphost/internal/domain/capabilities"
)

// Options are the connection settings read from a declaration.
type Options struct {
	Bucket          string
	Prefix          string
	Region          string
	Endpoint        string // Custom endpoint for S3-compatible stores
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
	PathStyle       bool
}

// OptionsFrom reads S3 settings from config. Credentials fall back to the
// default AWS chain when no access key is configured.
func OptionsFrom(cfg *capabilities.InstanceConfig) (Options, error) {
	bucket, err := cfg.Require("bucket")
	if err != nil {
		return Options{}, err
	}
	return Options{
		Bucket:          bucket,
		Prefix:          strings.Trim(cfg.Get("prefix", ""), "/"),
		Region:          cfg.Get("region", "us-east-1"),
		Endpoint:        cfg.Get("endpoint", ""),
		AccessKeyID:     cfg.Get("access_key_id", ""),
		SecretAccessKey: cfg.Get("secret_access_key", ""),
		SessionToken:    cfg.Get("session_token", ""),
		PathStyle:       cfg.Get("path_style", "") == "true",
	}, nil
}

// Key maps an object or key name below the configured prefix.
func (o Options) Key(name string) string {
	if o.Prefix == "" {
		return name
	}
	return path.Join(o.Prefix, name)
}

// ListPrefix is the prefix to list every key under the configured prefix.
func (o Options) ListPrefix(sub string) string {
	if o.Prefix == "" {
		return sub
	}
	return o.Prefix + "/" + sub
}

// Name strips the configured prefix from an object key.
func (o Options) Name(key string) string {
	if o.Prefix == "" {
		return key
	}
	return strings.TrimPrefix(key, o.Prefix+"/")
}

// NewClient creates an S3 client.
func NewClient(ctx context.Context, opts Options) (*s3.Client, error) {
	loadOpts := []func(*config.LoadOptions) error{
		config.WithRegion(opts.Region),
	}
	if opts.AccessKeyID != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			opts.AccessKeyID,
			opts.SecretAccessKey,
			opts.SessionToken,
		)))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
		}
		o.UsePathStyle = opts.PathStyle
	}), nil
}

// IsNotFound reports whether err is a missing object or key.
func IsNotFound(err error) bool {
	var noSuchKey *types.NoSuchKey
	var notFound *types.NotFound
	return errors.As(err, &noSuchKey) || errors.As(err, &notFound)
}
