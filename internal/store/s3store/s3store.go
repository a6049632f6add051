// Package s3store provides a Store implementation backed by S3-compatible
// object storage, for diskless deployments that still need the cache's L2
// tier and queue records to survive restarts.
package s3store

import (
	"bytes"
	"context"
	stderr "errors"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/syncstore/syncstore/pkg/errors"
)

// Config configures an S3 store.
type Config struct {
	Bucket string `yaml:"bucket"`
	Region string `yaml:"region"`
	// KeyPrefix namespaces all objects written by this store.
	KeyPrefix string `yaml:"key_prefix"`
	// Endpoint overrides the S3 endpoint, for S3-compatible object stores.
	Endpoint string `yaml:"endpoint"`
	// Client overrides the constructed client, mainly for tests.
	Client *s3.Client `yaml:"-"`
}

// Store is an object-storage-backed Store.
type Store struct {
	client *s3.Client
	bucket string
	prefix string
}

// New creates an S3 store, loading default AWS credentials when no client is
// supplied.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Bucket == "" {
		return nil, errors.New(errors.ErrCodeInvalidConfig, "s3store: bucket is required")
	}
	client := cfg.Client
	if client == nil {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
		if err != nil {
			return nil, errors.Wrap(errors.ErrCodeInvalidConfig, "s3store: load aws config", err)
		}
		client = s3.NewFromConfig(awsCfg, func(o *s3.Options) {
			if cfg.Endpoint != "" {
				o.BaseEndpoint = aws.String(cfg.Endpoint)
				o.UsePathStyle = true
			}
		})
	}
	return &Store{client: client, bucket: cfg.Bucket, prefix: cfg.KeyPrefix}, nil
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, bool, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.prefix + key),
	})
	if err != nil {
		var noKey *s3types.NoSuchKey
		if stderr.As(err, &noKey) {
			return nil, false, nil
		}
		return nil, false, errors.Wrap(errors.ErrCodeStorageRead, "s3store: get object", err)
	}
	defer func() { _ = out.Body.Close() }()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, false, errors.Wrap(errors.ErrCodeStorageRead, "s3store: read body", err)
	}
	return data, true, nil
}

func (s *Store) Set(ctx context.Context, key string, value []byte) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.prefix + key),
		Body:   bytes.NewReader(value),
	})
	if err != nil {
		return errors.Wrap(errors.ErrCodeStorageWrite, "s3store: put object", err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.prefix + key),
	})
	if err != nil {
		return errors.Wrap(errors.ErrCodeStorageWrite, "s3store: delete object", err)
	}
	return nil
}

func (s *Store) ScanPrefix(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(s.prefix + prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, errors.Wrap(errors.ErrCodeStorageRead, "s3store: list objects", err)
		}
		for _, obj := range page.Contents {
			if obj.Key == nil {
				continue
			}
			keys = append(keys, (*obj.Key)[len(s.prefix):])
		}
	}
	return keys, nil
}

func (*Store) Close(context.Context) error { return nil }
