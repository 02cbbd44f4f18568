package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
)

// manifestName is the bulk-source manifest object inside the source prefix
const manifestName = "arXiv_src_manifest.xml"

// Static errors for shard fetching
var (
	ErrShardNotFound = errors.New("shard archive not found in source bucket")
	ErrNoCredentials = errors.New("no AWS credentials resolved; the source bucket is requester-pays and needs the standard credential chain")
)

// ShardFetcher retrieves raw shard archives from the upstream source
type ShardFetcher interface {
	// Fetch returns a reader over the shard's outer tar stream along with
	// its size in bytes (0 when unknown). The caller owns the reader.
	Fetch(ctx context.Context, id ShardID) (io.ReadCloser, int64, error)

	// FetchManifest returns a reader over the bulk-source manifest XML
	FetchManifest(ctx context.Context) (io.ReadCloser, error)
}

// s3Fetcher downloads shard archives from the arXiv requester-pays bucket
type s3Fetcher struct {
	client *s3.S3
	bucket string
	prefix string
}

// NewS3Fetcher creates a fetcher backed by the configured S3 bucket.
// Credentials come from the ambient AWS chain (env, shared config, IAM role).
func NewS3Fetcher(cfg S3Config) (ShardFetcher, error) {
	awsConfig := &aws.Config{}
	if cfg.Region != "" {
		awsConfig.Region = aws.String(cfg.Region)
	}

	sess, err := session.NewSession(awsConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create AWS session: %w", err)
	}

	// Requester-pays requests must be signed; resolve the ambient chain now
	// so a missing-credential setup fails before the first fetch
	if _, err := sess.Config.Credentials.Get(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoCredentials, err)
	}

	return &s3Fetcher{
		client: s3.New(sess),
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
	}, nil
}

func (f *s3Fetcher) Fetch(ctx context.Context, id ShardID) (io.ReadCloser, int64, error) {
	key := id.SourceKey(f.prefix)

	// The arXiv bulk-data bucket is requester-pays; omitting the request
	// payer header gets a 403 rather than the object
	result, err := f.client.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket:       aws.String(f.bucket),
		Key:          aws.String(key),
		RequestPayer: aws.String("requester"),
	})
	if err != nil {
		if aerr, ok := err.(awserr.Error); ok && aerr.Code() == s3.ErrCodeNoSuchKey {
			return nil, 0, fmt.Errorf("%w: s3://%s/%s", ErrShardNotFound, f.bucket, key)
		}
		return nil, 0, fmt.Errorf("failed to fetch s3://%s/%s: %w", f.bucket, key, err)
	}

	size := int64(0)
	if result.ContentLength != nil {
		size = *result.ContentLength
	}

	return result.Body, size, nil
}

func (f *s3Fetcher) FetchManifest(ctx context.Context) (io.ReadCloser, error) {
	key := path.Join(f.prefix, manifestName)

	result, err := f.client.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket:       aws.String(f.bucket),
		Key:          aws.String(key),
		RequestPayer: aws.String("requester"),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch manifest s3://%s/%s: %w", f.bucket, key, err)
	}

	return result.Body, nil
}
