package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
)

// S3Config configures the S3-compatible backend. Endpoint is optional and,
// when set, targets an S3-compatible server (e.g. MinIO) instead of AWS.
type S3Config struct {
	Region    string
	Endpoint  string
	AccessKey string
	SecretKey string
}

// S3Backend serves s3://<bucket>/<key> Video References. fetch_range maps
// to the HTTP Range header; fetch_all is a plain GetObject; exists is a
// HeadObject probe.
type S3Backend struct {
	client *s3.Client
}

// NewS3Backend builds an S3-compatible client from the given configuration.
func NewS3Backend(ctx context.Context, cfg S3Config) (*S3Backend, error) {
	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("storage: load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	return &S3Backend{client: client}, nil
}

// splitBucketKey parses "<bucket>/<key>" as left by store.Multi after
// stripping the "s3://" scheme.
func splitBucketKey(rest string) (bucket, key string, err error) {
	i := strings.Index(rest, "/")
	if i < 0 || i == len(rest)-1 {
		return "", "", fmt.Errorf("storage: malformed s3 URL %q: expected bucket/key", rest)
	}
	return rest[:i], rest[i+1:], nil
}

func isNotFound(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return true
		}
	}
	return false
}

// FetchAll implements backend via GetObject.
func (b *S3Backend) FetchAll(ctx context.Context, rest string) ([]byte, error) {
	bucket, key, err := splitBucketKey(rest)
	if err != nil {
		return nil, err
	}

	out, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("%w: s3://%s", ErrNotFound, rest)
		}
		return nil, fmt.Errorf("storage: get s3://%s: %w", rest, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("storage: read s3://%s body: %w", rest, err)
	}
	return data, nil
}

// FetchRange implements backend via a GetObject Range request.
func (b *S3Backend) FetchRange(ctx context.Context, rest string, start, end uint64) ([]byte, error) {
	bucket, key, err := splitBucketKey(rest)
	if err != nil {
		return nil, err
	}

	rng := fmt.Sprintf("bytes=%d-%d", start, end-1)
	out, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
		Range:  aws.String(rng),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("%w: s3://%s", ErrNotFound, rest)
		}
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) && apiErr.ErrorCode() == "InvalidRange" {
			return nil, fmt.Errorf("%w: %s", ErrRangeInvalid, rng)
		}
		return nil, fmt.Errorf("storage: get s3://%s range %s: %w", rest, rng, err)
	}
	defer out.Body.Close()

	buf := make([]byte, end-start)
	if _, err := io.ReadFull(out.Body, buf); err != nil {
		return nil, fmt.Errorf("storage: read s3://%s range body: %w", rest, err)
	}
	return buf, nil
}

// Exists implements backend via HeadObject.
func (b *S3Backend) Exists(ctx context.Context, rest string) (bool, error) {
	bucket, key, err := splitBucketKey(rest)
	if err != nil {
		return false, err
	}

	_, err = b.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err == nil {
		return true, nil
	}
	if isNotFound(err) {
		return false, nil
	}
	return false, fmt.Errorf("storage: head s3://%s: %w", rest, err)
}
