package metadata

import (
	"context"
	"errors"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

// HeadObjectAPI is the part of the S3 client used for size lookups.
type HeadObjectAPI interface {
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
}

// S3Config selects the bucket and, for S3-compatible stores, the endpoint.
type S3Config struct {
	Bucket    string
	Endpoint  string
	PathStyle bool
}

// S3Source reads object sizes from S3 object metadata.
type S3Source struct {
	client HeadObjectAPI
	bucket string
}

// NewS3Source builds a source from an AWS config.
func NewS3Source(awsCfg aws.Config, cfg S3Config) *S3Source {
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.PathStyle
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
	return &S3Source{client: client, bucket: cfg.Bucket}
}

// NewS3SourceWithClient wraps an existing client.
func NewS3SourceWithClient(client HeadObjectAPI, bucket string) *S3Source {
	return &S3Source{client: client, bucket: bucket}
}

// SizeOf returns the object's content length.
func (s *S3Source) SizeOf(ctx context.Context, key string) (int64, error) {
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			err = ErrNotFound
		}
		return 0, &LookupError{Source: "s3", Key: key, Err: err}
	}
	return aws.ToInt64(out.ContentLength), nil
}

func isNotFound(err error) bool {
	var notFound *types.NotFound
	var noSuchKey *types.NoSuchKey
	if errors.As(err, &notFound) || errors.As(err, &noSuchKey) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NotFound", "NoSuchKey":
			return true
		}
	}
	return false
}
