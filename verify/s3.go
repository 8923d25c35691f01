package verify

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

const DefaultS3Region = "us-east-1"

// ObjectGetter is the part of the S3 API a source needs.
type ObjectGetter interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3Source reads images addressed as s3://bucket/key.
type S3Source struct {
	client ObjectGetter
}

// NewS3Source loads the default AWS configuration, falling back to anonymous
// access so public buckets work without credentials.
func NewS3Source(ctx context.Context, region string) (*S3Source, error) {
	if region == "" {
		region = DefaultS3Region
	}

	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		cfg = aws.Config{
			Region:      region,
			Credentials: aws.AnonymousCredentials{},
		}
	} else {
		creds, err := cfg.Credentials.Retrieve(ctx)
		if err != nil || creds.AccessKeyID == "" {
			cfg.Credentials = aws.AnonymousCredentials{}
		}
	}

	return &S3Source{client: s3.NewFromConfig(cfg)}, nil
}

func NewS3SourceWithClient(client ObjectGetter) *S3Source {
	return &S3Source{client: client}
}

// ParseS3URL splits s3://bucket/key.
func ParseS3URL(rawURL string) (bucket, key string, err error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", "", fmt.Errorf("invalid s3 url %q: %w", rawURL, err)
	}
	if u.Scheme != "s3" || u.Host == "" {
		return "", "", fmt.Errorf("invalid s3 url %q", rawURL)
	}
	key = strings.TrimPrefix(u.Path, "/")
	if key == "" {
		return "", "", fmt.Errorf("s3 url %q has no key", rawURL)
	}
	return u.Host, key, nil
}

func (s *S3Source) Open(ctx context.Context, rawURL string) (io.ReadCloser, int64, error) {
	bucket, key, err := ParseS3URL(rawURL)
	if err != nil {
		return nil, 0, permanent(err)
	}

	resp, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, 0, fmt.Errorf("failed to get S3 object: %w", err)
	}

	size := int64(-1)
	if resp.ContentLength != nil {
		size = *resp.ContentLength
	}
	return resp.Body, size, nil
}
