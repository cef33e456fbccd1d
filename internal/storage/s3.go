package storage

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"strings"

	"go-dm-relay/pkg/config"

	"github.com/aws/aws-sdk-go-v2/aws"
	awscfg "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

type S3Uploader struct {
	uploader   *manager.Uploader
	bucket     string
	region     string
	endpoint   string
	publicRead bool
	pathStyle  bool
}

func NewS3Uploader(ctx context.Context, cfg config.S3Config) (*S3Uploader, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 bucket is not set")
	}
	awsConfig, err := awscfg.LoadDefaultConfig(ctx, awscfg.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsConfig, func(o *s3.Options) {
		// MinIO 等兼容端点
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.PathStyle
	})
	return NewS3UploaderFromClient(client, cfg), nil
}

func NewS3UploaderFromClient(client *s3.Client, cfg config.S3Config) *S3Uploader {
	return &S3Uploader{
		uploader:   manager.NewUploader(client),
		bucket:     cfg.Bucket,
		region:     cfg.Region,
		endpoint:   strings.TrimSuffix(cfg.Endpoint, "/"),
		publicRead: cfg.PublicRead,
		pathStyle:  cfg.PathStyle,
	}
}

func (u *S3Uploader) Upload(ctx context.Context, name string, data []byte, mimeType string) (string, error) {
	key := strings.TrimPrefix(name, "/")
	input := &s3.PutObjectInput{
		Bucket:      aws.String(u.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(mimeType),
	}
	if u.publicRead {
		input.ACL = types.ObjectCannedACLPublicRead
	}
	if _, err := u.uploader.Upload(ctx, input); err != nil {
		return "", fmt.Errorf("s3 upload %s: %w", key, err)
	}
	return u.objectURL(key), nil
}

func (u *S3Uploader) objectURL(key string) string {
	escaped := (&url.URL{Path: key}).EscapedPath()
	switch {
	case u.endpoint != "" && u.pathStyle:
		return fmt.Sprintf("%s/%s/%s", u.endpoint, u.bucket, escaped)
	case u.endpoint != "":
		scheme, host, _ := strings.Cut(u.endpoint, "://")
		return fmt.Sprintf("%s://%s.%s/%s", scheme, u.bucket, host, escaped)
	default:
		return fmt.Sprintf("https://%s.s3.%s.amazonaws.com/%s", u.bucket, u.region, escaped)
	}
}
