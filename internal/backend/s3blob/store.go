// Package s3blob 基于 S3 兼容对象存储的文件存储
package s3blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"sudooom.im.realtime/internal/backend"
	"sudooom.im.realtime/internal/config"
)

// objectAPI Store 用到的 S3 操作
type objectAPI interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, opts ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, opts ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
}

// Store S3 文件存储
type Store struct {
	client        objectAPI
	bucket        string
	publicBaseURL string
}

var _ backend.Blobs = (*Store)(nil)

// New 根据配置创建 S3 客户端
func New(ctx context.Context, cfg config.S3Config) (*Store, error) {
	bucket := strings.TrimSpace(cfg.Bucket)
	if bucket == "" {
		return nil, fmt.Errorf("s3 bucket is required")
	}
	region := strings.TrimSpace(cfg.Region)
	if region == "" {
		region = "us-east-1"
	}

	loadOptions := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(region),
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		loadOptions = append(loadOptions, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOptions...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	endpoint := strings.TrimSpace(cfg.Endpoint)
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})

	return NewWithClient(client, bucket, cfg.PublicBaseURL), nil
}

// NewWithClient 使用已有客户端创建存储
func NewWithClient(client objectAPI, bucket, publicBaseURL string) *Store {
	return &Store{
		client:        client,
		bucket:        bucket,
		publicBaseURL: strings.TrimRight(publicBaseURL, "/"),
	}
}

// Upload 上传文件，返回可访问地址
// 配置了 PublicBaseURL 时返回 {PublicBaseURL}/{path}，否则返回 s3://{bucket}/{path}
func (s *Store) Upload(ctx context.Context, p string, r io.Reader, meta backend.BlobMetadata) (string, error) {
	key := strings.TrimLeft(path.Clean("/"+p), "/")
	input := &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Body:   r,
	}
	if meta.ContentType != "" {
		input.ContentType = aws.String(meta.ContentType)
	}
	if len(meta.Custom) > 0 {
		input.Metadata = meta.Custom
	}
	if _, err := s.client.PutObject(ctx, input); err != nil {
		return "", fmt.Errorf("s3 put object: %w", classify(err))
	}
	return s.URL(key), nil
}

// Delete 删除文件，对象不存在时返回 ErrNotFound
func (s *Store) Delete(ctx context.Context, p string) error {
	key := strings.TrimLeft(path.Clean("/"+p), "/")
	if _, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}); err != nil {
		return fmt.Errorf("s3 head object: %w", classify(err))
	}
	if _, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}); err != nil {
		return fmt.Errorf("s3 delete object: %w", classify(err))
	}
	return nil
}

// URL 对象访问地址
func (s *Store) URL(key string) string {
	if s.publicBaseURL != "" {
		segments := strings.Split(key, "/")
		for i, seg := range segments {
			segments[i] = url.PathEscape(seg)
		}
		return s.publicBaseURL + "/" + strings.Join(segments, "/")
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, key)
}

// classify 将 S3 错误映射为后端通用错误
func classify(err error) error {
	var notFound *types.NotFound
	var noSuchKey *types.NoSuchKey
	if errors.As(err, &notFound) || errors.As(err, &noSuchKey) {
		return fmt.Errorf("%w: %v", backend.ErrNotFound, err)
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NotFound", "NoSuchKey":
			return fmt.Errorf("%w: %v", backend.ErrNotFound, err)
		case "AccessDenied", "Forbidden", "InvalidAccessKeyId", "SignatureDoesNotMatch":
			return fmt.Errorf("%w: %v", backend.ErrPermissionDenied, err)
		}
	}
	return err
}
