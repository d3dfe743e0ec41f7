package service

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// ImageStore persists uploaded profile pictures.
type ImageStore interface {
	Save(ctx context.Context, key, contentType string, r io.Reader) error
	URL(key string) string
}

// LocalImageStore keeps pictures in a directory served under urlPrefix.
type LocalImageStore struct {
	dir       string
	urlPrefix string
}

// NewLocalImageStore creates the directory if needed.
func NewLocalImageStore(dir, urlPrefix string) (*LocalImageStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create image directory: %w", err)
	}
	if !strings.HasSuffix(urlPrefix, "/") {
		urlPrefix += "/"
	}
	return &LocalImageStore{dir: dir, urlPrefix: urlPrefix}, nil
}

func (s *LocalImageStore) Save(_ context.Context, key, _ string, r io.Reader) error {
	if key != filepath.Base(key) {
		return fmt.Errorf("invalid image key %q", key)
	}
	tmp, err := os.CreateTemp(s.dir, ".upload-*")
	if err != nil {
		return fmt.Errorf("failed to create image file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write image: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write image: %w", err)
	}
	return os.Rename(tmp.Name(), filepath.Join(s.dir, key))
}

func (s *LocalImageStore) URL(key string) string {
	return s.urlPrefix + key
}

// s3Putter is the part of the S3 client the image store needs.
type s3Putter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3ImageStore uploads pictures to an S3-compatible bucket.
type S3ImageStore struct {
	client    s3Putter
	bucket    string
	publicURL string
}

// S3Config configures NewS3ImageStore. Endpoint and the static keys are
// optional; without keys the default AWS credential chain is used.
type S3Config struct {
	Region    string
	Bucket    string
	Endpoint  string
	PublicURL string
	AccessKey string
	SecretKey string
}

// NewS3ImageStore builds the S3 client from cfg.
func NewS3ImageStore(ctx context.Context, cfg S3Config) (*S3ImageStore, error) {
	opts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.AccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	publicURL := cfg.PublicURL
	if publicURL == "" {
		publicURL = fmt.Sprintf("https://%s.s3.%s.amazonaws.com", cfg.Bucket, cfg.Region)
	}
	return newS3ImageStore(client, cfg.Bucket, publicURL), nil
}

func newS3ImageStore(client s3Putter, bucket, publicURL string) *S3ImageStore {
	return &S3ImageStore{client: client, bucket: bucket, publicURL: strings.TrimRight(publicURL, "/")}
}

func (s *S3ImageStore) Save(ctx context.Context, key, contentType string, r io.Reader) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(imageObjectKey(key)),
		Body:        r,
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return fmt.Errorf("failed to upload image: %w", err)
	}
	return nil
}

func (s *S3ImageStore) URL(key string) string {
	return s.publicURL + "/" + imageObjectKey(key)
}

func imageObjectKey(key string) string {
	return "profile_pics/" + key
}
