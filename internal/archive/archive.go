// Package archive keeps a JSON copy of every run report that touched items, in a local
// directory or an S3 bucket.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"yoma-reconciler/internal/config"
	"yoma-reconciler/internal/models"
)

type uploader interface {
	Upload(ctx context.Context, key string, body []byte, contentType string) (string, error)
}

// S3API is the part of the S3 client the archive uses.
type S3API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Archive writes run reports under runs/<job>/<date>/.
type Archive struct {
	up uploader
}

// New picks the S3 bucket when one is configured, else the local directory. Without either
// it returns nil.
func New(ctx context.Context, cfg config.Config) (*Archive, error) {
	switch {
	case cfg.ArchiveS3Bucket != "":
		client, err := newS3Client(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return NewS3(client, cfg.ArchiveS3Bucket), nil
	case cfg.ArchiveDir != "":
		return NewLocal(cfg.ArchiveDir), nil
	default:
		return nil, nil
	}
}

func NewLocal(dir string) *Archive {
	return &Archive{up: &localUploader{baseDir: dir}}
}

func NewS3(client S3API, bucket string) *Archive {
	return &Archive{up: &s3Uploader{client: client, bucket: bucket}}
}

func newS3Client(ctx context.Context, cfg config.Config) (*s3.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.ArchiveS3Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.ArchiveS3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.ArchiveS3Endpoint)
		}
		o.UsePathStyle = cfg.ArchiveS3PathStyle
	}), nil
}

// Key is where a report is stored.
func Key(r models.RunReport) string {
	started := r.Started.UTC()
	return fmt.Sprintf("runs/%s/%s/%s.json", r.Job, started.Format("2006/01/02"), started.Format("150405.000000"))
}

// Archive stores r and satisfies the engine's archiver.
func (a *Archive) Archive(ctx context.Context, r models.RunReport) error {
	body, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode run report: %w", err)
	}
	_, err = a.up.Upload(ctx, Key(r), body, "application/json")
	return err
}

type localUploader struct {
	baseDir string
}

func (l *localUploader) Upload(_ context.Context, key string, body []byte, _ string) (string, error) {
	path := filepath.Join(l.baseDir, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create dirs: %w", err)
	}
	if err := os.WriteFile(path, body, 0o644); err != nil {
		return "", fmt.Errorf("write file: %w", err)
	}
	return path, nil
}

type s3Uploader struct {
	client S3API
	bucket string
}

func (s *s3Uploader) Upload(ctx context.Context, key string, body []byte, contentType string) (string, error) {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("put object: %w", err)
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, key), nil
}
