// Package publish uploads a finished report directory to S3-compatible storage.
package publish

import (
	"context"
	"fmt"
	"io/fs"
	"path"
	"path/filepath"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	log "github.com/sirupsen/logrus"
)

var logger = log.WithField("package", "publish")

type Config struct {
	Endpoint  string
	Region    string
	Bucket    string
	AccessKey string
	SecretKey string
	UseSSL    bool
	Prefix    string
}

// Enabled reports whether enough is configured to attempt an upload.
func (c Config) Enabled() bool {
	return c.Endpoint != "" && c.Bucket != ""
}

// Uploader puts one local file under key.
type Uploader interface {
	Upload(ctx context.Context, localPath, key string) (string, error)
}

type Store struct {
	client     *minio.Client
	bucketName string
	region     string
}

// New connects to the endpoint and makes sure the bucket exists.
func New(ctx context.Context, cfg Config) (*Store, error) {
	cli, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create storage client: %w", err)
	}

	exists, err := cli.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("failed to check bucket %s: %w", cfg.Bucket, err)
	}
	if !exists {
		if err := cli.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{Region: cfg.Region}); err != nil {
			return nil, fmt.Errorf("failed to create bucket %s: %w", cfg.Bucket, err)
		}
	}

	return &Store{client: cli, bucketName: cfg.Bucket, region: cfg.Region}, nil
}

func (s *Store) Upload(ctx context.Context, localPath, key string) (string, error) {
	_, err := s.client.FPutObject(ctx, s.bucketName, key, localPath, minio.PutObjectOptions{
		ContentType: ContentType(localPath),
	})
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s/%s/%s", s.client.EndpointURL().String(), s.bucketName, key), nil
}

// ContentType picks a MIME type from the file extension.
func ContentType(localPath string) string {
	switch strings.ToLower(filepath.Ext(localPath)) {
	case ".json", ".sarif":
		return "application/json"
	case ".html":
		return "text/html"
	case ".txt", ".log":
		return "text/plain"
	default:
		return "application/octet-stream"
	}
}

// ObjectKey joins prefix, scan id and the slash-separated relative path.
func ObjectKey(prefix, scanID, rel string) string {
	parts := []string{}
	if p := strings.Trim(prefix, "/"); p != "" {
		parts = append(parts, p)
	}
	parts = append(parts, scanID, filepath.ToSlash(rel))
	return path.Join(parts...)
}

// Directory uploads every regular file under dir and returns the URLs in walk
// order. It stops at the first failed upload.
func Directory(ctx context.Context, up Uploader, dir, prefix, scanID string) ([]string, error) {
	var urls []string
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		key := ObjectKey(prefix, scanID, rel)
		url, err := up.Upload(ctx, p, key)
		if err != nil {
			return fmt.Errorf("failed to upload %s: %w", rel, err)
		}
		logger.WithField("key", key).Debug("uploaded")
		urls = append(urls, url)
		return nil
	})
	return urls, err
}
