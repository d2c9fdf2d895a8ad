package handler

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// ArtifactStore persists automation artifacts. Put must overwrite an existing
// object with the same key.
type ArtifactStore interface {
	Put(ctx context.Context, key string, data []byte) (location string, err error)
	Name() string
}

// LocalArtifacts writes artifacts below a directory.
type LocalArtifacts struct {
	dir string
}

// NewLocalArtifacts creates the directory if needed.
func NewLocalArtifacts(dir string) (*LocalArtifacts, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create artifact dir: %w", err)
	}
	return &LocalArtifacts{dir: dir}, nil
}

// Name identifies the store.
func (l *LocalArtifacts) Name() string { return "local" }

// Put writes data atomically by renaming a temporary file over the target.
func (l *LocalArtifacts) Put(_ context.Context, key string, data []byte) (string, error) {
	target := filepath.Join(l.dir, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return "", err
	}
	tmp, err := os.CreateTemp(filepath.Dir(target), ".artifact-*")
	if err != nil {
		return "", err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", err
	}
	if err := os.Rename(tmp.Name(), target); err != nil {
		os.Remove(tmp.Name())
		return "", err
	}
	return "file://" + filepath.ToSlash(target), nil
}

// MinIOConfig configures the S3-compatible artifact store.
type MinIOConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Region    string
	UseSSL    bool
}

// MinIOArtifacts writes artifacts to a bucket.
type MinIOArtifacts struct {
	client *minio.Client
	bucket string
}

// NewMinIOArtifacts connects to the endpoint and ensures the bucket exists.
func NewMinIOArtifacts(ctx context.Context, cfg MinIOConfig) (*MinIOArtifacts, error) {
	if cfg.Endpoint == "" || cfg.Bucket == "" {
		return nil, fmt.Errorf("minio endpoint and bucket are required")
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:     credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure:    cfg.UseSSL,
		Region:    cfg.Region,
		Transport: newTransport(),
	})
	if err != nil {
		return nil, fmt.Errorf("minio client: %w", err)
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("bucket exists: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{Region: cfg.Region}); err != nil {
			return nil, fmt.Errorf("make bucket: %w", err)
		}
	}
	return &MinIOArtifacts{client: client, bucket: cfg.Bucket}, nil
}

// Name identifies the store.
func (m *MinIOArtifacts) Name() string { return "minio" }

// Put uploads data under key.
func (m *MinIOArtifacts) Put(ctx context.Context, key string, data []byte) (string, error) {
	_, err := m.client.PutObject(ctx, m.bucket, key, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: http.DetectContentType(data)})
	if err != nil {
		return "", err
	}
	return "s3://" + m.bucket + "/" + key, nil
}

func newTransport() *http.Transport {
	dialer := &net.Dialer{
		Timeout:   5 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}
