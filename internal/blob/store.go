// Package blob stores pipeline output files and returns their resolved locations.
package blob

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/util"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/jonathan/ontology-robot/internal/ontology"
)

// Store persists an artifact under key and returns where it ended up.
type Store interface {
	Put(ctx context.Context, key string, artifact *ontology.Artifact) (string, error)
}

func cleanKey(key string) (string, error) {
	k := path.Clean(strings.TrimPrefix(key, "/"))
	if k == "." || k == ".." || strings.HasPrefix(k, "../") {
		return "", fmt.Errorf("invalid blob key %q", key)
	}
	return k, nil
}

// FSStore writes artifacts to a go-billy filesystem.
type FSStore struct {
	fs     billy.Filesystem
	prefix string
}

// NewFSStore creates a store over fs. Locations are reported as
// file://<fs root>/<key>.
func NewFSStore(fs billy.Filesystem) *FSStore {
	return &FSStore{fs: fs, prefix: "file://" + strings.TrimRight(fs.Root(), "/")}
}

// Put implements Store.
func (s *FSStore) Put(_ context.Context, key string, artifact *ontology.Artifact) (string, error) {
	k, err := cleanKey(key)
	if err != nil {
		return "", err
	}
	if artifact == nil {
		return "", fmt.Errorf("blob: nothing to store at %q", k)
	}
	if dir := path.Dir(k); dir != "." {
		if err := s.fs.MkdirAll(dir, 0o755); err != nil {
			return "", fmt.Errorf("blob: mkdirall %q: %w", dir, err)
		}
	}
	if err := util.WriteFile(s.fs, k, artifact.Data, 0o644); err != nil {
		return "", fmt.Errorf("blob: write %q: %w", k, err)
	}
	return s.prefix + "/" + k, nil
}

// MinioConfig configures an S3-compatible bucket.
type MinioConfig struct {
	Endpoint  string `json:"endpoint" toml:"endpoint"`
	Bucket    string `json:"bucket" toml:"bucket"`
	AccessKey string `json:"access_key" toml:"access_key"`
	SecretKey string `json:"secret_key" toml:"secret_key"`
	Prefix    string `json:"prefix,omitempty" toml:"prefix"`
	UseSSL    bool   `json:"use_ssl,omitempty" toml:"use_ssl"`
}

// MinioStore uploads artifacts to an S3-compatible bucket.
type MinioStore struct {
	client *minio.Client
	bucket string
	prefix string
}

// NewMinioStore connects to the bucket described by cfg and creates it if missing.
func NewMinioStore(ctx context.Context, cfg MinioConfig) (*MinioStore, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("minio: connect %s: %w", cfg.Endpoint, err)
	}
	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("minio: check bucket %s: %w", cfg.Bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("minio: create bucket %s: %w", cfg.Bucket, err)
		}
	}
	return &MinioStore{client: client, bucket: cfg.Bucket, prefix: strings.Trim(cfg.Prefix, "/")}, nil
}

// Put implements Store.
func (s *MinioStore) Put(ctx context.Context, key string, artifact *ontology.Artifact) (string, error) {
	k, err := cleanKey(key)
	if err != nil {
		return "", err
	}
	if artifact == nil {
		return "", fmt.Errorf("minio: nothing to store at %q", k)
	}
	if s.prefix != "" {
		k = s.prefix + "/" + k
	}
	_, err = s.client.PutObject(ctx, s.bucket, k, bytes.NewReader(artifact.Data), int64(len(artifact.Data)),
		minio.PutObjectOptions{ContentType: artifact.Format.ContentType()})
	if err != nil {
		return "", fmt.Errorf("minio: put %q: %w", k, err)
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, k), nil
}
