// Package blob stores content-addressed attachments in an S3-compatible
// object store.
package blob

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"threadline/api/internal/message"
)

var (
	ErrNotFound  = errors.New("blob not found")
	ErrInvalidID = errors.New("invalid blob id")
)

type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

type Info struct {
	Size        int64
	ContentType string
}

type Store struct {
	client *minio.Client
	bucket string
}

func New(cfg Config) (*Store, error) {
	if strings.TrimSpace(cfg.Endpoint) == "" {
		return nil, fmt.Errorf("blob store endpoint is required")
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create object store client: %w", err)
	}
	return &Store{client: client, bucket: cfg.Bucket}, nil
}

// EnsureBucket creates the bucket if it does not exist yet.
func (s *Store) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", s.bucket, err)
	}
	if exists {
		return nil
	}
	if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("create bucket %s: %w", s.bucket, err)
	}
	return nil
}

// Put stores data under its content hash and returns the blob id.
func (s *Store) Put(ctx context.Context, data []byte) (string, error) {
	id := ID(data)
	key, err := ObjectKey(id)
	if err != nil {
		return "", err
	}
	_, err = s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: http.DetectContentType(data),
	})
	if err != nil {
		return "", fmt.Errorf("put blob %s: %w", id, err)
	}
	return id, nil
}

// Open streams a blob. The caller closes the reader.
func (s *Store) Open(ctx context.Context, id string) (io.ReadCloser, Info, error) {
	key, err := ObjectKey(id)
	if err != nil {
		return nil, Info{}, err
	}
	stat, err := s.client.StatObject(ctx, s.bucket, key, minio.StatObjectOptions{})
	if err != nil {
		if isNotFound(err) {
			return nil, Info{}, ErrNotFound
		}
		return nil, Info{}, fmt.Errorf("stat blob %s: %w", id, err)
	}
	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, Info{}, fmt.Errorf("get blob %s: %w", id, err)
	}
	return obj, Info{Size: stat.Size, ContentType: stat.ContentType}, nil
}

// Ping reports whether the bucket is reachable.
func (s *Store) Ping(ctx context.Context) error {
	_, err := s.client.BucketExists(ctx, s.bucket)
	return err
}

func isNotFound(err error) bool {
	code := minio.ToErrorResponse(err).Code
	return code == "NoSuchKey" || code == "NoSuchObject"
}

// ID is the content-hash id of data.
func ID(data []byte) string {
	sum := sha256.Sum256(data)
	return "&" + base64.StdEncoding.EncodeToString(sum[:]) + ".sha256"
}

// ObjectKey maps a blob id to its object name, sharded by the first byte
// of the hash.
func ObjectKey(id string) (string, error) {
	if !message.IsBlobID(id) {
		return "", fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	encoded := strings.TrimSuffix(strings.TrimPrefix(id, "&"), ".sha256")
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil || len(raw) != sha256.Size {
		return "", fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	sum := hex.EncodeToString(raw)
	return sum[:2] + "/" + sum, nil
}
