package backup

import (
	"context"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"blitzi/internal/logging"
)

// S3Object is the subset of *minio.Object used by S3Storage.
type S3Object interface {
	io.ReadCloser
	Stat() (minio.ObjectInfo, error)
}

// S3Client is the subset of *minio.Client used by S3Storage.
type S3Client interface {
	PutObject(ctx context.Context, bucket, key string, reader io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
	GetObject(ctx context.Context, bucket, key string, opts minio.GetObjectOptions) (S3Object, error)
	RemoveObject(ctx context.Context, bucket, key string, opts minio.RemoveObjectOptions) error
	ListObjects(ctx context.Context, bucket string, opts minio.ListObjectsOptions) <-chan minio.ObjectInfo
}

type minioClient struct {
	*minio.Client
}

func (c minioClient) GetObject(ctx context.Context, bucket, key string, opts minio.GetObjectOptions) (S3Object, error) {
	return c.Client.GetObject(ctx, bucket, key, opts)
}

// S3Storage keeps snapshots in an S3-compatible bucket.
type S3Storage struct {
	client S3Client
	bucket string
	prefix string
}

// S3Config holds configuration for S3 storage.
type S3Config struct {
	Endpoint  string // BACKUP_S3_ENDPOINT, host[:port]
	AccessKey string // BACKUP_S3_ACCESS_KEY
	SecretKey string // BACKUP_S3_SECRET_KEY
	Bucket    string // BACKUP_S3_BUCKET
	Prefix    string // BACKUP_S3_PREFIX - optional folder prefix for all objects
	Region    string // BACKUP_S3_REGION
	Insecure  bool   // BACKUP_S3_INSECURE - plain HTTP, for local MinIO
}

// NewS3Storage creates a new S3-backed storage and checks that the bucket
// exists.
func NewS3Storage(ctx context.Context, cfg S3Config) (*S3Storage, error) {
	logging.Backup.Printf("initializing S3 storage (bucket=%s, prefix=%s, endpoint=%s)", cfg.Bucket, cfg.Prefix, cfg.Endpoint)

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: !cfg.Insecure,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("create S3 client: %w", err)
	}

	ok, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket %s: %w", cfg.Bucket, err)
	}
	if !ok {
		return nil, fmt.Errorf("bucket %s does not exist", cfg.Bucket)
	}

	return NewS3StorageWithClient(minioClient{client}, cfg.Bucket, cfg.Prefix), nil
}

// NewS3StorageWithClient creates an S3Storage on top of an existing client.
func NewS3StorageWithClient(client S3Client, bucket, prefix string) *S3Storage {
	return &S3Storage{
		client: client,
		bucket: bucket,
		prefix: strings.Trim(prefix, "/"),
	}
}

func (s *S3Storage) key(name string) string {
	if s.prefix == "" {
		return name
	}
	return path.Join(s.prefix, name)
}

func (s *S3Storage) Save(ctx context.Context, name string, data io.Reader, size int64) (int64, error) {
	if err := validateName(name); err != nil {
		return 0, err
	}
	key := s.key(name)

	info, err := s.client.PutObject(ctx, s.bucket, key, data, size, minio.PutObjectOptions{
		ContentType: "application/vnd.sqlite3",
	})
	if err != nil {
		logging.Backup.Printf("upload failed for %s: %v", key, err)
		return 0, err
	}

	logging.Backup.Printf("uploaded %s to bucket %s (%d bytes)", key, s.bucket, info.Size)
	return info.Size, nil
}

func (s *S3Storage) Load(ctx context.Context, name string) (io.ReadCloser, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}
	key := s.key(name)

	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, err
	}

	// GetObject is lazy; Stat surfaces a missing key.
	if _, err := obj.Stat(); err != nil {
		obj.Close()
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return obj, nil
}

func (s *S3Storage) Delete(ctx context.Context, name string) error {
	if err := validateName(name); err != nil {
		return err
	}
	key := s.key(name)

	err := s.client.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{})
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return ErrNotFound
		}
		logging.Backup.Printf("failed to delete %s: %v", key, err)
		return err
	}
	return nil
}

func (s *S3Storage) List(ctx context.Context) ([]string, error) {
	listPrefix := ""
	if s.prefix != "" {
		listPrefix = s.prefix + "/"
	}

	var names []string
	for obj := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{Prefix: listPrefix}) {
		if obj.Err != nil {
			return nil, obj.Err
		}
		name := strings.TrimPrefix(obj.Key, listPrefix)
		if validateName(name) != nil {
			continue
		}
		names = append(names, name)
	}
	return names, nil
}
