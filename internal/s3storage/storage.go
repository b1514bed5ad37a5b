package s3storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strconv"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/dharsanguruparan/mediaguard/internal/config"
	"github.com/dharsanguruparan/mediaguard/internal/transform"
)

// Metadata keys stored alongside renditions.
const (
	metaWidth  = "Width"
	metaHeight = "Height"
	metaETag   = "Rendition-Etag"
)

// Storage wraps MinIO/S3 access to original media and rendered output.
type Storage struct {
	client          *minio.Client
	originBucket    string
	renditionBucket string
	region          string
}

// New creates a MinIO client from the Config.
func New(cfg *config.Config) (*Storage, error) {
	client, err := minio.New(cfg.S3Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.S3AccessKey, cfg.S3SecretKey, ""),
		Secure: cfg.S3UseSSL,
		Region: cfg.S3Region,
	})
	if err != nil {
		return nil, fmt.Errorf("init minio: %w", err)
	}
	return &Storage{
		client:          client,
		originBucket:    cfg.OriginBucket,
		renditionBucket: cfg.RenditionBucket,
		region:          cfg.S3Region,
	}, nil
}

// EnsureBuckets makes sure the origin and rendition buckets exist.
func (s *Storage) EnsureBuckets(ctx context.Context) error {
	for _, bucket := range []string{s.originBucket, s.renditionBucket} {
		exists, err := s.client.BucketExists(ctx, bucket)
		if err != nil {
			return fmt.Errorf("check bucket %s: %w", bucket, err)
		}
		if !exists {
			if err := s.client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{Region: s.region}); err != nil {
				return fmt.Errorf("make bucket %s: %w", bucket, err)
			}
		}
	}
	return nil
}

// UploadOriginal stores an original media file.
func (s *Storage) UploadOriginal(ctx context.Context, key string, reader io.Reader, size int64, contentType string) error {
	_, err := s.client.PutObject(ctx, s.originBucket, key, reader, size, minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return fmt.Errorf("upload original %s: %w", key, err)
	}
	return nil
}

// Open implements transform.Origin.
func (s *Storage) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	obj, err := s.client.GetObject(ctx, s.originBucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("get original %s: %w", key, err)
	}
	// GetObject is lazy; Stat surfaces a missing key before the caller reads.
	if _, err := obj.Stat(); err != nil {
		obj.Close()
		if isNotFound(err) {
			return nil, fmt.Errorf("%w: %s", transform.ErrSourceNotFound, key)
		}
		return nil, fmt.Errorf("stat original %s: %w", key, err)
	}
	return obj, nil
}

// GetRendition implements transform.RenditionStore.
func (s *Storage) GetRendition(ctx context.Context, key string) (*transform.Rendition, error) {
	obj, err := s.client.GetObject(ctx, s.renditionBucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("get rendition: %w", err)
	}
	defer obj.Close()
	info, err := obj.Stat()
	if err != nil {
		if isNotFound(err) {
			return nil, transform.ErrRenditionNotFound
		}
		return nil, fmt.Errorf("stat rendition: %w", err)
	}
	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, fmt.Errorf("read rendition: %w", err)
	}
	w, _ := strconv.Atoi(info.UserMetadata[metaWidth])
	h, _ := strconv.Atoi(info.UserMetadata[metaHeight])
	return &transform.Rendition{
		Data:        data,
		ContentType: info.ContentType,
		ETag:        info.UserMetadata[metaETag],
		Width:       w,
		Height:      h,
	}, nil
}

// PutRendition implements transform.RenditionStore.
func (s *Storage) PutRendition(ctx context.Context, key string, r *transform.Rendition) error {
	opts := minio.PutObjectOptions{
		ContentType: r.ContentType,
		UserMetadata: map[string]string{
			metaWidth:  strconv.Itoa(r.Width),
			metaHeight: strconv.Itoa(r.Height),
			metaETag:   r.ETag,
		},
	}
	_, err := s.client.PutObject(ctx, s.renditionBucket, key, bytes.NewReader(r.Data), int64(len(r.Data)), opts)
	if err != nil {
		return fmt.Errorf("upload rendition: %w", err)
	}
	return nil
}

func isNotFound(err error) bool {
	resp := minio.ToErrorResponse(err)
	return resp.Code == "NoSuchKey" || resp.StatusCode == 404
}
