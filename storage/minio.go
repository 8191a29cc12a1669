package storage

import (
	"context"
	"fmt"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	log "github.com/sirupsen/logrus"

	"mining-node-agent/config"
)

// MinioUploader writes snapshots to S3-compatible object storage with
// multipart uploads.
type MinioUploader struct {
	client      *minio.Client
	bucket      string
	keyPrefix   string
	partSize    uint64
	concurrency uint
}

func NewMinioUploader(cfg config.Config) (*MinioUploader, error) {
	partSize, err := cfg.ChunkSizeBytes()
	if err != nil {
		return nil, err
	}
	concurrency, err := cfg.ConcurrencyCount()
	if err != nil {
		return nil, err
	}
	if cfg.Storage.Bucket == "" {
		return nil, fmt.Errorf("%w: bucket is required", config.ErrInvalid)
	}

	host, secure, err := parseEndpoint(cfg.Storage.Endpoint)
	if err != nil {
		return nil, err
	}
	if !secure {
		log.Warnf("object storage endpoint %s is not using TLS", host)
	}

	client, err := minio.New(host, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.Storage.AccessKey, cfg.Storage.SecretKey, ""),
		Secure: secure,
		Region: cfg.Storage.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create object storage client: %w", err)
	}

	return &MinioUploader{
		client:      client,
		bucket:      cfg.Storage.Bucket,
		keyPrefix:   ObjectPrefix(cfg.Storage.Prefix, cfg.Storage.Folder),
		partSize:    uint64(partSize),
		concurrency: uint(concurrency),
	}, nil
}

// parseEndpoint accepts either a bare host or a URL like
// https://<account>.r2.cloudflarestorage.com.
func parseEndpoint(endpoint string) (string, bool, error) {
	if endpoint == "" {
		return "s3.amazonaws.com", true, nil
	}
	if !strings.Contains(endpoint, "://") {
		return endpoint, true, nil
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", false, fmt.Errorf("%w: endpoint %q: %v", config.ErrInvalid, endpoint, err)
	}
	return u.Host, u.Scheme != "http", nil
}

// ObjectPrefix joins the optional prefix and the folder.
func ObjectPrefix(prefix, folder string) string {
	return strings.Trim(path.Join(prefix, folder), "/")
}

func (m *MinioUploader) objectKey(filename string) string {
	if m.keyPrefix == "" {
		return filename
	}
	return m.keyPrefix + "/" + filename
}

func (m *MinioUploader) Upload(ctx context.Context, source, filename string) Record {
	key := m.objectKey(filename)
	start := time.Now()

	info, err := m.client.FPutObject(ctx, m.bucket, key, source, minio.PutObjectOptions{
		ContentType: "application/json",
		PartSize:    m.partSize,
		NumThreads:  m.concurrency,
	})
	if err != nil {
		log.Warnf("upload of %s to %s/%s failed: %v", source, m.bucket, key, err)
		return failure(err)
	}

	record := success(info.Size, time.Since(start))
	log.Debugf("uploaded %s/%s: %v", m.bucket, key, record)
	return record
}
