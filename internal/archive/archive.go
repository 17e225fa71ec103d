// Package archive copies delivered attachments into an S3-compatible bucket
// for retention. Archival is strictly best-effort and runs after delivery;
// failures are logged, never surfaced.
package archive

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

type Archive struct {
	client *minio.Client
	bucket string
}

// New connects to the object store and ensures the bucket exists.
func New(ctx context.Context, cfg Config) (*Archive, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("connect object store: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket %s: %w", cfg.Bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket %s: %w", cfg.Bucket, err)
		}
	}

	return &Archive{client: client, bucket: cfg.Bucket}, nil
}

// ObjectName builds the archive key for one attachment of a report.
func ObjectName(chatID, reportNumber int64, index int, filename string) string {
	return fmt.Sprintf("chat_%d/report_%d/%d_%s", chatID, reportNumber, index, filename)
}

// StoreFile uploads a staged attachment. A nil archive is a no-op.
func (a *Archive) StoreFile(ctx context.Context, objectName, path, contentType string) {
	if a == nil {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Minute)
	defer cancel()

	_, err := a.client.FPutObject(ctx, a.bucket, objectName, path, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		log.Printf("archive: store %s: %v", objectName, err)
		return
	}
	log.Printf("archive: stored %s", objectName)
}
