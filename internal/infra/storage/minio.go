package storage

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"

	domain "github.com/nweb-io/indexer/internal/domain/submissions"
)

// Archiver mirrors bundle artifacts of completed submissions into an
// S3-compatible bucket. It implements submissions.Observer.
type Archiver struct {
	client *minio.Client
	bucket string
	log    *zap.Logger
}

func New(ctx context.Context, endpoint, region, bucket, accessKey, secretKey string, useSSL bool, log *zap.Logger) (*Archiver, error) {
	cli, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
		Region: region,
	})
	if err != nil {
		return nil, err
	}

	exists, err := cli.BucketExists(ctx, bucket)
	if err != nil {
		return nil, err
	}
	if !exists {
		if err := cli.MakeBucket(ctx, bucket, minio.MakeBucketOptions{Region: region}); err != nil {
			return nil, err
		}
	}

	return &Archiver{client: cli, bucket: bucket, log: log}, nil
}

func (a *Archiver) Name() string { return "archiver" }

// Notify uploads each artifact under <namespace>/<uid>/<path>. Only
// completed submissions are archived; failures have nothing to mirror.
func (a *Archiver) Notify(ctx context.Context, sub *domain.Submission, artifacts map[string][]byte) error {
	if sub.Status != domain.StatusCompleted || len(artifacts) == 0 {
		return nil
	}

	ns := sub.Namespace
	if ns == "" {
		ns = "default"
	}

	for name, data := range artifacts {
		key := path.Join(ns, string(sub.UID), name)
		_, err := a.client.PutObject(ctx, a.bucket, key,
			bytes.NewReader(data), int64(len(data)),
			minio.PutObjectOptions{ContentType: contentType(name)})
		if err != nil {
			return fmt.Errorf("archive %s: %w", key, err)
		}
		a.log.Debug("artifact archived",
			zap.String("uid", string(sub.UID)),
			zap.String("key", key),
			zap.Int("bytes", len(data)))
	}
	return nil
}

func contentType(name string) string {
	switch strings.ToLower(path.Ext(name)) {
	case ".json":
		return "application/json"
	case ".jsonl", ".ndjson":
		return "application/x-ndjson"
	case ".txt", ".log":
		return "text/plain"
	case ".pcap":
		return "application/vnd.tcpdump.pcap"
	case ".html":
		return "text/html"
	default:
		return "application/octet-stream"
	}
}
