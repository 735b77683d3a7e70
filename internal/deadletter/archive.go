// Package deadletter keeps a durable copy of dead-lettered deliveries in object storage,
// so they survive stream trimming and can be inspected or replayed later.
package deadletter

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/cockroachdb/errors"

	"basegraph.app/syncrelay/core/config"
	"basegraph.app/syncrelay/internal/queue"
)

// ObjectPutter is the slice of the S3 API the archiver needs.
type ObjectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

type Archiver struct {
	client ObjectPutter
	bucket string
	prefix string
}

func NewArchiver(client ObjectPutter, bucket, prefix string) *Archiver {
	return &Archiver{
		client: client,
		bucket: bucket,
		prefix: strings.Trim(prefix, "/"),
	}
}

// NewS3Client builds a client for AWS or an S3-compatible store (MinIO, R2).
// A custom endpoint switches to path-style addressing.
func NewS3Client(cfg config.DeadLetterConfig) *s3.Client {
	awsCfg := aws.Config{
		Region: cfg.S3Region,
	}
	if cfg.S3AccessKey != "" {
		awsCfg.Credentials = credentials.NewStaticCredentialsProvider(cfg.S3AccessKey, cfg.S3SecretKey, "")
	}

	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.S3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.S3Endpoint)
			o.UsePathStyle = true
		}
	})
}

func (a *Archiver) Archive(ctx context.Context, dl queue.DeadLetter) error {
	body, err := json.Marshal(dl)
	if err != nil {
		return errors.Wrap(err, "encoding dead letter")
	}

	key := a.Key(dl)
	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
		Metadata: map[string]string{
			"queue":  dl.Queue,
			"reason": string(dl.Info.Reason),
		},
	})
	if err != nil {
		return errors.Wrapf(err, "putting s3://%s/%s", a.bucket, key)
	}

	slog.InfoContext(ctx, "dead letter archived", "bucket", a.bucket, "key", key)
	return nil
}

// Key lays objects out as <prefix>/<queue>/<yyyy>/<mm>/<dd>/<delivery id>.json.
func (a *Archiver) Key(dl queue.DeadLetter) string {
	name := dl.DeliveryID
	if dl.MessageID != "" {
		name = dl.MessageID + "_" + name
	}
	return path.Join(
		a.prefix,
		safeSegment(dl.Queue),
		dl.FailedAt.UTC().Format("2006/01/02"),
		safeSegment(name)+".json",
	)
}

func safeSegment(s string) string {
	if s == "" {
		return "unknown"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ' ', '?', '#':
			return '_'
		}
		return r
	}, s)
}
