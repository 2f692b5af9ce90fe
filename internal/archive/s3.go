// Package archive writes the canonical JSON of completed deployment runs to
// object storage, keyed by date, so the run history survives the process and
// the database.
package archive

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsConfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/nexusmarkets/nexus-deploy/internal/canonical"
	"github.com/nexusmarkets/nexus-deploy/internal/pipeline"
)

// Uploader is the subset of the S3 transfer manager the archiver needs.
type Uploader interface {
	Upload(ctx context.Context, input *s3.PutObjectInput, opts ...func(*manager.Uploader)) (*manager.UploadOutput, error)
}

// S3Archiver writes run records to paths like:
//
//	s3://<bucket>/<prefix>/runs/YYYY/MM/DD/<runID>.json
type S3Archiver struct {
	bucket   string
	prefix   string
	uploader Uploader
}

func NewS3Archiver(uploader Uploader, bucket, prefix string) (*S3Archiver, error) {
	if bucket == "" {
		return nil, fmt.Errorf("bucket required")
	}
	return &S3Archiver{bucket: bucket, prefix: prefix, uploader: uploader}, nil
}

// NewS3ArchiverFromEnv builds the archiver on the default AWS config chain,
// using the transfer manager for concurrency and retries.
func NewS3ArchiverFromEnv(ctx context.Context, bucket, prefix string) (*S3Archiver, error) {
	cfg, err := awsConfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(cfg)
	return NewS3Archiver(manager.NewUploader(client), bucket, prefix)
}

// ArchiveRun canonicalizes a completed run and uploads it, returning the
// object key. Equal runs always produce byte-identical objects.
func (a *S3Archiver) ArchiveRun(ctx context.Context, run *pipeline.Run) (string, error) {
	if run == nil {
		return "", fmt.Errorf("nil run")
	}

	envelope := map[string]interface{}{
		"id":        run.ID,
		"trigger":   run.Trigger,
		"stages":    run.Stages,
		"healthy":   run.Healthy(),
		"createdAt": run.CreatedAt.Format(time.RFC3339Nano),
	}
	if run.FinishedAt != nil {
		envelope["finishedAt"] = run.FinishedAt.Format(time.RFC3339Nano)
	}

	body, err := canonical.Marshal(envelope)
	if err != nil {
		return "", fmt.Errorf("canonicalize run: %w", err)
	}

	ts := run.CreatedAt
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	year, month, day := ts.Date()
	key := path.Join(a.prefix, "runs",
		fmt.Sprintf("%04d", year),
		fmt.Sprintf("%02d", int(month)),
		fmt.Sprintf("%02d", day),
		fmt.Sprintf("%s.json", run.ID),
	)

	_, err = a.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:               aws.String(a.bucket),
		Key:                  aws.String(key),
		Body:                 bytes.NewReader(body),
		ContentType:          aws.String("application/json"),
		ServerSideEncryption: s3types.ServerSideEncryptionAes256,
	})
	if err != nil {
		return "", fmt.Errorf("s3 upload failed: %w", err)
	}
	return key, nil
}
