package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/sirupsen/logrus"
)

// S3Archive syncs finished downloads to Amazon S3 (or compatible APIs).
type S3Archive struct {
	client    *s3.Client
	uploader  *manager.Uploader
	bucket    string
	keyPrefix string
	logger    *logrus.Logger
}

func NewS3Archive(client *s3.Client, bucket, keyPrefix string, logger *logrus.Logger) *S3Archive {
	if logger == nil {
		logger = logrus.New()
	}
	return &S3Archive{
		client:    client,
		uploader:  manager.NewUploader(client),
		bucket:    bucket,
		keyPrefix: strings.Trim(keyPrefix, "/"),
		logger:    logger,
	}
}

func (a *S3Archive) SyncJob(ctx context.Context, jobID int64, localDir string) (string, error) {
	if a.bucket == "" {
		return "", fmt.Errorf("archive bucket is required")
	}

	root := filepath.Clean(localDir)
	if fi, err := os.Stat(root); err != nil {
		return "", fmt.Errorf("stat local dir: %w", err)
	} else if !fi.IsDir() {
		return "", fmt.Errorf("local path must be a directory")
	}

	prefix := fmt.Sprintf("jobs/%d", jobID)
	if a.keyPrefix != "" {
		prefix = a.keyPrefix + "/" + prefix
	}

	var uploaded int
	lastLog := time.Now()
	err := filepath.Walk(root, func(path string, info os.FileInfo, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if info.IsDir() || strings.HasPrefix(info.Name(), ".") {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return fmt.Errorf("relative path for %s: %w", path, err)
		}

		f, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("open file %s: %w", path, err)
		}
		var body io.Reader = f
		_, err = a.uploader.Upload(ctx, &s3.PutObjectInput{
			Bucket: aws.String(a.bucket),
			Key:    aws.String(prefix + "/" + filepath.ToSlash(rel)),
			Body:   body,
			ACL:    types.ObjectCannedACLPrivate,
		})
		closeErr := f.Close()
		if err != nil {
			return fmt.Errorf("upload %s: %w", path, err)
		}
		if closeErr != nil {
			return fmt.Errorf("close file %s: %w", path, closeErr)
		}

		uploaded++
		if time.Since(lastLog) >= 500*time.Millisecond {
			lastLog = time.Now()
			a.logger.Debugf("archive sync: %d files uploaded", uploaded)
		}
		return nil
	})
	if err != nil {
		return "", err
	}

	a.logger.Infof("archive sync: %d files for job %d", uploaded, jobID)
	return fmt.Sprintf("s3://%s/%s", a.bucket, prefix), nil
}

func (a *S3Archive) ListObjects(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	if a.bucket == "" {
		return nil, fmt.Errorf("archive bucket is required")
	}

	full := prefix
	if a.keyPrefix != "" {
		full = a.keyPrefix
		if prefix != "" {
			full += "/" + strings.TrimPrefix(prefix, "/")
		}
	}

	var objects []ObjectInfo
	input := &s3.ListObjectsV2Input{
		Bucket: aws.String(a.bucket),
	}
	if strings.TrimSpace(full) != "" {
		input.Prefix = aws.String(full)
	}

	for {
		output, err := a.client.ListObjectsV2(ctx, input)
		if err != nil {
			return nil, fmt.Errorf("list objects: %w", err)
		}

		for _, obj := range output.Contents {
			objects = append(objects, ObjectInfo{
				Key:          aws.ToString(obj.Key),
				Size:         aws.ToInt64(obj.Size),
				LastModified: obj.LastModified,
			})
		}

		if !aws.ToBool(output.IsTruncated) || output.NextContinuationToken == nil {
			break
		}
		input.ContinuationToken = output.NextContinuationToken
	}

	return objects, nil
}

var _ Archive = (*S3Archive)(nil)
