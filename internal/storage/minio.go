package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"

	"github.com/maneesh/edushare/internal/logger"
	"github.com/maneesh/edushare/internal/models"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("edushare-storage")

// artifactPartSize bounds the memory minio-go buffers per multipart part when the
// artifact length is not known up front.
const artifactPartSize = 16 << 20

// MinioClient stores staged parts and assembled artifacts in one bucket
type MinioClient struct {
	client     *minio.Client
	bucketName string
}

// MinioOptions holds connection settings
type MinioOptions struct {
	Endpoint   string
	AccessKey  string
	SecretKey  string
	BucketName string
	UseSSL     bool
}

// NewMinioClient initializes a new MinIO client and makes sure the bucket exists
func NewMinioClient(ctx context.Context, opts MinioOptions, log *logger.Logger) (*MinioClient, error) {
	client, err := minio.New(opts.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(opts.AccessKey, opts.SecretKey, ""),
		Secure: opts.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create MinIO client: %w", err)
	}

	exists, err := client.BucketExists(ctx, opts.BucketName)
	if err != nil {
		return nil, fmt.Errorf("failed to check bucket existence: %w", err)
	}

	if !exists {
		log.Info("creating bucket", "bucket", opts.BucketName)
		if err := client.MakeBucket(ctx, opts.BucketName, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("failed to create bucket: %w", err)
		}
	}

	return &MinioClient{client: client, bucketName: opts.BucketName}, nil
}

func partObjectKey(stagingKey string, index int) string {
	return stagingKey + "/" + strconv.Itoa(index)
}

// PutPart stages one part; rewriting an index overwrites it
func (mc *MinioClient) PutPart(ctx context.Context, stagingKey string, index int, data []byte) error {
	objectKey := partObjectKey(stagingKey, index)
	ctx, span := tracer.Start(ctx, "minio.put_part",
		trace.WithAttributes(
			attribute.String("object_key", objectKey),
			attribute.Int("size_bytes", len(data)),
		),
	)
	defer span.End()

	_, err := mc.client.PutObject(ctx, mc.bucketName, objectKey, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: "application/octet-stream",
	})
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to upload part: %w", err)
	}

	span.SetAttributes(attribute.Bool("upload_success", true))
	return nil
}

// OpenPart streams a staged part
func (mc *MinioClient) OpenPart(ctx context.Context, stagingKey string, index int) (io.ReadCloser, error) {
	objectKey := partObjectKey(stagingKey, index)
	ctx, span := tracer.Start(ctx, "minio.open_part",
		trace.WithAttributes(attribute.String("object_key", objectKey)),
	)
	defer span.End()

	object, err := mc.client.GetObject(ctx, mc.bucketName, objectKey, minio.GetObjectOptions{})
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to get part: %w", err)
	}
	// GetObject is lazy; Stat surfaces a missing part before the caller starts copying.
	if _, err := object.Stat(); err != nil {
		object.Close()
		span.RecordError(err)
		return nil, mapMinioErr(err, "failed to stat part")
	}
	return object, nil
}

// DiscardStaging removes every object under the staging key
func (mc *MinioClient) DiscardStaging(ctx context.Context, stagingKey string) error {
	ctx, span := tracer.Start(ctx, "minio.discard_staging",
		trace.WithAttributes(attribute.String("prefix", stagingKey)),
	)
	defer span.End()

	objects := mc.client.ListObjects(ctx, mc.bucketName, minio.ListObjectsOptions{
		Prefix:    stagingKey + "/",
		Recursive: true,
	})

	toRemove := make(chan minio.ObjectInfo)
	var (
		listErr error
		removed int
	)
	listed := make(chan struct{})
	go func() {
		defer close(listed)
		removed, listErr = feedRemovals(ctx, objects, toRemove)
	}()

	var errs []error
	for rerr := range mc.client.RemoveObjects(ctx, mc.bucketName, toRemove, minio.RemoveObjectsOptions{}) {
		errs = append(errs, fmt.Errorf("%s: %w", rerr.ObjectName, rerr.Err))
	}
	<-listed
	if listErr != nil {
		errs = append(errs, fmt.Errorf("list: %w", listErr))
	}
	if err := errors.Join(errs...); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to discard staging: %w", err)
	}

	span.SetAttributes(attribute.Int("removed", removed), attribute.Bool("discard_success", true))
	return nil
}

// feedRemovals forwards listed objects to out and closes it. It stops early when ctx is done,
// since RemoveObjects quits reading on cancellation.
func feedRemovals(ctx context.Context, objects <-chan minio.ObjectInfo, out chan<- minio.ObjectInfo) (int, error) {
	defer close(out)
	var (
		listErr error
		sent    int
	)
	for obj := range objects {
		if obj.Err != nil {
			listErr = obj.Err
			continue
		}
		select {
		case out <- obj:
			sent++
		case <-ctx.Done():
			return sent, ctx.Err()
		}
	}
	return sent, listErr
}

// PutArtifact streams an artifact of unknown length into the bucket
func (mc *MinioClient) PutArtifact(ctx context.Context, key string, r io.Reader) (int64, error) {
	ctx, span := tracer.Start(ctx, "minio.put_artifact",
		trace.WithAttributes(attribute.String("object_key", key)),
	)
	defer span.End()

	info, err := mc.client.PutObject(ctx, mc.bucketName, key, r, -1, minio.PutObjectOptions{
		ContentType: "application/octet-stream",
		PartSize:    artifactPartSize,
	})
	if err != nil {
		span.RecordError(err)
		return 0, fmt.Errorf("failed to upload artifact: %w", err)
	}

	span.SetAttributes(
		attribute.Int64("size_bytes", info.Size),
		attribute.Bool("upload_success", true),
	)
	return info.Size, nil
}

// OpenArtifact streams an artifact along with its size
func (mc *MinioClient) OpenArtifact(ctx context.Context, key string) (io.ReadCloser, int64, error) {
	ctx, span := tracer.Start(ctx, "minio.open_artifact",
		trace.WithAttributes(attribute.String("object_key", key)),
	)
	defer span.End()

	object, err := mc.client.GetObject(ctx, mc.bucketName, key, minio.GetObjectOptions{})
	if err != nil {
		span.RecordError(err)
		return nil, 0, fmt.Errorf("failed to get artifact: %w", err)
	}
	info, err := object.Stat()
	if err != nil {
		object.Close()
		span.RecordError(err)
		return nil, 0, mapMinioErr(err, "failed to stat artifact")
	}

	span.SetAttributes(attribute.Int64("size_bytes", info.Size))
	return object, info.Size, nil
}

// RemoveArtifact deletes an artifact; missing objects are not an error
func (mc *MinioClient) RemoveArtifact(ctx context.Context, key string) error {
	ctx, span := tracer.Start(ctx, "minio.remove_artifact",
		trace.WithAttributes(attribute.String("object_key", key)),
	)
	defer span.End()

	if err := mc.client.RemoveObject(ctx, mc.bucketName, key, minio.RemoveObjectOptions{}); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to delete artifact: %w", err)
	}
	return nil
}

func mapMinioErr(err error, msg string) error {
	if minio.ToErrorResponse(err).Code == "NoSuchKey" {
		return fmt.Errorf("%s: %w", msg, models.ErrNotFound)
	}
	return fmt.Errorf("%s: %w", msg, err)
}
