// Package s3 implements the blob store on Amazon S3 or any S3-compatible object store.
package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/audiosum/errs"
	"github.com/coachpo/audiosum/internal/domain/blobstore"
	"github.com/coachpo/audiosum/internal/infra/storage/multipart"
	"github.com/coachpo/audiosum/internal/infra/telemetry"
	"github.com/coachpo/audiosum/internal/observability"
)

const component = "s3 storage"

// API is the subset of the S3 client used by Store. *s3.Client satisfies it.
type API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	CreateMultipartUpload(ctx context.Context, params *s3.CreateMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error)
	UploadPart(ctx context.Context, params *s3.UploadPartInput, optFns ...func(*s3.Options)) (*s3.UploadPartOutput, error)
	CompleteMultipartUpload(ctx context.Context, params *s3.CompleteMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error)
	AbortMultipartUpload(ctx context.Context, params *s3.AbortMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error)
}

// Presigner signs object URLs. *s3.PresignClient satisfies it.
type Presigner interface {
	PresignGetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error)
}

// Config describes the bucket and credentials.
type Config struct {
	Region       string
	Bucket       string
	Endpoint     string
	AccessKey    string
	SecretKey    string
	UsePathStyle bool
	PartSize     int64
	PresignTTL   time.Duration
}

// Store implements blobstore.Store.
type Store struct {
	api       API
	presigner Presigner
	bucket    string
	partSize  int64
	ttl       time.Duration
	logger    observability.Logger

	partsUploaded    metric.Int64Counter
	partsDownloaded  metric.Int64Counter
	bytesTransferred metric.Int64Counter
}

var _ blobstore.Store = (*Store)(nil)

// NewClient builds the SDK client and presigner from cfg.
func NewClient(ctx context.Context, cfg Config) (*s3.Client, *s3.PresignClient, error) {
	if strings.TrimSpace(cfg.Region) == "" || strings.TrimSpace(cfg.Bucket) == "" {
		return nil, nil, errs.New(component, errs.CodeInvalid, errs.WithMessage("s3 region and bucket are required"))
	}
	opts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, nil, fmt.Errorf("s3: load aws config: %w", err)
	}

	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint != "" {
		parsed, err := url.Parse(endpoint)
		if err != nil || parsed.Scheme == "" {
			return nil, nil, errs.New(component, errs.CodeInvalid,
				errs.WithMessage("invalid s3 endpoint"),
				errs.WithDetail("endpoint", endpoint))
		}
		endpoint = parsed.String()
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		}
		if cfg.UsePathStyle {
			o.UsePathStyle = true
		}
	})
	return client, s3.NewPresignClient(client), nil
}

// Open builds the SDK client and wraps it in a Store.
func Open(ctx context.Context, cfg Config, logger observability.Logger) (*Store, error) {
	client, presigner, err := NewClient(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return New(client, presigner, cfg, logger), nil
}

// New wraps an S3 client.
func New(api API, presigner Presigner, cfg Config, logger observability.Logger) *Store {
	if logger == nil {
		logger = observability.Log()
	}
	partSize := cfg.PartSize
	if partSize < blobstore.DefaultPartSize {
		partSize = blobstore.DefaultPartSize
	}
	ttl := cfg.PresignTTL
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	store := &Store{
		api:       api,
		presigner: presigner,
		bucket:    cfg.Bucket,
		partSize:  partSize,
		ttl:       ttl,
		logger:    logger,
	}
	meter := otel.Meter("storage")
	store.partsUploaded, _ = meter.Int64Counter("audiosum_multipart_parts_uploaded_total",
		metric.WithDescription("Parts uploaded through multipart sessions"),
		metric.WithUnit("{part}"))
	store.partsDownloaded, _ = meter.Int64Counter("audiosum_multipart_parts_downloaded_total",
		metric.WithDescription("Parts fetched through ranged downloads"),
		metric.WithUnit("{part}"))
	store.bytesTransferred, _ = meter.Int64Counter("audiosum_storage_bytes_total",
		metric.WithDescription("Bytes moved to and from object storage"),
		metric.WithUnit("By"))
	return store
}

// PartSize returns the part size used when callers do not pick one.
func (s *Store) PartSize() int64 { return s.partSize }

// Upload stores a whole object with a single PutObject.
func (s *Store) Upload(ctx context.Context, file blobstore.File) error {
	if strings.TrimSpace(file.Filepath) == "" {
		return errs.New(component, errs.CodeInvalid, errs.WithMessage("filepath required"))
	}
	if err := s.put(ctx, file.Filepath, file.ContentType, file.Content); err != nil {
		return err
	}
	return nil
}

func (s *Store) put(ctx context.Context, key, contentType string, content []byte) error {
	input := &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(content),
		ContentLength: aws.Int64(int64(len(content))),
	}
	if contentType != "" {
		input.ContentType = aws.String(contentType)
	}
	if _, err := s.api.PutObject(ctx, input); err != nil {
		return errs.New(component, errs.CodeUploadFailed,
			errs.WithMessage("put object"),
			errs.WithDetail("filepath", key),
			errs.WithCause(err))
	}
	s.bytesTransferred.Add(ctx, int64(len(content)), metric.WithAttributes(telemetry.TransferAttributes("upload")...))
	return nil
}

// UploadMultipart drains parts into one object. A stream whose first part is also its
// last goes up with a single PutObject. Any failure after the session opened aborts it.
func (s *Store) UploadMultipart(ctx context.Context, filepath, contentType string, parts *blobstore.PartStream) (total int64, err error) {
	if parts == nil {
		return 0, errs.New(component, errs.CodeInvalid, errs.WithMessage("nil part stream"))
	}
	defer parts.Close()

	var (
		seq       multipart.Sequence
		uploadID  *string
		completed []types.CompletedPart
	)
	fail := func(cause error, message string) error {
		if uploadID != nil {
			s.abort(filepath, uploadID)
		}
		if errs.CodeOf(cause) == errs.CodeUploadFailed {
			return cause
		}
		return errs.New(component, errs.CodeUploadFailed,
			errs.WithMessage(message),
			errs.WithDetail("filepath", filepath),
			errs.WithCause(cause))
	}

	for {
		part, recvErr := parts.Recv(ctx)
		if errors.Is(recvErr, io.EOF) {
			break
		}
		if recvErr != nil {
			return total, fail(recvErr, "read part")
		}
		if err := seq.Check(part); err != nil {
			return total, fail(err, "part out of sequence")
		}

		if uploadID == nil && part.PartNumber == 1 && part.IsLast {
			if err := s.put(ctx, filepath, contentType, part.Content); err != nil {
				return total, err
			}
			s.partsUploaded.Add(ctx, 1, metric.WithAttributes(telemetry.TransferAttributes("upload")...))
			return int64(len(part.Content)), nil
		}
		if uploadID == nil {
			input := &s3.CreateMultipartUploadInput{Bucket: aws.String(s.bucket), Key: aws.String(filepath)}
			if contentType != "" {
				input.ContentType = aws.String(contentType)
			}
			out, err := s.api.CreateMultipartUpload(ctx, input)
			if err != nil {
				return total, fail(err, "create multipart upload")
			}
			uploadID = out.UploadId
		}

		out, err := s.api.UploadPart(ctx, &s3.UploadPartInput{
			Bucket:        aws.String(s.bucket),
			Key:           aws.String(filepath),
			UploadId:      uploadID,
			PartNumber:    aws.Int32(int32(part.PartNumber)),
			Body:          bytes.NewReader(part.Content),
			ContentLength: aws.Int64(int64(len(part.Content))),
		})
		if err != nil {
			return total, fail(err, fmt.Sprintf("upload part %d", part.PartNumber))
		}
		completed = append(completed, types.CompletedPart{
			ETag:       out.ETag,
			PartNumber: aws.Int32(int32(part.PartNumber)),
		})
		total += int64(len(part.Content))
		s.partsUploaded.Add(ctx, 1, metric.WithAttributes(telemetry.TransferAttributes("upload")...))
	}

	if uploadID == nil {
		// the producer ended without emitting anything
		if err := s.put(ctx, filepath, contentType, nil); err != nil {
			return 0, err
		}
		return 0, nil
	}
	_, err = s.api.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:          aws.String(s.bucket),
		Key:             aws.String(filepath),
		UploadId:        uploadID,
		MultipartUpload: &types.CompletedMultipartUpload{Parts: completed},
	})
	if err != nil {
		return total, fail(err, "complete multipart upload")
	}
	s.bytesTransferred.Add(ctx, total, metric.WithAttributes(telemetry.TransferAttributes("upload")...))
	s.logger.Debug("multipart upload completed",
		observability.F("filepath", filepath),
		observability.F("parts", len(completed)),
		observability.F("bytes", total))
	return total, nil
}

func (s *Store) abort(key string, uploadID *string) {
	// the caller's context may already be cancelled
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if _, err := s.api.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(s.bucket),
		Key:      aws.String(key),
		UploadId: uploadID,
	}); err != nil {
		s.logger.Warn("abort multipart upload failed",
			observability.F("filepath", key),
			observability.F("upload_id", aws.ToString(uploadID)),
			observability.F("error", err.Error()))
	}
}

// Download reads a whole object. It returns nil, nil when the object does not exist.
func (s *Store) Download(ctx context.Context, filepath string) (*blobstore.File, error) {
	out, err := s.api.GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(s.bucket), Key: aws.String(filepath)})
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, errs.New(component, errs.CodeDownloadFailed,
			errs.WithMessage("get object"),
			errs.WithDetail("filepath", filepath),
			errs.WithCause(err))
	}
	defer out.Body.Close()
	content, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, errs.New(component, errs.CodeDownloadFailed,
			errs.WithMessage("read object body"),
			errs.WithDetail("filepath", filepath),
			errs.WithCause(err))
	}
	s.bytesTransferred.Add(ctx, int64(len(content)), metric.WithAttributes(telemetry.TransferAttributes("download")...))
	return &blobstore.File{
		Filepath:    filepath,
		Content:     content,
		ContentType: aws.ToString(out.ContentType),
		Size:        int64(len(content)),
	}, nil
}

// DownloadMultipart streams an object as ranged reads of partSize bytes.
func (s *Store) DownloadMultipart(ctx context.Context, filepath string, partSize int64) (*blobstore.PartStream, error) {
	if partSize <= 0 {
		partSize = s.partSize
	}
	head, err := s.api.HeadObject(ctx, &s3.HeadObjectInput{Bucket: aws.String(s.bucket), Key: aws.String(filepath)})
	if err != nil {
		if isNotFound(err) {
			return nil, errs.New(component, errs.CodeNotFound,
				errs.WithMessage("object not found"),
				errs.WithDetail("filepath", filepath))
		}
		return nil, errs.New(component, errs.CodeDownloadFailed,
			errs.WithMessage("head object"),
			errs.WithDetail("filepath", filepath),
			errs.WithCause(err))
	}
	size := aws.ToInt64(head.ContentLength)
	if size == 0 {
		return blobstore.StreamOf(ctx, blobstore.FilePart{
			Filepath: filepath, Content: []byte{}, PartNumber: 1, TotalParts: 1, IsLast: true,
		}), nil
	}
	fetch := func(ctx context.Context, rng multipart.Range) ([]byte, error) {
		out, err := s.api.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(filepath),
			Range:  aws.String(rng.Header()),
		})
		if err != nil {
			return nil, errs.New(component, errs.CodeDownloadFailed,
				errs.WithMessage("ranged get"),
				errs.WithDetail("filepath", filepath),
				errs.WithDetail("range", rng.Header()),
				errs.WithCause(err))
		}
		defer out.Body.Close()
		content, err := io.ReadAll(out.Body)
		if err != nil {
			return nil, errs.New(component, errs.CodeDownloadFailed,
				errs.WithMessage("read range body"),
				errs.WithDetail("filepath", filepath),
				errs.WithCause(err))
		}
		attrs := metric.WithAttributes(telemetry.TransferAttributes("download")...)
		s.partsDownloaded.Add(ctx, 1, attrs)
		s.bytesTransferred.Add(ctx, int64(len(content)), attrs)
		return content, nil
	}
	return multipart.Download(ctx, filepath, size, partSize, fetch), nil
}

// Remove deletes the object. Removing a missing object succeeds.
func (s *Store) Remove(ctx context.Context, filepath string) error {
	if _, err := s.api.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: aws.String(s.bucket), Key: aws.String(filepath)}); err != nil {
		return errs.New(component, errs.CodeDelete,
			errs.WithMessage("delete object"),
			errs.WithDetail("filepath", filepath),
			errs.WithCause(err))
	}
	return nil
}

// Exists reports whether the object exists.
func (s *Store) Exists(ctx context.Context, filepath string) (bool, error) {
	_, err := s.api.HeadObject(ctx, &s3.HeadObjectInput{Bucket: aws.String(s.bucket), Key: aws.String(filepath)})
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, errs.New(component, errs.CodeReading,
			errs.WithMessage("head object"),
			errs.WithDetail("filepath", filepath),
			errs.WithCause(err))
	}
	return true, nil
}

// PresignedURL returns a signed GET URL valid for expiresIn, or the configured TTL when zero.
func (s *Store) PresignedURL(ctx context.Context, filepath string, expiresIn time.Duration) (string, error) {
	if s.presigner == nil {
		return "", errs.New(component, errs.CodeUnavailable, errs.WithMessage("presigner not configured"))
	}
	if expiresIn <= 0 {
		expiresIn = s.ttl
	}
	req, err := s.presigner.PresignGetObject(ctx,
		&s3.GetObjectInput{Bucket: aws.String(s.bucket), Key: aws.String(filepath)},
		func(o *s3.PresignOptions) { o.Expires = expiresIn })
	if err != nil {
		return "", errs.New(component, errs.CodeExternal,
			errs.WithMessage("presign get object"),
			errs.WithDetail("filepath", filepath),
			errs.WithCause(err))
	}
	return req.URL, nil
}

func isNotFound(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NotFound", "NoSuchKey":
			return true
		}
	}
	var noKey *types.NoSuchKey
	return errors.As(err, &noKey)
}
