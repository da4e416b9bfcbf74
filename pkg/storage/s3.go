package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"go.uber.org/zap"
)

const (
	// FolderVideos is the key prefix for recorded videos.
	FolderVideos = "videos"
	// DefaultContentType is used when the filename carries no known video extension.
	DefaultContentType = "video/webm"
)

// Video MIME types by extension.
var VideoExtensions = map[string]string{
	".webm": "video/webm",
	".mp4":  "video/mp4",
	".m4v":  "video/mp4",
	".mov":  "video/quicktime",
	".mkv":  "video/x-matroska",
	".ogv":  "video/ogg",
	".ogg":  "video/ogg",
}

var (
	// ErrNotFound is returned when the object does not exist.
	ErrNotFound = errors.New("object not found")
	// ErrObjectExists is returned by Put when the key is already taken.
	ErrObjectExists = errors.New("object already exists")
)

// RejectedError is returned when the object store answered and refused the request.
// Transport failures are returned as plain errors.
type RejectedError struct {
	Op     string
	Key    string
	Code   string
	Reason string
	Err    error
}

func (e *RejectedError) Error() string {
	if e.Reason != "" {
		return e.Reason
	}
	return e.Code
}

func (e *RejectedError) Unwrap() error { return e.Err }

// Object describes a stored object.
type Object struct {
	Key          string
	ContentType  string
	Size         int64
	ETag         string
	LastModified time.Time
}

// S3Config holds S3 client configuration. Endpoint selects an S3-compatible service
// (Supabase storage, MinIO) and switches to path-style addressing.
type S3Config struct {
	Endpoint        string
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	Bucket          string
	PublicURL       string
}

// S3 stores videos in one bucket of an S3-compatible object store.
type S3 struct {
	client   *s3.Client
	uploader *manager.Uploader
	cfg      S3Config
	logger   *zap.Logger
}

// NewS3 creates an S3 client using the static credentials from config.
func NewS3(ctx context.Context, cfg S3Config, logger *zap.Logger) (*S3, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Bucket == "" {
		return nil, errors.New("storage bucket is required")
	}
	if cfg.AccessKeyID == "" || cfg.SecretAccessKey == "" {
		return nil, errors.New("storage credentials are required")
	}
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}
	awsCfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(cfg.Region),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")),
	)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	uploader := manager.NewUploader(client, func(u *manager.Uploader) {
		u.PartSize = 5 * 1024 * 1024 // 5MB parts for streaming
	})
	logger.Info("object store configured",
		zap.String("endpoint", cfg.Endpoint),
		zap.String("region", cfg.Region),
		zap.String("bucket", cfg.Bucket),
	)
	return &S3{client: client, uploader: uploader, cfg: cfg, logger: logger}, nil
}

// ContentTypeForFilename returns the video MIME type for a filename extension.
func ContentTypeForFilename(filename string) string {
	if ct, ok := VideoExtensions[strings.ToLower(path.Ext(filename))]; ok {
		return ct
	}
	return DefaultContentType
}

// VideoKey returns the object key for a stored video: videos/{name}.
func VideoKey(name string) string {
	return path.Join(FolderVideos, path.Base(name))
}

// PublicURL returns the unsigned URL of key. The bucket is expected to be public.
func (s *S3) PublicURL(key string) string {
	return publicObjectURL(s.cfg, key)
}

func publicObjectURL(cfg S3Config, key string) string {
	escaped := escapeKey(key)
	switch {
	case cfg.PublicURL != "":
		return strings.TrimRight(cfg.PublicURL, "/") + "/" + escaped
	case cfg.Endpoint != "":
		return strings.TrimRight(cfg.Endpoint, "/") + "/" + cfg.Bucket + "/" + escaped
	default:
		return fmt.Sprintf("https://%s.s3.%s.amazonaws.com/%s", cfg.Bucket, cfg.Region, escaped)
	}
}

func escapeKey(key string) string {
	parts := strings.Split(key, "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return strings.Join(parts, "/")
}

// Put uploads body under key. An existing object is never replaced.
func (s *S3) Put(ctx context.Context, key, contentType string, body io.Reader, size int64) (Object, error) {
	if _, err := s.Head(ctx, key); err == nil {
		return Object{}, &RejectedError{Op: "put", Key: key, Code: "ObjectExists", Reason: "The resource already exists", Err: ErrObjectExists}
	} else if !errors.Is(err, ErrNotFound) {
		return Object{}, err
	}

	var contentLength *int64
	if size > 0 {
		contentLength = aws.Int64(size)
	}
	out, err := s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.cfg.Bucket),
		Key:           aws.String(key),
		Body:          body,
		ContentType:   aws.String(contentType),
		ContentLength: contentLength,
		IfNoneMatch:   aws.String("*"),
	})
	if err != nil {
		return Object{}, classify("put", key, err)
	}
	obj := Object{Key: key, ContentType: contentType, Size: size, LastModified: time.Now()}
	if out.ETag != nil {
		obj.ETag = *out.ETag
	}
	return obj, nil
}

// Head returns object metadata, or ErrNotFound.
func (s *S3) Head(ctx context.Context, key string) (Object, error) {
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return Object{}, classify("head", key, err)
	}
	obj := Object{Key: key}
	if out.ContentType != nil {
		obj.ContentType = *out.ContentType
	}
	if out.ContentLength != nil {
		obj.Size = *out.ContentLength
	}
	if out.ETag != nil {
		obj.ETag = *out.ETag
	}
	if out.LastModified != nil {
		obj.LastModified = *out.LastModified
	}
	return obj, nil
}

// GetRange returns length bytes of key starting at offset. A negative length reads to the end.
// Caller must close the body.
func (s *S3) GetRange(ctx context.Context, key string, offset, length int64) (io.ReadCloser, error) {
	rng := fmt.Sprintf("bytes=%d-", offset)
	if length >= 0 {
		rng = fmt.Sprintf("bytes=%d-%d", offset, offset+length-1)
	}
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(key),
		Range:  aws.String(rng),
	})
	if err != nil {
		return nil, classify("get", key, err)
	}
	return out.Body, nil
}

// classify maps SDK errors onto ErrNotFound, ErrObjectExists and RejectedError.
func classify(op, key string, err error) error {
	var nsk *types.NoSuchKey
	var nf *types.NotFound
	if errors.As(err, &nsk) || errors.As(err, &nf) {
		return fmt.Errorf("%s %s: %w", op, key, ErrNotFound)
	}
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return fmt.Errorf("%s %s: %w", op, key, err)
	}
	rejected := &RejectedError{Op: op, Key: key, Code: apiErr.ErrorCode(), Reason: apiErr.ErrorMessage(), Err: err}
	switch apiErr.ErrorCode() {
	case "NotFound", "NoSuchKey":
		return fmt.Errorf("%s %s: %w", op, key, ErrNotFound)
	case "PreconditionFailed", "ConditionalRequestConflict":
		rejected.Err = ErrObjectExists
		if rejected.Reason == "" {
			rejected.Reason = "The resource already exists"
		}
	}
	return rejected
}
