// Package handoff accepts finished recordings from the phone, stores them in the object
// store and serves them back to the tablet.
package handoff

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aura-kiosk/backend/internal/models"
	"github.com/aura-kiosk/backend/pkg/storage"
)

var (
	// ErrMissingFields is returned when videoBlob, filename or deviceId is empty.
	ErrMissingFields = errors.New("missing required fields")
	// ErrInvalidBlob is returned when videoBlob is not base64.
	ErrInvalidBlob = errors.New("invalid video blob")
	// ErrInvalidFilename is returned when nothing usable remains of the filename.
	ErrInvalidFilename = errors.New("invalid filename")
	// ErrNoCatalog is returned by List when no database is configured.
	ErrNoCatalog = errors.New("artifact catalog not configured")
)

// ObjectStore is the write-once blob store behind the handoff (storage.S3, storage.Memory).
type ObjectStore interface {
	Put(ctx context.Context, key, contentType string, body io.Reader, size int64) (storage.Object, error)
	Head(ctx context.Context, key string) (storage.Object, error)
	GetRange(ctx context.Context, key string, offset, length int64) (io.ReadCloser, error)
	PublicURL(key string) string
}

// Catalog records uploaded artifacts (Repository).
type Catalog interface {
	Record(ctx context.Context, a *models.Artifact) error
	List(ctx context.Context, deviceID string, limit int) ([]models.Artifact, error)
}

// UploadRequest is the JSON body of POST /api/upload.
type UploadRequest struct {
	VideoBlob string `json:"videoBlob"`
	Filename  string `json:"filename"`
	DeviceID  string `json:"deviceId"`
}

// Service stores uploaded videos and resolves them for playback.
type Service struct {
	store         ObjectStore
	catalog       Catalog
	publicBaseURL string
	logger        *zap.Logger
	newID         func() string
}

// NewService creates a handoff service. When publicBaseURL is set, returned video URLs point
// at this server's /api/video route instead of the object store.
func NewService(store ObjectStore, publicBaseURL string, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		store:         store,
		publicBaseURL: strings.TrimRight(publicBaseURL, "/"),
		logger:        logger,
		newID:         func() string { return uuid.New().String() },
	}
}

// SetCatalog enables artifact bookkeeping. Optional.
func (s *Service) SetCatalog(c Catalog) { s.catalog = c }

// Upload decodes the blob and stores it once under videos/<uuid>_<filename>.
func (s *Service) Upload(ctx context.Context, req UploadRequest) (*models.Artifact, error) {
	if req.VideoBlob == "" || req.Filename == "" || req.DeviceID == "" {
		return nil, ErrMissingFields
	}
	name := sanitizeFilename(req.Filename)
	if name == "" {
		return nil, ErrInvalidFilename
	}
	data, err := decodeBlob(req.VideoBlob)
	if err != nil {
		return nil, err
	}

	stored := s.newID() + "_" + name
	key := storage.VideoKey(stored)
	contentType := storage.ContentTypeForFilename(name)

	start := time.Now()
	obj, err := s.store.Put(ctx, key, contentType, bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("store %s: %w", key, err)
	}
	a := &models.Artifact{
		StoredFilename:   stored,
		OriginalFilename: req.Filename,
		DeviceID:         req.DeviceID,
		ContentType:      contentType,
		Size:             obj.Size,
		URL:              s.VideoURL(stored),
		CreatedAt:        time.Now().UTC(),
	}
	s.logger.Info("video stored",
		zap.String("device_id", req.DeviceID),
		zap.String("key", key),
		zap.Int("bytes", len(data)),
		zap.Duration("duration", time.Since(start)),
	)

	if s.catalog != nil {
		if err := s.catalog.Record(ctx, a); err != nil {
			s.logger.Warn("record artifact failed", zap.String("filename", stored), zap.Error(err))
		}
	}
	return a, nil
}

// VideoURL returns the shareable URL of a stored video.
func (s *Service) VideoURL(storedFilename string) string {
	if s.publicBaseURL != "" {
		return s.publicBaseURL + "/api/video/" + url.PathEscape(storedFilename)
	}
	return s.store.PublicURL(storage.VideoKey(storedFilename))
}

// Open resolves a stored video for ranged playback. Caller must close it.
func (s *Service) Open(ctx context.Context, storedFilename string) (*Video, error) {
	name := sanitizeFilename(storedFilename)
	if name == "" || name != storedFilename {
		return nil, fmt.Errorf("open %q: %w", storedFilename, storage.ErrNotFound)
	}
	key := storage.VideoKey(name)
	obj, err := s.store.Head(ctx, key)
	if err != nil {
		return nil, err
	}
	contentType := obj.ContentType
	if contentType == "" {
		contentType = storage.ContentTypeForFilename(name)
	}
	return &Video{
		Name:        name,
		ContentType: contentType,
		Size:        obj.Size,
		ModTime:     obj.LastModified,
		ctx:         ctx,
		store:       s.store,
		key:         key,
	}, nil
}

// List returns catalogued artifacts, newest first.
func (s *Service) List(ctx context.Context, deviceID string, limit int) ([]models.Artifact, error) {
	if s.catalog == nil {
		return nil, ErrNoCatalog
	}
	list, err := s.catalog.List(ctx, deviceID, limit)
	if err != nil {
		return nil, err
	}
	for i := range list {
		list[i].URL = s.VideoURL(list[i].StoredFilename)
	}
	return list, nil
}

// Video is a seekable view of a stored object. Reads are issued lazily as ranged gets
// starting at the current offset, so a Seek costs nothing until the next Read.
type Video struct {
	Name        string
	ContentType string
	Size        int64
	ModTime     time.Time

	ctx    context.Context
	store  ObjectStore
	key    string
	offset int64
	body   io.ReadCloser
}

func (v *Video) Read(p []byte) (int, error) {
	if v.offset >= v.Size {
		return 0, io.EOF
	}
	if v.body == nil {
		body, err := v.store.GetRange(v.ctx, v.key, v.offset, -1)
		if err != nil {
			return 0, err
		}
		v.body = body
	}
	n, err := v.body.Read(p)
	v.offset += int64(n)
	return n, err
}

func (v *Video) Seek(offset int64, whence int) (int64, error) {
	var next int64
	switch whence {
	case io.SeekStart:
		next = offset
	case io.SeekCurrent:
		next = v.offset + offset
	case io.SeekEnd:
		next = v.Size + offset
	default:
		return 0, errors.New("seek: invalid whence")
	}
	if next < 0 {
		return 0, errors.New("seek: negative position")
	}
	if next != v.offset && v.body != nil {
		_ = v.body.Close()
		v.body = nil
	}
	v.offset = next
	return next, nil
}

// Close releases the open object body, if any.
func (v *Video) Close() error {
	if v.body == nil {
		return nil
	}
	err := v.body.Close()
	v.body = nil
	return err
}

// sanitizeFilename keeps the last path element; "" means nothing usable is left.
func sanitizeFilename(name string) string {
	name = strings.TrimSpace(strings.ReplaceAll(name, "\\", "/"))
	name = path.Base(name)
	switch name {
	case ".", "..", "/":
		return ""
	}
	return name
}

// decodeBlob accepts plain base64 or a data URL.
func decodeBlob(blob string) ([]byte, error) {
	if strings.HasPrefix(blob, "data:") {
		i := strings.Index(blob, ";base64,")
		if i < 0 {
			return nil, ErrInvalidBlob
		}
		blob = blob[i+len(";base64,"):]
	}
	blob = strings.TrimSpace(blob)
	data, err := base64.StdEncoding.DecodeString(blob)
	if err != nil {
		data, err = base64.RawStdEncoding.DecodeString(strings.TrimRight(blob, "="))
	}
	if err != nil || len(data) == 0 {
		return nil, ErrInvalidBlob
	}
	return data, nil
}
