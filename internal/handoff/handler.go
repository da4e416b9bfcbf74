package handoff

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aura-kiosk/backend/pkg/response"
	"github.com/aura-kiosk/backend/pkg/storage"
)

const (
	// DefaultMaxUploadBytes caps the JSON upload body (base64 inflates the video by a third).
	DefaultMaxUploadBytes = 50 << 20

	defaultListLimit = 50
	maxListLimit     = 200

	msgMissingFields = "Missing required fields: videoBlob, filename, deviceId"
	msgInternal      = "Internal server error"
)

// UploadResponse is returned by POST /api/upload and GET /api/video/:filename (JSON).
type UploadResponse struct {
	Success  bool   `json:"success"`
	VideoURL string `json:"videoUrl"`
	Filename string `json:"filename"`
}

// Handler serves the upload and playback endpoints.
type Handler struct {
	svc      *Service
	maxBytes int64
	logger   *zap.Logger
}

// NewHandler creates a handoff handler. maxBytes <= 0 uses DefaultMaxUploadBytes.
func NewHandler(svc *Service, maxBytes int64, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if maxBytes <= 0 {
		maxBytes = DefaultMaxUploadBytes
	}
	return &Handler{svc: svc, maxBytes: maxBytes, logger: logger}
}

// Register mounts the routes on r (the /api group).
func (h *Handler) Register(r gin.IRouter) {
	r.POST("/upload", h.Upload)
	r.GET("/video/:filename", h.GetVideo)
	r.GET("/videos", h.ListVideos)
}

// Upload handles POST /api/upload.
func (h *Handler) Upload(c *gin.Context) {
	requestID := uuid.New().String()
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxBytes)

	var req UploadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.logger.Warn("upload too large", zap.String("request_id", requestID), zap.Int64("limit", h.maxBytes))
			response.PayloadTooLarge(c, fmt.Sprintf("Upload exceeds the %d MB limit", h.maxBytes>>20))
			return
		}
		h.logger.Warn("invalid upload body", zap.String("request_id", requestID), zap.Error(err))
		response.BadRequest(c, "Invalid JSON body")
		return
	}

	ctx := c.Request.Context()
	artifact, err := h.svc.Upload(ctx, req)
	if err != nil {
		var rejected *storage.RejectedError
		switch {
		case errors.Is(err, ErrMissingFields):
			h.logger.Warn("missing required fields",
				zap.String("request_id", requestID),
				zap.Bool("has_video_blob", req.VideoBlob != ""),
				zap.Bool("has_filename", req.Filename != ""),
				zap.Bool("has_device_id", req.DeviceID != ""),
			)
			response.BadRequest(c, msgMissingFields)
		case errors.Is(err, ErrInvalidBlob):
			response.BadRequest(c, "Invalid videoBlob: expected base64 data")
		case errors.Is(err, ErrInvalidFilename):
			response.BadRequest(c, "Invalid filename")
		case errors.As(err, &rejected):
			h.logger.Error("object store rejected upload", zap.String("request_id", requestID), zap.String("code", rejected.Code), zap.Error(err))
			response.Internal(c, "Upload failed: "+rejected.Error())
		default:
			h.logger.Error("upload failed", zap.String("request_id", requestID), zap.String("device_id", req.DeviceID), zap.Error(err))
			response.Internal(c, msgInternal)
		}
		return
	}

	h.logger.Info("video upload completed",
		zap.String("request_id", requestID),
		zap.String("device_id", artifact.DeviceID),
		zap.String("filename", artifact.StoredFilename),
		zap.String("video_url", artifact.URL),
		zap.Int64("bytes", artifact.Size),
	)
	c.JSON(http.StatusOK, UploadResponse{Success: true, VideoURL: artifact.URL, Filename: artifact.StoredFilename})
}

// GetVideo handles GET /api/video/:filename. Clients asking for JSON get the video URL;
// everyone else gets the bytes, with Range support.
func (h *Handler) GetVideo(c *gin.Context) {
	name := c.Param("filename")
	video, err := h.svc.Open(c.Request.Context(), name)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			response.NotFound(c, "Video not found")
			return
		}
		h.logger.Error("get video failed", zap.String("filename", name), zap.Error(err))
		response.Internal(c, "Failed to get video")
		return
	}
	defer video.Close()

	if wantsJSON(c) {
		c.JSON(http.StatusOK, UploadResponse{Success: true, VideoURL: h.svc.VideoURL(video.Name), Filename: video.Name})
		return
	}
	c.Header("Content-Type", video.ContentType)
	c.Header("Cache-Control", "public, max-age=31536000, immutable")
	http.ServeContent(c.Writer, c.Request, video.Name, video.ModTime, video)
}

// ListVideos handles GET /api/videos?deviceId=&limit=.
func (h *Handler) ListVideos(c *gin.Context) {
	limit := defaultListLimit
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			response.BadRequest(c, "invalid limit")
			return
		}
		limit = min(n, maxListLimit)
	}
	list, err := h.svc.List(c.Request.Context(), c.Query("deviceId"), limit)
	if err != nil {
		if errors.Is(err, ErrNoCatalog) {
			response.ServiceUnavailable(c, "Video catalog not configured")
			return
		}
		h.logger.Error("list videos failed", zap.Error(err))
		response.Internal(c, "Failed to list videos")
		return
	}
	response.OK(c, list)
}

func wantsJSON(c *gin.Context) bool {
	if c.Query("format") == "json" {
		return true
	}
	accept := c.GetHeader("Accept")
	return strings.Contains(accept, "application/json") && !strings.Contains(accept, "video/")
}
