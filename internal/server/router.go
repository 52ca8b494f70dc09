package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/receiptsync/internal/events"
	"github.com/MarcoPoloResearchLab/receiptsync/internal/identity"
	"github.com/MarcoPoloResearchLab/receiptsync/internal/images"
	"github.com/MarcoPoloResearchLab/receiptsync/internal/pipeline"
	"github.com/MarcoPoloResearchLab/receiptsync/internal/quota"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	eventHeartbeat           = "heartbeat"
	defaultHeartbeatInterval = 15 * time.Second
	maxPasteBytes            = 32 << 20
)

var (
	errMissingPipeline   = errors.New("pipeline dependency required")
	errMissingPermits    = errors.New("permit parser dependency required")
	errMissingSubscriber = errors.New("event subscriber dependency required")
)

// Pipeline is the part of the receipt pipeline exposed over the local API.
type Pipeline interface {
	Drop(ctx context.Context, paths ...string) ([]string, error)
	Paste(ctx context.Context, data []byte, extension string) (string, error)
	Images(ctx context.Context, statuses ...images.Status) ([]images.Image, error)
	Retry(ctx context.Context, imageID string) error
	Delete(ctx context.Context, imageID string, mode pipeline.DeleteMode) error
	Snapshot() pipeline.Snapshot
	Quota(ctx context.Context) (pipeline.QuotaStatus, error)
	ApplyPermit(ctx context.Context, permit quota.Permit) error
	ResetQuota(ctx context.Context) error
	SetOnline(online bool)
	Login(ctx context.Context, token string) (identity.Migration, error)
	Logout(ctx context.Context) (string, error)
}

type PermitParser interface {
	Parse(token string) (quota.Permit, error)
}

type EventSubscriber interface {
	Subscribe(ctx context.Context) (<-chan events.Event, func())
}

type Dependencies struct {
	Pipeline          Pipeline
	Permits           PermitParser
	Events            EventSubscriber
	AllowedOrigins    []string
	HeartbeatInterval time.Duration
	Logger            *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Pipeline == nil {
		return nil, errMissingPipeline
	}
	if deps.Permits == nil {
		return nil, errMissingPermits
	}
	if deps.Events == nil {
		return nil, errMissingSubscriber
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	heartbeat := deps.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatInterval
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(deps.AllowedOrigins))

	handler := &httpHandler{
		pipeline:  deps.Pipeline,
		permits:   deps.Permits,
		events:    deps.Events,
		heartbeat: heartbeat,
		logger:    logger,
	}

	v1 := router.Group("/v1")
	v1.POST("/images", handler.handleDrop)
	v1.POST("/images/paste", handler.handlePaste)
	v1.GET("/images", handler.handleListImages)
	v1.POST("/images/:id/retry", handler.handleRetry)
	v1.DELETE("/images/:id", handler.handleDelete)
	v1.GET("/queue", handler.handleQueue)
	v1.GET("/quota", handler.handleQuota)
	v1.POST("/quota/reset", handler.handleQuotaReset)
	v1.POST("/permits", handler.handlePermit)
	v1.POST("/network", handler.handleNetwork)
	v1.POST("/session", handler.handleSession)
	v1.DELETE("/session", handler.handleLogout)
	v1.GET("/events", handler.handleEvents)

	return router, nil
}

// corsMiddleware allows the desktop shell origins. With no origins configured any origin is accepted.
func corsMiddleware(allowedOrigins []string) gin.HandlerFunc {
	cfg := cors.Config{
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{"Content-Type", "Last-Event-ID"},
		MaxAge:       12 * time.Hour,
	}
	if len(allowedOrigins) == 0 {
		cfg.AllowAllOrigins = true
	} else {
		cfg.AllowOrigins = allowedOrigins
	}
	return cors.New(cfg)
}

type httpHandler struct {
	pipeline  Pipeline
	permits   PermitParser
	events    EventSubscriber
	heartbeat time.Duration
	logger    *zap.Logger
}

type dropRequestPayload struct {
	Paths []string `json:"paths"`
}

type dropResponsePayload struct {
	ImageIDs []string `json:"image_ids"`
}

type imagePayload struct {
	ID             string     `json:"id"`
	UserID         string     `json:"user_id"`
	TraceID        string     `json:"trace_id"`
	Status         string     `json:"status"`
	OriginalPath   string     `json:"original_path"`
	OriginalSize   int64      `json:"original_size"`
	CompressedPath string     `json:"compressed_path,omitempty"`
	CompressedSize int64      `json:"compressed_size,omitempty"`
	ObjectKey      string     `json:"object_key,omitempty"`
	LastError      string     `json:"last_error,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UploadedAt     *time.Time `json:"uploaded_at,omitempty"`
}

type permitPayload struct {
	Tier       string     `json:"tier"`
	TotalLimit int64      `json:"total_limit"`
	DailyRate  int64      `json:"daily_rate"`
	TotalUsed  int64      `json:"total_used"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	IssuedAt   time.Time  `json:"issued_at"`
}

type quotaResponsePayload struct {
	UserID   string         `json:"user_id"`
	Decision quota.Decision `json:"decision"`
	Permit   *permitPayload `json:"permit,omitempty"`
}

type tokenRequestPayload struct {
	Token string `json:"token"`
}

type logoutResponsePayload struct {
	UserID string `json:"user_id"`
}

type networkRequestPayload struct {
	Online *bool `json:"online"`
}

func (h *httpHandler) handleDrop(c *gin.Context) {
	var request dropRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || len(request.Paths) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	imageIDs, err := h.pipeline.Drop(c.Request.Context(), request.Paths...)
	if err != nil {
		h.respondError(c, "drop", err)
		return
	}
	c.JSON(http.StatusAccepted, dropResponsePayload{ImageIDs: imageIDs})
}

func (h *httpHandler) handlePaste(c *gin.Context) {
	header, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	file, err := header.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, maxPasteBytes+1))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	if len(data) > maxPasteBytes {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "paste_too_large"})
		return
	}
	imageID, err := h.pipeline.Paste(c.Request.Context(), data, filepath.Ext(header.Filename))
	if err != nil {
		h.respondError(c, "paste", err)
		return
	}
	c.JSON(http.StatusAccepted, dropResponsePayload{ImageIDs: []string{imageID}})
}

func (h *httpHandler) handleListImages(c *gin.Context) {
	var statuses []images.Status
	for _, raw := range c.QueryArray("status") {
		for _, part := range strings.Split(raw, ",") {
			if strings.TrimSpace(part) == "" {
				continue
			}
			status, err := images.ParseStatus(part)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_status"})
				return
			}
			statuses = append(statuses, status)
		}
	}

	rows, err := h.pipeline.Images(c.Request.Context(), statuses...)
	if err != nil {
		h.respondError(c, "list", err)
		return
	}
	response := make([]imagePayload, 0, len(rows))
	for _, row := range rows {
		response = append(response, imagePayload{
			ID:             row.ID,
			UserID:         row.UserID,
			TraceID:        row.TraceID,
			Status:         row.Status.String(),
			OriginalPath:   row.OriginalPath,
			OriginalSize:   row.OriginalSize,
			CompressedPath: row.CompressedPath,
			CompressedSize: row.CompressedSize,
			ObjectKey:      row.S3Key,
			LastError:      row.LastError,
			CreatedAt:      row.CreatedAt,
			UploadedAt:     row.UploadedAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"images": response})
}

func (h *httpHandler) handleRetry(c *gin.Context) {
	if err := h.pipeline.Retry(c.Request.Context(), c.Param("id")); err != nil {
		h.respondError(c, "retry", err)
		return
	}
	c.Status(http.StatusAccepted)
}

func (h *httpHandler) handleDelete(c *gin.Context) {
	mode, err := pipeline.ParseDeleteMode(c.Query("mode"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_mode"})
		return
	}
	if err := h.pipeline.Delete(c.Request.Context(), c.Param("id"), mode); err != nil {
		h.respondError(c, "delete", err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleQueue(c *gin.Context) {
	c.JSON(http.StatusOK, h.pipeline.Snapshot())
}

func (h *httpHandler) handleQuota(c *gin.Context) {
	status, err := h.pipeline.Quota(c.Request.Context())
	if err != nil {
		h.respondError(c, "quota", err)
		return
	}
	response := quotaResponsePayload{UserID: status.UserID, Decision: status.Decision}
	if status.Permit != nil {
		response.Permit = &permitPayload{
			Tier:       status.Permit.Tier,
			TotalLimit: status.Permit.TotalLimit,
			DailyRate:  status.Permit.DailyRate,
			TotalUsed:  status.Permit.TotalUsed,
			ExpiresAt:  status.Permit.ExpiresAt,
			IssuedAt:   status.Permit.IssuedAt,
		}
	}
	c.JSON(http.StatusOK, response)
}

func (h *httpHandler) handleQuotaReset(c *gin.Context) {
	if err := h.pipeline.ResetQuota(c.Request.Context()); err != nil {
		h.respondError(c, "quota_reset", err)
		return
	}
	h.handleQuota(c)
}

func (h *httpHandler) handlePermit(c *gin.Context) {
	var request tokenRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.Token) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	permit, err := h.permits.Parse(request.Token)
	if err != nil {
		h.respondError(c, "permit", err)
		return
	}
	if err := h.pipeline.ApplyPermit(c.Request.Context(), permit); err != nil {
		h.respondError(c, "permit", err)
		return
	}
	h.handleQuota(c)
}

func (h *httpHandler) handleNetwork(c *gin.Context) {
	var request networkRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || request.Online == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	h.pipeline.SetOnline(*request.Online)
	c.JSON(http.StatusOK, h.pipeline.Snapshot())
}

func (h *httpHandler) handleSession(c *gin.Context) {
	var request tokenRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.Token) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	migration, err := h.pipeline.Login(c.Request.Context(), request.Token)
	if err != nil {
		h.respondError(c, "session", err)
		return
	}
	c.JSON(http.StatusOK, migration)
}

func (h *httpHandler) handleLogout(c *gin.Context) {
	guestID, err := h.pipeline.Logout(c.Request.Context())
	if err != nil {
		h.respondError(c, "logout", err)
		return
	}
	c.JSON(http.StatusOK, logoutResponsePayload{UserID: guestID})
}

// handleEvents streams pipeline events as server-sent events until the client goes away.
func (h *httpHandler) handleEvents(c *gin.Context) {
	ctx := c.Request.Context()
	stream, cleanup := h.events.Subscribe(ctx)
	defer cleanup()

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	c.Header("Cache-Control", "no-cache")
	c.Header("X-Accel-Buffering", "no")
	c.Stream(func(w io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case event, ok := <-stream:
			if !ok {
				return false
			}
			c.SSEvent(string(event.Type), event)
			return true
		case now := <-ticker.C:
			c.SSEvent(eventHeartbeat, gin.H{"timestamp": now.UTC()})
			return true
		}
	})
}

type errorMapping struct {
	target error
	status int
	code   string
}

var errorMappings = []errorMapping{
	{target: pipeline.ErrNotStarted, status: http.StatusServiceUnavailable, code: "not_started"},
	{target: pipeline.ErrEmptyPath, status: http.StatusBadRequest, code: "invalid_request"},
	{target: pipeline.ErrEmptyPaste, status: http.StatusBadRequest, code: "invalid_request"},
	{target: pipeline.ErrUnknownMode, status: http.StatusBadRequest, code: "invalid_mode"},
	{target: pipeline.ErrNotRetryable, status: http.StatusConflict, code: "not_retryable"},
	{target: pipeline.ErrImageBusy, status: http.StatusConflict, code: "image_busy"},
	{target: pipeline.ErrPermitForeignUser, status: http.StatusForbidden, code: "permit_foreign_user"},
	{target: images.ErrNotFound, status: http.StatusNotFound, code: "not_found"},
	{target: quota.ErrExpiredPermitToken, status: http.StatusBadRequest, code: "permit_expired"},
	{target: quota.ErrMissingPermitToken, status: http.StatusBadRequest, code: "invalid_permit"},
	{target: quota.ErrInvalidPermitToken, status: http.StatusBadRequest, code: "invalid_permit"},
	{target: quota.ErrInvalidPermitLimits, status: http.StatusBadRequest, code: "invalid_permit"},
	{target: quota.ErrInvalidPermit, status: http.StatusBadRequest, code: "invalid_permit"},
	{target: quota.ErrNoPermit, status: http.StatusConflict, code: "no_permit"},
	{target: identity.ErrAlreadySignedIn, status: http.StatusConflict, code: "already_signed_in"},
	{target: identity.ErrMissingSessionToken, status: http.StatusUnauthorized, code: "unauthorized"},
	{target: identity.ErrInvalidSessionToken, status: http.StatusUnauthorized, code: "unauthorized"},
	{target: identity.ErrExpiredSessionToken, status: http.StatusUnauthorized, code: "unauthorized"},
	{target: identity.ErrMissingSessionSubject, status: http.StatusUnauthorized, code: "unauthorized"},
	{target: identity.ErrGuestSessionSubject, status: http.StatusUnauthorized, code: "unauthorized"},
}

func (h *httpHandler) respondError(c *gin.Context, operation string, err error) {
	for _, mapping := range errorMappings {
		if errors.Is(err, mapping.target) {
			h.logger.Warn("request rejected", zap.String("operation", operation), zap.String("reason", mapping.code), zap.Error(err))
			c.JSON(mapping.status, gin.H{"error": mapping.code})
			return
		}
	}
	h.logger.Error("request failed", zap.String("operation", operation), zap.Error(err))
	c.JSON(http.StatusInternalServerError, gin.H{"error": operation + "_failed"})
}
