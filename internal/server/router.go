package server

import (
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/momentum/internal/entities"
	"github.com/MarcoPoloResearchLab/momentum/internal/taskgraph"
	"github.com/MarcoPoloResearchLab/momentum/internal/wire"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	userIDContextKey   = "momentum_user_id"
	deviceIDContextKey = "momentum_device_id"
	accessTokenQuery   = "access_token"
	defaultMaxBatch    = 200
)

var (
	errMissingTokenValidator = errors.New("token validator dependency required")
	errMissingTaskGraph      = errors.New("task graph service dependency required")
)

// TokenValidator resolves the user a request acts for.
type TokenValidator interface {
	ValidateRequest(r *http.Request) (string, error)
	ValidateToken(token string) (string, error)
}

type Dependencies struct {
	Tokens         TokenValidator
	TaskGraph      *taskgraph.Service
	Logger         *zap.Logger
	Realtime       *RealtimeDispatcher
	AllowedOrigins []string
	MaxPushBatch   int
	Clock          func() time.Time
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Tokens == nil {
		return nil, errMissingTokenValidator
	}
	if deps.TaskGraph == nil {
		return nil, errMissingTaskGraph
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	realtime := deps.Realtime
	if realtime == nil {
		realtime = NewRealtimeDispatcher()
	}
	maxBatch := deps.MaxPushBatch
	if maxBatch <= 0 {
		maxBatch = defaultMaxBatch
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(deps.AllowedOrigins))

	handler := &httpHandler{
		tokens:    deps.Tokens,
		taskGraph: deps.TaskGraph,
		logger:    logger,
		realtime:  realtime,
		maxBatch:  maxBatch,
		clock:     clock,
	}

	router.GET("/healthz", handler.handleHealth)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.POST("/sync/push", handler.requireDevice, handler.handlePush)
	protected.GET("/sync/pull", handler.handlePull)
	protected.GET("/sync/digest", handler.handleDigest)
	protected.GET("/sync/events", handler.handleEvents)
	protected.GET("/entities/:kind", handler.handleListEntities)

	return router, nil
}

func corsMiddleware(allowedOrigins []string) gin.HandlerFunc {
	config := cors.Config{
		AllowMethods:  []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders:  []string{"Authorization", "Content-Type", wire.HeaderDeviceID},
		ExposeHeaders: []string{"Content-Length"},
		MaxAge:        12 * time.Hour,
	}
	origins := make([]string, 0, len(allowedOrigins))
	for _, origin := range allowedOrigins {
		if trimmed := strings.TrimSpace(origin); trimmed != "" {
			origins = append(origins, trimmed)
		}
	}
	if len(origins) == 0 || (len(origins) == 1 && origins[0] == "*") {
		config.AllowAllOrigins = true
	} else {
		config.AllowOrigins = origins
		config.AllowCredentials = true
	}
	return cors.New(config)
}

type httpHandler struct {
	tokens    TokenValidator
	taskGraph *taskgraph.Service
	logger    *zap.Logger
	realtime  *RealtimeDispatcher
	maxBatch  int
	clock     func() time.Time
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) handlePush(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	device := entities.DeviceID(c.GetString(deviceIDContextKey))

	var request wire.PushRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		respondError(c, http.StatusBadRequest, "invalid_request", "")
		return
	}
	if len(request.Mutations) > h.maxBatch {
		respondError(c, http.StatusRequestEntityTooLarge, "batch_too_large", "")
		return
	}

	records := make([]taskgraph.PushRecord, 0, len(request.Mutations))
	for _, payload := range request.Mutations {
		mutation, err := wire.DecodePush(payload, device)
		records = append(records, taskgraph.PushRecord{
			EntityID: payload.ID,
			Mutation: mutation,
			Err:      err,
		})
	}

	result, err := h.taskGraph.ApplyPush(c.Request.Context(), userID, records)
	if err != nil {
		h.logger.Error("failed to apply push",
			zap.String("user_id", userID),
			zap.String("device_id", device.String()),
			zap.Error(err))
		respondServiceError(c, "push_failed", err)
		return
	}

	response := wire.PushResponse{OK: true, Results: make([]wire.PushResult, 0, len(result.Outcomes))}
	for _, outcome := range result.Outcomes {
		entry := wire.PushResult{
			ID:      outcome.EntityID,
			Applied: outcome.Applied,
			Reason:  outcome.Reason,
		}
		if outcome.Applied {
			resultingUpdatedAt := outcome.ResultingUpdatedAt.String()
			entry.ResultingUpdatedAt = &resultingUpdatedAt
			if outcome.Decision.Discarded() {
				entry.Reason = outcome.Decision.String()
			}
		}
		response.Results = append(response.Results, entry)
	}

	if len(result.Changed) > 0 {
		h.realtime.Publish(RealtimeMessage{
			UserID:       userID,
			EventType:    RealtimeEventEntitiesChanged,
			EntityKeys:   result.Changed,
			OriginDevice: device.String(),
			Timestamp:    h.clock().UTC(),
		})
	}

	c.JSON(http.StatusOK, response)
}

func (h *httpHandler) handlePull(c *gin.Context) {
	userID := c.GetString(userIDContextKey)

	cursor, err := wire.ParseCursor(c.Query(wire.QuerySince))
	if err != nil {
		respondError(c, http.StatusBadRequest, "invalid_cursor", "")
		return
	}

	page, err := h.taskGraph.MutationsSince(c.Request.Context(), userID, cursor)
	if errors.Is(err, taskgraph.ErrCursorDivergence) {
		h.logger.Info("pull cursor diverged",
			zap.String("user_id", userID),
			zap.String("cursor", cursor.String()))
		respondError(c, http.StatusConflict, wire.ErrorCursorDivergence, serviceErrorCode(err))
		return
	}
	if err != nil {
		h.logger.Error("failed to read mutation feed", zap.String("user_id", userID), zap.Error(err))
		respondServiceError(c, "pull_failed", err)
		return
	}

	response := wire.PullResponse{
		Mutations: make([]wire.PulledMutation, 0, len(page.Mutations)),
		Cursor:    page.Cursor.String(),
	}
	for _, mutation := range page.Mutations {
		response.Mutations = append(response.Mutations, wire.EncodePulled(mutation))
	}
	c.JSON(http.StatusOK, response)
}

func (h *httpHandler) handleDigest(c *gin.Context) {
	userID := c.GetString(userIDContextKey)

	digest, err := h.taskGraph.Digest(c.Request.Context(), userID)
	if err != nil {
		h.logger.Error("failed to compute digest", zap.String("user_id", userID), zap.Error(err))
		respondServiceError(c, "digest_failed", err)
		return
	}

	response := wire.DigestResponse{
		Cursor: digest.Cursor.String(),
		Kinds:  make(map[string]string, len(digest.Kinds)),
	}
	for kind, value := range digest.Kinds {
		response.Kinds[kind.String()] = value
	}
	c.JSON(http.StatusOK, response)
}

type entityPayload struct {
	Entity    string         `json:"entity"`
	ID        string         `json:"id"`
	Fields    map[string]any `json:"fields"`
	UpdatedAt string         `json:"updatedAt"`
	DeletedAt *string        `json:"deletedAt"`
}

type entityListPayload struct {
	Entities []entityPayload `json:"entities"`
}

func (h *httpHandler) handleListEntities(c *gin.Context) {
	userID := c.GetString(userIDContextKey)

	kind, err := entities.ParseKind(c.Param("kind"))
	if err != nil {
		respondError(c, http.StatusBadRequest, "invalid_kind", "")
		return
	}
	includeDeleted := c.Query("include_deleted") == "true"

	states, err := h.taskGraph.ListEntities(c.Request.Context(), userID, kind)
	if err != nil {
		h.logger.Error("failed to list entities",
			zap.String("user_id", userID),
			zap.String("kind", kind.String()),
			zap.Error(err))
		respondServiceError(c, "list_failed", err)
		return
	}

	response := entityListPayload{Entities: make([]entityPayload, 0, len(states))}
	for _, state := range states {
		if state.Deleted() && !includeDeleted {
			continue
		}
		payload := entityPayload{
			Entity:    state.Kind.String(),
			ID:        state.ID.String(),
			Fields:    map[string]any(state.Fields.Clone()),
			UpdatedAt: state.UpdatedAt.String(),
		}
		if state.DeletedAt != nil {
			deletedAt := state.DeletedAt.String()
			payload.DeletedAt = &deletedAt
		}
		response.Entities = append(response.Entities, payload)
	}
	c.JSON(http.StatusOK, response)
}

type realtimeEventPayload struct {
	EntityKeys   []string `json:"entityKeys"`
	OriginDevice string   `json:"originDevice,omitempty"`
	Timestamp    string   `json:"timestamp"`
	Source       string   `json:"source"`
}

func (h *httpHandler) handleEvents(c *gin.Context) {
	userID := c.GetString(userIDContextKey)

	stream, cleanup := h.realtime.Subscribe(c.Request.Context(), userID)
	defer cleanup()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	heartbeat := time.NewTicker(realtimeHeartbeatInterval)
	defer heartbeat.Stop()

	c.Stream(func(w io.Writer) bool {
		select {
		case <-c.Request.Context().Done():
			return false
		case message, open := <-stream:
			if !open {
				return false
			}
			c.SSEvent(message.EventType, realtimeEventPayload{
				EntityKeys:   message.EntityKeys,
				OriginDevice: message.OriginDevice,
				Timestamp:    message.Timestamp.Format(time.RFC3339Nano),
				Source:       realtimeSourceBackend,
			})
			return true
		case tick := <-heartbeat.C:
			c.SSEvent(realtimeEventHeartbeat, gin.H{"timestamp": tick.UTC().Format(time.RFC3339Nano)})
			return true
		}
	})
}

// authorizeRequest accepts a bearer header, or an access_token query
// parameter on the event stream where browsers cannot set headers.
func (h *httpHandler) authorizeRequest(c *gin.Context) {
	var (
		subject string
		err     error
	)
	if token := strings.TrimSpace(c.Query(accessTokenQuery)); token != "" && c.GetHeader("Authorization") == "" {
		subject, err = h.tokens.ValidateToken(token)
	} else {
		subject, err = h.tokens.ValidateRequest(c.Request)
	}
	if err != nil {
		h.logger.Warn("token validation failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, wire.ErrorResponse{Error: "unauthorized"})
		return
	}
	c.Set(userIDContextKey, subject)
	c.Next()
}

func (h *httpHandler) requireDevice(c *gin.Context) {
	device, err := entities.NewDeviceID(c.GetHeader(wire.HeaderDeviceID))
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, wire.ErrorResponse{Error: "invalid_device_id"})
		return
	}
	c.Set(deviceIDContextKey, device.String())
	c.Next()
}

func respondError(c *gin.Context, status int, message, code string) {
	c.JSON(status, wire.ErrorResponse{Error: message, Code: code})
}

func respondServiceError(c *gin.Context, message string, err error) {
	respondError(c, http.StatusInternalServerError, message, serviceErrorCode(err))
}

func serviceErrorCode(err error) string {
	var serviceErr *taskgraph.ServiceError
	if errors.As(err, &serviceErr) {
		return serviceErr.Code()
	}
	return ""
}
