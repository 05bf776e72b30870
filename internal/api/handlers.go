package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"threadsync/internal/conversation"
	"threadsync/internal/models"
	"threadsync/internal/session"
)

// Handler exposes the session controller to an HTTP renderer.
type Handler struct {
	ctrl *session.Controller
}

func NewHandler(ctrl *session.Controller) *Handler {
	return &Handler{ctrl: ctrl}
}

// RegisterRoutes attaches all HTTP routes to the router.
func (h *Handler) RegisterRoutes(router *gin.Engine) {
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := router.Group("/api")
	api.POST("/session/login", h.login)
	api.POST("/session/logout", h.logout)
	api.GET("/session", h.currentUser)

	threads := api.Group("/threads", h.requireUser())
	threads.GET("", h.listThreads)
	threads.POST("", h.createThread)
	threads.DELETE("/:thread_id", h.deleteThread)
	threads.POST("/:thread_id/select", h.selectThread)
	api.DELETE("/selection", h.requireUser(), h.deselect)
	api.POST("/registry/dismiss-error", h.requireUser(), h.dismissRegistryError)

	conv := api.Group("/conversation", h.requireUser())
	conv.GET("", h.snapshot)
	conv.GET("/events", h.streamSnapshots)
	conv.POST("/reload", h.reload)
	conv.PUT("/draft", h.setDraft)
	conv.POST("/messages", h.sendMessage)
	conv.POST("/messages/:message_id/retry", h.retryMessage)
	conv.DELETE("/messages/:message_id", h.deleteMessage)
	conv.POST("/dismiss-error", h.dismissError)
}

// RequestLogger logs one line per request.
func RequestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Debug().
			Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", c.Writer.Status()).
			Dur("latency", time.Since(start)).
			Msg("http request")
	}
}

func (h *Handler) requireUser() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := h.ctrl.CurrentUser(); !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "login required"})
			return
		}
		c.Next()
	}
}

// errorStatus maps domain errors to HTTP status codes.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, session.ErrNotSignedIn):
		return http.StatusUnauthorized
	case errors.Is(err, conversation.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, conversation.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, conversation.ErrStreamInProgress),
		errors.Is(err, conversation.ErrNotRetryable),
		errors.Is(err, conversation.ErrClosed):
		return http.StatusConflict
	case errors.Is(err, conversation.ErrConfigurationMissing):
		return http.StatusServiceUnavailable
	case errors.Is(err, conversation.ErrTransportFailure):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func respondError(c *gin.Context, err error) {
	c.JSON(errorStatus(err), gin.H{"error": err.Error()})
}

func parseID(c *gin.Context, param string) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param(param))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("invalid %s", strings.ReplaceAll(param, "_", " "))})
		return uuid.Nil, false
	}
	return id, true
}

// activeEngine writes 404 when no thread is selected.
func (h *Handler) activeEngine(c *gin.Context) (*conversation.Engine, bool) {
	engine := h.ctrl.Active()
	if engine == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no thread selected"})
		return nil, false
	}
	return engine, true
}

type loginRequest struct {
	Email       string `json:"email"`
	DisplayName string `json:"display_name"`
}

func (h *Handler) login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if strings.TrimSpace(req.Email) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "email is required"})
		return
	}
	user, err := h.ctrl.Login(c.Request.Context(), req.Email, req.DisplayName)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"user": user})
}

func (h *Handler) logout(c *gin.Context) {
	h.ctrl.Logout()
	c.Status(http.StatusNoContent)
}

func (h *Handler) currentUser(c *gin.Context) {
	user, ok := h.ctrl.CurrentUser()
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "login required"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"user": user})
}

func (h *Handler) writeThreads(c *gin.Context) {
	reg := h.ctrl.Registry()
	if reg == nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "login required"})
		return
	}
	threads := reg.Filtered()
	if threads == nil {
		threads = make([]models.Thread, 0)
	}
	payload := gin.H{
		"threads":       threads,
		"search":        reg.Search(),
		"is_loading":    reg.IsLoading(),
		"error_message": reg.ErrorMessage(),
	}
	if sel, ok := reg.Selected(); ok {
		payload["selected_id"] = sel.ID
	}
	c.JSON(http.StatusOK, payload)
}

func (h *Handler) listThreads(c *gin.Context) {
	reg := h.ctrl.Registry()
	if reg == nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "login required"})
		return
	}
	if search, ok := c.GetQuery("search"); ok {
		reg.SetSearch(search)
	}
	if c.Query("reload") == "true" {
		// a failed load is reported through error_message
		_ = reg.Load(c.Request.Context())
	}
	h.writeThreads(c)
}

func (h *Handler) createThread(c *gin.Context) {
	thread, engine, err := h.ctrl.CreateThread(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"thread": thread, "conversation": engine.Snapshot()})
}

func (h *Handler) deleteThread(c *gin.Context) {
	id, ok := parseID(c, "thread_id")
	if !ok {
		return
	}
	if err := h.ctrl.DeleteThread(c.Request.Context(), id); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) selectThread(c *gin.Context) {
	id, ok := parseID(c, "thread_id")
	if !ok {
		return
	}
	engine, err := h.ctrl.SelectThread(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"conversation": engine.Snapshot()})
}

func (h *Handler) deselect(c *gin.Context) {
	h.ctrl.Deselect()
	c.Status(http.StatusNoContent)
}

func (h *Handler) dismissRegistryError(c *gin.Context) {
	if reg := h.ctrl.Registry(); reg != nil {
		reg.DismissError()
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) snapshot(c *gin.Context) {
	engine, ok := h.activeEngine(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"conversation": engine.Snapshot()})
}

func (h *Handler) reload(c *gin.Context) {
	engine, ok := h.activeEngine(c)
	if !ok {
		return
	}
	if err := engine.LoadMessages(c.Request.Context()); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"conversation": engine.Snapshot()})
}

func (h *Handler) setDraft(c *gin.Context) {
	engine, ok := h.activeEngine(c)
	if !ok {
		return
	}
	var req struct {
		Text string `json:"text"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	engine.SetDraft(req.Text)
	c.Status(http.StatusNoContent)
}

// sendMessage sends content, or the current draft when content is omitted.
func (h *Handler) sendMessage(c *gin.Context) {
	engine, ok := h.activeEngine(c)
	if !ok {
		return
	}
	var req struct {
		Content *string `json:"content"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	var err error
	if req.Content == nil {
		err = engine.SendDraft(c.Request.Context())
	} else {
		err = engine.SendMessage(c.Request.Context(), *req.Content)
	}
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"conversation": engine.Snapshot()})
}

func (h *Handler) retryMessage(c *gin.Context) {
	engine, ok := h.activeEngine(c)
	if !ok {
		return
	}
	id, ok := parseID(c, "message_id")
	if !ok {
		return
	}
	if err := engine.RetryMessage(c.Request.Context(), id); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"conversation": engine.Snapshot()})
}

func (h *Handler) deleteMessage(c *gin.Context) {
	engine, ok := h.activeEngine(c)
	if !ok {
		return
	}
	id, ok := parseID(c, "message_id")
	if !ok {
		return
	}
	if err := engine.DeleteMessage(c.Request.Context(), id); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) dismissError(c *gin.Context) {
	engine, ok := h.activeEngine(c)
	if !ok {
		return
	}
	engine.DismissError()
	c.Status(http.StatusNoContent)
}

// streamSnapshots pushes a snapshot event on every change of the active
// engine until the client leaves or the engine is closed.
func (h *Handler) streamSnapshots(c *gin.Context) {
	engine, ok := h.activeEngine(c)
	if !ok {
		return
	}
	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming not supported"})
		return
	}
	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	sendEvent := func(event string, payload interface{}) error {
		data, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(c.Writer, "event: %s\n", event); err != nil {
			return err
		}
		if _, err := fmt.Fprintf(c.Writer, "data: %s\n\n", data); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}

	if err := sendEvent("snapshot", engine.Snapshot()); err != nil {
		return
	}
	ctx := c.Request.Context()
	changes := engine.Changes()
	for {
		select {
		case <-ctx.Done():
			return
		case _, open := <-changes:
			if !open {
				_ = sendEvent("closed", gin.H{"thread_id": engine.ThreadID()})
				return
			}
			if err := sendEvent("snapshot", engine.Snapshot()); err != nil {
				log.Debug().Err(err).Msg("snapshot stream ended")
				return
			}
		}
	}
}
