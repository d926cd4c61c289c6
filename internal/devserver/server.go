// Package devserver is a local stand-in for the council backend. It serves the same
// routes and event stream with a deterministic mock council, so the client can be
// exercised end to end without model provider credentials.
package devserver

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"llm-council-client/council"
)

// Server is the dev backend.
type Server struct {
	cfg     Config
	store   *Store
	council *Council
	router  *gin.Engine
	logger  *slog.Logger
}

// New creates a server. The council definition is read from cfg.CouncilFile when set.
func New(cfg Config, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("module", "devserver"))

	councilCfg, err := LoadCouncilConfig(cfg.CouncilFile)
	if err != nil {
		return nil, err
	}
	if cfg.MaxRequestBodySize <= 0 {
		cfg.MaxRequestBodySize = DefaultConfig().MaxRequestBodySize
	}

	s := &Server{
		cfg:     cfg,
		store:   NewStore(cfg.DataDir),
		council: NewCouncil(councilCfg, logger),
		logger:  logger,
	}
	s.router = s.routes()
	return s, nil
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Starting council dev backend", slog.String("addr", s.cfg.Addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) routes() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())

	// Request size limit middleware
	router.Use(func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, s.cfg.MaxRequestBodySize)
		c.Next()
	})

	// CORS middleware with dynamic origin validation
	router.Use(cors.New(cors.Config{
		AllowOriginFunc:  s.allowOrigin,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Authorization"},
		AllowCredentials: true,
	}))

	router.GET("/", healthCheck)

	api := router.Group("/api", s.requireToken)
	api.GET("/config/models", s.modelsHandler)
	api.GET("/conversations", s.listConversationsHandler)
	api.POST("/conversations", s.createConversationHandler)
	api.GET("/conversations/:id", s.getConversationHandler)
	api.POST("/conversations/:id/message", s.sendMessageHandler)
	api.POST("/conversations/:id/message/stream", s.sendMessageStreamHandler)

	return router
}

// allowOrigin accepts configured origins, or any localhost origin when none are configured.
func (s *Server) allowOrigin(origin string) bool {
	if len(s.cfg.CORSAllowedOrigins) > 0 {
		for _, allowed := range s.cfg.CORSAllowedOrigins {
			if origin == allowed {
				return true
			}
		}
		return false
	}
	return strings.HasPrefix(origin, "http://localhost") || strings.HasPrefix(origin, "http://127.0.0.1")
}

// requireToken rejects API requests without the configured bearer token.
func (s *Server) requireToken(c *gin.Context) {
	if s.cfg.Token == "" {
		c.Next()
		return
	}

	token, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
	if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.Token)) != 1 {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Not authenticated"})
		return
	}
	c.Next()
}

// healthCheck returns a simple health check response.
// GET /
func healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": "LLM Council API",
	})
}

// modelsHandler returns the council configuration.
// GET /api/config/models
func (s *Server) modelsHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"models":         s.council.Models(),
		"chairman_model": s.council.cfg.Chairman,
	})
}

// listConversationsHandler lists all conversations with metadata only.
// GET /api/conversations
func (s *Server) listConversationsHandler(c *gin.Context) {
	conversations, err := s.store.List()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": fmt.Sprintf("Failed to list conversations: %v", err),
		})
		return
	}

	c.JSON(http.StatusOK, conversations)
}

// createConversationHandler creates a new empty conversation.
// POST /api/conversations
func (s *Server) createConversationHandler(c *gin.Context) {
	conversation, err := s.store.Create(uuid.New().String())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": fmt.Sprintf("Failed to create conversation: %v", err),
		})
		return
	}

	c.JSON(http.StatusOK, conversation)
}

// getConversationHandler returns a conversation with all its messages.
// GET /api/conversations/:id
func (s *Server) getConversationHandler(c *gin.Context) {
	conversation, ok := s.loadConversation(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, conversation)
}

// sendMessageHandler runs a turn and returns its result at once. The first message
// of a conversation gets the full deliberation, later ones a chairman follow-up.
// POST /api/conversations/:id/message
func (s *Server) sendMessageHandler(c *gin.Context) {
	request, ok := bindMessage(c)
	if !ok {
		return
	}
	conversation, ok := s.loadConversation(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()

	isFirstMessage := len(conversation.Messages) == 0

	if err := s.store.AddUserMessage(conversation.ID, request.Content); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": fmt.Sprintf("Failed to add user message: %v", err),
		})
		return
	}

	if !isFirstMessage {
		history := append(conversation.Messages, council.Message{Role: council.RoleUser, Content: request.Content})
		response, err := s.council.ChairmanFollowUp(ctx, request.Content, history)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{
				"error": fmt.Sprintf("Follow-up failed: %v", err),
			})
			return
		}
		if err := s.store.AddFollowUp(conversation.ID, response); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{
				"error": fmt.Sprintf("Failed to add assistant message: %v", err),
			})
			return
		}
		c.JSON(http.StatusOK, council.SendMessageResponse{Type: council.KindFollowUp, Response: response})
		return
	}

	if err := s.store.UpdateTitle(conversation.ID, s.council.GenerateConversationTitle(request.Content)); err != nil {
		s.logger.Warn("Failed to update title", slog.String("err", err.Error()))
	}

	result, err := s.council.RunFullCouncil(ctx, request.Content, request.DuplicateModels)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": fmt.Sprintf("Council process failed: %v", err),
		})
		return
	}

	if err := s.store.AddDeliberation(conversation.ID, result); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": fmt.Sprintf("Failed to add assistant message: %v", err),
		})
		return
	}

	c.JSON(http.StatusOK, council.SendMessageResponse{
		Type:     "deliberation",
		Stage1:   result.Stage1,
		Stage2:   result.Stage2,
		Stage3:   result.Stage3,
		Metadata: &result.Metadata,
	})
}

// sendMessageStreamHandler streams the three-stage council as server-sent events.
// POST /api/conversations/:id/message/stream
func (s *Server) sendMessageStreamHandler(c *gin.Context) {
	request, ok := bindMessage(c)
	if !ok {
		return
	}
	conversation, ok := s.loadConversation(c)
	if !ok {
		return
	}

	s.streamCouncil(c, conversation.ID, request, len(conversation.Messages) == 0)
}

// loadConversation fetches the :id conversation, answering 404 or 500 itself on failure.
func (s *Server) loadConversation(c *gin.Context) (*council.Conversation, bool) {
	conversation, err := s.store.Get(c.Param("id"))
	if errors.Is(err, ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Conversation not found"})
		return nil, false
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": fmt.Sprintf("Failed to get conversation: %v", err),
		})
		return nil, false
	}
	return conversation, true
}

func bindMessage(c *gin.Context) (council.SendMessageRequest, bool) {
	var request council.SendMessageRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": fmt.Sprintf("Invalid request: %v", err),
		})
		return request, false
	}
	if strings.TrimSpace(request.Content) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request: content is required"})
		return request, false
	}
	return request, true
}
