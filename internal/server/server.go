// Package server exposes the HTTP API of `neko serve`.
package server

import (
	"context"
	"crypto/subtle"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"neko/internal/channels"
	nerrors "neko/internal/errors"
	"neko/internal/gateway"
	"neko/internal/logging"
	"neko/internal/memory"
	"neko/internal/scheduler"
)

const (
	defaultHistoryLines = 20
	maxHistoryLines     = 1000
	shutdownTimeout     = 5 * time.Second
)

// Jobs is the part of the scheduler service the API reads.
type Jobs interface {
	List(ctx context.Context, all bool) ([]scheduler.Job, error)
	History(ctx context.Context, n int) ([]scheduler.HistoryEntry, error)
}

// MemorySearcher searches the memory tree.
type MemorySearcher interface {
	Search(ctx context.Context, query string, opts memory.SearchOptions) ([]memory.SearchHit, error)
}

// MessageHandler runs one inbound message through the agent.
type MessageHandler interface {
	Handle(ctx context.Context, msg channels.InboundMessage) (*gateway.Reply, error)
}

// Config controls the listener and its middleware.
type Config struct {
	Addr        string
	CORSOrigins []string
	// APIToken, when set, must be sent as "Authorization: Bearer <token>"
	// on every /api route.
	APIToken string
	Version  string
	Debug    bool
}

// Deps are the components behind the routes. Nil members disable their
// routes with 503.
type Deps struct {
	Jobs     Jobs
	Memory   MemorySearcher
	Messages MessageHandler
	Metrics  http.Handler
	// Status, when set, is served from /api/status.
	Status func(ctx context.Context) any
}

// Server is the gin engine plus its http.Server.
type Server struct {
	cfg     Config
	deps    Deps
	engine  *gin.Engine
	logger  logging.Logger
	started time.Time
	now     func() time.Time
}

// New builds the router.
func New(cfg Config, deps Deps, logger logging.Logger) *Server {
	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}
	s := &Server{
		cfg:    cfg,
		deps:   deps,
		engine: gin.New(),
		logger: logging.OrNop(logger),
		now:    time.Now,
	}
	s.started = s.now()
	s.engine.Use(gin.Recovery(), s.requestLogger())
	if len(cfg.CORSOrigins) > 0 {
		corsConfig := cors.DefaultConfig()
		if len(cfg.CORSOrigins) == 1 && cfg.CORSOrigins[0] == "*" {
			corsConfig.AllowAllOrigins = true
		} else {
			corsConfig.AllowOrigins = cfg.CORSOrigins
		}
		corsConfig.AllowMethods = []string{http.MethodGet, http.MethodPost, http.MethodOptions}
		corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization"}
		s.engine.Use(cors.New(corsConfig))
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.engine.GET("/health", s.handleHealth)
	if s.deps.Metrics != nil {
		s.engine.GET("/metrics", gin.WrapH(s.deps.Metrics))
	}

	api := s.engine.Group("/api")
	api.Use(s.requireToken())
	api.GET("/status", s.handleStatus)
	api.GET("/jobs", s.handleJobs)
	api.GET("/history", s.handleHistory)
	api.GET("/memory/search", s.handleMemorySearch)
	api.POST("/messages", s.handleMessage)
}

// Handler returns the router for tests and custom listeners.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Run serves on cfg.Addr until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is cancelled, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()
	s.logger.Info("HTTP API listening on %s", ln.Addr())

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	s.logger.Info("HTTP API stopped")
	return nil
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("%s %s -> %d (%s)", c.Request.Method, c.Request.URL.Path, c.Writer.Status(), time.Since(start))
	}
}

func (s *Server) requireToken() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.cfg.APIToken == "" {
			c.Next()
			return
		}
		auth := c.GetHeader("Authorization")
		token, ok := strings.CutPrefix(auth, "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.APIToken)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
			return
		}
		c.Next()
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"version": s.cfg.Version,
		"uptime":  s.now().Sub(s.started).Round(time.Second).String(),
	})
}

func (s *Server) handleStatus(c *gin.Context) {
	if s.deps.Status == nil {
		unavailable(c, "status")
		return
	}
	c.JSON(http.StatusOK, s.deps.Status(c.Request.Context()))
}

func (s *Server) handleJobs(c *gin.Context) {
	if s.deps.Jobs == nil {
		unavailable(c, "scheduler")
		return
	}
	all := c.Query("all") == "true" || c.Query("all") == "1"
	jobs, err := s.deps.Jobs.List(c.Request.Context(), all)
	if err != nil {
		s.writeError(c, err)
		return
	}
	if jobs == nil {
		jobs = []scheduler.Job{}
	}
	c.JSON(http.StatusOK, gin.H{"jobs": jobs})
}

func (s *Server) handleHistory(c *gin.Context) {
	if s.deps.Jobs == nil {
		unavailable(c, "scheduler")
		return
	}
	lines, err := intQuery(c, "lines", defaultHistoryLines)
	if err != nil || lines <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "lines must be a positive integer"})
		return
	}
	if lines > maxHistoryLines {
		lines = maxHistoryLines
	}
	entries, err := s.deps.Jobs.History(c.Request.Context(), lines)
	if err != nil {
		s.writeError(c, err)
		return
	}
	if entries == nil {
		entries = []scheduler.HistoryEntry{}
	}
	c.JSON(http.StatusOK, gin.H{"history": entries})
}

func (s *Server) handleMemorySearch(c *gin.Context) {
	if s.deps.Memory == nil {
		unavailable(c, "memory")
		return
	}
	max, err := intQuery(c, "max", 0)
	if err != nil || max < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "max must be a non-negative integer"})
		return
	}
	hits, err := s.deps.Memory.Search(c.Request.Context(), c.Query("q"), memory.SearchOptions{
		Regex:         c.Query("regex") == "true",
		CaseSensitive: c.Query("case_sensitive") == "true",
		MaxResults:    max,
	})
	if err != nil {
		s.writeError(c, err)
		return
	}
	if hits == nil {
		hits = []memory.SearchHit{}
	}
	c.JSON(http.StatusOK, gin.H{"results": hits})
}

type messageRequest struct {
	Channel string `json:"channel"`
	Sender  string `json:"sender"`
	ChatID  string `json:"chat_id"`
	Text    string `json:"text"`
}

func (s *Server) handleMessage(c *gin.Context) {
	if s.deps.Messages == nil {
		unavailable(c, "agent")
		return
	}
	var req messageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON body: " + err.Error()})
		return
	}
	channel := strings.TrimSpace(req.Channel)
	if channel == "" {
		channel = "api"
	}
	chatID := strings.TrimSpace(req.ChatID)
	if chatID == "" {
		chatID = req.Sender
	}
	reply, err := s.deps.Messages.Handle(c.Request.Context(), channels.InboundMessage{
		Channel:    channel,
		ChatID:     chatID,
		SenderID:   req.Sender,
		SenderName: req.Sender,
		Text:       req.Text,
		ReceivedAt: s.now(),
	})
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"response":    reply.Text,
		"session_key": reply.SessionKey,
		"session_id":  reply.SessionID,
		"reset":       reply.Reset,
	})
}

func (s *Server) writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	if kind, ok := nerrors.KindOf(err); ok {
		switch kind {
		case nerrors.KindInvalidArguments, nerrors.KindInvalidPattern, nerrors.KindInvalidTarget:
			status = http.StatusBadRequest
		case nerrors.KindNotFound:
			status = http.StatusNotFound
		}
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("%s %s failed: %v", c.Request.Method, c.Request.URL.Path, err)
	}
	c.JSON(status, gin.H{"error": nerrors.FormatForLLM(err)})
}

func unavailable(c *gin.Context, what string) {
	c.JSON(http.StatusServiceUnavailable, gin.H{"error": what + " is not running"})
}

func intQuery(c *gin.Context, key string, def int) (int, error) {
	raw := strings.TrimSpace(c.Query(key))
	if raw == "" {
		return def, nil
	}
	return strconv.Atoi(raw)
}
