package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/energizer-project/querycache/internal/cache"
	"github.com/energizer-project/querycache/internal/config"
	"github.com/energizer-project/querycache/internal/db"
	"github.com/energizer-project/querycache/internal/network"
	"github.com/energizer-project/querycache/internal/util"
)

// RulesCache is the cache view the API serves from.
type RulesCache interface {
	Get(ctx context.Context, addr string) (*cache.Entry, error)
	Refresh(ctx context.Context, addr string) (*cache.Entry, error)
	Invalidate(addr string) bool
	Stats() cache.Stats
}

// History is the snapshot store view the API reads from.
type History interface {
	ListSnapshots(ctx context.Context, addr string, limit int) ([]db.Snapshot, error)
	LatestSnapshot(ctx context.Context, addr string) (*db.Snapshot, error)
}

// Server is the REST API server.
type Server struct {
	cfg     *config.Config
	cache   RulesCache
	history History
	version string
	logger  zerolog.Logger

	httpServer *http.Server
	router     *gin.Engine
}

// NewServer creates a new API server. history may be nil when storage is disabled.
func NewServer(cfg *config.Config, rules RulesCache, history History, version string) *Server {
	if cfg.GetLogging().Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	s := &Server{
		cfg:     cfg,
		cache:   rules,
		history: history,
		version: version,
		logger:  util.ComponentLogger("api"),
	}
	s.router = s.buildRouter()
	return s
}

// Handler returns the HTTP handler serving the API.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start binds the API port and serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", s.cfg.GetAPI().Port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	ln, err := network.ListenTCP(ctx, addr)
	if err != nil {
		return fmt.Errorf("API server error: %w", err)
	}

	s.logger.Info().Str("addr", addr).Msg("REST API server starting")

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("API server error: %w", err)
	}
	return nil
}

func (s *Server) buildRouter() *gin.Engine {
	router := gin.New()

	router.Use(gin.Recovery())
	router.Use(RequestLogger())
	router.Use(SecurityHeaders())

	api := s.cfg.GetAPI()
	allowedOrigins := api.AllowedOrigins
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}
	router.Use(cors.New(cors.Config{
		AllowOrigins:     allowedOrigins,
		AllowMethods:     []string{"GET", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type"},
		ExposeHeaders:    []string{"Content-Length", "Retry-After"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}))

	router.Use(NewRateLimiter(api.RateLimitRPS).Middleware())

	public := router.Group("/api/public")
	{
		public.GET("/ping", s.handlePing)
		public.GET("/info", s.handleInfo)
	}

	rules := router.Group("/api/rules")
	{
		rules.GET("/:addr", s.handleGetRules)
		rules.GET("/:addr/mods", s.handleGetMods)
	}

	router.GET("/api/history/:addr", s.handleGetHistory)
	router.GET("/api/history/:addr/latest", s.handleGetLatestSnapshot)

	cacheGroup := router.Group("/api/cache")
	{
		cacheGroup.GET("/stats", s.handleCacheStats)
		cacheGroup.DELETE("/:addr", s.handleFlush)
	}

	router.GET("/api/config", s.handleGetConfig)

	router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "endpoint not found"})
	})

	return router
}
