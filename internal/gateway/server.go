package gateway

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mrorigo/acp2-gateway/pkg/logger"
)

// Server is the gateway's HTTP entrypoint.
type Server struct {
	router *gin.Engine
	gw     *Gateway
}

// NewServer builds the Gin engine and registers every route.
//
// gin.SetMode follows deps.GinMode (release/debug/test); deps.TrustedProxies
// is a comma-separated proxy list, same convention as the rest of this
// codebase's HTTP servers.
func NewServer(deps Deps) *Server {
	mode := deps.GinMode
	if mode == "" {
		mode = gin.ReleaseMode
	}
	gin.SetMode(mode)

	r := gin.New()
	r.Use(gin.Recovery())

	var proxies []string
	for _, p := range strings.Split(deps.TrustedProxies, ",") {
		if t := strings.TrimSpace(p); t != "" {
			proxies = append(proxies, t)
		}
	}
	if err := r.SetTrustedProxies(proxies); err != nil {
		logger.Warn("gateway: set trusted proxies failed", logger.FieldError, err)
	}

	s := &Server{router: r, gw: newGateway(deps)}
	s.registerRoutes()
	return s
}

// Engine exposes the underlying Gin engine, mainly for tests.
func (s *Server) Engine() *gin.Engine { return s.router }

func (s *Server) registerRoutes() {
	auth := requireBearerToken(s.gw.deps.AuthToken)

	s.router.GET("/ping", auth, s.gw.handlePing)
	s.router.GET("/agents", auth, s.gw.handleListAgents)
	s.router.GET("/agents/:name", auth, s.gw.handleAgentManifest)

	s.router.POST("/runs", auth, s.gw.handleCreateRun)
	s.router.POST("/runs/:run_id/cancel", auth, s.gw.handleCancelRun)

	s.router.GET("/sessions", auth, s.gw.handleListSessions)
	s.router.GET("/sessions/:session_id", auth, s.gw.handleGetSession)
	s.router.DELETE("/sessions/:session_id", auth, s.gw.handleDeleteSession)
}

// ListenAndServe starts the HTTP server and shuts it down gracefully when
// ctx is cancelled, giving in-flight requests 5 seconds to finish.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		logger.Info("gateway: shutdown trigger")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("gateway: shutdown error", logger.FieldError, err)
			return
		}
		logger.Info("gateway: shutdown completed")
	}()

	logger.Info("gateway: listening", logger.FieldAddr, addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
