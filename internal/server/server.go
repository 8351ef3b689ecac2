package server

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"vcpd/internal/config"
	"vcpd/internal/distributed"
	"vcpd/internal/hub"
	"vcpd/internal/observability"
)

const keyPrefix = "VCP_Key="

// Server exposes the WebSocket channels plus health and metrics over one
// HTTP listener.
type Server struct {
	cfg     config.ServerConfig
	authKey string
	logger  *observability.Logger
	hub     *hub.Hub
	channel *distributed.Channel

	engine   *gin.Engine
	httpSrv  *http.Server
	upgrader websocket.Upgrader
}

func New(cfg config.Config, logger *observability.Logger, h *hub.Hub, channel *distributed.Channel) *Server {
	if logger == nil {
		logger = observability.NopLogger()
	}
	if !cfg.Server.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	s := &Server{
		cfg:     cfg.Server,
		authKey: cfg.Auth.Key,
		logger:  logger,
		hub:     h,
		channel: channel,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
	s.engine = s.buildEngine(cfg.Server.EnableCORS)
	s.httpSrv = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      s.engine,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
	return s
}

func (s *Server) buildEngine(enableCORS bool) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	if enableCORS {
		r.Use(cors.New(cors.Config{
			AllowAllOrigins: true,
			AllowMethods:    []string{"GET", "POST", "OPTIONS"},
			AllowHeaders:    []string{"Origin", "Content-Type", "Authorization"},
			MaxAge:          12 * time.Hour,
		}))
	}

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.GET("/VCPlog/:auth", s.hubChannel(hub.ChannelLog))
	r.GET("/vcpinfo/:auth", s.hubChannel(hub.ChannelInfo))
	r.GET("/vcp-chrome-observer/:auth", s.hubChannel(hub.ChannelChromeObserver))
	r.GET("/vcp-admin-panel/:auth", s.hubChannel(hub.ChannelAdminPanel))
	r.GET("/vcp-distributed-server/:auth", s.distributedChannel())
	return r
}

// Addr returns the configured listen address.
func (s *Server) Addr() string { return s.httpSrv.Addr }

// Handler exposes the routing tree.
func (s *Server) Handler() http.Handler { return s.engine }

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.logger.Info("server listening", "addr", s.httpSrv.Addr)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.httpSrv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func (s *Server) hubChannel(channel string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.authorize(c) {
			return
		}
		conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			s.logger.Warn("websocket upgrade failed", "channel", channel, "error", err)
			return
		}
		s.hub.Join(channel, conn)
	}
}

func (s *Server) distributedChannel() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.authorize(c) {
			return
		}
		conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			s.logger.Warn("websocket upgrade failed", "channel", "distributed", "error", err)
			return
		}
		s.channel.HandleConn(c.Request.Context(), conn)
	}
}

// authorize checks the VCP_Key=<key> path segment before any upgrade.
func (s *Server) authorize(c *gin.Context) bool {
	segment := c.Param("auth")
	key, ok := strings.CutPrefix(segment, keyPrefix)
	if !ok || subtle.ConstantTimeCompare([]byte(key), []byte(s.authKey)) != 1 {
		s.logger.Warn("rejected websocket client with bad key",
			"path", c.Request.URL.Path, "key", observability.SanitizeKey(key))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid key"})
		return false
	}
	return true
}
