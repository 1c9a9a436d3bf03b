// Package api exposes the tenant-facing HTTP/JSON interface.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/edgard/replyhub/internal/config"
	"github.com/edgard/replyhub/internal/contacts"
	"github.com/edgard/replyhub/internal/dispatch"
	"github.com/edgard/replyhub/internal/events"
	"github.com/edgard/replyhub/internal/logger"
	"github.com/edgard/replyhub/internal/quota"
	"github.com/edgard/replyhub/internal/rules"
	"github.com/edgard/replyhub/internal/session"
)

// Deps are the services behind the routes.
type Deps struct {
	Sessions   *session.Manager
	Rules      *rules.Service
	Dispatcher *dispatch.Dispatcher
	Contacts   *contacts.Service
	Ledger     *quota.Ledger
	Hub        *events.Hub
}

type Server struct {
	cfg      config.HTTPConfig
	deps     Deps
	auth     *Authenticator
	upgrader websocket.Upgrader
	engine   *gin.Engine
	log      *slog.Logger
}

func NewServer(cfg config.HTTPConfig, deps Deps, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	s := &Server{
		cfg:  cfg,
		deps: deps,
		auth: NewAuthenticator(cfg.JWTSecret),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		log: log.With("component", "api"),
	}
	s.engine = s.routes()
	return s
}

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), logger.Middleware(s.log))

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	v1 := r.Group("/api/v1", s.auth.Middleware())

	v1.POST("/instances", s.createInstance)
	v1.GET("/instances", s.listInstances)
	v1.GET("/instances/:id", s.getInstance)
	v1.POST("/instances/:id/connect", s.connectInstance)
	v1.DELETE("/instances/:id", s.deleteInstance)
	v1.GET("/events/stream", s.streamEvents)

	v1.POST("/rules", s.createRule)
	v1.GET("/rules", s.listRules)
	v1.GET("/rules/:id", s.getRule)
	v1.PATCH("/rules/:id", s.updateRule)
	v1.DELETE("/rules/:id", s.deleteRule)

	v1.POST("/messages", s.sendMessage)
	v1.GET("/messages", s.listMessages)
	v1.GET("/messages/stats", s.messageStats)
	v1.GET("/messages/:id", s.getMessage)
	v1.POST("/messages/:id/cancel", s.cancelMessage)
	v1.POST("/messages/:id/resend", s.resendMessage)

	v1.GET("/contacts", s.listContacts)
	v1.GET("/contacts/tags", s.contactTags)
	v1.GET("/contacts/stats", s.contactStats)
	v1.GET("/contacts/:id", s.getContact)
	v1.PATCH("/contacts/:id", s.updateContact)
	v1.DELETE("/contacts/:id", s.deleteContact)

	v1.GET("/quota", s.quotaBalance)
	return r
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler { return s.engine }

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:         s.cfg.Addr,
		Handler:      s.engine,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("HTTP server listening", "addr", s.cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.shutdownTimeout())
	defer cancel()
	s.log.Info("Shutting down HTTP server")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http server shutdown failed: %w", err)
	}
	return nil
}

func (s *Server) shutdownTimeout() time.Duration {
	if s.cfg.ShutdownTimeout > 0 {
		return s.cfg.ShutdownTimeout
	}
	return 10 * time.Second
}
