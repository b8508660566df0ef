// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package stub

import (
	"context"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

func init() {
	gin.SetMode(gin.ReleaseMode)
}

// Handler is the request logic of a stub: Leaf or Coordinator.
type Handler interface {
	Handle(c *gin.Context)
}

// Service binds a Handler to a listener. All paths route to the handler.
type Service struct {
	name       string
	addr       string
	handler    Handler
	middleware []gin.HandlerFunc
	logger     *zap.Logger

	serial   atomic.Bool
	serialMu sync.Mutex

	server   *http.Server
	listener net.Listener
}

// NewService creates a stub service. Middleware runs after recovery,
// request-ID and access logging, and before the serial gate.
func NewService(name, addr string, h Handler, serial bool, logger *zap.Logger, middleware ...gin.HandlerFunc) *Service {
	s := &Service{
		name:       name,
		addr:       addr,
		handler:    h,
		middleware: middleware,
		logger:     logger,
	}
	s.serial.Store(serial)
	return s
}

// Name returns the service name.
func (s *Service) Name() string { return s.name }

// Handler returns the request handler.
func (s *Service) Handler() Handler { return s.handler }

// SetSerial toggles one-request-at-a-time handling.
func (s *Service) SetSerial(on bool) { s.serial.Store(on) }

// Engine builds the gin engine serving this stub.
func (s *Service) Engine() *gin.Engine {
	engine := gin.New()
	engine.Use(gin.Recovery(), requestID(), accessLog(s.logger))
	engine.Use(s.middleware...)
	engine.Use(s.serialize)
	engine.Any("/*path", s.handler.Handle)
	return engine
}

// Start binds the listener and serves in the background.
func (s *Service) Start(_ context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.listener = ln
	s.server = &http.Server{
		Handler:           s.Engine(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("stub server error", zap.Error(err))
		}
	}()

	s.logger.Info("stub listening", zap.String("addr", ln.Addr().String()))
	return nil
}

// Addr returns the bound address, or the configured one before Start.
func (s *Service) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// Stop gracefully shuts down the listener, waiting for in-flight requests.
func (s *Service) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *Service) serialize(c *gin.Context) {
	if !s.serial.Load() {
		c.Next()
		return
	}
	s.serialMu.Lock()
	defer s.serialMu.Unlock()
	c.Next()
}

func requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(HeaderRequestID)
		if id == "" {
			id = uuid.NewString()
		}
		c.Set("request_id", id)
		c.Request = c.Request.WithContext(WithRequestID(c.Request.Context(), id))
		c.Next()
	}
}

func accessLog(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Info("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("request_id", c.GetString("request_id")),
		)
	}
}
