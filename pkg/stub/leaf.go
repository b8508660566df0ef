// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package stub

import (
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/mbeema/tracehop/pkg/config"
)

// LeafSettings is an immutable snapshot of a leaf's behavior.
type LeafSettings struct {
	Delay       time.Duration
	CORS        bool
	Payload     Payload
	ContentType string
}

// LeafSettingsFrom derives leaf settings from a service config.
func LeafSettingsFrom(svc *config.ServiceConfig) LeafSettings {
	return LeafSettings{
		Delay:       svc.Delay,
		CORS:        svc.CORSEnabled(),
		Payload:     Payload(svc.Payload),
		ContentType: svc.ContentType,
	}
}

// Leaf answers POST on any path with the canned payload after a fixed delay,
// and CORS preflight requests when enabled. It never inspects the request
// body or headers.
type Leaf struct {
	name     string
	settings atomic.Pointer[LeafSettings]
	logger   *zap.Logger
}

// NewLeaf creates a leaf handler.
func NewLeaf(name string, s LeafSettings, logger *zap.Logger) *Leaf {
	l := &Leaf{name: name, logger: logger}
	l.Update(s)
	return l
}

// Update swaps in new settings. In-flight requests keep the snapshot they
// started with.
func (l *Leaf) Update(s LeafSettings) {
	if len(s.Payload) == 0 {
		s.Payload = DefaultPayload
	}
	if s.ContentType == "" {
		s.ContentType = "application/json"
	}
	l.settings.Store(&s)
}

// Settings returns the current settings snapshot.
func (l *Leaf) Settings() LeafSettings {
	return *l.settings.Load()
}

// Handle implements Handler.
func (l *Leaf) Handle(c *gin.Context) {
	s := l.settings.Load()

	switch c.Request.Method {
	case http.MethodPost:
		if !sleepCtx(c, s.Delay) {
			l.logger.Debug("client went away during delay",
				zap.String("path", c.Request.URL.Path))
			c.Abort()
			return
		}
		writePayload(c, s.ContentType, s.Payload)

	case http.MethodOptions:
		if !s.CORS {
			methodNotAllowed(c, l.allowed(s))
			return
		}
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "*")
		c.Header("Access-Control-Allow-Headers", "*")
		c.Status(http.StatusOK)

	default:
		methodNotAllowed(c, l.allowed(s))
	}
}

func (l *Leaf) allowed(s *LeafSettings) []string {
	if s.CORS {
		return []string{http.MethodOptions, http.MethodPost}
	}
	return []string{http.MethodPost}
}

// sleepCtx holds the request for d. It returns false if the client
// disconnected first.
func sleepCtx(c *gin.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-c.Request.Context().Done():
		return false
	}
}

func writePayload(c *gin.Context, contentType string, body []byte) {
	c.Header("Content-Length", strconv.Itoa(len(body)))
	c.Data(http.StatusOK, contentType, body)
}

func methodNotAllowed(c *gin.Context, allow []string) {
	c.Header("Allow", strings.Join(allow, ", "))
	c.AbortWithStatus(http.StatusMethodNotAllowed)
}
