// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package stub

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/mbeema/tracehop/pkg/config"
)

// ErrHopStatus is wrapped by HopError when a downstream answered with a
// non-2xx status.
var ErrHopStatus = errors.New("downstream returned non-2xx status")

// HopError describes the hop that aborted a coordinator chain.
type HopError struct {
	URL    string
	Status int // 0 for transport errors and timeouts
	Err    error
}

func (e *HopError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("hop %s: status %d: %v", e.URL, e.Status, e.Err)
	}
	return fmt.Sprintf("hop %s: %v", e.URL, e.Err)
}

func (e *HopError) Unwrap() error { return e.Err }

// Hop outcomes reported to a HopObserver.
const (
	OutcomeOK        = "ok"
	OutcomeStatus    = "bad_status"
	OutcomeTimeout   = "timeout"
	OutcomeTransport = "transport_error"
)

// HopObserver is called once per attempted hop.
type HopObserver func(target, outcome string, d time.Duration)

// CoordinatorSettings is an immutable snapshot of a coordinator's behavior.
type CoordinatorSettings struct {
	Downstreams  []string
	Payload      Payload
	ContentType  string
	HopTimeout   time.Duration // 0 = no timeout
	ResponseMode string        // config.ResponsePerHop or config.ResponseSingle
}

// CoordinatorSettingsFrom derives coordinator settings from a service config.
func CoordinatorSettingsFrom(svc *config.ServiceConfig) CoordinatorSettings {
	return CoordinatorSettings{
		Downstreams:  append([]string(nil), svc.Downstreams...),
		Payload:      Payload(svc.Payload),
		ContentType:  svc.ContentType,
		HopTimeout:   svc.HopTimeout(),
		ResponseMode: svc.ResponseMode,
	}
}

// Coordinator answers POST by calling each downstream in order with the
// canned payload. Hop N+1 starts only after hop N's response body has been
// read in full. The reply is buffered, so a failed hop always yields a clean
// 502 instead of a half-written 200.
type Coordinator struct {
	name     string
	settings atomic.Pointer[CoordinatorSettings]
	client   *http.Client
	observe  HopObserver
	logger   *zap.Logger
}

// CoordinatorOption configures a Coordinator.
type CoordinatorOption func(*Coordinator)

// WithHTTPClient sets the client used for hops.
func WithHTTPClient(client *http.Client) CoordinatorOption {
	return func(c *Coordinator) { c.client = client }
}

// WithHopObserver registers a callback for hop outcomes.
func WithHopObserver(fn HopObserver) CoordinatorOption {
	return func(c *Coordinator) { c.observe = fn }
}

// NewCoordinator creates a coordinator handler.
func NewCoordinator(name string, s CoordinatorSettings, logger *zap.Logger, opts ...CoordinatorOption) *Coordinator {
	c := &Coordinator{
		name:   name,
		client: &http.Client{},
		logger: logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.Update(s)
	return c
}

// Update swaps in new settings.
func (co *Coordinator) Update(s CoordinatorSettings) {
	if len(s.Payload) == 0 {
		s.Payload = DefaultPayload
	}
	if s.ContentType == "" {
		s.ContentType = "application/json; charset=utf-8"
	}
	if s.ResponseMode == "" {
		s.ResponseMode = config.ResponsePerHop
	}
	co.settings.Store(&s)
}

// Settings returns the current settings snapshot.
func (co *Coordinator) Settings() CoordinatorSettings {
	return *co.settings.Load()
}

// Handle implements Handler.
func (co *Coordinator) Handle(c *gin.Context) {
	if c.Request.Method != http.MethodPost {
		methodNotAllowed(c, []string{http.MethodPost})
		return
	}

	s := co.settings.Load()
	body, err := co.Chain(c.Request.Context(), s)
	if err != nil {
		var hopErr *HopError
		hop := ""
		if errors.As(err, &hopErr) {
			hop = hopErr.URL
		}
		co.logger.Warn("hop chain aborted", zap.String("hop", hop), zap.Error(err))
		c.AbortWithStatusJSON(http.StatusBadGateway, gin.H{
			"error": err.Error(),
			"hop":   hop,
		})
		return
	}
	writePayload(c, s.ContentType, body)
}

// Chain runs every hop in order and returns the response body: the payload
// once per completed hop in per_hop mode, once overall in single mode. The
// first failing hop aborts the chain with a *HopError.
func (co *Coordinator) Chain(ctx context.Context, s *CoordinatorSettings) ([]byte, error) {
	var buf bytes.Buffer
	for _, target := range s.Downstreams {
		if err := co.hop(ctx, s, target); err != nil {
			return nil, err
		}
		if s.ResponseMode == config.ResponsePerHop {
			buf.Write(s.Payload)
		}
	}
	if s.ResponseMode == config.ResponseSingle {
		buf.Write(s.Payload)
	}
	return buf.Bytes(), nil
}

func (co *Coordinator) hop(ctx context.Context, s *CoordinatorSettings, target string) error {
	start := time.Now()
	outcome := OutcomeOK
	defer func() {
		if co.observe != nil {
			co.observe(target, outcome, time.Since(start))
		}
	}()

	if s.HopTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.HopTimeout)
		defer cancel()
	}

	req, err := Hop{URL: target, Body: s.Payload, ContentType: "application/json"}.NewRequest(ctx)
	if err != nil {
		outcome = OutcomeTransport
		return &HopError{URL: target, Err: err}
	}

	resp, err := co.client.Do(req)
	if err != nil {
		outcome = OutcomeTransport
		if errors.Is(err, context.DeadlineExceeded) {
			outcome = OutcomeTimeout
		}
		return &HopError{URL: target, Err: err}
	}
	defer resp.Body.Close()

	// The next hop must not start before this response is fully received.
	if _, err := io.Copy(io.Discard, resp.Body); err != nil {
		outcome = OutcomeTransport
		if errors.Is(err, context.DeadlineExceeded) {
			outcome = OutcomeTimeout
		}
		return &HopError{URL: target, Status: resp.StatusCode, Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		outcome = OutcomeStatus
		return &HopError{URL: target, Status: resp.StatusCode, Err: ErrHopStatus}
	}

	co.logger.Debug("hop completed",
		zap.String("target", target),
		zap.Int("status", resp.StatusCode),
		zap.Duration("elapsed", time.Since(start)))
	return nil
}
