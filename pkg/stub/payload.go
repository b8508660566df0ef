// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package stub

import (
	"bytes"
	"context"
	"net/http"
	"strconv"

	"github.com/mbeema/tracehop/pkg/config"
)

// Payload is the canned JSON body a stub answers with and a coordinator
// sends on every hop. It never changes for the life of a process.
type Payload []byte

// DefaultPayload is {"name": "whatever"}.
var DefaultPayload = Payload(config.DefaultPayload)

// Len returns the payload size in bytes, which is also the Content-Length
// of every request and response carrying it.
func (p Payload) Len() int { return len(p) }

// HeaderRequestID carries the per-request ID across hops.
const HeaderRequestID = "X-Request-Id"

// Hop is one outbound call of a coordinator.
type Hop struct {
	URL         string
	Body        Payload
	ContentType string
}

// NewRequest builds the POST for this hop. Content-Length always equals the
// body length.
func (h Hop) NewRequest(ctx context.Context) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.URL, bytes.NewReader(h.Body))
	if err != nil {
		return nil, err
	}
	ct := h.ContentType
	if ct == "" {
		ct = "application/json"
	}
	req.Header.Set("Content-Type", ct)
	req.Header.Set("Content-Length", strconv.Itoa(h.Body.Len()))
	req.ContentLength = int64(h.Body.Len())
	if id := RequestIDFromContext(ctx); id != "" {
		req.Header.Set(HeaderRequestID, id)
	}
	return req, nil
}

type requestIDKey struct{}

// WithRequestID returns a copy of ctx carrying the request ID.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestIDFromContext returns the request ID stored by WithRequestID.
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}
