package oauth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
)

// Response is the framework-neutral response produced by the servers.
//
// Body may be a plain value, a func() (any, error) or a
// func(context.Context) (any, error); deferred bodies are resolved when the
// response is written.
type Response struct {
	Status int
	Header http.Header
	Body   any
}

// NewResponse returns an empty response with status 200.
func NewResponse() *Response {
	return &Response{
		Status: http.StatusOK,
		Header: make(http.Header),
	}
}

// Redirect sets a 302 redirect to u.
func (r *Response) Redirect(u *url.URL) {
	r.Status = http.StatusFound
	r.Header.Set("Location", u.String())
	r.Body = nil
}

// SetNoStore sets the cache headers required for responses carrying credentials.
func (r *Response) SetNoStore() {
	r.Header.Set("Cache-Control", "no-store")
	r.Header.Set("Pragma", "no-cache")
}

// ResolveBody evaluates a deferred body.
func (r *Response) ResolveBody(ctx context.Context) (any, error) {
	switch body := r.Body.(type) {
	case func() (any, error):
		return body()
	case func(context.Context) (any, error):
		return body(ctx)
	default:
		return body, nil
	}
}

// Write copies the response onto w, encoding the body as JSON.
func (r *Response) Write(ctx context.Context, w http.ResponseWriter) error {
	body, err := r.ResolveBody(ctx)
	if err != nil {
		return fmt.Errorf("failed to resolve response body: %w", err)
	}

	for key, values := range r.Header {
		for _, v := range values {
			w.Header().Add(key, v)
		}
	}

	status := r.Status
	if status == 0 {
		status = http.StatusOK
	}

	if body == nil {
		w.WriteHeader(status)
		return nil
	}

	if w.Header().Get("Content-Type") == "" {
		w.Header().Set("Content-Type", "application/json")
	}
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		return fmt.Errorf("failed to encode response body: %w", err)
	}
	return nil
}
