// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package serviceregistry resolves a service-kind step's serviceSlug to a
// base URL and health status, and dispatches the HTTP request a step
// executor builds from its ServiceRequestSpec (§6's service-registry
// interface).
package serviceregistry

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"

	"golang.org/x/time/rate"

	"github.com/tombee/workflow-core/pkg/workflowerrors"
)

// HealthStatus is a registered service's current reachability.
type HealthStatus string

const (
	HealthHealthy     HealthStatus = "healthy"
	HealthDegraded    HealthStatus = "degraded"
	HealthUnknown     HealthStatus = "unknown"
	HealthUnreachable HealthStatus = "unreachable"
)

// Service is one registered backend a service-kind step may target.
type Service struct {
	Slug    string
	BaseURL string
	Status  HealthStatus

	// RateLimit caps outbound requests/sec FetchFromService issues
	// against this service. Zero disables limiting entirely — a
	// service-kind step with no configured limit dispatches immediately,
	// same as before rate limiting existed.
	RateLimit float64

	// RateBurst is the limiter's burst size. Zero defaults to 1 when
	// RateLimit is set, rejecting any burst above the steady rate.
	RateBurst int

	// OAuth2 configures a client-credentials grant FetchFromService
	// exchanges for a bearer token before dispatching against this
	// service. Nil means the service is called with the Registry's
	// shared client and whatever static headers the step supplies.
	OAuth2 *OAuth2Config
}

// Allows reports whether requireHealthy/allowDegraded permit dispatching
// to this service in its current status, per §4.4's "Service
// availability" rule.
func (s Service) Allows(requireHealthy, allowDegraded bool) bool {
	switch s.Status {
	case HealthHealthy:
		return true
	case HealthDegraded:
		return !requireHealthy && allowDegraded
	case HealthUnknown:
		return !requireHealthy && allowDegraded
	default:
		return false
	}
}

// RequestSpec is the HTTP call a service-kind step's executor builds.
type RequestSpec struct {
	Method  string
	Path    string
	Query   map[string]string
	Headers map[string]string
	Body    []byte
}

// Response is the captured HTTP response a service-kind step may store
// via storeResponseAs.
type Response struct {
	StatusCode int
	Headers    map[string][]string
	Body       []byte
}

// Registry holds the set of known services and dispatches requests
// against them.
type Registry struct {
	mu       sync.RWMutex
	services map[string]Service
	limiters map[string]*rate.Limiter
	clients  map[string]*http.Client
	client   *http.Client
}

// New constructs an empty Registry using the given HTTP client (falls
// back to http.DefaultClient when nil).
func New(client *http.Client) *Registry {
	if client == nil {
		client = http.DefaultClient
	}
	return &Registry{
		services: make(map[string]Service),
		limiters: make(map[string]*rate.Limiter),
		clients:  make(map[string]*http.Client),
		client:   client,
	}
}

// Register adds or replaces a service's registration. A non-zero
// RateLimit (re)builds that service's limiter; a zero RateLimit removes
// any limiter from a prior registration.
func (r *Registry) Register(svc Service) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.services[svc.Slug] = svc

	if client := svc.OAuth2.httpClient(context.Background()); client != nil {
		r.clients[svc.Slug] = client
	} else {
		delete(r.clients, svc.Slug)
	}

	if svc.RateLimit <= 0 {
		delete(r.limiters, svc.Slug)
		return
	}
	burst := svc.RateBurst
	if burst <= 0 {
		burst = 1
	}
	r.limiters[svc.Slug] = rate.NewLimiter(rate.Limit(svc.RateLimit), burst)
}

// SetStatus updates a registered service's health status, for a
// background health-check loop to call as it observes state changes.
func (r *Registry) SetStatus(slug string, status HealthStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	svc, ok := r.services[slug]
	if !ok {
		return
	}
	svc.Status = status
	r.services[slug] = svc
}

// GetServiceBySlug implements §6's getServiceBySlug.
func (r *Registry) GetServiceBySlug(slug string) (Service, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	svc, ok := r.services[slug]
	return svc, ok
}

// FetchFromService implements §6's fetchFromService: dispatches an HTTP
// request against the service's base URL, joined with the request's
// path, honoring ctx cancellation/timeout.
func (r *Registry) FetchFromService(ctx context.Context, svc Service, req RequestSpec) (*Response, error) {
	if limiter := r.limiterFor(svc.Slug); limiter != nil {
		if err := limiter.Wait(ctx); err != nil {
			return nil, &workflowerrors.TransientError{Op: fmt.Sprintf("serviceregistry.FetchFromService(%s): rate limit wait", svc.Slug), Cause: err}
		}
	}

	target := svc.BaseURL + req.Path
	if len(req.Query) > 0 {
		values := make(url.Values, len(req.Query))
		for k, v := range req.Query {
			values.Set(k, v)
		}
		target += "?" + values.Encode()
	}

	var bodyReader io.Reader
	if len(req.Body) > 0 {
		bodyReader = bytes.NewReader(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, target, bodyReader)
	if err != nil {
		return nil, &workflowerrors.TransientError{Op: "serviceregistry.FetchFromService", Cause: err}
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := r.clientFor(svc.Slug).Do(httpReq)
	if err != nil {
		return nil, &workflowerrors.TransientError{Op: fmt.Sprintf("serviceregistry.FetchFromService(%s)", svc.Slug), Cause: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &workflowerrors.TransientError{Op: "serviceregistry.FetchFromService: read body", Cause: err}
	}

	return &Response{
		StatusCode: resp.StatusCode,
		Headers:    resp.Header,
		Body:       body,
	}, nil
}

// limiterFor returns the service's rate limiter, or nil if it has none.
func (r *Registry) limiterFor(slug string) *rate.Limiter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.limiters[slug]
}

// clientFor returns the service's OAuth2-wrapped client when it
// registered one, the Registry's shared client otherwise.
func (r *Registry) clientFor(slug string) *http.Client {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if client, ok := r.clients[slug]; ok {
		return client
	}
	return r.client
}
