// Package discovery resolves LLM services through the Consul HTTP API.
package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/rendis/gastown/pkg/schema"
)

const (
	// Expert services register as llamacpp-rpc-<expert_name>.
	expertServicePrefix = "llamacpp-rpc-"

	defaultTimeout = 10 * time.Second
)

// ExpertService returns the Consul service name an expert registers
// under.
func ExpertService(name string) string {
	return expertServicePrefix + name
}

// Resolver looks up LLM service endpoints.
type Resolver interface {
	// Resolve returns the base URL (including /v1) of a passing instance
	// of the named service.
	Resolve(ctx context.Context, service string) (string, error)
	// ListExperts returns the names of registered expert services,
	// sorted. Discovery failures yield an empty list, not an error.
	ListExperts(ctx context.Context) []string
}

// ConsulResolver implements Resolver against a Consul agent.
type ConsulResolver struct {
	addr       string
	token      string
	httpClient *http.Client
}

// Option configures a ConsulResolver.
type Option func(*ConsulResolver)

// WithToken sets the X-Consul-Token header on every request.
func WithToken(token string) Option {
	return func(r *ConsulResolver) { r.token = token }
}

// WithHTTPClient replaces the underlying http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(r *ConsulResolver) { r.httpClient = hc }
}

// NewConsulResolver creates a resolver against the given agent address,
// e.g. "http://127.0.0.1:8500".
func NewConsulResolver(addr string, opts ...Option) *ConsulResolver {
	r := &ConsulResolver{
		addr:       strings.TrimRight(addr, "/"),
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

type healthEntry struct {
	Service struct {
		Address string `json:"Address"`
		Port    int    `json:"Port"`
	} `json:"Service"`
}

// Resolve queries /v1/health/service/{name}?passing and returns the
// first passing instance as "http://addr:port/v1".
func (r *ConsulResolver) Resolve(ctx context.Context, service string) (string, error) {
	if service == "" {
		return "", schema.NewError(schema.ErrCodeValidation, "discovery: empty service name")
	}

	url := fmt.Sprintf("%s/v1/health/service/%s?passing", r.addr, service)
	body, err := r.get(ctx, url)
	if err != nil {
		return "", err
	}

	var entries []healthEntry
	if err := json.Unmarshal(body, &entries); err != nil {
		return "", schema.NewError(schema.ErrCodeExecution, "discovery: decode health response").WithCause(err)
	}
	if len(entries) == 0 {
		return "", schema.NewErrorf(schema.ErrCodeNotFound,
			"discovery: no passing instance of service %q", service)
	}

	svc := entries[0].Service
	return fmt.Sprintf("http://%s:%d/v1", svc.Address, svc.Port), nil
}

// ListExperts scans /v1/catalog/services for expert LLMs: services named
// llamacpp-rpc-<name>, plus services tagged "expert" whose first
// non-marker tag names the expert.
func (r *ConsulResolver) ListExperts(ctx context.Context) []string {
	url := r.addr + "/v1/catalog/services"
	body, err := r.get(ctx, url)
	if err != nil {
		return nil
	}

	var services map[string][]string
	if err := json.Unmarshal(body, &services); err != nil {
		return nil
	}

	seen := map[string]struct{}{}
	for name, tags := range services {
		if strings.HasPrefix(name, expertServicePrefix) {
			seen[strings.TrimPrefix(name, expertServicePrefix)] = struct{}{}
		}
		if containsTag(tags, "expert") {
			for _, tag := range tags {
				if tag != "expert" && tag != "llm" {
					seen[tag] = struct{}{}
					break
				}
			}
		}
	}

	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (r *ConsulResolver) get(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeExecution, "discovery: build request").WithCause(err)
	}
	if r.token != "" {
		req.Header.Set("X-Consul-Token", r.token)
	}

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "discovery: call %s failed", url).WithCause(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeExecution, "discovery: read response").WithCause(err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, schema.NewErrorf(schema.ErrCodeExecution,
			"discovery: %s returned %d", url, resp.StatusCode).
			WithDetails(map[string]any{"status_code": resp.StatusCode})
	}
	return body, nil
}

func containsTag(tags []string, want string) bool {
	for _, t := range tags {
		if t == want {
			return true
		}
	}
	return false
}

var _ Resolver = (*ConsulResolver)(nil)
