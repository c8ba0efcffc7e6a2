package eventbus

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"
)

// ModuleResolver answers whether a module id names a registered module.
// The bus consults it on every publish to reject events from unknown
// sources.
type ModuleResolver interface {
	KnownModule(ctx context.Context, moduleID string) (bool, error)
}

// AllowAllModules accepts every module id. This is the default resolver;
// validation still enforces id syntax.
type AllowAllModules struct{}

// KnownModule implements ModuleResolver.
func (AllowAllModules) KnownModule(ctx context.Context, moduleID string) (bool, error) {
	return true, nil
}

// StaticModules resolves against a fixed allow list.
type StaticModules map[string]bool

// NewStaticModules builds a resolver from a list of module ids.
func NewStaticModules(ids ...string) StaticModules {
	m := make(StaticModules, len(ids))
	for _, id := range ids {
		m[id] = true
	}
	return m
}

// KnownModule implements ModuleResolver.
func (m StaticModules) KnownModule(ctx context.Context, moduleID string) (bool, error) {
	return m[moduleID], nil
}

// HTTPResolver asks an external module registry whether a module exists,
// with a positive-result cache so the publish path does not pay a lookup
// per event.
type HTTPResolver struct {
	baseURL string
	client  *http.Client
	ttl     time.Duration

	mu    sync.Mutex
	cache map[string]time.Time
}

// NewHTTPResolver creates a resolver that issues GET {baseURL}/{moduleID}
// and treats 200 as known, 404 as unknown. Known module ids are cached for
// ttl; zero means one minute.
func NewHTTPResolver(baseURL string, client *http.Client, ttl time.Duration) (*HTTPResolver, error) {
	u, err := url.Parse(baseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("invalid module registry url %q", baseURL)
	}
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &HTTPResolver{
		baseURL: u.String(),
		client:  client,
		ttl:     ttl,
		cache:   make(map[string]time.Time),
	}, nil
}

// KnownModule implements ModuleResolver.
func (r *HTTPResolver) KnownModule(ctx context.Context, moduleID string) (bool, error) {
	r.mu.Lock()
	if expires, ok := r.cache[moduleID]; ok && time.Now().Before(expires) {
		r.mu.Unlock()
		return true, nil
	}
	r.mu.Unlock()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		r.baseURL+"/"+url.PathEscape(moduleID), nil)
	if err != nil {
		return false, fmt.Errorf("build module lookup: %w", err)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("module lookup: %w", err)
	}
	resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		r.mu.Lock()
		r.cache[moduleID] = time.Now().Add(r.ttl)
		r.mu.Unlock()
		return true, nil
	case resp.StatusCode == http.StatusNotFound:
		return false, nil
	default:
		return false, fmt.Errorf("module lookup returned status %d", resp.StatusCode)
	}
}
