package provider

import (
	"errors"
	"fmt"
	"strings"
	"sync"
)

// Route key schemes.
const (
	SchemeOpenAICompat = "openai-compat"
	SchemeAnthropic    = "anthropic"
	SchemeCodexOAuth   = "codex-oauth"
)

// ErrUnknownRoute is returned when a route key resolves to no profile.
var ErrUnknownRoute = errors.New("provider: unknown route")

// RouteKey selects a provider profile: <scheme>:<profileId>.
type RouteKey struct {
	Scheme  string
	Profile string
}

// String formats the key. Parse then String is the identity for well-formed
// keys.
func (k RouteKey) String() string {
	return k.Scheme + ":" + k.Profile
}

// ParseRouteKey parses s. A key with no scheme prefix canonicalizes to
// defaultScheme.
func ParseRouteKey(s, defaultScheme string) (RouteKey, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return RouteKey{}, fmt.Errorf("provider: empty route key")
	}
	scheme, profile, found := strings.Cut(s, ":")
	if !found {
		if defaultScheme == "" {
			return RouteKey{}, fmt.Errorf("provider: route key %q has no scheme and no default is configured", s)
		}
		return RouteKey{Scheme: defaultScheme, Profile: s}, nil
	}
	switch scheme {
	case SchemeOpenAICompat, SchemeAnthropic, SchemeCodexOAuth:
	default:
		return RouteKey{}, fmt.Errorf("provider: unknown scheme %q", scheme)
	}
	if profile == "" {
		return RouteKey{}, fmt.Errorf("provider: route key %q has empty profile", s)
	}
	return RouteKey{Scheme: scheme, Profile: profile}, nil
}

// Selection is a fully resolved route: the provider to stream with plus the
// upstream model id the profile pins.
type Selection struct {
	Key      RouteKey
	Provider Provider
	Model    string
}

// Registry maps route keys to constructed providers.
type Registry struct {
	mu            sync.RWMutex
	providers     map[RouteKey]Selection
	defaultScheme string
}

// NewRegistry creates an empty registry. defaultScheme canonicalizes
// prefix-less route keys.
func NewRegistry(defaultScheme string) *Registry {
	return &Registry{
		providers:     make(map[RouteKey]Selection),
		defaultScheme: defaultScheme,
	}
}

// DefaultScheme returns the scheme used for prefix-less route keys.
func (r *Registry) DefaultScheme() string { return r.defaultScheme }

// Register binds a profile to a provider and upstream model.
func (r *Registry) Register(key RouteKey, p Provider, model string) {
	r.mu.Lock()
	r.providers[key] = Selection{Key: key, Provider: p, Model: model}
	r.mu.Unlock()
}

// Resolve parses and looks up a route key.
func (r *Registry) Resolve(routeKey string) (Selection, error) {
	key, err := ParseRouteKey(routeKey, r.defaultScheme)
	if err != nil {
		return Selection{}, err
	}
	r.mu.RLock()
	sel, ok := r.providers[key]
	r.mu.RUnlock()
	if !ok {
		return Selection{}, fmt.Errorf("%w: %s", ErrUnknownRoute, key)
	}
	return sel, nil
}

// Keys lists registered route keys.
func (r *Registry) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.providers))
	for k := range r.providers {
		out = append(out, k.String())
	}
	return out
}
