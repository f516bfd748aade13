package datasource

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/ekaya-inc/ekaya-dbruntime/pkg/apperrors"
)

// ProviderInfo describes a registered provider.
type ProviderInfo struct {
	Type        string   `json:"type"`         // "postgres", "mssql"
	DisplayName string   `json:"display_name"` // "PostgreSQL", "Microsoft SQL Server"
	Aliases     []string `json:"aliases"`      // other provider identifiers accepted in configuration
}

// Registration contains the provider info and the connector that opens its connections.
type Registration struct {
	Info      ProviderInfo
	Connector Connector
}

// Registry maps provider identifiers to connectors.
// It is built once at startup and passed to whatever needs to open connections.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]Registration // key: lowercase provider type
	aliases map[string]string       // lowercase alias -> provider type
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[string]Registration),
		aliases: make(map[string]string),
	}
}

// Register adds or replaces a provider. Thread-safe.
func (r *Registry) Register(reg Registration) {
	key := strings.ToLower(reg.Info.Type)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[key] = reg
	for _, alias := range reg.Info.Aliases {
		r.aliases[strings.ToLower(alias)] = key
	}
}

// Lookup returns the connector for a provider type or one of its aliases.
// Lookup is case-insensitive.
func (r *Registry) Lookup(provider string) (Connector, error) {
	key := strings.ToLower(strings.TrimSpace(provider))

	r.mu.RLock()
	defer r.mu.RUnlock()

	if target, ok := r.aliases[key]; ok {
		key = target
	}
	reg, ok := r.entries[key]
	if !ok {
		return nil, fmt.Errorf("%w: %q (not compiled in)", apperrors.ErrUnknownProvider, provider)
	}
	return reg.Connector, nil
}

// Registered returns info for all registered providers, sorted by type.
func (r *Registry) Registered() []ProviderInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]ProviderInfo, 0, len(r.entries))
	for _, reg := range r.entries {
		result = append(result, reg.Info)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Type < result[j].Type })
	return result
}

// IsRegistered checks if a provider type or alias is available.
func (r *Registry) IsRegistered(provider string) bool {
	_, err := r.Lookup(provider)
	return err == nil
}
