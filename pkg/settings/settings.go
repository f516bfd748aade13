// Package settings holds the per-database connection settings registered at startup.
package settings

import (
	"fmt"
	"sort"
	"strings"

	"github.com/ekaya-inc/ekaya-dbruntime/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-dbruntime/pkg/config"
)

// ConnectionSettings describes how to reach one logical database.
type ConnectionSettings struct {
	Name             string
	Provider         string
	ConnectionString string
	MaxPoolSize      int
}

// Validate checks the fields the pool and manager rely on.
func (s ConnectionSettings) Validate() error {
	if strings.TrimSpace(s.Name) == "" {
		return fmt.Errorf("connection settings: name is required")
	}
	if s.MaxPoolSize <= 0 {
		return fmt.Errorf("connection settings %q: max pool size must be positive, got %d", s.Name, s.MaxPoolSize)
	}
	return nil
}

// Registry is the read-only set of connection settings keyed by logical
// database name. Lookups ignore case. Safe for concurrent use since it is
// never mutated after construction.
type Registry struct {
	byName      map[string]ConnectionSettings
	defaultName string
}

// NewRegistry builds a registry. defaultName must be one of the given
// databases; empty selects the first one.
func NewRegistry(defaultName string, all ...ConnectionSettings) (*Registry, error) {
	r := &Registry{byName: make(map[string]ConnectionSettings, len(all))}
	for _, s := range all {
		if err := s.Validate(); err != nil {
			return nil, err
		}
		key := strings.ToLower(s.Name)
		if _, dup := r.byName[key]; dup {
			return nil, fmt.Errorf("connection settings %q registered twice", s.Name)
		}
		r.byName[key] = s
	}

	if defaultName == "" && len(all) > 0 {
		defaultName = all[0].Name
	}
	if defaultName != "" {
		s, ok := r.byName[strings.ToLower(defaultName)]
		if !ok {
			return nil, fmt.Errorf("default database %q: %w", defaultName, apperrors.ErrConfigurationNotFound)
		}
		r.defaultName = s.Name
	}
	return r, nil
}

// FromConfig builds the registry from loaded configuration.
func FromConfig(cfg *config.Config) (*Registry, error) {
	all := make([]ConnectionSettings, 0, len(cfg.Databases))
	for _, db := range cfg.Databases {
		all = append(all, ConnectionSettings{
			Name:             db.Name,
			Provider:         db.Provider,
			ConnectionString: db.ConnectionString,
			MaxPoolSize:      db.MaxPoolSize,
		})
	}
	return NewRegistry(cfg.DefaultDatabase, all...)
}

// Get returns the settings for a logical database.
// Unknown names fail with apperrors.ErrConfigurationNotFound.
func (r *Registry) Get(name string) (ConnectionSettings, error) {
	s, ok := r.byName[strings.ToLower(name)]
	if !ok {
		return ConnectionSettings{}, fmt.Errorf("database %q: %w", name, apperrors.ErrConfigurationNotFound)
	}
	return s, nil
}

// Has reports whether name is a registered logical database.
func (r *Registry) Has(name string) bool {
	_, ok := r.byName[strings.ToLower(name)]
	return ok
}

// Names returns the registered database names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.byName))
	for _, s := range r.byName {
		names = append(names, s.Name)
	}
	sort.Strings(names)
	return names
}

// All returns every registered setting, sorted by name.
func (r *Registry) All() []ConnectionSettings {
	out := make([]ConnectionSettings, 0, len(r.byName))
	for _, s := range r.byName {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Default returns the name of the default database.
func (r *Registry) Default() string {
	return r.defaultName
}

// Require returns the settings for name and checks they can be used to open a
// connection. Missing provider or connection string errors match both their own
// sentinel and apperrors.ErrConfigurationNotFound.
func (r *Registry) Require(name string) (ConnectionSettings, error) {
	s, err := r.Get(name)
	if err != nil {
		return ConnectionSettings{}, err
	}
	if strings.TrimSpace(s.Provider) == "" {
		return ConnectionSettings{}, fmt.Errorf("database %q: %w: %w", s.Name,
			apperrors.ErrNoProviderConfigured, apperrors.ErrConfigurationNotFound)
	}
	if strings.TrimSpace(s.ConnectionString) == "" {
		return ConnectionSettings{}, fmt.Errorf("database %q: %w: %w", s.Name,
			apperrors.ErrNoConnectionConfigured, apperrors.ErrConfigurationNotFound)
	}
	return s, nil
}
