// Package alias maps friendly names like "main" or "reports" onto registered
// logical database names.
package alias

import (
	"fmt"
	"strings"
	"sync"
	"unicode"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-dbruntime/pkg/logging"
)

// DefaultAliases always resolve to the default database.
var DefaultAliases = []string{"main", "default", "primary"}

// heuristic derives aliases for any registered name that has one of words as
// a whole word. Words are split on separators and camel-case humps, so
// "audit_log" and "AuditLog" match "log" while "catalog" does not.
type heuristic struct {
	words   []string
	aliases []string
}

var heuristics = []heuristic{
	{words: []string{"report", "reports", "reporting"}, aliases: []string{"reports", "reporting"}},
	{words: []string{"log", "logs", "logging"}, aliases: []string{"logs", "logging"}},
	{words: []string{"audit", "audits", "auditing"}, aliases: []string{"audit"}},
	{words: []string{"archive", "archives", "archived", "archival"}, aliases: []string{"archive"}},
	{words: []string{"analytic", "analytics"}, aliases: []string{"analytics"}},
	{words: []string{"replica", "replicas", "readonly"}, aliases: []string{"replica", "readonly"}},
	{words: []string{"cache", "caches", "caching"}, aliases: []string{"cache"}},
	{words: []string{"stage", "staging", "stg"}, aliases: []string{"staging"}},
}

func (h heuristic) matches(words map[string]bool) bool {
	for _, w := range h.words {
		if words[w] {
			return true
		}
	}
	return false
}

// splitWords lowercases name and splits it into words at non-alphanumeric
// runes and at lower-to-upper case changes.
func splitWords(name string) map[string]bool {
	words := make(map[string]bool)
	var b strings.Builder
	flush := func() {
		if b.Len() > 0 {
			words[b.String()] = true
			b.Reset()
		}
	}
	prevLower := false
	for _, r := range name {
		switch {
		case unicode.IsUpper(r):
			if prevLower {
				flush()
			}
			b.WriteRune(unicode.ToLower(r))
			prevLower = false
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
			prevLower = true
		default:
			flush()
			prevLower = false
		}
	}
	flush()
	return words
}

// Resolver turns aliases into canonical logical database names.
// The alias map only grows. Safe for concurrent use.
type Resolver struct {
	mu       sync.RWMutex
	aliases  map[string]string // lowercase alias -> canonical name
	names    map[string]string // lowercase registered name -> name
	explicit map[string]bool
	logger   *zap.Logger
}

// NewResolver seeds the default aliases for defaultDatabase, makes every name
// reachable through its lowercase form and derives heuristic aliases.
// A registered name always wins over a heuristic alias of the same spelling;
// between heuristics the first registered name wins.
func NewResolver(defaultDatabase string, names []string, logger *zap.Logger) *Resolver {
	r := &Resolver{
		aliases:  make(map[string]string),
		names:    make(map[string]string, len(names)),
		explicit: make(map[string]bool),
		logger:   logging.OrNop(logger).Named("alias"),
	}

	if defaultDatabase != "" {
		for _, a := range DefaultAliases {
			r.aliases[a] = defaultDatabase
		}
	}
	for _, name := range names {
		key := strings.ToLower(name)
		r.names[key] = name
		r.aliases[key] = name
	}
	for _, name := range names {
		words := splitWords(name)
		for _, h := range heuristics {
			if !h.matches(words) {
				continue
			}
			for _, a := range h.aliases {
				if _, taken := r.aliases[a]; taken {
					continue
				}
				r.aliases[a] = name
			}
		}
	}

	r.logger.Debug("alias map seeded",
		zap.String("default", defaultDatabase),
		zap.Int("aliases", len(r.aliases)),
	)
	return r
}

// Resolve returns the canonical name for nameOrAlias, or nameOrAlias unchanged
// when it is not a known alias. Existence is not checked here.
func (r *Resolver) Resolve(nameOrAlias string) string {
	key := strings.ToLower(strings.TrimSpace(nameOrAlias))

	r.mu.RLock()
	defer r.mu.RUnlock()
	if canonical, ok := r.aliases[key]; ok {
		return canonical
	}
	return nameOrAlias
}

// Register adds an explicit alias, replacing a default or heuristic mapping.
// A registered database's own name cannot be pointed at another database.
func (r *Resolver) Register(alias, canonical string) error {
	key := strings.ToLower(strings.TrimSpace(alias))
	canonical = strings.TrimSpace(canonical)
	if key == "" || canonical == "" {
		return fmt.Errorf("alias and canonical name must not be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if name, isDatabase := r.names[key]; isDatabase && !strings.EqualFold(name, canonical) {
		return fmt.Errorf("alias %q is the name of database %q and cannot point at %q", alias, name, canonical)
	}
	if previous, ok := r.aliases[key]; ok && previous != canonical {
		r.logger.Info("alias remapped",
			zap.String("alias", key),
			zap.String("from", previous),
			zap.String("to", canonical),
		)
	}
	r.aliases[key] = canonical
	r.explicit[key] = true
	return nil
}

// IsExplicit reports whether alias was added through Register.
func (r *Resolver) IsExplicit(alias string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.explicit[strings.ToLower(strings.TrimSpace(alias))]
}

// Aliases returns a snapshot of the alias map.
func (r *Resolver) Aliases() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]string, len(r.aliases))
	for k, v := range r.aliases {
		out[k] = v
	}
	return out
}
