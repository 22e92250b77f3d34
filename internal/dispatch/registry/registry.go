// Package registry answers whether a target repository is pre-configured for
// dispatch. Targets outside the registry need an inline ref on their label to
// pass validation.
package registry

import "strings"

// Registry is the set of pre-configured target repositories.
type Registry struct {
	repos map[string]bool
}

// New builds a Registry from org/repo strings. Comparison is
// case-insensitive, matching how code hosts treat repository names.
func New(repositories []string) *Registry {
	repos := make(map[string]bool, len(repositories))
	for _, r := range repositories {
		repos[strings.ToLower(strings.TrimSpace(r))] = true
	}
	return &Registry{repos: repos}
}

// IsConfigured reports whether the repository is pre-configured.
func (r *Registry) IsConfigured(repository string) bool {
	return r.repos[strings.ToLower(strings.TrimSpace(repository))]
}
