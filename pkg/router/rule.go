// Package router classifies intercepted requests into a cache namespace kind
// and a retrieval strategy using a data-driven rule table.
package router

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/Sternrassler/offline-health-cache/pkg/namespace"
	"gopkg.in/yaml.v3"
)

// Strategy names a retrieval strategy.
type Strategy string

const (
	// CacheFirst serves from cache and only fetches on a miss.
	CacheFirst Strategy = "cache-first"

	// NetworkFirst fetches with a timeout and falls back to cache.
	NetworkFirst Strategy = "network-first"

	// StaleWhileRevalidate serves from cache and refreshes in the background.
	StaleWhileRevalidate Strategy = "stale-while-revalidate"

	// NetworkOnly never touches a cache.
	NetworkOnly Strategy = "network-only"
)

// Valid reports whether s is a known strategy.
func (s Strategy) Valid() bool {
	switch s {
	case CacheFirst, NetworkFirst, StaleWhileRevalidate, NetworkOnly:
		return true
	}
	return false
}

// Rule maps a URL path pattern to a namespace kind and strategy.
type Rule struct {
	Name      string         `yaml:"name"`
	Pattern   string         `yaml:"pattern"`
	Methods   []string       `yaml:"methods,omitempty"`
	Kind      namespace.Kind `yaml:"kind,omitempty"`
	Strategy  Strategy       `yaml:"strategy,omitempty"`
	Cacheable bool           `yaml:"cacheable"`
	Queueable bool           `yaml:"queueable"`

	re *regexp.Regexp
}

// Matches reports whether the rule applies to method and path. A rule
// without a pattern matches every path; a rule without methods matches every
// method.
func (r *Rule) Matches(method, path string) bool {
	if len(r.Methods) > 0 {
		found := false
		for _, m := range r.Methods {
			if strings.EqualFold(m, method) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return r.re == nil || r.re.MatchString(path)
}

func (r *Rule) compile() error {
	if r.Pattern == "" {
		r.re = nil
		return nil
	}
	re, err := regexp.Compile(r.Pattern)
	if err != nil {
		return fmt.Errorf("rule %q: invalid pattern: %w", r.Name, err)
	}
	r.re = re
	return nil
}

// Table is an ordered rule set. Deny rules are evaluated first, then allow
// rules in order, then Default.
type Table struct {
	Deny    []Rule `yaml:"deny"`
	Allow   []Rule `yaml:"allow"`
	Default Rule   `yaml:"default"`

	compiled bool
}

// Compile validates the table and compiles its patterns. It must succeed
// before the table is used for classification.
func (t *Table) Compile() error {
	var errs []error

	for i := range t.Deny {
		r := &t.Deny[i]
		if r.Name == "" {
			r.Name = fmt.Sprintf("deny-%d", i)
		}
		if r.Pattern == "" {
			errs = append(errs, fmt.Errorf("deny rule %q: pattern is required", r.Name))
		}
		if r.Cacheable {
			errs = append(errs, fmt.Errorf("deny rule %q: must not be cacheable", r.Name))
		}
		if r.Queueable {
			errs = append(errs, fmt.Errorf("deny rule %q: must not be queueable", r.Name))
		}
		if r.Strategy != "" && r.Strategy != NetworkOnly {
			errs = append(errs, fmt.Errorf("deny rule %q: strategy must be %s", r.Name, NetworkOnly))
		}
		r.Strategy = NetworkOnly
		if err := r.compile(); err != nil {
			errs = append(errs, err)
		}
	}

	for i := range t.Allow {
		r := &t.Allow[i]
		if r.Name == "" {
			r.Name = fmt.Sprintf("allow-%d", i)
		}
		if r.Pattern == "" {
			errs = append(errs, fmt.Errorf("allow rule %q: pattern is required", r.Name))
		}
		errs = append(errs, validateTarget(r)...)
		if err := r.compile(); err != nil {
			errs = append(errs, err)
		}
	}

	d := &t.Default
	if d.Name == "" {
		d.Name = "default"
	}
	if d.Kind == "" {
		d.Kind = namespace.KindDynamic
	}
	if d.Strategy == "" {
		d.Strategy = NetworkFirst
	}
	d.Pattern = ""
	d.Methods = nil
	errs = append(errs, validateTarget(d)...)
	d.re = nil

	if err := errors.Join(errs...); err != nil {
		return err
	}
	t.compiled = true
	return nil
}

func validateTarget(r *Rule) []error {
	var errs []error
	if !r.Kind.Valid() {
		errs = append(errs, fmt.Errorf("rule %q: unknown kind %q", r.Name, r.Kind))
	}
	if !r.Strategy.Valid() {
		errs = append(errs, fmt.Errorf("rule %q: unknown strategy %q", r.Name, r.Strategy))
	}
	if r.Strategy == NetworkOnly && r.Cacheable {
		errs = append(errs, fmt.Errorf("rule %q: network-only rule cannot be cacheable", r.Name))
	}
	return errs
}

// ParseTable decodes and compiles a YAML rule table.
func ParseTable(data []byte) (*Table, error) {
	var t Table
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("parse rule table: %w", err)
	}
	if err := t.Compile(); err != nil {
		return nil, fmt.Errorf("invalid rule table: %w", err)
	}
	return &t, nil
}

// LoadTable reads and compiles a YAML rule table from path.
func LoadTable(path string) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rule table %s: %w", path, err)
	}
	return ParseTable(data)
}

// DefaultTable returns the built-in rule table.
func DefaultTable() *Table {
	t := &Table{
		Deny: []Rule{
			{Name: "auth", Pattern: `(?i)^/api/auth(/|$)`},
			{Name: "sync", Pattern: `(?i)^/api/sync(/|$)`},
			{Name: "analytics", Pattern: `(?i)^/api/analytics(/|$)`},
		},
		Allow: []Rule{
			{
				Name:      "health-data",
				Pattern:   `^/api/(health-data|symptoms|medications|vitals)(/|$)`,
				Kind:      namespace.KindHealthData,
				Strategy:  NetworkFirst,
				Cacheable: true,
				Queueable: true,
			},
			{
				Name:      "education",
				Pattern:   `^/api/education(/|$)`,
				Kind:      namespace.KindDynamic,
				Strategy:  StaleWhileRevalidate,
				Cacheable: true,
			},
			{
				Name:      "images",
				Pattern:   `(?i)\.(png|jpe?g|gif|webp|svg|ico)$`,
				Kind:      namespace.KindImage,
				Strategy:  StaleWhileRevalidate,
				Cacheable: true,
			},
			{
				Name:      "shell",
				Pattern:   `^/($|index\.html$|offline\.html$|manifest\.json$|static/)|\.(js|css|woff2?)$`,
				Kind:      namespace.KindShell,
				Strategy:  CacheFirst,
				Cacheable: true,
			},
		},
		Default: Rule{
			Name:      "default",
			Kind:      namespace.KindDynamic,
			Strategy:  NetworkFirst,
			Cacheable: true,
		},
	}
	if err := t.Compile(); err != nil {
		panic(fmt.Sprintf("default rule table: %v", err))
	}
	return t
}
