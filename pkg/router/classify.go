package router

import (
	"net/http"
	"path"
	"strings"
	"sync/atomic"

	"github.com/Sternrassler/offline-health-cache/pkg/namespace"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var decisionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "offline_router_decisions_total",
	Help: "Total classification decisions by rule and strategy",
}, []string{"rule", "strategy"})

// Decision is the outcome of classifying one request.
type Decision struct {
	// Rule is the name of the rule that matched
	Rule string

	// Denied is set when a deny rule matched
	Denied bool

	Cacheable bool
	Kind      namespace.Kind
	Strategy  Strategy

	// Queueable writes are captured by the mutation queue when the network
	// is unavailable
	Queueable bool
}

// CanonicalPath returns the form of p that rules are matched against: dot
// segments and repeated slashes are collapsed and the result is rooted. A
// trailing slash is kept.
func CanonicalPath(p string) string {
	if p == "" {
		return "/"
	}
	if p[0] != '/' {
		p = "/" + p
	}
	clean := path.Clean(p)
	if strings.HasSuffix(p, "/") && clean != "/" {
		clean += "/"
	}
	return clean
}

// Classify evaluates t for method and the canonical form of p. It is a pure
// function: the same input always yields the same Decision.
//
// Deny rules win over everything. Only GET requests are cacheable; other
// methods are routed network-only but keep the matched kind and Queueable
// flag.
func Classify(t *Table, method, p string) Decision {
	p = CanonicalPath(p)
	method = strings.ToUpper(method)
	if method == "" {
		method = http.MethodGet
	}

	for i := range t.Deny {
		r := &t.Deny[i]
		if r.Matches(method, p) {
			return Decision{Rule: r.Name, Denied: true, Strategy: NetworkOnly}
		}
	}

	rule := &t.Default
	for i := range t.Allow {
		if t.Allow[i].Matches(method, p) {
			rule = &t.Allow[i]
			break
		}
	}

	d := Decision{
		Rule:      rule.Name,
		Cacheable: rule.Cacheable && method == http.MethodGet,
		Kind:      rule.Kind,
		Strategy:  rule.Strategy,
	}
	if method != http.MethodGet {
		d.Queueable = rule.Queueable
	}
	if !d.Cacheable {
		d.Strategy = NetworkOnly
	}
	return d
}

// Overlap reports a path matched by both a deny and an allow rule.
type Overlap struct {
	Path  string
	Deny  string
	Allow string
}

// Overlaps lists the sample paths that match both a deny rule and an allow
// rule. Classify resolves each of them to the deny rule; the list exists so
// the precedence can be reviewed and tested.
func Overlaps(t *Table, paths []string) []Overlap {
	var out []Overlap
	for _, p := range paths {
		var deny, allow string
		for i := range t.Deny {
			if t.Deny[i].Matches(http.MethodGet, p) {
				deny = t.Deny[i].Name
				break
			}
		}
		if deny == "" {
			continue
		}
		for i := range t.Allow {
			if t.Allow[i].Matches(http.MethodGet, p) {
				allow = t.Allow[i].Name
				break
			}
		}
		if allow != "" {
			out = append(out, Overlap{Path: p, Deny: deny, Allow: allow})
		}
	}
	return out
}

// Classifier classifies requests against a rule table that can be replaced
// at runtime.
type Classifier struct {
	table atomic.Pointer[Table]
}

// NewClassifier creates a classifier. A nil table selects DefaultTable.
func NewClassifier(t *Table) (*Classifier, error) {
	c := &Classifier{}
	if t == nil {
		t = DefaultTable()
	}
	if err := c.Swap(t); err != nil {
		return nil, err
	}
	return c, nil
}

// Classify classifies method and path against the current table.
func (c *Classifier) Classify(method, path string) Decision {
	d := Classify(c.table.Load(), method, path)
	decisionsTotal.WithLabelValues(d.Rule, string(d.Strategy)).Inc()
	return d
}

// ClassifyRequest classifies req by its method and URL path.
func (c *Classifier) ClassifyRequest(req *http.Request) Decision {
	return c.Classify(req.Method, req.URL.Path)
}

// Swap atomically replaces the rule table. Uncompiled tables are compiled
// first; a table that fails validation is rejected and the old one kept.
func (c *Classifier) Swap(t *Table) error {
	if !t.compiled {
		if err := t.Compile(); err != nil {
			return err
		}
	}
	c.table.Store(t)
	return nil
}

// Table returns the table currently in use.
func (c *Classifier) Table() *Table {
	return c.table.Load()
}
