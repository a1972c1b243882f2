// Package contentgate decides how much of a content list a non-subscriber
// may see. The leading items of a list stay visible in their original order;
// the rest are locked behind the paywall.
package contentgate

import (
	"math"
	"sort"

	"github.com/goodtune/lexgate/internal/config"
	"github.com/goodtune/lexgate/internal/metrics"
	"github.com/goodtune/lexgate/internal/subscription"
	"github.com/rs/zerolog"
)

// DefaultFraction applies to categories missing from the table.
const DefaultFraction = 0.20

// ceil(total*fraction) would otherwise round 0.3*10 up to 4.
const epsilon = 1e-9

// Policy is either a visible fraction or an absolute visible count. A
// positive Count takes precedence.
type Policy struct {
	Fraction float64 `json:"fraction,omitempty"`
	Count    int     `json:"count,omitempty"`
}

// IsCount reports whether p is an absolute-count policy.
func (p Policy) IsCount() bool {
	return p.Count > 0
}

// DefaultPolicies is the built-in category table.
func DefaultPolicies() map[string]Policy {
	return map[string]Policy{
		"flashcards":       {Fraction: 0.20},
		"questoes":         {Fraction: 0.20},
		"artigos":          {Fraction: 0.30},
		"videoaulas":       {Fraction: 0.25},
		"audioaulas":       {Fraction: 0.25},
		"resumos":          {Fraction: 0.20},
		"mapas-mentais":    {Fraction: 0.15},
		"politica-artigos": {Count: 3},
	}
}

// Gate evaluates lists against the category table. It is immutable and safe
// for concurrent use.
type Gate struct {
	policies map[string]Policy
	fallback Policy
	logger   zerolog.Logger
}

// New creates a gate. A fraction outside (0, 1] means DefaultFraction.
func New(policies map[string]Policy, defaultFraction float64, logger zerolog.Logger) *Gate {
	if defaultFraction <= 0 || defaultFraction > 1 {
		defaultFraction = DefaultFraction
	}
	copied := make(map[string]Policy, len(policies))
	for k, v := range policies {
		copied[k] = v
	}
	return &Gate{
		policies: copied,
		fallback: Policy{Fraction: defaultFraction},
		logger:   logger.With().Str("component", "content-gate").Logger(),
	}
}

// NewDefault creates a gate over the built-in table.
func NewDefault(logger zerolog.Logger) *Gate {
	return New(DefaultPolicies(), DefaultFraction, logger)
}

// FromConfig creates a gate from governance settings. An empty
// content_limits section keeps the built-in categories.
func FromConfig(g config.GovernanceConfig, logger zerolog.Logger) *Gate {
	policies := DefaultPolicies()
	if len(g.ContentLimits) > 0 {
		policies = make(map[string]Policy, len(g.ContentLimits))
		for category, l := range g.ContentLimits {
			policies[category] = Policy{Fraction: l.Fraction, Count: l.Count}
		}
	}
	return New(policies, g.DefaultContentFraction, logger)
}

// Policy returns the policy of category and whether it was configured.
func (g *Gate) Policy(category string) (Policy, bool) {
	p, ok := g.policies[category]
	if !ok {
		return g.fallback, false
	}
	return p, true
}

// Categories lists configured categories in name order.
func (g *Gate) Categories() []string {
	out := make([]string, 0, len(g.policies))
	for k := range g.policies {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// VisibleCount is the number of leading items a non-subscriber sees out of
// total. It is at least one for any non-empty list and never exceeds total.
func (g *Gate) VisibleCount(total int, category string) int {
	if total <= 0 {
		return 0
	}

	p, _ := g.Policy(category)

	var visible int
	if p.IsCount() {
		visible = p.Count
	} else {
		// 10*0.3 is 3.0000000000000004 in float64; an unadjusted ceil gives 4.
		visible = int(math.Ceil(float64(total)*p.Fraction - epsilon))
	}

	if visible < 1 {
		visible = 1
	}
	if visible > total {
		visible = total
	}
	return visible
}

// Cutoff is the index of the first locked item for status. Subscribers and
// unresolved statuses see everything.
func (g *Gate) Cutoff(total int, category string, status subscription.Status) int {
	if status.Bypass() {
		return max(total, 0)
	}
	return g.VisibleCount(total, category)
}

// IsItemLocked reports whether the item at index of a list of total items is
// locked. It agrees with Apply for every index.
func (g *Gate) IsItemLocked(index, total int, category string, status subscription.Status) bool {
	return index >= g.Cutoff(total, category, status)
}

// LimitPercentage is the share of the list shown to status, in percent.
func (g *Gate) LimitPercentage(total int, category string, status subscription.Status) int {
	if status.Bypass() {
		return 100
	}

	p, _ := g.Policy(category)
	if !p.IsCount() {
		return int(math.Round(p.Fraction * 100))
	}
	if total <= 0 {
		return 100
	}
	return int(math.Round(float64(g.VisibleCount(total, category)) * 100 / float64(total)))
}

// label bounds metric cardinality to configured categories.
func (g *Gate) label(category string) string {
	if _, ok := g.policies[category]; ok {
		return category
	}
	return "other"
}

// Result is a gated list.
type Result[T any] struct {
	VisibleItems      []T  `json:"visible_items"`
	LockedItems       []T  `json:"locked_items"`
	TotalCount        int  `json:"total_count"`
	VisibleCount      int  `json:"visible_count"`
	LockedCount       int  `json:"locked_count"`
	IsPremiumRequired bool `json:"is_premium_required"`
	LimitPercentage   int  `json:"limit_percentage"`
}

// Apply splits items into the visible prefix and the locked remainder. The
// returned slices share storage with items.
func Apply[T any](g *Gate, items []T, category string, status subscription.Status) Result[T] {
	total := len(items)
	cutoff := g.Cutoff(total, category, status)

	res := Result[T]{
		VisibleItems:      items[:cutoff:cutoff],
		LockedItems:       items[cutoff:],
		TotalCount:        total,
		VisibleCount:      cutoff,
		LockedCount:       total - cutoff,
		IsPremiumRequired: cutoff < total,
		LimitPercentage:   g.LimitPercentage(total, category, status),
	}
	if res.VisibleItems == nil {
		res.VisibleItems = []T{}
	}
	if res.LockedItems == nil {
		res.LockedItems = []T{}
	}

	outcome := "open"
	switch {
	case status.Bypass():
		outcome = "bypass"
	case res.IsPremiumRequired:
		outcome = "locked"
	}
	metrics.ContentGateEvaluations.WithLabelValues(g.label(category), outcome).Inc()

	g.logger.Debug().
		Str("category", category).
		Int("total", total).
		Int("visible", res.VisibleCount).
		Bool("premium", status.IsPremium).
		Bool("loading", status.Loading).
		Msg("Gated content list")

	return res
}
