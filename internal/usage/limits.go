package usage

import (
	"sort"

	"github.com/goodtune/lexgate/internal/config"
	"github.com/goodtune/lexgate/internal/subscription"
)

// DefaultLimit applies to features missing from the table.
var DefaultLimit = Limit{Free: 3, Premium: DefaultSentinel}

// DefaultLimits is the built-in feature table.
func DefaultLimits() map[string]Limit {
	return map[string]Limit{
		"plano-estudos":    {Free: 1, Premium: DefaultSentinel},
		"resumo-ia":        {Free: 3, Premium: DefaultSentinel},
		"flashcards-ia":    {Free: 5, Premium: 50},
		"questoes-ia":      {Free: 5, Premium: DefaultSentinel},
		"chat-professora":  {Free: 10, Premium: DefaultSentinel},
		"mapa-mental":      {Free: 2, Premium: 20},
		"analise-peca":     {Free: 1, Premium: 30},
		"correcao-redacao": {Free: 1, Premium: 10},
	}
}

// Table maps feature names to limits with an explicit default.
type Table struct {
	limits   map[string]Limit
	fallback Limit
	sentinel int
}

// NewTable builds a table. A non-positive sentinel means DefaultSentinel.
func NewTable(limits map[string]Limit, fallback Limit, sentinel int) *Table {
	if sentinel <= 0 {
		sentinel = DefaultSentinel
	}
	copied := make(map[string]Limit, len(limits))
	for k, v := range limits {
		copied[k] = v
	}
	return &Table{limits: copied, fallback: fallback, sentinel: sentinel}
}

// NewDefaultTable builds the built-in table.
func NewDefaultTable() *Table {
	return NewTable(DefaultLimits(), DefaultLimit, DefaultSentinel)
}

// TableFromConfig builds a table from governance settings. An empty
// daily_limits section keeps the built-in features.
func TableFromConfig(g config.GovernanceConfig) *Table {
	limits := DefaultLimits()
	if len(g.DailyLimits) > 0 {
		limits = make(map[string]Limit, len(g.DailyLimits))
		for feature, l := range g.DailyLimits {
			limits[feature] = Limit{Free: l.Free, Premium: l.Premium}
		}
	}

	fallback := DefaultLimit
	if g.DefaultDailyLimit != (config.DailyLimitEntry{}) {
		fallback = Limit{Free: g.DefaultDailyLimit.Free, Premium: g.DefaultDailyLimit.Premium}
	}

	return NewTable(limits, fallback, g.UnlimitedSentinel)
}

// Lookup returns the limit of feature and whether it was configured.
func (t *Table) Lookup(feature string) (Limit, bool) {
	l, ok := t.limits[feature]
	if !ok {
		return t.fallback, false
	}
	return l, true
}

// label bounds metric cardinality to configured features.
func (t *Table) label(feature string) string {
	if _, ok := t.limits[feature]; ok {
		return feature
	}
	return "other"
}

// Sentinel returns the unlimited threshold.
func (t *Table) Sentinel() int {
	return t.sentinel
}

// Features lists configured features in name order.
func (t *Table) Features() []string {
	out := make([]string, 0, len(t.limits))
	for k := range t.limits {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Evaluate derives the caller-facing state from a limit and a count.
func (t *Table) Evaluate(feature string, used int, status subscription.Status) State {
	limit, _ := t.Lookup(feature)

	limitToday := limit.Free
	if status.IsPremium {
		limitToday = limit.Premium
	}
	unlimited := limitToday >= t.sentinel

	remaining := t.sentinel
	if !unlimited {
		remaining = limitToday - used
		if remaining < 0 {
			remaining = 0
		}
	}

	return State{
		Feature:       feature,
		CanUse:        unlimited || used < limitToday,
		UsedToday:     used,
		LimitToday:    limitToday,
		RemainingUses: remaining,
		IsUnlimited:   unlimited,
		Loading:       status.Loading,
	}
}
