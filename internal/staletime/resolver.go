// Package staletime maps logical query names to cache freshness durations.
//
// Lookup is an exact match first, then the first table entry (in declaration
// order) whose key is a case-insensitive substring of the query name, then a
// fixed default. Declaration order is part of the contract: a query that
// contains several entry keys resolves to whichever was declared first, not
// to the most specific one.
package staletime

import (
	"fmt"
	"strings"
	"time"

	"github.com/goodtune/lexgate/internal/config"
)

// DefaultStaleTime is returned when no table entry matches.
const DefaultStaleTime = 10 * time.Minute

// Freshness tiers used by the built-in table.
const (
	Realtime = 1 * time.Minute
	Short    = 5 * time.Minute
	Medium   = 10 * time.Minute
	Long     = 30 * time.Minute
	Static   = 24 * time.Hour
)

// Entry is one row of the table.
type Entry struct {
	Key string
	TTL time.Duration
}

// Resolver answers stale-time lookups. It is immutable after construction and
// safe for concurrent use.
type Resolver struct {
	entries  []Entry
	lowered  []string
	exact    map[string]time.Duration
	fallback time.Duration
}

// DefaultEntries returns the built-in table in declaration order.
func DefaultEntries() []Entry {
	return []Entry{
		{Key: "noticias", TTL: Realtime},
		{Key: "boletins", TTL: Short},
		{Key: "resenha-diaria", TTL: Short},
		{Key: "novidades", TTL: Short},
		{Key: "perfil", TTL: Short},
		{Key: "assinatura", TTL: Short},
		{Key: "favoritos", TTL: Short},
		{Key: "progresso", TTL: Short},
		{Key: "questoes", TTL: Medium},
		{Key: "simulados", TTL: Medium},
		{Key: "flashcards", TTL: Long},
		{Key: "artigos", TTL: Long},
		{Key: "resumos", TTL: Long},
		{Key: "videoaulas", TTL: Long},
		{Key: "audioaulas", TTL: Long},
		{Key: "mapas-mentais", TTL: Long},
		{Key: "blog", TTL: Long},
		{Key: "vade-mecum", TTL: Static},
		{Key: "codigos", TTL: Static},
		{Key: "constituicao", TTL: Static},
		{Key: "estatutos", TTL: Static},
		{Key: "sumulas", TTL: Static},
		{Key: "glossario", TTL: Static},
	}
}

// New builds a resolver over entries. A zero fallback means DefaultStaleTime.
// When two entries share a key the first one wins, for both exact and
// substring lookups.
func New(entries []Entry, fallback time.Duration) *Resolver {
	if fallback <= 0 {
		fallback = DefaultStaleTime
	}
	r := &Resolver{
		entries:  make([]Entry, 0, len(entries)),
		lowered:  make([]string, 0, len(entries)),
		exact:    make(map[string]time.Duration, len(entries)),
		fallback: fallback,
	}
	for _, e := range entries {
		if e.Key == "" {
			continue
		}
		if _, dup := r.exact[e.Key]; dup {
			continue
		}
		r.entries = append(r.entries, e)
		r.lowered = append(r.lowered, strings.ToLower(e.Key))
		r.exact[e.Key] = e.TTL
	}
	return r
}

// NewDefault builds a resolver over the built-in table.
func NewDefault() *Resolver {
	return New(DefaultEntries(), DefaultStaleTime)
}

// FromConfig builds a resolver from the governance configuration, falling back
// to the built-in table when none is configured.
func FromConfig(g config.GovernanceConfig) (*Resolver, error) {
	fallback := config.ParseDuration(g.DefaultStaleTime, DefaultStaleTime)
	if len(g.StaleTimes) == 0 {
		return New(DefaultEntries(), fallback), nil
	}

	entries := make([]Entry, 0, len(g.StaleTimes))
	for i, row := range g.StaleTimes {
		d, err := time.ParseDuration(row.TTL)
		if err != nil {
			return nil, fmt.Errorf("stale_times[%d] (%s): %w", i, row.Key, err)
		}
		entries = append(entries, Entry{Key: row.Key, TTL: d})
	}
	return New(entries, fallback), nil
}

// StaleTime resolves a single query name.
func (r *Resolver) StaleTime(key string) time.Duration {
	ttl, _ := r.Match(key)
	return ttl
}

// StaleTimeFor resolves a query key given as a list; the first element is
// the identifier. An empty list resolves to the default.
func (r *Resolver) StaleTimeFor(queryKey []string) time.Duration {
	if len(queryKey) == 0 {
		return r.fallback
	}
	return r.StaleTime(queryKey[0])
}

// Match resolves key and also reports which table entry matched. The
// returned key is empty when the default was used.
func (r *Resolver) Match(key string) (time.Duration, string) {
	if ttl, ok := r.exact[key]; ok {
		return ttl, key
	}

	lower := strings.ToLower(key)
	for i, entryKey := range r.lowered {
		if strings.Contains(lower, entryKey) {
			return r.entries[i].TTL, r.entries[i].Key
		}
	}

	return r.fallback, ""
}

// Default returns the duration used when nothing matches.
func (r *Resolver) Default() time.Duration {
	return r.fallback
}

// Entries returns a copy of the table in declaration order.
func (r *Resolver) Entries() []Entry {
	out := make([]Entry, len(r.entries))
	copy(out, r.entries)
	return out
}
