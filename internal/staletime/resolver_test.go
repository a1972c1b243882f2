package staletime

import (
	"testing"
	"time"

	"github.com/goodtune/lexgate/internal/config"
)

func TestStaleTime_BuiltinTable(t *testing.T) {
	r := NewDefault()

	tests := []struct {
		key  string
		want time.Duration
	}{
		{"noticias", Realtime},
		{"noticias_extra_suffix", Realtime},
		{"ultimas-NOTICIAS-stf", Realtime},
		{"vade-mecum", Static},
		{"codigos-penal", Static},
		{"flashcards", Long},
		{"questoes-oab", Medium},
		{"totally_unknown_key", DefaultStaleTime},
		{"", DefaultStaleTime},
	}

	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			if got := r.StaleTime(tt.key); got != tt.want {
				t.Errorf("StaleTime(%q) = %v, want %v", tt.key, got, tt.want)
			}
			// Pure: a second call agrees
			if got := r.StaleTime(tt.key); got != tt.want {
				t.Errorf("second StaleTime(%q) = %v, want %v", tt.key, got, tt.want)
			}
		})
	}
}

func TestStaleTime_DefaultIsTenMinutes(t *testing.T) {
	if DefaultStaleTime != 10*time.Minute {
		t.Fatalf("DefaultStaleTime = %v", DefaultStaleTime)
	}
	if got := New(nil, 0).StaleTime("anything"); got != 10*time.Minute {
		t.Fatalf("empty table StaleTime = %v, want 10m", got)
	}
}

func TestStaleTime_FirstDeclaredWins(t *testing.T) {
	r := New([]Entry{
		{Key: "artigos", TTL: time.Hour},
		{Key: "politica-artigos", TTL: time.Minute},
	}, 0)

	// Both keys are substrings; the earlier declaration wins over the more specific one
	if got := r.StaleTime("lista-politica-artigos"); got != time.Hour {
		t.Errorf("StaleTime = %v, want 1h", got)
	}
	// Exact match still beats the substring scan
	if got := r.StaleTime("politica-artigos"); got != time.Minute {
		t.Errorf("exact StaleTime = %v, want 1m", got)
	}

	_, matched := r.Match("lista-politica-artigos")
	if matched != "artigos" {
		t.Errorf("Match() entry = %q, want artigos", matched)
	}
}

func TestStaleTime_ExactIsCaseSensitive(t *testing.T) {
	r := New([]Entry{
		{Key: "perfil", TTL: time.Minute},
		{Key: "Perfil", TTL: time.Hour},
	}, 0)

	if got := r.StaleTime("Perfil"); got != time.Hour {
		t.Errorf("exact StaleTime(Perfil) = %v, want 1h", got)
	}
	// Substring scan is case-insensitive and the first entry is declared first
	if got := r.StaleTime("meu-PERFIL"); got != time.Minute {
		t.Errorf("StaleTime(meu-PERFIL) = %v, want 1m", got)
	}
}

func TestStaleTimeFor(t *testing.T) {
	r := NewDefault()

	if got := r.StaleTimeFor([]string{"noticias", "stf", "page-2"}); got != Realtime {
		t.Errorf("StaleTimeFor(noticias,...) = %v, want %v", got, Realtime)
	}
	if got := r.StaleTimeFor([]string{"zzz", "noticias"}); got != DefaultStaleTime {
		t.Errorf("only the first element is the identifier, got %v", got)
	}
	if got := r.StaleTimeFor(nil); got != DefaultStaleTime {
		t.Errorf("StaleTimeFor(nil) = %v, want default", got)
	}
}

func TestFromConfig(t *testing.T) {
	r, err := FromConfig(config.GovernanceConfig{
		DefaultStaleTime: "2m",
		StaleTimes: []config.StaleTimeEntry{
			{Key: "noticias", TTL: "15s"},
			{Key: "artigos", TTL: "1h"},
		},
	})
	if err != nil {
		t.Fatalf("FromConfig() error = %v", err)
	}
	if got := r.StaleTime("noticias-hoje"); got != 15*time.Second {
		t.Errorf("StaleTime = %v, want 15s", got)
	}
	if got := r.StaleTime("unknown"); got != 2*time.Minute {
		t.Errorf("configured default = %v, want 2m", got)
	}
	if len(r.Entries()) != 2 {
		t.Errorf("Entries() = %v", r.Entries())
	}

	// No table configured falls back to the built-in entries
	r, err = FromConfig(config.GovernanceConfig{DefaultStaleTime: "10m"})
	if err != nil {
		t.Fatalf("FromConfig() error = %v", err)
	}
	if got := r.StaleTime("noticias"); got != Realtime {
		t.Errorf("built-in StaleTime = %v, want %v", got, Realtime)
	}

	if _, err := FromConfig(config.GovernanceConfig{
		StaleTimes: []config.StaleTimeEntry{{Key: "x", TTL: "forever"}},
	}); err == nil {
		t.Error("FromConfig() expected error for invalid ttl")
	}
}
