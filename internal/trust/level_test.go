package trust

import (
	"testing"
	"time"
)

func TestLevelOrdering(t *testing.T) {
	ordered := []Level{LevelNone, LevelNetwork, LevelRead, LevelLLM, LevelWrite, LevelShell, LevelFull}
	for i := 1; i < len(ordered); i++ {
		if ordered[i-1] >= ordered[i] {
			t.Errorf("%s should be below %s", ordered[i-1], ordered[i])
		}
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    Level
		wantErr bool
	}{
		{"none", LevelNone, false},
		{"network", LevelNetwork, false},
		{"read", LevelRead, false},
		{"llm", LevelLLM, false},
		{"write", LevelWrite, false},
		{"shell", LevelShell, false},
		{"full", LevelFull, false},
		{"root", 0, true},
		{"", 0, true},
		{"FULL", 0, true},
	}

	for _, tt := range tests {
		got, err := ParseLevel(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseLevel(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if err == nil && got != tt.want {
			t.Errorf("ParseLevel(%q) = %s, want %s", tt.in, got, tt.want)
		}
	}
}

func TestCeilings(t *testing.T) {
	tests := []struct {
		p    Provenance
		want Level
	}{
		{ProvenanceMain, LevelFull},
		{ProvenanceDM, LevelWrite},
		{ProvenanceGroup, LevelLLM},
		{ProvenancePublic, LevelNetwork},
		{Provenance("weird"), LevelNetwork},
	}
	for _, tt := range tests {
		if got := Ceiling(tt.p); got != tt.want {
			t.Errorf("Ceiling(%s) = %s, want %s", tt.p, got, tt.want)
		}
	}
}

func TestPermitted(t *testing.T) {
	tests := []struct {
		level Level
		p     Provenance
		want  bool
	}{
		{LevelFull, ProvenanceMain, true},
		{LevelShell, ProvenanceMain, true},
		{LevelShell, ProvenanceDM, false},
		{LevelFull, ProvenanceDM, false},
		{LevelWrite, ProvenanceDM, true},
		{LevelWrite, ProvenanceGroup, false},
		{LevelLLM, ProvenanceGroup, true},
		{LevelShell, ProvenancePublic, false},
		{LevelRead, ProvenancePublic, false},
		{LevelNetwork, ProvenancePublic, true},
		{LevelNone, ProvenancePublic, true},
	}
	for _, tt := range tests {
		if got := Permitted(tt.level, tt.p); got != tt.want {
			t.Errorf("Permitted(%s, %s) = %v, want %v", tt.level, tt.p, got, tt.want)
		}
	}
}

func TestBudgets(t *testing.T) {
	if FuelBudget(LevelNone) != 100 || FuelBudget(LevelFull) != 5000 || FuelBudget(LevelShell) != 2000 {
		t.Error("unexpected fuel budgets")
	}
	if Timeout(LevelNone) != 5*time.Second || Timeout(LevelLLM) != 120*time.Second || Timeout(LevelFull) != 300*time.Second {
		t.Error("unexpected timeouts")
	}
}

func TestInferLevel(t *testing.T) {
	tests := []struct {
		caps []string
		want Level
	}{
		{nil, LevelNone},
		{[]string{"fetch"}, LevelNetwork},
		{[]string{"read", "list"}, LevelRead},
		{[]string{"read", "llm"}, LevelLLM},
		{[]string{"write"}, LevelWrite},
		{[]string{"exec"}, LevelShell},
		{[]string{"spawn"}, LevelShell},
		{[]string{"shell", "read"}, LevelShell},
		{[]string{"fetch", "write", "llm"}, LevelWrite},
		{[]string{"unknown"}, LevelNone},
	}
	for _, tt := range tests {
		if got := InferLevel(tt.caps); got != tt.want {
			t.Errorf("InferLevel(%v) = %s, want %s", tt.caps, got, tt.want)
		}
	}
}
