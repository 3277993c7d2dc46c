// Package trust maps request provenance and declared trust levels to
// capability sets, fuel budgets, and timeouts.
package trust

import (
	"fmt"
	"time"
)

// Level is a rung on the trust ladder. Strictly totally ordered; each level
// implies strictly more authority than the prior.
type Level int

const (
	LevelNone Level = iota
	LevelNetwork
	LevelRead
	LevelLLM
	LevelWrite
	LevelShell
	LevelFull
)

var levelNames = map[Level]string{
	LevelNone:    "none",
	LevelNetwork: "network",
	LevelRead:    "read",
	LevelLLM:     "llm",
	LevelWrite:   "write",
	LevelShell:   "shell",
	LevelFull:    "full",
}

func (l Level) String() string {
	if name, ok := levelNames[l]; ok {
		return name
	}
	return fmt.Sprintf("level(%d)", int(l))
}

// Valid reports whether l is a known level.
func (l Level) Valid() bool {
	_, ok := levelNames[l]
	return ok
}

// ParseLevel converts a string to a Level.
func ParseLevel(s string) (Level, error) {
	for l, name := range levelNames {
		if name == s {
			return l, nil
		}
	}
	return 0, fmt.Errorf("unknown trust level %q", s)
}

// Provenance names who initiated a request.
type Provenance string

const (
	ProvenanceMain   Provenance = "main"
	ProvenanceDM     Provenance = "dm"
	ProvenanceGroup  Provenance = "group"
	ProvenancePublic Provenance = "public"
)

// Valid reports whether p is a known provenance tag.
func (p Provenance) Valid() bool {
	switch p {
	case ProvenanceMain, ProvenanceDM, ProvenanceGroup, ProvenancePublic:
		return true
	}
	return false
}

// ceilings map provenance to the highest level it may run.
var ceilings = map[Provenance]Level{
	ProvenanceMain:   LevelFull,
	ProvenanceDM:     LevelWrite,
	ProvenanceGroup:  LevelLLM,
	ProvenancePublic: LevelNetwork,
}

// Ceiling returns the maximum level a provenance may run. Unknown provenance
// is treated as public.
func Ceiling(p Provenance) Level {
	if l, ok := ceilings[p]; ok {
		return l
	}
	return LevelNetwork
}

// Permitted reports whether a skill declared at level may run for requests of
// provenance p.
func Permitted(level Level, p Provenance) bool {
	return level <= Ceiling(p)
}

// fuelBudgets and timeouts are the per-level defaults.
var fuelBudgets = map[Level]uint64{
	LevelNone:    100,
	LevelNetwork: 500,
	LevelRead:    500,
	LevelLLM:     2000,
	LevelWrite:   1000,
	LevelShell:   2000,
	LevelFull:    5000,
}

var timeouts = map[Level]time.Duration{
	LevelNone:    5 * time.Second,
	LevelNetwork: 30 * time.Second,
	LevelRead:    15 * time.Second,
	LevelLLM:     120 * time.Second,
	LevelWrite:   30 * time.Second,
	LevelShell:   60 * time.Second,
	LevelFull:    300 * time.Second,
}

// FuelBudget returns the default interpreter fuel for a level.
func FuelBudget(l Level) uint64 {
	if f, ok := fuelBudgets[l]; ok {
		return f
	}
	return fuelBudgets[LevelNone]
}

// Timeout returns the default wall-clock bound for a level.
func Timeout(l Level) time.Duration {
	if t, ok := timeouts[l]; ok {
		return t
	}
	return timeouts[LevelNone]
}

// capabilityLevels maps capability-name strings found in a skill's
// declaration (or source sweep) to the minimum level that satisfies them.
var capabilityLevels = map[string]Level{
	"fetch":   LevelNetwork,
	"http":    LevelNetwork,
	"url":     LevelNetwork,
	"read":    LevelRead,
	"list":    LevelRead,
	"stat":    LevelRead,
	"exists":  LevelRead,
	"llm":     LevelLLM,
	"predict": LevelLLM,
	"embed":   LevelLLM,
	"write":   LevelWrite,
	"mkdir":   LevelWrite,
	"delete":  LevelWrite,
	"exec":    LevelShell,
	"spawn":   LevelShell,
	"shell":   LevelShell,
}

// InferLevel maps a set of capability names to the minimum trust level that
// satisfies all of them.
func InferLevel(capabilities []string) Level {
	level := LevelNone
	for _, name := range capabilities {
		if l, ok := capabilityLevels[name]; ok && l > level {
			level = l
		}
	}
	return level
}
