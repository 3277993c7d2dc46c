package trust

import (
	"fmt"
	"path/filepath"

	"github.com/skillfence/skillfence/internal/capability"
	"github.com/skillfence/skillfence/internal/logger"
)

var log = logger.New("trust")

// AssembleInput carries the per-request configuration the capability
// factories need.
type AssembleInput struct {
	// Workdir is the jail root. Required for any level above none.
	Workdir string

	// AllowedHosts gates the fetch capability. Empty means fetch binds but
	// reaches nothing.
	AllowedHosts []string

	// WritableSubdirs restricts writes below the jail root at the write and
	// shell levels. Empty means the whole jail is writable once writes are
	// enabled.
	WritableSubdirs []string

	// ExtraCommands extends the default shell allowlist. An extra entry
	// with the same binary name overrides the default entry.
	ExtraCommands []capability.CommandSpec

	// Predict and Embed enable the llm opcode family when set.
	Predict capability.PredictFunc
	Embed   capability.EmbedFunc

	// Hooks are fanned out to every constructed capability.
	FSHooks    capability.FSHooks
	ShellHooks capability.ShellHooks
	FetchHooks capability.FetchHooks
	LLMHooks   capability.LLMHooks
}

// DefaultCommands is the built-in shell allowlist: read-only text utilities
// that cannot mutate state even with hostile flags.
func DefaultCommands() []capability.CommandSpec {
	names := []string{"echo", "ls", "cat", "head", "tail", "grep", "wc", "sort", "uniq", "cut", "date", "pwd", "basename", "dirname"}
	specs := make([]capability.CommandSpec, 0, len(names))
	for _, n := range names {
		specs = append(specs, capability.CommandSpec{Binary: n})
	}
	return specs
}

// Assemble builds the capability table for a trust level. Assembly is
// monotonic: each level starts from the prior level's set and adds or relaxes
// one capability. Full relaxes all writes and deletes but still enforces the
// shell allowlist; no level reaches an unrestricted shell.
func Assemble(level Level, in AssembleInput) (capability.Table, error) {
	table := capability.Table{}
	if level == LevelNone {
		return table, nil
	}
	if in.Workdir == "" {
		return nil, fmt.Errorf("trust: workdir is required at level %s", level)
	}

	// network: outbound fetch.
	if level >= LevelNetwork {
		fetch := capability.NewFetch(capability.FetchConfig{
			AllowedHosts: in.AllowedHosts,
			Hooks:        in.FetchHooks,
		})
		merge(table, fetch.Bind())
	}

	// read: jailed read-only filesystem.
	if level >= LevelRead {
		fs, err := capability.NewFileSystem(capability.FSConfig{
			Root:  in.Workdir,
			Hooks: in.FSHooks,
		})
		if err != nil {
			return nil, err
		}
		merge(table, fs.Bind())
	}

	// llm: guarded model access, when the host injected a client.
	if level >= LevelLLM && in.Predict != nil {
		llm, err := capability.NewLLM(capability.LLMConfig{
			Predict: in.Predict,
			Embed:   in.Embed,
			Hooks:   in.LLMHooks,
		})
		if err != nil {
			return nil, err
		}
		merge(table, llm.Bind())
	}

	// write: write-family opcodes restricted to the declared subdirectories.
	// Read opcodes keep the whole-jail view bound above.
	if level >= LevelWrite && level < LevelFull {
		fs, err := capability.NewFileSystem(capability.FSConfig{
			Root:          in.Workdir,
			AllowPatterns: writablePatterns(in.WritableSubdirs),
			AllowWrite:    true,
			AllowCreate:   true,
			Hooks:         in.FSHooks,
		})
		if err != nil {
			return nil, err
		}
		mergeOps(table, fs.Bind(), "write", "mkdir", "delete")
	}

	// shell: the command allowlist.
	if level >= LevelShell {
		shell, err := capability.NewShell(capability.ShellConfig{
			Workdir:  in.Workdir,
			Commands: mergeCommands(DefaultCommands(), in.ExtraCommands),
			Hooks:    in.ShellHooks,
		})
		if err != nil {
			return nil, err
		}
		merge(table, shell.Bind())
	}

	// full: relax writes and deletes across the whole jail.
	if level >= LevelFull {
		fs, err := capability.NewFileSystem(capability.FSConfig{
			Root:        in.Workdir,
			AllowWrite:  true,
			AllowCreate: true,
			AllowDelete: true,
			Hooks:       in.FSHooks,
		})
		if err != nil {
			return nil, err
		}
		merge(table, fs.Bind())
	}

	log.Debug("assembled %d opcodes for level %s", len(table), level)
	return table, nil
}

func merge(dst, src capability.Table) {
	for k, v := range src {
		dst[k] = v
	}
}

// mergeOps copies only the named opcodes from src.
func mergeOps(dst, src capability.Table, ops ...string) {
	for _, op := range ops {
		if f, ok := src[op]; ok {
			dst[op] = f
		}
	}
}

// writablePatterns turns subdirectory names into allow globs for the
// write-family filesystem instance.
func writablePatterns(subdirs []string) []string {
	if len(subdirs) == 0 {
		return nil
	}
	patterns := make([]string, 0, len(subdirs)*2)
	for _, d := range subdirs {
		d = filepath.ToSlash(filepath.Clean(d))
		patterns = append(patterns, d, d+"/**")
	}
	return patterns
}

// mergeCommands appends extras to the defaults; an extra with the same binary
// name wins over the default entry.
func mergeCommands(defaults, extras []capability.CommandSpec) []capability.CommandSpec {
	byName := make(map[string]int, len(defaults))
	out := append([]capability.CommandSpec(nil), defaults...)
	for i, spec := range out {
		byName[spec.Binary] = i
	}
	for _, spec := range extras {
		if i, ok := byName[spec.Binary]; ok {
			out[i] = spec
			continue
		}
		byName[spec.Binary] = len(out)
		out = append(out, spec)
	}
	return out
}
