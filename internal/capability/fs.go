package capability

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/gobwas/glob"

	"github.com/skillfence/skillfence/internal/logger"
	"github.com/skillfence/skillfence/internal/security"
)

var fsLog = logger.New("fs")

// Default size caps.
const (
	DefaultMaxReadBytes  = 10 << 20 // 10 MiB
	DefaultMaxWriteBytes = 1 << 20  // 1 MiB
)

// FSHooks receive detailed, non-opaque reasons for every decision.
type FSHooks struct {
	OnAccess  func(op, path string)
	OnBlocked func(op, path, reason string)
}

// FSConfig configures a FileSystem capability.
type FSConfig struct {
	// Root is the jail directory. Required; resolved to absolute form once.
	Root string

	// AllowPatterns are glob patterns (compiled with '/' separator) a
	// root-relative path must match. Empty means everything under Root.
	AllowPatterns []string

	// BlockPatterns are additional glob patterns refused on top of the
	// built-in security catalog.
	BlockPatterns []string

	AllowWrite  bool
	AllowCreate bool
	AllowDelete bool

	MaxReadBytes  int64
	MaxWriteBytes int64

	Hooks FSHooks
}

// FileSystem gates all file operations to a jail root.
type FileSystem struct {
	root     string
	allow    []glob.Glob
	block    []glob.Glob
	allowRaw []string

	allowWrite  bool
	allowCreate bool
	allowDelete bool

	maxRead  int64
	maxWrite int64

	hooks FSHooks
}

// FileInfo is the stat result surfaced to skills.
type FileInfo struct {
	Name    string    `json:"name"`
	Size    int64     `json:"size"`
	IsDir   bool      `json:"is_dir"`
	Mode    string    `json:"mode"`
	ModTime time.Time `json:"mod_time"`
}

// NewFileSystem builds a FileSystem capability rooted at cfg.Root.
func NewFileSystem(cfg FSConfig) (*FileSystem, error) {
	if cfg.Root == "" {
		return nil, fmt.Errorf("fs: jail root is required")
	}
	root, err := filepath.Abs(cfg.Root)
	if err != nil {
		return nil, fmt.Errorf("fs: resolve root: %w", err)
	}

	fs := &FileSystem{
		root:        filepath.Clean(root),
		allowWrite:  cfg.AllowWrite,
		allowCreate: cfg.AllowCreate,
		allowDelete: cfg.AllowDelete,
		maxRead:     cfg.MaxReadBytes,
		maxWrite:    cfg.MaxWriteBytes,
		hooks:       cfg.Hooks,
	}
	if fs.maxRead <= 0 {
		fs.maxRead = DefaultMaxReadBytes
	}
	if fs.maxWrite <= 0 {
		fs.maxWrite = DefaultMaxWriteBytes
	}

	patterns := cfg.AllowPatterns
	if len(patterns) == 0 {
		patterns = []string{"**"}
	}
	for _, p := range patterns {
		g, err := glob.Compile(p, '/')
		if err != nil {
			return nil, fmt.Errorf("fs: allow pattern %q: %w", p, err)
		}
		fs.allow = append(fs.allow, g)
		fs.allowRaw = append(fs.allowRaw, p)
	}
	for _, p := range cfg.BlockPatterns {
		g, err := glob.Compile(p, '/')
		if err != nil {
			return nil, fmt.Errorf("fs: block pattern %q: %w", p, err)
		}
		fs.block = append(fs.block, g)
	}
	return fs, nil
}

// Root returns the resolved jail root.
func (f *FileSystem) Root() string { return f.root }

func (f *FileSystem) blocked(op, path, reason string) error {
	fsLog.Debug("blocked %s %q: %s", op, path, reason)
	if f.hooks.OnBlocked != nil {
		f.hooks.OnBlocked(op, path, reason)
	}
	return refuseFS()
}

func (f *FileSystem) accessed(op, path string) {
	if f.hooks.OnAccess != nil {
		f.hooks.OnAccess(op, path)
	}
}

// resolve runs the admission algorithm shared by every operation and returns
// the absolute path inside the jail.
func (f *FileSystem) resolve(op, input string) (string, error) {
	p := strings.TrimSpace(input)
	if p == "" {
		return "", f.blocked(op, input, "empty path")
	}

	// Explicit home-directory syntax never enters the jail.
	if strings.HasPrefix(p, "~") {
		return "", f.blocked(op, input, "home directory reference")
	}

	if res := security.IsBlocked(p); res.Blocked {
		return "", f.blocked(op, input, res.Description)
	}

	// Resolve relative to the jail root and canonicalize lexically.
	abs := p
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(f.root, abs)
	}
	abs = filepath.Clean(abs)

	// Recompute the offset from the root; anything that climbs out is an
	// escape regardless of how it was spelled.
	rel, err := filepath.Rel(f.root, abs)
	if err != nil {
		return "", f.blocked(op, input, "path escapes jail root")
	}
	rel = filepath.ToSlash(rel)
	if rel == ".." || strings.HasPrefix(rel, "../") || filepath.IsAbs(rel) {
		return "", f.blocked(op, input, "path escapes jail root")
	}

	if res := security.IsBlocked(rel); res.Blocked {
		return "", f.blocked(op, input, res.Description)
	}
	if res := security.IsBlocked(filepath.ToSlash(abs)); res.Blocked {
		return "", f.blocked(op, input, res.Description)
	}
	for _, g := range f.block {
		if g.Match(rel) {
			return "", f.blocked(op, input, "matches block pattern")
		}
	}

	if rel != "." {
		matched := false
		for _, g := range f.allow {
			if g.Match(rel) {
				matched = true
				break
			}
		}
		if !matched {
			return "", f.blocked(op, input, fmt.Sprintf("no allow pattern matches (have %v)", f.allowRaw))
		}
	}

	return abs, nil
}

// Read returns the UTF-8 contents of a regular file under the jail.
func (f *FileSystem) Read(path string) (string, error) {
	abs, err := f.resolve("read", path)
	if err != nil {
		return "", err
	}

	info, statErr := os.Stat(abs)
	if statErr != nil {
		return "", f.blocked("read", path, "stat failed: "+statErr.Error())
	}
	if info.IsDir() {
		return "", f.blocked("read", path, "target is a directory")
	}
	if info.Size() > f.maxRead {
		return "", f.blocked("read", path, fmt.Sprintf("file size %d exceeds cap %d", info.Size(), f.maxRead))
	}

	data, readErr := os.ReadFile(abs)
	if readErr != nil {
		return "", f.blocked("read", path, "read failed: "+readErr.Error())
	}
	f.accessed("read", abs)
	return string(data), nil
}

// Write stores content at path, creating parent directories only when
// creation is allowed.
func (f *FileSystem) Write(path, content string) error {
	abs, err := f.resolve("write", path)
	if err != nil {
		return err
	}
	if !f.allowWrite {
		return f.blocked("write", path, "writes not enabled")
	}
	if int64(len(content)) > f.maxWrite {
		return f.blocked("write", path, fmt.Sprintf("content size %d exceeds cap %d", len(content), f.maxWrite))
	}

	if _, statErr := os.Stat(abs); os.IsNotExist(statErr) && !f.allowCreate {
		return f.blocked("write", path, "creation not enabled")
	}

	parent := filepath.Dir(abs)
	if _, statErr := os.Stat(parent); os.IsNotExist(statErr) {
		if !f.allowCreate {
			return f.blocked("write", path, "parent directory missing and creation not enabled")
		}
		if mkErr := os.MkdirAll(parent, 0o755); mkErr != nil {
			return f.blocked("write", path, "mkdir failed: "+mkErr.Error())
		}
	}

	if wErr := os.WriteFile(abs, []byte(content), 0o644); wErr != nil {
		return f.blocked("write", path, "write failed: "+wErr.Error())
	}
	f.accessed("write", abs)
	return nil
}

// Exists answers false both for absent files and for refused paths, so the
// existence of blocked paths is not disclosed.
func (f *FileSystem) Exists(path string) bool {
	abs, err := f.resolve("exists", path)
	if err != nil {
		return false
	}
	_, statErr := os.Stat(abs)
	if statErr == nil {
		f.accessed("exists", abs)
		return true
	}
	return false
}

// List returns the entries of a directory, filtered so that names the blocked
// catalog protects are not disclosed.
func (f *FileSystem) List(path string) ([]string, error) {
	abs, err := f.resolve("list", path)
	if err != nil {
		return nil, err
	}

	entries, readErr := os.ReadDir(abs)
	if readErr != nil {
		return nil, f.blocked("list", path, "readdir failed: "+readErr.Error())
	}

	rel, _ := filepath.Rel(f.root, abs)
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		child := filepath.ToSlash(filepath.Join(rel, e.Name()))
		if res := security.IsBlocked(child); res.Blocked {
			continue
		}
		blockedByExtra := false
		for _, g := range f.block {
			if g.Match(child) {
				blockedByExtra = true
				break
			}
		}
		if blockedByExtra {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	f.accessed("list", abs)
	return names, nil
}

// Stat returns metadata for a path under the jail.
func (f *FileSystem) Stat(path string) (*FileInfo, error) {
	abs, err := f.resolve("stat", path)
	if err != nil {
		return nil, err
	}
	info, statErr := os.Stat(abs)
	if statErr != nil {
		return nil, f.blocked("stat", path, "stat failed: "+statErr.Error())
	}
	f.accessed("stat", abs)
	return &FileInfo{
		Name:    info.Name(),
		Size:    info.Size(),
		IsDir:   info.IsDir(),
		Mode:    info.Mode().String(),
		ModTime: info.ModTime(),
	}, nil
}

// Delete removes a regular file. Directories are never deleted.
func (f *FileSystem) Delete(path string) error {
	abs, err := f.resolve("delete", path)
	if err != nil {
		return err
	}
	if !f.allowDelete {
		return f.blocked("delete", path, "deletes not enabled")
	}
	info, statErr := os.Stat(abs)
	if statErr != nil {
		return f.blocked("delete", path, "stat failed: "+statErr.Error())
	}
	if !info.Mode().IsRegular() {
		return f.blocked("delete", path, "target is not a regular file")
	}
	if rmErr := os.Remove(abs); rmErr != nil {
		return f.blocked("delete", path, "remove failed: "+rmErr.Error())
	}
	f.accessed("delete", abs)
	return nil
}

// Mkdir creates a directory (and parents) under the jail.
func (f *FileSystem) Mkdir(path string) error {
	abs, err := f.resolve("mkdir", path)
	if err != nil {
		return err
	}
	if !f.allowWrite || !f.allowCreate {
		return f.blocked("mkdir", path, "creation not enabled")
	}
	if mkErr := os.MkdirAll(abs, 0o755); mkErr != nil {
		return f.blocked("mkdir", path, "mkdir failed: "+mkErr.Error())
	}
	f.accessed("mkdir", abs)
	return nil
}

// Bind returns the opcode entries this capability contributes to a table.
// Write-family opcodes are bound only when the matching flag is enabled, so a
// read-only table simply has no "write" opcode to call.
func (f *FileSystem) Bind() Table {
	t := Table{
		"read": func(_ context.Context, args []any) (any, error) {
			p, ok := argString(args, 0)
			if !ok {
				return nil, refuseFS()
			}
			return f.Read(p)
		},
		"exists": func(_ context.Context, args []any) (any, error) {
			p, ok := argString(args, 0)
			if !ok {
				return nil, refuseFS()
			}
			return f.Exists(p), nil
		},
		"list": func(_ context.Context, args []any) (any, error) {
			p, ok := argString(args, 0)
			if !ok {
				return nil, refuseFS()
			}
			return f.List(p)
		},
		"stat": func(_ context.Context, args []any) (any, error) {
			p, ok := argString(args, 0)
			if !ok {
				return nil, refuseFS()
			}
			return f.Stat(p)
		},
	}
	if f.allowWrite {
		t["write"] = func(_ context.Context, args []any) (any, error) {
			p, ok := argString(args, 0)
			content, ok2 := argString(args, 1)
			if !ok || !ok2 {
				return nil, refuseFS()
			}
			return nil, f.Write(p, content)
		}
		t["mkdir"] = func(_ context.Context, args []any) (any, error) {
			p, ok := argString(args, 0)
			if !ok {
				return nil, refuseFS()
			}
			return nil, f.Mkdir(p)
		}
	}
	if f.allowDelete {
		t["delete"] = func(_ context.Context, args []any) (any, error) {
			p, ok := argString(args, 0)
			if !ok {
				return nil, refuseFS()
			}
			return nil, f.Delete(p)
		}
	}
	return t
}
