package skill

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/skillfence/skillfence/internal/logger"
)

var log = logger.New("skill")

// Loader resolves skill files into compiled Skills, caching by path. Cached
// entries are dropped when the underlying file changes on disk.
type Loader struct {
	compile CompileFunc

	mu    sync.Mutex
	cache map[string]*Skill

	watcher *fsnotify.Watcher
	done    chan struct{}
}

// NewLoader builds a Loader around the transpiler contract. compile may be
// nil for manifest-only workflows (validation, planning).
func NewLoader(compile CompileFunc) *Loader {
	return &Loader{
		compile: compile,
		cache:   make(map[string]*Skill),
	}
}

// Watch starts invalidating cached skills when their files change. Safe to
// call once; Close stops the watcher.
func (l *Loader) Watch() error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("skill watcher: %w", err)
	}
	l.mu.Lock()
	l.watcher = w
	l.done = make(chan struct{})
	l.mu.Unlock()

	go func() {
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Remove|fsnotify.Rename) != 0 {
					log.Debug("invalidating %s after %s", ev.Name, ev.Op)
					l.Invalidate(ev.Name)
				}
			case _, ok := <-w.Errors:
				if !ok {
					return
				}
			case <-l.done:
				return
			}
		}
	}()
	return nil
}

// Close stops the watcher.
func (l *Loader) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.done != nil {
		close(l.done)
		l.done = nil
	}
	if l.watcher != nil {
		err := l.watcher.Close()
		l.watcher = nil
		return err
	}
	return nil
}

// Load returns the cached skill for path, or loads, validates, and compiles
// it.
func (l *Loader) Load(path string) (*Skill, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("skill: resolve %q: %w", path, err)
	}

	l.mu.Lock()
	if s, ok := l.cache[abs]; ok {
		l.mu.Unlock()
		return s, nil
	}
	l.mu.Unlock()

	s, err := l.load(abs)
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	l.cache[abs] = s
	if l.watcher != nil {
		if wErr := l.watcher.Add(abs); wErr != nil {
			log.Warn("watch %s: %v", abs, wErr)
		}
	}
	l.mu.Unlock()
	return s, nil
}

func (l *Loader) load(abs string) (*Skill, error) {
	data, err := os.ReadFile(abs)
	if err != nil {
		return nil, fmt.Errorf("skill: read %q: %w", abs, err)
	}

	var manifest *Manifest
	var source string

	switch strings.ToLower(filepath.Ext(abs)) {
	case ".yaml", ".yml":
		m, err := ParseManifest(data)
		if err != nil {
			return nil, err
		}
		manifest = m
		if m.Source != "" {
			srcPath := m.Source
			if !filepath.IsAbs(srcPath) {
				srcPath = filepath.Join(filepath.Dir(abs), srcPath)
			}
			srcData, err := os.ReadFile(srcPath)
			if err != nil {
				return nil, fmt.Errorf("skill: read source %q: %w", srcPath, err)
			}
			source = string(srcData)
		}
	default:
		m, body, err := ParseFrontMatter(string(data))
		if err != nil {
			return nil, err
		}
		manifest = m
		source = body
	}

	if err := ScanSource(source); err != nil {
		return nil, fmt.Errorf("skill %q: %w", manifest.Name, err)
	}

	level, err := manifest.ResolveLevel()
	if err != nil {
		return nil, fmt.Errorf("skill %q: %w", manifest.Name, err)
	}

	s := &Skill{
		Manifest: *manifest,
		Path:     abs,
		Source:   source,
		Level:    level,
	}
	if err := s.compileSchemas(); err != nil {
		return nil, fmt.Errorf("skill %q: %w", manifest.Name, err)
	}

	if l.compile != nil {
		prog, err := l.compile(source)
		if err != nil {
			return nil, fmt.Errorf("skill %q: compile: %w", manifest.Name, err)
		}
		s.Program = prog
	}

	log.Debug("loaded skill %q (level %s) from %s", manifest.Name, level, abs)
	return s, nil
}

// Invalidate drops a cached skill.
func (l *Loader) Invalidate(path string) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return
	}
	l.mu.Lock()
	delete(l.cache, abs)
	l.mu.Unlock()
}

// Reset drops the whole cache.
func (l *Loader) Reset() {
	l.mu.Lock()
	l.cache = make(map[string]*Skill)
	l.mu.Unlock()
}
