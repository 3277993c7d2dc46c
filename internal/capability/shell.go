package capability

import (
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"mvdan.cc/sh/v3/syntax"

	"github.com/skillfence/skillfence/internal/logger"
	"github.com/skillfence/skillfence/internal/security"
)

var shellLog = logger.New("shell")

// Defaults for shell execution bounds.
const (
	DefaultShellTimeout   = 30 * time.Second
	DefaultMaxOutputBytes = 1 << 20 // 1 MiB
	killGracePeriod       = 1 * time.Second
	killSettleWindow      = 2 * time.Second
)

// shellMetaChars are refused in any token of a parsed command line. A token
// carrying one of these could only be meaningful to a shell interpreter, and
// no shell interpreter is ever invoked here.
const shellMetaChars = ";&|`$(){}[]<>\\"

// canonicalPATH is the only PATH sandboxed commands see.
const canonicalPATH = "/usr/local/bin:/usr/bin:/bin:/usr/sbin:/sbin"

// metaArgPatterns refuse argument shapes in every argument, flags included.
var metaArgPatterns = []*regexp.Regexp{
	regexp.MustCompile("[;&|`<>]"),
	regexp.MustCompile(`\$`),
	regexp.MustCompile("\x00"),
}

// pathArgPatterns refuse path shapes in non-flag arguments.
var pathArgPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\.\.(/|\\|$)`),
	regexp.MustCompile(`(?i)^/(etc|proc|sys|dev|boot|root)(/|$)`),
	regexp.MustCompile(`^~`),
	regexp.MustCompile(`(?i)%2e%2e`),
	regexp.MustCompile(`(?i)%252e`),
}

// CommandSpec is one allowlist entry.
type CommandSpec struct {
	// Binary is the bare command name ("ls", not "/bin/ls").
	Binary string

	// ArgPatterns are regular expressions arguments must match when
	// StrictArgs is set. With StrictArgs and no patterns, any extra
	// argument is refused.
	ArgPatterns []string
	StrictArgs  bool

	// Optional per-command overrides.
	Workdir        string
	Env            map[string]string
	Timeout        time.Duration
	MaxOutputBytes int64
}

// ShellHooks receive detailed reasons out of band.
type ShellHooks struct {
	OnBeforeExec func(binary string, args []string)
	OnAfterExec  func(binary string, args []string, exitCode int, d time.Duration)
	OnBlocked    func(input, reason string)
}

// ShellConfig configures a Shell capability.
type ShellConfig struct {
	// Workdir is the jail directory commands run in. Required.
	Workdir string

	// Commands is the allowlist. Empty means no command is runnable.
	Commands []CommandSpec

	// ExtraBlockPatterns are additional regexes refused in arguments.
	ExtraBlockPatterns []string

	Timeout        time.Duration
	MaxOutputBytes int64

	Hooks ShellHooks
}

// Shell executes allowlisted commands with validated arguments in a detached
// process group, bounded by time and output size.
type Shell struct {
	workdir  string
	commands map[string]*compiledCommand
	extra    []*regexp.Regexp
	timeout  time.Duration
	maxOut   int64
	hooks    ShellHooks
	parser   *syntax.Parser
}

type compiledCommand struct {
	spec CommandSpec
	args []*regexp.Regexp
}

// ExecResult is delivered on clean exit.
type ExecResult struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exit_code"`
}

// NewShell builds a Shell capability jailed to cfg.Workdir.
func NewShell(cfg ShellConfig) (*Shell, error) {
	if cfg.Workdir == "" {
		return nil, fmt.Errorf("shell: workdir is required")
	}
	workdir, err := filepath.Abs(cfg.Workdir)
	if err != nil {
		return nil, fmt.Errorf("shell: resolve workdir: %w", err)
	}

	s := &Shell{
		workdir:  filepath.Clean(workdir),
		commands: make(map[string]*compiledCommand, len(cfg.Commands)),
		timeout:  cfg.Timeout,
		maxOut:   cfg.MaxOutputBytes,
		hooks:    cfg.Hooks,
		parser:   syntax.NewParser(),
	}
	if s.timeout <= 0 {
		s.timeout = DefaultShellTimeout
	}
	if s.maxOut <= 0 {
		s.maxOut = DefaultMaxOutputBytes
	}

	for _, spec := range cfg.Commands {
		cc := &compiledCommand{spec: spec}
		for _, p := range spec.ArgPatterns {
			re, err := regexp.Compile(p)
			if err != nil {
				return nil, fmt.Errorf("shell: command %q arg pattern %q: %w", spec.Binary, p, err)
			}
			cc.args = append(cc.args, re)
		}
		s.commands[spec.Binary] = cc
	}
	for _, p := range cfg.ExtraBlockPatterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("shell: block pattern %q: %w", p, err)
		}
		s.extra = append(s.extra, re)
	}
	return s, nil
}

// Allowed reports whether binary is on the allowlist.
func (s *Shell) Allowed(binary string) bool {
	_, ok := s.commands[binary]
	return ok
}

func (s *Shell) blocked(input, reason string) error {
	shellLog.Debug("blocked %q: %s", input, reason)
	if s.hooks.OnBlocked != nil {
		s.hooks.OnBlocked(input, reason)
	}
	return refuseShell()
}

// Run parses a command line (honoring single and double quotes), validates
// it, and executes it. Anything beyond a single simple command — pipes,
// chains, redirects, substitutions, assignments — is refused.
func (s *Shell) Run(ctx context.Context, line string) (*ExecResult, error) {
	tokens, err := s.lex(line)
	if err != nil {
		return nil, s.blocked(line, err.Error())
	}
	if len(tokens) == 0 {
		return nil, s.blocked(line, "empty command")
	}
	return s.run(ctx, line, tokens[0], tokens[1:], true)
}

// Exec runs binary with args, bypassing the command-line parser. The
// allowlist, path classification, and per-command patterns still apply; the
// metacharacter family does not, because argv entries are handed to the
// binary verbatim with no shell to interpret them.
func (s *Shell) Exec(ctx context.Context, binary string, args []string) (*ExecResult, error) {
	input := binary + " " + strings.Join(args, " ")
	return s.run(ctx, input, binary, args, false)
}

// lex turns a command line into tokens using a real shell grammar, then
// refuses any construct a plain argv cannot express.
func (s *Shell) lex(line string) ([]string, error) {
	file, err := s.parser.Parse(strings.NewReader(line), "")
	if err != nil {
		return nil, fmt.Errorf("parse error")
	}
	if len(file.Stmts) != 1 {
		return nil, fmt.Errorf("multiple statements")
	}
	stmt := file.Stmts[0]
	if stmt.Background || stmt.Coprocess || stmt.Negated {
		return nil, fmt.Errorf("background or negated statement")
	}
	if len(stmt.Redirs) > 0 {
		return nil, fmt.Errorf("redirection")
	}
	call, ok := stmt.Cmd.(*syntax.CallExpr)
	if !ok {
		return nil, fmt.Errorf("compound command")
	}
	if len(call.Assigns) > 0 {
		return nil, fmt.Errorf("environment assignment")
	}

	tokens := make([]string, 0, len(call.Args))
	for _, word := range call.Args {
		tok, ok := wordLiteral(word)
		if !ok {
			return nil, fmt.Errorf("substitution or expansion")
		}
		if strings.ContainsAny(tok, shellMetaChars) {
			return nil, fmt.Errorf("shell metacharacter in token")
		}
		tokens = append(tokens, tok)
	}
	return tokens, nil
}

// wordLiteral flattens a parsed word into its literal value. Words carrying
// expansions, substitutions, or globs have no literal value.
func wordLiteral(w *syntax.Word) (string, bool) {
	var sb strings.Builder
	for _, part := range w.Parts {
		switch p := part.(type) {
		case *syntax.Lit:
			sb.WriteString(p.Value)
		case *syntax.SglQuoted:
			if p.Dollar {
				return "", false
			}
			sb.WriteString(p.Value)
		case *syntax.DblQuoted:
			for _, dp := range p.Parts {
				lit, ok := dp.(*syntax.Lit)
				if !ok {
					return "", false
				}
				sb.WriteString(lit.Value)
			}
		default:
			return "", false
		}
	}
	return sb.String(), true
}

func (s *Shell) run(ctx context.Context, input, binary string, args []string, parsed bool) (*ExecResult, error) {
	if strings.ContainsRune(binary, '/') {
		return nil, s.blocked(input, "command must be a bare name")
	}
	cc, ok := s.commands[binary]
	if !ok {
		return nil, s.blocked(input, fmt.Sprintf("command %q not in allowlist", binary))
	}

	for _, arg := range args {
		if reason := s.validateArg(cc, arg, parsed); reason != "" {
			return nil, s.blocked(input, reason)
		}
	}

	binPath, err := s.lookPath(binary)
	if err != nil {
		return nil, s.blocked(input, "binary not found: "+binary)
	}
	return s.execute(ctx, input, cc, binPath, args)
}

// validateArg returns a refusal reason, or "" when arg is admissible.
func (s *Shell) validateArg(cc *compiledCommand, arg string, parsed bool) string {
	isFlag := strings.HasPrefix(arg, "-")

	if strings.Contains(arg, "\x00") {
		return "null byte in argument"
	}
	if parsed {
		// Meta-characters are refused everywhere on the parsed path, flags
		// included.
		if strings.ContainsAny(arg, shellMetaChars) {
			return "shell metacharacter in argument"
		}
		for _, re := range metaArgPatterns {
			if re.MatchString(arg) {
				return "dangerous argument pattern"
			}
		}
	}
	if !isFlag {
		for _, re := range pathArgPatterns {
			if re.MatchString(arg) {
				return "dangerous argument pattern"
			}
		}
	}
	for _, re := range s.extra {
		if re.MatchString(arg) {
			return "matches extra block pattern"
		}
	}

	if !isFlag {
		if res := security.IsBlocked(arg); res.Blocked {
			return "argument names protected file: " + res.Description
		}
		if looksLikePath(arg) {
			if reason := s.containsInJail(arg); reason != "" {
				return reason
			}
		}
	}

	if cc.spec.StrictArgs {
		if len(cc.args) == 0 {
			return "command accepts no arguments"
		}
		matched := false
		for _, re := range cc.args {
			if re.MatchString(arg) {
				matched = true
				break
			}
		}
		if !matched {
			return "argument matches no declared pattern"
		}
	}
	return ""
}

func looksLikePath(arg string) bool {
	return strings.ContainsRune(arg, '/') ||
		strings.HasPrefix(arg, ".") ||
		strings.HasPrefix(arg, "~")
}

// containsInJail refuses path-like arguments that resolve outside the
// workdir.
func (s *Shell) containsInJail(arg string) string {
	p := arg
	if !filepath.IsAbs(p) {
		p = filepath.Join(s.workdir, p)
	}
	p = filepath.Clean(p)
	rel, err := filepath.Rel(s.workdir, p)
	if err != nil {
		return "path escapes workdir"
	}
	rel = filepath.ToSlash(rel)
	if rel == ".." || strings.HasPrefix(rel, "../") {
		return "path escapes workdir"
	}
	return ""
}

func (s *Shell) lookPath(binary string) (string, error) {
	for _, dir := range filepath.SplitList(canonicalPATH) {
		candidate := filepath.Join(dir, binary)
		if _, err := exec.LookPath(candidate); err == nil {
			return candidate, nil
		}
	}
	return exec.LookPath(binary)
}

// minimalEnv builds the environment a sandboxed command sees: a canonical
// PATH, HOME pinned to the jail (neutralizing tilde expansion), and whatever
// the allowlist entry declares after sanitization.
func (s *Shell) minimalEnv(cc *compiledCommand) []string {
	env := []string{
		"PATH=" + canonicalPATH,
		"HOME=" + s.workdir,
	}
	for k, v := range security.SanitizeEnv(cc.spec.Env) {
		env = append(env, k+"="+v)
	}
	return env
}

func (s *Shell) execute(ctx context.Context, input string, cc *compiledCommand, binPath string, args []string) (*ExecResult, error) {
	timeout := s.timeout
	if cc.spec.Timeout > 0 {
		timeout = cc.spec.Timeout
	}
	maxOut := s.maxOut
	if cc.spec.MaxOutputBytes > 0 {
		maxOut = cc.spec.MaxOutputBytes
	}
	workdir := s.workdir
	if cc.spec.Workdir != "" {
		workdir = cc.spec.Workdir
	}

	cmd := exec.Command(binPath, args...)
	cmd.Dir = workdir
	cmd.Env = s.minimalEnv(cc)
	setProcessGroup(cmd)

	guard := newOutputGuard(maxOut)
	cmd.Stdout = guard.stdout()
	cmd.Stderr = guard.stderr()

	if s.hooks.OnBeforeExec != nil {
		s.hooks.OnBeforeExec(filepath.Base(binPath), args)
	}

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, s.blocked(input, "spawn failed: "+err.Error())
	}
	pid := cmd.Process.Pid

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var waitErr error
	killed := ""
	select {
	case waitErr = <-done:
	case <-timer.C:
		killed = "timeout after " + timeout.String()
	case <-guard.exceeded:
		killed = "output cap exceeded"
	case <-ctx.Done():
		killed = "canceled"
	}

	if killed != "" {
		KillTree(pid, killGracePeriod)
		select {
		case <-done:
		case <-time.After(killSettleWindow):
			shellLog.Warn("process %d did not settle after kill", pid)
		}
		return nil, s.blocked(input, killed)
	}

	exitCode := 0
	if waitErr != nil {
		if ee, ok := waitErr.(*exec.ExitError); ok {
			exitCode = ee.ExitCode()
		} else {
			return nil, s.blocked(input, "wait failed: "+waitErr.Error())
		}
	}

	dur := time.Since(start)
	if s.hooks.OnAfterExec != nil {
		s.hooks.OnAfterExec(filepath.Base(binPath), args, exitCode, dur)
	}
	shellLog.Debug("ran %s in %s (exit %d)", filepath.Base(binPath), dur, exitCode)

	return &ExecResult{
		Stdout:   guard.stdoutString(),
		Stderr:   guard.stderrString(),
		ExitCode: exitCode,
	}, nil
}

// Bind returns the opcode entries this capability contributes to a table.
func (s *Shell) Bind() Table {
	return Table{
		"shell": func(ctx context.Context, args []any) (any, error) {
			line, ok := argString(args, 0)
			if !ok {
				return nil, refuseShell()
			}
			return s.Run(ctx, line)
		},
		"exec": func(ctx context.Context, args []any) (any, error) {
			bin, ok := argString(args, 0)
			if !ok {
				return nil, refuseShell()
			}
			rest := make([]string, 0, len(args)-1)
			for _, a := range args[1:] {
				str, ok := a.(string)
				if !ok {
					return nil, refuseShell()
				}
				rest = append(rest, str)
			}
			return s.Exec(ctx, bin, rest)
		},
	}
}

// outputGuard accumulates stdout and stderr while enforcing a combined size
// cap mid-stream, not only on completion.
type outputGuard struct {
	mu       sync.Mutex
	limit    int64
	total    int64
	out      strings.Builder
	errOut   strings.Builder
	exceeded chan struct{}
	once     sync.Once
}

func newOutputGuard(limit int64) *outputGuard {
	return &outputGuard{limit: limit, exceeded: make(chan struct{})}
}

type guardWriter struct {
	g      *outputGuard
	target *strings.Builder
}

func (w guardWriter) Write(p []byte) (int, error) {
	w.g.mu.Lock()
	defer w.g.mu.Unlock()
	w.g.total += int64(len(p))
	if w.g.total > w.g.limit {
		w.g.once.Do(func() { close(w.g.exceeded) })
		// Swallow the overflow; the spawner kills the tree on signal.
		return len(p), nil
	}
	w.target.Write(p)
	return len(p), nil
}

func (g *outputGuard) stdout() guardWriter { return guardWriter{g: g, target: &g.out} }
func (g *outputGuard) stderr() guardWriter { return guardWriter{g: g, target: &g.errOut} }

func (g *outputGuard) stdoutString() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.out.String()
}

func (g *outputGuard) stderrString() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.errOut.String()
}
