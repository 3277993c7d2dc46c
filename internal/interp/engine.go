package interp

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/skillfence/skillfence/internal/capability"
	"github.com/skillfence/skillfence/internal/logger"
	"github.com/skillfence/skillfence/internal/skill"
)

var log = logger.New("interp")

// The reference engine's source form: one capability call per line.
//
//	# fetch a page and store it
//	fetch "https://api.example.com/data"
//	write "out/page.txt" $_
//
// Tokens are double-quoted strings, numbers, bare words, `$name` references
// into the call arguments, and `$_` for the previous call's value. The value
// of the last call is the program's result. Each line costs one unit of fuel.

type argKind int

const (
	argLit argKind = iota
	argNum
	argRef
	argPrev
)

type arg struct {
	kind argKind
	str  string
	num  float64
}

type step struct {
	op   string
	args []arg
	src  string
}

// Compile is the reference transpiler: it parses the line-oriented call form
// into a Program the reference engine executes.
func Compile(source string) (*skill.Program, error) {
	var steps []step
	for i, line := range strings.Split(source, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		tokens, err := lexLine(line)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", i+1, err)
		}
		if len(tokens) == 0 {
			continue
		}
		st := step{op: tokens[0].str, src: line}
		if tokens[0].kind != argLit || strings.HasPrefix(line, `"`) {
			return nil, fmt.Errorf("line %d: opcode must be a bare word", i+1)
		}
		st.args = tokens[1:]
		steps = append(steps, st)
	}
	if len(steps) == 0 {
		return nil, fmt.Errorf("empty program")
	}
	return &skill.Program{Entry: "main", Code: steps}, nil
}

// lexLine splits a line into tokens, honoring double quotes with \" and \\
// escapes.
func lexLine(line string) ([]arg, error) {
	var out []arg
	i := 0
	for i < len(line) {
		switch {
		case line[i] == ' ' || line[i] == '\t':
			i++
		case line[i] == '"':
			var sb strings.Builder
			i++
			closed := false
			for i < len(line) {
				c := line[i]
				if c == '\\' && i+1 < len(line) {
					sb.WriteByte(line[i+1])
					i += 2
					continue
				}
				if c == '"' {
					closed = true
					i++
					break
				}
				sb.WriteByte(c)
				i++
			}
			if !closed {
				return nil, fmt.Errorf("unterminated string")
			}
			out = append(out, arg{kind: argLit, str: sb.String()})
		default:
			start := i
			for i < len(line) && line[i] != ' ' && line[i] != '\t' {
				i++
			}
			tok := line[start:i]
			switch {
			case tok == "$_":
				out = append(out, arg{kind: argPrev})
			case strings.HasPrefix(tok, "$"):
				out = append(out, arg{kind: argRef, str: tok[1:]})
			default:
				if n, err := strconv.ParseFloat(tok, 64); err == nil {
					out = append(out, arg{kind: argNum, num: n})
				} else {
					out = append(out, arg{kind: argLit, str: tok})
				}
			}
		}
	}
	return out, nil
}

// Engine is the reference interpreter. Stateless; safe to share across
// executions. It dispatches every effect through the capability table and
// drives calls one at a time.
type Engine struct{}

// NewEngine returns the reference engine.
func NewEngine() *Engine { return &Engine{} }

// Execute runs a compiled program under the fuel budget. Capability errors,
// fuel exhaustion, and context expiry are reported through Outcome.Err;
// a non-nil error return is reserved for programs this engine cannot read.
func (e *Engine) Execute(ctx context.Context, prog *skill.Program, args map[string]any, caps capability.Table, fuel uint64) (*skill.Outcome, error) {
	steps, ok := prog.Code.([]step)
	if !ok {
		return nil, fmt.Errorf("interp: program was not compiled by this engine")
	}

	out := &skill.Outcome{}
	var prev any
	for _, st := range steps {
		if err := ctx.Err(); err != nil {
			out.Err = err
			return out, nil
		}
		if out.FuelUsed >= fuel {
			out.Err = skill.ErrFuelExhausted
			return out, nil
		}
		out.FuelUsed++

		fn, bound := caps[st.op]
		if !bound {
			log.Debug("unknown opcode %q", st.op)
			out.Err = fmt.Errorf("unknown opcode %q", st.op)
			return out, nil
		}

		callArgs := make([]any, 0, len(st.args))
		for _, a := range st.args {
			switch a.kind {
			case argLit:
				callArgs = append(callArgs, a.str)
			case argNum:
				callArgs = append(callArgs, a.num)
			case argPrev:
				callArgs = append(callArgs, stringify(prev))
			case argRef:
				callArgs = append(callArgs, stringify(args[a.str]))
			}
		}

		out.Trace = append(out.Trace, "call "+st.op)
		v, err := fn(ctx, callArgs)
		if err != nil {
			out.Err = err
			return out, nil
		}
		prev = v
	}

	out.Value = prev
	return out, nil
}

// stringify flattens a referenced value into the string form capability
// opcodes take.
func stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	default:
		return fmt.Sprintf("%v", t)
	}
}
