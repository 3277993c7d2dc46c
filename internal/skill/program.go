package skill

import (
	"context"
	"errors"

	"github.com/skillfence/skillfence/internal/capability"
)

// Program is the compiled form of a skill produced by the external
// transpiler. The sandbox treats the code as opaque; only the interpreter
// understands it.
type Program struct {
	Entry string
	Code  any
}

// Empty reports whether the program carries no code.
func (p *Program) Empty() bool {
	return p == nil || p.Code == nil
}

// CompileFunc is the pure transpiler contract: source in, program out.
type CompileFunc func(source string) (*Program, error)

// ErrFuelExhausted is returned by interpreters when the fuel budget runs out.
// Fatal to the execution; the core never retries.
var ErrFuelExhausted = errors.New("fuel exhausted")

// Outcome is what an interpreter reports for one execution.
type Outcome struct {
	Value    any
	FuelUsed uint64
	Trace    []string
	Warnings []string
	Err      error
}

// Interpreter executes a compiled program against an injected capability
// table under a fuel budget. Implementations dispatch every effect the
// program attempts through the table and drive capability calls one at a
// time per execution. Wall-clock bounds arrive through ctx.
type Interpreter interface {
	Execute(ctx context.Context, prog *Program, args map[string]any, caps capability.Table, fuel uint64) (*Outcome, error)
}
