// Package interp drives compiled skills against a capability table. The
// production bytecode interpreter and transpiler are external collaborators;
// hosts link them in through Register. A built-in reference engine executes
// the line-oriented call form, so the CLI can run skills end to end and the
// enforcement layer can be exercised without the external VM.
package interp

import (
	"sync"

	"github.com/skillfence/skillfence/internal/skill"
)

var (
	regMu      sync.RWMutex
	regCompile skill.CompileFunc        = Compile
	regFactory func() skill.Interpreter = func() skill.Interpreter { return NewEngine() }
)

// Register installs the host's transpiler and interpreter, replacing the
// reference engine. Call from an init function before the executor is built.
func Register(compile skill.CompileFunc, factory func() skill.Interpreter) {
	regMu.Lock()
	defer regMu.Unlock()
	if compile != nil {
		regCompile = compile
	}
	if factory != nil {
		regFactory = factory
	}
}

// DefaultCompile returns the registered transpiler.
func DefaultCompile() skill.CompileFunc {
	regMu.RLock()
	defer regMu.RUnlock()
	return regCompile
}

// New returns a fresh instance of the registered interpreter.
func New() skill.Interpreter {
	regMu.RLock()
	defer regMu.RUnlock()
	return regFactory()
}
