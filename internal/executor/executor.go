// Package executor orchestrates one skill call from request to result: rate
// check, trust check, capability assembly, interpreter invocation, and result
// mapping. The rate-limit contract, the trust-policy contract, and the
// capability-assembly contract meet here exactly once.
package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/skillfence/skillfence/internal/capability"
	"github.com/skillfence/skillfence/internal/logger"
	"github.com/skillfence/skillfence/internal/ratelimit"
	"github.com/skillfence/skillfence/internal/skill"
	"github.com/skillfence/skillfence/internal/trust"
)

var log = logger.New("executor")

// Context is the per-call execution context supplied by the host.
type Context struct {
	Provenance  trust.Provenance
	RequesterID string
	ChannelID   string

	// Workdir is the jail root for this call. Required.
	Workdir string

	AllowedHosts    []string
	WritableSubdirs []string
	ExtraCommands   []capability.CommandSpec

	Predict capability.PredictFunc
	Embed   capability.EmbedFunc

	// Metadata is propagated to the skill unmodified.
	Metadata map[string]any
}

// Hooks feed external audit systems at each boundary. They must not
// influence the outcome; panics inside hooks are not recovered by design.
type Hooks struct {
	OnBeforeExecute func(skillName string, ec Context)
	OnAfterExecute  func(skillName string, result *ExecutionResult)
	OnTrustDenied   func(skillName string, p trust.Provenance, level trust.Level)
	OnRateLimited   func(requesterID string, reason ratelimit.Reason)
}

// Options configure an Executor.
type Options struct {
	Loader      *skill.Loader
	Interpreter skill.Interpreter
	Limiter     *ratelimit.Limiter

	// LevelOverrides force an effective trust level per skill name.
	// Operator policy wins over the manifest declaration.
	LevelOverrides map[string]trust.Level

	// CapabilityOverrides are applied to the assembled table last, keyed by
	// skill name then opcode. A nil Func removes the opcode.
	CapabilityOverrides map[string]map[string]capability.Func

	// DefaultFuel and DefaultTimeout replace the trust-level defaults when
	// set.
	DefaultFuel    uint64
	DefaultTimeout time.Duration

	Hooks Hooks
}

// Executor runs skills. Safe for concurrent use; the rate limiter is the
// only shared mutable state.
type Executor struct {
	opts Options
}

// New builds an Executor. The interpreter is required for Execute; a nil
// loader gets a manifest-only default.
func New(opts Options) *Executor {
	if opts.Loader == nil {
		opts.Loader = skill.NewLoader(nil)
	}
	return &Executor{opts: opts}
}

// InvalidateSkill drops one cached skill.
func (e *Executor) InvalidateSkill(path string) { e.opts.Loader.Invalidate(path) }

// ResetCache drops the whole skill cache.
func (e *Executor) ResetCache() { e.opts.Loader.Reset() }

// Limiter exposes the rate limiter for administrative operations.
func (e *Executor) Limiter() *ratelimit.Limiter { return e.opts.Limiter }

// Execute runs one skill call and always returns an ExecutionResult.
func (e *Executor) Execute(ctx context.Context, skillPath string, args map[string]any, ec Context) *ExecutionResult {
	start := time.Now()
	result := e.execute(ctx, skillPath, args, ec)
	result.Duration = time.Since(start)
	return result
}

func (e *Executor) execute(ctx context.Context, skillPath string, args map[string]any, ec Context) *ExecutionResult {
	// Load before the rate check so a broken path does not burn a slot.
	sk, err := e.opts.Loader.Load(skillPath)
	if err != nil {
		log.Warn("load %s: %v", skillPath, err)
		return failure(KindSkillValidationFailed, "skill failed validation")
	}

	// Rate gate.
	if e.opts.Limiter != nil && ec.RequesterID != "" {
		decision := e.opts.Limiter.Check(ec.RequesterID)
		if !decision.Allowed {
			if e.opts.Hooks.OnRateLimited != nil {
				e.opts.Hooks.OnRateLimited(ec.RequesterID, decision.Reason)
			}
			r := failure(KindRateLimited, "rate limited")
			r.RateLimitReason = decision.Reason
			r.RetryAfter = decision.RetryAfter
			return r
		}
		e.opts.Limiter.RecordStart(ec.RequesterID)
		// Every exit path below runs RecordEnd exactly once.
		defer e.opts.Limiter.RecordEnd(ec.RequesterID)
	}

	return e.run(ctx, sk, args, ec)
}

func (e *Executor) run(ctx context.Context, sk *skill.Skill, args map[string]any, ec Context) *ExecutionResult {
	if e.opts.Interpreter == nil {
		return failure(KindHostError, "no interpreter configured")
	}
	if sk.Program.Empty() {
		return failure(KindSkillValidationFailed, "skill failed validation")
	}
	if err := sk.ValidateInput(args); err != nil {
		log.Debug("input rejected for %q: %v", sk.Manifest.Name, err)
		return failure(KindSkillValidationFailed, "skill failed validation")
	}

	// Effective trust level: manifest declaration, then operator override.
	level := sk.Level
	if override, ok := e.opts.LevelOverrides[sk.Manifest.Name]; ok {
		level = override
	}

	// Trust ceiling for the provenance.
	if !trust.Permitted(level, ec.Provenance) {
		if e.opts.Hooks.OnTrustDenied != nil {
			e.opts.Hooks.OnTrustDenied(sk.Manifest.Name, ec.Provenance, level)
		}
		log.Info("trust denied: skill %q level %s from %s", sk.Manifest.Name, level, ec.Provenance)
		return failure(KindTrustDenied, "trust level not permitted")
	}

	table, err := trust.Assemble(level, trust.AssembleInput{
		Workdir:         ec.Workdir,
		AllowedHosts:    ec.AllowedHosts,
		WritableSubdirs: ec.WritableSubdirs,
		ExtraCommands:   ec.ExtraCommands,
		Predict:         ec.Predict,
		Embed:           ec.Embed,
	})
	if err != nil {
		log.Error("assemble capabilities: %v", err)
		return failure(KindHostError, "capability assembly failed")
	}

	// Operator-configured per-skill capability overrides win over defaults.
	if overrides, ok := e.opts.CapabilityOverrides[sk.Manifest.Name]; ok {
		table = table.Clone()
		for op, fn := range overrides {
			if fn == nil {
				delete(table, op)
				continue
			}
			table[op] = fn
		}
	}

	fuel := trust.FuelBudget(level)
	if e.opts.DefaultFuel > 0 {
		fuel = e.opts.DefaultFuel
	}
	timeout := trust.Timeout(level)
	if e.opts.DefaultTimeout > 0 {
		timeout = e.opts.DefaultTimeout
	}

	if e.opts.Hooks.OnBeforeExecute != nil {
		e.opts.Hooks.OnBeforeExecute(sk.Manifest.Name, ec)
	}

	callArgs := propagate(args, ec)
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	outcome, execErr := e.opts.Interpreter.Execute(execCtx, sk.Program, callArgs, table, fuel)
	result := e.mapOutcome(sk, outcome, execErr, execCtx)

	if e.opts.Hooks.OnAfterExecute != nil {
		e.opts.Hooks.OnAfterExecute(sk.Manifest.Name, result)
	}
	return result
}

// propagate merges the provenance fields into the argument map under the
// "_context" key for the skill to read.
func propagate(args map[string]any, ec Context) map[string]any {
	out := make(map[string]any, len(args)+1)
	for k, v := range args {
		out[k] = v
	}
	meta := map[string]any{
		"provenance": string(ec.Provenance),
	}
	if ec.RequesterID != "" {
		meta["requester"] = ec.RequesterID
	}
	if ec.ChannelID != "" {
		meta["channel"] = ec.ChannelID
	}
	for k, v := range ec.Metadata {
		meta[k] = v
	}
	out["_context"] = meta
	return out
}

func (e *Executor) mapOutcome(sk *skill.Skill, outcome *skill.Outcome, execErr error, execCtx context.Context) *ExecutionResult {
	result := &ExecutionResult{}
	if outcome != nil {
		result.FuelUsed = outcome.FuelUsed
		result.Trace = outcome.Trace
		result.Warnings = outcome.Warnings
	}

	err := execErr
	if err == nil && outcome != nil {
		err = outcome.Err
	}

	switch {
	case err == nil:
		if outcome != nil {
			if vErr := sk.ValidateOutput(outcome.Value); vErr != nil {
				result.Warnings = append(result.Warnings, "output does not match declared schema")
			}
			result.Value = outcome.Value
		}
		result.Success = true
		return result

	case errors.Is(err, skill.ErrFuelExhausted):
		result.Error = &ExecError{Kind: KindFuelExhausted, Message: "fuel exhausted"}

	case errors.Is(err, context.DeadlineExceeded) || errors.Is(execCtx.Err(), context.DeadlineExceeded):
		result.Error = &ExecError{Kind: KindTimeout, Message: "timed out"}

	default:
		if refusal, ok := capability.AsRefusal(err); ok {
			result.Error = &ExecError{
				Kind:    KindCapabilityRefused,
				Message: refusal.Message,
				Domain:  string(refusal.Domain),
			}
		} else {
			result.Error = &ExecError{Kind: KindInterpreterError, Message: "execution failed"}
		}
	}
	return result
}

// Plan describes, without executing, what a call would be granted. Used by
// the CLI and the admin surface.
type Plan struct {
	Skill      string        `json:"skill"`
	Level      trust.Level   `json:"-"`
	LevelName  string        `json:"level"`
	Permitted  bool          `json:"permitted"`
	Opcodes    []string      `json:"opcodes"`
	Fuel       uint64        `json:"fuel"`
	Timeout    time.Duration `json:"timeout"`
	Provenance string        `json:"provenance"`
}

// Describe loads a skill and reports the capability surface it would receive
// for the given context.
func (e *Executor) Describe(skillPath string, ec Context) (*Plan, error) {
	sk, err := e.opts.Loader.Load(skillPath)
	if err != nil {
		return nil, err
	}

	level := sk.Level
	if override, ok := e.opts.LevelOverrides[sk.Manifest.Name]; ok {
		level = override
	}

	plan := &Plan{
		Skill:      sk.Manifest.Name,
		Level:      level,
		LevelName:  level.String(),
		Permitted:  trust.Permitted(level, ec.Provenance),
		Fuel:       trust.FuelBudget(level),
		Timeout:    trust.Timeout(level),
		Provenance: string(ec.Provenance),
	}
	if !plan.Permitted {
		return plan, nil
	}

	table, err := trust.Assemble(level, trust.AssembleInput{
		Workdir:         ec.Workdir,
		AllowedHosts:    ec.AllowedHosts,
		WritableSubdirs: ec.WritableSubdirs,
		ExtraCommands:   ec.ExtraCommands,
		Predict:         ec.Predict,
		Embed:           ec.Embed,
	})
	if err != nil {
		return nil, fmt.Errorf("assemble: %w", err)
	}
	plan.Opcodes = table.Opcodes()
	return plan, nil
}
