package executor

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/skillfence/skillfence/internal/capability"
	"github.com/skillfence/skillfence/internal/ratelimit"
	"github.com/skillfence/skillfence/internal/skill"
	"github.com/skillfence/skillfence/internal/trust"
)

// fakeInterp drives executions in tests without a real bytecode interpreter.
type fakeInterp struct {
	invoked int
	fn      func(ctx context.Context, prog *skill.Program, args map[string]any, caps capability.Table, fuel uint64) (*skill.Outcome, error)
}

func (f *fakeInterp) Execute(ctx context.Context, prog *skill.Program, args map[string]any, caps capability.Table, fuel uint64) (*skill.Outcome, error) {
	f.invoked++
	if f.fn != nil {
		return f.fn(ctx, prog, args, caps, fuel)
	}
	return &skill.Outcome{Value: "ok", FuelUsed: 1}, nil
}

func testCompile(source string) (*skill.Program, error) {
	return &skill.Program{Entry: "main", Code: source}, nil
}

func writeSkill(t *testing.T, doc string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "skill.skill")
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

const readSkill = `---
name: reader
trust_level: read
---
return read("data.txt")
`

const shellSkill = `---
name: shelly
trust_level: shell
---
return exec("echo", "hi")
`

func newTestExecutor(t *testing.T, interp skill.Interpreter, mutate func(*Options)) *Executor {
	t.Helper()
	opts := Options{
		Loader:      skill.NewLoader(testCompile),
		Interpreter: interp,
	}
	if mutate != nil {
		mutate(&opts)
	}
	return New(opts)
}

func baseContext(t *testing.T) Context {
	t.Helper()
	return Context{
		Provenance: trust.ProvenanceMain,
		Workdir:    t.TempDir(),
	}
}

func TestExecuteSuccess(t *testing.T) {
	interp := &fakeInterp{}
	e := newTestExecutor(t, interp, nil)

	res := e.Execute(context.Background(), writeSkill(t, readSkill), nil, baseContext(t))
	if !res.Success {
		t.Fatalf("result = %+v", res)
	}
	if res.Value != "ok" || res.FuelUsed != 1 {
		t.Errorf("result = %+v", res)
	}
	if res.Duration <= 0 {
		t.Error("duration not recorded")
	}
	if interp.invoked != 1 {
		t.Errorf("interpreter invoked %d times", interp.invoked)
	}
}

// A shell-level skill from a public source is refused before the interpreter
// runs.
func TestExecuteTrustDenied(t *testing.T) {
	interp := &fakeInterp{}
	var denied bool
	e := newTestExecutor(t, interp, func(o *Options) {
		o.Hooks.OnTrustDenied = func(name string, p trust.Provenance, l trust.Level) {
			denied = true
		}
	})

	ec := baseContext(t)
	ec.Provenance = trust.ProvenancePublic

	res := e.Execute(context.Background(), writeSkill(t, shellSkill), nil, ec)
	if res.Success {
		t.Fatal("shell skill ran from public provenance")
	}
	if res.Error == nil || res.Error.Kind != KindTrustDenied {
		t.Errorf("error = %+v, want %s", res.Error, KindTrustDenied)
	}
	if interp.invoked != 0 {
		t.Error("interpreter was invoked despite trust denial")
	}
	if !denied {
		t.Error("OnTrustDenied hook did not fire")
	}
}

func TestExecuteRateLimited(t *testing.T) {
	interp := &fakeInterp{}
	var limited ratelimit.Reason
	limiter := ratelimit.New(ratelimit.Config{SelfIDs: []string{"bot-1"}})
	e := newTestExecutor(t, interp, func(o *Options) {
		o.Limiter = limiter
		o.Hooks.OnRateLimited = func(id string, reason ratelimit.Reason) {
			limited = reason
		}
	})

	ec := baseContext(t)
	ec.RequesterID = "BOT-1"

	res := e.Execute(context.Background(), writeSkill(t, readSkill), nil, ec)
	if res.Success {
		t.Fatal("self request executed")
	}
	if res.Error == nil || res.Error.Kind != KindRateLimited {
		t.Errorf("error = %+v", res.Error)
	}
	if res.RateLimitReason != ratelimit.ReasonSelfMessage {
		t.Errorf("reason = %s", res.RateLimitReason)
	}
	if limited != ratelimit.ReasonSelfMessage {
		t.Error("OnRateLimited hook did not fire")
	}
	if interp.invoked != 0 {
		t.Error("interpreter was invoked despite rate refusal")
	}
	if limiter.Stats().GlobalWindowSize != 0 {
		t.Error("self refusal consumed a window slot")
	}
}

// record_end runs exactly once per admitted request, on success and on error.
func TestExecuteBalancesConcurrency(t *testing.T) {
	limiter := ratelimit.New(ratelimit.Config{})
	failing := &fakeInterp{fn: func(context.Context, *skill.Program, map[string]any, capability.Table, uint64) (*skill.Outcome, error) {
		return nil, errors.New("interpreter blew up")
	}}
	e := newTestExecutor(t, failing, func(o *Options) { o.Limiter = limiter })

	ec := baseContext(t)
	ec.RequesterID = "u1"

	res := e.Execute(context.Background(), writeSkill(t, readSkill), nil, ec)
	if res.Success {
		t.Fatal("failing interpreter reported success")
	}
	if stats := limiter.Stats(); stats.GlobalConcurrent != 0 {
		t.Errorf("GlobalConcurrent = %d after request finished, want 0", stats.GlobalConcurrent)
	}

	ok := &fakeInterp{}
	e2 := newTestExecutor(t, ok, func(o *Options) { o.Limiter = limiter })
	if res := e2.Execute(context.Background(), writeSkill(t, readSkill), nil, ec); !res.Success {
		t.Fatalf("result = %+v", res)
	}
	if stats := limiter.Stats(); stats.GlobalConcurrent != 0 {
		t.Errorf("GlobalConcurrent = %d, want 0", stats.GlobalConcurrent)
	}
}

func TestExecuteErrorMapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		kind ErrorKind
	}{
		{"fuel", skill.ErrFuelExhausted, KindFuelExhausted},
		{"timeout", context.DeadlineExceeded, KindTimeout},
		{"fs refusal", &capability.Refusal{Domain: capability.DomainFS, Message: capability.MsgAccessDenied}, KindCapabilityRefused},
		{"other", errors.New("segfault in skill"), KindInterpreterError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			interp := &fakeInterp{fn: func(context.Context, *skill.Program, map[string]any, capability.Table, uint64) (*skill.Outcome, error) {
				return &skill.Outcome{FuelUsed: 7, Err: tt.err}, nil
			}}
			e := newTestExecutor(t, interp, nil)

			res := e.Execute(context.Background(), writeSkill(t, readSkill), nil, baseContext(t))
			if res.Success {
				t.Fatal("errored outcome reported success")
			}
			if res.Error.Kind != tt.kind {
				t.Errorf("kind = %s, want %s", res.Error.Kind, tt.kind)
			}
			if res.FuelUsed != 7 {
				t.Errorf("fuel = %d, want 7", res.FuelUsed)
			}
		})
	}
}

// Capability refusals surface the closed-vocabulary message, nothing more.
func TestExecuteOpaqueRefusalMessage(t *testing.T) {
	interp := &fakeInterp{fn: func(context.Context, *skill.Program, map[string]any, capability.Table, uint64) (*skill.Outcome, error) {
		return &skill.Outcome{Err: &capability.Refusal{Domain: capability.DomainFS, Message: capability.MsgAccessDenied}}, nil
	}}
	e := newTestExecutor(t, interp, nil)

	res := e.Execute(context.Background(), writeSkill(t, readSkill), nil, baseContext(t))
	if res.Error.Message != capability.MsgAccessDenied {
		t.Errorf("message = %q, want %q", res.Error.Message, capability.MsgAccessDenied)
	}
	if res.Error.Domain != "fs" {
		t.Errorf("domain = %q", res.Error.Domain)
	}
}

func TestExecuteLevelOverride(t *testing.T) {
	interp := &fakeInterp{}
	e := newTestExecutor(t, interp, func(o *Options) {
		o.LevelOverrides = map[string]trust.Level{"shelly": trust.LevelNone}
	})

	// Downgraded to none, the shell skill now clears the public ceiling.
	ec := baseContext(t)
	ec.Provenance = trust.ProvenancePublic
	res := e.Execute(context.Background(), writeSkill(t, shellSkill), nil, ec)
	if !res.Success {
		t.Fatalf("result = %+v", res)
	}
}

func TestExecuteCapabilityOverride(t *testing.T) {
	var caps capability.Table
	interp := &fakeInterp{fn: func(_ context.Context, _ *skill.Program, _ map[string]any, table capability.Table, _ uint64) (*skill.Outcome, error) {
		caps = table
		return &skill.Outcome{Value: "ok"}, nil
	}}
	e := newTestExecutor(t, interp, func(o *Options) {
		o.CapabilityOverrides = map[string]map[string]capability.Func{
			"reader": {
				"read":   nil, // operator strips read
				"custom": func(context.Context, []any) (any, error) { return "injected", nil },
			},
		}
	})

	res := e.Execute(context.Background(), writeSkill(t, readSkill), nil, baseContext(t))
	if !res.Success {
		t.Fatalf("result = %+v", res)
	}
	if _, ok := caps["read"]; ok {
		t.Error("operator-removed opcode still bound")
	}
	if _, ok := caps["custom"]; !ok {
		t.Error("operator-injected opcode missing")
	}
}

func TestExecutePropagatesContext(t *testing.T) {
	var got map[string]any
	interp := &fakeInterp{fn: func(_ context.Context, _ *skill.Program, args map[string]any, _ capability.Table, _ uint64) (*skill.Outcome, error) {
		got = args
		return &skill.Outcome{}, nil
	}}
	e := newTestExecutor(t, interp, nil)

	ec := baseContext(t)
	ec.RequesterID = "u9"
	ec.ChannelID = "c3"
	ec.Metadata = map[string]any{"locale": "pt"}

	e.Execute(context.Background(), writeSkill(t, readSkill), map[string]any{"q": 1}, ec)

	meta, ok := got["_context"].(map[string]any)
	if !ok {
		t.Fatalf("args = %+v, no _context", got)
	}
	if meta["provenance"] != "main" || meta["requester"] != "u9" || meta["channel"] != "c3" || meta["locale"] != "pt" {
		t.Errorf("_context = %+v", meta)
	}
	if got["q"] != 1 {
		t.Errorf("caller args lost: %+v", got)
	}
}

func TestExecuteFuelAndTimeoutFromLevel(t *testing.T) {
	var fuel uint64
	var deadlineSet bool
	interp := &fakeInterp{fn: func(ctx context.Context, _ *skill.Program, _ map[string]any, _ capability.Table, f uint64) (*skill.Outcome, error) {
		fuel = f
		_, deadlineSet = ctx.Deadline()
		return &skill.Outcome{}, nil
	}}
	e := newTestExecutor(t, interp, nil)

	e.Execute(context.Background(), writeSkill(t, readSkill), nil, baseContext(t))
	if fuel != trust.FuelBudget(trust.LevelRead) {
		t.Errorf("fuel = %d, want %d", fuel, trust.FuelBudget(trust.LevelRead))
	}
	if !deadlineSet {
		t.Error("no deadline propagated to the interpreter")
	}
}

func TestExecuteValidationFailure(t *testing.T) {
	e := newTestExecutor(t, &fakeInterp{}, nil)
	res := e.Execute(context.Background(), filepath.Join(t.TempDir(), "absent.skill"), nil, baseContext(t))
	if res.Success || res.Error.Kind != KindSkillValidationFailed {
		t.Errorf("result = %+v", res)
	}
}

func TestDescribe(t *testing.T) {
	e := newTestExecutor(t, nil, nil)
	ec := baseContext(t)

	plan, err := e.Describe(writeSkill(t, readSkill), ec)
	if err != nil {
		t.Fatalf("Describe: %v", err)
	}
	if plan.LevelName != "read" || !plan.Permitted {
		t.Errorf("plan = %+v", plan)
	}
	if plan.Timeout != 15*time.Second {
		t.Errorf("timeout = %s", plan.Timeout)
	}
	found := false
	for _, op := range plan.Opcodes {
		if op == "read" {
			found = true
		}
	}
	if !found {
		t.Errorf("opcodes = %v, want read", plan.Opcodes)
	}
}
