package interp

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/skillfence/skillfence/internal/capability"
	"github.com/skillfence/skillfence/internal/executor"
	"github.com/skillfence/skillfence/internal/skill"
	"github.com/skillfence/skillfence/internal/trust"
)

func compileOK(t *testing.T, source string) *skill.Program {
	t.Helper()
	prog, err := Compile(source)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	return prog
}

// echoTable records calls and returns a canned value per opcode.
func echoTable(calls *[][]any) capability.Table {
	return capability.Table{
		"read": func(_ context.Context, args []any) (any, error) {
			*calls = append(*calls, append([]any{"read"}, args...))
			return "file-contents", nil
		},
		"write": func(_ context.Context, args []any) (any, error) {
			*calls = append(*calls, append([]any{"write"}, args...))
			return nil, nil
		},
		"fail": func(context.Context, []any) (any, error) {
			return nil, &capability.Refusal{Domain: capability.DomainFS, Message: capability.MsgAccessDenied}
		},
	}
}

func TestCompile(t *testing.T) {
	tests := []struct {
		name    string
		source  string
		wantErr bool
	}{
		{"single call", `read "f.txt"`, false},
		{"comments and blanks", "# header\n\nread \"f.txt\"\n", false},
		{"multiple calls", "read \"a\"\nwrite \"b\" $_\n", false},
		{"empty", "", true},
		{"only comments", "# nothing\n", true},
		{"unterminated string", `read "oops`, true},
		{"quoted opcode", `"read" "f"`, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Compile(tt.source)
			if (err != nil) != tt.wantErr {
				t.Errorf("Compile(%q) error = %v, wantErr %v", tt.source, err, tt.wantErr)
			}
		})
	}
}

func TestExecuteDispatchesCalls(t *testing.T) {
	var calls [][]any
	prog := compileOK(t, "read \"in.txt\"\nwrite \"out.txt\" $_\n")

	out, err := NewEngine().Execute(context.Background(), prog, nil, echoTable(&calls), 100)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if out.Err != nil {
		t.Fatalf("outcome err: %v", out.Err)
	}
	if len(calls) != 2 {
		t.Fatalf("calls = %v", calls)
	}
	if calls[0][1] != "in.txt" {
		t.Errorf("read arg = %v", calls[0][1])
	}
	// $_ carries the previous call's value.
	if calls[1][2] != "file-contents" {
		t.Errorf("write arg = %v", calls[1][2])
	}
	if out.FuelUsed != 2 {
		t.Errorf("fuel = %d", out.FuelUsed)
	}
	if len(out.Trace) != 2 {
		t.Errorf("trace = %v", out.Trace)
	}
}

func TestExecuteArgReferences(t *testing.T) {
	var calls [][]any
	prog := compileOK(t, `read $path`)

	_, err := NewEngine().Execute(context.Background(), prog, map[string]any{"path": "from-args.txt"}, echoTable(&calls), 10)
	if err != nil {
		t.Fatal(err)
	}
	if calls[0][1] != "from-args.txt" {
		t.Errorf("ref arg = %v", calls[0][1])
	}
}

func TestExecuteQuotingAndNumbers(t *testing.T) {
	var got []any
	table := capability.Table{
		"op": func(_ context.Context, args []any) (any, error) {
			got = args
			return nil, nil
		},
	}
	prog := compileOK(t, `op "two words" "esc\"aped" 42 bare`)

	if _, err := NewEngine().Execute(context.Background(), prog, nil, table, 10); err != nil {
		t.Fatal(err)
	}
	if got[0] != "two words" || got[1] != `esc"aped` || got[2] != 42.0 || got[3] != "bare" {
		t.Errorf("args = %v", got)
	}
}

func TestExecuteFuelExhausted(t *testing.T) {
	var calls [][]any
	prog := compileOK(t, "read \"a\"\nread \"b\"\nread \"c\"\n")

	out, err := NewEngine().Execute(context.Background(), prog, nil, echoTable(&calls), 2)
	if err != nil {
		t.Fatal(err)
	}
	if !errors.Is(out.Err, skill.ErrFuelExhausted) {
		t.Errorf("err = %v, want fuel exhausted", out.Err)
	}
	if out.FuelUsed != 2 {
		t.Errorf("fuel = %d", out.FuelUsed)
	}
}

func TestExecuteUnknownOpcode(t *testing.T) {
	var calls [][]any
	prog := compileOK(t, `launch "missiles"`)

	out, err := NewEngine().Execute(context.Background(), prog, nil, echoTable(&calls), 10)
	if err != nil {
		t.Fatal(err)
	}
	if out.Err == nil {
		t.Error("unbound opcode executed")
	}
}

// Capability refusals pass through Outcome.Err unchanged, so the executor
// can map them to CapabilityRefused.
func TestExecuteRefusalPassthrough(t *testing.T) {
	var calls [][]any
	prog := compileOK(t, `fail "x"`)

	out, err := NewEngine().Execute(context.Background(), prog, nil, echoTable(&calls), 10)
	if err != nil {
		t.Fatal(err)
	}
	refusal, ok := capability.AsRefusal(out.Err)
	if !ok || refusal.Domain != capability.DomainFS {
		t.Errorf("err = %v, want fs refusal", out.Err)
	}
}

func TestExecuteContextExpiry(t *testing.T) {
	var calls [][]any
	prog := compileOK(t, `read "a"`)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	out, err := NewEngine().Execute(ctx, prog, nil, echoTable(&calls), 10)
	if err != nil {
		t.Fatal(err)
	}
	if !errors.Is(out.Err, context.Canceled) {
		t.Errorf("err = %v, want canceled", out.Err)
	}
	if len(calls) != 0 {
		t.Error("call ran after context expiry")
	}
}

func TestExecuteForeignProgram(t *testing.T) {
	prog := &skill.Program{Entry: "main", Code: "not steps"}
	if _, err := NewEngine().Execute(context.Background(), prog, nil, capability.Table{}, 10); err == nil {
		t.Error("foreign program accepted")
	}
}

func TestRegisterOverrides(t *testing.T) {
	defer Register(Compile, func() skill.Interpreter { return NewEngine() })

	custom := &stubInterp{}
	Register(
		func(string) (*skill.Program, error) { return &skill.Program{Entry: "x", Code: 1}, nil },
		func() skill.Interpreter { return custom },
	)

	if New() != custom {
		t.Error("Register did not replace the interpreter factory")
	}
	prog, err := DefaultCompile()("anything")
	if err != nil || prog.Entry != "x" {
		t.Errorf("Register did not replace the compiler: %v %v", prog, err)
	}
}

type stubInterp struct{}

func (*stubInterp) Execute(context.Context, *skill.Program, map[string]any, capability.Table, uint64) (*skill.Outcome, error) {
	return &skill.Outcome{Value: "stub"}, nil
}

// End to end: the reference engine drives a real jailed filesystem through
// the capability table.
func TestEngineAgainstFilesystem(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "in.txt"), []byte("payload"), 0o644); err != nil {
		t.Fatal(err)
	}
	fs, err := capability.NewFileSystem(capability.FSConfig{
		Root:        root,
		AllowWrite:  true,
		AllowCreate: true,
	})
	if err != nil {
		t.Fatal(err)
	}

	prog := compileOK(t, "read \"in.txt\"\nwrite \"out.txt\" $_\nread \"out.txt\"\n")
	out, err := NewEngine().Execute(context.Background(), prog, nil, fs.Bind(), 100)
	if err != nil {
		t.Fatal(err)
	}
	if out.Err != nil {
		t.Fatalf("outcome err: %v", out.Err)
	}
	if out.Value != "payload" {
		t.Errorf("value = %v", out.Value)
	}

	// A jailed escape surfaces as the opaque refusal.
	prog = compileOK(t, `read "../outside.txt"`)
	out, _ = NewEngine().Execute(context.Background(), prog, nil, fs.Bind(), 100)
	if fmt.Sprint(out.Err) != capability.MsgAccessDenied {
		t.Errorf("err = %v, want %q", out.Err, capability.MsgAccessDenied)
	}
}

// Full round trip through the executor, the way the run command wires it:
// front-matter skill in the call form, loaded, compiled, trust-checked, and
// executed against the jailed filesystem.
func TestEngineThroughExecutor(t *testing.T) {
	workdir := t.TempDir()
	if err := os.WriteFile(filepath.Join(workdir, "greeting.txt"), []byte("hello from jail"), 0o644); err != nil {
		t.Fatal(err)
	}

	skillPath := filepath.Join(t.TempDir(), "greeter.skill")
	doc := "---\nname: greeter\ntrust_level: read\n---\nread \"greeting.txt\"\n"
	if err := os.WriteFile(skillPath, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}

	exec := executor.New(executor.Options{
		Loader:      skill.NewLoader(DefaultCompile()),
		Interpreter: New(),
	})
	result := exec.Execute(context.Background(), skillPath, nil, executor.Context{
		Provenance: trust.ProvenanceMain,
		Workdir:    workdir,
	})

	if !result.Success {
		t.Fatalf("result = %+v", result)
	}
	if result.Value != "hello from jail" {
		t.Errorf("value = %v", result.Value)
	}
	if result.FuelUsed != 1 {
		t.Errorf("fuel = %d", result.FuelUsed)
	}
}
