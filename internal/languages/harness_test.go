package languages

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/itstheanurag/verdict/internal/config"
	"github.com/itstheanurag/verdict/internal/execution"
	"github.com/itstheanurag/verdict/internal/sandbox"
)

// runHarness builds and runs a program directly, without a sandbox, to check
// that the generated harness behaves as the parser expects.
func runHarness(t *testing.T, a Adapter, tool, code string, tests []execution.TestCase) *Report {
	t.Helper()
	if _, err := exec.LookPath(tool); err != nil {
		t.Skipf("%s not available", tool)
	}
	prog, err := a.Build(code, tests)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	dir := t.TempDir()
	for _, f := range prog.Files {
		if err := os.WriteFile(filepath.Join(dir, f.Name), f.Data, 0o644); err != nil {
			t.Fatalf("write %s: %v", f.Name, err)
		}
	}

	cmd := a.Invoke(sandbox.Limits{MemoryBytes: 512 << 20})
	env := append(os.Environ(), cmd.Env...)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	for _, argv := range cmd.Compile {
		c := exec.CommandContext(ctx, argv[0], argv[1:]...)
		c.Dir, c.Env = dir, env
		if out, err := c.CombinedOutput(); err != nil {
			t.Fatalf("compile %v: %v\n%s", argv, err, out)
		}
	}
	c := exec.CommandContext(ctx, cmd.Run[0], cmd.Run[1:]...)
	c.Dir, c.Env = dir, env
	stdout, err := c.Output()
	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		t.Fatalf("run: %v", err)
	}

	rep, err := a.Parse(&sandbox.RawResult{Stdout: string(stdout)}, prog)
	if err != nil {
		t.Fatalf("Parse: %v\nstdout:\n%s", err, stdout)
	}
	if !rep.Done {
		t.Fatalf("harness did not finish, stdout:\n%s", stdout)
	}
	return rep
}

type expectation struct {
	passed bool
	errHas string
}

func checkResults(t *testing.T, rep *Report, want []expectation) {
	t.Helper()
	if len(rep.Results) != len(want) {
		t.Fatalf("got %d results, want %d", len(rep.Results), len(want))
	}
	for i, w := range want {
		r := rep.Results[i]
		if r.Passed != w.passed || !strings.Contains(r.Error, w.errHas) {
			t.Errorf("test %d = %+v, want passed=%v error containing %q", i, r, w.passed, w.errHas)
		}
	}
}

func outputOf(s string) *string { return &s }

func TestPythonHarness(t *testing.T) {
	code := "def add(a, b):\n    return a + b\n\ndef show(x):\n    print(x)\n"
	rep := runHarness(t, newPython(config.LanguageProfile{}), "python3", code, []execution.TestCase{
		{Description: "pass", Assertion: "assert add(2, 3) == 5"},
		{Description: "assert fails", Assertion: "assert add(2, 2) == 5, 'two and two'"},
		{Description: "false expression", Assertion: "add(1, 1) == 3"},
		{Description: "output matches", Assertion: "show(5)", ExpectedOutput: outputOf("5\n")},
		{Description: "output differs", Assertion: "show(6)", ExpectedOutput: outputOf("5")},
		{Description: "raises", Assertion: "missing_name"},
	})
	checkResults(t, rep, []expectation{
		{true, ""},
		{false, "AssertionError: two and two"},
		{false, "evaluated to False"},
		{true, ""},
		{false, "expected output"},
		{false, "NameError"},
	})
	if !strings.Contains(rep.Output, "5\n6\n") {
		t.Fatalf("output = %q", rep.Output)
	}
}

func TestPythonHarnessLoadErrors(t *testing.T) {
	tests := []execution.TestCase{{Description: "a", Assertion: "True"}, {Description: "b", Assertion: "True"}}

	rep := runHarness(t, newPython(config.LanguageProfile{}), "python3", "raise ValueError('boom')\n", tests)
	if rep.LoadError != "ValueError: boom" || rep.LoadSyntax {
		t.Fatalf("load error = %q syntax=%v", rep.LoadError, rep.LoadSyntax)
	}
	checkResults(t, rep, []expectation{{false, "ValueError: boom"}, {false, "ValueError: boom"}})

	rep = runHarness(t, newPython(config.DefaultLanguages()["python"]), "python3", "def broken(:\n", tests)
	if !rep.LoadSyntax || !strings.HasPrefix(rep.LoadError, "SyntaxError") {
		t.Fatalf("load error = %q syntax=%v", rep.LoadError, rep.LoadSyntax)
	}
}

func TestJavaScriptHarness(t *testing.T) {
	code := "function add(a, b) { return a + b; }\nconst show = (x) => console.log(x);\n"
	rep := runHarness(t, newJavaScript(config.LanguageProfile{}), "node", code, []execution.TestCase{
		{Description: "pass", Assertion: "add(2, 3) === 5"},
		{Description: "assert fails", Assertion: "assert.strictEqual(add(2, 2), 5)"},
		{Description: "false expression", Assertion: "add(1, 1) === 3"},
		{Description: "sees const bindings", Assertion: "show(5)", ExpectedOutput: outputOf("5")},
		{Description: "throws", Assertion: "throw new TypeError('nope')"},
		{Description: "throws non error", Assertion: "throw 42"},
	})
	checkResults(t, rep, []expectation{
		{true, ""},
		{false, "AssertionError"},
		{false, "evaluated to false"},
		{true, ""},
		{false, "TypeError: nope"},
		{false, "Thrown: 42"},
	})
}

func TestJavaScriptHarnessSyntaxError(t *testing.T) {
	rep := runHarness(t, newJavaScript(config.LanguageProfile{}), "node", "function (", []execution.TestCase{{Description: "a", Assertion: "true"}})
	if !rep.LoadSyntax {
		t.Fatalf("load error = %q", rep.LoadError)
	}
	checkResults(t, rep, []expectation{{false, "SyntaxError"}})
}

func TestCPPHarness(t *testing.T) {
	code := "int add(int a, int b) { return a + b; }\nvoid show(int x) { std::cout << x << std::endl; }\nint main() { return 3; }\n"
	rep := runHarness(t, newCPP(config.LanguageProfile{}), "g++", code, []execution.TestCase{
		{Description: "pass", Assertion: "add(2, 3) == 5"},
		{Description: "false expression", Assertion: "add(1, 1) == 3"},
		{Description: "output", Assertion: "show(5);", ExpectedOutput: outputOf("5")},
		{Description: "throws", Assertion: `throw std::runtime_error("boom");`},
	})
	checkResults(t, rep, []expectation{
		{true, ""},
		{false, "evaluated to false"},
		{true, ""},
		{false, "exception: boom"},
	})
}

func TestGoHarness(t *testing.T) {
	code := "import \"fmt\"\n\nfunc add(a, b int) int { return a + b }\n\nfunc show(x int) { fmt.Println(x) }\n\nfunc main() {}\n"
	rep := runHarness(t, newGo(config.LanguageProfile{}), "go", code, []execution.TestCase{
		{Description: "pass", Assertion: "add(2, 3) == 5"},
		{Description: "false expression", Assertion: "add(1, 1) == 3"},
		{Description: "output", Assertion: "show(5);", ExpectedOutput: outputOf("5")},
		{Description: "panics", Assertion: `panic("boom");`},
		{Description: "statement passes", Assertion: "if add(2, 3) != 5 {\n\tpanic(\"bad\")\n}"},
		{Description: "statement fails", Assertion: "sum := add(2, 2)\nif sum != 5 {\n\tpanic(\"bad sum\")\n}"},
	})
	checkResults(t, rep, []expectation{
		{true, ""},
		{false, "evaluated to false"},
		{true, ""},
		{false, "panic: boom"},
		{true, ""},
		{false, "panic: bad sum"},
	})
}
