package languages

import (
	"strings"

	"github.com/itstheanurag/verdict/internal/config"
	"github.com/itstheanurag/verdict/internal/execution"
	"github.com/itstheanurag/verdict/internal/sandbox"
)

type python struct{ base }

func newPython(p config.LanguageProfile) Adapter {
	return python{base{
		id:           "python",
		name:         "Python",
		profile:      p,
		syntaxErrors: []string{"SyntaxError", "IndentationError", "TabError"},
	}}
}

func (a python) Build(code string, tests []execution.TestCase) (*Program, error) {
	prog, err := a.newProgram(tests)
	if err != nil {
		return nil, err
	}
	tf, err := testsFile(tests)
	if err != nil {
		return nil, err
	}
	harness := strings.ReplaceAll(pythonHarness, "{{PREFIX}}", jsonString(prog.MarkerPrefix()))
	prog.Files = []sandbox.File{
		{Name: "solution.py", Data: []byte(code), Mode: 0o444},
		tf,
		{Name: "harness.py", Data: []byte(harness), Mode: 0o444},
	}
	return prog, nil
}

func (a python) Invoke(sandbox.Limits) Command {
	return a.command(nil, []string{"python3", "-I", "-u", "harness.py"}, "PYTHONDONTWRITEBYTECODE=1")
}

const pythonHarness = `import contextlib
import io
import json
import sys
import traceback

PREFIX = {{PREFIX}}
LIMIT = 2000
_out = sys.stdout


def _emit(text):
    _out.write(PREFIX + " " + text + "\n")
    _out.flush()


def _describe(exc):
    if isinstance(exc, SyntaxError):
        text = "%s: %s (line %s)" % (type(exc).__name__, exc.msg, exc.lineno)
    else:
        text = "".join(traceback.format_exception_only(type(exc), exc)).strip()
    return json.dumps(text[:LIMIT])


with open("tests.json", encoding="utf-8") as fh:
    tests = json.load(fh)

scope = {"__name__": "solution", "__builtins__": __builtins__}
try:
    with open("solution.py", encoding="utf-8") as fh:
        source = fh.read()
    exec(compile(source, "solution.py", "exec"), scope)
except MemoryError:
    raise
except BaseException as exc:
    message = _describe(exc)
    _emit("LOAD " + message)
    for i in range(len(tests)):
        _emit("FAIL %d %s" % (i, message))
    _emit("DONE")
    sys.exit(1)

for i, test in enumerate(tests):
    assertion = test["assertion"]
    expected = test.get("expectedOutput")
    captured = io.StringIO()
    try:
        try:
            code = compile(assertion, "<test %d>" % i, "eval")
            is_expression = True
        except SyntaxError:
            code = compile(assertion, "<test %d>" % i, "exec")
            is_expression = False
        try:
            with contextlib.redirect_stdout(captured):
                value = eval(code, scope)
        finally:
            _out.write(captured.getvalue())
        if is_expression and value is False:
            _emit("FAIL %d %s" % (i, json.dumps("assertion evaluated to False")))
            continue
        if expected is not None:
            got = captured.getvalue().rstrip()
            if got != expected.rstrip():
                message = "expected output %r, got %r" % (expected.rstrip(), got)
                _emit("FAIL %d %s" % (i, json.dumps(message[:LIMIT])))
                continue
        _emit("OK %d" % i)
    except MemoryError:
        raise
    except BaseException as exc:
        _emit("FAIL %d %s" % (i, _describe(exc)))

_emit("DONE")
`
